package app

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/capturebot/internal/health"
	"github.com/MrWong99/capturebot/internal/meeting"
	"github.com/MrWong99/capturebot/internal/observe"
	"github.com/MrWong99/capturebot/internal/worker"
)

// maxRequestBody caps control request bodies.
const maxRequestBody = 1 << 16

// StartRequest is the body of POST /capture/start.
type StartRequest struct {
	MeetingID int64 `json:"meeting_id"`
}

// Capability is the body of GET /capture/capability.
type Capability struct {
	CanAcquireAudioStream bool          `json:"can_acquire_audio_stream"`
	Status                worker.Status `json:"status"`
}

type errorBody struct {
	Error string `json:"error"`
}

// Handler returns the HTTP surface: capture control, health probes and
// Prometheus metrics.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	health.New(a.checkers...).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("POST /capture/start", a.handleStart)
	mux.HandleFunc("POST /capture/stop", a.handleStop)
	mux.HandleFunc("GET /capture/capability", a.handleCapability)
	mux.HandleFunc("GET /capture/status", a.handleStatus)
	mux.HandleFunc("GET /capture/report", a.handleReport)

	return observe.Middleware(a.metrics)(mux)
}

func (a *App) handleStart(w http.ResponseWriter, r *http.Request) {
	var req StartRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid body: " + err.Error()})
		return
	}
	if req.MeetingID <= 0 {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "meeting_id must be positive"})
		return
	}

	err := a.worker.Start(r.Context(), req.MeetingID)
	switch {
	case err == nil:
		observe.Logger(r.Context()).Info("app: capture started through api", "meeting_id", req.MeetingID)
		writeJSON(w, http.StatusAccepted, a.worker.Status())
	case errors.Is(err, worker.ErrBusy):
		writeJSON(w, http.StatusConflict, errorBody{Error: err.Error()})
	case errors.Is(err, meeting.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: err.Error()})
	default:
		observe.Logger(r.Context()).Error("app: start capture", "meeting_id", req.MeetingID, "error", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: err.Error()})
	}
}

func (a *App) handleStop(w http.ResponseWriter, r *http.Request) {
	err := a.worker.Stop()
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, a.worker.Status())
	case errors.Is(err, worker.ErrIdle):
		writeJSON(w, http.StatusConflict, errorBody{Error: err.Error()})
	default:
		observe.Logger(r.Context()).Error("app: stop capture", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: err.Error()})
	}
}

func (a *App) handleCapability(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, Capability{
		CanAcquireAudioStream: a.worker.CanAcquireAudioStream(),
		Status:                a.worker.Status(),
	})
}

func (a *App) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.worker.Status())
}

func (a *App) handleReport(w http.ResponseWriter, _ *http.Request) {
	rep, ok := a.worker.LastReport()
	if !ok {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "no capture finished yet"})
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("app: write response", "error", err)
	}
}
