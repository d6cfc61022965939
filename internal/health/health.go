// Package health provides HTTP health and readiness check handlers.
//
// The package exposes two endpoints:
//
//   - /healthz: liveness probe; always returns 200 OK.
//   - /readyz: readiness probe; returns 200 unless a required [Checker]
//     fails. Failing optional checkers report "degraded" but keep the worker
//     ready, for example an object store with a local fallback.
//
// Responses are JSON objects with a top-level "status" field ("ok",
// "degraded" or "fail") and a "checks" map containing the result of each
// named checker.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// checkTimeout is the maximum time a single readiness check may take before
// the context is cancelled.
const checkTimeout = 5 * time.Second

// Checker is a named health check function. The Check function should return
// nil when the dependency is healthy and a non-nil error describing the
// failure otherwise.
type Checker struct {
	// Name is a short label for this check (e.g. "database", "storage"). It
	// appears as a key in the JSON response.
	Name string

	// Check probes the dependency. It must respect context cancellation.
	Check func(ctx context.Context) error

	// Optional failures degrade readiness without failing it.
	Optional bool
}

// Pinger is satisfied by connection pools and stores that can verify their
// backend.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Ping returns a required checker that pings p.
func Ping(name string, p Pinger) Checker {
	return Checker{Name: name, Check: p.Ping}
}

type result struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves /healthz and /readyz endpoints. It is safe for concurrent
// use; the checker list is fixed at construction time.
type Handler struct {
	checkers []Checker
}

// New creates a [Handler] that evaluates the given checkers concurrently on
// each /readyz request.
func New(checkers ...Checker) *Handler {
	c := make([]Checker, len(checkers))
	copy(c, checkers)
	return &Handler{checkers: c}
}

// Healthz is a liveness probe that always returns 200 OK.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: "ok"})
}

// Readyz runs every checker with a [checkTimeout] deadline derived from the
// request context and reports the aggregate.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	var (
		mu       sync.Mutex
		checks   = make(map[string]string, len(h.checkers))
		failed   bool
		degraded bool
		g        errgroup.Group
	)
	for _, c := range h.checkers {
		g.Go(func() error {
			ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
			err := c.Check(ctx)
			cancel()

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				checks[c.Name] = "ok"
			case c.Optional:
				checks[c.Name] = "degraded: " + err.Error()
				degraded = true
			default:
				checks[c.Name] = "fail: " + err.Error()
				failed = true
			}
			return nil
		})
	}
	_ = g.Wait()

	res := result{Status: "ok", Checks: checks}
	status := http.StatusOK
	switch {
	case failed:
		res.Status = "fail"
		status = http.StatusServiceUnavailable
	case degraded:
		res.Status = "degraded"
	}
	writeJSON(w, status, res)
}

// Register adds the /healthz and /readyz routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
