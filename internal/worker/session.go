package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/capturebot/internal/bridge"
	"github.com/MrWong99/capturebot/internal/capture"
	"github.com/MrWong99/capturebot/internal/meeting"
	"github.com/MrWong99/capturebot/internal/observe"
	"github.com/MrWong99/capturebot/internal/resilience"
	"github.com/MrWong99/capturebot/internal/storage"
	"github.com/MrWong99/capturebot/pkg/audio"
	"github.com/MrWong99/capturebot/pkg/dom"
)

// session captures one meeting from connect to transcription hand-off.
type session struct {
	w   *Worker
	m   meeting.Meeting
	log *slog.Logger

	stopReq  chan struct{}
	stopOnce sync.Once

	mu     sync.Mutex
	ctrl   *capture.Controller
	bridge *bridge.Bridge
	sink   *chunkSink
	report Report
}

func newSession(w *Worker, m meeting.Meeting) *session {
	return &session{
		w:       w,
		m:       m,
		log:     slog.With("meeting_id", m.ID, "platform", string(m.Platform)),
		stopReq: make(chan struct{}),
		report: Report{
			MeetingID: m.ID,
			Platform:  string(m.Platform),
			Channel:   m.Channel(),
		},
	}
}

// requestStop asks a running session to wind down. Idempotent.
func (s *session) requestStop() {
	s.stopOnce.Do(func() { close(s.stopReq) })
}

// run executes the session. A non-nil error means the meeting could not be
// captured and should be marked as failed.
func (s *session) run(ctx context.Context) (Report, error) {
	ctx, span := observe.StartCaptureSpan(ctx, s.m.ID, string(s.m.Platform))
	defer span.End()

	err := s.capture(ctx)
	if err != nil {
		observe.Fail(span, err)
		s.mu.Lock()
		if s.report.EndedAt.IsZero() {
			// handleStop did not run, so err is not in the report yet.
			s.report.Errors = append(s.report.Errors, err.Error())
		}
		s.mu.Unlock()
	}
	return s.snapshotReport(), err
}

func (s *session) capture(ctx context.Context) error {
	cfg := s.w.cfg

	platform, ok := s.w.platforms[s.m.Platform]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnsupportedPlatform, s.m.Platform)
	}

	conn, err := s.connect(ctx, platform)
	if err != nil {
		return err
	}
	defer func() {
		if err := conn.Disconnect(); err != nil {
			s.log.Warn("worker: disconnect", "error", err)
		}
	}()

	doc := dom.NewDocument()
	br := bridge.New(doc, conn, s.w.bridgeOpts...)
	if err := br.Start(ctx); err != nil {
		return fmt.Errorf("worker: start bridge: %w", err)
	}
	defer br.Close()

	if err := s.w.api.StartCaptureBot(ctx, s.m); err != nil {
		return fmt.Errorf("worker: report capture start: %w", err)
	}

	var qopts []storage.QueueOption
	if cfg.UploadTimeout > 0 {
		qopts = append(qopts, storage.WithUploadTimeout(cfg.UploadTimeout))
	}
	if s.w.metrics != nil {
		qopts = append(qopts, storage.WithQueueMetrics(s.w.metrics))
	}
	uploads := storage.NewUploadQueue(s.w.store, cfg.UploadConcurrency, qopts...)
	sink := newChunkSink(s.m.ID, cfg.AudioFolder, uploads, s.w.now)

	var copts []capture.ControllerOption
	if s.w.metrics != nil {
		copts = append(copts, capture.WithMetrics(s.w.metrics))
	}
	ctrl := capture.NewController(doc, sink, cfg.Capture, copts...)

	s.mu.Lock()
	s.ctrl, s.bridge, s.sink = ctrl, br, sink
	s.mu.Unlock()

	if err := ctrl.Start(ctx); err != nil {
		_ = uploads.Wait(context.WithoutCancel(ctx))
		return fmt.Errorf("worker: start recording: %w", err)
	}

	reason := s.wait(ctx, sink, br)
	s.log.Info("worker: stopping capture", "reason", reason)
	return s.handleStop(ctx, reason, ctrl, sink, uploads)
}

func (s *session) connect(ctx context.Context, p audio.Platform) (audio.Connection, error) {
	ctx, span := observe.StartSpan(ctx, observe.SpanConnect)
	defer span.End()

	cfg := s.w.cfg
	conn, err := resilience.Retry(ctx, resilience.RetryConfig{
		Name:        "connect " + string(s.m.Platform),
		MaxAttempts: cfg.ConnectAttempts,
		Backoff:     cfg.ConnectBackoff,
	}, func(ctx context.Context) (audio.Connection, error) {
		connCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
		defer cancel()
		return p.Connect(connCtx, s.m.Channel())
	})
	if err != nil {
		observe.Fail(span, err)
		return nil, fmt.Errorf("worker: connect to %s: %w", s.m.Platform, err)
	}
	s.mu.Lock()
	s.report.ConnectedAt = s.w.now()
	s.mu.Unlock()
	s.log.Info("worker: connected", "channel", s.m.Channel())
	return conn, nil
}

// wait blocks until something ends the capture and reports what did.
func (s *session) wait(ctx context.Context, sink *chunkSink, br *bridge.Bridge) StopReason {
	cfg := s.w.cfg
	poll := time.NewTicker(cfg.StatusPollInterval)
	defer poll.Stop()

	var deadline <-chan time.Time
	if cfg.MaxDuration > 0 {
		t := time.NewTimer(cfg.MaxDuration)
		defer t.Stop()
		deadline = t.C
	}

	var emptySince time.Time
	for {
		select {
		case <-ctx.Done():
			return StopShutdown
		case <-s.stopReq:
			return StopRequested
		case <-sink.Stopped():
			return StopRecorderEnded
		case <-deadline:
			return StopMaxDuration
		case <-poll.C:
		}

		st, err := s.w.meetings.Status(ctx, s.m.ID)
		switch {
		case errors.Is(err, meeting.ErrNotFound):
			return StopMeetingGone
		case err != nil:
			if ctx.Err() == nil {
				s.log.Warn("worker: poll meeting status", "error", err)
			}
			continue
		case st != meeting.StatusCaptureInProgress:
			s.log.Info("worker: meeting status changed", "status", st)
			return StopStatusChanged
		}

		n := len(br.Participants())
		s.mu.Lock()
		s.report.MaxParticipants = max(s.report.MaxParticipants, n)
		s.mu.Unlock()

		if cfg.EmptyTimeout <= 0 {
			continue
		}
		now := s.w.now()
		switch {
		case n > 0:
			emptySince = time.Time{}
		case emptySince.IsZero():
			emptySince = now
		case now.Sub(emptySince) >= cfg.EmptyTimeout:
			return StopEmptyMeeting
		}
	}
}

// handleStop winds the capture down: stop the recorder, end the capture if
// nobody else did, wait for every chunk to land, then hand the meeting to
// transcription. It keeps going after ctx is cancelled, bounded by
// StopTimeout.
func (s *session) handleStop(ctx context.Context, reason StopReason, ctrl *capture.Controller, sink *chunkSink, uploads *storage.UploadQueue) error {
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.w.cfg.StopTimeout)
	defer cancel()
	stopCtx, span := observe.StartStopSpan(stopCtx, string(reason))
	defer span.End()

	if err := ctrl.Stop(stopCtx); err != nil && !errors.Is(err, capture.ErrNotActive) {
		s.log.Warn("worker: stop recording", "error", err)
		s.addError(err)
	}

	st, err := s.w.meetings.Status(stopCtx, s.m.ID)
	switch {
	case err != nil:
		s.log.Warn("worker: read status before end of capture", "error", err)
		s.addError(err)
	case st == meeting.StatusCaptureInProgress:
		if err := s.w.api.EndCapture(stopCtx, s.m); err != nil {
			s.log.Error("worker: end capture", "error", err)
			s.addError(err)
		}
	}

	uploadErr := uploads.Wait(stopCtx)
	stats := sink.stats()
	s.mu.Lock()
	s.report.StopReason = reason
	s.report.MimeType = stats.mime
	s.report.Chunks = stats.chunks
	s.report.Bytes = stats.bytes
	s.report.RecordingAt = stats.startedAt
	if uploadErr != nil {
		s.report.UploadError = uploadErr.Error()
	}
	s.mu.Unlock()
	if uploadErr != nil {
		s.log.Error("worker: audio upload incomplete", "error", uploadErr)
	} else {
		s.log.Info("worker: all chunks uploaded", "chunks", stats.chunks, "bytes", stats.bytes)
	}

	var initErr error
	if err := s.w.api.InitTranscription(stopCtx, s.m); err != nil {
		initErr = fmt.Errorf("worker: init transcription: %w", err)
		observe.Fail(span, initErr)
	} else {
		s.log.Info("worker: transcription initialised")
	}

	s.mu.Lock()
	if initErr != nil {
		s.report.Errors = append(s.report.Errors, initErr.Error())
	}
	s.report.EndedAt = s.w.now()
	rep := s.report
	s.mu.Unlock()
	if key, err := rep.upload(stopCtx, s.w.store, s.w.cfg.TraceFolder); err != nil {
		s.log.Warn("worker: store session report", "error", err)
	} else {
		s.log.Debug("worker: session report stored", "key", key)
	}
	return initErr
}

func (s *session) addError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.report.Errors = append(s.report.Errors, err.Error())
}

func (s *session) snapshotReport() Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	rep := s.report
	rep.Errors = append([]string(nil), s.report.Errors...)
	if rep.EndedAt.IsZero() {
		rep.EndedAt = s.w.now()
	}
	return rep
}

// status describes the session for the control surface.
func (s *session) status() Status {
	s.mu.Lock()
	ctrl, br := s.ctrl, s.bridge
	st := Status{
		Busy:        true,
		MeetingID:   s.m.ID,
		Platform:    string(s.m.Platform),
		ConnectedAt: s.report.ConnectedAt,
		Recording:   capture.StateIdle.String(),
	}
	s.mu.Unlock()

	if ctrl != nil {
		st.Recording = ctrl.State().String()
		st.MimeType = ctrl.MimeType()
		st.StreamID = ctrl.StreamID()
	}
	if br != nil {
		st.Participants = br.Participants()
	}
	return st
}

func (s *session) controller() *capture.Controller {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctrl
}
