package worker_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/capturebot/internal/capture"
	"github.com/MrWong99/capturebot/internal/meeting"
	"github.com/MrWong99/capturebot/internal/worker"
	"github.com/MrWong99/capturebot/pkg/audio"
	"github.com/MrWong99/capturebot/pkg/audio/mock"
)

// ─── fakes ───────────────────────────────────────────────────────────────────

// fakeMeetings is an in-memory meeting table.
type fakeMeetings struct {
	mu       sync.Mutex
	pending  []int64
	meetings map[int64]meeting.Meeting
	ClaimErr error
}

func newFakeMeetings(ms ...meeting.Meeting) *fakeMeetings {
	f := &fakeMeetings{meetings: make(map[int64]meeting.Meeting)}
	for _, m := range ms {
		m.Status = meeting.StatusCapturePending
		f.meetings[m.ID] = m
		f.pending = append(f.pending, m.ID)
	}
	return f
}

func (f *fakeMeetings) Get(_ context.Context, id int64) (meeting.Meeting, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.meetings[id]
	if !ok {
		return meeting.Meeting{}, meeting.ErrNotFound
	}
	return m, nil
}

func (f *fakeMeetings) Status(ctx context.Context, id int64) (meeting.Status, error) {
	m, err := f.Get(ctx, id)
	return m.Status, err
}

func (f *fakeMeetings) ClaimNextPending(context.Context) (meeting.Meeting, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ClaimErr != nil {
		return meeting.Meeting{}, f.ClaimErr
	}
	if len(f.pending) == 0 {
		return meeting.Meeting{}, meeting.ErrNoPending
	}
	id := f.pending[0]
	f.pending = f.pending[1:]
	m := f.meetings[id]
	m.Status = meeting.StatusCaptureBotIsConnecting
	f.meetings[id] = m
	return m, nil
}

func (f *fakeMeetings) SetStatus(id int64, st meeting.Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m := f.meetings[id]
	m.Status = st
	f.meetings[id] = m
}

func (f *fakeMeetings) Delete(id int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.meetings, id)
}

// fakeAPI applies transitions to fakeMeetings like the core API would.
type fakeAPI struct {
	meetings *fakeMeetings

	mu      sync.Mutex
	calls   []string
	InitErr error
}

func (a *fakeAPI) record(name string, m meeting.Meeting) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, fmt.Sprintf("%s:%d", name, m.ID))
}

func (a *fakeAPI) StartCaptureBot(_ context.Context, m meeting.Meeting) error {
	a.record("start_capture_bot", m)
	a.meetings.SetStatus(m.ID, meeting.StatusCaptureInProgress)
	return nil
}

func (a *fakeAPI) EndCapture(_ context.Context, m meeting.Meeting) error {
	a.record("end_capture", m)
	a.meetings.SetStatus(m.ID, meeting.StatusCaptureDone)
	return nil
}

func (a *fakeAPI) InitTranscription(_ context.Context, m meeting.Meeting) error {
	a.record("init_transcription", m)
	return a.InitErr
}

func (a *fakeAPI) FailCaptureBot(_ context.Context, m meeting.Meeting) error {
	a.record("fail_capture_bot", m)
	return nil
}

func (a *fakeAPI) Calls() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return slices.Clone(a.calls)
}

// memStore keeps uploaded objects in memory.
type memStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (s *memStore) Put(_ context.Context, key string, body []byte, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.objects == nil {
		s.objects = make(map[string][]byte)
	}
	s.objects[key] = slices.Clone(body)
	return nil
}

func (s *memStore) Keys(prefix string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []string
	for k := range s.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)
	return keys
}

func (s *memStore) Report(t *testing.T, meetingID int64) worker.Report {
	t.Helper()
	keys := s.Keys(fmt.Sprintf("trace/%d/", meetingID))
	if len(keys) != 1 {
		t.Fatalf("found %d session reports, want 1", len(keys))
	}
	s.mu.Lock()
	body := s.objects[keys[0]]
	s.mu.Unlock()
	var rep worker.Report
	if err := json.Unmarshal(body, &rep); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	return rep
}

// ─── helpers ─────────────────────────────────────────────────────────────────

const meetingID = 7

func testMeeting() meeting.Meeting {
	return meeting.Meeting{
		ID:                meetingID,
		Name:              "weekly",
		Platform:          meeting.PlatformDiscord,
		PlatformMeetingID: "voice-1",
		OwnerUUID:         "owner-1",
	}
}

func testConfig() worker.Config {
	return worker.Config{
		ClaimInterval:      10 * time.Millisecond,
		StatusPollInterval: 10 * time.Millisecond,
		StopTimeout:        5 * time.Second,
		Capture: capture.Config{
			ChunkDuration:       30 * time.Millisecond,
			StreamCheckInterval: 20 * time.Millisecond,
		},
	}
}

type fixture struct {
	meetings *fakeMeetings
	api      *fakeAPI
	conn     *mock.Connection
	platform *mock.Platform
	store    *memStore
}

func newFixture() *fixture {
	meetings := newFakeMeetings(testMeeting())
	conn := &mock.Connection{}
	conn.SetInput("alice", make(chan audio.AudioFrame))
	return &fixture{
		meetings: meetings,
		api:      &fakeAPI{meetings: meetings},
		conn:     conn,
		platform: &mock.Platform{ConnectResult: conn},
		store:    &memStore{},
	}
}

func (f *fixture) worker(cfg worker.Config) *worker.Worker {
	return worker.New(cfg, f.meetings, f.api, f.store,
		worker.Platforms{meeting.PlatformDiscord: f.platform})
}

type processResult struct {
	claimed bool
	err     error
}

func processAsync(w *worker.Worker) <-chan processResult {
	ch := make(chan processResult, 1)
	go func() {
		ok, err := w.ProcessNext(context.Background())
		ch <- processResult{ok, err}
	}()
	return ch
}

func await(t *testing.T, ch <-chan processResult) processResult {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(10 * time.Second):
		t.Fatal("session did not finish")
		return processResult{}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// ─── tests ───────────────────────────────────────────────────────────────────

func TestWorker_CapturesUntilStatusChanges(t *testing.T) {
	t.Parallel()

	f := newFixture()
	w := f.worker(testConfig())
	done := processAsync(w)

	waitFor(t, "an uploaded chunk", func() bool { return len(f.store.Keys("audio/7/")) > 0 })
	f.meetings.SetStatus(meetingID, meeting.StatusCaptureDone)

	res := await(t, done)
	if !res.claimed || res.err != nil {
		t.Fatalf("ProcessNext = %v, %v", res.claimed, res.err)
	}

	want := []string{"start_capture_bot:7", "init_transcription:7"}
	if got := f.api.Calls(); !slices.Equal(got, want) {
		t.Errorf("api calls = %v, want %v", got, want)
	}
	for _, k := range f.store.Keys("audio/") {
		if !strings.HasSuffix(k, ".pcm") {
			t.Errorf("chunk key %q lacks the pcm extension", k)
		}
	}
	if calls := f.platform.Calls(); len(calls) != 1 || calls[0].ChannelID != "voice-1" {
		t.Errorf("connect calls = %+v, want one to voice-1", calls)
	}
	if f.conn.Disconnects() != 1 {
		t.Errorf("Disconnect called %d times, want 1", f.conn.Disconnects())
	}

	rep := f.store.Report(t, meetingID)
	if rep.StopReason != worker.StopStatusChanged {
		t.Errorf("stop reason = %q", rep.StopReason)
	}
	if rep.Chunks < 1 || rep.MimeType != "audio/L16" {
		t.Errorf("report chunks=%d mime=%q", rep.Chunks, rep.MimeType)
	}
	if int(rep.Chunks) != len(f.store.Keys("audio/7/")) {
		t.Errorf("report counts %d chunks, store holds %d", rep.Chunks, len(f.store.Keys("audio/7/")))
	}
	if rep.MaxParticipants != 1 {
		t.Errorf("max participants = %d, want 1", rep.MaxParticipants)
	}
}

func TestWorker_EndsCaptureWhenStillInProgress(t *testing.T) {
	t.Parallel()

	f := newFixture()
	cfg := testConfig()
	cfg.MaxDuration = 100 * time.Millisecond
	w := f.worker(cfg)

	res := await(t, processAsync(w))
	if res.err != nil {
		t.Fatalf("ProcessNext: %v", res.err)
	}
	want := []string{"start_capture_bot:7", "end_capture:7", "init_transcription:7"}
	if got := f.api.Calls(); !slices.Equal(got, want) {
		t.Errorf("api calls = %v, want %v", got, want)
	}
	if rep := f.store.Report(t, meetingID); rep.StopReason != worker.StopMaxDuration {
		t.Errorf("stop reason = %q, want max_duration", rep.StopReason)
	}
}

func TestWorker_StopsWhenMeetingDeleted(t *testing.T) {
	t.Parallel()

	f := newFixture()
	w := f.worker(testConfig())
	done := processAsync(w)

	waitFor(t, "recording", func() bool { return w.Status().Recording == capture.StateRecording.String() })
	f.meetings.Delete(meetingID)

	res := await(t, done)
	if res.err != nil {
		t.Fatalf("ProcessNext: %v", res.err)
	}
	rep, ok := w.LastReport()
	if !ok || rep.StopReason != worker.StopMeetingGone {
		t.Errorf("last report = %+v, want meeting_gone", rep)
	}
}

func TestWorker_EmptyMeetingTimeout(t *testing.T) {
	t.Parallel()

	f := newFixture()
	f.conn.SetInput("alice", nil)
	cfg := testConfig()
	cfg.EmptyTimeout = 50 * time.Millisecond
	w := f.worker(cfg)

	if res := await(t, processAsync(w)); res.err != nil {
		t.Fatalf("ProcessNext: %v", res.err)
	}
	if rep := f.store.Report(t, meetingID); rep.StopReason != worker.StopEmptyMeeting || rep.MaxParticipants != 0 {
		t.Errorf("report reason=%q participants=%d", rep.StopReason, rep.MaxParticipants)
	}
}

func TestWorker_FailsMeeting(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		setup     func(f *fixture, cfg *worker.Config) worker.Platforms
		wantErr   error
		wantCalls []string
	}{
		{
			name: "connect fails",
			setup: func(f *fixture, _ *worker.Config) worker.Platforms {
				f.platform.ConnectError = errors.New("voice gateway down")
				return worker.Platforms{meeting.PlatformDiscord: f.platform}
			},
			wantCalls: []string{"fail_capture_bot:7"},
		},
		{
			name: "unsupported platform",
			setup: func(*fixture, *worker.Config) worker.Platforms {
				return worker.Platforms{}
			},
			wantErr:   worker.ErrUnsupportedPlatform,
			wantCalls: []string{"fail_capture_bot:7"},
		},
		{
			name: "transcription init fails",
			setup: func(f *fixture, cfg *worker.Config) worker.Platforms {
				f.api.InitErr = errors.New("core unavailable")
				cfg.MaxDuration = 50 * time.Millisecond
				return worker.Platforms{meeting.PlatformDiscord: f.platform}
			},
			wantCalls: []string{"start_capture_bot:7", "end_capture:7", "init_transcription:7", "fail_capture_bot:7"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			f := newFixture()
			cfg := testConfig()
			platforms := tt.setup(f, &cfg)
			w := worker.New(cfg, f.meetings, f.api, f.store, platforms)

			claimed, err := w.ProcessNext(context.Background())
			if !claimed || err == nil {
				t.Fatalf("ProcessNext = %v, %v; want a claimed meeting and an error", claimed, err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, want %v", err, tt.wantErr)
			}
			if got := f.api.Calls(); !slices.Equal(got, tt.wantCalls) {
				t.Errorf("api calls = %v, want %v", got, tt.wantCalls)
			}
			if rep, ok := w.LastReport(); !ok || len(rep.Errors) == 0 {
				t.Errorf("last report = %+v, want recorded errors", rep)
			}
		})
	}
}

func TestWorker_NothingPending(t *testing.T) {
	t.Parallel()

	f := newFixture()
	f.meetings = newFakeMeetings()
	w := worker.New(testConfig(), f.meetings, f.api, f.store, nil)

	claimed, err := w.ProcessNext(context.Background())
	if claimed || err != nil {
		t.Fatalf("ProcessNext = %v, %v; want nothing claimed", claimed, err)
	}
	if len(f.api.Calls()) != 0 {
		t.Errorf("api called: %v", f.api.Calls())
	}
}

func TestWorker_ClaimError(t *testing.T) {
	t.Parallel()

	f := newFixture()
	boom := errors.New("connection refused")
	f.meetings.ClaimErr = boom
	w := f.worker(testConfig())

	if _, err := w.ProcessNext(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("ProcessNext err = %v, want wrapped claim error", err)
	}
}

func TestWorker_ManualStartAndStop(t *testing.T) {
	t.Parallel()

	f := newFixture()
	w := f.worker(testConfig())
	defer w.Close()

	if err := w.Stop(); !errors.Is(err, worker.ErrIdle) {
		t.Fatalf("Stop while idle = %v, want ErrIdle", err)
	}
	if err := w.Start(context.Background(), 99); !errors.Is(err, meeting.ErrNotFound) {
		t.Fatalf("Start unknown meeting = %v, want ErrNotFound", err)
	}
	if err := w.Start(context.Background(), meetingID); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := w.Start(context.Background(), meetingID); !errors.Is(err, worker.ErrBusy) {
		t.Fatalf("second Start = %v, want ErrBusy", err)
	}
	if claimed, _ := w.ProcessNext(context.Background()); claimed {
		t.Fatal("busy worker claimed a meeting")
	}

	waitFor(t, "recording", func() bool { return w.Status().Recording == capture.StateRecording.String() })
	st := w.Status()
	if !st.Busy || st.MeetingID != meetingID || st.StreamID == "" {
		t.Errorf("status = %+v", st)
	}
	if !slices.Equal(st.Participants, []string{"alice"}) {
		t.Errorf("participants = %v", st.Participants)
	}

	if err := w.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	waitFor(t, "idle worker", func() bool { return !w.Status().Busy })
	rep, ok := w.LastReport()
	if !ok || rep.StopReason != worker.StopRequested {
		t.Errorf("last report = %+v, want requested", rep)
	}
}

func TestWorker_CloseWindsDownManualSession(t *testing.T) {
	t.Parallel()

	f := newFixture()
	w := f.worker(testConfig())
	if err := w.Start(context.Background(), meetingID); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, "recording", func() bool { return w.Status().Recording == capture.StateRecording.String() })

	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if w.Status().Busy {
		t.Error("worker busy after Close")
	}
	if got := f.api.Calls(); !slices.Contains(got, "init_transcription:7") {
		t.Errorf("api calls = %v, want transcription initialised on shutdown", got)
	}
	if rep, _ := w.LastReport(); rep.StopReason != worker.StopShutdown {
		t.Errorf("stop reason = %q, want shutdown", rep.StopReason)
	}
}

func TestWorker_RunStopsWithContext(t *testing.T) {
	t.Parallel()

	f := newFixture()
	f.meetings = newFakeMeetings()
	w := worker.New(testConfig(), f.meetings, f.api, f.store, nil)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- w.Run(ctx) }()
	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
