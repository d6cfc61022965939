package wsingest_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/capturebot/pkg/audio"
	"github.com/MrWong99/capturebot/pkg/audio/wsingest"
)

// agent is a fake page agent serving one socket per channel.
type agent struct {
	srv *httptest.Server

	mu      sync.Mutex
	paths   []string
	headers []http.Header
	conns   chan *websocket.Conn
}

func newAgent(t *testing.T) *agent {
	t.Helper()
	a := &agent{conns: make(chan *websocket.Conn, 1)}
	a.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		a.mu.Lock()
		a.paths = append(a.paths, r.URL.Path)
		a.headers = append(a.headers, r.Header.Clone())
		a.mu.Unlock()
		a.conns <- conn
		// Keep the handler alive until the client goes away.
		_, _, _ = conn.Read(context.Background())
	}))
	t.Cleanup(a.srv.Close)
	return a
}

func (a *agent) url() string { return "ws" + strings.TrimPrefix(a.srv.URL, "http") }

func (a *agent) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-a.conns:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("agent never accepted a connection")
		return nil
	}
}

func sendJSON(t *testing.T, c *websocket.Conn, msg wsingest.Message) {
	t.Helper()
	data, _ := json.Marshal(msg)
	if err := c.Write(context.Background(), websocket.MessageText, data); err != nil {
		t.Fatalf("write control: %v", err)
	}
}

func sendAudio(t *testing.T, c *websocket.Conn, id string, pcm []byte) {
	t.Helper()
	if err := c.Write(context.Background(), websocket.MessageBinary, wsingest.EncodeAudio(id, pcm)); err != nil {
		t.Fatalf("write audio: %v", err)
	}
}

type events struct {
	mu  sync.Mutex
	evs []audio.Event
}

func (e *events) add(ev audio.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.evs = append(e.evs, ev)
}

func (e *events) has(typ audio.EventType, id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.ContainsFunc(e.evs, func(ev audio.Event) bool { return ev.Type == typ && ev.UserID == id })
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestEncodeDecodeAudio(t *testing.T) {
	t.Parallel()

	id, pcm, err := wsingest.DecodeAudio(wsingest.EncodeAudio("alice", []byte{1, 2, 3, 4}))
	if err != nil || id != "alice" || !slices.Equal(pcm, []byte{1, 2, 3, 4}) {
		t.Fatalf("DecodeAudio = %q, %v, %v", id, pcm, err)
	}

	for _, bad := range [][]byte{nil, {0}, {0, 0, 1}, {0, 9, 'a'}} {
		if _, _, err := wsingest.DecodeAudio(bad); !errors.Is(err, wsingest.ErrMalformed) {
			t.Errorf("DecodeAudio(%v) err = %v, want ErrMalformed", bad, err)
		}
	}
}

func TestConnect_DialsChannelWithHeaders(t *testing.T) {
	t.Parallel()

	a := newAgent(t)
	p := wsingest.New(a.url()+"/", wsingest.WithHeader("Authorization", "Bearer agent-token"))

	conn, err := p.Connect(context.Background(), "room 42")
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer conn.Disconnect()
	a.accept(t)

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.paths[0] != "/room 42" {
		t.Errorf("path = %q, want /room 42", a.paths[0])
	}
	if got := a.headers[0].Get("Authorization"); got != "Bearer agent-token" {
		t.Errorf("Authorization = %q", got)
	}
}

func TestConnect_Errors(t *testing.T) {
	t.Parallel()

	p := wsingest.New("ws://127.0.0.1:1")
	if _, err := p.Connect(context.Background(), ""); err == nil {
		t.Error("empty channel accepted")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	if _, err := p.Connect(ctx, "room"); err == nil {
		t.Error("dial to a closed port succeeded")
	}
}

func TestConnection_ParticipantsAndAudio(t *testing.T) {
	t.Parallel()

	a := newAgent(t)
	conn, err := wsingest.New(a.url()).Connect(context.Background(), "room")
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer conn.Disconnect()

	evs := &events{}
	conn.OnParticipantChange(evs.add)
	srv := a.accept(t)

	sendJSON(t, srv, wsingest.Message{Type: wsingest.TypeJoin, Participant: "alice", Name: "Alice", SampleRate: 16000})
	waitFor(t, "join", func() bool { return evs.has(audio.EventJoin, "alice") })

	in := conn.InputStreams()["alice"]
	if in == nil {
		t.Fatal("no input stream for alice")
	}
	pcm := make([]byte, 640) // 20 ms of 16 kHz mono
	sendAudio(t, srv, "alice", pcm)
	sendAudio(t, srv, "alice", pcm)

	for i, wantTS := range []time.Duration{0, 20 * time.Millisecond} {
		select {
		case f := <-in:
			if f.SampleRate != 16000 || f.Channels != 1 || len(f.Data) != 640 {
				t.Errorf("frame %d = rate %d ch %d len %d", i, f.SampleRate, f.Channels, len(f.Data))
			}
			if f.Timestamp != wantTS {
				t.Errorf("frame %d timestamp = %v, want %v", i, f.Timestamp, wantTS)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("frame %d not delivered", i)
		}
	}

	sendJSON(t, srv, wsingest.Message{Type: wsingest.TypeLeave, Participant: "alice"})
	waitFor(t, "leave", func() bool { return evs.has(audio.EventLeave, "alice") })
	if _, ok := <-in; ok {
		t.Error("input channel still open after leave")
	}
}

func TestConnection_AudioImpliesJoin(t *testing.T) {
	t.Parallel()

	a := newAgent(t)
	conn, err := wsingest.New(a.url()).Connect(context.Background(), "room")
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer conn.Disconnect()
	evs := &events{}
	conn.OnParticipantChange(evs.add)
	srv := a.accept(t)

	sendAudio(t, srv, "bob", make([]byte, 1920))
	waitFor(t, "implicit join", func() bool { return evs.has(audio.EventJoin, "bob") })

	f := <-conn.InputStreams()["bob"]
	if f.SampleRate != wsingest.DefaultSampleRate || f.Channels != wsingest.DefaultChannels {
		t.Errorf("format = %d/%d, want defaults", f.SampleRate, f.Channels)
	}
}

func TestConnection_AgentCloseEndsInputs(t *testing.T) {
	t.Parallel()

	a := newAgent(t)
	conn, err := wsingest.New(a.url()).Connect(context.Background(), "room")
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	srv := a.accept(t)
	sendJSON(t, srv, wsingest.Message{Type: wsingest.TypeJoin, Participant: "carol"})
	waitFor(t, "carol", func() bool { return conn.InputStreams()["carol"] != nil })
	in := conn.InputStreams()["carol"]

	srv.Close(websocket.StatusNormalClosure, "meeting over")

	select {
	case _, ok := <-in:
		if ok {
			t.Error("unexpected frame")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("input not closed after the agent hung up")
	}
	if err := conn.Disconnect(); err != nil {
		t.Errorf("Disconnect after agent close: %v", err)
	}
	if err := conn.Disconnect(); err != nil {
		t.Errorf("second Disconnect: %v", err)
	}
}
