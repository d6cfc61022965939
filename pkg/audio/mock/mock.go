// Package mock provides in-memory mock implementations of the [audio.Platform]
// and [audio.Connection] interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	in := make(chan audio.AudioFrame, 16)
//	conn := &mock.Connection{}
//	conn.SetInput("user-1", in)
//	platform := &mock.Platform{ConnectResult: conn}
//	got, err := platform.Connect(ctx, "channel-42")
package mock

import (
	"context"
	"maps"
	"sync"

	"github.com/MrWong99/capturebot/pkg/audio"
)

// ─── Connection ───────────────────────────────────────────────────────────────

// Connection is a mock implementation of [audio.Connection].
// Set the exported Result fields before use; inspect the Call* fields after.
type Connection struct {
	mu sync.Mutex

	// InputStreamsResult is returned by [Connection.InputStreams].
	// Defaults to an empty (non-nil) map if left nil.
	InputStreamsResult map[string]<-chan audio.AudioFrame

	// DisconnectError is returned by [Connection.Disconnect].
	DisconnectError error

	// CallCountInputStreams records how many times InputStreams was called.
	CallCountInputStreams int

	// CallCountDisconnect records how many times Disconnect was called.
	CallCountDisconnect int

	// CallCountOnParticipantChange records how many times OnParticipantChange was called.
	CallCountOnParticipantChange int

	// RecordedCallbacks holds the callbacks registered via OnParticipantChange,
	// in order of registration.
	RecordedCallbacks []func(audio.Event)
}

// InputStreams implements [audio.Connection]. Returns a copy of InputStreamsResult.
func (c *Connection) InputStreams() map[string]<-chan audio.AudioFrame {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CallCountInputStreams++
	out := make(map[string]<-chan audio.AudioFrame, len(c.InputStreamsResult))
	maps.Copy(out, c.InputStreamsResult)
	return out
}

// SetInput adds or replaces the input stream for id. Pass nil to remove it.
func (c *Connection) SetInput(id string, ch <-chan audio.AudioFrame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.InputStreamsResult == nil {
		c.InputStreamsResult = make(map[string]<-chan audio.AudioFrame)
	}
	if ch == nil {
		delete(c.InputStreamsResult, id)
		return
	}
	c.InputStreamsResult[id] = ch
}

// OnParticipantChange implements [audio.Connection].
// The callback is appended to RecordedCallbacks. To simulate events in tests,
// call [Connection.EmitEvent].
func (c *Connection) OnParticipantChange(cb func(audio.Event)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CallCountOnParticipantChange++
	c.RecordedCallbacks = append(c.RecordedCallbacks, cb)
}

// Disconnect implements [audio.Connection]. Returns DisconnectError.
func (c *Connection) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CallCountDisconnect++
	return c.DisconnectError
}

// Disconnects returns how many times Disconnect was called.
func (c *Connection) Disconnects() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.CallCountDisconnect
}

// EmitEvent calls all registered participant-change callbacks with the given event.
// Use this in tests to simulate participants joining or leaving.
func (c *Connection) EmitEvent(ev audio.Event) {
	c.mu.Lock()
	cbs := make([]func(audio.Event), len(c.RecordedCallbacks))
	copy(cbs, c.RecordedCallbacks)
	c.mu.Unlock()
	for _, cb := range cbs {
		cb(ev)
	}
}

// ─── Platform ─────────────────────────────────────────────────────────────────

// ConnectCall records the arguments of a single [Platform.Connect] invocation.
type ConnectCall struct {
	// ChannelID is the channelID argument passed to Connect.
	ChannelID string
}

// Platform is a mock implementation of [audio.Platform].
type Platform struct {
	mu sync.Mutex

	// ConnectResult is the [audio.Connection] returned by Connect.
	ConnectResult audio.Connection

	// ConnectError is the error returned by Connect.
	ConnectError error

	// ConnectCalls records all Connect invocations.
	ConnectCalls []ConnectCall
}

// Connect implements [audio.Platform]. Records the call and returns ConnectResult / ConnectError.
func (p *Platform) Connect(_ context.Context, channelID string) (audio.Connection, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{ChannelID: channelID})
	if p.ConnectError != nil {
		return nil, p.ConnectError
	}
	return p.ConnectResult, nil
}

// Calls returns a copy of the recorded Connect invocations.
func (p *Platform) Calls() []ConnectCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]ConnectCall(nil), p.ConnectCalls...)
}
