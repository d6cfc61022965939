// Package audio defines the types and interfaces that carry participant
// audio from a meeting platform into the capture pipeline.
//
// The two primary abstractions are:
//
//   - [Platform]: joins a meeting channel and returns a [Connection].
//   - [Connection]: an active, receive-only session on that channel giving
//     callers per-participant input streams and lifecycle events.
//
// Implementations live in adapter packages (audio/discord, audio/wsingest).
// The capture bot never speaks, so there is no output direction.
package audio

import (
	"context"
)

// EventType classifies participant lifecycle events emitted by a [Connection].
type EventType int

const (
	// EventJoin is emitted when a participant starts sending audio.
	EventJoin EventType = iota

	// EventLeave is emitted when a participant leaves the channel.
	EventLeave
)

// String returns the human-readable name of the event type.
func (e EventType) String() string {
	switch e {
	case EventJoin:
		return "JOIN"
	case EventLeave:
		return "LEAVE"
	default:
		return "UNKNOWN"
	}
}

// Event describes a participant lifecycle change on a channel.
type Event struct {
	// Type indicates whether the participant joined or left.
	Type EventType

	// UserID is the platform-specific identifier for the participant. It is
	// also the key of the participant's entry in [Connection.InputStreams].
	UserID string

	// Username is the human-readable display name, if known.
	Username string
}

// Connection represents an active receive-only session on a channel.
//
// Implementations must be safe for concurrent use.
type Connection interface {
	// InputStreams returns a snapshot of the current per-participant audio
	// channels keyed by participant ID. A channel is closed when its
	// participant leaves or the connection is torn down.
	//
	// Callers should call InputStreams again after an [EventJoin] to pick up
	// newly added channels.
	InputStreams() map[string]<-chan AudioFrame

	// OnParticipantChange registers cb for join/leave events. Only one
	// callback is kept; later calls replace earlier ones. The callback runs
	// on an internal goroutine and must not block.
	OnParticipantChange(cb func(Event))

	// Disconnect tears down the connection and closes all input channels.
	// It is safe to call more than once; later calls return nil.
	Disconnect() error
}

// Platform is the entry point for a meeting audio provider.
//
// Implementations must be safe for concurrent use.
type Platform interface {
	// Connect joins the channel identified by channelID. ctx governs the
	// connection attempt only; the returned Connection lives until
	// [Connection.Disconnect] is called.
	Connect(ctx context.Context, channelID string) (Connection, error)
}
