// Package meeting holds the worker's view of a meeting: its model, the
// pgx-backed store that claims pending captures and the HTTP client that
// drives status transitions on the core API.
package meeting

import "fmt"

// Status is the lifecycle status of a meeting as stored in the meeting table.
type Status string

const (
	StatusNone                       Status = "NONE"
	StatusCapturePending             Status = "CAPTURE_PENDING"
	StatusCaptureBotIsConnecting     Status = "CAPTURE_BOT_IS_CONNECTING"
	StatusCaptureBotConnectionFailed Status = "CAPTURE_BOT_CONNECTION_FAILED"
	StatusCaptureInProgress          Status = "CAPTURE_IN_PROGRESS"
	StatusTranscriptionPending       Status = "TRANSCRIPTION_PENDING"
	StatusTranscriptionInProgress    Status = "TRANSCRIPTION_IN_PROGRESS"
	StatusTranscriptionFailed        Status = "TRANSCRIPTION_FAILED"
	StatusTranscriptionDone          Status = "TRANSCRIPTION_DONE"
	StatusCaptureFailed              Status = "CAPTURE_FAILED"
	StatusCaptureDone                Status = "CAPTURE_DONE"
)

var validStatuses = map[Status]bool{
	StatusNone:                       true,
	StatusCapturePending:             true,
	StatusCaptureBotIsConnecting:     true,
	StatusCaptureBotConnectionFailed: true,
	StatusCaptureInProgress:          true,
	StatusTranscriptionPending:       true,
	StatusTranscriptionInProgress:    true,
	StatusTranscriptionFailed:        true,
	StatusTranscriptionDone:          true,
	StatusCaptureFailed:              true,
	StatusCaptureDone:                true,
}

// ParseStatus validates s.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !validStatuses[st] {
		return "", fmt.Errorf("meeting: unknown status %q", s)
	}
	return st, nil
}

// Platform names the conferencing system a meeting runs on.
type Platform string

const (
	PlatformComu      Platform = "COMU"
	PlatformWebinaire Platform = "WEBINAIRE"
	PlatformWebconf   Platform = "WEBCONF"
	PlatformVisio     Platform = "VISIO"
	PlatformDiscord   Platform = "DISCORD"
	PlatformWebSocket Platform = "WEBSOCKET"
)

// ParsePlatform validates p.
func ParsePlatform(p string) (Platform, error) {
	switch pl := Platform(p); pl {
	case PlatformComu, PlatformWebinaire, PlatformWebconf, PlatformVisio, PlatformDiscord, PlatformWebSocket:
		return pl, nil
	}
	return "", fmt.Errorf("meeting: unknown platform %q", p)
}

// Meeting is one row of the meeting table joined with its owner.
type Meeting struct {
	ID                int64
	Name              string
	URL               string
	Platform          Platform
	Status            Status
	PlatformMeetingID string
	Password          string

	// OwnerUUID identifies the owner towards the core API.
	OwnerUUID string
}

// Channel returns the platform-specific channel the capture bot joins. The
// platform meeting ID wins over the URL.
func (m Meeting) Channel() string {
	if m.PlatformMeetingID != "" {
		return m.PlatformMeetingID
	}
	return m.URL
}
