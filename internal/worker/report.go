package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/MrWong99/capturebot/internal/storage"
)

// StopReason says why a capture session ended.
type StopReason string

const (
	StopStatusChanged StopReason = "status_changed"
	StopMeetingGone   StopReason = "meeting_gone"
	StopMaxDuration   StopReason = "max_duration"
	StopEmptyMeeting  StopReason = "empty_meeting"
	StopRecorderEnded StopReason = "recorder_ended"
	StopRequested     StopReason = "requested"
	StopShutdown      StopReason = "shutdown"
)

// Report summarises one capture session. It is uploaded as JSON next to
// the audio so operators can trace what happened to a meeting.
type Report struct {
	MeetingID       int64      `json:"meeting_id"`
	Platform        string     `json:"platform"`
	Channel         string     `json:"channel"`
	ConnectedAt     time.Time  `json:"connected_at"`
	RecordingAt     time.Time  `json:"recording_started_at,omitzero"`
	EndedAt         time.Time  `json:"ended_at"`
	StopReason      StopReason `json:"stop_reason,omitempty"`
	MimeType        string     `json:"mime_type,omitempty"`
	Chunks          int64      `json:"chunks"`
	Bytes           int64      `json:"bytes"`
	MaxParticipants int        `json:"max_participants"`
	UploadError     string     `json:"upload_error,omitempty"`
	Errors          []string   `json:"errors,omitempty"`
}

// Duration is the time between connecting and the end of the session.
func (r Report) Duration() time.Duration {
	if r.ConnectedAt.IsZero() || r.EndedAt.IsZero() {
		return 0
	}
	return r.EndedAt.Sub(r.ConnectedAt)
}

// upload stores the report under the trace folder.
func (r Report) upload(ctx context.Context, store storage.ObjectStore, folder string) (string, error) {
	body, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", fmt.Errorf("worker: encode report: %w", err)
	}
	key := storage.TraceKey(folder, r.MeetingID, r.EndedAt)
	if err := store.Put(ctx, key, body, "application/json"); err != nil {
		return "", fmt.Errorf("worker: upload report: %w", err)
	}
	return key, nil
}
