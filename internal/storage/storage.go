// Package storage ships recorded audio to object storage.
//
// [S3Store] writes to any S3-compatible endpoint, [DiskStore] spools to a
// local directory and [FallbackStore] chains stores behind circuit
// breakers. [UploadQueue] runs uploads concurrently with a bounded number of
// workers and lets the caller wait for all of them before a meeting is
// handed to transcription.
package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/MrWong99/capturebot/pkg/audio/record"
)

// ObjectStore stores immutable objects by key.
type ObjectStore interface {
	Put(ctx context.Context, key string, body []byte, contentType string) error
}

// Checker is implemented by stores that can report their health.
type Checker interface {
	Check(ctx context.Context) error
}

// AudioKey returns the object key for a chunk of meetingID recorded at t:
// "<folder>/<meetingID>/<unix-seconds>.<ext>".
func AudioKey(folder string, meetingID int64, t time.Time, ext string) string {
	return fmt.Sprintf("%s/%d/%d.%s", strings.Trim(folder, "/"), meetingID, t.Unix(), ext)
}

// TraceKey returns the key of a session report for meetingID.
func TraceKey(folder string, meetingID int64, t time.Time) string {
	return fmt.Sprintf("%s/%d/%d.json", strings.Trim(folder, "/"), meetingID, t.Unix())
}

// Extension returns the file extension for a recorder mime type.
func Extension(mime string) string {
	switch base, _, _ := strings.Cut(strings.ToLower(mime), ";"); strings.TrimSpace(base) {
	case "audio/ogg":
		return "ogg"
	case "audio/flac":
		return "flac"
	case strings.ToLower(record.MimePCM):
		return "pcm"
	default:
		return "bin"
	}
}

// ContentType returns the content type uploaded for a recorder mime type.
func ContentType(mime string) string {
	if mime == "" {
		return record.DefaultMimeType
	}
	return mime
}
