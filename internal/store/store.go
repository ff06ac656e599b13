// Package store persists finished transcriptions and realtime sessions.
//
// Records are append-only: the store assigns the ID and creation timestamp and
// never exposes update or delete. Every write is atomic and visible to reads
// issued after it returns.
package store

import (
	"context"
	"errors"
	"time"

	"realtime-transcription-service/internal/models"
	"realtime-transcription-service/internal/schema"
)

// DefaultHistoryWindow is the trailing window used by the history endpoint.
const DefaultHistoryWindow = 30 * 24 * time.Hour

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("store is closed")

// Store is the persistence boundary shared by every session and request.
type Store interface {
	// CreateTranscription appends a batch transcription. It fails with a
	// *schema.ValidationError when audioRef is not an http(s) URL or text is empty.
	CreateTranscription(ctx context.Context, audioRef, text string, source models.Source) (models.TranscriptionRecord, error)

	// ListRecent returns transcriptions created at or after now-window,
	// most recent first.
	ListRecent(ctx context.Context, window time.Duration, now time.Time) ([]models.TranscriptionRecord, error)

	// CreateRealtimeSession appends a finalized realtime session.
	CreateRealtimeSession(ctx context.Context, rec models.RealtimeSessionRecord) (models.RealtimeSessionRecord, error)

	// ListRealtimeSessions returns sessions that ended at or after now-window,
	// most recent first.
	ListRealtimeSessions(ctx context.Context, window time.Duration, now time.Time) ([]models.RealtimeSessionRecord, error)

	// Ping reports whether the store can serve requests.
	Ping(ctx context.Context) error

	Close() error
}

// Option configures a store implementation.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock overrides the clock used to stamp CreatedAt.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func validateTranscription(audioRef, text string, source models.Source) (string, models.Source, error) {
	ref, err := schema.ValidateAudioURL(audioRef)
	if err != nil {
		return "", "", err
	}
	if err := schema.ValidateText(text); err != nil {
		return "", "", err
	}
	if source == "" {
		source = models.DefaultSource
	}
	return ref, source, nil
}

func validateRealtimeSession(rec models.RealtimeSessionRecord) error {
	if rec.ConnectionID == "" {
		return &schema.ValidationError{Field: "socketId", Message: "connection id is required"}
	}
	if rec.ChunkCount < 0 {
		return &schema.ValidationError{Field: "audioChunks", Message: "chunk count must not be negative"}
	}
	if rec.EndedAt.Before(rec.StartedAt) {
		return &schema.ValidationError{Field: "endedAt", Message: "session cannot end before it started"}
	}
	return nil
}
