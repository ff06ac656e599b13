// Package stt defines the contracts for speech-to-text upstreams.
package stt

import (
	"context"

	"realtime-transcription-service/internal/models"
)

// Transcriber produces text for a whole audio file (batch path).
// Calls may fail transiently; callers wrap them in retry.Do.
type Transcriber interface {
	// Source tags records produced by this upstream.
	Source() models.Source

	// Transcribe returns the transcription of audio fetched from audioURL.
	Transcribe(ctx context.Context, audioURL string, audio []byte) (string, error)
}

// TokenSource produces the next incremental token of a streaming session.
// Implementations must be deterministic in index and safe for concurrent use.
type TokenSource interface {
	Token(index int) string
}

// TokenSourceFunc adapts a function to TokenSource.
type TokenSourceFunc func(index int) string

func (f TokenSourceFunc) Token(index int) string { return f(index) }
