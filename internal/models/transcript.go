// Package models defines persisted transcription records and the event
// payloads published for them.
package models

import (
	"fmt"
	"time"
)

// Source tags which upstream produced a transcription.
type Source string

const (
	SourceLocal  Source = "local"
	SourceAzure  Source = "azure"
	SourceGoogle Source = "google"
)

// DefaultSource is used when a caller does not name an upstream.
const DefaultSource = SourceLocal

// ParseSource maps a stored tag back to a Source. Empty maps to DefaultSource.
func ParseSource(s string) (Source, error) {
	switch Source(s) {
	case "":
		return DefaultSource, nil
	case SourceLocal, SourceAzure, SourceGoogle:
		return Source(s), nil
	default:
		return "", fmt.Errorf("unknown transcription source %q", s)
	}
}

// TranscriptionRecord is a finished batch transcription.
type TranscriptionRecord struct {
	ID             string    `json:"id"`
	AudioReference string    `json:"audioUrl"`
	Text           string    `json:"transcription"`
	Source         Source    `json:"source"`
	CreatedAt      time.Time `json:"createdAt"`
}

// RealtimeSessionRecord is a finalized streaming session.
type RealtimeSessionRecord struct {
	ID           string    `json:"id"`
	ConnectionID string    `json:"socketId"`
	ChunkCount   int       `json:"audioChunks"`
	Text         string    `json:"transcription"`
	StartedAt    time.Time `json:"startedAt"`
	EndedAt      time.Time `json:"endedAt"`
}

// Event types published for transcripts.
const (
	EventTypePartial = "transcription.realtime.partial"
	EventTypeFinal   = "transcription.realtime.final"
	EventTypeBatch   = "transcription.batch.created"
)

// TranscriptPartial is published after each accepted chunk.
type TranscriptPartial struct {
	EventType    string `json:"eventType"`
	ConnectionID string `json:"connectionId"`
	Timestamp    int64  `json:"timestamp"`
	ChunkCount   int    `json:"chunkCount"`
	Text         string `json:"text"`
}

// TranscriptFinal is published once a session has been persisted.
type TranscriptFinal struct {
	EventType    string `json:"eventType"`
	ConnectionID string `json:"connectionId"`
	Timestamp    int64  `json:"timestamp"`
	ChunkCount   int    `json:"chunkCount"`
	Text         string `json:"text"`
}

// TranscriptionCreated is published for every stored batch transcription.
type TranscriptionCreated struct {
	EventType      string `json:"eventType"`
	TranscriptID   string `json:"transcriptId"`
	AudioReference string `json:"audioUrl"`
	Source         Source `json:"source"`
	Timestamp      int64  `json:"timestamp"`
	Text           string `json:"text"`
}
