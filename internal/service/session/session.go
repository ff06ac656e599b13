// Package session provides the realtime streaming session state machine and
// the registry that routes connection events to it.
package session

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"realtime-transcription-service/internal/models"
	"realtime-transcription-service/internal/service/stt"
)

// State represents the lifecycle state of a session.
type State int

const (
	// StateActive - Session accepts chunks and emits partials.
	StateActive State = iota
	// StateFinalized - Final text has been produced. Terminal.
	StateFinalized
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateActive:
		return "ACTIVE"
	case StateFinalized:
		return "FINALIZED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", s)
	}
}

// Result is the outcome of finalizing a session.
type Result struct {
	ConnectionID string
	Text         string
	ChunkCount   int
	StartedAt    time.Time
	EndedAt      time.Time
}

// Record converts the result into the persisted form.
func (r Result) Record() models.RealtimeSessionRecord {
	return models.RealtimeSessionRecord{
		ConnectionID: r.ConnectionID,
		ChunkCount:   r.ChunkCount,
		Text:         r.Text,
		StartedAt:    r.StartedAt,
		EndedAt:      r.EndedAt,
	}
}

// Session is the per-connection state machine.
// Thread-safe for concurrent access.
//
// State transitions:
//
//	ACTIVE ──Finalize()──→ FINALIZED
//	  │
//	  └── OnChunk() ──→ multiple times
//
// Rules:
//   - ACTIVE: each chunk appends tokens.Token(chunkIndex) to the word buffer
//   - FINALIZED: OnChunk and Finalize fail with ErrSessionFinalized
type Session struct {
	mu           sync.Mutex
	connectionID string
	tokens       stt.TokenSource
	words        []string
	chunkIndex   int
	startedAt    time.Time
	state        State
	final        Result
}

// New creates a session in ACTIVE state.
func New(connectionID string, now time.Time, tokens stt.TokenSource) *Session {
	return &Session{
		connectionID: connectionID,
		tokens:       tokens,
		startedAt:    now,
		state:        StateActive,
	}
}

// ConnectionID returns the owning connection.
func (s *Session) ConnectionID() string {
	return s.connectionID
}

// StartedAt returns the creation time.
func (s *Session) StartedAt() time.Time {
	return s.startedAt
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ChunkCount returns the number of accepted chunks.
func (s *Session) ChunkCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chunkIndex
}

// Partial returns the text produced so far.
func (s *Session) Partial() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return strings.Join(s.words, " ")
}

// OnChunk derives the next token and returns the partial text.
func (s *Session) OnChunk() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateActive {
		return "", ErrSessionFinalized
	}

	s.words = append(s.words, s.tokens.Token(s.chunkIndex))
	s.chunkIndex++
	return strings.Join(s.words, " "), nil
}

// Snapshot returns the result Finalize would produce at now without
// changing state. Used to persist before committing.
func (s *Session) Snapshot(now time.Time) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateActive {
		return Result{}, ErrSessionFinalized
	}
	return s.result(now), nil
}

// Finalize transitions to FINALIZED and returns the full text.
// A second call fails and leaves the first result untouched.
func (s *Session) Finalize(now time.Time) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateActive {
		return Result{}, ErrSessionFinalized
	}
	s.final = s.result(now)
	s.state = StateFinalized
	return s.final, nil
}

// Final returns the finalized result, if any.
func (s *Session) Final() (Result, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.final, s.state == StateFinalized
}

func (s *Session) result(now time.Time) Result {
	// Clocks can step backwards; the record requires endedAt >= startedAt.
	if now.Before(s.startedAt) {
		now = s.startedAt
	}
	return Result{
		ConnectionID: s.connectionID,
		Text:         strings.Join(s.words, " "),
		ChunkCount:   s.chunkIndex,
		StartedAt:    s.startedAt,
		EndedAt:      now,
	}
}
