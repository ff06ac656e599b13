package session

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"realtime-transcription-service/internal/models"
	"realtime-transcription-service/internal/observability/logging"
	"realtime-transcription-service/internal/observability/metrics"
	"realtime-transcription-service/internal/service/stt"
	"realtime-transcription-service/internal/store"
)

// EventKind identifies an inbound protocol event.
type EventKind int

const (
	EventConnect EventKind = iota
	EventChunk
	EventTerminate
	EventDisconnect
)

func (k EventKind) String() string {
	switch k {
	case EventConnect:
		return "connect"
	case EventChunk:
		return "chunk"
	case EventTerminate:
		return "terminate"
	case EventDisconnect:
		return "disconnect"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// Event is an inbound protocol event from the connection layer.
// A zero At means "now" by the registry clock.
type Event struct {
	Kind         EventKind
	ConnectionID string
	At           time.Time
}

// entry serializes every operation on one connection's session.
// removed is set under mu once the session has left the registry.
type entry struct {
	mu      sync.Mutex
	session *Session
	removed bool
}

// Registry owns the active sessions keyed by connection ID.
//
// Lock order: Registry.mu is never held while acquiring entry.mu.
// Operations on different connections proceed independently; operations on
// the same connection are serialized by its entry lock, so a disconnect
// arriving during a terminate waits for the store write to finish.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*entry

	store   store.Store
	tokens  stt.TokenSource
	sink    Sink
	metrics *metrics.Metrics
	logger  zerolog.Logger
	now     func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithMetrics overrides the metrics instance.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Registry) {
		r.metrics = m
	}
}

// WithLogger overrides the component logger.
func WithLogger(l zerolog.Logger) Option {
	return func(r *Registry) {
		r.logger = l
	}
}

// WithClock overrides the clock used for events without a timestamp.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

// NewRegistry creates an empty registry. A nil sink discards outputs.
func NewRegistry(st store.Store, tokens stt.TokenSource, sink Sink, opts ...Option) *Registry {
	if sink == nil {
		sink = discardSink{}
	}
	r := &Registry{
		sessions: make(map[string]*entry),
		store:    st,
		tokens:   tokens,
		sink:     sink,
		metrics:  metrics.DefaultMetrics,
		logger:   logging.WithComponent("session-registry"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Handle routes an inbound event to the matching operation.
func (r *Registry) Handle(ctx context.Context, ev Event) error {
	at := ev.At
	if at.IsZero() {
		at = r.now()
	}

	switch ev.Kind {
	case EventConnect:
		return r.OnConnect(ctx, ev.ConnectionID, at)
	case EventChunk:
		_, err := r.OnChunk(ctx, ev.ConnectionID)
		return err
	case EventTerminate:
		_, err := r.OnTerminate(ctx, ev.ConnectionID, at)
		return err
	case EventDisconnect:
		r.OnDisconnect(ctx, ev.ConnectionID)
		return nil
	default:
		return fmt.Errorf("%w: unsupported event %s", ErrProtocolViolation, ev.Kind)
	}
}

// OnConnect registers a new session for connectionID.
func (r *Registry) OnConnect(ctx context.Context, connectionID string, now time.Time) error {
	if connectionID == "" {
		return r.violation(EventConnect, connectionID, ErrEmptyConnectionID)
	}

	r.mu.Lock()
	if _, exists := r.sessions[connectionID]; exists {
		r.mu.Unlock()
		return r.violation(EventConnect, connectionID, ErrDuplicateConnection)
	}
	r.sessions[connectionID] = &entry{session: New(connectionID, now, r.tokens)}
	r.mu.Unlock()

	r.metrics.RecordSessionStarted()
	r.logger.Debug().Str("connectionId", connectionID).Msg("Session started")
	return nil
}

// OnChunk feeds one chunk to the session and emits the partial result.
func (r *Registry) OnChunk(ctx context.Context, connectionID string) (string, error) {
	e, err := r.lookup(connectionID)
	if err != nil {
		return "", r.violation(EventChunk, connectionID, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.removed {
		return "", r.violation(EventChunk, connectionID, ErrUnknownSession)
	}

	partial, err := e.session.OnChunk()
	if err != nil {
		return "", r.violation(EventChunk, connectionID, err)
	}

	r.metrics.RecordChunk()
	r.sink.Emit(ctx, Output{
		Kind:         OutputPartial,
		ConnectionID: connectionID,
		Text:         partial,
		ChunkCount:   e.session.ChunkCount(),
		At:           r.now(),
	})
	return partial, nil
}

// OnTerminate finalizes the session, persists it, emits the final result
// followed by a close directive, and removes the session.
//
// The store write happens before the session commits to FINALIZED. If the
// write fails the session stays ACTIVE and registered and a
// *PersistenceError is returned so the client can retry.
func (r *Registry) OnTerminate(ctx context.Context, connectionID string, now time.Time) (models.RealtimeSessionRecord, error) {
	e, err := r.lookup(connectionID)
	if err != nil {
		return models.RealtimeSessionRecord{}, r.violation(EventTerminate, connectionID, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.removed {
		return models.RealtimeSessionRecord{}, r.violation(EventTerminate, connectionID, ErrUnknownSession)
	}

	pending, err := e.session.Snapshot(now)
	if err != nil {
		return models.RealtimeSessionRecord{}, r.violation(EventTerminate, connectionID, err)
	}

	// A started write completes even if the connection goes away.
	rec, err := r.store.CreateRealtimeSession(context.WithoutCancel(ctx), pending.Record())
	if err != nil {
		r.metrics.RecordPersistenceFailure()
		r.logger.Error().Err(err).Str("connectionId", connectionID).Msg("Failed to persist session, keeping it registered")
		return models.RealtimeSessionRecord{}, &PersistenceError{ConnectionID: connectionID, Err: err}
	}

	final, err := e.session.Finalize(now)
	if err != nil {
		// Unreachable while the entry lock is held.
		return rec, r.violation(EventTerminate, connectionID, err)
	}

	r.sink.Emit(ctx, Output{
		Kind:         OutputFinal,
		ConnectionID: connectionID,
		Text:         final.Text,
		ChunkCount:   final.ChunkCount,
		At:           final.EndedAt,
	})
	r.sink.Emit(ctx, Output{
		Kind:         OutputClose,
		ConnectionID: connectionID,
		At:           final.EndedAt,
	})
	r.remove(connectionID, e)

	r.metrics.RecordFinalResult()
	r.metrics.RecordSessionFinalized(final.ChunkCount, final.EndedAt.Sub(final.StartedAt).Seconds())
	r.logger.Info().
		Str("connectionId", connectionID).
		Str("sessionId", rec.ID).
		Int("chunks", final.ChunkCount).
		Msg("Session finalized")
	return rec, nil
}

// OnDisconnect discards the session without persisting it. It reports
// whether a session was removed; an unknown connection is not an error
// since the session may already have been finalized.
func (r *Registry) OnDisconnect(ctx context.Context, connectionID string) bool {
	r.mu.Lock()
	e, ok := r.sessions[connectionID]
	r.mu.Unlock()
	if !ok {
		return false
	}

	// Waits for any in-flight terminate on this connection.
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.removed {
		return false
	}
	r.remove(connectionID, e)

	r.metrics.RecordSessionDiscarded()
	r.logger.Info().
		Str("connectionId", connectionID).
		Int("chunks", e.session.ChunkCount()).
		Msg("Session discarded on disconnect")
	return true
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Active returns the registered connection IDs in sorted order.
func (r *Registry) Active() []string {
	r.mu.Lock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	sort.Strings(ids)
	return ids
}

// Shutdown discards every remaining session. Used on process exit.
func (r *Registry) Shutdown(ctx context.Context) int {
	n := 0
	for _, id := range r.Active() {
		if r.OnDisconnect(ctx, id) {
			n++
		}
	}
	return n
}

func (r *Registry) lookup(connectionID string) (*entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.sessions[connectionID]
	if !ok {
		return nil, ErrUnknownSession
	}
	return e, nil
}

// remove must be called with e.mu held.
func (r *Registry) remove(connectionID string, e *entry) {
	e.removed = true
	r.mu.Lock()
	if r.sessions[connectionID] == e {
		delete(r.sessions, connectionID)
	}
	r.mu.Unlock()
}

func (r *Registry) violation(kind EventKind, connectionID string, err error) error {
	r.metrics.RecordProtocolViolation(kind.String(), violationReason(err))
	r.logger.Warn().
		Err(err).
		Str("connectionId", connectionID).
		Str("event", kind.String()).
		Msg("Rejected protocol event")
	return err
}
