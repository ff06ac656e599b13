package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"realtime-transcription-service/internal/models"
)

// MemoryStore keeps records in process memory.
type MemoryStore struct {
	mu             sync.RWMutex
	transcriptions []models.TranscriptionRecord
	sessions       []models.RealtimeSessionRecord
	closed         bool
	opts           options
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(opts ...Option) *MemoryStore {
	return &MemoryStore{opts: buildOptions(opts)}
}

func (m *MemoryStore) CreateTranscription(ctx context.Context, audioRef, text string, source models.Source) (models.TranscriptionRecord, error) {
	ref, source, err := validateTranscription(audioRef, text, source)
	if err != nil {
		return models.TranscriptionRecord{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return models.TranscriptionRecord{}, ErrClosed
	}

	rec := models.TranscriptionRecord{
		ID:             uuid.NewString(),
		AudioReference: ref,
		Text:           text,
		Source:         source,
		CreatedAt:      m.opts.now(),
	}
	m.transcriptions = append(m.transcriptions, rec)
	return rec, nil
}

func (m *MemoryStore) ListRecent(ctx context.Context, window time.Duration, now time.Time) ([]models.TranscriptionRecord, error) {
	since := now.Add(-window)

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}

	out := make([]models.TranscriptionRecord, 0, len(m.transcriptions))
	for _, rec := range m.transcriptions {
		if !rec.CreatedAt.Before(since) {
			out = append(out, rec)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (m *MemoryStore) CreateRealtimeSession(ctx context.Context, rec models.RealtimeSessionRecord) (models.RealtimeSessionRecord, error) {
	if err := validateRealtimeSession(rec); err != nil {
		return models.RealtimeSessionRecord{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return models.RealtimeSessionRecord{}, ErrClosed
	}

	rec.ID = uuid.NewString()
	m.sessions = append(m.sessions, rec)
	return rec, nil
}

func (m *MemoryStore) ListRealtimeSessions(ctx context.Context, window time.Duration, now time.Time) ([]models.RealtimeSessionRecord, error) {
	since := now.Add(-window)

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}

	out := make([]models.RealtimeSessionRecord, 0, len(m.sessions))
	for _, rec := range m.sessions {
		if !rec.EndedAt.Before(since) {
			out = append(out, rec)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].EndedAt.After(out[j].EndedAt)
	})
	return out, nil
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	return nil
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
