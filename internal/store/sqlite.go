package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"realtime-transcription-service/internal/models"
)

const sqliteSchema = `
	CREATE TABLE IF NOT EXISTS transcriptions (
		id TEXT PRIMARY KEY,
		audioUrl TEXT NOT NULL,
		transcription TEXT NOT NULL,
		source TEXT NOT NULL DEFAULT 'local',
		createdAt REAL NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_transcriptions_createdAt ON transcriptions(createdAt);

	CREATE TABLE IF NOT EXISTS realtime_sessions (
		id TEXT PRIMARY KEY,
		socketId TEXT NOT NULL,
		audioChunks INTEGER NOT NULL,
		transcription TEXT NOT NULL,
		startedAt REAL NOT NULL,
		endedAt REAL NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_realtime_sessions_endedAt ON realtime_sessions(endedAt);
`

// SQLiteStore persists records in a SQLite database.
type SQLiteStore struct {
	db   *sql.DB
	opts options
}

// OpenSQLite opens (or creates) the database at path and applies the schema.
// Use ":memory:" for a throwaway database.
func OpenSQLite(path string, opts ...Option) (*SQLiteStore, error) {
	dsn := path
	if path != ":memory:" {
		dsn = fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// A single connection serializes writes and keeps :memory: databases shared.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &SQLiteStore{db: db, opts: buildOptions(opts)}, nil
}

func (s *SQLiteStore) CreateTranscription(ctx context.Context, audioRef, text string, source models.Source) (models.TranscriptionRecord, error) {
	ref, source, err := validateTranscription(audioRef, text, source)
	if err != nil {
		return models.TranscriptionRecord{}, err
	}

	rec := models.TranscriptionRecord{
		ID:             uuid.NewString(),
		AudioReference: ref,
		Text:           text,
		Source:         source,
		CreatedAt:      s.opts.now(),
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO transcriptions (id, audioUrl, transcription, source, createdAt)
		VALUES (?, ?, ?, ?, ?)
	`, rec.ID, rec.AudioReference, rec.Text, string(rec.Source), unixFromTime(rec.CreatedAt))
	if err != nil {
		return models.TranscriptionRecord{}, fmt.Errorf("insert transcription: %w", err)
	}
	return rec, nil
}

func (s *SQLiteStore) ListRecent(ctx context.Context, window time.Duration, now time.Time) ([]models.TranscriptionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, audioUrl, transcription, source, createdAt
		FROM transcriptions
		WHERE createdAt >= ?
		ORDER BY createdAt DESC
	`, unixFromTime(now.Add(-window)))
	if err != nil {
		return nil, fmt.Errorf("query transcriptions: %w", err)
	}
	defer rows.Close()

	out := []models.TranscriptionRecord{}
	for rows.Next() {
		var rec models.TranscriptionRecord
		var source string
		var createdAt float64
		if err := rows.Scan(&rec.ID, &rec.AudioReference, &rec.Text, &source, &createdAt); err != nil {
			return nil, fmt.Errorf("scan transcription: %w", err)
		}
		if rec.Source, err = models.ParseSource(source); err != nil {
			return nil, fmt.Errorf("scan transcription %s: %w", rec.ID, err)
		}
		rec.CreatedAt = timeFromUnix(createdAt)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) CreateRealtimeSession(ctx context.Context, rec models.RealtimeSessionRecord) (models.RealtimeSessionRecord, error) {
	if err := validateRealtimeSession(rec); err != nil {
		return models.RealtimeSessionRecord{}, err
	}

	rec.ID = uuid.NewString()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO realtime_sessions (id, socketId, audioChunks, transcription, startedAt, endedAt)
		VALUES (?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.ConnectionID, rec.ChunkCount, rec.Text, unixFromTime(rec.StartedAt), unixFromTime(rec.EndedAt))
	if err != nil {
		return models.RealtimeSessionRecord{}, fmt.Errorf("insert realtime session: %w", err)
	}
	return rec, nil
}

func (s *SQLiteStore) ListRealtimeSessions(ctx context.Context, window time.Duration, now time.Time) ([]models.RealtimeSessionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, socketId, audioChunks, transcription, startedAt, endedAt
		FROM realtime_sessions
		WHERE endedAt >= ?
		ORDER BY endedAt DESC
	`, unixFromTime(now.Add(-window)))
	if err != nil {
		return nil, fmt.Errorf("query realtime sessions: %w", err)
	}
	defer rows.Close()

	out := []models.RealtimeSessionRecord{}
	for rows.Next() {
		var rec models.RealtimeSessionRecord
		var startedAt, endedAt float64
		if err := rows.Scan(&rec.ID, &rec.ConnectionID, &rec.ChunkCount, &rec.Text, &startedAt, &endedAt); err != nil {
			return nil, fmt.Errorf("scan realtime session: %w", err)
		}
		rec.StartedAt = timeFromUnix(startedAt)
		rec.EndedAt = timeFromUnix(endedAt)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func unixFromTime(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

func timeFromUnix(ts float64) time.Time {
	sec := int64(ts)
	nsec := int64((ts - float64(sec)) * 1e9)
	return time.Unix(sec, nsec)
}
