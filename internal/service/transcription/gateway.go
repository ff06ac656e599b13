// Package transcription orchestrates batch transcription requests: validate,
// download, transcribe with retries, then store.
package transcription

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"realtime-transcription-service/internal/models"
	"realtime-transcription-service/internal/observability/logging"
	"realtime-transcription-service/internal/observability/metrics"
	"realtime-transcription-service/internal/retry"
	"realtime-transcription-service/internal/schema"
	"realtime-transcription-service/internal/service/stt"
	"realtime-transcription-service/internal/store"
)

// Operation labels transcription attempts in metrics.
const Operation = "transcribe"

// UpstreamExhaustedError reports an upstream call that failed on every
// attempt. Err is the error of the last attempt, unchanged.
type UpstreamExhaustedError struct {
	Operation string
	Attempts  int
	Err       error
}

func (e *UpstreamExhaustedError) Error() string {
	return fmt.Sprintf("%s failed after %d attempts: %v", e.Operation, e.Attempts, e.Err)
}

func (e *UpstreamExhaustedError) Unwrap() error {
	return e.Err
}

// Downloader fetches audio with its own retry policy.
type Downloader interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
	Policy() retry.Policy
}

// Publisher announces stored transcriptions.
type Publisher interface {
	PublishTranscription(ctx context.Context, rec models.TranscriptionRecord) error
}

// Gateway is stateless apart from its collaborators.
type Gateway struct {
	store      store.Store
	downloader Downloader
	policy     retry.Policy
	publisher  Publisher
	window     time.Duration
	metrics    *metrics.Metrics
	logger     zerolog.Logger
	now        func() time.Time
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithPolicy sets the retry policy for upstream transcription calls.
func WithPolicy(p retry.Policy) Option {
	return func(g *Gateway) {
		g.policy = p
	}
}

// WithPublisher announces every stored transcription.
func WithPublisher(p Publisher) Option {
	return func(g *Gateway) {
		g.publisher = p
	}
}

// WithHistoryWindow sets the trailing window used by History.
func WithHistoryWindow(d time.Duration) Option {
	return func(g *Gateway) {
		g.window = d
	}
}

// WithMetrics overrides the metrics instance.
func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Gateway) {
		g.metrics = m
	}
}

// WithLogger overrides the component logger.
func WithLogger(l zerolog.Logger) Option {
	return func(g *Gateway) {
		g.logger = l
	}
}

// WithClock overrides the clock used by History.
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) {
		g.now = now
	}
}

// New creates a gateway over st and d.
func New(st store.Store, d Downloader, opts ...Option) *Gateway {
	g := &Gateway{
		store:      st,
		downloader: d,
		policy:     retry.DefaultPolicy(),
		window:     store.DefaultHistoryWindow,
		metrics:    metrics.DefaultMetrics,
		logger:     logging.WithComponent("transcription-gateway"),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// TranscribeBatch validates audioRef, downloads it, asks upstream for the
// text and stores the result tagged with upstream.Source().
//
// Errors: *schema.ValidationError for a bad reference, *UpstreamExhaustedError
// when the download or the transcription fails on every attempt, the
// context error on cancellation, and store errors unchanged.
func (g *Gateway) TranscribeBatch(ctx context.Context, audioRef string, upstream stt.Transcriber) (models.TranscriptionRecord, error) {
	source := upstream.Source()

	ref, err := schema.ValidateAudioURL(audioRef)
	if err != nil {
		g.metrics.RecordBatchTranscription(string(source), "invalid")
		return models.TranscriptionRecord{}, err
	}
	logger := g.logger.With().Str("audioUrl", ref).Str("source", string(source)).Logger()

	audio, err := g.downloader.Fetch(ctx, ref)
	if err != nil {
		g.metrics.RecordBatchTranscription(string(source), "download_failed")
		logger.Warn().Err(err).Msg("Audio download failed")
		return models.TranscriptionRecord{}, exhausted(ctx, "download", g.downloader.Policy(), err)
	}

	start := time.Now()
	text, err := retry.Do(ctx, g.policy, func(ctx context.Context) (string, error) {
		text, err := upstream.Transcribe(ctx, ref, audio)
		g.metrics.RecordUpstreamAttempt(Operation, err)
		return text, err
	})
	g.metrics.RecordUpstreamResult(Operation, err, time.Since(start).Seconds())
	if err != nil {
		g.metrics.RecordBatchTranscription(string(source), "upstream_failed")
		logger.Warn().Err(err).Msg("Transcription failed")
		return models.TranscriptionRecord{}, exhausted(ctx, Operation, g.policy, err)
	}

	rec, err := g.store.CreateTranscription(ctx, ref, text, source)
	if err != nil {
		g.metrics.RecordBatchTranscription(string(source), "store_failed")
		logger.Error().Err(err).Msg("Failed to store transcription")
		return models.TranscriptionRecord{}, err
	}

	if g.publisher != nil {
		if err := g.publisher.PublishTranscription(ctx, rec); err != nil {
			logger.Warn().Err(err).Str("transcriptId", rec.ID).Msg("Failed to publish transcription event")
		}
	}

	g.metrics.RecordBatchTranscription(string(source), "ok")
	logger.Info().Str("transcriptId", rec.ID).Msg("Transcription stored")
	return rec, nil
}

// History returns transcriptions inside the configured window, newest first.
func (g *Gateway) History(ctx context.Context) ([]models.TranscriptionRecord, error) {
	return g.store.ListRecent(ctx, g.window, g.now())
}

// RealtimeHistory returns finalized realtime sessions inside the window.
func (g *Gateway) RealtimeHistory(ctx context.Context) ([]models.RealtimeSessionRecord, error) {
	return g.store.ListRealtimeSessions(ctx, g.window, g.now())
}

func exhausted(ctx context.Context, op string, p retry.Policy, err error) error {
	// Cancellation is the caller's doing, not the upstream's.
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return err
	}
	attempts := p.MaxRetries + 1
	if p.MaxRetries < 0 {
		attempts = 1
	}
	return &UpstreamExhaustedError{Operation: op, Attempts: attempts, Err: err}
}
