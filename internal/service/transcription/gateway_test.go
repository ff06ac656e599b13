package transcription

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"realtime-transcription-service/internal/models"
	"realtime-transcription-service/internal/observability/metrics"
	"realtime-transcription-service/internal/retry"
	"realtime-transcription-service/internal/schema"
	"realtime-transcription-service/internal/service/download"
	"realtime-transcription-service/internal/service/stt/azure"
	"realtime-transcription-service/internal/service/stt/mock"
	"realtime-transcription-service/internal/store"
)

var fastPolicy = retry.Policy{MaxRetries: 3, BaseDelay: time.Millisecond}

// flakyTranscriber fails the first n calls with err.
type flakyTranscriber struct {
	mu       sync.Mutex
	failures int
	err      error
	calls    int
	lastURL  string
	lastBody []byte
}

func (f *flakyTranscriber) Source() models.Source { return models.SourceAzure }

func (f *flakyTranscriber) Transcribe(ctx context.Context, audioURL string, audio []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.lastURL = audioURL
	f.lastBody = audio
	if f.calls <= f.failures {
		return "", f.err
	}
	return "recognized speech", nil
}

// recordingPublisher captures published records.
type recordingPublisher struct {
	recs []models.TranscriptionRecord
	err  error
}

func (p *recordingPublisher) PublishTranscription(ctx context.Context, rec models.TranscriptionRecord) error {
	p.recs = append(p.recs, rec)
	return p.err
}

func newTestGateway(st store.Store, opts ...Option) (*Gateway, *metrics.Metrics) {
	m := metrics.NewMetrics(prometheus.NewRegistry())
	d := download.New(download.MockFetcher{}, fastPolicy, download.WithMetrics(m), download.WithLogger(zerolog.Nop()))
	base := []Option{WithPolicy(fastPolicy), WithMetrics(m), WithLogger(zerolog.Nop())}
	return New(st, d, append(base, opts...)...), m
}

func TestGateway_LocalTranscription(t *testing.T) {
	st := store.NewMemoryStore()
	pub := &recordingPublisher{}
	g, m := newTestGateway(st, WithPublisher(pub))

	rec, err := g.TranscribeBatch(context.Background(), "https://a.mp3", mock.NewTranscriber())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.ID == "" || rec.Text != mock.LocalText || rec.Source != models.SourceLocal {
		t.Errorf("unexpected record %+v", rec)
	}

	history, err := g.History(context.Background())
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 1 || history[0].ID != rec.ID {
		t.Errorf("expected stored record in history, got %+v", history)
	}
	if len(pub.recs) != 1 || pub.recs[0].ID != rec.ID {
		t.Errorf("expected record to be published, got %+v", pub.recs)
	}
	if got := testutil.ToFloat64(m.BatchTranscriptions.WithLabelValues("local", "ok")); got != 1 {
		t.Errorf("expected 1 ok batch metric, got %v", got)
	}
}

func TestGateway_AzureMockWithoutCredentials(t *testing.T) {
	g, _ := newTestGateway(store.NewMemoryStore())

	rec, err := g.TranscribeBatch(context.Background(), "https://a.mp3", azure.New(azure.Config{}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Text != azure.MockText || rec.Source != models.SourceAzure {
		t.Errorf("unexpected record %+v", rec)
	}
}

func TestGateway_ValidationError(t *testing.T) {
	st := store.NewMemoryStore()
	up := &flakyTranscriber{}
	g, _ := newTestGateway(st)

	_, err := g.TranscribeBatch(context.Background(), "not-a-url", up)
	var vErr *schema.ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("expected *schema.ValidationError, got %v", err)
	}
	if up.calls != 0 {
		t.Errorf("expected no upstream calls, got %d", up.calls)
	}
	if history, _ := g.History(context.Background()); len(history) != 0 {
		t.Errorf("expected nothing stored, got %d", len(history))
	}
}

func TestGateway_RetriesUpstream(t *testing.T) {
	up := &flakyTranscriber{failures: 3, err: errors.New("503")}
	g, m := newTestGateway(store.NewMemoryStore())

	rec, err := g.TranscribeBatch(context.Background(), " https://a.mp3 ", up)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if up.calls != 4 {
		t.Errorf("expected 4 calls, got %d", up.calls)
	}
	if rec.AudioReference != "https://a.mp3" || up.lastURL != "https://a.mp3" {
		t.Errorf("expected trimmed reference, got %q / %q", rec.AudioReference, up.lastURL)
	}
	if string(up.lastBody) != "AUDIO_BYTES" {
		t.Errorf("expected downloaded audio to reach upstream, got %q", up.lastBody)
	}
	if got := testutil.ToFloat64(m.UpstreamFailures.WithLabelValues(Operation)); got != 3 {
		t.Errorf("expected 3 failed attempts, got %v", got)
	}
}

func TestGateway_UpstreamExhausted(t *testing.T) {
	cause := errors.New("quota exceeded")
	up := &flakyTranscriber{failures: 100, err: cause}
	g, _ := newTestGateway(store.NewMemoryStore())

	_, err := g.TranscribeBatch(context.Background(), "https://a.mp3", up)
	var uErr *UpstreamExhaustedError
	if !errors.As(err, &uErr) {
		t.Fatalf("expected *UpstreamExhaustedError, got %v", err)
	}
	if uErr.Operation != Operation || uErr.Attempts != 4 {
		t.Errorf("unexpected exhaustion %+v", uErr)
	}
	if uErr.Err != cause || !errors.Is(err, cause) {
		t.Errorf("expected original cause, got %v", uErr.Err)
	}
	if up.calls != 4 {
		t.Errorf("expected 4 calls, got %d", up.calls)
	}
}

func TestGateway_DownloadExhausted(t *testing.T) {
	m := metrics.NewMetrics(prometheus.NewRegistry())
	fetcher := download.FetcherFunc(func(ctx context.Context, url string) ([]byte, error) {
		return nil, errors.New("connection refused")
	})
	d := download.New(fetcher, fastPolicy, download.WithMetrics(m), download.WithLogger(zerolog.Nop()))
	up := &flakyTranscriber{}
	g := New(store.NewMemoryStore(), d, WithMetrics(m), WithLogger(zerolog.Nop()))

	_, err := g.TranscribeBatch(context.Background(), "https://a.mp3", up)
	var uErr *UpstreamExhaustedError
	if !errors.As(err, &uErr) || uErr.Operation != "download" {
		t.Fatalf("expected download exhaustion, got %v", err)
	}
	if up.calls != 0 {
		t.Errorf("expected no transcription after failed download, got %d calls", up.calls)
	}
}

func TestGateway_ContextCancelled(t *testing.T) {
	up := &flakyTranscriber{failures: 100, err: errors.New("503")}
	g, _ := newTestGateway(store.NewMemoryStore(), WithPolicy(retry.Policy{MaxRetries: 5, BaseDelay: time.Hour}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := g.TranscribeBatch(ctx, "https://a.mp3", up)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	var uErr *UpstreamExhaustedError
	if errors.As(err, &uErr) {
		t.Error("cancellation must not be reported as exhaustion")
	}
}

func TestGateway_PublishFailureDoesNotFailRequest(t *testing.T) {
	pub := &recordingPublisher{err: errors.New("broker down")}
	g, _ := newTestGateway(store.NewMemoryStore(), WithPublisher(pub))

	if _, err := g.TranscribeBatch(context.Background(), "https://a.mp3", mock.NewTranscriber()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestGateway_HistoryWindow(t *testing.T) {
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	clock := now.Add(-31 * 24 * time.Hour)
	st := store.NewMemoryStore(store.WithClock(func() time.Time { return clock }))
	g, _ := newTestGateway(st, WithClock(func() time.Time { return now }))

	g.TranscribeBatch(context.Background(), "https://old.mp3", mock.NewTranscriber())
	clock = now.Add(-29 * 24 * time.Hour)
	g.TranscribeBatch(context.Background(), "https://new.mp3", mock.NewTranscriber())

	history, err := g.History(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(history) != 1 || history[0].AudioReference != "https://new.mp3" {
		t.Errorf("expected only the recent record, got %+v", history)
	}
}

func TestUpstreamExhaustedError_Message(t *testing.T) {
	err := &UpstreamExhaustedError{Operation: "transcribe", Attempts: 4, Err: errors.New("boom")}
	if err.Error() != "transcribe failed after 4 attempts: boom" {
		t.Errorf("unexpected message %q", err.Error())
	}
}
