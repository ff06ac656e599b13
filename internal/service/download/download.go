// Package download fetches source audio for batch transcription.
package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"realtime-transcription-service/internal/observability/logging"
	"realtime-transcription-service/internal/observability/metrics"
	"realtime-transcription-service/internal/retry"
)

// Operation labels download attempts in metrics.
const Operation = "download"

// DefaultPolicy is the retry policy for audio downloads.
func DefaultPolicy() retry.Policy {
	return retry.Policy{MaxRetries: 3, BaseDelay: 200 * time.Millisecond}
}

// ErrInvalidURL is returned for references that are not http(s).
var ErrInvalidURL = errors.New("invalid url")

// MockAudio is the payload returned by MockFetcher.
var MockAudio = []byte("AUDIO_BYTES")

// Fetcher performs a single download attempt.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, url string) ([]byte, error)

func (f FetcherFunc) Fetch(ctx context.Context, url string) ([]byte, error) { return f(ctx, url) }

// MockFetcher returns MockAudio for any http reference.
type MockFetcher struct{}

func (MockFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !strings.HasPrefix(url, "http") {
		return nil, ErrInvalidURL
	}
	out := make([]byte, len(MockAudio))
	copy(out, MockAudio)
	return out, nil
}

// StatusError is returned when the audio host answers with a non-2xx code.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("download %s: HTTP %d", e.URL, e.Code)
}

// HTTPConfig configures HTTPFetcher.
type HTTPConfig struct {
	Timeout       time.Duration
	MaxConcurrent int
	MaxBytes      int64
}

// DefaultHTTPConfig returns limits suitable for short voice recordings.
func DefaultHTTPConfig() HTTPConfig {
	return HTTPConfig{
		Timeout:       30 * time.Second,
		MaxConcurrent: 10,
		MaxBytes:      50 * 1024 * 1024,
	}
}

// HTTPFetcher downloads audio over HTTP with bounded concurrency.
type HTTPFetcher struct {
	client    *http.Client
	semaphore chan struct{}
	maxBytes  int64
}

// NewHTTPFetcher creates a fetcher. Zero fields fall back to DefaultHTTPConfig.
func NewHTTPFetcher(cfg HTTPConfig) *HTTPFetcher {
	def := DefaultHTTPConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = def.MaxConcurrent
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = def.MaxBytes
	}

	return &HTTPFetcher{
		client: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		semaphore: make(chan struct{}, cfg.MaxConcurrent),
		maxBytes:  cfg.MaxBytes,
	}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	if !strings.HasPrefix(url, "http") {
		return nil, ErrInvalidURL
	}

	select {
	case f.semaphore <- struct{}{}:
		defer func() { <-f.semaphore }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", "realtime-transcription-service/1.0")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &StatusError{URL: url, Code: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if int64(len(body)) > f.maxBytes {
		return nil, fmt.Errorf("download %s: larger than %d bytes", url, f.maxBytes)
	}
	return body, nil
}

// Service retries a Fetcher with exponential backoff.
type Service struct {
	fetcher Fetcher
	policy  retry.Policy
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithMetrics overrides the metrics instance.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithLogger overrides the component logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Service) {
		s.logger = l
	}
}

// New creates a download service.
func New(f Fetcher, policy retry.Policy, opts ...Option) *Service {
	s := &Service{
		fetcher: f,
		policy:  policy,
		metrics: metrics.DefaultMetrics,
		logger:  logging.WithComponent("download"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Policy returns the configured retry policy.
func (s *Service) Policy() retry.Policy {
	return s.policy
}

// Fetch downloads url, retrying failed attempts. After the last retry the
// error of the final attempt is returned unchanged.
func (s *Service) Fetch(ctx context.Context, url string) ([]byte, error) {
	start := time.Now()
	attempt := 0

	data, err := retry.Do(ctx, s.policy, func(ctx context.Context) ([]byte, error) {
		attempt++
		b, err := s.fetcher.Fetch(ctx, url)
		s.metrics.RecordUpstreamAttempt(Operation, err)
		if err != nil {
			s.logger.Debug().Err(err).Int("attempt", attempt).Str("audioUrl", url).Msg("Download attempt failed")
		}
		return b, err
	})
	s.metrics.RecordUpstreamResult(Operation, err, time.Since(start).Seconds())
	if err != nil {
		s.logger.Warn().Err(err).Int("attempts", attempt).Str("audioUrl", url).Msg("Download failed")
		return nil, err
	}
	return data, nil
}
