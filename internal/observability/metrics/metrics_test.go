package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSessionLifecycleMetrics(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordSessionStarted()
	m.RecordSessionStarted()
	m.RecordChunk()
	m.RecordChunk()
	m.RecordChunk()
	m.RecordSessionFinalized(3, 1.5)
	m.RecordSessionDiscarded()

	if got := testutil.ToFloat64(m.SessionsStarted); got != 2 {
		t.Errorf("expected 2 sessions started, got %v", got)
	}
	if got := testutil.ToFloat64(m.SessionsActive); got != 0 {
		t.Errorf("expected 0 active sessions, got %v", got)
	}
	if got := testutil.ToFloat64(m.SessionsFinalized); got != 1 {
		t.Errorf("expected 1 finalized session, got %v", got)
	}
	if got := testutil.ToFloat64(m.SessionsDiscarded); got != 1 {
		t.Errorf("expected 1 discarded session, got %v", got)
	}
	if got := testutil.ToFloat64(m.ChunksReceived); got != 3 {
		t.Errorf("expected 3 chunks, got %v", got)
	}
}

func TestUpstreamMetrics(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	boom := errors.New("boom")

	m.RecordUpstreamAttempt("download", boom)
	m.RecordUpstreamAttempt("download", nil)
	m.RecordUpstreamResult("download", nil, 0.2)
	m.RecordUpstreamAttempt("transcribe", boom)
	m.RecordUpstreamResult("transcribe", boom, 0.1)

	if got := testutil.ToFloat64(m.UpstreamAttempts.WithLabelValues("download")); got != 2 {
		t.Errorf("expected 2 download attempts, got %v", got)
	}
	if got := testutil.ToFloat64(m.UpstreamFailures.WithLabelValues("download")); got != 1 {
		t.Errorf("expected 1 download failure, got %v", got)
	}
	if got := testutil.ToFloat64(m.UpstreamExhausted.WithLabelValues("download")); got != 0 {
		t.Errorf("expected no exhausted downloads, got %v", got)
	}
	if got := testutil.ToFloat64(m.UpstreamExhausted.WithLabelValues("transcribe")); got != 1 {
		t.Errorf("expected 1 exhausted transcribe, got %v", got)
	}
}

func TestStatusLabel(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{200, "2xx"},
		{302, "3xx"},
		{400, "4xx"},
		{502, "5xx"},
	}
	for _, tt := range tests {
		if got := statusLabel(tt.code); got != tt.want {
			t.Errorf("statusLabel(%d) = %s, want %s", tt.code, got, tt.want)
		}
	}
}
