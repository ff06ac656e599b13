// Package metrics provides Prometheus metrics for observability.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "realtime_transcription"

// Metrics holds all Prometheus metrics for the service.
type Metrics struct {
	// Session metrics
	SessionsStarted   prometheus.Counter
	SessionsActive    prometheus.Gauge
	SessionsFinalized prometheus.Counter
	SessionsDiscarded prometheus.Counter
	SessionDuration   prometheus.Histogram
	SessionChunks     prometheus.Histogram

	// Protocol metrics
	ChunksReceived      prometheus.Counter
	PartialResults      prometheus.Counter
	FinalResults        prometheus.Counter
	ProtocolViolations  *prometheus.CounterVec
	PersistenceFailures prometheus.Counter

	// Upstream metrics
	UpstreamAttempts  *prometheus.CounterVec
	UpstreamFailures  *prometheus.CounterVec
	UpstreamExhausted *prometheus.CounterVec
	UpstreamLatency   *prometheus.HistogramVec

	// Batch metrics
	BatchTranscriptions *prometheus.CounterVec

	// Kafka publish metrics
	KafkaPublishTotal   *prometheus.CounterVec
	KafkaPublishErrors  *prometheus.CounterVec
	KafkaPublishLatency *prometheus.HistogramVec

	// Transport metrics
	HTTPRequests *prometheus.CounterVec
	GRPCRequests *prometheus.CounterVec
}

// DefaultMetrics is the global metrics instance.
var DefaultMetrics = NewMetrics(prometheus.DefaultRegisterer)

// NewMetrics creates all metrics and registers them with reg.
// Pass prometheus.NewRegistry() in tests to avoid duplicate registration.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		// Session metrics
		SessionsStarted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_started_total",
			Help:      "Total number of realtime sessions opened",
		}),
		SessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of currently registered realtime sessions",
		}),
		SessionsFinalized: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_finalized_total",
			Help:      "Total number of sessions finalized and persisted",
		}),
		SessionsDiscarded: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_discarded_total",
			Help:      "Total number of sessions discarded by disconnect before finalization",
		}),
		SessionDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Duration of finalized sessions in seconds",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300, 900},
		}),
		SessionChunks: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_chunks",
			Help:      "Number of chunks received by finalized sessions",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}),

		// Protocol metrics
		ChunksReceived: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_received_total",
			Help:      "Total number of accepted audio chunk events",
		}),
		PartialResults: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "partial_results_total",
			Help:      "Total number of partial results emitted",
		}),
		FinalResults: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "final_results_total",
			Help:      "Total number of final results emitted",
		}),
		ProtocolViolations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "protocol_violations_total",
			Help:      "Total number of rejected protocol events",
		}, []string{"event", "reason"}),
		PersistenceFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persistence_failures_total",
			Help:      "Total number of failed session writes during finalization",
		}),

		// Upstream metrics
		UpstreamAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_attempts_total",
			Help:      "Total number of upstream call attempts",
		}, []string{"operation"}),
		UpstreamFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_failures_total",
			Help:      "Total number of failed upstream call attempts",
		}, []string{"operation"}),
		UpstreamExhausted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_exhausted_total",
			Help:      "Total number of upstream calls that failed after all retries",
		}, []string{"operation"}),
		UpstreamLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_latency_seconds",
			Help:      "Upstream call latency including retries, in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}, []string{"operation"}),

		// Batch metrics
		BatchTranscriptions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batch_transcriptions_total",
			Help:      "Total number of batch transcription requests",
		}, []string{"source", "outcome"}),

		// Kafka publish metrics
		KafkaPublishTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_publish_total",
			Help:      "Total number of Kafka messages published",
		}, []string{"topic", "event_type"}),
		KafkaPublishErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_publish_errors_total",
			Help:      "Total number of Kafka publish errors",
		}, []string{"topic", "event_type"}),
		KafkaPublishLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "kafka_publish_latency_seconds",
			Help:      "Kafka publish latency in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"topic"}),

		// Transport metrics
		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP API requests",
		}, []string{"route", "code"}),
		GRPCRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "grpc_requests_total",
			Help:      "Total number of gRPC calls",
		}, []string{"method", "code"}),
	}
}

// RecordSessionStarted records a new session being registered.
func (m *Metrics) RecordSessionStarted() {
	m.SessionsStarted.Inc()
	m.SessionsActive.Inc()
}

// RecordSessionFinalized records a session persisted and removed.
func (m *Metrics) RecordSessionFinalized(chunks int, durationSeconds float64) {
	m.SessionsActive.Dec()
	m.SessionsFinalized.Inc()
	m.SessionChunks.Observe(float64(chunks))
	m.SessionDuration.Observe(durationSeconds)
}

// RecordSessionDiscarded records a session removed without finalization.
func (m *Metrics) RecordSessionDiscarded() {
	m.SessionsActive.Dec()
	m.SessionsDiscarded.Inc()
}

// RecordChunk records an accepted chunk and the partial result it produced.
func (m *Metrics) RecordChunk() {
	m.ChunksReceived.Inc()
	m.PartialResults.Inc()
}

// RecordFinalResult records a final result emitted to a client.
func (m *Metrics) RecordFinalResult() {
	m.FinalResults.Inc()
}

// RecordProtocolViolation records a rejected event.
func (m *Metrics) RecordProtocolViolation(event, reason string) {
	m.ProtocolViolations.WithLabelValues(event, reason).Inc()
}

// RecordPersistenceFailure records a failed finalize write.
func (m *Metrics) RecordPersistenceFailure() {
	m.PersistenceFailures.Inc()
}

// RecordUpstreamAttempt records one attempt of an upstream operation.
func (m *Metrics) RecordUpstreamAttempt(operation string, err error) {
	m.UpstreamAttempts.WithLabelValues(operation).Inc()
	if err != nil {
		m.UpstreamFailures.WithLabelValues(operation).Inc()
	}
}

// RecordUpstreamResult records the outcome of an upstream call after retries.
func (m *Metrics) RecordUpstreamResult(operation string, err error, latencySeconds float64) {
	m.UpstreamLatency.WithLabelValues(operation).Observe(latencySeconds)
	if err != nil {
		m.UpstreamExhausted.WithLabelValues(operation).Inc()
	}
}

// RecordBatchTranscription records the outcome of a batch request.
func (m *Metrics) RecordBatchTranscription(source, outcome string) {
	m.BatchTranscriptions.WithLabelValues(source, outcome).Inc()
}

// RecordKafkaPublish records a Kafka publish attempt.
func (m *Metrics) RecordKafkaPublish(topic, eventType string, err error, latencySeconds float64) {
	m.KafkaPublishTotal.WithLabelValues(topic, eventType).Inc()
	m.KafkaPublishLatency.WithLabelValues(topic).Observe(latencySeconds)
	if err != nil {
		m.KafkaPublishErrors.WithLabelValues(topic, eventType).Inc()
	}
}

// RecordHTTPRequest records a served API request.
func (m *Metrics) RecordHTTPRequest(route string, code int) {
	m.HTTPRequests.WithLabelValues(route, statusLabel(code)).Inc()
}

// RecordGRPCRequest records a served gRPC call.
func (m *Metrics) RecordGRPCRequest(method, code string) {
	m.GRPCRequests.WithLabelValues(method, code).Inc()
}

func statusLabel(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
