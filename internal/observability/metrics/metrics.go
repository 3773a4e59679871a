// Package metrics provides Prometheus metrics for observability.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "live_transcription"

// Metrics holds all Prometheus metrics for the service.
type Metrics struct {
	// Session lifecycle metrics
	SessionsStarted  prometheus.Counter
	SessionsActive   prometheus.Gauge
	SessionsFailed   *prometheus.CounterVec
	StateTransitions *prometheus.CounterVec
	SessionDuration  prometheus.Histogram

	// Recognition metrics
	RecognitionEvents *prometheus.CounterVec
	SegmentsCreated   prometheus.Counter
	STTErrors         *prometheus.CounterVec
	STTStreamDuration *prometheus.HistogramVec

	// Audio metrics
	AudioFramesSent prometheus.Counter
	AudioBytesSent  prometheus.Counter
	AudioFramesLost prometheus.Counter

	// Enrichment fan-out metrics
	FanOutCalls   *prometheus.CounterVec
	FanOutLatency *prometheus.HistogramVec
	FanOutActive  *prometheus.GaugeVec

	// Kafka publish metrics
	KafkaPublishTotal   *prometheus.CounterVec
	KafkaPublishErrors  *prometheus.CounterVec
	KafkaPublishLatency *prometheus.HistogramVec

	// Storage sink metrics
	StorageWrites *prometheus.CounterVec
}

// DefaultMetrics is the global metrics instance.
var DefaultMetrics = NewMetrics()

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		SessionsStarted: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_started_total",
			Help:      "Total number of recognition sessions started (including resumes)",
		}),
		SessionsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of currently open audio pipelines",
		}),
		SessionsFailed: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_failed_total",
			Help:      "Total number of sessions ended by a fatal error",
		}, []string{"kind"}),
		StateTransitions: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_transitions_total",
			Help:      "Lifecycle controller state transitions",
		}, []string{"from", "to"}),
		SessionDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Duration of recordings from first start to stop",
			Buckets:   []float64{1, 5, 30, 60, 300, 900, 1800, 3600, 7200},
		}),

		RecognitionEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recognition_events_total",
			Help:      "Recognition events received by kind",
		}, []string{"kind"}),
		SegmentsCreated: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "segments_created_total",
			Help:      "Total number of transcript segments created",
		}),
		STTErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stt_errors_total",
			Help:      "Total number of STT errors",
		}, []string{"provider", "error_type"}),
		STTStreamDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stt_stream_duration_seconds",
			Help:      "Lifetime of recognition backend streams",
			Buckets:   []float64{1, 5, 30, 60, 120, 300, 600},
		}, []string{"provider", "code"}),

		AudioFramesSent: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_frames_sent_total",
			Help:      "Total audio frames forwarded to the recognition backend",
		}),
		AudioBytesSent: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_bytes_sent_total",
			Help:      "Total audio bytes forwarded to the recognition backend",
		}),
		AudioFramesLost: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_frames_dropped_total",
			Help:      "Audio frames dropped because the session was stopping",
		}),

		FanOutCalls: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fanout_calls_total",
			Help:      "Correction/translation calls by outcome",
		}, []string{"kind", "outcome"}),
		FanOutLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fanout_latency_seconds",
			Help:      "Correction/translation call latency",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}, []string{"kind"}),
		FanOutActive: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "fanout_inflight",
			Help:      "Correction/translation calls currently in flight",
		}, []string{"kind"}),

		KafkaPublishTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_publish_total",
			Help:      "Total number of Kafka messages published",
		}, []string{"topic", "event_type"}),
		KafkaPublishErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_publish_errors_total",
			Help:      "Total number of Kafka publish errors",
		}, []string{"topic", "event_type"}),
		KafkaPublishLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "kafka_publish_latency_seconds",
			Help:      "Kafka publish latency in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"topic"}),

		StorageWrites: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_writes_total",
			Help:      "Finalized transcript hand-offs to the storage sink",
		}, []string{"sink", "result"}),
	}
}

// RecordStateTransition records a lifecycle transition.
func (m *Metrics) RecordStateTransition(from, to string) {
	m.StateTransitions.WithLabelValues(from, to).Inc()
}

// RecordPipelineOpen records an audio pipeline (adapter + session) opening.
func (m *Metrics) RecordPipelineOpen() {
	m.SessionsStarted.Inc()
	m.SessionsActive.Inc()
}

// RecordPipelineClose records an audio pipeline closing.
func (m *Metrics) RecordPipelineClose() {
	m.SessionsActive.Dec()
}

// RecordSessionFailed records a session ended by a fatal error.
func (m *Metrics) RecordSessionFailed(kind string) {
	m.SessionsFailed.WithLabelValues(kind).Inc()
}

// RecordSessionDuration records the length of a finished recording.
func (m *Metrics) RecordSessionDuration(seconds float64) {
	m.SessionDuration.Observe(seconds)
}

// RecordRecognitionEvent records a recognition event by kind.
func (m *Metrics) RecordRecognitionEvent(kind string) {
	m.RecognitionEvents.WithLabelValues(kind).Inc()
}

// RecordSegmentCreated records a new segment being created.
func (m *Metrics) RecordSegmentCreated() {
	m.SegmentsCreated.Inc()
}

// RecordSTTError records an STT error.
func (m *Metrics) RecordSTTError(provider, errorType string) {
	m.STTErrors.WithLabelValues(provider, errorType).Inc()
}

// RecordSTTStream records the lifetime of a backend stream.
func (m *Metrics) RecordSTTStream(provider, code string, seconds float64) {
	m.STTStreamDuration.WithLabelValues(provider, code).Observe(seconds)
}

// RecordAudioSent records one frame forwarded to the backend.
func (m *Metrics) RecordAudioSent(bytes int) {
	m.AudioFramesSent.Inc()
	m.AudioBytesSent.Add(float64(bytes))
}

// RecordAudioDropped records a frame discarded during shutdown.
func (m *Metrics) RecordAudioDropped() {
	m.AudioFramesLost.Inc()
}

// RecordFanOutStart records a fan-out call being issued.
func (m *Metrics) RecordFanOutStart(kind string) {
	m.FanOutActive.WithLabelValues(kind).Inc()
}

// RecordFanOutEnd records a fan-out call settling.
func (m *Metrics) RecordFanOutEnd(kind, outcome string, latencySeconds float64) {
	m.FanOutActive.WithLabelValues(kind).Dec()
	m.FanOutCalls.WithLabelValues(kind, outcome).Inc()
	m.FanOutLatency.WithLabelValues(kind).Observe(latencySeconds)
}

// RecordKafkaPublish records a Kafka publish attempt.
func (m *Metrics) RecordKafkaPublish(topic, eventType string, err error, latencySeconds float64) {
	m.KafkaPublishTotal.WithLabelValues(topic, eventType).Inc()
	m.KafkaPublishLatency.WithLabelValues(topic).Observe(latencySeconds)
	if err != nil {
		m.KafkaPublishErrors.WithLabelValues(topic, eventType).Inc()
	}
}

// RecordStorageWrite records a storage sink hand-off.
func (m *Metrics) RecordStorageWrite(sink string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.StorageWrites.WithLabelValues(sink, result).Inc()
}
