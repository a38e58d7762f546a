package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the voice service.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Call session metrics
	ActiveSessions    prometheus.Gauge
	SessionsCreated   prometheus.Counter
	SessionsDestroyed prometheus.Counter
	SessionDuration   prometheus.Histogram

	// Turn metrics
	TurnTransitions *prometheus.CounterVec
	TurnOutcomes    *prometheus.CounterVec

	// VAD metrics
	VADFramesProcessed prometheus.Counter
	VADEvents          *prometheus.CounterVec

	// Pipeline metrics
	StageDuration  *prometheus.HistogramVec
	StageFailures  *prometheus.CounterVec
	StageRetries   *prometheus.CounterVec
	BusyRejections prometheus.Counter
	UtteranceSize  prometheus.Histogram

	// History metrics
	HistoryWriteFailures prometheus.Counter

	// Relay metrics
	RelayBytes   prometheus.Counter
	RelayStreams *prometheus.CounterVec

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec
}

// NewMetrics creates all Prometheus metrics and registers them with reg.
// Passing prometheus.DefaultRegisterer exposes them on the global registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		// Call session metrics
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "voice_active_sessions",
			Help: "Current number of active call sessions",
		}),
		SessionsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "voice_sessions_created_total",
			Help: "Total number of call sessions created",
		}),
		SessionsDestroyed: factory.NewCounter(prometheus.CounterOpts{
			Name: "voice_sessions_destroyed_total",
			Help: "Total number of call sessions destroyed",
		}),
		SessionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "voice_session_duration_seconds",
			Help:    "Duration of call sessions in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~1 hour
		}),

		// Turn metrics
		TurnTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voice_turn_transitions_total",
			Help: "Total number of turn state transitions",
		}, []string{"from", "to"}),
		TurnOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voice_turn_outcomes_total",
			Help: "Total number of processed turns by outcome",
		}, []string{"outcome"}),

		// VAD metrics
		VADFramesProcessed: factory.NewCounter(prometheus.CounterOpts{
			Name: "voice_vad_chunks_processed_total",
			Help: "Total number of capture chunks analysed by VAD",
		}),
		VADEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voice_vad_events_total",
			Help: "Total number of VAD events emitted",
		}, []string{"type"}),

		// Pipeline metrics
		StageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "voice_pipeline_stage_duration_seconds",
			Help:    "Duration of pipeline stages",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
		}, []string{"stage"}),
		StageFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voice_pipeline_stage_failures_total",
			Help: "Total number of failed pipeline stages",
		}, []string{"stage"}),
		StageRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voice_pipeline_stage_retries_total",
			Help: "Total number of pipeline stage retries",
		}, []string{"stage"}),
		BusyRejections: factory.NewCounter(prometheus.CounterOpts{
			Name: "voice_pipeline_busy_rejections_total",
			Help: "Total number of requests rejected because the session was busy",
		}),
		UtteranceSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "voice_utterance_size_bytes",
			Help:    "Size of submitted utterance audio in bytes",
			Buckets: prometheus.ExponentialBuckets(1024, 2, 12), // 1KB to ~4MB
		}),

		// History metrics
		HistoryWriteFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "voice_history_write_failures_total",
			Help: "Total number of failed conversation history writes",
		}),

		// Relay metrics
		RelayBytes: factory.NewCounter(prometheus.CounterOpts{
			Name: "voice_relay_bytes_total",
			Help: "Total number of audio bytes relayed to clients",
		}),
		RelayStreams: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voice_relay_streams_total",
			Help: "Total number of relayed audio streams by status",
		}, []string{"status"}),

		// HTTP API metrics
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voice_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "voice_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		HTTPErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voice_http_errors_total",
			Help: "Total number of HTTP errors",
		}, []string{"method", "endpoint", "error_type"}),
	}
}

// SetActiveSessions sets the current number of active sessions
func (m *Metrics) SetActiveSessions(count int) {
	if m == nil {
		return
	}
	m.ActiveSessions.Set(float64(count))
}

// RecordSessionCreated increments the sessions created counter
func (m *Metrics) RecordSessionCreated() {
	if m == nil {
		return
	}
	m.SessionsCreated.Inc()
}

// RecordSessionDestroyed increments the sessions destroyed counter and records duration
func (m *Metrics) RecordSessionDestroyed(durationSeconds float64) {
	if m == nil {
		return
	}
	m.SessionsDestroyed.Inc()
	m.SessionDuration.Observe(durationSeconds)
}

// RecordTransition records a turn state transition
func (m *Metrics) RecordTransition(from, to string) {
	if m == nil {
		return
	}
	m.TurnTransitions.WithLabelValues(from, to).Inc()
}

// RecordTurnOutcome records the outcome of a processed turn
func (m *Metrics) RecordTurnOutcome(outcome string) {
	if m == nil {
		return
	}
	m.TurnOutcomes.WithLabelValues(outcome).Inc()
}

// RecordVADChunk increments the VAD chunks counter
func (m *Metrics) RecordVADChunk() {
	if m == nil {
		return
	}
	m.VADFramesProcessed.Inc()
}

// RecordVADEvent records an emitted VAD event
func (m *Metrics) RecordVADEvent(eventType string) {
	if m == nil {
		return
	}
	m.VADEvents.WithLabelValues(eventType).Inc()
}

// RecordStage records the duration of a pipeline stage and whether it failed
func (m *Metrics) RecordStage(stage string, durationSeconds float64, failed bool) {
	if m == nil {
		return
	}
	m.StageDuration.WithLabelValues(stage).Observe(durationSeconds)
	if failed {
		m.StageFailures.WithLabelValues(stage).Inc()
	}
}

// RecordStageRetry increments the retry counter for a stage
func (m *Metrics) RecordStageRetry(stage string) {
	if m == nil {
		return
	}
	m.StageRetries.WithLabelValues(stage).Inc()
}

// RecordBusyRejection increments the busy session counter
func (m *Metrics) RecordBusyRejection() {
	if m == nil {
		return
	}
	m.BusyRejections.Inc()
}

// RecordUtterance records the size of a submitted utterance
func (m *Metrics) RecordUtterance(sizeBytes int) {
	if m == nil {
		return
	}
	m.UtteranceSize.Observe(float64(sizeBytes))
}

// RecordHistoryWriteFailure increments the history write failure counter
func (m *Metrics) RecordHistoryWriteFailure() {
	if m == nil {
		return
	}
	m.HistoryWriteFailures.Inc()
}

// RecordRelay records a finished relay
func (m *Metrics) RecordRelay(status string, bytes int64) {
	if m == nil {
		return
	}
	m.RelayStreams.WithLabelValues(status).Inc()
	m.RelayBytes.Add(float64(bytes))
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}

// RecordHTTPError records an HTTP error
func (m *Metrics) RecordHTTPError(method, endpoint, errorType string) {
	if m == nil {
		return
	}
	m.HTTPErrors.WithLabelValues(method, endpoint, errorType).Inc()
}
