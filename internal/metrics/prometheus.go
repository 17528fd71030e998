package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the media-stream relay
type Metrics struct {
	// Connection metrics
	ActiveConnections prometheus.Gauge
	ConnectionsOpened prometheus.Counter
	ConnectionsClosed prometheus.Counter
	SessionDuration   prometheus.Histogram

	// Frame metrics
	FramesReceived *prometheus.CounterVec
	ParseErrors    prometheus.Counter
	DecodeErrors   prometheus.Counter
	AudioFrames    prometheus.Counter
	AudioBytes     prometheus.Counter

	// Sink metrics
	SinkErrors   *prometheus.CounterVec
	SinkDuration *prometheus.HistogramVec

	// Transcription metrics
	TranscriptionRequests  prometheus.Counter
	TranscriptionSuccesses prometheus.Counter
	TranscriptionFailures  prometheus.Counter
	TranscriptionDuration  prometheus.Histogram
	ChunksDropped          prometheus.Counter

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec
}

// NewMetrics creates all metrics and registers them with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		// Connection metrics
		ActiveConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "relay_active_connections",
			Help: "Current number of open media-stream connections",
		}),
		ConnectionsOpened: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_connections_opened_total",
			Help: "Total number of media-stream connections accepted",
		}),
		ConnectionsClosed: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_connections_closed_total",
			Help: "Total number of media-stream sessions removed",
		}),
		SessionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "relay_session_duration_seconds",
			Help:    "Lifetime of media-stream sessions in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~1 hour
		}),

		// Frame metrics
		FramesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_frames_received_total",
			Help: "Total number of parsed frames by event kind",
		}, []string{"event"}),
		ParseErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_parse_errors_total",
			Help: "Total number of frames that could not be parsed",
		}),
		DecodeErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_decode_errors_total",
			Help: "Total number of media payloads that failed base64 decoding",
		}),
		AudioFrames: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_audio_frames_total",
			Help: "Total number of decoded audio frames",
		}),
		AudioBytes: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_audio_bytes_total",
			Help: "Total number of decoded audio bytes",
		}),

		// Sink metrics
		SinkErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_sink_errors_total",
			Help: "Total number of audio sink failures by operation",
		}, []string{"op"}),
		SinkDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "relay_sink_call_duration_seconds",
			Help:    "Time spent in audio sink calls",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10), // 100us to ~26s
		}, []string{"op"}),

		// Transcription metrics
		TranscriptionRequests: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_transcription_requests_total",
			Help: "Total number of transcription requests sent",
		}),
		TranscriptionSuccesses: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_transcription_successes_total",
			Help: "Total number of successful transcription requests",
		}),
		TranscriptionFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_transcription_failures_total",
			Help: "Total number of failed transcription requests",
		}),
		TranscriptionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "relay_transcription_duration_seconds",
			Help:    "Duration of transcription requests",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~2 minutes
		}),
		ChunksDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_transcription_chunks_dropped_total",
			Help: "Total number of audio chunks dropped because the send queue was full",
		}),

		// HTTP API metrics
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "relay_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		HTTPErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_http_errors_total",
			Help: "Total number of HTTP errors",
		}, []string{"method", "endpoint", "error_type"}),
	}
}

// RecordConnectionOpened increments the opened counter and the active gauge
func (m *Metrics) RecordConnectionOpened() {
	m.ConnectionsOpened.Inc()
	m.ActiveConnections.Inc()
}

// RecordSessionRemoved records a removed session and its lifetime
func (m *Metrics) RecordSessionRemoved(durationSeconds float64) {
	m.ConnectionsClosed.Inc()
	m.ActiveConnections.Dec()
	m.SessionDuration.Observe(durationSeconds)
}

// RecordFrame increments the frame counter for an event kind
func (m *Metrics) RecordFrame(event string) {
	m.FramesReceived.WithLabelValues(event).Inc()
}

// RecordParseError increments the parse errors counter
func (m *Metrics) RecordParseError() {
	m.ParseErrors.Inc()
}

// RecordDecodeError increments the decode errors counter
func (m *Metrics) RecordDecodeError() {
	m.DecodeErrors.Inc()
}

// RecordAudio records one decoded audio frame
func (m *Metrics) RecordAudio(sizeBytes int) {
	m.AudioFrames.Inc()
	m.AudioBytes.Add(float64(sizeBytes))
}

// RecordSinkCall records the duration and outcome of a sink call
func (m *Metrics) RecordSinkCall(op string, durationSeconds float64, err error) {
	m.SinkDuration.WithLabelValues(op).Observe(durationSeconds)
	if err != nil {
		m.SinkErrors.WithLabelValues(op).Inc()
	}
}

// RecordTranscriptionRequest increments transcription requests counter
func (m *Metrics) RecordTranscriptionRequest() {
	m.TranscriptionRequests.Inc()
}

// RecordTranscriptionSuccess records a successful transcription
func (m *Metrics) RecordTranscriptionSuccess(durationSeconds float64) {
	m.TranscriptionSuccesses.Inc()
	m.TranscriptionDuration.Observe(durationSeconds)
}

// RecordTranscriptionFailure records a failed transcription
func (m *Metrics) RecordTranscriptionFailure(durationSeconds float64) {
	m.TranscriptionFailures.Inc()
	m.TranscriptionDuration.Observe(durationSeconds)
}

// RecordChunkDropped increments the dropped chunks counter
func (m *Metrics) RecordChunkDropped() {
	m.ChunksDropped.Inc()
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}

// RecordHTTPError records an HTTP error
func (m *Metrics) RecordHTTPError(method, endpoint, errorType string) {
	m.HTTPErrors.WithLabelValues(method, endpoint, errorType).Inc()
}
