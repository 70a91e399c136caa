package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the recording session service
type Metrics struct {
	// Client connection metrics
	ActiveConnections      prometheus.Gauge
	ConnectionsOpened      prometheus.Counter
	ConnectionsClosed      prometheus.Counter
	HealthCheckRemovals    prometheus.Counter
	Broadcasts             *prometheus.CounterVec
	BroadcastDeliveries    prometheus.Counter
	BroadcastFailures      prometheus.Counter

	// Speech stream metrics
	ActiveSpeechStreams    prometheus.Gauge
	SpeechConnects         *prometheus.CounterVec
	ReconnectAttempts      prometheus.Counter
	ReconnectsExhausted    prometheus.Counter
	KeepAlivesSent         prometheus.Counter
	AudioFramesSent        prometheus.Counter
	AudioFramesDropped     prometheus.Counter
	AudioBytesSent         prometheus.Counter

	// Transcript metrics
	UtterancesStored       prometheus.Counter
	UtterancesFailed       prometheus.Counter

	// Recording state machine metrics
	RecordingTransitions   *prometheus.CounterVec
	ActiveRecordings       prometheus.Gauge

	// Note generation metrics
	NoteGenerations        *prometheus.CounterVec
	NoteGenerationDuration prometheus.Histogram
	NoteGenerationRetries  prometheus.Counter

	// HTTP API metrics
	HTTPRequests           *prometheus.CounterVec
	HTTPRequestDuration    *prometheus.HistogramVec
	HTTPErrors             *prometheus.CounterVec
}

// NewMetrics creates all metrics and registers them with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		// Client connection metrics
		ActiveConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "halo_client_connections_active",
			Help: "Current number of registered client connections",
		}),
		ConnectionsOpened: factory.NewCounter(prometheus.CounterOpts{
			Name: "halo_client_connections_opened_total",
			Help: "Total number of client connections registered",
		}),
		ConnectionsClosed: factory.NewCounter(prometheus.CounterOpts{
			Name: "halo_client_connections_closed_total",
			Help: "Total number of client connections removed",
		}),
		HealthCheckRemovals: factory.NewCounter(prometheus.CounterOpts{
			Name: "halo_health_check_removals_total",
			Help: "Total number of dead connections pruned by the health check",
		}),
		Broadcasts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "halo_broadcasts_total",
			Help: "Total number of broadcast events by type",
		}, []string{"event_type"}),
		BroadcastDeliveries: factory.NewCounter(prometheus.CounterOpts{
			Name: "halo_broadcast_deliveries_total",
			Help: "Total number of successful per-connection deliveries",
		}),
		BroadcastFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "halo_broadcast_failures_total",
			Help: "Total number of failed per-connection deliveries",
		}),

		// Speech stream metrics
		ActiveSpeechStreams: factory.NewGauge(prometheus.GaugeOpts{
			Name: "halo_speech_streams_active",
			Help: "Current number of open speech streams",
		}),
		SpeechConnects: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "halo_speech_connects_total",
			Help: "Total number of speech service connection attempts by result",
		}, []string{"provider", "result"}),
		ReconnectAttempts: factory.NewCounter(prometheus.CounterOpts{
			Name: "halo_speech_reconnect_attempts_total",
			Help: "Total number of speech stream reconnection attempts",
		}),
		ReconnectsExhausted: factory.NewCounter(prometheus.CounterOpts{
			Name: "halo_speech_reconnects_exhausted_total",
			Help: "Total number of speech streams abandoned after exhausting retries",
		}),
		KeepAlivesSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "halo_speech_keepalives_sent_total",
			Help: "Total number of keep-alive frames sent to speech services",
		}),
		AudioFramesSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "halo_audio_frames_sent_total",
			Help: "Total number of audio frames forwarded to speech services",
		}),
		AudioFramesDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "halo_audio_frames_dropped_total",
			Help: "Total number of audio frames dropped while disconnected",
		}),
		AudioBytesSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "halo_audio_bytes_sent_total",
			Help: "Total number of audio bytes forwarded to speech services",
		}),

		// Transcript metrics
		UtterancesStored: factory.NewCounter(prometheus.CounterOpts{
			Name: "halo_utterances_stored_total",
			Help: "Total number of utterances appended to visit transcripts",
		}),
		UtterancesFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "halo_utterances_failed_total",
			Help: "Total number of utterances dropped because the store failed",
		}),

		// Recording state machine metrics
		RecordingTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "halo_recording_transitions_total",
			Help: "Total number of recording state transitions by action and outcome",
		}, []string{"action", "outcome"}),
		ActiveRecordings: factory.NewGauge(prometheus.GaugeOpts{
			Name: "halo_recordings_active",
			Help: "Current number of visits with an active recording session",
		}),

		// Note generation metrics
		NoteGenerations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "halo_note_generations_total",
			Help: "Total number of note generations by outcome",
		}, []string{"outcome"}),
		NoteGenerationDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "halo_note_generation_duration_seconds",
			Help:    "Duration of note generation requests",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10), // 500ms to ~4 minutes
		}),
		NoteGenerationRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "halo_note_generation_retries_total",
			Help: "Total number of note generation request retries",
		}),

		// HTTP API metrics
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "halo_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "halo_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		HTTPErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "halo_http_errors_total",
			Help: "Total number of HTTP errors",
		}, []string{"method", "endpoint", "error_type"}),
	}
}

// SetActiveConnections sets the current number of registered connections
func (m *Metrics) SetActiveConnections(count int) {
	if m == nil {
		return
	}
	m.ActiveConnections.Set(float64(count))
}

// RecordConnectionOpened increments the opened connections counter
func (m *Metrics) RecordConnectionOpened() {
	if m == nil {
		return
	}
	m.ConnectionsOpened.Inc()
}

// RecordConnectionClosed increments the closed connections counter
func (m *Metrics) RecordConnectionClosed() {
	if m == nil {
		return
	}
	m.ConnectionsClosed.Inc()
}

// RecordHealthCheckRemoval counts a connection pruned by the health check
func (m *Metrics) RecordHealthCheckRemoval() {
	if m == nil {
		return
	}
	m.HealthCheckRemovals.Inc()
}

// RecordBroadcast records one broadcast and its per-connection outcomes
func (m *Metrics) RecordBroadcast(eventType string, delivered, failed int) {
	if m == nil {
		return
	}
	m.Broadcasts.WithLabelValues(eventType).Inc()
	m.BroadcastDeliveries.Add(float64(delivered))
	m.BroadcastFailures.Add(float64(failed))
}

// SpeechStreamOpened increments the active speech streams gauge
func (m *Metrics) SpeechStreamOpened() {
	if m == nil {
		return
	}
	m.ActiveSpeechStreams.Inc()
}

// SpeechStreamClosed decrements the active speech streams gauge
func (m *Metrics) SpeechStreamClosed() {
	if m == nil {
		return
	}
	m.ActiveSpeechStreams.Dec()
}

// RecordSpeechConnect records a connection attempt to a speech provider
func (m *Metrics) RecordSpeechConnect(provider string, success bool) {
	if m == nil {
		return
	}
	result := "success"
	if !success {
		result = "failure"
	}
	m.SpeechConnects.WithLabelValues(provider, result).Inc()
}

// RecordReconnectAttempt increments the reconnect attempts counter
func (m *Metrics) RecordReconnectAttempt() {
	if m == nil {
		return
	}
	m.ReconnectAttempts.Inc()
}

// RecordReconnectExhausted increments the abandoned streams counter
func (m *Metrics) RecordReconnectExhausted() {
	if m == nil {
		return
	}
	m.ReconnectsExhausted.Inc()
}

// RecordKeepAlive increments the keep-alive counter
func (m *Metrics) RecordKeepAlive() {
	if m == nil {
		return
	}
	m.KeepAlivesSent.Inc()
}

// RecordAudioFrame records a forwarded or dropped audio frame
func (m *Metrics) RecordAudioFrame(sizeBytes int, sent bool) {
	if m == nil {
		return
	}
	if !sent {
		m.AudioFramesDropped.Inc()
		return
	}
	m.AudioFramesSent.Inc()
	m.AudioBytesSent.Add(float64(sizeBytes))
}

// RecordUtterance records the outcome of storing an utterance
func (m *Metrics) RecordUtterance(stored bool) {
	if m == nil {
		return
	}
	if stored {
		m.UtterancesStored.Inc()
	} else {
		m.UtterancesFailed.Inc()
	}
}

// RecordTransition records a recording state machine transition
func (m *Metrics) RecordTransition(action, outcome string) {
	if m == nil {
		return
	}
	m.RecordingTransitions.WithLabelValues(action, outcome).Inc()
}

// SetActiveRecordings sets the current number of active recording sessions
func (m *Metrics) SetActiveRecordings(count int) {
	if m == nil {
		return
	}
	m.ActiveRecordings.Set(float64(count))
}

// RecordNoteGeneration records a note generation outcome and duration
func (m *Metrics) RecordNoteGeneration(outcome string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.NoteGenerations.WithLabelValues(outcome).Inc()
	m.NoteGenerationDuration.Observe(durationSeconds)
}

// RecordNoteRetry increments the note generation retry counter
func (m *Metrics) RecordNoteRetry() {
	if m == nil {
		return
	}
	m.NoteGenerationRetries.Inc()
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
