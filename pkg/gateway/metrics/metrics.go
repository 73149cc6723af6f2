// Package metrics exposes relay session metrics to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vango-go/interview-relay/pkg/gateway/live/relay"
)

// Metrics holds all Prometheus metrics for the relay. It implements
// relay.Observer.
type Metrics struct {
	registry *prometheus.Registry

	SessionsActive     prometheus.Gauge
	SessionsTotal      *prometheus.CounterVec
	SessionsRejected   *prometheus.CounterVec
	SessionDuration    *prometheus.HistogramVec
	StateTransitions   *prometheus.CounterVec
	AudioBytesTotal    *prometheus.CounterVec
	AudioChunksTotal   *prometheus.CounterVec
	AudioChunksDropped *prometheus.CounterVec
	ReportErrors       prometheus.Counter
}

// New creates a Metrics instance with its own registry, including the Go
// runtime and process collectors.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "interview_relay"
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of sessions between handshake and terminal state",
		}),
		SessionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Sessions that reached a terminal state",
		}, []string{"state", "cause"}),
		SessionsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_rejected_total",
			Help:      "Connections refused before a session was created",
		}, []string{"reason"}),
		SessionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Session duration in seconds",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800, 3600},
		}, []string{"state"}),
		StateTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_state_transitions_total",
			Help:      "Session state transitions by target state",
		}, []string{"to"}),
		AudioBytesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_bytes_total",
			Help:      "Audio bytes forwarded",
		}, []string{"direction"}),
		AudioChunksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_chunks_total",
			Help:      "Audio chunks forwarded",
		}, []string{"direction"}),
		AudioChunksDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_chunks_dropped_total",
			Help:      "Audio chunks discarded by the backpressure policy",
		}, []string{"direction"}),
		ReportErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "report_errors_total",
			Help:      "Failures writing session reports to a sink",
		}),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.SessionsActive,
		m.SessionsTotal,
		m.SessionsRejected,
		m.SessionDuration,
		m.StateTransitions,
		m.AudioBytesTotal,
		m.AudioChunksTotal,
		m.AudioChunksDropped,
		m.ReportErrors,
	)
	return m
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) StateChanged(_ string, from, to relay.State) {
	m.StateTransitions.WithLabelValues(to.String()).Inc()
	if from == relay.StateIdle && to == relay.StateAwaitingHandshake {
		m.SessionsActive.Inc()
	}
}

func (m *Metrics) ChunkForwarded(_ string, dir relay.Direction, bytes int) {
	m.AudioChunksTotal.WithLabelValues(dir.String()).Inc()
	m.AudioBytesTotal.WithLabelValues(dir.String()).Add(float64(bytes))
}

func (m *Metrics) ChunkDropped(_ string, dir relay.Direction, _ int) {
	m.AudioChunksDropped.WithLabelValues(dir.String()).Inc()
}

func (m *Metrics) SessionEnded(r relay.Report) {
	m.SessionsActive.Dec()
	m.SessionsTotal.WithLabelValues(r.State.String(), r.CauseKind()).Inc()
	m.SessionDuration.WithLabelValues(r.State.String()).Observe(r.Duration().Seconds())
}

// RecordRejected counts a connection refused before admission.
func (m *Metrics) RecordRejected(reason string) {
	m.SessionsRejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordReportError() {
	m.ReportErrors.Inc()
}

var _ relay.Observer = (*Metrics)(nil)
