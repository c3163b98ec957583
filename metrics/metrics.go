package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the relay.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Session metrics
	ActiveSessions    prometheus.Gauge
	SessionsCreated   prometheus.Counter
	SessionsRejected  prometheus.Counter
	SessionDuration   prometheus.Histogram
	StateTransitions  *prometheus.CounterVec
	HandshakeDuration prometheus.Histogram

	// Frame metrics
	ClientFrames    *prometheus.CounterVec // inbound from client, by kind
	ServerEvents    *prometheus.CounterVec // outbound to client, by type
	IngestBytes     prometheus.Counter
	EgressBytes     prometheus.Counter
	DroppedFrames   *prometheus.CounterVec // by reason
	MalformedFrames prometheus.Counter

	// Upstream metrics
	UpstreamErrors *prometheus.CounterVec // by stage
}

// NewMetrics creates and registers all metrics on reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "relay_active_sessions",
			Help: "Current number of bridged client sessions",
		}),
		SessionsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_sessions_created_total",
			Help: "Total number of sessions accepted",
		}),
		SessionsRejected: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_sessions_rejected_total",
			Help: "Total number of connections refused by admission control",
		}),
		SessionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "relay_session_duration_seconds",
			Help:    "Lifetime of client sessions",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~68 minutes
		}),
		StateTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_state_transitions_total",
			Help: "Session state transitions by target state",
		}, []string{"state"}),
		HandshakeDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "relay_upstream_handshake_seconds",
			Help:    "Time to open the upstream session",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
		}),

		ClientFrames: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_client_frames_total",
			Help: "Frames received from clients by kind",
		}, []string{"kind"}),
		ServerEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_server_events_total",
			Help: "Events sent to clients by type",
		}, []string{"type"}),
		IngestBytes: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_ingest_bytes_total",
			Help: "PCM bytes forwarded from clients to the upstream",
		}),
		EgressBytes: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_egress_bytes_total",
			Help: "PCM bytes relayed from the upstream to clients",
		}),
		DroppedFrames: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_dropped_frames_total",
			Help: "Client frames dropped by reason",
		}, []string{"reason"}),
		MalformedFrames: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_malformed_frames_total",
			Help: "Control frames that could not be parsed",
		}),

		UpstreamErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_upstream_errors_total",
			Help: "Upstream failures by stage",
		}, []string{"stage"}),
	}
}

// SessionStarted records an accepted session
func (m *Metrics) SessionStarted() {
	if m == nil {
		return
	}
	m.SessionsCreated.Inc()
	m.ActiveSessions.Inc()
}

// SessionEnded records a finished session and its lifetime
func (m *Metrics) SessionEnded(seconds float64) {
	if m == nil {
		return
	}
	m.ActiveSessions.Dec()
	m.SessionDuration.Observe(seconds)
}

// SessionRejected records a refused connection
func (m *Metrics) SessionRejected() {
	if m == nil {
		return
	}
	m.SessionsRejected.Inc()
}

// Transition records a state change
func (m *Metrics) Transition(state string) {
	if m == nil {
		return
	}
	m.StateTransitions.WithLabelValues(state).Inc()
}

// Handshake records the upstream open latency
func (m *Metrics) Handshake(seconds float64) {
	if m == nil {
		return
	}
	m.HandshakeDuration.Observe(seconds)
}

// ClientFrame records an inbound frame
func (m *Metrics) ClientFrame(kind string, bytes int) {
	if m == nil {
		return
	}
	m.ClientFrames.WithLabelValues(kind).Inc()
	if bytes > 0 {
		m.IngestBytes.Add(float64(bytes))
	}
}

// ServerEvent records an outbound event
func (m *Metrics) ServerEvent(eventType string, audioBytes int) {
	if m == nil {
		return
	}
	m.ServerEvents.WithLabelValues(eventType).Inc()
	if audioBytes > 0 {
		m.EgressBytes.Add(float64(audioBytes))
	}
}

// Dropped records a dropped client frame
func (m *Metrics) Dropped(reason string) {
	if m == nil {
		return
	}
	m.DroppedFrames.WithLabelValues(reason).Inc()
}

// Malformed records an unparseable control frame
func (m *Metrics) Malformed() {
	if m == nil {
		return
	}
	m.MalformedFrames.Inc()
}

// UpstreamError records an upstream failure
func (m *Metrics) UpstreamError(stage string) {
	if m == nil {
		return
	}
	m.UpstreamErrors.WithLabelValues(stage).Inc()
}
