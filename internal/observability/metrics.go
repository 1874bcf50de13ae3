package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the server.
type Metrics struct {
	// Hub metrics
	HubConnectionsActive   *prometheus.GaugeVec
	HubCallsTotal          *prometheus.CounterVec
	HubCallsDroppedTotal   *prometheus.CounterVec
	HubEventsFanoutTotal   *prometheus.CounterVec
	FramesReceivedTotal    prometheus.Counter
	FrameBytesTotal        prometheus.Counter
	SignalsSuppressedTotal prometheus.Counter

	// Detection metrics
	AlertsTotal      *prometheus.CounterVec
	AlertRingDropped prometheus.Counter

	// Pairing metrics
	PinsIssuedTotal  prometheus.Counter
	PairingsTotal    *prometheus.CounterVec
	RevocationsTotal prometheus.Counter

	// Transfer metrics
	ChunksStoredTotal   prometheus.Counter
	ChunksRejectedTotal *prometheus.CounterVec
	ChunksServedTotal   prometheus.Counter
	TransfersDispatched prometheus.Counter
	TransferBytesTotal  *prometheus.CounterVec

	// Remote control metrics
	RemoteControlSessions *prometheus.CounterVec
	RemoteControlInputs   prometheus.Counter

	// Storage metrics
	AuditAppendsTotal       prometheus.Counter
	DatabaseOperationsTotal *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates and registers all Prometheus metrics on its own registry.
func NewMetrics() *Metrics {
	return newMetricsWith(prometheus.NewRegistry())
}

func newMetricsWith(reg *prometheus.Registry) *Metrics {
	factory := promauto.With(reg)

	m := &Metrics{
		HubConnectionsActive: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "controledu_hub_connections_active",
				Help: "Currently open hub connections",
			},
			[]string{"hub"},
		),
		HubCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "controledu_hub_calls_total",
				Help: "Hub method invocations",
			},
			[]string{"hub", "method"},
		),
		HubCallsDroppedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "controledu_hub_calls_dropped_total",
				Help: "Hub calls dropped by the authorization rule",
			},
			[]string{"reason"},
		),
		HubEventsFanoutTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "controledu_hub_events_fanout_total",
				Help: "Server-initiated events fanned out to hub clients",
			},
			[]string{"event"},
		),
		FramesReceivedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "controledu_frames_received_total",
				Help: "Screen frames received from students",
			},
		),
		FrameBytesTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "controledu_frame_bytes_total",
				Help: "Total JPEG bytes received from students",
			},
		),
		SignalsSuppressedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "controledu_signals_suppressed_total",
				Help: "Student signals suppressed by the per-signal cooldown",
			},
		),
		AlertsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "controledu_alerts_total",
				Help: "Detection alerts received",
			},
			[]string{"class"},
		),
		AlertRingDropped: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "controledu_alert_ring_dropped_total",
				Help: "Alerts evicted from the bounded ring",
			},
		),
		PinsIssuedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "controledu_pairing_pins_issued_total",
				Help: "Pairing PINs generated",
			},
		),
		PairingsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "controledu_pairings_total",
				Help: "Pairing completion attempts",
			},
			[]string{"result"},
		),
		RevocationsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "controledu_revocations_total",
				Help: "Paired clients revoked by the teacher",
			},
		),
		ChunksStoredTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "controledu_chunks_stored_total",
				Help: "Uploaded chunks accepted and stored",
			},
		),
		ChunksRejectedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "controledu_chunks_rejected_total",
				Help: "Uploaded chunks rejected",
			},
			[]string{"reason"},
		),
		ChunksServedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "controledu_chunks_served_total",
				Help: "Chunks served to downloading students",
			},
		),
		TransfersDispatched: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "controledu_transfers_dispatched_total",
				Help: "File transfers dispatched to students",
			},
		),
		TransferBytesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "controledu_transfer_bytes_total",
				Help: "Total transfer payload bytes",
			},
			[]string{"direction"},
		),
		RemoteControlSessions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "controledu_remote_control_sessions_total",
				Help: "Remote control session transitions",
			},
			[]string{"state"},
		),
		RemoteControlInputs: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "controledu_remote_control_inputs_total",
				Help: "Remote control input commands forwarded",
			},
		),
		AuditAppendsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "controledu_audit_appends_total",
				Help: "Audit log entries appended",
			},
		),
		DatabaseOperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "controledu_database_operations_total",
				Help: "Durable store operations",
			},
			[]string{"operation", "result"},
		),
	}

	m.registry = reg
	return m
}

// Handler returns the /metrics HTTP handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
