package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tradesync"

var (
	connectionStates = []string{
		"DISCONNECTED", "CONNECTING", "CONNECTED", "AUTHENTICATED",
		"RECONNECTING", "ERROR", "AUTHORIZATION_FAILED",
	}
	modes = []string{"paper", "live"}
)

// Metrics holds the collectors for one process.
type Metrics struct {
	registry *prometheus.Registry

	connectionState   *prometheus.GaugeVec
	reconnectAttempts prometheus.Counter

	messagesRouted *prometheus.CounterVec
	parseErrors    prometheus.Counter
	stashed        *prometheus.CounterVec

	subscriptions      prometheus.Gauge
	subscriptionFrames *prometheus.CounterVec

	modeSwitches *prometheus.CounterVec
	activeMode   *prometheus.GaugeVec

	gateOutcomes *prometheus.CounterVec

	writerRows   *prometheus.CounterVec
	writerErrors *prometheus.CounterVec
	writerBatch  *prometheus.HistogramVec
}

// New creates and registers all collectors on a fresh registry, along with
// the Go and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		connectionState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_state",
			Help:      "1 for the current connection state, 0 otherwise",
		}, []string{"state"}),
		reconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnect_attempts_total",
			Help:      "Reconnection attempts scheduled",
		}),

		messagesRouted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_routed_total",
			Help:      "Inbound messages routed, by kind",
		}, []string{"kind"}),
		parseErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "parse_errors_total",
			Help:      "Inbound messages that could not be decoded",
		}),
		stashed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inactive_mode_updates_total",
			Help:      "Updates for the inactive mode held until it becomes active",
		}, []string{"kind"}),

		subscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "subscriptions",
			Help:      "Channels in the subscription registry",
		}),
		subscriptionFrames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscription_frames_total",
			Help:      "Subscribe and unsubscribe frames sent",
		}, []string{"type"}),

		modeSwitches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mode_switches_total",
			Help:      "Committed trading mode switches",
		}, []string{"from", "to"}),
		activeMode: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_mode",
			Help:      "1 for the active trading mode, 0 otherwise",
		}, []string{"mode"}),

		gateOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gate_outcomes_total",
			Help:      "Safeguard gate outcomes",
		}, []string{"outcome"}),

		writerRows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "writer_rows_total",
			Help:      "Rows written to the history store",
		}, []string{"writer"}),
		writerErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "writer_errors_total",
			Help:      "Failed history batch writes",
		}, []string{"writer"}),
		writerBatch: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "writer_batch_size",
			Help:      "Rows per history batch",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 11),
		}, []string{"writer"}),
	}

	m.registry.MustRegister(
		m.connectionState,
		m.reconnectAttempts,
		m.messagesRouted,
		m.parseErrors,
		m.stashed,
		m.subscriptions,
		m.subscriptionFrames,
		m.modeSwitches,
		m.activeMode,
		m.gateOutcomes,
		m.writerRows,
		m.writerErrors,
		m.writerBatch,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// SetConnectionState marks state as current.
func (m *Metrics) SetConnectionState(state string) {
	if m == nil {
		return
	}
	for _, s := range connectionStates {
		m.connectionState.WithLabelValues(s).Set(0)
	}
	m.connectionState.WithLabelValues(state).Set(1)
}

// IncReconnectAttempts counts a scheduled reconnect.
func (m *Metrics) IncReconnectAttempts() {
	if m == nil {
		return
	}
	m.reconnectAttempts.Inc()
}

// IncMessagesRouted counts a routed message.
func (m *Metrics) IncMessagesRouted(kind string) {
	if m == nil {
		return
	}
	m.messagesRouted.WithLabelValues(kind).Inc()
}

// IncParseErrors counts an undecodable message.
func (m *Metrics) IncParseErrors() {
	if m == nil {
		return
	}
	m.parseErrors.Inc()
}

// IncStashed counts an update held for the inactive mode.
func (m *Metrics) IncStashed(kind string) {
	if m == nil {
		return
	}
	m.stashed.WithLabelValues(kind).Inc()
}

// SetSubscriptions records the registry size.
func (m *Metrics) SetSubscriptions(n int) {
	if m == nil {
		return
	}
	m.subscriptions.Set(float64(n))
}

// IncSubscriptionFrames counts a subscribe or unsubscribe frame.
func (m *Metrics) IncSubscriptionFrames(frameType string) {
	if m == nil {
		return
	}
	m.subscriptionFrames.WithLabelValues(frameType).Inc()
}

// IncModeSwitches counts a committed switch.
func (m *Metrics) IncModeSwitches(from, to string) {
	if m == nil {
		return
	}
	m.modeSwitches.WithLabelValues(from, to).Inc()
}

// SetActiveMode marks mode as active.
func (m *Metrics) SetActiveMode(mode string) {
	if m == nil {
		return
	}
	for _, md := range modes {
		m.activeMode.WithLabelValues(md).Set(0)
	}
	m.activeMode.WithLabelValues(mode).Set(1)
}

// IncGateOutcome counts a safeguard gate outcome.
func (m *Metrics) IncGateOutcome(outcome string) {
	if m == nil {
		return
	}
	m.gateOutcomes.WithLabelValues(outcome).Inc()
}

// ObserveBatch records a successful history batch.
func (m *Metrics) ObserveBatch(writer string, rows int) {
	if m == nil {
		return
	}
	m.writerRows.WithLabelValues(writer).Add(float64(rows))
	m.writerBatch.WithLabelValues(writer).Observe(float64(rows))
}

// IncWriterErrors counts a failed history batch.
func (m *Metrics) IncWriterErrors(writer string) {
	if m == nil {
		return
	}
	m.writerErrors.WithLabelValues(writer).Inc()
}
