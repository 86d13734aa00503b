package guild

import (
	"github.com/prometheus/client_golang/prometheus"
)

// all methods are safe on a nil `*Metrics`
type Metrics struct {
	eventsApplied           *prometheus.CounterVec
	eventsDropped           *prometheus.CounterVec
	reconnectAttempts       prometheus.Counter
	connectionStatus        prometheus.Gauge
	mutations               *prometheus.CounterVec
	overridePersistFailures prometheus.Counter
}

func NewMetrics(registerer prometheus.Registerer) *Metrics {
	metrics := &Metrics{
		eventsApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "guild_events_applied_total",
			Help: "Realtime events applied to the entity store.",
		}, []string{"type"}),
		eventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "guild_events_dropped_total",
			Help: "Realtime frames dropped before reaching the entity store.",
		}, []string{"reason"}),
		reconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "guild_reconnect_attempts_total",
			Help: "Automatic reconnect attempts scheduled.",
		}),
		connectionStatus: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "guild_connection_status",
			Help: "0 disconnected, 1 connecting, 2 connected, 3 retrying, 4 offline.",
		}),
		mutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "guild_mutations_total",
			Help: "Dispatcher mutations by kind and final state.",
		}, []string{"kind", "state"}),
		overridePersistFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "guild_override_persist_failures_total",
			Help: "Override writes that could not reach the backing store.",
		}),
	}
	if registerer != nil {
		registerer.MustRegister(
			metrics.eventsApplied,
			metrics.eventsDropped,
			metrics.reconnectAttempts,
			metrics.connectionStatus,
			metrics.mutations,
			metrics.overridePersistFailures,
		)
	}
	return metrics
}

func (self *Metrics) EventApplied(eventType EventType) {
	if self == nil {
		return
	}
	self.eventsApplied.WithLabelValues(string(eventType)).Inc()
}

func (self *Metrics) EventDropped(reason string) {
	if self == nil {
		return
	}
	self.eventsDropped.WithLabelValues(reason).Inc()
}

func (self *Metrics) ReconnectAttempt() {
	if self == nil {
		return
	}
	self.reconnectAttempts.Inc()
}

func (self *Metrics) ConnectionStatus(status ConnectionStatus) {
	if self == nil {
		return
	}
	self.connectionStatus.Set(float64(status.ordinal()))
}

func (self *Metrics) Mutation(kind MutationKind, state MutationState) {
	if self == nil {
		return
	}
	self.mutations.WithLabelValues(string(kind), string(state)).Inc()
}

func (self *Metrics) OverridePersistFailure() {
	if self == nil {
		return
	}
	self.overridePersistFailures.Inc()
}
