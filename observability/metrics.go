package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "chatsync"

// Metrics groups the counters of the realtime layer.
// One instance is shared by the notifier, the hub and the presence registry.
type Metrics struct {
	Publishes       *prometheus.CounterVec
	PartialFanouts  *prometheus.CounterVec
	Deliveries      *prometheus.CounterVec
	DroppedEvents   *prometheus.CounterVec
	Subscriptions   prometheus.Gauge
	PresenceMembers prometheus.Gauge
}

func NewMetrics(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		Publishes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publishes_total",
			Help:      "Publish attempts per event and result.",
		}, []string{"event", "result"}),
		PartialFanouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "partial_fanouts_total",
			Help:      "Fan-outs where only some targets accepted the event.",
		}, []string{"event"}),
		Deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Events handed to connection sinks by the hub.",
		}, []string{"event", "result"}),
		DroppedEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_events_total",
			Help:      "Inbound events discarded by clients, per reason.",
		}, []string{"reason"}),
		Subscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "subscriptions_live_count",
			Help:      "Topic subscriptions currently held by the hub.",
		}),
		PresenceMembers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "presence_members_count",
			Help:      "Members currently known as online.",
		}),
	}
	registerer.MustRegister(
		m.Publishes,
		m.PartialFanouts,
		m.Deliveries,
		m.DroppedEvents,
		m.Subscriptions,
		m.PresenceMembers,
	)
	return m
}

// NewNopMetrics returns metrics registered nowhere.
func NewNopMetrics() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}
