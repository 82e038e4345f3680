// Package metrics exposes Prometheus collectors for the real-time service.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Reasons a delivery to a client is dropped.
const (
	DropSlowConsumer = "slow_consumer"
	DropClientClosed = "client_closed"
)

// Metrics groups the collectors reported by watchers, the hub and the stats
// aggregator.
type Metrics struct {
	eventsPublished   *prometheus.CounterVec
	deliveriesDropped *prometheus.CounterVec
	clientsConnected  prometheus.Gauge
	watcherReconnects *prometheus.CounterVec
	watcherActive     *prometheus.GaugeVec
	statsFailures     *prometheus.CounterVec
}

// MustNew constructs Metrics and registers every collector with reg. A
// registration error panics, mirroring promauto.
func MustNew(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		eventsPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "marketplace",
				Subsystem: "realtime",
				Name:      "events_published_total",
				Help:      "Change events published to connected clients, by domain.",
			},
			[]string{"domain"},
		),
		deliveriesDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "marketplace",
				Subsystem: "realtime",
				Name:      "deliveries_dropped_total",
				Help:      "Deliveries that failed and caused the client to be dropped.",
			},
			[]string{"reason"},
		),
		clientsConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "marketplace",
				Subsystem: "realtime",
				Name:      "clients_connected",
				Help:      "Number of currently registered websocket clients.",
			},
		),
		watcherReconnects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "marketplace",
				Subsystem: "realtime",
				Name:      "watcher_reconnects_total",
				Help:      "Reconnect attempts made by change feed watchers.",
			},
			[]string{"domain"},
		),
		watcherActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "marketplace",
				Subsystem: "realtime",
				Name:      "watcher_active",
				Help:      "1 while the domain's change feed subscription is healthy.",
			},
			[]string{"domain"},
		),
		statsFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "marketplace",
				Subsystem: "realtime",
				Name:      "stats_query_failures_total",
				Help:      "Aggregate count queries that failed, by domain.",
			},
			[]string{"domain"},
		),
	}

	reg.MustRegister(
		m.eventsPublished,
		m.deliveriesDropped,
		m.clientsConnected,
		m.watcherReconnects,
		m.watcherActive,
		m.statsFailures,
	)
	return m
}

func (m *Metrics) EventPublished(domain string) {
	if m == nil {
		return
	}
	m.eventsPublished.WithLabelValues(domain).Inc()
}

func (m *Metrics) DeliveryDropped(reason string) {
	if m == nil {
		return
	}
	m.deliveriesDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) SetClients(n int) {
	if m == nil {
		return
	}
	m.clientsConnected.Set(float64(n))
}

func (m *Metrics) WatcherReconnect(domain string) {
	if m == nil {
		return
	}
	m.watcherReconnects.WithLabelValues(domain).Inc()
}

func (m *Metrics) SetWatcherActive(domain string, active bool) {
	if m == nil {
		return
	}
	v := 0.0
	if active {
		v = 1
	}
	m.watcherActive.WithLabelValues(domain).Set(v)
}

func (m *Metrics) StatsQueryFailed(domain string) {
	if m == nil {
		return
	}
	m.statsFailures.WithLabelValues(domain).Inc()
}
