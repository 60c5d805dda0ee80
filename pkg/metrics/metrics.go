// Package metrics holds the prometheus collectors of the sync server.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	Connections     prometheus.Gauge
	Broadcasts      *prometheus.CounterVec
	Deliveries      prometheus.Counter
	Dropped         prometheus.Counter
	LockConflicts   prometheus.Counter
	Notifications   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

// New registers every collector on a fresh registry. Go runtime and process
// collectors are included so /metrics is useful on its own.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "shoplist",
			Name:      "ws_connections",
			Help:      "Open realtime connections.",
		}),
		Broadcasts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shoplist",
			Name:      "broadcasts_total",
			Help:      "Changes broadcast to list rooms, by change type.",
		}, []string{"type"}),
		Deliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "shoplist",
			Name:      "broadcast_deliveries_total",
			Help:      "Frames queued to subscribers.",
		}),
		Dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "shoplist",
			Name:      "broadcast_dropped_total",
			Help:      "Frames dropped because a subscriber's send buffer was full.",
		}),
		LockConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "shoplist",
			Name:      "lock_conflicts_total",
			Help:      "Requests rejected because another actor holds the item lock.",
		}),
		Notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shoplist",
			Name:      "notifications_total",
			Help:      "Push notifications attempted, by result.",
		}, []string{"result"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "shoplist",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "method", "code"}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.Connections,
		m.Broadcasts,
		m.Deliveries,
		m.Dropped,
		m.LockConflicts,
		m.Notifications,
		m.RequestDuration,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
