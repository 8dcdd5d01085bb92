package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "papertrade"

// Metrics groups every counter the trading core exports.
// Each instance owns its registry so tests never collide on registration.
type Metrics struct {
	Registry *prometheus.Registry

	FeedTicks      *prometheus.CounterVec // provider
	FeedDropped    *prometheus.CounterVec // provider, reason
	FeedReconnects *prometheus.CounterVec // provider
	BusDropped     *prometheus.CounterVec // symbol
	BusBacklog     *prometheus.GaugeVec   // symbol
	Orders         *prometheus.CounterVec // kind, outcome
	Fills          *prometheus.CounterVec // symbol
	WSSessions     prometheus.Gauge
	RateLimited    prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		FeedTicks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "ticks_total",
			Help:      "Valid ticks published per upstream provider.",
		}, []string{"provider"}),
		FeedDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "dropped_total",
			Help:      "Upstream messages dropped during normalization.",
		}, []string{"provider", "reason"}),
		FeedReconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "reconnects_total",
			Help:      "Upstream reconnect attempts.",
		}, []string{"provider"}),
		BusDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "dropped_total",
			Help:      "Ticks dropped from full lossy subscriber queues.",
		}, []string{"symbol"}),
		BusBacklog: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "lane_backlog",
			Help:      "Ticks queued on a reliable lane and not yet handled.",
		}, []string{"symbol"}),
		Orders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_total",
			Help:      "Order outcomes by kind.",
		}, []string{"kind", "outcome"}),
		Fills: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fills_total",
			Help:      "Fills recorded per symbol.",
		}, []string{"symbol"}),
		WSSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ws",
			Name:      "sessions",
			Help:      "Open WebSocket sessions.",
		}),
		RateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Operations rejected by the rate limiter.",
		}),
	}

	m.Registry.MustRegister(
		m.FeedTicks, m.FeedDropped, m.FeedReconnects, m.BusDropped, m.BusBacklog,
		m.Orders, m.Fills, m.WSSessions, m.RateLimited,
		collectors.NewGoCollector(),
	)
	return m
}

// OrNew returns m, or a fresh unexported set when m is nil
func OrNew(m *Metrics) *Metrics {
	if m == nil {
		return New()
	}
	return m
}

// Handler serves the registry in Prometheus text format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}
