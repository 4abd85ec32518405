package monitor

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tradedesk/internal/broker"
	"tradedesk/internal/session"
)

const namespace = "tradedesk"

// Metrics owns the process registry and the desk's collectors.
type Metrics struct {
	registry *prometheus.Registry

	sessionTransitions *prometheus.CounterVec
	riskLocks          *prometheus.CounterVec
	configSaves        prometheus.Counter
	sessionErrors      prometheus.Counter
	httpRequests       *prometheus.CounterVec
	httpLatency        *prometheus.HistogramVec
}

// NewMetrics registers the collectors on a fresh registry so tests can build
// as many instances as they like.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		sessionTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_transitions_total",
			Help:      "Broker session status transitions",
		}, []string{"from", "to"}),
		riskLocks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "risk_lock_attempts_total",
			Help:      "Risk lock attempts by outcome",
		}, []string{"outcome"}),
		configSaves: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "config_saves_total",
			Help:      "Configuration documents written",
		}),
		sessionErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_errors_total",
			Help:      "Sessions that ended a transition in the error state",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status",
		}, []string{"method", "route", "status"}),
		httpLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.sessionTransitions, m.riskLocks, m.configSaves, m.sessionErrors,
		m.httpRequests, m.httpLatency,
	)
	return m
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveTransition matches controller.Deps.OnTransition.
func (m *Metrics) ObserveTransition(from, to session.Status) {
	m.sessionTransitions.WithLabelValues(string(from), string(to)).Inc()
}

// ObserveLock matches controller.Deps.OnLock.
func (m *Metrics) ObserveLock(outcome string) {
	m.riskLocks.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveRequest(method, route string, status int, elapsed time.Duration) {
	if route == "" {
		route = "unmatched"
	}
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpLatency.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

// WatchPool exports the broker pool stats as gauges read on scrape.
func (m *Metrics) WatchPool(stats func() broker.PoolStats) {
	gauge := func(name, help string, pick func(broker.PoolStats) int) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "broker_pool",
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(pick(stats())) })
	}
	m.registry.MustRegister(
		gauge("gateways", "Cached broker gateways", func(s broker.PoolStats) int { return s.TotalGateways }),
		gauge("unhealthy", "Gateways with an open circuit", func(s broker.PoolStats) int { return s.UnhealthyCount }),
		gauge("cached_logins", "Gateways holding a sealed login for auto-connect", func(s broker.PoolStats) int { return s.CachedLogins }),
	)
}

// WatchUsers exports the number of live per-user controllers.
func (m *Metrics) WatchUsers(count func() int) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_users",
		Help:      "Users with a live controller",
	}, func() float64 { return float64(count()) }))
}
