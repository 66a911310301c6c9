// Package telemetry exposes Prometheus collectors for the workflow engine,
// the notification dispatcher and the HTTP server.
package telemetry

import (
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "careflow"

// Dwell times in a clinical step range from seconds to days.
var dwellBuckets = []float64{1, 10, 30, 60, 300, 900, 1800, 3600, 4 * 3600, 12 * 3600, 24 * 3600, 7 * 24 * 3600}

// Metrics holds the collectors. A nil *Metrics is valid and records nothing,
// so components can take one optionally.
type Metrics struct {
	registry *prometheus.Registry

	transitions   *prometheus.CounterVec
	conflicts     *prometheus.CounterVec
	stepDwell     *prometheus.HistogramVec
	notifications *prometheus.CounterVec
	dropped       prometheus.Counter

	httpDuration *prometheus.HistogramVec
	httpInflight prometheus.Gauge
}

// NewMetrics creates the collectors on a private registry that also carries
// the Go runtime and process collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transitions_total",
				Help:      "Workflow transitions by outcome",
			},
			[]string{"workflow_type", "to_step", "outcome"}, // outcome: ok, illegal, conflict
		),
		conflicts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cas_conflicts_total",
				Help:      "Compare-and-swap conflicts seen while committing transitions",
			},
			[]string{"workflow_type"},
		),
		stepDwell: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "step_dwell_seconds",
				Help:      "Time spent in a step before leaving it",
				Buckets:   dwellBuckets,
			},
			[]string{"workflow_type", "step"},
		),
		notifications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "notifications_total",
				Help:      "Notification deliveries by status",
			},
			[]string{"status"}, // status: sent, failed, retried
		),
		dropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "notify_dropped_total",
				Help:      "Notifications dropped because the dispatch queue was full",
			},
		),
		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request latency",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "route", "status"},
		),
		httpInflight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "http_requests_in_flight",
				Help:      "HTTP requests currently being served",
			},
		),
	}
	m.registry.MustRegister(
		m.transitions,
		m.conflicts,
		m.stepDwell,
		m.notifications,
		m.dropped,
		m.httpDuration,
		m.httpInflight,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the registry backing m, for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ObserveTransition(workflowType, toStep, outcome string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(workflowType, toStep, outcome).Inc()
}

func (m *Metrics) ObserveConflict(workflowType string) {
	if m == nil {
		return
	}
	m.conflicts.WithLabelValues(workflowType).Inc()
}

func (m *Metrics) ObserveDwell(workflowType, step string, d time.Duration) {
	if m == nil {
		return
	}
	m.stepDwell.WithLabelValues(workflowType, step).Observe(d.Seconds())
}

func (m *Metrics) ObserveNotification(status string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(status).Inc()
}

func (m *Metrics) ObserveDropped() {
	if m == nil {
		return
	}
	m.dropped.Inc()
}

// Middleware returns an Echo middleware that records request latency and the
// number of in-flight requests, labelled by route pattern.
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if m == nil {
				return next(c)
			}
			m.httpInflight.Inc()
			defer m.httpInflight.Dec()

			start := time.Now()
			err := next(c)

			status := c.Response().Status
			if err != nil {
				if he, ok := err.(*echo.HTTPError); ok {
					status = he.Code
				}
			}
			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			m.httpDuration.WithLabelValues(c.Request().Method, route, strconv.Itoa(status)).
				Observe(time.Since(start).Seconds())
			return err
		}
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() echo.HandlerFunc {
	h := promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
	return echo.WrapHandler(h)
}
