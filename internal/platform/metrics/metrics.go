// Package metrics holds the Prometheus collectors for the allocation engine.
package metrics

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Engine groups the engine's collectors. A nil *Engine is valid and records
// nothing, so callers never need to guard.
type Engine struct {
	operations    *prometheus.CounterVec
	duration      *prometheus.HistogramVec
	batchRecords  *prometheus.CounterVec
	compensations *prometheus.CounterVec
	staffDrift    prometheus.Gauge
	bedLinkIssues prometheus.Gauge
	httpRequests  *prometheus.CounterVec
	httpDuration  *prometheus.HistogramVec
	httpInFlight  prometheus.Gauge
	gatherer      prometheus.Gatherer
}

// New registers the engine collectors on reg. Passing a fresh registry keeps
// tests isolated from the global default.
func New(reg *prometheus.Registry) *Engine {
	m := &Engine{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hospital_ops",
			Name:      "operations_total",
			Help:      "Allocation engine operations by outcome.",
		}, []string{"operation", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "hospital_ops",
			Name:      "operation_duration_seconds",
			Help:      "Allocation engine operation latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		batchRecords: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hospital_ops",
			Name:      "batch_records_total",
			Help:      "Reconciled patient payloads by result.",
		}, []string{"result"}),
		compensations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hospital_ops",
			Name:      "compensations_total",
			Help:      "Compensating writes issued after a failed unit of work.",
		}, []string{"outcome"}),
		staffDrift: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "hospital_ops",
			Name:      "staff_counter_drift",
			Help:      "Staff records whose patientsAssigned disagreed with patient links at the last check.",
		}),
		bedLinkIssues: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "hospital_ops",
			Name:      "bed_link_violations",
			Help:      "Bed/patient pointer disagreements found at the last consistency check.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hospital_ops",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by route template and status code.",
		}, []string{"method", "route", "code"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "hospital_ops",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency by route template.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		httpInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "hospital_ops",
			Subsystem: "http",
			Name:      "requests_in_flight",
			Help:      "HTTP requests currently being served.",
		}),
		gatherer: reg,
	}
	reg.MustRegister(m.operations, m.duration, m.batchRecords, m.compensations, m.staffDrift, m.bedLinkIssues,
		m.httpRequests, m.httpDuration, m.httpInFlight)
	return m
}

// ObserveOperation records one engine call. outcome is "ok" or an error kind.
func (m *Engine) ObserveOperation(op, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(op, outcome).Inc()
	m.duration.WithLabelValues(op).Observe(d.Seconds())
}

// ObserveBatch adds one reconciliation run's totals.
func (m *Engine) ObserveBatch(added, updated, discharged, errors int) {
	if m == nil {
		return
	}
	m.batchRecords.WithLabelValues("added").Add(float64(added))
	m.batchRecords.WithLabelValues("updated").Add(float64(updated))
	m.batchRecords.WithLabelValues("discharged").Add(float64(discharged))
	m.batchRecords.WithLabelValues("error").Add(float64(errors))
}

// ObserveCompensation counts a compensating write; failed ones mean drift.
func (m *Engine) ObserveCompensation(ok bool) {
	if m == nil {
		return
	}
	outcome := "ok"
	if !ok {
		outcome = "failed"
	}
	m.compensations.WithLabelValues(outcome).Inc()
}

// SetConsistency publishes the result of the last consistency check.
func (m *Engine) SetConsistency(staffDrift, bedLinkViolations int) {
	if m == nil {
		return
	}
	m.staffDrift.Set(float64(staffDrift))
	m.bedLinkIssues.Set(float64(bedLinkViolations))
}

// Middleware records request counts and latency per route template, so bed
// and patient ids never become label values. Unmatched paths share one route.
func (m *Engine) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		if m == nil {
			return next
		}
		return func(c echo.Context) error {
			m.httpInFlight.Inc()
			defer m.httpInFlight.Dec()
			start := time.Now()

			err := next(c)

			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			code := c.Response().Status
			var he *echo.HTTPError
			if errors.As(err, &he) {
				code = he.Code
			} else if err != nil {
				code = http.StatusInternalServerError
			}
			method := c.Request().Method
			m.httpRequests.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
			m.httpDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
			return err
		}
	}
}

// Handler exposes the registry in the Prometheus text format.
func (m *Engine) Handler() echo.HandlerFunc {
	if m == nil {
		return func(c echo.Context) error { return c.NoContent(http.StatusNotFound) }
	}
	return echo.WrapHandler(promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{}))
}
