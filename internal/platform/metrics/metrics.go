// Package metrics exposes Prometheus collectors for the access core. A nil
// *Collector is valid and records nothing.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "phiaccess"

type Collector struct {
	registry *prometheus.Registry

	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
	decisions       *prometheus.CounterVec
	phiAccess       *prometheus.CounterVec
	auditEvents     *prometheus.CounterVec
	violations      *prometheus.CounterVec
	sessionsClosed  *prometheus.CounterVec
	dependencyErrs  *prometheus.CounterVec
	complianceScore *prometheus.GaugeVec
}

// New builds a Collector on its own registry, with Go runtime and process
// collectors attached.
func New() *Collector {
	reg := prometheus.NewRegistry()
	c := &Collector{
		registry: reg,
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "route", "status_code"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "access_decisions_total",
			Help:      "Emergency access decisions by type, level and compliance status",
		}, []string{"access_type", "emergency_level", "compliance_status"}),
		phiAccess: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "phi_access_total",
			Help:      "Access decisions that referenced PHI",
		}, []string{"granted"}),
		auditEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_events_total",
			Help:      "Audit entries appended",
		}, []string{"service", "action"}),
		violations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "compliance_violations_total",
			Help:      "Audit entries flagged as compliance violations",
		}, []string{"service"}),
		sessionsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "emergency_sessions_closed_total",
			Help:      "Emergency sessions closed by revocation or expiry",
		}, []string{"reason"}),
		dependencyErrs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dependency_failures_total",
			Help:      "Failed calls to the relationship oracle or notification sink",
		}, []string{"dependency"}),
		complianceScore: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "compliance_score",
			Help:      "Most recently generated compliance score by report period",
		}, []string{"period"}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.httpRequests,
		c.httpDuration,
		c.decisions,
		c.phiAccess,
		c.auditEvents,
		c.violations,
		c.sessionsClosed,
		c.dependencyErrs,
		c.complianceScore,
	)
	return c
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

func (c *Collector) RecordDecision(accessType, level, complianceStatus string, phi, granted bool) {
	if c == nil {
		return
	}
	c.decisions.WithLabelValues(accessType, level, complianceStatus).Inc()
	if phi {
		c.phiAccess.WithLabelValues(strconv.FormatBool(granted)).Inc()
	}
}

func (c *Collector) RecordAuditEvent(service, action string, violation bool) {
	if c == nil {
		return
	}
	c.auditEvents.WithLabelValues(service, action).Inc()
	if violation {
		c.violations.WithLabelValues(service).Inc()
	}
}

// RecordSessionClosed counts a session ending; reason is "revoked" or "expired".
func (c *Collector) RecordSessionClosed(reason string, n int) {
	if c == nil || n <= 0 {
		return
	}
	c.sessionsClosed.WithLabelValues(reason).Add(float64(n))
}

func (c *Collector) RecordDependencyFailure(dependency string) {
	if c == nil {
		return
	}
	c.dependencyErrs.WithLabelValues(dependency).Inc()
}

func (c *Collector) SetComplianceScore(period string, score int) {
	if c == nil {
		return
	}
	c.complianceScore.WithLabelValues(period).Set(float64(score))
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// Middleware records request counts and latency keyed by the matched route
// template so path parameters do not explode label cardinality.
func (c *Collector) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(ctx echo.Context) error {
			if c == nil {
				return next(ctx)
			}
			start := time.Now()
			err := next(ctx)

			status := ctx.Response().Status
			if err != nil {
				if he, ok := err.(*echo.HTTPError); ok {
					status = he.Code
				} else {
					status = http.StatusInternalServerError
				}
			}
			route := ctx.Path()
			if route == "" {
				route = "unmatched"
			}
			method := ctx.Request().Method
			c.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
			c.httpDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
			return err
		}
	}
}
