package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilCollectorIsSafe(t *testing.T) {
	var c *Collector
	c.RecordDecision("crisis_intervention", "critical", "granted_with_monitoring", true, true)
	c.RecordAuditEvent("emergency-access", "access_granted", false)
	c.RecordSessionClosed("revoked", 1)
	c.RecordDependencyFailure("relationship_oracle")
	c.SetComplianceScore("hourly", 90)
	if c.Registry() != nil {
		t.Error("nil collector should have no registry")
	}

	e := echo.New()
	c2 := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	if err := c.Middleware()(func(ctx echo.Context) error { return ctx.NoContent(http.StatusOK) })(c2); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRecordDecision(t *testing.T) {
	c := New()
	c.RecordDecision("crisis_intervention", "critical", "granted_with_monitoring", true, true)
	c.RecordDecision("crisis_intervention", "critical", "granted_with_monitoring", false, true)
	c.RecordDecision("system_maintenance", "low", "rejected_policy_violation", true, false)

	if got := testutil.ToFloat64(c.decisions.WithLabelValues("crisis_intervention", "critical", "granted_with_monitoring")); got != 2 {
		t.Errorf("expected 2 granted decisions, got %v", got)
	}
	if got := testutil.ToFloat64(c.phiAccess.WithLabelValues("true")); got != 1 {
		t.Errorf("expected 1 granted PHI access, got %v", got)
	}
	if got := testutil.ToFloat64(c.phiAccess.WithLabelValues("false")); got != 1 {
		t.Errorf("expected 1 denied PHI access, got %v", got)
	}
}

func TestRecordAuditEventAndViolations(t *testing.T) {
	c := New()
	c.RecordAuditEvent("relationship-directory", "RELATIONSHIP_CREATED", false)
	c.RecordAuditEvent("emergency-access", "access_denied", true)

	if got := testutil.ToFloat64(c.violations.WithLabelValues("emergency-access")); got != 1 {
		t.Errorf("expected 1 violation, got %v", got)
	}
	c.RecordSessionClosed("expired", 0)
	if got := testutil.CollectAndCount(c.sessionsClosed); got != 0 {
		t.Errorf("zero-count close should not create a series, got %d", got)
	}
}

func TestMiddlewareAndHandler(t *testing.T) {
	c := New()
	e := echo.New()
	e.Use(c.Middleware())
	e.GET("/api/v1/emergency-access/:id/status", func(ctx echo.Context) error {
		return echo.NewHTTPError(http.StatusNotFound, "not found")
	})
	e.GET("/metrics", echo.WrapHandler(c.Handler()))

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/emergency-access/abc/status", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}

	if got := testutil.ToFloat64(c.httpRequests.WithLabelValues("GET", "/api/v1/emergency-access/:id/status", "404")); got != 1 {
		t.Errorf("expected one 404 under the route template, got %v", got)
	}

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 from /metrics, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "phiaccess_http_requests_total") {
		t.Error("expected exposition to include phiaccess_http_requests_total")
	}
}
