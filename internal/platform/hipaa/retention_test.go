package hipaa

import (
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

func testLogger() zerolog.Logger {
	return zerolog.New(os.Stderr).With().Timestamp().Logger().Level(zerolog.Disabled)
}

func TestPolicyFor(t *testing.T) {
	if got := PolicyFor(true); got != PolicyHIPAAPHI7Years {
		t.Errorf("PolicyFor(true) = %q, want %q", got, PolicyHIPAAPHI7Years)
	}
	if got := PolicyFor(false); got != PolicyStandard1Year {
		t.Errorf("PolicyFor(false) = %q, want %q", got, PolicyStandard1Year)
	}
}

func TestDefaultRetentionPolicies(t *testing.T) {
	policies := DefaultRetentionPolicies()
	if len(policies) != 2 {
		t.Fatalf("expected 2 policies, got %d", len(policies))
	}
	for _, p := range policies {
		if p.Name == "" {
			t.Error("policy has empty name")
		}
		if p.RetentionDays <= 0 {
			t.Errorf("policy %s has non-positive retention", p.Name)
		}
		if p.ArchiveAfter >= p.RetentionDays {
			t.Errorf("policy %s archives after it purges", p.Name)
		}
	}
	svc := NewRetentionService(policies, testLogger())
	if p := svc.GetPolicy(PolicyHIPAAPHI7Years); p == nil || p.RetentionDays != 2555 {
		t.Errorf("PHI policy should retain 2555 days, got %+v", p)
	}
	if p := svc.GetPolicy(PolicyStandard1Year); p == nil || p.RetentionDays != 365 {
		t.Errorf("standard policy should retain 365 days, got %+v", p)
	}
}

func TestRetentionService_GetAllPoliciesSorted(t *testing.T) {
	svc := NewRetentionService(DefaultRetentionPolicies(), testLogger())
	all := svc.GetAllPolicies()
	if len(all) != 2 {
		t.Fatalf("expected 2, got %d", len(all))
	}
	if all[0].Name != PolicyHIPAAPHI7Years || all[1].Name != PolicyStandard1Year {
		t.Errorf("unexpected order: %s, %s", all[0].Name, all[1].Name)
	}
	if svc.GetPolicy("nope") != nil {
		t.Error("expected nil for unknown policy")
	}
}

func TestCheckRetention(t *testing.T) {
	svc := NewRetentionService(DefaultRetentionPolicies(), testLogger())
	created := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name   string
		policy string
		now    time.Time
		want   string
	}{
		{"phi fresh", PolicyHIPAAPHI7Years, created.AddDate(1, 0, 0), RetentionStateActive},
		{"phi archive", PolicyHIPAAPHI7Years, created.AddDate(0, 0, 1100), RetentionStateArchiveEligible},
		{"phi purge", PolicyHIPAAPHI7Years, created.AddDate(0, 0, 2555), RetentionStatePurgeEligible},
		{"standard fresh", PolicyStandard1Year, created.AddDate(0, 0, 364), RetentionStateActive},
		{"standard purge", PolicyStandard1Year, created.AddDate(0, 0, 365), RetentionStatePurgeEligible},
		{"unknown policy", "mystery", created.AddDate(50, 0, 0), RetentionStateActive},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := svc.CheckRetention(tt.policy, created, tt.now)
			if got.State != tt.want {
				t.Errorf("state = %q, want %q", got.State, tt.want)
			}
		})
	}
}

func TestRetentionHandler_Status(t *testing.T) {
	svc := NewRetentionService(DefaultRetentionPolicies(), testLogger())
	h := NewRetentionHandler(svc)
	e := echo.New()

	req := httptest.NewRequest(http.MethodGet, "/?created_at=2000-01-01T00:00:00Z", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("name")
	c.SetParamValues(PolicyStandard1Year)
	if err := h.HandleRetentionStatus(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/?created_at=yesterday", nil)
	rec = httptest.NewRecorder()
	c = e.NewContext(req, rec)
	c.SetParamNames("name")
	c.SetParamValues(PolicyStandard1Year)
	err := h.HandleRetentionStatus(c)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %v", err)
	}

	rec = httptest.NewRecorder()
	c = e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)
	c.SetParamNames("name")
	c.SetParamValues("mystery")
	err = h.HandleGetPolicy(c)
	he, ok = err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %v", err)
	}
}
