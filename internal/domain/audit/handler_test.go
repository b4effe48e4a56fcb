package audit

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ehr/phiaccess/internal/platform/auth"
)

func newTestHandler() (*Handler, *Service, *echo.Echo) {
	svc, _, _ := newTestService(Options{})
	return NewHandler(svc), svc, echo.New()
}

func withUser(req *http.Request, userID string, roles ...string) *http.Request {
	return req.WithContext(auth.WithIdentity(req.Context(), userID, roles))
}

func expectHTTPStatus(t *testing.T, err error, code int) {
	t.Helper()
	var httpErr *echo.HTTPError
	if !errors.As(err, &httpErr) {
		t.Fatalf("expected echo.HTTPError, got %T (%v)", err, err)
	}
	if httpErr.Code != code {
		t.Errorf("expected %d, got %d", code, httpErr.Code)
	}
}

func TestHandler_QueryTrail_RequiresIdentity(t *testing.T) {
	h, _, e := newTestHandler()
	h.RegisterRoutes(e.Group("/api/v1"))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/audit/trail", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rec.Code)
	}
}

func TestHandler_QueryTrail_ScopesNonPrivilegedCallers(t *testing.T) {
	h, svc, e := newTestHandler()
	for _, user := range []string{"clin-1", "clin-2", "clin-2"} {
		entry := validEntry()
		entry.UserID = user
		svc.Record(context.Background(), entry)
	}

	req := withUser(httptest.NewRequest(http.MethodGet, "/?user_id=clin-2", nil), "clin-1", auth.RoleClinician)
	rec := httptest.NewRecorder()
	if err := h.QueryTrail(e.NewContext(req, rec)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var res QueryResult
	json.Unmarshal(rec.Body.Bytes(), &res)
	if res.Filtered != 1 || res.Total != 3 {
		t.Errorf("expected clinician to see only own entry, got filtered=%d total=%d", res.Filtered, res.Total)
	}

	req = withUser(httptest.NewRequest(http.MethodGet, "/?user_id=clin-2&limit=1", nil), "co-1", auth.RoleComplianceOfficer)
	rec = httptest.NewRecorder()
	h.QueryTrail(e.NewContext(req, rec))
	json.Unmarshal(rec.Body.Bytes(), &res)
	if res.Filtered != 2 || len(res.Entries) != 1 {
		t.Errorf("expected compliance officer to filter by user, got filtered=%d entries=%d", res.Filtered, len(res.Entries))
	}
}

func TestHandler_QueryTrail_BadTime(t *testing.T) {
	h, _, e := newTestHandler()
	req := withUser(httptest.NewRequest(http.MethodGet, "/?start_time=yesterday", nil), "admin-1", auth.RoleAdmin)
	err := h.QueryTrail(e.NewContext(req, httptest.NewRecorder()))
	expectHTTPStatus(t, err, http.StatusBadRequest)
}

func TestHandler_AppendEntry(t *testing.T) {
	h, _, e := newTestHandler()
	body := `{"service":"chat_service","action":"phi_viewed","description":"therapist opened chat history",
		"phi_accessed":true,"audit_id":"forged","timestamp":"2001-01-01T00:00:00Z"}`
	req := withUser(httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body)), "svc-chat", auth.RoleService)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	if err := h.AppendEntry(e.NewContext(req, rec)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	var stored Entry
	json.Unmarshal(rec.Body.Bytes(), &stored)
	if stored.AuditID == "forged" || stored.Timestamp.Year() == 2001 {
		t.Errorf("caller must not choose id or timestamp: %+v", stored)
	}
	if stored.RetentionPolicy != "hipaa_phi_7_years" || stored.UserID != "svc-chat" {
		t.Errorf("unexpected stored entry %+v", stored)
	}
}

func TestHandler_AppendEntry_Malformed(t *testing.T) {
	h, _, e := newTestHandler()
	req := withUser(httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"service":"chat_service"}`)), "svc-chat", auth.RoleService)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	err := h.AppendEntry(e.NewContext(req, httptest.NewRecorder()))
	expectHTTPStatus(t, err, http.StatusBadRequest)
}

func TestHandler_GenerateReport(t *testing.T) {
	h, svc, e := newTestHandler()
	svc.Record(context.Background(), validEntry())

	end := windowEnd.Add(time.Minute).Format(time.RFC3339)
	req := httptest.NewRequest(http.MethodGet, "/?period=hourly&end="+end, nil)
	rec := httptest.NewRecorder()
	if err := h.GenerateReport(e.NewContext(req, rec)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var r Report
	json.Unmarshal(rec.Body.Bytes(), &r)
	if r.TotalEvents != 1 || r.ReportPeriod != PeriodHourly || r.ComplianceScore != 100 {
		t.Errorf("unexpected report %+v", r)
	}

	req = httptest.NewRequest(http.MethodGet, "/?period=yearly", nil)
	expectHTTPStatus(t, h.GenerateReport(e.NewContext(req, httptest.NewRecorder())), http.StatusBadRequest)
}

func TestHandler_ExportReport(t *testing.T) {
	h, _, e := newTestHandler()
	req := httptest.NewRequest(http.MethodGet, "/?period=daily", nil)
	rec := httptest.NewRecorder()
	if err := h.ExportReport(e.NewContext(req, rec)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(rec.Header().Get(echo.HeaderContentDisposition), ".xlsx") {
		t.Errorf("unexpected disposition %q", rec.Header().Get(echo.HeaderContentDisposition))
	}
	if rec.Body.Len() == 0 {
		t.Error("expected workbook bytes")
	}
}

func TestHandler_ListAlerts_RequiresRole(t *testing.T) {
	h, _, e := newTestHandler()
	h.RegisterRoutes(e.Group("/api/v1"))

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/alerts", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without identity, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, withUser(httptest.NewRequest(http.MethodGet, "/api/v1/alerts", nil), "sup-1", auth.RoleSupervisor))
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 for supervisor, got %d", rec.Code)
	}
}

func TestHandler_GetStats(t *testing.T) {
	h, svc, e := newTestHandler()
	entry := validEntry()
	entry.PatientID = "patient-secret"
	svc.Record(context.Background(), entry)
	h.AddStatsSource("active_emergency_sessions", func(context.Context) (int, error) { return 4, nil })

	rec := httptest.NewRecorder()
	if err := h.GetStats(e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.Contains(rec.Body.String(), "patient-secret") || strings.Contains(rec.Body.String(), "clin-1") {
		t.Errorf("stats leaked identifiers: %s", rec.Body.String())
	}
	var resp statsResponse
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Audit.TotalEntries != 1 || resp.Components["active_emergency_sessions"] != 4 {
		t.Errorf("unexpected stats %s", rec.Body.String())
	}
}
