package audit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ehr/phiaccess/internal/platform/apperr"
	"github.com/ehr/phiaccess/internal/platform/auth"
	"github.com/ehr/phiaccess/pkg/pagination"
)

// privilegedRoles may read every caller's audit trail.
var privilegedRoles = []string{auth.RoleAdmin, auth.RoleComplianceOfficer, auth.RoleSupervisor}

// StatsSource contributes a named count to the statistics endpoint.
type StatsSource func(ctx context.Context) (int, error)

// Handler provides HTTP handlers for the audit log and compliance reports.
type Handler struct {
	svc     *Service
	sources map[string]StatsSource
}

// NewHandler creates a new audit handler.
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc, sources: make(map[string]StatsSource)}
}

// AddStatsSource registers an extra count reported by GET /stats.
func (h *Handler) AddStatsSource(name string, src StatsSource) {
	h.sources[name] = src
}

// RegisterRoutes registers all audit and compliance routes.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/audit/trail", h.QueryTrail, auth.RequireIdentity())
	api.POST("/audit/entries", h.AppendEntry, auth.RequireRole(auth.RoleService))
	api.GET("/alerts", h.ListAlerts, auth.RequireRole(privilegedRoles...))

	api.GET("/compliance/report", h.GenerateReport)
	api.GET("/compliance/report/export", h.ExportReport)
	api.GET("/stats", h.GetStats)
}

func parseTimeParam(c echo.Context, name string) (*time.Time, error) {
	v := c.QueryParam(name)
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, apperr.Validation("%s must be RFC3339", name)
	}
	return &t, nil
}

func parseFilter(c echo.Context) (Filter, error) {
	p := pagination.FromContextBounded(c, pagination.AuditDefaultLimit, pagination.AuditMaxLimit)
	f := Filter{
		Service:        c.QueryParam("service"),
		EventType:      c.QueryParam("event_type"),
		Action:         c.QueryParam("action"),
		UserID:         c.QueryParam("user_id"),
		Severity:       c.QueryParam("severity"),
		RequestID:      c.QueryParam("request_id"),
		RelationshipID: c.QueryParam("relationship_id"),
		PatientID:      c.QueryParam("patient_id"),
		Limit:          p.Limit,
		Offset:         p.Offset,
	}
	if f.Severity == "" {
		f.Severity = c.QueryParam("log_level")
	}
	if v := c.QueryParam("phi_only"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return f, apperr.Validation("phi_only must be a boolean")
		}
		f.PHIOnly = b
	}
	var err error
	if f.Start, err = parseTimeParam(c, "start_time"); err != nil {
		return f, err
	}
	if f.End, err = parseTimeParam(c, "end_time"); err != nil {
		return f, err
	}
	return f, nil
}

// QueryTrail handles GET /audit/trail. Callers without a privileged role
// only see their own entries.
func (h *Handler) QueryTrail(c echo.Context) error {
	f, err := parseFilter(c)
	if err != nil {
		return apperr.HTTPError(err)
	}
	ctx := c.Request().Context()
	if !auth.HasAnyRole(auth.RolesFromContext(ctx), privilegedRoles...) {
		f.UserID = auth.UserIDFromContext(ctx)
	}
	result, err := h.svc.Query(ctx, f)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, result)
}

// AppendEntry handles POST /audit/entries for adjacent services. The id and
// timestamp are always assigned here.
func (h *Handler) AppendEntry(c echo.Context) error {
	var e Entry
	if err := c.Bind(&e); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid audit entry body")
	}
	e.AuditID = ""
	e.Timestamp = time.Time{}
	if e.ClientIP == "" {
		e.ClientIP = c.RealIP()
	}
	if e.UserAgent == "" {
		e.UserAgent = c.Request().UserAgent()
	}
	if e.UserID == "" {
		e.UserID = auth.UserIDFromContext(c.Request().Context())
	}
	stored, err := h.svc.Record(c.Request().Context(), &e)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusCreated, stored)
}

func parseReportParams(c echo.Context) (Period, time.Time, error) {
	period, err := ParsePeriod(c.QueryParam("period"))
	if err != nil {
		return "", time.Time{}, err
	}
	end, err := parseTimeParam(c, "end")
	if err != nil {
		return "", time.Time{}, err
	}
	if end == nil {
		return period, time.Time{}, nil
	}
	return period, *end, nil
}

// GenerateReport handles GET /compliance/report.
func (h *Handler) GenerateReport(c echo.Context) error {
	period, end, err := parseReportParams(c)
	if err != nil {
		return apperr.HTTPError(err)
	}
	r, err := h.svc.GenerateReport(c.Request().Context(), period, end)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, r)
}

// ExportReport handles GET /compliance/report/export.
func (h *Handler) ExportReport(c echo.Context) error {
	period, end, err := parseReportParams(c)
	if err != nil {
		return apperr.HTTPError(err)
	}
	r, err := h.svc.GenerateReport(c.Request().Context(), period, end)
	if err != nil {
		return apperr.HTTPError(err)
	}
	c.Response().Header().Set(echo.HeaderContentType, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	c.Response().Header().Set(echo.HeaderContentDisposition,
		fmt.Sprintf("attachment; filename=\"compliance_%s_%s.xlsx\"", r.ReportPeriod, r.WindowEnd.Format("20060102_150405")))
	c.Response().WriteHeader(http.StatusOK)
	return WriteReportXLSX(r, c.Response())
}

// ListAlerts handles GET /alerts.
func (h *Handler) ListAlerts(c echo.Context) error {
	alerts, err := h.svc.ActiveAlerts(c.Request().Context())
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, alerts)
}

// statsResponse is audit stats plus counts from other components.
type statsResponse struct {
	Audit      *Stats         `json:"audit"`
	Components map[string]int `json:"components"`
}

// GetStats handles GET /stats.
func (h *Handler) GetStats(c echo.Context) error {
	ctx := c.Request().Context()
	st, err := h.svc.Stats(ctx)
	if err != nil {
		return apperr.HTTPError(err)
	}
	resp := statsResponse{Audit: st, Components: make(map[string]int)}
	for name, src := range h.sources {
		n, err := src(ctx)
		if err != nil {
			return apperr.HTTPError(err)
		}
		resp.Components[name] = n
	}
	return c.JSON(http.StatusOK, resp)
}
