package relationship

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ehr/phiaccess/internal/domain/audit"
	"github.com/ehr/phiaccess/internal/platform/apperr"
	"github.com/ehr/phiaccess/internal/platform/auth"
)

var (
	writerRoles = []string{auth.RoleSupervisor, auth.RoleClinician}
	statusRoles = []string{auth.RoleSupervisor}
	readerRoles = []string{auth.RoleSupervisor, auth.RoleClinician, auth.RoleComplianceOfficer}
)

// Handler provides relationship directory HTTP handlers.
type Handler struct {
	svc *Service
}

// NewHandler creates a new relationship handler.
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes registers relationship routes.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/relationships", h.CreateRelationship, auth.RequireRole(writerRoles...))
	api.GET("/relationships/:id", h.GetRelationship, auth.RequireRole(readerRoles...))
	api.PUT("/relationships/:id/status", h.UpdateStatus, auth.RequireRole(statusRoles...))
	api.GET("/patients/:patient_id/relationships", h.ListPatientRelationships, auth.RequireRole(readerRoles...))

	api.POST("/relationships/:id/access-requests", h.CreateAccessRequest, auth.RequireIdentity())
	api.GET("/relationships/:id/access-requests", h.ListAccessRequests, auth.RequireRole(readerRoles...))
	api.GET("/access-requests/:id", h.GetAccessRequest, auth.RequireIdentity())
}

func source(c echo.Context) audit.Source {
	return audit.Source{ClientIP: c.RealIP(), UserAgent: c.Request().UserAgent()}
}

func (h *Handler) CreateRelationship(c echo.Context) error {
	var in CreateInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	var err error
	if in.CreatedBy, err = auth.ActingAs(c.Request().Context(), in.CreatedBy); err != nil {
		return apperr.HTTPError(err)
	}
	rel, err := h.svc.Create(c.Request().Context(), in, source(c))
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusCreated, NewView(rel))
}

func (h *Handler) GetRelationship(c echo.Context) error {
	rel, err := h.svc.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, NewView(rel))
}

func (h *Handler) UpdateStatus(c echo.Context) error {
	var upd StatusUpdate
	if err := c.Bind(&upd); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	var err error
	if upd.ChangedBy, err = auth.ActingAs(c.Request().Context(), upd.ChangedBy); err != nil {
		return apperr.HTTPError(err)
	}
	rel, err := h.svc.UpdateStatus(c.Request().Context(), c.Param("id"), upd, source(c))
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, NewView(rel))
}

func (h *Handler) ListPatientRelationships(c echo.Context) error {
	rels, err := h.svc.ListByPatient(c.Request().Context(), c.Param("patient_id"))
	if err != nil {
		return apperr.HTTPError(err)
	}
	views := make([]View, 0, len(rels))
	for _, rel := range rels {
		views = append(views, NewView(rel))
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"patient_id":    c.Param("patient_id"),
		"relationships": views,
		"total":         len(views),
	})
}

func (h *Handler) CreateAccessRequest(c echo.Context) error {
	var in AccessRequestInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	var err error
	if in.RequestedBy, err = auth.ActingAs(c.Request().Context(), in.RequestedBy); err != nil {
		return apperr.HTTPError(err)
	}
	ar, err := h.svc.CreateAccessRequest(c.Request().Context(), c.Param("id"), in, source(c))
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusCreated, ar)
}

func (h *Handler) ListAccessRequests(c echo.Context) error {
	reqs, err := h.svc.ListAccessRequests(c.Request().Context(), c.Param("id"))
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"relationship_id": c.Param("id"),
		"access_requests": reqs,
		"total":           len(reqs),
	})
}

// GetAccessRequest handles GET /access-requests/:id. Only the requester and
// reader roles may see a request, since it carries the clinical justification.
func (h *Handler) GetAccessRequest(c echo.Context) error {
	ctx := c.Request().Context()
	ar, err := h.svc.GetAccessRequest(ctx, c.Param("id"))
	if err != nil {
		return apperr.HTTPError(err)
	}
	if ar.RequestedBy != auth.UserIDFromContext(ctx) && !auth.HasAnyRole(auth.RolesFromContext(ctx), readerRoles...) {
		return echo.NewHTTPError(http.StatusForbidden, "access request belongs to another user")
	}
	return c.JSON(http.StatusOK, ar)
}
