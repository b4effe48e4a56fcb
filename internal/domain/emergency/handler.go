package emergency

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ehr/phiaccess/internal/domain/audit"
	"github.com/ehr/phiaccess/internal/domain/policy"
	"github.com/ehr/phiaccess/internal/platform/apperr"
	"github.com/ehr/phiaccess/internal/platform/auth"
)

var (
	overseerRoles = []string{auth.RoleSupervisor, auth.RoleComplianceOfficer}
	reviewerRoles = []string{auth.RoleSupervisor}
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/emergency-access", auth.RequireIdentity())
	g.POST("/request", h.RequestAccess)
	g.POST("/validate-token", h.ValidateToken)
	g.GET("/active", h.ListActive, auth.RequireRole(overseerRoles...))
	g.GET("/:id/status", h.GetStatus)
	g.DELETE("/:id", h.Revoke)
	g.POST("/:id/review", h.ReviewAccess, auth.RequireRole(reviewerRoles...))
}

func source(c echo.Context) audit.Source {
	return audit.Source{ClientIP: c.RealIP(), UserAgent: c.Request().UserAgent()}
}

// RequestAccess handles POST /emergency-access/request. Rejections are 403
// with the decision body so callers can read compliance_status.
func (h *Handler) RequestAccess(c echo.Context) error {
	var req policy.Request
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	ctx := c.Request().Context()
	var err error
	if req.UserID, err = auth.ActingAs(ctx, req.UserID); err != nil {
		return apperr.HTTPError(err)
	}
	if req.RequestedBy, err = auth.ActingAs(ctx, req.RequestedBy); err != nil {
		return apperr.HTTPError(err)
	}
	grant, err := h.svc.RequestAccess(c.Request().Context(), req, source(c))
	if err != nil {
		return apperr.HTTPError(err)
	}
	if !grant.AccessGranted {
		return c.JSON(http.StatusForbidden, grant)
	}
	return c.JSON(http.StatusOK, grant)
}

func (h *Handler) GetStatus(c echo.Context) error {
	v, err := h.svc.Status(c.Request().Context(), c.Param("id"))
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, v)
}

func (h *Handler) Revoke(c echo.Context) error {
	var rev Revocation
	if c.Request().ContentLength > 0 {
		if err := c.Bind(&rev); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
		}
	}
	if rev.Reason == "" {
		rev.Reason = c.QueryParam("reason")
	}
	ctx := c.Request().Context()
	rev.RevokedBy = auth.UserIDFromContext(ctx)
	rev.Overseer = auth.HasAnyRole(auth.RolesFromContext(ctx), overseerRoles...)
	if err := h.svc.Revoke(c.Request().Context(), c.Param("id"), rev, source(c)); err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"request_id": c.Param("id"),
		"revoked":    true,
		"revoked_by": rev.RevokedBy,
	})
}

func (h *Handler) ReviewAccess(c echo.Context) error {
	var rv Review
	if err := c.Bind(&rv); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	rv.ReviewedBy = auth.UserIDFromContext(c.Request().Context())
	v, err := h.svc.Review(c.Request().Context(), c.Param("id"), rv, source(c))
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, v)
}

type validateTokenRequest struct {
	Token string `json:"token"`
}

// ValidateToken handles POST /emergency-access/validate-token for resource
// servers introspecting a presented token.
func (h *Handler) ValidateToken(c echo.Context) error {
	var body validateTokenRequest
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	sess, err := h.svc.Resolve(c.Request().Context(), body.Token)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"valid":           true,
		"request_id":      sess.RequestID,
		"user_id":         sess.UserID,
		"patient_id":      sess.PatientID,
		"access_type":     sess.AccessType,
		"emergency_level": sess.EmergencyLevel,
		"restrictions":    sess.Restrictions,
		"expires_at":      sess.ExpiresAt,
	})
}

func (h *Handler) ListActive(c echo.Context) error {
	sessions, err := h.svc.ListActive(c.Request().Context())
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"sessions": sessions,
		"total":    len(sessions),
	})
}
