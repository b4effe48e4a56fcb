package hipaa

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ehr/phiaccess/internal/platform/auth"
)

// RetentionHandler provides Echo HTTP handlers for retention policy lookup.
type RetentionHandler struct {
	service *RetentionService
}

// NewRetentionHandler creates a new handler backed by the given retention service.
func NewRetentionHandler(service *RetentionService) *RetentionHandler {
	return &RetentionHandler{service: service}
}

// RegisterRetentionRoutes registers admin-only retention routes on the API group.
func RegisterRetentionRoutes(g *echo.Group, service *RetentionService) {
	h := NewRetentionHandler(service)

	admin := g.Group("/admin/retention-policies", auth.RequireRole("admin", "compliance_officer"))
	admin.GET("", h.HandleListPolicies)
	admin.GET("/:name", h.HandleGetPolicy)
	admin.GET("/:name/status", h.HandleRetentionStatus)
}

// HandleListPolicies handles GET /api/v1/admin/retention-policies.
func (h *RetentionHandler) HandleListPolicies(c echo.Context) error {
	policies := h.service.GetAllPolicies()
	return c.JSON(http.StatusOK, map[string]interface{}{
		"policies": policies,
		"total":    len(policies),
	})
}

// HandleGetPolicy handles GET /api/v1/admin/retention-policies/:name.
func (h *RetentionHandler) HandleGetPolicy(c echo.Context) error {
	name := c.Param("name")
	policy := h.service.GetPolicy(name)
	if policy == nil {
		return echo.NewHTTPError(http.StatusNotFound, "no retention policy named "+name)
	}
	return c.JSON(http.StatusOK, policy)
}

// HandleRetentionStatus handles GET /api/v1/admin/retention-policies/:name/status?created_at=RFC3339.
func (h *RetentionHandler) HandleRetentionStatus(c echo.Context) error {
	name := c.Param("name")
	if h.service.GetPolicy(name) == nil {
		return echo.NewHTTPError(http.StatusNotFound, "no retention policy named "+name)
	}
	raw := c.QueryParam("created_at")
	if raw == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "created_at is required")
	}
	createdAt, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "created_at must be RFC3339")
	}
	return c.JSON(http.StatusOK, h.service.CheckRetention(name, createdAt, time.Now().UTC()))
}
