package notification

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ehr/phiaccess/internal/platform/auth"
)

// Handler exposes recent supervisor notifications to administrators.
type Handler struct {
	dispatcher *Dispatcher
}

func NewHandler(d *Dispatcher) *Handler {
	return &Handler{dispatcher: d}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	r := g.Group("/notifications", auth.RequireRole(auth.RoleSupervisor, auth.RoleComplianceOfficer))
	r.GET("", h.HandleList)
	r.GET("/stats", h.HandleStats)
}

// HandleList handles GET /notifications?supervisor_id=...
func (h *Handler) HandleList(c echo.Context) error {
	supervisorID := c.QueryParam("supervisor_id")
	if supervisorID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "supervisor_id query parameter is required")
	}
	list := h.dispatcher.ListBySupervisor(supervisorID, 100)
	return c.JSON(http.StatusOK, map[string]interface{}{
		"deliveries": list,
		"total":      len(list),
	})
}

// HandleStats handles GET /notifications/stats.
func (h *Handler) HandleStats(c echo.Context) error {
	return c.JSON(http.StatusOK, h.dispatcher.Stats())
}
