package auth

import (
	"context"
	"fmt"
	"net/http"
	"slices"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/ehr/phiaccess/internal/platform/apperr"
)

// Roles recognised by the access core.
const (
	RoleAdmin             = "admin"
	RoleSupervisor        = "supervisor"
	RoleClinician         = "clinician"
	RoleComplianceOfficer = "compliance_officer"
	RoleService           = "service"
)

// RequireRole returns middleware that checks if the user has at least one of the specified roles.
func RequireRole(roles ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			userRoles := RolesFromContext(c.Request().Context())
			if HasAnyRole(userRoles, roles...) {
				return next(c)
			}
			if UserIDFromContext(c.Request().Context()) == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
			}
			return echo.NewHTTPError(http.StatusForbidden,
				fmt.Sprintf("required role: %s", strings.Join(roles, " or ")))
		}
	}
}

// RequireIdentity rejects anonymous requests with 401.
func RequireIdentity() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if UserIDFromContext(c.Request().Context()) == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
			}
			return next(c)
		}
	}
}

// HasAnyRole reports whether held contains one of wanted. Admin satisfies every check.
func HasAnyRole(held []string, wanted ...string) bool {
	for _, has := range held {
		if has == RoleAdmin {
			return true
		}
		for _, w := range wanted {
			if has == w {
				return true
			}
		}
	}
	return false
}

// ActingAs resolves the identity a request is made on behalf of. An empty
// claim or one naming the caller resolves to the caller. Only callers holding
// the service role may name someone else; admin does not bypass this.
func ActingAs(ctx context.Context, claimed string) (string, error) {
	caller := UserIDFromContext(ctx)
	if claimed == "" || claimed == caller {
		return caller, nil
	}
	if slices.Contains(RolesFromContext(ctx), RoleService) {
		return claimed, nil
	}
	return "", apperr.Forbidden("%s may not act on behalf of %s", caller, claimed)
}
