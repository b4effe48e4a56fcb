package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/phiaccess/internal/platform/apperr"
	"github.com/ehr/phiaccess/internal/platform/auth"
)

const EmergencyTokenHeader = "X-Emergency-Access-Token"

type emergencyContextKey string

const emergencyGrantKey emergencyContextKey = "emergency_grant"

// EmergencyGrant is the live session a presented token resolves to.
type EmergencyGrant struct {
	RequestID      string    `json:"request_id"`
	UserID         string    `json:"user_id"`
	PatientID      string    `json:"patient_id,omitempty"`
	AccessType     string    `json:"access_type"`
	EmergencyLevel string    `json:"emergency_level"`
	Restrictions   []string  `json:"restrictions"`
	ExpiresAt      time.Time `json:"expires_at"`
}

// TokenResolverFunc maps a raw token to its live grant. It returns an
// apperr.ErrNotFound error for unknown, expired or revoked tokens.
type TokenResolverFunc func(ctx context.Context, token string) (*EmergencyGrant, error)

// EmergencyToken attaches the grant behind X-Emergency-Access-Token to the
// request context. Requests without the header pass through untouched. A
// presented token must be live and belong to the authenticated caller.
func EmergencyToken(logger zerolog.Logger, resolve TokenResolverFunc) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			token := strings.TrimSpace(req.Header.Get(EmergencyTokenHeader))
			if token == "" {
				return next(c)
			}

			ctx := req.Context()
			userID := auth.UserIDFromContext(ctx)
			if userID == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "emergency access token requires authentication")
			}

			grant, err := resolve(ctx, token)
			switch {
			case errors.Is(err, apperr.ErrNotFound):
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid or expired emergency access token")
			case err != nil:
				return apperr.HTTPError(err)
			}
			if grant.UserID != userID {
				logger.Warn().
					Str("type", "emergency_token_mismatch").
					Str("user_id", userID).
					Str("grant_request_id", grant.RequestID).
					Str("remote_ip", c.RealIP()).
					Msg("emergency token presented by a different user")
				return echo.NewHTTPError(http.StatusForbidden, "emergency access token belongs to another user")
			}

			c.SetRequest(req.WithContext(context.WithValue(ctx, emergencyGrantKey, grant)))

			logger.Warn().
				Str("type", "emergency_access").
				Str("user_id", userID).
				Str("grant_request_id", grant.RequestID).
				Str("emergency_level", grant.EmergencyLevel).
				Str("path", req.URL.Path).
				Str("method", req.Method).
				Str("remote_ip", c.RealIP()).
				Msg("emergency_access_token_used")

			return next(c)
		}
	}
}

// EmergencyGrantFromContext returns the grant attached by EmergencyToken, or nil.
func EmergencyGrantFromContext(ctx context.Context) *EmergencyGrant {
	g, _ := ctx.Value(emergencyGrantKey).(*EmergencyGrant)
	return g
}
