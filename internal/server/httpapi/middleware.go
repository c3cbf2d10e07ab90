package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/phelinki/smor-ting-sub004/internal/service"
)

// Context keys set by RequireAuth.
const (
	ctxClaimsKey = "access_claims"
)

// RequestLogger logs one line per request with latency and status.
func RequestLogger(log *zap.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}
			log.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("path", c.Request().URL.Path),
				zap.Int("status", c.Response().Status),
				zap.Duration("latency", time.Since(start)),
			)
			return nil
		}
	}
}

// RequireAuth verifies the bearer access token and stores its claims on the
// request context.
func RequireAuth(auth service.AuthService) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			header := c.Request().Header.Get("Authorization")
			if header == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing authorization")
			}
			parts := strings.SplitN(header, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				return echo.NewHTTPError(http.StatusUnauthorized, "malformed authorization")
			}
			claims, err := auth.ValidateAccess(strings.TrimSpace(parts[1]))
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}
			c.Set(ctxClaimsKey, claims)
			_ = auth.Ping(c.Request().Context(), claims.SessionID)
			return next(c)
		}
	}
}

// claimsFrom returns the verified claims set by RequireAuth.
func claimsFrom(c echo.Context) *service.AccessClaims {
	claims, _ := c.Get(ctxClaimsKey).(*service.AccessClaims)
	return claims
}
