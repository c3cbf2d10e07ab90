// Package httpapi exposes the auth and sync services over JSON HTTP.
package httpapi

import (
	"context"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/phelinki/smor-ting-sub004/internal/service"
)

// Server wires the services into an echo router.
type Server struct {
	echo *echo.Echo
	auth service.AuthService
	sync service.SyncService
	log  *zap.Logger
}

// New builds the router with middleware and all routes registered.
func New(auth service.AuthService, sync service.SyncService, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(RequestLogger(log))

	s := &Server{echo: e, auth: auth, sync: sync, log: log}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.echo.GET("/healthz", s.handleHealth)

	v1 := s.echo.Group("/api/v1")

	// Bootstrap endpoints: no access token required. Clients never attach
	// Authorization here, which keeps refresh loops impossible.
	auth := v1.Group("/auth")
	auth.POST("/register", s.handleRegister)
	auth.POST("/login", s.handleLogin)
	auth.POST("/refresh", s.handleRefresh)
	auth.POST("/logout", s.handleLogout)
	auth.POST("/biometric/login", s.handleBiometricLogin)

	authed := v1.Group("", RequireAuth(s.auth))
	authed.POST("/auth/biometric/enroll", s.handleBiometricEnroll)
	authed.GET("/auth/sessions", s.handleSessions)
	authed.POST("/auth/revoke-all", s.handleRevokeAll)

	authed.POST("/sync/pull", s.handlePull)
	authed.POST("/sync/chunk", s.handleChunk)
	authed.POST("/sync/push", s.handlePush)
	authed.GET("/sync/status", s.handleStatus)
	authed.POST("/sync/resolve", s.handleResolve)
	authed.GET("/sync/metrics", s.handleMetrics)
}

// Start begins serving on addr and blocks.
func (s *Server) Start(addr string) error {
	return s.echo.Start(addr)
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() *echo.Echo { return s.echo }

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(200, map[string]string{"status": "ok"})
}
