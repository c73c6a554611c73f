package server

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func (s *Server) registerRoutes() {
	// Observability endpoints (no auth required)
	s.echo.GET("/health/live", s.handleLiveness)
	s.echo.GET("/health/ready", s.handleReadiness)
	s.echo.GET("/version", s.handleVersion)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	// Stats API
	s.echo.GET("/api/stats", s.handleStats)
	s.echo.GET("/api/connections/:id", s.handleGetConnection)
	s.echo.GET("/api/rooms/:id", s.handleGetRoom)
	s.echo.GET("/api/rooms/:id/users", s.handleRoomUsers)
	s.echo.GET("/api/instances", s.handleInstances)

	// Room permission administration (elevated roles only)
	s.echo.POST("/api/rooms/:id/permissions", s.handleGrantPermission, s.requireElevatedRole)
	s.echo.DELETE("/api/rooms/:id/permissions/:user", s.handleRevokePermission, s.requireElevatedRole)

	// WebSocket entrypoint
	s.echo.GET("/ws", s.handleWebSocket)
}
