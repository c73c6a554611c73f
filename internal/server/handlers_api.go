package server

import (
	"context"
	"time"

	"github.com/labstack/echo/v4"
)

// requireElevatedRole restricts an endpoint to admin or owner callers.
// Identity arrives from the authenticating proxy via trusted headers.
func (s *Server) requireElevatedRole(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		role := c.Request().Header.Get("X-User-Role")
		if role != "admin" && role != "owner" {
			return c.JSON(403, map[string]string{"error": "elevated role required"})
		}
		return next(c)
	}
}

func (s *Server) handleStats(c echo.Context) error {
	return c.JSON(200, map[string]any{
		"instance_id": s.config.InstanceID,
		"pool":        s.pool.Stats(),
		"rooms":       s.rooms.Stats(),
	})
}

func (s *Server) handleGetConnection(c echo.Context) error {
	info := s.pool.Get(c.Param("id"))
	if info == nil {
		return c.JSON(404, map[string]string{"error": "connection not found"})
	}
	return c.JSON(200, info)
}

func (s *Server) handleGetRoom(c echo.Context) error {
	info, ok := s.rooms.Get(c.Param("id"))
	if !ok {
		return c.JSON(404, map[string]string{"error": "room not found"})
	}
	return c.JSON(200, info)
}

func (s *Server) handleRoomUsers(c echo.Context) error {
	roomID := c.Param("id")
	if _, ok := s.rooms.Get(roomID); !ok {
		return c.JSON(404, map[string]string{"error": "room not found"})
	}
	return c.JSON(200, map[string]any{
		"room_id": roomID,
		"users":   s.rooms.RoomUsers(roomID),
	})
}

func (s *Server) handleInstances(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
	defer cancel()

	instances, err := s.registry.ActiveInstances(ctx)
	if err != nil {
		return c.JSON(503, map[string]string{"error": err.Error()})
	}
	return c.JSON(200, map[string]any{"instances": instances})
}

type grantRequest struct {
	UserID string `json:"user_id"`
}

func (s *Server) handleGrantPermission(c echo.Context) error {
	var req grantRequest
	if err := c.Bind(&req); err != nil || req.UserID == "" {
		return c.JSON(400, map[string]string{"error": "user_id is required"})
	}

	roomID := c.Param("id")
	grantedBy := c.Request().Header.Get("X-User-ID")
	s.rooms.GrantPermission(roomID, req.UserID, grantedBy)
	return c.JSON(200, map[string]string{"status": "granted"})
}

func (s *Server) handleRevokePermission(c echo.Context) error {
	s.rooms.RevokePermission(c.Param("id"), c.Param("user"))
	return c.JSON(200, map[string]string{"status": "revoked"})
}
