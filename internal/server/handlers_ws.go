package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/pulseboard/realtime/internal/metrics"
	"github.com/pulseboard/realtime/internal/pool"
	"github.com/pulseboard/realtime/internal/room"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Auth happens upstream; origin checks belong to the proxy
	},
}

// clientMessage is the inbound frame envelope: join/leave a room or publish
// a payload to one.
type clientMessage struct {
	Action string          `json:"action"`
	Room   string          `json:"room"`
	Data   json.RawMessage `json:"data"`
}

func (s *Server) handleWebSocket(c echo.Context) error {
	userID := c.Request().Header.Get("X-User-ID")
	orgID := c.Request().Header.Get("X-Organization-ID")
	role := c.Request().Header.Get("X-User-Role")
	if userID == "" || orgID == "" {
		return c.JSON(401, map[string]string{"error": "missing identity headers"})
	}
	if role == "" {
		role = "member"
	}

	ip := c.RealIP()
	if !s.rateLimiter.Allow(ip) {
		metrics.ConnectRateLimited.Inc()
		return c.JSON(429, map[string]string{"error": "connection rate limit exceeded"})
	}

	wsConn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return fmt.Errorf("failed to upgrade WebSocket: %w", err)
	}

	transport := pool.NewWSTransport(wsConn, ip, c.Request().UserAgent(), s.clock)
	conn, err := s.pool.Add(transport, userID, orgID, role)
	if err != nil {
		rejectUpgraded(transport, err)
		return nil
	}

	// Every connection lands in its organization's room.
	orgRoom, _ := s.rooms.OrganizationRoom(orgID)
	if _, err := s.rooms.Join(conn.ID, userID, role, orgRoom.ID); err != nil {
		slog.Warn("Failed to join organization room", "connection_id", conn.ID, "error", err)
	}

	// Read pump — blocks until the connection closes.
	s.readLoop(c, transport, conn, userID, role)

	s.rooms.LeaveAll(conn.ID)
	s.pool.Remove(conn.ID)
	_ = transport.Close("connection closed")

	return nil
}

// rejectUpgraded turns an admission error into a close frame. Capacity
// rejections use 1013 (try again later) so well-behaved clients back off.
func rejectUpgraded(transport *pool.WSTransport, err error) {
	code := websocket.CloseInternalServerErr
	if errors.Is(err, pool.ErrGlobalLimit) || errors.Is(err, pool.ErrUserLimit) || errors.Is(err, pool.ErrOrgLimit) {
		code = websocket.CloseTryAgainLater
	}
	_ = transport.CloseWithCode(code, err.Error())
}

func (s *Server) readLoop(c echo.Context, transport *pool.WSTransport, conn *pool.Conn, userID, role string) {
	for {
		data, err := transport.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				conn.RecordError()
				slog.Debug("WebSocket read failed", "connection_id", conn.ID, "error", err)
			}
			return
		}
		conn.RecordInbound(len(data))

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.sendError(conn, "", "invalid message")
			continue
		}

		switch msg.Action {
		case "join":
			info, err := s.rooms.Join(conn.ID, userID, role, msg.Room)
			if err != nil {
				s.sendError(conn, msg.Room, joinErrorKind(err))
				continue
			}
			s.sendJSON(conn, map[string]any{"type": "joined", "room": info.ID})
		case "leave":
			s.rooms.Leave(conn.ID, msg.Room)
			s.sendJSON(conn, map[string]any{"type": "left", "room": msg.Room})
		case "publish":
			s.rooms.Broadcast(c.Request().Context(), msg.Room, msg.Data)
		default:
			s.sendError(conn, msg.Room, "unknown action")
		}
	}
}

func joinErrorKind(err error) string {
	switch {
	case errors.Is(err, room.ErrPermissionDenied):
		return "permission_denied"
	case errors.Is(err, room.ErrInvalidRoomID):
		return "invalid_room"
	default:
		return "join_failed"
	}
}

func (s *Server) sendError(conn *pool.Conn, roomID, kind string) {
	payload := map[string]any{"type": "error", "error": kind}
	if roomID != "" {
		payload["room"] = roomID
	}
	s.sendJSON(conn, payload)
}

func (s *Server) sendJSON(conn *pool.Conn, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	if err := conn.Send(data); err != nil {
		slog.Debug("Failed to send reply", "connection_id", conn.ID, "error", err)
	}
}
