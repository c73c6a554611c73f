package room

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/pulseboard/realtime/internal/events"
	"github.com/pulseboard/realtime/internal/metrics"
)

const snapshotTimeout = 2 * time.Second

// Info describes a broadcast room.
type Info struct {
	ID              string    `json:"id"`
	Type            Type      `json:"type"`
	OrganizationID  string    `json:"organization_id"`
	ConnectionCount int       `json:"connection_count"`
	CreatedAt       time.Time `json:"created_at"`
	LastActivity    time.Time `json:"last_activity"`
	DashboardID     string    `json:"dashboard_id,omitempty"`
	MetricType      string    `json:"metric_type,omitempty"`
	Private         bool      `json:"private"`
}

// Permission is an explicit access grant for a private room.
type Permission struct {
	RoomID    string    `json:"room_id"`
	UserID    string    `json:"user_id"`
	GrantedBy string    `json:"granted_by"`
	GrantedAt time.Time `json:"granted_at"`
}

// Stats aggregates room state; read-only.
type Stats struct {
	TotalRooms       int          `json:"total_rooms"`
	TotalConnections int          `json:"total_connections"`
	ByType           map[Type]int `json:"by_type"`
}

// SnapshotStore persists room metadata for cross-instance visibility.
// Failures degrade gracefully: local state stays authoritative.
type SnapshotStore interface {
	SetRoom(ctx context.Context, info Info) error
	DeleteRoom(ctx context.Context, roomID string) error
}

// Broadcaster publishes a room payload to the shared pub/sub channel so
// every instance (this one included) relays it to its local members.
type Broadcaster interface {
	PublishRoom(ctx context.Context, roomID string, payload []byte) error
}

// Deliverer hands a payload to locally held connections. Implemented by the
// connection pool; the room layer holds lookups, never connection ownership.
type Deliverer interface {
	Deliver(connIDs []string, payload []byte) int
}

// Manager groups connections into logical broadcast rooms with permission
// gating. All maps are guarded by one mutex; every mutation happens inside
// a single critical section so invariants hold at all observation points.
type Manager struct {
	clock       clockwork.Clock
	bus         *events.Bus
	store       SnapshotStore
	broadcaster Broadcaster
	deliverer   Deliverer
	roomTTL     time.Duration

	mu      sync.RWMutex
	rooms   map[string]*Info
	members map[string]map[string]string   // room id -> connection id -> user id
	byConn  map[string]map[string]struct{} // connection id -> room ids
	perms   map[string]map[string]Permission
}

// NewManager creates a room manager. store and broadcaster may be nil for
// single-instance or test use.
func NewManager(roomTTL time.Duration, bus *events.Bus, store SnapshotStore, broadcaster Broadcaster, deliverer Deliverer, clock clockwork.Clock) *Manager {
	return &Manager{
		clock:       clock,
		bus:         bus,
		store:       store,
		broadcaster: broadcaster,
		deliverer:   deliverer,
		roomTTL:     roomTTL,
		rooms:       make(map[string]*Info),
		members:     make(map[string]map[string]string),
		byConn:      make(map[string]map[string]struct{}),
		perms:       make(map[string]map[string]Permission),
	}
}

// --- Room builders (lazy getOrCreate) ---

// OrganizationRoom returns the org-wide room, creating it on first
// reference. The second return reports whether creation occurred.
func (m *Manager) OrganizationRoom(orgID string) (Info, bool) {
	return m.getOrCreate(OrganizationRoomID(orgID), func() *Info {
		return &Info{Type: TypeOrganization, OrganizationID: orgID}
	})
}

func (m *Manager) DashboardRoom(orgID, dashboardID string) (Info, bool) {
	return m.getOrCreate(DashboardRoomID(orgID, dashboardID), func() *Info {
		return &Info{Type: TypeDashboard, OrganizationID: orgID, DashboardID: dashboardID}
	})
}

func (m *Manager) MetricsRoom(orgID, metricType string) (Info, bool) {
	return m.getOrCreate(MetricsRoomID(orgID, metricType), func() *Info {
		return &Info{Type: TypeMetrics, OrganizationID: orgID, MetricType: metricType}
	})
}

// CollaborativeRoom rooms are private: joining requires an elevated role or
// an explicit permission grant.
func (m *Manager) CollaborativeRoom(orgID, sessionID string) (Info, bool) {
	return m.getOrCreate(CollaborativeRoomID(orgID, sessionID), func() *Info {
		return &Info{Type: TypeCollaborative, OrganizationID: orgID, Private: true}
	})
}

func (m *Manager) getOrCreate(roomID string, build func() *Info) (Info, bool) {
	m.mu.Lock()
	if existing, ok := m.rooms[roomID]; ok {
		info := *existing
		m.mu.Unlock()
		return info, false
	}

	now := m.clock.Now()
	info := build()
	info.ID = roomID
	info.CreatedAt = now
	info.LastActivity = now
	m.rooms[roomID] = info
	m.members[roomID] = make(map[string]string)
	copied := *info
	m.mu.Unlock()

	metrics.RoomsActive.WithLabelValues(string(copied.Type)).Inc()
	m.persistAsync(copied)
	m.bus.Publish(events.RoomCreated{
		RoomID:         roomID,
		RoomType:       string(copied.Type),
		OrganizationID: copied.OrganizationID,
	})

	slog.Debug("Room created", "room_id", roomID, "type", copied.Type)
	return copied, true
}

// --- Membership ---

// Join subscribes a connection to a room. Public room types admit any
// authenticated caller; private rooms require an elevated role or an
// explicit grant. Permission failures mutate no membership state.
func (m *Manager) Join(connID, userID, role, roomID string) (Info, error) {
	// Joining by raw id lazily creates a minimal room record.
	if _, known := m.get(roomID); !known {
		roomType, orgID, subKey, ok := parseRoomID(roomID)
		if !ok {
			return Info{}, ErrInvalidRoomID
		}
		switch roomType {
		case TypeOrganization:
			m.OrganizationRoom(orgID)
		case TypeDashboard:
			m.DashboardRoom(orgID, subKey)
		case TypeMetrics:
			m.MetricsRoom(orgID, subKey)
		case TypeCollaborative:
			m.CollaborativeRoom(orgID, subKey)
		}
	}

	m.mu.Lock()
	info, ok := m.rooms[roomID]
	if !ok {
		m.mu.Unlock()
		return Info{}, ErrInvalidRoomID
	}

	if info.Private || info.Type == TypeCollaborative {
		if !m.allowedLocked(roomID, userID, role) {
			m.mu.Unlock()
			metrics.RoomJoinRejectionsTotal.Inc()
			slog.Warn("Room join denied",
				"room_id", roomID,
				"user_id", userID,
				"role", role,
			)
			return Info{}, ErrPermissionDenied
		}
	}

	if _, already := m.members[roomID][connID]; !already {
		m.members[roomID][connID] = userID
		if m.byConn[connID] == nil {
			m.byConn[connID] = make(map[string]struct{})
		}
		m.byConn[connID][roomID] = struct{}{}
		info.ConnectionCount = len(m.members[roomID])
	}
	info.LastActivity = m.clock.Now()
	copied := *info
	m.mu.Unlock()

	metrics.RoomJoinsTotal.Inc()
	m.persistAsync(copied)

	slog.Debug("Connection joined room",
		"room_id", roomID,
		"connection_id", connID,
		"user_id", userID,
		"connection_count", copied.ConnectionCount,
	)
	return copied, nil
}

// allowedLocked reports whether a user may enter a private room.
// Callers hold m.mu.
func (m *Manager) allowedLocked(roomID, userID, role string) bool {
	if role == "admin" || role == "owner" {
		return true
	}
	_, granted := m.perms[roomID][userID]
	return granted
}

// Leave unsubscribes a connection from a room. Idempotent. The room record
// survives even at zero members; teardown belongs to the cleanup sweep so
// rapid rejoin does not churn room identity.
func (m *Manager) Leave(connID, roomID string) {
	m.mu.Lock()
	memberMap, ok := m.members[roomID]
	if !ok {
		m.mu.Unlock()
		return
	}
	if _, isMember := memberMap[connID]; !isMember {
		m.mu.Unlock()
		return
	}
	delete(memberMap, connID)
	if roomSet := m.byConn[connID]; roomSet != nil {
		delete(roomSet, roomID)
		if len(roomSet) == 0 {
			delete(m.byConn, connID)
		}
	}
	info := m.rooms[roomID]
	info.ConnectionCount = len(memberMap)
	info.LastActivity = m.clock.Now()
	copied := *info
	m.mu.Unlock()

	m.persistAsync(copied)
	slog.Debug("Connection left room", "room_id", roomID, "connection_id", connID)
}

// LeaveAll removes a connection from every room it joined. Called on
// disconnect.
func (m *Manager) LeaveAll(connID string) {
	m.mu.RLock()
	roomIDs := make([]string, 0, len(m.byConn[connID]))
	for roomID := range m.byConn[connID] {
		roomIDs = append(roomIDs, roomID)
	}
	m.mu.RUnlock()

	for _, roomID := range roomIDs {
		m.Leave(connID, roomID)
	}
}

// --- Broadcast ---

// Broadcast publishes payload to a room's shared channel; every instance
// relays it to its local members. If publish fails the local members still
// get the payload directly — availability over cross-instance consistency.
func (m *Manager) Broadcast(ctx context.Context, roomID string, payload []byte) {
	metrics.RoomBroadcastsTotal.Inc()
	if m.broadcaster != nil {
		err := m.broadcaster.PublishRoom(ctx, roomID, payload)
		if err == nil {
			return
		}
		slog.Warn("Room publish failed, delivering locally", "room_id", roomID, "error", err)
	}
	m.HandleRelay(roomID, payload)
}

// HandleRelay delivers a relayed room payload to locally held members.
// Invoked by the pub/sub relay loop for every published room message.
func (m *Manager) HandleRelay(roomID string, payload []byte) {
	m.mu.Lock()
	memberMap := m.members[roomID]
	connIDs := make([]string, 0, len(memberMap))
	for connID := range memberMap {
		connIDs = append(connIDs, connID)
	}
	if info, ok := m.rooms[roomID]; ok {
		info.LastActivity = m.clock.Now()
	}
	m.mu.Unlock()

	if len(connIDs) == 0 {
		return
	}
	delivered := m.deliverer.Deliver(connIDs, payload)
	metrics.RoomBroadcastFanout.Observe(float64(delivered))
}

// --- Permissions ---

// GrantPermission records an access grant for a private room. Authorizing
// the grantor is the caller's responsibility.
func (m *Manager) GrantPermission(roomID, userID, grantedBy string) {
	m.mu.Lock()
	if m.perms[roomID] == nil {
		m.perms[roomID] = make(map[string]Permission)
	}
	m.perms[roomID][userID] = Permission{
		RoomID:    roomID,
		UserID:    userID,
		GrantedBy: grantedBy,
		GrantedAt: m.clock.Now(),
	}
	m.mu.Unlock()

	slog.Info("Room permission granted", "room_id", roomID, "user_id", userID, "granted_by", grantedBy)
}

// RevokePermission removes an access grant. Idempotent.
func (m *Manager) RevokePermission(roomID, userID string) {
	m.mu.Lock()
	if grants := m.perms[roomID]; grants != nil {
		delete(grants, userID)
		if len(grants) == 0 {
			delete(m.perms, roomID)
		}
	}
	m.mu.Unlock()

	slog.Info("Room permission revoked", "room_id", roomID, "user_id", userID)
}

// --- Read-only queries ---

func (m *Manager) get(roomID string) (Info, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	info, ok := m.rooms[roomID]
	if !ok {
		return Info{}, false
	}
	return *info, true
}

// Get returns a room's metadata.
func (m *Manager) Get(roomID string) (Info, bool) {
	return m.get(roomID)
}

// Stats aggregates room counts; must not mutate.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := Stats{ByType: make(map[Type]int)}
	stats.TotalRooms = len(m.rooms)
	for _, info := range m.rooms {
		stats.ByType[info.Type]++
	}
	for _, memberMap := range m.members {
		stats.TotalConnections += len(memberMap)
	}
	return stats
}

// RoomUsers returns the distinct user ids present in a room, sorted.
func (m *Manager) RoomUsers(roomID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	seen := make(map[string]struct{})
	for _, userID := range m.members[roomID] {
		seen[userID] = struct{}{}
	}
	users := make([]string, 0, len(seen))
	for userID := range seen {
		users = append(users, userID)
	}
	sort.Strings(users)
	return users
}

// UserRooms returns the room ids a user currently occupies, sorted.
func (m *Manager) UserRooms(userID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	seen := make(map[string]struct{})
	for roomID, memberMap := range m.members {
		for _, memberUser := range memberMap {
			if memberUser == userID {
				seen[roomID] = struct{}{}
				break
			}
		}
	}
	rooms := make([]string, 0, len(seen))
	for roomID := range seen {
		rooms = append(rooms, roomID)
	}
	sort.Strings(rooms)
	return rooms
}

// --- Cleanup sweep ---

// Run drives the periodic cleanup sweep until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	ticker := m.clock.NewTicker(m.roomTTL / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			m.Sweep()
		case <-ctx.Done():
			return
		}
	}
}

// Sweep deletes rooms that have had zero members and no activity for longer
// than the room TTL, along with their permissions and cached snapshot. A
// later reference to the same logical key creates a fresh room record.
func (m *Manager) Sweep() {
	now := m.clock.Now()

	m.mu.Lock()
	var expired []Info
	for roomID, info := range m.rooms {
		if len(m.members[roomID]) == 0 && now.Sub(info.LastActivity) > m.roomTTL {
			expired = append(expired, *info)
			delete(m.rooms, roomID)
			delete(m.members, roomID)
			delete(m.perms, roomID)
		}
	}
	m.mu.Unlock()

	for _, info := range expired {
		metrics.RoomsActive.WithLabelValues(string(info.Type)).Dec()
		metrics.RoomsSweptTotal.Inc()
		m.deleteSnapshotAsync(info.ID)
		m.bus.Publish(events.RoomDeleted{RoomID: info.ID})
		slog.Info("Room swept", "room_id", info.ID, "idle", now.Sub(info.LastActivity))
	}
}

// --- Snapshot persistence ---

func (m *Manager) persistAsync(info Info) {
	if m.store == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), snapshotTimeout)
		defer cancel()
		if err := m.store.SetRoom(ctx, info); err != nil {
			slog.Warn("Failed to cache room snapshot", "room_id", info.ID, "error", err)
		}
	}()
}

func (m *Manager) deleteSnapshotAsync(roomID string) {
	if m.store == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), snapshotTimeout)
		defer cancel()
		if err := m.store.DeleteRoom(ctx, roomID); err != nil {
			slog.Warn("Failed to delete room snapshot", "room_id", roomID, "error", err)
		}
	}()
}
