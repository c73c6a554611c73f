package pool

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
)

// Health classifies a connection's operational soundness.
type Health string

const (
	HealthHealthy      Health = "healthy"
	HealthWarning      Health = "warning"
	HealthCritical     Health = "critical"
	HealthDisconnected Health = "disconnected"
)

// Conn is a pooled connection record. Identity and placement are owned by
// the pool's actor loop; activity and traffic counters are atomics so the
// read loop and transport can update them without a command round-trip.
type Conn struct {
	ID             string
	UserID         string
	OrganizationID string
	Role           string
	CreatedAt      time.Time
	PoolIndex      int
	RemoteAddr     string
	UserAgent      string

	transport Transport
	clock     clockwork.Clock

	lastActivity atomic.Int64 // unix nanos

	messagesSent     atomic.Int64
	bytesSent        atomic.Int64
	messagesReceived atomic.Int64
	bytesReceived    atomic.Int64
	errorCount       atomic.Int64

	// mutated only inside the pool's actor loop
	health Health
}

func newConn(t Transport, userID, orgID, role string, poolIndex int, clock clockwork.Clock) *Conn {
	c := &Conn{
		ID:             t.ID(),
		UserID:         userID,
		OrganizationID: orgID,
		Role:           role,
		CreatedAt:      clock.Now(),
		PoolIndex:      poolIndex,
		RemoteAddr:     t.RemoteAddr(),
		UserAgent:      t.UserAgent(),
		transport:      t,
		clock:          clock,
		health:         HealthHealthy,
	}
	c.lastActivity.Store(clock.Now().UnixNano())
	return c
}

// Send delivers data to the client, counting outbound traffic. Errors bump
// the connection's error counter and feed health scoring.
func (c *Conn) Send(data []byte) error {
	if err := c.transport.Send(data); err != nil {
		c.errorCount.Add(1)
		return err
	}
	c.messagesSent.Add(1)
	c.bytesSent.Add(int64(len(data)))
	return nil
}

// RecordInbound counts received traffic and refreshes activity.
func (c *Conn) RecordInbound(bytes int) {
	c.messagesReceived.Add(1)
	c.bytesReceived.Add(int64(bytes))
	c.Touch()
}

// RecordError bumps the socket error counter.
func (c *Conn) RecordError() {
	c.errorCount.Add(1)
}

// Touch refreshes the last-activity timestamp.
func (c *Conn) Touch() {
	c.lastActivity.Store(c.clock.Now().UnixNano())
}

// LastActivity returns the time of the most recent inbound traffic or pong.
func (c *Conn) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

// Errors returns the accumulated socket error count.
func (c *Conn) Errors() int64 {
	return c.errorCount.Load()
}

// Info is a read-only copy of a connection's state, safe to hand out of the
// actor loop.
type Info struct {
	ID               string    `json:"id"`
	UserID           string    `json:"user_id"`
	OrganizationID   string    `json:"organization_id"`
	Role             string    `json:"role"`
	CreatedAt        time.Time `json:"created_at"`
	LastActivity     time.Time `json:"last_activity"`
	PoolIndex        int       `json:"pool_index"`
	Health           Health    `json:"health"`
	RemoteAddr       string    `json:"remote_addr"`
	UserAgent        string    `json:"user_agent"`
	MessagesSent     int64     `json:"messages_sent"`
	BytesSent        int64     `json:"bytes_sent"`
	MessagesReceived int64     `json:"messages_received"`
	BytesReceived    int64     `json:"bytes_received"`
	ErrorCount       int64     `json:"error_count"`
}

func (c *Conn) info() Info {
	return Info{
		ID:               c.ID,
		UserID:           c.UserID,
		OrganizationID:   c.OrganizationID,
		Role:             c.Role,
		CreatedAt:        c.CreatedAt,
		LastActivity:     c.LastActivity(),
		PoolIndex:        c.PoolIndex,
		Health:           c.health,
		RemoteAddr:       c.RemoteAddr,
		UserAgent:        c.UserAgent,
		MessagesSent:     c.messagesSent.Load(),
		BytesSent:        c.bytesSent.Load(),
		MessagesReceived: c.messagesReceived.Load(),
		BytesReceived:    c.bytesReceived.Load(),
		ErrorCount:       c.errorCount.Load(),
	}
}

// Snapshot is the summarized connection state cached in Redis so other
// instances and tooling can discover live connections.
type Snapshot struct {
	ID             string    `json:"id"`
	UserID         string    `json:"user_id"`
	OrganizationID string    `json:"organization_id"`
	CreatedAt      time.Time `json:"created_at"`
	PoolIndex      int       `json:"pool_index"`
	Health         Health    `json:"health"`
}

func (c *Conn) snapshot() Snapshot {
	return Snapshot{
		ID:             c.ID,
		UserID:         c.UserID,
		OrganizationID: c.OrganizationID,
		CreatedAt:      c.CreatedAt,
		PoolIndex:      c.PoolIndex,
		Health:         c.health,
	}
}

// SnapshotStore persists connection snapshots for cross-process visibility.
// Implemented by the Redis adapter; failures are logged and swallowed, the
// in-memory pool stays authoritative.
type SnapshotStore interface {
	SetConnection(ctx context.Context, snap Snapshot) error
	DeleteConnection(ctx context.Context, connectionID string) error
}
