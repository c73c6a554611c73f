package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	goredis "github.com/redis/go-redis/v9"

	"github.com/pulseboard/realtime/internal/pool"
	"github.com/pulseboard/realtime/internal/room"
)

// Snapshots persists summarized connection and room state with a bounded
// TTL so other instances and tooling can discover it. Entries are
// last-writer-wins; readers must tolerate staleness up to the TTL.
type Snapshots struct {
	rdb   *goredis.Client
	ttl   time.Duration
	owner string
	clock clockwork.Clock
}

var (
	_ pool.SnapshotStore = (*Snapshots)(nil)
	_ room.SnapshotStore = (*Snapshots)(nil)
)

// NewSnapshots creates a snapshot store. owner identifies this instance for
// lock ownership checks.
func NewSnapshots(rdb *goredis.Client, ttl time.Duration, owner string, clock clockwork.Clock) *Snapshots {
	return &Snapshots{rdb: rdb, ttl: ttl, owner: owner, clock: clock}
}

// --- Connection snapshots ---

func (s *Snapshots) SetConnection(ctx context.Context, snap pool.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal connection snapshot: %w", err)
	}
	return s.rdb.Set(ctx, connKey(snap.ID), data, s.ttl).Err()
}

func (s *Snapshots) GetConnection(ctx context.Context, connectionID string) (*pool.Snapshot, bool, error) {
	result, err := s.rdb.Get(ctx, connKey(connectionID)).Result()
	if errors.Is(err, goredis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var snap pool.Snapshot
	if err := json.Unmarshal([]byte(result), &snap); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal connection snapshot: %w", err)
	}
	return &snap, true, nil
}

func (s *Snapshots) DeleteConnection(ctx context.Context, connectionID string) error {
	return s.rdb.Del(ctx, connKey(connectionID)).Err()
}

// --- Room snapshots ---

func (s *Snapshots) SetRoom(ctx context.Context, info room.Info) error {
	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("failed to marshal room snapshot: %w", err)
	}
	return s.rdb.Set(ctx, roomKey(info.ID), data, s.ttl).Err()
}

func (s *Snapshots) GetRoom(ctx context.Context, roomID string) (*room.Info, bool, error) {
	result, err := s.rdb.Get(ctx, roomKey(roomID)).Result()
	if errors.Is(err, goredis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var info room.Info
	if err := json.Unmarshal([]byte(result), &info); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal room snapshot: %w", err)
	}
	return &info, true, nil
}

func (s *Snapshots) DeleteRoom(ctx context.Context, roomID string) error {
	return s.rdb.Del(ctx, roomKey(roomID)).Err()
}

// DeleteStaleRooms scans room snapshots and deletes those with zero
// connections and no activity for longer than maxAge. Run by the elected
// leader so one instance owns cross-instance cleanup.
func (s *Snapshots) DeleteStaleRooms(ctx context.Context, maxAge time.Duration) (int, error) {
	now := s.clock.Now()
	deleted := 0
	var cursor uint64

	for {
		select {
		case <-ctx.Done():
			return deleted, fmt.Errorf("scan cancelled after %d deletions: %w", deleted, ctx.Err())
		default:
		}

		keys, nextCursor, err := s.rdb.Scan(ctx, cursor, "room:*", 100).Result()
		if err != nil {
			return deleted, fmt.Errorf("room snapshot scan failed: %w", err)
		}

		for _, key := range keys {
			if s.deleteIfStale(ctx, key, now, maxAge) {
				deleted++
			}
		}

		cursor = nextCursor
		if cursor == 0 {
			break
		}
	}
	return deleted, nil
}

func (s *Snapshots) deleteIfStale(ctx context.Context, key string, now time.Time, maxAge time.Duration) bool {
	val, err := s.rdb.Get(ctx, key).Result()
	if err != nil {
		if !errors.Is(err, goredis.Nil) {
			slog.Error("DeleteStaleRooms: failed to read key", "key", key, "error", err)
		}
		return false
	}

	var info room.Info
	if err := json.Unmarshal([]byte(val), &info); err != nil {
		slog.Warn("DeleteStaleRooms: invalid room snapshot", "key", key, "error", err)
		return false
	}

	if info.ConnectionCount > 0 || now.Sub(info.LastActivity) < maxAge {
		return false
	}

	if err := s.rdb.Del(ctx, key).Err(); err != nil {
		slog.Error("DeleteStaleRooms: failed to delete key", "key", key, "error", err)
		return false
	}
	return true
}

// --- Locks ---

// AcquireLock takes a named exclusive lock via SETNX with a TTL. Returns
// false when another owner holds it.
func (s *Snapshots) AcquireLock(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	return s.rdb.SetNX(ctx, lockKey(name), s.owner, ttl).Result()
}

// ReleaseLock drops a named lock if this instance still owns it.
func (s *Snapshots) ReleaseLock(ctx context.Context, name string) error {
	script := `
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("DEL", KEYS[1])
	else
		return 0
	end
	`
	return s.rdb.Eval(ctx, script, []string{lockKey(name)}, s.owner).Err()
}

// --- Key helpers ---

func connKey(connectionID string) string {
	return "conn:" + connectionID
}

func roomKey(roomID string) string {
	return "room:" + roomID
}

func lockKey(name string) string {
	return "lock:" + name
}
