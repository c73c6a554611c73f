package coordination

import (
	"context"
	"log/slog"
	"time"
)

// RoomSweepLeaderKey is the election key for the cross-instance room
// snapshot sweep.
const RoomSweepLeaderKey = "leader:room_sweep"

// StaleRoomDeleter removes room snapshots from the shared cache that no
// instance has touched recently. Implemented by the Redis snapshot store.
type StaleRoomDeleter interface {
	DeleteStaleRooms(ctx context.Context, maxAge time.Duration) (int, error)
}

// RunRoomSweep competes for leadership and, while leading, periodically
// deletes stale room snapshots from the shared cache. Every instance still
// sweeps its own in-memory rooms; only the leader touches shared state.
// Blocks until ctx is cancelled.
func RunRoomSweep(ctx context.Context, election *LeaderElection, deleter StaleRoomDeleter, interval, maxAge time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	leading := false
	for {
		select {
		case <-ticker.C:
			leading = sweepTick(ctx, election, deleter, leading, maxAge)
		case <-ctx.Done():
			if leading {
				releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				if err := election.ReleaseLease(releaseCtx); err != nil {
					slog.Warn("Failed to release sweep leadership", "error", err)
				}
				cancel()
			}
			return
		}
	}
}

func sweepTick(ctx context.Context, election *LeaderElection, deleter StaleRoomDeleter, leading bool, maxAge time.Duration) bool {
	if leading {
		if err := election.RenewLease(ctx); err != nil {
			slog.Info("Lost room sweep leadership", "error", err)
			return false
		}
	} else {
		acquired, err := election.TryBecomeLeader(ctx)
		if err != nil {
			slog.Warn("Room sweep leader election failed", "error", err)
			return false
		}
		if !acquired {
			return false
		}
		slog.Info("Acquired room sweep leadership")
	}

	deleted, err := deleter.DeleteStaleRooms(ctx, maxAge)
	if err != nil {
		slog.Warn("Stale room snapshot sweep failed", "error", err)
		return true
	}
	if deleted > 0 {
		slog.Info("Stale room snapshots deleted", "count", deleted)
	}
	return true
}
