package coordination

import (
	"context"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// ErrNotLeader is returned by RenewLease when leadership has been lost.
var ErrNotLeader = &notLeaderError{}

type notLeaderError struct{}

func (e *notLeaderError) Error() string {
	return "not leader"
}

// LeaderElection implements single-leader election with Redis SETNX. The
// leader holds a key with a TTL; if the leader crashes or partitions, the
// key expires and another instance takes over.
type LeaderElection struct {
	rdb        *goredis.Client
	instanceID string
	ttl        time.Duration
	key        string
}

// NewLeaderElection creates an election participant for the given key
// (e.g. "leader:room_sweep").
func NewLeaderElection(rdb *goredis.Client, instanceID, key string, ttl time.Duration) *LeaderElection {
	return &LeaderElection{
		rdb:        rdb,
		instanceID: instanceID,
		ttl:        ttl,
		key:        key,
	}
}

// TryBecomeLeader attempts to acquire leadership.
func (l *LeaderElection) TryBecomeLeader(ctx context.Context) (bool, error) {
	return l.rdb.SetNX(ctx, l.key, l.instanceID, l.ttl).Result()
}

// RenewLease extends the lease if this instance is still the leader.
// Call periodically (e.g. every ttl/2) to retain leadership.
func (l *LeaderElection) RenewLease(ctx context.Context) error {
	// Atomic check-and-renew
	script := `
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("EXPIRE", KEYS[1], ARGV[2])
	else
		return 0
	end
	`
	result, err := l.rdb.Eval(ctx, script, []string{l.key}, l.instanceID, int(l.ttl.Seconds())).Result()
	if err != nil {
		return err
	}
	if result == int64(0) {
		return ErrNotLeader
	}
	return nil
}

// IsLeader reports whether this instance currently holds the lease.
func (l *LeaderElection) IsLeader(ctx context.Context) (bool, error) {
	current, err := l.rdb.Get(ctx, l.key).Result()
	if err == goredis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return current == l.instanceID, nil
}

// ReleaseLease voluntarily gives up leadership during graceful shutdown.
func (l *LeaderElection) ReleaseLease(ctx context.Context) error {
	script := `
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("DEL", KEYS[1])
	else
		return 0
	end
	`
	return l.rdb.Eval(ctx, script, []string{l.key}, l.instanceID).Err()
}
