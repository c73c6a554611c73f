package coordination

import (
	"context"
	"flag"
	"fmt"
	"os"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
)

var (
	testRedisURL string
	redContainer testcontainers.Container
)

func TestMain(m *testing.M) {
	flag.Parse()

	if testing.Short() {
		os.Exit(m.Run())
	}

	ctx := context.Background()
	var err error
	redContainer, err = tcredis.Run(ctx, "redis:7-alpine")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start redis container: %v\n", err)
		os.Exit(1)
	}

	endpoint, err := redContainer.Endpoint(ctx, "")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to get redis endpoint: %v\n", err)
		os.Exit(1)
	}
	testRedisURL = "redis://" + endpoint

	defer func() {
		if err := redContainer.Terminate(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "failed to terminate redis container: %v\n", err)
		}
	}()
	os.Exit(m.Run())
}

func setupTestClient(t *testing.T) *goredis.Client {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	opts, err := goredis.ParseURL(testRedisURL)
	require.NoError(t, err)
	client := goredis.NewClient(opts)
	t.Cleanup(func() {
		client.FlushAll(context.Background())
		_ = client.Close()
	})
	return client
}

func TestLeaderElection_SingleLeader(t *testing.T) {
	client := setupTestClient(t)
	ctx := context.Background()

	first := NewLeaderElection(client, "instance-1", "leader:test", time.Minute)
	second := NewLeaderElection(client, "instance-2", "leader:test", time.Minute)

	acquired, err := first.TryBecomeLeader(ctx)
	require.NoError(t, err)
	assert.True(t, acquired)

	acquired, err = second.TryBecomeLeader(ctx)
	require.NoError(t, err)
	assert.False(t, acquired)

	isLeader, err := first.IsLeader(ctx)
	require.NoError(t, err)
	assert.True(t, isLeader)
	isLeader, err = second.IsLeader(ctx)
	require.NoError(t, err)
	assert.False(t, isLeader)
}

func TestLeaderElection_RenewAndRelease(t *testing.T) {
	client := setupTestClient(t)
	ctx := context.Background()

	first := NewLeaderElection(client, "instance-1", "leader:test", time.Minute)
	second := NewLeaderElection(client, "instance-2", "leader:test", time.Minute)

	acquired, err := first.TryBecomeLeader(ctx)
	require.NoError(t, err)
	require.True(t, acquired)

	require.NoError(t, first.RenewLease(ctx))

	// The non-leader cannot renew.
	assert.ErrorIs(t, second.RenewLease(ctx), ErrNotLeader)

	// After a voluntary release the other instance takes over.
	require.NoError(t, first.ReleaseLease(ctx))
	acquired, err = second.TryBecomeLeader(ctx)
	require.NoError(t, err)
	assert.True(t, acquired)

	// The old leader's renew now fails.
	assert.ErrorIs(t, first.RenewLease(ctx), ErrNotLeader)
}

func TestLeaderElection_LeaseExpires(t *testing.T) {
	client := setupTestClient(t)
	ctx := context.Background()

	first := NewLeaderElection(client, "instance-1", "leader:test", time.Second)
	second := NewLeaderElection(client, "instance-2", "leader:test", time.Second)

	acquired, err := first.TryBecomeLeader(ctx)
	require.NoError(t, err)
	require.True(t, acquired)

	// Without renewal the key expires and leadership is up for grabs.
	require.Eventually(t, func() bool {
		acquired, err := second.TryBecomeLeader(ctx)
		return err == nil && acquired
	}, 5*time.Second, 100*time.Millisecond)
}

func TestInstanceRegistry_HeartbeatAndDiscovery(t *testing.T) {
	client := setupTestClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	first := NewInstanceRegistry(client, "instance-1", 50*time.Millisecond, "dev")
	second := NewInstanceRegistry(client, "instance-2", 50*time.Millisecond, "dev")

	go first.Start(ctx)
	go second.Start(ctx)

	require.Eventually(t, func() bool {
		active, err := first.ActiveInstances(context.Background())
		return err == nil && len(active) == 2
	}, 5*time.Second, 50*time.Millisecond)

	// A stopped instance unregisters on the way out.
	cancel()
	require.Eventually(t, func() bool {
		active, err := NewInstanceRegistry(client, "observer", time.Minute, "dev").ActiveInstances(context.Background())
		return err == nil && len(active) == 0
	}, 5*time.Second, 50*time.Millisecond)
}

type countingDeleter struct {
	calls chan struct{}
}

func (d *countingDeleter) DeleteStaleRooms(context.Context, time.Duration) (int, error) {
	d.calls <- struct{}{}
	return 0, nil
}

func TestRunRoomSweep_OnlyLeaderSweeps(t *testing.T) {
	client := setupTestClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	leaderElection := NewLeaderElection(client, "instance-1", RoomSweepLeaderKey, time.Minute)
	followerElection := NewLeaderElection(client, "instance-2", RoomSweepLeaderKey, time.Minute)

	leaderDeleter := &countingDeleter{calls: make(chan struct{}, 100)}
	followerDeleter := &countingDeleter{calls: make(chan struct{}, 100)}

	go RunRoomSweep(ctx, leaderElection, leaderDeleter, 50*time.Millisecond, time.Minute)

	// Leader sweeps at least twice: once on acquisition, once on renewal.
	for i := 0; i < 2; i++ {
		select {
		case <-leaderDeleter.calls:
		case <-time.After(5 * time.Second):
			t.Fatal("leader never swept")
		}
	}

	// A second participant never sweeps while the lease is held.
	go RunRoomSweep(ctx, followerElection, followerDeleter, 50*time.Millisecond, time.Minute)
	select {
	case <-followerDeleter.calls:
		t.Fatal("follower swept while another instance held the lease")
	case <-time.After(500 * time.Millisecond):
	}
}
