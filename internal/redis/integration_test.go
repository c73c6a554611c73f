package redis

import (
	"context"
	"flag"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"

	"github.com/pulseboard/realtime/internal/pool"
	"github.com/pulseboard/realtime/internal/room"
)

var (
	testRedisURL string
	redContainer testcontainers.Container
)

func TestMain(m *testing.M) {
	// Parse flags to check for -short
	flag.Parse()

	// Skip container setup if running in short mode
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

	ctx := context.Background()
	client, err := NewClient(ctx, testRedisURL)
	require.NoError(t, err)
	t.Cleanup(func() {
		client.FlushAll(context.Background())
		_ = client.Close()
	})
	return client
}

func setupSnapshots(t *testing.T, ttl time.Duration) *Snapshots {
	t.Helper()
	client := setupTestClient(t)
	return NewSnapshots(client, ttl, "test-instance", clockwork.NewRealClock())
}

func TestSnapshots_ConnectionRoundTrip(t *testing.T) {
	snapshots := setupSnapshots(t, time.Minute)
	ctx := context.Background()

	snap := pool.Snapshot{
		ID:             "c1",
		UserID:         "u1",
		OrganizationID: "acme",
		CreatedAt:      time.Now().UTC().Truncate(time.Second),
		PoolIndex:      3,
		Health:         pool.HealthHealthy,
	}
	require.NoError(t, snapshots.SetConnection(ctx, snap))

	got, found, err := snapshots.GetConnection(ctx, "c1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, snap, *got)

	require.NoError(t, snapshots.DeleteConnection(ctx, "c1"))
	_, found, err = snapshots.GetConnection(ctx, "c1")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestSnapshots_MissingConnectionIsNotAnError(t *testing.T) {
	snapshots := setupSnapshots(t, time.Minute)

	got, found, err := snapshots.GetConnection(context.Background(), "ghost")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Nil(t, got)
}

func TestSnapshots_EntriesExpire(t *testing.T) {
	snapshots := setupSnapshots(t, time.Second)
	ctx := context.Background()

	require.NoError(t, snapshots.SetConnection(ctx, pool.Snapshot{ID: "c1"}))

	require.Eventually(t, func() bool {
		_, found, err := snapshots.GetConnection(ctx, "c1")
		return err == nil && !found
	}, 5*time.Second, 100*time.Millisecond, "snapshot should expire with its TTL")
}

func TestSnapshots_RoomRoundTrip(t *testing.T) {
	snapshots := setupSnapshots(t, time.Minute)
	ctx := context.Background()

	info := room.Info{
		ID:              "org:acme",
		Type:            room.TypeOrganization,
		OrganizationID:  "acme",
		ConnectionCount: 2,
		CreatedAt:       time.Now().UTC().Truncate(time.Second),
		LastActivity:    time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, snapshots.SetRoom(ctx, info))

	got, found, err := snapshots.GetRoom(ctx, "org:acme")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, info, *got)
}

func TestSnapshots_DeleteStaleRooms(t *testing.T) {
	snapshots := setupSnapshots(t, time.Hour)
	ctx := context.Background()
	now := time.Now().UTC()

	stale := room.Info{ID: "org:stale", Type: room.TypeOrganization, LastActivity: now.Add(-time.Hour)}
	occupied := room.Info{ID: "org:occupied", Type: room.TypeOrganization, ConnectionCount: 3, LastActivity: now.Add(-time.Hour)}
	fresh := room.Info{ID: "org:fresh", Type: room.TypeOrganization, LastActivity: now}
	for _, info := range []room.Info{stale, occupied, fresh} {
		require.NoError(t, snapshots.SetRoom(ctx, info))
	}

	deleted, err := snapshots.DeleteStaleRooms(ctx, 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	_, found, err := snapshots.GetRoom(ctx, "org:stale")
	require.NoError(t, err)
	assert.False(t, found)
	_, found, _ = snapshots.GetRoom(ctx, "org:occupied")
	assert.True(t, found, "rooms with connections are never swept")
	_, found, _ = snapshots.GetRoom(ctx, "org:fresh")
	assert.True(t, found, "recently active rooms are never swept")
}

func TestSnapshots_Locks(t *testing.T) {
	client := setupTestClient(t)
	ctx := context.Background()

	first := NewSnapshots(client, time.Minute, "instance-1", clockwork.NewRealClock())
	second := NewSnapshots(client, time.Minute, "instance-2", clockwork.NewRealClock())

	acquired, err := first.AcquireLock(ctx, "sweep", time.Minute)
	require.NoError(t, err)
	assert.True(t, acquired)

	// Another owner cannot take a held lock.
	acquired, err = second.AcquireLock(ctx, "sweep", time.Minute)
	require.NoError(t, err)
	assert.False(t, acquired)

	// Release checks ownership: the non-owner's release is a no-op.
	require.NoError(t, second.ReleaseLock(ctx, "sweep"))
	acquired, err = second.AcquireLock(ctx, "sweep", time.Minute)
	require.NoError(t, err)
	assert.False(t, acquired)

	require.NoError(t, first.ReleaseLock(ctx, "sweep"))
	acquired, err = second.AcquireLock(ctx, "sweep", time.Minute)
	require.NoError(t, err)
	assert.True(t, acquired)
}

func TestRoomPubSub_Relay(t *testing.T) {
	client := setupTestClient(t)
	pubsub := NewRoomPubSub(client)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	type relayed struct {
		roomID  string
		payload string
	}
	received := make(chan relayed, 10)
	go pubsub.Run(ctx, func(roomID string, payload []byte) {
		received <- relayed{roomID: roomID, payload: string(payload)}
	})

	// Pattern subscriptions take a moment to establish; retry the publish
	// until the relay sees it.
	require.Eventually(t, func() bool {
		_ = pubsub.PublishRoom(ctx, "org:acme", []byte(`{"v":1}`))
		select {
		case msg := <-received:
			assert.Equal(t, "org:acme", msg.roomID)
			assert.Equal(t, `{"v":1}`, msg.payload)
			return true
		default:
			return false
		}
	}, 5*time.Second, 100*time.Millisecond)
}
