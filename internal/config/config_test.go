package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("REDIS_URL", "redis://localhost:6379")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "development", cfg.AppEnv)
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, 10000, cfg.MaxConnections)
	assert.Equal(t, 5, cfg.MaxPerUser)
	assert.Equal(t, 1000, cfg.MaxPerOrganization)
	assert.Equal(t, 8, cfg.ShardCount)
	assert.Equal(t, 30*time.Second, cfg.HealthCheckInterval)
	assert.Equal(t, 10*time.Minute, cfg.RoomTTL)
	assert.Equal(t, uint64(1024)*1024*1024, cfg.MemoryCeilingBytes)
	assert.NotEmpty(t, cfg.InstanceID)
}

func TestLoad_RequiresRedisURL(t *testing.T) {
	t.Setenv("REDIS_URL", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "REDIS_URL")
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("REDIS_URL", "redis://localhost:6379")
	t.Setenv("MAX_CONNECTIONS", "500")
	t.Setenv("MAX_CONNECTIONS_PER_USER", "2")
	t.Setenv("POOL_SHARDS", "4")
	t.Setenv("ROOM_TTL", "5m")
	t.Setenv("INSTANCE_ID", "node-1")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 500, cfg.MaxConnections)
	assert.Equal(t, 2, cfg.MaxPerUser)
	assert.Equal(t, 4, cfg.ShardCount)
	assert.Equal(t, 5*time.Minute, cfg.RoomTTL)
	assert.Equal(t, "node-1", cfg.InstanceID)
}

func TestLoad_RejectsInvalidValues(t *testing.T) {
	t.Setenv("REDIS_URL", "redis://localhost:6379")

	t.Run("non-integer limit", func(t *testing.T) {
		t.Setenv("MAX_CONNECTIONS", "lots")
		_, err := Load()
		assert.Error(t, err)
	})

	t.Run("bad duration", func(t *testing.T) {
		t.Setenv("ROOM_TTL", "soon")
		_, err := Load()
		assert.Error(t, err)
	})

	t.Run("zero shards", func(t *testing.T) {
		t.Setenv("POOL_SHARDS", "0")
		_, err := Load()
		assert.Error(t, err)
	})

	t.Run("zero per-user limit", func(t *testing.T) {
		t.Setenv("MAX_CONNECTIONS_PER_USER", "0")
		_, err := Load()
		assert.Error(t, err)
	})

	t.Run("negative memory ceiling", func(t *testing.T) {
		t.Setenv("MEMORY_CEILING_MB", "-1")
		_, err := Load()
		assert.Error(t, err)
	})

	t.Run("zero room TTL", func(t *testing.T) {
		t.Setenv("ROOM_TTL", "0s")
		_, err := Load()
		assert.Error(t, err)
	})

	t.Run("negative room TTL", func(t *testing.T) {
		t.Setenv("ROOM_TTL", "-5m")
		_, err := Load()
		assert.Error(t, err)
	})

	t.Run("zero sweep interval", func(t *testing.T) {
		t.Setenv("ROOM_SWEEP_INTERVAL", "0s")
		_, err := Load()
		assert.Error(t, err)
	})
}
