package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
)

type Config struct {
	AppEnv    string
	Port      string
	RedisURL  string
	LogLevel  string
	LogFormat string

	// Unique per instance; used for coordination keys and snapshots.
	InstanceID string

	// Admission limits
	MaxConnections     int
	MaxPerUser         int
	MaxPerOrganization int
	ShardCount         int

	// Pre-admission connect rate gate (per client IP)
	ConnectRatePerSec float64
	ConnectBurst      int

	// Background sweeps
	HealthCheckInterval time.Duration
	MetricsInterval     time.Duration
	RoomTTL             time.Duration
	RoomSweepInterval   time.Duration

	// Cross-instance state
	SnapshotTTL       time.Duration
	HeartbeatInterval time.Duration
	LeaderTTL         time.Duration

	MemoryCeilingBytes uint64
	ShutdownGrace      time.Duration
}

func Load() (*Config, error) {
	cfg := &Config{
		AppEnv:     getEnv("APP_ENV", "development"),
		Port:       getEnv("PORT", "8080"),
		RedisURL:   getEnv("REDIS_URL", ""),
		LogLevel:   getEnv("LOG_LEVEL", "info"),
		LogFormat:  getEnv("LOG_FORMAT", "text"),
		InstanceID: getEnv("INSTANCE_ID", defaultInstanceID()),
	}

	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("REDIS_URL is required")
	}

	var err error
	if cfg.MaxConnections, err = getEnvInt("MAX_CONNECTIONS", 10000); err != nil {
		return nil, err
	}
	if cfg.MaxPerUser, err = getEnvInt("MAX_CONNECTIONS_PER_USER", 5); err != nil {
		return nil, err
	}
	if cfg.MaxPerOrganization, err = getEnvInt("MAX_CONNECTIONS_PER_ORG", 1000); err != nil {
		return nil, err
	}
	if cfg.ShardCount, err = getEnvInt("POOL_SHARDS", 8); err != nil {
		return nil, err
	}
	if cfg.ConnectBurst, err = getEnvInt("CONNECT_BURST", 10); err != nil {
		return nil, err
	}
	if cfg.ConnectRatePerSec, err = getEnvFloat("CONNECT_RATE_PER_SEC", 10.0); err != nil {
		return nil, err
	}
	if cfg.HealthCheckInterval, err = getEnvDuration("HEALTH_CHECK_INTERVAL", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.MetricsInterval, err = getEnvDuration("METRICS_INTERVAL", 15*time.Second); err != nil {
		return nil, err
	}
	if cfg.RoomTTL, err = getEnvDuration("ROOM_TTL", 10*time.Minute); err != nil {
		return nil, err
	}
	if cfg.RoomSweepInterval, err = getEnvDuration("ROOM_SWEEP_INTERVAL", time.Minute); err != nil {
		return nil, err
	}
	if cfg.SnapshotTTL, err = getEnvDuration("SNAPSHOT_TTL", 5*time.Minute); err != nil {
		return nil, err
	}
	if cfg.HeartbeatInterval, err = getEnvDuration("HEARTBEAT_INTERVAL", 15*time.Second); err != nil {
		return nil, err
	}
	if cfg.LeaderTTL, err = getEnvDuration("LEADER_TTL", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.ShutdownGrace, err = getEnvDuration("SHUTDOWN_GRACE", 3*time.Second); err != nil {
		return nil, err
	}

	memCeilingMB, err := getEnvInt("MEMORY_CEILING_MB", 1024)
	if err != nil {
		return nil, err
	}
	if memCeilingMB < 0 {
		return nil, fmt.Errorf("MEMORY_CEILING_MB must not be negative")
	}
	cfg.MemoryCeilingBytes = uint64(memCeilingMB) * 1024 * 1024

	if cfg.ShardCount < 1 {
		return nil, fmt.Errorf("POOL_SHARDS must be at least 1")
	}
	if cfg.MaxConnections < 1 {
		return nil, fmt.Errorf("MAX_CONNECTIONS must be at least 1")
	}
	if cfg.MaxPerUser < 1 || cfg.MaxPerOrganization < 1 {
		return nil, fmt.Errorf("per-user and per-organization limits must be at least 1")
	}
	if cfg.RoomTTL <= 0 {
		return nil, fmt.Errorf("ROOM_TTL must be positive")
	}
	if cfg.HealthCheckInterval <= 0 || cfg.MetricsInterval <= 0 || cfg.RoomSweepInterval <= 0 {
		return nil, fmt.Errorf("sweep intervals must be positive")
	}

	return cfg, nil
}

func defaultInstanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return uuid.NewString()
	}
	return host + "-" + uuid.NewString()[:8]
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer: %w", key, err)
	}
	return n, nil
}

func getEnvFloat(key string, defaultValue float64) (float64, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("%s must be a number: %w", key, err)
	}
	return f, nil
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s must be a duration (e.g. 30s): %w", key, err)
	}
	return d, nil
}
