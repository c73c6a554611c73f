package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	goredis "github.com/redis/go-redis/v9"

	"github.com/pulseboard/realtime/internal/config"
	"github.com/pulseboard/realtime/internal/coordination"
	"github.com/pulseboard/realtime/internal/events"
	"github.com/pulseboard/realtime/internal/logging"
	"github.com/pulseboard/realtime/internal/pool"
	"github.com/pulseboard/realtime/internal/redis"
	"github.com/pulseboard/realtime/internal/room"
	"github.com/pulseboard/realtime/internal/server"
	"github.com/pulseboard/realtime/internal/version"
)

func setupConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		// Use log before slog is initialized
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

func setupRedis(ctx context.Context, cfg *config.Config) *goredis.Client {
	client, err := redis.NewClient(ctx, cfg.RedisURL)
	if err != nil {
		slog.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	return client
}

func runGracefulShutdown(srv *server.Server, connPool *pool.Pool, cancelBackground context.CancelFunc, background *sync.WaitGroup) <-chan struct{} {
	done := make(chan struct{})
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Info("Shutdown signal received, cleaning up...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server shutdown error", "error", err)
		}

		connPool.Shutdown(shutdownCtx)

		// Stops the pub/sub relay, heartbeats and sweeps; releases leadership.
		cancelBackground()
		background.Wait()

		close(done)
	}()

	return done
}

func main() {
	clock := clockwork.NewRealClock()

	cfg := setupConfig()

	// Initialize structured logging
	logging.InitLogger(cfg.LogLevel, cfg.LogFormat)
	slog.Info("Application starting",
		"env", cfg.AppEnv,
		"port", cfg.Port,
		"instance_id", cfg.InstanceID,
		"version", version.Get().Version,
	)

	redisClient := setupRedis(context.Background(), cfg)
	defer func() { _ = redisClient.Close() }()

	snapshots := redis.NewSnapshots(redisClient, cfg.SnapshotTTL, cfg.InstanceID, clock)
	pubsub := redis.NewRoomPubSub(redisClient)

	bus := events.NewBus()
	connPool := pool.New(pool.Options{
		MaxConnections:      cfg.MaxConnections,
		MaxPerUser:          cfg.MaxPerUser,
		MaxPerOrganization:  cfg.MaxPerOrganization,
		ShardCount:          cfg.ShardCount,
		HealthCheckInterval: cfg.HealthCheckInterval,
		MetricsInterval:     cfg.MetricsInterval,
		MemoryCeilingBytes:  cfg.MemoryCeilingBytes,
		ShutdownGrace:       cfg.ShutdownGrace,
	}, bus, snapshots, clock)

	rooms := room.NewManager(cfg.RoomTTL, bus, snapshots, pubsub, connPool, clock)

	registry := coordination.NewInstanceRegistry(redisClient, cfg.InstanceID, cfg.HeartbeatInterval, version.Get().Version)
	election := coordination.NewLeaderElection(redisClient, cfg.InstanceID, coordination.RoomSweepLeaderKey, cfg.LeaderTTL)

	backgroundCtx, cancelBackground := context.WithCancel(context.Background())
	var background sync.WaitGroup

	background.Add(4)
	go func() {
		defer background.Done()
		pubsub.Run(backgroundCtx, rooms.HandleRelay)
	}()
	go func() {
		defer background.Done()
		registry.Start(backgroundCtx)
	}()
	go func() {
		defer background.Done()
		rooms.Run(backgroundCtx)
	}()
	go func() {
		defer background.Done()
		coordination.RunRoomSweep(backgroundCtx, election, snapshots, cfg.RoomSweepInterval, cfg.RoomTTL)
	}()

	srv := server.NewServer(cfg, connPool, rooms, registry, redisClient, clock)

	done := runGracefulShutdown(srv, connPool, cancelBackground, &background)

	slog.Info("Server starting", "port", cfg.Port)
	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Server error", "error", err)
		os.Exit(1)
	}

	<-done
}
