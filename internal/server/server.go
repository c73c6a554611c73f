package server

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	goredis "github.com/redis/go-redis/v9"

	"github.com/pulseboard/realtime/internal/config"
	"github.com/pulseboard/realtime/internal/coordination"
	"github.com/pulseboard/realtime/internal/pool"
	"github.com/pulseboard/realtime/internal/room"
)

type Server struct {
	echo        *echo.Echo
	config      *config.Config
	pool        *pool.Pool
	rooms       *room.Manager
	registry    *coordination.InstanceRegistry
	redisClient *goredis.Client
	rateLimiter *ConnectionRateLimiter
	clock       clockwork.Clock
	startTime   time.Time
}

func NewServer(cfg *config.Config, connPool *pool.Pool, rooms *room.Manager, registry *coordination.InstanceRegistry, redisClient *goredis.Client, clock clockwork.Clock) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())

	srv := &Server{
		echo:        e,
		config:      cfg,
		pool:        connPool,
		rooms:       rooms,
		registry:    registry,
		redisClient: redisClient,
		rateLimiter: NewConnectionRateLimiter(cfg.ConnectRatePerSec, cfg.ConnectBurst, clock),
		clock:       clock,
		startTime:   clock.Now(),
	}

	// Register routes
	srv.registerRoutes()

	return srv
}

func (s *Server) Start() error {
	slog.Info("Starting server", "port", s.config.Port)
	return s.echo.Start(fmt.Sprintf(":%s", s.config.Port))
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}
