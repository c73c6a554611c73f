package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	goredis "github.com/redis/go-redis/v9"

	"github.com/pulseboard/realtime/internal/metrics"
)

// fallbackTTL bounds how long a cached read may be served while the
// circuit is open.
const fallbackTTL = 5 * time.Minute

// CircuitBreakerHook implements goredis.Hook to stop hammering Redis when
// it is unavailable or slow. While the circuit is open, GET reads are
// served from a small in-process fallback cache of recent results; writes
// fail fast. This keeps the pool and room layers available on their local
// state while cross-instance sync is degraded.
type CircuitBreakerHook struct {
	cb       circuitbreaker.CircuitBreaker[any]
	fallback *fallbackCache
}

var _ goredis.Hook = (*CircuitBreakerHook)(nil)

type fallbackCache struct {
	mu     sync.RWMutex
	values map[string]fallbackEntry
}

type fallbackEntry struct {
	data      string
	timestamp time.Time
}

// NewCircuitBreakerHook builds the hook: 60% failure rate over a 10s
// rolling window (min 5 requests) opens the circuit; 30s later one success
// in half-open closes it again.
func NewCircuitBreakerHook() *CircuitBreakerHook {
	cb := circuitbreaker.Builder[any]().
		WithFailureRateThreshold(60, 5, 10*time.Second).
		WithDelay(30 * time.Second).
		WithSuccessThreshold(1).
		OnStateChanged(func(e circuitbreaker.StateChangedEvent) {
			slog.Warn("Circuit breaker state changed",
				"component", "redis",
				"from", e.OldState.String(),
				"to", e.NewState.String(),
			)
			metrics.CircuitBreakerStateChanges.WithLabelValues("redis", e.NewState.String()).Inc()
			metrics.CircuitBreakerState.WithLabelValues("redis").Set(stateToFloat(e.NewState))
		}).
		Build()

	return &CircuitBreakerHook{
		cb:       cb,
		fallback: &fallbackCache{values: make(map[string]fallbackEntry)},
	}
}

func stateToFloat(state circuitbreaker.State) float64 {
	switch state {
	case circuitbreaker.ClosedState:
		return 0
	case circuitbreaker.HalfOpenState:
		return 1
	case circuitbreaker.OpenState:
		return 2
	default:
		return -1
	}
}

func (h *CircuitBreakerHook) DialHook(next goredis.DialHook) goredis.DialHook {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		if !h.cb.TryAcquirePermit() {
			return nil, fmt.Errorf("circuit breaker dial failed: %w", circuitbreaker.ErrOpen)
		}
		conn, err := next(ctx, network, addr)
		if err != nil {
			h.cb.RecordError(err)
			return nil, fmt.Errorf("circuit breaker dial failed: %w", err)
		}
		h.cb.RecordSuccess()
		return conn, nil
	}
}

func (h *CircuitBreakerHook) ProcessHook(next goredis.ProcessHook) goredis.ProcessHook {
	return func(ctx context.Context, cmd goredis.Cmder) error {
		if !h.cb.TryAcquirePermit() {
			return h.handleFallback(cmd)
		}

		err := next(ctx, cmd)
		if err != nil && !errors.Is(err, goredis.Nil) {
			h.cb.RecordError(err)
		} else {
			h.cb.RecordSuccess()
			h.cacheResult(cmd)
		}

		if err != nil {
			return err
		}
		return nil
	}
}

func (h *CircuitBreakerHook) ProcessPipelineHook(next goredis.ProcessPipelineHook) goredis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []goredis.Cmder) error {
		if !h.cb.TryAcquirePermit() {
			return fmt.Errorf("redis circuit breaker open: %w", circuitbreaker.ErrOpen)
		}

		err := next(ctx, cmds)
		if err != nil {
			h.cb.RecordError(err)
			return fmt.Errorf("circuit breaker pipeline failed: %w", err)
		}
		h.cb.RecordSuccess()
		return nil
	}
}

// handleFallback serves recent GET results from the fallback cache while
// the circuit is open. Everything else fails fast.
func (h *CircuitBreakerHook) handleFallback(cmd goredis.Cmder) error {
	if cmd.Name() == "get" {
		if result, ok := h.getFromFallback(cmd); ok {
			slog.Debug("Circuit breaker open, serving from fallback cache",
				"command", cmd.Name(),
			)
			if c, ok := cmd.(*goredis.StringCmd); ok {
				c.SetVal(result)
				return nil
			}
		}
	}
	return fmt.Errorf("redis circuit breaker open: %w", circuitbreaker.ErrOpen)
}

func (h *CircuitBreakerHook) cacheResult(cmd goredis.Cmder) {
	if cmd.Name() != "get" {
		return
	}
	args := cmd.Args()
	if len(args) < 2 {
		return
	}
	c, ok := cmd.(*goredis.StringCmd)
	if !ok {
		return
	}
	value, err := c.Result()
	if err != nil || value == "" {
		return
	}

	key := fmt.Sprintf("%v", args[1])
	h.fallback.mu.Lock()
	h.fallback.values[key] = fallbackEntry{data: value, timestamp: time.Now()}
	h.fallback.mu.Unlock()
}

func (h *CircuitBreakerHook) getFromFallback(cmd goredis.Cmder) (string, bool) {
	args := cmd.Args()
	if len(args) < 2 {
		return "", false
	}
	key := fmt.Sprintf("%v", args[1])

	h.fallback.mu.RLock()
	defer h.fallback.mu.RUnlock()

	entry, ok := h.fallback.values[key]
	if !ok || time.Since(entry.timestamp) > fallbackTTL {
		return "", false
	}
	return entry.data, true
}

// State returns the current breaker state (for readiness checks and tests).
func (h *CircuitBreakerHook) State() circuitbreaker.State {
	return h.cb.State()
}
