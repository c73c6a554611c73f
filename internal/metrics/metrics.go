package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Connection Pool Metrics
var (
	// PoolActiveConnections tracks the number of live connections in the pool
	PoolActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pool_active_connections",
			Help: "Number of live connections in the pool",
		},
	)

	// PoolConnectionsByHealth tracks connection counts by health status
	PoolConnectionsByHealth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pool_connections_by_health",
			Help: "Connection counts by health status (healthy/warning/critical)",
		},
		[]string{"status"},
	)

	// PoolShardConnections tracks connection counts per shard
	PoolShardConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pool_shard_connections",
			Help: "Connection counts per shard",
		},
		[]string{"shard"},
	)

	// PoolAdmissionsTotal counts successful admissions
	PoolAdmissionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pool_admissions_total",
			Help: "Total connections admitted to the pool",
		},
	)

	// PoolRejectionsTotal counts admission rejections by limit reason
	PoolRejectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pool_rejections_total",
			Help: "Total admission rejections by limit (global/user/organization)",
		},
		[]string{"reason"},
	)

	// PoolEvictionsTotal counts forced disconnects by cause
	PoolEvictionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pool_evictions_total",
			Help: "Total forced disconnects by cause (health/shutdown)",
		},
		[]string{"cause"},
	)

	// PoolUtilization tracks global capacity in use as a percentage
	PoolUtilization = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pool_utilization_percent",
			Help: "Global connection capacity in use (percent)",
		},
	)

	// PoolHealthScore tracks the weighted aggregate pool health score
	PoolHealthScore = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pool_health_score",
			Help: "Weighted aggregate pool health score (0-100)",
		},
	)

	// PoolMessagesPerSecond tracks windowed outbound+inbound message throughput
	PoolMessagesPerSecond = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pool_messages_per_second",
			Help: "Message throughput over the last metrics window",
		},
	)

	// PoolBytesPerSecond tracks windowed byte throughput
	PoolBytesPerSecond = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pool_bytes_per_second",
			Help: "Byte throughput over the last metrics window",
		},
	)
)

// Room Metrics
var (
	// RoomsActive tracks active rooms by type
	RoomsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rooms_active",
			Help: "Active rooms by type",
		},
		[]string{"type"},
	)

	// RoomJoinsTotal counts successful room joins
	RoomJoinsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "room_joins_total",
			Help: "Total successful room joins",
		},
	)

	// RoomJoinRejectionsTotal counts denied room joins
	RoomJoinRejectionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "room_join_rejections_total",
			Help: "Total room joins denied by permission checks",
		},
	)

	// RoomBroadcastsTotal counts room broadcasts published
	RoomBroadcastsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "room_broadcasts_total",
			Help: "Total room broadcasts published",
		},
	)

	// RoomBroadcastFanout tracks local recipients per relayed broadcast
	RoomBroadcastFanout = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "room_broadcast_fanout",
			Help:    "Local recipients per relayed room broadcast",
			Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100, 250},
		},
	)

	// RoomsSweptTotal counts rooms removed by the cleanup sweep
	RoomsSweptTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rooms_swept_total",
			Help: "Rooms removed by the idle cleanup sweep",
		},
	)
)

// Redis Operations Metrics
var (
	// RedisOpsTotal tracks total Redis operations by operation type and status
	RedisOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "redis_operations_total",
			Help: "Total Redis operations by operation and status",
		},
		[]string{"operation", "status"},
	)

	// RedisOpDuration tracks Redis operation latency in seconds
	RedisOpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "redis_operation_duration_seconds",
			Help:    "Redis operation duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"operation"},
	)

	// RedisConnectionErrors tracks Redis connection errors
	RedisConnectionErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "redis_connection_errors_total",
			Help: "Total Redis connection errors",
		},
	)

	// CircuitBreakerStateChanges tracks circuit breaker state transitions
	CircuitBreakerStateChanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_state_changes_total",
			Help: "Circuit breaker state transitions by component and new state",
		},
		[]string{"component", "state"},
	)

	// CircuitBreakerState tracks current circuit breaker state (0=closed, 1=half-open, 2=open)
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Current circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"component"},
	)
)

// WebSocket Transport Metrics
var (
	// WebSocketMessageSendDuration tracks time spent writing a message to a socket
	WebSocketMessageSendDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "websocket_message_send_duration_seconds",
			Help:    "Time spent writing a message to a WebSocket",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1, .5},
		},
	)

	// WebSocketPingFailures tracks failed keepalive pings
	WebSocketPingFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "websocket_ping_failures_total",
			Help: "Failed WebSocket keepalive pings",
		},
	)

	// WebSocketSendBufferFull tracks sends dropped because the client was slow
	WebSocketSendBufferFull = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "websocket_send_buffer_full_total",
			Help: "Outbound messages dropped because the client send buffer was full",
		},
	)

	// ConnectRateLimited tracks upgrade attempts rejected by the per-IP rate gate
	ConnectRateLimited = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "connect_rate_limited_total",
			Help: "WebSocket upgrade attempts rejected by the per-IP rate gate",
		},
	)
)
