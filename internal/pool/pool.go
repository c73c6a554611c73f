package pool

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"strconv"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/pulseboard/realtime/internal/events"
	"github.com/pulseboard/realtime/internal/metrics"
)

const (
	commandTimeout   = 5 * time.Second
	snapshotTimeout  = 2 * time.Second
	capacityAlertPct = 85.0
)

// Options configures the connection pool.
type Options struct {
	MaxConnections     int
	MaxPerUser         int
	MaxPerOrganization int
	ShardCount         int

	HealthCheckInterval time.Duration
	MetricsInterval     time.Duration
	MemoryCeilingBytes  uint64
	ShutdownGrace       time.Duration
}

// Stats is a read-only aggregate of pool state.
type Stats struct {
	ActiveConnections int            `json:"active_connections"`
	Capacity          int            `json:"capacity"`
	Utilization       float64        `json:"utilization_percent"`
	HealthScore       float64        `json:"health_score"`
	ByHealth          map[Health]int `json:"by_health"`
	Shards            []int          `json:"shards"`
}

// --- Command types ---

type poolCmd interface{ isPoolCmd() }

type basePoolCmd struct{}

func (basePoolCmd) isPoolCmd() {}

type addCmd struct {
	basePoolCmd
	transport Transport
	userID    string
	orgID     string
	role      string
	replyCh   chan addReply
}

type addReply struct {
	conn *Conn
	err  error
}

type removeCmd struct {
	basePoolCmd
	connID  string
	replyCh chan struct{}
}

type getCmd struct {
	basePoolCmd
	connID  string
	replyCh chan *Info
}

type deliverCmd struct {
	basePoolCmd
	connIDs []string
	payload []byte
	replyCh chan int
}

type statsCmd struct {
	basePoolCmd
	replyCh chan Stats
}

type shutdownCmd struct {
	basePoolCmd
	replyCh chan struct{}
}

// Pool owns every live connection: admission control against global,
// per-user and per-organization caps, least-loaded shard placement, and the
// periodic health and performance sweeps. All map state is confined to a
// single actor goroutine; sweeps are ticks on the same loop, so a sweep can
// never overlap its previous run.
type Pool struct {
	opts      Options
	clock     clockwork.Clock
	bus       *events.Bus
	snapshots SnapshotStore

	cmdCh chan poolCmd
	done  chan struct{}

	shards []map[string]*Conn
	byID   map[string]*Conn
	byUser map[string]map[string]*Conn
	byOrg  map[string]map[string]*Conn

	// previous metrics-sweep totals for windowed throughput
	prevMessages int64
	prevBytes    int64
	lastSweepAt  time.Time
}

// New creates and starts a connection pool. snapshots may be nil, in which
// case cross-process snapshots are disabled (used in tests).
func New(opts Options, bus *events.Bus, snapshots SnapshotStore, clock clockwork.Clock) *Pool {
	if opts.ShardCount < 1 {
		opts.ShardCount = 1
	}
	p := &Pool{
		opts:        opts,
		clock:       clock,
		bus:         bus,
		snapshots:   snapshots,
		cmdCh:       make(chan poolCmd, 256),
		done:        make(chan struct{}),
		shards:      make([]map[string]*Conn, opts.ShardCount),
		byID:        make(map[string]*Conn),
		byUser:      make(map[string]map[string]*Conn),
		byOrg:       make(map[string]map[string]*Conn),
		lastSweepAt: clock.Now(),
	}
	for i := range p.shards {
		p.shards[i] = make(map[string]*Conn)
	}
	go p.run()
	return p
}

// --- Public API ---

// Add admits a transport into the pool. Limits are checked in order:
// global, per-user, per-organization; the first violated limit returns its
// sentinel error and leaves no partial state. Admission is never retried
// here — the caller decides whether the client may try again.
func (p *Pool) Add(t Transport, userID, orgID, role string) (*Conn, error) {
	replyCh := make(chan addReply, 1)
	select {
	case p.cmdCh <- addCmd{transport: t, userID: userID, orgID: orgID, role: role, replyCh: replyCh}:
	case <-p.done:
		return nil, ErrPoolClosed
	}

	timer := p.clock.NewTimer(commandTimeout)
	defer timer.Stop()

	select {
	case reply := <-replyCh:
		return reply.conn, reply.err
	case <-timer.Chan():
		return nil, fmt.Errorf("add command timed out after %v", commandTimeout)
	case <-p.done:
		return nil, ErrPoolClosed
	}
}

// Remove takes a connection out of the pool. Idempotent; unknown ids are a
// no-op. Blocks until the removal has been applied.
func (p *Pool) Remove(connID string) {
	replyCh := make(chan struct{}, 1)
	select {
	case p.cmdCh <- removeCmd{connID: connID, replyCh: replyCh}:
	case <-p.done:
		return
	}

	timer := p.clock.NewTimer(commandTimeout)
	defer timer.Stop()

	select {
	case <-replyCh:
	case <-timer.Chan():
		slog.Warn("Remove command timed out", "connection_id", connID)
	case <-p.done:
	}
}

// Get returns a read-only copy of a connection's state, or nil if unknown.
func (p *Pool) Get(connID string) *Info {
	replyCh := make(chan *Info, 1)
	select {
	case p.cmdCh <- getCmd{connID: connID, replyCh: replyCh}:
	case <-p.done:
		return nil
	}
	select {
	case info := <-replyCh:
		return info
	case <-p.done:
		return nil
	}
}

// Deliver sends payload to the given locally held connections and returns
// how many accepted it. Send failures count against connection health but
// do not evict here; the health sweep owns eviction.
func (p *Pool) Deliver(connIDs []string, payload []byte) int {
	replyCh := make(chan int, 1)
	select {
	case p.cmdCh <- deliverCmd{connIDs: connIDs, payload: payload, replyCh: replyCh}:
	case <-p.done:
		return 0
	}
	select {
	case n := <-replyCh:
		return n
	case <-p.done:
		return 0
	}
}

// Stats returns an aggregate view of the pool.
func (p *Pool) Stats() Stats {
	replyCh := make(chan Stats, 1)
	select {
	case p.cmdCh <- statsCmd{replyCh: replyCh}:
	case <-p.done:
		return Stats{ByHealth: map[Health]int{}}
	}
	select {
	case reply := <-replyCh:
		return reply
	case <-p.done:
		return Stats{ByHealth: map[Health]int{}}
	}
}

// Shutdown drains the pool: notifies every client, waits the grace window,
// force-disconnects all sockets and clears internal state.
func (p *Pool) Shutdown(ctx context.Context) {
	replyCh := make(chan struct{}, 1)
	select {
	case p.cmdCh <- shutdownCmd{replyCh: replyCh}:
	case <-p.done:
		return
	}
	select {
	case <-replyCh:
	case <-ctx.Done():
		slog.Warn("Pool shutdown wait cancelled", "error", ctx.Err())
	case <-p.done:
	}
}

// --- Actor loop ---

func (p *Pool) run() {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Pool actor panic recovered", "panic", r)
			p.closeAll("pool failure")
			close(p.done)
		}
	}()

	healthTicker := p.clock.NewTicker(p.opts.HealthCheckInterval)
	defer healthTicker.Stop()
	metricsTicker := p.clock.NewTicker(p.opts.MetricsInterval)
	defer metricsTicker.Stop()

	for {
		select {
		case cmd := <-p.cmdCh:
			switch c := cmd.(type) {
			case addCmd:
				p.handleAdd(c)
			case removeCmd:
				p.handleRemove(c.connID, "disconnect")
				c.replyCh <- struct{}{}
			case getCmd:
				if conn, ok := p.byID[c.connID]; ok {
					info := conn.info()
					c.replyCh <- &info
				} else {
					c.replyCh <- nil
				}
			case deliverCmd:
				c.replyCh <- p.handleDeliver(c.connIDs, c.payload)
			case statsCmd:
				c.replyCh <- p.handleStats()
			case shutdownCmd:
				p.handleShutdown()
				c.replyCh <- struct{}{}
				close(p.done)
				return
			default:
				slog.Warn("Pool received unknown command type", "command_type", fmt.Sprintf("%T", cmd))
			}
		case <-healthTicker.Chan():
			p.handleHealthSweep()
		case <-metricsTicker.Chan():
			p.handleMetricsSweep()
		}
	}
}

func (p *Pool) handleAdd(c addCmd) {
	if len(p.byID) >= p.opts.MaxConnections {
		metrics.PoolRejectionsTotal.WithLabelValues("global").Inc()
		slog.Warn("Rejecting connection: global limit reached",
			"limit", p.opts.MaxConnections,
			"user_id", c.userID,
		)
		c.replyCh <- addReply{err: ErrGlobalLimit}
		return
	}
	if len(p.byUser[c.userID]) >= p.opts.MaxPerUser {
		metrics.PoolRejectionsTotal.WithLabelValues("user").Inc()
		slog.Warn("Rejecting connection: user limit reached",
			"limit", p.opts.MaxPerUser,
			"user_id", c.userID,
		)
		c.replyCh <- addReply{err: ErrUserLimit}
		return
	}
	if len(p.byOrg[c.orgID]) >= p.opts.MaxPerOrganization {
		metrics.PoolRejectionsTotal.WithLabelValues("organization").Inc()
		slog.Warn("Rejecting connection: organization limit reached",
			"limit", p.opts.MaxPerOrganization,
			"organization_id", c.orgID,
		)
		c.replyCh <- addReply{err: ErrOrgLimit}
		return
	}

	shard := p.selectOptimalShard()
	conn := newConn(c.transport, c.userID, c.orgID, c.role, shard, p.clock)

	// Single-handler insert into shard, global map and both indexes — no
	// suspension point between them, so no other code path can observe a
	// half-inserted connection.
	p.shards[shard][conn.ID] = conn
	p.byID[conn.ID] = conn
	if p.byUser[c.userID] == nil {
		p.byUser[c.userID] = make(map[string]*Conn)
	}
	p.byUser[c.userID][conn.ID] = conn
	if p.byOrg[c.orgID] == nil {
		p.byOrg[c.orgID] = make(map[string]*Conn)
	}
	p.byOrg[c.orgID][conn.ID] = conn

	if wt, ok := c.transport.(*WSTransport); ok {
		wt.OnPong(conn.Touch)
	}

	metrics.PoolAdmissionsTotal.Inc()
	metrics.PoolActiveConnections.Set(float64(len(p.byID)))
	metrics.PoolShardConnections.WithLabelValues(strconv.Itoa(shard)).Set(float64(len(p.shards[shard])))

	p.writeSnapshotAsync(conn.snapshot())

	p.bus.Publish(events.ConnectionAdded{
		ConnectionID:   conn.ID,
		UserID:         c.userID,
		OrganizationID: c.orgID,
		PoolIndex:      shard,
	})

	slog.Debug("Connection admitted",
		"connection_id", conn.ID,
		"user_id", c.userID,
		"organization_id", c.orgID,
		"pool_index", shard,
	)
	c.replyCh <- addReply{conn: conn}
}

// handleRemove detaches a connection from the shard, global map and both
// indexes. Idempotent; cache deletion failures are logged and swallowed.
func (p *Pool) handleRemove(connID, cause string) {
	conn, ok := p.byID[connID]
	if !ok {
		return
	}

	delete(p.shards[conn.PoolIndex], connID)
	delete(p.byID, connID)
	if userConns := p.byUser[conn.UserID]; userConns != nil {
		delete(userConns, connID)
		if len(userConns) == 0 {
			delete(p.byUser, conn.UserID)
		}
	}
	if orgConns := p.byOrg[conn.OrganizationID]; orgConns != nil {
		delete(orgConns, connID)
		if len(orgConns) == 0 {
			delete(p.byOrg, conn.OrganizationID)
		}
	}
	conn.health = HealthDisconnected

	metrics.PoolActiveConnections.Set(float64(len(p.byID)))
	metrics.PoolShardConnections.WithLabelValues(strconv.Itoa(conn.PoolIndex)).Set(float64(len(p.shards[conn.PoolIndex])))

	p.deleteSnapshotAsync(connID)

	p.bus.Publish(events.ConnectionRemoved{
		ConnectionID:   connID,
		UserID:         conn.UserID,
		OrganizationID: conn.OrganizationID,
	})

	slog.Debug("Connection removed",
		"connection_id", connID,
		"user_id", conn.UserID,
		"cause", cause,
	)
}

func (p *Pool) handleDeliver(connIDs []string, payload []byte) int {
	delivered := 0
	for _, id := range connIDs {
		conn, ok := p.byID[id]
		if !ok {
			continue
		}
		if err := conn.Send(payload); err != nil {
			slog.Debug("Deliver failed", "connection_id", id, "error", err)
			continue
		}
		delivered++
	}
	return delivered
}

// selectOptimalShard returns the shard with the fewest healthy+warning
// connections; ties break to the lowest index. Least-loaded beats
// round-robin here because connections have very uneven lifetimes.
func (p *Pool) selectOptimalShard() int {
	best := 0
	bestCount := -1
	for i, shard := range p.shards {
		count := 0
		for _, conn := range shard {
			if conn.health == HealthHealthy || conn.health == HealthWarning {
				count++
			}
		}
		if bestCount == -1 || count < bestCount {
			best = i
			bestCount = count
		}
	}
	return best
}

func (p *Pool) handleHealthSweep() {
	now := p.clock.Now()
	counts := map[Health]int{}
	var evict []*Conn

	for _, conn := range p.byID {
		score := healthScore(now.Sub(conn.LastActivity()), conn.Errors(), conn.transport.Open())
		newHealth := classifyScore(score)
		if newHealth != conn.health {
			slog.Info("Connection health transition",
				"connection_id", conn.ID,
				"from", conn.health,
				"to", newHealth,
				"score", score,
			)
			conn.health = newHealth
		}
		counts[newHealth]++

		// Refresh the cached snapshot so its TTL outlives long connections
		// and health transitions stay visible to other instances.
		p.writeSnapshotAsync(conn.snapshot())

		if newHealth == HealthCritical && conn.Errors() > forceDisconnectErrors {
			evict = append(evict, conn)
		}
	}

	for _, conn := range evict {
		slog.Warn("Force-disconnecting unhealthy connection",
			"connection_id", conn.ID,
			"error_count", conn.Errors(),
		)
		metrics.PoolEvictionsTotal.WithLabelValues("health").Inc()
		_ = conn.transport.Close("connection unhealthy")
		p.handleRemove(conn.ID, "health")
	}

	score := aggregateHealthScore(counts[HealthHealthy], counts[HealthWarning], counts[HealthCritical])
	metrics.PoolHealthScore.Set(score)
	metrics.PoolConnectionsByHealth.WithLabelValues(string(HealthHealthy)).Set(float64(counts[HealthHealthy]))
	metrics.PoolConnectionsByHealth.WithLabelValues(string(HealthWarning)).Set(float64(counts[HealthWarning]))
	metrics.PoolConnectionsByHealth.WithLabelValues(string(HealthCritical)).Set(float64(counts[HealthCritical]))
}

func (p *Pool) handleMetricsSweep() {
	now := p.clock.Now()
	window := now.Sub(p.lastSweepAt).Seconds()
	if window <= 0 {
		return
	}
	p.lastSweepAt = now

	var totalMessages, totalBytes int64
	for _, conn := range p.byID {
		totalMessages += conn.messagesSent.Load() + conn.messagesReceived.Load()
		totalBytes += conn.bytesSent.Load() + conn.bytesReceived.Load()
	}

	msgRate := float64(totalMessages-p.prevMessages) / window
	byteRate := float64(totalBytes-p.prevBytes) / window
	if msgRate < 0 {
		msgRate = 0
	}
	if byteRate < 0 {
		byteRate = 0
	}
	p.prevMessages = totalMessages
	p.prevBytes = totalBytes

	utilization := float64(len(p.byID)) / float64(p.opts.MaxConnections) * 100

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	metrics.PoolUtilization.Set(utilization)
	metrics.PoolMessagesPerSecond.Set(msgRate)
	metrics.PoolBytesPerSecond.Set(byteRate)

	p.bus.Publish(events.MetricsUpdated{
		ActiveConnections: len(p.byID),
		Utilization:       utilization,
		MessagesPerSec:    msgRate,
		BytesPerSec:       byteRate,
		HeapBytes:         memStats.HeapAlloc,
	})

	// Threshold events are alerting signals only; admission control alone
	// rejects connections, and only at connect time.
	if p.opts.MemoryCeilingBytes > 0 && memStats.HeapAlloc > p.opts.MemoryCeilingBytes {
		slog.Warn("Memory above ceiling",
			"heap_bytes", memStats.HeapAlloc,
			"ceiling_bytes", p.opts.MemoryCeilingBytes,
		)
		p.bus.Publish(events.ThresholdMemory{HeapBytes: memStats.HeapAlloc, Ceiling: p.opts.MemoryCeilingBytes})
	}
	if utilization > capacityAlertPct {
		slog.Warn("Pool utilization above threshold",
			"utilization_pct", utilization,
			"threshold_pct", capacityAlertPct,
		)
		p.bus.Publish(events.ThresholdCapacity{Utilization: utilization, Threshold: capacityAlertPct})
	}
}

func (p *Pool) handleStats() Stats {
	counts := map[Health]int{}
	for _, conn := range p.byID {
		counts[conn.health]++
	}
	shards := make([]int, len(p.shards))
	for i, shard := range p.shards {
		shards[i] = len(shard)
	}
	return Stats{
		ActiveConnections: len(p.byID),
		Capacity:          p.opts.MaxConnections,
		Utilization:       float64(len(p.byID)) / float64(p.opts.MaxConnections) * 100,
		HealthScore:       aggregateHealthScore(counts[HealthHealthy], counts[HealthWarning], counts[HealthCritical]),
		ByHealth:          counts,
		Shards:            shards,
	}
}

func (p *Pool) handleShutdown() {
	total := len(p.byID)
	slog.Info("Pool shutting down", "connections", total)

	notice := []byte(`{"type":"shutdown","message":"server shutting down"}`)
	for _, conn := range p.byID {
		_ = conn.Send(notice)
	}

	if p.opts.ShutdownGrace > 0 {
		p.clock.Sleep(p.opts.ShutdownGrace)
	}

	p.closeAll("server shutting down")
	slog.Info("Pool shutdown complete", "disconnected_connections", total)
}

// closeAll force-disconnects every connection and clears all structures.
func (p *Pool) closeAll(reason string) {
	for _, conn := range p.byID {
		metrics.PoolEvictionsTotal.WithLabelValues("shutdown").Inc()
		_ = conn.transport.Close(reason)
		conn.health = HealthDisconnected
		p.deleteSnapshotAsync(conn.ID)
	}
	for i := range p.shards {
		p.shards[i] = make(map[string]*Conn)
	}
	p.byID = make(map[string]*Conn)
	p.byUser = make(map[string]map[string]*Conn)
	p.byOrg = make(map[string]map[string]*Conn)
	metrics.PoolActiveConnections.Set(0)
}

func (p *Pool) writeSnapshotAsync(snap Snapshot) {
	if p.snapshots == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), snapshotTimeout)
		defer cancel()
		if err := p.snapshots.SetConnection(ctx, snap); err != nil {
			slog.Warn("Failed to cache connection snapshot", "connection_id", snap.ID, "error", err)
		}
	}()
}

func (p *Pool) deleteSnapshotAsync(connID string) {
	if p.snapshots == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), snapshotTimeout)
		defer cancel()
		if err := p.snapshots.DeleteConnection(ctx, connID); err != nil {
			slog.Warn("Failed to delete connection snapshot", "connection_id", connID, "error", err)
		}
	}()
}
