package pool

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/pulseboard/realtime/internal/metrics"
)

const (
	writeDeadline  = 5 * time.Second
	pingInterval   = 30 * time.Second
	pongDeadline   = 60 * time.Second
	sendBufferSize = 16
)

// ErrSendBufferFull is returned by Send when the client cannot keep up with
// the outbound message rate.
var ErrSendBufferFull = errors.New("send buffer full")

// Transport is the socket collaborator consumed by the pool: identity,
// outbound delivery, readiness, forced disconnect and handshake metadata.
// Byte/message accounting lives on the Conn record, which wraps every
// Transport it is given — an explicit decorator rather than a patched
// send method.
type Transport interface {
	ID() string
	Send(data []byte) error
	Open() bool
	Close(reason string) error
	RemoteAddr() string
	UserAgent() string
}

// WSTransport adapts a gorilla WebSocket connection to the Transport
// interface. All writes funnel through a single writer goroutine with a
// buffered send channel; a full buffer means the client is slow and the
// message is dropped with ErrSendBufferFull.
type WSTransport struct {
	id         string
	conn       *websocket.Conn
	clock      clockwork.Clock
	remoteAddr string
	userAgent  string

	sendCh   chan []byte
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	open     atomic.Bool

	pongMu sync.Mutex
	onPong func()
}

func NewWSTransport(conn *websocket.Conn, remoteAddr, userAgent string, clock clockwork.Clock) *WSTransport {
	t := &WSTransport{
		id:         uuid.NewString(),
		conn:       conn,
		clock:      clock,
		remoteAddr: remoteAddr,
		userAgent:  userAgent,
		sendCh:     make(chan []byte, sendBufferSize),
		done:       make(chan struct{}),
	}
	t.open.Store(true)
	t.configurePongHandler()
	t.wg.Add(1)
	go t.run()
	return t
}

func (t *WSTransport) ID() string         { return t.id }
func (t *WSTransport) RemoteAddr() string { return t.remoteAddr }
func (t *WSTransport) UserAgent() string  { return t.userAgent }

func (t *WSTransport) Open() bool { return t.open.Load() }

// OnPong registers a callback invoked whenever the client answers a
// keepalive ping. The pool uses it to refresh connection activity.
func (t *WSTransport) OnPong(fn func()) {
	t.pongMu.Lock()
	t.onPong = fn
	t.pongMu.Unlock()
}

func (t *WSTransport) Send(data []byte) error {
	if !t.open.Load() {
		return errors.New("transport closed")
	}
	select {
	case t.sendCh <- data:
		return nil
	default:
		metrics.WebSocketSendBufferFull.Inc()
		return ErrSendBufferFull
	}
}

func (t *WSTransport) run() {
	ticker := t.clock.NewTicker(pingInterval)
	defer ticker.Stop()
	defer t.wg.Done()
	defer t.open.Store(false)

	for {
		select {
		case msg := <-t.sendCh:
			start := t.clock.Now()
			t.updateWriteDeadline()
			if err := t.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
			metrics.WebSocketMessageSendDuration.Observe(t.clock.Since(start).Seconds())
		case <-ticker.Chan():
			t.updateWriteDeadline()
			if err := t.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				metrics.WebSocketPingFailures.Inc()
				return
			}
		case <-t.done:
			return
		}
	}
}

// ReadMessage reads the next client frame, refreshing the read deadline.
// Only the connection's read pump may call this.
func (t *WSTransport) ReadMessage() ([]byte, error) {
	t.updateReadDeadline()
	_, data, err := t.conn.ReadMessage()
	return data, err
}

// Close sends a normal-closure close frame with the given reason and tears
// the socket down. Safe to call multiple times.
func (t *WSTransport) Close(reason string) error {
	return t.CloseWithCode(websocket.CloseNormalClosure, reason)
}

// CloseWithCode closes with an explicit close code, e.g. 1013 for capacity
// rejections.
func (t *WSTransport) CloseWithCode(code int, reason string) error {
	t.stopOnce.Do(func() {
		t.open.Store(false)

		// Stop the writer first so the close frame is the only write in flight.
		close(t.done)
		t.wg.Wait()

		closeMsg := websocket.FormatCloseMessage(code, reason)
		t.updateWriteDeadline()
		_ = t.conn.WriteMessage(websocket.CloseMessage, closeMsg)
		_ = t.conn.Close()
	})
	return nil
}

func (t *WSTransport) configurePongHandler() {
	t.updateReadDeadline()
	t.conn.SetPongHandler(func(string) error {
		t.updateReadDeadline()
		t.pongMu.Lock()
		fn := t.onPong
		t.pongMu.Unlock()
		if fn != nil {
			fn()
		}
		return nil
	})
}

func (t *WSTransport) updateWriteDeadline() {
	_ = t.conn.SetWriteDeadline(t.clock.Now().Add(writeDeadline))
}

func (t *WSTransport) updateReadDeadline() {
	_ = t.conn.SetReadDeadline(t.clock.Now().Add(pongDeadline))
}
