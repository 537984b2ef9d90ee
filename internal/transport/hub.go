// Package transport owns the WebSocket connections held by this instance and
// delivers frames to sessions wherever they are connected.
package transport

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"showsync/broker/internal/logging"
	"showsync/broker/internal/metrics"
)

// ErrStaleSession reports that a target connection is gone, closed or not
// draining its send buffer. The owning session should be expired.
var ErrStaleSession = errors.New("stale session")

const (
	defaultSendBuffer   = 64
	defaultPingInterval = 30 * time.Second
	defaultWriteTimeout = 10 * time.Second
)

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithSendBuffer sets the per-connection outbound queue length.
func WithSendBuffer(size int) HubOption {
	return func(h *Hub) {
		if size > 0 {
			h.sendBuffer = size
		}
	}
}

// WithPingInterval sets the keepalive interval. The read deadline is twice the interval.
func WithPingInterval(interval time.Duration) HubOption {
	return func(h *Hub) {
		if interval > 0 {
			h.pingInterval = interval
		}
	}
}

// WithWriteTimeout bounds each socket write.
func WithWriteTimeout(timeout time.Duration) HubOption {
	return func(h *Hub) {
		if timeout > 0 {
			h.writeTimeout = timeout
		}
	}
}

// Hub tracks local connections by connection id.
type Hub struct {
	mu    sync.RWMutex
	conns map[string]*Conn

	sendBuffer   int
	pingInterval time.Duration
	writeTimeout time.Duration
}

// NewHub constructs an empty hub.
func NewHub(opts ...HubOption) *Hub {
	hub := &Hub{
		conns:        make(map[string]*Conn),
		sendBuffer:   defaultSendBuffer,
		pingInterval: defaultPingInterval,
		writeTimeout: defaultWriteTimeout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(hub)
		}
	}
	return hub
}

// Conn is one local WebSocket with its buffered writer.
type Conn struct {
	id     string
	ws     *websocket.Conn
	send   chan []byte
	done   chan struct{}
	once   sync.Once
	hub    *Hub
	logger *logging.Logger
}

// ID returns the connection id.
func (c *Conn) ID() string { return c.id }

// Register adopts ws under connectionID and starts its writer goroutine.
func (h *Hub) Register(ctx context.Context, connectionID string, ws *websocket.Conn) *Conn {
	conn := &Conn{
		id:     connectionID,
		ws:     ws,
		send:   make(chan []byte, h.sendBuffer),
		done:   make(chan struct{}),
		hub:    h,
		logger: logging.LoggerFromContext(ctx).With(logging.String("connection_id", connectionID)),
	}
	h.mu.Lock()
	previous := h.conns[connectionID]
	h.conns[connectionID] = conn
	h.mu.Unlock()
	if previous != nil {
		previous.Close()
	}
	metrics.ActiveConnections.Inc()
	go conn.writePump()
	return conn
}

// Deliver queues data for the connection without blocking.
func (h *Hub) Deliver(connectionID string, data []byte) error {
	h.mu.RLock()
	conn, ok := h.conns[connectionID]
	h.mu.RUnlock()
	if !ok {
		return ErrStaleSession
	}
	return conn.Enqueue(data)
}

// Lookup returns the live connection for connectionID.
func (h *Hub) Lookup(connectionID string) (*Conn, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	conn, ok := h.conns[connectionID]
	return conn, ok
}

// Evict closes the local connection with a close code the peer can act on.
// It reports whether the connection was held here.
func (h *Hub) Evict(connectionID string, code int, reason string) bool {
	conn, ok := h.Lookup(connectionID)
	if !ok {
		return false
	}
	conn.CloseWith(code, reason)
	return true
}

// Count reports the number of local connections.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Close terminates every connection.
func (h *Hub) Close() {
	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.conns))
	for _, conn := range h.conns {
		conns = append(conns, conn)
	}
	h.mu.RUnlock()
	for _, conn := range conns {
		conn.Close()
	}
}

func (h *Hub) remove(conn *Conn) {
	h.mu.Lock()
	if current, ok := h.conns[conn.id]; ok && current == conn {
		delete(h.conns, conn.id)
	}
	h.mu.Unlock()
}

// Enqueue places data on the send buffer. A full buffer closes the connection.
func (c *Conn) Enqueue(data []byte) error {
	select {
	case <-c.done:
		return ErrStaleSession
	default:
	}
	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return ErrStaleSession
	default:
		//1.- A peer that stopped draining is cut loose rather than slowing the room.
		c.logger.Warn("send buffer full, closing connection")
		c.Close()
		return ErrStaleSession
	}
}

// Done is closed once the connection shuts down.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Close unregisters the connection and closes the socket once.
func (c *Conn) Close() {
	c.once.Do(func() {
		close(c.done)
		c.hub.remove(c)
		metrics.ActiveConnections.Dec()
		_ = c.ws.Close()
	})
}

// CloseWith sends a close frame carrying code and reason, then closes.
func (c *Conn) CloseWith(code int, reason string) {
	select {
	case <-c.done:
		return
	default:
	}
	_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
	c.Close()
}

// ReadLoop hands each inbound text frame to handle, one at a time, until the
// socket fails or ctx ends. Pongs extend the read deadline.
func (c *Conn) ReadLoop(ctx context.Context, maxBytes int64, handle func(ctx context.Context, data []byte)) error {
	defer c.Close()
	if maxBytes > 0 {
		c.ws.SetReadLimit(maxBytes)
	}
	deadline := 2 * c.hub.pingInterval
	_ = c.ws.SetReadDeadline(time.Now().Add(deadline))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(deadline))
	})
	go func() {
		select {
		case <-ctx.Done():
			c.Close()
		case <-c.done:
		}
	}()
	for {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				return err
			}
			return nil
		}
		if messageType != websocket.TextMessage {
			continue
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(deadline))
		handle(ctx, data)
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(c.hub.pingInterval)
	defer func() {
		ticker.Stop()
		c.Close()
	}()
	for {
		select {
		case <-c.done:
			_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			return
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.hub.writeTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				metrics.DeliveryFailures.Inc()
				c.logger.Debug("write failed", logging.Error(err))
				return
			}
			metrics.FramesSent.Inc()
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.hub.writeTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
