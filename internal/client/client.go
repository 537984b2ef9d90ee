// Package client is a reconnecting WebSocket client for the sync broker. Every
// state change goes through the offline queue, so operations issued while the
// link is down are replayed in order once it comes back.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"showsync/broker/internal/logging"
	"showsync/broker/internal/offline"
	"showsync/broker/internal/protocol"
)

// DefaultAckTimeout bounds how long SendAndWait waits for the server's ack.
const DefaultAckTimeout = 5 * time.Second

var (
	// ErrNotConnected is returned when no link to the broker is open.
	ErrNotConnected = errors.New("client is not connected")
	// ErrAckTimeout is returned when the server did not answer in time.
	ErrAckTimeout = errors.New("timed out waiting for ack")
	// ErrServer wraps transient error frames the server flagged as retryable.
	ErrServer = errors.New("server error")
)

// FrameHandler observes every frame received from the broker.
type FrameHandler func(frame protocol.Frame)

// Option configures a Client.
type Option func(*Client)

// WithToken sets the bearer token presented on connect.
func WithToken(token string) Option {
	return func(c *Client) {
		c.token = strings.TrimSpace(token)
	}
}

// WithQueue replaces the default in-memory offline queue.
func WithQueue(queue *offline.Queue) Option {
	return func(c *Client) {
		if queue != nil {
			c.queue = queue
		}
	}
}

// WithAckTimeout overrides DefaultAckTimeout.
func WithAckTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 {
			c.ackTimeout = timeout
		}
	}
}

// WithFrameHandler registers a callback for inbound frames.
func WithFrameHandler(handler FrameHandler) Option {
	return func(c *Client) {
		c.onFrame = handler
	}
}

// WithDialer replaces websocket.DefaultDialer.
func WithDialer(dialer *websocket.Dialer) Option {
	return func(c *Client) {
		if dialer != nil {
			c.dialer = dialer
		}
	}
}

// WithBackOff sets the reconnect policy factory.
func WithBackOff(factory func() backoff.BackOff) Option {
	return func(c *Client) {
		if factory != nil {
			c.newBackOff = factory
		}
	}
}

// WithSequenceStart seeds the clientSequence counter.
func WithSequenceStart(start uint64) Option {
	return func(c *Client) {
		c.sequence.Store(start)
	}
}

// WithLogger sets the client logger.
func WithLogger(logger *logging.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.log = logger
		}
	}
}

// link is one open WebSocket connection.
type link struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
	done    chan struct{}
}

// Client talks to one room on the broker.
type Client struct {
	endpoint   string
	roomID     string
	senderID   string
	token      string
	dialer     *websocket.Dialer
	queue      *offline.Queue
	ackTimeout time.Duration
	onFrame    FrameHandler
	newBackOff func() backoff.BackOff
	log        *logging.Logger
	sequence   atomic.Uint64

	mu      sync.Mutex
	current *link
	waiters map[string]chan protocol.Frame
}

// New builds a client for endpoint, the broker's /ws URL.
func New(endpoint, roomID, senderID string, opts ...Option) (*Client, error) {
	if _, err := url.Parse(endpoint); err != nil || strings.TrimSpace(endpoint) == "" {
		return nil, fmt.Errorf("invalid endpoint %q", endpoint)
	}
	if strings.TrimSpace(roomID) == "" || strings.TrimSpace(senderID) == "" {
		return nil, errors.New("room id and sender id are required")
	}
	c := &Client{
		endpoint:   endpoint,
		roomID:     roomID,
		senderID:   senderID,
		dialer:     websocket.DefaultDialer,
		ackTimeout: DefaultAckTimeout,
		newBackOff: func() backoff.BackOff { return backoff.NewExponentialBackOff(backoff.WithMaxElapsedTime(0)) },
		log:        logging.L(),
		waiters:    make(map[string]chan protocol.Frame),
	}
	//1.- Seed the sequence from the wall clock so a restarted client keeps winning over its earlier writes.
	c.sequence.Store(uint64(time.Now().UnixMilli()))
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	if c.queue == nil {
		queue, err := offline.NewQueue()
		if err != nil {
			return nil, err
		}
		c.queue = queue
	}
	return c, nil
}

// Queue exposes the offline queue.
func (c *Client) Queue() *offline.Queue { return c.queue }

// Connected reports whether a link is open.
func (c *Client) Connected() bool {
	return c.link() != nil
}

// Dial opens one connection without retrying.
func (c *Client) Dial(ctx context.Context) error {
	target, err := url.Parse(c.endpoint)
	if err != nil {
		return backoff.Permanent(err)
	}
	query := target.Query()
	query.Set("room", c.roomID)
	target.RawQuery = query.Encode()
	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}
	ws, resp, err := c.dialer.DialContext(ctx, target.String(), header)
	if err != nil {
		//1.- Credential problems will not fix themselves, so stop retrying.
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return backoff.Permanent(fmt.Errorf("connect rejected: %s", resp.Status))
		}
		return err
	}
	l := &link{ws: ws, done: make(chan struct{})}
	c.mu.Lock()
	c.current = l
	c.mu.Unlock()
	go c.readLoop(l)
	return nil
}

// Connect dials with exponential backoff until it succeeds or ctx ends.
func (c *Client) Connect(ctx context.Context) error {
	policy := backoff.WithContext(c.newBackOff(), ctx)
	return backoff.RetryNotify(func() error { return c.Dial(ctx) }, policy, func(err error, wait time.Duration) {
		c.log.Warn("connect failed, retrying", logging.Error(err), logging.Duration("retry_in", wait))
	})
}

// Run keeps the client connected until ctx ends, flushing the offline queue
// after every reconnect.
func (c *Client) Run(ctx context.Context) error {
	for {
		if err := c.Connect(ctx); err != nil {
			return err
		}
		if result := c.Flush(ctx); result.Err != nil {
			c.log.Warn("offline flush incomplete", logging.Error(result.Err), logging.Int("remaining", result.Remaining))
		}
		l := c.link()
		if l == nil {
			continue
		}
		select {
		case <-ctx.Done():
			c.Close()
			return ctx.Err()
		case <-l.done:
			c.log.Info("connection lost, reconnecting")
		}
	}
}

// Flush replays the offline queue over the current link.
func (c *Client) Flush(ctx context.Context) offline.FlushResult {
	if !c.Connected() {
		return offline.FlushResult{Remaining: c.queue.Len(), Err: ErrNotConnected}
	}
	return c.queue.Flush(ctx, c)
}

// Sync proposes a new value for key.
func (c *Client) Sync(ctx context.Context, key string, value any) (string, error) {
	encoded, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("encode value: %w", err)
	}
	return c.submit(ctx, protocol.TypeSync, protocol.SyncPayload{Key: key, Value: encoded})
}

// Preset activates a preset.
func (c *Client) Preset(ctx context.Context, preset protocol.PresetPayload) (string, error) {
	return c.submit(ctx, protocol.TypePreset, preset)
}

// Performance reports this client's render metrics.
func (c *Client) Performance(ctx context.Context, sample protocol.PerformancePayload) (string, error) {
	return c.submit(ctx, protocol.TypePerformance, sample)
}

// Chat posts a message to the room.
func (c *Client) Chat(ctx context.Context, text string) (string, error) {
	return c.submit(ctx, protocol.TypeChat, protocol.ChatPayload{Text: text})
}

// submit enqueues the operation and flushes when a link is open. With no
// link the operation stays queued and its op id is still returned.
func (c *Client) submit(ctx context.Context, kind protocol.Type, payload any) (string, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode payload: %w", err)
	}
	env := protocol.Envelope{
		Type:            kind,
		SenderID:        c.senderID,
		RoomID:          c.roomID,
		Payload:         encoded,
		ClientSequence:  c.sequence.Add(1),
		OriginTimestamp: time.Now().UnixMilli(),
	}
	opID, err := c.queue.Enqueue(env)
	if err != nil {
		return "", err
	}
	if !c.Connected() {
		return opID, nil
	}
	if result := c.queue.Flush(ctx, c); result.Err != nil {
		return opID, result.Err
	}
	return opID, nil
}

// SendAndWait writes env and waits for the matching ack or error frame.
func (c *Client) SendAndWait(ctx context.Context, env protocol.Envelope) error {
	l := c.link()
	if l == nil {
		return ErrNotConnected
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("%w: %v", offline.ErrRejected, err)
	}
	reply := make(chan protocol.Frame, 1)
	c.mu.Lock()
	c.waiters[env.OpID] = reply
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.waiters, env.OpID)
		c.mu.Unlock()
	}()

	l.writeMu.Lock()
	err = l.ws.WriteMessage(websocket.TextMessage, data)
	l.writeMu.Unlock()
	if err != nil {
		c.drop(l)
		return err
	}

	timer := time.NewTimer(c.ackTimeout)
	defer timer.Stop()
	select {
	case frame := <-reply:
		if frame.Type == protocol.TypeAck {
			return nil
		}
		if frame.Retryable {
			return fmt.Errorf("%w: %s", ErrServer, frame.Message)
		}
		return fmt.Errorf("%w: %s", offline.ErrRejected, frame.Message)
	case <-l.done:
		return ErrNotConnected
	case <-timer.C:
		return ErrAckTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close shuts the current link.
func (c *Client) Close() {
	if l := c.link(); l != nil {
		l.writeMu.Lock()
		_ = l.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		l.writeMu.Unlock()
		c.drop(l)
	}
}

func (c *Client) link() *link {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *Client) drop(l *link) {
	c.mu.Lock()
	if c.current == l {
		c.current = nil
	}
	c.mu.Unlock()
	_ = l.ws.Close()
}

func (c *Client) readLoop(l *link) {
	defer close(l.done)
	defer c.drop(l)
	for {
		_, data, err := l.ws.ReadMessage()
		if err != nil {
			return
		}
		frame, err := protocol.DecodeFrame(data)
		if err != nil {
			c.log.Debug("ignoring undecodable frame", logging.Error(err))
			continue
		}
		//1.- Route acks and errors to the waiting sender before notifying observers.
		if frame.OpID != "" && (frame.Type == protocol.TypeAck || frame.Type == protocol.TypeError) {
			c.mu.Lock()
			reply, ok := c.waiters[frame.OpID]
			c.mu.Unlock()
			if ok {
				select {
				case reply <- frame:
				default:
				}
			}
		}
		if c.onFrame != nil {
			c.onFrame(frame)
		}
	}
}
