// Package bus forwards frames to the broker instance that holds the target
// connection. Each instance subscribes under its own server id.
package bus

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("bus is closed")
	// ErrNoSubscriber is returned by the local bus when no instance listens under the server id.
	ErrNoSubscriber = errors.New("no subscriber for server")
)

// Delivery is one encoded frame addressed to a connection on a remote instance.
type Delivery struct {
	ConnectionID string `json:"connectionId"`
	Payload      []byte `json:"payload"`
}

// Handler consumes deliveries addressed to this instance.
type Handler func(ctx context.Context, delivery Delivery)

// Bus moves deliveries between instances.
type Bus interface {
	// Publish sends the delivery to the instance registered as serverID.
	Publish(ctx context.Context, serverID string, delivery Delivery) error
	// Subscribe consumes deliveries for serverID until ctx is cancelled.
	Subscribe(ctx context.Context, serverID string, handler Handler) error
	// Type names the backend for metrics.
	Type() string
	// Close releases the backend's connections.
	Close() error
}

// LocalBus connects instances living in the same process. It backs single
// instance deployments and multi-instance tests.
type LocalBus struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	closed   bool
}

// NewLocalBus constructs an in-process bus.
func NewLocalBus() *LocalBus {
	return &LocalBus{handlers: make(map[string]Handler)}
}

// Publish invokes the subscriber registered under serverID synchronously.
func (b *LocalBus) Publish(ctx context.Context, serverID string, delivery Delivery) error {
	b.mu.RLock()
	handler, ok := b.handlers[serverID]
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	if !ok {
		return ErrNoSubscriber
	}
	handler(ctx, delivery)
	return nil
}

// Subscribe registers handler for serverID until ctx ends.
func (b *LocalBus) Subscribe(ctx context.Context, serverID string, handler Handler) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	b.handlers[serverID] = handler
	b.mu.Unlock()
	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.handlers, serverID)
		b.mu.Unlock()
	}()
	return nil
}

// Type returns "local".
func (b *LocalBus) Type() string { return "local" }

// Close drops every subscriber.
func (b *LocalBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.handlers = make(map[string]Handler)
	return nil
}
