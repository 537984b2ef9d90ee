package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/go-redis/redis/v8"

	"showsync/broker/internal/logging"
)

// RedisBus uses one Redis pub/sub channel per server id.
type RedisBus struct {
	client redis.UniversalClient
	prefix string

	mu     sync.Mutex
	subs   []*redis.PubSub
	closed bool
}

// NewRedisBus publishes on channels named prefix + ":" + serverID.
func NewRedisBus(client redis.UniversalClient, prefix string) *RedisBus {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "showsync:deliveries"
	}
	return &RedisBus{client: client, prefix: prefix}
}

func (b *RedisBus) channel(serverID string) string {
	return b.prefix + ":" + serverID
}

// Publish encodes the delivery onto the target server's channel.
func (b *RedisBus) Publish(ctx context.Context, serverID string, delivery Delivery) error {
	data, err := json.Marshal(delivery)
	if err != nil {
		return fmt.Errorf("encode delivery: %w", err)
	}
	receivers, err := b.client.Publish(ctx, b.channel(serverID), data).Result()
	if err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	if receivers == 0 {
		return ErrNoSubscriber
	}
	return nil
}

// Subscribe listens on this server's channel and dispatches until ctx ends.
func (b *RedisBus) Subscribe(ctx context.Context, serverID string, handler Handler) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	b.mu.Unlock()

	//1.- Wait for the subscription confirmation so publishes after return are not lost.
	sub := b.client.Subscribe(ctx, b.channel(serverID))
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("redis subscribe: %w", err)
	}
	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	logger := logging.LoggerFromContext(ctx)
	messages := sub.Channel()
	go func() {
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				var delivery Delivery
				if err := json.Unmarshal([]byte(msg.Payload), &delivery); err != nil {
					logger.Warn("dropping undecodable delivery", logging.Error(err))
					continue
				}
				handler(ctx, delivery)
			}
		}
	}()
	return nil
}

// Type returns "redis".
func (b *RedisBus) Type() string { return "redis" }

// Close ends every subscription. The Redis client is owned by the caller.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, sub := range b.subs {
		_ = sub.Close()
	}
	b.subs = nil
	return nil
}
