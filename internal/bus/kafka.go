package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/cenkalti/backoff/v4"

	"showsync/broker/internal/logging"
)

const (
	kafkaMaxRetries     = 3
	kafkaInitialBackoff = 100 * time.Millisecond
	kafkaMaxBackoff     = 2 * time.Second
	serverIDHeader      = "server_id"
)

// GroupFactory creates the consumer group an instance reads with.
type GroupFactory func(groupID string) (sarama.ConsumerGroup, error)

// KafkaBus shares one topic between instances. Messages are keyed by the
// target server id and every instance consumes with its own group, skipping
// deliveries addressed elsewhere.
type KafkaBus struct {
	topic     string
	groupBase string
	producer  sarama.SyncProducer
	newGroup  GroupFactory

	mu     sync.Mutex
	groups []sarama.ConsumerGroup
	closed bool
}

// NewKafkaConfig returns the sarama configuration used for the delivery topic.
func NewKafkaConfig() *sarama.Config {
	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForLocal
	config.Producer.Retry.Max = kafkaMaxRetries
	config.Producer.Return.Successes = true
	config.Producer.Compression = sarama.CompressionSnappy
	config.Consumer.Return.Errors = true
	config.Consumer.Offsets.Initial = sarama.OffsetNewest
	config.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	config.Consumer.Group.Session.Timeout = 10 * time.Second
	config.Consumer.Group.Heartbeat.Interval = 3 * time.Second
	config.Version = sarama.V2_8_0_0
	return config
}

// NewKafkaBus dials the brokers.
func NewKafkaBus(brokers []string, topic, groupBase string) (*KafkaBus, error) {
	config := NewKafkaConfig()
	producer, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka producer: %w", err)
	}
	factory := func(groupID string) (sarama.ConsumerGroup, error) {
		return sarama.NewConsumerGroup(brokers, groupID, config)
	}
	return NewKafkaBusWithClients(producer, factory, topic, groupBase), nil
}

// NewKafkaBusWithClients wires pre-built sarama clients.
func NewKafkaBusWithClients(producer sarama.SyncProducer, factory GroupFactory, topic, groupBase string) *KafkaBus {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		topic = "showsync.deliveries"
	}
	groupBase = strings.TrimSpace(groupBase)
	if groupBase == "" {
		groupBase = "showsync"
	}
	return &KafkaBus{topic: topic, groupBase: groupBase, producer: producer, newGroup: factory}
}

// Publish produces the delivery keyed by the target server id, retrying with backoff.
func (b *KafkaBus) Publish(ctx context.Context, serverID string, delivery Delivery) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrClosed
	}
	data, err := json.Marshal(delivery)
	if err != nil {
		return fmt.Errorf("encode delivery: %w", err)
	}
	message := &sarama.ProducerMessage{
		Topic:     b.topic,
		Key:       sarama.StringEncoder(serverID),
		Value:     sarama.ByteEncoder(data),
		Headers:   []sarama.RecordHeader{{Key: []byte(serverIDHeader), Value: []byte(serverID)}},
		Timestamp: time.Now(),
	}
	strategy := backoff.WithContext(
		backoff.WithMaxRetries(
			backoff.NewExponentialBackOff(
				backoff.WithInitialInterval(kafkaInitialBackoff),
				backoff.WithMaxInterval(kafkaMaxBackoff),
			),
			kafkaMaxRetries,
		),
		ctx,
	)
	logger := logging.LoggerFromContext(ctx)
	return backoff.RetryNotify(func() error {
		_, _, err := b.producer.SendMessage(message)
		return err
	}, strategy, func(err error, wait time.Duration) {
		logger.Warn("retrying kafka publish", logging.String("server_id", serverID), logging.Duration("wait", wait), logging.Error(err))
	})
}

// Subscribe joins a consumer group unique to serverID and dispatches matching deliveries.
func (b *KafkaBus) Subscribe(ctx context.Context, serverID string, handler Handler) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	b.mu.Unlock()
	if b.newGroup == nil {
		return errors.New("kafka consumer group factory not configured")
	}
	group, err := b.newGroup(b.groupBase + "-" + serverID)
	if err != nil {
		return fmt.Errorf("failed to create Kafka consumer group: %w", err)
	}
	b.mu.Lock()
	b.groups = append(b.groups, group)
	b.mu.Unlock()

	logger := logging.LoggerFromContext(ctx)
	consumer := &deliveryConsumer{serverID: serverID, handler: handler, ready: make(chan struct{}), logger: logger}
	go func() {
		for {
			if err := group.Consume(ctx, []string{b.topic}, consumer); err != nil {
				if errors.Is(err, sarama.ErrClosedConsumerGroup) {
					return
				}
				logger.Warn("kafka consume failed", logging.Error(err))
			}
			if ctx.Err() != nil {
				return
			}
		}
	}()
	go func() {
		for err := range group.Errors() {
			logger.Warn("kafka consumer group error", logging.Error(err))
		}
	}()

	select {
	case <-consumer.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(10 * time.Second):
		return errors.New("timeout waiting for kafka consumer to be ready")
	}
}

// Type returns "kafka".
func (b *KafkaBus) Type() string { return "kafka" }

// Close shuts the producer and every consumer group.
func (b *KafkaBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	var errs []error
	if err := b.producer.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close producer: %w", err))
	}
	for _, group := range b.groups {
		if err := group.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close consumer group: %w", err))
		}
	}
	return errors.Join(errs...)
}

type deliveryConsumer struct {
	serverID string
	handler  Handler
	ready    chan struct{}
	once     sync.Once
	logger   *logging.Logger
}

func (c *deliveryConsumer) Setup(sarama.ConsumerGroupSession) error {
	c.once.Do(func() { close(c.ready) })
	return nil
}

func (c *deliveryConsumer) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (c *deliveryConsumer) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case message, ok := <-claim.Messages():
			if !ok || message == nil {
				return nil
			}
			c.consume(session.Context(), message)
			session.MarkMessage(message, "")
		case <-session.Context().Done():
			return nil
		}
	}
}

func (c *deliveryConsumer) consume(ctx context.Context, message *sarama.ConsumerMessage) {
	//1.- Skip deliveries addressed to other instances sharing the topic.
	if string(message.Key) != c.serverID {
		return
	}
	var delivery Delivery
	if err := json.Unmarshal(message.Value, &delivery); err != nil {
		c.logger.Warn("dropping undecodable delivery", logging.Error(err))
		return
	}
	c.handler(ctx, delivery)
}
