// Package offline buffers outbound operations while a client is disconnected
// and replays them in order once the connection is back.
package offline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"showsync/broker/internal/protocol"
)

// DefaultCapacity bounds the number of pending operations.
const DefaultCapacity = 1024

var (
	// ErrQueueFull is returned by Enqueue when the capacity is exhausted.
	ErrQueueFull = errors.New("offline queue is full")
	// ErrRejected marks an operation the server refused permanently. Flush
	// drops such operations instead of retrying them forever.
	ErrRejected = errors.New("operation rejected")
)

// PendingOperation is one buffered envelope awaiting acknowledgement.
type PendingOperation struct {
	OpID       string            `json:"opId"`
	Envelope   protocol.Envelope `json:"envelope"`
	EnqueuedAt time.Time         `json:"enqueuedAt"`
	Attempts   int               `json:"attempts"`
}

// Sender transmits one envelope and blocks until it is acknowledged, the
// server reports an error, or ctx ends.
type Sender interface {
	SendAndWait(ctx context.Context, env protocol.Envelope) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, env protocol.Envelope) error

// SendAndWait calls f.
func (f SenderFunc) SendAndWait(ctx context.Context, env protocol.Envelope) error {
	return f(ctx, env)
}

// FlushResult reports the outcome of one Flush.
type FlushResult struct {
	Delivered []string
	Rejected  []string
	Remaining int
	Err       error
}

// Option configures a Queue.
type Option func(*Queue)

// WithCapacity bounds the queue length.
func WithCapacity(capacity int) Option {
	return func(q *Queue) {
		if capacity > 0 {
			q.capacity = capacity
		}
	}
}

// WithPersistence stores the queue at path so a restarted client keeps its
// pending operations.
func WithPersistence(path string) Option {
	return func(q *Queue) {
		q.path = strings.TrimSpace(path)
	}
}

// WithClock injects the time source used for enqueue timestamps.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) {
		if now != nil {
			q.now = now
		}
	}
}

// WithIDGenerator replaces the op id generator.
func WithIDGenerator(next func() string) Option {
	return func(q *Queue) {
		if next != nil {
			q.newID = next
		}
	}
}

// Queue is an ordered, bounded buffer of pending operations.
type Queue struct {
	mu       sync.Mutex
	flushMu  sync.Mutex
	ops      []PendingOperation
	capacity int
	path     string
	now      func() time.Time
	newID    func() string
}

// NewQueue builds a queue, restoring persisted operations when configured.
func NewQueue(opts ...Option) (*Queue, error) {
	queue := &Queue{capacity: DefaultCapacity, now: time.Now, newID: uuid.NewString}
	for _, opt := range opts {
		if opt != nil {
			opt(queue)
		}
	}
	if queue.path != "" {
		if err := queue.load(); err != nil {
			return nil, err
		}
	}
	return queue, nil
}

// Enqueue appends env and returns its op id, assigning one when missing.
func (q *Queue) Enqueue(env protocol.Envelope) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.ops) >= q.capacity {
		return "", ErrQueueFull
	}
	if strings.TrimSpace(env.OpID) == "" {
		env.OpID = q.newID()
	}
	q.ops = append(q.ops, PendingOperation{OpID: env.OpID, Envelope: env, EnqueuedAt: q.now().UTC()})
	if err := q.persistLocked(); err != nil {
		q.ops = q.ops[:len(q.ops)-1]
		return "", err
	}
	return env.OpID, nil
}

// Flush replays pending operations in enqueue order, one at a time. It stops
// at the first failed send and keeps that operation and everything behind it.
func (q *Queue) Flush(ctx context.Context, sender Sender) FlushResult {
	q.flushMu.Lock()
	defer q.flushMu.Unlock()

	var result FlushResult
	for {
		if err := ctx.Err(); err != nil {
			result.Err = err
			break
		}
		//1.- Copy the head out so Enqueue is never blocked behind the network.
		head, ok := q.beginAttempt()
		if !ok {
			break
		}
		err := sender.SendAndWait(ctx, head.Envelope)
		switch {
		case err == nil:
			result.Delivered = append(result.Delivered, head.OpID)
		case errors.Is(err, ErrRejected):
			result.Rejected = append(result.Rejected, head.OpID)
		default:
			result.Err = fmt.Errorf("flush %s: %w", head.OpID, err)
		}
		if result.Err != nil {
			break
		}
		//2.- Only acknowledged or rejected operations leave the queue.
		if err := q.removeHead(head.OpID); err != nil {
			result.Err = err
			break
		}
	}
	result.Remaining = q.Len()
	return result
}

// Len returns the number of pending operations.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ops)
}

// Pending returns a copy of the pending operations in order.
func (q *Queue) Pending() []PendingOperation {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]PendingOperation(nil), q.ops...)
}

func (q *Queue) beginAttempt() (PendingOperation, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.ops) == 0 {
		return PendingOperation{}, false
	}
	q.ops[0].Attempts++
	return q.ops[0], true
}

func (q *Queue) removeHead(opID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.ops) == 0 || q.ops[0].OpID != opID {
		return nil
	}
	q.ops = q.ops[1:]
	return q.persistLocked()
}

func (q *Queue) load() error {
	data, err := os.ReadFile(q.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read offline queue: %w", err)
	}
	if len(data) == 0 {
		return nil
	}
	var ops []PendingOperation
	if err := json.Unmarshal(data, &ops); err != nil {
		return fmt.Errorf("decode offline queue: %w", err)
	}
	q.ops = ops
	return nil
}

func (q *Queue) persistLocked() error {
	if q.path == "" {
		return nil
	}
	data, err := json.Marshal(q.ops)
	if err != nil {
		return fmt.Errorf("encode offline queue: %w", err)
	}
	if dir := filepath.Dir(q.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create queue dir: %w", err)
		}
	}
	//1.- Write to a sibling file and rename so a crash never leaves a torn queue.
	tmp := q.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write offline queue: %w", err)
	}
	if err := os.Rename(tmp, q.path); err != nil {
		return fmt.Errorf("replace offline queue: %w", err)
	}
	return nil
}
