package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"showsync/broker/internal/logging"
	"showsync/broker/internal/metrics"
	"showsync/broker/internal/storage"
)

// DefaultMaxAttempts bounds how often Apply re-reads after losing a
// compare-and-swap race.
const DefaultMaxAttempts = 8

// ErrInvalidUpdate is returned when an update lacks its room or key.
var ErrInvalidUpdate = errors.New("update requires room and key")

// Option configures an Engine.
type Option func(*Engine)

// WithClock injects the time source used for stamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithRetryPolicy overrides the retry policy for store calls.
func WithRetryPolicy(policy storage.RetryPolicy) Option {
	return func(e *Engine) {
		e.policy = policy
	}
}

// WithMaxAttempts bounds compare-and-swap retries.
func WithMaxAttempts(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxAttempts = n
		}
	}
}

// WithObserver registers a callback for every applied entry.
func WithObserver(observer Observer) Option {
	return func(e *Engine) {
		if observer != nil {
			e.observers = append(e.observers, observer)
		}
	}
}

// Engine resolves updates against the stored state.
type Engine struct {
	state       StateStore
	dedup       DedupStore
	policy      storage.RetryPolicy
	maxAttempts int
	now         func() time.Time

	mu        sync.RWMutex
	observers []Observer
}

// NewEngine wires the engine to its stores.
func NewEngine(state StateStore, dedup DedupStore, opts ...Option) *Engine {
	engine := &Engine{
		state:       state,
		dedup:       dedup,
		policy:      storage.DefaultRetryPolicy(),
		maxAttempts: DefaultMaxAttempts,
		now:         time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(engine)
		}
	}
	return engine
}

// Observe registers an observer after construction.
func (e *Engine) Observe(observer Observer) {
	if e == nil || observer == nil {
		return
	}
	e.mu.Lock()
	e.observers = append(e.observers, observer)
	e.mu.Unlock()
}

// Apply resolves u against the stored entry and returns the converged value.
func (e *Engine) Apply(ctx context.Context, u Update) (Resolved, error) {
	if e == nil {
		return Resolved{}, fmt.Errorf("engine is nil")
	}
	if strings.TrimSpace(u.RoomID) == "" || strings.TrimSpace(u.Key) == "" {
		return Resolved{}, ErrInvalidUpdate
	}
	logger := logging.LoggerFromContext(ctx)

	//1.- Short-circuit operations this sender already had resolved in this room.
	if u.OpID != "" && e.dedup != nil {
		var (
			record OpRecord
			seen   bool
		)
		err := storage.Retry(ctx, e.policy, func() error {
			var err error
			record, seen, err = e.dedup.Lookup(ctx, u.RoomID, u.SenderID, u.OpID)
			return err
		})
		if err != nil {
			metrics.StoreErrors.WithLabelValues("dedup_lookup").Inc()
			return Resolved{}, err
		}
		if seen && record.RoomID == u.RoomID {
			metrics.StateApplied.WithLabelValues("duplicate").Inc()
			return Resolved{RoomID: record.RoomID, Entry: record.Entry, Duplicate: true}, nil
		}
	}

	now := e.now()
	originTimestamp := u.OriginTimestamp
	if originTimestamp == 0 {
		originTimestamp = now.UnixMilli()
	}
	candidate := Entry{
		Key:                u.Key,
		Value:              u.Value,
		Sequence:           u.ClientSequence,
		OriginTimestamp:    originTimestamp,
		OriginConnectionID: u.OriginConnectionID,
		OriginSenderID:     u.SenderID,
		UpdatedAt:          now.UTC(),
	}

	//2.- Read, resolve and conditionally write until no concurrent writer interferes.
	var result Resolved
	resolved := false
	for attempt := 0; attempt < e.maxAttempts && !resolved; attempt++ {
		current, found, err := e.load(ctx, u.RoomID, u.Key)
		if err != nil {
			metrics.StoreErrors.WithLabelValues("state_get").Inc()
			return Resolved{}, err
		}
		if found && !Newer(candidate, current) {
			result = Resolved{RoomID: u.RoomID, Entry: current}
			resolved = true
			break
		}
		next := candidate
		next.Revision = current.Revision + 1
		err = storage.Retry(ctx, e.policy, func() error {
			return e.state.CompareAndSwap(ctx, u.RoomID, next, current.Revision)
		})
		if errors.Is(err, storage.ErrConflict) {
			metrics.StateConflicts.Inc()
			continue
		}
		if err != nil {
			metrics.StoreErrors.WithLabelValues("state_cas").Inc()
			return Resolved{}, err
		}
		result = Resolved{RoomID: u.RoomID, Entry: next, Applied: true}
		resolved = true
	}
	if !resolved {
		metrics.StoreErrors.WithLabelValues("state_contention").Inc()
		return Resolved{}, fmt.Errorf("%w: %d conflicting writes on %s/%s", storage.ErrUnavailable, e.maxAttempts, u.RoomID, u.Key)
	}

	//3.- Remember the outcome; a lost record only costs an idempotent re-resolution.
	if u.OpID != "" && e.dedup != nil {
		err := storage.Retry(ctx, e.policy, func() error {
			return e.dedup.Remember(ctx, u.RoomID, u.SenderID, u.OpID, OpRecord{RoomID: u.RoomID, Entry: result.Entry})
		})
		if err != nil {
			metrics.StoreErrors.WithLabelValues("dedup_remember").Inc()
			logger.Warn("failed to record operation", logging.String("op_id", u.OpID), logging.Error(err))
		}
	}

	if result.Applied {
		metrics.StateApplied.WithLabelValues("applied").Inc()
		e.notify(u.RoomID, result.Entry)
	} else {
		metrics.StateApplied.WithLabelValues("superseded").Inc()
	}
	return result, nil
}

// Snapshot returns every entry of the room sorted by key.
func (e *Engine) Snapshot(ctx context.Context, roomID string) ([]Entry, error) {
	if e == nil {
		return nil, fmt.Errorf("engine is nil")
	}
	var entries []Entry
	err := storage.Retry(ctx, e.policy, func() error {
		var err error
		entries, err = e.state.List(ctx, roomID)
		return err
	})
	if err != nil {
		metrics.StoreErrors.WithLabelValues("state_list").Inc()
		return nil, err
	}
	return entries, nil
}

// DropRoom discards the room's state and remembered operations once nobody
// is left in it.
func (e *Engine) DropRoom(ctx context.Context, roomID string) error {
	if e == nil {
		return fmt.Errorf("engine is nil")
	}
	err := storage.Retry(ctx, e.policy, func() error {
		return e.state.DropRoom(ctx, roomID)
	})
	if err != nil || e.dedup == nil {
		return err
	}
	return storage.Retry(ctx, e.policy, func() error {
		return e.dedup.DropRoom(ctx, roomID)
	})
}

// Rooms lists rooms holding state.
func (e *Engine) Rooms(ctx context.Context) ([]string, error) {
	if e == nil {
		return nil, fmt.Errorf("engine is nil")
	}
	var rooms []string
	err := storage.Retry(ctx, e.policy, func() error {
		var err error
		rooms, err = e.state.Rooms(ctx)
		return err
	})
	return rooms, err
}

func (e *Engine) load(ctx context.Context, roomID, key string) (Entry, bool, error) {
	var current Entry
	err := storage.Retry(ctx, e.policy, func() error {
		var err error
		current, err = e.state.Get(ctx, roomID, key)
		return err
	})
	if errors.Is(err, storage.ErrNotFound) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	return current, true, nil
}

func (e *Engine) notify(roomID string, entry Entry) {
	e.mu.RLock()
	observers := append([]Observer(nil), e.observers...)
	e.mu.RUnlock()
	for _, observer := range observers {
		observer.EntryApplied(roomID, entry)
	}
}
