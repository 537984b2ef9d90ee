package grpc

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"showsync/broker/internal/reconcile"
)

const feedBuffer = 64

// EntrySource exposes subscription semantics for accepted entries of a room.
type EntrySource interface {
	Subscribe(ctx context.Context, roomID string) (<-chan reconcile.Entry, func(), error)
}

// Feed fans accepted entries out to watchers. It is registered as an engine
// observer so it only ever sees updates that won.
type Feed struct {
	mu      sync.Mutex
	nextID  uint64
	dropped atomic.Uint64
	subs    map[string]map[uint64]chan reconcile.Entry
}

// NewFeed constructs an empty feed.
func NewFeed() *Feed {
	return &Feed{subs: make(map[string]map[uint64]chan reconcile.Entry)}
}

// EntryApplied delivers the entry to every watcher of the room. Watchers
// that fall behind lose entries rather than stall the engine.
func (f *Feed) EntryApplied(roomID string, entry reconcile.Entry) {
	if f == nil {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs[roomID] {
		select {
		case ch <- entry:
		default:
			f.dropped.Add(1)
		}
	}
}

// Subscribe registers a watcher for roomID until cancel runs or ctx ends.
func (f *Feed) Subscribe(ctx context.Context, roomID string) (<-chan reconcile.Entry, func(), error) {
	if f == nil {
		return nil, func() {}, errors.New("feed is nil")
	}
	ch := make(chan reconcile.Entry, feedBuffer)

	//1.- Register the subscriber under lock for concurrent safety.
	f.mu.Lock()
	f.nextID++
	id := f.nextID
	if f.subs[roomID] == nil {
		f.subs[roomID] = make(map[uint64]chan reconcile.Entry)
	}
	f.subs[roomID][id] = ch
	f.mu.Unlock()

	var once sync.Once
	cancel := func() {
		//2.- Unsubscribe and close exactly once.
		once.Do(func() {
			f.mu.Lock()
			if room := f.subs[roomID]; room != nil {
				if sub, ok := room[id]; ok {
					delete(room, id)
					close(sub)
				}
				if len(room) == 0 {
					delete(f.subs, roomID)
				}
			}
			f.mu.Unlock()
		})
	}
	if ctx != nil {
		go func() {
			<-ctx.Done()
			cancel()
		}()
	}
	return ch, cancel, nil
}

// Watchers returns the number of active subscriptions for roomID.
func (f *Feed) Watchers(roomID string) int {
	if f == nil {
		return 0
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs[roomID])
}

// Dropped reports how many entries were skipped for slow watchers.
func (f *Feed) Dropped() uint64 {
	if f == nil {
		return 0
	}
	return f.dropped.Load()
}
