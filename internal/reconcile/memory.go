package reconcile

import (
	"context"
	"sort"
	"sync"

	"showsync/broker/internal/storage"
)

// MemoryStateStore keeps room state in process.
type MemoryStateStore struct {
	mu    sync.Mutex
	rooms map[string]map[string]Entry
}

// NewMemoryStateStore constructs an empty state store.
func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{rooms: make(map[string]map[string]Entry)}
}

// Get returns the stored entry.
func (m *MemoryStateStore) Get(_ context.Context, roomID, key string) (Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.rooms[roomID][key]
	if !ok {
		return Entry{}, storage.ErrNotFound
	}
	return entry, nil
}

// CompareAndSwap stores entry when the current revision matches expected.
func (m *MemoryStateStore) CompareAndSwap(_ context.Context, roomID string, entry Entry, expected uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	room := m.rooms[roomID]
	current, ok := room[entry.Key]
	var revision uint64
	if ok {
		revision = current.Revision
	}
	if revision != expected {
		return storage.ErrConflict
	}
	if room == nil {
		room = make(map[string]Entry)
		m.rooms[roomID] = room
	}
	room[entry.Key] = entry
	return nil
}

// List returns the room's entries sorted by key.
func (m *MemoryStateStore) List(_ context.Context, roomID string) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	room := m.rooms[roomID]
	out := make([]Entry, 0, len(room))
	for _, entry := range room {
		out = append(out, entry)
	}
	sortEntries(out)
	return out, nil
}

// DropRoom forgets the room's state.
func (m *MemoryStateStore) DropRoom(_ context.Context, roomID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rooms, roomID)
	return nil
}

// Rooms lists rooms with state, sorted.
func (m *MemoryStateStore) Rooms(context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.rooms))
	for id := range m.rooms {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

// MemoryDedupStore remembers the most recent operations of each sender per room.
type MemoryDedupStore struct {
	mu     sync.Mutex
	window int
	rooms  map[string]map[string]*opWindow
}

type opWindow struct {
	order   []string
	records map[string]OpRecord
}

// NewMemoryDedupStore keeps up to window operations per sender and room.
func NewMemoryDedupStore(window int) *MemoryDedupStore {
	if window <= 0 {
		window = 256
	}
	return &MemoryDedupStore{window: window, rooms: make(map[string]map[string]*opWindow)}
}

// Lookup finds a remembered operation.
func (m *MemoryDedupStore) Lookup(_ context.Context, roomID, senderID, opID string) (OpRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.rooms[roomID][senderID]
	if !ok {
		return OpRecord{}, false, nil
	}
	record, ok := w.records[opID]
	return record, ok, nil
}

// Remember records the operation and evicts the oldest beyond the window.
func (m *MemoryDedupStore) Remember(_ context.Context, roomID, senderID, opID string, record OpRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	senders, ok := m.rooms[roomID]
	if !ok {
		senders = make(map[string]*opWindow)
		m.rooms[roomID] = senders
	}
	w, ok := senders[senderID]
	if !ok {
		w = &opWindow{records: make(map[string]OpRecord)}
		senders[senderID] = w
	}
	if _, exists := w.records[opID]; exists {
		return nil
	}
	w.records[opID] = record
	w.order = append(w.order, opID)
	for len(w.order) > m.window {
		delete(w.records, w.order[0])
		w.order = w.order[1:]
	}
	return nil
}

// DropRoom forgets every sender window of the room.
func (m *MemoryDedupStore) DropRoom(_ context.Context, roomID string) error {
	m.mu.Lock()
	delete(m.rooms, roomID)
	m.mu.Unlock()
	return nil
}

// Senders reports how many sender windows are held across all rooms.
func (m *MemoryDedupStore) Senders() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, senders := range m.rooms {
		n += len(senders)
	}
	return n
}

func sortEntries(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
}
