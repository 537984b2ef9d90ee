package session

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"showsync/broker/internal/storage"
)

// MemoryStore keeps sessions in process. It backs single-instance development
// deployments and tests.
type MemoryStore struct {
	mu           sync.RWMutex
	sessions     map[string]Session
	byConnection map[string]string
	rooms        map[string]map[string]struct{}
}

// NewMemoryStore constructs an empty in-memory session store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:     make(map[string]Session),
		byConnection: make(map[string]string),
		rooms:        make(map[string]map[string]struct{}),
	}
}

// Put records the session, replacing any earlier record with the same id.
func (m *MemoryStore) Put(_ context.Context, s Session) error {
	if strings.TrimSpace(s.ID) == "" || strings.TrimSpace(s.ConnectionID) == "" {
		return ErrInvalidSession
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	//1.- Refuse to bind a connection that already belongs to a different session.
	if owner, ok := m.byConnection[s.ConnectionID]; ok && owner != s.ID {
		return ErrDuplicateConnection
	}
	//2.- Drop stale indexes when the replacement moved rooms or connections.
	if previous, ok := m.sessions[s.ID]; ok {
		m.unindexLocked(previous)
	}
	m.sessions[s.ID] = s
	m.byConnection[s.ConnectionID] = s.ID
	members := m.rooms[s.RoomID]
	if members == nil {
		members = make(map[string]struct{})
		m.rooms[s.RoomID] = members
	}
	members[s.ID] = struct{}{}
	return nil
}

// Get returns the session with the supplied id.
func (m *MemoryStore) Get(_ context.Context, sessionID string) (Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return Session{}, storage.ErrNotFound
	}
	return s, nil
}

// GetByConnection resolves the session bound to the connection id.
func (m *MemoryStore) GetByConnection(_ context.Context, connectionID string) (Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byConnection[connectionID]
	if !ok {
		return Session{}, storage.ErrNotFound
	}
	s, ok := m.sessions[id]
	if !ok {
		return Session{}, storage.ErrNotFound
	}
	return s, nil
}

// Delete removes the session and its indexes.
func (m *MemoryStore) Delete(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil
	}
	m.unindexLocked(s)
	delete(m.sessions, sessionID)
	return nil
}

// SetExpiry moves the session lease.
func (m *MemoryStore) SetExpiry(_ context.Context, sessionID string, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return storage.ErrNotFound
	}
	s.ExpiresAt = expiresAt
	m.sessions[sessionID] = s
	return nil
}

// ListRoom returns the room's sessions sorted by id.
func (m *MemoryStore) ListRoom(_ context.Context, roomID string) ([]Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	members := m.rooms[roomID]
	out := make([]Session, 0, len(members))
	for id := range members {
		if s, ok := m.sessions[id]; ok {
			out = append(out, s)
		}
	}
	sortSessions(out)
	return out, nil
}

// Expired lists sessions whose lease ended at or before now.
func (m *MemoryStore) Expired(_ context.Context, now time.Time) ([]Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Session
	for _, s := range m.sessions {
		if s.Expired(now) {
			out = append(out, s)
		}
	}
	sortSessions(out)
	return out, nil
}

// Count reports the number of stored sessions.
func (m *MemoryStore) Count(context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions), nil
}

// Ping always succeeds for the in-memory store.
func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) unindexLocked(s Session) {
	if owner, ok := m.byConnection[s.ConnectionID]; ok && owner == s.ID {
		delete(m.byConnection, s.ConnectionID)
	}
	if members, ok := m.rooms[s.RoomID]; ok {
		delete(members, s.ID)
		if len(members) == 0 {
			delete(m.rooms, s.RoomID)
		}
	}
}

func sortSessions(sessions []Session) {
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].ID < sessions[j].ID })
}
