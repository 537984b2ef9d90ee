// Package lifecycle creates and destroys session records as connections come
// and go, enforcing the authentication policy on the way in.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"showsync/broker/internal/auth"
	"showsync/broker/internal/config"
	"showsync/broker/internal/logging"
	"showsync/broker/internal/metrics"
	"showsync/broker/internal/protocol"
	"showsync/broker/internal/reconcile"
	"showsync/broker/internal/room"
	"showsync/broker/internal/session"
	"showsync/broker/internal/storage"
)

// Authenticator resolves a connect token into an identity.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (auth.Identity, error)
}

// State exposes the room snapshot and garbage collection.
type State interface {
	Snapshot(ctx context.Context, roomID string) ([]reconcile.Entry, error)
	DropRoom(ctx context.Context, roomID string) error
}

// Sender delivers a frame to one session.
type Sender interface {
	Send(ctx context.Context, target session.Session, frame protocol.Frame) error
}

// Broadcaster fans a frame out to a room.
type Broadcaster interface {
	Broadcast(ctx context.Context, roomID, excludeSessionID string, frame protocol.Frame) (int, int, error)
}

// DepartFunc is told about every session that left, whatever the cause.
type DepartFunc func(ctx context.Context, s session.Session)

// Option configures a Manager.
type Option func(*Manager)

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithSessionTTL sets the lease granted on connect and on every renewal.
func WithSessionTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

// WithIDGenerator replaces the session id generator.
func WithIDGenerator(next func() string) Option {
	return func(m *Manager) {
		if next != nil {
			m.newID = next
		}
	}
}

// WithDepartHook registers a callback run after a session is removed.
func WithDepartHook(fn DepartFunc) Option {
	return func(m *Manager) {
		if fn != nil {
			m.onDepart = append(m.onDepart, fn)
		}
	}
}

// Manager owns session creation and removal.
type Manager struct {
	serverID    string
	sessions    session.Store
	auth        Authenticator
	directory   *room.Directory
	state       State
	sender      Sender
	broadcaster Broadcaster
	ttl         time.Duration
	now         func() time.Time
	newID       func() string
	onDepart    []DepartFunc
}

// Dependencies groups the collaborators a Manager needs.
type Dependencies struct {
	ServerID    string
	Sessions    session.Store
	Auth        Authenticator
	Directory   *room.Directory
	State       State
	Sender      Sender
	Broadcaster Broadcaster
}

// NewManager validates the dependencies and applies options.
func NewManager(deps Dependencies, opts ...Option) (*Manager, error) {
	if deps.Sessions == nil || deps.Auth == nil || deps.Directory == nil {
		return nil, errors.New("lifecycle requires sessions, auth and directory")
	}
	manager := &Manager{
		serverID:    deps.ServerID,
		sessions:    deps.Sessions,
		auth:        deps.Auth,
		directory:   deps.Directory,
		state:       deps.State,
		sender:      deps.Sender,
		broadcaster: deps.Broadcaster,
		ttl:         config.DefaultSessionTTL,
		now:         time.Now,
		newID:       uuid.NewString,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(manager)
		}
	}
	return manager, nil
}

// SetBroadcaster wires the broadcaster after construction, breaking the
// construction cycle with the router.
func (m *Manager) SetBroadcaster(b Broadcaster) {
	m.broadcaster = b
}

// OnConnect authenticates the connection and registers its session.
func (m *Manager) OnConnect(ctx context.Context, connectionID, token, roomID string) (session.Session, error) {
	if m == nil {
		return session.Session{}, fmt.Errorf("lifecycle manager is nil")
	}
	roomID = strings.TrimSpace(roomID)
	if roomID == "" {
		return session.Session{}, room.ErrInvalidRoomID
	}
	logger := logging.LoggerFromContext(ctx).With(logging.String("connection_id", connectionID), logging.String("room_id", roomID))

	//1.- Authenticate before touching the store so rejected attempts leave no record.
	identity, err := m.auth.Authenticate(ctx, token)
	if err != nil {
		metrics.AuthFailures.WithLabelValues(authReason(err)).Inc()
		logger.Info("connect rejected", logging.Error(err))
		return session.Session{}, err
	}
	//2.- Reserve the connection as connecting; it takes no broadcasts yet.
	now := m.now()
	s := session.Session{
		ID:           m.newID(),
		ConnectionID: connectionID,
		UserID:       identity.UserID,
		Anonymous:    identity.Anonymous,
		Status:       session.StatusConnecting,
		CreatedAt:    now.UTC(),
		ExpiresAt:    now.Add(m.ttl).UTC(),
		RoomID:       roomID,
		ServerID:     m.serverID,
	}
	if err := m.sessions.Put(ctx, s); err != nil {
		metrics.StoreErrors.WithLabelValues("session_put").Inc()
		return session.Session{}, err
	}
	//3.- Enforce the room capacity against connected sessions only.
	if err := m.directory.Admit(ctx, roomID); err != nil {
		m.release(ctx, s)
		return session.Session{}, err
	}
	//4.- Promote to connected with a fresh lease.
	s.Status = session.StatusConnected
	s.ExpiresAt = m.now().Add(m.ttl).UTC()
	if err := m.sessions.Put(ctx, s); err != nil {
		metrics.StoreErrors.WithLabelValues("session_put").Inc()
		m.release(ctx, s)
		return session.Session{}, err
	}
	metrics.TotalConnections.Inc()
	logger.Info("session connected", logging.String("session_id", s.ID), logging.String("user_id", s.UserID))

	//5.- Push the current room state, then announce the arrival to everyone else.
	if m.state != nil && m.sender != nil {
		entries, err := m.state.Snapshot(ctx, roomID)
		if err != nil {
			logger.Warn("snapshot unavailable", logging.Error(err))
		} else if err := m.sender.Send(ctx, s, protocol.SnapshotFrame(roomID, s.ID, nonNil(entries))); err != nil {
			logger.Debug("snapshot delivery failed", logging.Error(err))
		}
	}
	m.announce(ctx, s, protocol.PresenceJoined)
	return s, nil
}

// OnDisconnect removes the connection's session immediately. Unknown
// connections are ignored so repeated disconnects are harmless.
func (m *Manager) OnDisconnect(ctx context.Context, connectionID string) error {
	if m == nil {
		return fmt.Errorf("lifecycle manager is nil")
	}
	s, err := m.sessions.GetByConnection(ctx, connectionID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return m.Depart(ctx, s)
}

// Depart deletes the session, announces the departure and collects the room
// once it is empty. The sweeper evicts through the same path.
func (m *Manager) Depart(ctx context.Context, s session.Session) error {
	if err := m.sessions.Delete(ctx, s.ID); err != nil {
		metrics.StoreErrors.WithLabelValues("session_delete").Inc()
		return err
	}
	s.Status = session.StatusDisconnected
	logging.LoggerFromContext(ctx).Info("session removed",
		logging.String("session_id", s.ID), logging.String("room_id", s.RoomID))
	for _, hook := range m.onDepart {
		hook(ctx, s)
	}
	if s.RoomID == "" {
		return nil
	}
	m.announce(ctx, s, protocol.PresenceLeft)
	return m.collectRoom(ctx, s.RoomID)
}

// release drops a session that never finished connecting, without presence.
func (m *Manager) release(ctx context.Context, s session.Session) {
	if err := m.sessions.Delete(ctx, s.ID); err != nil {
		logging.LoggerFromContext(ctx).Warn("failed to release connecting session",
			logging.String("session_id", s.ID), logging.Error(err))
	}
}

// Touch renews the lease of the session bound to connectionID.
func (m *Manager) Touch(ctx context.Context, connectionID string) error {
	s, err := m.sessions.GetByConnection(ctx, connectionID)
	if err != nil {
		return err
	}
	return m.sessions.SetExpiry(ctx, s.ID, m.now().Add(m.ttl).UTC())
}

// MarkStale ends the session's lease now so the next sweep evicts it.
func (m *Manager) MarkStale(ctx context.Context, s session.Session) {
	if err := m.sessions.SetExpiry(ctx, s.ID, m.now().UTC()); err != nil && !errors.Is(err, storage.ErrNotFound) {
		logging.LoggerFromContext(ctx).Warn("failed to mark session stale",
			logging.String("session_id", s.ID), logging.Error(err))
	}
}

// MarkStaleConnection is MarkStale keyed by connection id.
func (m *Manager) MarkStaleConnection(ctx context.Context, connectionID string) {
	s, err := m.sessions.GetByConnection(ctx, connectionID)
	if err != nil {
		return
	}
	m.MarkStale(ctx, s)
}

func (m *Manager) announce(ctx context.Context, s session.Session, action protocol.PresenceAction) {
	if m.broadcaster == nil {
		return
	}
	frame := protocol.PresenceFrame(s.RoomID, s.ID, s.UserID, action)
	if _, _, err := m.broadcaster.Broadcast(ctx, s.RoomID, s.ID, frame); err != nil {
		logging.LoggerFromContext(ctx).Warn("presence broadcast failed",
			logging.String("action", string(action)), logging.Error(err))
	}
}

func (m *Manager) collectRoom(ctx context.Context, roomID string) error {
	if m.state == nil {
		return nil
	}
	empty, err := m.directory.Empty(ctx, roomID)
	if err != nil || !empty {
		return err
	}
	if err := m.state.DropRoom(ctx, roomID); err != nil {
		return fmt.Errorf("drop room %s: %w", roomID, err)
	}
	logging.LoggerFromContext(ctx).Info("room collected", logging.String("room_id", roomID))
	return nil
}

func authReason(err error) string {
	switch {
	case errors.Is(err, auth.ErrExpiredToken):
		return "expired"
	case errors.Is(err, auth.ErrRevokedToken):
		return "revoked"
	case errors.Is(err, auth.ErrInvalidToken):
		return "invalid"
	default:
		return "missing"
	}
}

func nonNil(entries []reconcile.Entry) []reconcile.Entry {
	if entries == nil {
		return []reconcile.Entry{}
	}
	return entries
}
