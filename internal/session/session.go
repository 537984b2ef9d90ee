// Package session models one record per live connection and the stores that
// hold them. Records expire so crashed peers are reclaimed by the sweeper.
package session

import (
	"context"
	"errors"
	"time"
)

// Status tracks where a session sits in its lifecycle.
type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
)

var (
	// ErrDuplicateConnection is returned when a connection id is already bound to another session.
	ErrDuplicateConnection = errors.New("connection already has a session")
	// ErrInvalidSession is returned when a session lacks its identifiers.
	ErrInvalidSession = errors.New("session id and connection id are required")
)

// Session is the server-side record for one connected client.
type Session struct {
	ID           string    `json:"sessionId"`
	ConnectionID string    `json:"connectionId"`
	UserID       string    `json:"userId,omitempty"`
	Anonymous    bool      `json:"anonymous,omitempty"`
	Status       Status    `json:"status"`
	CreatedAt    time.Time `json:"createdAt"`
	ExpiresAt    time.Time `json:"expiresAt"`
	RoomID       string    `json:"roomId"`
	ServerID     string    `json:"serverId"`
}

// BoundSender reports whether every envelope on this session must carry the
// authenticated user id as its sender.
func (s Session) BoundSender() bool {
	return s.UserID != "" && !s.Anonymous
}

// Eligible reports whether the session may receive broadcasts at now.
func (s Session) Eligible(now time.Time) bool {
	return s.Status == StatusConnected && s.ExpiresAt.After(now)
}

// Expired reports whether the session's lease has lapsed at now.
func (s Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.After(now)
}

// Store persists sessions and answers the lookups the broker needs.
// Implementations must keep the connection index unique.
type Store interface {
	// Put creates or replaces a session.
	Put(ctx context.Context, s Session) error
	// Get loads a session by id, returning storage.ErrNotFound when absent.
	Get(ctx context.Context, sessionID string) (Session, error)
	// GetByConnection loads the session bound to a connection id.
	GetByConnection(ctx context.Context, connectionID string) (Session, error)
	// Delete removes a session and its indexes. Deleting an absent session is not an error.
	Delete(ctx context.Context, sessionID string) error
	// SetExpiry moves a session's lease to expiresAt.
	SetExpiry(ctx context.Context, sessionID string, expiresAt time.Time) error
	// ListRoom returns every session recorded for the room, sorted by id.
	ListRoom(ctx context.Context, roomID string) ([]Session, error)
	// Expired returns sessions whose lease ended at or before now.
	Expired(ctx context.Context, now time.Time) ([]Session, error)
	// Count reports the number of stored sessions.
	Count(ctx context.Context) (int, error)
	// Ping verifies the store is reachable.
	Ping(ctx context.Context) error
}
