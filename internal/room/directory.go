// Package room derives room rosters from the session store. Rooms are
// implicit: they exist while at least one session references them.
package room

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"showsync/broker/internal/session"
)

var (
	// ErrInvalidRoomID is returned when a room identifier is empty.
	ErrInvalidRoomID = errors.New("room id must not be empty")
	// ErrRoomFull indicates that the room reached its configured session limit.
	ErrRoomFull = errors.New("room capacity reached")
	// ErrInvalidCapacity is returned for negative capacity limits.
	ErrInvalidCapacity = errors.New("invalid room capacity")
)

// Snapshot captures a stable view of a room for observers.
type Snapshot struct {
	RoomID         string   `json:"roomId"`
	MaxSessions    int      `json:"maxSessions,omitempty"`
	ActiveSessions []string `json:"activeSessions"`
}

// Option configures a Directory.
type Option func(*Directory)

// WithClock overrides the wall-clock used for eligibility checks.
func WithClock(clock func() time.Time) Option {
	return func(d *Directory) {
		//1.- Allow tests to inject a deterministic time source.
		if clock != nil {
			d.now = clock
		}
	}
}

// WithMaxSessions bounds the number of live sessions per room. Zero disables the limit.
func WithMaxSessions(limit int) Option {
	return func(d *Directory) {
		d.maxSessions = limit
	}
}

// Directory answers roster questions against the session store.
type Directory struct {
	sessions    session.Store
	maxSessions int
	now         func() time.Time
}

// NewDirectory constructs a directory over the session store.
func NewDirectory(store session.Store, opts ...Option) (*Directory, error) {
	directory := &Directory{sessions: store, now: time.Now}
	//1.- Apply caller supplied options before validating the capacity.
	for _, opt := range opts {
		if opt != nil {
			opt(directory)
		}
	}
	if directory.maxSessions < 0 {
		return nil, fmt.Errorf("%w: max sessions %d", ErrInvalidCapacity, directory.maxSessions)
	}
	return directory, nil
}

// Admit checks that one more session fits in the room.
func (d *Directory) Admit(ctx context.Context, roomID string) error {
	if d == nil {
		return fmt.Errorf("directory is nil")
	}
	if strings.TrimSpace(roomID) == "" {
		return ErrInvalidRoomID
	}
	if d.maxSessions == 0 {
		return nil
	}
	//1.- Count only live sessions so stale records awaiting the sweeper do not block joins.
	live, err := d.Targets(ctx, roomID, "")
	if err != nil {
		return err
	}
	if len(live) >= d.maxSessions {
		return ErrRoomFull
	}
	return nil
}

// Targets returns the room's broadcast-eligible sessions, excluding one session id.
func (d *Directory) Targets(ctx context.Context, roomID, excludeSessionID string) ([]session.Session, error) {
	if d == nil {
		return nil, fmt.Errorf("directory is nil")
	}
	members, err := d.sessions.ListRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	now := d.now()
	targets := make([]session.Session, 0, len(members))
	for _, member := range members {
		if member.ID == excludeSessionID || !member.Eligible(now) {
			continue
		}
		targets = append(targets, member)
	}
	return targets, nil
}

// Empty reports whether no session record references the room any more.
func (d *Directory) Empty(ctx context.Context, roomID string) (bool, error) {
	if d == nil {
		return false, fmt.Errorf("directory is nil")
	}
	members, err := d.sessions.ListRoom(ctx, roomID)
	if err != nil {
		return false, err
	}
	return len(members) == 0, nil
}

// Snapshot returns the sorted roster of live sessions.
func (d *Directory) Snapshot(ctx context.Context, roomID string) (Snapshot, error) {
	live, err := d.Targets(ctx, roomID, "")
	if err != nil {
		return Snapshot{}, err
	}
	ids := make([]string, 0, len(live))
	for _, member := range live {
		ids = append(ids, member.ID)
	}
	return Snapshot{RoomID: roomID, MaxSessions: d.maxSessions, ActiveSessions: ids}, nil
}
