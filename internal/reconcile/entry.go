// Package reconcile owns the canonical per-room shared state. Concurrent
// updates converge on the same entry everywhere through a deterministic
// total order, and replayed operations are recognised and not re-applied.
package reconcile

import (
	"context"
	"encoding/json"
	"time"
)

// Entry is the converged value of one shared key in a room.
type Entry struct {
	Key                string          `json:"key"`
	Value              json.RawMessage `json:"value"`
	Sequence           uint64          `json:"sequence"`
	OriginTimestamp    int64           `json:"originTimestamp"`
	OriginConnectionID string          `json:"originConnectionId"`
	OriginSenderID     string          `json:"originSenderId,omitempty"`
	Revision           uint64          `json:"revision"`
	UpdatedAt          time.Time       `json:"updatedAt"`
}

// Update is one proposed write to a shared key.
type Update struct {
	RoomID             string
	Key                string
	Value              json.RawMessage
	ClientSequence     uint64
	OriginTimestamp    int64
	OriginConnectionID string
	SenderID           string
	OpID               string
}

// Resolved reports the outcome of Apply. Entry is always the converged value.
type Resolved struct {
	RoomID    string
	Entry     Entry
	Applied   bool
	Duplicate bool
}

// Newer reports whether candidate wins against current: the higher sequence
// first, then the later origin timestamp, then the lexicographically greater
// origin connection id. Identical tuples do not win, so replays are no-ops.
func Newer(candidate, current Entry) bool {
	if candidate.Sequence != current.Sequence {
		return candidate.Sequence > current.Sequence
	}
	if candidate.OriginTimestamp != current.OriginTimestamp {
		return candidate.OriginTimestamp > current.OriginTimestamp
	}
	return candidate.OriginConnectionID > current.OriginConnectionID
}

// StateStore persists entries with compare-and-swap on the revision.
type StateStore interface {
	// Get returns the entry or storage.ErrNotFound.
	Get(ctx context.Context, roomID, key string) (Entry, error)
	// CompareAndSwap writes entry when the stored revision equals expected.
	// An expected revision of zero requires the key to be absent. A mismatch
	// returns storage.ErrConflict.
	CompareAndSwap(ctx context.Context, roomID string, entry Entry, expected uint64) error
	// List returns every entry of the room.
	List(ctx context.Context, roomID string) ([]Entry, error)
	// DropRoom deletes the room's entries.
	DropRoom(ctx context.Context, roomID string) error
	// Rooms lists rooms that currently hold state.
	Rooms(ctx context.Context) ([]string, error)
}

// OpRecord is what the de-duplication set remembers about an operation.
type OpRecord struct {
	RoomID string `json:"roomId"`
	Entry  Entry  `json:"entry"`
}

// DedupStore is a bounded set of recently resolved operations per sender
// within one room. The same op id in another room is a different operation.
type DedupStore interface {
	// Lookup returns the record of a previously resolved operation.
	Lookup(ctx context.Context, roomID, senderID, opID string) (OpRecord, bool, error)
	// Remember records an operation, evicting the sender's oldest beyond the window.
	Remember(ctx context.Context, roomID, senderID, opID string, record OpRecord) error
	// DropRoom forgets every operation remembered for the room.
	DropRoom(ctx context.Context, roomID string) error
}

// Observer is notified after an update wins and is stored.
type Observer interface {
	EntryApplied(roomID string, entry Entry)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(roomID string, entry Entry)

// EntryApplied calls f.
func (f ObserverFunc) EntryApplied(roomID string, entry Entry) { f(roomID, entry) }
