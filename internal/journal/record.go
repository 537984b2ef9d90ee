// Package journal keeps an operational record of accepted state updates. Each
// room gets a snappy-compressed JSONL log and the whole state is periodically
// captured in zstd-compressed snapshots. The journal is never read back by the
// broker itself; it exists for audits and offline tooling.
package journal

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"showsync/broker/internal/reconcile"
)

// SchemaVersion tracks the layout of log records and snapshot documents.
const SchemaVersion = 1

const (
	logSuffix      = ".jsonl.sz"
	snapshotSuffix = ".snapshot.json.zst"
	stampLayout    = "20060102T150405.000000000Z"
)

// Record is one accepted update as persisted in a room log.
type Record struct {
	RoomID     string          `json:"roomId"`
	RecordedAt string          `json:"recordedAt"`
	Entry      reconcile.Entry `json:"entry"`
}

// Validate ensures the record can be attributed to a room and key.
func (r Record) Validate() error {
	if strings.TrimSpace(r.RoomID) == "" {
		return fmt.Errorf("record roomId must not be empty")
	}
	if strings.TrimSpace(r.Entry.Key) == "" {
		return fmt.Errorf("record entry key must not be empty")
	}
	return nil
}

// RoomState is the converged state of a room at snapshot time.
type RoomState struct {
	RoomID  string            `json:"roomId"`
	Entries []reconcile.Entry `json:"entries"`
}

// Snapshot is the document stored in a snapshot file.
type Snapshot struct {
	SchemaVersion int         `json:"schemaVersion"`
	ServerID      string      `json:"serverId,omitempty"`
	CapturedAt    string      `json:"capturedAt"`
	Rooms         []RoomState `json:"rooms"`
}

// Validate checks the snapshot header fields.
func (s Snapshot) Validate() error {
	if s.SchemaVersion <= 0 {
		return fmt.Errorf("schemaVersion must be positive")
	}
	if _, err := time.Parse(time.RFC3339Nano, s.CapturedAt); err != nil {
		return fmt.Errorf("capturedAt: %w", err)
	}
	return nil
}

// Entries returns the number of keys across all rooms.
func (s Snapshot) Entries() int {
	total := 0
	for _, room := range s.Rooms {
		total += len(room.Entries)
	}
	return total
}

func encodeLine(v any) ([]byte, error) {
	line, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return append(line, '\n'), nil
}
