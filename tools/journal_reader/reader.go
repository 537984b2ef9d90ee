// Package journalreader inspects state journals offline.
package journalreader

import (
	"fmt"
	"os"
	"sort"

	"showsync/broker/internal/journal"
	"showsync/broker/internal/reconcile"
)

// Artefact is one decoded journal file.
type Artefact struct {
	Path     string            `json:"path"`
	Kind     journal.Kind      `json:"kind"`
	Records  []journal.Record  `json:"records,omitempty"`
	Snapshot *journal.Snapshot `json:"snapshot,omitempty"`
}

// Load decodes a single journal file or every journal file in a directory.
func Load(path string) ([]Artefact, error) {
	if path == "" {
		return nil, fmt.Errorf("path is required")
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	paths := []string{path}
	if info.IsDir() {
		if paths, err = journal.Catalog(path); err != nil {
			return nil, err
		}
	}
	artefacts := make([]Artefact, 0, len(paths))
	for _, p := range paths {
		art, err := decode(p)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", p, err)
		}
		artefacts = append(artefacts, art)
	}
	return artefacts, nil
}

func decode(path string) (Artefact, error) {
	kind, ok := journal.KindOf(path)
	if !ok {
		return Artefact{}, fmt.Errorf("not a journal file")
	}
	art := Artefact{Path: path, Kind: kind}
	switch kind {
	case journal.KindLog:
		records, err := journal.ReadLog(path)
		if err != nil {
			return Artefact{}, err
		}
		art.Records = records
	case journal.KindSnapshot:
		doc, err := journal.ReadSnapshot(path)
		if err != nil {
			return Artefact{}, err
		}
		art.Snapshot = &doc
	}
	return art, nil
}

// Filter keeps only data for roomID. An empty room keeps everything.
func Filter(artefacts []Artefact, roomID string) []Artefact {
	if roomID == "" {
		return artefacts
	}
	kept := make([]Artefact, 0, len(artefacts))
	for _, art := range artefacts {
		switch art.Kind {
		case journal.KindLog:
			var records []journal.Record
			for _, record := range art.Records {
				if record.RoomID == roomID {
					records = append(records, record)
				}
			}
			if len(records) == 0 {
				continue
			}
			art.Records = records
		case journal.KindSnapshot:
			doc := *art.Snapshot
			doc.Rooms = nil
			for _, room := range art.Snapshot.Rooms {
				if room.RoomID == roomID {
					doc.Rooms = append(doc.Rooms, room)
				}
			}
			art.Snapshot = &doc
		}
		kept = append(kept, art)
	}
	return kept
}

// Replay folds every logged record into the converged state per room, using
// the same resolution order as the broker. Record order does not matter.
func Replay(artefacts []Artefact) []journal.RoomState {
	rooms := make(map[string]map[string]reconcile.Entry)
	for _, art := range artefacts {
		for _, record := range art.Records {
			keys := rooms[record.RoomID]
			if keys == nil {
				keys = make(map[string]reconcile.Entry)
				rooms[record.RoomID] = keys
			}
			current, ok := keys[record.Entry.Key]
			if !ok || reconcile.Newer(record.Entry, current) {
				keys[record.Entry.Key] = record.Entry
			}
		}
	}
	states := make([]journal.RoomState, 0, len(rooms))
	for roomID, keys := range rooms {
		entries := make([]reconcile.Entry, 0, len(keys))
		for _, entry := range keys {
			entries = append(entries, entry)
		}
		sort.Slice(entries, func(i, k int) bool { return entries[i].Key < entries[k].Key })
		states = append(states, journal.RoomState{RoomID: roomID, Entries: entries})
	}
	sort.Slice(states, func(i, k int) bool { return states[i].RoomID < states[k].RoomID })
	return states
}
