package journal

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
)

// Kind distinguishes journal artefacts.
type Kind string

const (
	KindLog      Kind = "log"
	KindSnapshot Kind = "snapshot"
)

// KindOf reports the artefact kind from the file name.
func KindOf(path string) (Kind, bool) {
	switch {
	case strings.HasSuffix(path, logSuffix):
		return KindLog, true
	case strings.HasSuffix(path, snapshotSuffix):
		return KindSnapshot, true
	default:
		return "", false
	}
}

// ReadLog decodes every record of a room log in append order.
func ReadLog(path string) ([]Record, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return DecodeLog(file)
}

// DecodeLog decodes a snappy-framed JSONL stream.
func DecodeLog(r io.Reader) ([]Record, error) {
	scanner := bufio.NewScanner(snappy.NewReader(r))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	var records []Record
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var record Record
		if err := json.Unmarshal(raw, &record); err != nil {
			return records, fmt.Errorf("line %d: %w", line, err)
		}
		if err := record.Validate(); err != nil {
			return records, fmt.Errorf("line %d: %w", line, err)
		}
		records = append(records, record)
	}
	if err := scanner.Err(); err != nil {
		return records, err
	}
	return records, nil
}

// ReadSnapshot decodes a snapshot file.
func ReadSnapshot(path string) (Snapshot, error) {
	file, err := os.Open(path)
	if err != nil {
		return Snapshot{}, err
	}
	defer file.Close()
	decoder, err := zstd.NewReader(file)
	if err != nil {
		return Snapshot{}, err
	}
	defer decoder.Close()

	var doc Snapshot
	if err := json.NewDecoder(decoder).Decode(&doc); err != nil {
		return Snapshot{}, err
	}
	if err := doc.Validate(); err != nil {
		return Snapshot{}, err
	}
	return doc, nil
}

// Catalog lists journal artefacts in a directory, oldest first.
func Catalog(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	paths := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if _, ok := KindOf(entry.Name()); ok {
			paths = append(paths, filepath.Join(dir, entry.Name()))
		}
	}
	sort.Slice(paths, func(i, k int) bool { return stampOf(paths[i]) < stampOf(paths[k]) })
	return paths, nil
}

// LatestSnapshot returns the newest snapshot path, or "" when none exist.
func LatestSnapshot(dir string) (string, error) {
	paths, err := Catalog(dir)
	if err != nil {
		return "", err
	}
	for i := len(paths) - 1; i >= 0; i-- {
		if kind, _ := KindOf(paths[i]); kind == KindSnapshot {
			return paths[i], nil
		}
	}
	return "", nil
}

// stampOf extracts the creation stamp so artefacts order by time across rooms.
func stampOf(path string) string {
	name := filepath.Base(path)
	name = strings.TrimSuffix(strings.TrimSuffix(name, logSuffix), snapshotSuffix)
	if idx := strings.LastIndex(name, "-"); idx >= 0 {
		return name[idx+1:] + name[:idx]
	}
	return name
}
