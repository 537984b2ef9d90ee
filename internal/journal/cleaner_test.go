package journal

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"showsync/broker/internal/logging"
)

func touch(t *testing.T, dir, name string, size int, modTime time.Time) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, make([]byte, size), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	if err := os.Chtimes(path, modTime, modTime); err != nil {
		t.Fatalf("chtimes %s: %v", name, err)
	}
	return path
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func TestCleanerEnforcesFileBudget(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)
	oldest := touch(t, dir, "show-1-20240301T090000.000000000Z"+logSuffix, 10, now.Add(-3*time.Hour))
	middle := touch(t, dir, "state-20240301T100000.000000000Z"+snapshotSuffix, 20, now.Add(-2*time.Hour))
	newest := touch(t, dir, "show-1-20240301T110000.000000000Z"+logSuffix, 30, now.Add(-time.Hour))
	unrelated := touch(t, dir, "notes.txt", 5, now.Add(-48*time.Hour))

	cleaner := NewCleaner(dir, RetentionPolicy{MaxFiles: 2}, logging.NewTestLogger())
	cleaner.now = func() time.Time { return now }
	cleaner.RunOnce()

	if exists(oldest) {
		t.Fatalf("expected oldest log to be removed")
	}
	if !exists(middle) || !exists(newest) {
		t.Fatalf("expected two newest files to survive")
	}
	if !exists(unrelated) {
		t.Fatalf("non-journal files must be left alone")
	}
	stats := cleaner.Stats()
	if stats.Files != 2 || stats.Snapshots != 1 || stats.Bytes != 50 || stats.Removed != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if !stats.LastSweep.Equal(now) {
		t.Fatalf("unexpected sweep time %v", stats.LastSweep)
	}
}

func TestCleanerEnforcesMaxAge(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2024, time.March, 8, 12, 0, 0, 0, time.UTC)
	stale := touch(t, dir, "state-20240301T100000.000000000Z"+snapshotSuffix, 20, now.Add(-8*24*time.Hour))
	fresh := touch(t, dir, "state-20240308T100000.000000000Z"+snapshotSuffix, 20, now.Add(-2*time.Hour))

	cleaner := NewCleaner(dir, RetentionPolicy{MaxAge: 7 * 24 * time.Hour}, logging.NewTestLogger())
	cleaner.now = func() time.Time { return now }
	cleaner.RunOnce()

	if exists(stale) {
		t.Fatalf("expected stale snapshot to be removed")
	}
	if !exists(fresh) {
		t.Fatalf("expected fresh snapshot to survive")
	}
}

func TestCleanerKeepsOpenLogs(t *testing.T) {
	dir := t.TempDir()
	opened := time.Date(2024, time.March, 1, 9, 0, 0, 0, time.UTC)
	j, err := New(dir, nil, WithClock(func() time.Time { return opened }))
	if err != nil {
		t.Fatalf("new journal: %v", err)
	}
	defer j.Close()
	if err := j.Append("show-1", entry("colorTheme", `"amber"`, 1)); err != nil {
		t.Fatalf("append: %v", err)
	}
	paths, err := Catalog(dir)
	if err != nil || len(paths) != 1 {
		t.Fatalf("expected one log, got %v (%v)", paths, err)
	}
	old := opened.Add(-30 * 24 * time.Hour)
	if err := os.Chtimes(paths[0], old, old); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	cleaner := NewCleaner(dir, RetentionPolicy{MaxAge: time.Hour}, logging.NewTestLogger())
	cleaner.ProtectOpenLogs(j)
	cleaner.RunOnce()
	if !exists(paths[0]) {
		t.Fatalf("open room log must not be pruned")
	}

	if err := j.CloseRoom("show-1"); err != nil {
		t.Fatalf("close room: %v", err)
	}
	if err := os.Chtimes(paths[0], old, old); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
	cleaner.RunOnce()
	if exists(paths[0]) {
		t.Fatalf("closed log past max age should be pruned")
	}
}
