package journal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"showsync/broker/internal/logging"
	"showsync/broker/internal/reconcile"
)

type stepClock struct {
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

func entry(key, value string, sequence uint64) reconcile.Entry {
	return reconcile.Entry{
		Key:                key,
		Value:              json.RawMessage(value),
		Sequence:           sequence,
		OriginTimestamp:    1_700_000_000_000 + int64(sequence),
		OriginConnectionID: "conn-a",
		Revision:           sequence,
	}
}

func TestAppendWritesPerRoomLogs(t *testing.T) {
	dir := t.TempDir()
	clock := &stepClock{now: time.Date(2024, time.March, 1, 20, 0, 0, 0, time.UTC)}
	j, err := New(dir, nil, WithClock(clock.Now), WithLogger(logging.NewTestLogger()))
	require.NoError(t, err)

	j.EntryApplied("show-1", entry("colorTheme", `"amber"`, 1))
	j.EntryApplied("show-1", entry("colorTheme", `"teal"`, 2))
	j.EntryApplied("show/2", entry("intensity", `0.5`, 1))
	require.NoError(t, j.Close())

	paths, err := Catalog(dir)
	require.NoError(t, err)
	require.Len(t, paths, 2)

	byRoom := map[string][]Record{}
	for _, path := range paths {
		kind, ok := KindOf(path)
		require.True(t, ok)
		require.Equal(t, KindLog, kind)
		records, err := ReadLog(path)
		require.NoError(t, err)
		require.NotEmpty(t, records)
		byRoom[records[0].RoomID] = records
	}
	require.Len(t, byRoom["show-1"], 2)
	assert.JSONEq(t, `"amber"`, string(byRoom["show-1"][0].Entry.Value))
	assert.JSONEq(t, `"teal"`, string(byRoom["show-1"][1].Entry.Value))
	require.Len(t, byRoom["show/2"], 1)
	assert.Equal(t, "intensity", byRoom["show/2"][0].Entry.Key)

	assert.ErrorIs(t, j.Append("show-1", entry("colorTheme", `"violet"`, 3)), ErrClosed)
}

func TestAppendRejectsIncompleteRecords(t *testing.T) {
	j, err := New(t.TempDir(), nil, WithLogger(logging.NewTestLogger()))
	require.NoError(t, err)
	defer j.Close()

	assert.Error(t, j.Append("", entry("colorTheme", `"amber"`, 1)))
	assert.Error(t, j.Append("show-1", entry("", `"amber"`, 1)))
}

func TestCloseRoomStartsNewLog(t *testing.T) {
	dir := t.TempDir()
	clock := &stepClock{now: time.Date(2024, time.March, 1, 20, 0, 0, 0, time.UTC)}
	j, err := New(dir, nil, WithClock(clock.Now))
	require.NoError(t, err)
	defer j.Close()

	require.NoError(t, j.Append("show-1", entry("colorTheme", `"amber"`, 1)))
	require.NoError(t, j.CloseRoom("show-1"))
	require.NoError(t, j.CloseRoom("show-1"))
	require.NoError(t, j.Append("show-1", entry("colorTheme", `"teal"`, 2)))

	paths, err := Catalog(dir)
	require.NoError(t, err)
	assert.Len(t, paths, 2)
}

func TestWriteSnapshotCapturesEngineState(t *testing.T) {
	ctx := context.Background()
	engine := reconcile.NewEngine(reconcile.NewMemoryStateStore(), reconcile.NewMemoryDedupStore(16))
	dir := t.TempDir()
	j, err := New(dir, engine, WithServerID("srv-a"), WithLogger(logging.NewTestLogger()))
	require.NoError(t, err)
	defer j.Close()
	engine.Observe(j)

	_, err = engine.Apply(ctx, reconcile.Update{RoomID: "show-1", Key: "colorTheme", Value: json.RawMessage(`"violet"`), ClientSequence: 3, OriginTimestamp: 10, OriginConnectionID: "c1", SenderID: "desk", OpID: "o3"})
	require.NoError(t, err)
	_, err = engine.Apply(ctx, reconcile.Update{RoomID: "show-2", Key: "intensity", Value: json.RawMessage(`0.8`), ClientSequence: 1, OriginTimestamp: 11, OriginConnectionID: "c2", SenderID: "desk", OpID: "o1"})
	require.NoError(t, err)

	path, err := j.DumpJournal(ctx)
	require.NoError(t, err)
	kind, ok := KindOf(path)
	require.True(t, ok)
	assert.Equal(t, KindSnapshot, kind)

	latest, err := LatestSnapshot(dir)
	require.NoError(t, err)
	assert.Equal(t, path, latest)

	doc, err := ReadSnapshot(path)
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, doc.SchemaVersion)
	assert.Equal(t, "srv-a", doc.ServerID)
	require.Len(t, doc.Rooms, 2)
	assert.Equal(t, "show-1", doc.Rooms[0].RoomID)
	assert.Equal(t, 2, doc.Entries())
	assert.JSONEq(t, `"violet"`, string(doc.Rooms[0].Entries[0].Value))

	// The observer wired above also produced one log per room.
	paths, err := Catalog(dir)
	require.NoError(t, err)
	assert.Len(t, paths, 3)
}

type failingSource struct{}

func (failingSource) Rooms(context.Context) ([]string, error) { return []string{"show-1"}, nil }
func (failingSource) Snapshot(context.Context, string) ([]reconcile.Entry, error) {
	return nil, errors.New("state store unavailable")
}

func TestWriteSnapshotLeavesNoPartialFiles(t *testing.T) {
	dir := t.TempDir()
	j, err := New(dir, failingSource{}, WithLogger(logging.NewTestLogger()))
	require.NoError(t, err)
	defer j.Close()

	_, err = j.WriteSnapshot(context.Background())
	require.Error(t, err)
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)

	_, err = (&Journal{}).WriteSnapshot(context.Background())
	assert.Error(t, err)
}

func TestDecodeLogReportsCorruptLine(t *testing.T) {
	_, err := DecodeLog(bytes.NewReader([]byte("not snappy framed")))
	assert.Error(t, err)

	_, err = ReadSnapshot(filepath.Join(t.TempDir(), "missing"+snapshotSuffix))
	assert.Error(t, err)
}

func TestRunWritesPeriodicSnapshots(t *testing.T) {
	engine := reconcile.NewEngine(reconcile.NewMemoryStateStore(), reconcile.NewMemoryDedupStore(16))
	dir := t.TempDir()
	j, err := New(dir, engine, WithLogger(logging.NewTestLogger()))
	require.NoError(t, err)
	defer j.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		j.Run(ctx, 10*time.Millisecond)
		close(done)
	}()
	require.Eventually(t, func() bool {
		latest, err := LatestSnapshot(dir)
		return err == nil && latest != ""
	}, 2*time.Second, 10*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancellation")
	}
}
