package journal

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"

	"showsync/broker/internal/config"
	"showsync/broker/internal/logging"
	"showsync/broker/internal/metrics"
	"showsync/broker/internal/reconcile"
)

var roomNameCleaner = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

// ErrClosed is returned once the journal has been closed.
var ErrClosed = errors.New("journal closed")

// StateSource supplies the converged state captured by snapshots.
type StateSource interface {
	Rooms(ctx context.Context) ([]string, error)
	Snapshot(ctx context.Context, roomID string) ([]reconcile.Entry, error)
}

// Option configures a Journal.
type Option func(*Journal)

// WithClock overrides the time source used for file names and timestamps.
func WithClock(clock func() time.Time) Option {
	return func(j *Journal) {
		if clock != nil {
			j.now = clock
		}
	}
}

// WithLogger sets the logger used for append failures.
func WithLogger(logger *logging.Logger) Option {
	return func(j *Journal) {
		if logger != nil {
			j.log = logger
		}
	}
}

// WithServerID stamps snapshots with the owning instance.
func WithServerID(id string) Option {
	return func(j *Journal) { j.serverID = id }
}

type roomLog struct {
	path   string
	file   *os.File
	stream *snappy.Writer
}

// Journal appends accepted updates to per-room logs and writes snapshots.
type Journal struct {
	mu       sync.Mutex
	dir      string
	source   StateSource
	serverID string
	now      func() time.Time
	log      *logging.Logger
	rooms    map[string]*roomLog
	closed   bool
}

// New prepares the journal directory. Room logs are opened on first use.
func New(dir string, source StateSource, opts ...Option) (*Journal, error) {
	if dir == "" {
		return nil, fmt.Errorf("journal directory must be provided")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	j := &Journal{
		dir:    dir,
		source: source,
		now:    time.Now,
		log:    logging.L(),
		rooms:  make(map[string]*roomLog),
	}
	for _, opt := range opts {
		opt(j)
	}
	return j, nil
}

// Dir returns the directory holding journal files.
func (j *Journal) Dir() string {
	if j == nil {
		return ""
	}
	return j.dir
}

// EntryApplied records an accepted update. Failures are logged since the
// engine has already committed the entry.
func (j *Journal) EntryApplied(roomID string, entry reconcile.Entry) {
	if err := j.Append(roomID, entry); err != nil {
		j.log.Warn("journal append failed",
			logging.String("room_id", roomID),
			logging.String("key", entry.Key),
			logging.Error(err),
		)
	}
}

// Append writes one record to the room's log and flushes it.
func (j *Journal) Append(roomID string, entry reconcile.Entry) error {
	if j == nil {
		return fmt.Errorf("journal not initialised")
	}
	record := Record{RoomID: roomID, RecordedAt: j.now().UTC().Format(time.RFC3339Nano), Entry: entry}
	if err := record.Validate(); err != nil {
		return err
	}
	line, err := encodeLine(record)
	if err != nil {
		return err
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return ErrClosed
	}
	//1.- Open the room log lazily so idle rooms never create files.
	rl, err := j.roomLocked(roomID)
	if err != nil {
		return err
	}
	if _, err := rl.stream.Write(line); err != nil {
		return err
	}
	//2.- Flush every record so a crash loses at most the line being written.
	if err := rl.stream.Flush(); err != nil {
		return err
	}
	metrics.JournalRecords.Inc()
	return nil
}

func (j *Journal) roomLocked(roomID string) (*roomLog, error) {
	if rl, ok := j.rooms[roomID]; ok {
		return rl, nil
	}
	name := fmt.Sprintf("%s-%s%s", cleanRoomName(roomID), j.now().UTC().Format(stampLayout), logSuffix)
	path := filepath.Join(j.dir, name)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	rl := &roomLog{path: path, file: file, stream: snappy.NewBufferedWriter(file)}
	j.rooms[roomID] = rl
	return rl, nil
}

// CloseRoom closes the log of a room that has been collected. The next
// update for the room starts a new file.
func (j *Journal) CloseRoom(roomID string) error {
	if j == nil {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	rl, ok := j.rooms[roomID]
	if !ok {
		return nil
	}
	delete(j.rooms, roomID)
	return rl.close()
}

// WriteSnapshot captures every room known to the state source in a new
// zstd-compressed snapshot file and returns its path.
func (j *Journal) WriteSnapshot(ctx context.Context) (string, error) {
	if j == nil {
		return "", fmt.Errorf("journal not initialised")
	}
	if j.source == nil {
		return "", fmt.Errorf("journal has no state source")
	}
	rooms, err := j.source.Rooms(ctx)
	if err != nil {
		return "", err
	}
	sort.Strings(rooms)
	captured := j.now().UTC()
	doc := Snapshot{
		SchemaVersion: SchemaVersion,
		ServerID:      j.serverID,
		CapturedAt:    captured.Format(time.RFC3339Nano),
		Rooms:         make([]RoomState, 0, len(rooms)),
	}
	for _, roomID := range rooms {
		entries, err := j.source.Snapshot(ctx, roomID)
		if err != nil {
			return "", fmt.Errorf("snapshot room %q: %w", roomID, err)
		}
		doc.Rooms = append(doc.Rooms, RoomState{RoomID: roomID, Entries: entries})
	}
	payload, err := encodeLine(doc)
	if err != nil {
		return "", err
	}

	//1.- Write to a temporary name first so readers never observe a partial snapshot.
	path := filepath.Join(j.dir, "state-"+captured.Format(stampLayout)+snapshotSuffix)
	tmp := path + ".tmp"
	file, err := os.Create(tmp)
	if err != nil {
		return "", err
	}
	encoder, err := zstd.NewWriter(file)
	if err != nil {
		file.Close()
		os.Remove(tmp)
		return "", err
	}
	_, writeErr := encoder.Write(payload)
	closeErr := encoder.Close()
	fileErr := file.Close()
	if err := errors.Join(writeErr, closeErr, fileErr); err != nil {
		os.Remove(tmp)
		return "", err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", err
	}
	j.log.Info("journal snapshot written",
		logging.String("path", path),
		logging.Int("rooms", len(doc.Rooms)),
		logging.Int("entries", doc.Entries()),
	)
	return path, nil
}

// DumpJournal writes an on-demand snapshot for the admin endpoint.
func (j *Journal) DumpJournal(ctx context.Context) (string, error) {
	return j.WriteSnapshot(ctx)
}

// Run writes snapshots on the interval until the context is cancelled.
func (j *Journal) Run(ctx context.Context, interval time.Duration) {
	if j == nil || ctx == nil {
		return
	}
	if interval <= 0 {
		interval = config.DefaultJournalSnapshotInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := j.WriteSnapshot(ctx); err != nil && ctx.Err() == nil {
				j.log.Warn("journal snapshot failed", logging.Error(err))
			}
		}
	}
}

// Close flushes and closes every open room log.
func (j *Journal) Close() error {
	if j == nil {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil
	}
	j.closed = true
	var errs error
	for roomID, rl := range j.rooms {
		errs = errors.Join(errs, rl.close())
		delete(j.rooms, roomID)
	}
	return errs
}

func (j *Journal) isOpen(path string) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	for _, rl := range j.rooms {
		if rl.path == path {
			return true
		}
	}
	return false
}

func (rl *roomLog) close() error {
	return errors.Join(rl.stream.Close(), rl.file.Close())
}

func cleanRoomName(roomID string) string {
	cleaned := roomNameCleaner.ReplaceAllString(roomID, "")
	if cleaned == "" {
		return "room"
	}
	return cleaned
}
