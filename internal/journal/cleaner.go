package journal

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"showsync/broker/internal/logging"
)

// RetentionPolicy bounds how many journal files are kept and for how long.
type RetentionPolicy struct {
	MaxFiles int
	MaxAge   time.Duration
}

// StorageStats summarises the journal's disk footprint after a sweep.
type StorageStats struct {
	Files     int
	Snapshots int
	Bytes     int64
	Removed   int
	LastSweep time.Time
}

// Cleaner prunes journal files according to a retention policy.
type Cleaner struct {
	mu     sync.RWMutex
	dir    string
	policy RetentionPolicy
	log    *logging.Logger
	now    func() time.Time
	active func(path string) bool
	stats  StorageStats
}

// NewCleaner constructs a cleaner for the journal directory.
func NewCleaner(dir string, policy RetentionPolicy, logger *logging.Logger) *Cleaner {
	if logger == nil {
		logger = logging.L()
	}
	return &Cleaner{dir: dir, policy: policy, log: logger, now: time.Now}
}

// ProtectOpenLogs keeps the journal's currently open room logs out of
// retention regardless of age.
func (c *Cleaner) ProtectOpenLogs(j *Journal) {
	if c == nil || j == nil {
		return
	}
	c.active = j.isOpen
}

// Run executes retention sweeps until the context is cancelled.
func (c *Cleaner) Run(ctx context.Context, interval time.Duration) {
	if c == nil || ctx == nil {
		return
	}
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	//1.- Sweep eagerly so retention applies immediately on startup.
	c.sweep()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

// RunOnce performs a single retention sweep.
func (c *Cleaner) RunOnce() {
	if c == nil {
		return
	}
	c.sweep()
}

// Stats returns the statistics of the last sweep.
func (c *Cleaner) Stats() StorageStats {
	if c == nil {
		return StorageStats{}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stats
}

type artefact struct {
	path    string
	kind    Kind
	size    int64
	modTime time.Time
}

func (c *Cleaner) sweep() {
	if c == nil || strings.TrimSpace(c.dir) == "" {
		return
	}
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		c.log.Warn("journal retention scan failed", logging.Error(err), logging.String("directory", c.dir))
		return
	}
	artefacts := c.collect(entries)
	now := c.now()
	stats := StorageStats{LastSweep: now}
	kept := 0
	for _, art := range artefacts {
		remove, reason := c.shouldRemove(art, now, kept)
		if remove {
			if err := os.Remove(art.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
				c.log.Warn("journal retention removal failed", logging.Error(err), logging.String("path", art.path))
			} else {
				c.log.Info("journal retention removed file", logging.String("path", art.path), logging.String("reason", reason))
				stats.Removed++
				continue
			}
		}
		kept++
		stats.Files++
		stats.Bytes += art.size
		if art.kind == KindSnapshot {
			stats.Snapshots++
		}
	}
	c.mu.Lock()
	c.stats = stats
	c.mu.Unlock()
}

func (c *Cleaner) collect(entries []os.DirEntry) []artefact {
	list := make([]artefact, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		kind, ok := KindOf(entry.Name())
		if !ok {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			c.log.Warn("journal retention stat failed", logging.Error(err), logging.String("name", entry.Name()))
			continue
		}
		list = append(list, artefact{
			path:    filepath.Join(c.dir, entry.Name()),
			kind:    kind,
			size:    info.Size(),
			modTime: info.ModTime(),
		})
	}
	//1.- Newest first so the file budget favours recent history.
	sort.Slice(list, func(i, k int) bool { return list[i].modTime.After(list[k].modTime) })
	return list
}

func (c *Cleaner) shouldRemove(art artefact, now time.Time, kept int) (bool, string) {
	if c.active != nil && c.active(art.path) {
		return false, ""
	}
	reasons := make([]string, 0, 2)
	if c.policy.MaxAge > 0 && now.Sub(art.modTime) > c.policy.MaxAge {
		reasons = append(reasons, fmt.Sprintf("age>%s", c.policy.MaxAge))
	}
	if c.policy.MaxFiles > 0 && kept >= c.policy.MaxFiles {
		reasons = append(reasons, fmt.Sprintf(">=%d files", c.policy.MaxFiles))
	}
	return len(reasons) > 0, strings.Join(reasons, ", ")
}
