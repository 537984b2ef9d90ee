// Package presence evicts sessions whose lease ran out and tells the rest of
// the room they left.
package presence

import (
	"context"
	"errors"
	"sync"
	"time"

	"showsync/broker/internal/config"
	"showsync/broker/internal/logging"
	"showsync/broker/internal/metrics"
	"showsync/broker/internal/session"
	"showsync/broker/internal/storage"
)

// Evictor removes a session along with its presence and room side effects.
type Evictor interface {
	Depart(ctx context.Context, s session.Session) error
}

// Stats summarises the sweeper's recent activity.
type Stats struct {
	Sweeps    uint64
	Evicted   uint64
	Failures  uint64
	LastSweep time.Time
}

// Sweeper periodically evicts expired sessions.
type Sweeper struct {
	mu       sync.RWMutex
	sessions session.Store
	evictor  Evictor
	now      func() time.Time
	stats    Stats
}

// NewSweeper constructs a sweeper over the session store.
func NewSweeper(sessions session.Store, evictor Evictor, clock func() time.Time) *Sweeper {
	if clock == nil {
		clock = time.Now
	}
	return &Sweeper{sessions: sessions, evictor: evictor, now: clock}
}

// Run sweeps every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) {
	if s == nil || ctx == nil {
		return
	}
	if interval <= 0 {
		interval = config.DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	logger := logging.LoggerFromContext(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx, s.now()); err != nil {
				logger.Warn("session sweep failed", logging.Error(err))
			}
		}
	}
}

// Sweep evicts every session whose lease ended at or before now and returns
// the evicted ids. A failure on one session does not stop the rest; the first
// error is returned after the pass completes.
func (s *Sweeper) Sweep(ctx context.Context, now time.Time) ([]string, error) {
	if s == nil {
		return nil, nil
	}
	expired, err := s.sessions.Expired(ctx, now)
	if err != nil {
		s.record(now, 0, 1)
		return nil, err
	}
	logger := logging.LoggerFromContext(ctx)
	var (
		evicted  []string
		firstErr error
		failures uint64
	)
	for _, candidate := range expired {
		//1.- Reload the record so a session renewed since the scan survives.
		current, err := s.sessions.Get(ctx, candidate.ID)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			// Already departed elsewhere. Only clear a dangling index entry.
			if err := s.sessions.Delete(ctx, candidate.ID); err != nil {
				failures++
				if firstErr == nil {
					firstErr = err
				}
			}
			continue
		case err != nil:
			failures++
			if firstErr == nil {
				firstErr = err
			}
			continue
		case !current.Expired(now):
			continue
		}
		//2.- Evict through the shared departure path so presence and room GC match disconnects.
		if err := s.evictor.Depart(ctx, current); err != nil {
			failures++
			if firstErr == nil {
				firstErr = err
			}
			logger.Warn("failed to evict session", logging.String("session_id", current.ID), logging.Error(err))
			continue
		}
		metrics.SessionsEvicted.Inc()
		evicted = append(evicted, current.ID)
	}
	if len(evicted) > 0 {
		logger.Info("evicted expired sessions", logging.Int("count", len(evicted)))
	}
	s.record(now, uint64(len(evicted)), failures)
	return evicted, firstErr
}

// Stats returns a copy of the sweeper counters.
func (s *Sweeper) Stats() Stats {
	if s == nil {
		return Stats{}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats
}

func (s *Sweeper) record(now time.Time, evicted, failures uint64) {
	s.mu.Lock()
	s.stats.Sweeps++
	s.stats.Evicted += evicted
	s.stats.Failures += failures
	s.stats.LastSweep = now
	s.mu.Unlock()
}
