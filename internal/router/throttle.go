package router

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"showsync/broker/internal/config"
)

// DropReason enumerates why an inbound frame was rejected before dispatch.
type DropReason string

const (
	DropReasonNone       DropReason = ""
	DropReasonConnection DropReason = "connection_rate"
	DropReasonStage      DropReason = "stage_rate"
	DropReasonValidation DropReason = "validation"
)

// String returns the textual representation of the drop reason.
func (r DropReason) String() string { return string(r) }

// DropCounters aggregates per-reason drop counts for one connection.
type DropCounters struct {
	ConnectionRate uint64 `json:"connection_rate"`
	StageRate      uint64 `json:"stage_rate"`
	Validation     uint64 `json:"validation"`
}

// Throttle holds a token bucket per connection plus one aggregate bucket
// for the whole stage.
type Throttle struct {
	mu      sync.Mutex
	rate    rate.Limit
	burst   int
	stage   *rate.Limiter
	buckets map[string]*rate.Limiter
	drops   map[string]DropCounters
	now     func() time.Time
}

// NewThrottle builds the buckets from the configured limits.
func NewThrottle(cfg config.ThrottleConfig, clock func() time.Time) *Throttle {
	//1.- Normalise non-positive limits to "unlimited" so misconfiguration never blocks traffic.
	perConn := rate.Limit(cfg.Rate)
	if cfg.Rate <= 0 {
		perConn = rate.Inf
	}
	stage := rate.Limit(cfg.StageRate)
	if cfg.StageRate <= 0 {
		stage = rate.Inf
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	stageBurst := cfg.StageBurst
	if stageBurst <= 0 {
		stageBurst = burst
	}
	if clock == nil {
		clock = time.Now
	}
	return &Throttle{
		rate:    perConn,
		burst:   burst,
		stage:   rate.NewLimiter(stage, stageBurst),
		buckets: make(map[string]*rate.Limiter),
		drops:   make(map[string]DropCounters),
		now:     clock,
	}
}

// Allow charges one frame to the connection and to the stage.
func (t *Throttle) Allow(connectionID string) DropReason {
	if t == nil {
		return DropReasonNone
	}
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()
	bucket, ok := t.buckets[connectionID]
	if !ok {
		bucket = rate.NewLimiter(t.rate, t.burst)
		t.buckets[connectionID] = bucket
	}
	//1.- Check the connection first so one noisy client cannot drain the stage budget.
	if !bucket.AllowN(now, 1) {
		t.observeLocked(connectionID, DropReasonConnection)
		return DropReasonConnection
	}
	if !t.stage.AllowN(now, 1) {
		t.observeLocked(connectionID, DropReasonStage)
		return DropReasonStage
	}
	return DropReasonNone
}

// Observe records a drop decided elsewhere, such as a validation failure.
func (t *Throttle) Observe(connectionID string, reason DropReason) {
	if t == nil {
		return
	}
	t.mu.Lock()
	t.observeLocked(connectionID, reason)
	t.mu.Unlock()
}

func (t *Throttle) observeLocked(connectionID string, reason DropReason) {
	if connectionID == "" || reason == DropReasonNone {
		return
	}
	current := t.drops[connectionID]
	switch reason {
	case DropReasonConnection:
		current.ConnectionRate++
	case DropReasonStage:
		current.StageRate++
	case DropReasonValidation:
		current.Validation++
	}
	t.drops[connectionID] = current
}

// Drops returns a copy of the per-connection drop counters.
func (t *Throttle) Drops() map[string]DropCounters {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.drops) == 0 {
		return nil
	}
	clone := make(map[string]DropCounters, len(t.drops))
	for id, counters := range t.drops {
		clone[id] = counters
	}
	return clone
}

// Forget releases the connection's bucket and counters when it closes.
func (t *Throttle) Forget(connectionID string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	delete(t.buckets, connectionID)
	delete(t.drops, connectionID)
	t.mu.Unlock()
}
