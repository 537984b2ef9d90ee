package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"showsync/broker/internal/logging"
	"showsync/broker/internal/reconcile"
	"showsync/broker/internal/room"
)

// SessionProbe exposes the session store health used by readiness checks.
type SessionProbe interface {
	Ping(ctx context.Context) error
	Count(ctx context.Context) (int, error)
}

// StateReader returns a room's converged entries.
type StateReader interface {
	Snapshot(ctx context.Context, roomID string) ([]reconcile.Entry, error)
}

// RosterReader returns a room's live roster.
type RosterReader interface {
	Snapshot(ctx context.Context, roomID string) (room.Snapshot, error)
}

// JournalDumper writes a snapshot of every room to the journal and returns
// the location of the artefact.
type JournalDumper interface {
	DumpJournal(ctx context.Context) (string, error)
}

// JournalDumperFunc adapts a function into a JournalDumper.
type JournalDumperFunc func(ctx context.Context) (string, error)

// DumpJournal implements JournalDumper.
func (f JournalDumperFunc) DumpJournal(ctx context.Context) (string, error) { return f(ctx) }

// RateLimiter gates how frequently sensitive operations may be invoked.
type RateLimiter interface {
	Allow() bool
}

// Options configures the HandlerSet.
type Options struct {
	Logger      *logging.Logger
	Sessions    SessionProbe
	Connections func() int
	StartedAt   time.Time
	State       StateReader
	Roster      RosterReader
	Journal     JournalDumper
	AdminToken  string
	RateLimiter RateLimiter
	Metrics     http.Handler
	TimeSource  func() time.Time
}

// HandlerSet bundles the broker operational handlers.
type HandlerSet struct {
	logger      *logging.Logger
	sessions    SessionProbe
	connections func() int
	startedAt   time.Time
	state       StateReader
	roster      RosterReader
	journal     JournalDumper
	adminToken  string
	rateLimiter RateLimiter
	metrics     http.Handler
	now         func() time.Time
}

// NewHandlerSet constructs a HandlerSet using the provided options.
func NewHandlerSet(opts Options) *HandlerSet {
	logger := opts.Logger
	if logger == nil {
		logger = logging.L()
	}
	now := opts.TimeSource
	if now == nil {
		now = time.Now
	}
	startedAt := opts.StartedAt
	if startedAt.IsZero() {
		startedAt = now()
	}
	metricsHandler := opts.Metrics
	if metricsHandler == nil {
		metricsHandler = promhttp.Handler()
	}
	return &HandlerSet{
		logger:      logger,
		sessions:    opts.Sessions,
		connections: opts.Connections,
		startedAt:   startedAt,
		state:       opts.State,
		roster:      opts.Roster,
		journal:     opts.Journal,
		adminToken:  strings.TrimSpace(opts.AdminToken),
		rateLimiter: opts.RateLimiter,
		metrics:     metricsHandler,
		now:         now,
	}
}

// Register attaches all handlers to the provided mux.
func (h *HandlerSet) Register(mux *http.ServeMux, metricsEnabled bool) {
	if mux == nil {
		return
	}
	mux.HandleFunc("/livez", h.LivenessHandler())
	mux.HandleFunc("/readyz", h.ReadinessHandler())
	if metricsEnabled {
		mux.Handle("/metrics", h.metrics)
	}
	mux.HandleFunc("/rooms/", h.RoomHandler())
	mux.HandleFunc("/journal/dump", h.JournalDumpHandler())
}

// LivenessHandler reports that the HTTP server is reachable.
func (h *HandlerSet) LivenessHandler() http.HandlerFunc {
	type response struct {
		Status    string `json:"status"`
		Timestamp string `json:"timestamp"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, response{
			Status:    "alive",
			Timestamp: h.now().UTC().Format(time.RFC3339Nano),
		})
	}
}

// ReadinessHandler reports whether the session store answers, with session
// and connection counts.
func (h *HandlerSet) ReadinessHandler() http.HandlerFunc {
	type response struct {
		Status        string  `json:"status"`
		Message       string  `json:"message,omitempty"`
		UptimeSeconds float64 `json:"uptime_seconds"`
		Sessions      int     `json:"sessions"`
		Connections   int     `json:"connections"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		status := http.StatusOK
		resp := response{Status: "ok", UptimeSeconds: h.now().Sub(h.startedAt).Seconds()}
		if h.connections != nil {
			resp.Connections = h.connections()
		}
		if h.sessions != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			//1.- A store that cannot answer makes this instance unready.
			if err := h.sessions.Ping(ctx); err != nil {
				status = http.StatusServiceUnavailable
				resp.Status = "error"
				resp.Message = err.Error()
			} else if count, err := h.sessions.Count(ctx); err == nil {
				resp.Sessions = count
			}
		}
		writeJSON(w, status, resp)
	}
}

// RoomHandler serves GET /rooms/{id}: the converged entries and live roster.
func (h *HandlerSet) RoomHandler() http.HandlerFunc {
	type response struct {
		RoomID   string            `json:"roomId"`
		Sessions []string          `json:"sessions"`
		Capacity int               `json:"capacity,omitempty"`
		Entries  []reconcile.Entry `json:"entries"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		reqLogger := h.logger.With(logging.String("handler", "room_state"), logging.String("remote_addr", r.RemoteAddr))
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if !h.admit(w, r, reqLogger) {
			return
		}
		roomID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/rooms/"), "/")
		if roomID == "" {
			http.Error(w, "room id required", http.StatusBadRequest)
			return
		}
		if h.state == nil {
			http.Error(w, "room state is unavailable", http.StatusServiceUnavailable)
			return
		}
		entries, err := h.state.Snapshot(r.Context(), roomID)
		if err != nil {
			reqLogger.Error("room snapshot failed", logging.String("room_id", roomID), logging.Error(err))
			http.Error(w, "failed to load room state", http.StatusServiceUnavailable)
			return
		}
		resp := response{RoomID: roomID, Sessions: []string{}, Entries: entries}
		if resp.Entries == nil {
			resp.Entries = []reconcile.Entry{}
		}
		if h.roster != nil {
			roster, err := h.roster.Snapshot(r.Context(), roomID)
			if err != nil {
				reqLogger.Warn("room roster failed", logging.String("room_id", roomID), logging.Error(err))
			} else {
				resp.Sessions = append(resp.Sessions, roster.ActiveSessions...)
				resp.Capacity = roster.MaxSessions
			}
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// JournalDumpHandler authorises and triggers a journal snapshot.
func (h *HandlerSet) JournalDumpHandler() http.HandlerFunc {
	type response struct {
		Status   string `json:"status"`
		Location string `json:"location,omitempty"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		reqLogger := h.logger.With(
			logging.String("handler", "journal_dump"),
			logging.String("remote_addr", r.RemoteAddr),
		)
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if !h.admit(w, r, reqLogger) {
			return
		}
		if h.rateLimiter != nil && !h.rateLimiter.Allow() {
			reqLogger.Warn("journal dump denied: rate limit exceeded")
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}
		if h.journal == nil {
			reqLogger.Warn("journal dump denied: journal disabled")
			http.Error(w, "journal is unavailable", http.StatusServiceUnavailable)
			return
		}
		location, err := h.journal.DumpJournal(r.Context())
		if err != nil {
			reqLogger.Error("journal dump failed", logging.Error(err))
			http.Error(w, "failed to dump journal", http.StatusInternalServerError)
			return
		}
		reqLogger.Info("journal dump written", logging.String("location", location))
		writeJSON(w, http.StatusAccepted, response{Status: "accepted", Location: location})
	}
}

// admit enforces the admin token, writing the rejection when it fails.
func (h *HandlerSet) admit(w http.ResponseWriter, r *http.Request, logger *logging.Logger) bool {
	if h.adminToken == "" {
		logger.Warn("admin request denied: admin auth disabled")
		http.Error(w, "admin authentication not configured", http.StatusForbidden)
		return false
	}
	if !h.authorise(r) {
		logger.Warn("admin request denied: unauthorized request")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return false
	}
	return true
}

func (h *HandlerSet) authorise(r *http.Request) bool {
	token := BearerToken(r)
	if token == "" {
		token = strings.TrimSpace(r.Header.Get("X-Admin-Token"))
	}
	if token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(h.adminToken)) == 1
}

// BearerToken extracts the token from an "Authorization: Bearer" header.
func BearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) > 7 && strings.EqualFold(header[:7], "Bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	_ = json.NewEncoder(w).Encode(payload)
}
