package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"showsync/broker/internal/logging"
	"showsync/broker/internal/reconcile"
	"showsync/broker/internal/room"
)

type stubSessions struct {
	count int
	err   error
}

func (s *stubSessions) Ping(context.Context) error         { return s.err }
func (s *stubSessions) Count(context.Context) (int, error) { return s.count, nil }

type stubState struct {
	entries []reconcile.Entry
	err     error
}

func (s *stubState) Snapshot(context.Context, string) ([]reconcile.Entry, error) {
	return s.entries, s.err
}

type stubRoster struct{}

func (stubRoster) Snapshot(_ context.Context, roomID string) (room.Snapshot, error) {
	return room.Snapshot{RoomID: roomID, MaxSessions: 8, ActiveSessions: []string{"s1", "s2"}}, nil
}

type stubLimiter struct {
	remaining int
}

func (s *stubLimiter) Allow() bool {
	if s.remaining <= 0 {
		return false
	}
	s.remaining--
	return true
}

type stubDumper struct {
	location string
	err      error
	calls    int
}

func (s *stubDumper) DumpJournal(ctx context.Context) (string, error) {
	s.calls++
	return s.location, s.err
}

func TestLivenessHandlerReturnsJSON(t *testing.T) {
	fixed := time.Date(2024, time.January, 2, 15, 4, 5, 0, time.UTC)
	handlers := NewHandlerSet(Options{Logger: logging.NewTestLogger(), TimeSource: func() time.Time { return fixed }})
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/livez", nil)

	handlers.LivenessHandler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	var payload struct {
		Status    string `json:"status"`
		Timestamp string `json:"timestamp"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload.Status != "alive" {
		t.Fatalf("unexpected status %q", payload.Status)
	}
	if payload.Timestamp != fixed.Format(time.RFC3339Nano) {
		t.Fatalf("unexpected timestamp %q", payload.Timestamp)
	}
}

func TestReadinessHandlerReportsCounts(t *testing.T) {
	started := time.Date(2024, time.January, 2, 15, 0, 0, 0, time.UTC)
	handlers := NewHandlerSet(Options{
		Logger:      logging.NewTestLogger(),
		Sessions:    &stubSessions{count: 5},
		Connections: func() int { return 3 },
		StartedAt:   started,
		TimeSource:  func() time.Time { return started.Add(45 * time.Second) },
	})

	rr := httptest.NewRecorder()
	handlers.ReadinessHandler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var payload struct {
		Status        string  `json:"status"`
		UptimeSeconds float64 `json:"uptime_seconds"`
		Sessions      int     `json:"sessions"`
		Connections   int     `json:"connections"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload.Status != "ok" || payload.Sessions != 5 || payload.Connections != 3 || payload.UptimeSeconds != 45 {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

func TestReadinessHandlerUnavailable(t *testing.T) {
	handlers := NewHandlerSet(Options{Logger: logging.NewTestLogger(), Sessions: &stubSessions{err: errors.New("redis down")}})

	rr := httptest.NewRecorder()
	handlers.ReadinessHandler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "redis down") {
		t.Fatalf("expected store error in body: %s", rr.Body.String())
	}
}

func TestMetricsEndpointServesPrometheusFormat(t *testing.T) {
	handlers := NewHandlerSet(Options{Logger: logging.NewTestLogger()})
	mux := http.NewServeMux()
	handlers.Register(mux, true)

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "showsync_connections_active") {
		t.Fatalf("metrics missing broker gauges:\n%s", rr.Body.String())
	}

	disabled := http.NewServeMux()
	handlers.Register(disabled, false)
	rr = httptest.NewRecorder()
	disabled.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected metrics to be unmounted, got %d", rr.Code)
	}
}

func TestRoomHandlerRequiresAdminToken(t *testing.T) {
	state := &stubState{entries: []reconcile.Entry{{Key: "colorTheme", Value: json.RawMessage(`"#ff0000"`), Sequence: 1, Revision: 1}}}
	handlers := NewHandlerSet(Options{Logger: logging.NewTestLogger(), State: state, Roster: stubRoster{}, AdminToken: "topsecret"})

	request := func(path, token string) *httptest.ResponseRecorder {
		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, path, nil)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		handlers.RoomHandler().ServeHTTP(rr, req)
		return rr
	}

	if rr := request("/rooms/show-1", ""); rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rr.Code)
	}
	if rr := request("/rooms/", "topsecret"); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without room id, got %d", rr.Code)
	}

	rr := request("/rooms/show-1", "topsecret")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var payload struct {
		RoomID   string            `json:"roomId"`
		Sessions []string          `json:"sessions"`
		Capacity int               `json:"capacity"`
		Entries  []reconcile.Entry `json:"entries"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload.RoomID != "show-1" || len(payload.Sessions) != 2 || payload.Capacity != 8 {
		t.Fatalf("unexpected roster: %+v", payload)
	}
	if len(payload.Entries) != 1 || string(payload.Entries[0].Value) != `"#ff0000"` {
		t.Fatalf("unexpected entries: %+v", payload.Entries)
	}

	state.err = errors.New("store unavailable")
	if rr := request("/rooms/show-1", "topsecret"); rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 on store failure, got %d", rr.Code)
	}
}

func TestJournalDumpHandlerAuthAndRateLimits(t *testing.T) {
	dumper := &stubDumper{location: "/var/lib/showsync/journal/snapshot.zst"}
	limiter := &stubLimiter{remaining: 1}
	handlers := NewHandlerSet(Options{
		Logger:      logging.NewTestLogger(),
		Journal:     dumper,
		AdminToken:  "topsecret",
		RateLimiter: limiter,
	})

	makeRequest := func(token string) *httptest.ResponseRecorder {
		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/journal/dump", nil)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		handlers.JournalDumpHandler().ServeHTTP(rr, req)
		return rr
	}

	if resp := makeRequest(""); resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected unauthorized for missing token, got %d", resp.Code)
	}

	if resp := makeRequest("topsecret"); resp.Code != http.StatusAccepted {
		t.Fatalf("expected 202 for authorised request, got %d", resp.Code)
	}
	if dumper.calls != 1 {
		t.Fatalf("expected dumper invoked once, got %d", dumper.calls)
	}

	if resp := makeRequest("topsecret"); resp.Code != http.StatusTooManyRequests {
		t.Fatalf("expected rate limit, got %d", resp.Code)
	}
}

func TestAdminEndpointsDisabledWithoutToken(t *testing.T) {
	handlers := NewHandlerSet(Options{Logger: logging.NewTestLogger(), Journal: &stubDumper{}})
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/journal/dump", nil)
	req.Header.Set("Authorization", "Bearer anything")
	handlers.JournalDumpHandler().ServeHTTP(rr, req)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403 when admin auth is not configured, got %d", rr.Code)
	}
}
