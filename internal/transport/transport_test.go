package transport

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"showsync/broker/internal/bus"
	"showsync/broker/internal/protocol"
	"showsync/broker/internal/session"
)

// serveHub upgrades every request into the hub under the connection id in the query.
func serveHub(t *testing.T, hub *Hub, received chan<- string) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn := hub.Register(r.Context(), r.URL.Query().Get("id"), ws)
		go func() {
			_ = conn.ReadLoop(context.Background(), 1024, func(_ context.Context, data []byte) {
				if received != nil {
					received <- string(data)
				}
			})
		}()
	}))
	t.Cleanup(server.Close)
	return server
}

func dial(t *testing.T, server *httptest.Server, id string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/?id=" + id
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestHubDeliversAndReads(t *testing.T) {
	hub := NewHub(WithPingInterval(time.Second))
	received := make(chan string, 1)
	server := serveHub(t, hub, received)
	ws := dial(t, server, "c1")
	waitFor(t, func() bool { return hub.Count() == 1 })

	if err := hub.Deliver("c1", []byte(`{"type":"pong"}`)); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := ws.ReadMessage()
	if err != nil || string(data) != `{"type":"pong"}` {
		t.Fatalf("unexpected read %q %v", data, err)
	}

	if err := ws.WriteMessage(websocket.TextMessage, []byte("hello")); err != nil {
		t.Fatalf("write: %v", err)
	}
	select {
	case got := <-received:
		if got != "hello" {
			t.Fatalf("unexpected inbound %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("inbound frame not handled")
	}

	if err := hub.Deliver("unknown", []byte("x")); !errors.Is(err, ErrStaleSession) {
		t.Fatalf("expected ErrStaleSession, got %v", err)
	}
}

func TestHubDropsConnectionOnClientClose(t *testing.T) {
	hub := NewHub()
	server := serveHub(t, hub, nil)
	ws := dial(t, server, "c1")
	waitFor(t, func() bool { return hub.Count() == 1 })
	_ = ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	_ = ws.Close()
	waitFor(t, func() bool { return hub.Count() == 0 })
	if err := hub.Deliver("c1", []byte("x")); !errors.Is(err, ErrStaleSession) {
		t.Fatalf("expected ErrStaleSession after close, got %v", err)
	}
}

func TestDispatcherForwardsAcrossInstances(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	shared := bus.NewLocalBus()

	hubA := NewHub()
	hubB := NewHub()
	serverB := serveHub(t, hubB, nil)
	wsB := dial(t, serverB, "c2")
	waitFor(t, func() bool { return hubB.Count() == 1 })

	dispatcherA := NewDispatcher("srv-a", hubA, shared)
	dispatcherB := NewDispatcher("srv-b", hubB, shared)
	var stale []string
	dispatcherB.OnStale(func(_ context.Context, id string) { stale = append(stale, id) })
	if err := dispatcherA.Start(ctx); err != nil {
		t.Fatalf("start a: %v", err)
	}
	if err := dispatcherB.Start(ctx); err != nil {
		t.Fatalf("start b: %v", err)
	}

	target := session.Session{ID: "s2", ConnectionID: "c2", ServerID: "srv-b"}
	if err := dispatcherA.Send(ctx, target, protocol.PongFrame("show-1", 1, 2)); err != nil {
		t.Fatalf("send: %v", err)
	}
	_ = wsB.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := wsB.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	frame, err := protocol.DecodeFrame(data)
	if err != nil || frame.Type != protocol.TypePong {
		t.Fatalf("unexpected frame %s %v", data, err)
	}

	// A delivery to a connection srv-b no longer holds is reported stale there.
	if err := dispatcherA.Send(ctx, session.Session{ConnectionID: "gone", ServerID: "srv-b"}, protocol.PongFrame("", 0, 0)); err != nil {
		t.Fatalf("send to gone: %v", err)
	}
	if len(stale) != 1 || stale[0] != "gone" {
		t.Fatalf("expected stale report for gone, got %v", stale)
	}

	// An instance nobody listens for is treated as stale by the sender.
	err = dispatcherA.Send(ctx, session.Session{ConnectionID: "c9", ServerID: "srv-dead"}, protocol.PongFrame("", 0, 0))
	if !errors.Is(err, ErrStaleSession) {
		t.Fatalf("expected ErrStaleSession for dead server, got %v", err)
	}
}
