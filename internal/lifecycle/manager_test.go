package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"showsync/broker/internal/auth"
	"showsync/broker/internal/protocol"
	"showsync/broker/internal/reconcile"
	"showsync/broker/internal/room"
	"showsync/broker/internal/router"
	"showsync/broker/internal/session"
	"showsync/broker/internal/storage"
)

const secret = "lifecycle-secret"

var now = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type recordingSender struct {
	mu     sync.Mutex
	frames map[string][]protocol.Frame
}

func (s *recordingSender) Send(ctx context.Context, target session.Session, frame protocol.Frame) error {
	data, err := frame.Encode()
	if err != nil {
		return err
	}
	return s.SendRaw(ctx, target, data)
}

func (s *recordingSender) SendRaw(_ context.Context, target session.Session, data []byte) error {
	frame, err := protocol.DecodeFrame(data)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames[target.ID] = append(s.frames[target.ID], frame)
	return nil
}

func (s *recordingSender) of(id string) []protocol.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.Frame(nil), s.frames[id]...)
}

type fixture struct {
	store   *session.MemoryStore
	engine  *reconcile.Engine
	sender  *recordingSender
	manager *Manager
	router  *router.Router
	ids     int
}

func newFixture(t *testing.T, authOpts []auth.Option, opts ...Option) *fixture {
	t.Helper()
	clock := func() time.Time { return now }
	f := &fixture{
		store:  session.NewMemoryStore(),
		engine: reconcile.NewEngine(reconcile.NewMemoryStateStore(), reconcile.NewMemoryDedupStore(16), reconcile.WithClock(clock)),
		sender: &recordingSender{frames: make(map[string][]protocol.Frame)},
	}
	verifier, err := auth.NewTokenVerifier(secret, 0)
	require.NoError(t, err)
	verifier.WithClock(clock)
	authenticator, err := auth.NewAuthenticator(verifier, authOpts...)
	require.NoError(t, err)
	directory, err := room.NewDirectory(f.store, room.WithClock(clock), room.WithMaxSessions(2))
	require.NoError(t, err)
	f.router = router.New(f.engine, f.sender, directory, router.WithClock(clock))

	base := []Option{
		WithClock(clock),
		WithSessionTTL(time.Hour),
		WithIDGenerator(func() string {
			f.ids++
			return fmt.Sprintf("s%d", f.ids)
		}),
	}
	f.manager, err = NewManager(Dependencies{
		ServerID:    "srv-a",
		Sessions:    f.store,
		Auth:        authenticator,
		Directory:   directory,
		State:       f.engine,
		Sender:      f.sender,
		Broadcaster: f.router,
	}, append(base, opts...)...)
	require.NoError(t, err)
	return f
}

func token(t *testing.T, subject string) string {
	t.Helper()
	raw, err := auth.IssueToken(secret, subject, "tok-"+subject, now.Add(-time.Minute), time.Hour)
	require.NoError(t, err)
	return raw
}

func TestOnConnectCreatesSessionAndSendsSnapshot(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.engine.Apply(ctx, reconcile.Update{RoomID: "show-1", Key: "cue", Value: json.RawMessage(`7`), ClientSequence: 1, OriginConnectionID: "c0", SenderID: "op", OpID: "op-1"})
	require.NoError(t, err)

	s, err := f.manager.OnConnect(ctx, "c1", token(t, "alice"), "show-1")
	require.NoError(t, err)
	assert.Equal(t, "s1", s.ID)
	assert.Equal(t, "alice", s.UserID)
	assert.Equal(t, session.StatusConnected, s.Status)
	assert.Equal(t, now.Add(time.Hour), s.ExpiresAt)
	assert.Equal(t, "srv-a", s.ServerID)

	stored, err := f.store.GetByConnection(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, s.ID, stored.ID)

	frames := f.sender.of(s.ID)
	require.Len(t, frames, 1)
	assert.Equal(t, protocol.TypeSnapshot, frames[0].Type)
	entries, ok := frames[0].Entries.([]any)
	require.True(t, ok)
	assert.Len(t, entries, 1)
}

func TestOnConnectAnnouncesPresenceToPeers(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	first, err := f.manager.OnConnect(ctx, "c1", token(t, "alice"), "show-1")
	require.NoError(t, err)
	second, err := f.manager.OnConnect(ctx, "c2", token(t, "bob"), "show-1")
	require.NoError(t, err)

	frames := f.sender.of(first.ID)
	require.Len(t, frames, 2)
	joined := frames[1]
	assert.Equal(t, protocol.TypePresence, joined.Type)
	assert.Equal(t, protocol.PresenceJoined, joined.Action)
	assert.Equal(t, second.ID, joined.SessionID)
	assert.Equal(t, "bob", joined.UserID)

	for _, frame := range f.sender.of(second.ID) {
		assert.NotEqual(t, protocol.TypePresence, frame.Type, "the joining session should not see its own presence")
	}
}

func TestOnConnectRejectsBadCredentials(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.manager.OnConnect(ctx, "c1", "", "show-1")
	assert.ErrorIs(t, err, auth.ErrUnauthorized)
	_, err = f.manager.OnConnect(ctx, "c1", "garbage", "show-1")
	assert.ErrorIs(t, err, auth.ErrUnauthorized)

	count, err := f.store.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, count, "rejected connects must not leave records")
}

func TestOnConnectAllowsAnonymousWhenEnabled(t *testing.T) {
	f := newFixture(t, []auth.Option{auth.WithAnonymous(true)})
	s, err := f.manager.OnConnect(context.Background(), "c1", "", "show-1")
	require.NoError(t, err)
	assert.NotEmpty(t, s.UserID)
}

func TestOnConnectEnforcesRoomCapacity(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	for i := 1; i <= 2; i++ {
		_, err := f.manager.OnConnect(ctx, fmt.Sprintf("c%d", i), token(t, fmt.Sprintf("u%d", i)), "show-1")
		require.NoError(t, err)
	}
	_, err := f.manager.OnConnect(ctx, "c3", token(t, "u3"), "show-1")
	assert.ErrorIs(t, err, room.ErrRoomFull)

	_, err = f.manager.OnConnect(ctx, "c4", token(t, "u4"), "  ")
	assert.ErrorIs(t, err, room.ErrInvalidRoomID)
}

// statusRecorder remembers the status of every write.
type statusRecorder struct {
	*session.MemoryStore
	statuses []session.Status
}

func (s *statusRecorder) Put(ctx context.Context, sess session.Session) error {
	s.statuses = append(s.statuses, sess.Status)
	return s.MemoryStore.Put(ctx, sess)
}

func TestOnConnectPassesThroughConnecting(t *testing.T) {
	f := newFixture(t, nil)
	store := &statusRecorder{MemoryStore: f.store}
	directory, err := room.NewDirectory(store, room.WithClock(func() time.Time { return now }), room.WithMaxSessions(1))
	require.NoError(t, err)
	authenticator, err := auth.NewAuthenticator(nil, auth.WithAnonymous(true))
	require.NoError(t, err)
	manager, err := NewManager(Dependencies{Sessions: store, Auth: authenticator, Directory: directory},
		WithClock(func() time.Time { return now }))
	require.NoError(t, err)
	ctx := context.Background()

	s, err := manager.OnConnect(ctx, "c1", "", "show-1")
	require.NoError(t, err)
	assert.Equal(t, []session.Status{session.StatusConnecting, session.StatusConnected}, store.statuses)
	assert.Equal(t, session.StatusConnected, s.Status)
	assert.True(t, s.Anonymous)

	//1.- A refused join is released without ever becoming connected.
	_, err = manager.OnConnect(ctx, "c2", "", "show-1")
	assert.ErrorIs(t, err, room.ErrRoomFull)
	assert.Equal(t, session.StatusConnecting, store.statuses[len(store.statuses)-1])
	_, err = store.GetByConnection(ctx, "c2")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	count, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestOnConnectRejectsDuplicateConnection(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	_, err := f.manager.OnConnect(ctx, "c1", token(t, "alice"), "show-1")
	require.NoError(t, err)
	_, err = f.manager.OnConnect(ctx, "c1", token(t, "alice"), "show-2")
	assert.True(t, errors.Is(err, session.ErrDuplicateConnection), "got %v", err)
}

func TestOnDisconnectRemovesSessionAndCollectsRoom(t *testing.T) {
	var departed []string
	f := newFixture(t, nil, WithDepartHook(func(_ context.Context, s session.Session) {
		departed = append(departed, s.ID)
		assert.Equal(t, session.StatusDisconnected, s.Status)
	}))
	ctx := context.Background()

	a, err := f.manager.OnConnect(ctx, "c1", token(t, "alice"), "show-1")
	require.NoError(t, err)
	b, err := f.manager.OnConnect(ctx, "c2", token(t, "bob"), "show-1")
	require.NoError(t, err)
	_, err = f.engine.Apply(ctx, reconcile.Update{RoomID: "show-1", Key: "cue", Value: json.RawMessage(`1`), ClientSequence: 1, OriginConnectionID: "c1", SenderID: "alice", OpID: "op-1"})
	require.NoError(t, err)

	require.NoError(t, f.manager.OnDisconnect(ctx, "c2"))
	_, err = f.store.Get(ctx, b.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	frames := f.sender.of(a.ID)
	left := frames[len(frames)-1]
	assert.Equal(t, protocol.PresenceLeft, left.Action)
	assert.Equal(t, b.ID, left.SessionID)

	entries, err := f.engine.Snapshot(ctx, "show-1")
	require.NoError(t, err)
	assert.Len(t, entries, 1, "room state survives while a session remains")

	require.NoError(t, f.manager.OnDisconnect(ctx, "c1"))
	entries, err = f.engine.Snapshot(ctx, "show-1")
	require.NoError(t, err)
	assert.Empty(t, entries, "the last departure collects the room state")
	assert.Equal(t, []string{b.ID, a.ID}, departed)

	assert.NoError(t, f.manager.OnDisconnect(ctx, "c1"), "repeated disconnects are harmless")
}

func TestTouchAndMarkStaleMoveTheLease(t *testing.T) {
	current := now
	f := newFixture(t, nil, WithClock(func() time.Time { return current }))
	ctx := context.Background()

	s, err := f.manager.OnConnect(ctx, "c1", token(t, "alice"), "show-1")
	require.NoError(t, err)

	current = now.Add(30 * time.Minute)
	require.NoError(t, f.manager.Touch(ctx, "c1"))
	stored, err := f.store.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, current.Add(time.Hour), stored.ExpiresAt)

	f.manager.MarkStaleConnection(ctx, "c1")
	stored, err = f.store.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.True(t, stored.Expired(current))

	assert.ErrorIs(t, f.manager.Touch(ctx, "missing"), storage.ErrNotFound)
}
