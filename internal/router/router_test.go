package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"showsync/broker/internal/config"
	"showsync/broker/internal/protocol"
	"showsync/broker/internal/reconcile"
	"showsync/broker/internal/room"
	"showsync/broker/internal/session"
	"showsync/broker/internal/storage"
	"showsync/broker/internal/transport"
)

var now = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

// recordingSender captures frames per session and fails for chosen sessions.
type recordingSender struct {
	mu      sync.Mutex
	frames  map[string][]protocol.Frame
	failFor map[string]bool
}

func newRecordingSender() *recordingSender {
	return &recordingSender{frames: make(map[string][]protocol.Frame), failFor: make(map[string]bool)}
}

func (s *recordingSender) Send(_ context.Context, target session.Session, frame protocol.Frame) error {
	data, err := frame.Encode()
	if err != nil {
		return err
	}
	return s.SendRaw(context.Background(), target, data)
}

func (s *recordingSender) SendRaw(_ context.Context, target session.Session, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failFor[target.ID] {
		return transport.ErrStaleSession
	}
	frame, err := protocol.DecodeFrame(data)
	if err != nil {
		return err
	}
	s.frames[target.ID] = append(s.frames[target.ID], frame)
	return nil
}

func (s *recordingSender) of(sessionID string) []protocol.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.Frame(nil), s.frames[sessionID]...)
}

type fixture struct {
	store  *session.MemoryStore
	engine *reconcile.Engine
	sender *recordingSender
	router *Router
	stale  []string
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		store:  session.NewMemoryStore(),
		engine: reconcile.NewEngine(reconcile.NewMemoryStateStore(), reconcile.NewMemoryDedupStore(64), reconcile.WithClock(func() time.Time { return now })),
		sender: newRecordingSender(),
	}
	directory, err := room.NewDirectory(f.store, room.WithClock(func() time.Time { return now }))
	require.NoError(t, err)
	base := []Option{
		WithClock(func() time.Time { return now }),
		WithStaleHandler(func(_ context.Context, target session.Session) { f.stale = append(f.stale, target.ID) }),
	}
	f.router = New(f.engine, f.sender, directory, append(base, opts...)...)
	return f
}

func (f *fixture) join(t *testing.T, id, roomID string, expires time.Time) session.Session {
	t.Helper()
	s := session.Session{
		ID:           id,
		ConnectionID: "conn-" + id,
		Status:       session.StatusConnected,
		ExpiresAt:    expires,
		RoomID:       roomID,
	}
	require.NoError(t, f.store.Put(context.Background(), s))
	return s
}

func lastOfType(frames []protocol.Frame, kind protocol.Type) (protocol.Frame, bool) {
	for i := len(frames) - 1; i >= 0; i-- {
		if frames[i].Type == kind {
			return frames[i], true
		}
	}
	return protocol.Frame{}, false
}

func entryValue(t *testing.T, frame protocol.Frame) string {
	t.Helper()
	entry, ok := frame.Entry.(map[string]any)
	require.True(t, ok, "frame entry should decode to an object, got %T", frame.Entry)
	return fmt.Sprint(entry["value"])
}

func TestSyncReachesOtherSessionsInRoom(t *testing.T) {
	f := newFixture(t)
	a := f.join(t, "a", "show-1", now.Add(time.Hour))
	f.join(t, "b", "show-1", now.Add(time.Hour))
	f.join(t, "x", "show-2", now.Add(time.Hour))

	result := f.router.Route(context.Background(), a, []byte(`{"type":"sync","roomId":"show-1","senderId":"a","clientSequence":1,"opId":"o1","payload":{"key":"colorTheme","value":"#ff0000"}}`))
	require.NoError(t, result.Err)
	assert.Equal(t, OutcomeApplied, result.Outcome)
	assert.Equal(t, 1, result.Recipients)

	frame, ok := lastOfType(f.sender.of("b"), protocol.TypeSync)
	require.True(t, ok, "b should receive the converged value")
	assert.Equal(t, "#ff0000", entryValue(t, frame))

	ack, ok := lastOfType(f.sender.of("a"), protocol.TypeAck)
	require.True(t, ok)
	assert.Equal(t, protocol.AckApplied, ack.Status)
	assert.Equal(t, "o1", ack.OpID)
	_, echoed := lastOfType(f.sender.of("a"), protocol.TypeSync)
	assert.False(t, echoed, "applied updates are not echoed to the sender")
	assert.Empty(t, f.sender.of("x"), "other rooms stay untouched")
}

func TestLosingUpdateIsEchoedToSender(t *testing.T) {
	f := newFixture(t)
	a := f.join(t, "a", "show-1", now.Add(time.Hour))
	b := f.join(t, "b", "show-1", now.Add(time.Hour))

	later := f.router.Route(context.Background(), b, []byte(`{"type":"sync","roomId":"show-1","senderId":"b","clientSequence":5,"opId":"b5","originTimestamp":150,"payload":{"key":"intensity","value":0.9}}`))
	require.Equal(t, OutcomeApplied, later.Outcome)
	earlier := f.router.Route(context.Background(), a, []byte(`{"type":"sync","roomId":"show-1","senderId":"a","clientSequence":5,"opId":"a5","originTimestamp":100,"payload":{"key":"intensity","value":0.3}}`))
	require.Equal(t, OutcomeSuperseded, earlier.Outcome)

	ack, ok := lastOfType(f.sender.of("a"), protocol.TypeAck)
	require.True(t, ok)
	assert.Equal(t, protocol.AckSuperseded, ack.Status)
	echo, ok := lastOfType(f.sender.of("a"), protocol.TypeSync)
	require.True(t, ok, "sender must be told the converged value")
	value := echo.Entry.(map[string]any)["value"]
	assert.Equal(t, 0.9, value)

	entries, err := f.engine.Snapshot(context.Background(), "show-1")
	require.NoError(t, err)
	assert.JSONEq(t, "0.9", string(entries[0].Value))
}

func TestDuplicateOpIsAcknowledgedWithoutBroadcast(t *testing.T) {
	f := newFixture(t)
	a := f.join(t, "a", "show-1", now.Add(time.Hour))
	f.join(t, "b", "show-1", now.Add(time.Hour))
	raw := []byte(`{"type":"preset","roomId":"show-1","senderId":"a","clientSequence":2,"opId":"p2","payload":{"presetId":"strobe"}}`)

	require.Equal(t, OutcomeApplied, f.router.Route(context.Background(), a, raw).Outcome)
	replay := f.router.Route(context.Background(), a, raw)
	assert.Equal(t, OutcomeDuplicate, replay.Outcome)
	assert.Equal(t, 0, replay.Recipients)
	assert.Len(t, f.sender.of("b"), 1, "b sees the preset once")

	ack, _ := lastOfType(f.sender.of("a"), protocol.TypeAck)
	assert.Equal(t, protocol.AckDuplicate, ack.Status)
}

func TestMalformedEnvelopeIsDroppedWithErrorFrame(t *testing.T) {
	f := newFixture(t)
	a := f.join(t, "a", "show-1", now.Add(time.Hour))
	f.join(t, "b", "show-1", now.Add(time.Hour))

	result := f.router.Route(context.Background(), a, []byte(`{"type":"sync","roomId":"show-1"`))
	assert.Equal(t, OutcomeRejected, result.Outcome)
	assert.True(t, errors.Is(result.Err, protocol.ErrValidation))
	errFrame, ok := lastOfType(f.sender.of("a"), protocol.TypeError)
	require.True(t, ok)
	assert.Equal(t, protocol.CodeValidation, errFrame.Code)
	assert.Empty(t, f.sender.of("b"))

	mismatch := f.router.Route(context.Background(), a, []byte(`{"type":"chat","roomId":"show-2","senderId":"a","payload":{"text":"hi"}}`))
	assert.Equal(t, OutcomeRejected, mismatch.Outcome)
	assert.Empty(t, f.sender.of("b"))
}

func TestBroadcastSkipsExpiredAndSurvivesFailedPeer(t *testing.T) {
	f := newFixture(t)
	a := f.join(t, "a", "show-1", now.Add(time.Hour))
	f.join(t, "b", "show-1", now.Add(time.Hour))
	f.join(t, "c", "show-1", now.Add(time.Hour))
	f.join(t, "expired", "show-1", now)
	f.sender.failFor["b"] = true

	result := f.router.Route(context.Background(), a, []byte(`{"type":"chat","roomId":"show-1","senderId":"a","opId":"m1","payload":{"text":"drop at 2:00"}}`))
	assert.Equal(t, OutcomeDelivered, result.Outcome)
	assert.Equal(t, 1, result.Recipients)
	assert.Equal(t, 1, result.Failed)

	chat, ok := lastOfType(f.sender.of("c"), protocol.TypeChat)
	require.True(t, ok, "c receives chat although b failed")
	assert.JSONEq(t, `{"text":"drop at 2:00"}`, string(chat.Payload))
	assert.Empty(t, f.sender.of("expired"))
	assert.Equal(t, []string{"b"}, f.stale)

	ack, ok := lastOfType(f.sender.of("a"), protocol.TypeAck)
	require.True(t, ok)
	assert.Equal(t, protocol.AckDelivered, ack.Status)
}

func TestPingAnswersSenderOnly(t *testing.T) {
	f := newFixture(t)
	a := f.join(t, "a", "show-1", now.Add(time.Hour))
	f.join(t, "b", "show-1", now.Add(time.Hour))
	result := f.router.Route(context.Background(), a, []byte(`{"type":"ping","roomId":"show-1","senderId":"a","payload":{"clientTime":42}}`))
	assert.Equal(t, OutcomeDelivered, result.Outcome)
	pong, ok := lastOfType(f.sender.of("a"), protocol.TypePong)
	require.True(t, ok)
	assert.EqualValues(t, 42, pong.ClientTime)
	assert.Equal(t, now.UnixMilli(), pong.ServerTime)
	assert.Empty(t, f.sender.of("b"))
}

func TestThrottleRejectsBurstOverflow(t *testing.T) {
	throttle := NewThrottle(config.ThrottleConfig{Rate: 1, Burst: 2, StageRate: 100, StageBurst: 100}, func() time.Time { return now })
	f := newFixture(t, WithThrottle(throttle))
	a := f.join(t, "a", "show-1", now.Add(time.Hour))
	ping := []byte(`{"type":"ping","roomId":"show-1","senderId":"a"}`)

	assert.Equal(t, OutcomeDelivered, f.router.Route(context.Background(), a, ping).Outcome)
	assert.Equal(t, OutcomeDelivered, f.router.Route(context.Background(), a, ping).Outcome)
	third := f.router.Route(context.Background(), a, []byte(`{"type":"sync","roomId":"show-1","senderId":"a","clientSequence":1,"opId":"o3","payload":{"key":"k","value":1}}`))
	assert.Equal(t, OutcomeThrottled, third.Outcome)
	assert.ErrorIs(t, third.Err, ErrThrottled)
	errFrame, ok := lastOfType(f.sender.of("a"), protocol.TypeError)
	require.True(t, ok)
	assert.Equal(t, protocol.CodeThrottled, errFrame.Code)
	assert.True(t, errFrame.Retryable)
	assert.Equal(t, "o3", errFrame.OpID, "the client matches the refusal to its pending op")
	assert.EqualValues(t, 1, throttle.Drops()["conn-a"].ConnectionRate)
}

func TestAuthenticatedSessionCannotSpeakForAnotherSender(t *testing.T) {
	f := newFixture(t)
	alice := session.Session{ID: "a", ConnectionID: "conn-a", UserID: "alice", Status: session.StatusConnected, ExpiresAt: now.Add(time.Hour), RoomID: "show-1"}
	require.NoError(t, f.store.Put(context.Background(), alice))
	f.join(t, "b", "show-1", now.Add(time.Hour))

	spoof := f.router.Route(context.Background(), alice, []byte(`{"type":"performance","roomId":"show-1","senderId":"bob","clientSequence":1,"opId":"p1","payload":{"fps":5}}`))
	assert.Equal(t, OutcomeRejected, spoof.Outcome)
	assert.ErrorIs(t, spoof.Err, protocol.ErrValidation)
	errFrame, ok := lastOfType(f.sender.of("a"), protocol.TypeError)
	require.True(t, ok)
	assert.Equal(t, "p1", errFrame.OpID)
	entries, err := f.engine.Snapshot(context.Background(), "show-1")
	require.NoError(t, err)
	assert.Empty(t, entries)

	own := f.router.Route(context.Background(), alice, []byte(`{"type":"sync","roomId":"show-1","senderId":"alice","clientSequence":1,"opId":"o1","payload":{"key":"k","value":1}}`))
	assert.Equal(t, OutcomeApplied, own.Outcome)

	anonymous := session.Session{ID: "c", ConnectionID: "conn-c", UserID: "anon-1", Anonymous: true, Status: session.StatusConnected, ExpiresAt: now.Add(time.Hour), RoomID: "show-1"}
	require.NoError(t, f.store.Put(context.Background(), anonymous))
	free := f.router.Route(context.Background(), anonymous, []byte(`{"type":"sync","roomId":"show-1","senderId":"desk","clientSequence":2,"opId":"o2","payload":{"key":"k","value":2}}`))
	assert.Equal(t, OutcomeApplied, free.Outcome)
}

func TestStageBucketCapsAllConnections(t *testing.T) {
	clock := now
	throttle := NewThrottle(config.ThrottleConfig{Rate: 100, Burst: 10, StageRate: 1, StageBurst: 3}, func() time.Time { return clock })
	allowed := 0
	for i := 0; i < 6; i++ {
		if throttle.Allow([]string{"c1", "c2", "c3"}[i%3]) == DropReasonNone {
			allowed++
		}
	}
	assert.Equal(t, 3, allowed)
	clock = clock.Add(time.Second)
	assert.Equal(t, DropReasonNone, throttle.Allow("c1"), "stage bucket refills over time")
	throttle.Forget("c1")
	assert.NotContains(t, throttle.Drops(), "c1")
}

type unavailableEngine struct{}

func (unavailableEngine) Apply(context.Context, reconcile.Update) (reconcile.Resolved, error) {
	return reconcile.Resolved{}, storage.ErrUnavailable
}

func TestStoreOutageSurfacesRetryableError(t *testing.T) {
	store := session.NewMemoryStore()
	directory, _ := room.NewDirectory(store)
	sender := newRecordingSender()
	r := New(unavailableEngine{}, sender, directory)
	a := session.Session{ID: "a", ConnectionID: "conn-a", Status: session.StatusConnected, ExpiresAt: time.Now().Add(time.Hour), RoomID: "show-1"}
	require.NoError(t, store.Put(context.Background(), a))

	result := r.Route(context.Background(), a, []byte(`{"type":"sync","roomId":"show-1","senderId":"a","clientSequence":1,"opId":"o1","payload":{"key":"k","value":1}}`))
	assert.Equal(t, OutcomeFailed, result.Outcome)
	assert.ErrorIs(t, result.Err, storage.ErrUnavailable)
	errFrame, ok := lastOfType(sender.of("a"), protocol.TypeError)
	require.True(t, ok)
	assert.Equal(t, protocol.CodeUnavailable, errFrame.Code)
	assert.True(t, errFrame.Retryable)
	assert.Equal(t, "o1", errFrame.OpID)
}
