package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"showsync/broker/internal/storage"
)

type storeFactory func(t *testing.T) Store

func newMiniredisStore(t *testing.T) Store {
	t.Helper()
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStore(client, "test:sessions", WithRetryPolicy(storage.RetryPolicy{
		MaxRetries:  1,
		InitialWait: time.Millisecond,
		MaxWait:     time.Millisecond,
	}))
}

func backends() map[string]storeFactory {
	return map[string]storeFactory{
		"memory": func(*testing.T) Store { return NewMemoryStore() },
		"redis":  newMiniredisStore,
	}
}

func sample(id, conn, room string, expires time.Time) Session {
	return Session{
		ID:           id,
		ConnectionID: conn,
		Status:       StatusConnected,
		CreatedAt:    expires.Add(-time.Hour),
		ExpiresAt:    expires,
		RoomID:       room,
		ServerID:     "srv-a",
	}
}

func TestStorePutAndLookup(t *testing.T) {
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := factory(t)
			s := sample("s1", "c1", "show-1", base.Add(time.Hour))
			s.UserID = "alice"
			require.NoError(t, store.Put(ctx, s))

			got, err := store.Get(ctx, "s1")
			require.NoError(t, err)
			assert.Equal(t, "alice", got.UserID)
			assert.True(t, got.ExpiresAt.Equal(s.ExpiresAt))

			byConn, err := store.GetByConnection(ctx, "c1")
			require.NoError(t, err)
			assert.Equal(t, "s1", byConn.ID)

			_, err = store.Get(ctx, "missing")
			assert.ErrorIs(t, err, storage.ErrNotFound)
			_, err = store.GetByConnection(ctx, "missing")
			assert.ErrorIs(t, err, storage.ErrNotFound)

			count, err := store.Count(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, count)
		})
	}
}

func TestStoreRejectsDuplicateConnection(t *testing.T) {
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := factory(t)
			require.NoError(t, store.Put(ctx, sample("s1", "c1", "show-1", base)))
			err := store.Put(ctx, sample("s2", "c1", "show-1", base))
			assert.True(t, errors.Is(err, ErrDuplicateConnection), "got %v", err)

			// Replacing the same session id is allowed.
			require.NoError(t, store.Put(ctx, sample("s1", "c1", "show-1", base.Add(time.Minute))))
		})
	}
}

func TestStoreDeleteClearsIndexes(t *testing.T) {
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := factory(t)
			require.NoError(t, store.Put(ctx, sample("s1", "c1", "show-1", base.Add(time.Hour))))
			require.NoError(t, store.Put(ctx, sample("s2", "c2", "show-1", base.Add(time.Hour))))

			require.NoError(t, store.Delete(ctx, "s1"))
			require.NoError(t, store.Delete(ctx, "s1"), "delete must be idempotent")

			_, err := store.GetByConnection(ctx, "c1")
			assert.ErrorIs(t, err, storage.ErrNotFound)
			members, err := store.ListRoom(ctx, "show-1")
			require.NoError(t, err)
			require.Len(t, members, 1)
			assert.Equal(t, "s2", members[0].ID)

			// The freed connection id can be bound again.
			require.NoError(t, store.Put(ctx, sample("s3", "c1", "show-1", base.Add(time.Hour))))
		})
	}
}

func TestStoreExpiredScan(t *testing.T) {
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := factory(t)
			require.NoError(t, store.Put(ctx, sample("old", "c1", "show-1", base.Add(-time.Second))))
			require.NoError(t, store.Put(ctx, sample("edge", "c2", "show-1", base)))
			require.NoError(t, store.Put(ctx, sample("live", "c3", "show-2", base.Add(time.Minute))))

			expired, err := store.Expired(ctx, base)
			require.NoError(t, err)
			ids := make([]string, 0, len(expired))
			for _, s := range expired {
				ids = append(ids, s.ID)
			}
			assert.Equal(t, []string{"edge", "old"}, ids)

			require.NoError(t, store.SetExpiry(ctx, "live", base))
			expired, err = store.Expired(ctx, base)
			require.NoError(t, err)
			assert.Len(t, expired, 3)

			assert.ErrorIs(t, store.SetExpiry(ctx, "ghost", base), storage.ErrNotFound)
		})
	}
}

func TestSessionEligibility(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	s := sample("s1", "c1", "r", now.Add(time.Second))
	assert.True(t, s.Eligible(now))
	assert.False(t, s.Eligible(now.Add(time.Second)), "expiresAt equal to now is ineligible")
	s.Status = StatusDisconnected
	assert.False(t, s.Eligible(now))
}

func TestRedisStoreReportsUnavailable(t *testing.T) {
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	store := NewRedisStore(client, "", WithRetryPolicy(storage.RetryPolicy{
		MaxRetries:  1,
		InitialWait: time.Millisecond,
		MaxWait:     time.Millisecond,
	}))
	server.Close()

	err := store.Put(context.Background(), sample("s1", "c1", "r", time.Now().Add(time.Hour)))
	assert.ErrorIs(t, err, storage.ErrUnavailable)
	assert.ErrorIs(t, store.Ping(context.Background()), storage.ErrUnavailable)
}
