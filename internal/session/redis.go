package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"showsync/broker/internal/storage"
)

// RedisStore shares sessions between broker instances. Records are JSON
// strings indexed by connection id, by room and by expiry in a sorted set.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	policy storage.RetryPolicy
}

// RedisOption customises a RedisStore.
type RedisOption func(*RedisStore)

// WithRetryPolicy overrides the retry policy applied to every Redis call.
func WithRetryPolicy(policy storage.RetryPolicy) RedisOption {
	return func(s *RedisStore) {
		s.policy = policy
	}
}

// NewRedisStore builds a session store rooted at the table prefix.
func NewRedisStore(client redis.UniversalClient, table string, opts ...RedisOption) *RedisStore {
	table = strings.TrimSpace(table)
	if table == "" {
		table = "showsync:sessions"
	}
	store := &RedisStore{client: client, prefix: table, policy: storage.DefaultRetryPolicy()}
	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}
	return store
}

func (s *RedisStore) sessionKey(id string) string   { return s.prefix + ":id:" + id }
func (s *RedisStore) connectionKey(id string) string { return s.prefix + ":conn:" + id }
func (s *RedisStore) roomKey(id string) string       { return s.prefix + ":room:" + id }
func (s *RedisStore) expiryKey() string              { return s.prefix + ":expiry" }

// Put writes the record and all of its indexes in one transaction.
func (s *RedisStore) Put(ctx context.Context, sess Session) error {
	if strings.TrimSpace(sess.ID) == "" || strings.TrimSpace(sess.ConnectionID) == "" {
		return ErrInvalidSession
	}
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	return storage.Retry(ctx, s.policy, func() error {
		//1.- Claim the connection index; a different owner means a duplicate bind.
		claimed, err := s.client.SetNX(ctx, s.connectionKey(sess.ConnectionID), sess.ID, 0).Result()
		if err != nil {
			return err
		}
		if !claimed {
			owner, err := s.client.Get(ctx, s.connectionKey(sess.ConnectionID)).Result()
			if err != nil && !errors.Is(err, redis.Nil) {
				return err
			}
			if owner != "" && owner != sess.ID {
				return storage.Permanent(ErrDuplicateConnection)
			}
		}
		//2.- Clear the previous room index when a replacement moved rooms.
		previous, err := s.load(ctx, sess.ID)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if previous.RoomID != "" && previous.RoomID != sess.RoomID {
				pipe.SRem(ctx, s.roomKey(previous.RoomID), sess.ID)
			}
			if previous.ConnectionID != "" && previous.ConnectionID != sess.ConnectionID {
				pipe.Del(ctx, s.connectionKey(previous.ConnectionID))
			}
			pipe.Set(ctx, s.sessionKey(sess.ID), data, 0)
			pipe.Set(ctx, s.connectionKey(sess.ConnectionID), sess.ID, 0)
			pipe.SAdd(ctx, s.roomKey(sess.RoomID), sess.ID)
			pipe.ZAdd(ctx, s.expiryKey(), &redis.Z{Score: expiryScore(sess.ExpiresAt), Member: sess.ID})
			return nil
		})
		return err
	})
}

// Get loads the session by id.
func (s *RedisStore) Get(ctx context.Context, sessionID string) (Session, error) {
	var out Session
	err := storage.Retry(ctx, s.policy, func() error {
		var err error
		out, err = s.load(ctx, sessionID)
		return err
	})
	return out, err
}

// GetByConnection resolves the connection index and loads the session.
func (s *RedisStore) GetByConnection(ctx context.Context, connectionID string) (Session, error) {
	var out Session
	err := storage.Retry(ctx, s.policy, func() error {
		id, err := s.client.Get(ctx, s.connectionKey(connectionID)).Result()
		if errors.Is(err, redis.Nil) {
			return storage.ErrNotFound
		}
		if err != nil {
			return err
		}
		out, err = s.load(ctx, id)
		return err
	})
	return out, err
}

// Delete removes the record and its indexes. Missing records are ignored.
func (s *RedisStore) Delete(ctx context.Context, sessionID string) error {
	return storage.Retry(ctx, s.policy, func() error {
		sess, err := s.load(ctx, sessionID)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, s.sessionKey(sessionID))
			pipe.ZRem(ctx, s.expiryKey(), sessionID)
			if sess.RoomID != "" {
				pipe.SRem(ctx, s.roomKey(sess.RoomID), sessionID)
			}
			return nil
		})
		if err != nil {
			return err
		}
		//1.- Release the connection index only while it still points at this session.
		if sess.ConnectionID != "" {
			owner, err := s.client.Get(ctx, s.connectionKey(sess.ConnectionID)).Result()
			if err != nil && !errors.Is(err, redis.Nil) {
				return err
			}
			if owner == sessionID {
				return s.client.Del(ctx, s.connectionKey(sess.ConnectionID)).Err()
			}
		}
		return nil
	})
}

// SetExpiry rewrites the lease on the record and in the expiry index.
func (s *RedisStore) SetExpiry(ctx context.Context, sessionID string, expiresAt time.Time) error {
	return storage.Retry(ctx, s.policy, func() error {
		sess, err := s.load(ctx, sessionID)
		if err != nil {
			return err
		}
		sess.ExpiresAt = expiresAt
		data, err := json.Marshal(sess)
		if err != nil {
			return storage.Permanent(err)
		}
		_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, s.sessionKey(sessionID), data, 0)
			pipe.ZAdd(ctx, s.expiryKey(), &redis.Z{Score: expiryScore(expiresAt), Member: sessionID})
			return nil
		})
		return err
	})
}

// ListRoom loads every session indexed under the room.
func (s *RedisStore) ListRoom(ctx context.Context, roomID string) ([]Session, error) {
	var out []Session
	err := storage.Retry(ctx, s.policy, func() error {
		ids, err := s.client.SMembers(ctx, s.roomKey(roomID)).Result()
		if err != nil {
			return err
		}
		out, err = s.loadMany(ctx, ids, false)
		return err
	})
	if err != nil {
		return nil, err
	}
	sortSessions(out)
	return out, nil
}

// Expired returns sessions scored at or before now. Index entries whose
// record vanished are returned with only their id so the sweeper drops them.
func (s *RedisStore) Expired(ctx context.Context, now time.Time) ([]Session, error) {
	var out []Session
	err := storage.Retry(ctx, s.policy, func() error {
		ids, err := s.client.ZRangeByScore(ctx, s.expiryKey(), &redis.ZRangeBy{
			Min: "-inf",
			Max: strconv.FormatInt(now.UnixMilli(), 10),
		}).Result()
		if err != nil {
			return err
		}
		out, err = s.loadMany(ctx, ids, true)
		return err
	})
	if err != nil {
		return nil, err
	}
	sortSessions(out)
	return out, nil
}

// Count returns the size of the expiry index.
func (s *RedisStore) Count(ctx context.Context) (int, error) {
	var n int64
	err := storage.Retry(ctx, s.policy, func() error {
		var err error
		n, err = s.client.ZCard(ctx, s.expiryKey()).Result()
		return err
	})
	return int(n), err
}

// Ping checks Redis connectivity without retries.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", storage.ErrUnavailable, err)
	}
	return nil
}

func (s *RedisStore) load(ctx context.Context, sessionID string) (Session, error) {
	data, err := s.client.Get(ctx, s.sessionKey(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Session{}, storage.ErrNotFound
	}
	if err != nil {
		return Session{}, err
	}
	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return Session{}, storage.Permanent(fmt.Errorf("decode session %s: %w", sessionID, err))
	}
	return sess, nil
}

func (s *RedisStore) loadMany(ctx context.Context, ids []string, keepMissing bool) ([]Session, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.sessionKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Session, 0, len(ids))
	for i, value := range values {
		raw, ok := value.(string)
		if !ok {
			if keepMissing {
				out = append(out, Session{ID: ids[i]})
			}
			continue
		}
		var sess Session
		if err := json.Unmarshal([]byte(raw), &sess); err != nil {
			if keepMissing {
				out = append(out, Session{ID: ids[i]})
			}
			continue
		}
		out = append(out, sess)
	}
	return out, nil
}

func expiryScore(t time.Time) float64 {
	return float64(t.UnixMilli())
}
