package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"showsync/broker/internal/storage"
)

// casScript writes an entry only while the revision hash still holds the
// expected revision. A missing revision counts as zero.
var casScript = redis.NewScript(`
local current = tonumber(redis.call('HGET', KEYS[2], ARGV[1]) or '0')
if current ~= tonumber(ARGV[2]) then
  return 0
end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[3])
redis.call('HSET', KEYS[2], ARGV[1], ARGV[4])
redis.call('SADD', KEYS[3], ARGV[5])
return 1
`)

// RedisStateStore shares room state between instances. Each room is a hash
// of JSON entries beside a hash of revisions used for compare-and-swap.
type RedisStateStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStateStore roots the store at the table prefix.
func NewRedisStateStore(client redis.UniversalClient, table string) *RedisStateStore {
	table = strings.TrimSpace(table)
	if table == "" {
		table = "showsync:state"
	}
	return &RedisStateStore{client: client, prefix: table}
}

func (s *RedisStateStore) entriesKey(roomID string) string   { return s.prefix + ":room:" + roomID }
func (s *RedisStateStore) revisionsKey(roomID string) string { return s.prefix + ":rev:" + roomID }
func (s *RedisStateStore) roomsKey() string                  { return s.prefix + ":rooms" }

// Get loads one entry.
func (s *RedisStateStore) Get(ctx context.Context, roomID, key string) (Entry, error) {
	raw, err := s.client.HGet(ctx, s.entriesKey(roomID), key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Entry{}, storage.ErrNotFound
	}
	if err != nil {
		return Entry{}, err
	}
	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return Entry{}, storage.Permanent(fmt.Errorf("decode entry %s/%s: %w", roomID, key, err))
	}
	return entry, nil
}

// CompareAndSwap runs the conditional write script.
func (s *RedisStateStore) CompareAndSwap(ctx context.Context, roomID string, entry Entry, expected uint64) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return storage.Permanent(fmt.Errorf("encode entry: %w", err))
	}
	keys := []string{s.entriesKey(roomID), s.revisionsKey(roomID), s.roomsKey()}
	args := []any{
		entry.Key,
		strconv.FormatUint(expected, 10),
		string(data),
		strconv.FormatUint(entry.Revision, 10),
		roomID,
	}
	written, err := casScript.Run(ctx, s.client, keys, args...).Int()
	if err != nil {
		return err
	}
	if written == 0 {
		return storage.ErrConflict
	}
	return nil
}

// List loads every entry of the room sorted by key.
func (s *RedisStateStore) List(ctx context.Context, roomID string) ([]Entry, error) {
	values, err := s.client.HGetAll(ctx, s.entriesKey(roomID)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(values))
	for key, raw := range values {
		var entry Entry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			return nil, storage.Permanent(fmt.Errorf("decode entry %s/%s: %w", roomID, key, err))
		}
		out = append(out, entry)
	}
	sortEntries(out)
	return out, nil
}

// DropRoom deletes both hashes and the room index entry.
func (s *RedisStateStore) DropRoom(ctx context.Context, roomID string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.entriesKey(roomID), s.revisionsKey(roomID))
		pipe.SRem(ctx, s.roomsKey(), roomID)
		return nil
	})
	return err
}

// Rooms lists rooms holding state.
func (s *RedisStateStore) Rooms(ctx context.Context) ([]string, error) {
	rooms, err := s.client.SMembers(ctx, s.roomsKey()).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(rooms)
	return rooms, nil
}

// rememberScript inserts the op once, appends it to the order list, trims the
// oldest entries beyond the window and registers the sender with its room.
var rememberScript = redis.NewScript(`
if redis.call('HSETNX', KEYS[1], ARGV[1], ARGV[2]) == 1 then
  redis.call('RPUSH', KEYS[2], ARGV[1])
  local window = tonumber(ARGV[3])
  while redis.call('LLEN', KEYS[2]) > window do
    local oldest = redis.call('LPOP', KEYS[2])
    redis.call('HDEL', KEYS[1], oldest)
  end
end
redis.call('SADD', KEYS[3], ARGV[5])
redis.call('PEXPIRE', KEYS[1], ARGV[4])
redis.call('PEXPIRE', KEYS[2], ARGV[4])
redis.call('PEXPIRE', KEYS[3], ARGV[4])
return 1
`)

// RedisDedupStore keeps each sender's recent operations per room in Redis so
// a client reconnecting to another instance is still recognised.
type RedisDedupStore struct {
	client redis.UniversalClient
	prefix string
	window int
	ttl    time.Duration
}

// NewRedisDedupStore keeps window ops per sender and room; idle senders
// expire after ttl.
func NewRedisDedupStore(client redis.UniversalClient, table string, window int, ttl time.Duration) *RedisDedupStore {
	table = strings.TrimSpace(table)
	if table == "" {
		table = "showsync:ops"
	}
	if window <= 0 {
		window = 256
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisDedupStore{client: client, prefix: table, window: window, ttl: ttl}
}

func (s *RedisDedupStore) recordsKey(roomID, senderID string) string {
	return s.prefix + ":room:" + roomID + ":sender:" + senderID
}
func (s *RedisDedupStore) orderKey(roomID, senderID string) string {
	return s.recordsKey(roomID, senderID) + ":order"
}
func (s *RedisDedupStore) sendersKey(roomID string) string { return s.prefix + ":senders:" + roomID }

// Lookup reads a remembered operation.
func (s *RedisDedupStore) Lookup(ctx context.Context, roomID, senderID, opID string) (OpRecord, bool, error) {
	raw, err := s.client.HGet(ctx, s.recordsKey(roomID, senderID), opID).Bytes()
	if errors.Is(err, redis.Nil) {
		return OpRecord{}, false, nil
	}
	if err != nil {
		return OpRecord{}, false, err
	}
	var record OpRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return OpRecord{}, false, storage.Permanent(fmt.Errorf("decode op %s: %w", opID, err))
	}
	return record, true, nil
}

// Remember stores the operation through the trimming script.
func (s *RedisDedupStore) Remember(ctx context.Context, roomID, senderID, opID string, record OpRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return storage.Permanent(fmt.Errorf("encode op: %w", err))
	}
	keys := []string{s.recordsKey(roomID, senderID), s.orderKey(roomID, senderID), s.sendersKey(roomID)}
	return rememberScript.Run(ctx, s.client, keys, opID, string(data), s.window, s.ttl.Milliseconds(), senderID).Err()
}

// DropRoom deletes the windows of every sender registered with the room.
func (s *RedisDedupStore) DropRoom(ctx context.Context, roomID string) error {
	senders, err := s.client.SMembers(ctx, s.sendersKey(roomID)).Result()
	if err != nil {
		return err
	}
	keys := make([]string, 0, 2*len(senders)+1)
	for _, sender := range senders {
		keys = append(keys, s.recordsKey(roomID, sender), s.orderKey(roomID, sender))
	}
	keys = append(keys, s.sendersKey(roomID))
	return s.client.Del(ctx, keys...).Err()
}
