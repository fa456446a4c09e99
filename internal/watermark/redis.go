package watermark

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisKey is the hash holding the watermark.
const DefaultRedisKey = "killfeed:watermark"

// redisAdvanceScript writes the watermark only when it moves forward.
// KEYS[1] = watermark hash
// ARGV[1] = unix seconds
// ARGV[2] = killmail id
// ARGV[3] = killmail uid
var redisAdvanceScript = redis.NewScript(`
local key = KEYS[1]
local ts = tonumber(ARGV[1])
local id = tonumber(ARGV[2])

local state = redis.call("HMGET", key, "ts", "id")
local cur_ts = tonumber(state[1])
local cur_id = tonumber(state[2]) or 0

if cur_ts then
    if ts < cur_ts or (ts == cur_ts and id <= cur_id) then
        return 0
    end
end

redis.call("HSET", key, "ts", ARGV[1], "id", ARGV[2], "uid", ARGV[3])
return 1
`)

// RedisStore keeps the watermark in a Redis hash. Saves are atomic and
// never move the watermark backwards.
type RedisStore struct {
	client *redis.Client
	key    string
}

// NewRedisStore creates a store backed by the Redis server at addr.
func NewRedisStore(addr, password string, db int, key string) *RedisStore {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return NewRedisStoreFromClient(rdb, key)
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(client *redis.Client, key string) *RedisStore {
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisStore{client: client, key: key}
}

// LoadWatermark implements Store.
func (s *RedisStore) LoadWatermark(ctx context.Context) (Watermark, bool, error) {
	vals, err := s.client.HGetAll(ctx, s.key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Watermark{}, false, nil
		}
		return Watermark{}, false, fmt.Errorf("load watermark: %w", err)
	}
	if len(vals) == 0 {
		return Watermark{}, false, nil
	}

	ts, err := strconv.ParseInt(vals["ts"], 10, 64)
	if err != nil {
		return Watermark{}, false, fmt.Errorf("load watermark: invalid ts %q", vals["ts"])
	}
	var id int64
	if raw := vals["id"]; raw != "" {
		id, err = strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return Watermark{}, false, fmt.Errorf("load watermark: invalid id %q", raw)
		}
	}

	return Watermark{Date: time.Unix(ts, 0).UTC(), ID: id, UID: vals["uid"]}, true, nil
}

// SaveWatermark implements Store. Killboard dates have second precision so
// the stored timestamp is truncated to seconds.
func (s *RedisStore) SaveWatermark(ctx context.Context, wm Watermark) error {
	args := []any{
		strconv.FormatInt(wm.Date.Unix(), 10),
		strconv.FormatInt(wm.ID, 10),
		wm.UID,
	}
	if err := redisAdvanceScript.Run(ctx, s.client, []string{s.key}, args...).Err(); err != nil {
		return fmt.Errorf("save watermark: %w", err)
	}
	return nil
}

// ResetWatermark overwrites the watermark, including moving it backwards.
func (s *RedisStore) ResetWatermark(ctx context.Context, wm Watermark) error {
	err := s.client.HSet(ctx, s.key,
		"ts", strconv.FormatInt(wm.Date.Unix(), 10),
		"id", strconv.FormatInt(wm.ID, 10),
		"uid", wm.UID,
	).Err()
	if err != nil {
		return fmt.Errorf("reset watermark: %w", err)
	}
	return nil
}

// ClearWatermark deletes the watermark hash.
func (s *RedisStore) ClearWatermark(ctx context.Context) error {
	if err := s.client.Del(ctx, s.key).Err(); err != nil {
		return fmt.Errorf("clear watermark: %w", err)
	}
	return nil
}

// Close releases the Redis connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
