package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-redis/redis/v8"

	"github.com/Rajchodisetti/tradegate/internal/deviation"
	"github.com/Rajchodisetti/tradegate/internal/safety"
)

const (
	redisStateKey    = "safety:state"
	redisAuditKey    = "safety:audit"
	redisSnapshotKey = "deviation:snapshot"
)

// RedisStore backs the gate state, the emergency log and the deviation
// snapshot with one Redis database. The log is a list that only grows.
type RedisStore struct {
	client redis.Cmdable
	prefix string
}

func NewRedisStore(client redis.Cmdable, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

// NewRedisClient dials addr and verifies the connection with PING.
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := c.Ping(ctx).Err(); err != nil {
		c.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return c, nil
}

func (r *RedisStore) key(k string) string { return r.prefix + k }

func (r *RedisStore) Load(ctx context.Context) (safety.State, bool, error) {
	var st safety.State
	found, err := r.getJSON(ctx, redisStateKey, &st)
	return st, found, err
}

func (r *RedisStore) Save(ctx context.Context, st safety.State) error {
	return r.setJSON(ctx, redisStateKey, st)
}

func (r *RedisStore) Append(ctx context.Context, e safety.LogEntry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode audit entry: %w", err)
	}
	if err := r.client.RPush(ctx, r.key(redisAuditKey), data).Err(); err != nil {
		return fmt.Errorf("redis rpush audit: %w", err)
	}
	return nil
}

// Recent returns the newest limit entries in append order; limit <= 0 is all.
func (r *RedisStore) Recent(ctx context.Context, limit int) ([]safety.LogEntry, error) {
	start := int64(0)
	if limit > 0 {
		start = -int64(limit)
	}
	raw, err := r.client.LRange(ctx, r.key(redisAuditKey), start, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis lrange audit: %w", err)
	}
	out := make([]safety.LogEntry, 0, len(raw))
	for _, s := range raw {
		var e safety.LogEntry
		if err := json.Unmarshal([]byte(s), &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (r *RedisStore) LoadSnapshot(ctx context.Context) (deviation.Snapshot, bool, error) {
	var s deviation.Snapshot
	found, err := r.getJSON(ctx, redisSnapshotKey, &s)
	return s, found, err
}

func (r *RedisStore) SaveSnapshot(ctx context.Context, s deviation.Snapshot) error {
	return r.setJSON(ctx, redisSnapshotKey, s)
}

func (r *RedisStore) getJSON(ctx context.Context, k string, v any) (bool, error) {
	data, err := r.client.Get(ctx, r.key(k)).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("redis get %s: %w", k, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("decode %s: %w", k, err)
	}
	return true, nil
}

func (r *RedisStore) setJSON(ctx context.Context, k string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", k, err)
	}
	if err := r.client.Set(ctx, r.key(k), data, 0).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", k, err)
	}
	return nil
}
