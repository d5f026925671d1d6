package run

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/offerforge/offerforge/core/offer"
)

const (
	runMetaKeyPrefix = "run:meta:"
	runRecentKey     = "run:recent"
	runActiveKey     = "run:active"

	envRunMetaTTLSeconds = "RUN_META_TTL_SECONDS"
)

var defaultRunMetaTTL = 7 * 24 * time.Hour

// RedisTracker implements Tracker on Redis so run history survives restarts.
// Each run lives as a JSON value under run:meta:{id}; run:recent is a ZSet
// scored by start time and trimmed to the capacity.
type RedisTracker struct {
	client   *redis.Client
	capacity int
	metaTTL  time.Duration
}

// NewRedisTracker connects via a redis:// URL and pings the server.
func NewRedisTracker(url string, capacity int) (*RedisTracker, error) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	ttl := defaultRunMetaTTL
	if v := os.Getenv(envRunMetaTTLSeconds); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			ttl = time.Duration(secs) * time.Second
		}
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return &RedisTracker{client: client, capacity: capacity, metaTTL: ttl}, nil
}

// NewRedisTrackerFromClient wraps an existing client, used by tests.
func NewRedisTrackerFromClient(client *redis.Client, capacity int) *RedisTracker {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &RedisTracker{client: client, capacity: capacity, metaTTL: defaultRunMetaTTL}
}

func (t *RedisTracker) Create(ctx context.Context, mode string, req offer.Context) (string, error) {
	id := uuid.NewString()
	r := &Run{
		RunID:     id,
		Status:    StatusRunning,
		Mode:      mode,
		StartedAt: time.Now().UTC(),
		Request:   req,
	}
	data, err := json.Marshal(r)
	if err != nil {
		return "", err
	}

	pipe := t.client.TxPipeline()
	pipe.Set(ctx, runMetaKey(id), data, t.metaTTL)
	pipe.ZAdd(ctx, runRecentKey, redis.Z{Score: float64(r.StartedAt.UnixMilli()), Member: id})
	pipe.ZRemRangeByRank(ctx, runRecentKey, 0, int64(-t.capacity-1))
	if _, err := pipe.Exec(ctx); err != nil {
		return "", err
	}
	return id, nil
}

func (t *RedisTracker) Update(ctx context.Context, runID string, up Update) error {
	if runID == "" {
		return errInvalidRunID
	}
	key := runMetaKey(runID)
	return t.client.Watch(ctx, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		var r Run
		if err := json.Unmarshal(data, &r); err != nil {
			return fmt.Errorf("decode run %s: %w", runID, err)
		}
		up.apply(&r)
		next, err := json.Marshal(&r)
		if err != nil {
			return err
		}
		pipe := tx.TxPipeline()
		pipe.Set(ctx, key, next, t.metaTTL)
		_, err = pipe.Exec(ctx)
		return err
	}, key)
}

func (t *RedisTracker) Get(ctx context.Context, runID string) (*Run, error) {
	data, err := t.client.Get(ctx, runMetaKey(runID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, offer.ErrRunNotFound
	}
	if err != nil {
		return nil, err
	}
	var r Run
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decode run %s: %w", runID, err)
	}
	return &r, nil
}

func (t *RedisTracker) ListRecent(ctx context.Context, limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	ids, err := t.client.ZRevRange(ctx, runRecentKey, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*Run, 0, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	// Batch the meta reads to avoid N+1 round trips.
	pipe := t.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.Get(ctx, runMetaKey(id))
	}
	_, _ = pipe.Exec(ctx)

	for _, cmd := range cmds {
		data, err := cmd.Bytes()
		if err != nil {
			// Expired meta still referenced by the index.
			continue
		}
		var r Run
		if err := json.Unmarshal(data, &r); err != nil {
			continue
		}
		out = append(out, &r)
	}
	return out, nil
}

func (t *RedisTracker) AttachFeedback(ctx context.Context, runID string, fb Feedback) error {
	if runID == "" {
		return offer.ErrRunNotFound
	}
	if fb.At.IsZero() {
		fb.At = time.Now().UTC()
	}
	key := runMetaKey(runID)
	return t.client.Watch(ctx, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return offer.ErrRunNotFound
		}
		if err != nil {
			return err
		}
		var r Run
		if err := json.Unmarshal(data, &r); err != nil {
			return fmt.Errorf("decode run %s: %w", runID, err)
		}
		r.Feedback = &fb
		next, err := json.Marshal(&r)
		if err != nil {
			return err
		}
		pipe := tx.TxPipeline()
		pipe.Set(ctx, key, next, t.metaTTL)
		_, err = pipe.Exec(ctx)
		return err
	}, key)
}

func (t *RedisTracker) SetActive(ctx context.Context, runID string) error {
	return t.client.Set(ctx, runActiveKey, runID, t.metaTTL).Err()
}

func (t *RedisTracker) ClearActive(ctx context.Context) error {
	return t.client.Del(ctx, runActiveKey).Err()
}

func (t *RedisTracker) ActiveRunID(ctx context.Context) (string, error) {
	val, err := t.client.Get(ctx, runActiveKey).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return val, err
}

func (t *RedisTracker) Close() error {
	return t.client.Close()
}

func (t *RedisTracker) Ping(ctx context.Context) error {
	if t == nil || t.client == nil {
		return fmt.Errorf("redis tracker not initialized")
	}
	return t.client.Ping(ctx).Err()
}

func runMetaKey(id string) string {
	return runMetaKeyPrefix + id
}
