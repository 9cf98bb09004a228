package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// cacheBackend persists snapshots to a Redis-compatible store, writing
// each Save/CreateSnapshot as a single pipelined transaction via
// go-redis's TxPipelined, the usual idiom for durable/ephemeral state
// caches of this shape.
type cacheBackend struct {
	client *redis.Client
	prefix string
	ctx    context.Context
}

const (
	cacheCurrentKey   = "current"
	cacheSnapshotZSet = "snapshots"
)

func newCacheBackend(cfg Config) (*cacheBackend, error) {
	if cfg.RedisAddr == "" {
		return nil, fmt.Errorf("persistence: cache backend requires redis_addr")
	}
	prefix := cfg.RedisPrefix
	if prefix == "" {
		prefix = "poppobuilder"
	}
	client := redis.NewClient(&redis.Options{
		Addr: cfg.RedisAddr,
		DB:   cfg.RedisDB,
	})
	return &cacheBackend{client: client, prefix: prefix, ctx: context.Background()}, nil
}

func (b *cacheBackend) key(parts ...string) string {
	return strings.Join(append([]string{b.prefix}, parts...), ":")
}

func (b *cacheBackend) Save(state State) error {
	sealed, err := Seal(state)
	if err != nil {
		return err
	}
	data, err := json.Marshal(sealed)
	if err != nil {
		return fmt.Errorf("persistence: marshal: %w", err)
	}

	_, err = b.client.TxPipelined(b.ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(b.ctx, b.key(cacheCurrentKey), data, 0)
		pipe.Set(b.ctx, b.key(cacheCurrentKey, "saved_at"), sealed.SavedAt.Format(time.RFC3339Nano), 0)
		return nil
	})
	if err != nil {
		return fmt.Errorf("persistence: tx save: %w", err)
	}
	return nil
}

func (b *cacheBackend) Load() (State, error) {
	data, err := b.client.Get(b.ctx, b.key(cacheCurrentKey)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return NewEmptyState(time.Now().UTC()), nil
		}
		return State{}, fmt.Errorf("persistence: get current: %w", err)
	}
	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return State{}, fmt.Errorf("%w: %v", ErrChecksumMismatch, err)
	}
	if !Verify(state) {
		return State{}, ErrChecksumMismatch
	}
	return state, nil
}

func (b *cacheBackend) CreateSnapshot(id string, state State) error {
	sealed, err := Seal(state)
	if err != nil {
		return err
	}
	data, err := json.Marshal(sealed)
	if err != nil {
		return fmt.Errorf("persistence: marshal snapshot: %w", err)
	}

	_, err = b.client.TxPipelined(b.ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(b.ctx, b.key("snapshot", id), data, 0)
		pipe.ZAdd(b.ctx, b.key(cacheSnapshotZSet), redis.Z{
			Score:  float64(sealed.SavedAt.UnixNano()),
			Member: id,
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("persistence: tx create snapshot: %w", err)
	}
	return nil
}

func (b *cacheBackend) RestoreSnapshot(id string) (State, error) {
	data, err := b.client.Get(b.ctx, b.key("snapshot", id)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return State{}, ErrNotFound
		}
		return State{}, fmt.Errorf("persistence: get snapshot: %w", err)
	}
	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return State{}, fmt.Errorf("%w: %v", ErrChecksumMismatch, err)
	}
	return state, nil
}

func (b *cacheBackend) ListSnapshots() ([]string, error) {
	ids, err := b.client.ZRevRange(b.ctx, b.key(cacheSnapshotZSet), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("persistence: list snapshots: %w", err)
	}
	return ids, nil
}

func (b *cacheBackend) DeleteSnapshot(id string) error {
	_, err := b.client.TxPipelined(b.ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(b.ctx, b.key("snapshot", id))
		pipe.ZRem(b.ctx, b.key(cacheSnapshotZSet), id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("persistence: tx delete snapshot: %w", err)
	}
	return nil
}

func (b *cacheBackend) Close() error {
	return b.client.Close()
}
