// Package index provides an optional Redis-backed flow index, letting
// several INT3RCEPTOR processes share one capture view (spec.md §4.8,
// selected at startup via CAPTURE_BACKEND=redis).
package index

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"module/internal/flow"
)

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// RedisIndex mirrors flow records into Redis so that multiple proxy
// instances can present one merged capture view. It satisfies
// capture.Persister.
type RedisIndex struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
}

// NewRedisIndex connects to Redis and verifies reachability.
func NewRedisIndex(cfg RedisConfig, ttl time.Duration) (*RedisIndex, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	keyPrefix := cfg.KeyPrefix
	if keyPrefix == "" {
		keyPrefix = "interceptor:flow:"
	}

	idx := &RedisIndex{
		client:    client,
		keyPrefix: keyPrefix,
		ttl:       ttl,
	}

	slog.Info("Redis flow index initialized", "addr", cfg.Addr, "key_prefix", keyPrefix)
	return idx, nil
}

func (r *RedisIndex) flowKey(id uint64) string {
	return fmt.Sprintf("%s%d", r.keyPrefix, id)
}

func (r *RedisIndex) indexKey() string {
	return r.keyPrefix + "_index"
}

// SaveFlow stores the flow and adds its id to the shared index set.
func (r *RedisIndex) SaveFlow(snap flow.Snapshot) error {
	ctx := context.Background()

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal flow: %w", err)
	}

	if err := r.client.Set(ctx, r.flowKey(snap.ID), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set flow: %w", err)
	}
	if err := r.client.SAdd(ctx, r.indexKey(), snap.ID).Err(); err != nil {
		return fmt.Errorf("failed to index flow: %w", err)
	}
	return nil
}

// Get retrieves a single flow by id from the shared index.
func (r *RedisIndex) Get(id uint64) (flow.Snapshot, bool) {
	ctx := context.Background()
	var snap flow.Snapshot

	data, err := r.client.Get(ctx, r.flowKey(id)).Bytes()
	if err == redis.Nil {
		return snap, false
	}
	if err != nil {
		slog.Error("Redis get error", "flow_id", id, "error", err)
		return snap, false
	}
	if err := json.Unmarshal(data, &snap); err != nil {
		slog.Error("failed to unmarshal flow", "flow_id", id, "error", err)
		return snap, false
	}
	return snap, true
}

// List returns every flow currently indexed across all instances.
func (r *RedisIndex) List() ([]flow.Snapshot, error) {
	ctx := context.Background()

	ids, err := r.client.SMembers(ctx, r.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list index: %w", err)
	}

	snaps := make([]flow.Snapshot, 0, len(ids))
	for _, raw := range ids {
		var id uint64
		if _, err := fmt.Sscanf(raw, "%d", &id); err != nil {
			continue
		}
		snap, ok := r.Get(id)
		if !ok {
			r.client.SRem(ctx, r.indexKey(), raw)
			continue
		}
		snaps = append(snaps, snap)
	}
	return snaps, nil
}

// Close releases the Redis client.
func (r *RedisIndex) Close() error {
	return r.client.Close()
}
