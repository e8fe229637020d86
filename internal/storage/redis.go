// Package storage provides optional, best-effort persistence side-channels
// for the Channel Manager: a Redis-backed share-dedup/presence cache that
// survives process restarts, and a Postgres-backed audit sink for
// completed share batches. Neither is authoritative — the Channel
// Manager's in-memory ShareAccounting dedup window and live channel map
// remain the source of truth, per spec Non-goals (no persistent storage).
// These exist purely so an operator can see recent activity across a
// restart or feed it into external accounting, mirroring the teacher's
// Redis-backed real-time layer but demoted to a side channel.
package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/sv2pool/engine/internal/config"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ShareCache wraps a Redis client used only as a cross-restart extension of
// the in-memory dedup window and a presence directory for connected
// downstreams; a Redis outage degrades to "no extra dedup," never to a
// correctness failure, since internal/channel.ShareAccounting already
// dedups within a single process lifetime.
type ShareCache struct {
	client    *redis.Client
	cfg       config.RedisConfig
	logger    *zap.Logger
	keyPrefix string
}

// NewShareCache creates a new Redis-backed share cache.
func NewShareCache(ctx context.Context, cfg config.RedisConfig, logger *zap.Logger) (*ShareCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info("connected to Redis share cache",
		zap.String("host", cfg.Host),
		zap.Int("port", cfg.Port),
	)

	return &ShareCache{
		client:    client,
		cfg:       cfg,
		logger:    logger.Named("redis"),
		keyPrefix: cfg.KeyPrefix,
	}, nil
}

// Close closes the Redis connection.
func (r *ShareCache) Close() error {
	return r.client.Close()
}

func (r *ShareCache) key(parts ...string) string {
	key := r.keyPrefix
	for _, part := range parts {
		key += part + ":"
	}
	return key[:len(key)-1]
}

// CheckDuplicateShare records shareKey (a channel id + sequence number
// composite) in Redis with SetNX, returning true if it had already been
// seen — a belt-and-suspenders check that survives a manager restart,
// layered on top of (never instead of) the in-memory dedup window.
func (r *ShareCache) CheckDuplicateShare(ctx context.Context, shareKey string) (bool, error) {
	key := r.key("share", shareKey)
	set, err := r.client.SetNX(ctx, key, 1, r.cfg.ShareTTL).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check duplicate share: %w", err)
	}
	return !set, nil
}

// RecordDownstreamPresence marks a downstream connection as currently
// online, for cross-process visibility (e.g. a second monitoring replica).
func (r *ShareCache) RecordDownstreamPresence(ctx context.Context, identity string) error {
	key := r.key("downstreams", "online")
	if _, err := r.client.SAdd(ctx, key, identity).Result(); err != nil {
		return fmt.Errorf("failed to record downstream presence: %w", err)
	}
	heartbeatKey := r.key("downstream", identity, "heartbeat")
	_, err := r.client.Set(ctx, heartbeatKey, time.Now().Unix(), r.cfg.WorkerTTL).Result()
	return err
}

// ForgetDownstreamPresence removes a downstream from the online set on
// disconnect.
func (r *ShareCache) ForgetDownstreamPresence(ctx context.Context, identity string) error {
	key := r.key("downstreams", "online")
	if _, err := r.client.SRem(ctx, key, identity).Result(); err != nil {
		return fmt.Errorf("failed to forget downstream presence: %w", err)
	}
	r.client.Del(ctx, r.key("downstream", identity, "heartbeat"))
	return nil
}

// OnlineDownstreams returns every identity currently marked present.
func (r *ShareCache) OnlineDownstreams(ctx context.Context) ([]string, error) {
	key := r.key("downstreams", "online")
	members, err := r.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list online downstreams: %w", err)
	}
	return members, nil
}

// CacheActiveJob caches the most recently distributed job's wire bytes, so
// a freshly (re)started monitoring reader can show something before the
// first live template arrives.
func (r *ShareCache) CacheActiveJob(ctx context.Context, jobID string, payload []byte) error {
	key := r.key("job", "current")
	if _, err := r.client.Set(ctx, key, payload, time.Minute*5).Result(); err != nil {
		return fmt.Errorf("failed to cache job: %w", err)
	}
	historyKey := r.key("job", jobID)
	_, err := r.client.Set(ctx, historyKey, payload, time.Hour).Result()
	return err
}

// CachedJob retrieves a previously cached job by id, or nil if absent.
func (r *ShareCache) CachedJob(ctx context.Context, jobID string) ([]byte, error) {
	key := r.key("job", jobID)
	data, err := r.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cached job: %w", err)
	}
	return data, nil
}
