// Package blockcache is the TTL'd key-value façade (C1) over a remote cache,
// sitting under both the watcher and per-block RPC to collapse duplicate
// upstream requests. Every operation is best-effort: a communication error
// on read degrades to a miss, a communication error on write is logged and
// swallowed. The cache is never consulted on the write path of authoritative
// state.
package blockcache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ozmonitor/orchestrator/pkg/log"
	"github.com/ozmonitor/orchestrator/pkg/metrics"
	"github.com/ozmonitor/orchestrator/pkg/types"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Default TTLs per class, per spec §4.1.
const (
	DefaultBlockTTL  = 60 * time.Second
	DefaultLatestTTL = 5 * time.Second
)

// Config configures the Cache's connection and key namespacing.
type Config struct {
	RedisURL   string
	KeyPrefix  string // default "oz_cache"
	BlockTTL   time.Duration
	LatestTTL  time.Duration
}

// Cache wraps a single multiplexed redis client connection.
type Cache struct {
	client *redis.Client
	prefix string
	blockTTL  time.Duration
	latestTTL time.Duration
	logger    zerolog.Logger
}

// New parses the redis URL and constructs a Cache. It does not dial; call
// Ping to validate connectivity at startup.
func New(cfg Config) (*Cache, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "oz_cache"
	}
	blockTTL := cfg.BlockTTL
	if blockTTL <= 0 {
		blockTTL = DefaultBlockTTL
	}
	latestTTL := cfg.LatestTTL
	if latestTTL <= 0 {
		latestTTL = DefaultLatestTTL
	}

	return &Cache{
		client:    redis.NewClient(opts),
		prefix:    prefix,
		blockTTL:  blockTTL,
		latestTTL: latestTTL,
		logger:    log.WithComponent("blockcache"),
	}, nil
}

// Ping is the startup liveness probe; failure here is fatal per spec §4.1.
func (c *Cache) Ping(ctx context.Context) error {
	if err := c.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("block cache liveness probe failed: %w", err)
	}
	return nil
}

// Close releases the underlying connection.
func (c *Cache) Close() error {
	return c.client.Close()
}

func (c *Cache) blocksKey(slug string, start, end uint64, bounded bool) string {
	if bounded {
		return fmt.Sprintf("%s:blocks:%s:%d:%d", c.prefix, slug, start, end)
	}
	return fmt.Sprintf("%s:blocks:%s:%d:", c.prefix, slug, start)
}

func (c *Cache) latestKey(slug string) string {
	return fmt.Sprintf("%s:latest:%s", c.prefix, slug)
}

// GetBlocks returns the cached block batch for [start,end], or ok=false on a
// miss (including on any communication error, which is swallowed here).
func (c *Cache) GetBlocks(ctx context.Context, slug string, start, end uint64) (blocks []types.Block, ok bool) {
	key := c.blocksKey(slug, start, end, true)
	raw, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			metrics.CacheErrorsTotal.WithLabelValues("get_blocks").Inc()
			c.logger.Debug().Err(err).Str("key", key).Msg("block cache get failed, treating as miss")
		}
		metrics.CacheMissesTotal.WithLabelValues("blocks").Inc()
		return nil, false
	}
	if err := json.Unmarshal(raw, &blocks); err != nil {
		metrics.CacheMissesTotal.WithLabelValues("blocks").Inc()
		c.logger.Debug().Err(err).Str("key", key).Msg("block cache payload corrupt, treating as miss")
		return nil, false
	}
	metrics.CacheHitsTotal.WithLabelValues("blocks").Inc()
	return blocks, true
}

// PutBlocks stores a block batch with the configured (or overridden) TTL.
// A write failure is logged and swallowed.
func (c *Cache) PutBlocks(ctx context.Context, slug string, start, end uint64, blocks []types.Block, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.blockTTL
	}
	raw, err := json.Marshal(blocks)
	if err != nil {
		c.logger.Warn().Err(err).Msg("failed to marshal blocks for cache put")
		return
	}
	key := c.blocksKey(slug, start, end, true)
	if err := c.client.Set(ctx, key, raw, ttl).Err(); err != nil {
		metrics.CacheErrorsTotal.WithLabelValues("put_blocks").Inc()
		c.logger.Debug().Err(err).Str("key", key).Msg("block cache put failed, swallowed")
	}
}

// GetLatest returns the cached latest-height value for slug, or ok=false on miss.
func (c *Cache) GetLatest(ctx context.Context, slug string) (height uint64, ok bool) {
	key := c.latestKey(slug)
	v, err := c.client.Get(ctx, key).Uint64()
	if err != nil {
		if err != redis.Nil {
			metrics.CacheErrorsTotal.WithLabelValues("get_latest").Inc()
			c.logger.Debug().Err(err).Str("key", key).Msg("latest height cache get failed, treating as miss")
		}
		metrics.CacheMissesTotal.WithLabelValues("latest").Inc()
		return 0, false
	}
	metrics.CacheHitsTotal.WithLabelValues("latest").Inc()
	return v, true
}

// PutLatest stores the latest-height value with the configured (or
// overridden) TTL. A write failure is logged and swallowed.
func (c *Cache) PutLatest(ctx context.Context, slug string, height uint64, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.latestTTL
	}
	key := c.latestKey(slug)
	if err := c.client.Set(ctx, key, height, ttl).Err(); err != nil {
		metrics.CacheErrorsTotal.WithLabelValues("put_latest").Inc()
		c.logger.Debug().Err(err).Str("key", key).Msg("latest height cache put failed, swallowed")
	}
}
