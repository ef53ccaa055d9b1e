package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"DepositEngine/internal/observability"
	"DepositEngine/internal/state"
)

// AssetCache stores asset configs as JSON under deposit:asset:v1:<CUR>/<NET>.
// It satisfies state.AssetCache.
type AssetCache struct {
	client  redis.UniversalClient
	metrics *observability.Metrics
	logger  zerolog.Logger
}

func NewAssetCache(client redis.UniversalClient, metrics *observability.Metrics, logger zerolog.Logger) *AssetCache {
	return &AssetCache{client: client, metrics: metrics, logger: logger}
}

func AssetKey(key state.AssetKey) string {
	return "deposit:asset:v1:" + key.String()
}

// GetAssetConfig returns (nil, nil) on a miss.
func (c *AssetCache) GetAssetConfig(ctx context.Context, key state.AssetKey) (*state.AssetConfig, error) {
	data, err := c.client.Get(ctx, AssetKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		c.count("miss")
		return nil, nil
	}
	if err != nil {
		c.count("error")
		c.logger.Warn().Err(err).Str("asset", key.String()).Msg("asset cache read failed")
		return nil, fmt.Errorf("get asset %s: %w", key, err)
	}

	var cfg state.AssetConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		// Drop the bad entry so the next read repopulates it.
		c.client.Del(ctx, AssetKey(key))
		c.count("error")
		return nil, fmt.Errorf("decode asset %s: %w", key, err)
	}
	c.count("hit")
	return &cfg, nil
}

func (c *AssetCache) SetAssetConfig(ctx context.Context, cfg *state.AssetConfig, ttl time.Duration) error {
	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode asset %s: %w", cfg.Key(), err)
	}
	if err := c.client.Set(ctx, AssetKey(cfg.Key()), data, ttl).Err(); err != nil {
		c.logger.Warn().Err(err).Str("asset", cfg.Key().String()).Msg("asset cache write failed")
		return fmt.Errorf("set asset %s: %w", cfg.Key(), err)
	}
	return nil
}

// Invalidate removes cached configs, e.g. after an operator edits the table.
func (c *AssetCache) Invalidate(ctx context.Context, keys ...state.AssetKey) error {
	if len(keys) == 0 {
		return nil
	}
	names := make([]string, 0, len(keys))
	for _, k := range keys {
		names = append(names, AssetKey(k))
	}
	return c.client.Del(ctx, names...).Err()
}

func (c *AssetCache) count(result string) {
	if c.metrics != nil {
		c.metrics.AssetCacheLookups.WithLabelValues(result).Inc()
	}
}

// Connect opens a client and pings it.
func Connect(ctx context.Context, addr, password string, db int, logger zerolog.Logger) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:            addr,
		Password:        password,
		DB:              db,
		PoolSize:        20,
		MinIdleConns:    2,
		PoolTimeout:     4 * time.Second,
		ConnMaxIdleTime: 5 * time.Minute,
		MaxRetries:      3,
		MinRetryBackoff: 8 * time.Millisecond,
		MaxRetryBackoff: 512 * time.Millisecond,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	logger.Info().Str("addr", addr).Msg("redis connected")
	return client, nil
}
