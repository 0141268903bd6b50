package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DashboardCache stores the most recent dashboard snapshot.
type DashboardCache interface {
	// GetDashboard returns the cached snapshot; ok is false on a miss.
	GetDashboard(ctx context.Context) (metrics *DashboardMetrics, ok bool, err error)
	// SetDashboard stores a snapshot for ttl.
	SetDashboard(ctx context.Context, metrics *DashboardMetrics, ttl time.Duration) error
}

// DefaultDashboardCacheKey is the Redis key used when none is configured.
const DefaultDashboardCacheKey = "audit:dashboard"

// RedisDashboardCache is a DashboardCache backed by Redis.
type RedisDashboardCache struct {
	client *redis.Client
	key    string
}

// NewRedisDashboardCache creates a cache storing snapshots under key.
func NewRedisDashboardCache(client *redis.Client, key string) *RedisDashboardCache {
	if key == "" {
		key = DefaultDashboardCacheKey
	}
	return &RedisDashboardCache{client: client, key: key}
}

// GetDashboard implements DashboardCache.
func (c *RedisDashboardCache) GetDashboard(ctx context.Context) (*DashboardMetrics, bool, error) {
	data, err := c.client.Get(ctx, c.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %s: %w", c.key, err)
	}

	var metrics DashboardMetrics
	if err := json.Unmarshal(data, &metrics); err != nil {
		return nil, false, fmt.Errorf("decode cached dashboard: %w", err)
	}
	return &metrics, true, nil
}

// SetDashboard implements DashboardCache.
func (c *RedisDashboardCache) SetDashboard(ctx context.Context, metrics *DashboardMetrics, ttl time.Duration) error {
	data, err := json.Marshal(metrics)
	if err != nil {
		return fmt.Errorf("encode dashboard: %w", err)
	}
	if err := c.client.Set(ctx, c.key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", c.key, err)
	}
	return nil
}

// Invalidate removes the cached snapshot.
func (c *RedisDashboardCache) Invalidate(ctx context.Context) error {
	return c.client.Del(ctx, c.key).Err()
}
