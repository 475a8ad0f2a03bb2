// Package cache is the Liveness Cache (spec.md §4.3): a go-redis/v9
// client exposing status/last-seen tracking, a fixed-window rate
// limiter, and the api-key resolution cache consumed by
// internal/identity. Key shape is grounded on
// zigbee-adapter/internal/store/state_cache.go's prefix+TTL pattern;
// the rate limiter's Lua-via-Eval approach is adapted from
// api-gateway/internal/ratelimit/ratelimit.go, swapping its token
// bucket for the fixed-window counter spec.md §4.3 specifies.
package cache

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	statusPrefix   = "device:status:"
	lastSeenPrefix = "device:lastseen:"
	authCachePrefix = "authcache:"

	defaultStatusTTL = 24 * time.Hour
)

type Cache struct {
	rdb    *redis.Client
	logger *slog.Logger
}

func New(addr, password string, db int, logger *slog.Logger) *Cache {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &Cache{rdb: rdb, logger: logger}
}

// NewFromClient wraps an already-constructed client, letting tests
// inject a miniredis-backed or otherwise fake *redis.Client.
func NewFromClient(rdb *redis.Client, logger *slog.Logger) *Cache {
	return &Cache{rdb: rdb, logger: logger}
}

func statusKey(deviceID uint64) string   { return statusPrefix + formatUint(deviceID) }
func lastSeenKey(deviceID uint64) string { return lastSeenPrefix + formatUint(deviceID) }

// SetOnline records the device as online and bumps its last-seen
// timestamp, both keyed per device and expiring after defaultStatusTTL
// so a permanently retired device's keys age out on their own. Any
// Redis error is logged and swallowed — ingestion must never fail
// because the liveness cache is unavailable.
func (c *Cache) SetOnline(ctx context.Context, deviceID uint64, seenAt time.Time) {
	pipe := c.rdb.Pipeline()
	pipe.Set(ctx, statusKey(deviceID), "online", defaultStatusTTL)
	pipe.Set(ctx, lastSeenKey(deviceID), seenAt.UTC().Format(time.RFC3339), defaultStatusTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		c.logger.Warn("liveness cache set failed", "device_id", deviceID, "error", err)
	}
}

// GetStatus reports whether the device has a last-seen timestamp
// later than the cutoff ttl (callers pass now minus the heartbeat TTL).
// A cache miss or Redis error is reported offline
// rather than erroring out, per the fail-open policy in spec.md §4.3.
func (c *Cache) GetStatus(ctx context.Context, deviceID uint64, ttl time.Time) (online bool, lastSeen time.Time) {
	raw, err := c.rdb.Get(ctx, lastSeenKey(deviceID)).Result()
	if err != nil {
		if err != redis.Nil {
			c.logger.Warn("liveness cache get failed", "device_id", deviceID, "error", err)
		}
		return false, time.Time{}
	}
	lastSeen, err = time.Parse(time.RFC3339, raw)
	if err != nil {
		return false, time.Time{}
	}
	return lastSeen.After(ttl), lastSeen
}

// ClearStatus removes both keys for one device, used on admin delete.
func (c *Cache) ClearStatus(ctx context.Context, deviceID uint64) {
	if err := c.rdb.Del(ctx, statusKey(deviceID), lastSeenKey(deviceID)).Err(); err != nil {
		c.logger.Warn("liveness cache clear failed", "device_id", deviceID, "error", err)
	}
}

// ClearAll flushes every status/lastseen/authcache key, for the admin
// cache-flush endpoint.
func (c *Cache) ClearAll(ctx context.Context) error {
	for _, prefix := range []string{statusPrefix, lastSeenPrefix, authCachePrefix} {
		if err := c.deleteByPrefix(ctx, prefix); err != nil {
			return err
		}
	}
	return nil
}

func (c *Cache) deleteByPrefix(ctx context.Context, prefix string) error {
	iter := c.rdb.Scan(ctx, 0, prefix+"*", 200).Iterator()
	for iter.Next(ctx) {
		if err := c.rdb.Del(ctx, iter.Val()).Err(); err != nil {
			return err
		}
	}
	return iter.Err()
}

// Stats reports the counters the admin "cache inspection" endpoint
// surfaces (spec.md §4.3 "Stats() -> (status_count, lastseen_count,
// memory_used, uptime)").
type Stats struct {
	StatusCount   int64
	LastSeenCount int64
	MemoryUsed    string
	Uptime        time.Duration
}

func (c *Cache) Stats(ctx context.Context) (Stats, error) {
	statusCount, err := c.countByPrefix(ctx, statusPrefix)
	if err != nil {
		return Stats{}, err
	}
	lastSeenCount, err := c.countByPrefix(ctx, lastSeenPrefix)
	if err != nil {
		return Stats{}, err
	}

	info, err := c.rdb.Info(ctx, "memory", "server").Result()
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		StatusCount:   statusCount,
		LastSeenCount: lastSeenCount,
		MemoryUsed:    parseInfoField(info, "used_memory_human"),
		Uptime:        parseUptime(info),
	}, nil
}

func (c *Cache) countByPrefix(ctx context.Context, prefix string) (int64, error) {
	var count int64
	iter := c.rdb.Scan(ctx, 0, prefix+"*", 200).Iterator()
	for iter.Next(ctx) {
		count++
	}
	return count, iter.Err()
}

// Health pings the server for the composite health report.
func (c *Cache) Health(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

func (c *Cache) Close() error { return c.rdb.Close() }

func formatUint(v uint64) string {
	if v == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}
