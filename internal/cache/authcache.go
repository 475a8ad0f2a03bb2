package cache

import (
	"context"
	"encoding/json"
	"time"
)

// authCacheTTL is the 30s key-prefix cache window from spec.md §4.4,
// amortizing GetByApiKey lookups under bursty MQTT traffic.
const authCacheTTL = 30 * time.Second

// AuthEntry is the cached resolution result for one api-key prefix.
type AuthEntry struct {
	DeviceID    uint64 `json:"device_id"`
	AdminStatus string `json:"admin_status"`
}

func authCacheKey(prefix string) string { return authCachePrefix + prefix }

// GetAuthEntry returns the cached resolution for an 8-char key prefix,
// or ok=false on a miss or Redis error (caller falls back to the
// credential store).
func (c *Cache) GetAuthEntry(ctx context.Context, keyPrefix string) (AuthEntry, bool) {
	raw, err := c.rdb.Get(ctx, authCacheKey(keyPrefix)).Bytes()
	if err != nil {
		return AuthEntry{}, false
	}
	var entry AuthEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return AuthEntry{}, false
	}
	return entry, true
}

// SetAuthEntry caches the resolution result for authCacheTTL.
func (c *Cache) SetAuthEntry(ctx context.Context, keyPrefix string, entry AuthEntry) {
	raw, err := json.Marshal(entry)
	if err != nil {
		return
	}
	if err := c.rdb.Set(ctx, authCacheKey(keyPrefix), raw, authCacheTTL).Err(); err != nil {
		c.logger.Warn("auth cache set failed", "key_prefix", keyPrefix, "error", err)
	}
}

// InvalidateAuthEntry is called by admin status/delete/rotate
// operations so a stale cached resolution can't outlive the change,
// per spec.md §4.4 ("invalidated by admin operations").
func (c *Cache) InvalidateAuthEntry(ctx context.Context, keyPrefix string) {
	if err := c.rdb.Del(ctx, authCacheKey(keyPrefix)).Err(); err != nil {
		c.logger.Warn("auth cache invalidate failed", "key_prefix", keyPrefix, "error", err)
	}
}
