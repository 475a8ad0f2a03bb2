package cache

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewFromClient(rdb, slog.Default())
}

func TestSetOnlineAndGetStatus(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	now := time.Now().UTC()

	c.SetOnline(ctx, 7, now)

	online, lastSeen := c.GetStatus(ctx, 7, now.Add(-time.Minute))
	if !online {
		t.Fatal("expected device online within ttl window")
	}
	if lastSeen.IsZero() {
		t.Fatal("expected a recorded last-seen timestamp")
	}

	offline, _ := c.GetStatus(ctx, 7, now.Add(time.Minute))
	if offline {
		t.Fatal("expected device offline once ttl boundary has passed")
	}
}

func TestGetStatusMissingDevice(t *testing.T) {
	c := newTestCache(t)
	online, _ := c.GetStatus(context.Background(), 999, time.Now())
	if online {
		t.Fatal("expected unseen device to report offline")
	}
}

func TestClearStatusRemovesKeys(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	now := time.Now().UTC()

	c.SetOnline(ctx, 1, now)
	c.ClearStatus(ctx, 1)

	online, _ := c.GetStatus(ctx, 1, now.Add(-time.Minute))
	if online {
		t.Fatal("expected status cleared")
	}
}

func TestRateLimitFixedWindow(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res := c.RateLimit(ctx, "telemetry", "device-1", 3, time.Minute)
		if !res.Allowed {
			t.Fatalf("expected request %d to be allowed", i+1)
		}
	}

	blocked := c.RateLimit(ctx, "telemetry", "device-1", 3, time.Minute)
	if blocked.Allowed {
		t.Fatal("expected the 4th request in the window to be blocked")
	}
	if blocked.Remaining != 0 {
		t.Fatalf("expected 0 remaining once blocked, got %d", blocked.Remaining)
	}
}

func TestRateLimitSeparateKeysIndependent(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	c.RateLimit(ctx, "telemetry", "device-a", 1, time.Minute)
	res := c.RateLimit(ctx, "telemetry", "device-b", 1, time.Minute)
	if !res.Allowed {
		t.Fatal("expected device-b's window to be independent of device-a's")
	}
}

func TestAuthCacheRoundTrip(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	entry := AuthEntry{DeviceID: 42, AdminStatus: "active"}
	c.SetAuthEntry(ctx, "abcd1234", entry)

	got, ok := c.GetAuthEntry(ctx, "abcd1234")
	if !ok {
		t.Fatal("expected cache hit")
	}
	if got != entry {
		t.Fatalf("expected %+v, got %+v", entry, got)
	}

	c.InvalidateAuthEntry(ctx, "abcd1234")
	if _, ok := c.GetAuthEntry(ctx, "abcd1234"); ok {
		t.Fatal("expected cache miss after invalidate")
	}
}
