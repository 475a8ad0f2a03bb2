package httpapi

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/chameauu/IoTFlow-ConnectivityLayer/internal/cache"
	"github.com/chameauu/IoTFlow-ConnectivityLayer/internal/config"
	"github.com/chameauu/IoTFlow-ConnectivityLayer/internal/httpapi/schema"
	"github.com/chameauu/IoTFlow-ConnectivityLayer/internal/identity"
	"github.com/chameauu/IoTFlow-ConnectivityLayer/internal/model"
	"github.com/chameauu/IoTFlow-ConnectivityLayer/internal/store/credential"
	"github.com/chameauu/IoTFlow-ConnectivityLayer/internal/store/timeseries"
	"github.com/chameauu/IoTFlow-ConnectivityLayer/internal/telemetry"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()

	credDB, err := gorm.Open(sqlite.Open("file::memory:?cache=shared&_cred="+t.Name()), &gorm.Config{})
	if err != nil {
		t.Fatalf("open credential sqlite: %v", err)
	}
	if err := credDB.AutoMigrate(&model.Device{}); err != nil {
		t.Fatalf("migrate credential schema: %v", err)
	}
	credStore := credential.New(credDB, 32)

	tsDB, err := gorm.Open(sqlite.Open("file::memory:?cache=shared&_ts="+t.Name()), &gorm.Config{})
	if err != nil {
		t.Fatalf("open timeseries sqlite: %v", err)
	}
	if err := tsDB.AutoMigrate(&model.TelemetryPoint{}); err != nil {
		t.Fatalf("migrate timeseries schema: %v", err)
	}
	tsStore := timeseries.New(tsDB)
	credStore.SetTimeSeriesDeleter(tsStore)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	liveness := cache.NewFromClient(rdb, slog.Default())

	identitySvc := identity.New(credStore, liveness, "s3cr3t-admin")
	pipeline := telemetry.New(identitySvc, tsStore, liveness, 24*time.Hour, slog.Default())

	schemas, err := schema.New()
	if err != nil {
		t.Fatalf("load schemas: %v", err)
	}

	generousRule := config.RateLimitRule{Limit: 1000, Window: time.Minute}
	cfg := &config.Config{
		HandlerTimeout: 5 * time.Second,
		SkewTolerance:  24 * time.Hour,
		HeartbeatTTL:   2 * time.Minute,
		RateLimits: map[string]config.RateLimitRule{
			"registration": generousRule,
			"telemetry":    generousRule,
			"heartbeat":    generousRule,
			"default":      generousRule,
		},
	}

	noopMQTT := func(ctx context.Context) error { return nil }
	return New(credStore, identitySvc, pipeline, tsStore, liveness, cfg, schemas, slog.Default(), noopMQTT, nil, nil)
}
