// Command iotflow-server is the process entrypoint: the phased
// assembler from spec.md §9 (adapters, then services, then
// ingresses), signal-driven graceful shutdown in reverse construction
// order, grounded on api-gateway/main.go's setup*/shutdown shape.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/chameauu/IoTFlow-ConnectivityLayer/internal/cache"
	"github.com/chameauu/IoTFlow-ConnectivityLayer/internal/config"
	"github.com/chameauu/IoTFlow-ConnectivityLayer/internal/httpapi"
	"github.com/chameauu/IoTFlow-ConnectivityLayer/internal/httpapi/schema"
	"github.com/chameauu/IoTFlow-ConnectivityLayer/internal/identity"
	"github.com/chameauu/IoTFlow-ConnectivityLayer/internal/logging"
	"github.com/chameauu/IoTFlow-ConnectivityLayer/internal/metrics"
	"github.com/chameauu/IoTFlow-ConnectivityLayer/internal/model"
	"github.com/chameauu/IoTFlow-ConnectivityLayer/internal/mqttapi"
	"github.com/chameauu/IoTFlow-ConnectivityLayer/internal/store/credential"
	"github.com/chameauu/IoTFlow-ConnectivityLayer/internal/store/timeseries"
	"github.com/chameauu/IoTFlow-ConnectivityLayer/internal/telemetry"
)

func main() {
	os.Exit(run())
}

// run returns the process exit code: 0 graceful, 1 fatal startup
// (a store or the MQTT broker was unreachable, or the embedded schemas
// failed to load), 2 configuration error, per spec.md §6.
func run() int {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("configuration error", "error", err)
		return 2
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	// --- adapters ---
	credDB, err := credential.Open(cfg.PostgresDSN)
	if err != nil {
		logger.Error("credential store unreachable", "error", err)
		return 1
	}
	credStore := credential.New(credDB, cfg.APIKeyLength)

	tsDB, err := timeseries.Open(cfg.PostgresDSN)
	if err != nil {
		logger.Error("time-series store unreachable", "error", err)
		return 1
	}
	tsStore := timeseries.New(tsDB)
	credStore.SetTimeSeriesDeleter(tsStore)

	liveness := cache.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, logger)
	defer liveness.Close()

	obsShutdown, promHandler, tracer := metrics.SetupObservability("iotflow-server")
	defer obsShutdown()

	// --- services ---
	identitySvc := identity.New(credStore, liveness, cfg.AdminBearerToken)
	pipeline := telemetry.New(identitySvc, tsStore, liveness, cfg.SkewTolerance, logger)

	telemetryRule := cfg.RateLimitRule("telemetry")
	heartbeatRule := cfg.RateLimitRule("heartbeat")
	mqttIngress := mqttapi.New(mqttapi.Config{
		BrokerURL: cfg.MQTTBrokerURL,
		ClientID:  cfg.MQTTClientID,
		Username:  cfg.MQTTUsername,
		Password:  cfg.MQTTPassword,
		QueueSize: cfg.MQTTQueueSize,

		TelemetryRateLimit: mqttapi.RateLimitRule{Limit: telemetryRule.Limit, Window: telemetryRule.Window},
		HeartbeatRateLimit: mqttapi.RateLimitRule{Limit: heartbeatRule.Limit, Window: heartbeatRule.Window},
	}, liveness, identitySvc, identitySvc, func(ctx context.Context, env model.Envelope) error {
		_, err := pipeline.Ingest(ctx, env)
		return err
	}, logger)

	if err := mqttIngress.Connect(); err != nil {
		logger.Error("mqtt broker unreachable", "error", err)
		return 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	mqttIngress.Start(ctx)

	// --- HTTP ingress ---
	schemas, err := schema.New()
	if err != nil {
		logger.Error("failed to load http schemas", "error", err)
		cancel()
		return 1
	}

	srv := httpapi.New(credStore, identitySvc, pipeline, tsStore, liveness, cfg, schemas, logger, mqttIngress.Health, tracer, promHandler)
	httpServer := &http.Server{
		Addr:    cfg.BindHost + ":" + strconv.Itoa(cfg.BindPort),
		Handler: srv.Router(),
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info("iotflow-server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "error", err)
		}
	}()

	<-stop
	logger.Info("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	mqttIngress.Stop()
	cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "error", err)
	}

	if sqlDB, err := credDB.DB(); err == nil {
		_ = sqlDB.Close()
	}
	if sqlDB, err := tsDB.DB(); err == nil {
		_ = sqlDB.Close()
	}

	logger.Info("iotflow-server shut down gracefully")
	return 0
}
