package httpapi

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/chameauu/IoTFlow-ConnectivityLayer/internal/cache"
	"github.com/chameauu/IoTFlow-ConnectivityLayer/internal/config"
	"github.com/chameauu/IoTFlow-ConnectivityLayer/internal/httpapi/schema"
	"github.com/chameauu/IoTFlow-ConnectivityLayer/internal/identity"
	"github.com/chameauu/IoTFlow-ConnectivityLayer/internal/metrics"
	"github.com/chameauu/IoTFlow-ConnectivityLayer/internal/store/credential"
	"github.com/chameauu/IoTFlow-ConnectivityLayer/internal/store/timeseries"
	"github.com/chameauu/IoTFlow-ConnectivityLayer/internal/telemetry"
)

// Server wires chi.Router to the identity, telemetry, time-series, and
// liveness-cache components. Constructed once by the assembler
// (cmd/iotflow-server) after every dependency is ready, grounded on
// weather-service/cmd/weather-service/main.go's chi + cors + middleware
// setup generalized from one inline main() into a reusable Server type
// matching device-hub's NewServer/Register split.
type Server struct {
	store       *credential.Repository
	identity    *identity.Service
	pipeline    *telemetry.Pipeline
	ts          *timeseries.Repository
	liveness    *cache.Cache
	cfg         *config.Config
	schemas     *schema.Validator
	logger      *slog.Logger
	mqttHealth  func(context.Context) error
	tracer      oteltrace.Tracer
	promHandler http.Handler
}

func New(store *credential.Repository, identitySvc *identity.Service, pipeline *telemetry.Pipeline, ts *timeseries.Repository, liveness *cache.Cache, cfg *config.Config, schemas *schema.Validator, logger *slog.Logger, mqttHealth func(context.Context) error, tracer oteltrace.Tracer, promHandler http.Handler) *Server {
	return &Server{store: store, identity: identitySvc, pipeline: pipeline, ts: ts, liveness: liveness, cfg: cfg, schemas: schemas, logger: logger, mqttHealth: mqttHealth, tracer: tracer, promHandler: promHandler}
}

// Router builds the chi.Router with the fixed middleware chain from
// spec.md §4.6: chi.RequestID → security headers → sanitization →
// schema validation → rate limit → auth → handler.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(requestTracing)
	r.Use(securityHeaders)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-API-Key", "Authorization"},
		ExposedHeaders:   []string{"X-Request-ID", "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	if s.tracer != nil {
		r.Use(metrics.HTTPMiddleware(s.tracer, s.logger))
	}

	if s.promHandler != nil {
		r.Handle("/metrics", s.promHandler)
	}
	r.Get("/health", withHandlerTimeout(s.cfg.HandlerTimeout, s.handleHealth))

	r.Route("/api/v1", func(r chi.Router) {
		r.With(sanitizeBody).Post("/devices/register",
			withHandlerTimeout(s.cfg.HandlerTimeout,
				s.schemaValidated("register",
					s.rateLimited("registration", keyByClientIP, s.handleRegister))))

		r.Get("/devices/status", withHandlerTimeout(s.cfg.HandlerTimeout,
			s.rateLimited("default", keyByDevice,
				s.authenticated(false, s.handleStatus))))

		r.Post("/devices/heartbeat", withHandlerTimeout(s.cfg.HandlerTimeout,
			s.rateLimited("heartbeat", keyByDevice,
				s.authenticated(false, s.handleHeartbeat))))

		r.With(sanitizeBody).Put("/devices/config", withHandlerTimeout(s.cfg.HandlerTimeout,
			s.schemaValidated("config", s.rateLimited("default", keyByDevice,
				s.authenticated(false, s.handleConfigPut)))))

		r.Get("/devices/config", withHandlerTimeout(s.cfg.HandlerTimeout,
			s.rateLimited("default", keyByDevice,
				s.authenticated(false, s.handleConfigGet))))

		r.Get("/devices/mqtt-credentials", withHandlerTimeout(s.cfg.HandlerTimeout,
			s.rateLimited("default", keyByDevice,
				s.authenticated(false, s.handleMQTTCredentials))))

		r.With(sanitizeBody).Post("/devices/telemetry", withHandlerTimeout(s.cfg.HandlerTimeout,
			s.schemaValidated("telemetry", s.rateLimited("telemetry", keyByDevice,
				s.authenticated(true, s.handleTelemetrySubmit)))))

		r.Get("/telemetry/{id}", withHandlerTimeout(s.cfg.HandlerTimeout,
			s.rateLimited("default", keyByClientIP, s.handleTelemetryRange)))
		r.Get("/telemetry/{id}/latest", withHandlerTimeout(s.cfg.HandlerTimeout,
			s.rateLimited("default", keyByClientIP, s.handleTelemetryLatest)))
		r.Get("/telemetry/{id}/aggregated", withHandlerTimeout(s.cfg.HandlerTimeout,
			s.rateLimited("default", keyByClientIP, s.handleTelemetryAggregated)))

		r.Route("/admin", func(r chi.Router) {
			r.Use(func(next http.Handler) http.Handler {
				return s.adminAuthenticated(next.ServeHTTP)
			})
			r.Get("/devices", s.handleAdminList)
			r.Get("/devices/{id}", s.handleAdminGet)
			r.With(sanitizeBody).Patch("/devices/{id}", s.schemaValidated("config", s.handleAdminUpdate))
			r.With(sanitizeBody).Patch("/devices/{id}/status", s.schemaValidated("status_patch", s.handleAdminStatusPatch))
			r.Delete("/devices/{id}", s.handleAdminDelete)
			r.Post("/devices/{id}/rotate-key", s.handleAdminRotateKey)
			r.Get("/stats", s.handleAdminStats)
			r.Get("/cache", s.handleAdminCacheInspect)
			r.Post("/cache/flush", s.handleAdminCacheFlush)
		})
	})

	return r
}
