// Package metrics wires Prometheus counters/histograms and an OTel
// tracer for the HTTP and MQTT ingresses, grounded on
// api-gateway/internal/observability/observability.go and
// zigbee-adapter/internal/observability/observability.go's
// SetupObservability/MetricsAndTracingMiddleware split, generalized
// from one service's request counter to the HTTP-and-MQTT pair this
// module exposes (spec.md §4.8).
package metrics

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/propagation"
	otelmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "iotflow_http_requests_total",
			Help: "Total HTTP requests by endpoint, method, and status.",
		},
		[]string{"endpoint", "method", "status"},
	)

	telemetryPointsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "iotflow_telemetry_points_total",
			Help: "Total telemetry measurements processed, by outcome.",
		},
		[]string{"outcome"}, // accepted | rejected
	)

	mqttMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "iotflow_mqtt_messages_total",
			Help: "Total MQTT messages dispatched, by topic kind and result.",
		},
		[]string{"kind", "result"}, // kind: telemetry|status, result: ok|error|dropped
	)

	ingestionLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "iotflow_ingestion_duration_seconds",
			Help:    "Time to normalize and persist one telemetry submission.",
			Buckets: prometheus.DefBuckets,
		},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "iotflow_http_request_duration_seconds",
			Help:    "HTTP request latency by endpoint and method.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint", "method"},
	)
)

func init() {
	prometheus.MustRegister(httpRequestsTotal, telemetryPointsTotal, mqttMessagesTotal, ingestionLatency, httpRequestDuration)
}

// SetupObservability builds the OTel meter/tracer providers backing
// the Prometheus registry above and returns the /metrics handler plus
// a tracer for per-request spans. There is no trace exporter wired
// (the pack carries no Jaeger/OTLP dependency for this service), so
// spans are recorded in-process for request-id correlation and
// discarded on shutdown rather than shipped anywhere.
func SetupObservability(serviceName string) (shutdown func(), promHandler http.Handler, tracer oteltrace.Tracer) {
	propagator := propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{})
	otel.SetTextMapPropagator(propagator)

	promExporter, err := otelprom.New()
	if err != nil {
		panic("failed to create prometheus exporter: " + err.Error())
	}
	meterProvider := otelmetric.NewMeterProvider(otelmetric.WithReader(promExporter))
	otel.SetMeterProvider(meterProvider)

	res, err := resource.New(context.Background(), resource.WithAttributes(attribute.String("service.name", serviceName)))
	if err != nil {
		panic("failed to create otel resource: " + err.Error())
	}
	tp := trace.NewTracerProvider(trace.WithResource(res))
	otel.SetTracerProvider(tp)

	shutdown = func() { _ = tp.Shutdown(context.Background()) }
	promHandler = promhttp.Handler()
	tracer = otel.Tracer(serviceName)
	return shutdown, promHandler, tracer
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// HTTPMiddleware counts every request, observes its latency, and
// wraps it in a span carrying the chi request id, matching
// MetricsAndTracingMiddleware's shape. It also emits a debug-level
// slog line per request, reproducing the per-request timing log
// original_source/src/middleware/monitoring.py kept.
func HTTPMiddleware(tracer oteltrace.Tracer, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/metrics" {
				next.ServeHTTP(w, r)
				return
			}

			endpoint := routePattern(r)
			method := r.Method
			rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

			ctx, span := tracer.Start(r.Context(), method+" "+endpoint)
			span.SetAttributes(
				attribute.String("http.method", method),
				attribute.String("http.target", endpoint),
			)
			if rid := middleware.GetReqID(ctx); rid != "" {
				span.SetAttributes(attribute.String("http.request_id", rid))
			}

			started := time.Now()
			next.ServeHTTP(rw, r.WithContext(ctx))
			elapsed := time.Since(started)

			httpRequestsTotal.WithLabelValues(endpoint, method, strconv.Itoa(rw.status)).Inc()
			httpRequestDuration.WithLabelValues(endpoint, method).Observe(elapsed.Seconds())
			span.SetAttributes(attribute.Int("http.status_code", rw.status))
			span.End()

			if logger != nil {
				logger.Debug("http request", "endpoint", endpoint, "method", method, "status", rw.status, "duration_ms", elapsed.Milliseconds())
			}
		})
	}
}

// routePattern prefers chi's matched route pattern over the raw path
// so templated routes (e.g. "/telemetry/{id}") don't fragment the
// cardinality of the endpoint label with one series per device id.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return r.URL.Path
}

// RecordTelemetryOutcome increments the accepted/rejected counters and
// observes the end-to-end ingestion latency for one submission.
func RecordTelemetryOutcome(accepted, rejected int, duration time.Duration) {
	if accepted > 0 {
		telemetryPointsTotal.WithLabelValues("accepted").Add(float64(accepted))
	}
	if rejected > 0 {
		telemetryPointsTotal.WithLabelValues("rejected").Add(float64(rejected))
	}
	ingestionLatency.Observe(duration.Seconds())
}

// RecordMQTTMessage increments the per-topic-kind dispatch counter.
// kind is "telemetry" or "status"; result is "ok", "error", or
// "dropped" (queue-full backpressure).
func RecordMQTTMessage(kind, result string) {
	mqttMessagesTotal.WithLabelValues(kind, result).Inc()
}
