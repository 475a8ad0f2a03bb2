package httpapi

import (
	"context"
	"time"

	"github.com/chameauu/IoTFlow-ConnectivityLayer/internal/health"
)

// buildHealthReport runs the four adapter checks from spec.md §4.8 and,
// in detailed mode, appends device and recent-telemetry counts.
func (s *Server) buildHealthReport(ctx context.Context, detailed bool) health.Report {
	checks := []health.Check{
		{Name: "store", Run: func(ctx context.Context) error { return s.store.Health(ctx) }},
		{Name: "ts", Run: func(ctx context.Context) error { return s.ts.Health(ctx) }},
		{Name: "cache", Run: func(ctx context.Context) error { return s.liveness.Health(ctx) }},
		{Name: "mqtt", Run: s.mqttHealth},
	}
	report := health.Run(ctx, checks)
	if !detailed {
		return report
	}

	deviceCount, err := s.store.Count(ctx)
	if err != nil {
		deviceCount = -1
	}
	recent, err := s.ts.CountSince(ctx, time.Now().Add(-time.Hour))
	if err != nil {
		recent = -1
	}
	report.Detail = &health.Detail{DeviceCount: deviceCount, RecentTelemetryPoints: recent}
	return report
}
