// Package health builds the composite report spec.md §4.8 requires:
// one check per adapter plus an overall status derived from a fixed
// failure policy (credential-store failure is "down", any other
// failure is "degraded"). Grounded on api-gateway's observability
// composite-check style, generalized from that service's single
// upstream check to iotflow's four adapters.
package health

import (
	"context"
	"time"
)

// Check is one named dependency probe. A nil error means healthy.
type Check struct {
	Name string
	Run  func(ctx context.Context) error
}

// CheckResult is the per-dependency entry in the response body.
type CheckResult struct {
	Healthy       bool   `json:"healthy"`
	ResponseTime  int64  `json:"response_time_ms"`
	Note          string `json:"note,omitempty"`
}

// Report is the `/health` response body.
type Report struct {
	Status  string                 `json:"status"`
	Checks  map[string]CheckResult `json:"checks"`
	Detail  *Detail                `json:"detail,omitempty"`
}

// Detail is only populated when the caller requests ?detailed=true.
type Detail struct {
	DeviceCount           int64 `json:"device_count"`
	RecentTelemetryPoints  int64 `json:"recent_telemetry_points_1h"`
}

// essential names the check whose failure downgrades status to
// "down" rather than merely "degraded" — the credential store, per
// spec.md §4.8's failure policy.
const essential = "store"

// Run executes every check sequentially under the caller's ctx, so the
// checks share its deadline (no check gets a deadline of its own), and
// derives the overall status.
func Run(ctx context.Context, checks []Check) Report {
	results := make(map[string]CheckResult, len(checks))
	status := "ok"
	for _, c := range checks {
		start := time.Now()
		err := c.Run(ctx)
		elapsed := time.Since(start)
		result := CheckResult{Healthy: err == nil, ResponseTime: elapsed.Milliseconds()}
		if err != nil {
			result.Note = err.Error()
			if c.Name == essential {
				status = "down"
			} else if status != "down" {
				status = "degraded"
			}
		}
		results[c.Name] = result
	}
	return Report{Status: status, Checks: results}
}
