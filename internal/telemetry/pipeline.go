// Package telemetry is the Telemetry Pipeline (spec.md §4.5):
// normalization that runs identically whether a reading arrived over
// HTTP or MQTT, generalized from history-service/internal/ingest's
// single HandleMessage entry point into one Pipeline.Ingest method.
package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/chameauu/IoTFlow-ConnectivityLayer/internal/apperror"
	"github.com/chameauu/IoTFlow-ConnectivityLayer/internal/cache"
	"github.com/chameauu/IoTFlow-ConnectivityLayer/internal/model"
	"github.com/chameauu/IoTFlow-ConnectivityLayer/internal/store/timeseries"
)

// Authenticator is the narrow slice of identity.Service the pipeline
// needs, kept as an interface to avoid a telemetry -> identity ->
// cache -> telemetry import cycle (spec.md §9's assembler redesign).
type Authenticator interface {
	AuthenticateAndMatch(ctx context.Context, apiKey string, envelopeDeviceID uint64, requireWrite bool) (*model.Device, error)
}

// Writer is the narrow slice of the Time-Series Adapter the pipeline
// needs.
type Writer interface {
	Write(ctx context.Context, deviceID uint64, points []model.Point) (timeseries.WriteResult, error)
}

type Pipeline struct {
	auth          Authenticator
	writer        Writer
	liveness      *cache.Cache
	skewTolerance time.Duration
	logger        *slog.Logger
}

func New(auth Authenticator, writer Writer, liveness *cache.Cache, skewTolerance time.Duration, logger *slog.Logger) *Pipeline {
	return &Pipeline{auth: auth, writer: writer, liveness: liveness, skewTolerance: skewTolerance, logger: logger}
}

// Outcome is what the HTTP/MQTT ingress reports back to the caller.
type Outcome struct {
	DeviceID         uint64
	Accepted         int
	Rejected         []model.RejectedMeasurement
	TimestampWarning string
}

// Ingest runs the seven normalization steps from spec.md §4.5 against
// one envelope, regardless of which ingress produced it.
func (p *Pipeline) Ingest(ctx context.Context, env model.Envelope) (Outcome, error) {
	dev, err := p.auth.AuthenticateAndMatch(ctx, env.APIKey, env.DeviceID, true)
	if err != nil {
		return Outcome{}, err
	}

	receivedAt := env.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = time.Now().UTC()
	}

	ts, warning := p.resolveTimestamp(env.Timestamp, receivedAt)

	points, rejected := p.flatten(dev.ID, ts, env.Data)
	if len(points) == 0 && len(rejected) == 0 {
		return Outcome{}, apperror.ValidationError("telemetry envelope carried no data")
	}

	p.liveness.SetOnline(ctx, dev.ID, receivedAt)

	var accepted int
	if len(points) > 0 {
		result, err := p.writer.Write(ctx, dev.ID, points)
		if err != nil {
			// The device did contact us; the liveness update above is
			// not rolled back even though the store write failed,
			// per spec.md §4.5 step 6.
			return Outcome{}, apperror.Wrap(apperror.KindStoreUnavailable, "write telemetry", err)
		}
		accepted = result.Accepted
		rejected = append(rejected, result.Rejected...)
	}

	outcome := Outcome{DeviceID: dev.ID, Accepted: accepted, Rejected: rejected, TimestampWarning: warning}
	if len(rejected) > 0 {
		kind := apperror.KindPartialWrite
		if accepted == 0 {
			kind = apperror.KindValidation
		}
		return outcome, apperror.New(kind, "some measurements were rejected").
			WithField("rejected", rejected)
	}
	return outcome, nil
}

// resolveTimestamp implements spec.md §4.5 step 2.
func (p *Pipeline) resolveTimestamp(reported, receivedAt time.Time) (time.Time, string) {
	if reported.IsZero() {
		return receivedAt, ""
	}
	delta := receivedAt.Sub(reported)
	if delta < 0 {
		delta = -delta
	}
	if delta > p.skewTolerance {
		p.logger.Warn("telemetry timestamp skew exceeds tolerance, overriding with server time",
			"reported", reported, "received_at", receivedAt, "skew", delta)
		return receivedAt, fmt.Sprintf("timestamp skew %s exceeds tolerance %s; overridden with server time", delta, p.skewTolerance)
	}
	return reported, ""
}

// flatten implements spec.md §4.5 step 3: one level of nested-object
// flattening into dotted measurement names and scalar/bool-only
// leaves. Numeric type coercion (a measurement first seen as int
// later accepting a float, or vice versa) is not done here — it is
// enforced by the Time-Series Adapter's type registry on write, which
// is the only place that knows the measurement's recorded type.
func (p *Pipeline) flatten(deviceID uint64, ts time.Time, data map[string]any) ([]model.Point, []model.RejectedMeasurement) {
	measurements := make([]string, 0, len(data))
	for k := range data {
		measurements = append(measurements, k)
	}
	sort.Strings(measurements)

	var points []model.Point
	var rejected []model.RejectedMeasurement

	for _, key := range measurements {
		raw := data[key]
		if nested, ok := raw.(map[string]any); ok {
			for leafKey, leafRaw := range nested {
				name := key + "." + leafKey
				if v, ok := valueFor(leafRaw); ok {
					points = append(points, model.Point{DeviceID: deviceID, Measurement: name, Timestamp: ts, Value: v})
				} else {
					rejected = append(rejected, model.RejectedMeasurement{Measurement: name, Reason: "leaf value is not a scalar or bool"})
				}
			}
			continue
		}
		if v, ok := valueFor(raw); ok {
			points = append(points, model.Point{DeviceID: deviceID, Measurement: key, Timestamp: ts, Value: v})
		} else {
			rejected = append(rejected, model.RejectedMeasurement{Measurement: key, Reason: "value is not a scalar or bool"})
		}
	}
	return points, rejected
}

func valueFor(raw any) (model.Value, bool) {
	return model.FromAny(raw)
}

// ParseDeviceIDFromTopic extracts the device id segment from an MQTT
// topic of the form prefix/{device_id}/..., mirroring
// history-service/internal/ingest.ParseDeviceID's trim-and-validate
// shape but returning a uint64 to match this system's dense integer
// device ids.
func ParseDeviceIDFromTopic(prefix, topic string) (uint64, error) {
	if !strings.HasPrefix(topic, prefix) {
		return 0, fmt.Errorf("topic %q does not match prefix %q", topic, prefix)
	}
	rest := strings.TrimPrefix(topic, prefix)
	rest = strings.Trim(rest, "/")
	segment := rest
	if idx := strings.Index(rest, "/"); idx >= 0 {
		segment = rest[:idx]
	}
	if segment == "" {
		return 0, fmt.Errorf("topic %q carries no device id", topic)
	}
	var id uint64
	if _, err := fmt.Sscanf(segment, "%d", &id); err != nil || id == 0 {
		return 0, fmt.Errorf("topic %q device id segment %q is not a positive integer", topic, segment)
	}
	return id, nil
}
