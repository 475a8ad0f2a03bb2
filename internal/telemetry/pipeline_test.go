package telemetry

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	appcache "github.com/chameauu/IoTFlow-ConnectivityLayer/internal/cache"
	"github.com/chameauu/IoTFlow-ConnectivityLayer/internal/model"
	"github.com/chameauu/IoTFlow-ConnectivityLayer/internal/store/timeseries"
)

type fakeAuthenticator struct {
	device *model.Device
	err    error
}

func (f fakeAuthenticator) AuthenticateAndMatch(_ context.Context, _ string, _ uint64, _ bool) (*model.Device, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.device, nil
}

type fakeWriter struct {
	lastDeviceID uint64
	lastPoints   []model.Point
	result       timeseries.WriteResult
	err          error
}

func (f *fakeWriter) Write(_ context.Context, deviceID uint64, points []model.Point) (timeseries.WriteResult, error) {
	f.lastDeviceID = deviceID
	f.lastPoints = points
	if f.err != nil {
		return timeseries.WriteResult{}, f.err
	}
	if f.result.Accepted == 0 && len(f.result.Rejected) == 0 {
		return timeseries.WriteResult{Accepted: len(points)}, nil
	}
	return f.result, nil
}

func newTestPipeline(t *testing.T, auth Authenticator, writer Writer) *Pipeline {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c := appcache.NewFromClient(rdb, slog.Default())
	return New(auth, writer, c, 24*time.Hour, slog.Default())
}

func TestIngestFlattensNestedData(t *testing.T) {
	writer := &fakeWriter{}
	p := newTestPipeline(t, fakeAuthenticator{device: &model.Device{ID: 1, APIKey: "k"}}, writer)

	env := model.Envelope{
		DeviceID: 1,
		APIKey:   "k",
		Data: map[string]any{
			"temperature": 21.5,
			"gps":         map[string]any{"lat": 12.3, "lon": 45.6},
		},
		ReceivedAt: time.Now().UTC(),
	}

	outcome, err := p.Ingest(context.Background(), env)
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if outcome.Accepted != 3 {
		t.Fatalf("expected 3 flattened points, got %d", outcome.Accepted)
	}

	names := map[string]bool{}
	for _, pt := range writer.lastPoints {
		names[pt.Measurement] = true
	}
	if !names["temperature"] || !names["gps.lat"] || !names["gps.lon"] {
		t.Fatalf("expected flattened measurement names, got %+v", names)
	}
}

func TestIngestRejectsNonScalarLeaf(t *testing.T) {
	writer := &fakeWriter{}
	p := newTestPipeline(t, fakeAuthenticator{device: &model.Device{ID: 1, APIKey: "k"}}, writer)

	env := model.Envelope{
		DeviceID: 1,
		APIKey:   "k",
		Data: map[string]any{
			"payload": []any{1, 2, 3},
		},
		ReceivedAt: time.Now().UTC(),
	}

	_, err := p.Ingest(context.Background(), env)
	if err == nil {
		t.Fatal("expected an error when all measurements are rejected")
	}
}

func TestIngestOverridesSkewedTimestamp(t *testing.T) {
	writer := &fakeWriter{}
	p := newTestPipeline(t, fakeAuthenticator{device: &model.Device{ID: 1, APIKey: "k"}}, writer)

	receivedAt := time.Now().UTC()
	env := model.Envelope{
		DeviceID:   1,
		APIKey:     "k",
		Timestamp:  receivedAt.Add(-48 * time.Hour),
		Data:       map[string]any{"temperature": 20},
		ReceivedAt: receivedAt,
	}

	outcome, err := p.Ingest(context.Background(), env)
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if outcome.TimestampWarning == "" {
		t.Fatal("expected a timestamp skew warning")
	}
	if len(writer.lastPoints) != 1 || !writer.lastPoints[0].Timestamp.Equal(receivedAt) {
		t.Fatalf("expected point timestamp overridden to server time, got %+v", writer.lastPoints)
	}
}

func TestIngestReportsPartialWrite(t *testing.T) {
	writer := &fakeWriter{result: timeseries.WriteResult{
		Accepted: 1,
		Rejected: []model.RejectedMeasurement{{Measurement: "humidity", Reason: "type conflict"}},
	}}
	p := newTestPipeline(t, fakeAuthenticator{device: &model.Device{ID: 1, APIKey: "k"}}, writer)

	env := model.Envelope{
		DeviceID: 1,
		APIKey:   "k",
		Data: map[string]any{
			"temperature": 21.0,
			"humidity":    65,
		},
		ReceivedAt: time.Now().UTC(),
	}

	outcome, err := p.Ingest(context.Background(), env)
	if outcome.Accepted != 1 || len(outcome.Rejected) != 1 {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}
	if err == nil {
		t.Fatal("expected a PartialWrite error to surface alongside the successful outcome")
	}
}

func TestIngestPropagatesAuthFailure(t *testing.T) {
	p := newTestPipeline(t, fakeAuthenticator{err: context.DeadlineExceeded}, &fakeWriter{})
	_, err := p.Ingest(context.Background(), model.Envelope{APIKey: "bad"})
	if err == nil {
		t.Fatal("expected authentication failure to propagate")
	}
}
