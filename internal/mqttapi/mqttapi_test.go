package mqttapi

import (
	"context"
	"log/slog"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/chameauu/IoTFlow-ConnectivityLayer/internal/apperror"
	"github.com/chameauu/IoTFlow-ConnectivityLayer/internal/cache"
	"github.com/chameauu/IoTFlow-ConnectivityLayer/internal/model"
)

// fakeAuthenticator stands in for identity.Service: any non-empty api
// key authenticates, matching the envelope device id.
type fakeAuthenticator struct{}

func (fakeAuthenticator) AuthenticateAndMatch(ctx context.Context, apiKey string, envelopeDeviceID uint64, requireWrite bool) (*model.Device, error) {
	if apiKey == "" {
		return nil, apperror.AuthRequired("missing api_key")
	}
	return &model.Device{ID: envelopeDeviceID}, nil
}

// fakeRateLimiter always allows, except for a configured deny-list of
// device ids used by the rate-limit tests.
type fakeRateLimiter struct {
	denied map[uint64]bool
}

func (f fakeRateLimiter) RateLimit(ctx context.Context, scope, key string, limit int, window time.Duration) cache.RateLimitResult {
	if f.denied != nil {
		if id, err := strconv.ParseUint(key, 10, 64); err == nil && f.denied[id] {
			return cache.RateLimitResult{Allowed: false, Remaining: 0}
		}
	}
	return cache.RateLimitResult{Allowed: true, Remaining: limit}
}

func newTestIngress(t *testing.T, ingest func(ctx context.Context, env model.Envelope) error) *Ingress {
	t.Helper()
	return newTestIngressWithLimiter(t, ingest, fakeRateLimiter{})
}

func newTestIngressWithLimiter(t *testing.T, ingest func(ctx context.Context, env model.Envelope) error, limiter RateLimiter) *Ingress {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	liveness := cache.NewFromClient(rdb, slog.Default())
	if ingest == nil {
		ingest = func(ctx context.Context, env model.Envelope) error { return nil }
	}
	cfg := Config{
		BrokerURL:          "tcp://localhost:1883",
		QueueSize:          4,
		TelemetryRateLimit: RateLimitRule{Limit: 1000, Window: time.Minute},
		HeartbeatRateLimit: RateLimitRule{Limit: 1000, Window: time.Minute},
	}
	return New(cfg, liveness, fakeAuthenticator{}, limiter, ingest, slog.Default())
}

func TestParseDeviceIDFromTelemetryTopic(t *testing.T) {
	id, err := parseDeviceID("iotflow/devices/42/telemetry/sensors")
	if err != nil {
		t.Fatalf("parseDeviceID: %v", err)
	}
	if id != 42 {
		t.Fatalf("id = %d, want 42", id)
	}
}

func TestParseDeviceIDRejectsMalformedTopic(t *testing.T) {
	if _, err := parseDeviceID("not/a/recognized/topic"); err == nil {
		t.Fatal("expected error for unrecognized topic")
	}
	if _, err := parseDeviceID("iotflow/devices/not-a-number/telemetry/sensors"); err == nil {
		t.Fatal("expected error for non-numeric device id")
	}
}

func TestDispatchTelemetryCallsIngest(t *testing.T) {
	var gotDeviceID uint64
	var gotAPIKey string
	ing := newTestIngress(t, func(ctx context.Context, env model.Envelope) error {
		gotDeviceID = env.DeviceID
		gotAPIKey = env.APIKey
		return nil
	})

	payload := []byte(`{"api_key":"k1","data":{"temperature":21.5}}`)
	ing.dispatch(context.Background(), message{
		topic:       "iotflow/devices/7/telemetry/sensors",
		payload:     payload,
		isTelemetry: true,
	})

	if gotDeviceID != 7 {
		t.Fatalf("device id = %d, want 7", gotDeviceID)
	}
	if gotAPIKey != "k1" {
		t.Fatalf("api key = %q, want k1", gotAPIKey)
	}
}

func TestDispatchTelemetrySwallowsPartialWrite(t *testing.T) {
	ing := newTestIngress(t, func(ctx context.Context, env model.Envelope) error {
		return apperror.New(apperror.KindPartialWrite, "some measurements were rejected")
	})

	// Must not panic; the MQTT ingress has no caller to report a 207 to.
	ing.dispatch(context.Background(), message{
		topic:       "iotflow/devices/7/telemetry/sensors",
		payload:     []byte(`{"api_key":"k1","data":{"temperature":21.5}}`),
		isTelemetry: true,
	})
}

func TestDispatchStatusUpdatesLiveness(t *testing.T) {
	ing := newTestIngress(t, nil)
	ing.dispatch(context.Background(), message{
		topic:       "iotflow/devices/9/status/heartbeat",
		payload:     []byte(`{"api_key":"k1","status":"online"}`),
		isTelemetry: false,
	})

	online, _ := ing.liveness.GetStatus(context.Background(), 9, time.Now().Add(-time.Minute))
	if !online {
		t.Fatal("expected device 9 to be marked online after status dispatch")
	}
}

func TestDispatchStatusRequiresAPIKey(t *testing.T) {
	ing := newTestIngress(t, nil)
	ing.dispatch(context.Background(), message{
		topic:       "iotflow/devices/10/status/heartbeat",
		payload:     []byte(`{"status":"online"}`),
		isTelemetry: false,
	})

	online, _ := ing.liveness.GetStatus(context.Background(), 10, time.Now().Add(-time.Minute))
	if online {
		t.Fatal("expected a status message with no api_key to be rejected, not marked online")
	}
}

func TestDispatchOfflineStatusClearsLiveness(t *testing.T) {
	ing := newTestIngress(t, nil)
	ing.dispatch(context.Background(), message{
		topic:       "iotflow/devices/11/status/heartbeat",
		payload:     []byte(`{"api_key":"k1","status":"online"}`),
		isTelemetry: false,
	})
	online, _ := ing.liveness.GetStatus(context.Background(), 11, time.Now().Add(-time.Minute))
	if !online {
		t.Fatal("expected device 11 to be online before the offline message")
	}

	ing.dispatch(context.Background(), message{
		topic:       "iotflow/devices/11/status/offline",
		payload:     []byte(`{"api_key":"k1","status":"offline"}`),
		isTelemetry: false,
	})
	online, _ = ing.liveness.GetStatus(context.Background(), 11, time.Now().Add(-time.Minute))
	if online {
		t.Fatal("expected device 11 to be offline after the offline message")
	}
}

func TestDispatchStatusRateLimited(t *testing.T) {
	ing := newTestIngressWithLimiter(t, nil, fakeRateLimiter{denied: map[uint64]bool{12: true}})
	ing.dispatch(context.Background(), message{
		topic:       "iotflow/devices/12/status/heartbeat",
		payload:     []byte(`{"api_key":"k1","status":"online"}`),
		isTelemetry: false,
	})

	online, _ := ing.liveness.GetStatus(context.Background(), 12, time.Now().Add(-time.Minute))
	if online {
		t.Fatal("expected a rate-limited status message to be dropped, not marked online")
	}
}

func TestDispatchTelemetryRateLimited(t *testing.T) {
	var called bool
	ing := newTestIngressWithLimiter(t, func(ctx context.Context, env model.Envelope) error {
		called = true
		return nil
	}, fakeRateLimiter{denied: map[uint64]bool{13: true}})

	ing.dispatch(context.Background(), message{
		topic:       "iotflow/devices/13/telemetry/sensors",
		payload:     []byte(`{"api_key":"k1","data":{"temperature":21.5}}`),
		isTelemetry: true,
	})

	if called {
		t.Fatal("expected a rate-limited telemetry message to never reach ingest")
	}
}

func TestOnMessageEnqueues(t *testing.T) {
	ing := newTestIngress(t, nil)
	ing.onMessage(nil, fakeMessage{topic: "iotflow/devices/1/telemetry/sensors", payload: []byte(`{}`)})

	select {
	case m := <-ing.queue:
		if m.topic != "iotflow/devices/1/telemetry/sensors" {
			t.Fatalf("unexpected topic %q", m.topic)
		}
	default:
		t.Fatal("expected a message to be queued")
	}
}

func TestOnMessageEvictsOldestStatusWhenFull(t *testing.T) {
	ing := newTestIngress(t, nil)
	// Fill the queue (size 4) with status messages.
	for i := 0; i < 4; i++ {
		ing.queue <- message{topic: "iotflow/devices/1/status/heartbeat", isTelemetry: false}
	}
	ing.onMessage(nil, fakeMessage{topic: "iotflow/devices/1/telemetry/sensors", payload: []byte(`{}`)})

	found := false
	for len(ing.queue) > 0 {
		m := <-ing.queue
		if m.isTelemetry {
			found = true
		}
	}
	if !found {
		t.Fatal("expected the telemetry message to have evicted a status message into the queue")
	}
}

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 1 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 0 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}
