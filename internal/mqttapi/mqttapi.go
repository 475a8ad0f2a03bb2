// Package mqttapi is the MQTT Ingress (spec.md §4.7): a paho.mqtt.golang
// wrapper that subscribes to the device telemetry/status topic filters,
// posts inbound messages onto a bounded queue, and dispatches them to
// the same Pipeline.Ingest the HTTP Ingress uses. Grounded on
// device-hub/internal/mqtt/mqtt.go and history-service/internal/mqtt/mqtt.go's
// paho option setup (reconnect backoff is left to paho's own
// auto-reconnect, capped at reconnectCeiling; this package computes no
// reconnect schedule of its own) plus a supervisor goroutine draining
// a bounded channel instead of running Pipeline.Ingest inline on
// paho's callback goroutine.
package mqttapi

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/chameauu/IoTFlow-ConnectivityLayer/internal/apperror"
	"github.com/chameauu/IoTFlow-ConnectivityLayer/internal/cache"
	"github.com/chameauu/IoTFlow-ConnectivityLayer/internal/metrics"
	"github.com/chameauu/IoTFlow-ConnectivityLayer/internal/model"
)

// Authenticator is the narrow slice of identity.Service this package
// depends on to run status/* messages through the same api-key and
// device-id-match checks the HTTP ingress applies, per spec.md §4.7.
type Authenticator interface {
	AuthenticateAndMatch(ctx context.Context, apiKey string, envelopeDeviceID uint64, requireWrite bool) (*model.Device, error)
}

// RateLimiter is the narrow slice of identity.Service's fixed-window
// limiter this package depends on.
type RateLimiter interface {
	RateLimit(ctx context.Context, scope, key string, limit int, window time.Duration) cache.RateLimitResult
}

// RateLimitRule is the (limit, window) pair for one MQTT scope,
// mirroring internal/config.RateLimitRule's shape without importing
// internal/config, matching the narrow-interface convention
// internal/telemetry already uses for its Authenticator and Writer.
type RateLimitRule struct {
	Limit  int
	Window time.Duration
}

const (
	telemetryFilter = "iotflow/devices/+/telemetry/#"
	statusFilter    = "iotflow/devices/+/status/#"
	lwtTopic        = "$SYS/iotflow/ingress/offline"

	reconnectBase    = 1 * time.Second
	reconnectFactor  = 2
	reconnectCeiling = 30 * time.Second
)

type message struct {
	topic       string
	payload     []byte
	isTelemetry bool
}

// Ingress owns the paho client, the bounded queue, and the supervisor
// goroutine draining it. Construction and teardown are explicit —
// no hidden goroutine starts before Start is called.
type Ingress struct {
	client   mqtt.Client
	queue    chan message
	liveness *cache.Cache
	auth     Authenticator
	limiter  RateLimiter
	ingest   func(ctx context.Context, env model.Envelope) error
	logger   *slog.Logger

	telemetryLimit RateLimitRule
	heartbeatLimit RateLimitRule

	mu      sync.Mutex
	dropped int64
	wg      sync.WaitGroup
	stop    chan struct{}
}

// Config carries the connection parameters the assembler resolves from
// internal/config.Config.
type Config struct {
	BrokerURL string
	ClientID  string
	Username  string
	Password  string
	QueueSize int

	TelemetryRateLimit RateLimitRule
	HeartbeatRateLimit RateLimitRule
}

// New constructs the paho client with auto-reconnect (paho's own
// backoff, capped at reconnectCeiling via SetMaxReconnectInterval),
// initial-connect retries every reconnectBase, and a Last-Will
// published to lwtTopic. reconnectFactor is not passed to paho. It
// does not connect; call Connect.
func New(cfg Config, liveness *cache.Cache, auth Authenticator, limiter RateLimiter, ingest func(ctx context.Context, env model.Envelope) error, logger *slog.Logger) *Ingress {
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 4096
	}
	ing := &Ingress{
		queue:          make(chan message, queueSize),
		liveness:       liveness,
		auth:           auth,
		limiter:        limiter,
		ingest:         ingest,
		logger:         logger,
		telemetryLimit: cfg.TelemetryRateLimit,
		heartbeatLimit: cfg.HeartbeatRateLimit,
		stop:           make(chan struct{}),
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(normalizeBrokerURL(cfg.BrokerURL))
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "iotflow-ingress-" + time.Now().Format("150405.000")
	}
	opts.SetClientID(clientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(reconnectBase)
	opts.SetMaxReconnectInterval(reconnectCeiling)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetWill(lwtTopic, `{"status":"offline"}`, 1, true)
	opts.SetTLSConfig(&tls.Config{InsecureSkipVerify: true})

	opts.OnConnect = func(c mqtt.Client) {
		logger.Info("mqtt connected", "broker", cfg.BrokerURL)
		ing.subscribeAll(c)
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		logger.Warn("mqtt connection lost", "error", err)
	}
	opts.OnReconnecting = func(c mqtt.Client, o *mqtt.ClientOptions) {
		logger.Info("mqtt reconnecting")
	}

	ing.client = mqtt.NewClient(opts)
	return ing
}

func normalizeBrokerURL(raw string) string {
	url := strings.TrimSpace(raw)
	if url == "" {
		return "tcp://localhost:1883"
	}
	if strings.HasPrefix(url, "mqtt://") {
		return "tcp://" + strings.TrimPrefix(url, "mqtt://")
	}
	return url
}

// Connect blocks until the initial connection succeeds or the token's
// wait times out.
func (ing *Ingress) Connect() error {
	tok := ing.client.Connect()
	if !tok.WaitTimeout(15 * time.Second) {
		return fmt.Errorf("mqttapi: connect timed out")
	}
	return tok.Error()
}

func (ing *Ingress) subscribeAll(c mqtt.Client) {
	if tok := c.Subscribe(telemetryFilter, 1, ing.onMessage); tok.Wait() && tok.Error() != nil {
		ing.logger.Error("mqtt subscribe failed", "topic", telemetryFilter, "error", tok.Error())
	}
	if tok := c.Subscribe(statusFilter, 1, ing.onMessage); tok.Wait() && tok.Error() != nil {
		ing.logger.Error("mqtt subscribe failed", "topic", statusFilter, "error", tok.Error())
	}
}

// onMessage is the paho callback: it never runs business logic
// inline, only enqueues, per spec.md §5's "MQTT session owned by a
// single supervisor routine" discipline.
func (ing *Ingress) onMessage(_ mqtt.Client, msg mqtt.Message) {
	m := message{
		topic:       msg.Topic(),
		payload:     msg.Payload(),
		isTelemetry: strings.Contains(msg.Topic(), "/telemetry/"),
	}
	select {
	case ing.queue <- m:
		return
	default:
	}

	// Queue full: evict the oldest non-telemetry message to make room;
	// if that doesn't free a slot (queue is all telemetry), this message
	// is discarded and counted as dropped. The callback returns normally
	// either way, so paho acknowledges it and the broker does not
	// redeliver it.
	if ing.evictOldestStatus() {
		select {
		case ing.queue <- m:
		default:
			ing.logger.Warn("mqtt queue full, message dropped", "topic", m.topic)
			ing.mu.Lock()
			ing.dropped++
			ing.mu.Unlock()
			metrics.RecordMQTTMessage(topicKind(m.isTelemetry), "dropped")
		}
		return
	}
	ing.logger.Warn("mqtt queue full, message dropped", "topic", m.topic)
	ing.mu.Lock()
	ing.dropped++
	ing.mu.Unlock()
	metrics.RecordMQTTMessage(topicKind(m.isTelemetry), "dropped")
}

func topicKind(isTelemetry bool) string {
	if isTelemetry {
		return "telemetry"
	}
	return "status"
}

// evictOldestStatus drops the oldest non-telemetry message in the queue
// to free a slot for a new arrival, cycling every other message it
// passes back onto the tail. It reports whether a message was dropped.
func (ing *Ingress) evictOldestStatus() bool {
	evicted := false
	for n := len(ing.queue); n > 0; n-- {
		select {
		case old := <-ing.queue:
			if !evicted && !old.isTelemetry {
				evicted = true
				continue
			}
			// best-effort: order across the eviction is not guaranteed
			// while the supervisor drains concurrently.
			select {
			case ing.queue <- old:
			default:
			}
		default:
			return evicted
		}
	}
	return evicted
}

// Start launches the supervisor goroutine that drains the queue and
// dispatches each message to Pipeline.Ingest or the liveness cache.
func (ing *Ingress) Start(ctx context.Context) {
	ing.wg.Add(1)
	go func() {
		defer ing.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ing.stop:
				return
			case m := <-ing.queue:
				ing.dispatch(ctx, m)
			}
		}
	}()
}

func (ing *Ingress) dispatch(ctx context.Context, m message) {
	deviceID, err := parseDeviceID(m.topic)
	if err != nil {
		ing.logger.Warn("mqtt message on malformed topic", "topic", m.topic, "error", err)
		return
	}

	if m.isTelemetry {
		ing.dispatchTelemetry(ctx, deviceID, m)
		return
	}
	ing.dispatchStatus(ctx, deviceID, m)
}

type telemetryEnvelope struct {
	APIKey    string         `json:"api_key"`
	Timestamp *time.Time     `json:"timestamp"`
	Data      map[string]any `json:"data"`
	Metadata  map[string]any `json:"metadata"`
}

func (ing *Ingress) dispatchTelemetry(ctx context.Context, deviceID uint64, m message) {
	if !ing.checkRateLimit(ctx, "telemetry", ing.telemetryLimit, deviceID) {
		ing.logger.Warn("mqtt telemetry rate limit exceeded", "device_id", deviceID, "topic", m.topic)
		metrics.RecordMQTTMessage("telemetry", "dropped")
		return
	}

	var payload telemetryEnvelope
	dec := json.NewDecoder(strings.NewReader(string(m.payload)))
	dec.UseNumber()
	if err := dec.Decode(&payload); err != nil {
		ing.logger.Warn("mqtt telemetry payload is not valid JSON", "topic", m.topic, "error", err)
		metrics.RecordMQTTMessage("telemetry", "error")
		return
	}

	env := model.Envelope{
		DeviceID:   deviceID,
		APIKey:     payload.APIKey,
		Data:       payload.Data,
		Metadata:   payload.Metadata,
		ReceivedAt: time.Now().UTC(),
	}
	if payload.Timestamp != nil {
		env.Timestamp = *payload.Timestamp
	}

	if err := ing.ingest(ctx, env); err != nil {
		if appErr, ok := err.(*apperror.AppError); ok && appErr.Kind == apperror.KindPartialWrite {
			ing.logger.Info("mqtt telemetry partially rejected", "device_id", deviceID, "topic", m.topic)
			metrics.RecordMQTTMessage("telemetry", "ok")
			return
		}
		ing.logger.Warn("mqtt telemetry ingest failed", "device_id", deviceID, "topic", m.topic, "error", err)
		metrics.RecordMQTTMessage("telemetry", "error")
		return
	}
	metrics.RecordMQTTMessage("telemetry", "ok")
}

type statusEnvelope struct {
	APIKey    string     `json:"api_key"`
	Status    string     `json:"status"`
	Timestamp *time.Time `json:"timestamp"`
}

// dispatchStatus updates the Liveness Cache directly rather than
// running it through Pipeline.Ingest, since status/* messages carry
// no telemetry data — only a liveness signal (spec.md §4.7). It still
// runs the same api-key authentication and device-id-match check the
// HTTP ingress applies before touching liveness, so a status message
// can't spoof another device's presence. The trailing topic segment
// (heartbeat|online|offline) decides the direction: only "offline"
// clears liveness, everything else is treated as a presence signal.
func (ing *Ingress) dispatchStatus(ctx context.Context, deviceID uint64, m message) {
	if !ing.checkRateLimit(ctx, "heartbeat", ing.heartbeatLimit, deviceID) {
		ing.logger.Warn("mqtt status rate limit exceeded", "device_id", deviceID, "topic", m.topic)
		metrics.RecordMQTTMessage("status", "dropped")
		return
	}

	var payload statusEnvelope
	if err := json.Unmarshal(m.payload, &payload); err != nil {
		ing.logger.Warn("mqtt status payload is not valid JSON", "topic", m.topic, "error", err)
		metrics.RecordMQTTMessage("status", "error")
		return
	}
	if _, err := ing.auth.AuthenticateAndMatch(ctx, payload.APIKey, deviceID, false); err != nil {
		ing.logger.Warn("mqtt status authentication failed", "device_id", deviceID, "topic", m.topic, "error", err)
		metrics.RecordMQTTMessage("status", "error")
		return
	}

	if strings.HasSuffix(m.topic, "/offline") {
		ing.liveness.ClearStatus(ctx, deviceID)
		metrics.RecordMQTTMessage("status", "ok")
		return
	}

	seenAt := time.Now().UTC()
	if payload.Timestamp != nil {
		seenAt = payload.Timestamp.UTC()
	}
	ing.liveness.SetOnline(ctx, deviceID, seenAt)
	metrics.RecordMQTTMessage("status", "ok")
}

// checkRateLimit reports whether deviceID is still within scope's
// configured budget, scoping the key by device id the same way
// internal/httpapi.keyByDevice does for the authenticated HTTP paths.
func (ing *Ingress) checkRateLimit(ctx context.Context, scope string, rule RateLimitRule, deviceID uint64) bool {
	if ing.limiter == nil || rule.Limit <= 0 {
		return true
	}
	return ing.limiter.RateLimit(ctx, scope, strconv.FormatUint(deviceID, 10), rule.Limit, rule.Window).Allowed
}

// parseDeviceID extracts the {id} path segment from
// iotflow/devices/{id}/(telemetry|status)/... .
func parseDeviceID(topic string) (uint64, error) {
	parts := strings.Split(topic, "/")
	if len(parts) < 3 || parts[0] != "iotflow" || parts[1] != "devices" {
		return 0, fmt.Errorf("mqttapi: unrecognized topic %q", topic)
	}
	id, err := strconv.ParseUint(parts[2], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("mqttapi: invalid device id in topic %q: %w", topic, err)
	}
	return id, nil
}

// Health reports whether the underlying client is currently connected,
// for the composite health report.
func (ing *Ingress) Health(ctx context.Context) error {
	if ing.client == nil || !ing.client.IsConnectionOpen() {
		return fmt.Errorf("mqttapi: not connected")
	}
	return nil
}

// Dropped reports how many messages were discarded due to sustained
// backpressure. No HTTP endpoint exposes it.
func (ing *Ingress) Dropped() int64 {
	ing.mu.Lock()
	defer ing.mu.Unlock()
	return ing.dropped
}

// Stop disconnects the client and waits for the supervisor goroutine
// to exit.
func (ing *Ingress) Stop() {
	close(ing.stop)
	ing.wg.Wait()
	if ing.client != nil {
		ing.client.Disconnect(1000)
	}
}
