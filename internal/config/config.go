// Package config loads iotflow's configuration from the environment,
// grounded on api-gateway/internal/config/config.go's viper usage.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// RateLimitRule is the (limit, window) pair for one rate-limit scope
// from spec.md §4.3.
type RateLimitRule struct {
	Limit  int
	Window time.Duration
}

type Config struct {
	BindHost string
	BindPort int

	PostgresDSN string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	MQTTBrokerURL string
	MQTTUsername  string
	MQTTPassword  string
	MQTTClientID  string
	MQTTQueueSize int

	AdminBearerToken string
	APIKeyLength     int

	HeartbeatTTL   time.Duration
	SkewTolerance  time.Duration
	BatchMaxPoints int
	BatchWindow    time.Duration

	HandlerTimeout time.Duration

	RateLimits map[string]RateLimitRule

	LogLevel  string
	LogFormat string
}

// Load reads configuration from the environment (unprefixed keys,
// including the conventional POSTGRES_*, REDIS_*, MQTT_* keys shared
// with the rest of the homenavi-style stack) applying the defaults from
// spec.md §6. It returns an error only when api_key_length, bind_port,
// batch_max_points or mqtt_queue_size is out of range; other malformed
// values are not reported (a non-numeric integer reads as 0) and
// unknown keys are ignored without a warning. Callers treat an error
// as a fatal configuration error (process exit code 2, per spec.md §6).
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("bind_host", "0.0.0.0")
	v.SetDefault("bind_port", 8080)

	v.SetDefault("postgres_host", "localhost")
	v.SetDefault("postgres_port", "5432")
	v.SetDefault("postgres_user", "iotflow")
	v.SetDefault("postgres_password", "")
	v.SetDefault("postgres_db", "iotflow")
	v.SetDefault("postgres_sslmode", "disable")

	v.SetDefault("redis_addr", "localhost:6379")
	v.SetDefault("redis_password", "")
	v.SetDefault("redis_db", 0)

	v.SetDefault("mqtt_broker_url", "tcp://localhost:1883")
	v.SetDefault("mqtt_username", "")
	v.SetDefault("mqtt_password", "")
	v.SetDefault("mqtt_client_id", "iotflow-ingress")
	v.SetDefault("mqtt_queue_size", 4096)

	v.SetDefault("admin_bearer_token", "")
	v.SetDefault("api_key_length", 32)

	v.SetDefault("heartbeat_ttl_seconds", 120)
	v.SetDefault("skew_tolerance_hours", 24)
	v.SetDefault("batch_max_points", 256)
	v.SetDefault("batch_window_ms", 100)
	v.SetDefault("handler_timeout_seconds", 10)

	v.SetDefault("ratelimit_registration_limit", 10)
	v.SetDefault("ratelimit_registration_window_seconds", 300)
	v.SetDefault("ratelimit_telemetry_limit", 100)
	v.SetDefault("ratelimit_telemetry_window_seconds", 60)
	v.SetDefault("ratelimit_heartbeat_limit", 30)
	v.SetDefault("ratelimit_heartbeat_window_seconds", 60)
	v.SetDefault("ratelimit_default_limit", 60)
	v.SetDefault("ratelimit_default_window_seconds", 60)

	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")

	apiKeyLen := v.GetInt("api_key_length")
	if apiKeyLen < 16 || apiKeyLen > 128 {
		return nil, fmt.Errorf("api_key_length must be between 16 and 128, got %d", apiKeyLen)
	}

	port := v.GetInt("bind_port")
	if port <= 0 || port > 65535 {
		return nil, fmt.Errorf("bind_port out of range: %d", port)
	}

	dsn := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s TimeZone=UTC",
		v.GetString("postgres_host"), v.GetString("postgres_port"), v.GetString("postgres_user"),
		v.GetString("postgres_password"), v.GetString("postgres_db"), v.GetString("postgres_sslmode"))

	cfg := &Config{
		BindHost: v.GetString("bind_host"),
		BindPort: port,

		PostgresDSN: dsn,

		RedisAddr:     v.GetString("redis_addr"),
		RedisPassword: v.GetString("redis_password"),
		RedisDB:       v.GetInt("redis_db"),

		MQTTBrokerURL: v.GetString("mqtt_broker_url"),
		MQTTUsername:  v.GetString("mqtt_username"),
		MQTTPassword:  v.GetString("mqtt_password"),
		MQTTClientID:  v.GetString("mqtt_client_id"),
		MQTTQueueSize: v.GetInt("mqtt_queue_size"),

		AdminBearerToken: v.GetString("admin_bearer_token"),
		APIKeyLength:     apiKeyLen,

		HeartbeatTTL:   time.Duration(v.GetInt("heartbeat_ttl_seconds")) * time.Second,
		SkewTolerance:  time.Duration(v.GetInt("skew_tolerance_hours")) * time.Hour,
		BatchMaxPoints: v.GetInt("batch_max_points"),
		BatchWindow:    time.Duration(v.GetInt("batch_window_ms")) * time.Millisecond,
		HandlerTimeout: time.Duration(v.GetInt("handler_timeout_seconds")) * time.Second,

		RateLimits: map[string]RateLimitRule{
			"registration": {
				Limit:  v.GetInt("ratelimit_registration_limit"),
				Window: time.Duration(v.GetInt("ratelimit_registration_window_seconds")) * time.Second,
			},
			"telemetry": {
				Limit:  v.GetInt("ratelimit_telemetry_limit"),
				Window: time.Duration(v.GetInt("ratelimit_telemetry_window_seconds")) * time.Second,
			},
			"heartbeat": {
				Limit:  v.GetInt("ratelimit_heartbeat_limit"),
				Window: time.Duration(v.GetInt("ratelimit_heartbeat_window_seconds")) * time.Second,
			},
			"default": {
				Limit:  v.GetInt("ratelimit_default_limit"),
				Window: time.Duration(v.GetInt("ratelimit_default_window_seconds")) * time.Second,
			},
		},

		LogLevel:  v.GetString("log_level"),
		LogFormat: v.GetString("log_format"),
	}

	if cfg.BatchMaxPoints <= 0 {
		return nil, fmt.Errorf("batch_max_points must be positive, got %d", cfg.BatchMaxPoints)
	}
	if cfg.MQTTQueueSize <= 0 {
		return nil, fmt.Errorf("mqtt_queue_size must be positive, got %d", cfg.MQTTQueueSize)
	}

	return cfg, nil
}

// RateLimitRule looks up the rule for scope, falling back to "default".
func (c *Config) RateLimitRule(scope string) RateLimitRule {
	if r, ok := c.RateLimits[scope]; ok {
		return r
	}
	return c.RateLimits["default"]
}
