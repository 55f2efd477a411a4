package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds all server configuration
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
type Config struct {
	// Server basics
	Host        string `env:"HOST" envDefault:"0.0.0.0"`
	Port        int    `env:"PORT" envDefault:"3001"`
	Environment string `env:"NODE_ENV" envDefault:"development"`
	SSLCertPath string `env:"SSL_CERT_PATH"`
	SSLKeyPath  string `env:"SSL_KEY_PATH"`

	// Upstream application server (outgoing verification + accepted inbound secret)
	UpstreamAPIURL string `env:"UPSTREAM_API_URL" envDefault:"http://localhost:8000"`
	UpstreamAPIKey string `env:"UPSTREAM_API_KEY"`
	AdminKey       string `env:"ADMIN_KEY"`

	// Self-contained token verification (disabled when secret is empty)
	JWTSecret    string        `env:"JWT_SECRET"`
	JWTExpiresIn time.Duration `env:"JWT_EXPIRES_IN" envDefault:"24h"`

	// Browser origins permitted on the socket and RPC surfaces
	CORSOrigin string `env:"CORS_ORIGIN" envDefault:"*"`

	// RPC surface rate limiting. The window is milliseconds to stay
	// compatible with the upstream deployment's variable names; the
	// per-group limits scale off RateLimitMaxRequests (public).
	RateLimitWindowMS    int `env:"RATE_LIMIT_WINDOW_MS" envDefault:"60000"`
	RateLimitMaxRequests int `env:"RATE_LIMIT_MAX_REQUESTS" envDefault:"100"`
	RateLimitMonitoring  int `env:"RATE_LIMIT_MONITORING" envDefault:"60"`
	RateLimitAdmin       int `env:"RATE_LIMIT_ADMIN" envDefault:"20"`
	RateLimitBroadcast   int `env:"RATE_LIMIT_BROADCAST" envDefault:"300"`

	// Socket heartbeat and handshake timing
	PingInterval     time.Duration `env:"WS_PING_INTERVAL" envDefault:"15s"`
	PingTimeout      time.Duration `env:"WS_PING_TIMEOUT" envDefault:"30s"`
	HandshakeTimeout time.Duration `env:"WS_HANDSHAKE_TIMEOUT" envDefault:"5s"`
	AllowQueryToken  bool          `env:"WS_ALLOW_QUERY_TOKEN" envDefault:"false"`

	// Capacity
	MaxConnections        int `env:"MAX_CONNECTIONS" envDefault:"10000"`
	MaxConnectionsPerUser int `env:"MAX_CONNECTIONS_PER_USER" envDefault:"1"`
	MaxChannelSubscribers int `env:"MAX_CHANNEL_SUBSCRIBERS" envDefault:"0"` // 0 = unlimited
	SendQueueSize         int `env:"SEND_QUEUE_SIZE" envDefault:"1000"`
	SendQueueBytes        int `env:"SEND_QUEUE_BYTES" envDefault:"2097152"` // 2MB

	// Connection manager throttling
	ThrottleWindow      time.Duration `env:"THROTTLE_WINDOW" envDefault:"10s"`
	ThrottleMaxAttempts int           `env:"THROTTLE_MAX_ATTEMPTS" envDefault:"3"`
	ThrottleCooldown    time.Duration `env:"THROTTLE_COOLDOWN" envDefault:"30s"`
	PendingClaimTTL     time.Duration `env:"PENDING_CLAIM_TTL" envDefault:"2s"`

	// Credential verification
	VerifyTimeout  time.Duration `env:"VERIFY_TIMEOUT" envDefault:"10s"`
	VerifyCacheTTL time.Duration `env:"VERIFY_CACHE_TTL" envDefault:"30s"`

	// Handshake admission (per second token buckets)
	ConnRatePerIP  int `env:"CONN_RATE_PER_IP" envDefault:"10"`
	ConnRateGlobal int `env:"CONN_RATE_GLOBAL" envDefault:"500"`

	// Graceful shutdown drain window
	ShutdownGrace time.Duration `env:"SHUTDOWN_GRACE" envDefault:"10s"`

	// Health thresholds (warn must stay below critical)
	ThresholdConnectionsWarn     int           `env:"THRESHOLD_CONNECTIONS_WARN" envDefault:"1000"`
	ThresholdConnectionsCritical int           `env:"THRESHOLD_CONNECTIONS_CRITICAL" envDefault:"5000"`
	ThresholdResponseMSWarn      float64       `env:"THRESHOLD_RESPONSE_MS_WARN" envDefault:"500"`
	ThresholdResponseMSCritical  float64       `env:"THRESHOLD_RESPONSE_MS_CRITICAL" envDefault:"1000"`
	ThresholdErrorRateWarn       float64       `env:"THRESHOLD_ERROR_RATE_WARN" envDefault:"0.05"`
	ThresholdErrorRateCritical   float64       `env:"THRESHOLD_ERROR_RATE_CRITICAL" envDefault:"0.10"`
	ThresholdMemoryWarn          float64       `env:"THRESHOLD_MEMORY_WARN" envDefault:"0.80"`
	ThresholdMemoryCritical      float64       `env:"THRESHOLD_MEMORY_CRITICAL" envDefault:"0.90"`
	AlertCooldown                time.Duration `env:"ALERT_COOLDOWN" envDefault:"5m"`

	// Monitoring
	MonitorInterval   time.Duration `env:"MONITOR_INTERVAL" envDefault:"15s"`
	BroadcastInflight int           `env:"METRICS_BROADCAST_INFLIGHT" envDefault:"256"`
	SlackWebhookURL   string        `env:"SLACK_WEBHOOK_URL"`

	// Event-bus ingest (each adapter enabled only when its address is set)
	NATSURL      string `env:"NATS_URL"`
	NATSSubject  string `env:"NATS_SUBJECT" envDefault:"pulse.broadcast.>"`
	KafkaBrokers string `env:"KAFKA_BROKERS"`
	KafkaTopics  string `env:"KAFKA_TOPICS" envDefault:"pulse.broadcast"`
	KafkaGroup   string `env:"KAFKA_GROUP" envDefault:"pulse"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load reads configuration from .env file and environment variables
// Priority: ENV vars > .env file > defaults
//
// Optional logger parameter for structured logging. If nil, stays quiet.
func Load(logger *zerolog.Logger) (*Config, error) {
	// .env is a development convenience; deployments set real env vars
	if err := godotenv.Load(); err == nil && logger != nil {
		logger.Info().Msg("Loaded configuration from .env file")
	}

	cfg := &Config{}

	// Parse environment variables into struct
	// This validates types and applies defaults
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks configuration for errors
func (c *Config) Validate() error {
	// Required fields (no sensible defaults)
	if c.UpstreamAPIKey == "" {
		return fmt.Errorf("UPSTREAM_API_KEY is required")
	}

	// Range checks
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("PORT must be 1-65535, got %d", c.Port)
	}
	if c.MaxConnections < 1 {
		return fmt.Errorf("MAX_CONNECTIONS must be > 0, got %d", c.MaxConnections)
	}
	if c.SendQueueSize < 1 {
		return fmt.Errorf("SEND_QUEUE_SIZE must be > 0, got %d", c.SendQueueSize)
	}
	if c.SendQueueBytes < 1024 {
		return fmt.Errorf("SEND_QUEUE_BYTES must be >= 1024, got %d", c.SendQueueBytes)
	}
	if c.RateLimitWindowMS < 1000 {
		return fmt.Errorf("RATE_LIMIT_WINDOW_MS must be >= 1000, got %d", c.RateLimitWindowMS)
	}
	if c.RateLimitMaxRequests < 1 {
		return fmt.Errorf("RATE_LIMIT_MAX_REQUESTS must be > 0, got %d", c.RateLimitMaxRequests)
	}
	if c.ThrottleMaxAttempts < 1 {
		return fmt.Errorf("THROTTLE_MAX_ATTEMPTS must be > 0, got %d", c.ThrottleMaxAttempts)
	}

	// The core enforces exactly one live socket per user. The legacy
	// multi-connection knob is still parsed so old deployments fail loudly
	// instead of silently changing behavior.
	if c.MaxConnectionsPerUser != 1 {
		return fmt.Errorf("MAX_CONNECTIONS_PER_USER must be 1, got %d", c.MaxConnectionsPerUser)
	}

	// Logical checks
	if (c.SSLCertPath == "") != (c.SSLKeyPath == "") {
		return fmt.Errorf("SSL_CERT_PATH and SSL_KEY_PATH must be set together")
	}
	if c.PingTimeout < c.PingInterval {
		return fmt.Errorf("WS_PING_TIMEOUT (%s) must be >= WS_PING_INTERVAL (%s)",
			c.PingTimeout, c.PingInterval)
	}
	if c.ThresholdConnectionsWarn >= c.ThresholdConnectionsCritical {
		return fmt.Errorf("THRESHOLD_CONNECTIONS_WARN (%d) must be < THRESHOLD_CONNECTIONS_CRITICAL (%d)",
			c.ThresholdConnectionsWarn, c.ThresholdConnectionsCritical)
	}
	if c.ThresholdResponseMSWarn >= c.ThresholdResponseMSCritical {
		return fmt.Errorf("THRESHOLD_RESPONSE_MS_WARN (%.0f) must be < THRESHOLD_RESPONSE_MS_CRITICAL (%.0f)",
			c.ThresholdResponseMSWarn, c.ThresholdResponseMSCritical)
	}
	if c.ThresholdErrorRateWarn >= c.ThresholdErrorRateCritical {
		return fmt.Errorf("THRESHOLD_ERROR_RATE_WARN (%.2f) must be < THRESHOLD_ERROR_RATE_CRITICAL (%.2f)",
			c.ThresholdErrorRateWarn, c.ThresholdErrorRateCritical)
	}
	if c.ThresholdMemoryWarn >= c.ThresholdMemoryCritical {
		return fmt.Errorf("THRESHOLD_MEMORY_WARN (%.2f) must be < THRESHOLD_MEMORY_CRITICAL (%.2f)",
			c.ThresholdMemoryWarn, c.ThresholdMemoryCritical)
	}

	// Enum checks
	validLogLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: trace, debug, info, warn, error (got: %s)", c.LogLevel)
	}

	validLogFormats := map[string]bool{"json": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, pretty (got: %s)", c.LogFormat)
	}

	return nil
}

// Addr returns the host:port bind address.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// TLSEnabled reports whether the server terminates TLS itself. When false
// the server expects a TLS-terminating proxy in front of it.
func (c *Config) TLSEnabled() bool {
	return c.SSLCertPath != "" && c.SSLKeyPath != ""
}

// AdminSecret returns the secret accepted on admin endpoints. Falls back to
// the upstream shared secret when no dedicated admin key is configured.
func (c *Config) AdminSecret() string {
	if c.AdminKey != "" {
		return c.AdminKey
	}
	return c.UpstreamAPIKey
}

// RateLimitWindow converts the millisecond window into a duration.
func (c *Config) RateLimitWindow() time.Duration {
	return time.Duration(c.RateLimitWindowMS) * time.Millisecond
}

// CORSOrigins splits the configured origin list.
func (c *Config) CORSOrigins() []string {
	parts := strings.Split(c.CORSOrigin, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// KafkaBrokerList splits the configured broker list.
func (c *Config) KafkaBrokerList() []string {
	return splitList(c.KafkaBrokers)
}

// KafkaTopicList splits the configured topic list.
func (c *Config) KafkaTopicList() []string {
	return splitList(c.KafkaTopics)
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// LogConfig logs configuration using structured logging (Loki-compatible)
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Str("addr", c.Addr()).
		Bool("tls", c.TLSEnabled()).
		Str("upstream_api_url", c.UpstreamAPIURL).
		Bool("jwt_enabled", c.JWTSecret != "").
		Str("cors_origin", c.CORSOrigin).
		Int("max_connections", c.MaxConnections).
		Int("send_queue_size", c.SendQueueSize).
		Int("send_queue_bytes", c.SendQueueBytes).
		Dur("ping_interval", c.PingInterval).
		Dur("ping_timeout", c.PingTimeout).
		Dur("handshake_timeout", c.HandshakeTimeout).
		Bool("allow_query_token", c.AllowQueryToken).
		Int("rate_limit_max_requests", c.RateLimitMaxRequests).
		Int("rate_limit_window_ms", c.RateLimitWindowMS).
		Dur("verify_timeout", c.VerifyTimeout).
		Dur("verify_cache_ttl", c.VerifyCacheTTL).
		Dur("shutdown_grace", c.ShutdownGrace).
		Bool("nats_ingest", c.NATSURL != "").
		Bool("kafka_ingest", c.KafkaBrokers != "").
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("Server configuration loaded")
}
