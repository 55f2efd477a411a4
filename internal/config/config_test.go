package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("UPSTREAM_API_KEY", "secret")
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load(nil)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Host)
	assert.Equal(t, 3001, cfg.Port)
	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, 15*time.Second, cfg.PingInterval)
	assert.Equal(t, 30*time.Second, cfg.PingTimeout)
	assert.Equal(t, 10000, cfg.MaxConnections)
	assert.Equal(t, 1, cfg.MaxConnectionsPerUser)
	assert.Equal(t, 1000, cfg.SendQueueSize)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.False(t, cfg.AllowQueryToken)
	assert.False(t, cfg.TLSEnabled())
}

func TestLoadOverrides(t *testing.T) {
	setRequired(t)
	t.Setenv("PORT", "8080")
	t.Setenv("WS_PING_INTERVAL", "5s")
	t.Setenv("WS_PING_TIMEOUT", "10s")
	t.Setenv("MAX_CONNECTIONS", "500")
	t.Setenv("LOG_FORMAT", "pretty")

	cfg, err := Load(nil)
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 5*time.Second, cfg.PingInterval)
	assert.Equal(t, 500, cfg.MaxConnections)
	assert.Equal(t, "pretty", cfg.LogFormat)
}

func TestMissingUpstreamKeyFails(t *testing.T) {
	t.Setenv("UPSTREAM_API_KEY", "")

	_, err := Load(nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "UPSTREAM_API_KEY")
}

func TestValidationRules(t *testing.T) {
	cases := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"bad port", map[string]string{"PORT": "70000"}, "PORT"},
		{"ping timeout below interval", map[string]string{"WS_PING_INTERVAL": "30s", "WS_PING_TIMEOUT": "10s"}, "WS_PING_TIMEOUT"},
		{"ssl cert without key", map[string]string{"SSL_CERT_PATH": "/tmp/cert.pem"}, "SSL_CERT_PATH"},
		{"multi-connection mode", map[string]string{"MAX_CONNECTIONS_PER_USER": "2"}, "MAX_CONNECTIONS_PER_USER"},
		{"warn above critical", map[string]string{"THRESHOLD_CONNECTIONS_WARN": "6000"}, "THRESHOLD_CONNECTIONS_WARN"},
		{"bad log level", map[string]string{"LOG_LEVEL": "verbose"}, "LOG_LEVEL"},
		{"tiny rate window", map[string]string{"RATE_LIMIT_WINDOW_MS": "10"}, "RATE_LIMIT_WINDOW_MS"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			setRequired(t)
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			_, err := Load(nil)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestHelpers(t *testing.T) {
	setRequired(t)
	t.Setenv("HOST", "127.0.0.1")
	t.Setenv("PORT", "9100")
	t.Setenv("CORS_ORIGIN", "https://app.example.com, https://admin.example.com")
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("RATE_LIMIT_WINDOW_MS", "30000")

	cfg, err := Load(nil)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9100", cfg.Addr())
	assert.Equal(t, []string{"https://app.example.com", "https://admin.example.com"}, cfg.CORSOrigins())
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokerList())
	assert.Equal(t, 30*time.Second, cfg.RateLimitWindow())

	// admin secret falls back to the upstream key
	assert.Equal(t, "secret", cfg.AdminSecret())
	t.Setenv("ADMIN_KEY", "other")
	cfg, err = Load(nil)
	require.NoError(t, err)
	assert.Equal(t, "other", cfg.AdminSecret())
}
