package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var configEnvVars = []string{
	"HOST", "PORT", "GO_ENV", "LOG_LEVEL", "ALLOWED_ORIGINS",
	"REDIS_ENABLED", "REDIS_ADDR", "REDIS_PASSWORD",
	"HEARTBEAT_INTERVAL", "HEARTBEAT_TIMEOUT", "OTEL_COLLECTOR_ADDR",
	"RATE_LIMIT_WS_IP", "RATE_LIMIT_WS_SESSION", "RATE_LIMIT_MESSAGES",
}

// clearEnv unsets every variable Load reads, restoring the originals at
// test cleanup so tests don't bleed into each other or the host shell.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range configEnvVars {
		if val, ok := os.LookupEnv(key); ok {
			t.Cleanup(func() { os.Setenv(key, val) })
		} else {
			t.Cleanup(func() { os.Unsetenv(key) })
		}
		os.Unsetenv(key)
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load("", 0)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Host)
	assert.Equal(t, 8765, cfg.Port)
	assert.Equal(t, "production", cfg.GoEnv)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, []string{"http://localhost:3000"}, cfg.AllowedOrigins)
	assert.False(t, cfg.RedisEnabled)
	assert.Equal(t, 30*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, 10*time.Second, cfg.HeartbeatTimeout)
	assert.Equal(t, "100-M", cfg.RateLimitWsIP)
	assert.Equal(t, "300-M", cfg.RateLimitMessages)
}

func TestLoadFlagsTakePrecedenceOverEnv(t *testing.T) {
	clearEnv(t)
	os.Setenv("HOST", "10.0.0.1")
	os.Setenv("PORT", "1234")

	cfg, err := Load("127.0.0.1", 9000)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", cfg.Host)
	assert.Equal(t, 9000, cfg.Port)
}

func TestLoadReadsEnv(t *testing.T) {
	clearEnv(t)
	os.Setenv("HOST", "192.168.1.5")
	os.Setenv("PORT", "9100")
	os.Setenv("GO_ENV", "development")
	os.Setenv("ALLOWED_ORIGINS", "http://a.example,http://b.example")
	os.Setenv("HEARTBEAT_INTERVAL", "45s")

	cfg, err := Load("", 0)
	require.NoError(t, err)
	assert.Equal(t, "192.168.1.5", cfg.Host)
	assert.Equal(t, 9100, cfg.Port)
	assert.Equal(t, "development", cfg.GoEnv)
	assert.Equal(t, []string{"http://a.example", "http://b.example"}, cfg.AllowedOrigins)
	assert.Equal(t, 45*time.Second, cfg.HeartbeatInterval)
}

func TestLoadRejectsInvalidPort(t *testing.T) {
	clearEnv(t)
	for _, bad := range []string{"notaport", "0", "70000", "-1"} {
		os.Setenv("PORT", bad)
		_, err := Load("", 0)
		require.Error(t, err, "PORT=%q should be rejected", bad)
		assert.Contains(t, err.Error(), "PORT")
	}
}

func TestLoadValidatesRedisAddrOnlyWhenEnabled(t *testing.T) {
	clearEnv(t)
	os.Setenv("REDIS_ADDR", "not-an-addr")

	// Disabled: the bad address is never consulted.
	_, err := Load("", 0)
	require.NoError(t, err)

	os.Setenv("REDIS_ENABLED", "true")
	_, err = Load("", 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "REDIS_ADDR")
}

func TestLoadRejectsInvalidHeartbeat(t *testing.T) {
	clearEnv(t)
	os.Setenv("HEARTBEAT_INTERVAL", "soon")
	_, err := Load("", 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HEARTBEAT_INTERVAL")
}

func TestLoadCollectsAllErrors(t *testing.T) {
	clearEnv(t)
	os.Setenv("PORT", "notaport")
	os.Setenv("HEARTBEAT_INTERVAL", "soon")
	os.Setenv("HEARTBEAT_TIMEOUT", "later")

	_, err := Load("", 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PORT")
	assert.Contains(t, err.Error(), "HEARTBEAT_INTERVAL")
	assert.Contains(t, err.Error(), "HEARTBEAT_TIMEOUT")
}
