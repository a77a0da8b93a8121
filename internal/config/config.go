// Package config validates the environment chatsignal runs in, collecting
// every validation error up front and returning them together rather than
// failing on the first one.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds validated process configuration.
type Config struct {
	Host string
	Port int

	GoEnv    string
	LogLevel string

	AllowedOrigins []string

	RedisEnabled  bool
	RedisAddr     string
	RedisPassword string

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	OtelCollectorAddr string

	RateLimitWsIP      string
	RateLimitWsSession string
	RateLimitMessages  string
}

// Load reads and validates configuration from the environment. host and
// port come from parsed CLI flags and take precedence over the HOST/PORT
// env vars; pass ""/0 to fall back to the environment.
func Load(host string, port int) (*Config, error) {
	cfg := &Config{Host: host, Port: port}
	var errs []string

	if cfg.Host == "" {
		cfg.Host = getEnvOrDefault("HOST", "0.0.0.0")
	}
	if cfg.Port == 0 {
		portStr := getEnvOrDefault("PORT", "8765")
		p, err := strconv.Atoi(portStr)
		if err != nil || p < 1 || p > 65535 {
			errs = append(errs, fmt.Sprintf("PORT must be a valid port number between 1 and 65535 (got %q)", portStr))
		} else {
			cfg.Port = p
		}
	}

	cfg.GoEnv = getEnvOrDefault("GO_ENV", "production")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")

	originsStr := os.Getenv("ALLOWED_ORIGINS")
	if originsStr == "" {
		cfg.AllowedOrigins = []string{"http://localhost:3000"}
	} else {
		cfg.AllowedOrigins = strings.Split(originsStr, ",")
	}

	cfg.RedisEnabled = os.Getenv("REDIS_ENABLED") == "true"
	if cfg.RedisEnabled {
		cfg.RedisAddr = getEnvOrDefault("REDIS_ADDR", "localhost:6379")
		if !isValidHostPort(cfg.RedisAddr) {
			errs = append(errs, fmt.Sprintf("REDIS_ADDR must be in format 'host:port' (got %q)", cfg.RedisAddr))
		}
		cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	}

	heartbeatInterval, err := parseDurationOrDefault("HEARTBEAT_INTERVAL", 30*time.Second)
	if err != nil {
		errs = append(errs, err.Error())
	}
	cfg.HeartbeatInterval = heartbeatInterval

	heartbeatTimeout, err := parseDurationOrDefault("HEARTBEAT_TIMEOUT", 10*time.Second)
	if err != nil {
		errs = append(errs, err.Error())
	}
	cfg.HeartbeatTimeout = heartbeatTimeout

	cfg.OtelCollectorAddr = os.Getenv("OTEL_COLLECTOR_ADDR")

	cfg.RateLimitWsIP = getEnvOrDefault("RATE_LIMIT_WS_IP", "100-M")
	cfg.RateLimitWsSession = getEnvOrDefault("RATE_LIMIT_WS_SESSION", "10-M")
	cfg.RateLimitMessages = getEnvOrDefault("RATE_LIMIT_MESSAGES", "300-M")

	if len(errs) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	logValidated(cfg)
	return cfg, nil
}

func parseDurationOrDefault(envVar string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(envVar)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def, fmt.Errorf("%s must be a valid duration (got %q)", envVar, v)
	}
	return d, nil
}

func isValidHostPort(addr string) bool {
	parts := strings.Split(addr, ":")
	if len(parts) != 2 || parts[0] == "" {
		return false
	}
	port, err := strconv.Atoi(parts[1])
	return err == nil && port >= 1 && port <= 65535
}

func getEnvOrDefault(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func logValidated(cfg *Config) {
	slog.Info("✅ Environment configuration validated",
		"host", cfg.Host,
		"port", cfg.Port,
		"go_env", cfg.GoEnv,
		"log_level", cfg.LogLevel,
		"redis_enabled", cfg.RedisEnabled,
		"heartbeat_interval", cfg.HeartbeatInterval,
		"heartbeat_timeout", cfg.HeartbeatTimeout,
	)
}
