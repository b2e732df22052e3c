// Package config provides environment-driven configuration for the gateway
// process (spec.md §6 "Process-wide configuration via environment
// variables").
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Environment names the deployment environment.
type Environment string

const (
	Development Environment = "development"
	Testing     Environment = "testing"
	Production  Environment = "production"
)

// Config holds all gateway process configuration.
type Config struct {
	Env Environment

	// Transport bind.
	BindHost string
	BindPort int
	BindPath string

	// Session Gateway.
	PingInterval          time.Duration
	PingTimeout           time.Duration
	MaxConcurrentSessions int

	// Security Guard.
	TokenSecret          string
	FailedLoginThreshold int
	BlacklistWindow      time.Duration
	BlacklistDuration    time.Duration
	ConnectionWindow     time.Duration
	EncryptionEnabled    bool
	EncryptionAlgorithm  string
	KeyGracePeriod       time.Duration

	// Device Registry persistence.
	StoragePrefix string

	// Logging.
	LogLevel  string
	LogFormat string

	// Observability.
	MetricsEnabled bool
	MetricsPort    int

	// Device-type configuration directory (spec.md §6, §9).
	DeviceTypeConfigDir string

	// Telemetry retention cadence, expressed as a standard cron schedule
	// (spec.md §4.8 retention sweep).
	RetentionCronSpec string

	// Protocol Adapters: batching wrapper (spec.md §4.4).
	AdapterBatchSize int
}

// Load reads configuration from the environment, optionally seeded from a
// `.env.<GATEWAY_ENV>` file the way the teacher's config loader seeds from
// `config/<env>.env` (missing files are not an error).
func Load() (*Config, error) {
	envStr := strings.TrimSpace(os.Getenv("GATEWAY_ENV"))
	if envStr == "" {
		envStr = string(Development)
	}
	env := Environment(envStr)
	switch env {
	case Development, Testing, Production:
	default:
		return nil, fmt.Errorf("invalid GATEWAY_ENV: %s (must be development, testing, or production)", envStr)
	}

	envFile := fmt.Sprintf(".env.%s", env)
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Printf("warning: could not load %s: %v\n", envFile, err)
	}

	cfg := &Config{Env: env}
	if err := cfg.loadFromEnv(); err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) loadFromEnv() error {
	c.BindHost = getEnv("GATEWAY_BIND_HOST", "0.0.0.0")
	c.BindPort = getIntEnv("GATEWAY_BIND_PORT", 8443)
	c.BindPath = getEnv("GATEWAY_BIND_PATH", "/ws")

	var err error
	c.PingInterval, err = getDurationEnv("GATEWAY_PING_INTERVAL", 15*time.Second)
	if err != nil {
		return err
	}
	c.PingTimeout, err = getDurationEnv("GATEWAY_PING_TIMEOUT", 5*time.Second)
	if err != nil {
		return err
	}
	c.MaxConcurrentSessions = getIntEnv("GATEWAY_MAX_CONCURRENT_SESSIONS", 10000)

	c.TokenSecret = getEnv("GATEWAY_TOKEN_SECRET", "")
	if c.TokenSecret == "" && c.Env == Production {
		return fmt.Errorf("GATEWAY_TOKEN_SECRET is required in production")
	}
	c.FailedLoginThreshold = getIntEnv("GATEWAY_FAILED_LOGIN_THRESHOLD", 5)
	c.BlacklistWindow, err = getDurationEnv("GATEWAY_BLACKLIST_WINDOW", 60*time.Second)
	if err != nil {
		return err
	}
	c.BlacklistDuration, err = getDurationEnv("GATEWAY_BLACKLIST_DURATION", time.Hour)
	if err != nil {
		return err
	}
	c.ConnectionWindow, err = getDurationEnv("GATEWAY_CONNECTION_WINDOW", 10*time.Second)
	if err != nil {
		return err
	}
	c.EncryptionEnabled = getBoolEnv("GATEWAY_ENCRYPTION_ENABLED", false)
	c.EncryptionAlgorithm = getEnv("GATEWAY_ENCRYPTION_ALGORITHM", "aes-256-gcm")
	c.KeyGracePeriod, err = getDurationEnv("GATEWAY_KEY_GRACE_PERIOD", 5*time.Minute)
	if err != nil {
		return err
	}

	c.StoragePrefix = getEnv("GATEWAY_STORAGE_PREFIX", "device")

	c.LogLevel = getEnv("LOG_LEVEL", "info")
	c.LogFormat = getEnv("LOG_FORMAT", "json")

	c.MetricsEnabled = getBoolEnv("METRICS_ENABLED", c.Env != Production)
	c.MetricsPort = getIntEnv("METRICS_PORT", 9090)

	c.DeviceTypeConfigDir = getEnv("GATEWAY_DEVICE_TYPE_DIR", "config/device-types")

	c.RetentionCronSpec = getEnv("GATEWAY_RETENTION_CRON", "@daily")

	c.AdapterBatchSize = getIntEnv("GATEWAY_ADAPTER_BATCH_SIZE", 5)

	return nil
}

// IsProduction reports whether the environment is production.
func (c *Config) IsProduction() bool { return c.Env == Production }

// Validate rejects unsafe production configuration (spec.md §7 "Configuration
// errors abort startup with a non-zero exit").
func (c *Config) Validate() error {
	if c.BindPort < 1 || c.BindPort > 65535 {
		return fmt.Errorf("invalid GATEWAY_BIND_PORT: %d", c.BindPort)
	}
	if c.IsProduction() {
		if c.TokenSecret == "" {
			return fmt.Errorf("GATEWAY_TOKEN_SECRET must be set in production")
		}
		if len(c.TokenSecret) < 32 {
			return fmt.Errorf("GATEWAY_TOKEN_SECRET must be at least 32 characters in production")
		}
	}
	if c.MaxConcurrentSessions <= 0 {
		return fmt.Errorf("GATEWAY_MAX_CONCURRENT_SESSIONS must be positive")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
