package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

type ObservabilityConfig struct {
	Metrics struct {
		Enabled  bool   `mapstructure:"enabled"`
		Provider string `mapstructure:"provider"`
		Port     int    `mapstructure:"port"`
	} `mapstructure:"metrics"`
	Logging struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"logging"`
}

// Features captures the tunables eventcore.yaml (or CONFIG_PATH) may override.
type Features struct {
	Observability ObservabilityConfig `mapstructure:"observability"`
	EventStore    EventStoreConfig    `mapstructure:"event_store"`
	Retry         RetryConfig         `mapstructure:"retry"`
	Gateway       GatewayConfig       `mapstructure:"gateway"`
}

// Load loads eventcore.yaml from CONFIG_PATH or /app/config/eventcore.yaml
func Load() (*Features, error) {
	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		if _, err := os.Stat("/app/config/eventcore.yaml"); err == nil {
			cfgPath = "/app/config/eventcore.yaml"
		} else {
			cfgPath = "config/eventcore.yaml"
		}
	}

	if info, err := os.Stat(cfgPath); err == nil && info.IsDir() {
		cfgPath = filepath.Join(cfgPath, "eventcore.yaml")
	}

	v := viper.New()
	v.SetConfigFile(cfgPath)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", cfgPath, err)
	}
	var f Features
	if err := v.Unmarshal(&f); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &f, nil
}

// MetricsPort returns port from config or an env override METRICS_PORT, falling back to defaultPort
func MetricsPort(defaultPort int) int {
	if p := os.Getenv("METRICS_PORT"); p != "" {
		var v int
		_, _ = fmt.Sscanf(p, "%d", &v)
		if v > 0 {
			return v
		}
	}
	if f, err := Load(); err == nil {
		if f.Observability.Metrics.Port > 0 {
			return f.Observability.Metrics.Port
		}
	}
	return defaultPort
}

// EventStoreConfig captures retention and trim knobs shared by both store backends.
type EventStoreConfig struct {
	NamespacePrefix            string `mapstructure:"namespace_prefix"`
	RetentionSeconds           int    `mapstructure:"retention_seconds"`
	InactivityThresholdSeconds int    `mapstructure:"inactivity_threshold_seconds"`
	TrimThrottleSeconds        int    `mapstructure:"trim_throttle_seconds"`
	EmbeddedPath               string `mapstructure:"embedded_path"`
}

// RetryConfig captures client retry-engine defaults.
type RetryConfig struct {
	MaxAttempts    int `mapstructure:"max_attempts"`
	RetryDelayMs   int `mapstructure:"retry_delay_ms"`
	RetryTimeoutMs int `mapstructure:"retry_timeout_ms"`
}

// GatewayConfig represents gateway-specific toggles
type GatewayConfig struct {
	SkipAuth *bool `mapstructure:"skip_auth"`
}

// EventStoreFromEnvOrDefaults returns merged event-store config using env overrides first, then
// config file, with sensible defaults.
func EventStoreFromEnvOrDefaults(f *Features) EventStoreConfig {
	ec := EventStoreConfig{
		NamespacePrefix:            "eventcore:",
		RetentionSeconds:           24 * 60 * 60,
		InactivityThresholdSeconds: 10 * 60,
		TrimThrottleSeconds:        60,
		EmbeddedPath:               "eventcore.db",
	}

	if f != nil {
		if f.EventStore.NamespacePrefix != "" {
			ec.NamespacePrefix = f.EventStore.NamespacePrefix
		}
		if f.EventStore.RetentionSeconds > 0 {
			ec.RetentionSeconds = f.EventStore.RetentionSeconds
		}
		if f.EventStore.InactivityThresholdSeconds > 0 {
			ec.InactivityThresholdSeconds = f.EventStore.InactivityThresholdSeconds
		}
		if f.EventStore.TrimThrottleSeconds > 0 {
			ec.TrimThrottleSeconds = f.EventStore.TrimThrottleSeconds
		}
		if f.EventStore.EmbeddedPath != "" {
			ec.EmbeddedPath = f.EventStore.EmbeddedPath
		}
	}

	if v := os.Getenv("EVENT_RETENTION_SECONDS"); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && n > 0 {
			ec.RetentionSeconds = n
		}
	}
	if v := os.Getenv("EVENT_INACTIVITY_THRESHOLD_SECONDS"); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && n > 0 {
			ec.InactivityThresholdSeconds = n
		}
	}
	if v := os.Getenv("EVENT_NAMESPACE_PREFIX"); v != "" {
		ec.NamespacePrefix = v
	}

	return ec
}

// RetryFromEnvOrDefaults returns merged retry config using env overrides first, then config file,
// with sensible defaults.
func RetryFromEnvOrDefaults(f *Features) RetryConfig {
	rc := RetryConfig{
		MaxAttempts:    3,
		RetryDelayMs:   1000,
		RetryTimeoutMs: 30000,
	}

	if f != nil {
		if f.Retry.MaxAttempts > 0 {
			rc.MaxAttempts = f.Retry.MaxAttempts
		}
		if f.Retry.RetryDelayMs > 0 {
			rc.RetryDelayMs = f.Retry.RetryDelayMs
		}
		if f.Retry.RetryTimeoutMs > 0 {
			rc.RetryTimeoutMs = f.Retry.RetryTimeoutMs
		}
	}

	if v := os.Getenv("RETRY_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && n >= 0 {
			rc.MaxAttempts = n
		}
	}
	if v := os.Getenv("RETRY_TIMEOUT_MS"); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && n > 0 {
			rc.RetryTimeoutMs = n
		}
	}

	return rc
}

// ParseBool converts common string representations to bool.
func ParseBool(val string) bool {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		if n, err := strconv.Atoi(strings.TrimSpace(val)); err == nil {
			return n != 0
		}
	}
	return false
}
