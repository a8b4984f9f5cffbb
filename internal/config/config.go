// Package config loads and validates application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// Server settings.
	Host        string
	Port        int
	ReadTimeout time.Duration // header read deadline; live channel connections are exempt

	// API keys accepted on the X-API-Key header and the live channel's auth
	// frame. At least one is required; keys must be unique.
	APIKeys []string

	// Database settings.
	DatabasePath string

	// Retention settings.
	RetentionDays      int
	CleanupTime        string // daily cleanup time, "HH:MM" 24-hour
	VacuumAfterCleanup bool

	// Correlation settings.
	SessionIdleThreshold time.Duration

	// OTEL settings.
	OTELEndpoint string
	OTELInsecure bool
	ServiceName  string

	// Operational settings.
	LogLevel            string
	MaxRequestBodyBytes int64
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (Config, error) {
	cfg := Config{
		Host:                 envStr("ARGUS_HOST", "127.0.0.1"),
		Port:                 envInt("ARGUS_PORT", 8765),
		ReadTimeout:          envDuration("ARGUS_READ_TIMEOUT", 30*time.Second),
		APIKeys:              envList("ARGUS_API_KEYS"),
		DatabasePath:         envStr("ARGUS_DB_PATH", defaultDBPath()),
		RetentionDays:        envInt("ARGUS_RETENTION_DAYS", 30),
		CleanupTime:          envStr("ARGUS_CLEANUP_TIME", "03:00"),
		VacuumAfterCleanup:   envBool("ARGUS_VACUUM_AFTER_CLEANUP", true),
		SessionIdleThreshold: envDuration("ARGUS_SESSION_IDLE_THRESHOLD", 10*time.Minute),
		OTELEndpoint:         envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTELInsecure:         envBool("OTEL_EXPORTER_OTLP_INSECURE", false),
		ServiceName:          envStr("OTEL_SERVICE_NAME", "argus"),
		LogLevel:             envStr("ARGUS_LOG_LEVEL", "info"),
		MaxRequestBodyBytes:  int64(envInt("ARGUS_MAX_REQUEST_BODY_BYTES", 512*1024)),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that required configuration is present and well-formed.
func (c Config) Validate() error {
	if len(c.APIKeys) == 0 {
		return fmt.Errorf("config: ARGUS_API_KEYS is required (comma-separated list)")
	}
	seen := make(map[string]bool, len(c.APIKeys))
	for _, k := range c.APIKeys {
		if seen[k] {
			return fmt.Errorf("config: ARGUS_API_KEYS contains duplicate keys")
		}
		seen[k] = true
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("config: ARGUS_PORT must be in [1, 65535]")
	}
	if c.RetentionDays < 0 {
		return fmt.Errorf("config: ARGUS_RETENTION_DAYS must not be negative")
	}
	if _, _, err := ParseClockTime(c.CleanupTime); err != nil {
		return fmt.Errorf("config: ARGUS_CLEANUP_TIME: %w", err)
	}
	if c.MaxRequestBodyBytes <= 0 {
		return fmt.Errorf("config: ARGUS_MAX_REQUEST_BODY_BYTES must be positive")
	}
	return nil
}

// ParseClockTime parses a 24-hour "HH:MM" time of day.
func ParseClockTime(s string) (hour, minute int, err error) {
	parts := strings.SplitN(s, ":", 3)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("%q is not in HH:MM format", s)
	}
	hour, err = strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("%q has an invalid hour", s)
	}
	minute, err = strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("%q has an invalid minute", s)
	}
	return hour, minute, nil
}

func defaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "argus.db"
	}
	return filepath.Join(home, ".local", "share", "argus", "events.db")
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func envBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}

func envList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
