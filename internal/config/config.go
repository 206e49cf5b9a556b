// Package config provides configuration loading and validation for the feed
// service and its CLI. It uses koanf to merge environment variables with an
// optional YAML file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config holds all configuration values for feedd and feedctl.
type Config struct {
	// Ops server
	Port int    `koanf:"port"`
	Env  string `koanf:"env"`

	// Storage
	DatabaseURL string `koanf:"database_url"`
	RedisURL    string `koanf:"redis_url"` // empty selects the in-process LRU cache

	// Ranking
	RankingCalibrationPath string `koanf:"ranking_calibration_path"`

	// Fan-out
	FanoutThreshold   int `koanf:"fanout_threshold"`
	FanoutLimitedPush int `koanf:"fanout_limited_push"`
	BatchSize         int `koanf:"batch_size"`
	MaxAttempts       int `koanf:"max_attempts"`
	WorkerCount       int `koanf:"worker_count"`
	QueueSize         int `koanf:"queue_size"`

	// Reads and cache
	FeedWindowDays int           `koanf:"feed_window_days"`
	CacheTTL       time.Duration `koanf:"cache_ttl"`
	CacheSize      int           `koanf:"cache_size"` // projections kept per recipient

	// Maintenance
	// RebuildIncludePublic adds public items from unfollowed authors to rebuilt feeds.
	RebuildIncludePublic bool          `koanf:"rebuild_include_public"`
	RetentionDays        int           `koanf:"retention_days"`
	InactiveDays         int           `koanf:"inactive_days"`
	MaintenanceInterval  time.Duration `koanf:"maintenance_interval"`

	// Tracing
	TracingEnabled    bool    `koanf:"tracing_enabled"`
	OTLPEndpoint      string  `koanf:"otlp_endpoint"`
	OTLPExporter      string  `koanf:"otlp_exporter"`
	TracingSampleRate float64 `koanf:"tracing_sample_rate"`
}

// Configuration validation errors.
var (
	ErrMissingDatabaseURL = errors.New("DATABASE_URL is required")
	ErrInvalidPort        = errors.New("PORT must be a valid integer")
	ErrInvalidNumber      = errors.New("value must be a valid number")
	ErrInvalidDuration    = errors.New("value must be a valid duration")
	ErrNonPositive        = errors.New("value must be positive")
	ErrInvalidSampleRate  = errors.New("TRACING_SAMPLE_RATE must be between 0 and 1")
	ErrInvalidExporter    = errors.New("OTLP_EXPORTER must be otlp-http or otlp-grpc")
)

// Default values.
const (
	DefaultPort                = 8080
	DefaultEnv                 = "development"
	DefaultFanoutThreshold     = 1000
	DefaultFanoutLimitedPush   = 100
	DefaultBatchSize           = 500
	DefaultMaxAttempts         = 3
	DefaultWorkerCount         = 4
	DefaultQueueSize           = 1024
	DefaultFeedWindowDays      = 30
	DefaultCacheTTL            = 10 * time.Minute
	DefaultCacheSize           = 100
	DefaultRetentionDays       = 90
	DefaultInactiveDays        = 7
	DefaultMaintenanceInterval = time.Hour
	DefaultOTLPExporter        = "otlp-http"
	DefaultTracingSampleRate   = 0.1
)

// Load reads configuration from environment variables and an optional config file.
// Environment variables take precedence over file values.
// Returns the loaded config and a slice of validation errors (empty if valid).
// If a config file path is provided and the file cannot be loaded, an error is returned.
func Load(configFilePath string) (*Config, []error) {
	k := koanf.New(".")
	var loadErrs []error

	if configFilePath != "" {
		if err := k.Load(file.Provider(configFilePath), yaml.Parser()); err != nil {
			return nil, []error{fmt.Errorf("failed to load config file %s: %w", configFilePath, err)}
		}
	}

	intVal := func(envKey, koanfKey string, def int) int {
		v, err := getEnvIntOrDefault(envKey, k.Int(koanfKey), def)
		if err != nil {
			loadErrs = append(loadErrs, err)
		}
		return v
	}
	durationVal := func(envKey, koanfKey string, def time.Duration) time.Duration {
		v, err := getEnvDurationOrDefault(envKey, k.String(koanfKey), def)
		if err != nil {
			loadErrs = append(loadErrs, err)
		}
		return v
	}

	port, portErr := getEnvIntOrDefaultMulti([]string{"CAMPUSFEED_PORT", "PORT"}, k.Int("port"), DefaultPort)
	if portErr != nil {
		loadErrs = append(loadErrs, portErr)
	}

	sampleRate, rateErr := getEnvFloatOrDefault("TRACING_SAMPLE_RATE", k.Float64("tracing_sample_rate"), DefaultTracingSampleRate)
	if rateErr != nil {
		loadErrs = append(loadErrs, rateErr)
	}


	cfg := &Config{
		Port:                   port,
		Env:                    getEnvOrDefaultMulti([]string{"CAMPUSFEED_ENV", "ENV", "GO_ENV"}, k.String("env"), DefaultEnv),
		DatabaseURL:            getEnvOrKoanf("DATABASE_URL", k, "database_url"),
		RedisURL:               getEnvOrKoanf("REDIS_URL", k, "redis_url"),
		RankingCalibrationPath: getEnvOrKoanf("RANKING_CALIBRATION_PATH", k, "ranking_calibration_path"),
		FanoutThreshold:        intVal("FANOUT_THRESHOLD", "fanout_threshold", DefaultFanoutThreshold),
		FanoutLimitedPush:      intVal("FANOUT_LIMITED_PUSH", "fanout_limited_push", DefaultFanoutLimitedPush),
		BatchSize:              intVal("BATCH_SIZE", "batch_size", DefaultBatchSize),
		MaxAttempts:            intVal("MAX_ATTEMPTS", "max_attempts", DefaultMaxAttempts),
		WorkerCount:            intVal("WORKER_COUNT", "worker_count", DefaultWorkerCount),
		QueueSize:              intVal("QUEUE_SIZE", "queue_size", DefaultQueueSize),
		FeedWindowDays:         intVal("FEED_WINDOW_DAYS", "feed_window_days", DefaultFeedWindowDays),
		CacheTTL:               durationVal("CACHE_TTL", "cache_ttl", DefaultCacheTTL),
		CacheSize:              intVal("CACHE_SIZE", "cache_size", DefaultCacheSize),
		RetentionDays:          intVal("RETENTION_DAYS", "retention_days", DefaultRetentionDays),
		InactiveDays:           intVal("INACTIVE_DAYS", "inactive_days", DefaultInactiveDays),
		MaintenanceInterval:    durationVal("MAINTENANCE_INTERVAL", "maintenance_interval", DefaultMaintenanceInterval),
		RebuildIncludePublic:   getEnvBool("REBUILD_INCLUDE_PUBLIC", k.Bool("rebuild_include_public")),
		TracingEnabled:         getEnvBool("TRACING_ENABLED", k.Bool("tracing_enabled")),
		OTLPEndpoint:           getEnvOrKoanf("OTLP_ENDPOINT", k, "otlp_endpoint"),
		OTLPExporter:           getEnvOrDefault("OTLP_EXPORTER", k.String("otlp_exporter"), DefaultOTLPExporter),
		TracingSampleRate:      sampleRate,
	}

	errs := cfg.Validate()
	errs = append(loadErrs, errs...)

	return cfg, errs
}

// FeedWindow returns the read and rebuild window.
func (c *Config) FeedWindow() time.Duration {
	return time.Duration(c.FeedWindowDays) * 24 * time.Hour
}

// InactiveAfter returns the inactivity threshold for scheduled rebuilds.
func (c *Config) InactiveAfter() time.Duration {
	return time.Duration(c.InactiveDays) * 24 * time.Hour
}

// getEnvOrKoanf returns the environment variable value if set, otherwise the koanf value.
func getEnvOrKoanf(envKey string, k *koanf.Koanf, koanfKey string) string {
	if val := os.Getenv(envKey); val != "" {
		return val
	}
	return k.String(koanfKey)
}

// getEnvOrDefault returns the environment variable value if set, otherwise the koanf value, or default.
func getEnvOrDefault(envKey string, koanfVal string, defaultVal string) string {
	if val := os.Getenv(envKey); val != "" {
		return val
	}
	if koanfVal != "" {
		return koanfVal
	}
	return defaultVal
}

// getEnvOrDefaultMulti tries multiple environment variable keys in order.
func getEnvOrDefaultMulti(envKeys []string, koanfVal string, defaultVal string) string {
	for _, key := range envKeys {
		if val := os.Getenv(key); val != "" {
			return val
		}
	}
	if koanfVal != "" {
		return koanfVal
	}
	return defaultVal
}

// getEnvIntOrDefault returns the environment variable as int if set, otherwise the koanf value, or default.
// A zero value in the file falls back to the default.
func getEnvIntOrDefault(envKey string, koanfVal int, defaultVal int) (int, error) {
	if val := os.Getenv(envKey); val != "" {
		i, err := strconv.Atoi(val)
		if err != nil {
			return 0, fmt.Errorf("%s: %w", envKey, ErrInvalidNumber)
		}
		return i, nil
	}
	if koanfVal != 0 {
		return koanfVal, nil
	}
	return defaultVal, nil
}

// getEnvIntOrDefaultMulti tries multiple environment variable keys in order.
func getEnvIntOrDefaultMulti(envKeys []string, koanfVal int, defaultVal int) (int, error) {
	for _, key := range envKeys {
		if val := os.Getenv(key); val != "" {
			i, err := strconv.Atoi(val)
			if err != nil {
				return 0, fmt.Errorf("%s must be a valid integer: %w", key, ErrInvalidPort)
			}
			return i, nil
		}
	}
	if koanfVal != 0 {
		return koanfVal, nil
	}
	return defaultVal, nil
}

// getEnvFloatOrDefault returns the environment variable as float64 if set, otherwise the koanf value, or default.
func getEnvFloatOrDefault(envKey string, koanfVal float64, defaultVal float64) (float64, error) {
	if val := os.Getenv(envKey); val != "" {
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return 0, fmt.Errorf("%s: %w", envKey, ErrInvalidNumber)
		}
		return f, nil
	}
	if koanfVal != 0 {
		return koanfVal, nil
	}
	return defaultVal, nil
}

// getEnvBool reads a boolean flag from the environment, falling back to the
// file value when unset or unrecognised.
func getEnvBool(envKey string, koanfVal bool) bool {
	switch strings.ToLower(os.Getenv(envKey)) {
	case "true", "1", "yes", "on":
		return true
	case "false", "0", "no", "off":
		return false
	}
	return koanfVal
}

// getEnvDurationOrDefault parses a Go duration string ("10m", "1h30m") from
// the environment, then the file, then falls back to the default.
func getEnvDurationOrDefault(envKey string, koanfVal string, defaultVal time.Duration) (time.Duration, error) {
	raw := os.Getenv(envKey)
	if raw == "" {
		raw = koanfVal
	}
	if raw == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q: %w", envKey, raw, ErrInvalidDuration)
	}
	return d, nil
}

// Validate checks required values and ranges.
// Returns a slice of validation errors (empty if valid).
func (c *Config) Validate() []error {
	var errs []error

	if c.DatabaseURL == "" {
		errs = append(errs, ErrMissingDatabaseURL)
	}

	positive := []struct {
		name  string
		value int
	}{
		{"FANOUT_THRESHOLD", c.FanoutThreshold},
		{"FANOUT_LIMITED_PUSH", c.FanoutLimitedPush},
		{"BATCH_SIZE", c.BatchSize},
		{"MAX_ATTEMPTS", c.MaxAttempts},
		{"WORKER_COUNT", c.WorkerCount},
		{"QUEUE_SIZE", c.QueueSize},
		{"FEED_WINDOW_DAYS", c.FeedWindowDays},
		{"CACHE_SIZE", c.CacheSize},
		{"RETENTION_DAYS", c.RetentionDays},
		{"INACTIVE_DAYS", c.InactiveDays},
	}
	for _, p := range positive {
		if p.value <= 0 {
			errs = append(errs, fmt.Errorf("%s: %w", p.name, ErrNonPositive))
		}
	}
	if c.CacheTTL <= 0 {
		errs = append(errs, fmt.Errorf("CACHE_TTL: %w", ErrNonPositive))
	}
	if c.MaintenanceInterval <= 0 {
		errs = append(errs, fmt.Errorf("MAINTENANCE_INTERVAL: %w", ErrNonPositive))
	}

	if c.TracingSampleRate < 0 || c.TracingSampleRate > 1 {
		errs = append(errs, ErrInvalidSampleRate)
	}
	if c.OTLPExporter != "otlp-http" && c.OTLPExporter != "otlp-grpc" {
		errs = append(errs, ErrInvalidExporter)
	}

	return errs
}

// LogSummary returns a summary of the configuration suitable for logging.
// Credentials in connection URLs are masked.
func (c *Config) LogSummary() map[string]string {
	return map[string]string{
		"port":                     strconv.Itoa(c.Port),
		"env":                      c.Env,
		"database_url":             maskURL(c.DatabaseURL),
		"redis_url":                maskURL(c.RedisURL),
		"ranking_calibration_path": c.RankingCalibrationPath,
		"fanout_threshold":         strconv.Itoa(c.FanoutThreshold),
		"fanout_limited_push":      strconv.Itoa(c.FanoutLimitedPush),
		"batch_size":               strconv.Itoa(c.BatchSize),
		"max_attempts":             strconv.Itoa(c.MaxAttempts),
		"worker_count":             strconv.Itoa(c.WorkerCount),
		"queue_size":               strconv.Itoa(c.QueueSize),
		"feed_window_days":         strconv.Itoa(c.FeedWindowDays),
		"cache_ttl":                c.CacheTTL.String(),
		"cache_size":               strconv.Itoa(c.CacheSize),
		"retention_days":           strconv.Itoa(c.RetentionDays),
		"inactive_days":            strconv.Itoa(c.InactiveDays),
		"maintenance_interval":     c.MaintenanceInterval.String(),
		"rebuild_include_public":   strconv.FormatBool(c.RebuildIncludePublic),
		"tracing_enabled":          strconv.FormatBool(c.TracingEnabled),
		"otlp_endpoint":            c.OTLPEndpoint,
		"otlp_exporter":            c.OTLPExporter,
		"tracing_sample_rate":      strconv.FormatFloat(c.TracingSampleRate, 'f', -1, 64),
	}
}

// maskSecret masks a secret value, showing only the first 4 characters followed by ****
// If the secret is shorter than 8 characters, it's fully masked.
func maskSecret(s string) string {
	if s == "" {
		return "<not set>"
	}
	if len(s) < 8 {
		return "****"
	}
	return s[:4] + "****"
}

// maskURL masks the password in a postgres:// or redis:// URL.
func maskURL(s string) string {
	if s == "" {
		return "<not set>"
	}

	schemeEnd := strings.Index(s, "://")
	if schemeEnd == -1 {
		return maskSecret(s)
	}

	rest := s[schemeEnd+3:]
	atIndex := strings.Index(rest, "@")
	if atIndex == -1 {
		return s
	}

	colonIndex := strings.Index(rest[:atIndex], ":")
	if colonIndex == -1 {
		return s
	}

	return s[:schemeEnd+3] + rest[:colonIndex] + ":****" + rest[atIndex:]
}
