// Package config provides configuration loading and validation for the audit
// trail services. It uses koanf to merge environment variables with optional
// file overrides.
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

// Config holds all configuration values for the audit API and CLI.
type Config struct {
	// Server settings
	Port int    `koanf:"port"`
	Env  string `koanf:"env"`

	// Storage. An empty DatabaseURL selects the in-memory store.
	DatabaseURL string `koanf:"database_url"`
	RedisURL    string `koanf:"redis_url"`

	// JWT Authentication. JWTPreviousSecret is accepted during rotation.
	JWTSecret         string `koanf:"jwt_secret"`
	JWTPreviousSecret string `koanf:"jwt_previous_secret"`

	// Recording
	AsyncWorkers   int  `koanf:"async_workers"`
	AsyncQueueSize int  `koanf:"async_queue_size"`
	AnonymizeIPs   bool `koanf:"anonymize_ips"`

	// Retention
	RetentionDays          int  `koanf:"retention_days"`
	RetentionIntervalHours int  `koanf:"retention_interval_hours"`
	RetentionDryRun        bool `koanf:"retention_dry_run"`

	// Queries
	MaxPageSize               int `koanf:"max_page_size"`
	NotificationWindowSeconds int `koanf:"notification_window_seconds"`
	DashboardCacheTTLSeconds  int `koanf:"dashboard_cache_ttl_seconds"`

	// Archive (S3 compatible object storage). All or nothing.
	ArchiveBucket          string `koanf:"archive_bucket"`
	ArchiveAccessKeyID     string `koanf:"archive_access_key_id"`
	ArchiveSecretAccessKey string `koanf:"archive_secret_access_key"`
	ArchiveEndpoint        string `koanf:"archive_endpoint"`
	ArchiveRegion          string `koanf:"archive_region"`

	// Tracing
	TracingEnabled    bool    `koanf:"tracing_enabled"`
	TracingExporter   string  `koanf:"tracing_exporter"`
	TracingEndpoint   string  `koanf:"tracing_endpoint"`
	TracingSampleRate float64 `koanf:"tracing_sample_rate"`
	TracingInsecure   bool    `koanf:"tracing_insecure"`

	// CORS origins allowed to call the API from a browser.
	CORSAllowedOrigins []string `koanf:"cors_allowed_origins"`
}

// Configuration validation errors.
var (
	ErrMissingJWTSecret              = errors.New("JWT_SECRET is required")
	ErrMissingDatabaseURL            = errors.New("DATABASE_URL is required in production")
	ErrInvalidPort                   = errors.New("PORT must be a valid integer")
	ErrInvalidNumber                 = errors.New("must be a valid number")
	ErrInvalidBool                   = errors.New("must be a boolean")
	ErrPortOutOfRange                = errors.New("PORT must be between 1 and 65535")
	ErrInvalidAsyncWorkers           = errors.New("ASYNC_WORKERS must be > 0")
	ErrInvalidAsyncQueueSize         = errors.New("ASYNC_QUEUE_SIZE must be > 0")
	ErrInvalidRetentionDays          = errors.New("RETENTION_DAYS must be > 0")
	ErrInvalidRetentionInterval      = errors.New("RETENTION_INTERVAL_HOURS must be > 0")
	ErrInvalidMaxPageSize            = errors.New("MAX_PAGE_SIZE must be > 0")
	ErrInvalidNotificationWindow     = errors.New("NOTIFICATION_WINDOW_SECONDS must be > 0")
	ErrInvalidDashboardCacheTTL      = errors.New("DASHBOARD_CACHE_TTL_SECONDS must be >= 0")
	ErrMissingArchiveBucket          = errors.New("ARCHIVE_BUCKET is required")
	ErrMissingArchiveAccessKeyID     = errors.New("ARCHIVE_ACCESS_KEY_ID is required")
	ErrMissingArchiveSecretAccessKey = errors.New("ARCHIVE_SECRET_ACCESS_KEY is required")
	ErrMissingArchiveEndpoint        = errors.New("ARCHIVE_ENDPOINT is required")
	ErrInvalidTracingExporter        = errors.New("TRACING_EXPORTER must be otlp-grpc or otlp-http")
	ErrInvalidTracingSampleRate      = errors.New("TRACING_SAMPLE_RATE must be between 0 and 1")
)

// Default values for non-secret configuration.
const (
	DefaultPort                      = 8080
	DefaultEnv                       = "development"
	DefaultAsyncWorkers              = 4
	DefaultAsyncQueueSize            = 1024
	DefaultRetentionDays             = 90
	DefaultRetentionIntervalHours    = 24
	DefaultMaxPageSize               = 1000
	DefaultNotificationWindowSeconds = 300
	DefaultDashboardCacheTTLSeconds  = 30
	DefaultArchiveRegion             = "auto"
	DefaultTracingExporter           = "otlp-http"
	DefaultTracingSampleRate         = 0.1
)

// Load reads configuration from environment variables and an optional config file.
// Environment variables take precedence over file values.
// Returns the loaded config and a slice of validation errors (empty if valid).
// If a config file path is provided and the file cannot be loaded, an error is returned.
func Load(configFilePath string) (*Config, []error) {
	k := koanf.New(".")

	if configFilePath != "" {
		if err := k.Load(file.Provider(configFilePath), yaml.Parser()); err != nil {
			return nil, []error{fmt.Errorf("failed to load config file %s: %w", configFilePath, err)}
		}
	}

	var loadErrs []error
	intVal := func(envKey, koanfKey string, def int) int {
		v, err := getEnvIntOrDefault(envKey, k.Int(koanfKey), def)
		if err != nil {
			loadErrs = append(loadErrs, err)
		}
		return v
	}
	boolVal := func(envKey, koanfKey string) bool {
		v, err := getEnvBoolOrKoanf(envKey, k, koanfKey)
		if err != nil {
			loadErrs = append(loadErrs, err)
		}
		return v
	}

	// AUDIT_PORT first, then PORT
	port, portErr := getEnvIntOrDefaultMulti([]string{"AUDIT_PORT", "PORT"}, k.Int("port"), DefaultPort)
	if portErr != nil {
		loadErrs = append(loadErrs, portErr)
	}

	sampleRate, rateErr := getEnvFloatOrDefault("TRACING_SAMPLE_RATE", k, "tracing_sample_rate", DefaultTracingSampleRate)
	if rateErr != nil {
		loadErrs = append(loadErrs, rateErr)
	}

	cfg := &Config{
		Port:                      port,
		Env:                       getEnvOrDefaultMulti([]string{"AUDIT_ENV", "ENV", "GO_ENV"}, k.String("env"), DefaultEnv),
		DatabaseURL:               getEnvOrKoanf("DATABASE_URL", k, "database_url"),
		RedisURL:                  getEnvOrKoanf("REDIS_URL", k, "redis_url"),
		JWTSecret:                 getEnvOrKoanf("JWT_SECRET", k, "jwt_secret"),
		JWTPreviousSecret:         getEnvOrKoanf("JWT_PREVIOUS_SECRET", k, "jwt_previous_secret"),
		AsyncWorkers:              intVal("ASYNC_WORKERS", "async_workers", DefaultAsyncWorkers),
		AsyncQueueSize:            intVal("ASYNC_QUEUE_SIZE", "async_queue_size", DefaultAsyncQueueSize),
		AnonymizeIPs:              boolVal("ANONYMIZE_IPS", "anonymize_ips"),
		RetentionDays:             intVal("RETENTION_DAYS", "retention_days", DefaultRetentionDays),
		RetentionIntervalHours:    intVal("RETENTION_INTERVAL_HOURS", "retention_interval_hours", DefaultRetentionIntervalHours),
		RetentionDryRun:           boolVal("RETENTION_DRY_RUN", "retention_dry_run"),
		MaxPageSize:               intVal("MAX_PAGE_SIZE", "max_page_size", DefaultMaxPageSize),
		NotificationWindowSeconds: intVal("NOTIFICATION_WINDOW_SECONDS", "notification_window_seconds", DefaultNotificationWindowSeconds),
		DashboardCacheTTLSeconds:  intVal("DASHBOARD_CACHE_TTL_SECONDS", "dashboard_cache_ttl_seconds", DefaultDashboardCacheTTLSeconds),
		ArchiveBucket:             getEnvOrKoanf("ARCHIVE_BUCKET", k, "archive_bucket"),
		ArchiveAccessKeyID:        getEnvOrKoanf("ARCHIVE_ACCESS_KEY_ID", k, "archive_access_key_id"),
		ArchiveSecretAccessKey:    getEnvOrKoanf("ARCHIVE_SECRET_ACCESS_KEY", k, "archive_secret_access_key"),
		ArchiveEndpoint:           getEnvOrKoanf("ARCHIVE_ENDPOINT", k, "archive_endpoint"),
		ArchiveRegion:             getEnvOrDefault("ARCHIVE_REGION", k.String("archive_region"), DefaultArchiveRegion),
		TracingEnabled:            boolVal("TRACING_ENABLED", "tracing_enabled"),
		TracingExporter:           getEnvOrDefault("TRACING_EXPORTER", k.String("tracing_exporter"), DefaultTracingExporter),
		TracingEndpoint:           getEnvOrKoanf("TRACING_ENDPOINT", k, "tracing_endpoint"),
		TracingSampleRate:         sampleRate,
		TracingInsecure:           boolVal("TRACING_INSECURE", "tracing_insecure"),
		CORSAllowedOrigins:        getEnvListOrKoanf("CORS_ALLOWED_ORIGINS", k, "cors_allowed_origins"),
	}

	errs := cfg.Validate()
	errs = append(loadErrs, errs...)

	return cfg, errs
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
// Returns the first non-empty value found, otherwise the koanf value, or default.
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
// A zero value from a YAML file falls back to the default.
func getEnvIntOrDefault(envKey string, koanfVal int, defaultVal int) (int, error) {
	return getEnvIntOrDefaultMulti([]string{envKey}, koanfVal, defaultVal)
}

// getEnvIntOrDefaultMulti tries multiple environment variable keys in order.
// Returns an error if a set variable cannot be parsed as an integer.
func getEnvIntOrDefaultMulti(envKeys []string, koanfVal int, defaultVal int) (int, error) {
	for _, key := range envKeys {
		if val := os.Getenv(key); val != "" {
			i, err := strconv.Atoi(val)
			if err != nil {
				if strings.HasSuffix(key, "PORT") {
					return 0, fmt.Errorf("%s must be a valid integer: %w", key, ErrInvalidPort)
				}
				return 0, fmt.Errorf("%s %w", key, ErrInvalidNumber)
			}
			return i, nil
		}
	}
	if koanfVal != 0 {
		return koanfVal, nil
	}
	return defaultVal, nil
}

// getEnvFloatOrDefault returns the environment variable as float64 if set,
// otherwise the koanf value when present, or default.
func getEnvFloatOrDefault(envKey string, k *koanf.Koanf, koanfKey string, defaultVal float64) (float64, error) {
	if val := os.Getenv(envKey); val != "" {
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return 0, fmt.Errorf("%s %w", envKey, ErrInvalidNumber)
		}
		return f, nil
	}
	if k.Exists(koanfKey) {
		return k.Float64(koanfKey), nil
	}
	return defaultVal, nil
}

// getEnvBoolOrKoanf accepts true/false, 1/0, yes/no and on/off in the
// environment. The env var takes precedence over the file.
func getEnvBoolOrKoanf(envKey string, k *koanf.Koanf, koanfKey string) (bool, error) {
	val := os.Getenv(envKey)
	if val == "" {
		return k.Bool(koanfKey), nil
	}
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "true", "1", "yes", "on":
		return true, nil
	case "false", "0", "no", "off":
		return false, nil
	}
	return false, fmt.Errorf("%s %w", envKey, ErrInvalidBool)
}

// getEnvListOrKoanf reads a comma separated env var or a YAML list.
func getEnvListOrKoanf(envKey string, k *koanf.Koanf, koanfKey string) []string {
	var raw []string
	if val := os.Getenv(envKey); val != "" {
		raw = strings.Split(val, ",")
	} else {
		raw = k.Strings(koanfKey)
	}
	var out []string
	for _, s := range raw {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// IsProduction reports whether Env is "production".
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// ArchiveEnabled reports whether S3 archiving is configured.
func (c *Config) ArchiveEnabled() bool {
	return c.ArchiveBucket != ""
}

// RetentionPeriod returns RetentionDays as a duration.
func (c *Config) RetentionPeriod() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

// RetentionInterval returns RetentionIntervalHours as a duration.
func (c *Config) RetentionInterval() time.Duration {
	return time.Duration(c.RetentionIntervalHours) * time.Hour
}

// NotificationWindow returns NotificationWindowSeconds as a duration.
func (c *Config) NotificationWindow() time.Duration {
	return time.Duration(c.NotificationWindowSeconds) * time.Second
}

// DashboardCacheTTL returns DashboardCacheTTLSeconds as a duration.
func (c *Config) DashboardCacheTTL() time.Duration {
	return time.Duration(c.DashboardCacheTTLSeconds) * time.Second
}

// Validate checks that required values are present and numeric values are in
// range. Returns a slice of validation errors (empty if valid).
func (c *Config) Validate() []error {
	var errs []error

	if c.JWTSecret == "" {
		errs = append(errs, ErrMissingJWTSecret)
	}
	if c.DatabaseURL == "" && c.IsProduction() {
		errs = append(errs, ErrMissingDatabaseURL)
	}
	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, ErrPortOutOfRange)
	}

	positive := []struct {
		v   int
		err error
	}{
		{c.AsyncWorkers, ErrInvalidAsyncWorkers},
		{c.AsyncQueueSize, ErrInvalidAsyncQueueSize},
		{c.RetentionDays, ErrInvalidRetentionDays},
		{c.RetentionIntervalHours, ErrInvalidRetentionInterval},
		{c.MaxPageSize, ErrInvalidMaxPageSize},
		{c.NotificationWindowSeconds, ErrInvalidNotificationWindow},
	}
	for _, p := range positive {
		if p.v <= 0 {
			errs = append(errs, p.err)
		}
	}
	if c.DashboardCacheTTLSeconds < 0 {
		errs = append(errs, ErrInvalidDashboardCacheTTL)
	}

	// Archive configuration is optional. Only validate fields if any archive value is set.
	if c.ArchiveBucket != "" || c.ArchiveAccessKeyID != "" || c.ArchiveSecretAccessKey != "" || c.ArchiveEndpoint != "" {
		if c.ArchiveBucket == "" {
			errs = append(errs, ErrMissingArchiveBucket)
		}
		if c.ArchiveAccessKeyID == "" {
			errs = append(errs, ErrMissingArchiveAccessKeyID)
		}
		if c.ArchiveSecretAccessKey == "" {
			errs = append(errs, ErrMissingArchiveSecretAccessKey)
		}
		if c.ArchiveEndpoint == "" {
			errs = append(errs, ErrMissingArchiveEndpoint)
		}
	}

	if c.TracingEnabled {
		if c.TracingExporter != "otlp-grpc" && c.TracingExporter != "otlp-http" {
			errs = append(errs, ErrInvalidTracingExporter)
		}
	}
	if c.TracingSampleRate < 0 || c.TracingSampleRate > 1 {
		errs = append(errs, ErrInvalidTracingSampleRate)
	}

	return errs
}

// LogSummary returns a summary of the configuration suitable for logging.
// All secrets are masked.
func (c *Config) LogSummary() map[string]string {
	store := "memory"
	if c.DatabaseURL != "" {
		store = "postgres"
	}
	return map[string]string{
		"port":                        strconv.Itoa(c.Port),
		"env":                         c.Env,
		"store":                       store,
		"database_url":                maskDatabaseURL(c.DatabaseURL),
		"redis_url":                   maskDatabaseURL(c.RedisURL),
		"jwt_secret":                  maskSecret(c.JWTSecret),
		"jwt_previous_secret":         maskSecret(c.JWTPreviousSecret),
		"async_workers":               strconv.Itoa(c.AsyncWorkers),
		"async_queue_size":            strconv.Itoa(c.AsyncQueueSize),
		"anonymize_ips":               strconv.FormatBool(c.AnonymizeIPs),
		"retention_days":              strconv.Itoa(c.RetentionDays),
		"retention_interval_hours":    strconv.Itoa(c.RetentionIntervalHours),
		"retention_dry_run":           strconv.FormatBool(c.RetentionDryRun),
		"max_page_size":               strconv.Itoa(c.MaxPageSize),
		"notification_window_seconds": strconv.Itoa(c.NotificationWindowSeconds),
		"dashboard_cache_ttl_seconds": strconv.Itoa(c.DashboardCacheTTLSeconds),
		"archive_bucket":              c.ArchiveBucket,
		"archive_access_key_id":       maskSecret(c.ArchiveAccessKeyID),
		"archive_secret_access_key":   maskSecret(c.ArchiveSecretAccessKey),
		"archive_endpoint":            c.ArchiveEndpoint,
		"tracing_enabled":             strconv.FormatBool(c.TracingEnabled),
		"tracing_exporter":            c.TracingExporter,
		"tracing_endpoint":            c.TracingEndpoint,
		"tracing_sample_rate":         strconv.FormatFloat(c.TracingSampleRate, 'f', -1, 64),
		"cors_allowed_origins":        strings.Join(c.CORSAllowedOrigins, ","),
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

// maskDatabaseURL masks the password in a connection URL
// (postgres://, postgresql://, redis://, rediss://).
func maskDatabaseURL(s string) string {
	if s == "" {
		return "<not set>"
	}

	schemeEnd := strings.Index(s, "://")
	if schemeEnd == -1 {
		return maskSecret(s)
	}

	rest := s[schemeEnd+3:]
	atIndex := strings.LastIndex(rest, "@")
	if atIndex == -1 {
		return s // No credentials in URL
	}

	colonIndex := strings.Index(rest[:atIndex], ":")
	if colonIndex == -1 {
		return s // No password (only username)
	}

	return s[:schemeEnd+3] + rest[:colonIndex] + ":****" + rest[atIndex:]
}
