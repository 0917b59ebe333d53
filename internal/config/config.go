// Package config loads the YAML configuration for the carecore service.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// StorageConfig selects the durable backend.
type StorageConfig struct {
	Driver string `yaml:"driver"` // "sqlite", "postgres", or "memory"
	Path   string `yaml:"path"`   // sqlite database file
	DSN    string `yaml:"dsn"`    // postgres connection string
}

// RetentionConfig bounds the durable mutation log.
type RetentionConfig struct {
	MaxAge     string `yaml:"max_age"`
	MaxEntries int    `yaml:"max_entries"`
	Interval   string `yaml:"interval"`
}

// SyncConfig drives the background reconciler.
type SyncConfig struct {
	Interval       string `yaml:"interval"`
	BackoffInitial string `yaml:"backoff_initial"`
	BackoffMax     string `yaml:"backoff_max"`
	RemoteEndpoint string `yaml:"remote_endpoint"`
}

// ArchiveS3Config holds the S3 archive driver parameters.
type ArchiveS3Config struct {
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"`
	PathStyle bool   `yaml:"path_style"`
}

// ArchiveConfig selects the export blob backend.
type ArchiveConfig struct {
	Driver string          `yaml:"driver"` // "fs", "s3", or "memory"
	Root   string          `yaml:"root"`   // fs driver directory
	S3     ArchiveS3Config `yaml:"s3"`
}

// MetricsConfig selects the metrics exporter.
type MetricsConfig struct {
	Exporter string `yaml:"exporter"` // "expvar", "prometheus", or "none"
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // "debug", "info", "warn", "error"
	Output string `yaml:"output"` // "stdout", "stderr", "none"
}

// Config is the top-level configuration struct.
type Config struct {
	Storage     StorageConfig   `yaml:"storage"`
	Collections []string        `yaml:"collections"`
	Retention   RetentionConfig `yaml:"retention"`
	Sync        SyncConfig      `yaml:"sync"`
	Archive     ArchiveConfig   `yaml:"archive"`
	Metrics     MetricsConfig   `yaml:"metrics"`
	Logging     LoggingConfig   `yaml:"logging"`
}

// Default returns the configuration used when no file is supplied.
func Default() *Config {
	return &Config{
		Storage: StorageConfig{
			Driver: "sqlite",
			Path:   "carecore.db",
		},
		Collections: []string{"patients", "tasks", "units"},
		Retention: RetentionConfig{
			MaxAge:     "168h",
			MaxEntries: 10000,
			Interval:   "1h",
		},
		Sync: SyncConfig{
			Interval:       "30s",
			BackoffInitial: "2s",
			BackoffMax:     "5m",
		},
		Archive: ArchiveConfig{
			Driver: "fs",
			Root:   "./archive",
		},
		Metrics: MetricsConfig{
			Exporter: "expvar",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: "stdout",
		},
	}
}

// Load reads configuration from an io.Reader, applying defaults for fields
// the document omits.
func Load(r io.Reader) (*Config, error) {
	cfg := Default()
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromFile reads configuration from path. An empty path yields the
// defaults.
func LoadFromFile(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer func() { _ = f.Close() }()
	return Load(f)
}

// Validate rejects configurations the service cannot start with.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "sqlite", "postgres", "memory":
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	if c.Storage.Driver == "sqlite" && c.Storage.Path == "" {
		return fmt.Errorf("storage.path required for sqlite driver")
	}
	if len(c.Collections) == 0 {
		return fmt.Errorf("at least one collection required")
	}
	switch c.Archive.Driver {
	case "", "fs", "s3", "memory":
	default:
		return fmt.Errorf("unknown archive driver %q", c.Archive.Driver)
	}
	switch c.Metrics.Exporter {
	case "", "expvar", "prometheus", "none":
	default:
		return fmt.Errorf("unknown metrics exporter %q", c.Metrics.Exporter)
	}
	if c.Retention.MaxEntries < 0 {
		return fmt.Errorf("retention.max_entries must not be negative")
	}
	return nil
}

// LogLevel maps the configured level name onto slog.Level, defaulting to
// info.
func (c *Config) LogLevel() slog.Level {
	switch c.Logging.Level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ParseDuration parses a duration string. Returns the default duration if
// the string is empty or invalid. Logs a warning if the string is invalid
// but not empty.
func ParseDuration(durationStr string, defaultDuration time.Duration, logger *slog.Logger) time.Duration {
	if durationStr == "" || durationStr == "0" {
		return defaultDuration
	}
	d, err := time.ParseDuration(durationStr)
	if err != nil {
		if logger != nil {
			logger.Warn("Invalid duration format, using default", "input", durationStr, "default", defaultDuration.String(), "error", err)
		}
		return defaultDuration
	}
	return d
}
