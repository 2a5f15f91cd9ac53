// Package config loads the YAML runtime configuration. Unknown keys are
// rejected so typos fail loudly instead of silently falling back to
// defaults.
package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config is the runtime configuration.
type Config struct {
	// Database is the path of the SQLite database file.
	Database string

	// CatalogDir is the directory of CUE catalog definitions.
	CatalogDir string

	// LogLevel is one of debug, info, warn, error.
	LogLevel string

	Sync SyncConfig
}

// SyncConfig tunes the sync queue's delivery policy.
type SyncConfig struct {
	// MaxAttempts is the total delivery budget per queued op.
	MaxAttempts int

	// BaseDelay and MaxDelay bound the exponential delivery backoff.
	BaseDelay time.Duration
	MaxDelay  time.Duration

	// WriteTimeout bounds each synchronous store write; writes running
	// past it are treated as connectivity failures and queued.
	WriteTimeout time.Duration
}

// Defaults applied when the file leaves fields unset.
const (
	DefaultLogLevel     = "info"
	DefaultMaxAttempts  = 8
	DefaultBaseDelay    = 250 * time.Millisecond
	DefaultMaxDelay     = 30 * time.Second
	DefaultWriteTimeout = 5 * time.Second
)

// fileConfig is the raw YAML shape. Durations are strings in Go
// time.ParseDuration format ("250ms", "30s").
type fileConfig struct {
	Database   string `yaml:"database" validate:"required"`
	CatalogDir string `yaml:"catalog_dir" validate:"required"`
	LogLevel   string `yaml:"log_level" validate:"omitempty,oneof=debug info warn error"`
	Sync       struct {
		MaxAttempts  int    `yaml:"max_attempts" validate:"omitempty,min=1,max=100"`
		BaseDelay    string `yaml:"base_delay"`
		MaxDelay     string `yaml:"max_delay"`
		WriteTimeout string `yaml:"write_timeout"`
	} `yaml:"sync"`
}

// Load reads, decodes, and validates the configuration file.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(raw)
}

// Parse decodes and validates raw YAML configuration.
func Parse(raw []byte) (*Config, error) {
	var fc fileConfig
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&fc); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := validator.New().Struct(&fc); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	cfg := &Config{
		Database:   fc.Database,
		CatalogDir: fc.CatalogDir,
		LogLevel:   fc.LogLevel,
		Sync: SyncConfig{
			MaxAttempts:  fc.Sync.MaxAttempts,
			BaseDelay:    DefaultBaseDelay,
			MaxDelay:     DefaultMaxDelay,
			WriteTimeout: DefaultWriteTimeout,
		},
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = DefaultLogLevel
	}
	if cfg.Sync.MaxAttempts == 0 {
		cfg.Sync.MaxAttempts = DefaultMaxAttempts
	}

	if err := parseDuration("sync.base_delay", fc.Sync.BaseDelay, &cfg.Sync.BaseDelay); err != nil {
		return nil, err
	}
	if err := parseDuration("sync.max_delay", fc.Sync.MaxDelay, &cfg.Sync.MaxDelay); err != nil {
		return nil, err
	}
	if err := parseDuration("sync.write_timeout", fc.Sync.WriteTimeout, &cfg.Sync.WriteTimeout); err != nil {
		return nil, err
	}
	if cfg.Sync.BaseDelay > cfg.Sync.MaxDelay {
		return nil, fmt.Errorf("invalid config: sync.base_delay %s exceeds sync.max_delay %s",
			cfg.Sync.BaseDelay, cfg.Sync.MaxDelay)
	}
	return cfg, nil
}

// parseDuration fills dst from a raw duration string, keeping the
// preset default when raw is empty.
func parseDuration(key, raw string, dst *time.Duration) error {
	if raw == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid config: %s: %w", key, err)
	}
	if d <= 0 {
		return fmt.Errorf("invalid config: %s must be positive, got %s", key, d)
	}
	*dst = d
	return nil
}
