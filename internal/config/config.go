// Package config loads convo settings from a YAML file with defaults in code
// and environment overrides.
//
// Precedence, lowest first: defaults, config file, environment, command-line
// flags (applied by the CLI).
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/convo/internal/agent"
	"github.com/roach88/convo/internal/store"
	"github.com/roach88/convo/internal/watcher"
)

// Environment overrides.
const (
	EnvDataDir  = "CONVO_DATA_DIR"
	EnvLogLevel = "CONVO_LOG_LEVEL"
	EnvDriver   = "CONVO_DB_DRIVER"
)

// FileName is the config file name inside the data directory.
const FileName = "config.yaml"

// Config holds all convo settings.
type Config struct {
	DataDir string        `yaml:"data_dir" json:"data_dir"`
	Storage StorageConfig `yaml:"storage" json:"storage"`
	Watcher WatcherConfig `yaml:"watcher" json:"watcher"`
	Log     LogConfig     `yaml:"log" json:"log"`
}

// StorageConfig configures the message store.
type StorageConfig struct {
	Driver             string `yaml:"driver" json:"driver"` // sqlite3 or sqlite
	BlobThresholdBytes int    `yaml:"blob_threshold_bytes" json:"blob_threshold_bytes"`
	PreviewRunes       int    `yaml:"preview_runes" json:"preview_runes"`
}

// WatcherConfig configures watcher evaluation and delivery.
type WatcherConfig struct {
	SilenceTimeout time.Duration `yaml:"silence_timeout" json:"silence_timeout"`
	InboxCapacity  int           `yaml:"inbox_capacity" json:"inbox_capacity"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level string `yaml:"level" json:"level"`
	// File, when set, receives a copy of every log entry. Relative paths
	// are resolved against the data directory.
	File  string `yaml:"file" json:"file,omitempty"`
	Debug bool   `yaml:"debug" json:"debug"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		DataDir: DefaultDataDir(),
		Storage: StorageConfig{
			Driver:             store.DriverCGO,
			BlobThresholdBytes: store.DefaultBlobThreshold,
			PreviewRunes:       store.DefaultPreviewRunes,
		},
		Watcher: WatcherConfig{
			SilenceTimeout: watcher.DefaultSilenceTimeout,
			InboxCapacity:  agent.DefaultInboxCapacity,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// DefaultDataDir returns the user-scoped data directory:
// $XDG_DATA_HOME/convo, or ~/.local/share/convo.
func DefaultDataDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "convo")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "convo")
	}
	return filepath.Join(home, ".local", "share", "convo")
}

// Load reads the config file at path over the defaults and applies
// environment overrides. A missing file is not an error. An empty path
// means <data dir>/config.yaml, where the data dir comes from the
// environment or the default.
func Load(path string) (*Config, error) {
	cfg := Default()
	if dir := os.Getenv(EnvDataDir); dir != "" {
		cfg.DataDir = dir
	}
	if path == "" {
		path = filepath.Join(cfg.DataDir, FileName)
	}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("read config: %w", err)
	default:
		if err := decode(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// decode unmarshals strictly: unknown keys are errors.
func decode(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (c *Config) applyEnvOverrides() {
	if dir := os.Getenv(EnvDataDir); dir != "" {
		c.DataDir = dir
	}
	if level := os.Getenv(EnvLogLevel); level != "" {
		c.Log.Level = level
	}
	if driver := os.Getenv(EnvDriver); driver != "" {
		c.Storage.Driver = driver
	}
}

// Validate checks the configuration for values the components would reject.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.DataDir) == "" {
		return fmt.Errorf("config: data_dir is required")
	}
	switch c.Storage.Driver {
	case store.DriverCGO, store.DriverPure:
	default:
		return fmt.Errorf("config: storage.driver must be %q or %q, got %q",
			store.DriverCGO, store.DriverPure, c.Storage.Driver)
	}
	if c.Storage.BlobThresholdBytes <= 0 {
		return fmt.Errorf("config: storage.blob_threshold_bytes must be positive")
	}
	if c.Storage.PreviewRunes <= 0 {
		return fmt.Errorf("config: storage.preview_runes must be positive")
	}
	if c.Watcher.SilenceTimeout <= 0 {
		return fmt.Errorf("config: watcher.silence_timeout must be positive")
	}
	if c.Watcher.InboxCapacity <= 0 {
		return fmt.Errorf("config: watcher.inbox_capacity must be positive")
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: log.level must be debug, info, warn or error, got %q", c.Log.Level)
	}
	return nil
}

// Save writes the configuration as YAML, creating parent directories.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// HubOptions returns the watcher hub options for the watcher settings.
func (c *Config) HubOptions() []watcher.Option {
	return []watcher.Option{
		watcher.WithSilenceTimeout(c.Watcher.SilenceTimeout),
		watcher.WithInboxCapacity(c.Watcher.InboxCapacity),
	}
}

// DBPath is the SQLite database holding messages and manifests.
func (c *Config) DBPath() string { return filepath.Join(c.DataDir, "convo.db") }

// BlobDir is the content-addressed blob root.
func (c *Config) BlobDir() string { return filepath.Join(c.DataDir, "blobs") }

// HistoryPath is the shared command history log.
func (c *Config) HistoryPath() string { return filepath.Join(c.DataDir, "history.jsonl") }

// LogPath resolves Log.File, or returns "" when file logging is off.
func (c *Config) LogPath() string {
	if c.Log.File == "" {
		return ""
	}
	if filepath.IsAbs(c.Log.File) {
		return c.Log.File
	}
	return filepath.Join(c.DataDir, c.Log.File)
}
