// Package config handles spectre configuration loading and validation
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/poltergeist/spectre/pkg/cache/remote"
	"github.com/poltergeist/spectre/pkg/utils"
)

// CurrentVersion is the supported configuration version
const CurrentVersion = "1"

// Config is the complete engine configuration
type Config struct {
	Version string `yaml:"version" json:"version" mapstructure:"version"`
	// StateDir holds history, cache and workspaces; relative to the project root
	StateDir string `yaml:"stateDir" json:"stateDir" mapstructure:"stateDir"`
	// Workfile declares the units of work
	Workfile string `yaml:"workfile" json:"workfile" mapstructure:"workfile"`

	Parallelism       int           `yaml:"parallelism" json:"parallelism" mapstructure:"parallelism"`
	ContinueOnFailure bool          `yaml:"continueOnFailure" json:"continueOnFailure" mapstructure:"continueOnFailure"`
	LockTimeout       time.Duration `yaml:"lockTimeout" json:"lockTimeout" mapstructure:"lockTimeout"`
	// MemoSize bounds memoized file hashes; zero disables memoization
	MemoSize int `yaml:"memoSize" json:"memoSize" mapstructure:"memoSize"`

	LogLevel string `yaml:"logLevel" json:"logLevel" mapstructure:"logLevel"`
	LogFile  string `yaml:"logFile,omitempty" json:"logFile,omitempty" mapstructure:"logFile"`

	History       HistoryConfig      `yaml:"history" json:"history" mapstructure:"history"`
	Cache         CacheConfig        `yaml:"cache" json:"cache" mapstructure:"cache"`
	Workspaces    WorkspaceConfig    `yaml:"workspaces" json:"workspaces" mapstructure:"workspaces"`
	Watch         WatchConfig        `yaml:"watch" json:"watch" mapstructure:"watch"`
	Notifications NotificationConfig `yaml:"notifications" json:"notifications" mapstructure:"notifications"`
	Telemetry     TelemetryConfig    `yaml:"telemetry" json:"telemetry" mapstructure:"telemetry"`
}

// HistoryConfig configures the execution history store
type HistoryConfig struct {
	// Scope selects the history database; separate scopes never share entries
	Scope      string        `yaml:"scope" json:"scope" mapstructure:"scope"`
	MaxAge     time.Duration `yaml:"maxAge" json:"maxAge" mapstructure:"maxAge"`
	MaxEntries int           `yaml:"maxEntries" json:"maxEntries" mapstructure:"maxEntries"`
}

// CacheConfig configures the build cache
type CacheConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled" mapstructure:"enabled"`
	// Dir defaults to <stateDir>/cache
	Dir      string        `yaml:"dir,omitempty" json:"dir,omitempty" mapstructure:"dir"`
	MaxAge   time.Duration `yaml:"maxAge" json:"maxAge" mapstructure:"maxAge"`
	MaxBytes int64         `yaml:"maxBytes" json:"maxBytes" mapstructure:"maxBytes"`
	Remote   remote.Config `yaml:"remote" json:"remote" mapstructure:"remote"`
	// Push uploads locally produced bundles to the remote cache
	Push bool `yaml:"push" json:"push" mapstructure:"push"`
}

// WorkspaceConfig configures workspace cleanup
type WorkspaceConfig struct {
	MaxAge time.Duration `yaml:"maxAge" json:"maxAge" mapstructure:"maxAge"`
}

// WatchConfig configures watch mode
type WatchConfig struct {
	Debounce time.Duration `yaml:"debounce" json:"debounce" mapstructure:"debounce"`
	Exclude  []string      `yaml:"exclude" json:"exclude" mapstructure:"exclude"`
}

// NotificationConfig configures desktop notifications
type NotificationConfig struct {
	Enabled   bool `yaml:"enabled" json:"enabled" mapstructure:"enabled"`
	OnSuccess bool `yaml:"onSuccess" json:"onSuccess" mapstructure:"onSuccess"`
	Sound     bool `yaml:"sound" json:"sound" mapstructure:"sound"`
}

// TelemetryConfig configures OpenTelemetry export of traces and metrics
type TelemetryConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled" mapstructure:"enabled"`
	// Endpoint is an OTLP gRPC collector, e.g. localhost:4317
	Endpoint string `yaml:"endpoint" json:"endpoint" mapstructure:"endpoint"`
	Insecure bool   `yaml:"insecure" json:"insecure" mapstructure:"insecure"`
}

// Manager handles configuration operations
type Manager struct{}

// NewManager creates a new configuration manager
func NewManager() *Manager {
	return &Manager{}
}

// GetDefaultConfig returns the built-in defaults
func (m *Manager) GetDefaultConfig() *Config {
	return &Config{
		Version:     CurrentVersion,
		StateDir:    ".spectre",
		Workfile:    "spectre.work.yaml",
		Parallelism: runtime.NumCPU(),
		LockTimeout: 10 * time.Minute,
		MemoSize:    65536,
		LogLevel:    "info",
		History: HistoryConfig{
			Scope:      "default",
			MaxAge:     30 * 24 * time.Hour,
			MaxEntries: 10000,
		},
		Cache: CacheConfig{
			Enabled:  true,
			MaxAge:   7 * 24 * time.Hour,
			MaxBytes: 5 << 30,
		},
		Workspaces: WorkspaceConfig{
			MaxAge: 24 * time.Hour,
		},
		Watch: WatchConfig{
			Debounce: 300 * time.Millisecond,
			Exclude:  utils.DefaultExclusions(),
		},
		Telemetry: TelemetryConfig{
			Endpoint: "localhost:4317",
		},
	}
}

// LoadConfig reads a JSON or YAML file on top of the defaults
func (m *Manager) LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := m.GetDefaultConfig()
	if filepath.Ext(path) == ".json" {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return m.validateConfig(cfg)
}

// LoadFromViper decodes whatever v has read (file, env, bound flags) on top
// of the defaults
func (m *Manager) LoadFromViper(v *viper.Viper) (*Config, error) {
	cfg := m.GetDefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}
	return m.validateConfig(cfg)
}

// ValidateConfig validates a configuration
func (m *Manager) ValidateConfig(cfg *Config) error {
	if cfg.Version != CurrentVersion {
		return fmt.Errorf("unsupported config version: %s", cfg.Version)
	}
	if cfg.StateDir == "" {
		return fmt.Errorf("stateDir must not be empty")
	}
	if cfg.Parallelism < 1 {
		return fmt.Errorf("parallelism must be at least 1, got %d", cfg.Parallelism)
	}
	if cfg.LockTimeout < 0 {
		return fmt.Errorf("lockTimeout must not be negative")
	}
	if cfg.MemoSize < 0 {
		return fmt.Errorf("memoSize must not be negative")
	}
	if cfg.History.Scope == "" {
		return fmt.Errorf("history.scope must not be empty")
	}
	if cfg.History.MaxEntries < 0 || cfg.Cache.MaxBytes < 0 {
		return fmt.Errorf("retention limits must not be negative")
	}
	if err := cfg.Cache.Remote.Validate(); err != nil {
		return err
	}
	if cfg.Cache.Push && cfg.Cache.Remote.Type == remote.TypeNone {
		return fmt.Errorf("cache.push requires a remote cache")
	}
	if cfg.Telemetry.Enabled && cfg.Telemetry.Endpoint == "" {
		return fmt.Errorf("telemetry.endpoint is required when telemetry is enabled")
	}
	return nil
}

func (m *Manager) validateConfig(cfg *Config) (*Config, error) {
	if err := m.ValidateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ResolveStateDir anchors StateDir at the project root
func (c *Config) ResolveStateDir(projectRoot string) string {
	if filepath.IsAbs(c.StateDir) {
		return c.StateDir
	}
	return filepath.Join(projectRoot, c.StateDir)
}

// ResolveCacheDir returns the local cache directory
func (c *Config) ResolveCacheDir(projectRoot string) string {
	if c.Cache.Dir == "" {
		return filepath.Join(c.ResolveStateDir(projectRoot), "cache")
	}
	if filepath.IsAbs(c.Cache.Dir) {
		return c.Cache.Dir
	}
	return filepath.Join(projectRoot, c.Cache.Dir)
}

// ResolveWorkfile returns the workfile path
func (c *Config) ResolveWorkfile(projectRoot string) string {
	if filepath.IsAbs(c.Workfile) {
		return c.Workfile
	}
	return filepath.Join(projectRoot, c.Workfile)
}
