package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// PoolConfig tunes per-tenant connection behavior.
type PoolConfig struct {
	// MaxConnectAttempts bounds the retry loop when opening a tenant database.
	MaxConnectAttempts int `yaml:"max_connect_attempts"`

	// ConnectTimeoutMs is the per-attempt open/probe deadline in milliseconds.
	ConnectTimeoutMs int `yaml:"connect_timeout_ms"`

	// BackoffBaseMs is the first retry delay; it doubles per attempt.
	BackoffBaseMs int `yaml:"backoff_base_ms"`
}

// ContextConfig tunes the agency context manager.
type ContextConfig struct {
	// HistoryDepth bounds the "switch back" stack; oldest entries are evicted.
	HistoryDepth int `yaml:"history_depth"`

	// DefaultAgency is tried first by auto-selection for elevated roles.
	DefaultAgency string `yaml:"default_agency"`
}

// MaintenanceConfig controls the scheduled integrity sweep.
type MaintenanceConfig struct {
	Enabled bool `yaml:"enabled"`

	// Schedule is a standard 5-field cron expression.
	Schedule string `yaml:"schedule"`
}

// TelemetryConfig mirrors the OTel provider settings.
type TelemetryConfig struct {
	Enabled        bool    `yaml:"enabled"`
	Exporter       string  `yaml:"exporter"`
	Endpoint       string  `yaml:"endpoint"`
	ServiceName    string  `yaml:"service_name"`
	SampleRate     float64 `yaml:"sample_rate"`
	MetricsEnabled *bool   `yaml:"metrics_enabled,omitempty"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	// DataDir is the root under which every tenant database file must live.
	DataDir string `yaml:"data_dir"`

	LogLevel string `yaml:"log_level"`

	Pool        PoolConfig        `yaml:"pool"`
	Context     ContextConfig     `yaml:"context"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`

	// ManifestPath points at an optional JSON migration manifest loaded in
	// addition to the built-in registry. Empty disables manifest loading.
	ManifestPath string `yaml:"manifest_path"`

	// RetentionAuditLogDays prunes audit entries older than this. 0 keeps forever.
	RetentionAuditLogDays int `yaml:"retention_audit_log_days"`

	NeedsGenesis bool `yaml:"-"`
}

// Fingerprint returns a stable hash of the active config, logged at startup
// so support can match a report to the settings that produced it.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "data=%s|log=%s|attempts=%d|timeout=%d|history=%d|sched=%s",
		c.DataDir, c.LogLevel, c.Pool.MaxConnectAttempts, c.Pool.ConnectTimeoutMs,
		c.Context.HistoryDepth, c.Maintenance.Schedule)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

// ConnectTimeout returns the pool connect timeout as a duration.
func (c Config) ConnectTimeout() time.Duration {
	return time.Duration(c.Pool.ConnectTimeoutMs) * time.Millisecond
}

// BackoffBase returns the pool backoff base delay as a duration.
func (c Config) BackoffBase() time.Duration {
	return time.Duration(c.Pool.BackoffBaseMs) * time.Millisecond
}

func defaultConfig() Config {
	return Config{
		LogLevel: "info",
		Pool: PoolConfig{
			MaxConnectAttempts: 3,
			ConnectTimeoutMs:   int((5 * time.Second).Milliseconds()),
			BackoffBaseMs:      100,
		},
		Context: ContextConfig{
			HistoryDepth: 10,
		},
		Maintenance: MaintenanceConfig{
			Enabled:  false,
			Schedule: "*/30 * * * *",
		},
		RetentionAuditLogDays: 365,
	}
}

// HomeDir resolves the application home, honoring the AGENCYDB_HOME override.
func HomeDir() string {
	if override := os.Getenv("AGENCYDB_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".agencydb")
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create agencydb home: %w", err)
	}

	configPath := ConfigPath(cfg.HomeDir)
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsGenesis = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.DataDir == "" {
		cfg.DataDir = filepath.Join(cfg.HomeDir, "agencies")
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Pool.MaxConnectAttempts <= 0 {
		cfg.Pool.MaxConnectAttempts = 3
	}
	if cfg.Pool.ConnectTimeoutMs <= 0 {
		cfg.Pool.ConnectTimeoutMs = int((5 * time.Second).Milliseconds())
	}
	if cfg.Pool.BackoffBaseMs <= 0 {
		cfg.Pool.BackoffBaseMs = 100
	}
	if cfg.Context.HistoryDepth <= 0 {
		cfg.Context.HistoryDepth = 10
	}
	if strings.TrimSpace(cfg.Maintenance.Schedule) == "" {
		cfg.Maintenance.Schedule = "*/30 * * * *"
	}
}

// validate rejects config shapes that would misbehave at runtime rather than
// letting them surface later as connection errors.
func validate(cfg *Config) error {
	if strings.ContainsRune(cfg.DataDir, 0) {
		return fmt.Errorf("data_dir contains a NUL byte")
	}
	abs, err := filepath.Abs(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("resolve data_dir: %w", err)
	}
	if abs == string(filepath.Separator) {
		return fmt.Errorf("data_dir must not be the filesystem root")
	}
	cfg.DataDir = abs
	if cfg.Context.HistoryDepth > 1000 {
		return fmt.Errorf("context.history_depth %d is unreasonable (max 1000)", cfg.Context.HistoryDepth)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("AGENCYDB_DATA_DIR"); raw != "" {
		cfg.DataDir = raw
	}
	if raw := os.Getenv("AGENCYDB_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("AGENCYDB_MAX_CONNECT_ATTEMPTS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Pool.MaxConnectAttempts = v
		}
	}
	if raw := os.Getenv("AGENCYDB_CONNECT_TIMEOUT_MS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Pool.ConnectTimeoutMs = v
		}
	}
	if raw := os.Getenv("AGENCYDB_HISTORY_DEPTH"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Context.HistoryDepth = v
		}
	}
	if raw := os.Getenv("AGENCYDB_MANIFEST_PATH"); raw != "" {
		cfg.ManifestPath = raw
	}
}

// Save writes the config back to config.yaml, preserving defaults for
// anything the caller has not touched.
func Save(cfg Config) error {
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config.yaml: %w", err)
	}
	return os.WriteFile(ConfigPath(cfg.HomeDir), out, 0o644)
}
