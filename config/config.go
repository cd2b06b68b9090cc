package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig holds server-specific configurations.
type ServerConfig struct {
	ListenAddress string `yaml:"listen_address"`
	RepoID        string `yaml:"repo_id"`
}

// EngineConfig holds index-engine and sync-loop configurations.
type EngineConfig struct {
	DataDir           string `yaml:"data_dir"`
	BatchSize         int    `yaml:"batch_size"`
	MinReopenInterval string `yaml:"min_reopen_interval"`
	MaxReopenInterval string `yaml:"max_reopen_interval"`
	CommitInterval    string `yaml:"commit_interval"`
	SuppressFile      string `yaml:"suppress_file"`
}

// SyncConfig holds sync-engine configurations beyond the reopen/commit knobs.
type SyncConfig struct {
	UpdateInterval    string `yaml:"update_interval"`     // periodic small cycle
	BigUpdateInterval string `yaml:"big_update_interval"` // federation sweep + config refresh
	ReindexWorkers    int    `yaml:"reindex_workers"`
	ReindexOnStartup  bool   `yaml:"reindex_on_startup"`
	// TxLogPath points at the hosting repository's JSON-lines transaction
	// log. Empty means an in-process log (embedded mode).
	TxLogPath string `yaml:"txlog_path"`
}

// FederationConfig holds the static part of federation configuration. The
// peer list itself lives as an object attribute and is refreshed each big
// cycle.
type FederationConfig struct {
	Enabled          bool   `yaml:"enabled"`
	ConfigObjectID   string `yaml:"config_object_id"`
	TargetsAttribute string `yaml:"targets_attribute"`
}

// LoggingConfig holds logging-specific configurations.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // e.g., "debug", "info", "warn", "error"
	Output string `yaml:"output"` // e.g., "stdout", "file", "none"
	File   string `yaml:"file"`   // Path to the log file, used if output is "file"
}

// SecurityConfig holds security-related configurations.
type SecurityConfig struct {
	// InsecureSearch disables permission filtering entirely. Only for
	// trusted single-tenant deployments.
	InsecureSearch bool `yaml:"insecure_search"`
}

// MetricsConfig holds the metrics endpoint configuration.
type MetricsConfig struct {
	Enabled       bool   `yaml:"enabled"`
	ListenAddress string `yaml:"listen_address"`
}

// Config is the top-level configuration struct.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Engine     EngineConfig     `yaml:"engine"`
	Sync       SyncConfig       `yaml:"sync"`
	Federation FederationConfig `yaml:"federation"`
	Logging    LoggingConfig    `yaml:"logging"`
	Security   SecurityConfig   `yaml:"security"`
	Metrics    MetricsConfig    `yaml:"metrics"`
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

// Load reads configuration from an io.Reader.
// This is the core logic, separated for testability.
func Load(r io.Reader) (*Config, error) {
	// Set default values
	cfg := &Config{
		Server: ServerConfig{
			ListenAddress: ":9611",
			RepoID:        "repo",
		},
		Engine: EngineConfig{
			DataDir:           "./data",
			BatchSize:         200,
			MinReopenInterval: "1s",
			MaxReopenInterval: "60s",
			CommitInterval:    "30s",
			SuppressFile:      "",
		},
		Sync: SyncConfig{
			UpdateInterval:    "2s",
			BigUpdateInterval: "120s",
			ReindexWorkers:    4,
			ReindexOnStartup:  true,
		},
		Federation: FederationConfig{
			Enabled:          false,
			ConfigObjectID:   "repo/config",
			TargetsAttribute: "internal.federation_targets",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: "stdout",
			File:   "reposearch.log",
		},
		Security: SecurityConfig{
			InsecureSearch: false,
		},
		Metrics: MetricsConfig{
			Enabled:       false,
			ListenAddress: ":9612",
		},
	}

	// If the reader is nil, it's like an empty file, return defaults.
	if r == nil {
		return cfg, nil
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read config data: %w", err)
	}
	if len(data) == 0 {
		return cfg, nil
	}

	// Unmarshal YAML into the config struct, overwriting defaults
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}

	if cfg.Engine.BatchSize <= 0 {
		return nil, fmt.Errorf("engine.batch_size must be positive, got %d", cfg.Engine.BatchSize)
	}
	if cfg.Sync.ReindexWorkers <= 0 {
		return nil, fmt.Errorf("sync.reindex_workers must be positive, got %d", cfg.Sync.ReindexWorkers)
	}

	return cfg, nil
}

// LoadConfig reads configuration from a YAML file by path.
func LoadConfig(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			// If file doesn't exist, return default config by calling Load with a nil reader.
			return Load(nil)
		}
		return nil, fmt.Errorf("failed to open config file %s: %w", path, err)
	}
	defer file.Close()

	return Load(file)
}
