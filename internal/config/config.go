// Package config loads and validates the daemon's YAML configuration:
// disc-set layout, per-account limits, housekeeping cadence, write-lock
// retry parameters, and the optional cloud-mirror disc (SPEC_FULL.md §1.3).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// Configuration is the daemon's complete configuration tree.
type Configuration struct {
	Global       GlobalConfig       `yaml:"global"`
	DiscSets     []DiscSetConfig    `yaml:"disc_sets"`
	Accounts     []AccountConfig    `yaml:"accounts"`
	Housekeeping HousekeepingConfig `yaml:"housekeeping"`
	WriteLock    WriteLockConfig    `yaml:"write_lock"`
	Session      SessionConfig      `yaml:"session"`
	Cipher       CipherConfig       `yaml:"cipher"`
	CloudMirror  CloudMirrorConfig  `yaml:"cloud_mirror"`
	Monitoring   MonitoringConfig   `yaml:"monitoring"`
}

// GlobalConfig holds process-wide settings.
type GlobalConfig struct {
	LogLevel        string `yaml:"log_level"`
	LogFile         string `yaml:"log_file"`
	KeystorePath    string `yaml:"keystore_path"`
	MetricsPort     int    `yaml:"metrics_port"`
	HealthPort      int    `yaml:"health_port"`
	ProtocolVersion uint32 `yaml:"protocol_version"`
}

// DiscSetConfig describes one named disc set: either a single directory
// (unraided) or three directories striped with XOR parity.
type DiscSetConfig struct {
	Name      string   `yaml:"name"`
	Dirs      []string `yaml:"dirs"`
	BlockSize int64    `yaml:"block_size"`
}

// AccountConfig describes one backup account.
type AccountConfig struct {
	ID              uint64 `yaml:"id"`
	RootPath        string `yaml:"root_path"`
	DiscSet         string `yaml:"disc_set"`
	SoftLimitBlocks int64  `yaml:"soft_limit_blocks"`
	HardLimitBlocks int64  `yaml:"hard_limit_blocks"`
}

// HousekeepingConfig governs the background reclamation scan.
type HousekeepingConfig struct {
	Interval        time.Duration `yaml:"interval"`
	CandidateCap    int           `yaml:"candidate_cap"`
	DeletedFileAge  time.Duration `yaml:"deleted_file_age"`
	IPCPollInterval time.Duration `yaml:"ipc_poll_interval"`
}

// WriteLockConfig governs account write-lock acquisition retries.
type WriteLockConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	RetryDelay  time.Duration `yaml:"retry_delay"`
}

// SessionConfig governs protocol session lifecycle.
type SessionConfig struct {
	IdleTimeout time.Duration `yaml:"idle_timeout"`
	MinVersion  uint32        `yaml:"min_version"`
}

// CipherConfig selects the chunk cipher and compression threshold.
type CipherConfig struct {
	Algorithm        string `yaml:"algorithm"` // "aes128-cbc" or "blowfish-cbc"
	CompressMinBytes int    `yaml:"compress_min_bytes"`
}

// CloudMirrorConfig configures the optional S3-backed mirror disc.
type CloudMirrorConfig struct {
	Enabled bool   `yaml:"enabled"`
	Bucket  string `yaml:"bucket"`
	Prefix  string `yaml:"prefix"`
	Region  string `yaml:"region"`
}

// MonitoringConfig governs the metrics/health/status surface.
type MonitoringConfig struct {
	Enabled           bool `yaml:"enabled"`
	PrometheusMetrics bool `yaml:"prometheus_metrics"`
}

// NewDefault returns a configuration with sensible defaults for a
// single-disc-set, no-cloud-mirror deployment.
func NewDefault() *Configuration {
	return &Configuration{
		Global: GlobalConfig{
			LogLevel:        "INFO",
			KeystorePath:    "/etc/backupstore/keystore",
			MetricsPort:     8080,
			HealthPort:      8081,
			ProtocolVersion: 2,
		},
		DiscSets: []DiscSetConfig{
			{Name: "default", Dirs: []string{"/var/lib/backupstore/0"}, BlockSize: 4096},
		},
		Housekeeping: HousekeepingConfig{
			Interval:        1 * time.Hour,
			CandidateCap:    10000,
			DeletedFileAge:  0,
			IPCPollInterval: 500 * time.Millisecond,
		},
		WriteLock: WriteLockConfig{
			MaxAttempts: 5,
			RetryDelay:  time.Second,
		},
		Session: SessionConfig{
			IdleTimeout: 5 * time.Minute,
			MinVersion:  2,
		},
		Cipher: CipherConfig{
			Algorithm:        "aes128-cbc",
			CompressMinBytes: 256,
		},
		Monitoring: MonitoringConfig{
			Enabled:           true,
			PrometheusMetrics: true,
		},
	}
}

// LoadFromFile parses a YAML configuration file into c.
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", filename, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("config: parse %s: %w", filename, err)
	}
	return nil
}

// LoadFromEnv overlays BACKUPSTORE_* environment variables onto c.
func (c *Configuration) LoadFromEnv() error {
	if v := os.Getenv("BACKUPSTORE_LOG_LEVEL"); v != "" {
		c.Global.LogLevel = v
	}
	if v := os.Getenv("BACKUPSTORE_LOG_FILE"); v != "" {
		c.Global.LogFile = v
	}
	if v := os.Getenv("BACKUPSTORE_KEYSTORE_PATH"); v != "" {
		c.Global.KeystorePath = v
	}
	if v := os.Getenv("BACKUPSTORE_METRICS_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.Global.MetricsPort = p
		}
	}
	if v := os.Getenv("BACKUPSTORE_HOUSEKEEPING_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Housekeeping.Interval = d
		}
	}
	if v := os.Getenv("BACKUPSTORE_CLOUD_MIRROR_ENABLED"); v != "" {
		c.CloudMirror.Enabled = strings.ToLower(v) == "true"
	}
	if v := os.Getenv("BACKUPSTORE_CLOUD_MIRROR_BUCKET"); v != "" {
		c.CloudMirror.Bucket = v
	}
	return nil
}

// SaveToFile marshals c to filename as YAML.
func (c *Configuration) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(filename), 0750); err != nil {
		return fmt.Errorf("config: mkdir: %w", err)
	}
	if err := os.WriteFile(filename, data, 0600); err != nil {
		return fmt.Errorf("config: write %s: %w", filename, err)
	}
	return nil
}

// Validate checks internal consistency: disc-set references, distinct
// ports, sane limits.
func (c *Configuration) Validate() error {
	if len(c.DiscSets) == 0 {
		return fmt.Errorf("config: at least one disc_sets entry is required")
	}
	discSetNames := make(map[string]bool, len(c.DiscSets))
	for _, ds := range c.DiscSets {
		if ds.Name == "" {
			return fmt.Errorf("config: disc set with empty name")
		}
		if len(ds.Dirs) != 1 && len(ds.Dirs) != 3 {
			return fmt.Errorf("config: disc set %q must have 1 or 3 dirs, got %d", ds.Name, len(ds.Dirs))
		}
		if ds.BlockSize <= 0 {
			return fmt.Errorf("config: disc set %q block_size must be > 0", ds.Name)
		}
		discSetNames[ds.Name] = true
	}

	seenAccounts := make(map[uint64]bool, len(c.Accounts))
	for _, a := range c.Accounts {
		if seenAccounts[a.ID] {
			return fmt.Errorf("config: duplicate account id %d", a.ID)
		}
		seenAccounts[a.ID] = true
		if !discSetNames[a.DiscSet] {
			return fmt.Errorf("config: account %d references unknown disc_set %q", a.ID, a.DiscSet)
		}
		if a.SoftLimitBlocks > a.HardLimitBlocks {
			return fmt.Errorf("config: account %d soft_limit_blocks exceeds hard_limit_blocks", a.ID)
		}
	}

	if c.Global.MetricsPort != 0 && c.Global.MetricsPort == c.Global.HealthPort {
		return fmt.Errorf("config: metrics_port and health_port cannot be the same")
	}

	validLevels := []string{"TRACE", "DEBUG", "INFO", "WARN", "ERROR", "FATAL"}
	ok := false
	for _, l := range validLevels {
		if strings.EqualFold(c.Global.LogLevel, l) {
			ok = true
			break
		}
	}
	if !ok {
		return fmt.Errorf("config: invalid log_level %q (must be one of: %s)", c.Global.LogLevel, strings.Join(validLevels, ", "))
	}

	switch c.Cipher.Algorithm {
	case "aes128-cbc", "blowfish-cbc":
	default:
		return fmt.Errorf("config: invalid cipher.algorithm %q", c.Cipher.Algorithm)
	}

	if c.WriteLock.MaxAttempts <= 0 {
		return fmt.Errorf("config: write_lock.max_attempts must be > 0")
	}

	if c.CloudMirror.Enabled && c.CloudMirror.Bucket == "" {
		return fmt.Errorf("config: cloud_mirror.enabled requires a bucket")
	}

	return nil
}

// DiscSetByName looks up a configured disc set by name.
func (c *Configuration) DiscSetByName(name string) (DiscSetConfig, bool) {
	for _, ds := range c.DiscSets {
		if ds.Name == name {
			return ds, true
		}
	}
	return DiscSetConfig{}, false
}
