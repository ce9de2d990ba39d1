// Package config provides configuration file support for JVB.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/renameio"
	"gopkg.in/yaml.v3"

	"github.com/jvs-project/jvb/internal/compression"
	"github.com/jvs-project/jvb/pkg/logging"
	"github.com/jvs-project/jvb/pkg/model"
)

// FileName is the configuration file name inside a repository.
const FileName = "config.yaml"

// Config represents the JVB repository configuration.
type Config struct {
	Compression     string                `yaml:"compression"`
	Backup          BackupConfig          `yaml:"backup"`
	RetentionPolicy RetentionPolicyConfig `yaml:"retention_policy"`
	Remote          RemoteConfig          `yaml:"remote"`
	Check           CheckConfig           `yaml:"check"`
	Lock            LockConfig            `yaml:"lock"`
	Logging         LoggingConfig         `yaml:"logging"`
}

// BackupConfig tunes the snapshot pipeline.
type BackupConfig struct {
	Workers       int  `yaml:"workers"`
	QueueDepth    int  `yaml:"queue_depth"`
	MaxFileErrors int  `yaml:"max_file_errors"` // negative means unlimited
	RehashAll     bool `yaml:"rehash_all"`
}

// RetentionPolicyConfig configures GC retention.
type RetentionPolicyConfig struct {
	KeepLast   int    `yaml:"keep_last"`
	KeepWithin string `yaml:"keep_within"`
}

// RemoteConfig configures the sync target.
type RemoteConfig struct {
	URL            string `yaml:"url"`
	Token          string `yaml:"token"`
	MaxAttempts    int    `yaml:"max_attempts"`
	InitialBackoff string `yaml:"initial_backoff"`
	Timeout        string `yaml:"timeout"`
	Concurrency    int    `yaml:"concurrency"`
	Prune          bool   `yaml:"prune"`
}

// CheckConfig configures the freshness check.
type CheckConfig struct {
	MaxTimeWithoutBackups string `yaml:"max_time_without_backups"`
}

// LockConfig configures the repository lease lock.
type LockConfig struct {
	LeaseTTL string `yaml:"lease_ttl"`
}

// LoggingConfig configures logging behavior.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Compression: string(compression.TypeZstd),
		Backup: BackupConfig{
			Workers:       4,
			QueueDepth:    64,
			MaxFileErrors: 100,
		},
		RetentionPolicy: RetentionPolicyConfig{
			KeepLast: model.DefaultRetentionPolicy().KeepLast,
		},
		Remote: RemoteConfig{
			MaxAttempts:    5,
			InitialBackoff: "500ms",
			Timeout:        "60s",
			Concurrency:    4,
		},
		Check: CheckConfig{
			MaxTimeWithoutBackups: "48h",
		},
		Lock: LockConfig{
			LeaseTTL: model.DefaultLockPolicy().LeaseTTL.String(),
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load loads configuration from <repo>/config.yaml.
// Returns default config if file doesn't exist.
func Load(repoRoot string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(filepath.Join(repoRoot, FileName))
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes configuration to <repo>/config.yaml atomically.
func Save(repoRoot string, cfg *Config) error {
	if err := os.MkdirAll(repoRoot, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := renameio.WriteFile(filepath.Join(repoRoot, FileName), data, 0644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// Validate checks field ranges and that every duration parses.
func (c *Config) Validate() error {
	if _, err := compression.ParseType(c.Compression); err != nil {
		return fmt.Errorf("config compression: %w", err)
	}
	if c.Backup.Workers < 1 {
		return fmt.Errorf("config backup.workers must be at least 1, got %d", c.Backup.Workers)
	}
	if c.Backup.QueueDepth < 1 {
		return fmt.Errorf("config backup.queue_depth must be at least 1, got %d", c.Backup.QueueDepth)
	}
	if _, err := c.Retention(); err != nil {
		return err
	}
	if c.Remote.MaxAttempts < 1 {
		return fmt.Errorf("config remote.max_attempts must be at least 1, got %d", c.Remote.MaxAttempts)
	}
	if c.Remote.Concurrency < 1 {
		return fmt.Errorf("config remote.concurrency must be at least 1, got %d", c.Remote.Concurrency)
	}
	for name, v := range map[string]string{
		"remote.initial_backoff":         c.Remote.InitialBackoff,
		"remote.timeout":                 c.Remote.Timeout,
		"check.max_time_without_backups": c.Check.MaxTimeWithoutBackups,
		"lock.lease_ttl":                 c.Lock.LeaseTTL,
	} {
		if _, err := parseDuration(v); err != nil {
			return fmt.Errorf("config %s: %w", name, err)
		}
	}
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("config logging.level: %w", err)
	}
	return nil
}

// Retention converts the retention section into a validated policy.
func (c *Config) Retention() (model.RetentionPolicy, error) {
	within, err := parseDuration(c.RetentionPolicy.KeepWithin)
	if err != nil {
		return model.RetentionPolicy{}, fmt.Errorf("config retention_policy.keep_within: %w", err)
	}
	p := model.RetentionPolicy{KeepLast: c.RetentionPolicy.KeepLast, KeepWithin: within}
	if err := p.Validate(); err != nil {
		return model.RetentionPolicy{}, err
	}
	return p, nil
}

// InitialBackoff returns remote.initial_backoff as a duration.
func (c *Config) InitialBackoff() time.Duration { return mustDuration(c.Remote.InitialBackoff) }

// RemoteTimeout returns remote.timeout as a duration.
func (c *Config) RemoteTimeout() time.Duration { return mustDuration(c.Remote.Timeout) }

// MaxTimeWithoutBackups returns check.max_time_without_backups as a duration.
func (c *Config) MaxTimeWithoutBackups() time.Duration {
	return mustDuration(c.Check.MaxTimeWithoutBackups)
}

// LeaseTTL returns lock.lease_ttl, falling back to the default policy.
func (c *Config) LeaseTTL() time.Duration {
	if d := mustDuration(c.Lock.LeaseTTL); d > 0 {
		return d
	}
	return model.DefaultLockPolicy().LeaseTTL
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %q", s)
	}
	return d, nil
}

// mustDuration is only used after Validate has accepted the value.
func mustDuration(s string) time.Duration {
	d, _ := parseDuration(s)
	return d
}
