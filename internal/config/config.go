// Package config loads the desktop process configuration from YAML and the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full process configuration.
type Config struct {
	DataDir string       `yaml:"data_dir"`
	HTTP    HTTPConfig   `yaml:"http"`
	Log     LogConfig    `yaml:"log"`
	Sync    SyncConfig   `yaml:"sync"`
	Remote  RemoteConfig `yaml:"remote"`
}

// HTTPConfig configures the localhost API server.
type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// LogConfig configures logging output.
type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// SyncConfig tunes the synchronization core.
type SyncConfig struct {
	Interval            time.Duration `yaml:"interval"`
	MaintenanceInterval time.Duration `yaml:"maintenance_interval"`
	CycleTimeout        time.Duration `yaml:"cycle_timeout"`
	BatchSize           int           `yaml:"batch_size"`
	MaxAttempts         int           `yaml:"max_attempts"`
	BackoffBase         time.Duration `yaml:"backoff_base"`
	BackoffMax          time.Duration `yaml:"backoff_max"`
	QueueMaxSize        int           `yaml:"queue_max_size"`
	TombstoneRetention  time.Duration `yaml:"tombstone_retention"`
	ListenerBatch       int           `yaml:"listener_batch"`
	ListenerFlush       time.Duration `yaml:"listener_flush"`
}

// RemoteConfig selects and configures the remote store.
type RemoteConfig struct {
	Kind           string        `yaml:"kind"` // memory or s3
	DeviceID       string        `yaml:"device_id"`
	Endpoint       string        `yaml:"endpoint"`
	Bucket         string        `yaml:"bucket"`
	Region         string        `yaml:"region"`
	AccessKey      string        `yaml:"access_key"`
	SecretKey      string        `yaml:"secret_key"`
	SecretKeyEnc   string        `yaml:"secret_key_enc"`
	ForcePathStyle bool          `yaml:"path_style"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		DataDir: "./data",
		HTTP:    HTTPConfig{Addr: "localhost:8090"},
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  20,
			MaxBackups: 5,
			MaxAgeDays: 28,
		},
		Sync: SyncConfig{
			Interval:            time.Minute,
			MaintenanceInterval: time.Hour,
			CycleTimeout:        5 * time.Minute,
			BatchSize:           50,
			MaxAttempts:         5,
			BackoffBase:         2 * time.Second,
			BackoffMax:          10 * time.Minute,
			QueueMaxSize:        10000,
			TombstoneRetention:  30 * 24 * time.Hour,
			ListenerBatch:       32,
			ListenerFlush:       200 * time.Millisecond,
		},
		Remote: RemoteConfig{
			Kind:           "memory",
			Region:         "us-east-1",
			PollInterval:   15 * time.Second,
			RequestTimeout: 30 * time.Second,
		},
	}
}

// Load reads path (if non-empty) over the defaults, then applies
// STORYFORGE_* environment overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

type lookupFunc func(string) (string, bool)

func (c *Config) applyEnv(lookup lookupFunc) error {
	str := func(key string, dst *string) {
		if v, ok := lookup("STORYFORGE_" + key); ok {
			*dst = v
		}
	}
	dur := func(key string, dst *time.Duration) error {
		if v, ok := lookup("STORYFORGE_" + key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("STORYFORGE_%s: %w", key, err)
			}
			*dst = d
		}
		return nil
	}
	num := func(key string, dst *int) error {
		if v, ok := lookup("STORYFORGE_" + key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("STORYFORGE_%s: %w", key, err)
			}
			*dst = n
		}
		return nil
	}

	str("DATA_DIR", &c.DataDir)
	str("HTTP_ADDR", &c.HTTP.Addr)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FILE", &c.Log.File)
	str("REMOTE_KIND", &c.Remote.Kind)
	str("REMOTE_DEVICE_ID", &c.Remote.DeviceID)
	str("REMOTE_ENDPOINT", &c.Remote.Endpoint)
	str("REMOTE_BUCKET", &c.Remote.Bucket)
	str("REMOTE_REGION", &c.Remote.Region)
	str("REMOTE_ACCESS_KEY", &c.Remote.AccessKey)
	str("REMOTE_SECRET_KEY", &c.Remote.SecretKey)
	if v, ok := lookup("STORYFORGE_REMOTE_PATH_STYLE"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("STORYFORGE_REMOTE_PATH_STYLE: %w", err)
		}
		c.Remote.ForcePathStyle = b
	}

	for key, dst := range map[string]*time.Duration{
		"SYNC_INTERVAL":            &c.Sync.Interval,
		"SYNC_TOMBSTONE_RETENTION": &c.Sync.TombstoneRetention,
		"REMOTE_POLL_INTERVAL":     &c.Remote.PollInterval,
	} {
		if err := dur(key, dst); err != nil {
			return err
		}
	}
	for key, dst := range map[string]*int{
		"SYNC_BATCH_SIZE":   &c.Sync.BatchSize,
		"SYNC_MAX_ATTEMPTS": &c.Sync.MaxAttempts,
	} {
		if err := num(key, dst); err != nil {
			return err
		}
	}
	return nil
}

// Validate rejects configurations the sync core cannot run with.
func (c *Config) Validate() error {
	var problems []string
	if c.DataDir == "" {
		problems = append(problems, "data_dir is required")
	}
	if c.Sync.Interval <= 0 {
		problems = append(problems, "sync.interval must be positive")
	}
	if c.Sync.MaintenanceInterval <= 0 {
		problems = append(problems, "sync.maintenance_interval must be positive")
	}
	if c.Sync.BatchSize <= 0 {
		problems = append(problems, "sync.batch_size must be positive")
	}
	if c.Sync.MaxAttempts <= 0 {
		problems = append(problems, "sync.max_attempts must be positive")
	}
	if c.Sync.TombstoneRetention <= 0 {
		problems = append(problems, "sync.tombstone_retention must be positive")
	}
	switch c.Remote.Kind {
	case "memory":
	case "s3":
		if c.Remote.Bucket == "" {
			problems = append(problems, "remote.bucket is required for s3")
		}
		if c.Remote.PollInterval <= 0 {
			problems = append(problems, "remote.poll_interval must be positive")
		}
	default:
		problems = append(problems, fmt.Sprintf("remote.kind %q is not one of memory, s3", c.Remote.Kind))
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}
