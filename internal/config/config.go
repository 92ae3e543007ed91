// Package config loads taskdeck settings from taskdeck.yaml, TASKDECK_* environment variables
// and built-in defaults, in increasing order of precedence: defaults, file, environment.
package config

import (
	"fmt"
	"time"

	"github.com/kimhsiao/taskdeck/internal/logging"
	"github.com/kimhsiao/taskdeck/internal/store"
)

// Config is the effective taskdeck configuration.
type Config struct {
	DataDir      string             `yaml:"data_dir" mapstructure:"data_dir"`
	Remote       RemoteConfig       `yaml:"remote" mapstructure:"remote"`
	Store        StoreConfig        `yaml:"store" mapstructure:"store"`
	Queue        QueueConfig        `yaml:"queue" mapstructure:"queue"`
	Sync         SyncConfig         `yaml:"sync" mapstructure:"sync"`
	Connectivity ConnectivityConfig `yaml:"connectivity" mapstructure:"connectivity"`
	Server       ServerConfig       `yaml:"server" mapstructure:"server"`
	Log          LogConfig          `yaml:"log" mapstructure:"log"`
}

// RemoteConfig locates the remote REST + realtime service.
type RemoteConfig struct {
	URL     string        `yaml:"url" mapstructure:"url"`
	APIKey  string        `yaml:"api_key" mapstructure:"api_key"`
	Timeout time.Duration `yaml:"timeout" mapstructure:"timeout"`
}

// StoreConfig selects the local store backend.
type StoreConfig struct {
	Backend string      `yaml:"backend" mapstructure:"backend"`
	Redis   RedisConfig `yaml:"redis" mapstructure:"redis"`
}

// RedisConfig configures the redis backend.
type RedisConfig struct {
	Addr     string `yaml:"addr" mapstructure:"addr"`
	Password string `yaml:"password" mapstructure:"password"`
	DB       int    `yaml:"db" mapstructure:"db"`
	Prefix   string `yaml:"prefix" mapstructure:"prefix"`
}

// QueueConfig bounds the sync queue. Zero means unlimited.
type QueueConfig struct {
	MaxSize     int `yaml:"max_size" mapstructure:"max_size"`
	MaxAttempts int `yaml:"max_attempts" mapstructure:"max_attempts"`
}

// SyncConfig tunes the reconciliation driver.
type SyncConfig struct {
	Interval    time.Duration `yaml:"interval" mapstructure:"interval"`
	Timeout     time.Duration `yaml:"timeout" mapstructure:"timeout"`
	PullWorkers int           `yaml:"pull_workers" mapstructure:"pull_workers"`
}

// ConnectivityConfig tunes the connectivity monitor. A zero probe interval disables probing.
type ConnectivityConfig struct {
	ProbeInterval time.Duration `yaml:"probe_interval" mapstructure:"probe_interval"`
	ProbeTimeout  time.Duration `yaml:"probe_timeout" mapstructure:"probe_timeout"`
}

// ServerConfig configures the local HTTP API.
type ServerConfig struct {
	Addr string `yaml:"addr" mapstructure:"addr"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level      string `yaml:"level" mapstructure:"level"`
	File       string `yaml:"file" mapstructure:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" mapstructure:"max_backups"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		DataDir: "./data",
		Remote: RemoteConfig{
			Timeout: 30 * time.Second,
		},
		Store: StoreConfig{
			Backend: store.BackendSQLite,
			Redis: RedisConfig{
				Addr:   "localhost:6379",
				Prefix: "taskdeck",
			},
		},
		Queue: QueueConfig{
			MaxSize:     10000,
			MaxAttempts: 0,
		},
		Sync: SyncConfig{
			Interval:    30 * time.Second,
			Timeout:     2 * time.Minute,
			PullWorkers: 2,
		},
		Connectivity: ConnectivityConfig{
			ProbeInterval: 15 * time.Second,
			ProbeTimeout:  5 * time.Second,
		},
		Server: ServerConfig{
			Addr: "127.0.0.1:8090",
		},
		Log: LogConfig{
			Level:      string(logging.LevelInfo),
			MaxSizeMB:  20,
			MaxBackups: 5,
		},
	}
}

// Validate rejects settings the offline core cannot run with.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case store.BackendSQLite, store.BackendRedis:
	default:
		return fmt.Errorf("store.backend must be %q or %q, got %q", store.BackendSQLite, store.BackendRedis, c.Store.Backend)
	}
	if c.Store.Backend == store.BackendSQLite && c.DataDir == "" {
		return fmt.Errorf("data_dir is required for the sqlite backend")
	}
	if c.Sync.Interval <= 0 {
		return fmt.Errorf("sync.interval must be positive")
	}
	if c.Sync.Timeout <= 0 {
		return fmt.Errorf("sync.timeout must be positive")
	}
	if c.Remote.Timeout < 0 || c.Connectivity.ProbeInterval < 0 || c.Connectivity.ProbeTimeout < 0 {
		return fmt.Errorf("durations must not be negative")
	}
	if c.Queue.MaxSize < 0 || c.Queue.MaxAttempts < 0 || c.Sync.PullWorkers < 0 {
		return fmt.Errorf("queue and worker limits must not be negative")
	}
	if !logging.ValidLevel(c.Log.Level) {
		return fmt.Errorf("log.level %q is not a known level", c.Log.Level)
	}
	return nil
}

// LogOptions converts the log section into logger options.
func (c *Config) LogOptions() logging.Options {
	return logging.Options{
		Level:      c.Log.Level,
		File:       c.Log.File,
		MaxSizeMB:  c.Log.MaxSizeMB,
		MaxBackups: c.Log.MaxBackups,
	}
}
