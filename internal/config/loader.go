package config

import (
	stderrors "errors"
	"fmt"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/kimhsiao/taskdeck/internal/logging"
)

const (
	// FileName is the config file name searched for, without extension.
	FileName  = "taskdeck"
	envPrefix = "TASKDECK"
)

// Source is a loaded configuration that can be re-read when its file changes.
type Source struct {
	v *viper.Viper

	mu      sync.Mutex
	watched bool
}

// Open reads configuration. When path is empty, taskdeck.yaml is searched in ./ and
// $HOME/.taskdeck/; a missing file then means defaults plus environment. An explicit path
// must exist.
func Open(path string) (*Source, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, DefaultConfig())

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(FileName)
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.taskdeck")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !stderrors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	return &Source{v: v}, nil
}

// Load is Open followed by Config.
func Load(path string) (*Config, error) {
	s, err := Open(path)
	if err != nil {
		return nil, err
	}
	return s.Config()
}

// File returns the config file in use, or "" when running on defaults.
func (s *Source) File() string {
	return s.v.ConfigFileUsed()
}

// Config decodes and validates the current settings.
func (s *Source) Config() (*Config, error) {
	cfg := &Config{}
	if err := s.v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Watch calls apply with the new configuration each time the config file changes.
// Invalid edits are logged and skipped. It reports false when there is no file to watch.
func (s *Source) Watch(apply func(*Config)) bool {
	if s.File() == "" {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.watched {
		return true
	}
	s.watched = true

	s.v.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := s.Config()
		if err != nil {
			logging.Error("Ignoring config change", err, map[string]interface{}{"file": e.Name})
			return
		}
		logging.Info("Config reloaded", map[string]interface{}{
			"file":          e.Name,
			"sync_interval": cfg.Sync.Interval.String(),
			"log_level":     cfg.Log.Level,
		})
		apply(cfg)
	})
	s.v.WatchConfig()
	return true
}

// Render returns cfg as YAML with secrets redacted.
func Render(cfg *Config) ([]byte, error) {
	out := *cfg
	if out.Remote.APIKey != "" {
		out.Remote.APIKey = "***"
	}
	if out.Store.Redis.Password != "" {
		out.Store.Redis.Password = "***"
	}
	data, err := yaml.Marshal(&out)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}
	return data, nil
}

// setDefaults registers every key so environment overrides apply even without a file.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("data_dir", d.DataDir)
	v.SetDefault("remote.url", d.Remote.URL)
	v.SetDefault("remote.api_key", d.Remote.APIKey)
	v.SetDefault("remote.timeout", d.Remote.Timeout)
	v.SetDefault("store.backend", d.Store.Backend)
	v.SetDefault("store.redis.addr", d.Store.Redis.Addr)
	v.SetDefault("store.redis.password", d.Store.Redis.Password)
	v.SetDefault("store.redis.db", d.Store.Redis.DB)
	v.SetDefault("store.redis.prefix", d.Store.Redis.Prefix)
	v.SetDefault("queue.max_size", d.Queue.MaxSize)
	v.SetDefault("queue.max_attempts", d.Queue.MaxAttempts)
	v.SetDefault("sync.interval", d.Sync.Interval)
	v.SetDefault("sync.timeout", d.Sync.Timeout)
	v.SetDefault("sync.pull_workers", d.Sync.PullWorkers)
	v.SetDefault("connectivity.probe_interval", d.Connectivity.ProbeInterval)
	v.SetDefault("connectivity.probe_timeout", d.Connectivity.ProbeTimeout)
	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.file", d.Log.File)
	v.SetDefault("log.max_size_mb", d.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", d.Log.MaxBackups)
}
