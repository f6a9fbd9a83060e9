package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/livesync/internal/logger"
	"github.com/loykin/livesync/internal/monitor"
	"github.com/loykin/livesync/internal/query"
	tlsconf "github.com/loykin/livesync/internal/tls"
)

// EnvPrefix prefixes environment overrides, e.g. LIVESYNC_STORE_DSN.
const EnvPrefix = "LIVESYNC"

// Config represents the top-level TOML structure.
//
//	env_files = [".env"]
//
//	[store]
//	dsn = "sqlite:///var/lib/livesync/docs.db"
//	poll_interval = "1s"
//
//	[monitor]
//	interval = "30s"
//	max_retries = 3
//
//	[[listeners]]
//	collection = "projects"
//	limit = 20
type Config struct {
	EnvFiles  []string         `mapstructure:"env_files"`
	Store     StoreConfig      `mapstructure:"store"`
	Monitor   monitor.Config   `mapstructure:"monitor"`
	Server    ServerConfig     `mapstructure:"server"`
	Log       LogConfig        `mapstructure:"log"`
	Metrics   MetricsConfig    `mapstructure:"metrics"`
	History   HistoryConfig    `mapstructure:"history"`
	Listeners []ListenerConfig `mapstructure:"listeners"`
}

type StoreConfig struct {
	DSN          string        `mapstructure:"dsn"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

type ServerConfig struct {
	Listen   string          `mapstructure:"listen"`
	BasePath string          `mapstructure:"base_path"`
	TLS      tlsconf.Options `mapstructure:"tls"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Color      bool   `mapstructure:"color"`
	TimeStamps bool   `mapstructure:"timestamps"`
	Source     bool   `mapstructure:"source"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// Logger converts the [log] section into a logger configuration.
func (l LogConfig) Logger() logger.Config {
	return logger.Config{
		Slog: logger.SlogConfig{
			Level:      logger.Level(l.Level),
			Format:     logger.Format(l.Format),
			Color:      l.Color,
			TimeStamps: l.TimeStamps,
			Source:     l.Source,
		},
		File: logger.FileConfig{
			Path:       l.File,
			MaxSizeMB:  l.MaxSizeMB,
			MaxBackups: l.MaxBackups,
			MaxAgeDays: l.MaxAgeDays,
			Compress:   l.Compress,
		},
	}
}

// MetricsConfig enables Prometheus metrics. An empty Listen mounts /metrics
// on the API server.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

// HistoryConfig lists lifecycle history sink DSNs (sqlite, postgres,
// clickhouse, opensearch).
type HistoryConfig struct {
	Sinks []string `mapstructure:"sinks"`
}

// ListenerConfig declares a listener started when the daemon boots.
type ListenerConfig struct {
	ID         string         `mapstructure:"id"`
	Collection string         `mapstructure:"collection"`
	Where      []query.Clause `mapstructure:"where"`
	OrderBy    string         `mapstructure:"order_by"`
	Direction  string         `mapstructure:"direction"`
	Limit      int            `mapstructure:"limit"`
}

// Options converts the listener declaration into query options.
func (l ListenerConfig) Options() query.Options {
	opts := query.Options{Where: l.Where, Limit: l.Limit}
	if l.OrderBy != "" {
		opts.OrderBy = &query.Order{Field: l.OrderBy, Direction: query.Direction(strings.ToLower(l.Direction))}
	}
	return opts
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("store.dsn", "memory://")
	v.SetDefault("store.poll_interval", "1s")
	v.SetDefault("monitor.interval", monitor.DefaultInterval.String())
	v.SetDefault("monitor.max_retries", monitor.DefaultMaxRetries)
	v.SetDefault("monitor.probe_timeout", monitor.DefaultProbeTimeout.String())
	v.SetDefault("monitor.sentinel_collection", monitor.DefaultSentinelCollection)
	v.SetDefault("server.listen", "127.0.0.1:8080")
	v.SetDefault("server.base_path", "/api")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.color", false)
	v.SetDefault("log.timestamps", true)
	v.SetDefault("log.source", false)
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", logger.DefaultMaxSizeMB)
	v.SetDefault("log.max_backups", logger.DefaultMaxBackups)
	v.SetDefault("log.max_age_days", logger.DefaultMaxAgeDays)
	v.SetDefault("log.compress", false)
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen", "")
	v.SetDefault("history.sinks", []string{})
}

// Load reads a TOML config file. An empty path yields the defaults.
// Precedence: OS environment (LIVESYNC_*), then env_files entries, then the
// file, then defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	if files := v.GetStringSlice("env_files"); len(files) > 0 {
		base := ""
		if path != "" {
			base = filepath.Dir(path)
		}
		if err := applyEnvFiles(v, base, files); err != nil {
			return nil, err
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Store.DSN) == "" {
		return errors.New("store.dsn is required")
	}
	if c.Store.PollInterval < 0 {
		return errors.New("store.poll_interval must not be negative")
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("server.base_path %q must start with '/'", c.Server.BasePath)
	}
	if t := c.Server.TLS; t.Enabled && t.Dir == "" && (t.CertFile == "" || t.KeyFile == "") {
		return errors.New("server.tls: set cert_file and key_file, or dir")
	}
	seen := make(map[string]bool)
	for i, l := range c.Listeners {
		if l.Collection == "" {
			return fmt.Errorf("listeners[%d]: collection required", i)
		}
		if _, err := query.Build(l.Collection, l.Options()); err != nil {
			return fmt.Errorf("listeners[%d]: %w", i, err)
		}
		if l.ID != "" {
			if seen[l.ID] {
				return fmt.Errorf("listeners[%d]: duplicate id %q", i, l.ID)
			}
			seen[l.ID] = true
		}
	}
	return nil
}

// applyEnvFiles sets LIVESYNC_* values from .env files for every known key
// that the OS environment does not already override.
func applyEnvFiles(v *viper.Viper, base string, files []string) error {
	vals := make(map[string]string)
	for _, f := range files {
		if base != "" && !filepath.IsAbs(f) {
			f = filepath.Join(base, f)
		}
		m, err := loadEnvFile(f)
		if err != nil {
			return fmt.Errorf("env file %s: %w", f, err)
		}
		for k, val := range m {
			vals[k] = val
		}
	}
	for _, key := range v.AllKeys() {
		name := EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if _, inOS := os.LookupEnv(name); inOS {
			continue
		}
		if val, ok := vals[name]; ok {
			v.Set(key, val)
		}
	}
	return nil
}

// loadEnvFile parses a simple .env file with KEY=VALUE lines (no export, no quotes). Lines starting with # are ignored.
func loadEnvFile(path string) (map[string]string, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	m := make(map[string]string)
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if i := strings.IndexByte(line, '='); i >= 0 {
			m[strings.TrimSpace(line[:i])] = strings.TrimSpace(line[i+1:])
		}
	}
	return m, nil
}
