// Package config loads vend settings from a YAML file, VEND_* environment
// variables and command-line flags, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override: VEND_STORE_DRIVER sets
// store.driver.
const EnvPrefix = "VEND"

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
)

var ErrInvalid = errors.New("invalid configuration")

type Config struct {
	Listen string `mapstructure:"listen"`

	// PublicURL is the externally reachable base URL used in poll links.
	PublicURL string `mapstructure:"public_url"`

	Store        StoreConfig        `mapstructure:"store"`
	Coordination CoordinationConfig `mapstructure:"coordination"`

	Maintenance       bool     `mapstructure:"maintenance"`
	Catalog           string   `mapstructure:"catalog"`
	PrivilegedCallers []string `mapstructure:"privileged_callers"`

	Log LogConfig `mapstructure:"log"`
}

type StoreConfig struct {
	Driver string      `mapstructure:"driver"`
	DSN    string      `mapstructure:"dsn"`
	Redis  RedisConfig `mapstructure:"redis"`
}

type RedisConfig struct {
	Addr   string `mapstructure:"addr"`
	Prefix string `mapstructure:"prefix"`
}

type CoordinationConfig struct {
	Lock struct {
		MaxTTL     time.Duration `mapstructure:"max_ttl"`
		DefaultTTL time.Duration `mapstructure:"default_ttl"`
	} `mapstructure:"lock"`
	Idempotency struct {
		TTL time.Duration `mapstructure:"ttl"`
	} `mapstructure:"idempotency"`
	Operation struct {
		Retention time.Duration `mapstructure:"retention"`
	} `mapstructure:"operation"`
	Replay      ReplayConfig  `mapstructure:"replay"`
	MaxInFlight int64         `mapstructure:"max_in_flight"`
	SyncBudget  time.Duration `mapstructure:"sync_budget"`
}

type ReplayConfig struct {
	MaxAttempts   int           `mapstructure:"max_attempts"`
	Retention     time.Duration `mapstructure:"retention"`
	DrainInterval time.Duration `mapstructure:"drain_interval"`
	DrainRate     float64       `mapstructure:"drain_rate"`
	BackoffBase   time.Duration `mapstructure:"backoff_base"`
	BackoffMax    time.Duration `mapstructure:"backoff_max"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Validate checks c for values no component could serve.
func (c Config) Validate() error {
	var errs []error
	switch c.Store.Driver {
	case DriverMemory:
	case DriverSQLite, DriverPostgres:
		if c.Store.DSN == "" {
			errs = append(errs, fmt.Errorf("store.dsn is required for driver %q", c.Store.Driver))
		}
	case DriverRedis:
		if c.Store.Redis.Addr == "" {
			errs = append(errs, errors.New("store.redis.addr is required for driver \"redis\""))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store.driver %q", c.Store.Driver))
	}

	co := c.Coordination
	durations := []struct {
		key string
		d   time.Duration
	}{
		{"coordination.lock.max_ttl", co.Lock.MaxTTL},
		{"coordination.lock.default_ttl", co.Lock.DefaultTTL},
		{"coordination.idempotency.ttl", co.Idempotency.TTL},
		{"coordination.operation.retention", co.Operation.Retention},
		{"coordination.replay.retention", co.Replay.Retention},
		{"coordination.replay.drain_interval", co.Replay.DrainInterval},
		{"coordination.replay.backoff_base", co.Replay.BackoffBase},
		{"coordination.replay.backoff_max", co.Replay.BackoffMax},
		{"coordination.sync_budget", co.SyncBudget},
	}
	for _, chk := range durations {
		if chk.d < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", chk.key))
		}
	}
	if co.Lock.MaxTTL > 0 && co.Lock.DefaultTTL > co.Lock.MaxTTL {
		errs = append(errs, errors.New("coordination.lock.default_ttl exceeds coordination.lock.max_ttl"))
	}
	if co.Replay.MaxAttempts < 0 {
		errs = append(errs, errors.New("coordination.replay.max_attempts must not be negative"))
	}
	if co.Replay.DrainRate < 0 {
		errs = append(errs, errors.New("coordination.replay.drain_rate must not be negative"))
	}
	if co.MaxInFlight < 0 {
		errs = append(errs, errors.New("coordination.max_in_flight must not be negative"))
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

// ParseLevel maps a log level name to its slog level.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("unknown log.level %q", s)
	}
	return l, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen", ":8080")
	v.SetDefault("public_url", "")
	v.SetDefault("store.driver", DriverMemory)
	v.SetDefault("store.dsn", "")
	v.SetDefault("store.redis.addr", "")
	v.SetDefault("store.redis.prefix", "vend")
	v.SetDefault("coordination.lock.max_ttl", time.Hour)
	v.SetDefault("coordination.lock.default_ttl", 30*time.Second)
	v.SetDefault("coordination.idempotency.ttl", 24*time.Hour)
	v.SetDefault("coordination.operation.retention", 24*time.Hour)
	v.SetDefault("coordination.replay.max_attempts", 3)
	v.SetDefault("coordination.replay.retention", 24*time.Hour)
	v.SetDefault("coordination.replay.drain_interval", time.Second)
	v.SetDefault("coordination.replay.drain_rate", 0)
	v.SetDefault("coordination.replay.backoff_base", time.Second)
	v.SetDefault("coordination.replay.backoff_max", 5*time.Minute)
	v.SetDefault("coordination.max_in_flight", 0)
	v.SetDefault("coordination.sync_budget", time.Duration(0))
	v.SetDefault("maintenance", false)
	v.SetDefault("catalog", "")
	v.SetDefault("privileged_callers", []string{})
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// Loader reads Config and reloads it when the config file changes.
type Loader struct {
	v      *viper.Viper
	path   string
	logger *slog.Logger

	mu       sync.Mutex
	watching bool
}

// NewLoader creates a Loader reading path. An empty path relies on
// defaults, environment and flags only.
func NewLoader(path string, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
	}
	return &Loader{v: v, path: path, logger: logger}
}

// BindFlags binds flags to config keys. Each entry maps a key such as
// "store.driver" to the flag that overrides it.
func (l *Loader) BindFlags(fs *pflag.FlagSet, keys map[string]string) error {
	for key, name := range keys {
		f := fs.Lookup(name)
		if f == nil {
			return fmt.Errorf("bind %s: flag --%s not defined", key, name)
		}
		if err := l.v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("bind %s: %w", key, err)
		}
	}
	return nil
}

// Load reads the file, if any, and returns the validated Config.
func (l *Loader) Load() (Config, error) {
	if l.path != "" {
		if err := l.v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", l.path, err)
		}
	}
	return l.decode()
}

func (l *Loader) decode() (Config, error) {
	var c Config
	if err := l.v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Watch calls fn with each valid Config produced by a change to the config
// file. Invalid edits are logged and ignored. Without a file Watch does
// nothing.
func (l *Loader) Watch(fn func(Config)) {
	if l.path == "" {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.watching {
		return
	}
	l.watching = true

	l.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		c, err := l.decode()
		if err != nil {
			l.logger.Warn("config reload rejected", "path", e.Name, "error", err)
			return
		}
		l.logger.Info("config reloaded", "path", e.Name)
		fn(c)
	})
	l.v.WatchConfig()
}
