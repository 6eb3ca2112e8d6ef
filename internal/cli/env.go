package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/roach88/vend/internal/builtin"
	"github.com/roach88/vend/internal/catalog"
	"github.com/roach88/vend/internal/clock"
	"github.com/roach88/vend/internal/config"
	"github.com/roach88/vend/internal/coord"
	"github.com/roach88/vend/internal/metrics"
	"github.com/roach88/vend/internal/replay"
	"github.com/roach88/vend/internal/store"
	"github.com/roach88/vend/internal/webhook"
)

// storeFlagKeys binds the store flags every store-backed command carries.
var storeFlagKeys = map[string]string{
	"store.driver":     "store-driver",
	"store.dsn":        "store-dsn",
	"store.redis.addr": "redis-addr",
	"catalog":          "catalog",
}

// addStoreFlags declares the flags in storeFlagKeys. Defaults are empty:
// unset flags fall through to the environment, the config file and the
// config defaults.
func addStoreFlags(cmd *cobra.Command, persistent bool) {
	fs := cmd.Flags()
	if persistent {
		fs = cmd.PersistentFlags()
	}
	fs.String("store-driver", "", "store driver (memory|sqlite|postgres|redis)")
	fs.String("store-dsn", "", "sqlite path or postgres DSN")
	fs.String("redis-addr", "", "redis address (host:port)")
	fs.String("catalog", "", "directory of CUE function policies")
}

// environment is a configured dispatcher over the configured store.
type environment struct {
	Config     config.Config
	Loader     *config.Loader
	Logger     *slog.Logger
	Metrics    *metrics.Metrics
	Store      store.AtomicStore
	Dispatcher *coord.Dispatcher
}

// loadConfig reads the config file named by --config, with the flags in
// keys overriding it.
func loadConfig(opts *RootOptions, cmd *cobra.Command, keys ...map[string]string) (*config.Loader, config.Config, error) {
	loader := config.NewLoader(opts.ConfigPath, slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), nil)))
	for _, k := range keys {
		if err := loader.BindFlags(cmd.Flags(), k); err != nil {
			return nil, config.Config{}, err
		}
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, config.Config{}, err
	}
	return loader, cfg, nil
}

// newLogger builds the process logger. --verbose forces debug level.
func newLogger(cfg config.LogConfig, verbose bool, w io.Writer) *slog.Logger {
	level, err := config.ParseLevel(cfg.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	if verbose {
		level = slog.LevelDebug
	}
	hopts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, hopts))
	}
	return slog.New(slog.NewTextHandler(w, hopts))
}

// openStore opens the store cfg names.
func openStore(ctx context.Context, cfg config.StoreConfig, clk clock.Clock) (store.AtomicStore, error) {
	switch cfg.Driver {
	case config.DriverMemory:
		return store.NewMemory(clk), nil
	case config.DriverSQLite:
		return store.OpenSQLite(cfg.DSN, clk)
	case config.DriverPostgres:
		return store.OpenPostgres(ctx, cfg.DSN, clk)
	case config.DriverRedis:
		return store.OpenRedis(ctx, cfg.Redis.Addr, cfg.Redis.Prefix, clk)
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
}

// dispatcherOptions maps cfg onto coord.Options.
func dispatcherOptions(cfg config.Config, logger *slog.Logger, m *metrics.Metrics) coord.Options {
	co := cfg.Coordination
	return coord.Options{
		LockMaxTTL:         co.Lock.MaxTTL,
		DefaultLockTTL:     co.Lock.DefaultTTL,
		IdempotencyTTL:     co.Idempotency.TTL,
		OperationRetention: co.Operation.Retention,
		ReplayRetention:    co.Replay.Retention,
		ReplayMaxAttempts:  co.Replay.MaxAttempts,
		ReplayBackoffBase:  co.Replay.BackoffBase,
		ReplayBackoffMax:   co.Replay.BackoffMax,
		Drain: replay.DrainerOptions{
			Interval: co.Replay.DrainInterval,
			Rate:     co.Replay.DrainRate,
		},
		MaxInFlight:       co.MaxInFlight,
		Maintenance:       cfg.Maintenance,
		SyncBudget:        co.SyncBudget,
		PrivilegedCallers: cfg.PrivilegedCallers,
		PollURL:           cfg.PublicURL,
		Notifier:          webhook.New(webhook.Options{Logger: logger, Metrics: m}),
		Logger:            logger,
		Metrics:           m,
	}
}

// openEnvironment loads config, opens the store and builds a dispatcher
// serving the builtin functions and the configured catalog. Failures are
// written through f and returned as ExitErrors.
func openEnvironment(ctx context.Context, opts *RootOptions, cmd *cobra.Command, f *OutputFormatter, keys ...map[string]string) (*environment, error) {
	loader, cfg, err := loadConfig(opts, cmd, append([]map[string]string{storeFlagKeys}, keys...)...)
	if err != nil {
		return nil, f.Fail(ExitCommandError, ErrCodeConfig, "load config", err)
	}
	logger := newLogger(cfg.Log, opts.Verbose, cmd.ErrOrStderr())
	m := metrics.New()

	st, err := openStore(ctx, cfg.Store, clock.Real{})
	if err != nil {
		return nil, f.Fail(ExitCommandError, ErrCodeStore, "open store", err)
	}
	f.VerboseLog("Opened %s store", cfg.Store.Driver)

	d := coord.New(st, dispatcherOptions(cfg, logger, m))
	if err := builtin.Register(d, clock.Real{}); err != nil {
		st.Close()
		return nil, f.Fail(ExitCommandError, ErrCodeGeneric, "register functions", err)
	}
	if cfg.Catalog != "" {
		cat, err := catalog.Load(cfg.Catalog)
		if err == nil {
			err = cat.Apply(d)
		}
		if err != nil {
			st.Close()
			return nil, f.Fail(ExitCommandError, ErrCodeCatalog, "load catalog", err)
		}
		f.VerboseLog("Applied %d policies from %s", len(cat.Policies), cfg.Catalog)
	}

	return &environment{
		Config:     cfg,
		Loader:     loader,
		Logger:     logger,
		Metrics:    m,
		Store:      st,
		Dispatcher: d,
	}, nil
}

// Close waits for background executions, then closes the store.
func (e *environment) Close(ctx context.Context) error {
	waitErr := e.Dispatcher.Wait(ctx)
	closeErr := e.Store.Close()
	if waitErr != nil {
		return waitErr
	}
	return closeErr
}
