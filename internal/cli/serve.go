package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/vend/internal/config"
	"github.com/roach88/vend/internal/httpapi"
	"github.com/roach88/vend/internal/store"
)

const (
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 30 * time.Second
	purgeInterval     = time.Minute
)

var serveFlagKeys = map[string]string{
	"listen":                     "listen",
	"public_url":                 "public-url",
	"maintenance":                "maintenance",
	"coordination.max_in_flight": "max-in-flight",
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the coordination layer over HTTP",
		Long: `Serve POST /rpc, GET /operations/{id}, /healthz and /metrics, and drain
the replay queue in the background.

Settings come from --config, VEND_* environment variables and flags, in
increasing order of precedence. Editing the config file's maintenance
setting while serving toggles maintenance mode without a restart.

Examples:
  vend serve
  vend serve --config vend.yaml
  vend serve --store-driver sqlite --store-dsn ./vend.db --catalog ./functions
  VEND_MAINTENANCE=true vend serve`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(rootOpts, cmd)
		},
	}

	cmd.Flags().String("listen", "", "listen address (default :8080)")
	cmd.Flags().String("public-url", "", "externally reachable base URL for poll links")
	cmd.Flags().Bool("maintenance", false, "start in maintenance mode")
	cmd.Flags().Int64("max-in-flight", 0, "bound on concurrent executions (0 = unlimited)")
	addStoreFlags(cmd, false)

	return cmd
}

func runServe(opts *RootOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd)

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	env, err := openEnvironment(ctx, opts, cmd, formatter, serveFlagKeys)
	if err != nil {
		return err
	}
	logger := env.Logger
	slog.SetDefault(logger)
	defer func() {
		closeCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
		defer done()
		if err := env.Close(closeCtx); err != nil {
			logger.Error("error closing store", "error", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	ln, err := net.Listen("tcp", env.Config.Listen)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeServer, "listen on "+env.Config.Listen, err)
	}
	handler := httpapi.New(env.Dispatcher, httpapi.Options{
		Metrics: env.Metrics,
		Logger:  logger,
		Tracing: true,
	})
	srv := &http.Server{
		Handler:           handler.ServeMux(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	env.Loader.Watch(func(c config.Config) {
		env.Dispatcher.Gate().SetMaintenance(c.Maintenance)
		logger.Info("maintenance mode set", "maintenance", c.Maintenance)
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, done := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer done()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		err := env.Dispatcher.Drainer().Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	if p, ok := env.Store.(store.Purger); ok {
		g.Go(func() error {
			purgeExpired(gctx, p, purgeInterval, logger)
			return nil
		})
	}

	logger.Info("vend serving",
		"addr", ln.Addr().String(),
		"store", env.Config.Store.Driver,
		"maintenance", env.Config.Maintenance,
	)
	fmt.Fprintf(cmd.OutOrStdout(), "Listening on %s\n", ln.Addr())

	if err := g.Wait(); err != nil {
		return WrapExitError(ExitFailure, "server error", err)
	}
	logger.Info("vend stopped gracefully")
	return nil
}

// purgeExpired deletes expired rows on every tick until ctx is done.
func purgeExpired(ctx context.Context, p store.Purger, every time.Duration, logger *slog.Logger) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		n, err := p.Purge(ctx)
		if err != nil {
			if ctx.Err() == nil {
				logger.Warn("purge failed", "error", err)
			}
			continue
		}
		if n > 0 {
			logger.Debug("purged expired records", "count", n)
		}
	}
}
