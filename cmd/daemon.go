package cmd

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"pkt.systems/pslog"

	"github.com/scienceol/doppio/internal/config"
	"github.com/scienceol/doppio/internal/daemon"
	"github.com/scienceol/doppio/internal/logging"
	"github.com/scienceol/doppio/internal/metrics"
	"github.com/scienceol/doppio/internal/power"
	"github.com/scienceol/doppio/internal/registry"
	"github.com/scienceol/doppio/internal/singleton"
	"github.com/scienceol/doppio/internal/ui"
)

var (
	flagBackend       string
	flagLogLevel      string
	flagMetricsListen string
)

// openBackend is replaced in tests.
var openBackend = power.New

func init() {
	daemonCmd.Flags().StringVar(&flagBackend, "backend", "", "power backend: logind, systemd-inhibit or caffeinate (default: platform default)")
	daemonCmd.Flags().StringVar(&flagLogLevel, "log-level", "", "log level: trace, debug, info, warn, error (default: info)")
	daemonCmd.Flags().StringVar(&flagMetricsListen, "metrics-listen", "", "serve Prometheus metrics on this address, e.g. 127.0.0.1:9370")
	rootCmd.AddCommand(daemonCmd)
}

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the inhibitor daemon in the foreground",
	Long: `Run the doppio daemon. It listens on $XDG_RUNTIME_DIR/doppio.sock and
holds one power-management inhibitor per id until that id is released or
the daemon stops. Only one daemon may run per runtime directory.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(config.Flags{
			Backend:       flagBackend,
			LogLevel:      flagLogLevel,
			MetricsListen: flagMetricsListen,
		})
		if err != nil {
			return fmt.Errorf("configuration error: %w", err)
		}
		logger := logging.New(os.Stderr, cfg.LogLevel)
		return runDaemon(cmd.Context(), cfg, logger, cmd.ErrOrStderr())
	},
}

func runDaemon(ctx context.Context, cfg *config.Config, logger pslog.Logger, out io.Writer) error {
	lock, err := singleton.Acquire(cfg.LockPath())
	if err != nil {
		return err
	}
	defer func() {
		if err := lock.Release(); err != nil {
			logger.Warn("daemon.singleton.release_failed", "error", err)
		}
	}()

	backend, err := openBackend(ctx, cfg.Backend, logger)
	if err != nil {
		return fmt.Errorf("power management unavailable: %w", err)
	}
	defer func() {
		if err := backend.Close(); err != nil {
			logger.Warn("daemon.backend.close_failed", "error", err)
		}
	}()

	var reg *registry.Registry
	m := metrics.New(func() int { return reg.Len() })
	reg = registry.New(m.InstrumentAcquirer(backend), logger)

	p := ui.New(out)
	p.Banner(version)
	p.KeyValue("socket", cfg.SocketPath())
	p.KeyValue("backend", backend.Name())

	if cfg.MetricsListen != "" {
		stop, err := m.Serve(cfg.MetricsListen, logger)
		if err != nil {
			return err
		}
		defer func() {
			if err := stop(context.WithoutCancel(ctx)); err != nil {
				logger.Warn("metrics.shutdown_failed", "error", err)
			}
		}()
		p.KeyValue("metrics", cfg.MetricsListen)
	}
	p.Separator()

	srv := daemon.New(reg, daemon.WithLogger(logger), daemon.WithMetrics(m))
	return srv.Run(ctx, cfg.SocketPath())
}
