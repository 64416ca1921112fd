package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/scienceol/doppio/internal/config"
	"github.com/scienceol/doppio/internal/ui"
)

var (
	flagConfig     string
	flagRuntimeDir string
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "path to YAML config file (default: $XDG_CONFIG_HOME/doppio/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&flagRuntimeDir, "runtime-dir", "", "directory holding the daemon socket and lock file (default: $XDG_RUNTIME_DIR)")
}

var rootCmd = &cobra.Command{
	Use:   "doppio",
	Short: "Share one sleep inhibitor between many processes",
	Long: `doppio keeps the machine awake on behalf of independent processes.

Each process names its reason with an id. The doppio daemon holds one
power-management inhibitor per id. Inhibiting the same id twice holds one
inhibitor, and a single release drops it.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the CLI and exits non-zero on failure.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		ui.Stderr.Error(err)
		os.Exit(1)
	}
}

// loadConfig resolves configuration with the persistent flags applied.
func loadConfig(extra config.Flags) (*config.Config, error) {
	extra.ConfigFile = flagConfig
	extra.RuntimeDir = flagRuntimeDir
	return config.Load(extra)
}
