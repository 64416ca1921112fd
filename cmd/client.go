package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/scienceol/doppio/internal/client"
	"github.com/scienceol/doppio/internal/config"
	"github.com/scienceol/doppio/internal/protocol"
)

func init() {
	rootCmd.AddCommand(inhibitCmd, releaseCmd, statusCmd)
}

var inhibitCmd = &cobra.Command{
	Use:   "inhibit <id>",
	Short: "Keep the machine awake on behalf of id",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		return c.Inhibit(cmd.Context(), args[0])
	},
}

var releaseCmd = &cobra.Command{
	Use:   "release <id>",
	Short: "Drop the inhibitor held for id",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		return c.Release(cmd.Context(), args[0])
	},
}

var statusCmd = &cobra.Command{
	Use:   "status [<id>]",
	Short: "Print whether id inhibits, or every active id",
	Long: `With an id, prints "inhibits" or "free".
Without one, prints every id currently inhibiting, one per line.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()

		if len(args) == 0 {
			ids, err := c.Active(cmd.Context())
			if err != nil {
				return err
			}
			for _, id := range ids {
				fmt.Fprintln(out, id)
			}
			return nil
		}

		state, err := c.Status(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		switch state {
		case protocol.StateInhibits:
			fmt.Fprintln(out, "inhibits")
		default:
			fmt.Fprintln(out, "free")
		}
		return nil
	},
}

func newClient() (*client.Client, error) {
	cfg, err := loadConfig(config.Flags{})
	if err != nil {
		return nil, fmt.Errorf("configuration error: %w", err)
	}
	return client.New(cfg.SocketPath()), nil
}
