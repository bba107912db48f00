package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/talaha3/maaspower/internal/app"
	"github.com/talaha3/maaspower/internal/config"
)

type contextKey string

const appKey contextKey = "app"

const defaultCommandTimeout = 60 * time.Second

var commandTimeout time.Duration

var rootCmd = &cobra.Command{
	Use:   "maaspower",
	Short: "Maaspower switches remotely hosted machines on and off",
	Long: `Maaspower drives the power of machines managed by MAAS through the
hypervisor or switch that hosts them, for example a XenServer VM
controlled with xe commands over SSH.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfgFile, err := cmd.Flags().GetString("config")
		if err != nil {
			return err
		}

		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}

		powerApp := app.New(cfg)
		ctx := context.WithValue(cmd.Context(), appKey, powerApp)
		cmd.SetContext(ctx)

		return nil
	},
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("config", "", fmt.Sprintf("config file (default is $HOME/%s)", config.DefaultConfigFileName))
	rootCmd.PersistentFlags().DurationVar(&commandTimeout, "timeout", defaultCommandTimeout, "per-device timeout for remote commands (0 disables)")
}

func getApp(cmd *cobra.Command) *app.App {
	if a, ok := cmd.Context().Value(appKey).(*app.App); ok {
		return a
	}
	return nil
}

// withTimeout runs fn with the configured per-device timeout applied to ctx.
func withTimeout(ctx context.Context, fn func(ctx context.Context) error) error {
	if commandTimeout <= 0 {
		return fn(ctx)
	}
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()
	return fn(ctx)
}
