package cli

import (
	"context"
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/talaha3/maaspower/internal/device"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report the power state of all devices",
	Long:  `Query every configured device and log its power state. Failures are logged and do not stop the remaining devices.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		powerApp := getApp(cmd)
		powerApp.Logger.Info("Starting status check")

		if len(powerApp.Config.Devices) == 0 {
			powerApp.Logger.Warn("No devices configured")
			return nil
		}

		devices, err := loadDevices(powerApp)
		if err != nil {
			return err
		}

		reportStatus(cmd.Context(), powerApp.Logger, devices)
		return nil
	},
}

func reportStatus(ctx context.Context, logger *slog.Logger, devices []device.Device) {
	for _, d := range devices {
		var output string
		err := withTimeout(ctx, func(ctx context.Context) error {
			var err error
			output, err = d.RunQuery(ctx)
			return err
		})
		if err != nil {
			logger.Error("Status check failed", "device", d.Name(), "error", err)
			continue
		}

		switch state := d.PowerState(output); state {
		case device.StateUnknown:
			logger.Warn("Power state unknown (unexpected output)", "device", d.Name(), "output", output)
		default:
			logger.Info("Power state", "device", d.Name(), "state", string(state))
		}
	}
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
