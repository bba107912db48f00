package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/ryanuber/columnize"
	"github.com/spf13/cobra"
	"github.com/talaha3/maaspower/internal/device"
)

type switchAction func(d device.Device, ctx context.Context) error

var onCmd = &cobra.Command{
	Use:   "on <device>...",
	Short: "Power on devices",
	Long:  `Send the power-on command of each named device. The command is not verified; use query to observe the result.`,
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSwitchCommand(cmd, args, "on", device.Device.TurnOn)
	},
}

var offCmd = &cobra.Command{
	Use:   "off <device>...",
	Short: "Power off devices",
	Long:  `Send the power-off command of each named device. The command is not verified; use query to observe the result.`,
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSwitchCommand(cmd, args, "off", device.Device.TurnOff)
	},
}

var queryCmd = &cobra.Command{
	Use:   "query <device>...",
	Short: "Query the power state of devices",
	Long:  `Run the query command of each named device and print its output with the classified power state.`,
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		powerApp := getApp(cmd)
		devices, err := loadDevices(powerApp)
		if err != nil {
			return err
		}
		selected, err := selectDevices(devices, args)
		if err != nil {
			return err
		}
		return queryDevices(cmd.Context(), powerApp.Logger, cmd.OutOrStdout(), selected)
	},
}

func runSwitchCommand(cmd *cobra.Command, names []string, operation string, action switchAction) error {
	powerApp := getApp(cmd)
	devices, err := loadDevices(powerApp)
	if err != nil {
		return err
	}
	selected, err := selectDevices(devices, names)
	if err != nil {
		return err
	}
	return switchDevices(cmd.Context(), powerApp.Logger, selected, operation, action)
}

// switchDevices applies action to every device and reports all failures together.
func switchDevices(ctx context.Context, logger *slog.Logger, devices []device.Device, operation string, action switchAction) error {
	var errs *multierror.Error
	for _, d := range devices {
		logger.Info("Sending power command", "device", d.Name(), "operation", operation)

		err := withTimeout(ctx, func(ctx context.Context) error {
			return action(d, ctx)
		})
		if err != nil {
			logger.Error("Power command failed", "device", d.Name(), "operation", operation, "error", err)
			errs = device.AppendError(errs, err)
			continue
		}

		logger.Info("Power command sent", "device", d.Name(), "operation", operation)
	}
	return errs.ErrorOrNil()
}

// queryColumns splits query table cells. Query output may contain "|", so cells are
// tab separated and tabs in the output are replaced.
var queryColumns = &columnize.Config{Delim: "\t"}

var queryCellReplacer = strings.NewReplacer("\r\n", `\n`, "\n", `\n`, "\r", `\r`, "\t", " ")

// queryCell renders command output on a single table line.
func queryCell(output string) string {
	return queryCellReplacer.Replace(output)
}

// queryDevices prints one "name state output" row per device.
func queryDevices(ctx context.Context, logger *slog.Logger, out io.Writer, devices []device.Device) error {
	var errs *multierror.Error
	rows := []string{"NAME\tSTATE\tOUTPUT"}
	for _, d := range devices {
		var output string
		err := withTimeout(ctx, func(ctx context.Context) error {
			var err error
			output, err = d.RunQuery(ctx)
			return err
		})
		if err != nil {
			logger.Error("Power query failed", "device", d.Name(), "error", err)
			errs = device.AppendError(errs, err)
			continue
		}
		rows = append(rows, strings.Join([]string{d.Name(), string(d.PowerState(output)), queryCell(output)}, "\t"))
	}

	if len(rows) > 1 {
		if _, err := fmt.Fprintln(out, columnize.Format(rows, queryColumns)); err != nil {
			return err
		}
	}
	return errs.ErrorOrNil()
}

func init() {
	rootCmd.AddCommand(onCmd)
	rootCmd.AddCommand(offCmd)
	rootCmd.AddCommand(queryCmd)
}
