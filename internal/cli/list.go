package cli

import (
	"fmt"
	"io"

	"github.com/ryanuber/columnize"
	"github.com/spf13/cobra"
	"github.com/talaha3/maaspower/internal/device"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured devices",
	Long:  `Validate the configuration and print every configured device with its type and host.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		devices, err := loadDevices(getApp(cmd))
		if err != nil {
			return err
		}
		return printDevices(cmd.OutOrStdout(), devices)
	},
}

type hosted interface {
	Host() string
}

func printDevices(out io.Writer, devices []device.Device) error {
	rows := []string{"NAME | TYPE | HOST"}
	for _, d := range devices {
		host := "-"
		if h, ok := d.(hosted); ok {
			host = h.Host()
		}
		rows = append(rows, fmt.Sprintf("%s | %s | %s", d.Name(), d.Type(), host))
	}
	_, err := fmt.Fprintln(out, columnize.SimpleFormat(rows))
	return err
}

func init() {
	rootCmd.AddCommand(listCmd)
}
