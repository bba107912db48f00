package cli

import (
	"fmt"
	"sort"
	"strings"

	"github.com/talaha3/maaspower/internal/app"
	"github.com/talaha3/maaspower/internal/device"
	"github.com/talaha3/maaspower/internal/strutil"
)

func loadDevices(powerApp *app.App) ([]device.Device, error) {
	exec, err := powerApp.Executor()
	if err != nil {
		return nil, fmt.Errorf("configure ssh: %w", err)
	}
	devices, err := powerApp.Devices(exec)
	if err != nil {
		return nil, fmt.Errorf("load devices: %w", err)
	}
	return devices, nil
}

// selectDevices returns the devices named in names, in argument order.
func selectDevices(devices []device.Device, names []string) ([]device.Device, error) {
	byName := make(map[string]device.Device, len(devices))
	for _, d := range devices {
		byName[d.Name()] = d
	}

	names = strutil.CleanList(names)
	if len(names) == 0 {
		return nil, fmt.Errorf("no device names given")
	}

	var unknown []string
	selected := make([]device.Device, 0, len(names))
	for _, name := range names {
		d, ok := byName[name]
		if !ok {
			unknown = append(unknown, name)
			continue
		}
		selected = append(selected, d)
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return nil, fmt.Errorf("unknown devices: %s", strings.Join(unknown, ", "))
	}
	return selected, nil
}
