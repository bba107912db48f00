// Package device defines the power-controllable device kinds and the registry that builds them
// from configuration.
package device

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/talaha3/maaspower/internal/remote"
)

// State is the power state inferred from a query's output.
type State string

const (
	StateOn      State = "on"
	StateOff     State = "off"
	StateUnknown State = "unknown"
)

// Device is a single remotely power-controlled machine.
type Device interface {
	// Name returns the logical device name used for lookup.
	Name() string
	// Type returns the kind discriminator, e.g. "XenServer".
	Type() string
	// TurnOn asks the device to power on. It does not wait for or verify the transition.
	TurnOn(ctx context.Context) error
	// TurnOff asks the device to power off. It does not wait for or verify the transition.
	TurnOff(ctx context.Context) error
	// RunQuery returns the raw output of the device's state query.
	RunQuery(ctx context.Context) (string, error)
	// PowerState classifies output returned by RunQuery.
	PowerState(output string) State
}

// Env carries the shared collaborators handed to every device kind.
type Env struct {
	Executor remote.Executor
	Logger   *slog.Logger

	// HostKeyPolicy is the executor-wide policy a device inherits when it sets none.
	HostKeyPolicy remote.HostKeyPolicy
}

// ConfigurationError reports a descriptor that cannot be built from its configuration.
type ConfigurationError struct {
	Device string
	Err    error
}

func (e *ConfigurationError) Error() string {
	if e.Device == "" {
		return fmt.Sprintf("invalid device configuration: %v", e.Err)
	}
	return fmt.Sprintf("invalid configuration for device %q: %v", e.Device, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }
