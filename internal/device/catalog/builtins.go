package catalog

import (
	"github.com/talaha3/maaspower/internal/device"
	"github.com/talaha3/maaspower/internal/device/xenserver"
)

// Builtins returns the built-in device kinds.
func Builtins() []device.Kind {
	return []device.Kind{
		xenserver.Kind(),
	}
}

// NewRegistry returns a registry of the built-in device kinds.
func NewRegistry() (*device.Registry, error) {
	return device.NewRegistry(Builtins()...)
}
