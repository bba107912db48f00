package device

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/hashicorp/go-multierror"
)

// Builder creates a device from its decoded settings.
type Builder func(settings map[string]any, env Env) (Device, error)

// Kind ties a type discriminator to a builder.
type Kind struct {
	Type  string
	Build Builder
}

// Spec is the configuration record of one device.
type Spec struct {
	Name     string
	Type     string
	Settings map[string]any
}

// Registry builds devices by their type discriminator. Types match exactly, so
// "xenserver" does not select the XenServer kind.
type Registry struct {
	kinds map[string]Kind
}

// NewRegistry indexes kinds by type.
func NewRegistry(kinds ...Kind) (*Registry, error) {
	index := make(map[string]Kind, len(kinds))
	for _, k := range kinds {
		if k.Type == "" {
			return nil, errors.New("device kind with empty type")
		}
		if _, exists := index[k.Type]; exists {
			return nil, fmt.Errorf("duplicate device kind: %s", k.Type)
		}
		index[k.Type] = k
	}
	return &Registry{kinds: index}, nil
}

// Types returns the registered type discriminators, sorted.
func (r *Registry) Types() []string {
	out := make([]string, 0, len(r.kinds))
	for _, k := range r.kinds {
		out = append(out, k.Type)
	}
	sort.Strings(out)
	return out
}

// Build creates one device. The spec name is passed to the kind as the "name" setting.
func (r *Registry) Build(spec Spec, env Env) (Device, error) {
	kind, ok := r.kinds[spec.Type]
	if !ok {
		return nil, &ConfigurationError{
			Device: spec.Name,
			Err:    fmt.Errorf("unknown device type %q (known: %s)", spec.Type, strings.Join(r.Types(), ", ")),
		}
	}

	settings := make(map[string]any, len(spec.Settings)+1)
	for key, value := range spec.Settings {
		settings[key] = value
	}
	settings["name"] = spec.Name

	dev, err := kind.Build(settings, env)
	if err != nil {
		var cfgErr *ConfigurationError
		if errors.As(err, &cfgErr) {
			return nil, err
		}
		return nil, &ConfigurationError{Device: spec.Name, Err: err}
	}
	return dev, nil
}

// BuildAll builds every spec and reports all failures together.
// Device names must be unique.
func (r *Registry) BuildAll(specs []Spec, env Env) ([]Device, error) {
	var errs *multierror.Error
	seen := make(map[string]struct{}, len(specs))
	devices := make([]Device, 0, len(specs))

	for _, spec := range specs {
		if _, exists := seen[spec.Name]; exists {
			errs = AppendError(errs, &ConfigurationError{Device: spec.Name, Err: errors.New("duplicate device name")})
			continue
		}
		seen[spec.Name] = struct{}{}

		dev, err := r.Build(spec, env)
		if err != nil {
			errs = AppendError(errs, err)
			continue
		}
		devices = append(devices, dev)
	}

	if err := errs.ErrorOrNil(); err != nil {
		return nil, err
	}
	return devices, nil
}
