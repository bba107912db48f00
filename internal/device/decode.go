package device

import (
	"fmt"

	"github.com/goccy/go-yaml"
)

// DecodeSettings decodes raw settings into a typed config struct.
// Keys that do not map to a field of T are rejected.
func DecodeSettings[T any](raw map[string]any) (T, error) {
	var cfg T
	if raw == nil {
		return cfg, nil
	}

	data, err := yaml.Marshal(raw)
	if err != nil {
		return cfg, fmt.Errorf("encode settings: %w", err)
	}
	if err := yaml.UnmarshalWithOptions(data, &cfg, yaml.Strict()); err != nil {
		return cfg, fmt.Errorf("decode settings: %w", err)
	}
	return cfg, nil
}

// KindFor creates a Kind that decodes settings into a typed config before building the device.
func KindFor[T any](typ string, build func(cfg T, env Env) (Device, error)) Kind {
	return Kind{
		Type: typ,
		Build: func(settings map[string]any, env Env) (Device, error) {
			cfg, err := DecodeSettings[T](settings)
			if err != nil {
				return nil, err
			}
			return build(cfg, env)
		},
	}
}
