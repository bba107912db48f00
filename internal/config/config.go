package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/talaha3/maaspower/internal/device"
	goconfig "github.com/tpodg/go-config"
)

const (
	DefaultConfigFileName = ".maaspower.yaml"
	envPrefix             = "MAASPOWER"
)

type Config struct {
	SSH     SSHConfig      `yaml:"ssh"`
	Devices []DeviceConfig `yaml:"devices"`
}

// SSHConfig holds the defaults shared by every SSH-controlled device.
type SSHConfig struct {
	HostKeyPolicy    string        `yaml:"host_key_policy"`
	KnownHostsPath   string        `yaml:"known_hosts"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	UseAgent         bool          `yaml:"use_agent"`
}

// DeviceConfig is one device record. Settings are decoded by the device kind named in Type.
type DeviceConfig struct {
	Name     string         `yaml:"name"`
	Type     string         `yaml:"type"`
	Settings map[string]any `yaml:"settings"`
}

// Load the configuration from the given file or default locations.
func Load(cfgFile string) (*Config, error) {
	path, err := findConfigFile(cfgFile)
	if err != nil {
		return nil, err
	}

	c := goconfig.New()
	if path != "" {
		absPath, err := filepath.Abs(path)
		if err != nil {
			return nil, fmt.Errorf("failed to get absolute path for %s: %w", path, err)
		}
		c.WithProviders(&goconfig.Yaml{Path: absPath})
	}

	c.WithProviders(&goconfig.Env{Prefix: envPrefix})

	cfg := &Config{}
	if err := c.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return cfg, nil
}

// DeviceSpecs converts the device records for the device registry.
func (c *Config) DeviceSpecs() []device.Spec {
	specs := make([]device.Spec, 0, len(c.Devices))
	for _, d := range c.Devices {
		specs = append(specs, device.Spec{
			Name:     d.Name,
			Type:     d.Type,
			Settings: d.Settings,
		})
	}
	return specs
}

func findConfigFile(cfgFile string) (string, error) {
	if cfgFile != "" {
		if _, err := os.Stat(cfgFile); err != nil {
			return "", fmt.Errorf("failed to read config file %s: %w", cfgFile, err)
		}
		return cfgFile, nil
	}

	if home, err := os.UserHomeDir(); err == nil {
		path := filepath.Join(home, DefaultConfigFileName)
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}

	if _, err := os.Stat(DefaultConfigFileName); err == nil {
		return DefaultConfigFileName, nil
	}

	return "", nil
}
