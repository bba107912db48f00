// Package xenserver implements a device whose power is controlled by running
// xe commands on the XenServer host over SSH.
package xenserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/talaha3/maaspower/internal/device"
	"github.com/talaha3/maaspower/internal/remote"
	"github.com/talaha3/maaspower/internal/strutil"
)

// Type is the discriminator of this device kind in configuration.
const Type = "XenServer"

const (
	DefaultOnCommand     = "xe vm-start uuid={{ .UUID }}"
	DefaultOffCommand    = "xe vm-shutdown uuid={{ .UUID }} force=true"
	DefaultQueryCommand  = "xe vm-param-get uuid={{ .UUID }} param-name=power-state"
	DefaultQueryOnRegex  = "^running$"
	DefaultQueryOffRegex = "^halted$"
)

// powerStates are the values xe reports for the power-state parameter.
var powerStates = []string{"running", "halted", "paused", "suspended"}

// Config is the configuration record of a XenServer-hosted VM.
// On, Off and Query are templates over .UUID and .Name when they contain "{{"; any other
// value is used verbatim. A literal "{{" in a template is written {{ "{{" }}.
// Empty values use the defaults.
type Config struct {
	Name          string `yaml:"name"`
	Host          string `yaml:"host"`
	Username      string `yaml:"username"`
	Password      string `yaml:"password"`
	UUID          string `yaml:"uuid"`
	On            string `yaml:"on"`
	Off           string `yaml:"off"`
	Query         string `yaml:"query"`
	QueryOnRegex  string `yaml:"query_on_regex"`
	QueryOffRegex string `yaml:"query_off_regex"`
	HostKeyPolicy string `yaml:"host_key_policy"`
	HostKey       string `yaml:"host_key"`
}

// Commands holds the resolved command lines of a device.
type Commands struct {
	On    string
	Off   string
	Query string
}

// XenServer is an immutable descriptor of one VM. Every operation opens its own
// remote session, so a XenServer is safe for concurrent use.
type XenServer struct {
	device.RegexSwitch

	name     string
	target   remote.Target
	commands Commands
	exec     remote.Executor
	logger   *slog.Logger
}

type options struct {
	logger        *slog.Logger
	hostKeyPolicy remote.HostKeyPolicy
}

type Option func(*options)

// WithLogger sets the logger used for stderr output and non-zero exit statuses.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithHostKeyPolicy sets the policy inherited when the device sets no host_key_policy,
// so that a pinned policy without a host_key is rejected when the device is built.
func WithHostKeyPolicy(policy remote.HostKeyPolicy) Option {
	return func(o *options) {
		o.hostKeyPolicy = policy
	}
}

// Kind registers the XenServer type with a device registry.
func Kind() device.Kind {
	return device.KindFor(Type, func(cfg Config, env device.Env) (device.Device, error) {
		x, err := New(cfg, env.Executor, WithLogger(env.Logger), WithHostKeyPolicy(env.HostKeyPolicy))
		if err != nil {
			return nil, err
		}
		return x, nil
	})
}

// New validates cfg and resolves its command templates. All problems found are
// reported together in a *device.ConfigurationError.
func New(cfg Config, exec remote.Executor, opts ...Option) (*XenServer, error) {
	o := options{logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	for _, opt := range opts {
		opt(&o)
	}

	var errs *multierror.Error

	if err := strutil.ValidateIdentifier("name", cfg.Name); err != nil {
		errs = device.AppendError(errs, err)
	}
	if strings.TrimSpace(cfg.Host) == "" {
		errs = device.AppendError(errs, errors.New("host is required"))
	}
	if cfg.Username == "" {
		errs = device.AppendError(errs, errors.New("username is required"))
	}
	if cfg.Password == "" {
		errs = device.AppendError(errs, errors.New("password is required"))
	}
	if cfg.UUID != "" {
		if err := strutil.ValidateIdentifier("uuid", cfg.UUID); err != nil {
			errs = device.AppendError(errs, err)
		}
	}
	if exec == nil {
		errs = device.AppendError(errs, errors.New("no remote executor configured"))
	}

	hostKey, err := hostKeyConfig(cfg, o.hostKeyPolicy)
	if err != nil {
		errs = device.AppendError(errs, err)
	}

	commands, err := resolveCommands(cfg)
	if err != nil {
		errs = device.AppendError(errs, err)
	}

	regex, err := device.NewRegexSwitch(
		withDefault(cfg.QueryOnRegex, DefaultQueryOnRegex),
		withDefault(cfg.QueryOffRegex, DefaultQueryOffRegex),
		powerStates...,
	)
	if err != nil {
		errs = device.AppendError(errs, err)
	}

	if err := errs.ErrorOrNil(); err != nil {
		return nil, &device.ConfigurationError{Device: cfg.Name, Err: err}
	}

	return &XenServer{
		RegexSwitch: regex,
		name:        cfg.Name,
		target: remote.Target{
			Address: strings.TrimSpace(cfg.Host),
			Credentials: remote.Credentials{
				Username: cfg.Username,
				Password: cfg.Password,
			},
			HostKey: hostKey,
		},
		commands: commands,
		exec:     exec,
		logger:   o.logger,
	}, nil
}

func (x *XenServer) Name() string { return x.name }
func (x *XenServer) Type() string { return Type }

// Host returns the address of the hypervisor.
func (x *XenServer) Host() string { return x.target.Address }

// Commands returns the resolved command lines.
func (x *XenServer) Commands() Commands { return x.commands }

func (x *XenServer) TurnOn(ctx context.Context) error {
	_, err := x.run(ctx, "on", x.commands.On)
	return err
}

func (x *XenServer) TurnOff(ctx context.Context) error {
	_, err := x.run(ctx, "off", x.commands.Off)
	return err
}

// RunQuery returns the query's stdout with trailing line breaks removed.
func (x *XenServer) RunQuery(ctx context.Context) (string, error) {
	output, err := x.run(ctx, "query", x.commands.Query)
	if err != nil {
		return "", err
	}
	return strings.TrimRight(output, "\r\n"), nil
}

func (x *XenServer) run(ctx context.Context, operation, command string) (string, error) {
	x.logger.Debug("Running power command", "device", x.name, "operation", operation, "host", x.target.Address)

	res, err := x.exec.Execute(ctx, x.target, command)
	if err != nil {
		return "", fmt.Errorf("%s %s: %w", operation, x.name, err)
	}

	if stderr := strings.TrimSpace(res.Stderr); stderr != "" {
		x.logger.Warn("Power command wrote to stderr", "device", x.name, "operation", operation, "stderr", stderr)
	}
	if res.ExitStatus != 0 {
		x.logger.Warn("Power command exited with non-zero status", "device", x.name, "operation", operation, "exit_status", res.ExitStatus)
	}
	return res.Stdout, nil
}

// hostKeyConfig resolves the device's host key setting. An empty host_key_policy keeps
// Policy empty so the executor default applies, but inherited is still used for validation.
func hostKeyConfig(cfg Config, inherited remote.HostKeyPolicy) (remote.HostKeyConfig, error) {
	var hk remote.HostKeyConfig
	effective := inherited
	if cfg.HostKeyPolicy != "" {
		policy, err := remote.ParseHostKeyPolicy(cfg.HostKeyPolicy)
		if err != nil {
			return remote.HostKeyConfig{}, err
		}
		hk.Policy = policy
		effective = policy
	}

	if strings.TrimSpace(cfg.HostKey) == "" {
		if effective == remote.HostKeyPinned {
			return remote.HostKeyConfig{}, errors.New("host_key is required with the pinned host key policy")
		}
		return hk, nil
	}
	fingerprint, err := remote.ParseFingerprint(cfg.HostKey)
	if err != nil {
		return remote.HostKeyConfig{}, fmt.Errorf("host_key: %w", err)
	}
	hk.Fingerprint = fingerprint
	return hk, nil
}

func withDefault(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}
