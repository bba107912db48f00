package app

import (
	"log/slog"
	"os"

	"github.com/talaha3/maaspower/internal/config"
	"github.com/talaha3/maaspower/internal/device"
	"github.com/talaha3/maaspower/internal/device/catalog"
	"github.com/talaha3/maaspower/internal/remote"
)

type App struct {
	Logger *slog.Logger
	Config *config.Config
}

func New(cfg *config.Config) *App {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	return &App{
		Logger: logger,
		Config: cfg,
	}
}

// Executor returns the SSH executor described by the ssh section of the config.
func (a *App) Executor() (*remote.SSHExecutor, error) {
	policy, err := remote.ParseHostKeyPolicy(a.Config.SSH.HostKeyPolicy)
	if err != nil {
		return nil, err
	}
	return remote.NewSSHExecutor(remote.SSHOptions{
		HostKeyPolicy:    policy,
		KnownHostsPath:   a.Config.SSH.KnownHostsPath,
		HandshakeTimeout: a.Config.SSH.HandshakeTimeout,
		UseAgent:         a.Config.SSH.UseAgent,
	}), nil
}

// Devices builds every configured device on top of exec.
// Devices inherit the global host key policy for validation.
func (a *App) Devices(exec remote.Executor) ([]device.Device, error) {
	policy, err := remote.ParseHostKeyPolicy(a.Config.SSH.HostKeyPolicy)
	if err != nil {
		return nil, err
	}
	registry, err := catalog.NewRegistry()
	if err != nil {
		return nil, err
	}
	return registry.BuildAll(a.Config.DeviceSpecs(), device.Env{
		Executor:      exec,
		Logger:        a.Logger,
		HostKeyPolicy: policy,
	})
}
