package remote

import (
	"context"
	"net"
)

const defaultSSHPort = "22"

// Credentials holds the login material for a remote host.
type Credentials struct {
	Username string
	Password string
}

// Target identifies the remote host a command is executed on.
type Target struct {
	Address     string
	Credentials Credentials
	HostKey     HostKeyConfig
}

// Result is the captured output of a single remote command.
// A non-zero ExitStatus is not an error at this layer.
type Result struct {
	Stdout     string
	Stderr     string
	ExitStatus int
}

// Executor runs a single command on a remote host and returns its output.
type Executor interface {
	// Execute opens a session to target, runs command, and closes the session before returning.
	Execute(ctx context.Context, target Target, command string) (Result, error)
}

// DialAddress returns the address with the default SSH port appended when none is set.
func (t Target) DialAddress() string {
	if _, _, err := net.SplitHostPort(t.Address); err == nil {
		return t.Address
	}
	return net.JoinHostPort(t.Address, defaultSSHPort)
}
