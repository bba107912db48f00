package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
)

// SSHExecutor runs commands over a fresh SSH connection per call.
type SSHExecutor struct {
	opts SSHOptions
}

type SSHOptions struct {
	// HostKeyPolicy applies to targets that do not set their own policy.
	HostKeyPolicy    HostKeyPolicy
	KnownHostsPath   string
	HandshakeTimeout time.Duration
	// UseAgent also offers the keys of the agent at SSH_AUTH_SOCK after the password.
	UseAgent         bool
}

const defaultSSHHandshakeTimeout = 15 * time.Second

func NewSSHExecutor(opts SSHOptions) *SSHExecutor {
	return &SSHExecutor{opts: opts}
}

// Execute dials target, runs command in one session and closes the connection.
// Stdout and stderr are captured separately. A non-zero exit status is reported
// in the Result, not as an error.
func (e *SSHExecutor) Execute(ctx context.Context, target Target, command string) (Result, error) {
	var result Result
	err := e.withSession(ctx, target, func(session *ssh.Session) error {
		var stdout, stderr bytes.Buffer
		session.Stdout = &stdout
		session.Stderr = &stderr

		runErr := session.Run(command)
		result = Result{Stdout: stdout.String(), Stderr: stderr.String()}

		var exitErr *ssh.ExitError
		if errors.As(runErr, &exitErr) {
			result.ExitStatus = exitErr.ExitStatus()
			return nil
		}
		if runErr != nil && ctx.Err() != nil {
			return ctx.Err()
		}
		return runErr
	})
	if err != nil {
		var connErr *ConnectionError
		if errors.As(err, &connErr) {
			return Result{}, err
		}
		return result, &ExecutionError{Address: target.DialAddress(), Command: command, Err: err}
	}
	return result, nil
}

// withSession opens a client and one session for target, hands the session to fn
// and releases both on every return path. Failures before fn runs are ConnectionErrors.
func (e *SSHExecutor) withSession(ctx context.Context, target Target, fn func(*ssh.Session) error) error {
	addr := target.DialAddress()

	client, err := e.dial(ctx, target, addr)
	if err != nil {
		return &ConnectionError{Address: addr, Err: err}
	}
	defer client.Close()

	// Handle context cancellation
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			client.Close()
		case <-done:
		}
	}()
	defer close(done)

	session, err := client.NewSession()
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	defer session.Close()

	return fn(session)
}

func (e *SSHExecutor) dial(ctx context.Context, target Target, addr string) (*ssh.Client, error) {
	if target.Credentials.Username == "" {
		return nil, errors.New("no ssh username configured")
	}

	policy := target.HostKey.Policy
	if policy == "" {
		policy = e.opts.HostKeyPolicy
	}
	hostKeyCallback, err := hostKeyCallback(policy, e.opts.KnownHostsPath, target.HostKey.Fingerprint)
	if err != nil {
		return nil, err
	}

	password := target.Credentials.Password
	authMethods := []ssh.AuthMethod{
		ssh.Password(password),
		ssh.KeyboardInteractive(func(user, instruction string, questions []string, echos []bool) ([]string, error) {
			answers := make([]string, len(questions))
			for i := range answers {
				answers[i] = password
			}
			return answers, nil
		}),
	}

	if e.opts.UseAgent {
		if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
			if agentConn, err := net.Dial("unix", sock); err == nil {
				authMethods = append(authMethods, ssh.PublicKeysCallback(agent.NewClient(agentConn).Signers))
				defer agentConn.Close()
			}
		}
	}

	config := &ssh.ClientConfig{
		User:            target.Credentials.Username,
		Auth:            authMethods,
		HostKeyCallback: hostKeyCallback,
	}

	// Use a dialer that supports context
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}

	if err := applyHandshakeDeadline(ctx, conn, e.handshakeTimeout()); err != nil {
		conn.Close()
		return nil, err
	}
	handshakeDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-handshakeDone:
		}
	}()

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	close(handshakeDone)
	if err != nil {
		conn.Close()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("failed to establish ssh connection: %w", err)
	}
	if err := clearDeadline(conn); err != nil {
		sshConn.Close()
		return nil, err
	}
	return ssh.NewClient(sshConn, chans, reqs), nil
}

func (e *SSHExecutor) handshakeTimeout() time.Duration {
	if e.opts.HandshakeTimeout > 0 {
		return e.opts.HandshakeTimeout
	}
	return defaultSSHHandshakeTimeout
}

func applyHandshakeDeadline(ctx context.Context, conn net.Conn, timeout time.Duration) error {
	deadline, ok := handshakeDeadline(ctx, timeout)
	if !ok {
		return nil
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return fmt.Errorf("set ssh handshake deadline: %w", err)
	}
	return nil
}

func clearDeadline(conn net.Conn) error {
	if err := conn.SetDeadline(time.Time{}); err != nil {
		return fmt.Errorf("clear ssh handshake deadline: %w", err)
	}
	return nil
}

func handshakeDeadline(ctx context.Context, timeout time.Duration) (time.Time, bool) {
	var deadline time.Time
	now := time.Now()
	if timeout > 0 {
		deadline = now.Add(timeout)
	}
	if ctxDeadline, ok := ctx.Deadline(); ok {
		if deadline.IsZero() || ctxDeadline.Before(deadline) {
			deadline = ctxDeadline
		}
	}
	if deadline.IsZero() {
		return time.Time{}, false
	}
	return deadline, true
}
