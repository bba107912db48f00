package remote

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/talaha3/maaspower/internal/testutils"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
)

func newTarget(srv *testutils.SSHServer) Target {
	return Target{
		Address: srv.Address,
		Credentials: Credentials{
			Username: srv.User,
			Password: srv.Password,
		},
	}
}

func TestSSHExecutor_Execute(t *testing.T) {
	srv := testutils.StartSSHServer(t, func(command string) testutils.CommandResult {
		switch command {
		case "xe vm-param-get uuid=abc-123 param-name=power-state":
			return testutils.CommandResult{Stdout: "running\n", Stderr: "note\n"}
		case "false":
			return testutils.CommandResult{Stderr: "boom\n", ExitStatus: 3}
		case "lost":
			return testutils.CommandResult{NoExitStatus: true}
		}
		return testutils.CommandResult{}
	})
	exec := NewSSHExecutor(SSHOptions{KnownHostsPath: srv.WriteKnownHosts(t)})
	ctx := context.Background()

	t.Run("captures stdout and stderr separately", func(t *testing.T) {
		res, err := exec.Execute(ctx, newTarget(srv), "xe vm-param-get uuid=abc-123 param-name=power-state")
		if err != nil {
			t.Fatalf("Execute failed: %v", err)
		}
		if res.Stdout != "running\n" {
			t.Errorf("expected stdout %q, got %q", "running\n", res.Stdout)
		}
		if res.Stderr != "note\n" {
			t.Errorf("expected stderr %q, got %q", "note\n", res.Stderr)
		}
		if res.ExitStatus != 0 {
			t.Errorf("expected exit status 0, got %d", res.ExitStatus)
		}
		srv.WaitIdle(t)
	})

	t.Run("non-zero exit status is not an error", func(t *testing.T) {
		res, err := exec.Execute(ctx, newTarget(srv), "false")
		if err != nil {
			t.Fatalf("Execute failed: %v", err)
		}
		if res.ExitStatus != 3 {
			t.Errorf("expected exit status 3, got %d", res.ExitStatus)
		}
		if res.Stderr != "boom\n" {
			t.Errorf("expected stderr %q, got %q", "boom\n", res.Stderr)
		}
		srv.WaitIdle(t)
	})

	t.Run("missing exit status is an execution error", func(t *testing.T) {
		_, err := exec.Execute(ctx, newTarget(srv), "lost")
		var execErr *ExecutionError
		if !errors.As(err, &execErr) {
			t.Fatalf("expected ExecutionError, got %v", err)
		}
		if execErr.Command != "lost" {
			t.Errorf("expected command %q in error, got %q", "lost", execErr.Command)
		}
		srv.WaitIdle(t)
	})

	t.Run("one connection per call", func(t *testing.T) {
		before := srv.Accepted()
		for i := 0; i < 3; i++ {
			if _, err := exec.Execute(ctx, newTarget(srv), "true"); err != nil {
				t.Fatalf("Execute failed: %v", err)
			}
		}
		if got := srv.Accepted() - before; got != 3 {
			t.Errorf("expected 3 connections, got %d", got)
		}
		srv.WaitIdle(t)
	})
}

func TestSSHExecutor_ConnectionErrors(t *testing.T) {
	srv := testutils.StartSSHServer(t, nil)
	ctx := context.Background()

	t.Run("authentication rejected", func(t *testing.T) {
		exec := NewSSHExecutor(SSHOptions{KnownHostsPath: srv.WriteKnownHosts(t)})
		target := newTarget(srv)
		target.Credentials.Password = "wrong"

		_, err := exec.Execute(ctx, target, "xe vm-start uuid=abc-123")
		var connErr *ConnectionError
		if !errors.As(err, &connErr) {
			t.Fatalf("expected ConnectionError, got %v", err)
		}
		if len(srv.Commands()) != 0 {
			t.Errorf("expected no command to run, got %v", srv.Commands())
		}
	})

	t.Run("unreachable host", func(t *testing.T) {
		l, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			t.Fatalf("listen: %v", err)
		}
		addr := l.Addr().String()
		l.Close()

		exec := NewSSHExecutor(SSHOptions{HostKeyPolicy: HostKeyPinned})
		target := newTarget(srv)
		target.Address = addr
		target.HostKey.Fingerprint = ssh.FingerprintSHA256(srv.HostKey)

		_, err = exec.Execute(ctx, target, "true")
		var connErr *ConnectionError
		if !errors.As(err, &connErr) {
			t.Fatalf("expected ConnectionError, got %v", err)
		}
		if connErr.Address != addr {
			t.Errorf("expected address %q, got %q", addr, connErr.Address)
		}
	})

	t.Run("strict rejects unknown host", func(t *testing.T) {
		empty := filepath.Join(t.TempDir(), "known_hosts")
		if err := os.WriteFile(empty, nil, 0o600); err != nil {
			t.Fatalf("write known_hosts: %v", err)
		}
		exec := NewSSHExecutor(SSHOptions{KnownHostsPath: empty})

		_, err := exec.Execute(ctx, newTarget(srv), "true")
		var connErr *ConnectionError
		if !errors.As(err, &connErr) {
			t.Fatalf("expected ConnectionError, got %v", err)
		}
	})

	t.Run("canceled context", func(t *testing.T) {
		exec := NewSSHExecutor(SSHOptions{KnownHostsPath: srv.WriteKnownHosts(t)})
		canceled, cancel := context.WithCancel(ctx)
		cancel()

		_, err := exec.Execute(canceled, newTarget(srv), "true")
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	})
}

func startAgent(t *testing.T, key ed25519.PrivateKey) {
	t.Helper()

	keyring := agent.NewKeyring()
	if err := keyring.Add(agent.AddedKey{PrivateKey: key}); err != nil {
		t.Fatalf("add key to agent: %v", err)
	}
	sock := filepath.Join(t.TempDir(), "agent.sock")
	l, err := net.Listen("unix", sock)
	if err != nil {
		t.Fatalf("listen on agent socket: %v", err)
	}
	t.Cleanup(func() { l.Close() })

	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				_ = agent.ServeAgent(keyring, conn)
			}()
		}
	}()
	t.Setenv("SSH_AUTH_SOCK", sock)
}

func TestSSHExecutor_Agent(t *testing.T) {
	srv := testutils.StartSSHServer(t, nil)
	priv, pub, err := newTestKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	srv.AuthorizeKey(pub)
	startAgent(t, priv)

	target := newTarget(srv)
	target.Credentials.Password = "wrong"
	ctx := context.Background()

	t.Run("agent key after rejected password", func(t *testing.T) {
		exec := NewSSHExecutor(SSHOptions{KnownHostsPath: srv.WriteKnownHosts(t), UseAgent: true})
		if _, err := exec.Execute(ctx, target, "true"); err != nil {
			t.Fatalf("Execute failed: %v", err)
		}
	})

	t.Run("agent not used unless enabled", func(t *testing.T) {
		exec := NewSSHExecutor(SSHOptions{KnownHostsPath: srv.WriteKnownHosts(t)})
		_, err := exec.Execute(ctx, target, "true")
		var connErr *ConnectionError
		if !errors.As(err, &connErr) {
			t.Fatalf("expected ConnectionError, got %v", err)
		}
	})
}

func TestSSHExecutor_HostKeyPolicies(t *testing.T) {
	srv := testutils.StartSSHServer(t, func(string) testutils.CommandResult {
		return testutils.CommandResult{Stdout: "ok"}
	})
	ctx := context.Background()

	t.Run("pinned accepts matching fingerprint", func(t *testing.T) {
		exec := NewSSHExecutor(SSHOptions{})
		target := newTarget(srv)
		target.HostKey = HostKeyConfig{
			Policy:      HostKeyPinned,
			Fingerprint: strings.TrimPrefix(ssh.FingerprintSHA256(srv.HostKey), "SHA256:"),
		}
		if _, err := exec.Execute(ctx, target, "true"); err != nil {
			t.Fatalf("Execute failed: %v", err)
		}
	})

	t.Run("pinned rejects other fingerprint", func(t *testing.T) {
		exec := NewSSHExecutor(SSHOptions{HostKeyPolicy: HostKeyPinned})
		target := newTarget(srv)
		target.HostKey.Fingerprint = "SHA256:AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"

		_, err := exec.Execute(ctx, target, "true")
		var connErr *ConnectionError
		if !errors.As(err, &connErr) {
			t.Fatalf("expected ConnectionError, got %v", err)
		}
	})

	t.Run("pinned without fingerprint", func(t *testing.T) {
		exec := NewSSHExecutor(SSHOptions{HostKeyPolicy: HostKeyPinned})
		_, err := exec.Execute(ctx, newTarget(srv), "true")
		var connErr *ConnectionError
		if !errors.As(err, &connErr) {
			t.Fatalf("expected ConnectionError, got %v", err)
		}
	})

	t.Run("accept-new records unknown host", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "ssh", "known_hosts")
		exec := NewSSHExecutor(SSHOptions{HostKeyPolicy: HostKeyAcceptNew, KnownHostsPath: path})

		if _, err := exec.Execute(ctx, newTarget(srv), "true"); err != nil {
			t.Fatalf("first Execute failed: %v", err)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("read known_hosts: %v", err)
		}
		if !strings.Contains(string(data), knownhosts.Normalize(srv.Address)) {
			t.Fatalf("expected known_hosts to record %s, got %q", srv.Address, data)
		}

		strict := NewSSHExecutor(SSHOptions{KnownHostsPath: path})
		if _, err := strict.Execute(ctx, newTarget(srv), "true"); err != nil {
			t.Fatalf("strict Execute after accept-new failed: %v", err)
		}
	})

	t.Run("accept-new rejects changed key", func(t *testing.T) {
		_, other, err := newTestKey()
		if err != nil {
			t.Fatalf("generate key: %v", err)
		}
		path := filepath.Join(t.TempDir(), "known_hosts")
		line := knownhosts.Line([]string{srv.Address}, other)
		if err := os.WriteFile(path, []byte(line+"\n"), 0o600); err != nil {
			t.Fatalf("write known_hosts: %v", err)
		}

		exec := NewSSHExecutor(SSHOptions{HostKeyPolicy: HostKeyAcceptNew, KnownHostsPath: path})
		_, err = exec.Execute(ctx, newTarget(srv), "true")
		var connErr *ConnectionError
		if !errors.As(err, &connErr) {
			t.Fatalf("expected ConnectionError, got %v", err)
		}
	})

	t.Run("target policy overrides executor default", func(t *testing.T) {
		exec := NewSSHExecutor(SSHOptions{HostKeyPolicy: HostKeyStrict, KnownHostsPath: filepath.Join(t.TempDir(), "missing")})
		target := newTarget(srv)
		target.HostKey = HostKeyConfig{Policy: HostKeyPinned, Fingerprint: ssh.FingerprintSHA256(srv.HostKey)}
		if _, err := exec.Execute(ctx, target, "true"); err != nil {
			t.Fatalf("Execute failed: %v", err)
		}
	})
}

func TestParseHostKeyPolicy(t *testing.T) {
	cases := []struct {
		input   string
		want    HostKeyPolicy
		wantErr bool
	}{
		{input: "", want: HostKeyStrict},
		{input: "strict", want: HostKeyStrict},
		{input: " Pinned ", want: HostKeyPinned},
		{input: "accept-new", want: HostKeyAcceptNew},
		{input: "insecure", wantErr: true},
	}

	for _, tc := range cases {
		t.Run(tc.input, func(t *testing.T) {
			got, err := ParseHostKeyPolicy(tc.input)
			if (err != nil) != tc.wantErr {
				t.Fatalf("expected error=%v, got %v", tc.wantErr, err)
			}
			if got != tc.want {
				t.Fatalf("expected %q, got %q", tc.want, got)
			}
		})
	}
}

func TestParseFingerprint(t *testing.T) {
	_, pub, err := newTestKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	want := ssh.FingerprintSHA256(pub)

	cases := []struct {
		input   string
		wantErr bool
	}{
		{input: want},
		{input: strings.TrimPrefix(want, "SHA256:")},
		{input: " " + want + "= "},
		{input: "", wantErr: true},
		{input: "SHA256:", wantErr: true},
		{input: "SHA256:not base64!", wantErr: true},
		{input: "SHA256:" + base64.RawStdEncoding.EncodeToString([]byte("too short")), wantErr: true},
		{input: ssh.FingerprintLegacyMD5(pub), wantErr: true},
	}

	for _, tc := range cases {
		t.Run(tc.input, func(t *testing.T) {
			got, err := ParseFingerprint(tc.input)
			if (err != nil) != tc.wantErr {
				t.Fatalf("expected error=%v, got %v", tc.wantErr, err)
			}
			if !tc.wantErr && got != want {
				t.Fatalf("expected %q, got %q", want, got)
			}
		})
	}
}

func newTestKey() (ed25519.PrivateKey, ssh.PublicKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return nil, nil, err
	}
	return priv, sshPub, nil
}

func TestTargetDialAddress(t *testing.T) {
	cases := []struct {
		address string
		want    string
	}{
		{address: "10.0.0.5", want: "10.0.0.5:22"},
		{address: "10.0.0.5:2222", want: "10.0.0.5:2222"},
		{address: "xen01.example.com", want: "xen01.example.com:22"},
		{address: "fd00::5", want: "[fd00::5]:22"},
		{address: "[fd00::5]:2222", want: "[fd00::5]:2222"},
	}

	for _, tc := range cases {
		t.Run(tc.address, func(t *testing.T) {
			if got := (Target{Address: tc.address}).DialAddress(); got != tc.want {
				t.Fatalf("expected %q, got %q", tc.want, got)
			}
		})
	}
}

func TestHandshakeDeadline(t *testing.T) {
	if _, ok := handshakeDeadline(context.Background(), 0); ok {
		t.Fatal("expected no deadline without timeout or context deadline")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	deadline, ok := handshakeDeadline(ctx, time.Hour)
	if !ok {
		t.Fatal("expected a deadline")
	}
	if time.Until(deadline) > time.Second {
		t.Fatalf("expected context deadline to win, got %s", time.Until(deadline))
	}
}
