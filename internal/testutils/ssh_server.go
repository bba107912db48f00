package testutils

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// CommandResult is what the in-process server answers to an exec request.
type CommandResult struct {
	Stdout     string
	Stderr     string
	ExitStatus int
	// NoExitStatus closes the channel without sending an exit-status request.
	NoExitStatus bool
}

// CommandHandler produces the reply for a command received by SSHServer.
type CommandHandler func(command string) CommandResult

// SSHServer is a minimal in-process SSH server accepting password logins and exec requests.
type SSHServer struct {
	Address  string
	User     string
	Password string
	HostKey  ssh.PublicKey

	listener net.Listener
	handler  CommandHandler

	mu         sync.Mutex
	commands   []string
	active     int
	accepted   int
	authorized []ssh.PublicKey
}

const (
	TestSSHUser     = "root"
	TestSSHPassword = "xenroot"
)

// StartSSHServer listens on a loopback port until the test ends.
func StartSSHServer(t *testing.T, handler CommandHandler) *SSHServer {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate host key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("failed to create host key signer: %v", err)
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}

	s := &SSHServer{
		Address:  listener.Addr().String(),
		User:     TestSSHUser,
		Password: TestSSHPassword,
		HostKey:  signer.PublicKey(),
		listener: listener,
		handler:  handler,
	}

	config := &ssh.ServerConfig{
		PasswordCallback: func(conn ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			if conn.User() == s.User && string(password) == s.Password {
				return nil, nil
			}
			return nil, errors.New("access denied")
		},
		PublicKeyCallback: func(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if conn.User() == s.User && s.isAuthorized(key) {
				return nil, nil
			}
			return nil, errors.New("access denied")
		},
	}
	config.AddHostKey(signer)

	go s.serve(config)
	t.Cleanup(func() { listener.Close() })
	return s
}

// WriteKnownHosts writes a known_hosts file trusting the server and returns its path.
func (s *SSHServer) WriteKnownHosts(t *testing.T) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "known_hosts")
	line := knownhosts.Line([]string{knownhosts.Normalize(s.Address)}, s.HostKey)
	if err := os.WriteFile(path, []byte(line+"\n"), 0o600); err != nil {
		t.Fatalf("failed to write known_hosts: %v", err)
	}
	return path
}

// AuthorizeKey lets the test user log in with key in addition to the password.
func (s *SSHServer) AuthorizeKey(key ssh.PublicKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authorized = append(s.authorized, key)
}

func (s *SSHServer) isAuthorized(key ssh.PublicKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range s.authorized {
		if bytes.Equal(k.Marshal(), key.Marshal()) {
			return true
		}
	}
	return false
}

// Commands returns the commands received so far, in order.
func (s *SSHServer) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

// Accepted returns the number of authenticated connections seen.
func (s *SSHServer) Accepted() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepted
}

// WaitIdle waits until every client connection has been closed by the client.
func (s *SSHServer) WaitIdle(t *testing.T) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for {
		s.mu.Lock()
		active := s.active
		s.mu.Unlock()
		if active == 0 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected all ssh connections to be closed, %d still open", active)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func (s *SSHServer) serve(config *ssh.ServerConfig) {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		go s.handleConn(conn, config)
	}
}

func (s *SSHServer) handleConn(conn net.Conn, config *ssh.ServerConfig) {
	sconn, chans, reqs, err := ssh.NewServerConn(conn, config)
	if err != nil {
		conn.Close()
		return
	}
	defer sconn.Close()

	s.mu.Lock()
	s.accepted++
	s.active++
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.active--
		s.mu.Unlock()
	}()

	go ssh.DiscardRequests(reqs)

	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			_ = newChannel.Reject(ssh.UnknownChannelType, "unsupported channel type")
			continue
		}
		channel, requests, err := newChannel.Accept()
		if err != nil {
			continue
		}
		go s.handleSession(channel, requests)
	}
}

func (s *SSHServer) handleSession(channel ssh.Channel, requests <-chan *ssh.Request) {
	defer channel.Close()

	for req := range requests {
		if req.Type != "exec" {
			_ = req.Reply(false, nil)
			continue
		}

		var payload struct{ Command string }
		if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
			_ = req.Reply(false, nil)
			continue
		}
		_ = req.Reply(true, nil)

		s.mu.Lock()
		s.commands = append(s.commands, payload.Command)
		s.mu.Unlock()

		result := CommandResult{}
		if s.handler != nil {
			result = s.handler(payload.Command)
		}
		_, _ = io.WriteString(channel, result.Stdout)
		_, _ = io.WriteString(channel.Stderr(), result.Stderr)
		if !result.NoExitStatus {
			status := struct{ Status uint32 }{uint32(result.ExitStatus)}
			_, _ = channel.SendRequest("exit-status", false, ssh.Marshal(&status))
		}
		return
	}
}
