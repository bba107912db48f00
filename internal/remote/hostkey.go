package remote

import (
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// HostKeyPolicy selects how the server's host key is verified.
type HostKeyPolicy string

const (
	// HostKeyStrict only accepts hosts already present in known_hosts.
	HostKeyStrict HostKeyPolicy = "strict"
	// HostKeyPinned only accepts a host key with the configured SHA256 fingerprint.
	HostKeyPinned HostKeyPolicy = "pinned"
	// HostKeyAcceptNew records unknown hosts in known_hosts and rejects changed keys.
	HostKeyAcceptNew HostKeyPolicy = "accept-new"
)

// HostKeyConfig is the per-target host key setting. An empty Policy defers to the executor default.
type HostKeyConfig struct {
	Policy      HostKeyPolicy
	Fingerprint string
}

// ParseHostKeyPolicy parses a policy name. The empty string yields HostKeyStrict.
func ParseHostKeyPolicy(value string) (HostKeyPolicy, error) {
	switch p := HostKeyPolicy(strings.ToLower(strings.TrimSpace(value))); p {
	case "":
		return HostKeyStrict, nil
	case HostKeyStrict, HostKeyPinned, HostKeyAcceptNew:
		return p, nil
	default:
		return "", fmt.Errorf("unknown host key policy %q (want %s, %s or %s)", value, HostKeyStrict, HostKeyPinned, HostKeyAcceptNew)
	}
}

// knownHostsMu serializes appends to known_hosts files from concurrent sessions.
var knownHostsMu sync.Mutex

func hostKeyCallback(policy HostKeyPolicy, knownHostsPath, fingerprint string) (ssh.HostKeyCallback, error) {
	switch policy {
	case "", HostKeyStrict:
		path, err := resolveKnownHostsPath(knownHostsPath)
		if err != nil {
			return nil, err
		}
		cb, err := knownhosts.New(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load known_hosts file %q: %w", path, err)
		}
		return cb, nil
	case HostKeyPinned:
		return pinnedCallback(fingerprint)
	case HostKeyAcceptNew:
		path, err := resolveKnownHostsPath(knownHostsPath)
		if err != nil {
			return nil, err
		}
		return acceptNewCallback(path)
	default:
		return nil, fmt.Errorf("unknown host key policy %q", policy)
	}
}

// ParseFingerprint validates a SHA256 host key fingerprint as printed by ssh-keygen -l,
// with or without the "SHA256:" prefix, and returns it in the form ssh.FingerprintSHA256 produces.
func ParseFingerprint(value string) (string, error) {
	digest := strings.TrimRight(strings.TrimPrefix(strings.TrimSpace(value), "SHA256:"), "=")
	if digest == "" {
		return "", errors.New("host key fingerprint is empty")
	}
	raw, err := base64.RawStdEncoding.DecodeString(digest)
	if err != nil || len(raw) != sha256.Size {
		return "", fmt.Errorf("host key fingerprint %q is not a SHA256 fingerprint", value)
	}
	return "SHA256:" + digest, nil
}

func pinnedCallback(fingerprint string) (ssh.HostKeyCallback, error) {
	if strings.TrimSpace(fingerprint) == "" {
		return nil, errors.New("pinned host key policy requires a fingerprint")
	}
	want, err := ParseFingerprint(fingerprint)
	if err != nil {
		return nil, err
	}
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		got := ssh.FingerprintSHA256(key)
		if got != want {
			return fmt.Errorf("host key fingerprint mismatch for %s: got %s, want %s", hostname, got, want)
		}
		return nil
	}, nil
}

func acceptNewCallback(path string) (ssh.HostKeyCallback, error) {
	if err := ensureFile(path); err != nil {
		return nil, err
	}
	cb, err := knownhosts.New(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load known_hosts file %q: %w", path, err)
	}
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		err := cb(hostname, remote, key)
		var keyErr *knownhosts.KeyError
		if errors.As(err, &keyErr) && len(keyErr.Want) == 0 {
			return appendKnownHost(path, hostname, key)
		}
		return err
	}, nil
}

func appendKnownHost(path, hostname string, key ssh.PublicKey) error {
	knownHostsMu.Lock()
	defer knownHostsMu.Unlock()

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0o600)
	if err != nil {
		return fmt.Errorf("open known_hosts file %q: %w", path, err)
	}
	defer f.Close()

	line := knownhosts.Line([]string{knownhosts.Normalize(hostname)}, key)
	if _, err := f.WriteString(line + "\n"); err != nil {
		return fmt.Errorf("record host key for %s: %w", hostname, err)
	}
	return nil
}

func ensureFile(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create known_hosts directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("create known_hosts file %q: %w", path, err)
	}
	return f.Close()
}

func resolveKnownHostsPath(path string) (string, error) {
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to resolve home directory for known_hosts: %w", err)
		}
		path = filepath.Join(home, ".ssh", "known_hosts")
	}
	return expandPath(path)
}

func expandPath(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to resolve home directory: %w", err)
		}
		return filepath.Join(home, path[2:]), nil
	}
	return path, nil
}
