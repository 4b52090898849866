package tunnel

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// HostKeyVerifier decides whether the key presented by the gateway is
// acceptable.  hostname is the address the session dialed, host:port.
type HostKeyVerifier interface {
	VerifyHostKey(hostname string, remote net.Addr, key ssh.PublicKey) error
}

// HostKeyFunc adapts a function, such as an ssh.HostKeyCallback, to
// HostKeyVerifier.
type HostKeyFunc func(hostname string, remote net.Addr, key ssh.PublicKey) error

// VerifyHostKey implements HostKeyVerifier.
func (f HostKeyFunc) VerifyHostKey(hostname string, remote net.Addr, key ssh.PublicKey) error {
	return f(hostname, remote, key)
}

// DefaultKnownHostsPath returns ~/.ssh/known_hosts.
func DefaultKnownHostsPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("locating home directory: %w", err)
	}
	return filepath.Join(home, ".ssh", "known_hosts"), nil
}

// DefaultHostKeyVerifier checks ~/.ssh/known_hosts and rejects hosts
// that are not listed.  When the file cannot be loaded every key is
// rejected with the load error.
func DefaultHostKeyVerifier() HostKeyVerifier {
	path, err := DefaultKnownHostsPath()
	if err != nil {
		return rejectAll(err)
	}
	v, err := KnownHosts(path)
	if err != nil {
		return rejectAll(err)
	}
	return v
}

// KnownHosts accepts only keys listed in the given known_hosts files.
func KnownHosts(paths ...string) (HostKeyVerifier, error) {
	cb, err := knownhosts.New(paths...)
	if err != nil {
		return nil, fmt.Errorf("loading known_hosts from %v: %w", paths, err)
	}
	return HostKeyFunc(func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		return describeKeyError(cb(hostname, remote, key))
	}), nil
}

// TrustOnFirstUse accepts and records keys for hosts not yet present
// in the known_hosts file at path, and rejects keys that differ from a
// recorded one.  The file is created when missing.
func TrustOnFirstUse(path string) HostKeyVerifier {
	return &tofuVerifier{path: path}
}

type tofuVerifier struct {
	mu   sync.Mutex
	path string
}

func (v *tofuVerifier) VerifyHostKey(hostname string, remote net.Addr, key ssh.PublicKey) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := ensureFile(v.path); err != nil {
		return err
	}
	cb, err := knownhosts.New(v.path)
	if err != nil {
		return fmt.Errorf("loading known_hosts from %s: %w", v.path, err)
	}
	err = cb(hostname, remote, key)
	var keyErr *knownhosts.KeyError
	if errors.As(err, &keyErr) && len(keyErr.Want) == 0 {
		return v.record(hostname, key)
	}
	return describeKeyError(err)
}

func (v *tofuVerifier) record(hostname string, key ssh.PublicKey) error {
	f, err := os.OpenFile(v.path, os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("recording host key: %w", err)
	}
	defer f.Close()
	line := knownhosts.Line([]string{knownhosts.Normalize(hostname)}, key)
	if _, err := fmt.Fprintln(f, line); err != nil {
		return fmt.Errorf("recording host key: %w", err)
	}
	return nil
}

func ensureFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating %s: %w", filepath.Dir(path), err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDONLY, 0o600)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	return f.Close()
}

// Fingerprints accepts only keys whose SHA256 fingerprint, in the
// "SHA256:..." form printed by ssh-keygen -l, is one of fps.
func Fingerprints(fps ...string) HostKeyVerifier {
	allowed := make(map[string]struct{}, len(fps))
	for _, fp := range fps {
		allowed[fp] = struct{}{}
	}
	return HostKeyFunc(func(hostname string, _ net.Addr, key ssh.PublicKey) error {
		fp := ssh.FingerprintSHA256(key)
		if _, ok := allowed[fp]; ok {
			return nil
		}
		return fmt.Errorf("fingerprint %s is not pinned for %s", fp, hostname)
	})
}

// InsecureAcceptAny accepts every host key.  Only for explicit opt-in.
func InsecureAcceptAny() HostKeyVerifier {
	//nolint:gosec // user opted out of host key checking
	return HostKeyFunc(ssh.InsecureIgnoreHostKey())
}

func rejectAll(cause error) HostKeyVerifier {
	return HostKeyFunc(func(string, net.Addr, ssh.PublicKey) error {
		return fmt.Errorf("no usable known_hosts: %w", cause)
	})
}

func describeKeyError(err error) error {
	var keyErr *knownhosts.KeyError
	if !errors.As(err, &keyErr) {
		return err
	}
	if len(keyErr.Want) == 0 {
		return fmt.Errorf("host is not in known_hosts: %w", err)
	}
	w := keyErr.Want[0]
	return fmt.Errorf("host key changed, expected %s from %s:%d: %w",
		ssh.FingerprintSHA256(w.Key), w.Filename, w.Line, err)
}
