package tunnel

import (
	"crypto/ed25519"
	"crypto/rand"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

func newHostKey(t *testing.T) ssh.PublicKey {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	key, err := ssh.NewPublicKey(pub)
	require.NoError(t, err)
	return key
}

var gatewayAddr = &net.TCPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 2222}

func TestKnownHosts(t *testing.T) {
	known := newHostKey(t)
	path := filepath.Join(t.TempDir(), "known_hosts")
	line := knownhosts.Line([]string{knownhosts.Normalize("gw.example:2222")}, known)
	require.NoError(t, os.WriteFile(path, []byte(line+"\n"), 0o600))

	v, err := KnownHosts(path)
	require.NoError(t, err)

	assert.NoError(t, v.VerifyHostKey("gw.example:2222", gatewayAddr, known))

	err = v.VerifyHostKey("gw.example:2222", gatewayAddr, newHostKey(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "host key changed")

	err = v.VerifyHostKey("other.example:22", gatewayAddr, known)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not in known_hosts")
}

func TestKnownHosts_MissingFile(t *testing.T) {
	_, err := KnownHosts(filepath.Join(t.TempDir(), "absent"))
	assert.Error(t, err)
}

func TestDefaultHostKeyVerifier_RejectsWithoutFile(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	v := DefaultHostKeyVerifier()
	err := v.VerifyHostKey("gw.example:22", gatewayAddr, newHostKey(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "known_hosts")
}

func TestTrustOnFirstUse(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ssh", "known_hosts")
	v := TrustOnFirstUse(path)
	first := newHostKey(t)

	require.NoError(t, v.VerifyHostKey("gw.example:22", gatewayAddr, first))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(data), "\n"))
	assert.Contains(t, string(data), "gw.example ")

	// Same key again: accepted, nothing appended.
	require.NoError(t, v.VerifyHostKey("gw.example:22", gatewayAddr, first))
	data, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(data), "\n"))

	// Changed key: rejected.
	err = v.VerifyHostKey("gw.example:22", gatewayAddr, newHostKey(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "host key changed")

	// A different host on a non-standard port is recorded separately.
	require.NoError(t, v.VerifyHostKey("gw.example:2222", gatewayAddr, newHostKey(t)))
	data, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "[gw.example]:2222 ")
}

func TestFingerprints(t *testing.T) {
	pinned := newHostKey(t)
	v := Fingerprints("SHA256:somethingelse", ssh.FingerprintSHA256(pinned))

	assert.NoError(t, v.VerifyHostKey("gw:22", gatewayAddr, pinned))
	err := v.VerifyHostKey("gw:22", gatewayAddr, newHostKey(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not pinned")
}

func TestInsecureAcceptAny(t *testing.T) {
	assert.NoError(t, InsecureAcceptAny().VerifyHostKey("gw:22", gatewayAddr, newHostKey(t)))
}
