package config

import (
	"time"

	"wtunnel/tunnel"
)

// ── Default values ───────────────────────────────────────────────────
//
// All tuneable defaults live here so they are easy to audit and reuse
// across CLI flags, the secrets file, and environment variable loading.

const (
	// DefaultSSHPort is the standard SSH port.
	DefaultSSHPort = tunnel.DefaultSSHPort

	// DefaultLocalHost is the address the forwarding listener binds.
	DefaultLocalHost = tunnel.DefaultLocalHost

	// DefaultRemoteHost is the forward target as seen from the gateway.
	DefaultRemoteHost = tunnel.DefaultRemoteHost

	// DefaultConnTimeout is the TCP dial plus SSH handshake timeout.
	DefaultConnTimeout = tunnel.DefaultConnectTimeout

	// DefaultKeepAlive is the interval between keepalive requests.
	DefaultKeepAlive = 30 * time.Second

	// DefaultDrain is how long stop waits for active connections.
	DefaultDrain = 5 * time.Second

	// DefaultRetries is how many extra start attempts are made after
	// a connectivity failure.
	DefaultRetries = 3

	// DefaultSecretsFile is the secrets file name under $HOME.
	DefaultSecretsFile = ".theseus.secrets"
)

// Host-key policies accepted by --host-key-policy.
const (
	PolicyStrict   = "strict"
	PolicyTOFU     = "tofu"
	PolicyPin      = "pin"
	PolicyInsecure = "insecure"
)

// Default returns a Config with every default applied.
func Default() *Config {
	return &Config{
		Port:          DefaultSSHPort,
		LocalHost:     DefaultLocalHost,
		RemoteHost:    DefaultRemoteHost,
		HostKeyPolicy: PolicyStrict,
		Timeout:       DefaultConnTimeout,
		KeepAlive:     DefaultKeepAlive,
		Drain:         DefaultDrain,
		Retries:       DefaultRetries,
	}
}
