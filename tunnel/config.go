package tunnel

import (
	"fmt"
	"time"

	ncerr "wtunnel/internal/errors"
	"wtunnel/internal/retry"
	"wtunnel/util"
)

const (
	// DefaultSSHPort is the standard SSH port.
	DefaultSSHPort = 22

	// DefaultLocalHost is where the forwarding listener binds.
	DefaultLocalHost = "127.0.0.1"

	// DefaultRemoteHost is the forward target, as seen from the gateway.
	DefaultRemoteHost = "127.0.0.1"

	// DefaultConnectTimeout bounds the TCP dial plus SSH handshake.
	DefaultConnectTimeout = 30 * time.Second

	// DefaultHalfCloseGrace is how long a relay keeps the second
	// direction open after the first one reached end-of-stream.
	DefaultHalfCloseGrace = 5 * time.Second
)

// Config describes one local-forward tunnel: connections accepted on
// LocalHost:LocalPort are carried over an SSH session to Host:Port and
// delivered to RemoteHost:RemotePort from the gateway's point of view.
// A Config is copied when a tunnel starts and never modified afterwards.
type Config struct {
	Identity CredentialProvider

	Host string
	Port uint16

	LocalHost string
	LocalPort uint16 // 0 binds an ephemeral port, see Tunnel.Addr

	RemoteHost string
	RemotePort uint16

	// HostKeys verifies the gateway's host key.  Nil means
	// DefaultHostKeyVerifier: known_hosts, unknown keys rejected.
	HostKeys HostKeyVerifier

	ConnectTimeout time.Duration
	KeepAlive      time.Duration // 0 disables keepalive requests
	HalfCloseGrace time.Duration

	// ChannelBreaker, when set, stops asking the gateway for channels
	// after repeated rejections and refuses connections locally until
	// the breaker resets.
	ChannelBreaker *retry.CircuitBreakerConfig
}

// withDefaults returns a copy of c with zero values replaced.
func (c Config) withDefaults() Config {
	if c.Port == 0 {
		c.Port = DefaultSSHPort
	}
	if c.LocalHost == "" {
		c.LocalHost = DefaultLocalHost
	}
	if c.RemoteHost == "" {
		c.RemoteHost = DefaultRemoteHost
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.HalfCloseGrace == 0 {
		c.HalfCloseGrace = DefaultHalfCloseGrace
	}
	return c
}

func (c Config) validate() error {
	switch {
	case c.Identity == nil:
		return &ncerr.ConfigError{Field: "identity", Message: "no credential provider",
			Hint: "use an SSH key, the agent, or a password"}
	case c.Host == "":
		return &ncerr.ConfigError{Field: "host", Message: "gateway host is required"}
	case c.RemotePort == 0:
		return &ncerr.ConfigError{Field: "remote-port", Message: "forward target port is required"}
	case c.ConnectTimeout < 0:
		return &ncerr.ConfigError{Field: "timeout", Value: c.ConnectTimeout, Message: "must not be negative"}
	case c.KeepAlive < 0:
		return &ncerr.ConfigError{Field: "keepalive", Value: c.KeepAlive, Message: "must not be negative"}
	}
	return nil
}

// SSHAddr is the gateway address, host:port.
func (c Config) SSHAddr() string { return util.FormatAddr(c.Host, int(c.Port)) }

// LocalAddr is the listening address, host:port.
func (c Config) LocalAddr() string { return util.FormatAddr(c.LocalHost, int(c.LocalPort)) }

// RemoteAddr is the forward target address, host:port.
func (c Config) RemoteAddr() string { return util.FormatAddr(c.RemoteHost, int(c.RemotePort)) }

func (c Config) String() string {
	return fmt.Sprintf("%s -> %s -> %s", c.LocalAddr(), c.SSHAddr(), c.RemoteAddr())
}
