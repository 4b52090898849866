// Package config defines the runtime configuration for wtunnel and
// provides helpers for parsing gateway and forward specifications.
package config

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	ncerr "wtunnel/internal/errors"
	"wtunnel/internal/transport"
	"wtunnel/tunnel"
)

// Config holds every tuneable for a single tunnel run.
type Config struct {
	// ── Gateway ──────────────────────────────────────────────────────
	User  string
	Host  string
	Port  int
	Proxy string // optional SOCKS5 proxy in front of the gateway

	// ── Credentials ──────────────────────────────────────────────────
	IdentityFile   string
	UseAgent       bool
	PromptPassword bool
	Password       string // secrets file only, never a flag

	// ── Host keys ────────────────────────────────────────────────────
	KnownHostsPath string
	HostKeyPolicy  string // strict, tofu, pin or insecure
	Fingerprints   []string

	// ── Forward ──────────────────────────────────────────────────────
	LocalHost  string
	LocalPort  int // 0 binds an ephemeral port
	RemoteHost string
	RemotePort int

	// ── Lifecycle ────────────────────────────────────────────────────
	Timeout   time.Duration
	KeepAlive time.Duration
	Drain     time.Duration
	Retries   int

	// ── Sources ──────────────────────────────────────────────────────
	SecretsPath string
	Profile     string

	// ── Output ───────────────────────────────────────────────────────
	Verbose int
	Metrics bool
}

// ── Gateway spec parser ──────────────────────────────────────────────

// tunnelRe matches [user@]host[:port].
var tunnelRe = regexp.MustCompile(`^(?:([^@]+)@)?([^:]+)(?::(\d+))?$`)

// ParseTunnelSpec extracts user, host, and port from a string such as
// "admin@bastion.example.com:2222".  Port defaults to 22.
func ParseTunnelSpec(spec string) (user, host string, port int, err error) {
	m := tunnelRe.FindStringSubmatch(spec)
	if m == nil {
		return "", "", 0, fmt.Errorf("invalid gateway %q - expected [user@]host[:port]", spec)
	}
	user = m[1]
	host = m[2]
	port = DefaultSSHPort
	if m[3] != "" {
		port, err = parsePort(m[3])
		if err != nil {
			return "", "", 0, fmt.Errorf("invalid gateway port %q", m[3])
		}
	}
	if host == "" {
		return "", "", 0, fmt.Errorf("gateway host is required")
	}
	return user, host, port, nil
}

// ── Forward spec parser ──────────────────────────────────────────────

// Forward is a parsed -L argument.  Empty hosts and zero ports mean
// "not given" so the caller keeps its current value.
type Forward struct {
	LocalHost  string
	LocalPort  int
	RemoteHost string
	RemotePort int
}

// ParseForwardSpec accepts the ssh -L forms "lport", "lhost:lport",
// "lport:rhost:rport" and "lhost:lport:rhost:rport".  A bare "0" binds
// an ephemeral local port.
func ParseForwardSpec(spec string) (Forward, error) {
	parts := strings.Split(spec, ":")
	var f Forward
	var err error
	switch len(parts) {
	case 1:
		f.LocalPort, err = parseLocalPort(parts[0])
	case 2:
		f.LocalHost = parts[0]
		f.LocalPort, err = parseLocalPort(parts[1])
	case 3:
		f.RemoteHost = parts[1]
		if f.LocalPort, err = parseLocalPort(parts[0]); err == nil {
			f.RemotePort, err = parsePort(parts[2])
		}
	case 4:
		f.LocalHost = parts[0]
		f.RemoteHost = parts[2]
		if f.LocalPort, err = parseLocalPort(parts[1]); err == nil {
			f.RemotePort, err = parsePort(parts[3])
		}
	default:
		return Forward{}, fmt.Errorf("invalid forward %q - expected [lhost:]lport[:rhost:rport]", spec)
	}
	if err != nil {
		return Forward{}, fmt.Errorf("forward %q: %w", spec, err)
	}
	if len(parts) >= 3 && f.RemoteHost == "" {
		return Forward{}, fmt.Errorf("forward %q: remote host is empty", spec)
	}
	return f, nil
}

// Apply copies the parts of f that were given onto c.
func (f Forward) Apply(c *Config) {
	if f.LocalHost != "" {
		c.LocalHost = f.LocalHost
	}
	c.LocalPort = f.LocalPort
	if f.RemoteHost != "" {
		c.RemoteHost = f.RemoteHost
	}
	if f.RemotePort != 0 {
		c.RemotePort = f.RemotePort
	}
}

func parsePort(s string) (int, error) {
	port, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	if port < 1 || port > 65535 {
		return 0, fmt.Errorf("port %d out of range 1-65535", port)
	}
	return port, nil
}

func parseLocalPort(s string) (int, error) {
	if s == "0" {
		return 0, nil
	}
	return parsePort(s)
}

// ── Validation ───────────────────────────────────────────────────────

// Validate checks that the configuration is internally consistent.
// Failures are *errors.ConfigError values carrying a hint.
func (c *Config) Validate() error {
	switch {
	case c.Host == "":
		return &ncerr.ConfigError{Field: "host", Message: "gateway host is required",
			Hint: "pass [user@]host[:port] or select a secrets profile with --profile"}
	case c.User == "":
		return &ncerr.ConfigError{Field: "user", Message: "SSH user is required",
			Hint: "use user@host, or set WTUNNEL_USER"}
	case c.Port < 1 || c.Port > 65535:
		return &ncerr.ConfigError{Field: "port", Value: c.Port, Message: "out of range 1-65535"}
	case c.RemotePort == 0:
		return &ncerr.ConfigError{Field: "remote-port", Message: "forward target port is required",
			Hint: "use -R <port> or -L lport:rhost:rport"}
	case c.RemotePort < 0 || c.RemotePort > 65535:
		return &ncerr.ConfigError{Field: "remote-port", Value: c.RemotePort, Message: "out of range 1-65535"}
	case c.LocalPort < 0 || c.LocalPort > 65535:
		return &ncerr.ConfigError{Field: "local", Value: c.LocalPort, Message: "out of range 0-65535"}
	case c.Timeout < 0:
		return &ncerr.ConfigError{Field: "timeout", Value: c.Timeout, Message: "must not be negative"}
	case c.KeepAlive < 0:
		return &ncerr.ConfigError{Field: "keepalive", Value: c.KeepAlive, Message: "must not be negative"}
	case c.Drain < 0:
		return &ncerr.ConfigError{Field: "drain", Value: c.Drain, Message: "must not be negative"}
	case c.Retries < 0:
		return &ncerr.ConfigError{Field: "retries", Value: c.Retries, Message: "must not be negative"}
	}

	if c.Proxy != "" {
		if _, err := transport.ParseSOCKS(c.Proxy); err != nil {
			return &ncerr.ConfigError{Field: "proxy", Value: c.Proxy, Message: err.Error(),
				Hint: "use host:port or socks5://[user:pass@]host:port"}
		}
	}

	switch c.HostKeyPolicy {
	case PolicyStrict, PolicyTOFU, PolicyInsecure:
	case PolicyPin:
		if len(c.Fingerprints) == 0 {
			return &ncerr.ConfigError{Field: "host-key-policy", Value: c.HostKeyPolicy,
				Message: "pinning needs at least one fingerprint",
				Hint:    "add --fingerprint SHA256:... (see ssh-keygen -lf)"}
		}
	default:
		return &ncerr.ConfigError{Field: "host-key-policy", Value: c.HostKeyPolicy,
			Message: "unknown policy",
			Hint:    "one of strict, tofu, pin, insecure"}
	}
	if len(c.Fingerprints) > 0 && c.HostKeyPolicy != PolicyPin {
		return &ncerr.ConfigError{Field: "fingerprint", Message: "only used with --host-key-policy=pin"}
	}
	return nil
}

// ── Conversion ───────────────────────────────────────────────────────

// TunnelConfig builds the tunnel configuration, resolving credentials
// and the host-key policy.  Call Validate first.
func (c *Config) TunnelConfig() (tunnel.Config, error) {
	hostKeys, err := c.hostKeyVerifier()
	if err != nil {
		return tunnel.Config{}, err
	}
	return tunnel.Config{
		Identity:       c.credentials(),
		Host:           c.Host,
		Port:           uint16(c.Port),
		LocalHost:      c.LocalHost,
		LocalPort:      uint16(c.LocalPort),
		RemoteHost:     c.RemoteHost,
		RemotePort:     uint16(c.RemotePort),
		HostKeys:       hostKeys,
		ConnectTimeout: c.Timeout,
		KeepAlive:      c.KeepAlive,
	}, nil
}

// Dialer returns the transport used to reach the gateway, or nil for
// a direct TCP connection.
func (c *Config) Dialer() (transport.Dialer, error) {
	if c.Proxy == "" {
		return nil, nil
	}
	d, err := transport.ParseSOCKS(c.Proxy)
	if err != nil {
		return nil, err
	}
	d.Timeout = c.Timeout
	return d, nil
}

// credentials chains every configured method.  With none configured
// the agent and the default key files are tried.
func (c *Config) credentials() tunnel.CredentialProvider {
	var providers []tunnel.CredentialProvider
	if c.IdentityFile != "" {
		providers = append(providers, tunnel.KeyFile(c.User, c.IdentityFile))
	}
	if c.UseAgent {
		providers = append(providers, tunnel.Agent(c.User))
	}
	if c.Password != "" {
		providers = append(providers, tunnel.Password(c.User, c.Password))
	}
	if c.PromptPassword {
		providers = append(providers, tunnel.PasswordPrompt(c.User))
	}

	switch len(providers) {
	case 0:
		return tunnel.DefaultIdentity(c.User)
	case 1:
		return providers[0]
	default:
		return tunnel.Chain(c.User, providers...)
	}
}

func (c *Config) hostKeyVerifier() (tunnel.HostKeyVerifier, error) {
	switch c.HostKeyPolicy {
	case PolicyTOFU:
		path := c.KnownHostsPath
		if path == "" {
			p, err := tunnel.DefaultKnownHostsPath()
			if err != nil {
				return nil, err
			}
			path = p
		}
		return tunnel.TrustOnFirstUse(path), nil
	case PolicyPin:
		return tunnel.Fingerprints(c.Fingerprints...), nil
	case PolicyInsecure:
		return tunnel.InsecureAcceptAny(), nil
	default:
		if c.KnownHostsPath == "" {
			return tunnel.DefaultHostKeyVerifier(), nil
		}
		v, err := tunnel.KnownHosts(c.KnownHostsPath)
		if err != nil {
			return nil, &ncerr.ConfigError{Field: "known-hosts", Value: c.KnownHostsPath,
				Message: err.Error(), Hint: "use --host-key-policy=tofu to record the key on first connect"}
		}
		return v, nil
	}
}

func (c *Config) String() string {
	return fmt.Sprintf("%s@%s:%d L%s:%d R%s:%d", c.User, c.Host, c.Port,
		c.LocalHost, c.LocalPort, c.RemoteHost, c.RemotePort)
}
