package transport

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/proxy"
)

// SOCKSDialer reaches the gateway through a SOCKS5 proxy.
type SOCKSDialer struct {
	Addr    string // proxy host:port
	Auth    *proxy.Auth
	Timeout time.Duration // applies to the connection to the proxy
}

// ParseSOCKS accepts "host:port" or "socks5://[user:pass@]host:port".
func ParseSOCKS(spec string) (*SOCKSDialer, error) {
	if !strings.Contains(spec, "://") {
		if _, port, err := net.SplitHostPort(spec); err != nil || port == "" {
			return nil, fmt.Errorf("proxy %q: expected host:port", spec)
		}
		return &SOCKSDialer{Addr: spec}, nil
	}
	u, err := url.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("proxy %q: %w", spec, err)
	}
	if u.Scheme != "socks5" && u.Scheme != "socks5h" {
		return nil, fmt.Errorf("proxy %q: unsupported scheme %q", spec, u.Scheme)
	}
	if u.Port() == "" {
		return nil, fmt.Errorf("proxy %q: port is required", spec)
	}
	d := &SOCKSDialer{Addr: u.Host}
	if u.User != nil {
		pass, _ := u.User.Password()
		d.Auth = &proxy.Auth{User: u.User.Username(), Password: pass}
	}
	return d, nil
}

// Dial connects to address through the proxy.
func (d *SOCKSDialer) Dial(ctx context.Context, network, address string) (net.Conn, error) {
	pd, err := proxy.SOCKS5("tcp", d.Addr, d.Auth, &net.Dialer{Timeout: d.Timeout})
	if err != nil {
		return nil, fmt.Errorf("socks5 %s: %w", d.Addr, err)
	}
	var conn net.Conn
	if cd, ok := pd.(proxy.ContextDialer); ok {
		conn, err = cd.DialContext(ctx, network, address)
	} else {
		conn, err = pd.Dial(network, address)
	}
	if err != nil {
		return nil, fmt.Errorf("socks5 %s: %w", d.Addr, err)
	}
	return conn, nil
}

// Close is a no-op; every Dial uses its own proxy connection.
func (d *SOCKSDialer) Close() error { return nil }

func (d *SOCKSDialer) String() string { return "socks5://" + d.Addr }
