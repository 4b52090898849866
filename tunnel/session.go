package tunnel

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/ssh"

	ncerr "wtunnel/internal/errors"
	"wtunnel/internal/metrics"
	"wtunnel/internal/transport"
)

// SessionState is the lifecycle state of a transport session.
type SessionState int32

const (
	SessionConnecting SessionState = iota
	SessionEstablished
	SessionClosed
)

func (s SessionState) String() string {
	switch s {
	case SessionConnecting:
		return "connecting"
	case SessionEstablished:
		return "established"
	case SessionClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session is an authenticated SSH connection to the gateway that hands
// out direct-tcpip channels.  OpenChannel is safe for concurrent use.
type Session struct {
	cfg     Config
	client  *ssh.Client
	obs     Observer
	metrics *metrics.Collector

	state     atomic.Int32
	closing   atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
}

// OpenSession dials cfg.Host:cfg.Port through dialer, completes the
// handshake within cfg.ConnectTimeout and authenticates.  A nil dialer
// means plain TCP.  Failures are *AuthenticationError,
// *ConnectivityError or *HostKeyMismatchError.
func OpenSession(ctx context.Context, cfg Config, dialer transport.Dialer,
	obs Observer, m *metrics.Collector) (*Session, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if obs == nil {
		obs = NopObserver{}
	}
	if dialer == nil {
		dialer = &transport.TCPDialer{Timeout: cfg.ConnectTimeout}
	}

	addr := cfg.SSHAddr()
	cred, err := cfg.Identity.Credential(ctx)
	if err != nil {
		return nil, &ncerr.AuthenticationError{Host: cfg.Host, Port: int(cfg.Port), Err: err}
	}

	verifier := cfg.HostKeys
	if verifier == nil {
		verifier = DefaultHostKeyVerifier()
	}
	var (
		hkMu  sync.Mutex
		hkErr error
	)
	sshCfg := &ssh.ClientConfig{
		User: cred.User,
		Auth: cred.Methods,
		HostKeyCallback: func(hostname string, remote net.Addr, key ssh.PublicKey) error {
			if err := verifier.VerifyHostKey(hostname, remote, key); err != nil {
				hkMu.Lock()
				hkErr = &ncerr.HostKeyMismatchError{
					Host:        hostname,
					Fingerprint: ssh.FingerprintSHA256(key),
					Err:         err,
				}
				hkMu.Unlock()
				return err
			}
			return nil
		},
		Timeout: cfg.ConnectTimeout,
	}

	dctx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	conn, err := dialer.Dial(dctx, "tcp", addr)
	if err != nil {
		return nil, &ncerr.ConnectivityError{Addr: addr, Err: err}
	}

	// The handshake has no context of its own: bound it with a deadline
	// and close the socket if ctx is cancelled first.
	conn.SetDeadline(time.Now().Add(cfg.ConnectTimeout)) //nolint:errcheck
	stop := context.AfterFunc(dctx, func() { conn.Close() })

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, sshCfg)
	stopped := stop()
	if err != nil {
		conn.Close()
		hkMu.Lock()
		defer hkMu.Unlock()
		switch {
		case hkErr != nil:
			return nil, hkErr
		case strings.Contains(err.Error(), "unable to authenticate"):
			return nil, &ncerr.AuthenticationError{User: cred.User, Host: cfg.Host, Port: int(cfg.Port), Err: err}
		case !stopped:
			return nil, &ncerr.ConnectivityError{Addr: addr, Err: dctx.Err()}
		default:
			return nil, &ncerr.ConnectivityError{Addr: addr, Err: err}
		}
	}
	if !stopped {
		sshConn.Close()
		return nil, &ncerr.ConnectivityError{Addr: addr, Err: dctx.Err()}
	}
	conn.SetDeadline(time.Time{}) //nolint:errcheck

	s := &Session{
		cfg:     cfg,
		client:  ssh.NewClient(sshConn, chans, reqs),
		obs:     obs,
		metrics: m,
		done:    make(chan struct{}),
	}
	s.state.Store(int32(SessionEstablished))
	m.SessionOpened()

	go s.monitor()
	if cfg.KeepAlive > 0 {
		go s.keepaliveLoop(cfg.KeepAlive)
	}
	return s, nil
}

// State returns the session's lifecycle state.
func (s *Session) State() SessionState { return SessionState(s.state.Load()) }

// Done is closed when the underlying connection has gone away.
func (s *Session) Done() <-chan struct{} { return s.done }

// directTCPIPMsg is the channel-open payload for "direct-tcpip"
// (RFC 4254 §7.2).
type directTCPIPMsg struct {
	Raddr string
	Rport uint32
	Laddr string
	Lport uint32
}

// OpenChannel asks the gateway for a channel to remoteHost:remotePort.
// origin is reported to the gateway as the originator address.
func (s *Session) OpenChannel(remoteHost string, remotePort uint16, origin net.Addr) (net.Conn, error) {
	if s.State() != SessionEstablished {
		return nil, ncerr.ErrSessionClosed
	}

	target := net.JoinHostPort(remoteHost, strconv.Itoa(int(remotePort)))
	msg := directTCPIPMsg{Raddr: remoteHost, Rport: uint32(remotePort)}
	if origin != nil {
		if host, port, err := net.SplitHostPort(origin.String()); err == nil {
			p, _ := strconv.ParseUint(port, 10, 32)
			msg.Laddr, msg.Lport = host, uint32(p)
		}
	}

	ch, reqs, err := s.client.OpenChannel("direct-tcpip", ssh.Marshal(&msg))
	if err != nil {
		if s.State() != SessionEstablished {
			return nil, fmt.Errorf("channel to %s: %w", target, ncerr.ErrSessionClosed)
		}
		var oce *ssh.OpenChannelError
		if ncerr.As(err, &oce) {
			return nil, &ncerr.ChannelRejectedError{
				Target: target,
				Reason: fmt.Sprintf("%s (%s)", oce.Reason, oce.Message),
				Err:    err,
			}
		}
		return nil, &ncerr.ChannelRejectedError{Target: target, Err: err}
	}
	go ssh.DiscardRequests(reqs)

	return &chanConn{Channel: ch, laddr: origin, raddr: targetAddr(remoteHost, remotePort)}, nil
}

// Close tears the session down.  Every channel it opened stops working.
// Safe to call more than once.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.closing.Store(true)
		s.state.Store(int32(SessionClosed))
		err = s.client.Close()
		<-s.done
	})
	if ncerr.IsClosed(err) {
		return nil
	}
	return err
}

// monitor blocks until the SSH connection closes.  A close that Close
// did not initiate is reported as ErrSessionLost.
func (s *Session) monitor() {
	err := s.client.Wait()
	s.state.Store(int32(SessionClosed))
	if !s.closing.Load() {
		cause := fmt.Errorf("%w: %s", ncerr.ErrSessionLost, s.cfg.SSHAddr())
		if err != nil {
			cause = fmt.Errorf("%w: %s: %v", ncerr.ErrSessionLost, s.cfg.SSHAddr(), err)
		}
		s.metrics.RecordError(cause.Error())
		s.obs.Error(cause)
	}
	close(s.done)
}

// keepaliveLoop sends periodic keep-alive requests and drops the
// connection when one fails, which monitor reports as a session loss.
func (s *Session) keepaliveLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			_, _, err := s.client.SendRequest("keepalive@openssh.com", true, nil)
			if err != nil {
				if !s.closing.Load() {
					s.obs.Error(ncerr.WrapSSH("keepalive", s.cfg.Host, int(s.cfg.Port), err))
				}
				s.client.Close()
				return
			}
			s.metrics.RecordKeepAlive()
		}
	}
}

// ── chanConn ─────────────────────────────────────────────────────────

// chanConn wraps an [ssh.Channel] to satisfy [net.Conn].  CloseWrite
// comes from the channel and sends EOF to the far end.
type chanConn struct {
	ssh.Channel
	laddr net.Addr
	raddr net.Addr
}

func (c *chanConn) LocalAddr() net.Addr {
	if c.laddr == nil {
		return &net.TCPAddr{}
	}
	return c.laddr
}

func (c *chanConn) RemoteAddr() net.Addr               { return c.raddr }
func (c *chanConn) SetDeadline(_ time.Time) error      { return nil }
func (c *chanConn) SetReadDeadline(_ time.Time) error  { return nil }
func (c *chanConn) SetWriteDeadline(_ time.Time) error { return nil }

// hostAddr is a forward target named by host rather than IP.  The
// gateway resolves it, so the name is kept as given.
type hostAddr struct {
	host string
	port uint16
}

func (a hostAddr) Network() string { return "tcp" }
func (a hostAddr) String() string  { return net.JoinHostPort(a.host, strconv.Itoa(int(a.port))) }

func targetAddr(host string, port uint16) net.Addr {
	if ip := net.ParseIP(host); ip != nil {
		return &net.TCPAddr{IP: ip, Port: int(port)}
	}
	return hostAddr{host: host, port: port}
}
