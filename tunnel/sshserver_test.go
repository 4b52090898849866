package tunnel

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"wtunnel/util"
)

const (
	testUser     = "wallet"
	testPassword = "hunter2"
)

// testGateway is an in-process SSH server that serves direct-tcpip
// channels, enough to stand in for sshd in tunnel tests.
type testGateway struct {
	t       *testing.T
	ln      net.Listener
	host    ssh.Signer
	allowed ssh.PublicKey // optional client key accepted for publickey auth

	mu     sync.Mutex
	conns  map[*ssh.ServerConn]struct{}
	opened int
	closed bool
}

func newTestGateway(t *testing.T) *testGateway {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	g := &testGateway{t: t, ln: ln, host: signer, conns: make(map[*ssh.ServerConn]struct{})}
	go g.acceptLoop()
	t.Cleanup(g.Close)
	return g
}

func (g *testGateway) serverConfig() *ssh.ServerConfig {
	cfg := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if c.User() == testUser && string(pass) == testPassword {
				return nil, nil
			}
			return nil, fmt.Errorf("password rejected for %q", c.User())
		},
		PublicKeyCallback: func(c ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			g.mu.Lock()
			allowed := g.allowed
			g.mu.Unlock()
			if allowed != nil && c.User() == testUser && bytes.Equal(key.Marshal(), allowed.Marshal()) {
				return nil, nil
			}
			return nil, fmt.Errorf("unknown public key for %q", c.User())
		},
	}
	cfg.AddHostKey(g.host)
	return cfg
}

// allowKey accepts publickey auth with key.
func (g *testGateway) allowKey(key ssh.PublicKey) {
	g.mu.Lock()
	g.allowed = key
	g.mu.Unlock()
}

func (g *testGateway) acceptLoop() {
	for {
		c, err := g.ln.Accept()
		if err != nil {
			return
		}
		go g.serveConn(c)
	}
}

func (g *testGateway) serveConn(c net.Conn) {
	sc, chans, reqs, err := ssh.NewServerConn(c, g.serverConfig())
	if err != nil {
		c.Close()
		return
	}
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		sc.Close()
		return
	}
	g.conns[sc] = struct{}{}
	g.opened++
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		delete(g.conns, sc)
		g.mu.Unlock()
	}()

	go ssh.DiscardRequests(reqs)
	for newCh := range chans {
		if newCh.ChannelType() != "direct-tcpip" {
			newCh.Reject(ssh.UnknownChannelType, "only port forwarding allowed") //nolint:errcheck
			continue
		}
		var msg directTCPIPMsg
		if err := ssh.Unmarshal(newCh.ExtraData(), &msg); err != nil {
			newCh.Reject(ssh.Prohibited, err.Error()) //nolint:errcheck
			continue
		}
		addr := net.JoinHostPort(msg.Raddr, strconv.Itoa(int(msg.Rport)))
		target, err := net.DialTimeout("tcp", addr, 2*time.Second)
		if err != nil {
			newCh.Reject(ssh.ConnectionFailed, err.Error()) //nolint:errcheck
			continue
		}
		ch, chReqs, err := newCh.Accept()
		if err != nil {
			target.Close()
			continue
		}
		go ssh.DiscardRequests(chReqs)
		go forwardHalfClose(ch, target.(*net.TCPConn))
	}
	sc.Wait() //nolint:errcheck
}

// forwardHalfClose relays like sshd does: EOF in one direction is
// passed on as a half-close and both ends are closed once both
// directions have finished.
func forwardHalfClose(ch ssh.Channel, target *net.TCPConn) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		io.Copy(target, ch) //nolint:errcheck
		target.CloseWrite() //nolint:errcheck
	}()
	go func() {
		defer wg.Done()
		io.Copy(ch, target) //nolint:errcheck
		ch.CloseWrite()     //nolint:errcheck
	}()
	wg.Wait()
	target.Close()
	ch.Close()
}

// Addr returns host and port of the gateway.
func (g *testGateway) Addr() (string, uint16) {
	a := g.ln.Addr().(*net.TCPAddr)
	return a.IP.String(), uint16(a.Port)
}

// Fingerprint returns the SHA256 fingerprint of the host key.
func (g *testGateway) Fingerprint() string {
	return ssh.FingerprintSHA256(g.host.PublicKey())
}

// Sessions returns the number of currently connected clients.
func (g *testGateway) Sessions() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.conns)
}

// DropSessions closes every client connection from the server side.
func (g *testGateway) DropSessions() {
	g.mu.Lock()
	conns := make([]*ssh.ServerConn, 0, len(g.conns))
	for sc := range g.conns {
		conns = append(conns, sc)
	}
	g.mu.Unlock()
	for _, sc := range conns {
		sc.Close()
	}
}

func (g *testGateway) Close() {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()
	g.ln.Close()
	g.DropSessions()
}

// Config returns a tunnel config that reaches remotePort through g
// with password auth and the host key pinned.
func (g *testGateway) Config(remotePort uint16) Config {
	host, port := g.Addr()
	return Config{
		Identity:       Password(testUser, testPassword),
		Host:           host,
		Port:           port,
		LocalHost:      "127.0.0.1",
		RemoteHost:     "127.0.0.1",
		RemotePort:     remotePort,
		HostKeys:       Fingerprints(g.Fingerprint()),
		ConnectTimeout: 5 * time.Second,
	}
}

// ── target services ──────────────────────────────────────────────────

// echoServer echoes everything back.  A chunk that is exactly "close"
// makes it drop that connection instead.
type echoServer struct {
	ln net.Listener
	mu sync.Mutex
	cs map[net.Conn]struct{}
}

func newEchoServer(t *testing.T) *echoServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	e := &echoServer{ln: ln, cs: make(map[net.Conn]struct{})}
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			e.mu.Lock()
			e.cs[c] = struct{}{}
			e.mu.Unlock()
			go e.serve(c)
		}
	}()
	t.Cleanup(e.Close)
	return e
}

func (e *echoServer) serve(c net.Conn) {
	defer func() {
		e.mu.Lock()
		delete(e.cs, c)
		e.mu.Unlock()
		c.Close()
	}()
	buf := make([]byte, 32*1024)
	for {
		n, err := c.Read(buf)
		if n > 0 {
			if string(buf[:n]) == "close" {
				return
			}
			if _, werr := c.Write(buf[:n]); werr != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func (e *echoServer) Port() uint16 { return uint16(e.ln.Addr().(*net.TCPAddr).Port) }

func (e *echoServer) Close() {
	e.ln.Close()
	e.mu.Lock()
	defer e.mu.Unlock()
	for c := range e.cs {
		c.Close()
	}
}

// unusedPort returns a TCP port nothing is listening on.
func unusedPort(t *testing.T) uint16 {
	t.Helper()
	port, err := util.FindFreePort()
	require.NoError(t, err)
	return uint16(port)
}

// roundTrip writes msg on c and reads back the same number of bytes.
func roundTrip(t *testing.T, c net.Conn, msg string) string {
	t.Helper()
	require.NoError(t, c.SetDeadline(time.Now().Add(5*time.Second)))
	_, err := c.Write([]byte(msg))
	require.NoError(t, err)
	buf := make([]byte, len(msg))
	_, err = io.ReadFull(c, buf)
	require.NoError(t, err)
	require.NoError(t, c.SetDeadline(time.Time{}))
	return string(buf)
}

// recorder is an Observer that keeps every notification.
type recorder struct {
	mu     sync.Mutex
	states []State
	opened []string
	closed []string
	errs   []error
	stats  map[string]RelayStats
}

func newRecorder() *recorder { return &recorder{stats: make(map[string]RelayStats)} }

func (r *recorder) StateChanged(_, to State) {
	r.mu.Lock()
	r.states = append(r.states, to)
	r.mu.Unlock()
}

func (r *recorder) ConnectionOpened(id string, _ net.Addr) {
	r.mu.Lock()
	r.opened = append(r.opened, id)
	r.mu.Unlock()
}

func (r *recorder) ConnectionClosed(id string, stats RelayStats, _ error) {
	r.mu.Lock()
	r.closed = append(r.closed, id)
	r.stats[id] = stats
	r.mu.Unlock()
}

func (r *recorder) Error(err error) {
	r.mu.Lock()
	r.errs = append(r.errs, err)
	r.mu.Unlock()
}

func (r *recorder) Errors() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errs...)
}

func (r *recorder) States() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State(nil), r.states...)
}

func (r *recorder) Closed() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.closed)
}
