package tunnel

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	ncerr "wtunnel/internal/errors"
	"wtunnel/internal/metrics"
	"wtunnel/internal/transport"
)

func openTestSession(t *testing.T, cfg Config) *Session {
	t.Helper()
	s, err := OpenSession(context.Background(), cfg, nil, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenSession_Established(t *testing.T) {
	gw := newTestGateway(t)
	echo := newEchoServer(t)

	m := metrics.New()
	s, err := OpenSession(context.Background(), gw.Config(echo.Port()), nil, nil, m)
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, SessionEstablished, s.State())
	assert.Equal(t, int64(1), m.SessionsOpened())
	require.Eventually(t, func() bool { return gw.Sessions() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestOpenSession_WrongPassword(t *testing.T) {
	gw := newTestGateway(t)
	cfg := gw.Config(1)
	cfg.Identity = Password(testUser, "wrong")

	_, err := OpenSession(context.Background(), cfg, nil, nil, nil)
	var ae *ncerr.AuthenticationError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, testUser, ae.User)
	assert.ErrorIs(t, err, ncerr.ErrAuthFailed)
	assert.False(t, ncerr.IsRetryable(err))
}

func TestOpenSession_CredentialProviderFails(t *testing.T) {
	gw := newTestGateway(t)
	cfg := gw.Config(1)
	cfg.Identity = ProviderFunc(func(context.Context) (Credential, error) {
		return Credential{}, errors.New("no key")
	})

	_, err := OpenSession(context.Background(), cfg, nil, nil, nil)
	var ae *ncerr.AuthenticationError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, 0, gw.Sessions())
}

func TestOpenSession_HostKeyRejected(t *testing.T) {
	gw := newTestGateway(t)
	cfg := gw.Config(1)
	cfg.HostKeys = Fingerprints("SHA256:not-the-right-one")

	_, err := OpenSession(context.Background(), cfg, nil, nil, nil)
	var he *ncerr.HostKeyMismatchError
	require.ErrorAs(t, err, &he)
	assert.Equal(t, gw.Fingerprint(), he.Fingerprint)
	assert.ErrorIs(t, err, ncerr.ErrHostKeyMismatch)
}

func TestOpenSession_Unreachable(t *testing.T) {
	cfg := Config{
		Identity:       Password(testUser, testPassword),
		Host:           "127.0.0.1",
		Port:           unusedPort(t),
		RemotePort:     1,
		HostKeys:       InsecureAcceptAny(),
		ConnectTimeout: 2 * time.Second,
	}
	_, err := OpenSession(context.Background(), cfg, nil, nil, nil)
	var ce *ncerr.ConnectivityError
	require.ErrorAs(t, err, &ce)
	assert.True(t, ncerr.IsRetryable(err))
}

func TestOpenSession_HandshakeTimeout(t *testing.T) {
	// A server that accepts TCP but never speaks SSH.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			defer c.Close()
		}
	}()

	cfg := Config{
		Identity:       Password(testUser, testPassword),
		Host:           "127.0.0.1",
		Port:           uint16(ln.Addr().(*net.TCPAddr).Port),
		RemotePort:     1,
		HostKeys:       InsecureAcceptAny(),
		ConnectTimeout: 200 * time.Millisecond,
	}
	start := time.Now()
	_, err = OpenSession(context.Background(), cfg, nil, nil, nil)
	var ce *ncerr.ConnectivityError
	require.ErrorAs(t, err, &ce)
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestOpenSession_CustomDialer(t *testing.T) {
	gw := newTestGateway(t)
	echo := newEchoServer(t)

	var dialed string
	d := transport.DialerFunc(func(ctx context.Context, network, addr string) (net.Conn, error) {
		dialed = addr
		var nd net.Dialer
		return nd.DialContext(ctx, network, addr)
	})
	cfg := gw.Config(echo.Port())
	s, err := OpenSession(context.Background(), cfg, d, nil, nil)
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, cfg.SSHAddr(), dialed)
}

func TestSession_OpenChannel(t *testing.T) {
	gw := newTestGateway(t)
	echo := newEchoServer(t)
	s := openTestSession(t, gw.Config(echo.Port()))

	origin := &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 40000}
	c, err := s.OpenChannel("127.0.0.1", echo.Port(), origin)
	require.NoError(t, err)
	defer c.Close()

	assert.Equal(t, "ping", roundTrip(t, c, "ping"))
	assert.Equal(t, origin, c.LocalAddr())
}

func TestTargetAddr_KeepsHostName(t *testing.T) {
	tests := []struct {
		host string
		want string
	}{
		{"db.internal", "db.internal:5432"},
		{"10.0.0.9", "10.0.0.9:5432"},
		{"::1", "[::1]:5432"},
	}
	for _, tt := range tests {
		c := &chanConn{raddr: targetAddr(tt.host, 5432)}
		assert.Equal(t, "tcp", c.RemoteAddr().Network())
		assert.Equal(t, tt.want, c.RemoteAddr().String())
	}
	_, isTCP := targetAddr("10.0.0.9", 80).(*net.TCPAddr)
	assert.True(t, isTCP, "IP targets stay *net.TCPAddr")
}

func TestSession_OpenChannelConcurrent(t *testing.T) {
	gw := newTestGateway(t)
	echo := newEchoServer(t)
	s := openTestSession(t, gw.Config(echo.Port()))

	var g errgroup.Group
	for i := 0; i < 10; i++ {
		g.Go(func() error {
			c, err := s.OpenChannel("127.0.0.1", echo.Port(), nil)
			if err != nil {
				return err
			}
			defer c.Close()
			if _, err := c.Write([]byte("x")); err != nil {
				return err
			}
			buf := make([]byte, 1)
			_, err = io.ReadFull(c, buf)
			return err
		})
	}
	require.NoError(t, g.Wait())
}

func TestSession_OpenChannelRejected(t *testing.T) {
	gw := newTestGateway(t)
	echo := newEchoServer(t)
	s := openTestSession(t, gw.Config(echo.Port()))

	_, err := s.OpenChannel("127.0.0.1", unusedPort(t), nil)
	var cre *ncerr.ChannelRejectedError
	require.ErrorAs(t, err, &cre)
	assert.Contains(t, cre.Reason, "connect failed")

	// The session survives a rejected channel.
	c, err := s.OpenChannel("127.0.0.1", echo.Port(), nil)
	require.NoError(t, err)
	c.Close()
}

func TestSession_CloseInvalidatesChannels(t *testing.T) {
	gw := newTestGateway(t)
	echo := newEchoServer(t)
	s := openTestSession(t, gw.Config(echo.Port()))

	c, err := s.OpenChannel("127.0.0.1", echo.Port(), nil)
	require.NoError(t, err)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.Equal(t, SessionClosed, s.State())

	_, err = c.Read(make([]byte, 1))
	assert.Error(t, err)

	_, err = s.OpenChannel("127.0.0.1", echo.Port(), nil)
	assert.ErrorIs(t, err, ncerr.ErrSessionClosed)

	select {
	case <-s.Done():
	default:
		t.Fatal("Done not closed after Close")
	}
}

func TestSession_RemoteDropReportsLoss(t *testing.T) {
	gw := newTestGateway(t)
	echo := newEchoServer(t)
	rec := newRecorder()
	s, err := OpenSession(context.Background(), gw.Config(echo.Port()), nil, rec, nil)
	require.NoError(t, err)
	defer s.Close()

	gw.DropSessions()

	select {
	case <-s.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("session did not notice the drop")
	}
	errs := rec.Errors()
	require.NotEmpty(t, errs)
	assert.ErrorIs(t, errs[0], ncerr.ErrSessionLost)
}

func TestSession_KeepAlive(t *testing.T) {
	gw := newTestGateway(t)
	echo := newEchoServer(t)
	cfg := gw.Config(echo.Port())
	cfg.KeepAlive = 20 * time.Millisecond

	m := metrics.New()
	s, err := OpenSession(context.Background(), cfg, nil, nil, m)
	require.NoError(t, err)
	defer s.Close()

	require.Eventually(t, func() bool {
		return m.Snapshot().LastKeepAlive != ""
	}, 2*time.Second, 10*time.Millisecond)
}
