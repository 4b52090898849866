// Package tunnel forwards local TCP connections through an SSH session
// to a fixed remote target, the equivalent of "ssh -L".
//
// A tunnel owns one transport session and one listening socket.  Every
// accepted connection gets its own direct-tcpip channel and a relay
// that copies bytes both ways until either side finishes.  Stopping a
// tunnel closes the listener first, lets active connections drain up to
// a deadline, then force-closes whatever is left.
package tunnel

import (
	"context"
	"fmt"
	"net"
	"time"

	ncerr "wtunnel/internal/errors"
	"wtunnel/internal/metrics"
	"wtunnel/internal/retry"
	"wtunnel/internal/transport"
)

// State is the lifecycle state of a tunnel.
type State int

const (
	StateIdle State = iota
	StateStarting
	StateListening
	StateShuttingDown
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateListening:
		return "listening"
	case StateShuttingDown:
		return "shutting-down"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Option customises a tunnel before it starts.
type Option func(*Manager)

// WithObserver routes lifecycle notifications to o.
func WithObserver(o Observer) Option {
	return func(m *Manager) {
		if o != nil {
			m.obs = o
		}
	}
}

// WithDialer replaces the TCP dialer used to reach the gateway.
func WithDialer(d transport.Dialer) Option {
	return func(m *Manager) {
		if d != nil {
			m.dialer = d
		}
	}
}

// WithMetrics records tunnel statistics into c instead of a private
// collector.
func WithMetrics(c *metrics.Collector) Option {
	return func(m *Manager) {
		if c != nil {
			m.metrics = c
		}
	}
}

// Tunnel is the handle returned by StartTunnel.  Release it with
// StopTunnel or Tunnel.Stop.
type Tunnel struct {
	m *Manager
}

// Addr returns the bound local address.  With LocalPort 0 this is
// where the ephemeral port is found.
func (t *Tunnel) Addr() net.Addr { return t.m.Addr() }

// State returns the current lifecycle state.
func (t *Tunnel) State() State { return t.m.State() }

// Active returns the number of connections being relayed.
func (t *Tunnel) Active() int { return t.m.Active() }

// Done is closed once the tunnel reaches StateStopped, whether through
// Stop or because the session was lost.
func (t *Tunnel) Done() <-chan struct{} { return t.m.Done() }

// Metrics returns a snapshot of the tunnel's counters.
func (t *Tunnel) Metrics() metrics.Snapshot { return t.m.Metrics() }

// Stop shuts the tunnel down, draining for at most drain.
func (t *Tunnel) Stop(drain time.Duration) error { return t.m.Stop(drain) }

func (t *Tunnel) String() string { return t.m.cfg.String() }

// StartTunnel opens the session, binds the listener and starts serving.
// On error nothing is left bound or connected.
func StartTunnel(ctx context.Context, cfg Config, opts ...Option) (*Tunnel, error) {
	m, err := NewManager(cfg, opts...)
	if err != nil {
		return nil, err
	}
	if err := m.Start(ctx); err != nil {
		return nil, err
	}
	return &Tunnel{m: m}, nil
}

// StopTunnel stops t, allowing active connections up to drain to finish.
// Stopping an already stopped tunnel is a no-op.
func StopTunnel(t *Tunnel, drain time.Duration) error {
	if t == nil || t.m == nil {
		return fmt.Errorf("stop: %w", ncerr.ErrTunnelClosed)
	}
	return t.m.Stop(drain)
}

// StartTunnelRetry is StartTunnel with retries on connectivity
// failures.  Authentication, host-key and bind errors are returned
// after the first attempt.
func StartTunnelRetry(ctx context.Context, cfg Config, b *retry.Backoff, opts ...Option) (*Tunnel, error) {
	if b == nil {
		b = retry.DefaultBackoff()
	}
	bo := *b
	if bo.Retryable == nil {
		bo.Retryable = ncerr.IsRetryable
	}

	var t *Tunnel
	err := bo.Do(ctx, func(int) error {
		var err error
		t, err = StartTunnel(ctx, cfg, opts...)
		return err
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

// WithTunnel starts a tunnel, runs fn with it and stops it afterwards
// with the given drain deadline, whatever fn returns.
func WithTunnel(ctx context.Context, cfg Config, drain time.Duration,
	fn func(ctx context.Context, t *Tunnel) error, opts ...Option) error {
	t, err := StartTunnel(ctx, cfg, opts...)
	if err != nil {
		return err
	}
	defer StopTunnel(t, drain) //nolint:errcheck
	return fn(ctx, t)
}
