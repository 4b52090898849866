package tunnel

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	ncerr "wtunnel/internal/errors"
	"wtunnel/internal/metrics"
	"wtunnel/internal/retry"
	"wtunnel/internal/transport"
)

// Manager owns one tunnel: its session, its listener and the set of
// connections being relayed.  Use it through StartTunnel unless the
// finer-grained lifecycle is needed.
type Manager struct {
	cfg     Config
	dialer  transport.Dialer
	obs     Observer
	metrics *metrics.Collector
	breaker *retry.CircuitBreaker

	mu            sync.Mutex
	state         State
	stopRequested bool
	session       *Session
	listener      *Listener
	active        map[string]*activeConn
	relays        sync.WaitGroup
	done          chan struct{}
}

type activeConn struct {
	id      string
	local   net.Conn
	remote  net.Conn
	client  net.Addr
	started time.Time
}

// NewManager validates cfg and returns an idle Manager.
func NewManager(cfg Config, opts ...Option) (*Manager, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	m := &Manager{
		cfg:     cfg,
		obs:     NopObserver{},
		metrics: metrics.New(),
		active:  make(map[string]*activeConn),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.dialer == nil {
		m.dialer = &transport.TCPDialer{Timeout: cfg.ConnectTimeout}
	}
	if cfg.ChannelBreaker != nil {
		bc := *cfg.ChannelBreaker
		if bc.IsFailure == nil {
			bc.IsFailure = isChannelRejection
		}
		m.breaker = retry.NewCircuitBreaker(&bc)
	}
	return m, nil
}

// Start opens the session, binds the listener and begins accepting.
// A Manager starts at most once; on failure it ends in StateStopped
// with nothing bound or connected.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateIdle {
		m.mu.Unlock()
		return ncerr.ErrAlreadyStarted
	}
	m.state = StateStarting
	m.mu.Unlock()
	m.obs.StateChanged(StateIdle, StateStarting)

	sess, err := OpenSession(ctx, m.cfg, m.dialer, m.obs, m.metrics)
	if err != nil {
		m.fail(err)
		return err
	}
	ln, err := Listen(m.cfg.LocalHost, m.cfg.LocalPort)
	if err != nil {
		sess.Close()
		m.fail(err)
		return err
	}

	m.mu.Lock()
	if m.stopRequested {
		m.mu.Unlock()
		ln.Stop()
		sess.Close()
		m.fail(ncerr.ErrTunnelClosed)
		return fmt.Errorf("start: %w", ncerr.ErrTunnelClosed)
	}
	m.session = sess
	m.listener = ln
	m.state = StateListening
	m.mu.Unlock()
	m.obs.StateChanged(StateStarting, StateListening)

	go m.serve(ln)
	go m.watch(sess)
	return nil
}

// fail moves a Starting manager straight to Stopped.
func (m *Manager) fail(err error) {
	m.metrics.RecordError(err.Error())
	m.mu.Lock()
	m.state = StateStopped
	m.mu.Unlock()
	close(m.done)
	m.obs.StateChanged(StateStarting, StateStopped)
}

func (m *Manager) serve(ln *Listener) {
	if err := ln.Serve(m.handle); err != nil {
		m.metrics.RecordError(err.Error())
		m.obs.Error(err)
		m.shutdownFrom(StateListening, 0)
	}
}

// watch stops the tunnel without a drain period when the session drops
// while it is still listening.
func (m *Manager) watch(sess *Session) {
	select {
	case <-sess.Done():
		m.shutdownFrom(StateListening, 0)
	case <-m.done:
	}
}

// handle runs on the accept goroutine for each client connection.
func (m *Manager) handle(local net.Conn) {
	m.mu.Lock()
	sess := m.session
	m.mu.Unlock()

	remote, err := m.openChannel(sess, local.RemoteAddr())
	if err != nil {
		if isChannelRejection(err) {
			m.metrics.ChannelRejected()
		}
		m.metrics.RecordError(err.Error())
		m.obs.Error(fmt.Errorf("connection from %s: %w", local.RemoteAddr(), err))
		local.Close()
		return
	}

	ac := &activeConn{
		id:      uuid.NewString(),
		local:   local,
		remote:  remote,
		client:  local.RemoteAddr(),
		started: time.Now(),
	}
	if !m.register(ac) {
		local.Close()
		remote.Close()
		return
	}
	m.metrics.ConnectionOpened()
	m.obs.ConnectionOpened(ac.id, ac.client)
	go m.relay(ac)
}

func (m *Manager) openChannel(sess *Session, origin net.Addr) (net.Conn, error) {
	if m.breaker == nil {
		return sess.OpenChannel(m.cfg.RemoteHost, m.cfg.RemotePort, origin)
	}
	var remote net.Conn
	err := m.breaker.Execute(func() error {
		var err error
		remote, err = sess.OpenChannel(m.cfg.RemoteHost, m.cfg.RemotePort, origin)
		return err
	})
	if ncerr.Is(err, ncerr.ErrCircuitOpen) {
		return nil, &ncerr.ChannelRejectedError{
			Target: m.cfg.RemoteAddr(),
			Reason: "too many recent rejections",
			Err:    err,
		}
	}
	return remote, err
}

// isChannelRejection reports whether the gateway refused the channel.
// A closed session is not the target's fault.
func isChannelRejection(err error) bool {
	var cre *ncerr.ChannelRejectedError
	return ncerr.As(err, &cre)
}

// register adds ac to the active set unless shutdown has begun.
func (m *Manager) register(ac *activeConn) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateListening {
		return false
	}
	m.active[ac.id] = ac
	m.relays.Add(1)
	return true
}

func (m *Manager) relay(ac *activeConn) {
	r := &relay{id: ac.id, local: ac.local, remote: ac.remote, grace: m.cfg.HalfCloseGrace}
	stats, err := r.run()

	m.mu.Lock()
	delete(m.active, ac.id)
	m.mu.Unlock()

	m.metrics.BytesUpstream(stats.Upstream)
	m.metrics.BytesDownstream(stats.Downstream)
	m.metrics.ConnectionClosed()
	if err != nil {
		m.metrics.RecordError(err.Error())
		m.obs.Error(err)
	}
	m.obs.ConnectionClosed(ac.id, stats, err)
	m.relays.Done()
}

// Stop closes the listener, waits up to drain for active connections
// to finish, then force-closes the rest and the session.  It returns
// once the tunnel is Stopped.  Calling Stop while another stop is in
// progress, or after it completed, returns immediately.
func (m *Manager) Stop(drain time.Duration) error {
	m.mu.Lock()
	switch m.state {
	case StateIdle:
		m.state = StateStopped
		m.mu.Unlock()
		close(m.done)
		m.obs.StateChanged(StateIdle, StateStopped)
		return nil
	case StateStarting:
		m.stopRequested = true
		m.mu.Unlock()
		return nil
	case StateListening:
		m.mu.Unlock()
		m.shutdownFrom(StateListening, drain)
		return nil
	default:
		m.mu.Unlock()
		return nil
	}
}

// shutdownFrom runs the stop sequence if the manager is still in state
// from; otherwise someone else already did.
func (m *Manager) shutdownFrom(from State, drain time.Duration) {
	m.mu.Lock()
	if m.state != from {
		m.mu.Unlock()
		return
	}
	m.state = StateShuttingDown
	ln, sess := m.listener, m.session
	ln.Stop()
	m.mu.Unlock()
	m.obs.StateChanged(from, StateShuttingDown)

	drained := make(chan struct{})
	go func() {
		m.relays.Wait()
		close(drained)
	}()

	select {
	case <-drained:
	default:
		t := time.NewTimer(drain)
		select {
		case <-drained:
			t.Stop()
		case <-t.C:
			m.forceClose(sess, drain)
			<-drained
		}
	}

	sess.Close()
	<-ln.Done()

	m.mu.Lock()
	m.state = StateStopped
	m.mu.Unlock()
	close(m.done)
	m.obs.StateChanged(StateShuttingDown, StateStopped)
}

// forceClose ends every connection still active at the drain deadline.
func (m *Manager) forceClose(sess *Session, drain time.Duration) {
	m.mu.Lock()
	remaining := make([]*activeConn, 0, len(m.active))
	for _, ac := range m.active {
		remaining = append(remaining, ac)
	}
	m.mu.Unlock()
	if len(remaining) == 0 {
		return
	}

	err := &ncerr.ShutdownTimeoutError{Deadline: drain, Remaining: len(remaining)}
	m.metrics.ForcedClose(len(remaining))
	m.metrics.RecordError(err.Error())
	m.obs.Error(err)

	sess.Close()
	for _, ac := range remaining {
		ac.local.Close()
		ac.remote.Close()
	}
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Active returns the number of connections being relayed.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// Addr returns the listener's bound address, or nil before Listening.
func (m *Manager) Addr() net.Addr {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listener == nil {
		return nil
	}
	return m.listener.Addr()
}

// Done is closed when the manager reaches StateStopped.
func (m *Manager) Done() <-chan struct{} { return m.done }

// Metrics returns a snapshot of the tunnel's counters.
func (m *Manager) Metrics() metrics.Snapshot { return m.metrics.Snapshot() }
