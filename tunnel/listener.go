package tunnel

import (
	"net"
	"sync"
	"time"

	ncerr "wtunnel/internal/errors"
	"wtunnel/util"
)

// Listener accepts local client connections for a tunnel.
type Listener struct {
	ln net.Listener

	mu      sync.Mutex
	stopped bool
	done    chan struct{}
}

// Listen binds localHost:localPort.  Port 0 picks an ephemeral port.
func Listen(localHost string, localPort uint16) (*Listener, error) {
	addr := util.FormatAddr(localHost, int(localPort))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, &ncerr.BindError{Addr: addr, Err: err}
	}
	return &Listener{ln: ln, done: make(chan struct{})}, nil
}

// Addr returns the bound address.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Serve accepts connections and calls handler for each one on the
// accept goroutine.  It returns nil once Stop has been called, or the
// accept error that ended the loop.
func (l *Listener) Serve(handler func(net.Conn)) error {
	defer close(l.done)

	var pause time.Duration
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if l.isStopped() {
				return nil
			}
			if ncerr.IsTemporary(err) {
				if pause == 0 {
					pause = 5 * time.Millisecond
				} else if pause *= 2; pause > time.Second {
					pause = time.Second
				}
				time.Sleep(pause)
				continue
			}
			return ncerr.Wrap("accept", l.ln.Addr().String(), err)
		}
		pause = 0

		if l.isStopped() {
			conn.Close()
			return nil
		}
		handler(conn)
	}
}

// Stop closes the socket so no further connection is accepted.
// Connections already handed to the handler are unaffected.
func (l *Listener) Stop() {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	l.stopped = true
	l.mu.Unlock()
	l.ln.Close()
}

// Done is closed when Serve has returned.
func (l *Listener) Done() <-chan struct{} { return l.done }

func (l *Listener) isStopped() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stopped
}
