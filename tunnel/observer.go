package tunnel

import (
	"net"

	"wtunnel/util"
)

// Observer receives tunnel lifecycle notifications.  Calls may arrive
// from several goroutines at once and must not block.
type Observer interface {
	StateChanged(from, to State)
	ConnectionOpened(id string, client net.Addr)
	ConnectionClosed(id string, stats RelayStats, err error)
	Error(err error)
}

// NopObserver ignores every notification.
type NopObserver struct{}

func (NopObserver) StateChanged(State, State)                  {}
func (NopObserver) ConnectionOpened(string, net.Addr)          {}
func (NopObserver) ConnectionClosed(string, RelayStats, error) {}
func (NopObserver) Error(error)                                {}

// LogObserver writes notifications to a Logger.
type LogObserver struct {
	Logger *util.Logger
}

// NewLogObserver returns an Observer backed by l.
func NewLogObserver(l *util.Logger) *LogObserver {
	return &LogObserver{Logger: l}
}

func (o *LogObserver) StateChanged(from, to State) {
	o.Logger.Verbose("tunnel %s -> %s", from, to)
}

func (o *LogObserver) ConnectionOpened(id string, client net.Addr) {
	o.Logger.With("conn", id).Info("connection from %s", client)
}

func (o *LogObserver) ConnectionClosed(id string, stats RelayStats, err error) {
	l := o.Logger.With("conn", id)
	if err != nil {
		l.Warn("connection closed after %s: %v", stats, err)
		return
	}
	l.Verbose("connection closed after %s", stats)
}

func (o *LogObserver) Error(err error) {
	o.Logger.Error("%v", err)
}
