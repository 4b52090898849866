// Package metrics provides lightweight, lock-free counters and gauges
// for tracking the runtime statistics of a tunnel.
//
// All methods are safe for concurrent use.  A nil *Collector is a
// valid no-op receiver, so callers never need to nil-check.
package metrics

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// Collector tracks runtime metrics for one tunnel.
// A nil Collector is safe to use; all methods become no-ops.
type Collector struct {
	connectionsActive atomic.Int64
	connectionsTotal  atomic.Int64
	channelRejects    atomic.Int64
	forcedCloses      atomic.Int64
	bytesUpstream     atomic.Int64 // local client → remote target
	bytesDownstream   atomic.Int64 // remote target → local client
	sessionsOpened    atomic.Int64
	errorsTotal       atomic.Int64

	mu            sync.RWMutex
	startTime     time.Time
	lastKeepAlive time.Time
	lastError     time.Time
	lastErrorMsg  string
}

// New creates a metrics collector with the start time set to now.
func New() *Collector {
	return &Collector{startTime: time.Now()}
}

// ── Connection metrics ───────────────────────────────────────────────

// ConnectionOpened increments both the active and total counters.
func (c *Collector) ConnectionOpened() {
	if c == nil {
		return
	}
	c.connectionsActive.Add(1)
	c.connectionsTotal.Add(1)
}

// ConnectionClosed decrements the active connection counter.
func (c *Collector) ConnectionClosed() {
	if c == nil {
		return
	}
	c.connectionsActive.Add(-1)
}

// ActiveConnections returns the current number of relayed connections.
func (c *Collector) ActiveConnections() int64 {
	if c == nil {
		return 0
	}
	return c.connectionsActive.Load()
}

// TotalConnections returns the lifetime connection count.
func (c *Collector) TotalConnections() int64 {
	if c == nil {
		return 0
	}
	return c.connectionsTotal.Load()
}

// ChannelRejected records a connection refused because no channel
// could be opened for it.
func (c *Collector) ChannelRejected() {
	if c == nil {
		return
	}
	c.channelRejects.Add(1)
}

// ChannelRejects returns how many connections were refused.
func (c *Collector) ChannelRejects() int64 {
	if c == nil {
		return 0
	}
	return c.channelRejects.Load()
}

// ForcedClose records n connections closed at the drain deadline.
func (c *Collector) ForcedClose(n int) {
	if c == nil {
		return
	}
	c.forcedCloses.Add(int64(n))
}

// ForcedCloses returns the number of force-closed connections.
func (c *Collector) ForcedCloses() int64 {
	if c == nil {
		return 0
	}
	return c.forcedCloses.Load()
}

// ── I/O metrics ──────────────────────────────────────────────────────

// BytesUpstream records n bytes relayed from a local client to the
// remote target.
func (c *Collector) BytesUpstream(n int64) {
	if c == nil {
		return
	}
	c.bytesUpstream.Add(n)
}

// BytesDownstream records n bytes relayed from the remote target back
// to a local client.
func (c *Collector) BytesDownstream(n int64) {
	if c == nil {
		return
	}
	c.bytesDownstream.Add(n)
}

// TotalUpstream returns total bytes relayed towards the remote.
func (c *Collector) TotalUpstream() int64 {
	if c == nil {
		return 0
	}
	return c.bytesUpstream.Load()
}

// TotalDownstream returns total bytes relayed towards local clients.
func (c *Collector) TotalDownstream() int64 {
	if c == nil {
		return 0
	}
	return c.bytesDownstream.Load()
}

// ── Session metrics ──────────────────────────────────────────────────

// SessionOpened records an established transport session.
func (c *Collector) SessionOpened() {
	if c == nil {
		return
	}
	c.sessionsOpened.Add(1)
}

// SessionsOpened returns how many sessions have been established.
func (c *Collector) SessionsOpened() int64 {
	if c == nil {
		return 0
	}
	return c.sessionsOpened.Load()
}

// RecordKeepAlive updates the last successful keepalive timestamp.
func (c *Collector) RecordKeepAlive() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.lastKeepAlive = time.Now()
	c.mu.Unlock()
}

// ── Error metrics ────────────────────────────────────────────────────

// RecordError increments the error counter and stores the message.
func (c *Collector) RecordError(msg string) {
	if c == nil {
		return
	}
	c.errorsTotal.Add(1)
	c.mu.Lock()
	c.lastError = time.Now()
	c.lastErrorMsg = msg
	c.mu.Unlock()
}

// ErrorCount returns the total number of errors recorded.
func (c *Collector) ErrorCount() int64 {
	if c == nil {
		return 0
	}
	return c.errorsTotal.Load()
}

// ── Snapshot ─────────────────────────────────────────────────────────

// Snapshot is a point-in-time view of all metrics.
type Snapshot struct {
	Uptime            string `json:"uptime"`
	ConnectionsActive int64  `json:"connections_active"`
	ConnectionsTotal  int64  `json:"connections_total"`
	ChannelRejects    int64  `json:"channel_rejects"`
	ForcedCloses      int64  `json:"forced_closes"`
	BytesUpstream     int64  `json:"bytes_upstream"`
	BytesDownstream   int64  `json:"bytes_downstream"`
	SessionsOpened    int64  `json:"sessions_opened"`
	ErrorsTotal       int64  `json:"errors_total"`
	LastKeepAlive     string `json:"last_keepalive,omitempty"`
	LastError         string `json:"last_error,omitempty"`
	LastErrorMessage  string `json:"last_error_message,omitempty"`
}

// Snapshot returns a copy of all current metrics.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := Snapshot{
		Uptime:            time.Since(c.startTime).Truncate(time.Second).String(),
		ConnectionsActive: c.connectionsActive.Load(),
		ConnectionsTotal:  c.connectionsTotal.Load(),
		ChannelRejects:    c.channelRejects.Load(),
		ForcedCloses:      c.forcedCloses.Load(),
		BytesUpstream:     c.bytesUpstream.Load(),
		BytesDownstream:   c.bytesDownstream.Load(),
		SessionsOpened:    c.sessionsOpened.Load(),
		ErrorsTotal:       c.errorsTotal.Load(),
	}
	if !c.lastKeepAlive.IsZero() {
		s.LastKeepAlive = c.lastKeepAlive.Format(time.RFC3339)
	}
	if !c.lastError.IsZero() {
		s.LastError = c.lastError.Format(time.RFC3339)
		s.LastErrorMessage = c.lastErrorMsg
	}
	return s
}

// JSON returns the snapshot as an indented JSON string.
func (c *Collector) JSON() string {
	s := c.Snapshot()
	data, _ := json.MarshalIndent(s, "", "  ")
	return string(data)
}
