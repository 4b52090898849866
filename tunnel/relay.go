package tunnel

import (
	"fmt"
	"io"
	"net"
	"time"

	ncerr "wtunnel/internal/errors"
	"wtunnel/util"
)

const (
	dirUpstream   = "local->remote"
	dirDownstream = "remote->local"
)

// RelayStats counts the bytes one relay moved in each direction.
type RelayStats struct {
	Upstream   int64 // local client → remote target
	Downstream int64 // remote target → local client
	Duration   time.Duration
}

func (s RelayStats) String() string {
	return fmt.Sprintf("%v (up %d B, down %d B)",
		s.Duration.Truncate(time.Millisecond), s.Upstream, s.Downstream)
}

// relay copies bytes between an accepted local connection and its
// channel until both directions finish.
type relay struct {
	id     string
	local  net.Conn
	remote net.Conn
	grace  time.Duration
}

type copyResult struct {
	dir string
	dst net.Conn
	n   int64
	err error
}

// run blocks until the relay is over and both endpoints are closed.
// When one direction reaches end-of-stream its destination is
// half-closed and the other direction gets r.grace to finish.  A read
// or write failure closes both ends at once and is returned as a
// *RelayIOError.
func (r *relay) run() (RelayStats, error) {
	start := time.Now()
	results := make(chan copyResult, 2)
	go r.pipe(dirUpstream, r.remote, r.local, results)
	go r.pipe(dirDownstream, r.local, r.remote, results)

	var (
		stats  RelayStats
		relErr error
		forced bool
	)
	record := func(res copyResult) {
		if res.dir == dirUpstream {
			stats.Upstream = res.n
		} else {
			stats.Downstream = res.n
		}
		if res.err != nil && !forced && relErr == nil && !isBenign(res.err) {
			relErr = &ncerr.RelayIOError{ConnID: r.id, Direction: res.dir, Err: res.err}
		}
	}

	first := <-results
	record(first)

	switch {
	case relErr != nil:
		forced = true
		r.closeBoth()
		record(<-results)
	case r.grace <= 0 || !closeWrite(first.dst):
		forced = true
		r.closeBoth()
		record(<-results)
	default:
		t := time.NewTimer(r.grace)
		select {
		case second := <-results:
			t.Stop()
			record(second)
		case <-t.C:
			forced = true
			r.closeBoth()
			record(<-results)
		}
	}

	r.closeBoth()
	stats.Duration = time.Since(start)
	return stats, relErr
}

func (r *relay) pipe(dir string, dst, src net.Conn, out chan<- copyResult) {
	buf := util.GetBuf()
	defer util.PutBuf(buf)
	n, err := io.CopyBuffer(dst, src, *buf)
	out <- copyResult{dir: dir, dst: dst, n: n, err: err}
}

func (r *relay) closeBoth() {
	r.local.Close()
	r.remote.Close()
}

// closeWrite half-closes c when it supports it.
func closeWrite(c net.Conn) bool {
	hc, ok := c.(interface{ CloseWrite() error })
	if !ok {
		return false
	}
	return hc.CloseWrite() == nil
}

// isBenign reports errors that only mean the other side went away.
func isBenign(err error) bool {
	return err == io.EOF || ncerr.IsClosed(err)
}
