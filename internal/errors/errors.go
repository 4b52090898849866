// Package errors provides the error taxonomy for wtunnel.
//
// Session and listener establishment failures (AuthenticationError,
// ConnectivityError, HostKeyMismatchError, BindError) abort a tunnel
// start.  Per-connection failures (ChannelRejectedError, RelayIOError)
// and ShutdownTimeoutError are non-fatal and only ever reach the
// tunnel's observer.
package errors

import (
	"errors"
	"fmt"
	"net"
	"time"
)

// ── Sentinel errors ──────────────────────────────────────────────────

var (
	ErrTunnelClosed    = errors.New("tunnel is closed")
	ErrCircuitOpen     = errors.New("circuit breaker is open")
	ErrTimeout         = errors.New("operation timed out")
	ErrAuthFailed      = errors.New("authentication failed")
	ErrHostKeyMismatch = errors.New("host key mismatch")
	ErrSessionClosed   = errors.New("transport session is closed")
	ErrSessionLost     = errors.New("transport session lost")
	ErrAlreadyStarted  = errors.New("tunnel already started")
)

// ── Session establishment ────────────────────────────────────────────

// AuthenticationError means the remote host rejected the supplied
// credentials, or no usable credential could be produced.
type AuthenticationError struct {
	User string
	Host string
	Port int
	Err  error
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("ssh auth %s@%s:%d: %v", e.User, e.Host, e.Port, e.Err)
}

func (e *AuthenticationError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrAuthFailed) match any AuthenticationError.
func (e *AuthenticationError) Is(target error) bool { return target == ErrAuthFailed }

// ConnectivityError means the transport could not be reached or the
// handshake did not complete in time.  It is always retryable.
type ConnectivityError struct {
	Addr string
	Err  error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("connect %s: %v (retryable)", e.Addr, e.Err)
}

func (e *ConnectivityError) Unwrap() error { return e.Err }

// HostKeyMismatchError means the host-key verifier refused the key the
// remote host presented.
type HostKeyMismatchError struct {
	Host        string
	Fingerprint string // SHA256 fingerprint of the presented key
	Err         error
}

func (e *HostKeyMismatchError) Error() string {
	return fmt.Sprintf("host key for %s (%s) rejected: %v", e.Host, e.Fingerprint, e.Err)
}

func (e *HostKeyMismatchError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrHostKeyMismatch) match.
func (e *HostKeyMismatchError) Is(target error) bool { return target == ErrHostKeyMismatch }

// ── Listener ─────────────────────────────────────────────────────────

// BindError means the local listening address could not be bound.
type BindError struct {
	Addr string
	Err  error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("bind %s: %v", e.Addr, e.Err)
}

func (e *BindError) Unwrap() error { return e.Err }

// ── Per-connection ───────────────────────────────────────────────────

// ChannelRejectedError means the remote end refused to open a
// forwarding channel to the target.
type ChannelRejectedError struct {
	Target string
	Reason string
	Err    error
}

func (e *ChannelRejectedError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("channel to %s rejected: %s", e.Target, e.Reason)
	}
	return fmt.Sprintf("channel to %s rejected: %v", e.Target, e.Err)
}

func (e *ChannelRejectedError) Unwrap() error { return e.Err }

// RelayIOError is a read or write failure inside one connection relay.
type RelayIOError struct {
	ConnID    string
	Direction string // "local->remote" or "remote->local"
	Err       error
}

func (e *RelayIOError) Error() string {
	return fmt.Sprintf("relay %s %s: %v", e.ConnID, e.Direction, e.Err)
}

func (e *RelayIOError) Unwrap() error { return e.Err }

// ── Shutdown ─────────────────────────────────────────────────────────

// ShutdownTimeoutError reports connections still active when the drain
// deadline expired.  They are force-closed; stop proceeds.
type ShutdownTimeoutError struct {
	Deadline  time.Duration
	Remaining int
}

func (e *ShutdownTimeoutError) Error() string {
	return fmt.Sprintf("drain deadline %v exceeded: force-closing %d connection(s)",
		e.Deadline, e.Remaining)
}

func (e *ShutdownTimeoutError) Is(target error) bool { return target == ErrTimeout }

// ── Generic structured errors ────────────────────────────────────────

// NetworkError represents a failure in a network operation.
type NetworkError struct {
	Op        string // operation: "dial", "listen", "accept", "write", "read"
	Addr      string // network address involved
	Err       error  // underlying error
	Retryable bool   // whether the caller should retry
}

func (e *NetworkError) Error() string {
	s := fmt.Sprintf("%s %s: %v", e.Op, e.Addr, e.Err)
	if e.Retryable {
		s += " (retryable)"
	}
	return s
}

func (e *NetworkError) Unwrap() error { return e.Err }

// SSHError represents an SSH-specific failure with host context.
type SSHError struct {
	Op   string // "handshake", "keepalive", "channel"
	Host string
	Port int
	Err  error
}

func (e *SSHError) Error() string {
	return fmt.Sprintf("ssh %s %s:%d: %v", e.Op, e.Host, e.Port, e.Err)
}

func (e *SSHError) Unwrap() error { return e.Err }

// ConfigError represents an invalid configuration value.
type ConfigError struct {
	Field   string      // config field name
	Value   interface{} // the invalid value (nil if missing)
	Message string      // human-readable explanation
	Hint    string      // suggestion for the user (optional)
}

func (e *ConfigError) Error() string {
	msg := fmt.Sprintf("config: --%s", e.Field)
	if e.Value != nil {
		msg += fmt.Sprintf("=%v", e.Value)
	}
	msg += ": " + e.Message
	if e.Hint != "" {
		msg += "\n  hint: " + e.Hint
	}
	return msg
}

// ── Constructors ─────────────────────────────────────────────────────

// Wrap creates a NetworkError, automatically detecting retryability
// from the underlying error.
func Wrap(op, addr string, err error) *NetworkError {
	return &NetworkError{
		Op:        op,
		Addr:      addr,
		Err:       err,
		Retryable: classifyRetryable(err),
	}
}

// WrapSSH creates an SSHError.
func WrapSSH(op, host string, port int, err error) *SSHError {
	return &SSHError{Op: op, Host: host, Port: port, Err: err}
}

// ── Classification helpers ───────────────────────────────────────────

// IsRetryable reports whether err is worth retrying.  Connectivity
// failures are; authentication, host-key and bind failures are not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var ce *ConnectivityError
	if errors.As(err, &ce) {
		return true
	}
	var ne *NetworkError
	if errors.As(err, &ne) {
		return ne.Retryable
	}
	return classifyRetryable(err)
}

// IsTemporary reports whether err is a condition expected to clear up
// on its own, such as an accept that failed with EMFILE.
func IsTemporary(err error) bool {
	if err == nil {
		return false
	}
	var ne *NetworkError
	if errors.As(err, &ne) {
		return ne.Retryable
	}
	if classifyRetryable(err) {
		return true
	}
	var t interface{ Temporary() bool }
	return errors.As(err, &t) && t.Temporary()
}

// IsClosed reports whether err is the expected result of reading from
// or writing to a connection that has been closed locally or remotely.
func IsClosed(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, ErrSessionClosed) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return errors.Is(opErr.Err, net.ErrClosed)
	}
	return false
}

// classifyRetryable inspects standard library error types.
func classifyRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTimeout) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		if opErr.Timeout() {
			return true
		}
		return opErr.Temporary() //nolint:staticcheck // Temporary is deprecated but still useful
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.Temporary() //nolint:staticcheck
	}
	return false
}

// ── Re-exports for convenience ───────────────────────────────────────

// As is [errors.As].
func As(err error, target interface{}) bool { return errors.As(err, target) }

// Is is [errors.Is].
func Is(err, target error) bool { return errors.Is(err, target) }

// New is [errors.New].
func New(text string) error { return errors.New(text) }

// Unwrap is [errors.Unwrap].
func Unwrap(err error) error { return errors.Unwrap(err) }

// Join is [errors.Join].
func Join(errs ...error) error { return errors.Join(errs...) }
