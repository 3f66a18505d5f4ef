package session

import (
	"errors"
	"fmt"
	"net"
	"syscall"
)

var (
	// ErrConnectTimeout is returned by Open when a TCP connect exceeds the
	// configured timeout.
	ErrConnectTimeout = errors.New("session: connect timed out")
	// ErrClosed is returned for operations on a closed session.
	ErrClosed = errors.New("session: closed")
	// ErrSendFailed is returned by SendMessage when the transport write failed.
	ErrSendFailed = errors.New("session: send failed")
	// ErrNoCorrelator is returned by SendMessageAsync on sessions configured
	// without a correlator.
	ErrNoCorrelator = errors.New("session: no correlator configured")
	// ErrNotEncoded is returned when the pipeline's write output is not bytes.
	ErrNotEncoded = errors.New("session: pipeline did not produce bytes")
	// ErrSwallowed is returned by SendMessageAsync when a handler stopped the
	// message, so nothing was sent and no response can arrive.
	ErrSwallowed = errors.New("session: message swallowed by pipeline")
	// ErrReconnectFailed is raised once all reconnect attempts are spent.
	ErrReconnectFailed = errors.New("session: reconnect failed")
)

// SendError is raised through the Error event when a write fails.
type SendError struct {
	Remote net.Addr
	Err    error
}

func (e *SendError) Error() string {
	if e.Remote != nil {
		return fmt.Sprintf("session: send to %s: %v", e.Remote, e.Err)
	}
	return fmt.Sprintf("session: send: %v", e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// ReceiveError is raised through the Error event when a read fails.
// Reset marks a connection reset by the peer.
type ReceiveError struct {
	Reset bool
	Err   error
}

func (e *ReceiveError) Error() string {
	if e.Reset {
		return fmt.Sprintf("session: connection reset: %v", e.Err)
	}
	return fmt.Sprintf("session: receive: %v", e.Err)
}

func (e *ReceiveError) Unwrap() error { return e.Err }

// ProcessError wraps a panic recovered while handling an inbound frame.
type ProcessError struct {
	Value any
}

func (e *ProcessError) Error() string {
	return fmt.Sprintf("session: panic while processing frame: %v", e.Value)
}

func isReset(err error) bool {
	return errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, syscall.EPIPE)
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
