package raknet

import (
	"errors"
	"fmt"
	"net"
)

var (
	// ErrBufferTooSmall is returned by Conn.Read if the buffer passed was
	// smaller than the packet received.
	ErrBufferTooSmall = errors.New("a message sent was larger than the buffer used to receive the message into")
	// ErrNotSupported is returned by methods that exist to satisfy net.Conn
	// or net.Listener but have no meaning on a RakNet connection.
	ErrNotSupported = errors.New("feature not supported")
	// ErrConnectionRefused is returned by a Dialer if the server answered the
	// open connection request with NO_FREE_INCOMING_CONNECTIONS, meaning it
	// was full or otherwise refused to admit the connection.
	ErrConnectionRefused = errors.New("connection refused: no free incoming connections")
)

// violationError wraps errors caused by the remote end breaking protocol
// rules, such as malformed frames past the tolerated threshold or invalid
// fragment headers. A connection that produces one is torn down instead of
// the error merely being logged.
type violationError struct {
	cause error
}

// violation wraps err so that errors.Is(err, ...) keeps working on the cause
// while the transport can recognise the error as fatal.
func violation(err error) error {
	return &violationError{cause: err}
}

// violationf is shorthand for violation(fmt.Errorf(...)).
func violationf(format string, args ...any) error {
	return &violationError{cause: fmt.Errorf(format, args...)}
}

func (e *violationError) Error() string { return "protocol violation: " + e.cause.Error() }
func (e *violationError) Unwrap() error { return e.cause }

// isViolation reports if err (or an error it wraps) marks a protocol
// violation.
func isViolation(err error) bool {
	var v *violationError
	return errors.As(err, &v)
}

// error wraps the error passed into a net.OpError with the op as operation
// and returns it, or nil if the error passed is nil.
func (conn *Conn) error(err error, op string) error {
	if err == nil {
		return nil
	}
	return &net.OpError{Op: op, Net: "raknet", Source: conn.LocalAddr(), Addr: conn.RemoteAddr(), Err: err}
}
