//go:build windows

package raknet

import (
	"errors"
	"syscall"
)

// Winsock error codes for transient UDP errors.
const (
	wsaeConnRefused = syscall.Errno(10061) // ECONNREFUSED
	wsaeHostUnreach = syscall.Errno(10065) // EHOSTUNREACH
	wsaeNetUnreach  = syscall.Errno(10051) // ENETUNREACH
	wsaeConnReset   = syscall.Errno(10054) // ECONNRESET
	wsaeConnAborted = syscall.Errno(10053) // ECONNABORTED
)

// transientUDPError reports if a read error on a UDP socket was caused by an
// ICMP error bounced back from an earlier send. Winsock surfaces these on
// unconnected sockets too, where they concern a single peer and reading may
// simply continue.
func transientUDPError(err error) bool {
	if err == nil {
		return false
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case wsaeConnRefused, wsaeHostUnreach, wsaeNetUnreach, wsaeConnReset, wsaeConnAborted:
			return true
		}
	}
	return false
}
