//go:build !windows

package raknet

import (
	"errors"
	"syscall"
)

// transientUDPError reports if a read error on a UDP socket was caused by an
// ICMP error bounced back from an earlier send, such as a peer that went
// away. These happen under normal conditions on lossy networks and reading
// may simply continue.
func transientUDPError(err error) bool {
	if err == nil {
		return false
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case syscall.ECONNREFUSED, syscall.EHOSTUNREACH, syscall.ENETUNREACH, syscall.ECONNRESET:
			return true
		}
	}
	return false
}
