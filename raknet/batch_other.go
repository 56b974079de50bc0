//go:build !linux

package raknet

import "net"

// newDatagramReader returns a reader that reads one datagram per system
// call. Batched reads are only available on Linux.
func newDatagramReader(conn net.PacketConn) datagramReader {
	return &singleDatagramReader{conn: conn, buf: make([]byte, 1500)}
}
