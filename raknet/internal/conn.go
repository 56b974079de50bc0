package internal

import (
	"net"
)

// PacketConn wraps a dialed UDP connection into a net.PacketConn, so that
// connection code written against listener sockets works on dialed sockets
// too. WriteTo on a dialed socket is invalid, so the wrapper routes it to
// Write instead.
func PacketConn(conn net.Conn) net.PacketConn {
	return &dialedConn{conn}
}

// dialedConn wraps a 'pre-connected' UDP connection.
type dialedConn struct {
	net.Conn
}

// WriteTo writes to the connected address, ignoring the address passed.
func (conn *dialedConn) WriteTo(b []byte, _ net.Addr) (n int, err error) {
	return conn.Conn.Write(b)
}

// ReadFrom reads from the connected address, returning it as the source.
func (conn *dialedConn) ReadFrom(b []byte) (int, net.Addr, error) {
	n, err := conn.Conn.Read(b)
	return n, conn.Conn.RemoteAddr(), err
}
