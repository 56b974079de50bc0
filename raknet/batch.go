package raknet

import "net"

// datagramReader hands out raw datagrams from a packet connection one at a
// time. Implementations may pull several datagrams out of the socket in a
// single system call; the slice returned is only valid until the next call.
type datagramReader interface {
	next() ([]byte, net.Addr, error)
}

// singleDatagramReader reads one datagram per system call. It works on every
// platform and socket type.
type singleDatagramReader struct {
	conn net.PacketConn
	buf  []byte
}

func (r *singleDatagramReader) next() ([]byte, net.Addr, error) {
	n, addr, err := r.conn.ReadFrom(r.buf)
	if err != nil {
		return nil, addr, err
	}
	return r.buf[:n], addr, nil
}
