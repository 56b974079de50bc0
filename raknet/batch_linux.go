//go:build linux

package raknet

import (
	"net"

	"golang.org/x/net/ipv4"
)

// batchSize is the number of datagrams read from the socket in a single
// recvmmsg call.
const batchSize = 32

// newDatagramReader returns a reader that receives up to batchSize datagrams
// per system call, cutting per-datagram syscall overhead on busy sockets.
// Sockets that are not UDP fall back to one datagram per call.
func newDatagramReader(conn net.PacketConn) datagramReader {
	udp, ok := conn.(*net.UDPConn)
	if !ok {
		return &singleDatagramReader{conn: conn, buf: make([]byte, 1500)}
	}
	// The ipv4 wrapper is only used for ReadBatch, which is a plain
	// recvmmsg underneath and therefore works on IPv6 sockets all the same.
	r := &batchDatagramReader{conn: ipv4.NewPacketConn(udp), msgs: make([]ipv4.Message, batchSize)}
	for i := range r.msgs {
		r.msgs[i].Buffers = [][]byte{make([]byte, 1500)}
	}
	return r
}

// batchDatagramReader reads datagrams in batches, handing them out one by
// one.
type batchDatagramReader struct {
	conn *ipv4.PacketConn
	msgs []ipv4.Message
	// n and off are the size of the current batch and the position within
	// it.
	n, off int
}

func (r *batchDatagramReader) next() ([]byte, net.Addr, error) {
	for r.off >= r.n {
		n, err := r.conn.ReadBatch(r.msgs, 0)
		if err != nil {
			return nil, nil, err
		}
		r.n, r.off = n, 0
	}
	msg := r.msgs[r.off]
	r.off++
	return msg.Buffers[0][:msg.N], msg.Addr, nil
}
