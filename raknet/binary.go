package raknet

import (
	"bytes"
)

// uint24 is an unsigned 24-bit integer stored on the wire in 3 little-endian
// bytes. RakNet uses it for datagram sequence numbers and the message, order
// and sequence indices of packets.
type uint24 uint32

// Inc returns the current value and increments the uint24 afterwards, so that
// the first value handed out is always 0.
func (u *uint24) Inc() (old uint24) {
	old = *u
	*u++
	return old
}

// loadUint24 reads a uint24 from the first 3 bytes of b. The caller must
// ensure b holds at least 3 bytes.
func loadUint24(b []byte) uint24 {
	return uint24(b[0]) | uint24(b[1])<<8 | uint24(b[2])<<16
}

// putUint24 writes v to the first 3 bytes of b.
func putUint24(b []byte, v uint24) {
	b[0], b[1], b[2] = byte(v), byte(v>>8), byte(v>>16)
}

// writeUint24 appends a uint24 to buf in 3 little-endian bytes.
func writeUint24(buf *bytes.Buffer, v uint24) {
	buf.WriteByte(byte(v))
	buf.WriteByte(byte(v >> 8))
	buf.WriteByte(byte(v >> 16))
}

// writeUint16 appends a big-endian uint16 to buf.
func writeUint16(buf *bytes.Buffer, v uint16) {
	buf.WriteByte(byte(v >> 8))
	buf.WriteByte(byte(v))
}

// writeUint32 appends a big-endian uint32 to buf.
func writeUint32(buf *bytes.Buffer, v uint32) {
	buf.WriteByte(byte(v >> 24))
	buf.WriteByte(byte(v >> 16))
	buf.WriteByte(byte(v >> 8))
	buf.WriteByte(byte(v))
}
