package raknet

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"slices"
)

const (
	// packetRange indicates a range of packets, followed by the first and the
	// last packet in the range.
	packetRange = iota
	// packetSingle indicates a single packet, followed by its sequence
	// number.
	packetSingle
)

// errMaxAcknowledgement is returned when decoding an acknowledgement that
// expands to more sequence numbers than a well-behaved sender would ever
// produce.
var errMaxAcknowledgement = errors.New("maximum amount of packets in acknowledgement exceeded")

// acknowledgement is either an ACK or a NACK, depending on the bitflag it is
// sent with. It holds a set of datagram sequence numbers that were received
// (ACK) or found missing (NACK).
type acknowledgement struct {
	packets []uint24
}

// write encodes the acknowledgement into buf, encoding runs of consecutive
// sequence numbers as ranges. It writes at most as many records as fit within
// the MTU passed and returns how many sequence numbers it consumed.
func (ack *acknowledgement) write(buf *bytes.Buffer, mtu uint16) int {
	lenOffset := buf.Len()
	writeUint16(buf, 0) // Placeholder for the record count.

	if len(ack.packets) == 0 {
		return 0
	}
	// Encoding as ranges only works on a sorted set.
	slices.Sort(ack.packets)

	var (
		first, last uint24
		records     uint16
		n           int
	)
	for i, pk := range ack.packets {
		if buf.Len() >= int(mtu-7) {
			// A further record could exceed the MTU; the remaining sequence
			// numbers go into the next acknowledgement.
			break
		}
		n++
		if i == 0 {
			first, last = pk, pk
			continue
		}
		if pk == last+1 {
			// Consecutive with the current range, extend it.
			last = pk
			continue
		}
		records += ack.record(buf, first, last)
		first, last = pk, pk
	}
	// The loop always runs one record behind, flush the last one.
	records += ack.record(buf, first, last)

	binary.BigEndian.PutUint16(buf.Bytes()[lenOffset:], records)
	return n
}

// record writes a single record covering first up to last to buf and returns
// the number of records written, which is always 1.
func (ack *acknowledgement) record(buf *bytes.Buffer, first, last uint24) uint16 {
	if first == last {
		buf.WriteByte(packetSingle)
		writeUint24(buf, first)
	} else {
		buf.WriteByte(packetRange)
		writeUint24(buf, first)
		writeUint24(buf, last)
	}
	return 1
}

// read decodes an acknowledgement from b and returns an error if it was
// malformed or expanded to too many sequence numbers.
func (ack *acknowledgement) read(b []byte) error {
	const maxAcknowledgementPackets = 8192
	if len(b) < 2 {
		return io.ErrUnexpectedEOF
	}
	offset := 2
	for range binary.BigEndian.Uint16(b) {
		if len(b)-offset < 4 {
			return io.ErrUnexpectedEOF
		}
		switch b[offset] {
		case packetRange:
			if len(b)-offset < 7 {
				return io.ErrUnexpectedEOF
			}
			start, end := loadUint24(b[offset+1:]), loadUint24(b[offset+4:])
			if end < start || uint24(len(ack.packets))+end-start > maxAcknowledgementPackets {
				return errMaxAcknowledgement
			}
			for pk := start; pk <= end; pk++ {
				ack.packets = append(ack.packets, pk)
			}
			offset += 7
		case packetSingle:
			if len(ack.packets)+1 > maxAcknowledgementPackets {
				return errMaxAcknowledgement
			}
			ack.packets = append(ack.packets, loadUint24(b[offset+1:]))
			offset += 4
		default:
			return errors.New("invalid acknowledgement record type")
		}
	}
	return nil
}
