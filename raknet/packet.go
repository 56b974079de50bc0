package raknet

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
)

const (
	// bitFlagDatagram is set for every valid datagram. It is used to identify
	// packets that are datagrams.
	bitFlagDatagram = 0x80
	// bitFlagACK is set for every ACK packet.
	bitFlagACK = 0x40
	// bitFlagNACK is set for every NACK packet.
	bitFlagNACK = 0x20
	// bitFlagNeedsBAndAS is set for every datagram with packet data, but is not
	// actually used.
	bitFlagNeedsBAndAS = 0x04
)

// Reliability is the delivery guarantee a packet is sent with. It occupies
// the upper 3 bits of the packet header on the wire.
type Reliability byte

const (
	// Unreliable packets may arrive out of order, duplicated or not at all.
	Unreliable Reliability = iota
	// UnreliableSequenced packets may be lost, but a packet older than the
	// newest one received on its channel is dropped instead of delivered.
	UnreliableSequenced
	// Reliable packets always arrive exactly once, but in no particular
	// order.
	Reliable
	// ReliableOrdered packets always arrive exactly once and in the order
	// they were sent in on their channel.
	ReliableOrdered
	// ReliableSequenced packets arrive at most once; older packets on the
	// channel are dropped once a newer one was received.
	ReliableSequenced
)

// reliable reports if packets of this reliability carry a message index and
// are retransmitted until acknowledged.
func (r Reliability) reliable() bool {
	switch r {
	case Reliable, ReliableOrdered, ReliableSequenced:
		return true
	}
	return false
}

// sequenced reports if packets of this reliability carry a sequence index on
// their channel.
func (r Reliability) sequenced() bool {
	switch r {
	case UnreliableSequenced, ReliableSequenced:
		return true
	}
	return false
}

// sequencedOrOrdered reports if packets of this reliability carry an order
// index and a channel byte.
func (r Reliability) sequencedOrOrdered() bool {
	switch r {
	case UnreliableSequenced, ReliableOrdered, ReliableSequenced:
		return true
	}
	return false
}

// String returns the name of the reliability for logging.
func (r Reliability) String() string {
	switch r {
	case Unreliable:
		return "unreliable"
	case UnreliableSequenced:
		return "unreliable sequenced"
	case Reliable:
		return "reliable"
	case ReliableOrdered:
		return "reliable ordered"
	case ReliableSequenced:
		return "reliable sequenced"
	}
	return "invalid"
}

// channelCount is the number of order channels a connection carries. Channels
// beyond this are a protocol violation.
const channelCount = 32

// Packet is a single application message read from or written to a Conn,
// together with the reliability and order channel it travels on. A proxy can
// pass a Packet read from one Conn to another Conn unchanged to forward it
// with identical delivery guarantees.
type Packet struct {
	Reliability Reliability
	// Channel is the order channel of the packet. It only has meaning for
	// sequenced or ordered reliabilities and must be smaller than 32.
	Channel byte
	Payload []byte
}

// splitFlag is set in the packet header if the packet was split. If so, the
// header is followed by the fragment fields.
const splitFlag = 0x10

// packet is the encapsulation around every packet carried in a datagram after
// the connection is established.
type packet struct {
	reliability Reliability

	messageIndex  uint24
	sequenceIndex uint24
	orderIndex    uint24
	channel       byte

	content []byte

	split      bool
	splitCount uint32
	splitIndex uint32
	splitID    uint16
}

// write writes the packet and its content to the buffer passed.
func (pk *packet) write(buf *bytes.Buffer) {
	header := byte(pk.reliability) << 5
	if pk.split {
		header |= splitFlag
	}
	buf.WriteByte(header)
	writeUint16(buf, uint16(len(pk.content))<<3)
	if pk.reliability.reliable() {
		writeUint24(buf, pk.messageIndex)
	}
	if pk.reliability.sequenced() {
		writeUint24(buf, pk.sequenceIndex)
	}
	if pk.reliability.sequencedOrOrdered() {
		writeUint24(buf, pk.orderIndex)
		buf.WriteByte(pk.channel)
	}
	if pk.split {
		writeUint32(buf, pk.splitCount)
		writeUint16(buf, pk.splitID)
		writeUint32(buf, pk.splitIndex)
	}
	buf.Write(pk.content)
}

// read reads a packet and its content from b and returns the number of bytes
// consumed.
func (pk *packet) read(b []byte) (int, error) {
	if len(b) < 3 {
		return 0, io.ErrUnexpectedEOF
	}
	header := b[0]
	pk.split = header&splitFlag != 0
	pk.reliability = Reliability(header >> 5)
	if pk.reliability > ReliableSequenced {
		return 0, errors.New("invalid reliability")
	}

	n := binary.BigEndian.Uint16(b[1:]) >> 3
	if n == 0 {
		return 0, errors.New("invalid packet length: cannot be 0")
	}
	offset := 3

	if pk.reliability.reliable() {
		if len(b)-offset < 3 {
			return 0, io.ErrUnexpectedEOF
		}
		pk.messageIndex = loadUint24(b[offset:])
		offset += 3
	}
	if pk.reliability.sequenced() {
		if len(b)-offset < 3 {
			return 0, io.ErrUnexpectedEOF
		}
		pk.sequenceIndex = loadUint24(b[offset:])
		offset += 3
	}
	if pk.reliability.sequencedOrOrdered() {
		if len(b)-offset < 4 {
			return 0, io.ErrUnexpectedEOF
		}
		pk.orderIndex = loadUint24(b[offset:])
		pk.channel = b[offset+3]
		offset += 4
		if pk.channel >= channelCount {
			return 0, errors.New("invalid order channel")
		}
	}
	if pk.split {
		if len(b)-offset < 10 {
			return 0, io.ErrUnexpectedEOF
		}
		pk.splitCount = binary.BigEndian.Uint32(b[offset:])
		pk.splitID = binary.BigEndian.Uint16(b[offset+4:])
		pk.splitIndex = binary.BigEndian.Uint32(b[offset+6:])
		offset += 10
	}

	pk.content = make([]byte, n)
	if copy(pk.content, b[offset:]) != int(n) {
		return 0, io.ErrUnexpectedEOF
	}
	return offset + int(n), nil
}

const (
	// Datagram header +
	// Datagram sequence number +
	// Packet header +
	// Packet content length +
	// Packet message index +
	// Packet order index +
	// Packet order channel
	packetAdditionalSize = 1 + 3 + 1 + 2 + 3 + 3 + 1
	// Packet split count +
	// Packet split ID +
	// Packet split index
	splitAdditionalSize = 4 + 2 + 4
)

// split splits a content buffer into fragments none of which exceed the MTU
// size passed once encapsulated.
func split(b []byte, mtu uint16) [][]byte {
	n := len(b)
	maxSize := int(mtu - packetAdditionalSize)

	if n > maxSize {
		// The content exceeds a single datagram, so every fragment carries the
		// additional split fields too.
		maxSize -= splitAdditionalSize
	}
	// Account for a last fragment holding the remainder if the content length
	// is not an exact multiple of maxSize.
	fragmentCount := n/maxSize + min(n%maxSize, 1)
	fragments := make([][]byte, fragmentCount)
	for i := range fragmentCount - 1 {
		fragments[i] = b[:maxSize]
		b = b[maxSize:]
	}
	fragments[fragmentCount-1] = b
	return fragments
}
