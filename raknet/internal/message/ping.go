package message

import (
	"encoding/binary"
	"io"
)

// ConnectedPing is the keepalive of an established connection. Both ends send
// it periodically; an end that stops receiving them times the connection out.
type ConnectedPing struct {
	PingTime int64
}

func (pk *ConnectedPing) MarshalBinary() (data []byte, err error) {
	b := make([]byte, 9)
	b[0] = IDConnectedPing
	binary.BigEndian.PutUint64(b[1:], uint64(pk.PingTime))
	return b, nil
}

func (pk *ConnectedPing) UnmarshalBinary(data []byte) error {
	if len(data) < 9 {
		return io.ErrUnexpectedEOF
	}
	pk.PingTime = int64(binary.BigEndian.Uint64(data[1:]))
	return nil
}

// ConnectedPong answers a ConnectedPing, echoing its timestamp.
type ConnectedPong struct {
	PingTime int64
	PongTime int64
}

func (pk *ConnectedPong) MarshalBinary() (data []byte, err error) {
	b := make([]byte, 17)
	b[0] = IDConnectedPong
	binary.BigEndian.PutUint64(b[1:], uint64(pk.PingTime))
	binary.BigEndian.PutUint64(b[9:], uint64(pk.PongTime))
	return b, nil
}

func (pk *ConnectedPong) UnmarshalBinary(data []byte) error {
	if len(data) < 17 {
		return io.ErrUnexpectedEOF
	}
	pk.PingTime = int64(binary.BigEndian.Uint64(data[1:]))
	pk.PongTime = int64(binary.BigEndian.Uint64(data[9:]))
	return nil
}
