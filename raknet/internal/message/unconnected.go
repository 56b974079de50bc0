package message

import (
	"encoding/binary"
	"io"
)

// UnconnectedPing is sent to a server to ask for its status without opening a
// connection. Server list pings of Minecraft clients are these.
type UnconnectedPing struct {
	PingTime   int64
	ClientGUID int64
}

func (pk *UnconnectedPing) MarshalBinary() (data []byte, err error) {
	b := make([]byte, 33)
	b[0] = IDUnconnectedPing
	binary.BigEndian.PutUint64(b[1:], uint64(pk.PingTime))
	copy(b[9:], unconnectedMessageSequence[:])
	binary.BigEndian.PutUint64(b[25:], uint64(pk.ClientGUID))
	return b, nil
}

func (pk *UnconnectedPing) UnmarshalBinary(data []byte) error {
	if len(data) < 33 {
		return io.ErrUnexpectedEOF
	}
	pk.PingTime = int64(binary.BigEndian.Uint64(data[1:]))
	// Magic: 16 bytes.
	pk.ClientGUID = int64(binary.BigEndian.Uint64(data[25:]))
	return nil
}

// UnconnectedPong answers an UnconnectedPing. Data is opaque to RakNet; for
// Minecraft it carries the semicolon-separated server status string.
type UnconnectedPong struct {
	// PingTime is filled out using UnconnectedPing.PingTime.
	PingTime   int64
	ServerGUID int64
	Data       []byte
}

func (pk *UnconnectedPong) MarshalBinary() (data []byte, err error) {
	b := make([]byte, 35+len(pk.Data))
	b[0] = IDUnconnectedPong
	binary.BigEndian.PutUint64(b[1:], uint64(pk.PingTime))
	binary.BigEndian.PutUint64(b[9:], uint64(pk.ServerGUID))
	copy(b[17:], unconnectedMessageSequence[:])
	binary.BigEndian.PutUint16(b[33:], uint16(len(pk.Data)))
	copy(b[35:], pk.Data)
	return b, nil
}

func (pk *UnconnectedPong) UnmarshalBinary(data []byte) error {
	if len(data) < 35 || len(data) < 35+int(binary.BigEndian.Uint16(data[33:])) {
		return io.ErrUnexpectedEOF
	}
	pk.PingTime = int64(binary.BigEndian.Uint64(data[1:]))
	pk.ServerGUID = int64(binary.BigEndian.Uint64(data[9:]))
	// Magic: 16 bytes.
	n := binary.BigEndian.Uint16(data[33:])
	pk.Data = append([]byte(nil), data[35:35+n]...)
	return nil
}
