package message

import (
	"encoding/binary"
	"io"
	"net/netip"
)

// OpenConnectionRequest1 opens the first half of the offline handshake. The
// message is padded up to the MTU size the client wants to use, so that a
// path unable to carry datagrams of that size drops it and the client can
// retry with a smaller one.
type OpenConnectionRequest1 struct {
	ClientProtocol byte
	// MTU is the size the padded message advertises: the message length plus
	// the 28 bytes of IP and UDP headers.
	MTU uint16
}

func (pk *OpenConnectionRequest1) MarshalBinary() (data []byte, err error) {
	b := make([]byte, pk.MTU-28)
	b[0] = IDOpenConnectionRequest1
	copy(b[1:], unconnectedMessageSequence[:])
	b[17] = pk.ClientProtocol
	return b, nil
}

func (pk *OpenConnectionRequest1) UnmarshalBinary(data []byte) error {
	if len(data) < 18 {
		return io.ErrUnexpectedEOF
	}
	// Magic: 16 bytes.
	pk.ClientProtocol = data[17]
	// The advertised MTU is the message length plus the 28 bytes of IP and
	// UDP headers.
	pk.MTU = uint16(len(data)) + 28
	return nil
}

// OpenConnectionReply1 answers an OpenConnectionRequest1 with the MTU size
// the server accepts and, if cookies are enabled, a challenge the client must
// echo in its second request to prove it can receive at its claimed address.
type OpenConnectionReply1 struct {
	ServerGUID        int64
	ServerHasSecurity bool
	Cookie            uint32
	MTU               uint16
}

func (pk *OpenConnectionReply1) MarshalBinary() (data []byte, err error) {
	size := 28
	if pk.ServerHasSecurity {
		size += 4
	}
	b := make([]byte, size)
	b[0] = IDOpenConnectionReply1
	copy(b[1:], unconnectedMessageSequence[:])
	binary.BigEndian.PutUint64(b[17:], uint64(pk.ServerGUID))
	offset := 25
	if pk.ServerHasSecurity {
		b[offset] = 1
		binary.BigEndian.PutUint32(b[offset+1:], pk.Cookie)
		offset += 4
	}
	binary.BigEndian.PutUint16(b[offset+1:], pk.MTU)
	return b, nil
}

func (pk *OpenConnectionReply1) UnmarshalBinary(data []byte) error {
	if len(data) < 28 {
		return io.ErrUnexpectedEOF
	}
	// Magic: 16 bytes.
	pk.ServerGUID = int64(binary.BigEndian.Uint64(data[17:]))
	pk.ServerHasSecurity = data[25] != 0
	offset := 25
	if pk.ServerHasSecurity {
		if len(data) < 32 {
			return io.ErrUnexpectedEOF
		}
		pk.Cookie = binary.BigEndian.Uint32(data[26:])
		offset += 4
	}
	pk.MTU = binary.BigEndian.Uint16(data[offset+1:])
	return nil
}

// OpenConnectionRequest2 completes the offline handshake. It repeats the MTU
// size both ends settled on and carries the client GUID that identifies the
// connection regardless of its address.
type OpenConnectionRequest2 struct {
	ServerAddress netip.AddrPort
	MTU           uint16
	ClientGUID    int64
	// ServerHasSecurity must be set before unmarshalling if the server sent a
	// cookie in its reply, as the cookie's presence cannot be detected from
	// the data itself.
	ServerHasSecurity bool
	Cookie            uint32
}

func (pk *OpenConnectionRequest2) MarshalBinary() (data []byte, err error) {
	cookieOffset := 0
	if pk.ServerHasSecurity {
		// Cookie plus a byte for 'client wrote challenge'.
		cookieOffset = 5
	}
	nAddr := sizeofAddr(pk.ServerAddress)
	b := make([]byte, 27+nAddr+cookieOffset)
	b[0] = IDOpenConnectionRequest2
	copy(b[1:], unconnectedMessageSequence[:])
	if pk.ServerHasSecurity {
		binary.BigEndian.PutUint32(b[17:], pk.Cookie)
	}
	putAddr(b[17+cookieOffset:], pk.ServerAddress)
	binary.BigEndian.PutUint16(b[17+cookieOffset+nAddr:], pk.MTU)
	binary.BigEndian.PutUint64(b[19+cookieOffset+nAddr:], uint64(pk.ClientGUID))
	return b, nil
}

func (pk *OpenConnectionRequest2) UnmarshalBinary(data []byte) error {
	// Magic: 16 bytes.
	offset := 17
	if pk.ServerHasSecurity {
		if len(data) < offset+5 {
			return io.ErrUnexpectedEOF
		}
		pk.Cookie = binary.BigEndian.Uint32(data[offset:])
		offset += 5
	}
	if len(data) < offset+1 || len(data) < offset+addrSize(data[offset:])+10 {
		return io.ErrUnexpectedEOF
	}
	var n int
	pk.ServerAddress, n = addr(data[offset:])
	pk.MTU = binary.BigEndian.Uint16(data[offset+n:])
	pk.ClientGUID = int64(binary.BigEndian.Uint64(data[offset+n+2:]))
	return nil
}

// OpenConnectionReply2 confirms the connection to the client, after which
// both ends switch to exchanging datagrams.
type OpenConnectionReply2 struct {
	ServerGUID    int64
	ClientAddress netip.AddrPort
	MTU           uint16
	Secure        bool
}

func (pk *OpenConnectionReply2) MarshalBinary() (data []byte, err error) {
	nAddr := sizeofAddr(pk.ClientAddress)
	b := make([]byte, 28+nAddr)
	b[0] = IDOpenConnectionReply2
	copy(b[1:], unconnectedMessageSequence[:])
	binary.BigEndian.PutUint64(b[17:], uint64(pk.ServerGUID))
	putAddr(b[25:], pk.ClientAddress)
	binary.BigEndian.PutUint16(b[25+nAddr:], pk.MTU)
	if pk.Secure {
		b[27+nAddr] = 1
	}
	return b, nil
}

func (pk *OpenConnectionReply2) UnmarshalBinary(data []byte) error {
	if len(data) < 26 || len(data) < 28+addrSize(data[25:]) {
		return io.ErrUnexpectedEOF
	}
	// Magic: 16 bytes.
	pk.ServerGUID = int64(binary.BigEndian.Uint64(data[17:]))
	var n int
	pk.ClientAddress, n = addr(data[25:])
	pk.MTU = binary.BigEndian.Uint16(data[25+n:])
	pk.Secure = data[27+n] != 0
	return nil
}

// IncompatibleProtocolVersion refuses a client whose RakNet protocol version
// the server does not speak, telling it the version it would accept.
type IncompatibleProtocolVersion struct {
	ServerProtocol byte
	ServerGUID     int64
}

func (pk *IncompatibleProtocolVersion) MarshalBinary() (data []byte, err error) {
	b := make([]byte, 26)
	b[0] = IDIncompatibleProtocolVersion
	b[1] = pk.ServerProtocol
	copy(b[2:], unconnectedMessageSequence[:])
	binary.BigEndian.PutUint64(b[18:], uint64(pk.ServerGUID))
	return b, nil
}

func (pk *IncompatibleProtocolVersion) UnmarshalBinary(data []byte) error {
	if len(data) < 26 {
		return io.ErrUnexpectedEOF
	}
	pk.ServerProtocol = data[1]
	// Magic: 16 bytes.
	pk.ServerGUID = int64(binary.BigEndian.Uint64(data[18:]))
	return nil
}

// NoFreeIncomingConnections refuses a client because the server decided not
// to admit any further connections, either because it ran out of slots or
// because connection attempts came in faster than it allows.
type NoFreeIncomingConnections struct {
	ServerGUID int64
}

func (pk *NoFreeIncomingConnections) MarshalBinary() (data []byte, err error) {
	b := make([]byte, 25)
	b[0] = IDNoFreeIncomingConnections
	copy(b[1:], unconnectedMessageSequence[:])
	binary.BigEndian.PutUint64(b[17:], uint64(pk.ServerGUID))
	return b, nil
}

func (pk *NoFreeIncomingConnections) UnmarshalBinary(data []byte) error {
	if len(data) < 25 {
		return io.ErrUnexpectedEOF
	}
	// Magic: 16 bytes.
	pk.ServerGUID = int64(binary.BigEndian.Uint64(data[17:]))
	return nil
}
