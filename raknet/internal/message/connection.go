package message

import (
	"encoding/binary"
	"io"
	"net/netip"
)

// ConnectionRequest is the first message of the connected handshake, sent as
// an ordinary reliable packet once the offline handshake completed.
type ConnectionRequest struct {
	ClientGUID int64
	// RequestTime is a timestamp from the moment the packet is sent.
	RequestTime int64
	Secure      bool
}

func (pk *ConnectionRequest) MarshalBinary() (data []byte, err error) {
	b := make([]byte, 18)
	b[0] = IDConnectionRequest
	binary.BigEndian.PutUint64(b[1:], uint64(pk.ClientGUID))
	binary.BigEndian.PutUint64(b[9:], uint64(pk.RequestTime))
	if pk.Secure {
		b[17] = 1
	}
	return b, nil
}

func (pk *ConnectionRequest) UnmarshalBinary(data []byte) error {
	if len(data) < 18 {
		return io.ErrUnexpectedEOF
	}
	pk.ClientGUID = int64(binary.BigEndian.Uint64(data[1:]))
	pk.RequestTime = int64(binary.BigEndian.Uint64(data[9:]))
	pk.Secure = data[17] != 0
	return nil
}

// ConnectionRequestAccepted answers a ConnectionRequest, echoing its
// timestamp so the client can measure the round trip.
type ConnectionRequestAccepted struct {
	ClientAddress     netip.AddrPort
	SystemAddresses   systemAddresses
	RequestTimestamp  int64
	AcceptedTimestamp int64
}

func (pk *ConnectionRequestAccepted) MarshalBinary() (data []byte, err error) {
	nAddr, nSys := sizeofAddr(pk.ClientAddress), pk.SystemAddresses.sizeOf()
	b := make([]byte, 1+nAddr+2+nSys+16)
	b[0] = IDConnectionRequestAccepted
	offset := 1 + putAddr(b[1:], pk.ClientAddress) + 2 // Zero int16.
	for _, addr := range pk.SystemAddresses {
		offset += putAddr(b[offset:], addr)
	}
	binary.BigEndian.PutUint64(b[offset:], uint64(pk.RequestTimestamp))
	binary.BigEndian.PutUint64(b[offset+8:], uint64(pk.AcceptedTimestamp))
	return b, nil
}

func (pk *ConnectionRequestAccepted) UnmarshalBinary(data []byte) error {
	if len(data) < 1+addrSize(data[1:]) {
		return io.ErrUnexpectedEOF
	}
	address, n := addr(data[1:])
	pk.ClientAddress = address
	offset := 1 + n + 2 // Zero int16.
	for i := 0; i < 20; i++ {
		if len(data[offset:]) < addrSize(data[offset:]) {
			return io.ErrUnexpectedEOF
		}
		address, n := addr(data[offset:])
		pk.SystemAddresses[i] = address
		offset += n

		if len(data[offset:]) == 16 {
			// Some implementations send fewer than 20 system addresses.
			break
		}
	}
	if len(data[offset:]) < 16 {
		return io.ErrUnexpectedEOF
	}
	pk.RequestTimestamp = int64(binary.BigEndian.Uint64(data[offset:]))
	pk.AcceptedTimestamp = int64(binary.BigEndian.Uint64(data[offset+8:]))
	return nil
}

// NewIncomingConnection completes the connected handshake. Once the server
// receives it, the connection counts as established on both ends.
type NewIncomingConnection struct {
	ServerAddress   netip.AddrPort
	SystemAddresses systemAddresses
	// PingTime is filled out with ConnectionRequestAccepted.PongTime.
	PingTime int64
	// PongTime is a timestamp from the moment the packet is sent.
	PongTime int64
}

func (pk *NewIncomingConnection) MarshalBinary() (data []byte, err error) {
	nAddr, nSys := sizeofAddr(pk.ServerAddress), pk.SystemAddresses.sizeOf()
	b := make([]byte, 1+nAddr+nSys+16)
	b[0] = IDNewIncomingConnection
	offset := 1 + putAddr(b[1:], pk.ServerAddress)
	for _, addr := range pk.SystemAddresses {
		offset += putAddr(b[offset:], addr)
	}
	binary.BigEndian.PutUint64(b[offset:], uint64(pk.PingTime))
	binary.BigEndian.PutUint64(b[offset+8:], uint64(pk.PongTime))
	return b, nil
}

func (pk *NewIncomingConnection) UnmarshalBinary(data []byte) error {
	if len(data) < 1+addrSize(data[1:]) {
		return io.ErrUnexpectedEOF
	}
	address, n := addr(data[1:])
	pk.ServerAddress = address
	offset := 1 + n
	for i := 0; i < 20; i++ {
		if len(data[offset:]) == 16 {
			// Some implementations send fewer than 20 system addresses.
			break
		}
		if len(data[offset:]) < addrSize(data[offset:]) {
			return io.ErrUnexpectedEOF
		}
		address, n := addr(data[offset:])
		pk.SystemAddresses[i] = address
		offset += n
	}
	if len(data[offset:]) < 16 {
		return io.ErrUnexpectedEOF
	}
	pk.PingTime = int64(binary.BigEndian.Uint64(data[offset:]))
	pk.PongTime = int64(binary.BigEndian.Uint64(data[offset+8:]))
	return nil
}
