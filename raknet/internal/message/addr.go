package message

import (
	"encoding/binary"
	"net/netip"
)

// systemAddresses is the list of internal addresses carried in the connected
// handshake. Their content is meaningless to us, but the list must be encoded
// with valid addresses for other implementations to accept the message.
type systemAddresses [20]netip.AddrPort

// sizeOf returns the encoded size in bytes of the system addresses.
func (addresses systemAddresses) sizeOf() int {
	size := 0
	for _, addr := range addresses {
		size += sizeofAddr(addr)
	}
	return size
}

const (
	sizeofAddr4 = 1 + 4 + 2
	sizeofAddr6 = 1 + 2 + 2 + 4 + 16 + 4
)

// sizeofAddr returns the encoded size in bytes of a single address.
func sizeofAddr(addr netip.AddrPort) int {
	if addr.Addr().Is6() {
		return sizeofAddr6
	}
	return sizeofAddr4
}

// putAddr encodes an address to b and returns the number of bytes written.
// IPv4 addresses are encoded with their bytes complemented, an old RakNet
// obfuscation that every implementation still carries.
func putAddr(b []byte, addrPort netip.AddrPort) int {
	addr, port := addrPort.Addr(), addrPort.Port()
	if !addr.Is4() && !addr.Is6() {
		// The zero address is encoded as a broadcast-looking IPv4 address.
		b[0], b[1], b[2], b[3], b[4] = 4, 255, 255, 255, 255
		return sizeofAddr4
	} else if addr.Is4() {
		ip4 := addr.As4()
		b[0], b[1], b[2], b[3], b[4] = 4, ^ip4[0], ^ip4[1], ^ip4[2], ^ip4[3]
		binary.BigEndian.PutUint16(b[5:], port)
		return sizeofAddr4
	}
	ip16 := addr.As16()
	b[0] = 6
	binary.LittleEndian.PutUint16(b[1:], uint16(23)) // syscall.AF_INET6 on Windows.
	binary.BigEndian.PutUint16(b[3:], port)
	// 4 zero bytes (flow info).
	copy(b[9:], ip16[:])
	// 4 zero bytes (scope ID).
	return sizeofAddr6
}

// addr decodes an address from b and returns it with the number of bytes
// consumed. The caller must have checked the length with addrSize first.
func addr(b []byte) (netip.AddrPort, int) {
	if b[0] == 4 || b[0] == 0 {
		ip := netip.AddrFrom4([4]byte{^b[1], ^b[2], ^b[3], ^b[4]})
		port := binary.BigEndian.Uint16(b[5:])
		return netip.AddrPortFrom(ip, port), sizeofAddr4
	}
	port := binary.BigEndian.Uint16(b[3:])
	ip := netip.AddrFrom16([16]byte(b[9:]))
	return netip.AddrPortFrom(ip, port), sizeofAddr6
}

// addrSize returns the encoded size of the address starting at b, judged by
// its version byte.
func addrSize(b []byte) int {
	if len(b) == 0 || b[0] == 4 || b[0] == 0 {
		return sizeofAddr4
	}
	return sizeofAddr6
}
