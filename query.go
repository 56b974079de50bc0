package ccproxy

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"log/slog"
	"net"
	"slices"
	"strconv"
)

// ErrQueryInvalid is wrapped by errors returned for malformed query
// packets.
var ErrQueryInvalid = errors.New("invalid query packet")

const (
	queryTypeHandshake = 0x09
	queryTypeStat      = 0x00
)

// queryResponder answers GameSpy4 query packets on behalf of the backend,
// so server list sites see the proxy's player counts rather than holding a
// session open. It runs on the listener's socket through its unconnected
// packet hook.
type queryResponder struct {
	log    *slog.Logger
	salt   uint32
	port   uint16
	hostIP string

	values map[string]string

	// snapshot returns the current server list entry, session counts and
	// player sample to report.
	snapshot func() (motd Motd, online, max int, players []string)
}

func newQueryResponder(log *slog.Logger, salt uint32, port uint16, conf QueryConfig, snapshot func() (Motd, int, int, []string)) *queryResponder {
	return &queryResponder{
		log:      log,
		salt:     salt,
		port:     port,
		hostIP:   "0.0.0.0",
		values:   conf.Values,
		snapshot: snapshot,
	}
}

// handle answers a query packet, returning the reply and whether the
// packet was a query at all. Non-query traffic is left to the caller.
func (q *queryResponder) handle(b []byte, addr net.Addr) ([]byte, bool) {
	if len(b) < 3 || b[0] != 0xfe || b[1] != 0xfd {
		return nil, false
	}
	resp, err := q.respond(b, addr)
	if err != nil {
		q.log.Debug("query: "+err.Error(), "raddr", addr)
		return nil, true
	}
	return resp, true
}

func (q *queryResponder) respond(b []byte, addr net.Addr) ([]byte, error) {
	if len(b) < 7 {
		return nil, fmt.Errorf("%w: %v bytes", ErrQueryInvalid, len(b))
	}
	sessionID := b[3:7]
	switch b[2] {
	case queryTypeHandshake:
		return q.handshake(sessionID, addr), nil
	case queryTypeStat:
		if len(b) < 11 {
			return nil, fmt.Errorf("%w: stat request of %v bytes", ErrQueryInvalid, len(b))
		}
		if token := binary.BigEndian.Uint32(b[7:11]); token != q.token(addr) {
			return nil, fmt.Errorf("%w: challenge token mismatch", ErrQueryInvalid)
		}
		// Four bytes of padding after the token ask for the full stat.
		if len(b) >= 15 {
			return q.fullStat(sessionID), nil
		}
		return q.basicStat(sessionID), nil
	}
	return nil, fmt.Errorf("%w: unknown type %#x", ErrQueryInvalid, b[2])
}

// token derives the challenge token of an address. Deriving it instead of
// storing it keeps the handshake stateless, like the cookies used for
// connection requests.
func (q *queryResponder) token(addr net.Addr) uint32 {
	b := make([]byte, 4, 32)
	binary.LittleEndian.PutUint32(b, q.salt)
	if udp, ok := addr.(*net.UDPAddr); ok {
		b = append(b, udp.IP...)
		b = binary.LittleEndian.AppendUint16(b, uint16(udp.Port))
	} else {
		b = append(b, addr.String()...)
	}
	return crc32.ChecksumIEEE(b) & 0x7fffffff
}

// handshake builds the challenge reply: the token as ASCII digits, which
// the client echoes back in binary in its stat request.
func (q *queryResponder) handshake(sessionID []byte, addr net.Addr) []byte {
	buf := bytes.NewBuffer(make([]byte, 0, 16))
	buf.WriteByte(queryTypeHandshake)
	buf.Write(sessionID)
	buf.WriteString(strconv.FormatUint(uint64(q.token(addr)), 10))
	buf.WriteByte(0)
	return buf.Bytes()
}

func (q *queryResponder) basicStat(sessionID []byte) []byte {
	motd, online, maxPlayers, _ := q.snapshot()

	buf := bytes.NewBuffer(make([]byte, 0, 64))
	buf.WriteByte(queryTypeStat)
	buf.Write(sessionID)
	for _, s := range []string{motd.ServerName, "SMP", motd.SubName, strconv.Itoa(online), strconv.Itoa(maxPlayers)} {
		buf.WriteString(s)
		buf.WriteByte(0)
	}
	_ = binary.Write(buf, binary.LittleEndian, q.port)
	buf.WriteString(q.hostIP)
	buf.WriteByte(0)
	return buf.Bytes()
}

func (q *queryResponder) fullStat(sessionID []byte) []byte {
	motd, online, maxPlayers, players := q.snapshot()

	pairs := [][2]string{
		{"hostname", motd.ServerName},
		{"gametype", "SMP"},
		{"game_id", "MINECRAFTPE"},
		{"version", motd.Version},
		{"plugins", ""},
		{"map", motd.SubName},
		{"numplayers", strconv.Itoa(online)},
		{"maxplayers", strconv.Itoa(maxPlayers)},
		{"whitelist", "off"},
		{"hostip", q.hostIP},
		{"hostport", strconv.Itoa(int(q.port))},
	}
	extra := make([]string, 0, len(q.values))
	for k := range q.values {
		extra = append(extra, k)
	}
	slices.Sort(extra)
	for _, k := range extra {
		pairs = append(pairs, [2]string{k, q.values[k]})
	}

	buf := bytes.NewBuffer(make([]byte, 0, 256))
	buf.WriteByte(queryTypeStat)
	buf.Write(sessionID)
	buf.WriteString("splitnum\x00\x80\x00")
	for _, pair := range pairs {
		buf.WriteString(pair[0])
		buf.WriteByte(0)
		buf.WriteString(pair[1])
		buf.WriteByte(0)
	}
	buf.WriteByte(0)
	buf.WriteString("\x01player_\x00\x00")
	for _, name := range players {
		buf.WriteString(name)
		buf.WriteByte(0)
	}
	buf.WriteByte(0)
	return buf.Bytes()
}
