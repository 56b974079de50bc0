package ccproxy

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrMOTDInvalid is returned by ParseMotd for data that does not follow the
// Bedrock server list format.
var ErrMOTDInvalid = errors.New("invalid MOTD data")

// Motd holds the fields a Bedrock server advertises in the server list of
// clients pinging it, carried as a semicolon-separated string in unconnected
// pongs.
type Motd struct {
	// ServerName is the first line shown in the server list entry. SubName
	// is the second, which vanilla uses for the world name.
	ServerName string
	SubName    string

	// Protocol and Version describe the game version the server speaks.
	Protocol int
	Version  string

	PlayerCount int
	MaxPlayers  int

	// ServerGUID is the GUID of the listener the pong came from. Encoding
	// always overrides it, as clients associate the entry with the GUID
	// that answered them.
	ServerGUID int64

	GameType        string
	NintendoLimited bool

	// Port4 and Port6 are the IPv4 and IPv6 ports the server directs
	// clients to. Not all servers send them.
	Port4 int
	Port6 int
}

// ParseMotd parses pong data in the Bedrock server list format. Data with at
// least the first six fields is accepted; fields beyond those present are
// left at their zero value, as older servers send fewer of them.
func ParseMotd(b []byte) (Motd, error) {
	fields := strings.Split(string(b), ";")
	if len(fields) < 6 || fields[0] != "MCPE" {
		return Motd{}, fmt.Errorf("%w: %q", ErrMOTDInvalid, b)
	}
	m := Motd{ServerName: fields[1], Version: fields[3]}
	m.Protocol, _ = strconv.Atoi(fields[2])
	m.PlayerCount, _ = strconv.Atoi(fields[4])
	m.MaxPlayers, _ = strconv.Atoi(fields[5])
	if len(fields) > 6 {
		m.ServerGUID, _ = strconv.ParseInt(fields[6], 10, 64)
	}
	if len(fields) > 7 {
		m.SubName = fields[7]
	}
	if len(fields) > 8 {
		m.GameType = fields[8]
	}
	if len(fields) > 9 {
		m.NintendoLimited = fields[9] == "1"
	}
	if len(fields) > 10 {
		m.Port4, _ = strconv.Atoi(fields[10])
	}
	if len(fields) > 11 {
		m.Port6, _ = strconv.Atoi(fields[11])
	}
	return m, nil
}

// Bytes encodes the MOTD for use as pong data, substituting the GUID passed
// for the one decoded. The encoded form carries all twelve fields and ends
// with a trailing semicolon, as clients expect.
func (m Motd) Bytes(guid int64) []byte {
	nintendo := "0"
	if m.NintendoLimited {
		nintendo = "1"
	}
	fields := []string{
		"MCPE",
		m.ServerName,
		strconv.Itoa(m.Protocol),
		m.Version,
		strconv.Itoa(m.PlayerCount),
		strconv.Itoa(m.MaxPlayers),
		strconv.FormatInt(guid, 10),
		m.SubName,
		m.GameType,
		nintendo,
		strconv.Itoa(m.Port4),
		strconv.Itoa(m.Port6),
	}
	return []byte(strings.Join(fields, ";") + ";")
}
