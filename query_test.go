package ccproxy

import (
	"bytes"
	"encoding/binary"
	"io"
	"log/slog"
	"net"
	"strconv"
	"testing"
)

func testResponder(players []string) *queryResponder {
	snapshot := func() (Motd, int, int, []string) {
		return Motd{ServerName: "A Server", SubName: "A World", Version: "1.20.80"}, len(players), 20, players
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	conf := QueryConfig{Values: map[string]string{"plugins": "none", "announce": "yes"}}
	return newQueryResponder(log, 0x1234, 19132, conf, snapshot)
}

// queryHandshake runs the challenge handshake against q and returns the
// token granted, encoded back to binary the way a client would.
func queryHandshake(t *testing.T, q *queryResponder, addr net.Addr) uint32 {
	t.Helper()
	request := []byte{0xfe, 0xfd, queryTypeHandshake, 0x00, 0x00, 0x00, 0x01}
	reply, handled := q.handle(request, addr)
	if !handled {
		t.Fatal("handshake request not handled as a query")
	}
	if len(reply) < 6 || reply[0] != queryTypeHandshake || !bytes.Equal(reply[1:5], request[3:7]) {
		t.Fatalf("malformed handshake reply % x", reply)
	}
	if reply[len(reply)-1] != 0 {
		t.Fatal("handshake token not null terminated")
	}
	token, err := strconv.ParseUint(string(reply[5:len(reply)-1]), 10, 32)
	if err != nil {
		t.Fatalf("handshake token is not ASCII digits: %v", err)
	}
	return uint32(token)
}

func statRequest(token uint32, full bool) []byte {
	b := []byte{0xfe, 0xfd, queryTypeStat, 0x00, 0x00, 0x00, 0x01}
	b = binary.BigEndian.AppendUint32(b, token)
	if full {
		b = append(b, 0x00, 0x00, 0x00, 0x00)
	}
	return b
}

func TestQueryBasicStat(t *testing.T) {
	q := testResponder(nil)
	addr := &net.UDPAddr{IP: net.IP{127, 0, 0, 1}, Port: 51234}
	token := queryHandshake(t, q, addr)

	reply, handled := q.handle(statRequest(token, false), addr)
	if !handled || reply == nil {
		t.Fatalf("basic stat request: handled %v, reply %v", handled, reply)
	}
	if reply[0] != queryTypeStat || !bytes.Equal(reply[1:5], []byte{0, 0, 0, 1}) {
		t.Fatalf("malformed basic stat reply % x", reply)
	}

	fields := bytes.Split(reply[5:], []byte{0})
	if string(fields[0]) != "A Server" || string(fields[1]) != "SMP" || string(fields[2]) != "A World" {
		t.Errorf("got leading fields %q %q %q", fields[0], fields[1], fields[2])
	}
	if string(fields[3]) != "0" || string(fields[4]) != "20" {
		t.Errorf("got player counts %q/%q, want 0/20", fields[3], fields[4])
	}
	// The port follows in little-endian binary, glued to the host IP field.
	tail := fields[5]
	if got := binary.LittleEndian.Uint16(tail); got != 19132 {
		t.Errorf("got port %v, want 19132", got)
	}
	if string(tail[2:]) != "0.0.0.0" {
		t.Errorf("got host IP %q, want 0.0.0.0", tail[2:])
	}
}

func TestQueryFullStat(t *testing.T) {
	q := testResponder([]string{"Steve", "Alex"})
	addr := &net.UDPAddr{IP: net.IP{127, 0, 0, 1}, Port: 51234}
	token := queryHandshake(t, q, addr)

	reply, handled := q.handle(statRequest(token, true), addr)
	if !handled || reply == nil {
		t.Fatalf("full stat request: handled %v, reply %v", handled, reply)
	}
	rest, ok := bytes.CutPrefix(reply, append([]byte{queryTypeStat, 0, 0, 0, 1}, "splitnum\x00\x80\x00"...))
	if !ok {
		t.Fatalf("full stat reply lacks the splitnum preamble: % x", reply[:16])
	}

	kv, playerSection, ok := bytes.Cut(rest, []byte("\x00\x01player_\x00\x00"))
	if !ok {
		t.Fatal("full stat reply lacks the player section")
	}
	fields := bytes.Split(kv, []byte{0})
	pairs := map[string]string{}
	for i := 0; i+1 < len(fields); i += 2 {
		pairs[string(fields[i])] = string(fields[i+1])
	}
	for k, want := range map[string]string{
		"hostname":   "A Server",
		"gametype":   "SMP",
		"game_id":    "MINECRAFTPE",
		"version":    "1.20.80",
		"map":        "A World",
		"numplayers": "2",
		"maxplayers": "20",
		"hostport":   "19132",
		// Configured values override or extend the defaults.
		"plugins":  "none",
		"announce": "yes",
	} {
		if pairs[k] != want {
			t.Errorf("key %q: got %q, want %q", k, pairs[k], want)
		}
	}

	players := bytes.Split(bytes.TrimSuffix(playerSection, []byte{0, 0}), []byte{0})
	if len(players) != 2 || string(players[0]) != "Steve" || string(players[1]) != "Alex" {
		t.Errorf("got player sample %q", players)
	}
}

func TestQueryBadToken(t *testing.T) {
	q := testResponder(nil)
	addr := &net.UDPAddr{IP: net.IP{127, 0, 0, 1}, Port: 51234}
	token := queryHandshake(t, q, addr)

	reply, handled := q.handle(statRequest(token+1, false), addr)
	if !handled {
		t.Error("stat request with a bad token not recognised as a query")
	}
	if reply != nil {
		t.Errorf("got reply % x for a bad token, want none", reply)
	}

	// A token handed to one address must not work from another.
	other := &net.UDPAddr{IP: net.IP{127, 0, 0, 2}, Port: 51234}
	if reply, _ := q.handle(statRequest(token, false), other); reply != nil {
		t.Errorf("got reply % x for a token of a different address", reply)
	}
}

func TestQueryNotAQuery(t *testing.T) {
	q := testResponder(nil)
	addr := &net.UDPAddr{IP: net.IP{127, 0, 0, 1}, Port: 51234}
	for _, b := range [][]byte{
		nil,
		{0xfe},
		{0x01, 0x02, 0x03},
		{0xfe, 0xfe, queryTypeHandshake, 0, 0, 0, 1},
	} {
		if reply, handled := q.handle(b, addr); handled || reply != nil {
			t.Errorf("q.handle(% x) = (% x, %v), want unhandled", b, reply, handled)
		}
	}

	// Recognisably a query, but malformed: consumed without a reply.
	if reply, handled := q.handle([]byte{0xfe, 0xfd, 0x42, 0, 0, 0, 1}, addr); !handled || reply != nil {
		t.Errorf("unknown query type: got (% x, %v), want handled without reply", reply, handled)
	}
}
