package raknet

import (
	"io"
	"log/slog"
	"net"
	"testing"
	"time"
)

func discardLog() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testConn returns a connection without a live peer, so that tests can feed
// crafted packets straight into the receive path.
func testConn(t *testing.T) *Conn {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	sched := NewScheduler()
	t.Cleanup(func() { _ = sched.Close() })
	conn := newConn(pc, dialerConnectionHandler{errorLog: discardLog()}, connParams{
		raddr:      pc.LocalAddr(),
		mtu:        maxMTUSize,
		id:         1,
		sched:      sched,
		inactivity: time.Minute,
	})
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestConnSequencedStale(t *testing.T) {
	conn := testConn(t)

	deliver := func(seq uint24, body byte) {
		t.Helper()
		pk := &packet{reliability: UnreliableSequenced, content: []byte{0xfe, body}, sequenceIndex: seq}
		if err := conn.receivePacket(pk); err != nil {
			t.Fatalf("receive sequenced %v: %v", seq, err)
		}
	}

	deliver(5, 'a')
	// 3 arrives after 5 on the same channel: stale, dropped without error.
	deliver(3, 'b')
	deliver(6, 'c')

	if n := conn.packets.Len(); n != 2 {
		t.Fatalf("%v packets delivered, want 2", n)
	}
	for _, want := range []byte{'a', 'c'} {
		pk, err := conn.ReadPacket()
		if err != nil {
			t.Fatalf("read packet: %v", err)
		}
		if pk.Reliability != UnreliableSequenced || len(pk.Payload) != 2 || pk.Payload[1] != want {
			t.Fatalf("read packet = %v %q, want %q", pk.Reliability, pk.Payload, want)
		}
	}

	// Channels are sequenced independently: index 0 on channel 1 is not
	// stale even though channel 0 moved past it.
	pk := &packet{reliability: UnreliableSequenced, channel: 1, content: []byte{0xfe, 'd'}}
	if err := conn.receivePacket(pk); err != nil {
		t.Fatalf("receive sequenced on channel 1: %v", err)
	}
	if conn.packets.Len() != 1 {
		t.Fatal("sequenced packet on a fresh channel was dropped")
	}
}

func TestConnOrderedRelease(t *testing.T) {
	conn := testConn(t)

	deliver := func(idx uint24, body byte) {
		t.Helper()
		pk := &packet{reliability: ReliableOrdered, content: []byte{0xfe, body}, orderIndex: idx}
		if err := conn.receivePacket(pk); err != nil {
			t.Fatalf("receive ordered %v: %v", idx, err)
		}
	}

	deliver(1, 'b')
	deliver(2, 'c')
	if n := conn.packets.Len(); n != 0 {
		t.Fatalf("%v packets delivered before the gap at 0 was filled", n)
	}

	// Filling the gap releases everything up to the next gap, in order.
	deliver(0, 'a')
	if n := conn.packets.Len(); n != 3 {
		t.Fatalf("%v packets delivered after the gap was filled, want 3", n)
	}
	for _, want := range []byte{'a', 'b', 'c'} {
		pk, err := conn.ReadPacket()
		if err != nil {
			t.Fatalf("read packet: %v", err)
		}
		if pk.Reliability != ReliableOrdered || len(pk.Payload) != 2 || pk.Payload[1] != want {
			t.Fatalf("read packet = %v %q, want %q", pk.Reliability, pk.Payload, want)
		}
	}

	// An order index that was delivered before is not delivered again.
	deliver(1, 'x')
	if conn.packets.Len() != 0 {
		t.Fatal("duplicate ordered packet was delivered again")
	}
}

func TestConnInactivityTimeout(t *testing.T) {
	l, err := ListenConfig{ErrorLog: discardLog(), Timeout: time.Millisecond * 250}.Listen("127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	conns := make(chan *Conn, 1)
	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		conns <- conn
	}()
	client, err := Dialer{ErrorLog: discardLog()}.Dial(l.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	var server *Conn
	select {
	case server = <-conns:
	case <-time.After(time.Second * 3):
		t.Fatal("accepting connection took longer than 3 seconds")
	}

	// Silence the client without the closing handshake, as a peer that lost
	// power would. The server must give the connection up once the timeout
	// passes without traffic.
	client.closeImmediately()

	select {
	case <-server.Context().Done():
	case <-time.After(time.Second * 3):
		t.Fatal("server conn was not closed after the client went silent")
	}
}
