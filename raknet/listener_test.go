package raknet_test

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/cc7173757/ccproxy/raknet"
)

// quietLog returns a logger for tests that exercise error paths on purpose.
func quietLog() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestListenDial(t *testing.T) {
	l, err := raknet.ListenConfig{ErrorLog: quietLog()}.Listen("127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	c := make(chan error, 1)
	go func() {
		conn, err := l.Accept()
		if err != nil {
			c <- fmt.Errorf("error accepting connection: %v", err)
			return
		}
		b := make([]byte, 1500)
		n, err := conn.Read(b)
		if err != nil {
			c <- fmt.Errorf("error reading from server conn: %v", err)
			return
		}
		if _, err := conn.Write(append([]byte("echo: "), b[:n]...)); err != nil {
			c <- fmt.Errorf("error writing to server conn: %v", err)
			return
		}
		c <- nil
	}()

	conn, err := raknet.Dial(l.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	if _, err := conn.Write([]byte("hello")); err != nil {
		t.Fatal(err)
	}
	b := make([]byte, 1500)
	n, err := conn.Read(b)
	if err != nil {
		t.Fatal(err)
	}
	if got := string(b[:n]); got != "echo: hello" {
		t.Errorf("got %q back, want %q", got, "echo: hello")
	}

	select {
	case err := <-c:
		if err != nil {
			t.Error(err)
		}
	case <-time.After(time.Second * 3):
		t.Error("server side took longer than 3 seconds")
	}
}

func TestListenerPing(t *testing.T) {
	l, err := raknet.ListenConfig{ErrorLog: quietLog()}.Listen("127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()
	l.PongData([]byte("MCPE;A server;671;1.20.80;0;20;"))

	data, err := raknet.Ping(l.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(data, []byte("MCPE;A server;671;1.20.80;0;20;")) {
		t.Errorf("got pong data %q, want the data set on the listener", data)
	}
}

func TestListenerMaxConnections(t *testing.T) {
	l, err := raknet.ListenConfig{ErrorLog: quietLog(), MaxConnections: 1}.Listen("127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	first, err := raknet.Dial(l.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer first.Close()
	if l.Len() != 1 {
		t.Fatalf("got %v connections admitted, want 1", l.Len())
	}

	_, err = raknet.Dial(l.Addr().String())
	if !errors.Is(err, raknet.ErrConnectionRefused) {
		t.Errorf("second dial: got error %v, want %v", err, raknet.ErrConnectionRefused)
	}
}

func TestListenerUnconnectedHandler(t *testing.T) {
	conf := raknet.ListenConfig{
		ErrorLog: quietLog(),
		UnconnectedHandler: func(b []byte, addr net.Addr) ([]byte, bool) {
			if string(b) != "hello" {
				return nil, false
			}
			return []byte("world"), true
		},
	}
	l, err := conf.Listen("127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	sock, err := net.Dial("udp", l.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer sock.Close()
	if _, err := sock.Write([]byte("hello")); err != nil {
		t.Fatal(err)
	}
	_ = sock.SetReadDeadline(time.Now().Add(time.Second * 3))
	b := make([]byte, 64)
	n, err := sock.Read(b)
	if err != nil {
		t.Fatal(err)
	}
	if got := string(b[:n]); got != "world" {
		t.Errorf("got reply %q, want %q", got, "world")
	}
}

func TestListenerPacket(t *testing.T) {
	l, err := raknet.ListenConfig{ErrorLog: quietLog()}.Listen("127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	c := make(chan error, 1)
	go func() {
		conn, err := l.Accept()
		if err != nil {
			c <- fmt.Errorf("error accepting connection: %v", err)
			return
		}
		pk, err := conn.ReadPacket()
		if err != nil {
			c <- fmt.Errorf("error reading packet: %v", err)
			return
		}
		if pk.Reliability != raknet.ReliableOrdered {
			c <- fmt.Errorf("got reliability %v, want %v", pk.Reliability, raknet.ReliableOrdered)
			return
		}
		if pk.Channel != 3 {
			c <- fmt.Errorf("got order channel %v, want 3", pk.Channel)
			return
		}
		if string(pk.Payload) != "on channel three" {
			c <- fmt.Errorf("got payload %q, want %q", pk.Payload, "on channel three")
			return
		}
		c <- nil
	}()

	conn, err := raknet.Dial(l.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	pk := raknet.Packet{Reliability: raknet.ReliableOrdered, Channel: 3, Payload: []byte("on channel three")}
	if err := conn.WritePacket(pk); err != nil {
		t.Fatal(err)
	}

	select {
	case err := <-c:
		if err != nil {
			t.Error(err)
		}
	case <-time.After(time.Second * 3):
		t.Error("packet did not arrive within 3 seconds")
	}
}

func TestConnClose(t *testing.T) {
	l, err := raknet.ListenConfig{ErrorLog: quietLog()}.Listen("127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	conns := make(chan *raknet.Conn, 1)
	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		conns <- conn
	}()

	conn, err := raknet.Dial(l.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	var server *raknet.Conn
	select {
	case server = <-conns:
	case <-time.After(time.Second * 3):
		t.Fatal("accepting connection took longer than 3 seconds")
	}

	_ = conn.Close()
	select {
	case <-server.Context().Done():
	case <-time.After(time.Second * 3):
		t.Error("server conn was not closed within 3 seconds of the client closing")
	}
}

func TestLargePacket(t *testing.T) {
	l, err := raknet.ListenConfig{ErrorLog: quietLog()}.Listen("127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	payload := make([]byte, 5000)
	for i := range payload {
		payload[i] = byte(i)
	}
	// The first byte must not collide with a connected message ID, or the
	// packet is handled instead of delivered.
	payload[0] = 0xfe

	c := make(chan error, 1)
	go func() {
		conn, err := l.Accept()
		if err != nil {
			c <- fmt.Errorf("error accepting connection: %v", err)
			return
		}
		b := make([]byte, len(payload)*2)
		n, err := conn.Read(b)
		if err != nil {
			c <- fmt.Errorf("error reading large packet: %v", err)
			return
		}
		if !bytes.Equal(b[:n], payload) {
			c <- fmt.Errorf("large packet arrived corrupted: got %v bytes, want %v", n, len(payload))
			return
		}
		c <- nil
	}()

	conn, err := raknet.Dial(l.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	if _, err := conn.Write(payload); err != nil {
		t.Fatal(err)
	}

	select {
	case err := <-c:
		if err != nil {
			t.Error(err)
		}
	case <-time.After(time.Second * 3):
		t.Error("large packet did not arrive within 3 seconds")
	}
}
