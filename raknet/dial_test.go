package raknet_test

import (
	"bufio"
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/cc7173757/ccproxy/raknet"
	"github.com/cc7173757/ccproxy/raknet/internal/message"
	"github.com/pires/go-proxyproto"
)

// TestDialProxyHeader checks that a dialer with a ProxyHeaderSource sends the
// PROXY v2 header as the very first datagram on the socket, before any open
// connection request.
func TestDialProxyHeader(t *testing.T) {
	raw, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer raw.Close()

	src := &net.UDPAddr{IP: net.IPv4(203, 0, 113, 9), Port: 19132}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	result := make(chan error, 1)
	go func() {
		d := raknet.Dialer{ErrorLog: quietLog(), ProxyHeaderSource: src}
		_, err := d.DialContext(ctx, raw.LocalAddr().String())
		result <- err
	}()

	first := readDatagram(t, raw)
	h, err := proxyproto.Read(bufio.NewReader(bytes.NewReader(first)))
	if err != nil {
		t.Fatalf("parse first datagram as a proxy header: %v", err)
	}
	if h.SourceAddr == nil || h.SourceAddr.String() != src.String() {
		t.Fatalf("proxy header source = %v, want %v", h.SourceAddr, src)
	}

	second := readDatagram(t, raw)
	if second[0] != message.IDOpenConnectionRequest1 {
		t.Fatalf("datagram after the proxy header has ID %#x, want %#x", second[0], message.IDOpenConnectionRequest1)
	}

	cancel()
	select {
	case err := <-result:
		if err == nil {
			t.Fatal("dial succeeded without a server")
		}
	case <-time.After(time.Second * 3):
		t.Fatal("dial did not return after cancellation")
	}
}

func readDatagram(t *testing.T, pc net.PacketConn) []byte {
	t.Helper()
	_ = pc.SetReadDeadline(time.Now().Add(time.Second * 3))
	b := make([]byte, 1500)
	n, _, err := pc.ReadFrom(b)
	if err != nil {
		t.Fatalf("read datagram: %v", err)
	}
	return b[:n]
}
