package raknet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"time"

	"github.com/cc7173757/ccproxy/raknet/internal"
	"github.com/cc7173757/ccproxy/raknet/internal/message"
	"github.com/pires/go-proxyproto"
)

// Dialer allows dialing a RakNet connection with specific configuration, such
// as the logger used.
type Dialer struct {
	// ErrorLog is a logger that errors from packet decoding are logged to.
	// It may be set to a logger that simply discards the messages. The
	// default value is slog.Default().
	ErrorLog *slog.Logger

	// MTU is the MTU size offered during the open connection exchange. If 0,
	// the dialer starts at the maximum size and discovers a smaller one if
	// large datagrams go unanswered.
	MTU uint16

	// Scheduler drives the periodic maintenance of the connection dialed. If
	// nil, a scheduler shared by the whole process is used.
	Scheduler *Scheduler

	// Stats, if non-nil, is updated with transport counters of the
	// connection dialed.
	Stats *Stats

	// ProxyHeaderSource, if non-nil, makes the dialer send a PROXY protocol
	// version 2 header as the first datagram on the socket, carrying this
	// address as the source. Servers behind PROXY-protocol-aware
	// infrastructure use it to learn the address of the original client
	// rather than that of the machine dialing.
	ProxyHeaderSource net.Addr
}

// Ping sends a ping to an address and returns the response obtained. If
// successful, the response is returned and the error is nil. Ping will time
// out after 5 seconds.
func Ping(address string) ([]byte, error) {
	var d Dialer
	return d.Ping(address)
}

// Ping sends a ping to an address and returns the response obtained. If
// successful, the response is returned and the error is nil. Ping will time
// out after 5 seconds.
func (dialer Dialer) Ping(address string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()
	return dialer.PingContext(ctx, address)
}

// PingContext sends a ping to an address and returns the response obtained.
// If successful, the response is returned and the error is nil. PingContext
// is cancelled as soon as the context passed is done.
func (dialer Dialer) PingContext(ctx context.Context, address string) (response []byte, err error) {
	var d net.Dialer
	udpConn, err := d.DialContext(ctx, "udp", address)
	if err != nil {
		return nil, &net.OpError{Op: "ping", Net: "raknet", Err: err}
	}
	defer func() {
		_ = udpConn.Close()
	}()
	state := &dialState{conn: internal.PacketConn(udpConn), raddr: udpConn.RemoteAddr(), id: rand.Int64()}

	data, _ := (&message.UnconnectedPing{PingTime: timestamp(), ClientGUID: state.id}).MarshalBinary()
	pong := &message.UnconnectedPong{}
	if err := state.exchange(ctx, data, map[byte]unmarshaler{message.IDUnconnectedPong: pong}); err != nil {
		return nil, &net.OpError{Op: "ping", Net: "raknet", Err: err}
	}
	return pong.Data, nil
}

// Dial attempts to dial a RakNet connection to the address passed. The
// address may be either an IP address or a hostname, combined with a port
// that is always required. Dial will time out after 10 seconds.
func Dial(address string) (*Conn, error) {
	var d Dialer
	return d.Dial(address)
}

// Dial attempts to dial a RakNet connection to the address passed. The
// address may be either an IP address or a hostname, combined with a port
// that is always required. Dial will time out after 10 seconds.
func (dialer Dialer) Dial(address string) (*Conn, error) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()
	return dialer.DialContext(ctx, address)
}

// DialContext attempts to dial a RakNet connection to the address passed.
// The address may be either an IP address or a hostname, combined with a
// port that is always required. DialContext is cancelled as soon as the
// context passed is done.
func (dialer Dialer) DialContext(ctx context.Context, address string) (*Conn, error) {
	if dialer.ErrorLog == nil {
		dialer.ErrorLog = slog.Default()
	}
	if dialer.Scheduler == nil {
		dialer.Scheduler = defaultScheduler()
	}
	var d net.Dialer
	udpConn, err := d.DialContext(ctx, "udp", address)
	if err != nil {
		return nil, &net.OpError{Op: "dial", Net: "raknet", Err: err}
	}
	packetConn := internal.PacketConn(udpConn)

	if src := dialer.ProxyHeaderSource; src != nil {
		if err := sendProxyHeader(udpConn, src); err != nil {
			_ = udpConn.Close()
			return nil, &net.OpError{Op: "dial", Net: "raknet", Err: err}
		}
	}

	state := &dialState{conn: packetConn, raddr: udpConn.RemoteAddr(), id: rand.Int64(), mtu: dialer.MTU}
	mtu, serverGUID, err := state.openConnection(ctx)
	if err != nil {
		_ = udpConn.Close()
		return nil, &net.OpError{Op: "dial", Net: "raknet", Err: err}
	}

	conn := newConn(packetConn, dialerConnectionHandler{errorLog: dialer.ErrorLog}, connParams{
		raddr: udpConn.RemoteAddr(),
		mtu:   mtu,
		id:    serverGUID,
		sched: dialer.Scheduler,
		stats: dialer.Stats,
	})
	go dialer.clientListen(conn, udpConn)

	if err := conn.send(&message.ConnectionRequest{ClientGUID: state.id, RequestTime: timestamp()}); err != nil {
		conn.closeImmediately()
		return nil, &net.OpError{Op: "dial", Net: "raknet", Err: err}
	}
	select {
	case <-conn.connected:
		return conn, nil
	case <-conn.ctx.Done():
		return nil, &net.OpError{Op: "dial", Net: "raknet", Err: net.ErrClosed}
	case <-ctx.Done():
		conn.closeImmediately()
		return nil, &net.OpError{Op: "dial", Net: "raknet", Err: ctx.Err()}
	}
}

// sendProxyHeader writes a PROXY protocol v2 header as the first datagram on
// the socket, before any RakNet traffic, carrying src as the original source
// address.
func sendProxyHeader(conn net.Conn, src net.Addr) error {
	h := &proxyproto.Header{
		Version:           2,
		Command:           proxyproto.PROXY,
		TransportProtocol: proxyproto.UDPv4,
		SourceAddr:        src,
		DestinationAddr:   conn.RemoteAddr(),
	}
	if udp, ok := src.(*net.UDPAddr); ok && udp.IP.To4() == nil {
		h.TransportProtocol = proxyproto.UDPv6
	}
	if _, err := h.WriteTo(conn); err != nil {
		return fmt.Errorf("send proxy header: %w", err)
	}
	return nil
}

// clientListen makes the RakNet connection passed continuously read from its
// socket, handing everything received to the connection, until the socket is
// closed.
func (dialer Dialer) clientListen(rakConn *Conn, conn net.Conn) {
	rd := newDatagramReader(conn.(net.PacketConn))
	for {
		b, _, err := rd.next()
		if err != nil {
			if transientUDPError(err) {
				// Transient ICMP-induced error; the datagram it concerned is
				// recovered through retransmission.
				continue
			}
			rakConn.closeImmediately()
			return
		}
		if len(b) == 0 {
			continue
		}
		if err := rakConn.receive(b); err != nil {
			if isViolation(err) {
				dialer.ErrorLog.Error("client: closing connection: "+err.Error(), "raddr", rakConn.RemoteAddr().String())
				rakConn.closeImmediately()
				return
			}
			dialer.ErrorLog.Error("client: "+err.Error(), "raddr", rakConn.RemoteAddr().String())
		}
	}
}

// dialState carries what the open connection exchange needs before a Conn
// exists: the socket, the address dialed and the GUID generated for the
// client.
type dialState struct {
	conn  net.PacketConn
	raddr net.Addr
	id    int64
	// mtu, if non-zero, is the only MTU size offered instead of running
	// discovery.
	mtu uint16
}

// unmarshaler is implemented by messages that decode themselves from a
// packet body.
type unmarshaler interface {
	UnmarshalBinary(data []byte) error
}

// mtuSizes holds the MTU sizes offered during discovery, largest first. If
// an offer goes unanswered for long enough, the next (smaller) size is
// offered, in case a network hop silently drops large datagrams.
var mtuSizes = []uint16{1492, 1200, 576}

// openConnection runs the open connection exchange: request 1 with MTU
// discovery, followed by request 2 with the cookie the server handed out. It
// returns the agreed MTU size and the server's GUID.
func (state *dialState) openConnection(ctx context.Context) (mtu uint16, serverGUID int64, err error) {
	reply1, err := state.request1(ctx)
	if err != nil {
		return 0, 0, err
	}
	reply2, err := state.request2(ctx, reply1)
	if err != nil {
		return 0, 0, err
	}
	return min(max(reply2.MTU, minMTUSize), maxMTUSize), reply2.ServerGUID, nil
}

// request1 sends OPEN_CONNECTION_REQUEST_1 until the server answers it,
// stepping down through mtuSizes as attempts go unanswered.
func (state *dialState) request1(ctx context.Context) (*message.OpenConnectionReply1, error) {
	sizes := mtuSizes
	if state.mtu != 0 {
		sizes = []uint16{min(max(state.mtu, minMTUSize), maxMTUSize)}
	}
	reply := &message.OpenConnectionReply1{}
	for attempt := 0; ; attempt++ {
		mtu := sizes[min(attempt/2, len(sizes)-1)]
		data, _ := (&message.OpenConnectionRequest1{ClientProtocol: protocolVersion, MTU: mtu}).MarshalBinary()
		err := state.attempt(ctx, data, map[byte]unmarshaler{message.IDOpenConnectionReply1: reply})
		if errors.Is(err, errAttemptTimeout) {
			continue
		} else if err != nil {
			return nil, err
		}
		return reply, nil
	}
}

// request2 sends OPEN_CONNECTION_REQUEST_2 until the server confirms the
// connection with OPEN_CONNECTION_REPLY_2.
func (state *dialState) request2(ctx context.Context, reply1 *message.OpenConnectionReply1) (*message.OpenConnectionReply2, error) {
	request := &message.OpenConnectionRequest2{
		ServerAddress:     resolve(state.raddr),
		MTU:               min(max(reply1.MTU, minMTUSize), maxMTUSize),
		ClientGUID:        state.id,
		ServerHasSecurity: reply1.ServerHasSecurity,
		Cookie:            reply1.Cookie,
	}
	data, _ := request.MarshalBinary()
	reply := &message.OpenConnectionReply2{}
	if err := state.exchange(ctx, data, map[byte]unmarshaler{message.IDOpenConnectionReply2: reply}); err != nil {
		return nil, err
	}
	return reply, nil
}

// exchange repeats an attempt with the same request data until one succeeds
// or the context expires.
func (state *dialState) exchange(ctx context.Context, request []byte, replies map[byte]unmarshaler) error {
	for {
		err := state.attempt(ctx, request, replies)
		if errors.Is(err, errAttemptTimeout) {
			continue
		}
		return err
	}
}

// errAttemptTimeout is returned by attempt if no expected reply arrived
// within its retry interval, meaning the request should be sent again.
var errAttemptTimeout = errors.New("attempt timed out")

// attempt sends the request passed and reads from the socket until one of
// the expected replies arrives and is decoded into its message, the retry
// interval passes (errAttemptTimeout), or the server answers with an error
// of the offline protocol.
func (state *dialState) attempt(ctx context.Context, request []byte, replies map[byte]unmarshaler) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := state.conn.WriteTo(request, state.raddr); err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	deadline := time.Now().Add(time.Millisecond * 500)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = state.conn.SetReadDeadline(deadline)

	b := make([]byte, 1500)
	for {
		n, _, err := state.conn.ReadFrom(b)
		if err != nil {
			if transientUDPError(err) {
				continue
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return errAttemptTimeout
			}
			return fmt.Errorf("receive reply: %w", err)
		}
		if n == 0 {
			continue
		}
		if reply, ok := replies[b[0]]; ok {
			if err := reply.UnmarshalBinary(b[:n]); err != nil {
				return fmt.Errorf("read reply %#x: %w", b[0], err)
			}
			_ = state.conn.SetReadDeadline(time.Time{})
			return nil
		}
		switch b[0] {
		case message.IDIncompatibleProtocolVersion:
			pk := &message.IncompatibleProtocolVersion{}
			_ = pk.UnmarshalBinary(b[:n])
			return fmt.Errorf("mismatched protocol: client protocol = %v, server protocol = %v", protocolVersion, pk.ServerProtocol)
		case message.IDNoFreeIncomingConnections:
			return ErrConnectionRefused
		}
		// Unrelated traffic, such as a stray pong; keep reading.
	}
}
