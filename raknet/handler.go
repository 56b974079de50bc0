package raknet

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"log/slog"
	"net"
	"time"

	"github.com/cc7173757/ccproxy/raknet/internal/message"
)

// connectionHandler deals with the reception of messages that are part of
// RakNet's own protocol. The behaviour differs based on whether the
// connection was accepted by a listener or established by a dialer.
type connectionHandler interface {
	handle(conn *Conn, b []byte) (handled bool, err error)
	limitsEnabled() bool
	close(conn *Conn)
	log() *slog.Logger
}

var (
	errUnexpectedCR  = errors.New("unexpected CONNECTION_REQUEST packet")
	errUnexpectedCRA = errors.New("unexpected CONNECTION_REQUEST_ACCEPTED packet")
	errUnexpectedNIC = errors.New("unexpected NEW_INCOMING_CONNECTION packet")
)

// listenerConnectionHandler handles the server side of connections: it
// answers offline messages, admits (or rejects) new connections and completes
// the connected handshake that clients initiate.
type listenerConnectionHandler struct {
	l          *Listener
	cookieSalt uint32
}

func (h listenerConnectionHandler) log() *slog.Logger {
	return h.l.conf.ErrorLog
}

func (h listenerConnectionHandler) limitsEnabled() bool {
	return true
}

func (h listenerConnectionHandler) close(conn *Conn) {
	h.l.connections.Delete(resolve(conn.raddr.Load()))
	h.l.guidMu.Lock()
	if h.l.guids[conn.id] == conn {
		delete(h.l.guids, conn.id)
	}
	h.l.guidMu.Unlock()
	h.l.count.Sub(1)
}

// mtuCap returns the largest MTU size the listener negotiates, as set in
// its ListenConfig.
func (h listenerConnectionHandler) mtuCap() uint16 {
	if m := h.l.conf.MTU; m >= minMTUSize && m <= maxMTUSize {
		return m
	}
	return maxMTUSize
}

// cookie returns the cookie for the address passed. Cookies prove, during the
// open connection exchange, that the other end can read traffic sent to the
// address it claims, which makes spoofed source addresses useless for
// amplification.
func (h listenerConnectionHandler) cookie(addr net.Addr) uint32 {
	udp, _ := addr.(*net.UDPAddr)
	b := binary.LittleEndian.AppendUint32(nil, h.cookieSalt)
	b = append(b, udp.IP...)
	b = binary.LittleEndian.AppendUint16(b, uint16(udp.Port))
	return crc32.ChecksumIEEE(b)
}

// handleUnconnected handles a message received from an address without a live
// connection. False is returned if the message was not a known unconnected
// message (and not consumed by the unconnected handler hook).
func (h listenerConnectionHandler) handleUnconnected(b []byte, addr net.Addr) (handled bool, err error) {
	switch b[0] {
	case message.IDUnconnectedPing, message.IDUnconnectedPingOpenConnections:
		return true, h.handleUnconnectedPing(b, addr)
	case message.IDOpenConnectionRequest1:
		return true, h.handleOpenConnectionRequest1(b, addr)
	case message.IDOpenConnectionRequest2:
		return true, h.handleOpenConnectionRequest2(b, addr)
	}
	if f := h.l.conf.UnconnectedHandler; f != nil {
		reply, ok := f(b, addr)
		if ok {
			if len(reply) > 0 {
				if _, err := h.l.conn.WriteTo(reply, addr); err != nil {
					return true, fmt.Errorf("send unconnected reply: %w", err)
				}
			}
			return true, nil
		}
	}
	if b[0]&bitFlagDatagram != 0 {
		// In some cases, the client will keep sending datagrams to the
		// server even after the connection was closed. These can be ignored.
		return true, nil
	}
	return false, nil
}

func (h listenerConnectionHandler) handleUnconnectedPing(b []byte, addr net.Addr) error {
	pk := &message.UnconnectedPing{}
	if err := pk.UnmarshalBinary(b); err != nil {
		return fmt.Errorf("read UNCONNECTED_PING: %w", err)
	}
	data, _ := (&message.UnconnectedPong{ServerGUID: h.l.id, PingTime: pk.PingTime, Data: h.l.pongData.Load()}).MarshalBinary()
	if _, err := h.l.conn.WriteTo(data, addr); err != nil {
		return fmt.Errorf("send UNCONNECTED_PONG: %w", err)
	}
	return nil
}

// reject answers an open connection request with NO_FREE_INCOMING_CONNECTIONS
// after the listener refused to admit the connection.
func (h listenerConnectionHandler) reject(addr net.Addr) error {
	h.l.conf.Stats.countRejection()
	data, _ := (&message.NoFreeIncomingConnections{ServerGUID: h.l.id}).MarshalBinary()
	if _, err := h.l.conn.WriteTo(data, addr); err != nil {
		return fmt.Errorf("send NO_FREE_INCOMING_CONNECTIONS: %w", err)
	}
	return nil
}

func (h listenerConnectionHandler) handleOpenConnectionRequest1(b []byte, addr net.Addr) error {
	pk := &message.OpenConnectionRequest1{}
	if err := pk.UnmarshalBinary(b); err != nil {
		return fmt.Errorf("read OPEN_CONNECTION_REQUEST_1: %w", err)
	}
	mtuSize := min(pk.MTU, h.mtuCap())

	if pk.ClientProtocol != protocolVersion {
		data, _ := (&message.IncompatibleProtocolVersion{ServerGUID: h.l.id, ServerProtocol: protocolVersion}).MarshalBinary()
		if _, err := h.l.conn.WriteTo(data, addr); err != nil {
			return fmt.Errorf("send INCOMPATIBLE_PROTOCOL_VERSION: %w", err)
		}
		return nil
	}
	if h.l.full() {
		// Reject as early as possible so a full listener does not carry
		// clients through a handshake it cannot finish.
		return h.reject(addr)
	}
	data, _ := (&message.OpenConnectionReply1{ServerGUID: h.l.id, Cookie: h.cookie(addr), ServerHasSecurity: !h.l.conf.DisableCookies, MTU: mtuSize}).MarshalBinary()
	if _, err := h.l.conn.WriteTo(data, addr); err != nil {
		return fmt.Errorf("send OPEN_CONNECTION_REPLY_1: %w", err)
	}
	return nil
}

func (h listenerConnectionHandler) handleOpenConnectionRequest2(b []byte, addr net.Addr) error {
	pk := &message.OpenConnectionRequest2{ServerHasSecurity: !h.l.conf.DisableCookies}
	if err := pk.UnmarshalBinary(b); err != nil {
		return fmt.Errorf("read OPEN_CONNECTION_REQUEST_2: %w", err)
	}
	if !h.l.conf.DisableCookies && pk.Cookie != h.cookie(addr) {
		return fmt.Errorf("open connection request 2: cookie mismatch")
	}
	mtuSize := min(pk.MTU, h.mtuCap())

	reply := func() error {
		data, _ := (&message.OpenConnectionReply2{ServerGUID: h.l.id, ClientAddress: resolve(addr), MTU: mtuSize}).MarshalBinary()
		if _, err := h.l.conn.WriteTo(data, addr); err != nil {
			return fmt.Errorf("send OPEN_CONNECTION_REPLY_2: %w", err)
		}
		return nil
	}

	if conn := h.l.rebind(pk.ClientGUID, addr); conn != nil {
		// The GUID belongs to a live connection: the client moved to a new
		// address (or repeated its request), and the connection moved with
		// it rather than a second one being opened.
		return reply()
	}
	if !h.l.admit() {
		return h.reject(addr)
	}
	if err := reply(); err != nil {
		return err
	}

	conn := newConn(h.l.conn, h, connParams{
		raddr:      addr,
		mtu:        mtuSize,
		id:         pk.ClientGUID,
		sched:      h.l.sched,
		stats:      h.l.conf.Stats,
		inactivity: h.l.conf.Timeout,
	})
	h.l.connections.Store(resolve(addr), conn)
	h.l.guidMu.Lock()
	h.l.guids[pk.ClientGUID] = conn
	h.l.guidMu.Unlock()
	h.l.count.Add(1)
	if f := h.l.conf.Connecting; f != nil {
		f(conn)
	}

	go func() {
		t := time.NewTimer(time.Second * 10)
		defer t.Stop()
		select {
		case <-conn.connected:
			select {
			case h.l.incoming <- conn:
			case <-h.l.closed:
				conn.closeImmediately()
			}
		case <-conn.ctx.Done():
			// The connection was closed before the handshake completed.
		case <-t.C:
			// The client took too long to complete the handshake; release
			// the half-open connection.
			conn.closeImmediately()
		}
	}()
	return nil
}

func (h listenerConnectionHandler) handle(conn *Conn, b []byte) (handled bool, err error) {
	switch b[0] {
	case message.IDConnectionRequest:
		return true, h.handleConnectionRequest(conn, b)
	case message.IDConnectionRequestAccepted:
		// A client should never send this to a server.
		return true, violation(errUnexpectedCRA)
	case message.IDNewIncomingConnection:
		return true, h.handleNewIncomingConnection(conn)
	case message.IDConnectedPing:
		return true, handleConnectedPing(conn, b)
	case message.IDConnectedPong:
		return true, handleConnectedPong(b)
	case message.IDDisconnectNotification:
		conn.remoteDisconnect()
		return true, nil
	}
	return false, nil
}

func (h listenerConnectionHandler) handleConnectionRequest(conn *Conn, b []byte) error {
	pk := &message.ConnectionRequest{}
	if err := pk.UnmarshalBinary(b); err != nil {
		return fmt.Errorf("read CONNECTION_REQUEST: %w", err)
	}
	if err := conn.send(&message.ConnectionRequestAccepted{ClientAddress: resolve(conn.raddr.Load()), RequestTimestamp: pk.RequestTime, AcceptedTimestamp: timestamp()}); err != nil {
		return fmt.Errorf("send CONNECTION_REQUEST_ACCEPTED: %w", err)
	}
	return nil
}

func (h listenerConnectionHandler) handleNewIncomingConnection(conn *Conn) error {
	// A client that missed our ACK sends NEW_INCOMING_CONNECTION more than
	// once, and one that rebinds to a new address may do a full handshake
	// over a live connection. Repeats are no-ops.
	conn.establish()
	return nil
}

// dialerConnectionHandler handles the client side of connections: it runs the
// connected handshake against the server that accepted the connection.
type dialerConnectionHandler struct {
	errorLog *slog.Logger
}

func (h dialerConnectionHandler) log() *slog.Logger {
	return h.errorLog
}

func (h dialerConnectionHandler) limitsEnabled() bool {
	return false
}

func (h dialerConnectionHandler) close(conn *Conn) {
	// Dialed connections own their socket, so closing the connection closes
	// the socket with it, which in turn stops the read loop.
	_ = conn.conn.Close()
}

func (h dialerConnectionHandler) handle(conn *Conn, b []byte) (handled bool, err error) {
	switch b[0] {
	case message.IDConnectionRequest:
		// A server should never send this to a client.
		return true, violation(errUnexpectedCR)
	case message.IDConnectionRequestAccepted:
		return true, h.handleConnectionRequestAccepted(conn, b)
	case message.IDNewIncomingConnection:
		return true, violation(errUnexpectedNIC)
	case message.IDConnectedPing:
		return true, handleConnectedPing(conn, b)
	case message.IDConnectedPong:
		return true, handleConnectedPong(b)
	case message.IDDisconnectNotification:
		conn.remoteDisconnect()
		return true, nil
	}
	return false, nil
}

func (h dialerConnectionHandler) handleConnectionRequestAccepted(conn *Conn, b []byte) error {
	pk := &message.ConnectionRequestAccepted{}
	if err := pk.UnmarshalBinary(b); err != nil {
		return fmt.Errorf("read CONNECTION_REQUEST_ACCEPTED: %w", err)
	}
	if conn.established() {
		// The server sends CONNECTION_REQUEST_ACCEPTED again if our
		// NEW_INCOMING_CONNECTION was slow to arrive; nothing left to do.
		return nil
	}
	if err := conn.send(&message.NewIncomingConnection{ServerAddress: resolve(conn.raddr.Load()), PingTime: pk.AcceptedTimestamp, PongTime: timestamp()}); err != nil {
		return fmt.Errorf("send NEW_INCOMING_CONNECTION: %w", err)
	}
	conn.establish()
	return nil
}

// handleConnectedPing handles a connected ping, to which the other end
// expects a pong holding the timestamp from the ping.
func handleConnectedPing(conn *Conn, b []byte) error {
	pk := &message.ConnectedPing{}
	if err := pk.UnmarshalBinary(b); err != nil {
		return fmt.Errorf("read CONNECTED_PING: %w", err)
	}
	if err := conn.send(&message.ConnectedPong{PingTime: pk.PingTime, PongTime: timestamp()}); err != nil {
		return fmt.Errorf("send CONNECTED_PONG: %w", err)
	}
	return nil
}

// handleConnectedPong handles a connected pong, the answer to pings sent
// every few ticks to keep the connection from timing out.
func handleConnectedPong(b []byte) error {
	pk := &message.ConnectedPong{}
	if err := pk.UnmarshalBinary(b); err != nil {
		return fmt.Errorf("read CONNECTED_PONG: %w", err)
	}
	if pk.PingTime > timestamp() {
		return fmt.Errorf("handle CONNECTED_PONG: ping timestamp is in the future")
	}
	// Measured rtt comes from datagram acknowledgements rather than from
	// pings, so there is nothing else to do.
	return nil
}
