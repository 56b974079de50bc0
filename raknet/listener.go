package raknet

import (
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"sync"
	"time"

	"github.com/df-mc/atomic"
	"github.com/juju/ratelimit"
)

// ListenConfig may be used to pass additional configuration to a Listener.
type ListenConfig struct {
	// ErrorLog is a logger that errors from packet decoding are logged to. It
	// may be set to a logger that simply discards the messages. The default
	// value is slog.Default().
	ErrorLog *slog.Logger

	// DisableCookies specifies if cookies should be generated and verified
	// for connection requests. This is a security measure against IP
	// spoofing, but some server implementations do not send back the
	// cookie, in which case this verification must be disabled.
	DisableCookies bool

	// MaxConnections caps how many connections may be live at the same time.
	// Once the cap is reached, open connection requests are answered with
	// NO_FREE_INCOMING_CONNECTIONS until a connection closes. A value of 0
	// means no cap.
	MaxConnections int

	// AcceptRate limits how many new connections are admitted per second,
	// with AcceptBurst being the amount allowed to arrive at once before the
	// rate applies. Connections beyond the rate are answered with
	// NO_FREE_INCOMING_CONNECTIONS. An AcceptRate of 0 disables the limit.
	AcceptRate  float64
	AcceptBurst int64

	// Timeout is how long a connection may go without traffic from the other
	// end before it is closed, on top of twice the measured round trip time.
	// The default of 0 means 5 seconds.
	Timeout time.Duration

	// MTU caps the MTU size negotiated with clients. Clients offering more
	// are clamped down to it. A value of 0 or one outside the valid range
	// means the maximum size is allowed.
	MTU uint16

	// Scheduler drives the periodic maintenance of every connection accepted
	// by the listener. If nil, a scheduler shared by the whole process is
	// used.
	Scheduler *Scheduler

	// Stats, if non-nil, is updated with transport counters of the listener
	// and every connection accepted by it.
	Stats *Stats

	// Connecting, if non-nil, is called for every connection admitted, right
	// after the open connection exchange and before the connected handshake
	// completes. The connection is not ready for reading or writing yet.
	Connecting func(conn *Conn)

	// UnconnectedHandler, if non-nil, is offered every packet received from
	// an address without a live connection that is not part of RakNet's own
	// offline protocol, such as query protocol traffic. The packet slice is
	// only valid for the duration of the call. If handled is true, the reply
	// returned (if any) is sent back to the source address and the packet is
	// not processed further.
	UnconnectedHandler func(b []byte, addr net.Addr) (reply []byte, handled bool)
}

// Listener implements a RakNet connection listener. It follows the same
// methods as those implemented by the TCPListener in the net package. A
// single Listener reads from its socket on one goroutine, so a connection
// that blocks its reader does not stall the others.
type Listener struct {
	conf  ListenConfig
	sched *Scheduler

	h *listenerConnectionHandler

	// id is a random server GUID generated upon starting listening. It is
	// used in unconnected pongs and open connection replies.
	id int64

	conn net.PacketConn

	// incoming is a channel of connections that finished the connected
	// handshake and may be accepted.
	incoming chan *Conn

	closed chan struct{}
	once   sync.Once

	// connections is a map of currently active connections, indexed by their
	// remote address.
	connections sync.Map

	// guids indexes the same connections by the GUID the client identified
	// with, so a client reconnecting from a new address is recognised.
	guidMu sync.Mutex
	guids  map[int64]*Conn

	// count is the number of connections currently admitted.
	count atomic.Int32

	// limiter limits the rate at which new connections are admitted, if
	// ListenConfig.AcceptRate is set.
	limiter *ratelimit.Bucket

	// pongData is the data returned in unconnected pongs, to be displayed in
	// the server list of clients pinging the listener.
	pongData atomic.Value[[]byte]
}

// Listen listens on the address passed and returns a listener that may be
// used to accept connections. If not successful, an error is returned. The
// address follows the same rules as those defined in the net.TCPListen()
// function. Specific features of the listener may be modified once it is
// returned, such as the used log and/or the accepted protocol.
func Listen(address string) (*Listener, error) {
	var lc ListenConfig
	return lc.Listen(address)
}

// Listen listens on the address passed and returns a listener that may be
// used to accept connections. If not successful, an error is returned. The
// address follows the same rules as those defined in the net.TCPListen()
// function.
func (conf ListenConfig) Listen(address string) (*Listener, error) {
	if conf.ErrorLog == nil {
		conf.ErrorLog = slog.Default()
	}
	if conf.Scheduler == nil {
		conf.Scheduler = defaultScheduler()
	}
	conn, err := net.ListenPacket("udp", address)
	if err != nil {
		return nil, &net.OpError{Op: "listen", Net: "raknet", Source: nil, Addr: nil, Err: err}
	}
	listener := &Listener{
		conf:     conf,
		sched:    conf.Scheduler,
		conn:     conn,
		incoming: make(chan *Conn),
		closed:   make(chan struct{}),
		guids:    make(map[int64]*Conn),
		id:       rand.Int64(),
		pongData: *atomic.NewValue[[]byte](nil),
	}
	listener.h = &listenerConnectionHandler{l: listener, cookieSalt: rand.Uint32()}
	if conf.AcceptRate > 0 {
		burst := max(conf.AcceptBurst, 1)
		listener.limiter = ratelimit.NewBucketWithRate(conf.AcceptRate, burst)
	}

	go listener.listen()
	return listener, nil
}

// Accept blocks until a connection can be accepted by the listener. If
// successful, Accept returns a connection that is ready to send and receive
// packets. If not, an error is returned. Unlike net.Listener, the connection
// returned is the concrete *Conn, so that packets may be read and written
// with their reliability and order channel.
func (listener *Listener) Accept() (*Conn, error) {
	select {
	case conn := <-listener.incoming:
		return conn, nil
	case <-listener.closed:
		return nil, &net.OpError{Op: "accept", Net: "raknet", Source: nil, Addr: nil, Err: net.ErrClosed}
	}
}

// Addr returns the address the Listener is bound to and listening for
// connections on.
func (listener *Listener) Addr() net.Addr {
	return listener.conn.LocalAddr()
}

// ID returns the unique ID of the listener. This ID is usually used by a
// client to identify a specific server during a single session.
func (listener *Listener) ID() int64 {
	return listener.id
}

// Len returns the number of connections currently admitted by the listener.
func (listener *Listener) Len() int {
	return int(listener.count.Load())
}

// PongData sets the pong data that is used to respond with when a client
// sends a ping. It usually holds game specific data that is used to display
// in a server list. If a data slice is set with a size bigger than
// math.MaxInt16, the function panics.
func (listener *Listener) PongData(data []byte) {
	if len(data) > 32767 {
		panic(fmt.Sprintf("pong data: must be no longer than %v bytes, got %v", 32767, len(data)))
	}
	listener.pongData.Store(data)
}

// Close closes the listener so that it may be cleaned up. It makes sure the
// goroutine handling incoming packets is able to be freed, and closes every
// connection that is still live.
func (listener *Listener) Close() error {
	var err error
	listener.once.Do(func() {
		close(listener.closed)
		err = listener.conn.Close()
		listener.connections.Range(func(_, v any) bool {
			v.(*Conn).closeImmediately()
			return true
		})
	})
	return err
}

// full reports if the listener reached its connection cap.
func (listener *Listener) full() bool {
	return listener.conf.MaxConnections > 0 && int(listener.count.Load()) >= listener.conf.MaxConnections
}

// admit reports whether a new connection may be admitted right now,
// consuming a rate limiter token if a rate limit is configured.
func (listener *Listener) admit() bool {
	if listener.full() {
		return false
	}
	if listener.limiter != nil && listener.limiter.TakeAvailable(1) == 0 {
		return false
	}
	return true
}

// rebind matches the GUID found in an open connection request against the
// live connections. If one matches, it is moved to the new remote address
// and returned, provided the connection saw traffic recently enough for the
// move to plausibly be the same client on a new network path.
func (listener *Listener) rebind(guid int64, addr net.Addr) *Conn {
	listener.guidMu.Lock()
	conn, ok := listener.guids[guid]
	listener.guidMu.Unlock()
	if !ok {
		return nil
	}
	old := conn.raddr.Load()
	if resolve(old) == resolve(addr) {
		// A repeated OPEN_CONNECTION_REQUEST_2 from the address already
		// tracked: reply again without touching the connection.
		return conn
	}
	if time.Since(conn.lastActivity.Load()) > rebindGrace {
		return nil
	}
	listener.connections.Delete(resolve(old))
	conn.rebind(addr)
	listener.connections.Store(resolve(addr), conn)
	listener.conf.ErrorLog.Debug("listener: connection rebound", "guid", guid, "old", old.String(), "new", addr.String())
	return conn
}

// rebindGrace is the window after a connection's last activity in which its
// GUID appearing at a new address is treated as the client moving networks
// rather than as a stale entry.
const rebindGrace = time.Second * 10

// listen continuously reads from the listener's UDP connection, until closed,
// which in turn cancels the blocking read and ends the loop.
func (listener *Listener) listen() {
	rd := newDatagramReader(listener.conn)
	for {
		b, addr, err := rd.next()
		if err != nil {
			if transientUDPError(err) {
				continue
			}
			_ = listener.Close()
			return
		}
		if len(b) == 0 {
			continue
		}
		listener.handle(b, addr)
	}
}

// handle handles an incoming packet in b from the address passed. Packets
// from addresses with a live connection go into that connection; everything
// else goes through the unconnected flow.
func (listener *Listener) handle(b []byte, addr net.Addr) {
	value, found := listener.connections.Load(resolve(addr))
	if !found {
		handled, err := listener.h.handleUnconnected(b, addr)
		if err != nil {
			listener.conf.ErrorLog.Error("listener: "+err.Error(), "raddr", addr.String())
		} else if !handled {
			listener.conf.ErrorLog.Debug("listener: unhandled packet", "raddr", addr.String(), "id", fmt.Sprintf("%#x", b[0]))
		}
		return
	}
	conn := value.(*Conn)
	if err := conn.receive(b); err != nil {
		if isViolation(err) {
			// The other end broke protocol rules beyond what is tolerated:
			// cut the connection rather than keep decoding garbage.
			listener.conf.ErrorLog.Error("listener: closing connection: "+err.Error(), "raddr", addr.String())
			conn.closeImmediately()
			return
		}
		listener.conf.ErrorLog.Error("listener: "+err.Error(), "raddr", addr.String())
	}
}
