package ccproxy

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/cc7173757/ccproxy/raknet"
	"github.com/df-mc/atomic"
	"github.com/google/uuid"
)

// relayCounters aggregates the payload bytes relayed in each direction
// over all sessions of a proxy.
type relayCounters struct {
	ClientToBackend atomic.Int64
	BackendToClient atomic.Int64
}

// Session pairs a client connection with a backend connection and relays
// packets between them until either side goes away.
type Session struct {
	id       uuid.UUID
	clientID int64
	client   *raknet.Conn
	log      *slog.Logger
	events   EventSink

	// backendReady is closed once the backend dial finished, successfully
	// or not. backend, backendErr and backendAddr must only be read after
	// it is closed.
	backendReady chan struct{}
	backend      *raknet.Conn
	backendErr   error
	backendAddr  string

	created time.Time
	closed  chan struct{}
	once    sync.Once
	reason  atomic.Value[string]

	loginHook   LoginHook
	loginWindow int
	relayed     *relayCounters
}

func newSession(client *raknet.Conn, log *slog.Logger, events EventSink, hook LoginHook, window int, relayed *relayCounters) *Session {
	return &Session{
		id:           uuid.New(),
		clientID:     client.ID(),
		client:       client,
		log:          log,
		events:       events,
		backendReady: make(chan struct{}),
		created:      time.Now(),
		closed:       make(chan struct{}),
		reason:       *atomic.NewValue(""),
		loginHook:    hook,
		loginWindow:  window,
		relayed:      relayed,
	}
}

// ID returns the unique ID of the session.
func (s *Session) ID() uuid.UUID {
	return s.id
}

// ClientID returns the unique ID the client sent during its handshake.
func (s *Session) ClientID() int64 {
	return s.clientID
}

// ClientAddr returns the client's remote address.
func (s *Session) ClientAddr() net.Addr {
	return s.client.RemoteAddr()
}

// BackendAddr returns the address of the backend the session was routed
// to. It is empty until the backend connection is established.
func (s *Session) BackendAddr() string {
	select {
	case <-s.backendReady:
		return s.backendAddr
	default:
		return ""
	}
}

// Latency returns the client's current latency as measured by the
// connection's pings.
func (s *Session) Latency() time.Duration {
	return s.client.Latency()
}

// Reason returns why the session ended. It is empty while the session is
// live.
func (s *Session) Reason() string {
	return s.reason.Load()
}

// Close ends the session, closing both of its connections.
func (s *Session) Close() error {
	s.close("session closed")
	return nil
}

// connectBackend selects a backend for the session and dials it. The dial
// is bounded by timeout and by the client's lifetime, so a client that
// gives up does not leave a dial running.
func (s *Session) connectBackend(dialer raknet.Dialer, sel Selector, timeout time.Duration) {
	if timeout <= 0 {
		timeout = time.Second * 5
	}
	ctx, cancel := context.WithTimeout(s.client.Context(), timeout)
	defer cancel()

	addr, err := sel.Select(ctx, ClientInfo{Addr: s.client.RemoteAddr(), ID: s.client.ID()})
	if err != nil {
		s.backendErr = err
		close(s.backendReady)
		return
	}
	conn, err := dialer.DialContext(ctx, addr)
	if err != nil {
		s.backendErr = err
		close(s.backendReady)
		return
	}
	s.backend = conn
	s.backendAddr = addr
	close(s.backendReady)

	select {
	case <-s.closed:
		// The session was torn down while the dial was in flight.
		_ = conn.Close()
	default:
	}
}

// bridge waits for the backend connection and relays packets in both
// directions until the session ends. It returns an error if the backend
// never came up.
func (s *Session) bridge() error {
	select {
	case <-s.backendReady:
	case <-s.client.Context().Done():
		s.close("client closed before backend was ready")
		return s.client.Context().Err()
	}
	if s.backendErr != nil {
		s.close("backend unavailable")
		return s.backendErr
	}

	s.events.HandleEvent(Event{
		Type:     EventHandshakeComplete,
		Session:  s.id,
		Addr:     s.client.RemoteAddr(),
		ClientID: s.client.ID(),
		Backend:  s.backendAddr,
	})

	go s.copyPackets(s.client, s.backend, s.loginHook, s.loginWindow, &s.relayed.ClientToBackend)
	go s.copyPackets(s.backend, s.client, nil, 0, &s.relayed.BackendToClient)

	select {
	case <-s.client.Context().Done():
		s.close("client disconnected")
	case <-s.backend.Context().Done():
		s.close("backend disconnected")
	case <-s.closed:
	}
	return nil
}

// copyPackets relays packets from src to dst, preserving their reliability
// and order channel. The first window packets are offered to hook before
// being forwarded.
func (s *Session) copyPackets(src, dst *raknet.Conn, hook LoginHook, window int, counter *atomic.Int64) {
	for {
		pk, err := src.ReadPacket()
		if err != nil {
			return
		}
		if hook != nil {
			out, done := hook.HandleLogin(s, pk.Payload)
			window--
			if done || window <= 0 {
				hook = nil
			}
			if out == nil {
				continue
			}
			pk.Payload = out
		}
		counter.Add(int64(len(pk.Payload)))
		if err := dst.WritePacket(pk); err != nil {
			return
		}
	}
}

// close tears the session down exactly once, recording the first reason.
func (s *Session) close(reason string) {
	s.once.Do(func() {
		s.reason.Store(reason)
		close(s.closed)
		_ = s.client.Close()
		select {
		case <-s.backendReady:
			if s.backend != nil {
				_ = s.backend.Close()
			}
		default:
			// The dial has not finished. connectBackend re-checks closed
			// after it does and cleans up itself.
		}
	})
}
