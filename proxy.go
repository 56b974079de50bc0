// Package ccproxy implements a reverse proxy for Minecraft Bedrock servers.
// It terminates RakNet towards clients, dials the backend over RakNet and
// relays game packets between the two, preserving their reliability and
// order channel. The proxy answers server list pings and query traffic
// itself, so list sites never reach the backend.
package ccproxy

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"net"
	"sync"
	"time"

	"github.com/cc7173757/ccproxy/raknet"
	"github.com/df-mc/atomic"
)

// Proxy accepts client connections on one address and relays each of them
// to a backend picked by its Selector. The zero value is not usable; use
// New.
type Proxy struct {
	conf Config
	log  *slog.Logger

	selector Selector
	events   EventSink
	hook     LoginHook

	registry *Registry
	stats    *raknet.Stats
	relayed  relayCounters
	rejected atomic.Int64

	sched *raknet.Scheduler
	addr  atomic.Value[net.Addr]
	motd  atomic.Value[Motd]
	query atomic.Value[*queryResponder]

	// pending maps connections whose backend is still being prepared to
	// their session, between the Connecting callback and Accept.
	pending sync.Map

	closed chan struct{}
	once   sync.Once
}

// New returns a Proxy for the configuration passed. If log is nil,
// slog.Default() is used. The proxy does not listen until Run is called.
func New(conf Config, log *slog.Logger) *Proxy {
	if log == nil {
		log = slog.Default()
	}
	p := &Proxy{
		conf:     conf,
		log:      log,
		selector: newSelector(conf.Upstream),
		registry: NewRegistry(conf.Limits.MaxSessions),
		stats:    &raknet.Stats{},
		sched:    raknet.NewScheduler(),
		addr:     *atomic.NewValue[net.Addr](nil),
		motd:     *atomic.NewValue(conf.Proxy.FallbackMotd.Motd()),
		query:    *atomic.NewValue[*queryResponder](nil),
		closed:   make(chan struct{}),
	}
	p.events = logSink{log: log}
	p.hook = IdentityInspector{Log: log}
	return p
}

// SetSelector replaces the backend selector. It must be called before Run.
func (p *Proxy) SetSelector(sel Selector) {
	p.selector = sel
}

// SetEventSink replaces the sink session lifecycle events go to. It must
// be called before Run. Wrap sinks in a MultiSink to keep the default
// logging alongside.
func (p *Proxy) SetEventSink(sink EventSink) {
	p.events = sink
}

// SetLoginHook replaces the hook offered the first client packets of every
// session. It must be called before Run.
func (p *Proxy) SetLoginHook(hook LoginHook) {
	p.hook = hook
}

// Sessions returns the registry of live sessions.
func (p *Proxy) Sessions() *Registry {
	return p.registry
}

// Addr returns the address the proxy listens on. It is nil until Run bound
// the socket.
func (p *Proxy) Addr() net.Addr {
	return p.addr.Load()
}

// Run listens on the configured address and serves until ctx is cancelled
// or Close is called, then tears down every session and returns nil.
func (p *Proxy) Run(ctx context.Context) error {
	defer p.sched.Close()

	lc := raknet.ListenConfig{
		ErrorLog:       p.log,
		MaxConnections: p.conf.Limits.MaxSessions,
		AcceptRate:     p.conf.Limits.HandshakeRate,
		AcceptBurst:    p.conf.Limits.HandshakeBurst,
		Timeout:        time.Duration(p.conf.Limits.Timeout),
		MTU:            uint16(p.conf.Limits.MTU),
		Scheduler:      p.sched,
		Stats:          p.stats,
		Connecting:     p.connecting,
		UnconnectedHandler: func(b []byte, addr net.Addr) ([]byte, bool) {
			if q := p.query.Load(); q != nil {
				return q.handle(b, addr)
			}
			return nil, false
		},
	}
	l, err := lc.Listen(p.conf.Proxy.Address)
	if err != nil {
		return err
	}
	p.addr.Store(l.Addr())
	port := listenPort(l.Addr())

	m := p.conf.Proxy.FallbackMotd.Motd()
	m.Port4, m.Port6 = int(port), int(port)
	p.motd.Store(m)
	l.PongData(m.Bytes(l.ID()))

	p.query.Store(newQueryResponder(p.log, rand.Uint32(), port, p.conf.Proxy.FallbackQuery, func() (Motd, int, int, []string) {
		motd := p.motd.Load()
		return motd, p.registry.Len(), motd.MaxPlayers, p.conf.Proxy.FallbackQuery.Players
	}))

	var metrics *metricsServer
	if p.conf.Metrics.Address != "" {
		metrics = p.serveMetrics()
	}
	go p.refreshPong(ctx, l)
	go func() {
		select {
		case <-ctx.Done():
		case <-p.closed:
		}
		_ = l.Close()
		if metrics != nil {
			metrics.close()
		}
	}()
	p.log.Info("proxy listening", "addr", l.Addr().String(), "upstream", p.conf.Upstream.Address)

	for {
		conn, err := l.Accept()
		if err != nil {
			p.registry.Range(func(s *Session) bool {
				s.close("proxy shutting down")
				return true
			})
			select {
			case <-ctx.Done():
				return nil
			case <-p.closed:
				return nil
			default:
				return err
			}
		}
		go p.serve(conn)
	}
}

// Close stops the proxy. It is safe to call more than once and before Run.
func (p *Proxy) Close() error {
	p.once.Do(func() {
		close(p.closed)
	})
	return nil
}

// connecting runs for every connection the listener admits, before its
// handshake completes. The backend dial starts here, so it overlaps the
// remainder of the client's handshake instead of following it.
func (p *Proxy) connecting(conn *raknet.Conn) {
	s := newSession(conn, p.log, p.events, p.hook, p.conf.Limits.LoginWindow, &p.relayed)
	if err := p.registry.Add(s); err != nil {
		p.rejected.Inc()
		p.log.Warn("session rejected: "+err.Error(), "raddr", conn.RemoteAddr().String())
		_ = conn.Close()
		return
	}
	p.pending.Store(conn, s)
	p.events.HandleEvent(Event{
		Type:     EventOpened,
		Session:  s.id,
		Addr:     conn.RemoteAddr(),
		ClientID: conn.ID(),
	})

	go s.connectBackend(p.backendDialer(conn), p.selector, time.Duration(p.conf.Limits.SelectTimeout))
	go func() {
		<-conn.Context().Done()
		// Only one of this and serve gets the pending entry, so the
		// session is finished exactly once.
		if v, ok := p.pending.LoadAndDelete(conn); ok {
			s := v.(*Session)
			s.close("client closed during handshake")
			p.finish(s)
		}
	}()
}

// serve picks up a connection that completed its handshake and relays it
// until the session ends.
func (p *Proxy) serve(conn *raknet.Conn) {
	v, ok := p.pending.LoadAndDelete(conn)
	if !ok {
		// The session was already torn down during the handshake.
		_ = conn.Close()
		return
	}
	s := v.(*Session)
	if err := s.bridge(); err != nil && !errors.Is(err, context.Canceled) {
		p.log.Warn("session: "+err.Error(), "session", s.id.String(), "raddr", conn.RemoteAddr().String())
	}
	p.finish(s)
}

// finish deregisters a session and emits its closed event.
func (p *Proxy) finish(s *Session) {
	p.registry.Remove(s)
	p.events.HandleEvent(Event{
		Type:     EventClosed,
		Session:  s.id,
		Addr:     s.ClientAddr(),
		ClientID: s.ClientID(),
		Backend:  s.BackendAddr(),
		Reason:   s.Reason(),
	})
}

// backendDialer returns the dialer used for a session's backend
// connection, sharing the proxy's scheduler and counters.
func (p *Proxy) backendDialer(conn *raknet.Conn) raknet.Dialer {
	d := raknet.Dialer{
		ErrorLog:  p.log,
		MTU:       uint16(p.conf.Limits.MTU),
		Scheduler: p.sched,
		Stats:     p.stats,
	}
	if p.conf.Upstream.ProxyProtocol {
		d.ProxyHeaderSource = conn.RemoteAddr()
	}
	return d
}

// refreshPong keeps the listener's pong data in sync with the upstream's
// server list entry, substituting the proxy's own GUID and port so clients
// connect here rather than directly to the backend. While the upstream
// does not answer, the configured fallback entry is served.
func (p *Proxy) refreshPong(ctx context.Context, l *raknet.Listener) {
	port := int(listenPort(l.Addr()))
	update := func() {
		m := p.pingUpstream(ctx)
		m.Port4, m.Port6 = port, port
		p.motd.Store(m)
		l.PongData(m.Bytes(l.ID()))
	}
	t := time.NewTicker(time.Second)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			update()
		case <-ctx.Done():
			return
		case <-p.closed:
			return
		}
	}
}

// pingUpstream pings the upstream for its current server list entry,
// falling back to the configured one if it does not answer in time.
func (p *Proxy) pingUpstream(ctx context.Context) Motd {
	addr := p.conf.Upstream.QueryAddress
	if addr == "" {
		addr = p.conf.Upstream.Address
	}
	if addr == "" && len(p.conf.Upstream.Addresses) > 0 {
		addr = p.conf.Upstream.Addresses[0]
	}
	pingCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	data, err := raknet.Dialer{}.PingContext(pingCtx, addr)
	if err != nil {
		return p.conf.Proxy.FallbackMotd.Motd()
	}
	m, err := ParseMotd(data)
	if err != nil {
		p.log.Debug("upstream sent invalid pong data", "addr", addr)
		return p.conf.Proxy.FallbackMotd.Motd()
	}
	return m
}

func listenPort(addr net.Addr) uint16 {
	if udp, ok := addr.(*net.UDPAddr); ok {
		return uint16(udp.Port)
	}
	return 0
}
