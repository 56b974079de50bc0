package ccproxy

import (
	"log/slog"
	"net"

	"github.com/google/uuid"
)

// EventType distinguishes the lifecycle events a proxy emits.
type EventType int

const (
	// EventOpened is emitted when a client completes its connection
	// handshake and a session is created for it.
	EventOpened EventType = iota
	// EventHandshakeComplete is emitted once the session's backend
	// connection is established and relaying starts.
	EventHandshakeComplete
	// EventClosed is emitted when a session ends, with the reason it did.
	EventClosed
)

// String ...
func (t EventType) String() string {
	switch t {
	case EventOpened:
		return "opened"
	case EventHandshakeComplete:
		return "handshake complete"
	case EventClosed:
		return "closed"
	}
	return "unknown"
}

// Event describes a change in the lifecycle of a session.
type Event struct {
	Type EventType
	// Session is the unique ID of the session the event concerns.
	Session uuid.UUID
	// Addr is the client's address.
	Addr net.Addr
	// ClientID is the unique ID the client identified itself with during
	// its handshake.
	ClientID int64
	// Backend is the address of the backend the session was routed to. It
	// is empty for EventOpened.
	Backend string
	// Reason describes why the session ended. It is only set for
	// EventClosed.
	Reason string
}

// EventSink receives session lifecycle events. HandleEvent is called from
// session goroutines and must not block.
type EventSink interface {
	HandleEvent(ev Event)
}

// logSink writes events to a slog.Logger. It is the default sink of a
// Proxy.
type logSink struct {
	log *slog.Logger
}

// HandleEvent ...
func (s logSink) HandleEvent(ev Event) {
	attrs := []any{"session", ev.Session.String(), "raddr", ev.Addr}
	if ev.Backend != "" {
		attrs = append(attrs, "backend", ev.Backend)
	}
	if ev.Reason != "" {
		attrs = append(attrs, "reason", ev.Reason)
	}
	s.log.Info("session "+ev.Type.String(), attrs...)
}

// MultiSink fans events out to several sinks in order. It may be passed to
// Proxy.SetEventSink to combine a custom sink with others.
type MultiSink []EventSink

// HandleEvent ...
func (s MultiSink) HandleEvent(ev Event) {
	for _, sink := range s {
		sink.HandleEvent(ev)
	}
}
