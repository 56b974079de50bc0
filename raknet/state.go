package raknet

// connState is the lifecycle stage of a Conn. A Conn starts out unconnected,
// moves to handshaking once the open connection exchange completed and to
// connected once the connected handshake completed. Closing a connected Conn
// first enters disconnecting, during which outstanding datagrams are drained,
// before the Conn ends up closed. Every transition between these states goes
// through transition below, so that no code path can skip a stage.
type connState uint8

const (
	stateUnconnected connState = iota
	stateHandshaking
	stateConnected
	stateDisconnecting
	stateClosed
)

// String returns the name of the state for logging.
func (s connState) String() string {
	switch s {
	case stateUnconnected:
		return "unconnected"
	case stateHandshaking:
		return "handshaking"
	case stateConnected:
		return "connected"
	case stateDisconnecting:
		return "disconnecting"
	case stateClosed:
		return "closed"
	}
	return "invalid"
}

// connEvent is an occurrence that may move a Conn from one state to another.
type connEvent uint8

const (
	// eventOpen fires when the open connection request/reply exchange
	// completed and the Conn comes into existence.
	eventOpen connEvent = iota
	// eventEstablish fires when the connected handshake (connection request,
	// accept and new incoming connection) completed.
	eventEstablish
	// eventDisconnect fires when the local end closes the connection
	// deliberately, including closes caused by inactivity, so that
	// outstanding datagrams can still be drained.
	eventDisconnect
	// eventRemoteDisconnect fires when the remote end sent a disconnect
	// notification. Nothing is drained; the peer is gone.
	eventRemoteDisconnect
	// eventFlushed fires when all outstanding datagrams were acknowledged
	// while the Conn was disconnecting.
	eventFlushed
	// eventTimeout fires when the other end stopped responding within one of
	// the bounded waits (resend retries, inactivity window, drain grace).
	eventTimeout
	// eventAbort fires on a fatal protocol violation or transport failure.
	eventAbort
)

// String returns the name of the event for logging.
func (ev connEvent) String() string {
	switch ev {
	case eventOpen:
		return "open"
	case eventEstablish:
		return "establish"
	case eventDisconnect:
		return "disconnect"
	case eventRemoteDisconnect:
		return "remote disconnect"
	case eventFlushed:
		return "flushed"
	case eventTimeout:
		return "timeout"
	case eventAbort:
		return "abort"
	}
	return "invalid"
}

// effect is a bit set of actions a transition asks the Conn to perform. The
// transition function itself never touches the Conn, it only decides.
type effect uint8

const (
	// effectEstablished signals waiters that the connection is usable.
	effectEstablished effect = 1 << iota
	// effectFlush starts draining outstanding datagrams before release.
	effectFlush
	// effectNotify sends a disconnect notification to the remote end.
	effectNotify
	// effectRelease tears down timers, windows and the packet channel.
	effectRelease
)

// transition returns the state entered when ev occurs in state s, along with
// the effects the Conn must perform. ok is false if the event has no meaning
// in the state, in which case it is ignored: events may race with a close and
// arriving late must be harmless.
func transition(s connState, ev connEvent) (next connState, fx effect, ok bool) {
	switch s {
	case stateUnconnected:
		if ev == eventOpen {
			return stateHandshaking, 0, true
		}
	case stateHandshaking:
		switch ev {
		case eventEstablish:
			return stateConnected, effectEstablished, true
		case eventDisconnect:
			// Nothing worth draining exists before the handshake completed.
			return stateClosed, effectNotify | effectRelease, true
		case eventRemoteDisconnect, eventTimeout, eventAbort:
			return stateClosed, effectRelease, true
		}
	case stateConnected:
		switch ev {
		case eventDisconnect:
			return stateDisconnecting, effectFlush, true
		case eventRemoteDisconnect, eventAbort:
			return stateClosed, effectRelease, true
		case eventTimeout:
			return stateClosed, effectNotify | effectRelease, true
		}
	case stateDisconnecting:
		switch ev {
		case eventFlushed, eventTimeout:
			return stateClosed, effectNotify | effectRelease, true
		case eventRemoteDisconnect, eventAbort:
			return stateClosed, effectRelease, true
		}
	case stateClosed:
		// Terminal: everything arriving here is a leftover.
	}
	return s, 0, false
}
