package raknet

import (
	"testing"
)

func TestTransitions(t *testing.T) {
	for _, c := range []struct {
		state connState
		ev    connEvent
		next  connState
		fx    effect
		ok    bool
	}{
		{stateUnconnected, eventOpen, stateHandshaking, 0, true},
		{stateUnconnected, eventEstablish, stateUnconnected, 0, false},

		{stateHandshaking, eventEstablish, stateConnected, effectEstablished, true},
		{stateHandshaking, eventDisconnect, stateClosed, effectNotify | effectRelease, true},
		{stateHandshaking, eventRemoteDisconnect, stateClosed, effectRelease, true},
		{stateHandshaking, eventTimeout, stateClosed, effectRelease, true},
		{stateHandshaking, eventAbort, stateClosed, effectRelease, true},
		{stateHandshaking, eventOpen, stateHandshaking, 0, false},

		{stateConnected, eventDisconnect, stateDisconnecting, effectFlush, true},
		{stateConnected, eventRemoteDisconnect, stateClosed, effectRelease, true},
		{stateConnected, eventAbort, stateClosed, effectRelease, true},
		{stateConnected, eventTimeout, stateClosed, effectNotify | effectRelease, true},
		// A repeated handshake completion must be harmless.
		{stateConnected, eventEstablish, stateConnected, 0, false},

		{stateDisconnecting, eventFlushed, stateClosed, effectNotify | effectRelease, true},
		{stateDisconnecting, eventTimeout, stateClosed, effectNotify | effectRelease, true},
		{stateDisconnecting, eventRemoteDisconnect, stateClosed, effectRelease, true},
		{stateDisconnecting, eventAbort, stateClosed, effectRelease, true},
		// A second deliberate close while draining changes nothing.
		{stateDisconnecting, eventDisconnect, stateDisconnecting, 0, false},

		{stateClosed, eventDisconnect, stateClosed, 0, false},
		{stateClosed, eventAbort, stateClosed, 0, false},
		{stateClosed, eventEstablish, stateClosed, 0, false},
	} {
		next, fx, ok := transition(c.state, c.ev)
		if next != c.next || fx != c.fx || ok != c.ok {
			t.Errorf("transition(%v, %v) = (%v, %#b, %v), want (%v, %#b, %v)",
				c.state, c.ev, next, fx, ok, c.next, c.fx, c.ok)
		}
	}
}

func TestTransitionsTerminate(t *testing.T) {
	// From every state, every event sequence must stay within the five
	// defined states and closed must be terminal.
	for s := stateUnconnected; s <= stateClosed; s++ {
		for ev := eventOpen; ev <= eventAbort; ev++ {
			next, _, ok := transition(s, ev)
			if next > stateClosed {
				t.Fatalf("transition(%v, %v) produced unknown state %d", s, ev, next)
			}
			if s == stateClosed && ok {
				t.Fatalf("transition(closed, %v) left the terminal state", ev)
			}
			if !ok && next != s {
				t.Fatalf("transition(%v, %v) changed state despite ok = false", s, ev)
			}
		}
	}
}
