package raknet

// messageWindow keeps track of the message indices of reliable packets
// received, so that a packet the other end retransmitted because its ACK got
// lost is delivered only once. Unlike the datagram window, this window never
// produces NACKs: a missing message index will arrive in a retransmitted
// datagram by itself.
type messageWindow struct {
	lowest, highest uint24
	seen            map[uint24]struct{}
}

// newMessageWindow returns an initialised message window.
func newMessageWindow() *messageWindow {
	return &messageWindow{seen: make(map[uint24]struct{})}
}

// add records the message index passed and reports if it was new. Indices
// below the window or recorded before belong to packets already delivered.
func (win *messageWindow) add(index uint24) bool {
	if index < win.lowest {
		return false
	}
	if _, ok := win.seen[index]; ok {
		return false
	}
	if index >= win.highest {
		win.highest = index + 1
	}
	win.seen[index] = struct{}{}
	win.shift()
	return true
}

// shift deletes consecutive indices from the bottom of the window and moves
// the lowest index past them, keeping the map small on a healthy connection.
func (win *messageWindow) shift() {
	index := win.lowest
	for ; index < win.highest; index++ {
		if _, ok := win.seen[index]; !ok {
			break
		}
		delete(win.seen, index)
	}
	win.lowest = index
}

// size returns the current size of the window.
func (win *messageWindow) size() uint24 {
	return win.highest - win.lowest
}
