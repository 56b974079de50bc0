package raknet

import (
	"time"
)

// datagramWindow keeps track of the datagram sequence numbers received from
// the other end, so that duplicates can be dropped and gaps can be turned
// into NACKs once packets newer than the gap have been around long enough.
type datagramWindow struct {
	lowest, highest uint24
	queue           map[uint24]time.Time
}

// newDatagramWindow returns an initialised datagram window.
func newDatagramWindow() *datagramWindow {
	return &datagramWindow{queue: make(map[uint24]time.Time)}
}

// add records the index passed and reports if it was new. Indices below the
// window or recorded before are duplicates.
func (win *datagramWindow) add(index uint24) bool {
	if index < win.lowest {
		return false
	}
	if _, ok := win.queue[index]; ok {
		return false
	}
	if index >= win.highest {
		win.highest = index + 1
	}
	win.queue[index] = time.Now()
	return true
}

// shift deletes as many consecutive indices from the bottom of the window as
// possible and moves the lowest index up past them, returning how many were
// removed.
func (win *datagramWindow) shift() (n int) {
	index := win.lowest
	for ; index < win.highest; index++ {
		if _, ok := win.queue[index]; !ok {
			break
		}
		delete(win.queue, index)
		n++
	}
	win.lowest = index
	return n
}

// missing returns the indices inside the window that were never added, but
// only those older than a received index that has been in the window for at
// least the duration passed: a fresh gap may still be filled by a packet in
// flight. The returned indices are marked, so a second call does not return
// them again.
func (win *datagramWindow) missing(since time.Duration) (indices []uint24) {
	missing := false
	for index := int(win.highest) - 1; index >= int(win.lowest); index-- {
		i := uint24(index)
		if t, ok := win.queue[i]; ok {
			if time.Since(t) >= since {
				missing = true
			}
			continue
		}
		if missing {
			indices = append(indices, i)
			win.queue[i] = time.Time{}
		}
	}
	win.shift()
	return indices
}

// size returns the current size of the window.
func (win *datagramWindow) size() uint24 {
	return win.highest - win.lowest
}
