package raknet

// packetQueue buffers reliable ordered packets of a single order channel
// until all packets with a lower order index have been delivered. Every order
// channel of a connection holds its own packetQueue, so a stall on one
// channel never delays another.
type packetQueue struct {
	lowest  uint24
	highest uint24
	queue   map[uint24][]byte
}

// newPacketQueue returns an initialised ordered packet queue.
func newPacketQueue() *packetQueue {
	return &packetQueue{queue: make(map[uint24][]byte)}
}

// put buffers content at the order index passed. If the index was already
// occupied or delivered before, false is returned.
func (queue *packetQueue) put(index uint24, content []byte) bool {
	if index < queue.lowest {
		return false
	}
	if _, ok := queue.queue[index]; ok {
		return false
	}
	if index >= queue.highest {
		queue.highest = index + 1
	}
	queue.queue[index] = content
	return true
}

// fetch takes out as many consecutive packets from the queue as possible,
// starting at the lowest order index not yet delivered. It stops at the first
// gap, which a packet still in flight will fill.
func (queue *packetQueue) fetch() (packets [][]byte) {
	index := queue.lowest
	for index < queue.highest {
		content, ok := queue.queue[index]
		if !ok {
			break
		}
		delete(queue.queue, index)
		packets = append(packets, content)
		index++
	}
	queue.lowest = index
	return packets
}

// WindowSize returns the size of the window held by the packet queue.
func (queue *packetQueue) WindowSize() uint24 {
	return queue.highest - queue.lowest
}
