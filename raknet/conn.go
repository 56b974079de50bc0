package raknet

import (
	"bytes"
	"context"
	"encoding"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/cc7173757/ccproxy/raknet/internal"
	"github.com/cc7173757/ccproxy/raknet/internal/message"
	"github.com/df-mc/atomic"
)

const (
	// protocolVersion is the RakNet protocol version spoken. This is Minecraft
	// specific.
	protocolVersion byte = 11

	minMTUSize    = 400
	maxMTUSize    = 1492
	maxWindowSize = 2048

	// maxFrameErrors is the number of consecutive malformed frames tolerated
	// from the other end before the connection is torn down.
	maxFrameErrors = 16

	// flushMinWait and flushMaxWait bound how long a closing connection keeps
	// draining outstanding datagrams before it is released.
	flushMinWait = time.Second
	flushMaxWait = time.Second * 5

	// defaultInactivityTimeout is how long a connection survives without any
	// traffic from the other end, on top of twice the round trip time.
	defaultInactivityTimeout = time.Second * 5
)

// Conn represents a connection to the other end of a RakNet session. It is
// not a real connection, as UDP is connectionless, but a connection emulated
// on top of it: datagrams carry sequence numbers, lost ones are sent again
// and packets are handed out with the delivery guarantees they were sent
// with. Methods may be called on Conn from multiple goroutines
// simultaneously.
type Conn struct {
	// rtt is the last measured round trip time between both ends of the
	// connection, in nanoseconds.
	rtt     atomic.Int64
	closing atomic.Int64

	ctx        context.Context
	cancelFunc context.CancelFunc

	conn net.PacketConn
	// raddr is the current remote address. It is atomic because the other
	// end may legitimately move to a new address mid-connection, which the
	// listener resolves by storing the new address here.
	raddr atomic.Value[net.Addr]
	// id is the GUID of the remote end, learned during the open connection
	// exchange.
	id      int64
	handler connectionHandler
	stats   *Stats

	once      sync.Once
	connected chan struct{}

	stateMu sync.Mutex
	state   connState

	mu  sync.Mutex
	buf *bytes.Buffer

	ackBuf, nackBuf *bytes.Buffer

	pk *packet

	seq, messageIndex uint24
	splitID           uint32

	// orderIndex is the next outgoing order index per order channel.
	// sequenceIndex is the next outgoing sequence index per order channel;
	// sequenced packets carry the order index of their channel without
	// advancing it.
	orderIndex    [channelCount]uint24
	sequenceIndex [channelCount]uint24

	// mtu is the MTU size of the connection. Packets longer than this size
	// are split into fragments that are reassembled at the other end.
	mtu uint16

	// inactivity is how long the connection tolerates silence from the other
	// end before closing, on top of twice the round trip time.
	inactivity time.Duration

	// splits reassembles incoming split packets from their fragments.
	splits *splitBank

	// win tracks which datagrams were received and which are missing, so
	// that duplicates are dropped and NACKs can request the missing ones.
	win *datagramWindow
	// messages tracks the message indices of reliable packets delivered, so
	// that a retransmitted packet whose ACK got lost is delivered only once.
	messages *messageWindow

	ackMu sync.Mutex
	// ackSlice holds the sequence numbers of datagrams received since the
	// last tick. Every tick they are flushed in an ACK and the slice is
	// cleared.
	ackSlice []uint24

	// queues holds the ordered packet queue of every order channel in use,
	// created lazily: most connections only ever touch channel 0.
	queues [channelCount]*packetQueue
	// highestSequence tracks, per order channel, the sequence index one past
	// the newest sequenced packet delivered. Older sequenced packets are
	// stale and dropped.
	highestSequence [channelCount]uint24

	// packets is a channel of packets that were fully processed. Calling
	// Conn.Read or Conn.ReadPacket consumes a value from this channel.
	packets *internal.ElasticChan[Packet]

	// retransmission holds every datagram sent that was not yet acknowledged
	// by the other end.
	retransmission *resendMap

	// ticks counts the ticks the scheduler ran on this connection. It is
	// only touched on the scheduler goroutine.
	ticks uint64
	// frameErrs counts consecutive malformed frames. It is only touched on
	// the goroutine reading from the transport.
	frameErrs int

	lastActivity atomic.Value[time.Time]
}

// connParams bundles what a connection needs beyond its socket and handler.
type connParams struct {
	raddr      net.Addr
	mtu        uint16
	id         int64
	sched      *Scheduler
	stats      *Stats
	inactivity time.Duration
}

// newConn constructs a new connection to the address passed and registers it
// with the scheduler that will drive its maintenance.
func newConn(conn net.PacketConn, h connectionHandler, p connParams) *Conn {
	mtu := min(max(p.mtu, minMTUSize), maxMTUSize)
	if p.inactivity <= 0 {
		p.inactivity = defaultInactivityTimeout
	}
	c := &Conn{
		conn:           conn,
		raddr:          *atomic.NewValue(p.raddr),
		id:             p.id,
		mtu:            mtu,
		inactivity:     p.inactivity,
		handler:        h,
		stats:          p.stats,
		pk:             new(packet),
		connected:      make(chan struct{}),
		packets:        internal.Chan[Packet](4, 4096),
		splits:         newSplitBank(),
		win:            newDatagramWindow(),
		messages:       newMessageWindow(),
		retransmission: newResendMap(),
		buf:            bytes.NewBuffer(make([]byte, 0, mtu-28)), // - headers.
		ackBuf:         bytes.NewBuffer(make([]byte, 0, 128)),
		nackBuf:        bytes.NewBuffer(make([]byte, 0, 64)),
		state:          stateUnconnected,
		lastActivity:   *atomic.NewValue(time.Now()),
	}
	c.ctx, c.cancelFunc = context.WithCancel(context.Background())
	c.apply(eventOpen)
	c.stats.countOpened()
	p.sched.schedule(c, tickInterval)
	return c
}

// apply runs the event passed through the connection state machine and
// performs the effects of the resulting transition. Events without meaning in
// the current state are discarded: events may race with a close, and one
// arriving late must be harmless. apply must not be called with conn.mu held.
func (conn *Conn) apply(ev connEvent) {
	conn.stateMu.Lock()
	next, fx, ok := transition(conn.state, ev)
	if !ok {
		conn.stateMu.Unlock()
		return
	}
	conn.state = next
	conn.stateMu.Unlock()

	if fx&effectEstablished != 0 {
		close(conn.connected)
	}
	if fx&effectFlush != 0 {
		conn.closing.CAS(0, time.Now().Unix())
	}
	if fx&effectNotify != 0 {
		_, _ = conn.Write([]byte{message.IDDisconnectNotification})
	}
	if fx&effectRelease != 0 {
		conn.release()
	}
}

// release tears the connection down: timers stop, blocked reads and writes
// return net.ErrClosed and the unacknowledged packets go back to the pool.
func (conn *Conn) release() {
	conn.once.Do(func() {
		conn.handler.close(conn)
		conn.cancelFunc()
		conn.stats.countClosed()

		conn.mu.Lock()
		defer conn.mu.Unlock()
		for _, rec := range conn.retransmission.unacknowledged {
			rec.pk.content = rec.pk.content[:0]
			packetPool.Put(rec.pk)
		}
		clear(conn.retransmission.unacknowledged)
	})
}

// establish marks the connected handshake as completed, unblocking waiters.
func (conn *Conn) establish() {
	conn.apply(eventEstablish)
}

// established reports if the connected handshake completed.
func (conn *Conn) established() bool {
	select {
	case <-conn.connected:
		return true
	default:
		return false
	}
}

// timeOut closes the connection abruptly after the other end stopped
// responding, sending a best-effort disconnect notification.
func (conn *Conn) timeOut() {
	conn.stats.countTimeout()
	conn.apply(eventTimeout)
}

// effectiveMTU returns the MTU size without the space taken by IP and UDP
// headers (28 bytes).
func (conn *Conn) effectiveMTU() uint16 {
	return conn.mtu - 28
}

// tick runs the periodic maintenance of the connection: flushing ACKs,
// retransmitting expired datagrams, draining on close and keepalives. It runs
// on the scheduler goroutine and reports whether the connection wants to keep
// being ticked.
func (conn *Conn) tick(now time.Time) bool {
	select {
	case <-conn.ctx.Done():
		return false
	default:
	}
	conn.ticks++
	conn.flushACKs()
	if conn.ticks%3 == 0 && conn.checkResend(now) {
		conn.timeOut()
		return false
	}
	if unix := conn.closing.Load(); unix != 0 {
		conn.mu.Lock()
		left := len(conn.retransmission.unacknowledged)
		conn.mu.Unlock()
		since := now.Sub(time.Unix(unix, 0))
		switch {
		case left == 0 && since > flushMinWait:
			conn.apply(eventFlushed)
			return false
		case since > flushMaxWait:
			conn.timeOut()
			return false
		}
		return true
	}
	if conn.ticks%5 == 0 {
		// Ping the other end periodically to prevent timeouts.
		_ = conn.send(&message.ConnectedPing{PingTime: timestamp()})

		if now.Sub(conn.lastActivity.Load()) > conn.inactivity+time.Duration(2*conn.rtt.Load()) {
			// No activity for too long: the other end is gone, close without
			// draining.
			conn.timeOut()
			return false
		}
	}
	return true
}

// flushACKs sends an ACK holding all datagram sequence numbers received since
// the last flush.
func (conn *Conn) flushACKs() {
	conn.ackMu.Lock()
	defer conn.ackMu.Unlock()

	if len(conn.ackSlice) > 0 {
		if err := conn.sendACK(conn.ackSlice...); err != nil {
			return
		}
		conn.ackSlice = conn.ackSlice[:0]
	}
}

// checkResend retransmits every datagram whose retransmission timeout expired
// without an acknowledgement and refreshes the measured round trip time. It
// reports whether the connection gave up because a datagram ran out of
// retries.
func (conn *Conn) checkResend(now time.Time) (fatal bool) {
	conn.mu.Lock()
	defer conn.mu.Unlock()

	conn.rtt.Store(int64(conn.retransmission.rtt(now)))
	err := conn.resend(conn.retransmission.due(now), now)
	return errors.Is(err, errRetriesExhausted)
}

// Write writes b as a single reliable ordered packet on order channel 0. The
// amount of bytes written n is always equal to the length of b if the write
// was successful; if not, an error is returned and n is 0. Write may be
// called simultaneously from multiple goroutines, but will write one by one.
func (conn *Conn) Write(b []byte) (n int, err error) {
	select {
	case <-conn.ctx.Done():
		return 0, conn.error(net.ErrClosed, "write")
	default:
		conn.mu.Lock()
		defer conn.mu.Unlock()
		n, err = conn.write(Packet{Reliability: ReliableOrdered, Payload: b})
		return n, conn.error(err, "write")
	}
}

// WritePacket writes a packet with the reliability and order channel it
// carries, so that a packet read from one connection can be forwarded over
// another with identical delivery guarantees.
func (conn *Conn) WritePacket(pk Packet) error {
	select {
	case <-conn.ctx.Done():
		return conn.error(net.ErrClosed, "write")
	default:
		conn.mu.Lock()
		defer conn.mu.Unlock()
		_, err := conn.write(pk)
		return conn.error(err, "write")
	}
}

// write splits the payload into fragments where necessary and sends each as
// a datagram. Unlike Write and WritePacket, write does not lock.
func (conn *Conn) write(pk Packet) (n int, err error) {
	if len(pk.Payload) == 0 {
		return 0, errZeroPacket
	}
	if pk.Channel >= channelCount {
		return 0, fmt.Errorf("order channel %v out of range (0 - %v)", pk.Channel, channelCount-1)
	}
	rel := pk.Reliability
	if rel > ReliableSequenced {
		return 0, fmt.Errorf("invalid reliability %v", byte(rel))
	}

	fragments := split(pk.Payload, conn.effectiveMTU())
	if len(fragments) > 1 && !rel.reliable() {
		// A single lost fragment would make the packet unassemblable, so
		// split packets are upgraded to a reliable variant.
		if rel == UnreliableSequenced {
			rel = ReliableSequenced
		} else {
			rel = Reliable
		}
	}

	var orderIndex, sequenceIndex uint24
	if rel == ReliableOrdered {
		orderIndex = conn.orderIndex[pk.Channel].Inc()
	} else if rel.sequenced() {
		orderIndex = conn.orderIndex[pk.Channel]
		sequenceIndex = conn.sequenceIndex[pk.Channel].Inc()
	}

	splitID := uint16(conn.splitID)
	if len(fragments) > 1 {
		conn.splitID++
	}
	for splitIndex, content := range fragments {
		p := packetPool.Get().(*packet)
		if cap(p.content) < len(content) {
			p.content = make([]byte, len(content))
		}
		// The actual slice size is set to the content size. It may grow
		// compared to the previous use, which is fine: the underlying array
		// is always big enough.
		p.content = p.content[:len(content)]
		copy(p.content, content)

		p.reliability = rel
		p.channel = pk.Channel
		p.orderIndex = orderIndex
		p.sequenceIndex = sequenceIndex
		if rel.reliable() {
			p.messageIndex = conn.messageIndex.Inc()
		}
		if p.split = len(fragments) > 1; p.split {
			p.splitCount = uint32(len(fragments))
			p.splitIndex = uint32(splitIndex)
			p.splitID = splitID
		}
		if err = conn.sendDatagram(p, 0); err != nil {
			return 0, err
		}
		n += len(content)
	}
	return n, nil
}

// Read reads from the connection into the byte slice passed. If successful,
// the amount of bytes read n is returned, and the error returned will be
// nil. Read blocks until a packet is received over the connection, or until
// the connection is closed, in which case an error is returned.
func (conn *Conn) Read(b []byte) (n int, err error) {
	pk, ok := conn.packets.Recv(conn.ctx)
	if !ok {
		return 0, conn.error(net.ErrClosed, "read")
	} else if len(b) < len(pk.Payload) {
		return 0, conn.error(ErrBufferTooSmall, "read")
	}
	return copy(b, pk.Payload), nil
}

// ReadPacket reads the next packet received together with the reliability and
// order channel it arrived with. ReadPacket blocks until a packet is received
// over the connection, or until the connection is closed, in which case an
// error is returned.
func (conn *Conn) ReadPacket() (Packet, error) {
	pk, ok := conn.packets.Recv(conn.ctx)
	if !ok {
		return Packet{}, conn.error(net.ErrClosed, "read")
	}
	return pk, nil
}

// Close closes the connection gracefully: outstanding datagrams are drained
// within a bounded grace period, after which the other end is notified and
// all blocked Read and Write calls return an error.
func (conn *Conn) Close() error {
	conn.apply(eventDisconnect)
	return nil
}

// closeImmediately closes the connection without draining outstanding
// datagrams or notifying the other end.
func (conn *Conn) closeImmediately() {
	conn.apply(eventAbort)
}

// remoteDisconnect closes the connection after the other end sent a
// DISCONNECT_NOTIFICATION. No notification is sent back.
func (conn *Conn) remoteDisconnect() {
	conn.apply(eventRemoteDisconnect)
}

// Context returns the connection's context. The context is cancelled when the
// connection is closed, allowing for cancellation of operations tied to the
// lifecycle of the connection.
func (conn *Conn) Context() context.Context {
	return conn.ctx
}

// RemoteAddr returns the remote address of the connection, meaning the
// address this connection leads to. The address may change over the lifetime
// of the connection if the other end moved networks.
func (conn *Conn) RemoteAddr() net.Addr {
	return conn.raddr.Load()
}

// LocalAddr returns the local address of the connection, which is always the
// same as the socket it was accepted or dialed on.
func (conn *Conn) LocalAddr() net.Addr {
	return conn.conn.LocalAddr()
}

// ID returns the GUID of the remote end of the connection, learned during the
// open connection exchange. It identifies the other end regardless of the
// address it currently sends from.
func (conn *Conn) ID() int64 {
	return conn.id
}

// rebind moves the connection to a new remote address after the other end
// proved, through its GUID, that it is the same peer on a new network path.
func (conn *Conn) rebind(raddr net.Addr) {
	conn.raddr.Store(raddr)
}

// SetReadDeadline is unimplemented. It always returns ErrNotSupported.
func (conn *Conn) SetReadDeadline(time.Time) error { return ErrNotSupported }

// SetWriteDeadline is unimplemented. It always returns ErrNotSupported.
func (conn *Conn) SetWriteDeadline(time.Time) error { return ErrNotSupported }

// SetDeadline is unimplemented. It always returns ErrNotSupported.
func (conn *Conn) SetDeadline(time.Time) error { return ErrNotSupported }

// Latency returns a rolling average of rtt between the sending and the
// receiving end of the connection. The rtt returned is updated continuously
// and is half the average round trip time (RTT).
func (conn *Conn) Latency() time.Duration {
	return time.Duration(conn.rtt.Load() / 2)
}

// send encodes an encoding.BinaryMarshaler and writes it to the Conn.
func (conn *Conn) send(pk encoding.BinaryMarshaler) error {
	b, _ := pk.MarshalBinary()
	_, err := conn.Write(b)
	return err
}

// packetPool pools the encapsulations around packet content, which otherwise
// churn quickly: one lives from write until acknowledgement.
var packetPool = sync.Pool{New: func() any { return new(packet) }}

// receive receives a raw slice from the transport, handling it as an ACK, a
// NACK or a datagram. Malformed frames count towards a threshold after which
// the error returned marks a protocol violation.
func (conn *Conn) receive(b []byte) error {
	conn.lastActivity.Store(time.Now())

	var err error
	switch {
	case b[0]&bitFlagACK != 0:
		err = conn.handleACK(b[1:])
	case b[0]&bitFlagNACK != 0:
		err = conn.handleNACK(b[1:])
		if errors.Is(err, errRetriesExhausted) {
			conn.timeOut()
			return nil
		}
	case b[0]&bitFlagDatagram != 0:
		err = conn.receiveDatagram(b[1:])
	default:
		return nil
	}
	return conn.countFrame(err)
}

// countFrame passes err through while keeping count of consecutive failures.
// Once too many frames in a row failed to decode, the error returned becomes
// a protocol violation, which the transport answers by closing the
// connection.
func (conn *Conn) countFrame(err error) error {
	if err == nil {
		conn.frameErrs = 0
		return nil
	}
	if isViolation(err) {
		return err
	}
	conn.frameErrs++
	conn.stats.countFrameError()
	if conn.frameErrs >= maxFrameErrors {
		return violationf("%v malformed frames in a row, last: %w", conn.frameErrs, err)
	}
	return err
}

// receiveDatagram handles a datagram found in buffer b: its sequence number
// is deduplicated and acknowledged, gaps are NACKed and the packets inside
// are handled.
func (conn *Conn) receiveDatagram(b []byte) error {
	if len(b) < 3 {
		return fmt.Errorf("read datagram: %w", io.ErrUnexpectedEOF)
	}
	conn.stats.countDatagramIn()
	seq := loadUint24(b)
	if !conn.win.add(seq) {
		// Datagram was already received. This happens when an ACK takes too
		// long to arrive and the other end retransmits, so it is expected
		// under normal circumstances.
		conn.stats.countDuplicateDatagram()
		return nil
	}
	conn.ackMu.Lock()
	// Record the sequence number so the next tick includes it in an ACK.
	conn.ackSlice = append(conn.ackSlice, seq)
	conn.ackMu.Unlock()

	if conn.win.shift() == 0 {
		// The window could not move up, so there are gaps: request anything
		// that is late enough to be considered lost.
		rtt := time.Duration(conn.rtt.Load())
		if missing := conn.win.missing(rtt + rtt/2); len(missing) > 0 {
			if err := conn.sendNACK(missing); err != nil {
				return fmt.Errorf("receive datagram: send NACK: %w", err)
			}
		}
	}
	if conn.win.size() > maxWindowSize && conn.handler.limitsEnabled() {
		return violationf("receive datagram: window size too big (%v-%v)", conn.win.lowest, conn.win.highest)
	}
	return conn.handleDatagram(b[3:])
}

// handleDatagram handles the packets carried in the body of a datagram.
// Reliable packets delivered before are dropped here, so that each reaches
// the reader exactly once no matter how often the other end sent it.
func (conn *Conn) handleDatagram(b []byte) error {
	for len(b) > 0 {
		n, err := conn.pk.read(b)
		if err != nil {
			return fmt.Errorf("handle datagram: read packet: %w", err)
		}
		b = b[n:]

		if conn.pk.reliability.reliable() && !conn.messages.add(conn.pk.messageIndex) {
			// A copy of this packet was delivered before; only its datagram
			// needed acknowledging again.
			conn.stats.countDuplicatePacket()
			continue
		}
		handle := conn.receivePacket
		if conn.pk.split {
			handle = conn.receiveSplitPacket
		}
		if err := handle(conn.pk); err != nil {
			return fmt.Errorf("handle datagram: receive packet: %w", err)
		}
	}
	if conn.messages.size() > maxWindowSize && conn.handler.limitsEnabled() {
		return violationf("handle datagram: message window size too big (%v-%v)", conn.messages.lowest, conn.messages.highest)
	}
	return nil
}

// receivePacket routes a packet by its reliability: ordered packets go
// through the ordered queue of their channel, sequenced packets are checked
// for staleness and everything else is handled immediately.
func (conn *Conn) receivePacket(pk *packet) error {
	switch {
	case pk.reliability == ReliableOrdered:
		return conn.receiveOrdered(pk)
	case pk.reliability.sequenced():
		return conn.receiveSequenced(pk)
	}
	return conn.handlePacket(pk.reliability, pk.channel, pk.content)
}

// receiveOrdered puts the packet in the ordered queue of its channel and
// handles every packet that became deliverable through it, in order index
// order.
func (conn *Conn) receiveOrdered(pk *packet) error {
	queue := conn.queues[pk.channel]
	if queue == nil {
		queue = newPacketQueue()
		conn.queues[pk.channel] = queue
	}
	if !queue.put(pk.orderIndex, pk.content) {
		// The order index was occupied or delivered before.
		return nil
	}
	if queue.WindowSize() > maxWindowSize && conn.handler.limitsEnabled() {
		return violationf("receive packet: ordered queue window size too big (%v-%v)", queue.lowest, queue.highest)
	}
	for _, content := range queue.fetch() {
		if err := conn.handlePacket(ReliableOrdered, pk.channel, content); err != nil {
			return err
		}
	}
	return nil
}

// receiveSequenced handles the packet if it is newer than the newest
// sequenced packet delivered on its channel and drops it as stale otherwise.
func (conn *Conn) receiveSequenced(pk *packet) error {
	if pk.sequenceIndex < conn.highestSequence[pk.channel] {
		return nil
	}
	conn.highestSequence[pk.channel] = pk.sequenceIndex + 1
	return conn.handlePacket(pk.reliability, pk.channel, pk.content)
}

// receiveSplitPacket stores a fragment in the split bank and, if it was the
// last fragment of its packet, continues handling the reassembled packet as
// it otherwise would.
func (conn *Conn) receiveSplitPacket(p *packet) error {
	content, err := conn.splits.put(p.splitID, p.splitCount, p.splitIndex, p.content)
	if err != nil {
		return fmt.Errorf("split packet: %w", err)
	}
	if content == nil {
		return nil
	}
	p.content = content
	return conn.receivePacket(p)
}

var errZeroPacket = errors.New("handle packet: zero packet length")

// handlePacket offers a packet to the connection handler and, if it was not
// one of RakNet's own messages, to the reader of the connection.
func (conn *Conn) handlePacket(rel Reliability, channel byte, b []byte) error {
	if len(b) == 0 {
		return errZeroPacket
	}
	if conn.closing.Load() != 0 {
		// Don't continue handling packets if the connection is being closed.
		return nil
	}
	handled, err := conn.handler.handle(conn, b)
	if err != nil {
		return fmt.Errorf("handle packet: %w", err)
	}
	if !handled {
		conn.packets.Send(Packet{Reliability: rel, Channel: channel, Payload: b})
	}
	return nil
}

// sendACK sends an acknowledgement containing the datagram sequence numbers
// passed.
func (conn *Conn) sendACK(packets ...uint24) error {
	defer conn.ackBuf.Reset()
	return conn.sendAcknowledgement(packets, bitFlagACK, conn.ackBuf)
}

// sendNACK sends a negative acknowledgement containing the datagram sequence
// numbers passed.
func (conn *Conn) sendNACK(packets []uint24) error {
	defer conn.nackBuf.Reset()
	return conn.sendAcknowledgement(packets, bitFlagNACK, conn.nackBuf)
}

// sendAcknowledgement sends an acknowledgement with the packets passed,
// potentially sending multiple if not all fit within a single MTU. The
// bitflag is added to the header byte.
func (conn *Conn) sendAcknowledgement(packets []uint24, bitflag byte, buf *bytes.Buffer) error {
	ack := &acknowledgement{packets: packets}

	for len(ack.packets) != 0 {
		buf.WriteByte(bitflag | bitFlagDatagram)
		n := ack.write(buf, conn.effectiveMTU())
		// Not all sequence numbers may have fit; the rest go into the next
		// acknowledgement.
		ack.packets = ack.packets[n:]
		if err := conn.writeTo(buf.Bytes(), conn.raddr.Load()); err != nil {
			return fmt.Errorf("send acknowledgement: %w", err)
		}
		buf.Reset()
	}
	return nil
}

/// handleACK handles an acknowledgement from the other end: the datagrams
// acknowledged leave the retransmission queue and contribute round trip time
// samples.
func (conn *Conn) handleACK(b []byte) error {
	conn.mu.Lock()
	defer conn.mu.Unlock()

	ack := &acknowledgement{}
	if err := ack.read(b); err != nil {
		return fmt.Errorf("read ACK: %w", err)
	}
	now := time.Now()
	for _, sequenceNumber := range ack.packets {
		if p, ok := conn.retransmission.acknowledge(sequenceNumber, now); ok {
			// Clear the packet and return it to the pool for reuse.
			p.content = p.content[:0]
			packetPool.Put(p)
		}
	}
	conn.rtt.Store(int64(conn.retransmission.rtt(now)))
	return nil
}

/// handleNACK handles a negative acknowledgement from the other end: the
// datagrams it found missing are sent again right away.
func (conn *Conn) handleNACK(b []byte) error {
	conn.mu.Lock()
	defer conn.mu.Unlock()

	nack := &acknowledgement{}
	if err := nack.read(b); err != nil {
		return fmt.Errorf("read NACK: %w", err)
	}
	return conn.resend(nack.packets, time.Now())
}

// errRetriesExhausted marks a datagram that went through its full retry
// budget without ever being acknowledged. The connection is considered dead.
var errRetriesExhausted = errors.New("retransmission retries exhausted")

// resend sends the datagrams with the sequence numbers passed again under
// fresh sequence numbers, counting a retry for each. Called with conn.mu
// held.
func (conn *Conn) resend(sequenceNumbers []uint24, now time.Time) (err error) {
	for _, sequenceNumber := range sequenceNumbers {
		rec, ok := conn.retransmission.retransmit(sequenceNumber, now)
		if !ok {
			continue
		}
		if rec.retries+1 > maxRetries {
			return errRetriesExhausted
		}
		conn.stats.countRetransmit()
		if err = conn.sendDatagram(rec.pk, rec.retries+1); err != nil {
			return err
		}
	}
	return nil
}

// sendDatagram sends a datagram over the connection carrying the packet
// passed. It is assigned a fresh sequence number and kept for retransmission
// until acknowledged, with a timeout based on how often it was retried
// before.
func (conn *Conn) sendDatagram(pk *packet, retries int) error {
	conn.buf.WriteByte(bitFlagDatagram | bitFlagNeedsBAndAS)
	seq := conn.seq.Inc()
	writeUint24(conn.buf, seq)
	pk.write(conn.buf)
	defer conn.buf.Reset()

	conn.retransmission.add(seq, pk, time.Now(), retries)
	conn.stats.countDatagramOut()

	if err := conn.writeTo(conn.buf.Bytes(), conn.raddr.Load()); err != nil {
		return fmt.Errorf("send datagram: %w", err)
	}
	return nil
}

// writeTo calls WriteTo on the underlying UDP connection and returns an error
// only if the error returned is net.ErrClosed. In any other case, the error
// is logged but not returned: a datagram lost to a transient error is
// recovered through retransmission.
func (conn *Conn) writeTo(p []byte, raddr net.Addr) error {
	if _, err := conn.conn.WriteTo(p, raddr); errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("write to: %w", err)
	} else if err != nil {
		conn.handler.log().Error("write to: "+err.Error(), "raddr", raddr.String())
	}
	return nil
}

// resolve converts a net.Addr of a UDP connection into a netip.AddrPort
// usable as a map key.
func resolve(addr net.Addr) netip.AddrPort {
	if udpAddr, ok := addr.(*net.UDPAddr); ok {
		ip, _ := netip.AddrFromSlice(udpAddr.IP)
		if ip.Is4In6() {
			ip = ip.Unmap()
		}
		return netip.AddrPortFrom(ip, uint16(udpAddr.Port))
	}
	return netip.AddrPort{}
}

// timestamp returns a timestamp in milliseconds.
func timestamp() int64 {
	return time.Now().UnixNano() / int64(time.Millisecond)
}
