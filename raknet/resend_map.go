package raknet

import (
	"time"
)

const (
	// minRTO and maxRTO clamp the retransmission timeout of a datagram. The
	// lower bound keeps a fresh connection from retransmitting into its own
	// first round trip, the upper bound keeps a dying connection probing at a
	// reasonable rate until the retry limit closes it.
	minRTO = time.Millisecond * 50
	maxRTO = time.Second * 4
	// maxRetries is the number of times a single datagram is retransmitted
	// before the connection is considered dead.
	maxRetries = 8
)

// rto returns the retransmission timeout for a datagram that was already
// retransmitted retries times. It starts out at 1.5 times the round trip time
// and doubles per retry, clamped between minRTO and maxRTO.
func rto(rtt time.Duration, retries int) time.Duration {
	d := rtt + rtt/2
	for i := 0; i < retries && d < maxRTO; i++ {
		d *= 2
	}
	return min(max(d, minRTO), maxRTO)
}

// resendMap holds the datagrams sent that were not yet acknowledged by the
// other end, so they can be sent again if the other end turns out not to have
// them, and measures the round trip time from the acknowledgements.
type resendMap struct {
	unacknowledged map[uint24]resendRecord
	delays         map[time.Time]time.Duration
}

// resendRecord is a single datagram in flight: the packet it carried, when it
// last entered the wire, when it becomes due for retransmission and how often
// it was retransmitted before.
type resendRecord struct {
	pk      *packet
	sent    time.Time
	next    time.Time
	retries int
}

// newResendMap returns an initialised resendMap.
func newResendMap() *resendMap {
	return &resendMap{
		unacknowledged: make(map[uint24]resendRecord),
		delays:         make(map[time.Time]time.Duration),
	}
}

// add records a packet under the datagram sequence number passed. The packet
// becomes due for retransmission once its timeout, based on the current round
// trip time and the retries it went through, expires.
func (m *resendMap) add(sequenceNumber uint24, pk *packet, now time.Time, retries int) {
	timeout := rto(m.rtt(now), retries)
	m.unacknowledged[sequenceNumber] = resendRecord{pk: pk, sent: now, next: now.Add(timeout), retries: retries}
}

// acknowledge removes the datagram with the sequence number passed and
// records the time since it was sent as a round trip time sample. The packet
// is returned if the sequence number was found.
func (m *resendMap) acknowledge(sequenceNumber uint24, now time.Time) (*packet, bool) {
	rec, ok := m.unacknowledged[sequenceNumber]
	if !ok {
		return nil, false
	}
	delete(m.unacknowledged, sequenceNumber)
	m.delays[now] = now.Sub(rec.sent)
	return rec.pk, true
}

// retransmit removes the datagram with the sequence number passed so that the
// caller can send it again under a new sequence number. The time since it was
// sent counts double as a round trip time sample, since a lost datagram says
// more about the connection than an acknowledged one.
func (m *resendMap) retransmit(sequenceNumber uint24, now time.Time) (resendRecord, bool) {
	rec, ok := m.unacknowledged[sequenceNumber]
	if !ok {
		return resendRecord{}, false
	}
	delete(m.unacknowledged, sequenceNumber)
	m.delays[now] = now.Sub(rec.sent) * 2
	return rec, true
}

// due returns the sequence numbers of all datagrams whose retransmission
// timeout expired without an acknowledgement arriving.
func (m *resendMap) due(now time.Time) (sequenceNumbers []uint24) {
	for seq, rec := range m.unacknowledged {
		if now.After(rec.next) {
			sequenceNumbers = append(sequenceNumbers, seq)
		}
	}
	return sequenceNumbers
}

// rtt returns the average round trip time measured over the samples of the
// last 5 seconds. If no samples exist, a conservative default is returned.
func (m *resendMap) rtt(now time.Time) time.Duration {
	const averageWindow = time.Second * 5
	var total, n time.Duration
	for t, d := range m.delays {
		if now.Sub(t) > averageWindow {
			delete(m.delays, t)
			continue
		}
		total += d
		n++
	}
	if n == 0 {
		return minRTO
	}
	return total / n
}
