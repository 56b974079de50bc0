package raknet

import (
	"sync/atomic"
)

// Stats holds counters shared by all connections of a Listener or Dialer that
// carry it. All fields are safe for concurrent use and only ever increase, so
// they can be exported as monotonic metrics. A nil *Stats is valid and counts
// nothing.
type Stats struct {
	// DatagramsReceived and DatagramsSent count datagrams carrying packet
	// data. ACKs and NACKs are not included.
	DatagramsReceived atomic.Int64
	DatagramsSent     atomic.Int64
	// Retransmits counts datagrams sent again after their retransmission
	// timeout expired or a NACK requested them.
	Retransmits atomic.Int64
	// DuplicateDatagrams and DuplicatePackets count datagrams received with a
	// sequence number seen before and reliable packets received with a message
	// index seen before. Both are dropped on arrival.
	DuplicateDatagrams atomic.Int64
	DuplicatePackets   atomic.Int64
	// FrameErrors counts frames that could not be decoded. A connection
	// producing too many of these in a row is closed.
	FrameErrors atomic.Int64
	// Rejections counts open connection requests refused because the
	// connection limit or the handshake rate limit was reached.
	Rejections atomic.Int64
	// ConnectionsOpened and ConnectionsClosed count connections that
	// completed the open connection exchange and connections released.
	ConnectionsOpened atomic.Int64
	ConnectionsClosed atomic.Int64
	// Timeouts counts connections closed for inactivity or after the
	// retransmission retry limit was hit.
	Timeouts atomic.Int64
}

func (s *Stats) countDatagramIn() {
	if s != nil {
		s.DatagramsReceived.Add(1)
	}
}

func (s *Stats) countDatagramOut() {
	if s != nil {
		s.DatagramsSent.Add(1)
	}
}

func (s *Stats) countRetransmit() {
	if s != nil {
		s.Retransmits.Add(1)
	}
}

func (s *Stats) countDuplicateDatagram() {
	if s != nil {
		s.DuplicateDatagrams.Add(1)
	}
}

func (s *Stats) countDuplicatePacket() {
	if s != nil {
		s.DuplicatePackets.Add(1)
	}
}

func (s *Stats) countFrameError() {
	if s != nil {
		s.FrameErrors.Add(1)
	}
}

func (s *Stats) countRejection() {
	if s != nil {
		s.Rejections.Add(1)
	}
}

func (s *Stats) countOpened() {
	if s != nil {
		s.ConnectionsOpened.Add(1)
	}
}

func (s *Stats) countClosed() {
	if s != nil {
		s.ConnectionsClosed.Add(1)
	}
}

func (s *Stats) countTimeout() {
	if s != nil {
		s.Timeouts.Add(1)
	}
}
