package raknet

import (
	"bytes"
	"testing"
)

func TestPacketRoundTrip(t *testing.T) {
	for _, rel := range []Reliability{Unreliable, UnreliableSequenced, Reliable, ReliableOrdered, ReliableSequenced} {
		pk := &packet{
			reliability:   rel,
			content:       []byte("round trip content"),
			messageIndex:  1,
			sequenceIndex: 2,
			orderIndex:    3,
			channel:       7,
		}
		buf := bytes.NewBuffer(nil)
		pk.write(buf)

		got := &packet{}
		n, err := got.read(buf.Bytes())
		if err != nil {
			t.Fatalf("%v: read: %v", rel, err)
		}
		if n != buf.Len() {
			t.Fatalf("%v: read consumed %v bytes, want %v", rel, n, buf.Len())
		}
		if got.reliability != rel {
			t.Errorf("%v: reliability = %v", rel, got.reliability)
		}
		if !bytes.Equal(got.content, pk.content) {
			t.Errorf("%v: content = %q, want %q", rel, got.content, pk.content)
		}
		if rel.reliable() && got.messageIndex != pk.messageIndex {
			t.Errorf("%v: messageIndex = %v, want %v", rel, got.messageIndex, pk.messageIndex)
		}
		if rel.sequenced() && got.sequenceIndex != pk.sequenceIndex {
			t.Errorf("%v: sequenceIndex = %v, want %v", rel, got.sequenceIndex, pk.sequenceIndex)
		}
		if rel.sequencedOrOrdered() {
			if got.orderIndex != pk.orderIndex {
				t.Errorf("%v: orderIndex = %v, want %v", rel, got.orderIndex, pk.orderIndex)
			}
			if got.channel != pk.channel {
				t.Errorf("%v: channel = %v, want %v", rel, got.channel, pk.channel)
			}
		}
	}
}

func TestPacketSplitRoundTrip(t *testing.T) {
	pk := &packet{
		reliability:  Reliable,
		messageIndex: 42,
		content:      []byte("fragment"),
		split:        true,
		splitCount:   3,
		splitIndex:   1,
		splitID:      0xbeef,
	}
	buf := bytes.NewBuffer(nil)
	pk.write(buf)

	got := &packet{}
	if _, err := got.read(buf.Bytes()); err != nil {
		t.Fatalf("read: %v", err)
	}
	if !got.split {
		t.Fatal("split flag lost")
	}
	if got.splitCount != 3 || got.splitIndex != 1 || got.splitID != 0xbeef {
		t.Fatalf("split fields = (%v, %v, %#x)", got.splitCount, got.splitIndex, got.splitID)
	}
}

func TestPacketInvalid(t *testing.T) {
	pk := &packet{}
	if _, err := pk.read([]byte{0xa0, 0, 8}); err == nil {
		t.Error("reliability 5 accepted")
	}
	if _, err := pk.read([]byte{0, 0, 0}); err == nil {
		t.Error("zero length accepted")
	}
	// Reliability ordered with channel 32.
	buf := bytes.NewBuffer(nil)
	(&packet{reliability: ReliableOrdered, channel: 32, content: []byte{1}}).write(buf)
	if _, err := pk.read(buf.Bytes()); err == nil {
		t.Error("channel 32 accepted")
	}
	if _, err := pk.read([]byte{byte(Reliable) << 5, 0, 8}); err == nil {
		t.Error("truncated reliable packet accepted")
	}
}

func TestSplit(t *testing.T) {
	const mtu = 500
	single := int(mtu) - packetAdditionalSize
	frag := single - splitAdditionalSize

	for _, c := range []struct {
		size  int
		count int
	}{
		{size: 1, count: 1},
		{size: single, count: 1},
		{size: single + 1, count: 2},
		{size: frag * 3, count: 3},
		{size: frag*3 + 1, count: 4},
	} {
		b := make([]byte, c.size)
		for i := range b {
			b[i] = byte(i)
		}
		fragments := split(b, mtu)
		if len(fragments) != c.count {
			t.Errorf("split(%v bytes): %v fragments, want %v", c.size, len(fragments), c.count)
		}
		joined := bytes.Join(fragments, nil)
		if !bytes.Equal(joined, b) {
			t.Errorf("split(%v bytes): fragments do not join back to the input", c.size)
		}
		if len(fragments) > 1 {
			for i, f := range fragments {
				if len(f) > frag {
					t.Errorf("split(%v bytes): fragment %v is %v bytes, max %v", c.size, i, len(f), frag)
				}
			}
		}
	}
}

func TestReliabilityPredicates(t *testing.T) {
	for _, c := range []struct {
		rel                            Reliability
		reliable, sequenced, orOrdered bool
	}{
		{Unreliable, false, false, false},
		{UnreliableSequenced, false, true, true},
		{Reliable, true, false, false},
		{ReliableOrdered, true, false, true},
		{ReliableSequenced, true, true, true},
	} {
		if got := c.rel.reliable(); got != c.reliable {
			t.Errorf("%v: reliable() = %v", c.rel, got)
		}
		if got := c.rel.sequenced(); got != c.sequenced {
			t.Errorf("%v: sequenced() = %v", c.rel, got)
		}
		if got := c.rel.sequencedOrOrdered(); got != c.orOrdered {
			t.Errorf("%v: sequencedOrOrdered() = %v", c.rel, got)
		}
	}
}
