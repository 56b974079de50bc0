package raknet

import (
	"bytes"
	"errors"
	"slices"
	"testing"
)

func TestAcknowledgementRoundTrip(t *testing.T) {
	packets := []uint24{1, 2, 3, 5, 7, 8, 9, 100}

	buf := bytes.NewBuffer(nil)
	ack := &acknowledgement{packets: slices.Clone(packets)}
	if n := ack.write(buf, maxMTUSize); n != len(packets) {
		t.Fatalf("write consumed %v packets, want %v", n, len(packets))
	}

	got := &acknowledgement{}
	if err := got.read(buf.Bytes()); err != nil {
		t.Fatalf("read: %v", err)
	}
	slices.Sort(got.packets)
	if !slices.Equal(got.packets, packets) {
		t.Fatalf("round trip = %v, want %v", got.packets, packets)
	}
}

func TestAcknowledgementRange(t *testing.T) {
	// 128 consecutive sequence numbers must collapse into a single range
	// record: 2 bytes count + 1 type + 2 uint24s.
	ack := &acknowledgement{}
	for i := range uint24(128) {
		ack.packets = append(ack.packets, i)
	}
	buf := bytes.NewBuffer(nil)
	ack.write(buf, maxMTUSize)
	if buf.Len() != 2+1+3+3 {
		t.Fatalf("encoded size = %v bytes, want 9", buf.Len())
	}
}

func TestAcknowledgementChunked(t *testing.T) {
	// Far apart sequence numbers force single records, so not all of them
	// fit within one MTU and the writer must be called repeatedly.
	ack := &acknowledgement{}
	for i := range uint24(512) {
		ack.packets = append(ack.packets, i*2)
	}
	got := &acknowledgement{}
	chunks := 0
	for len(ack.packets) > 0 {
		buf := bytes.NewBuffer(nil)
		n := ack.write(buf, minMTUSize)
		if n == 0 {
			t.Fatal("write made no progress")
		}
		if buf.Len() > int(minMTUSize) {
			t.Fatalf("chunk of %v bytes exceeds the MTU %v", buf.Len(), minMTUSize)
		}
		if err := got.read(buf.Bytes()); err != nil {
			t.Fatalf("read chunk %v: %v", chunks, err)
		}
		ack.packets = ack.packets[n:]
		chunks++
	}
	if chunks < 2 {
		t.Fatalf("all 512 packets fit in %v chunk, want at least 2", chunks)
	}
	slices.Sort(got.packets)
	want := make([]uint24, 0, 512)
	for i := range uint24(512) {
		want = append(want, i*2)
	}
	if !slices.Equal(got.packets, want) {
		t.Fatalf("chunks did not cover all packets: got %v of %v", len(got.packets), len(want))
	}
}

func TestAcknowledgementMalformed(t *testing.T) {
	ack := &acknowledgement{}
	if err := ack.read([]byte{0}); err == nil {
		t.Error("truncated count accepted")
	}
	// One record promised, none present.
	if err := ack.read([]byte{0, 1}); err == nil {
		t.Error("missing record accepted")
	}
	// Reversed range.
	buf := bytes.NewBuffer([]byte{0, 1, packetRange})
	writeUint24(buf, 10)
	writeUint24(buf, 5)
	if err := ack.read(buf.Bytes()); !errors.Is(err, errMaxAcknowledgement) {
		t.Errorf("reversed range: err = %v, want errMaxAcknowledgement", err)
	}
	// A range expanding to more packets than tolerated.
	buf = bytes.NewBuffer([]byte{0, 1, packetRange})
	writeUint24(buf, 0)
	writeUint24(buf, 0xffffff)
	if err := ack.read(buf.Bytes()); !errors.Is(err, errMaxAcknowledgement) {
		t.Errorf("oversized range: err = %v, want errMaxAcknowledgement", err)
	}
}
