package raknet

import (
	"bytes"
	"testing"
)

func TestPacketQueueOrder(t *testing.T) {
	queue := newPacketQueue()

	if !queue.put(1, []byte{1}) || !queue.put(2, []byte{2}) {
		t.Fatal("put rejected fresh indices")
	}
	// Index 0 has not arrived yet, so nothing may be delivered.
	if packets := queue.fetch(); len(packets) != 0 {
		t.Fatalf("fetch() = %v packets before the gap was filled", len(packets))
	}

	if !queue.put(0, []byte{0}) {
		t.Fatal("put(0) rejected")
	}
	packets := queue.fetch()
	if len(packets) != 3 {
		t.Fatalf("fetch() = %v packets, want 3", len(packets))
	}
	for i, content := range packets {
		if !bytes.Equal(content, []byte{byte(i)}) {
			t.Fatalf("packet %v = %v, delivered out of order", i, content)
		}
	}
}

func TestPacketQueueDuplicates(t *testing.T) {
	queue := newPacketQueue()
	queue.put(0, []byte{0})
	if queue.put(0, []byte{0}) {
		t.Fatal("put(0) accepted twice")
	}
	queue.fetch()
	if queue.put(0, []byte{0}) {
		t.Fatal("put(0) accepted after delivery")
	}
	if queue.WindowSize() != 0 {
		t.Fatalf("WindowSize() = %v after full delivery", queue.WindowSize())
	}
}

func TestPacketQueueWindow(t *testing.T) {
	queue := newPacketQueue()
	queue.put(100, []byte{100})
	if queue.WindowSize() != 101 {
		t.Fatalf("WindowSize() = %v, want 101", queue.WindowSize())
	}
}
