package ccproxy

import "testing"

func TestMultiSink(t *testing.T) {
	a, b := &recordingSink{}, &recordingSink{}
	sink := MultiSink{a, b}

	sink.HandleEvent(Event{Type: EventOpened, ClientID: 7})
	sink.HandleEvent(Event{Type: EventClosed, ClientID: 7, Reason: "client disconnected"})

	for _, s := range []*recordingSink{a, b} {
		events := s.snapshot()
		if len(events) != 2 || events[0].Type != EventOpened || events[1].Type != EventClosed {
			t.Fatalf("sink recorded %v, want an opened event followed by a closed one", events)
		}
	}
}
