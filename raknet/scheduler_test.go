package raknet

import (
	"sync/atomic"
	"testing"
	"time"
)

// countTicker counts its ticks and stops asking to be ticked once limit is
// reached, if a limit was set.
type countTicker struct {
	ticks atomic.Int32
	limit int32
}

func (c *countTicker) tick(time.Time) bool {
	n := c.ticks.Add(1)
	return c.limit == 0 || n < c.limit
}

func TestSchedulerTicks(t *testing.T) {
	s := NewScheduler()
	defer s.Close()

	c := &countTicker{}
	s.schedule(c, time.Millisecond*10)

	time.Sleep(time.Millisecond * 100)
	if n := c.ticks.Load(); n < 2 {
		t.Errorf("got %v ticks after 100ms at a 10ms interval, want at least 2", n)
	}
}

func TestSchedulerDeregister(t *testing.T) {
	s := NewScheduler()
	defer s.Close()

	c := &countTicker{limit: 3}
	s.schedule(c, time.Millisecond*5)

	time.Sleep(time.Millisecond * 100)
	if n := c.ticks.Load(); n != 3 {
		t.Errorf("got %v ticks from a ticker that stops after 3, want exactly 3", n)
	}
	// The entry must be gone for good, not merely delayed.
	time.Sleep(time.Millisecond * 50)
	if n := c.ticks.Load(); n != 3 {
		t.Errorf("got %v ticks after deregistering, want 3", n)
	}
}

func TestSchedulerMultiple(t *testing.T) {
	s := NewScheduler()
	defer s.Close()

	fast, slow := &countTicker{}, &countTicker{}
	s.schedule(fast, time.Millisecond*5)
	s.schedule(slow, time.Millisecond*20)

	time.Sleep(time.Millisecond * 100)
	nf, ns := fast.ticks.Load(), slow.ticks.Load()
	if nf < 2 || ns < 2 {
		t.Errorf("got %v fast and %v slow ticks, want at least 2 of each", nf, ns)
	}
	if nf < ns {
		t.Errorf("got %v ticks at 5ms but %v at 20ms", nf, ns)
	}
}

func TestSchedulerClose(t *testing.T) {
	s := NewScheduler()
	c := &countTicker{}
	s.schedule(c, time.Millisecond*5)

	time.Sleep(time.Millisecond * 30)
	_ = s.Close()
	// A tick already due when Close was called may still finish. Let it.
	time.Sleep(time.Millisecond * 20)
	n := c.ticks.Load()
	if n == 0 {
		t.Fatal("got no ticks before Close")
	}

	time.Sleep(time.Millisecond * 50)
	if got := c.ticks.Load(); got != n {
		t.Errorf("got %v ticks after Close, want no more than the %v before it", got, n)
	}
	// Closing twice must not panic.
	_ = s.Close()
}
