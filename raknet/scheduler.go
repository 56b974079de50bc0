package raknet

import (
	"container/heap"
	"sync"
	"time"
)

// tickInterval is the cadence at which connections perform their periodic
// work: flushing ACKs, checking for retransmissions and pings, and detecting
// inactivity.
const tickInterval = time.Second / 10

// ticking is implemented by anything the Scheduler drives. tick is called
// with the current time on the scheduler goroutine and reports whether the
// value wants to keep being ticked.
type ticking interface {
	tick(now time.Time) bool
}

// Scheduler drives the periodic maintenance of many connections from a
// single goroutine with a single timer, instead of every connection running
// its own ticker. A Listener and any Dialers of the same process can share
// one Scheduler, so that a proxy serving thousands of connections still only
// holds one timer.
type Scheduler struct {
	mu      sync.Mutex
	entries entryHeap
	wake    chan struct{}
	closed  chan struct{}
	once    sync.Once
}

// entry is a scheduled tick of a single ticking value.
type entry struct {
	at       time.Time
	interval time.Duration
	t        ticking
}

// NewScheduler returns a running Scheduler. It must be closed once no
// Listener or Dialer uses it any more.
func NewScheduler() *Scheduler {
	s := &Scheduler{
		wake:   make(chan struct{}, 1),
		closed: make(chan struct{}),
	}
	go s.run()
	return s
}

// schedule registers t to be ticked every interval, starting one interval
// from now. Registration after Close is a no-op; the pending tick simply
// never fires.
func (s *Scheduler) schedule(t ticking, interval time.Duration) {
	s.mu.Lock()
	heap.Push(&s.entries, entry{at: time.Now().Add(interval), interval: interval, t: t})
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Close stops the scheduler goroutine. Ticks that were due are abandoned;
// connections stop being maintained, so Close must only be called once all of
// them are closed.
func (s *Scheduler) Close() error {
	s.once.Do(func() {
		close(s.closed)
	})
	return nil
}

// run is the scheduler loop. It sleeps until the earliest scheduled tick,
// runs all ticks that became due and re-schedules those that want to keep
// running. The tick itself runs without the scheduler lock held, as it will
// take the connection's own locks.
func (s *Scheduler) run() {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	for {
		s.mu.Lock()
		wait := time.Hour
		if len(s.entries) > 0 {
			wait = max(time.Until(s.entries[0].at), 0)
		}
		s.mu.Unlock()

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-timer.C:
		case <-s.wake:
		case <-s.closed:
			return
		}
		s.runDue(time.Now())
	}
}

// runDue pops and runs every entry due at now, pushing those whose tick
// returned true back onto the heap one interval later.
func (s *Scheduler) runDue(now time.Time) {
	for {
		s.mu.Lock()
		if len(s.entries) == 0 || s.entries[0].at.After(now) {
			s.mu.Unlock()
			return
		}
		e := heap.Pop(&s.entries).(entry)
		s.mu.Unlock()

		if !e.t.tick(now) {
			continue
		}
		// Keep the cadence anchored to the original schedule, unless the
		// scheduler fell behind by more than an interval.
		e.at = e.at.Add(e.interval)
		if e.at.Before(now) {
			e.at = now.Add(e.interval)
		}
		s.mu.Lock()
		heap.Push(&s.entries, e)
		s.mu.Unlock()
	}
}

// defaultScheduler returns the package-level Scheduler used by Listeners and
// Dialers that were not handed one. It is created on first use and never
// closed.
var defaultScheduler = sync.OnceValue(NewScheduler)

// entryHeap is a min-heap of entries ordered by their deadline.
type entryHeap []entry

func (h entryHeap) Len() int           { return len(h) }
func (h entryHeap) Less(i, j int) bool { return h[i].at.Before(h[j].at) }
func (h entryHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *entryHeap) Push(v any) {
	*h = append(*h, v.(entry))
}

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}
