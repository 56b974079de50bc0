package internal

import (
	"context"
	"sync"
	"sync/atomic"
)

// ElasticChan is a channel that grows when its capacity is reached, up to a
// limit. It decouples the transport goroutine, which must never block on a
// slow consumer, from the goroutines reading packets. ElasticChan is safe for
// concurrent use with multiple readers and one sender; calling Send from
// multiple goroutines simultaneously is not.
type ElasticChan[T any] struct {
	mu  sync.RWMutex
	len atomic.Int64
	ch  chan T
	lim int64
}

// Chan creates an ElasticChan with an initial capacity of size that grows up
// to max before Send starts blocking.
func Chan[T any](size, max int) *ElasticChan[T] {
	c := &ElasticChan[T]{lim: int64(max)}
	c.grow(size)
	return c
}

// Recv reads a value from the channel, blocking until one is available. If
// ctx is cancelled first, Recv returns ok = false.
func (c *ElasticChan[T]) Recv(ctx context.Context) (val T, ok bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	select {
	case <-ctx.Done():
		return val, false
	case val = <-c.ch:
		c.len.Add(-1)
		return val, true
	}
}

// Send sends a value to the channel. As long as the limit is not reached,
// Send never blocks: a full channel is replaced by a larger one first.
func (c *ElasticChan[T]) Send(val T) {
	if ccap := int64(cap(c.ch)); c.len.Add(1) >= ccap && ccap < c.lim {
		// The length check races with Recv, which may make growing
		// unnecessary by the time the lock is held. Growing a little early is
		// harmless: the channel would most likely grow shortly after anyway.
		c.growSend(val)
		return
	}
	c.ch <- val
}

// growSend doubles the capacity of the channel, capped to the limit, and
// sends the value to the new channel.
func (c *ElasticChan[T]) growSend(val T) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.grow(int(min(int64(cap(c.ch))*2, c.lim)))
	c.ch <- val
}

// grow replaces the channel with one of the size passed, moving over all
// values buffered in the old one.
func (c *ElasticChan[T]) grow(size int) {
	ch := make(chan T, size)
	for len(c.ch) > 0 {
		ch <- <-c.ch
	}
	c.ch = ch
}

// Len returns the number of values currently buffered.
func (c *ElasticChan[T]) Len() int {
	return int(c.len.Load())
}
