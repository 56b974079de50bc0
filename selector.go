package ccproxy

import (
	"context"
	"errors"
	"net"

	"github.com/df-mc/atomic"
)

// ErrNoBackend is returned by a Selector that has no backend to route a
// session to.
var ErrNoBackend = errors.New("no backend available")

// ClientInfo describes the client a backend is selected for.
type ClientInfo struct {
	// Addr is the client's remote address.
	Addr net.Addr
	// ID is the unique ID the client sent during its handshake.
	ID int64
}

// Selector picks the backend address a new session connects to. Select may
// block until ctx is cancelled, for example while waiting for a healthy
// backend.
type Selector interface {
	Select(ctx context.Context, info ClientInfo) (string, error)
}

// StaticSelector routes every session to the same address.
type StaticSelector struct {
	// Addr is the backend address returned for every session.
	Addr string
}

// Select ...
func (s StaticSelector) Select(context.Context, ClientInfo) (string, error) {
	if s.Addr == "" {
		return "", ErrNoBackend
	}
	return s.Addr, nil
}

// RoundRobinSelector cycles through a fixed list of backend addresses. It
// is safe for concurrent use.
type RoundRobinSelector struct {
	addrs []string
	next  atomic.Uint32
}

// NewRoundRobinSelector returns a RoundRobinSelector over the addresses
// passed.
func NewRoundRobinSelector(addrs ...string) *RoundRobinSelector {
	return &RoundRobinSelector{addrs: addrs}
}

// Select ...
func (s *RoundRobinSelector) Select(context.Context, ClientInfo) (string, error) {
	if len(s.addrs) == 0 {
		return "", ErrNoBackend
	}
	n := s.next.Add(1) - 1
	return s.addrs[int(n)%len(s.addrs)], nil
}

// newSelector returns the Selector matching an upstream configuration.
func newSelector(conf UpstreamConfig) Selector {
	if len(conf.Addresses) > 0 {
		return NewRoundRobinSelector(conf.Addresses...)
	}
	return StaticSelector{Addr: conf.Address}
}
