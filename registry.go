package ccproxy

import (
	"errors"
	"fmt"
	"sync"

	"github.com/df-mc/atomic"
)

// ErrSessionLimit is returned by Registry.Add when the session cap is
// reached.
var ErrSessionLimit = errors.New("session limit reached")

// registryShards is the number of independently locked shards a Registry
// spreads its sessions over.
const registryShards = 32

// Registry tracks the live sessions of a proxy, keyed by the client's
// unique ID. The client ID stays stable when a client re-handshakes from a
// new address, so registry entries never go stale on address changes.
type Registry struct {
	limit  int
	count  atomic.Int32
	shards [registryShards]registryShard
}

type registryShard struct {
	mu       sync.RWMutex
	sessions map[int64]*Session
}

// NewRegistry returns a Registry that admits at most limit sessions. A
// limit of 0 or lower admits any number.
func NewRegistry(limit int) *Registry {
	r := &Registry{limit: limit}
	for i := range r.shards {
		r.shards[i].sessions = map[int64]*Session{}
	}
	return r
}

func (r *Registry) shard(id int64) *registryShard {
	return &r.shards[uint64(id)%registryShards]
}

// Add registers a session. It returns ErrSessionLimit when the cap is
// reached and an error when a session with the same client ID already
// exists.
func (r *Registry) Add(s *Session) error {
	if n := r.count.Inc(); r.limit > 0 && int(n) > r.limit {
		r.count.Dec()
		return ErrSessionLimit
	}
	sh := r.shard(s.ClientID())
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if _, ok := sh.sessions[s.ClientID()]; ok {
		r.count.Dec()
		return fmt.Errorf("session with client ID %v already registered", s.ClientID())
	}
	sh.sessions[s.ClientID()] = s
	return nil
}

// Get returns the session of a client ID, if any.
func (r *Registry) Get(id int64) (*Session, bool) {
	sh := r.shard(id)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	s, ok := sh.sessions[id]
	return s, ok
}

// Remove deregisters a session. It is a no-op if the registry holds a
// different session under the same client ID.
func (r *Registry) Remove(s *Session) {
	sh := r.shard(s.ClientID())
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if cur, ok := sh.sessions[s.ClientID()]; ok && cur == s {
		delete(sh.sessions, s.ClientID())
		r.count.Dec()
	}
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	return int(r.count.Load())
}

// Range calls f for every registered session until f returns false. The
// sessions visited are a snapshot per shard, so f may call Remove.
func (r *Registry) Range(f func(s *Session) bool) {
	for i := range r.shards {
		sh := &r.shards[i]
		sh.mu.RLock()
		snapshot := make([]*Session, 0, len(sh.sessions))
		for _, s := range sh.sessions {
			snapshot = append(snapshot, s)
		}
		sh.mu.RUnlock()
		for _, s := range snapshot {
			if !f(s) {
				return
			}
		}
	}
}
