// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"hash/fnv"
	"sync"
	"sync/atomic"
)

var _ Registry = (*ShardedRegistry)(nil)

// Registry is an in-memory store for live sessions, keyed by display
// name. A name is present from the moment it is bound until the session
// is reaped, so presence doubles as the uniqueness check.
// This abstraction allows different registry implementations (map, LRU,
// distributed, etc.) while keeping the broker logic clean.
type Registry interface {
	// Get retrieves a session by name.
	// Returns nil if the name is not bound.
	Get(name string) *Session

	// Set binds a name to a session, replacing any previous binding.
	Set(name string, session *Session)

	// Delete removes a name binding.
	// Returns true if the name was bound, false otherwise.
	Delete(name string) bool

	// ForEach iterates over all registered sessions.
	// The iteration order is not guaranteed.
	ForEach(fn func(*Session))

	// Count returns the total number of registered sessions.
	Count() int

	// ConnectedCount returns the number of connected sessions.
	ConnectedCount() int
}

const numShards = 64

type registryShard struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// ShardedRegistry splits sessions across multiple shards to reduce lock
// contention. Each shard has its own RWMutex so concurrent operations
// on different names don't block each other.
type ShardedRegistry struct {
	shards [numShards]registryShard
	count  atomic.Int64
}

// NewShardedRegistry creates a new sharded session registry.
func NewShardedRegistry() *ShardedRegistry {
	r := &ShardedRegistry{}
	for i := range r.shards {
		r.shards[i].sessions = make(map[string]*Session)
	}
	return r
}

func (r *ShardedRegistry) shard(key string) *registryShard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &r.shards[h.Sum32()%numShards]
}

// Get retrieves a session by name.
func (r *ShardedRegistry) Get(name string) *Session {
	s := r.shard(name)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessions[name]
}

// Set binds a name to a session.
func (r *ShardedRegistry) Set(name string, session *Session) {
	s := r.shard(name)
	s.mu.Lock()
	if _, exists := s.sessions[name]; !exists {
		r.count.Add(1)
	}
	s.sessions[name] = session
	s.mu.Unlock()
}

// Delete removes a name binding.
func (r *ShardedRegistry) Delete(name string) bool {
	s := r.shard(name)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sessions[name]; exists {
		delete(s.sessions, name)
		r.count.Add(-1)
		return true
	}
	return false
}

// ForEach iterates over all registered sessions.
func (r *ShardedRegistry) ForEach(fn func(*Session)) {
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.RLock()
		for _, sess := range s.sessions {
			fn(sess)
		}
		s.mu.RUnlock()
	}
}

// Count returns the total number of registered sessions.
func (r *ShardedRegistry) Count() int {
	return int(r.count.Load())
}

// ConnectedCount returns the number of connected sessions.
func (r *ShardedRegistry) ConnectedCount() int {
	count := 0
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.RLock()
		for _, sess := range s.sessions {
			if sess.IsConnected() {
				count++
			}
		}
		s.mu.RUnlock()
	}
	return count
}
