// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"errors"
	"hash/fnv"
	"sync"
	"sync/atomic"

	"github.com/absmach/mqproxy/topics"
)

// ErrTooManyConnections is returned when a tenant is at its connection limit.
var ErrTooManyConnections = errors.New("too many connections for organization")

const numShards = 64

type registryShard struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// Registry indexes live sessions by client identifier and counts them per
// organization. Sessions are spread across shards so unrelated clients do
// not contend.
type Registry struct {
	shards [numShards]registryShard
	count  atomic.Int64

	mu   sync.Mutex
	orgs map[string]int
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	r := &Registry{orgs: make(map[string]int)}
	for i := range r.shards {
		r.shards[i].sessions = make(map[string]*Session)
	}
	return r
}

func (r *Registry) shard(key string) *registryShard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &r.shards[h.Sum32()%numShards]
}

// Register adds s under its client identifier. A session already registered
// under the same identifier is replaced and returned so the caller can take
// it over. limit bounds the sessions of the organization; zero is unlimited.
func (r *Registry) Register(s *Session, limit int) (*Session, error) {
	sh := r.shard(s.clientID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	old := sh.sessions[s.clientID]
	if old == nil {
		r.mu.Lock()
		if limit > 0 && r.orgs[s.org] >= limit {
			r.mu.Unlock()
			return nil, ErrTooManyConnections
		}
		r.orgs[s.org]++
		r.mu.Unlock()
		r.count.Add(1)
	}
	sh.sessions[s.clientID] = s
	return old, nil
}

// Remove drops s if it is still the registered session for its identifier.
func (r *Registry) Remove(s *Session) bool {
	sh := r.shard(s.clientID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if sh.sessions[s.clientID] != s {
		return false
	}
	delete(sh.sessions, s.clientID)
	r.count.Add(-1)

	r.mu.Lock()
	if r.orgs[s.org] <= 1 {
		delete(r.orgs, s.org)
	} else {
		r.orgs[s.org]--
	}
	r.mu.Unlock()
	return true
}

// Get returns the session registered for clientID, or nil.
func (r *Registry) Get(clientID string) *Session {
	sh := r.shard(clientID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	return sh.sessions[clientID]
}

// FindDevice returns the session of a device or gateway, or nil.
func (r *Registry) FindDevice(org, devType, devID string) *Session {
	for _, class := range []byte{topics.ClassDevice, topics.ClassGateway} {
		id := string(class) + ":" + org + ":" + devType + ":" + devID
		if s := r.Get(id); s != nil {
			return s
		}
	}
	return nil
}

// ForEach calls fn for every registered session. fn must not call back
// into the registry.
func (r *Registry) ForEach(fn func(*Session)) {
	for i := range r.shards {
		sh := &r.shards[i]
		sh.mu.RLock()
		for _, s := range sh.sessions {
			fn(s)
		}
		sh.mu.RUnlock()
	}
}

// Count returns the number of registered sessions.
func (r *Registry) Count() int {
	return int(r.count.Load())
}

// OrgCount returns the number of registered sessions of org.
func (r *Registry) OrgCount(org string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.orgs[org]
}
