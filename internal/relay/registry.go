package relay

import (
	"sort"
	"sync"
)

// Entry is one registry row
type Entry struct {
	PeerID string
	Conn   *Conn
}

// Registry is the single authoritative map from peer identity to connection.
// Only open connections are inserted; teardown removes them.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*Conn
}

func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]*Conn)}
}

// Upsert stores c under peerID and returns the entry it replaced, if any.
func (r *Registry) Upsert(peerID string, c *Conn) *Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.conns[peerID]
	r.conns[peerID] = c
	return prev
}

// Remove deletes peerID; absent keys are a no-op.
func (r *Registry) Remove(peerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, peerID)
}

// RemoveConn deletes peerID only while it still maps to c, so a late
// teardown of a replaced connection cannot evict its successor.
func (r *Registry) RemoveConn(peerID string, c *Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conns[peerID] != c {
		return false
	}
	delete(r.conns, peerID)
	return true
}

func (r *Registry) Get(peerID string) (*Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[peerID]
	return c, ok
}

// Holds reports whether peerID currently maps to c.
func (r *Registry) Holds(peerID string, c *Conn) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.conns[peerID] == c
}

// All returns a snapshot of the entries in no particular order.
func (r *Registry) All() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Entry, 0, len(r.conns))
	for id, c := range r.conns {
		out = append(out, Entry{PeerID: id, Conn: c})
	}
	return out
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// IDs returns the registered peer identities, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}
