package chat

import (
	"sort"
	"sync"
)

// Conn is an opaque handle to one live client connection. Emit is
// best-effort and reports false when the connection is already gone.
type Conn interface {
	Emit(Frame) bool
}

// Registry maps a user identity to its single live connection. It is the
// only source of truth for who is online. A new registration for the same
// identity silently replaces the previous handle; Unregister only removes
// the entry when it still refers to the caller's handle, so a stale
// teardown never evicts a newer connection.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]Conn
}

func NewRegistry() *Registry {
	return &Registry{
		conns: make(map[string]Conn),
	}
}

func (r *Registry) Register(userID string, conn Conn) {
	r.mu.Lock()
	r.conns[userID] = conn
	r.mu.Unlock()
}

// Unregister removes the entry if it still holds conn. It reports whether
// the entry was removed.
func (r *Registry) Unregister(userID string, conn Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if current, ok := r.conns[userID]; ok && current == conn {
		delete(r.conns, userID)
		return true
	}
	return false
}

func (r *Registry) Lookup(userID string) (Conn, bool) {
	r.mu.RLock()
	conn, ok := r.conns[userID]
	r.mu.RUnlock()
	return conn, ok
}

// Online reports whether the user currently holds a live connection.
func (r *Registry) Online(userID string) bool {
	_, ok := r.Lookup(userID)
	return ok
}

// Snapshot returns the sorted set of online identities.
func (r *Registry) Snapshot() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	sort.Strings(ids)
	return ids
}

// Broadcast emits the frame to every live connection. Failures are ignored;
// an unreachable connection is presumed already gone.
func (r *Registry) Broadcast(f Frame) {
	r.mu.RLock()
	conns := make([]Conn, 0, len(r.conns))
	for _, conn := range r.conns {
		conns = append(conns, conn)
	}
	r.mu.RUnlock()

	for _, conn := range conns {
		conn.Emit(f)
	}
}
