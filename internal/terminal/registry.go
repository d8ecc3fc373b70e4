package terminal

import (
	"sort"
	"sync"
)

// Registry is the set of connections that currently own a terminal session.
// A connection is reserved by TryRegister before its session exists, so a
// second identify on the same connection is rejected while the first is still
// attaching.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// TryRegister reserves connID. It returns false if connID is already present.
func (r *Registry) TryRegister(connID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[connID]; ok {
		return false
	}
	r.sessions[connID] = nil
	return true
}

// Unregister removes connID and returns its session, if one was attached.
// Removing an unknown connection is a no-op.
func (r *Registry) Unregister(connID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess := r.sessions[connID]
	delete(r.sessions, connID)
	return sess
}

// Get returns the attached session for connID.
func (r *Registry) Get(connID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess := r.sessions[connID]
	return sess, sess != nil
}

// Len returns the number of registered connections, attaching or attached.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Sessions returns the attached sessions ordered by connection id.
func (r *Registry) Sessions() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		if sess != nil {
			out = append(out, sess)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConnID < out[j].ConnID })
	return out
}

// bind attaches sess to its reserved connection. It fails if the reservation
// was dropped in the meantime.
func (r *Registry) bind(sess *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.sessions[sess.ConnID]
	if !ok || cur != nil {
		return false
	}
	r.sessions[sess.ConnID] = sess
	return true
}

// release drops the reservation for connID unless a session is bound to it.
func (r *Registry) release(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sess, ok := r.sessions[connID]; ok && sess == nil {
		delete(r.sessions, connID)
	}
}

// remove deletes connID only while it still maps to sess.
func (r *Registry) remove(sess *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions[sess.ConnID] == sess {
		delete(r.sessions, sess.ConnID)
	}
}
