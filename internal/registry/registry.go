// Package registry implements the concurrent client registry (C4): the
// mapping between a live connection and its bound username, mutated safely
// under client join/leave churn.
//
// The spec allows either a re-entrant lock (because the original's
// remove_client calls broadcast while already holding the lock) or a split
// between "registry mutation" and "fan-out" critical sections. This
// implementation takes the split: Registry's lock is a plain sync.Mutex,
// held only across map mutation and snapshot — never across a blocking
// send. Callers needing to broadcast as part of a removal (e.g. admin
// kick) take a snapshot first, release the lock, then send.
package registry

import (
	"sync"

	"sochet/internal/session"
)

// Registry maps live sessions to usernames and back.
type Registry struct {
	mu     sync.Mutex
	byConn map[*session.Session]string
	byUser map[string]*session.Session
	order  []string // admit order, for ActiveUsernames — Go map iteration is randomized
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		byConn: make(map[*session.Session]string),
		byUser: make(map[string]*session.Session),
	}
}

// Admit binds username to sess. It fails if username is already bound to a
// different, still-live session — the spec's duplicate-login policy.
func (r *Registry) Admit(sess *session.Session, username string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byUser[username]; exists {
		return false
	}
	r.byConn[sess] = username
	r.byUser[username] = sess
	r.order = append(r.order, username)
	return true
}

// Remove unbinds sess and returns the username it was bound to, or ""
// if sess was not registered. Idempotent: removing twice is a no-op the
// second time.
func (r *Registry) Remove(sess *session.Session) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	username, ok := r.byConn[sess]
	if !ok {
		return ""
	}
	delete(r.byConn, sess)
	delete(r.byUser, username)
	for i, u := range r.order {
		if u == username {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return username
}

// ActiveUsernames returns a stable snapshot of currently bound usernames, in
// admit order (the order clients joined in), not Go's randomized map
// iteration order. Safe to call while other goroutines mutate the
// registry — it's a point-in-time copy.
func (r *Registry) ActiveUsernames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Snapshot returns every registered session, for broadcast fan-out. The
// lock is released before the caller does any I/O with the result.
func (r *Registry) Snapshot() []*session.Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*session.Session, 0, len(r.byConn))
	for c := range r.byConn {
		out = append(out, c)
	}
	return out
}

// FindByUsername returns the session currently bound to username, if any.
func (r *Registry) FindByUsername(username string) (*session.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.byUser[username]
	return c, ok
}

// Len reports the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byConn)
}
