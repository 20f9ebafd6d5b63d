package server

import (
	"sort"
	"sync"
)

// Registry maps logged in usernames to their sessions. Names are case
// sensitive and map to at most one session at a time.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// TryAdd registers s under name unless the name is taken. The check and the
// insert happen under one lock, so of several concurrent calls with the same
// name exactly one succeeds.
func (r *Registry) TryAdd(name string, s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, taken := r.sessions[name]; taken {
		return false
	}
	r.sessions[name] = s
	return true
}

// Remove unregisters name if it still belongs to s.
func (r *Registry) Remove(name string, s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if current, ok := r.sessions[name]; ok && current == s {
		delete(r.sessions, name)
		return true
	}
	return false
}

// Lookup returns the session registered under name.
func (r *Registry) Lookup(name string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[name]
	return s, ok
}

// Contains reports whether name is registered.
func (r *Registry) Contains(name string) bool {
	_, ok := r.Lookup(name)
	return ok
}

// Names returns the registered usernames except exclude, sorted. The result is
// never nil.
func (r *Registry) Names(exclude string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.sessions))
	for name := range r.sessions {
		if name == exclude {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Sessions returns a snapshot of the registered sessions except exclude.
func (r *Registry) Sessions(exclude *Session) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		if s == exclude {
			continue
		}
		sessions = append(sessions, s)
	}
	return sessions
}

// Len returns the number of registered users.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
