package session

import (
	"errors"
	"sync"
)

// ErrDuplicateClient is returned when a client id is already connected.
var ErrDuplicateClient = errors.New("client already connected")

// Registry maps client ids to live sessions.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Register adds s. It fails if the client id is taken.
func (r *Registry) Register(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sessions[s.clientID]; exists {
		return ErrDuplicateClient
	}
	r.sessions[s.clientID] = s
	return nil
}

// Unregister removes s if it is still the registered session for its client
// id. It reports whether anything was removed and is safe to call twice.
func (r *Registry) Unregister(s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.sessions[s.clientID]; ok && current == s {
		delete(r.sessions, s.clientID)
		return true
	}
	return false
}

func (r *Registry) Get(clientID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[clientID]
	return s, ok
}

// Unicast sends payload to clientID. A client that already left is not an
// error.
func (r *Registry) Unicast(clientID string, payload []byte) error {
	s, ok := r.Get(clientID)
	if !ok {
		return nil
	}
	return s.Send(payload)
}

// Snapshot returns the sessions registered right now. Callers iterate the
// copy without holding the lock.
func (r *Registry) Snapshot() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
