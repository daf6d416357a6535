package session

import (
	"fmt"
	"sort"
	"sync"

	"github.com/shehryarbajwa/eus-proxy/pkg/models"
)

// Registry is the set of sessions whose backend is up and not yet torn down
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*models.Session
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*models.Session)}
}

// Put registers s; ids are never reused while registered
func (r *Registry) Put(s *models.Session) error {
	if s.ID == "" {
		return fmt.Errorf("session without id")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[s.ID]; exists {
		return fmt.Errorf("session %s already registered", s.ID)
	}
	r.sessions[s.ID] = s
	return nil
}

// Get looks a session up by id
func (r *Registry) Get(id string) (*models.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Contains reports whether id is registered
func (r *Registry) Contains(id string) bool {
	_, ok := r.Get(id)
	return ok
}

// Remove drops id and reports whether it was present
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.sessions[id]
	delete(r.sessions, id)
	return ok
}

// List returns every registered session ordered by creation time
func (r *Registry) List() []*models.Session {
	r.mu.RLock()
	out := make([]*models.Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Len is the number of registered sessions
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
