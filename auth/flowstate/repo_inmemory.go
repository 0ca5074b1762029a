package flowstate

import (
	"errors"
	"sync"
	"time"
)

// InMemoryRepo is a thread-safe in-memory implementation of the Repo interface
type InMemoryRepo struct {
	mu     sync.RWMutex
	states map[string]OAuthState
}

// NewInMemoryRepo creates a new in-memory OAuth state repository
func NewInMemoryRepo() *InMemoryRepo {
	return &InMemoryRepo{
		states: make(map[string]OAuthState),
	}
}

// Upsert stores or updates a state record
func (r *InMemoryRepo) Upsert(state *OAuthState) error {
	if state == nil {
		return errors.New("state cannot be nil")
	}
	if state.State == "" {
		return errors.New("state cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Store a copy to prevent external modifications
	r.states[state.State] = *state
	return nil
}

// Get retrieves a state record
func (r *InMemoryRepo) Get(state string) (*OAuthState, error) {
	if state == "" {
		return nil, errors.New("state cannot be empty")
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	s, exists := r.states[state]
	if !exists {
		return nil, ErrStateNotFound
	}
	return &s, nil
}

// Take retrieves and removes a state record
func (r *InMemoryRepo) Take(state string) (*OAuthState, error) {
	if state == "" {
		return nil, errors.New("state cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	s, exists := r.states[state]
	if !exists {
		return nil, ErrStateNotFound
	}
	delete(r.states, state)
	return &s, nil
}

// Delete removes a state record. Deleting an unknown state is not an error.
func (r *InMemoryRepo) Delete(state string) error {
	if state == "" {
		return errors.New("state cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.states, state)
	return nil
}

// DeleteExpired removes expired records under the write lock.
func (r *InMemoryRepo) DeleteExpired(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for key, s := range r.states {
		if s.IsExpired(now) {
			delete(r.states, key)
			removed++
		}
	}
	return removed
}

func (r *InMemoryRepo) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.states)
}
