package sessions

import (
	"fmt"
	"sync"
)

// InMemoryRepo is a thread-safe in-memory Repo.
type InMemoryRepo struct {
	mu       sync.RWMutex
	sessions map[string]*UserSession        // sessionID -> session
	byUser   map[string]map[string]struct{} // userID -> sessionID set
}

// NewInMemoryRepo creates an empty session repository
func NewInMemoryRepo() *InMemoryRepo {
	return &InMemoryRepo{
		sessions: make(map[string]*UserSession),
		byUser:   make(map[string]map[string]struct{}),
	}
}

// Insert adds a new session. It fails without side effects if the id is taken.
func (r *InMemoryRepo) Insert(session *UserSession) error {
	if err := validate(session); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[session.ID]; exists {
		return ErrSessionExists
	}
	r.sessions[session.ID] = session.Clone()
	ids, ok := r.byUser[session.UserID]
	if !ok {
		ids = make(map[string]struct{})
		r.byUser[session.UserID] = ids
	}
	ids[session.ID] = struct{}{}
	return nil
}

// Update replaces a stored session. The owning user cannot change.
func (r *InMemoryRepo) Update(session *UserSession) error {
	if err := validate(session); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.sessions[session.ID]
	if !ok {
		return ErrSessionNotFound
	}
	if existing.UserID != session.UserID {
		return fmt.Errorf("session %s belongs to another user", session.ID)
	}
	r.sessions[session.ID] = session.Clone()
	return nil
}

// Get returns a copy of the session
func (r *InMemoryRepo) Get(sessionID string) (*UserSession, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s.Clone(), nil
}

// Delete removes the session and its index entry, returning what was removed.
func (r *InMemoryRepo) Delete(sessionID string) (*UserSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	delete(r.sessions, sessionID)

	if ids, ok := r.byUser[s.UserID]; ok {
		delete(ids, sessionID)
		// Clean up empty user set
		if len(ids) == 0 {
			delete(r.byUser, s.UserID)
		}
	}
	return s, nil
}

// ListByUser returns copies of the user's sessions
func (r *InMemoryRepo) ListByUser(userID string) []*UserSession {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := r.byUser[userID]
	out := make([]*UserSession, 0, len(ids))
	for id := range ids {
		out = append(out, r.sessions[id].Clone())
	}
	return out
}

// List returns copies of every session
func (r *InMemoryRepo) List() []*UserSession {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*UserSession, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.Clone())
	}
	return out
}

func (r *InMemoryRepo) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Users returns the number of users holding at least one session.
func (r *InMemoryRepo) Users() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser)
}

// IndexConsistent reports whether every indexed id points at a session of the same user
// and every session is indexed exactly once.
func (r *InMemoryRepo) IndexConsistent() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	indexed := 0
	for userID, ids := range r.byUser {
		if len(ids) == 0 {
			return false
		}
		for id := range ids {
			s, ok := r.sessions[id]
			if !ok || s.UserID != userID {
				return false
			}
			indexed++
		}
	}
	return indexed == len(r.sessions)
}

func validate(session *UserSession) error {
	if session == nil {
		return fmt.Errorf("session cannot be nil")
	}
	if session.ID == "" {
		return fmt.Errorf("session id is required")
	}
	if session.UserID == "" {
		return fmt.Errorf("userID is required")
	}
	return nil
}
