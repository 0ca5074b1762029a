package token

import (
	"sync"
	"time"
)

// Store holds the current token pair of a client. The zero value is empty and ready to use.
type Store struct {
	mu   sync.RWMutex
	pair *Pair
}

// NewStore creates a Store holding p.
func NewStore(p Pair) *Store {
	s := &Store{}
	s.Set(p)
	return s
}

// Set replaces the current pair.
func (s *Store) Set(p Pair) {
	p.Scopes = append([]string(nil), p.Scopes...)
	s.mu.Lock()
	s.pair = &p
	s.mu.Unlock()
}

// Get returns a copy of the current pair.
func (s *Store) Get() (Pair, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.pair == nil {
		return Pair{}, false
	}
	p := *s.pair
	p.Scopes = append([]string(nil), p.Scopes...)
	return p, true
}

// Clear forgets the current pair.
func (s *Store) Clear() {
	s.mu.Lock()
	s.pair = nil
	s.mu.Unlock()
}

// HasToken reports whether a pair with a non-empty access token is held.
func (s *Store) HasToken() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pair != nil && s.pair.AccessToken != ""
}

// NearExpiry reports whether the held pair is within RefreshThreshold of expiring.
// An empty store is treated as expired.
func (s *Store) NearExpiry(now time.Time) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.pair == nil {
		return true
	}
	return s.pair.NearExpiry(now)
}

// Replace sets p only while the store still holds the access token previous.
// It reports whether the pair was replaced.
func (s *Store) Replace(previous string, p Pair) bool {
	p.Scopes = append([]string(nil), p.Scopes...)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pair == nil || s.pair.AccessToken != previous {
		return false
	}
	s.pair = &p
	return true
}
