package flowstate

import (
	"errors"
	"time"
)

// ErrStateNotFound is returned when no record exists for a state value.
var ErrStateNotFound = errors.New("state not found")

// OAuthState correlates an authorization redirect with the callback that completes it.
type OAuthState struct {
	State        string
	CodeVerifier string // empty for non-PKCE requests
	RedirectURI  string
	CreatedAt    time.Time
	ExpiresAt    time.Time
}

// IsExpired reports whether the record is past its expiry at now.
func (s *OAuthState) IsExpired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

type Repo interface {
	Upsert(state *OAuthState) error
	Get(state string) (*OAuthState, error)
	// Take returns the record and deletes it in one step.
	Take(state string) (*OAuthState, error)
	Delete(state string) error
	// DeleteExpired removes every record expired at now and returns how many were removed.
	DeleteExpired(now time.Time) int
	Len() int
}
