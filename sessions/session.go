package sessions

import (
	"crypto/rand"
	"encoding/hex"
	"maps"
	"slices"
	"time"

	"github.com/pkg/errors"

	"github.com/jrsteele09/go-bitbucket-auth/token"
)

const (
	// IDPrefix is prepended to every generated session id.
	IDPrefix = "sess_"
	idBytes  = 32
)

// UserSession is an authenticated user session bound to a token pair.
// It is plain data; the registry hands out copies.
type UserSession struct {
	ID           string         `json:"id"`
	UserID       string         `json:"userId"`
	UserName     string         `json:"userName"`
	CreatedAt    time.Time      `json:"createdAt"`
	LastActivity time.Time      `json:"lastActivity"`
	ExpiresAt    time.Time      `json:"expiresAt"`
	Token        token.Pair     `json:"-"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// IsExpired reports whether the session's lifetime has ended. A session expiring exactly at now is expired.
func (s *UserSession) IsExpired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// IsIdle reports whether the session has been inactive for longer than timeout. A zero timeout disables the check.
func (s *UserSession) IsIdle(now time.Time, timeout time.Duration) bool {
	return timeout > 0 && now.Sub(s.LastActivity) > timeout
}

// IsActive reports whether the session is neither expired nor idle.
func (s *UserSession) IsActive(now time.Time, activityTimeout time.Duration) bool {
	return !s.IsExpired(now) && !s.IsIdle(now, activityTimeout)
}

// Touch moves LastActivity forward to now. It never moves it backwards.
func (s *UserSession) Touch(now time.Time) {
	if now.After(s.LastActivity) {
		s.LastActivity = now
	}
}

// Clone returns a copy that shares no maps or slices with s.
func (s *UserSession) Clone() *UserSession {
	if s == nil {
		return nil
	}
	c := *s
	c.Metadata = maps.Clone(s.Metadata)
	c.Token.Scopes = slices.Clone(s.Token.Scopes)
	return &c
}

// GenerateID returns IDPrefix followed by 32 random bytes in hex.
func GenerateID() (string, error) {
	b := make([]byte, idBytes)
	if _, err := rand.Read(b); err != nil {
		return "", errors.Wrap(err, "[sessions.GenerateID] failed to read random bytes")
	}
	return IDPrefix + hex.EncodeToString(b), nil
}
