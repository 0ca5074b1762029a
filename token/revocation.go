package token

import (
	"sync"
	"time"
)

// DefaultRevokedRetention is how long a revoked token without a known expiry is remembered.
const DefaultRevokedRetention = 24 * time.Hour

// RevokedTokenCache remembers tokens revoked by this process until they would have expired anyway.
type RevokedTokenCache interface {
	Add(rawToken string, exp time.Time)
	IsRevoked(rawToken string) bool
	Cleanup() int // Remove expired entries
}

// InMemoryRevokedTokenCache keys entries by Fingerprint so raw tokens are never retained.
type InMemoryRevokedTokenCache struct {
	revoked map[string]time.Time
	mu      sync.RWMutex
	nowFunc func() time.Time
}

func NewInMemoryRevokedTokenCache(nowFunc func() time.Time) *InMemoryRevokedTokenCache {
	if nowFunc == nil {
		nowFunc = time.Now
	}
	return &InMemoryRevokedTokenCache{
		revoked: make(map[string]time.Time),
		nowFunc: nowFunc,
	}
}

func (c *InMemoryRevokedTokenCache) Add(rawToken string, exp time.Time) {
	if rawToken == "" {
		return
	}
	if exp.IsZero() {
		exp = c.nowFunc().Add(DefaultRevokedRetention)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.revoked[Fingerprint(rawToken)] = exp
}

func (c *InMemoryRevokedTokenCache) IsRevoked(rawToken string) bool {
	if rawToken == "" {
		return false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, exists := c.revoked[Fingerprint(rawToken)]
	return exists
}

func (c *InMemoryRevokedTokenCache) Cleanup() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.nowFunc()
	removed := 0
	for fp, exp := range c.revoked {
		if now.After(exp) {
			delete(c.revoked, fp)
			removed++
		}
	}
	return removed
}

func (c *InMemoryRevokedTokenCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.revoked)
}
