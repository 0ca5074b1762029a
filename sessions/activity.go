package sessions

import (
	"sync"
	"time"
)

// MaxActivitiesPerSession caps the audit trail kept for each session.
const MaxActivitiesPerSession = 100

// ActivityType classifies an audit trail entry.
type ActivityType string

const (
	ActivityLogin    ActivityType = "login"
	ActivityLogout   ActivityType = "logout"
	ActivityActivity ActivityType = "activity"
	ActivityTimeout  ActivityType = "timeout"
	ActivityCleanup  ActivityType = "cleanup"
)

// Activity is a single audit trail entry for a session.
type Activity struct {
	SessionID string         `json:"sessionId"`
	UserID    string         `json:"userId"`
	Type      ActivityType   `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// ActivityLog keeps the most recent activities of each session in a fixed size ring.
type ActivityLog struct {
	mu    sync.RWMutex
	size  int
	rings map[string]*activityRing
}

type activityRing struct {
	entries []Activity
	next    int
	full    bool
}

// NewActivityLog creates a log keeping at most size entries per session.
func NewActivityLog(size int) *ActivityLog {
	if size <= 0 {
		size = MaxActivitiesPerSession
	}
	return &ActivityLog{
		size:  size,
		rings: make(map[string]*activityRing),
	}
}

// Append records a for its session, overwriting the oldest entry when the ring is full.
func (l *ActivityLog) Append(a Activity) {
	l.mu.Lock()
	defer l.mu.Unlock()

	r, ok := l.rings[a.SessionID]
	if !ok {
		r = &activityRing{entries: make([]Activity, l.size)}
		l.rings[a.SessionID] = r
	}
	r.entries[r.next] = a
	r.next = (r.next + 1) % l.size
	if r.next == 0 {
		r.full = true
	}
}

// List returns the session's activities, oldest first.
func (l *ActivityLog) List(sessionID string) []Activity {
	l.mu.RLock()
	defer l.mu.RUnlock()

	r, ok := l.rings[sessionID]
	if !ok {
		return nil
	}
	if !r.full {
		out := make([]Activity, r.next)
		copy(out, r.entries[:r.next])
		return out
	}
	out := make([]Activity, 0, l.size)
	out = append(out, r.entries[r.next:]...)
	return append(out, r.entries[:r.next]...)
}

// Discard drops the session's history.
func (l *ActivityLog) Discard(sessionID string) {
	l.mu.Lock()
	delete(l.rings, sessionID)
	l.mu.Unlock()
}

// Sessions returns the number of sessions with a history.
func (l *ActivityLog) Sessions() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.rings)
}
