package sessions

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/jrsteele09/go-bitbucket-auth/events"
	"github.com/jrsteele09/go-bitbucket-auth/internal/config"
	autherrors "github.com/jrsteele09/go-bitbucket-auth/internal/errors"
	"github.com/jrsteele09/go-bitbucket-auth/internal/metrics"
	"github.com/jrsteele09/go-bitbucket-auth/token"
)

// Removal reasons reported in session:removed events and metrics.
const (
	ReasonLogout  = "logout"
	ReasonExpired = "expired"
	ReasonIdle    = "idle"
	ReasonEvicted = "evicted"
	ReasonCleanup = "cleanup"
)

// Statistics is a snapshot of the registry. ExpiredSessions and CleanupCount are cumulative.
type Statistics struct {
	TotalSessions          int            `json:"totalSessions"`
	SessionsPerUser        map[string]int `json:"sessionsPerUser"`
	ExpiredSessions        int            `json:"expiredSessions"`
	AverageSessionDuration time.Duration  `json:"averageSessionDuration"`
	LastCleanup            time.Time      `json:"lastCleanup"`
	CleanupCount           int            `json:"cleanupCount"`
}

// Manager owns the session registry and drives every session lifecycle transition.
// Multi-step mutations run under one mutex; events are emitted after it is released.
type Manager struct {
	cfg        config.SessionConfig
	repo       Repo
	activities *ActivityLog
	emitter    *events.Emitter
	onActivity func(Activity)
	metrics    *metrics.Metrics
	logger     zerolog.Logger
	nowFunc    func() time.Time
	newID      func() (string, error)
	ticks      <-chan time.Time

	mu           sync.Mutex
	expiredTotal int
	cleanupCount int
	lastCleanup  time.Time

	loopMu sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

func WithRepo(repo Repo) ManagerOption {
	return func(m *Manager) {
		m.repo = repo
	}
}

// WithNowFunc sets the now time function (primarily for testing)
func WithNowFunc(nowFunc func() time.Time) ManagerOption {
	return func(m *Manager) {
		m.nowFunc = nowFunc
	}
}

func WithEmitter(e *events.Emitter) ManagerOption {
	return func(m *Manager) {
		m.emitter = e
	}
}

func WithLogger(l zerolog.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = l
	}
}

func WithMetrics(mt *metrics.Metrics) ManagerOption {
	return func(m *Manager) {
		m.metrics = mt
	}
}

// WithActivityObserver is called with every activity record, including the final record of a
// session whose history is discarded on removal.
func WithActivityObserver(fn func(Activity)) ManagerOption {
	return func(m *Manager) {
		m.onActivity = fn
	}
}

// WithIDGenerator replaces GenerateID.
func WithIDGenerator(fn func() (string, error)) ManagerOption {
	return func(m *Manager) {
		m.newID = fn
	}
}

// WithCleanupTicks drives the cleanup task from ticks instead of a ticker on the configured interval.
func WithCleanupTicks(ticks <-chan time.Time) ManagerOption {
	return func(m *Manager) {
		m.ticks = ticks
	}
}

// NewManager creates a session manager. The periodic cleanup task is started with Start.
func NewManager(cfg config.SessionConfig, options ...ManagerOption) (*Manager, error) {
	if cfg == nil {
		return nil, errors.New("[sessions.NewManager] config is required")
	}
	if cfg.GetMaxConcurrentSessions() < 1 {
		return nil, errors.New("[sessions.NewManager] max concurrent sessions must be at least 1")
	}
	if cfg.GetDefaultTimeout() <= 0 {
		return nil, errors.New("[sessions.NewManager] default timeout must be positive")
	}

	m := &Manager{
		cfg:        cfg,
		repo:       NewInMemoryRepo(),
		activities: NewActivityLog(MaxActivitiesPerSession),
		logger:     log.Logger,
		nowFunc:    time.Now,
		newID:      GenerateID,
	}

	// Apply optional configuration
	for _, opt := range options {
		opt(m)
	}
	m.logger = m.logger.With().Str("component", "sessions").Logger()

	return m, nil
}

// pending collects notifications produced under the lock.
type pending struct {
	events     []events.Event
	activities []Activity
}

func (p *pending) emit(name events.Name, payload map[string]any) {
	p.events = append(p.events, events.Event{Name: name, Payload: payload})
}

func (m *Manager) flush(p *pending) {
	if m.onActivity != nil {
		for _, a := range p.activities {
			m.onActivity(a)
		}
	}
	for _, e := range p.events {
		m.emitter.Emit(e.Name, e.Payload)
	}
}

func (m *Manager) record(p *pending, s *UserSession, t ActivityType, now time.Time, data map[string]any) {
	a := Activity{SessionID: s.ID, UserID: s.UserID, Type: t, Timestamp: now, Data: data}
	m.activities.Append(a)
	p.activities = append(p.activities, a)
}

// CreateSession creates a session for userID bound to tok. When the user already holds the
// maximum number of sessions, the least recently active one is evicted first. A zero expiresIn
// uses the configured default timeout.
func (m *Manager) CreateSession(userID, userName string, expiresIn time.Duration, tok token.Pair, metadata map[string]any) (*UserSession, error) {
	if userID == "" {
		return nil, autherrors.New(autherrors.CodeInvalidInput, "user id is required")
	}
	if expiresIn <= 0 {
		expiresIn = m.cfg.GetDefaultTimeout()
	}

	var p pending
	defer m.flush(&p)

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.nowFunc()
	id, err := m.newID()
	if err != nil {
		return nil, autherrors.Internal(err, "failed to generate session id")
	}
	s := &UserSession{
		ID:           id,
		UserID:       userID,
		UserName:     userName,
		CreatedAt:    now,
		LastActivity: now,
		ExpiresAt:    now.Add(expiresIn),
		Token:        tok,
		Metadata:     metadata,
	}

	// Victims are only removed once the new session is stored.
	victims := m.capacityVictimsLocked(userID)
	if err := m.repo.Insert(s); err != nil {
		return nil, autherrors.Internal(err, "failed to store session")
	}
	if err := m.evictLocked(&p, victims, now); err != nil {
		if _, delErr := m.repo.Delete(s.ID); delErr != nil {
			m.logger.Error().Err(delErr).Str("session_id", s.ID).Msg("failed to roll back session")
		}
		return nil, autherrors.Internal(err, "failed to evict session")
	}

	m.record(&p, s, ActivityLogin, now, nil)
	p.emit(events.SessionCreated, map[string]any{
		"sessionId": s.ID,
		"userId":    s.UserID,
		"userName":  s.UserName,
		"expiresAt": s.ExpiresAt,
	})
	m.metrics.SessionCreated()
	m.logger.Info().Str("session_id", s.ID).Str("user_id", userID).Time("expires_at", s.ExpiresAt).Msg("session created")

	return s.Clone(), nil
}

// capacityVictimsLocked returns the user's least recently active sessions that must go for a
// new one to fit.
func (m *Manager) capacityVictimsLocked(userID string) []*UserSession {
	limit := m.cfg.GetMaxConcurrentSessions()
	existing := m.repo.ListByUser(userID)
	if len(existing) < limit {
		return nil
	}
	sort.Slice(existing, func(i, j int) bool {
		if existing[i].LastActivity.Equal(existing[j].LastActivity) {
			return existing[i].CreatedAt.Before(existing[j].CreatedAt)
		}
		return existing[i].LastActivity.Before(existing[j].LastActivity)
	})
	return existing[:len(existing)-limit+1]
}

func (m *Manager) evictLocked(p *pending, victims []*UserSession, now time.Time) error {
	for _, s := range victims {
		if _, err := m.removeLocked(p, s.ID, ActivityLogout, ReasonEvicted, now); err != nil {
			return err
		}
		m.logger.Info().Str("session_id", s.ID).Str("user_id", s.UserID).Msg("session evicted, concurrent session limit reached")
	}
	return nil
}

// GetSession returns the session and records activity on it. Expired sessions are removed and
// reported as SESSION_EXPIRED.
func (m *Manager) GetSession(sessionID string) (*UserSession, error) {
	return m.access(sessionID, false)
}

// ValidateSession is GetSession with the idle timeout applied as well. It is the check to use
// before privileged operations.
func (m *Manager) ValidateSession(sessionID string) (*UserSession, error) {
	return m.access(sessionID, true)
}

func (m *Manager) access(sessionID string, checkIdle bool) (*UserSession, error) {
	var p pending
	defer m.flush(&p)

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.nowFunc()
	s, err := m.liveLocked(&p, sessionID, checkIdle, now)
	if err != nil {
		return nil, err
	}
	s.Touch(now)
	if err := m.repo.Update(s); err != nil {
		return nil, autherrors.Internal(err, "failed to update session")
	}
	m.record(&p, s, ActivityActivity, now, nil)
	return s, nil
}

// liveLocked loads a session, evicting it when it is dead.
func (m *Manager) liveLocked(p *pending, sessionID string, checkIdle bool, now time.Time) (*UserSession, error) {
	s, err := m.repo.Get(sessionID)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return nil, autherrors.New(autherrors.CodeSessionNotFound, "session not found")
		}
		return nil, autherrors.Internal(err, "failed to load session")
	}

	reason := ""
	switch {
	case s.IsExpired(now):
		reason = ReasonExpired
	case checkIdle && s.IsIdle(now, m.cfg.GetActivityTimeout()):
		reason = ReasonIdle
	}
	if reason == "" {
		return s, nil
	}

	if _, err := m.removeLocked(p, s.ID, ActivityTimeout, reason, now); err != nil {
		return nil, autherrors.Internal(err, "failed to remove expired session")
	}
	m.logger.Debug().Str("session_id", s.ID).Str("reason", reason).Msg("dead session removed on access")
	return nil, autherrors.New(autherrors.CodeSessionExpired, fmt.Sprintf("session %s", reason))
}

// UpdateSession applies fn to a copy of the session and stores the result. The id, user and
// creation time cannot be changed.
func (m *Manager) UpdateSession(sessionID string, fn func(*UserSession)) (*UserSession, error) {
	var p pending
	defer m.flush(&p)

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.nowFunc()
	s, err := m.liveLocked(&p, sessionID, false, now)
	if err != nil {
		return nil, err
	}
	id, userID, createdAt, lastActivity := s.ID, s.UserID, s.CreatedAt, s.LastActivity
	if fn != nil {
		fn(s)
	}
	s.ID, s.UserID, s.CreatedAt, s.LastActivity = id, userID, createdAt, lastActivity
	if s.ExpiresAt.Before(s.CreatedAt) {
		s.ExpiresAt = s.CreatedAt
	}
	s.Touch(now)
	if err := m.repo.Update(s); err != nil {
		return nil, autherrors.Internal(err, "failed to update session")
	}
	m.record(&p, s, ActivityActivity, now, map[string]any{"action": "updated"})
	return s.Clone(), nil
}

// UpdateSessionToken binds a new token pair to the session.
func (m *Manager) UpdateSessionToken(sessionID string, pair token.Pair) (*UserSession, error) {
	return m.UpdateSession(sessionID, func(s *UserSession) {
		s.Token = pair
	})
}

// RefreshSession extends the session to now + expiresIn (the default timeout when zero).
// The bound token is left unchanged.
func (m *Manager) RefreshSession(sessionID string, expiresIn time.Duration) (*UserSession, error) {
	if expiresIn <= 0 {
		expiresIn = m.cfg.GetDefaultTimeout()
	}

	var p pending
	defer m.flush(&p)

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.nowFunc()
	s, err := m.liveLocked(&p, sessionID, false, now)
	if err != nil {
		return nil, err
	}
	s.ExpiresAt = now.Add(expiresIn)
	s.Touch(now)
	if err := m.repo.Update(s); err != nil {
		return nil, autherrors.Internal(err, "failed to update session")
	}
	m.record(&p, s, ActivityActivity, now, map[string]any{"action": "refreshed"})
	p.emit(events.SessionRefreshed, map[string]any{
		"sessionId": s.ID,
		"userId":    s.UserID,
		"expiresAt": s.ExpiresAt,
	})
	return s.Clone(), nil
}

// RemoveSession removes the session. Removing an unknown session succeeds.
func (m *Manager) RemoveSession(sessionID string) error {
	var p pending
	defer m.flush(&p)

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.removeLocked(&p, sessionID, ActivityLogout, ReasonLogout, m.nowFunc()); err != nil {
		return autherrors.Internal(err, "failed to remove session")
	}
	return nil
}

// removeLocked deletes the session and its index entry. The final activity record goes to the
// activity observer before the history is discarded. It reports whether the session existed.
func (m *Manager) removeLocked(p *pending, sessionID string, t ActivityType, reason string, now time.Time) (bool, error) {
	s, err := m.repo.Delete(sessionID)
	if errors.Is(err, ErrSessionNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	m.record(p, s, t, now, map[string]any{"reason": reason})
	m.activities.Discard(sessionID)
	p.emit(events.SessionRemoved, map[string]any{
		"sessionId": s.ID,
		"userId":    s.UserID,
		"reason":    reason,
	})
	m.metrics.SessionRemoved(reason)
	return true, nil
}

// RemoveUserSessions removes every session of the user and returns how many were removed.
func (m *Manager) RemoveUserSessions(userID string) (int, error) {
	var p pending
	defer m.flush(&p)

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.nowFunc()
	removed := 0
	for _, s := range m.repo.ListByUser(userID) {
		ok, err := m.removeLocked(&p, s.ID, ActivityLogout, ReasonLogout, now)
		if err != nil {
			m.logger.Warn().Err(err).Str("session_id", s.ID).Msg("failed to remove user session")
			continue
		}
		if ok {
			removed++
		}
	}
	p.emit(events.UserSessionsRemoved, map[string]any{"userId": userID, "count": removed})
	m.logger.Info().Str("user_id", userID).Int("count", removed).Msg("user sessions removed")
	return removed, nil
}

// GetUserSessions returns the user's live sessions, oldest first. Expired sessions are removed.
func (m *Manager) GetUserSessions(userID string) ([]*UserSession, error) {
	var p pending
	defer m.flush(&p)

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.nowFunc()
	all := m.repo.ListByUser(userID)
	live := make([]*UserSession, 0, len(all))
	for _, s := range all {
		if s.IsExpired(now) {
			if _, err := m.removeLocked(&p, s.ID, ActivityTimeout, ReasonExpired, now); err != nil {
				return nil, autherrors.Internal(err, "failed to remove expired session")
			}
			continue
		}
		live = append(live, s)
	}
	sort.Slice(live, func(i, j int) bool { return live[i].CreatedAt.Before(live[j].CreatedAt) })
	return live, nil
}

// CleanupExpiredSessions removes every expired session and returns how many were removed.
// sessions:cleaned is emitted only when something was removed.
func (m *Manager) CleanupExpiredSessions() (int, error) {
	var p pending
	defer m.flush(&p)

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.nowFunc()
	removed := 0
	var firstErr error
	for _, s := range m.repo.List() {
		if !s.IsExpired(now) {
			continue
		}
		ok, err := m.removeLocked(&p, s.ID, ActivityCleanup, ReasonCleanup, now)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if ok {
			removed++
		}
	}

	m.expiredTotal += removed
	m.cleanupCount++
	m.lastCleanup = now
	m.metrics.Cleanup()

	if removed > 0 {
		p.emit(events.SessionsCleaned, map[string]any{"count": removed})
		m.logger.Info().Int("count", removed).Msg("expired sessions cleaned")
	}
	if firstErr != nil {
		return removed, errors.Wrap(firstErr, "[Manager.CleanupExpiredSessions]")
	}
	return removed, nil
}

// Statistics derives a snapshot from the registry.
func (m *Manager) Statistics() Statistics {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.nowFunc()
	all := m.repo.List()
	stats := Statistics{
		TotalSessions:   len(all),
		SessionsPerUser: make(map[string]int),
		ExpiredSessions: m.expiredTotal,
		LastCleanup:     m.lastCleanup,
		CleanupCount:    m.cleanupCount,
	}
	var total time.Duration
	for _, s := range all {
		stats.SessionsPerUser[s.UserID]++
		total += now.Sub(s.CreatedAt)
	}
	if len(all) > 0 {
		stats.AverageSessionDuration = total / time.Duration(len(all))
	}
	return stats
}

// Activities returns the audit trail of a live session, oldest first.
func (m *Manager) Activities(sessionID string) []Activity {
	return m.activities.List(sessionID)
}

// Start runs the periodic cleanup until Stop is called or ctx is done. Calling Start on a
// running manager does nothing.
func (m *Manager) Start(ctx context.Context) {
	m.loopMu.Lock()
	defer m.loopMu.Unlock()
	if m.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})

	ticks := m.ticks
	var ticker *time.Ticker
	if ticks == nil {
		ticker = time.NewTicker(m.cfg.GetCleanupInterval())
		ticks = ticker.C
	}

	go func(done chan struct{}) {
		defer close(done)
		if ticker != nil {
			defer ticker.Stop()
		}
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-ticks:
				if !ok {
					return
				}
				m.runCleanup()
			}
		}
	}(m.done)

	m.logger.Debug().Dur("interval", m.cfg.GetCleanupInterval()).Msg("session cleanup started")
}

// Stop stops the cleanup task and waits for it to exit.
func (m *Manager) Stop() {
	m.loopMu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.loopMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// runCleanup performs one pass. Failures, panics included, are reported as error events so the
// loop keeps running.
func (m *Manager) runCleanup() {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error().Interface("panic", r).Msg("session cleanup panicked")
			m.emitter.Emit(events.Error, map[string]any{"operation": "cleanup", "error": fmt.Sprint(r)})
		}
	}()
	if _, err := m.CleanupExpiredSessions(); err != nil {
		m.logger.Error().Err(err).Msg("session cleanup failed")
		m.emitter.Emit(events.Error, map[string]any{"operation": "cleanup", "error": err.Error()})
	}
}
