package refresh

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	autherrors "github.com/jrsteele09/go-bitbucket-auth/internal/errors"
	"github.com/jrsteele09/go-bitbucket-auth/oauthmodel"
	"github.com/jrsteele09/go-bitbucket-auth/sessions"
	"github.com/jrsteele09/go-bitbucket-auth/token"
)

// DefaultRefreshTimeout bounds a refresh request shared between callers.
const DefaultRefreshTimeout = 30 * time.Second

// TokenRefresher redeems refresh tokens. *auth.FlowEngine satisfies it.
type TokenRefresher interface {
	RefreshAccessToken(ctx context.Context, refreshToken string) (token.Pair, error)
}

// SessionStore is the part of the session manager the refresh manager needs.
type SessionStore interface {
	GetSession(sessionID string) (*sessions.UserSession, error)
	UpdateSessionToken(sessionID string, pair token.Pair) (*sessions.UserSession, error)
}

// Manager refreshes the tokens bound to sessions. Concurrent refreshes of the same refresh
// token share one request to the authorization server.
type Manager struct {
	refresher TokenRefresher
	sessions  SessionStore
	store     *token.Store
	group     singleflight.Group
	timeout   time.Duration
	nowFunc   func() time.Time
	logger    zerolog.Logger
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithNowFunc sets the now time function (primarily for testing)
func WithNowFunc(nowFunc func() time.Time) ManagerOption {
	return func(m *Manager) {
		m.nowFunc = nowFunc
	}
}

func WithLogger(l zerolog.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = l
	}
}

// WithRefreshTimeout bounds the shared refresh request. It runs detached from the callers'
// contexts so that one caller giving up does not fail the others.
func WithRefreshTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) {
		m.timeout = d
	}
}

// WithTokenStore keeps store in step with refreshed pairs, typically the dispatcher's store.
func WithTokenStore(store *token.Store) ManagerOption {
	return func(m *Manager) {
		m.store = store
	}
}

// NewManager creates a refresh manager
func NewManager(refresher TokenRefresher, store SessionStore, options ...ManagerOption) *Manager {
	m := &Manager{
		refresher: refresher,
		sessions:  store,
		timeout:   DefaultRefreshTimeout,
		nowFunc:   time.Now,
		logger:    log.Logger,
	}
	for _, opt := range options {
		opt(m)
	}
	m.logger = m.logger.With().Str("component", "refresh").Logger()
	return m
}

// EnsureFresh returns the session's token pair, refreshing it first when it is within
// token.RefreshThreshold of expiring.
func (m *Manager) EnsureFresh(ctx context.Context, sessionID string) (token.Pair, error) {
	return m.refresh(ctx, sessionID, false)
}

// Refresh refreshes the session's token pair whatever its expiry.
func (m *Manager) Refresh(ctx context.Context, sessionID string) (token.Pair, error) {
	return m.refresh(ctx, sessionID, true)
}

func (m *Manager) refresh(ctx context.Context, sessionID string, force bool) (token.Pair, error) {
	s, err := m.sessions.GetSession(sessionID)
	if err != nil {
		return token.Pair{}, err
	}
	current := s.Token
	if !force && !current.NearExpiry(m.nowFunc()) {
		return current, nil
	}
	if !current.CanRefresh() {
		return token.Pair{}, autherrors.New(autherrors.CodeTokenExpired, "token is expiring and no refresh token is available")
	}

	ch := m.group.DoChan(current.RefreshToken, func() (interface{}, error) {
		refreshCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.timeout)
		defer cancel()
		pair, err := m.refresher.RefreshAccessToken(refreshCtx, current.RefreshToken)
		if err != nil {
			return nil, err
		}
		// The session may have been removed while the request was in flight.
		if _, err := m.sessions.UpdateSessionToken(sessionID, pair); err != nil {
			return nil, err
		}
		if m.store != nil {
			m.store.Replace(current.AccessToken, pair)
		}
		return pair, nil
	})

	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return token.Pair{}, autherrors.New(autherrors.CodeTimeout, "stopped waiting for token refresh").WithCause(ctx.Err())
	}
	if res.Err != nil {
		var details *oauthmodel.OAuthErrorDetails
		var authErr *autherrors.AuthError
		switch {
		case errors.As(res.Err, &details):
			return token.Pair{}, details.AuthError()
		case errors.As(res.Err, &authErr):
			return token.Pair{}, authErr
		default:
			return token.Pair{}, autherrors.Internal(res.Err, "token refresh failed")
		}
	}
	pair := res.Val.(token.Pair)

	m.logger.Info().
		Str("session_id", sessionID).
		Str("token", token.Fingerprint(pair.AccessToken)).
		Bool("shared", res.Shared).
		Time("expires_at", pair.ExpiresAt).
		Msg("session token refreshed")
	return pair, nil
}
