package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"net/http"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	xoauth2 "golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/jrsteele09/go-bitbucket-auth/auth/flowstate"
	"github.com/jrsteele09/go-bitbucket-auth/internal/config"
	"github.com/jrsteele09/go-bitbucket-auth/internal/metrics"
	"github.com/jrsteele09/go-bitbucket-auth/oauth2"
	"github.com/jrsteele09/go-bitbucket-auth/oauthmodel"
	"github.com/jrsteele09/go-bitbucket-auth/token"
	"github.com/jrsteele09/go-bitbucket-auth/token/jwt"
)

const stateBytes = 32

// HTTPDoer is the transport used for every authorization server call. *http.Client satisfies it.
type HTTPDoer interface {
	Do(*http.Request) (*http.Response, error)
}

// PKCEAuthorization is an authorization URL together with the secrets needed to complete it.
type PKCEAuthorization struct {
	URL          string
	CodeVerifier string
	State        string
}

// FlowEngine drives the OAuth 2.0 grants against a single authorization server.
type FlowEngine struct {
	cfg        config.OAuthConfig
	transport  HTTPDoer
	states     flowstate.Repo
	revoked    token.RevokedTokenCache
	validator  *Validator
	inspector  *jwt.Inspector
	idVerifier *jwt.IDTokenVerifier
	metrics    *metrics.Metrics
	logger     zerolog.Logger
	nowFunc    func() time.Time
	sleep      func(ctx context.Context, d time.Duration) error

	metadataMu    sync.RWMutex
	metadata      *metadataCacheEntry
	metadataGroup singleflight.Group
}

// FlowEngineOption configures a FlowEngine.
type FlowEngineOption func(*FlowEngine)

// WithStateRepo replaces the in-memory OAuth state store.
func WithStateRepo(repo flowstate.Repo) FlowEngineOption {
	return func(e *FlowEngine) {
		e.states = repo
	}
}

// WithNowFunc sets the now time function (primarily for testing)
func WithNowFunc(nowFunc func() time.Time) FlowEngineOption {
	return func(e *FlowEngine) {
		e.nowFunc = nowFunc
	}
}

func WithLogger(l zerolog.Logger) FlowEngineOption {
	return func(e *FlowEngine) {
		e.logger = l
	}
}

// WithIDTokenVerifier enables verification of ID tokens returned by OpenID Connect servers.
func WithIDTokenVerifier(v *jwt.IDTokenVerifier) FlowEngineOption {
	return func(e *FlowEngine) {
		e.idVerifier = v
	}
}

func WithMetrics(m *metrics.Metrics) FlowEngineOption {
	return func(e *FlowEngine) {
		e.metrics = m
	}
}

// WithRevokedTokens sets the cache that successfully revoked tokens are recorded in.
func WithRevokedTokens(c token.RevokedTokenCache) FlowEngineOption {
	return func(e *FlowEngine) {
		e.revoked = c
	}
}

// WithSleep replaces the wait between device flow polls (primarily for testing)
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) FlowEngineOption {
	return func(e *FlowEngine) {
		e.sleep = sleep
	}
}

// NewFlowEngine creates a FlowEngine. transport defaults to http.DefaultClient.
func NewFlowEngine(cfg config.OAuthConfig, transport HTTPDoer, options ...FlowEngineOption) (*FlowEngine, error) {
	if cfg == nil {
		return nil, errors.New("[NewFlowEngine] config is required")
	}
	if cfg.GetClientID() == "" {
		return nil, errors.New("[NewFlowEngine] client id is required")
	}
	if transport == nil {
		transport = http.DefaultClient
	}

	e := &FlowEngine{
		cfg:       cfg,
		transport: transport,
		states:    flowstate.NewInMemoryRepo(),
		validator: NewValidator(),
		inspector: jwt.NewInspector(),
		logger:    log.Logger,
		nowFunc:   time.Now,
		sleep:     sleepContext,
	}

	// Apply optional configuration
	for _, opt := range options {
		opt(e)
	}
	if e.revoked == nil {
		e.revoked = token.NewInMemoryRevokedTokenCache(e.nowFunc)
	}
	e.logger = e.logger.With().Str("component", "oauth").Logger()

	return e, nil
}

// RevokedTokens returns the cache of tokens revoked through this engine.
func (e *FlowEngine) RevokedTokens() token.RevokedTokenCache {
	return e.revoked
}

func (e *FlowEngine) oauth2Config(overrides *oauthmodel.AuthorizationOverrides) *xoauth2.Config {
	c := &xoauth2.Config{
		ClientID:     e.cfg.GetClientID(),
		ClientSecret: e.cfg.GetClientSecret(),
		Endpoint: xoauth2.Endpoint{
			AuthURL:   e.cfg.GetAuthorizationEndpoint(),
			TokenURL:  e.cfg.GetTokenEndpoint(),
			AuthStyle: e.cfg.GetAuthStyle(),
		},
		RedirectURL: e.cfg.GetRedirectURI(),
		Scopes:      e.cfg.GetScopes(),
	}
	if overrides != nil {
		if overrides.RedirectURI != "" {
			c.RedirectURL = overrides.RedirectURI
		}
		if len(overrides.Scopes) > 0 {
			c.Scopes = overrides.Scopes
		}
	}
	return c
}

func authURLOptions(overrides *oauthmodel.AuthorizationOverrides) []xoauth2.AuthCodeOption {
	if overrides == nil {
		return nil
	}
	opts := make([]xoauth2.AuthCodeOption, 0, len(overrides.ExtraParams))
	for k, v := range overrides.ExtraParams {
		opts = append(opts, xoauth2.SetAuthURLParam(k, v))
	}
	return opts
}

// GenerateAuthorizationURL builds a plain authorization code URL. The state is the caller's or a
// fresh random one, and is stored only when overrides.Correlate is set.
func (e *FlowEngine) GenerateAuthorizationURL(overrides *oauthmodel.AuthorizationOverrides) (string, error) {
	if err := overrides.Validate(); err != nil {
		return "", errors.Wrap(err, "[GenerateAuthorizationURL] invalid overrides")
	}
	if e.cfg.GetAuthorizationEndpoint() == "" {
		return "", ErrEndpointNotConfigured
	}

	state, err := e.stateFor(overrides)
	if err != nil {
		return "", errors.Wrap(err, "[GenerateAuthorizationURL]")
	}

	oc := e.oauth2Config(overrides)
	authURL := oc.AuthCodeURL(state, authURLOptions(overrides)...)

	if overrides != nil && overrides.Correlate {
		if err := e.storeState(state, "", oc.RedirectURL); err != nil {
			return "", errors.Wrap(err, "[GenerateAuthorizationURL] failed to store state")
		}
	}
	return authURL, nil
}

// GenerateAuthorizationURLWithPKCE builds an authorization code URL with an S256 code challenge and
// stores the verifier under the state until it expires or is exchanged.
func (e *FlowEngine) GenerateAuthorizationURLWithPKCE(overrides *oauthmodel.AuthorizationOverrides) (*PKCEAuthorization, error) {
	if err := overrides.Validate(); err != nil {
		return nil, errors.Wrap(err, "[GenerateAuthorizationURLWithPKCE] invalid overrides")
	}
	if e.cfg.GetAuthorizationEndpoint() == "" {
		return nil, ErrEndpointNotConfigured
	}

	state, err := e.stateFor(overrides)
	if err != nil {
		return nil, errors.Wrap(err, "[GenerateAuthorizationURLWithPKCE]")
	}
	verifier := xoauth2.GenerateVerifier()

	oc := e.oauth2Config(overrides)
	opts := append(authURLOptions(overrides), xoauth2.S256ChallengeOption(verifier))
	authURL := oc.AuthCodeURL(state, opts...)

	if err := e.storeState(state, verifier, oc.RedirectURL); err != nil {
		return nil, errors.Wrap(err, "[GenerateAuthorizationURLWithPKCE] failed to store state")
	}

	e.logger.Debug().Str("state", token.Fingerprint(state)).Msg("pkce authorization url generated")
	return &PKCEAuthorization{URL: authURL, CodeVerifier: verifier, State: state}, nil
}

func (e *FlowEngine) stateFor(overrides *oauthmodel.AuthorizationOverrides) (string, error) {
	if overrides != nil && overrides.State != "" {
		if err := ValidateState(overrides.State); err != nil {
			return "", err
		}
		return overrides.State, nil
	}
	return GenerateState()
}

func (e *FlowEngine) storeState(state, verifier, redirectURI string) error {
	now := e.nowFunc()
	return e.states.Upsert(&flowstate.OAuthState{
		State:        state,
		CodeVerifier: verifier,
		RedirectURI:  redirectURI,
		CreatedAt:    now,
		ExpiresAt:    now.Add(e.cfg.GetStateExpiry()),
	})
}

// ExchangeCodeForToken redeems an authorization code. When state is given, its stored record
// supplies the verifier and redirect URI and is deleted whatever the outcome. An unknown or
// expired state is not rejected locally; the authorization server decides.
func (e *FlowEngine) ExchangeCodeForToken(ctx context.Context, code, state, codeVerifier string) (token.Pair, error) {
	if err := e.validator.ValidateCallback(code, state); err != nil {
		return token.Pair{}, oauthmodel.NewErrorDetails(oauthmodel.ErrInvalidRequest, err.Error(), state, 0)
	}

	req := oauthmodel.TokenRequest{
		GrantType:    oauth2.AuthorizationCodeGrant,
		Code:         code,
		RedirectURI:  e.cfg.GetRedirectURI(),
		CodeVerifier: codeVerifier,
	}

	if state != "" {
		rec, err := e.states.Take(state)
		switch {
		case err != nil:
			e.logger.Warn().Str("state", token.Fingerprint(state)).Msg("no stored state for code exchange")
		case rec.IsExpired(e.nowFunc()):
			e.logger.Warn().Str("state", token.Fingerprint(state)).Msg("stored state expired before code exchange")
		default:
			if req.CodeVerifier == "" {
				req.CodeVerifier = rec.CodeVerifier
			}
			if rec.RedirectURI != "" {
				req.RedirectURI = rec.RedirectURI
			}
		}
	}

	if req.CodeVerifier != "" {
		if err := e.validator.ValidateCodeVerifier(req.CodeVerifier); err != nil {
			return token.Pair{}, oauthmodel.NewErrorDetails(oauthmodel.ErrInvalidRequest, err.Error(), state, 0)
		}
	}

	return e.tokenRequest(ctx, req, state)
}

// RefreshAccessToken redeems a refresh token. When the server does not rotate the refresh token
// the previous one is carried over.
func (e *FlowEngine) RefreshAccessToken(ctx context.Context, refreshToken string) (token.Pair, error) {
	if refreshToken == "" {
		return token.Pair{}, oauthmodel.NewErrorDetails(oauthmodel.ErrInvalidRequest, "refresh token is required", "", 0)
	}
	pair, err := e.tokenRequest(ctx, oauthmodel.TokenRequest{
		GrantType:    oauth2.RefreshTokenGrant,
		RefreshToken: refreshToken,
	}, "")
	if err != nil {
		return token.Pair{}, err
	}
	return pair.WithRefreshFallback(refreshToken), nil
}

// ExchangeJWT redeems a signed JWT assertion (RFC 7523).
func (e *FlowEngine) ExchangeJWT(ctx context.Context, assertion string, scopes ...string) (token.Pair, error) {
	if assertion == "" {
		return token.Pair{}, oauthmodel.NewErrorDetails(oauthmodel.ErrInvalidRequest, "assertion is required", "", 0)
	}
	return e.tokenRequest(ctx, oauthmodel.TokenRequest{
		GrantType: oauth2.JWTBearerGrant,
		Assertion: assertion,
		Scopes:    scopes,
	}, "")
}

// CleanupExpiredStates deletes every stored state past its expiry and returns how many were removed.
func (e *FlowEngine) CleanupExpiredStates() int {
	removed := e.states.DeleteExpired(e.nowFunc())
	if removed > 0 {
		e.logger.Debug().Int("removed", removed).Msg("expired oauth states removed")
	}
	return removed
}

// StartStateCleanup sweeps expired states and revoked token entries until ctx is done.
func (e *FlowEngine) StartStateCleanup(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(e.cfg.GetStateCleanupInterval())
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				e.CleanupExpiredStates()
				e.revoked.Cleanup()
			}
		}
	}()
}

// HasState reports whether a correlation record is stored for state.
func (e *FlowEngine) HasState(state string) bool {
	if state == "" {
		return false
	}
	_, err := e.states.Get(state)
	return err == nil
}

// GenerateState returns 32 random bytes, base64url encoded without padding.
func GenerateState() (string, error) {
	b := make([]byte, stateBytes)
	if _, err := rand.Read(b); err != nil {
		return "", errors.Wrap(err, "failed to generate state")
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
