package server_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/jrsteele09/go-bitbucket-auth/auth"
	"github.com/jrsteele09/go-bitbucket-auth/internal/config"
	"github.com/jrsteele09/go-bitbucket-auth/internal/metrics"
	"github.com/jrsteele09/go-bitbucket-auth/oauthmodel"
	"github.com/jrsteele09/go-bitbucket-auth/server"
	"github.com/jrsteele09/go-bitbucket-auth/sessions"
	"github.com/jrsteele09/go-bitbucket-auth/token"
)

// fakeAuth stands in for the flow engine.
type fakeAuth struct {
	mu          sync.Mutex
	exchangeErr error
	identity    *auth.Identity
	lastCode    string
	lastState   string
	authURLs    int
	issued      map[string]bool
}

func (f *fakeAuth) HasState(state string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.issued[state]
}

func (f *fakeAuth) ExchangeCodeForToken(ctx context.Context, code, state, codeVerifier string) (token.Pair, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastCode, f.lastState = code, state
	if f.exchangeErr != nil {
		return token.Pair{}, f.exchangeErr
	}
	return token.Pair{
		AccessToken:  "access-" + code,
		TokenType:    "Bearer",
		RefreshToken: "refresh-" + code,
		ExpiresAt:    time.Now().Add(time.Hour),
		Scopes:       []string{"account"},
	}, nil
}

func (f *fakeAuth) Identity(ctx context.Context, pair token.Pair) (*auth.Identity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.identity == nil {
		return nil, auth.ErrIdentityUnavailable
	}
	id := *f.identity
	return &id, nil
}

func (f *fakeAuth) GenerateAuthorizationURLWithPKCE(overrides *oauthmodel.AuthorizationOverrides) (*auth.PKCEAuthorization, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.authURLs++
	if err := overrides.Validate(); err != nil {
		return nil, err
	}
	if f.issued == nil {
		f.issued = make(map[string]bool)
	}
	f.issued["state-1"] = true
	q := url.Values{"state": {"state-1"}, "scope": {strings.Join(overrides.Scopes, " ")}}
	return &auth.PKCEAuthorization{
		URL:          "https://bitbucket.org/site/oauth2/authorize?" + q.Encode(),
		CodeVerifier: "verifier",
		State:        "state-1",
	}, nil
}

type testFixture struct {
	auth     *fakeAuth
	registry *prometheus.Registry
	sessions *sessions.Manager
	server   *server.Server
}

func setupTestFixture(t *testing.T, opts ...server.ServerOption) *testFixture {
	t.Helper()
	f := &testFixture{
		auth: &fakeAuth{
			identity: &auth.Identity{UserID: "{user-1}", UserName: "Jane Doe"},
			issued:   map[string]bool{"state-1": true, "state-2": true, "s": true},
		},
		registry: prometheus.NewRegistry(),
	}
	sm, err := sessions.NewManager(config.Default().Session, sessions.WithMetrics(metrics.New(f.registry)))
	require.NoError(t, err)
	f.sessions = sm

	base := []server.ServerOption{
		server.WithGatherer(f.registry),
		server.WithRouteOutput(io.Discard),
	}
	s, err := server.New(config.Default(), f.auth, sm, append(base, opts...)...)
	require.NoError(t, err)
	f.server = s
	return f
}

func (f *testFixture) get(target string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func receive(t *testing.T, s *server.Server) server.LoginResult {
	t.Helper()
	select {
	case res := <-s.Results():
		return res
	case <-time.After(time.Second):
		t.Fatal("no login result delivered")
		return server.LoginResult{}
	}
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := server.New(config.Default(), nil, nil)
	require.Error(t, err)
}

func TestCallbackCreatesSession(t *testing.T) {
	f := setupTestFixture(t)

	rec := f.get("/callback?code=abc&state=state-1")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "Jane Doe")
	require.Equal(t, "no-store", rec.Header().Get("Cache-Control"))

	res := receive(t, f.server)
	require.NoError(t, res.Err)
	require.Equal(t, "{user-1}", res.Session.UserID)
	require.Equal(t, "access-abc", res.Session.Token.AccessToken)
	require.Equal(t, "authorization_code", res.Session.Metadata["grant"])
	require.Equal(t, "state-1", f.auth.lastState)

	got, err := f.sessions.GetSession(res.Session.ID)
	require.NoError(t, err)
	require.Equal(t, "Jane Doe", got.UserName)
}

func TestCallbackFormPost(t *testing.T) {
	f := setupTestFixture(t)

	form := url.Values{"code": {"xyz"}, "state": {"state-2"}}
	req := httptest.NewRequest(http.MethodPost, "/callback", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, receive(t, f.server).Err)
	require.Equal(t, "xyz", f.auth.lastCode)
}

func TestCallbackAuthorizationDenied(t *testing.T) {
	f := setupTestFixture(t)

	rec := f.get("/callback?error=access_denied&error_description=User+said+no&state=s")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "User said no")

	res := receive(t, f.server)
	var details *oauthmodel.OAuthErrorDetails
	require.ErrorAs(t, res.Err, &details)
	require.Equal(t, oauthmodel.ErrAccessDenied, details.Code)
	require.Equal(t, 0, f.sessions.Statistics().TotalSessions)
}

func TestCallbackMissingCode(t *testing.T) {
	f := setupTestFixture(t)

	rec := f.get("/callback?state=s")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	res := receive(t, f.server)
	var details *oauthmodel.OAuthErrorDetails
	require.ErrorAs(t, res.Err, &details)
	require.Equal(t, oauthmodel.ErrInvalidRequest, details.Code)
}

func TestCallbackRejectsStateNotIssued(t *testing.T) {
	for _, target := range []string{
		"/callback?code=attacker-code&state=never-issued",
		"/callback?code=attacker-code",
	} {
		t.Run(target, func(t *testing.T) {
			f := setupTestFixture(t)

			rec := f.get(target)
			require.Equal(t, http.StatusBadRequest, rec.Code)

			res := receive(t, f.server)
			var details *oauthmodel.OAuthErrorDetails
			require.ErrorAs(t, res.Err, &details)
			require.Equal(t, oauthmodel.ErrInvalidRequest, details.Code)
			require.Empty(t, f.auth.lastCode, "no exchange for a state this process never issued")
			require.Equal(t, 0, f.sessions.Statistics().TotalSessions)
		})
	}
}

func TestCallbackExchangeFailure(t *testing.T) {
	f := setupTestFixture(t)
	f.auth.exchangeErr = oauthmodel.NewErrorDetails(oauthmodel.ErrInvalidGrant, "code already used", "s", http.StatusBadRequest)

	rec := f.get("/callback?code=abc&state=s")
	require.Equal(t, http.StatusBadGateway, rec.Code)
	require.NotContains(t, rec.Body.String(), "abc")

	res := receive(t, f.server)
	require.ErrorIs(t, res.Err, f.auth.exchangeErr)
	require.Nil(t, res.Session)
}

func TestCallbackFallsBackToIdentityResolver(t *testing.T) {
	var resolved token.Pair
	f := setupTestFixture(t, server.WithIdentityResolver(func(ctx context.Context, pair token.Pair) (*auth.Identity, error) {
		resolved = pair
		return &auth.Identity{UserID: "{user-2}"}, nil
	}))
	f.auth.identity = nil

	rec := f.get("/callback?code=opaque&state=state-1")
	require.Equal(t, http.StatusOK, rec.Code)

	res := receive(t, f.server)
	require.NoError(t, res.Err)
	require.Equal(t, "{user-2}", res.Session.UserID)
	require.Equal(t, "{user-2}", res.Session.UserName, "user id doubles as name when none is known")
	require.Equal(t, "access-opaque", resolved.AccessToken)
}

func TestCallbackWithoutIdentity(t *testing.T) {
	f := setupTestFixture(t)
	f.auth.identity = nil

	rec := f.get("/callback?code=opaque&state=state-1")
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.ErrorIs(t, receive(t, f.server).Err, auth.ErrIdentityUnavailable)
}

func TestUnclaimedResultsAreDropped(t *testing.T) {
	f := setupTestFixture(t)

	require.Equal(t, http.StatusOK, f.get("/callback?code=one&state=state-1").Code)
	require.Equal(t, http.StatusOK, f.get("/callback?code=two&state=state-2").Code, "a second callback must not block")
	require.Equal(t, "access-one", receive(t, f.server).Session.Token.AccessToken)
}

func TestHealth(t *testing.T) {
	f := setupTestFixture(t)
	_, err := f.sessions.CreateSession("u", "U", 0, token.Pair{AccessToken: "a"}, nil)
	require.NoError(t, err)

	rec := f.get("/healthz")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var env struct {
		Success bool `json:"success"`
		Data    struct {
			Status        string `json:"status"`
			TotalSessions int    `json:"totalSessions"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	require.True(t, env.Success)
	require.Equal(t, "ok", env.Data.Status)
	require.Equal(t, 1, env.Data.TotalSessions)
}

func TestMetricsEndpoint(t *testing.T) {
	f := setupTestFixture(t)
	_, err := f.sessions.CreateSession("u", "U", 0, token.Pair{AccessToken: "a"}, nil)
	require.NoError(t, err)

	rec := f.get("/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "bbauth_active_sessions 1")
}

func TestRecoverMiddleware(t *testing.T) {
	f := setupTestFixture(t)
	handler := server.ChainMiddleware(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}, f.server.APIMiddleware()...)

	rec := httptest.NewRecorder()
	require.NotPanics(t, func() {
		handler(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	})
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestServeStopsWithContext(t *testing.T) {
	f := setupTestFixture(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.server.Serve(ctx, ln) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/healthz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestListenAndServeReportsBindFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	cfg := config.Default()
	cfg.CallbackAddress = ln.Addr().String()
	sm, err := sessions.NewManager(cfg.Session)
	require.NoError(t, err)
	s, err := server.New(cfg, &fakeAuth{}, sm, server.WithRouteOutput(io.Discard))
	require.NoError(t, err)

	err = s.ListenAndServe(context.Background())
	require.Error(t, err)
	var opErr *net.OpError
	require.True(t, errors.As(err, &opErr))
}
