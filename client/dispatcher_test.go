package client_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/jrsteele09/go-bitbucket-auth/client"
	"github.com/jrsteele09/go-bitbucket-auth/events"
	"github.com/jrsteele09/go-bitbucket-auth/internal/config"
	autherrors "github.com/jrsteele09/go-bitbucket-auth/internal/errors"
	"github.com/jrsteele09/go-bitbucket-auth/internal/metrics"
	"github.com/jrsteele09/go-bitbucket-auth/token"
)

// countingTransport counts calls and delegates to next when set.
type countingTransport struct {
	calls atomic.Int32
	next  client.HTTPDoer
}

func (c *countingTransport) Do(req *http.Request) (*http.Response, error) {
	c.calls.Add(1)
	if c.next == nil {
		return nil, http.ErrHandlerTimeout
	}
	return c.next.Do(req)
}

type testFixture struct {
	now        time.Time
	server     *httptest.Server
	transport  *countingTransport
	recorder   *events.Recorder
	metrics    *metrics.Metrics
	dispatcher *client.Dispatcher
}

func setupTestFixture(t *testing.T, handler http.HandlerFunc, opts ...client.DispatcherOption) *testFixture {
	t.Helper()
	f := &testFixture{
		now:      time.Date(2024, 7, 1, 10, 0, 0, 0, time.UTC),
		recorder: &events.Recorder{},
		metrics:  metrics.New(prometheus.NewRegistry()),
	}
	f.transport = &countingTransport{}
	baseURL := "https://api.example.invalid/2.0"
	if handler != nil {
		f.server = httptest.NewServer(handler)
		t.Cleanup(f.server.Close)
		f.transport.next = f.server.Client()
		baseURL = f.server.URL + "/2.0"
	}

	emitter := events.NewEmitter()
	emitter.Subscribe(f.recorder)
	cfg := config.Request{
		BaseURL:        baseURL,
		Timeout:        time.Second,
		MaxRetries:     3,
		RetryBaseDelay: time.Millisecond,
	}
	base := []client.DispatcherOption{
		client.WithEmitter(emitter),
		client.WithMetrics(f.metrics),
		client.WithNowFunc(func() time.Time { return f.now }),
	}
	d, err := client.NewDispatcher(cfg, f.transport, append(base, opts...)...)
	require.NoError(t, err)
	f.dispatcher = d
	return f
}

func (f *testFixture) authenticate(t *testing.T, expiresIn time.Duration) {
	t.Helper()
	require.NoError(t, f.dispatcher.SetAuthentication(token.Pair{
		AccessToken: "access-token",
		TokenType:   "Bearer",
		ExpiresAt:   f.now.Add(expiresIn),
	}, "sess_1"))
}

func requireCode(t *testing.T, err error, code autherrors.Code) *autherrors.AuthError {
	t.Helper()
	var ae *autherrors.AuthError
	require.ErrorAs(t, err, &ae)
	require.Equal(t, code, ae.Code, "unexpected error %v", err)
	return ae
}

func TestAuthenticationState(t *testing.T) {
	f := setupTestFixture(t, nil)
	require.False(t, f.dispatcher.IsAuthenticated())

	require.Error(t, f.dispatcher.SetAuthentication(token.Pair{}, "sess_1"))
	require.Error(t, f.dispatcher.SetAuthentication(token.Pair{AccessToken: "a"}, ""))

	f.authenticate(t, time.Hour)
	require.True(t, f.dispatcher.IsAuthenticated())
	require.Equal(t, "sess_1", f.dispatcher.SessionID())
	require.Len(t, f.recorder.Named(events.AuthenticationSet), 1)

	f.dispatcher.ClearAuthentication()
	require.False(t, f.dispatcher.IsAuthenticated())
	require.Len(t, f.recorder.Named(events.AuthenticationCleared), 1)
}

func TestRequestWithoutAuthenticationIsRejected(t *testing.T) {
	f := setupTestFixture(t, nil)

	_, err := f.dispatcher.Get(context.Background(), "/user", nil)
	ae := requireCode(t, err, autherrors.CodeAuthenticationFailed)
	require.False(t, ae.Recoverable)
	require.Zero(t, f.transport.calls.Load())
	require.Len(t, f.recorder.Named(events.RequestError), 1)
}

// A token inside the refresh window is rejected before any network call.
func TestTokenNearExpiryIsRejectedBeforeDispatch(t *testing.T) {
	f := setupTestFixture(t, nil)
	f.authenticate(t, 2*time.Minute)

	_, err := f.dispatcher.Get(context.Background(), "/repositories", nil)
	ae := requireCode(t, err, autherrors.CodeTokenExpired)
	require.False(t, ae.Recoverable)
	require.Zero(t, f.transport.calls.Load())
}

func TestRevokedTokenIsRejected(t *testing.T) {
	revoked := token.NewInMemoryRevokedTokenCache(time.Now)
	f := setupTestFixture(t, nil, client.WithRevokedTokens(revoked))
	f.authenticate(t, time.Hour)
	revoked.Add("access-token", time.Time{})

	_, err := f.dispatcher.Get(context.Background(), "/user", nil)
	requireCode(t, err, autherrors.CodeAuthenticationFailed)
	require.Zero(t, f.transport.calls.Load())
}

func TestSuccessfulRequest(t *testing.T) {
	var got *http.Request
	var gotBody map[string]any
	f := setupTestFixture(t, func(w http.ResponseWriter, r *http.Request) {
		got = r.Clone(context.Background())
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"uuid":"{u-1}","display_name":"Jane"}`))
	})
	f.authenticate(t, time.Hour)

	resp, err := f.dispatcher.Do(context.Background(), client.Request{
		Method: http.MethodPost,
		Path:   "repositories/acme/widget/pullrequests",
		Query:  url.Values{"fields": {"id"}},
		Body:   map[string]any{"title": "Fix"},
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, 1, resp.Attempts)

	require.Equal(t, "/2.0/repositories/acme/widget/pullrequests", got.URL.Path)
	require.Equal(t, "id", got.URL.Query().Get("fields"))
	require.Equal(t, "Bearer access-token", got.Header.Get("Authorization"))
	require.Equal(t, "application/json", got.Header.Get("Content-Type"))
	require.Equal(t, resp.RequestID, got.Header.Get("X-Request-ID"))
	require.Equal(t, "Fix", gotBody["title"])

	var user struct {
		DisplayName string `json:"display_name"`
	}
	require.NoError(t, resp.JSON(&user))
	require.Equal(t, "Jane", user.DisplayName)

	success := f.recorder.Named(events.RequestSuccess)
	require.Len(t, success, 1)
	require.Equal(t, resp.RequestID, success[0].Payload["requestId"])
	require.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Requests.WithLabelValues(http.MethodPost, "200")))
}

func TestTransientFailuresAreRetried(t *testing.T) {
	var calls atomic.Int32
	f := setupTestFixture(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{}`))
	})
	f.authenticate(t, time.Hour)

	resp, err := f.dispatcher.Get(context.Background(), "/user", nil)
	require.NoError(t, err)
	require.Equal(t, 3, resp.Attempts)
	require.Equal(t, 2.0, testutil.ToFloat64(f.metrics.RequestRetries))
	require.Len(t, f.recorder.Named(events.HTTPError), 2)
}

func TestRetriesAreBounded(t *testing.T) {
	f := setupTestFixture(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	f.authenticate(t, time.Hour)

	_, err := f.dispatcher.Get(context.Background(), "/user", nil)
	ae := requireCode(t, err, autherrors.CodeServerError)
	require.True(t, ae.Recoverable)
	require.Equal(t, http.StatusBadGateway, ae.StatusCode)
	require.Equal(t, int32(4), f.transport.calls.Load(), "initial attempt plus three retries")
}

func TestRateLimitHonoursRetryAfter(t *testing.T) {
	var calls atomic.Int32
	f := setupTestFixture(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`{}`))
	})
	f.authenticate(t, time.Hour)

	resp, err := f.dispatcher.Get(context.Background(), "/user", nil)
	require.NoError(t, err)
	require.Equal(t, 2, resp.Attempts)
}

func TestAuthenticationFailuresAreNotRetried(t *testing.T) {
	for _, status := range []int{http.StatusUnauthorized, http.StatusForbidden} {
		f := setupTestFixture(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"type":"error","error":{"message":"Access token expired."}}`))
		})
		f.authenticate(t, time.Hour)

		_, err := f.dispatcher.Get(context.Background(), "/user", nil)
		ae := requireCode(t, err, autherrors.CodeAuthenticationFailed)
		require.False(t, ae.Recoverable)
		require.Equal(t, status, ae.StatusCode)
		require.Equal(t, "Access token expired.", ae.Message)
		require.Equal(t, int32(1), f.transport.calls.Load())
	}
}

func TestClientErrorsAreNotRetried(t *testing.T) {
	f := setupTestFixture(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/2.0/missing" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusUnprocessableEntity)
	})
	f.authenticate(t, time.Hour)

	_, err := f.dispatcher.Get(context.Background(), "/missing", nil)
	requireCode(t, err, autherrors.CodeNotFound)
	_, err = f.dispatcher.Post(context.Background(), "/things", map[string]string{"a": "b"})
	requireCode(t, err, autherrors.CodeHTTPError)
	require.Equal(t, int32(2), f.transport.calls.Load())
}

func TestTimeoutIsRecoverableAndNotRetried(t *testing.T) {
	f := setupTestFixture(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	})
	f.authenticate(t, time.Hour)

	_, err := f.dispatcher.Do(context.Background(), client.Request{Method: http.MethodGet, Path: "/slow"})
	ae := requireCode(t, err, autherrors.CodeTimeout)
	require.True(t, ae.Recoverable)
	require.Equal(t, int32(1), f.transport.calls.Load())
}

func TestNetworkErrorIsRecoverable(t *testing.T) {
	f := setupTestFixture(t, nil)
	f.authenticate(t, time.Hour)

	_, err := f.dispatcher.Get(context.Background(), "/user", nil)
	ae := requireCode(t, err, autherrors.CodeNetwork)
	require.True(t, ae.Recoverable)
	require.Equal(t, int32(1), f.transport.calls.Load())
}

func TestRateLimiterWaitsForCancelledContext(t *testing.T) {
	limiter := rate.NewLimiter(rate.Every(time.Hour), 1)
	f := setupTestFixture(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}, client.WithRateLimiter(limiter))
	f.authenticate(t, time.Hour)

	_, err := f.dispatcher.Get(context.Background(), "/user", nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = f.dispatcher.Get(ctx, "/user", nil)
	require.Error(t, err)
	require.Equal(t, int32(1), f.transport.calls.Load())
}

func TestCurrentUser(t *testing.T) {
	f := setupTestFixture(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/2.0/user" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(`{"uuid":"{abc}","username":"jdoe","display_name":""}`))
	})
	f.authenticate(t, time.Hour)

	u, err := f.dispatcher.CurrentUser(context.Background())
	require.NoError(t, err)
	require.Equal(t, "{abc}", u.ID())
	require.Equal(t, "jdoe", u.Name())
}

func TestCurrentUserWithoutIdentifier(t *testing.T) {
	f := setupTestFixture(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"display_name":"Nobody"}`))
	})
	f.authenticate(t, time.Hour)

	_, err := f.dispatcher.CurrentUser(context.Background())
	requireCode(t, err, autherrors.CodeHTTPError)
}
