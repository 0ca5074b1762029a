package client

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/jrsteele09/go-bitbucket-auth/events"
	"github.com/jrsteele09/go-bitbucket-auth/internal/config"
	autherrors "github.com/jrsteele09/go-bitbucket-auth/internal/errors"
	"github.com/jrsteele09/go-bitbucket-auth/internal/metrics"
	"github.com/jrsteele09/go-bitbucket-auth/token"
)

const (
	maxResponseBytes = 10 << 20
	requestIDHeader  = "X-Request-ID"
)

// HTTPDoer sends HTTP requests. *http.Client satisfies it.
type HTTPDoer interface {
	Do(*http.Request) (*http.Response, error)
}

// Request describes an API call relative to the configured base URL.
type Request struct {
	Method string
	Path   string // relative to the base URL, or an absolute URL
	Query  url.Values
	Header http.Header
	Body   any // JSON encoded when not nil
}

// Response is a successful API response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	RequestID  string
	Attempts   int
}

// JSON decodes the response body into v.
func (r *Response) JSON(v any) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return errors.Wrap(err, "[Response.JSON] failed to decode body")
	}
	return nil
}

// Dispatcher sends authenticated API requests. It refuses to send when no token is set or the
// token is about to expire, and never refreshes on its own. Only 5xx and 429 responses are retried.
type Dispatcher struct {
	cfg       config.RequestConfig
	transport HTTPDoer
	store     *token.Store
	revoked   token.RevokedTokenCache
	limiter   *rate.Limiter
	emitter   *events.Emitter
	metrics   *metrics.Metrics
	logger    zerolog.Logger
	nowFunc   func() time.Time

	mu        sync.RWMutex
	sessionID string
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

func WithEmitter(e *events.Emitter) DispatcherOption {
	return func(d *Dispatcher) {
		d.emitter = e
	}
}

func WithLogger(l zerolog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		d.logger = l
	}
}

func WithMetrics(m *metrics.Metrics) DispatcherOption {
	return func(d *Dispatcher) {
		d.metrics = m
	}
}

// WithNowFunc sets the now time function (primarily for testing)
func WithNowFunc(nowFunc func() time.Time) DispatcherOption {
	return func(d *Dispatcher) {
		d.nowFunc = nowFunc
	}
}

// WithRevokedTokens rejects tokens found in the cache before they are sent.
func WithRevokedTokens(c token.RevokedTokenCache) DispatcherOption {
	return func(d *Dispatcher) {
		d.revoked = c
	}
}

// WithTokenStore shares a token store, e.g. with a refresh.Manager.
func WithTokenStore(s *token.Store) DispatcherOption {
	return func(d *Dispatcher) {
		d.store = s
	}
}

// WithRateLimiter replaces the limiter derived from the configured requests per second.
func WithRateLimiter(l *rate.Limiter) DispatcherOption {
	return func(d *Dispatcher) {
		d.limiter = l
	}
}

// NewDispatcher creates a dispatcher. transport defaults to http.DefaultClient.
func NewDispatcher(cfg config.RequestConfig, transport HTTPDoer, options ...DispatcherOption) (*Dispatcher, error) {
	if cfg == nil {
		return nil, errors.New("[NewDispatcher] config is required")
	}
	if transport == nil {
		transport = http.DefaultClient
	}

	d := &Dispatcher{
		cfg:       cfg,
		transport: transport,
		store:     &token.Store{},
		logger:    log.Logger,
		nowFunc:   time.Now,
	}
	if rps := cfg.GetRequestsPerSecond(); rps > 0 {
		burst := int(rps)
		if burst < 1 {
			burst = 1
		}
		d.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}

	// Apply optional configuration
	for _, opt := range options {
		opt(d)
	}
	d.logger = d.logger.With().Str("component", "dispatcher").Logger()

	return d, nil
}

// SetAuthentication installs the token pair and the session it belongs to.
func (d *Dispatcher) SetAuthentication(pair token.Pair, sessionID string) error {
	if pair.AccessToken == "" {
		return autherrors.New(autherrors.CodeInvalidInput, "access token is required")
	}
	if sessionID == "" {
		return autherrors.New(autherrors.CodeInvalidInput, "session id is required")
	}

	d.mu.Lock()
	d.store.Set(pair)
	d.sessionID = sessionID
	d.mu.Unlock()

	d.emitter.Emit(events.AuthenticationSet, map[string]any{
		"sessionId": sessionID,
		"expiresAt": pair.ExpiresAt,
	})
	return nil
}

// ClearAuthentication forgets the token and session.
func (d *Dispatcher) ClearAuthentication() {
	d.mu.Lock()
	sessionID := d.sessionID
	d.store.Clear()
	d.sessionID = ""
	d.mu.Unlock()

	d.emitter.Emit(events.AuthenticationCleared, map[string]any{"sessionId": sessionID})
}

// IsAuthenticated reports whether both a token and a session are set.
func (d *Dispatcher) IsAuthenticated() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.sessionID != "" && d.store.HasToken()
}

// SessionID returns the session the current token belongs to.
func (d *Dispatcher) SessionID() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.sessionID
}

// TokenStore returns the store holding the current token pair.
func (d *Dispatcher) TokenStore() *token.Store {
	return d.store
}

// currentToken returns the token to send, or the reason no request may be sent.
func (d *Dispatcher) currentToken() (token.Pair, error) {
	d.mu.RLock()
	sessionID := d.sessionID
	pair, ok := d.store.Get()
	d.mu.RUnlock()

	if sessionID == "" || !ok || pair.AccessToken == "" {
		return token.Pair{}, autherrors.New(autherrors.CodeAuthenticationFailed, "not authenticated")
	}
	if pair.NearExpiry(d.nowFunc()) {
		return token.Pair{}, autherrors.New(autherrors.CodeTokenExpired, "access token expires within the refresh threshold; refresh and retry")
	}
	if d.revoked != nil && d.revoked.IsRevoked(pair.AccessToken) {
		return token.Pair{}, autherrors.New(autherrors.CodeAuthenticationFailed, "access token has been revoked")
	}
	return pair, nil
}

func (d *Dispatcher) Get(ctx context.Context, path string, query url.Values) (*Response, error) {
	return d.Do(ctx, Request{Method: http.MethodGet, Path: path, Query: query})
}

func (d *Dispatcher) Post(ctx context.Context, path string, body any) (*Response, error) {
	return d.Do(ctx, Request{Method: http.MethodPost, Path: path, Body: body})
}

func (d *Dispatcher) Put(ctx context.Context, path string, body any) (*Response, error) {
	return d.Do(ctx, Request{Method: http.MethodPut, Path: path, Body: body})
}

func (d *Dispatcher) Delete(ctx context.Context, path string) (*Response, error) {
	return d.Do(ctx, Request{Method: http.MethodDelete, Path: path})
}

// Do sends req with the current token.
func (d *Dispatcher) Do(ctx context.Context, req Request) (*Response, error) {
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	requestID := uuid.NewString()
	started := time.Now()

	resp, err := d.dispatch(ctx, req, requestID)
	elapsed := time.Since(started)

	payload := map[string]any{
		"requestId":  requestID,
		"method":     req.Method,
		"path":       req.Path,
		"durationMs": elapsed.Milliseconds(),
	}
	if err != nil {
		ae := toAuthError(err)
		payload["code"] = string(ae.Code)
		payload["status"] = ae.StatusCode
		payload["recoverable"] = ae.Recoverable
		d.metrics.Request(req.Method, string(ae.Code), elapsed.Seconds())
		d.emitter.Emit(events.RequestError, payload)
		d.logger.Debug().Str("request_id", requestID).Str("method", req.Method).Str("path", req.Path).Err(ae).Msg("request failed")
		return nil, ae
	}

	payload["status"] = resp.StatusCode
	payload["attempts"] = resp.Attempts
	d.metrics.Request(req.Method, strconv.Itoa(resp.StatusCode), elapsed.Seconds())
	d.emitter.Emit(events.RequestSuccess, payload)
	return resp, nil
}

func (d *Dispatcher) dispatch(ctx context.Context, req Request, requestID string) (*Response, error) {
	pair, err := d.currentToken()
	if err != nil {
		return nil, err
	}
	target, err := d.resolve(req)
	if err != nil {
		return nil, autherrors.New(autherrors.CodeInvalidInput, err.Error())
	}
	var body []byte
	if req.Body != nil {
		if body, err = json.Marshal(req.Body); err != nil {
			return nil, autherrors.New(autherrors.CodeInvalidInput, "request body cannot be encoded").WithCause(err)
		}
	}

	policy := newRetryPolicy(d.cfg.GetRetryBaseDelay())
	attempts := 0
	operation := func() (*Response, error) {
		attempts++
		if d.limiter != nil {
			if err := d.limiter.Wait(ctx); err != nil {
				return nil, backoff.Permanent(contextError(ctx, err))
			}
		}
		resp, err := d.attempt(ctx, req, target, body, pair, requestID)
		if resp != nil {
			resp.Attempts = attempts
		}
		var rae *retryAfterError
		if errors.As(err, &rae) {
			policy.override(rae.delay)
		}
		return resp, err
	}

	resp, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(uint(d.cfg.GetMaxRetries()+1)), // #nosec G115 -- includes the initial attempt
		backoff.WithNotify(func(err error, next time.Duration) {
			d.metrics.Retry()
			d.logger.Debug().Str("request_id", requestID).Err(err).Dur("backoff", next).Msg("retrying request")
		}),
	)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// attempt performs a single HTTP exchange. Errors that must not be retried are marked permanent.
func (d *Dispatcher) attempt(ctx context.Context, req Request, target string, body []byte, pair token.Pair, requestID string) (*Response, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, d.cfg.GetRequestTimeout())
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(attemptCtx, req.Method, target, reader)
	if err != nil {
		return nil, backoff.Permanent(autherrors.New(autherrors.CodeInvalidInput, "invalid request").WithCause(err))
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	httpReq.Header.Set("Authorization", pair.AuthorizationHeader())
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set(requestIDHeader, requestID)
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	httpResp, err := d.transport.Do(httpReq)
	if err != nil {
		if ctx.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
			return nil, backoff.Permanent(autherrors.Newf(autherrors.CodeTimeout, "request timed out after %s", d.cfg.GetRequestTimeout()).WithCause(err))
		}
		if ctx.Err() != nil {
			return nil, backoff.Permanent(contextError(ctx, err))
		}
		return nil, backoff.Permanent(autherrors.New(autherrors.CodeNetwork, "request failed").WithCause(err))
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes))
	if err != nil {
		return nil, backoff.Permanent(autherrors.New(autherrors.CodeNetwork, "failed to read response").WithCause(err))
	}

	status := httpResp.StatusCode
	if status >= 200 && status < 300 {
		return &Response{StatusCode: status, Header: httpResp.Header, Body: respBody, RequestID: requestID}, nil
	}

	d.emitter.Emit(events.HTTPError, map[string]any{
		"requestId": requestID,
		"method":    req.Method,
		"path":      req.Path,
		"status":    status,
	})
	statusErr := autherrors.FromStatus(status, errorMessage(respBody))

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		statusErr.Recoverable = false
		return nil, backoff.Permanent(statusErr)
	case status == http.StatusTooManyRequests:
		return nil, retryAfter(statusErr, httpResp.Header.Get("Retry-After"), d.nowFunc())
	case status >= 500:
		return nil, statusErr
	}
	return nil, backoff.Permanent(statusErr)
}

func (d *Dispatcher) resolve(req Request) (string, error) {
	var target string
	if strings.HasPrefix(req.Path, "http://") || strings.HasPrefix(req.Path, "https://") {
		target = req.Path
	} else {
		base := strings.TrimSuffix(d.cfg.GetBaseURL(), "/")
		if base == "" {
			return "", errors.New("no base URL configured")
		}
		target = base + "/" + strings.TrimPrefix(req.Path, "/")
	}
	u, err := url.Parse(target)
	if err != nil {
		return "", errors.Wrap(err, "invalid request URL")
	}
	if len(req.Query) > 0 {
		q := u.Query()
		for k, vs := range req.Query {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// errorMessage extracts a message from a Bitbucket or OAuth style error body.
func errorMessage(body []byte) string {
	var payload struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
		Message          string `json:"message"`
		ErrorDescription string `json:"error_description"`
	}
	if json.Unmarshal(body, &payload) != nil {
		return ""
	}
	switch {
	case payload.Error.Message != "":
		return payload.Error.Message
	case payload.ErrorDescription != "":
		return payload.ErrorDescription
	}
	return payload.Message
}

func contextError(ctx context.Context, err error) *autherrors.AuthError {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return autherrors.New(autherrors.CodeTimeout, "request deadline exceeded").WithCause(err)
	}
	return autherrors.New(autherrors.CodeInternal, "request cancelled").WithCause(err)
}

// toAuthError normalises whatever the retry loop returned.
func toAuthError(err error) *autherrors.AuthError {
	var ae *autherrors.AuthError
	if errors.As(err, &ae) {
		return ae
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return autherrors.New(autherrors.CodeTimeout, "request deadline exceeded").WithCause(err)
	}
	if errors.Is(err, context.Canceled) {
		return autherrors.New(autherrors.CodeInternal, "request cancelled").WithCause(err)
	}
	return autherrors.Internal(err, "request failed")
}
