package server

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/jrsteele09/go-bitbucket-auth/auth"
	"github.com/jrsteele09/go-bitbucket-auth/internal/config"
	"github.com/jrsteele09/go-bitbucket-auth/sessions"
	"github.com/jrsteele09/go-bitbucket-auth/token"
)

const shutdownTimeout = 5 * time.Second

// Authenticator completes an authorization code login. *auth.FlowEngine satisfies it.
// HasState reports whether state was issued by this process and is still pending.
type Authenticator interface {
	HasState(state string) bool
	ExchangeCodeForToken(ctx context.Context, code, state, codeVerifier string) (token.Pair, error)
	Identity(ctx context.Context, pair token.Pair) (*auth.Identity, error)
}

// IdentityResolver looks the user up when the token pair does not identify them,
// typically through the API's current user endpoint.
type IdentityResolver func(ctx context.Context, pair token.Pair) (*auth.Identity, error)

// LoginResult is delivered once per callback, successful or not.
type LoginResult struct {
	Session *sessions.UserSession
	Err     error
}

// Server is the loopback HTTP server that receives the authorization callback.
type Server struct {
	env        string
	address    string
	mux        *http.ServeMux
	routes     []string
	auth       Authenticator
	sessions   *sessions.Manager
	resolver   IdentityResolver
	gatherer   prometheus.Gatherer
	results    chan LoginResult
	logger     zerolog.Logger
	routeOut   io.Writer
	httpServer *http.Server
}

// ServerOption configures a Server.
type ServerOption func(*Server)

func WithLogger(l zerolog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = l
	}
}

// WithIdentityResolver sets the fallback used when the token pair carries no identity.
func WithIdentityResolver(r IdentityResolver) ServerOption {
	return func(s *Server) {
		s.resolver = r
	}
}

// WithGatherer serves the given registry on /metrics instead of the default one.
func WithGatherer(g prometheus.Gatherer) ServerOption {
	return func(s *Server) {
		s.gatherer = g
	}
}

// WithRouteOutput sets where registered routes are printed in development.
func WithRouteOutput(w io.Writer) ServerOption {
	return func(s *Server) {
		s.routeOut = w
	}
}

func New(cfg config.EnvConfig, authenticator Authenticator, sessionManager *sessions.Manager, options ...ServerOption) (*Server, error) {
	if authenticator == nil || sessionManager == nil {
		return nil, errors.New("[Server New] authenticator and session manager are required")
	}
	s := &Server{
		env:      cfg.GetEnv(),
		address:  cfg.GetCallbackAddress(),
		mux:      http.NewServeMux(),
		auth:     authenticator,
		sessions: sessionManager,
		gatherer: prometheus.DefaultGatherer,
		results:  make(chan LoginResult, 1),
		logger:   log.Logger,
		routeOut: os.Stderr,
	}
	for _, opt := range options {
		opt(s)
	}
	s.logger = s.logger.With().Str("component", "server").Logger()

	s.initRoutes()
	s.logRoutes()
	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) RegisterRouteHandler(pattern string, handler http.Handler) {
	s.routes = append(s.routes, pattern)
	s.mux.Handle(pattern, handler)
}

func (s *Server) RegisterRouteFunc(pattern string, handler func(http.ResponseWriter, *http.Request)) {
	s.routes = append(s.routes, pattern)
	s.mux.HandleFunc(pattern, handler)
}

// Results delivers the outcome of each authorization callback.
func (s *Server) Results() <-chan LoginResult {
	return s.results
}

// ListenAndServe serves on the configured callback address until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.address)
	if err != nil {
		return errors.Wrapf(err, "[Server.ListenAndServe] listen on %s", s.address)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.httpServer = &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpServer.Serve(ln)
	}()
	s.logger.Info().Str("address", ln.Addr().String()).Msg("callback server listening")

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrap(err, "[Server.Serve]")
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "[Server.Serve] shutdown")
	}
	return nil
}

// deliver never blocks; a result nobody is waiting for is dropped.
func (s *Server) deliver(res LoginResult) {
	select {
	case s.results <- res:
	default:
		s.logger.Warn().Msg("login result dropped, no receiver")
	}
}

func (s *Server) logRoutes() {
	if s.env != "DEV" {
		return
	}
	for _, route := range s.routes {
		parts := strings.SplitN(route, " ", 2)

		if len(parts) > 1 {
			s.logRoute(parts[0], parts[1])
		} else {
			s.logRoute("", parts[0])
		}
	}
}

func (s *Server) logRoute(method, path string) {
	paddedMethod := fmt.Sprintf(" %-7s", method)
	color, ok := methodColors[method]
	if !ok {
		color = Gray
	}
	fmt.Fprintf(s.routeOut, "[%-19s] %s\n", color+paddedMethod+ResetColor, path)
}
