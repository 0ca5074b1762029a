package main

import (
	"context"
	"io"
	"net/http"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"github.com/jrsteele09/go-bitbucket-auth/auth"
	"github.com/jrsteele09/go-bitbucket-auth/client"
	"github.com/jrsteele09/go-bitbucket-auth/events"
	"github.com/jrsteele09/go-bitbucket-auth/internal/config"
	"github.com/jrsteele09/go-bitbucket-auth/internal/logging"
	"github.com/jrsteele09/go-bitbucket-auth/internal/metrics"
	"github.com/jrsteele09/go-bitbucket-auth/sessions"
	"github.com/jrsteele09/go-bitbucket-auth/token"
	"github.com/jrsteele09/go-bitbucket-auth/token/jwt"
	"github.com/jrsteele09/go-bitbucket-auth/token/refresh"
)

// app holds the wired core shared by the commands.
type app struct {
	cfg       *config.Settings
	logger    zerolog.Logger
	registry  *prometheus.Registry
	metrics   *metrics.Metrics
	emitter   *events.Emitter
	transport *http.Client
	revoked   token.RevokedTokenCache
	flow      *auth.FlowEngine
	sessions  *sessions.Manager
	refresher *refresh.Manager
}

func newApp(ctx context.Context, cfg *config.Settings, logOut io.Writer) (*app, error) {
	a := &app{
		cfg:       cfg,
		logger:    logging.New(cfg, logOut),
		registry:  prometheus.NewRegistry(),
		transport: &http.Client{Timeout: cfg.GetRequestTimeout()},
	}
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = metrics.New(a.registry)
	a.emitter = events.NewEmitter(events.WithLogger(a.logger))
	a.emitter.Subscribe(events.ObserverFunc(a.logEvent))
	a.revoked = token.NewInMemoryRevokedTokenCache(nil)

	flowOpts := []auth.FlowEngineOption{
		auth.WithLogger(a.logger),
		auth.WithMetrics(a.metrics),
		auth.WithRevokedTokens(a.revoked),
	}
	if cfg.GetIssuer() != "" {
		verifier, err := jwt.NewIDTokenVerifier(ctx, cfg.GetIssuer(), cfg.GetClientID())
		if err != nil {
			return nil, errors.Wrap(err, "[newApp] id token verifier")
		}
		flowOpts = append(flowOpts, auth.WithIDTokenVerifier(verifier))
	}
	flow, err := auth.NewFlowEngine(cfg, a.transport, flowOpts...)
	if err != nil {
		return nil, errors.Wrap(err, "[newApp] flow engine")
	}
	a.flow = flow

	sm, err := sessions.NewManager(cfg.Session,
		sessions.WithLogger(a.logger),
		sessions.WithMetrics(a.metrics),
		sessions.WithEmitter(a.emitter),
	)
	if err != nil {
		return nil, errors.Wrap(err, "[newApp] session manager")
	}
	a.sessions = sm
	a.refresher = refresh.NewManager(flow, sm, refresh.WithLogger(a.logger))
	return a, nil
}

// newDispatcher returns a dispatcher sharing the app's transport, metrics and events.
func (a *app) newDispatcher() (*client.Dispatcher, error) {
	return client.NewDispatcher(a.cfg.Request, a.transport,
		client.WithLogger(a.logger),
		client.WithMetrics(a.metrics),
		client.WithEmitter(a.emitter),
		client.WithRevokedTokens(a.revoked),
	)
}

// resolveIdentity asks the API who an opaque token belongs to.
func (a *app) resolveIdentity(ctx context.Context, pair token.Pair) (*auth.Identity, error) {
	d, err := a.newDispatcher()
	if err != nil {
		return nil, err
	}
	if err := d.SetAuthentication(pair, "login"); err != nil {
		return nil, err
	}
	defer d.ClearAuthentication()

	u, err := d.CurrentUser(ctx)
	if err != nil {
		return nil, err
	}
	return &auth.Identity{UserID: u.ID(), UserName: u.Name()}, nil
}

func (a *app) logEvent(e events.Event) {
	a.logger.Debug().
		Str("component", "events").
		Str("event", string(e.Name)).
		Interface("payload", e.Payload).
		Msg("event")
}
