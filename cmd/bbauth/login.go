package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/jrsteele09/go-bitbucket-auth/server"
	"github.com/jrsteele09/go-bitbucket-auth/sessions"
	"github.com/jrsteele09/go-bitbucket-auth/token/jwt"
)

type loginOptions struct {
	device     bool
	jwtKey     string
	jwtSubject string
	timeout    time.Duration
	noBanner   bool
}

func newLoginCmd(root *rootOptions) *cobra.Command {
	opts := &loginOptions{}
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Authenticate with Bitbucket and open a session",
		Long: `Authenticate with Bitbucket using OAuth 2.0.

By default an authorization URL with a PKCE challenge is printed and the callback
is received on the loopback address. With --device the device authorization grant
is used instead, for machines without a browser. With --jwt-key a signed JWT
assertion is redeemed through the JWT bearer grant, with no user interaction.

Examples:
  bbauth login
  bbauth login --device
  bbauth login --jwt-key client.pem --jwt-subject build-bot
  bbauth login --timeout 2m`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.load(cmd)
			if err != nil {
				return err
			}
			if !opts.noBanner {
				printBanner(cmd.ErrOrStderr(), cfg.GetAppName())
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()

			a, err := newApp(ctx, cfg, cmd.ErrOrStderr())
			if err != nil {
				return err
			}

			var session *sessions.UserSession
			switch {
			case opts.device:
				session, err = deviceLogin(ctx, cmd, a)
			case opts.jwtKey != "":
				session, err = jwtLogin(ctx, a, opts)
			default:
				session, err = loopbackLogin(ctx, cmd, a)
			}
			if err != nil {
				printFailure(cmd.ErrOrStderr(), err)
				return err
			}
			printSession(cmd.OutOrStdout(), session, time.Now())
			return nil
		},
	}
	cmd.Flags().BoolVar(&opts.device, "device", false, "use the device authorization grant")
	cmd.Flags().StringVar(&opts.jwtKey, "jwt-key", "", "PEM private key used to sign a JWT bearer assertion")
	cmd.Flags().StringVar(&opts.jwtSubject, "jwt-subject", "", "subject of the JWT bearer assertion (defaults to the client id)")
	cmd.MarkFlagsMutuallyExclusive("device", "jwt-key")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 5*time.Minute, "how long to wait for the authorization to complete")
	cmd.Flags().BoolVar(&opts.noBanner, "no-banner", false, "do not print the banner")
	return cmd
}

func loopbackLogin(ctx context.Context, cmd *cobra.Command, a *app) (*sessions.UserSession, error) {
	srv, err := server.New(a.cfg, a.flow, a.sessions,
		server.WithLogger(a.logger),
		server.WithGatherer(a.registry),
		server.WithIdentityResolver(a.resolveIdentity),
		server.WithRouteOutput(cmd.ErrOrStderr()),
	)
	if err != nil {
		return nil, err
	}

	serveCtx, stop := context.WithCancel(ctx)
	defer stop()
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.ListenAndServe(serveCtx)
	}()

	authz, err := a.flow.GenerateAuthorizationURLWithPKCE(nil)
	if err != nil {
		return nil, err
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "Open this URL in your browser to authorize bbauth:\n\n  %s\n\nWaiting for the callback on %s ...\n", authz.URL, a.cfg.GetCallbackAddress())

	select {
	case res := <-srv.Results():
		return res.Session, res.Err
	case err := <-serveErr:
		if err == nil {
			err = ctx.Err()
		}
		return nil, err
	case <-ctx.Done():
		return nil, fmt.Errorf("no callback received: %w", ctx.Err())
	}
}

func deviceLogin(ctx context.Context, cmd *cobra.Command, a *app) (*sessions.UserSession, error) {
	da, err := a.flow.StartDeviceAuthorization(ctx, nil)
	if err != nil {
		return nil, err
	}
	verifyURI := da.VerificationURI
	if da.VerificationURIComplete != "" {
		verifyURI = da.VerificationURIComplete
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "Visit %s and enter the code:\n\n  %s\n\n", verifyURI, da.UserCode)

	pair, err := a.flow.WaitForDeviceToken(ctx, da)
	if err != nil {
		return nil, err
	}
	return server.EstablishSession(ctx, a.flow, a.resolveIdentity, a.sessions, pair, "device_code")
}

func jwtLogin(ctx context.Context, a *app, opts *loginOptions) (*sessions.UserSession, error) {
	pemKey, err := os.ReadFile(opts.jwtKey)
	if err != nil {
		return nil, errors.Wrap(err, "[jwtLogin] reading key")
	}
	creator, err := jwt.NewAssertionCreatorFromPEM(pemKey, a.cfg.GetClientID(), a.cfg.GetTokenEndpoint())
	if err != nil {
		return nil, err
	}
	subject := opts.jwtSubject
	if subject == "" {
		subject = a.cfg.GetClientID()
	}
	assertion, err := creator.Create(subject, nil)
	if err != nil {
		return nil, err
	}

	pair, err := a.flow.ExchangeJWT(ctx, assertion, a.cfg.GetScopes()...)
	if err != nil {
		return nil, err
	}
	return server.EstablishSession(ctx, a.flow, a.resolveIdentity, a.sessions, pair, "jwt_bearer")
}
