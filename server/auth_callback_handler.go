package server

import (
	"context"
	"fmt"
	"html"
	"net/http"

	"github.com/pkg/errors"

	"github.com/jrsteele09/go-bitbucket-auth/auth"
	"github.com/jrsteele09/go-bitbucket-auth/oauthmodel"
	"github.com/jrsteele09/go-bitbucket-auth/sessions"
	"github.com/jrsteele09/go-bitbucket-auth/token"
)

const callbackPage = `<!DOCTYPE html>
<html><head><meta charset="utf-8"><title>%s</title></head>
<body><h1>%s</h1><p>%s</p></body></html>`

func (s *Server) OAuthCallbackHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// r.FormValue works for both query params and POST form data
		state := r.FormValue("state")
		code := r.FormValue("code")
		errorParam := r.FormValue("error")
		errorDesc := r.FormValue("error_description")

		// Check for authorization errors
		if errorParam != "" {
			err := oauthmodel.NewErrorDetails(oauthmodel.ErrorCode(errorParam), errorDesc, state, 0)
			s.deliver(LoginResult{Err: err})
			writeCallbackPage(w, http.StatusBadRequest, "Authorization failed", err.Message())
			return
		}

		if code == "" {
			err := oauthmodel.NewErrorDetails(oauthmodel.ErrInvalidRequest, "missing code parameter", state, 0)
			s.deliver(LoginResult{Err: err})
			writeCallbackPage(w, http.StatusBadRequest, "Authorization failed", err.Message())
			return
		}

		if !s.auth.HasState(state) {
			err := oauthmodel.NewErrorDetails(oauthmodel.ErrInvalidRequest, "unknown or expired state parameter", state, 0)
			s.logger.Warn().Msg("callback rejected, state was not issued by this process")
			s.deliver(LoginResult{Err: err})
			writeCallbackPage(w, http.StatusBadRequest, "Authorization failed", err.Message())
			return
		}

		pair, err := s.auth.ExchangeCodeForToken(r.Context(), code, state, "")
		if err != nil {
			s.logger.Warn().Err(err).Msg("authorization code exchange failed")
			s.deliver(LoginResult{Err: err})
			writeCallbackPage(w, http.StatusBadGateway, "Authorization failed", "The authorization code could not be exchanged. Return to the terminal for details.")
			return
		}

		session, err := EstablishSession(r.Context(), s.auth, s.resolver, s.sessions, pair, "authorization_code")
		if err != nil {
			s.logger.Warn().Err(err).Msg("session could not be established")
			s.deliver(LoginResult{Err: err})
			writeCallbackPage(w, http.StatusInternalServerError, "Login failed", "A session could not be created. Return to the terminal for details.")
			return
		}

		s.deliver(LoginResult{Session: session})
		writeCallbackPage(w, http.StatusOK, "Logged in", "Signed in as "+session.UserName+". You can close this window.")
	}
}

func writeCallbackPage(w http.ResponseWriter, status int, title, message string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	title = html.EscapeString(title)
	fmt.Fprintf(w, callbackPage, title, title, html.EscapeString(message))
}

// EstablishSession resolves who the pair belongs to and opens a session bound to it.
func EstablishSession(ctx context.Context, authenticator Authenticator, resolver IdentityResolver, sessionManager *sessions.Manager, pair token.Pair, grant string) (*sessions.UserSession, error) {
	identity, err := authenticator.Identity(ctx, pair)
	if errors.Is(err, auth.ErrIdentityUnavailable) && resolver != nil {
		identity, err = resolver(ctx, pair)
	}
	if err != nil {
		return nil, errors.Wrap(err, "[EstablishSession] identity")
	}
	userName := identity.UserName
	if userName == "" {
		userName = identity.UserID
	}
	return sessionManager.CreateSession(identity.UserID, userName, 0, pair, map[string]any{
		"grant":  grant,
		"scopes": pair.Scopes,
	})
}
