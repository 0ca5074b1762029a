package oauthmodel

import (
	"net/url"
	"strings"

	"github.com/pkg/errors"
)

// reservedParams are set by the flow engine and cannot be overridden through ExtraParams.
var reservedParams = map[string]struct{}{
	"response_type":         {},
	"client_id":             {},
	"code_challenge":        {},
	"code_challenge_method": {},
}

// AuthorizationOverrides adjusts a single authorization URL.
// Zero values fall back to the configured client settings.
type AuthorizationOverrides struct {
	// RedirectURI replaces the configured redirect URI.
	// Example: "http://127.0.0.1:8976/callback"
	RedirectURI string

	// Scopes replaces the configured scopes.
	// Example: []string{"account", "repository"}
	Scopes []string

	// State is echoed back by the authorization server. A random state is generated when empty.
	State string

	// ExtraParams are appended to the authorization URL query.
	// Example: {"prompt": "consent"}
	ExtraParams map[string]string

	// Correlate stores the state of a non-PKCE request so the callback can be matched to it.
	Correlate bool
}

// Validate checks the overrides before a URL is built from them.
func (o *AuthorizationOverrides) Validate() error {
	if o == nil {
		return nil
	}
	if o.RedirectURI != "" {
		u, err := url.Parse(o.RedirectURI)
		if err != nil {
			return errors.Wrap(err, "[AuthorizationOverrides.Validate] redirect uri")
		}
		if !u.IsAbs() || u.Host == "" {
			return errors.Errorf("[AuthorizationOverrides.Validate] redirect uri %q must be absolute", o.RedirectURI)
		}
		if u.Fragment != "" {
			return errors.New("[AuthorizationOverrides.Validate] redirect uri must not contain a fragment")
		}
	}
	for _, s := range o.Scopes {
		if strings.TrimSpace(s) == "" || strings.ContainsAny(s, " \"\\") {
			return errors.Errorf("[AuthorizationOverrides.Validate] invalid scope %q", s)
		}
	}
	for k := range o.ExtraParams {
		if _, reserved := reservedParams[k]; reserved {
			return errors.Errorf("[AuthorizationOverrides.Validate] parameter %q cannot be overridden", k)
		}
	}
	return nil
}
