package oauthmodel

import (
	"net/url"
	"strings"

	"github.com/jrsteele09/go-bitbucket-auth/oauth2"
)

// TokenRequest holds the form parameters sent to the token endpoint.
// Supports the authorization_code, refresh_token, device_code and jwt-bearer grants.
type TokenRequest struct {
	GrantType oauth2.GrantType

	// Code is the authorization code received on the callback.
	// Required: authorization_code grant
	Code string

	// RedirectURI must equal the one used to obtain Code.
	RedirectURI string

	// CodeVerifier is the PKCE verifier matching the code_challenge sent with the authorization request.
	CodeVerifier string

	// RefreshToken is exchanged for a new access token.
	// Required: refresh_token grant
	RefreshToken string

	// DeviceCode identifies a pending device authorization.
	// Required: device_code grant
	DeviceCode string

	// Assertion is a signed JWT.
	// Required: jwt-bearer grant
	Assertion string

	Scopes []string
}

// Values encodes the request as a form body. Client credentials are added by the caller
// according to the configured auth style.
func (r TokenRequest) Values() url.Values {
	v := url.Values{}
	v.Set("grant_type", string(r.GrantType))
	set := func(k, val string) {
		if val != "" {
			v.Set(k, val)
		}
	}
	set("code", r.Code)
	set("redirect_uri", r.RedirectURI)
	set("code_verifier", r.CodeVerifier)
	set("refresh_token", r.RefreshToken)
	set("device_code", r.DeviceCode)
	set("assertion", r.Assertion)
	if len(r.Scopes) > 0 {
		v.Set("scope", strings.Join(r.Scopes, " "))
	}
	return v
}
