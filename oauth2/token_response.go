package oauth2

// TokenResponse is the token endpoint response as defined in RFC 6749 section 5.1.
// Returned for every grant type.
type TokenResponse struct {
	// AccessToken is used in the Authorization header: "Bearer <access_token>".
	// Bitbucket issues opaque access tokens; other servers may issue JWTs.
	AccessToken *string `json:"access_token,omitempty"`

	// IdToken is the OpenID Connect ID token. Only present when the server speaks OIDC.
	IdToken *string `json:"id_token,omitempty"`

	// TokenType indicates how to use the access token, normally "bearer".
	TokenType string `json:"token_type,omitempty"`

	// ExpiresIn is the lifetime in seconds of the access token.
	// Example: 7200
	ExpiresIn int `json:"expires_in,omitempty"`

	// RefreshToken is used with grant_type=refresh_token.
	// Absent when the server does not rotate it.
	RefreshToken *string `json:"refresh_token,omitempty"`

	// Scope is the space-separated list of granted scopes, which may differ from the requested ones.
	// Bitbucket returns it as "scopes".
	Scope  string `json:"scope,omitempty"`
	Scopes string `json:"scopes,omitempty"`
}

// GrantedScope returns whichever scope field the server populated.
func (r *TokenResponse) GrantedScope() string {
	if r.Scope != "" {
		return r.Scope
	}
	return r.Scopes
}

// IntrospectionResponse is the RFC 7662 token introspection response.
type IntrospectionResponse struct {
	Active    bool   `json:"active"`
	Scope     string `json:"scope,omitempty"`
	ClientID  string `json:"client_id,omitempty"`
	Username  string `json:"username,omitempty"`
	TokenType string `json:"token_type,omitempty"`
	Exp       int64  `json:"exp,omitempty"`
	Iat       int64  `json:"iat,omitempty"`
	Nbf       int64  `json:"nbf,omitempty"`
	Sub       string `json:"sub,omitempty"`
	Aud       any    `json:"aud,omitempty"`
	Iss       string `json:"iss,omitempty"`
	Jti       string `json:"jti,omitempty"`
}

// Metadata is the RFC 8414 authorization server metadata document.
type Metadata struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint,omitempty"`
	TokenEndpoint                     string   `json:"token_endpoint,omitempty"`
	JWKSURI                           string   `json:"jwks_uri,omitempty"`
	RegistrationEndpoint              string   `json:"registration_endpoint,omitempty"`
	ScopesSupported                   []string `json:"scopes_supported,omitempty"`
	ResponseTypesSupported            []string `json:"response_types_supported,omitempty"`
	GrantTypesSupported               []string `json:"grant_types_supported,omitempty"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported,omitempty"`
	RevocationEndpoint                string   `json:"revocation_endpoint,omitempty"`
	IntrospectionEndpoint             string   `json:"introspection_endpoint,omitempty"`
	DeviceAuthorizationEndpoint       string   `json:"device_authorization_endpoint,omitempty"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported,omitempty"`
	UserinfoEndpoint                  string   `json:"userinfo_endpoint,omitempty"`
}

// DeviceAuthorization is the RFC 8628 device authorization response.
type DeviceAuthorization struct {
	DeviceCode              string `json:"device_code"`
	UserCode                string `json:"user_code"`
	VerificationURI         string `json:"verification_uri"`
	VerificationURIComplete string `json:"verification_uri_complete,omitempty"`
	ExpiresIn               int    `json:"expires_in"`
	// Interval is the minimum polling interval in seconds, 5 when omitted.
	Interval int `json:"interval,omitempty"`
}
