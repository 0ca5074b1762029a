package oauth2

// ResponseType represents the OAuth 2.0 response type requested from the authorization endpoint.
type ResponseType string

const (
	// CodeResponseType requests an authorization code. It is the only response type used.
	CodeResponseType ResponseType = "code"
)

// CodeMethodType represents the PKCE challenge method.
type CodeMethodType string

const (
	// CodeMethodTypeS256 sends code_challenge = BASE64URL(SHA256(code_verifier)).
	CodeMethodTypeS256 CodeMethodType = "S256"
)

// GrantType represents the OAuth 2.0 grant type used at the token endpoint.
type GrantType string

const (
	// AuthorizationCodeGrant exchanges an authorization code for tokens.
	// Token request includes: code, redirect_uri, code_verifier (if PKCE)
	AuthorizationCodeGrant GrantType = "authorization_code"

	// RefreshTokenGrant exchanges a refresh token for a new access token.
	// The server may or may not rotate the refresh token.
	RefreshTokenGrant GrantType = "refresh_token"

	// DeviceCodeGrant polls for the outcome of a device authorization (RFC 8628).
	DeviceCodeGrant GrantType = "urn:ietf:params:oauth:grant-type:device_code"

	// JWTBearerGrant exchanges a signed assertion for an access token (RFC 7523).
	JWTBearerGrant GrantType = "urn:ietf:params:oauth:grant-type:jwt-bearer"
)

// TokenTypeHint tells the revocation and introspection endpoints which kind of token is sent.
type TokenTypeHint string

const (
	AccessTokenHint  TokenTypeHint = "access_token"
	RefreshTokenHint TokenTypeHint = "refresh_token"
)
