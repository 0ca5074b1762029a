package config

import (
	"time"

	"golang.org/x/oauth2"
)

type OAuthConfig interface {
	GetClientID() string
	GetClientSecret() string
	GetRedirectURI() string
	GetScopes() []string
	GetIssuer() string
	GetAuthorizationEndpoint() string
	GetTokenEndpoint() string
	GetRevocationEndpoint() string
	GetIntrospectionEndpoint() string
	GetDeviceAuthorizationEndpoint() string
	GetAuthStyle() oauth2.AuthStyle
	GetStateExpiry() time.Duration
	GetStateCleanupInterval() time.Duration
	GetMetadataCacheTTL() time.Duration
}

// OAuth describes the client registration and the upstream authorization server.
type OAuth struct {
	ClientID                    string        `mapstructure:"client_id"`
	ClientSecret                string        `mapstructure:"client_secret"`
	RedirectURI                 string        `mapstructure:"redirect_uri"`
	Scopes                      []string      `mapstructure:"scopes"`
	Issuer                      string        `mapstructure:"issuer"`
	AuthorizationEndpoint       string        `mapstructure:"authorization_endpoint"`
	TokenEndpoint               string        `mapstructure:"token_endpoint"`
	RevocationEndpoint          string        `mapstructure:"revocation_endpoint"`
	IntrospectionEndpoint       string        `mapstructure:"introspection_endpoint"`
	DeviceAuthorizationEndpoint string        `mapstructure:"device_authorization_endpoint"`
	BasicAuth                   bool          `mapstructure:"basic_auth"` // client credentials in the Authorization header
	StateExpiry                 time.Duration `mapstructure:"state_expiry"`
	StateCleanupInterval        time.Duration `mapstructure:"state_cleanup_interval"`
	MetadataCacheTTL            time.Duration `mapstructure:"metadata_cache_ttl"`
}

var _ OAuthConfig = (*Settings)(nil)

func (s *Settings) GetClientID() string              { return s.OAuth.ClientID }
func (s *Settings) GetClientSecret() string          { return s.OAuth.ClientSecret }
func (s *Settings) GetRedirectURI() string           { return s.OAuth.RedirectURI }
func (s *Settings) GetScopes() []string              { return s.OAuth.Scopes }
func (s *Settings) GetIssuer() string                { return s.OAuth.Issuer }
func (s *Settings) GetAuthorizationEndpoint() string { return s.OAuth.AuthorizationEndpoint }
func (s *Settings) GetTokenEndpoint() string         { return s.OAuth.TokenEndpoint }
func (s *Settings) GetRevocationEndpoint() string    { return s.OAuth.RevocationEndpoint }
func (s *Settings) GetIntrospectionEndpoint() string { return s.OAuth.IntrospectionEndpoint }

func (s *Settings) GetDeviceAuthorizationEndpoint() string {
	return s.OAuth.DeviceAuthorizationEndpoint
}

func (s *Settings) GetAuthStyle() oauth2.AuthStyle {
	if s.OAuth.BasicAuth {
		return oauth2.AuthStyleInHeader
	}
	return oauth2.AuthStyleInParams
}

func (s *Settings) GetStateExpiry() time.Duration {
	if s.OAuth.StateExpiry <= 0 {
		return 10 * time.Minute
	}
	return s.OAuth.StateExpiry
}

func (s *Settings) GetStateCleanupInterval() time.Duration {
	if s.OAuth.StateCleanupInterval <= 0 {
		return time.Minute
	}
	return s.OAuth.StateCleanupInterval
}

func (s *Settings) GetMetadataCacheTTL() time.Duration {
	if s.OAuth.MetadataCacheTTL <= 0 {
		return 30 * time.Minute
	}
	return s.OAuth.MetadataCacheTTL
}
