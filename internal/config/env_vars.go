package config

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable, e.g. BBAUTH_OAUTH_CLIENT_ID.
const EnvPrefix = "BBAUTH"

// Load reads configuration from defaults, an optional config file and the environment,
// in increasing order of precedence.
func Load(v *viper.Viper, configFile string) (*Settings, error) {
	if v == nil {
		v = viper.New()
	}
	setDefaults(v, Default())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "[config.Load] reading %s", configFile)
		}
	}

	settings := &Settings{}
	if err := v.Unmarshal(settings); err != nil {
		return nil, errors.Wrap(err, "[config.Load] unmarshal")
	}
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	return settings, nil
}

// Validate rejects values the session manager and dispatcher cannot work with.
func (s *Settings) Validate() error {
	if s.Session.MaxConcurrentSessions < 1 {
		return errors.New("session.max_concurrent_sessions must be at least 1")
	}
	if s.Session.DefaultTimeout <= 0 {
		return errors.New("session.default_timeout must be positive")
	}
	if s.Session.CleanupInterval <= 0 {
		return errors.New("session.cleanup_interval must be positive")
	}
	if s.Request.MaxRetries < 0 {
		return errors.New("request.max_retries cannot be negative")
	}
	return nil
}

// setDefaults registers every key so that AutomaticEnv can resolve it during Unmarshal.
func setDefaults(v *viper.Viper, d *Settings) {
	v.SetDefault("app_name", d.AppName)
	v.SetDefault("env", d.Env)
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("log_format", d.LogFormat)
	v.SetDefault("callback_address", d.CallbackAddress)

	v.SetDefault("oauth.client_id", d.OAuth.ClientID)
	v.SetDefault("oauth.client_secret", d.OAuth.ClientSecret)
	v.SetDefault("oauth.redirect_uri", d.OAuth.RedirectURI)
	v.SetDefault("oauth.scopes", d.OAuth.Scopes)
	v.SetDefault("oauth.issuer", d.OAuth.Issuer)
	v.SetDefault("oauth.authorization_endpoint", d.OAuth.AuthorizationEndpoint)
	v.SetDefault("oauth.token_endpoint", d.OAuth.TokenEndpoint)
	v.SetDefault("oauth.revocation_endpoint", d.OAuth.RevocationEndpoint)
	v.SetDefault("oauth.introspection_endpoint", d.OAuth.IntrospectionEndpoint)
	v.SetDefault("oauth.device_authorization_endpoint", d.OAuth.DeviceAuthorizationEndpoint)
	v.SetDefault("oauth.basic_auth", d.OAuth.BasicAuth)
	v.SetDefault("oauth.state_expiry", d.OAuth.StateExpiry)
	v.SetDefault("oauth.state_cleanup_interval", d.OAuth.StateCleanupInterval)
	v.SetDefault("oauth.metadata_cache_ttl", d.OAuth.MetadataCacheTTL)

	v.SetDefault("session.default_timeout", d.Session.DefaultTimeout)
	v.SetDefault("session.max_concurrent_sessions", d.Session.MaxConcurrentSessions)
	v.SetDefault("session.cleanup_interval", d.Session.CleanupInterval)
	v.SetDefault("session.activity_timeout", d.Session.ActivityTimeout)

	v.SetDefault("request.base_url", d.Request.BaseURL)
	v.SetDefault("request.timeout", d.Request.Timeout)
	v.SetDefault("request.max_retries", d.Request.MaxRetries)
	v.SetDefault("request.retry_base_delay", d.Request.RetryBaseDelay)
	v.SetDefault("request.requests_per_second", d.Request.RequestsPerSecond)
}
