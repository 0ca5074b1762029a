package config

import "time"

// Config is the full configuration surface consumed by the binaries.
// Components depend only on the narrow interface for their concern.
type Config interface {
	EnvConfig
	OAuthConfig
	SessionConfig
	RequestConfig
}

type EnvConfig interface {
	GetAppName() string
	GetEnv() string
	GetLogLevel() string
	GetLogFormat() string
	GetCallbackAddress() string
}

// Settings holds plain configuration values. It is populated once at start-up
// and never reconfigured while components are running.
type Settings struct {
	AppName         string `mapstructure:"app_name"`
	Env             string `mapstructure:"env"`
	LogLevel        string `mapstructure:"log_level"`
	LogFormat       string `mapstructure:"log_format"`
	CallbackAddress string `mapstructure:"callback_address"`

	OAuth   OAuth   `mapstructure:"oauth"`
	Session Session `mapstructure:"session"`
	Request Request `mapstructure:"request"`
}

var _ Config = (*Settings)(nil)

// Default returns the settings used when nothing is configured.
func Default() *Settings {
	return &Settings{
		AppName:         "bbauth",
		Env:             "DEV",
		LogLevel:        "info",
		LogFormat:       "console",
		CallbackAddress: "127.0.0.1:8976",
		OAuth: OAuth{
			AuthorizationEndpoint: "https://bitbucket.org/site/oauth2/authorize",
			TokenEndpoint:         "https://bitbucket.org/site/oauth2/access_token",
			RedirectURI:           "http://127.0.0.1:8976/callback",
			Scopes:                []string{"account", "repository", "pullrequest"},
			StateExpiry:           10 * time.Minute,
			StateCleanupInterval:  time.Minute,
			MetadataCacheTTL:      30 * time.Minute,
		},
		Session: Session{
			DefaultTimeout:        24 * time.Hour,
			MaxConcurrentSessions: 5,
			CleanupInterval:       5 * time.Minute,
			ActivityTimeout:       30 * time.Minute,
		},
		Request: Request{
			BaseURL:        "https://api.bitbucket.org/2.0",
			Timeout:        30 * time.Second,
			MaxRetries:     3,
			RetryBaseDelay: time.Second,
		},
	}
}

func (s *Settings) GetAppName() string         { return s.AppName }
func (s *Settings) GetLogLevel() string        { return s.LogLevel }
func (s *Settings) GetLogFormat() string       { return s.LogFormat }
func (s *Settings) GetCallbackAddress() string { return s.CallbackAddress }

func (s *Settings) GetEnv() string {
	if s.Env == "" {
		return "DEV"
	}
	return s.Env
}
