package config

import "time"

type RequestConfig interface {
	GetBaseURL() string
	GetRequestTimeout() time.Duration
	GetMaxRetries() int
	GetRetryBaseDelay() time.Duration
	GetRequestsPerSecond() float64
}

// Request configures the authenticated API dispatcher.
type Request struct {
	BaseURL           string        `mapstructure:"base_url"`
	Timeout           time.Duration `mapstructure:"timeout"`
	MaxRetries        int           `mapstructure:"max_retries"`
	RetryBaseDelay    time.Duration `mapstructure:"retry_base_delay"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"` // 0 disables client-side throttling
}

var _ RequestConfig = Request{}
var _ RequestConfig = (*Settings)(nil)

func (r Request) GetBaseURL() string { return r.BaseURL }

func (r Request) GetRequestTimeout() time.Duration {
	if r.Timeout <= 0 {
		return 30 * time.Second
	}
	return r.Timeout
}

func (r Request) GetMaxRetries() int {
	if r.MaxRetries < 0 {
		return 0
	}
	return r.MaxRetries
}

func (r Request) GetRetryBaseDelay() time.Duration {
	if r.RetryBaseDelay <= 0 {
		return time.Second
	}
	return r.RetryBaseDelay
}

func (r Request) GetRequestsPerSecond() float64 { return r.RequestsPerSecond }

func (s *Settings) GetBaseURL() string               { return s.Request.GetBaseURL() }
func (s *Settings) GetRequestTimeout() time.Duration { return s.Request.GetRequestTimeout() }
func (s *Settings) GetMaxRetries() int               { return s.Request.GetMaxRetries() }
func (s *Settings) GetRetryBaseDelay() time.Duration { return s.Request.GetRetryBaseDelay() }
func (s *Settings) GetRequestsPerSecond() float64    { return s.Request.GetRequestsPerSecond() }
