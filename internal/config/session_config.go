package config

import "time"

type SessionConfig interface {
	GetDefaultTimeout() time.Duration
	GetMaxConcurrentSessions() int
	GetCleanupInterval() time.Duration
	GetActivityTimeout() time.Duration
}

type Session struct {
	DefaultTimeout        time.Duration `mapstructure:"default_timeout"`
	MaxConcurrentSessions int           `mapstructure:"max_concurrent_sessions"`
	CleanupInterval       time.Duration `mapstructure:"cleanup_interval"`
	ActivityTimeout       time.Duration `mapstructure:"activity_timeout"`
}

var _ SessionConfig = Session{}
var _ SessionConfig = (*Settings)(nil)

func (s Session) GetDefaultTimeout() time.Duration  { return s.DefaultTimeout }
func (s Session) GetMaxConcurrentSessions() int     { return s.MaxConcurrentSessions }
func (s Session) GetCleanupInterval() time.Duration { return s.CleanupInterval }
func (s Session) GetActivityTimeout() time.Duration { return s.ActivityTimeout }

func (s *Settings) GetDefaultTimeout() time.Duration  { return s.Session.DefaultTimeout }
func (s *Settings) GetMaxConcurrentSessions() int     { return s.Session.MaxConcurrentSessions }
func (s *Settings) GetCleanupInterval() time.Duration { return s.Session.CleanupInterval }
func (s *Settings) GetActivityTimeout() time.Duration { return s.Session.ActivityTimeout }
