package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jrsteele09/go-bitbucket-auth/internal/config"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

func TestLoadDefaults(t *testing.T) {
	s, err := config.Load(viper.New(), "")
	require.NoError(t, err)
	require.Equal(t, 5, s.GetMaxConcurrentSessions())
	require.Equal(t, 24*time.Hour, s.GetDefaultTimeout())
	require.Equal(t, 30*time.Minute, s.GetActivityTimeout())
	require.Equal(t, 30*time.Second, s.GetRequestTimeout())
	require.Equal(t, 3, s.GetMaxRetries())
	require.Equal(t, 10*time.Minute, s.GetStateExpiry())
	require.Equal(t, oauth2.AuthStyleInParams, s.GetAuthStyle())
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	t.Setenv("BBAUTH_OAUTH_CLIENT_ID", "env-client")
	t.Setenv("BBAUTH_SESSION_MAX_CONCURRENT_SESSIONS", "2")
	t.Setenv("BBAUTH_SESSION_ACTIVITY_TIMEOUT", "90s")

	s, err := config.Load(viper.New(), "")
	require.NoError(t, err)
	require.Equal(t, "env-client", s.GetClientID())
	require.Equal(t, 2, s.GetMaxConcurrentSessions())
	require.Equal(t, 90*time.Second, s.GetActivityTimeout())
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "bbauth.yaml")
	content := `
oauth:
  client_id: file-client
  basic_auth: true
  scopes: [repository, pullrequest]
request:
  max_retries: 1
`
	require.NoError(t, os.WriteFile(file, []byte(content), 0o600))

	s, err := config.Load(viper.New(), file)
	require.NoError(t, err)
	require.Equal(t, "file-client", s.GetClientID())
	require.Equal(t, []string{"repository", "pullrequest"}, s.GetScopes())
	require.Equal(t, oauth2.AuthStyleInHeader, s.GetAuthStyle())
	require.Equal(t, 1, s.GetMaxRetries())
}

func TestValidateRejectsZeroConcurrency(t *testing.T) {
	t.Setenv("BBAUTH_SESSION_MAX_CONCURRENT_SESSIONS", "0")
	_, err := config.Load(viper.New(), "")
	require.Error(t, err)
}
