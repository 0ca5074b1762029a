package result_test

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	autherrors "github.com/jrsteele09/go-bitbucket-auth/internal/errors"
	"github.com/jrsteele09/go-bitbucket-auth/internal/result"
	"github.com/jrsteele09/go-bitbucket-auth/oauthmodel"
)

func TestFromSuccess(t *testing.T) {
	env := result.From("session_get", map[string]string{"id": "sess_1"}, nil)
	require.True(t, env.Success)
	require.Nil(t, env.Error)
	require.Equal(t, "session_get", env.Metadata.Operation)
	require.False(t, env.Metadata.Timestamp.IsZero())
}

func TestFromAuthError(t *testing.T) {
	env := result.From("session_get", nil, autherrors.New(autherrors.CodeSessionExpired, "session expired"))
	require.False(t, env.Success)
	require.Equal(t, "SESSION_EXPIRED", env.Error.Code)
	require.False(t, env.Error.Recoverable)
}

func TestFromOAuthError(t *testing.T) {
	details := oauthmodel.NewErrorDetails(oauthmodel.ErrInvalidGrant, "refresh token revoked", "", http.StatusBadRequest)
	env := result.From("token_refresh", nil, errors.Wrap(details, "refresh"))
	require.Equal(t, "invalid_grant", env.Error.Code)
	require.NotEmpty(t, env.Error.Guidance)
	require.Equal(t, http.StatusBadRequest, env.Error.StatusCode)
}

func TestFromUnknownErrorIsInternal(t *testing.T) {
	env := result.From("x", nil, errors.New("boom"))
	require.Equal(t, "INTERNAL_ERROR", env.Error.Code)
	require.True(t, env.Error.Recoverable)

	raw, err := json.Marshal(env)
	require.NoError(t, err)
	require.Contains(t, string(raw), `"success":false`)
	require.Contains(t, string(raw), `"isRecoverable":true`)
}
