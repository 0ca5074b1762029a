package auth_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jrsteele09/go-bitbucket-auth/auth"
)

func TestValidator_ValidateCodeVerifier(t *testing.T) {
	v := auth.NewValidator()

	t.Run("valid verifier", func(t *testing.T) {
		require.NoError(t, v.ValidateCodeVerifier("dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"))
	})

	t.Run("too short", func(t *testing.T) {
		err := v.ValidateCodeVerifier("tooshort")
		require.Error(t, err)
		require.Contains(t, err.Error(), "length must be between")
	})

	t.Run("too long", func(t *testing.T) {
		require.Error(t, v.ValidateCodeVerifier(strings.Repeat("a", 129)))
	})

	t.Run("invalid character", func(t *testing.T) {
		err := v.ValidateCodeVerifier("dBjftJeZ4CVP+mB92K27uhbUJU1p1r/wW1gFWFOEjXk")
		require.Error(t, err)
		require.Contains(t, err.Error(), "invalid character")
	})
}

func TestValidator_ValidateCallback(t *testing.T) {
	v := auth.NewValidator()

	t.Run("code and state", func(t *testing.T) {
		require.NoError(t, v.ValidateCallback("abc123", "random-state-value"))
	})

	t.Run("code without state", func(t *testing.T) {
		require.NoError(t, v.ValidateCallback("abc123", ""))
	})

	t.Run("missing code", func(t *testing.T) {
		err := v.ValidateCallback(" ", "random-state-value")
		require.Error(t, err)
		require.Contains(t, err.Error(), "authorization code is required")
	})

	t.Run("code with whitespace", func(t *testing.T) {
		require.Error(t, v.ValidateCallback("abc 123", ""))
	})

	t.Run("short state", func(t *testing.T) {
		err := v.ValidateCallback("abc123", "short")
		require.Error(t, err)
		require.Contains(t, err.Error(), "at least 8 characters")
	})
}

func TestValidateState(t *testing.T) {
	require.NoError(t, auth.ValidateState(""))
	require.NoError(t, auth.ValidateState("random-state-value"))
	require.Error(t, auth.ValidateState(" padded-state "))
}

func TestGenerateState(t *testing.T) {
	a, err := auth.GenerateState()
	require.NoError(t, err)
	b, err := auth.GenerateState()
	require.NoError(t, err)
	require.Len(t, a, 43)
	require.NotEqual(t, a, b)
	require.NoError(t, auth.ValidateState(a))
}
