package auth

import (
	"context"

	"github.com/pkg/errors"

	"github.com/jrsteele09/go-bitbucket-auth/token"
	"github.com/jrsteele09/go-bitbucket-auth/token/jwt"
)

// Identity is the user a token pair was issued to.
type Identity struct {
	UserID   string
	UserName string
}

// Identity derives the user from the pair's ID token, verified when an ID token verifier is
// configured, or from the claims of a JWT access token. Opaque tokens without an ID token yield
// ErrIdentityUnavailable; callers then look the user up through the API.
func (e *FlowEngine) Identity(ctx context.Context, pair token.Pair) (*Identity, error) {
	var claims *jwt.Claims
	var err error

	switch {
	case pair.IDToken != "" && e.idVerifier != nil:
		claims, err = e.idVerifier.Verify(ctx, pair.IDToken)
		if err != nil {
			return nil, errors.Wrap(err, "[FlowEngine.Identity] id token rejected")
		}
	case pair.IDToken != "":
		claims, err = e.inspector.Inspect(pair.IDToken)
	default:
		claims, err = e.inspector.Inspect(pair.AccessToken)
	}
	if err != nil || claims.Subject == "" {
		return nil, ErrIdentityUnavailable
	}
	return &Identity{UserID: claims.Subject, UserName: claims.DisplayName()}, nil
}
