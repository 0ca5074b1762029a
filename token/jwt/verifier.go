package jwt

import (
	"context"
	"crypto"
	"fmt"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
)

// IDTokenVerifier verifies OpenID Connect ID tokens returned alongside access tokens.
type IDTokenVerifier struct {
	verifier *oidc.IDTokenVerifier
}

// NewIDTokenVerifier discovers the issuer's keys and builds a verifier for clientID.
func NewIDTokenVerifier(ctx context.Context, issuer, clientID string) (*IDTokenVerifier, error) {
	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, fmt.Errorf("failed to discover OIDC provider %s: %w", issuer, err)
	}
	return &IDTokenVerifier{verifier: provider.Verifier(&oidc.Config{ClientID: clientID})}, nil
}

// NewStaticIDTokenVerifier builds a verifier from known public keys.
// now may be nil, in which case the wall clock is used.
func NewStaticIDTokenVerifier(issuer, clientID string, now func() time.Time, keys ...crypto.PublicKey) *IDTokenVerifier {
	keySet := &oidc.StaticKeySet{PublicKeys: keys}
	return &IDTokenVerifier{verifier: oidc.NewVerifier(issuer, keySet, &oidc.Config{ClientID: clientID, Now: now})}
}

// Verify checks the signature, issuer, audience and expiry of rawIDToken and returns its claims.
func (v *IDTokenVerifier) Verify(ctx context.Context, rawIDToken string) (*Claims, error) {
	idToken, err := v.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, fmt.Errorf("failed to verify id token: %w", err)
	}
	var extra struct {
		Name              string `json:"name"`
		PreferredUsername string `json:"preferred_username"`
		Nickname          string `json:"nickname"`
		Email             string `json:"email"`
	}
	if err := idToken.Claims(&extra); err != nil {
		return nil, fmt.Errorf("failed to decode id token claims: %w", err)
	}
	c := &Claims{
		Subject:  idToken.Subject,
		Name:     extra.Name,
		Username: extra.PreferredUsername,
		Email:    extra.Email,
		Issuer:   idToken.Issuer,
		Expiry:   idToken.Expiry,
		IssuedAt: idToken.IssuedAt,
	}
	if c.Username == "" {
		c.Username = extra.Nickname
	}
	return c, nil
}
