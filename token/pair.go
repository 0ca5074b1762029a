package token

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	xoauth2 "golang.org/x/oauth2"

	"github.com/jrsteele09/go-bitbucket-auth/internal/utils"
	"github.com/jrsteele09/go-bitbucket-auth/oauth2"
	"github.com/jrsteele09/go-bitbucket-auth/token/jwt"
)

// RefreshThreshold is how long before expiry a token is considered due for refresh.
const RefreshThreshold = 5 * time.Minute

// DefaultTokenType is used when the token endpoint omits token_type.
const DefaultTokenType = "Bearer"

// Pair is an access token with its optional refresh token and absolute expiry.
type Pair struct {
	AccessToken  string    `json:"access_token"`
	TokenType    string    `json:"token_type"`
	ExpiresAt    time.Time `json:"expires_at,omitempty"` // zero when the server gave no lifetime
	RefreshToken string    `json:"refresh_token,omitempty"`
	Scopes       []string  `json:"scopes,omitempty"`
	IDToken      string    `json:"id_token,omitempty"`
	IssuedAt     time.Time `json:"issued_at"`
}

// NewPair converts a token endpoint response received at issuedAt. ExpiresAt is fixed here and
// never recomputed. When expires_in is missing, the exp claim of a JWT access token is used.
func NewPair(resp *oauth2.TokenResponse, issuedAt time.Time) (Pair, error) {
	if resp == nil || utils.Value(resp.AccessToken) == "" {
		return Pair{}, errors.New("[token.NewPair] response has no access_token")
	}
	p := Pair{
		AccessToken:  utils.Value(resp.AccessToken),
		TokenType:    resp.TokenType,
		RefreshToken: utils.Value(resp.RefreshToken),
		IDToken:      utils.Value(resp.IdToken),
		Scopes:       strings.Fields(resp.GrantedScope()),
		IssuedAt:     issuedAt,
	}
	if p.TokenType == "" || strings.EqualFold(p.TokenType, DefaultTokenType) {
		p.TokenType = DefaultTokenType
	}
	switch {
	case resp.ExpiresIn > 0:
		p.ExpiresAt = issuedAt.Add(time.Duration(resp.ExpiresIn) * time.Second)
	default:
		if exp, ok := jwt.ExpiresAt(p.AccessToken); ok {
			p.ExpiresAt = exp
		}
	}
	return p, nil
}

// HasExpiry reports whether the pair carries a known expiry.
func (p Pair) HasExpiry() bool {
	return !p.ExpiresAt.IsZero()
}

// IsExpired reports whether the access token has expired at now.
func (p Pair) IsExpired(now time.Time) bool {
	return p.HasExpiry() && !now.Before(p.ExpiresAt)
}

// NearExpiry reports whether ExpiresAt <= now + RefreshThreshold.
func (p Pair) NearExpiry(now time.Time) bool {
	return p.HasExpiry() && !p.ExpiresAt.After(now.Add(RefreshThreshold))
}

// ExpiresIn returns the remaining lifetime, 0 once expired or when unknown.
func (p Pair) ExpiresIn(now time.Time) time.Duration {
	if !p.HasExpiry() || !now.Before(p.ExpiresAt) {
		return 0
	}
	return p.ExpiresAt.Sub(now)
}

// CanRefresh reports whether a refresh token is available.
func (p Pair) CanRefresh() bool {
	return p.RefreshToken != ""
}

// AuthorizationHeader returns the value of the Authorization request header.
func (p Pair) AuthorizationHeader() string {
	return DefaultTokenType + " " + p.AccessToken
}

// WithRefreshFallback keeps previous's refresh token when the server did not rotate it.
func (p Pair) WithRefreshFallback(previous string) Pair {
	if p.RefreshToken == "" {
		p.RefreshToken = previous
	}
	return p
}

// OAuth2Token converts the pair for use with golang.org/x/oauth2 clients.
func (p Pair) OAuth2Token() *xoauth2.Token {
	t := &xoauth2.Token{
		AccessToken:  p.AccessToken,
		TokenType:    p.TokenType,
		RefreshToken: p.RefreshToken,
		Expiry:       p.ExpiresAt,
	}
	if p.IDToken != "" {
		t = t.WithExtra(map[string]any{"id_token": p.IDToken})
	}
	return t
}

// FromOAuth2Token converts a golang.org/x/oauth2 token.
func FromOAuth2Token(t *xoauth2.Token, issuedAt time.Time) Pair {
	if t == nil {
		return Pair{}
	}
	p := Pair{
		AccessToken:  t.AccessToken,
		TokenType:    t.Type(),
		RefreshToken: t.RefreshToken,
		ExpiresAt:    t.Expiry,
		IssuedAt:     issuedAt,
	}
	if id, ok := t.Extra("id_token").(string); ok {
		p.IDToken = id
	}
	return p
}
