package jwt

import (
	"errors"
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
)

// Claims are the identity and lifetime claims read from a JWT access token.
// Bitbucket issues opaque tokens; these are only available from servers that issue JWTs.
type Claims struct {
	Subject  string    `json:"sub,omitempty"`
	Name     string    `json:"name,omitempty"`
	Username string    `json:"username,omitempty"`
	Email    string    `json:"email,omitempty"`
	Issuer   string    `json:"iss,omitempty"`
	JTI      string    `json:"jti,omitempty"`
	Expiry   time.Time `json:"exp,omitempty"`
	IssuedAt time.Time `json:"iat,omitempty"`
	Scope    string    `json:"scope,omitempty"`
}

// DisplayName returns the most human readable name available.
func (c *Claims) DisplayName() string {
	for _, s := range []string{c.Name, c.Username, c.Email, c.Subject} {
		if s != "" {
			return s
		}
	}
	return ""
}

// ErrNotJWT is returned when a token does not have the three-part JWT shape.
var ErrNotJWT = errors.New("token is not a JWT")

// Inspector reads claims from tokens without verifying their signature.
// The token was received directly from the token endpoint over TLS, so its origin is already known.
type Inspector struct {
	parser *jwtlib.Parser
}

// NewInspector creates a new JWT inspector
func NewInspector() *Inspector {
	return &Inspector{parser: jwtlib.NewParser()}
}

// Inspect extracts the claims of rawToken.
func (i *Inspector) Inspect(rawToken string) (*Claims, error) {
	if strings.Count(rawToken, ".") != 2 {
		return nil, ErrNotJWT
	}
	token, _, err := i.parser.ParseUnverified(rawToken, jwtlib.MapClaims{})
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(jwtlib.MapClaims)
	if !ok {
		return nil, errors.New("error extracting claims")
	}

	c := &Claims{}
	c.Subject, _ = claims["sub"].(string)
	c.Name, _ = claims["name"].(string)
	c.Username, _ = claims["username"].(string)
	c.Email, _ = claims["email"].(string)
	c.Issuer, _ = claims["iss"].(string)
	c.JTI, _ = claims["jti"].(string)
	c.Scope, _ = claims["scope"].(string)
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		c.Expiry = exp.Time
	}
	if iat, err := claims.GetIssuedAt(); err == nil && iat != nil {
		c.IssuedAt = iat.Time
	}
	return c, nil
}

// ExpiresAt returns the exp claim of rawToken, if it is a JWT that carries one.
func ExpiresAt(rawToken string) (time.Time, bool) {
	c, err := NewInspector().Inspect(rawToken)
	if err != nil || c.Expiry.IsZero() {
		return time.Time{}, false
	}
	return c.Expiry, true
}
