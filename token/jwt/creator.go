package jwt

import (
	"fmt"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// NowTimeFunc returns the current time. It can be overridden in tests.
var NowTimeFunc = time.Now

// DefaultAssertionLifetime is the lifetime of assertions created without an explicit one.
const DefaultAssertionLifetime = 5 * time.Minute

// AssertionCreator signs RFC 7523 JWT bearer assertions.
type AssertionCreator struct {
	method   jwtlib.SigningMethod
	key      any
	keyID    string
	issuer   string
	audience string
	lifetime time.Duration
}

// AssertionOption configures an AssertionCreator.
type AssertionOption func(*AssertionCreator)

// WithKeyID sets the kid header.
func WithKeyID(kid string) AssertionOption {
	return func(c *AssertionCreator) {
		c.keyID = kid
	}
}

// WithLifetime sets how long assertions are valid for.
func WithLifetime(d time.Duration) AssertionOption {
	return func(c *AssertionCreator) {
		c.lifetime = d
	}
}

// NewAssertionCreator creates a creator signing with key using method.
// issuer is the client id; audience is the token endpoint URL.
func NewAssertionCreator(method jwtlib.SigningMethod, key any, issuer, audience string, opts ...AssertionOption) (*AssertionCreator, error) {
	if method == nil || key == nil {
		return nil, fmt.Errorf("[NewAssertionCreator] signing method and key are required")
	}
	if issuer == "" || audience == "" {
		return nil, fmt.Errorf("[NewAssertionCreator] issuer and audience are required")
	}
	c := &AssertionCreator{
		method:   method,
		key:      key,
		issuer:   issuer,
		audience: audience,
		lifetime: DefaultAssertionLifetime,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// NewAssertionCreatorFromPEM creates a creator from a PEM encoded RSA or EC private key.
// RSA keys sign with RS256; EC keys with the ES algorithm matching their curve.
func NewAssertionCreatorFromPEM(pemKey []byte, issuer, audience string, opts ...AssertionOption) (*AssertionCreator, error) {
	if rsaKey, err := jwtlib.ParseRSAPrivateKeyFromPEM(pemKey); err == nil {
		return NewAssertionCreator(jwtlib.SigningMethodRS256, rsaKey, issuer, audience, opts...)
	}
	ecKey, err := jwtlib.ParseECPrivateKeyFromPEM(pemKey)
	if err != nil {
		return nil, fmt.Errorf("[NewAssertionCreatorFromPEM] key is neither an RSA nor an EC private key: %w", err)
	}
	var method jwtlib.SigningMethod
	switch ecKey.Curve.Params().BitSize {
	case 256:
		method = jwtlib.SigningMethodES256
	case 384:
		method = jwtlib.SigningMethodES384
	case 521:
		method = jwtlib.SigningMethodES512
	default:
		return nil, fmt.Errorf("[NewAssertionCreatorFromPEM] unsupported curve %s", ecKey.Curve.Params().Name)
	}
	return NewAssertionCreator(method, ecKey, issuer, audience, opts...)
}

// Create signs an assertion for subject. extra claims are merged in and cannot replace the registered ones.
func (c *AssertionCreator) Create(subject string, extra map[string]any) (string, error) {
	now := NowTimeFunc()
	claims := jwtlib.MapClaims{}
	for k, v := range extra {
		claims[k] = v
	}
	claims["iss"] = c.issuer   // The client issuing the assertion
	claims["sub"] = subject    // The principal the token is requested for
	claims["aud"] = c.audience // The token endpoint
	claims["iat"] = now.Unix()
	claims["exp"] = now.Add(c.lifetime).Unix()
	claims["jti"] = uuid.New().String() // Unique id so the server can reject replays

	t := jwtlib.NewWithClaims(c.method, claims)
	if c.keyID != "" {
		t.Header["kid"] = c.keyID
	}
	signed, err := t.SignedString(c.key)
	if err != nil {
		return "", fmt.Errorf("failed to sign JWT assertion: %w", err)
	}
	return signed, nil
}
