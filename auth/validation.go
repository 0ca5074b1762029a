package auth

import (
	"fmt"
	"strings"
)

const (
	minVerifierLength = 43
	maxVerifierLength = 128
)

// Validator checks values received from callers and from the authorization callback before
// they are sent to the authorization server.
type Validator struct{}

// NewValidator creates a new Validator instance
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateCallback validates the code and state received on the redirect URI.
func (v *Validator) ValidateCallback(code, state string) error {
	if strings.TrimSpace(code) == "" {
		return fmt.Errorf("authorization code is required")
	}
	if strings.ContainsAny(code, " \n\r\t") {
		return fmt.Errorf("authorization code contains invalid characters")
	}
	return ValidateState(state)
}

// ValidateCodeVerifier validates a PKCE code verifier (RFC 7636 section 4.1).
func (v *Validator) ValidateCodeVerifier(verifier string) error {
	if len(verifier) < minVerifierLength || len(verifier) > maxVerifierLength {
		return fmt.Errorf("code_verifier length must be between %d and %d characters", minVerifierLength, maxVerifierLength)
	}
	for _, r := range verifier {
		if !isUnreserved(r) {
			return fmt.Errorf("code_verifier contains invalid character %q", r)
		}
	}
	return nil
}

func isUnreserved(r rune) bool {
	switch {
	case r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z', r >= '0' && r <= '9':
		return true
	case r == '-', r == '.', r == '_', r == '~':
		return true
	}
	return false
}

// ValidateState validates OAuth state parameter
func ValidateState(state string) error {
	// State is optional, but if provided should meet minimum requirements
	if state == "" {
		return nil
	}

	// Should be reasonably long for CSRF protection
	if len(state) < 8 {
		return fmt.Errorf("state parameter should be at least 8 characters for security")
	}

	// Should not contain whitespace
	if strings.TrimSpace(state) != state {
		return fmt.Errorf("state parameter must not contain leading/trailing whitespace")
	}

	return nil
}
