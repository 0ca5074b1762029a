package token

import (
	"encoding/hex"

	"golang.org/x/crypto/blake2b"
)

// Fingerprint returns a short, stable identifier for a token that is safe to log and to use as a map key.
func Fingerprint(raw string) string {
	if raw == "" {
		return ""
	}
	sum := blake2b.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:8])
}
