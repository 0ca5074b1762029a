package auth

import "errors"

var (
	ErrEndpointNotConfigured = errors.New("endpoint not configured and not discoverable")
	ErrNoIssuer              = errors.New("no issuer configured for metadata discovery")
	ErrIdentityUnavailable   = errors.New("token carries no identity claims")
)
