package oauthmodel

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	autherrors "github.com/jrsteele09/go-bitbucket-auth/internal/errors"
)

// ErrorCode is an error value from the OAuth 2.0 vocabulary (RFC 6749 section 5.2, RFC 8628 section 3.5).
type ErrorCode string

const (
	ErrInvalidRequest          ErrorCode = "invalid_request"
	ErrInvalidClient           ErrorCode = "invalid_client"
	ErrInvalidGrant            ErrorCode = "invalid_grant"
	ErrUnauthorizedClient      ErrorCode = "unauthorized_client"
	ErrUnsupportedGrantType    ErrorCode = "unsupported_grant_type"
	ErrInvalidScope            ErrorCode = "invalid_scope"
	ErrAccessDenied            ErrorCode = "access_denied"
	ErrUnsupportedResponseType ErrorCode = "unsupported_response_type"
	ErrServerError             ErrorCode = "server_error"
	ErrTemporarilyUnavailable  ErrorCode = "temporarily_unavailable"

	// Device authorization grant
	ErrAuthorizationPending ErrorCode = "authorization_pending"
	ErrSlowDown             ErrorCode = "slow_down"
	ErrExpiredToken         ErrorCode = "expired_token"
)

var knownCodes = map[ErrorCode]struct{}{
	ErrInvalidRequest: {}, ErrInvalidClient: {}, ErrInvalidGrant: {}, ErrUnauthorizedClient: {},
	ErrUnsupportedGrantType: {}, ErrInvalidScope: {}, ErrAccessDenied: {}, ErrUnsupportedResponseType: {},
	ErrServerError: {}, ErrTemporarilyUnavailable: {}, ErrAuthorizationPending: {}, ErrSlowDown: {},
	ErrExpiredToken: {},
}

// OAuthErrorDetails is the local representation of every failed authorization server call.
type OAuthErrorDetails struct {
	Code             ErrorCode `json:"error"`
	ErrorDescription string    `json:"error_description,omitempty"`
	ErrorURI         string    `json:"error_uri,omitempty"`
	State            string    `json:"state,omitempty"`
	Timestamp        time.Time `json:"timestamp"`

	// StatusCode is the HTTP status of the response, 0 when no response was received.
	StatusCode int `json:"-"`
	// Network is set when the request never produced a response.
	Network bool `json:"-"`

	cause error
}

// NewErrorDetails builds details for a server-originated error.
func NewErrorDetails(code ErrorCode, description, state string, status int) *OAuthErrorDetails {
	return &OAuthErrorDetails{
		Code:             code,
		ErrorDescription: description,
		State:            state,
		Timestamp:        time.Now().UTC(),
		StatusCode:       status,
	}
}

// NetworkError builds details for a request that failed without a response. It is shaped like
// server_error but flagged so it is never mistaken for an error the server sent.
func NetworkError(err error, state string) *OAuthErrorDetails {
	return &OAuthErrorDetails{
		Code:             ErrServerError,
		ErrorDescription: fmt.Sprintf("network error: %v", err),
		State:            state,
		Timestamp:        time.Now().UTC(),
		Network:          true,
		cause:            err,
	}
}

// ParseErrorResponse maps a non-2xx authorization server response onto the OAuth vocabulary.
// Bodies that do not carry a recognisable error field are classified by status.
func ParseErrorResponse(status int, body []byte, state string) *OAuthErrorDetails {
	var payload struct {
		Error            string `json:"error"`
		ErrorDescription string `json:"error_description"`
		ErrorURI         string `json:"error_uri"`
	}
	details := NewErrorDetails(codeForStatus(status), "", state, status)
	if err := json.Unmarshal(body, &payload); err == nil && payload.Error != "" {
		code := ErrorCode(strings.ToLower(payload.Error))
		if _, ok := knownCodes[code]; ok {
			details.Code = code
		} else {
			details.ErrorDescription = payload.Error
		}
		if payload.ErrorDescription != "" {
			details.ErrorDescription = payload.ErrorDescription
		}
		details.ErrorURI = payload.ErrorURI
		return details
	}
	if details.ErrorDescription == "" {
		details.ErrorDescription = strings.TrimSpace(string(body))
		if details.ErrorDescription == "" {
			details.ErrorDescription = http.StatusText(status)
		}
	}
	return details
}

func codeForStatus(status int) ErrorCode {
	switch {
	case status == http.StatusUnauthorized:
		return ErrInvalidClient
	case status == http.StatusForbidden:
		return ErrAccessDenied
	case status == http.StatusServiceUnavailable || status == http.StatusTooManyRequests:
		return ErrTemporarilyUnavailable
	case status >= 500:
		return ErrServerError
	default:
		return ErrInvalidRequest
	}
}

func (e *OAuthErrorDetails) Error() string {
	msg := e.Message()
	if e.State != "" {
		return fmt.Sprintf("oauth error %s: %s (state %s)", e.Code, msg, e.State)
	}
	return fmt.Sprintf("oauth error %s: %s", e.Code, msg)
}

func (e *OAuthErrorDetails) Unwrap() error {
	return e.cause
}

// Message returns the description, or the code when the server sent none.
func (e *OAuthErrorDetails) Message() string {
	if e.ErrorDescription != "" {
		return e.ErrorDescription
	}
	return string(e.Code)
}

// Recoverable reports whether the same request may succeed if retried later.
func (e *OAuthErrorDetails) Recoverable() bool {
	if e.Network {
		return true
	}
	switch e.Code {
	case ErrServerError, ErrTemporarilyUnavailable, ErrAuthorizationPending, ErrSlowDown:
		return true
	}
	return false
}

// Guidance tells the caller what to do next.
func (e *OAuthErrorDetails) Guidance() string {
	switch {
	case e.Network:
		return "the authorization server could not be reached; retry after a delay"
	case e.Code == ErrInvalidGrant, e.Code == ErrExpiredToken:
		return "the grant is invalid, expired or revoked; start a new authorization"
	case e.Code == ErrInvalidClient, e.Code == ErrUnauthorizedClient:
		return "check the OAuth consumer key and secret"
	case e.Code == ErrAccessDenied:
		return "the user or server denied the request; start a new authorization if access is still needed"
	case e.Code == ErrInvalidScope:
		return "request only scopes granted to the OAuth consumer"
	case e.Recoverable():
		return "retry after a delay"
	}
	return "correct the request before retrying"
}

// AuthError converts the details into the session/authentication error family.
func (e *OAuthErrorDetails) AuthError() *autherrors.AuthError {
	var code autherrors.Code
	switch {
	case e.Network:
		code = autherrors.CodeNetwork
	case e.Code == ErrInvalidGrant, e.Code == ErrExpiredToken:
		code = autherrors.CodeInvalidGrant
	case e.Code == ErrInvalidClient, e.Code == ErrUnauthorizedClient:
		code = autherrors.CodeInvalidClient
	case e.Code == ErrAccessDenied:
		code = autherrors.CodeAuthenticationFailed
	case e.Code == ErrServerError, e.Code == ErrTemporarilyUnavailable:
		code = autherrors.CodeServerError
	case e.StatusCode == http.StatusTooManyRequests:
		code = autherrors.CodeRateLimitExceeded
	default:
		code = autherrors.CodeInvalidRequest
	}
	ae := autherrors.New(code, e.Message()).WithStatus(e.StatusCode).WithCause(e)
	ae.Recoverable = e.Recoverable()
	return ae
}
