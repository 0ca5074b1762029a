package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Code identifies a session or authentication failure.
type Code string

const (
	CodeSessionNotFound      Code = "SESSION_NOT_FOUND"
	CodeSessionExpired       Code = "SESSION_EXPIRED"
	CodeAuthenticationFailed Code = "AUTHENTICATION_FAILED"
	CodeTokenExpired         Code = "TOKEN_EXPIRED"
	CodeTimeout              Code = "TIMEOUT_ERROR"
	CodeNetwork              Code = "NETWORK_ERROR"
	CodeInternal             Code = "INTERNAL_ERROR"

	// HTTP and OAuth derived codes
	CodeInvalidGrant      Code = "INVALID_GRANT"
	CodeInvalidClient     Code = "INVALID_CLIENT"
	CodeInvalidRequest    Code = "INVALID_REQUEST"
	CodeRateLimitExceeded Code = "RATE_LIMIT_EXCEEDED"
	CodeServerError       Code = "SERVER_ERROR"
	CodeNotFound          Code = "NOT_FOUND"
	CodeHTTPError         Code = "HTTP_ERROR"
	CodeInvalidInput      Code = "INVALID_INPUT"
)

var recoverable = map[Code]bool{
	CodeTimeout:           true,
	CodeNetwork:           true,
	CodeInternal:          true,
	CodeRateLimitExceeded: true,
	CodeServerError:       true,
}

// IsRecoverableCode reports whether callers may retry an operation that failed with code
// after a delay. Everything else requires the flow to be restarted.
func IsRecoverableCode(code Code) bool {
	return recoverable[code]
}

// AuthError is the error returned by the session manager and the request dispatcher.
type AuthError struct {
	Code        Code
	Message     string
	Recoverable bool
	StatusCode  int   // HTTP status when the error came from a response, 0 otherwise
	Cause       error // underlying error, if any
}

func (e *AuthError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AuthError) Unwrap() error {
	return e.Cause
}

// Is matches another *AuthError by code so errors.Is(err, errors.New(CodeSessionExpired, "")) works.
func (e *AuthError) Is(target error) bool {
	t, ok := target.(*AuthError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// New creates an AuthError whose recoverability is derived from its code.
func New(code Code, message string) *AuthError {
	return &AuthError{Code: code, Message: message, Recoverable: IsRecoverableCode(code)}
}

// Newf is New with a formatted message.
func Newf(code Code, format string, args ...interface{}) *AuthError {
	return New(code, fmt.Sprintf(format, args...))
}

// WithCause attaches the underlying error.
func (e *AuthError) WithCause(err error) *AuthError {
	e.Cause = err
	return e
}

// WithStatus attaches the HTTP status the error was derived from.
func (e *AuthError) WithStatus(status int) *AuthError {
	e.StatusCode = status
	return e
}

// Internal converts an unexpected failure into a recoverable INTERNAL_ERROR.
func Internal(err error, message string) *AuthError {
	return New(CodeInternal, message).WithCause(err)
}

// FromStatus classifies an HTTP status code.
func FromStatus(status int, message string) *AuthError {
	var code Code
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		code = CodeAuthenticationFailed
	case status == http.StatusTooManyRequests:
		code = CodeRateLimitExceeded
	case status == http.StatusNotFound:
		code = CodeNotFound
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		code = CodeTimeout
	case status >= 500:
		code = CodeServerError
	default:
		code = CodeHTTPError
	}
	if message == "" {
		message = http.StatusText(status)
	}
	return New(code, message).WithStatus(status)
}

// CodeOf returns the code of the first AuthError in err's chain, or "" if there is none.
func CodeOf(err error) Code {
	var ae *AuthError
	if errors.As(err, &ae) {
		return ae.Code
	}
	return ""
}

// IsRecoverable reports whether err carries a recoverable AuthError.
func IsRecoverable(err error) bool {
	var ae *AuthError
	if errors.As(err, &ae) {
		return ae.Recoverable
	}
	return false
}

// Wrapf wraps an error with context using fmt.Errorf
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf(format+": %w", append(args, err)...)
}

// Is reports whether any error in err's chain matches target
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}
