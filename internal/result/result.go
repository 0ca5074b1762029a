package result

import (
	"time"

	autherrors "github.com/jrsteele09/go-bitbucket-auth/internal/errors"
	"github.com/jrsteele09/go-bitbucket-auth/oauthmodel"
)

// Error is the serialisable error part of an Envelope.
type Error struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	Recoverable bool   `json:"isRecoverable"`
	Guidance    string `json:"guidance,omitempty"`
	StatusCode  int    `json:"statusCode,omitempty"`
}

// Metadata accompanies every Envelope.
type Metadata struct {
	Timestamp time.Time `json:"timestamp"`
	Operation string    `json:"operation,omitempty"`
}

// Envelope is the uniform {success, data, error, metadata} shape returned to the CLI and MCP layers,
// so callers never have to tell a returned failure from a raised one.
type Envelope struct {
	Success  bool     `json:"success"`
	Data     any      `json:"data,omitempty"`
	Error    *Error   `json:"error,omitempty"`
	Metadata Metadata `json:"metadata"`
}

// From builds an Envelope from a Go (value, error) pair.
func From(operation string, data any, err error) Envelope {
	env := Envelope{Metadata: Metadata{Timestamp: time.Now().UTC(), Operation: operation}}
	if err != nil {
		env.Error = FromError(err)
		return env
	}
	env.Success = true
	env.Data = data
	return env
}

// FromError converts any error into the envelope error shape. OAuth protocol errors keep
// their vocabulary code; session errors keep theirs; anything else is INTERNAL_ERROR.
func FromError(err error) *Error {
	var oauthErr *oauthmodel.OAuthErrorDetails
	if autherrors.As(err, &oauthErr) {
		return &Error{
			Code:        string(oauthErr.Code),
			Message:     oauthErr.Message(),
			Recoverable: oauthErr.Recoverable(),
			Guidance:    oauthErr.Guidance(),
			StatusCode:  oauthErr.StatusCode,
		}
	}
	var authErr *autherrors.AuthError
	if autherrors.As(err, &authErr) {
		return &Error{
			Code:        string(authErr.Code),
			Message:     authErr.Message,
			Recoverable: authErr.Recoverable,
			StatusCode:  authErr.StatusCode,
		}
	}
	return &Error{
		Code:        string(autherrors.CodeInternal),
		Message:     err.Error(),
		Recoverable: true,
	}
}
