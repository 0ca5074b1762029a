package client

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	autherrors "github.com/jrsteele09/go-bitbucket-auth/internal/errors"
)

// maxRetryAfter caps how long a Retry-After header can delay the next attempt.
const maxRetryAfter = time.Minute

// retryPolicy waits base * 2^attempt between attempts, without jitter, unless the server
// asked for a specific delay.
type retryPolicy struct {
	exp  *backoff.ExponentialBackOff
	next time.Duration
}

func newRetryPolicy(base time.Duration) *retryPolicy {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = base
	exp.Multiplier = 2
	exp.RandomizationFactor = 0
	exp.MaxInterval = 64 * base
	exp.Reset()
	return &retryPolicy{exp: exp}
}

func (p *retryPolicy) NextBackOff() time.Duration {
	d := p.exp.NextBackOff()
	if p.next > 0 {
		d, p.next = p.next, 0
	}
	return d
}

func (p *retryPolicy) Reset() {
	p.exp.Reset()
	p.next = 0
}

func (p *retryPolicy) override(d time.Duration) {
	if d > maxRetryAfter {
		d = maxRetryAfter
	}
	p.next = d
}

// retryAfterError is a retryable rate limit response carrying the server's requested delay.
type retryAfterError struct {
	err   *autherrors.AuthError
	delay time.Duration
}

func (e *retryAfterError) Error() string { return e.err.Error() }
func (e *retryAfterError) Unwrap() error { return e.err }

// retryAfter parses a Retry-After header given in seconds or as an HTTP date.
func retryAfter(err *autherrors.AuthError, header string, now time.Time) error {
	header = strings.TrimSpace(header)
	if header == "" {
		return err
	}
	if secs, convErr := strconv.Atoi(header); convErr == nil && secs >= 0 {
		return &retryAfterError{err: err, delay: time.Duration(secs) * time.Second}
	}
	if at, parseErr := http.ParseTime(header); parseErr == nil && at.After(now) {
		return &retryAfterError{err: err, delay: at.Sub(now)}
	}
	return err
}
