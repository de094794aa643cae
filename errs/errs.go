// Package errs provides the structured error envelope shared by gateway sessions.
package errs

import (
	"errors"
	"strconv"
	"strings"
	"time"
)

// Code identifies an error category.
type Code string

const (
	// CodeRateLimited indicates that a throttle slot could not be acquired.
	CodeRateLimited Code = "rate_limited"
	// CodeAuth indicates authentication failures on the duplex connection.
	CodeAuth Code = "auth"
	// CodeInvalid indicates a malformed or unrecognised message.
	CodeInvalid Code = "invalid"
	// CodeExchange indicates an exchange-side failure reported over REST.
	CodeExchange Code = "exchange_error"
	// CodeNetwork indicates a transport failure.
	CodeNetwork Code = "network"
	// CodeNotFound indicates a missing symbol, position or key.
	CodeNotFound Code = "not_found"
	// CodeBootstrap indicates partial-state hydration failed.
	CodeBootstrap Code = "bootstrap"
	// CodeClosed indicates the session was closed.
	CodeClosed Code = "closed"
)

// E captures structured error information produced by a session.
type E struct {
	Exchange   string
	Code       Code
	HTTP       int
	RawCode    string
	RawMsg     string
	Message    string
	RetryAfter time.Duration

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the exchange and error code.
func New(exchange string, code Code, opts ...Option) *E {
	e := &E{Exchange: strings.TrimSpace(exchange), Code: code}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// RateLimited builds a rate-limit error carrying the earliest retry delay.
func RateLimited(exchange string, retryAfter time.Duration, opts ...Option) *E {
	e := New(exchange, CodeRateLimited, opts...)
	if retryAfter < 0 {
		retryAfter = 0
	}
	e.RetryAfter = retryAfter
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithHTTP records the associated HTTP status code.
func WithHTTP(status int) Option {
	return func(e *E) {
		e.HTTP = status
	}
}

// WithRawCode captures the raw exchange error code.
func WithRawCode(code string) Option {
	trimmed := strings.TrimSpace(code)
	return func(e *E) {
		e.RawCode = trimmed
	}
}

// WithRawMessage captures the raw exchange error message.
func WithRawMessage(msg string) Option {
	return func(e *E) {
		e.RawMsg = msg
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	parts := make([]string, 0, 8)

	exchange := e.Exchange
	if exchange == "" {
		exchange = "unknown"
	}
	parts = append(parts, "exchange="+exchange)

	code := string(e.Code)
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if e.HTTP > 0 {
		parts = append(parts, "http="+strconv.Itoa(e.HTTP))
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.RetryAfter > 0 {
		parts = append(parts, "retry_after="+e.RetryAfter.String())
	}
	if e.RawCode != "" {
		parts = append(parts, "raw_code="+strconv.Quote(e.RawCode))
	}
	if e.RawMsg != "" {
		parts = append(parts, "raw_msg="+strconv.Quote(e.RawMsg))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}
	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// Is reports whether any error in err's chain is an envelope with the given code.
func Is(err error, code Code) bool {
	var e *E
	for err != nil {
		if !errors.As(err, &e) {
			return false
		}
		if e.Code == code {
			return true
		}
		err = e.cause
	}
	return false
}

// RetryAfter extracts the retry delay from a rate-limit error in err's chain.
func RetryAfter(err error) (time.Duration, bool) {
	var e *E
	for err != nil {
		if !errors.As(err, &e) {
			return 0, false
		}
		if e.Code == CodeRateLimited {
			return e.RetryAfter, true
		}
		err = e.cause
	}
	return 0, false
}
