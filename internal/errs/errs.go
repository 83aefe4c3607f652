// Package errs defines the error taxonomy shared across the trading agent.
//
// Every failure that crosses a package boundary is classified into one of a
// small set of categories so callers can decide between retrying, clearing
// cached state, or surfacing the failure to the user without string matching.
package errs

import (
	"errors"
	"strconv"
	"strings"
)

// Category classifies a failure for control-flow decisions.
type Category string

const (
	// CategoryTransient covers timeouts, rate limits and RPC hiccups.
	// Retried where a retry contract exists; never clears local state.
	CategoryTransient Category = "transient"
	// CategoryDefinitiveLocal covers locally-provable invalidity such as an
	// expired session or a DB consistency mismatch. Clears cached state.
	CategoryDefinitiveLocal Category = "definitive_local"
	// CategoryDefinitiveRemote covers an explicit "invalid/revoked" verdict
	// from on-chain validation. Clears cache and deactivates durable rows.
	CategoryDefinitiveRemote Category = "definitive_remote"
	// CategoryUserDeclined covers a user refusing a signature prompt.
	CategoryUserDeclined Category = "user_declined"
	// CategoryUnexpected covers everything else caught at flow boundaries.
	CategoryUnexpected Category = "unexpected"
)

// Code identifies a specific failure within a category.
type Code string

const (
	CodeRateLimited         Code = "rate_limited"
	CodeNetwork             Code = "network"
	CodeSessionExpired      Code = "session_expired"
	CodeSessionRevoked      Code = "session_revoked"
	CodeSessionMismatch     Code = "session_mismatch"
	CodeNotFound            Code = "not_found"
	CodeInsufficientBalance Code = "insufficient_balance"
	CodeSignatureDeclined   Code = "signature_declined"
	CodeInvalid             Code = "invalid_request"
	CodeInternal            Code = "internal"
)

// E is the structured error envelope produced across the agent.
type E struct {
	Category Category
	Code     Code
	HTTP     int
	Message  string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the category and code.
func New(category Category, code Code, opts ...Option) *E {
	e := &E{Category: category, Code: code}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) { e.Message = trimmed }
}

// WithHTTP records the associated HTTP status code.
func WithHTTP(status int) Option {
	return func(e *E) { e.HTTP = status }
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) { e.cause = err }
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	parts := []string{"category=" + string(e.Category), "code=" + string(e.Code)}
	if e.HTTP > 0 {
		parts = append(parts, "http="+strconv.Itoa(e.HTTP))
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}
	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// Transient reports whether err is classified as transient. Unclassified
// errors are treated as transient so that a plain transport failure never
// triggers destructive local-state clearing.
func Transient(err error) bool {
	var e *E
	if errors.As(err, &e) {
		return e.Category == CategoryTransient
	}
	return err != nil
}

// Definitive reports whether err carries a definitive (local or remote)
// verdict that justifies clearing cached session state.
func Definitive(err error) bool {
	var e *E
	if errors.As(err, &e) {
		return e.Category == CategoryDefinitiveLocal || e.Category == CategoryDefinitiveRemote
	}
	return false
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code Code) bool {
	var e *E
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// RateLimited reports whether err is a rate-limit rejection.
func RateLimited(err error) bool { return HasCode(err, CodeRateLimited) }

// InsufficientBalance reports whether err is an insufficient-balance
// rejection, the only submission error retried inline by the fulfillment
// engine.
func InsufficientBalance(err error) bool { return HasCode(err, CodeInsufficientBalance) }
