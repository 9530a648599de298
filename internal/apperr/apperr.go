// Package apperr defines the error taxonomy shared by the AC and GC
// services. Repositories return Database errors, services translate them
// into domain kinds, and the HTTP/gRPC edges map kinds onto wire responses.
// Internal causes never cross the process boundary.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is the machine-readable error class. String values double as the
// UPPER_SNAKE codes in the response envelope.
type Kind string

const (
	KindDatabase          Kind = "DATABASE_ERROR"
	KindCrypto            Kind = "CRYPTO_ERROR"
	KindInvalidCredential Kind = "INVALID_CREDENTIALS"
	KindInsufficientScope Kind = "INSUFFICIENT_SCOPE"
	KindInvalidToken      Kind = "INVALID_TOKEN"
	KindRateLimited       Kind = "RATE_LIMIT_EXCEEDED"
	KindTooManyRequests   Kind = "TOO_MANY_REQUESTS"
	KindInternal          Kind = "INTERNAL_ERROR"
	KindNotFound          Kind = "NOT_FOUND"
	KindConflict          Kind = "CONFLICT"
	KindCapacityExceeded  Kind = "CAPACITY_EXCEEDED"
	KindValidation        Kind = "VALIDATION_ERROR"
)

// Error carries a kind, a client-safe message, and the optional fields the
// envelope may include. Cause is for server logs only.
type Error struct {
	Kind    Kind
	Message string

	// INSUFFICIENT_SCOPE details.
	RequiredScope  string
	ProvidedScopes []string

	// 429 variants.
	RetryAfterSeconds int

	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New creates an error of the given kind with a client-safe message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap attaches an internal cause. The cause is logged server-side and is
// never rendered to clients.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Database wraps a repository failure with a generic client message.
func Database(cause error) *Error {
	return Wrap(KindDatabase, "a database error occurred", cause)
}

// Crypto wraps a cryptographic failure with a generic client message.
func Crypto(cause error) *Error {
	return Wrap(KindCrypto, "a cryptographic error occurred", cause)
}

// InvalidCredentials is the uniform response for bad client or user
// credentials. The message is deliberately identical across causes.
func InvalidCredentials() *Error {
	return New(KindInvalidCredential, "invalid credentials")
}

// InvalidToken is the generic 401 for any token defect. The reason is kept
// server-side only.
func InvalidToken(cause error) *Error {
	return Wrap(KindInvalidToken, "invalid token", cause)
}

// InsufficientScope reports the required scope and what the caller had.
func InsufficientScope(required string, provided []string) *Error {
	return &Error{
		Kind:           KindInsufficientScope,
		Message:        fmt.Sprintf("requires scope: %s", required),
		RequiredScope:  required,
		ProvidedScopes: provided,
	}
}

// RateLimited is the credential-lockout 429.
func RateLimited(retryAfter int) *Error {
	return &Error{
		Kind:              KindRateLimited,
		Message:           "too many failed attempts, try again later",
		RetryAfterSeconds: retryAfter,
	}
}

// TooManyRequests is the generic per-IP throttle 429.
func TooManyRequests(retryAfter int, message string) *Error {
	return &Error{Kind: KindTooManyRequests, Message: message, RetryAfterSeconds: retryAfter}
}

// NotFound reports a missing resource by noun only.
func NotFound(what string) *Error {
	return New(KindNotFound, what+" not found")
}

// CapacityExceeded is returned when an org is at its concurrent-meeting cap.
func CapacityExceeded(retryAfter int) *Error {
	return &Error{
		Kind:              KindCapacityExceeded,
		Message:           "organization concurrent meeting limit reached",
		RetryAfterSeconds: retryAfter,
	}
}

// Internal hides any unexpected failure behind a generic message.
func Internal(cause error) *Error {
	return Wrap(KindInternal, "internal error", cause)
}

// Validation reports a client input problem. The message is safe to render.
func Validation(message string) *Error {
	return New(KindValidation, message)
}

// KindOf extracts the kind from any error chain, defaulting to Internal.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindInternal
}

// AsError converts any error into an *Error, wrapping unknown ones as
// Internal so edges always have a kind to map.
func AsError(err error) *Error {
	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}
	return Internal(err)
}

// HTTPStatus maps a kind to its HTTP status code.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindInvalidCredential, KindInvalidToken:
		return http.StatusUnauthorized
	case KindInsufficientScope:
		return http.StatusForbidden
	case KindRateLimited, KindTooManyRequests, KindCapacityExceeded:
		return http.StatusTooManyRequests
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindValidation:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
