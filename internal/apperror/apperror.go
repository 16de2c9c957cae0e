// Package apperror defines the error kinds the credential service can return.
//
// Every failure that crosses the service boundary is one of the sentinels
// below, wrapped in an *AppError. The HTTP layer only ever looks at the
// sentinel (via errors.Is) and the generic Message. The internal Cause is kept
// for server-side diagnostics and is never written to a response.
package apperror

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrValidation         = errors.New("validation error")
	ErrDuplicateEmail     = errors.New("duplicate email")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrStoreUnavailable   = errors.New("store unavailable")
	ErrConfiguration      = errors.New("configuration error")
)

// FieldError names one violated input constraint.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

type AppError struct {
	Err        error        // sentinel kind
	Message    string       // generic, client-safe message
	Field      string       // optional: single field causing the error
	Violations []FieldError // optional: every violated constraint (validation only)
	Cause      error        // internal detail, diagnostics only
}

func (e *AppError) Error() string {
	return e.Message
}

// Unwrap exposes both the kind and the internal cause, so errors.Is works
// for the sentinel as well as for library errors such as jwt.ErrTokenExpired.
func (e *AppError) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Err}
	}
	return []error{e.Err, e.Cause}
}

// Detail returns the message plus the internal cause. Log it, never send it.
func (e *AppError) Detail() string {
	if e.Cause == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Cause)
}

func NotFound(resource, id string) *AppError {
	return &AppError{
		Err:     ErrNotFound,
		Message: fmt.Sprintf("%s not found with id %s", resource, id),
	}
}

func ValidationFailed(field, message string) *AppError {
	return &AppError{
		Err:        ErrValidation,
		Message:    message,
		Field:      field,
		Violations: []FieldError{{Field: field, Message: message}},
	}
}

// Invalid reports every violated constraint at once. It returns nil when
// violations is empty so callers can write `if err := apperror.Invalid(v); err != nil`.
func Invalid(violations []FieldError) error {
	if len(violations) == 0 {
		return nil
	}
	e := &AppError{
		Err:        ErrValidation,
		Message:    "request validation failed",
		Violations: violations,
	}
	if len(violations) == 1 {
		e.Field = violations[0].Field
	}
	return e
}

func DuplicateEmail() *AppError {
	return &AppError{
		Err:     ErrDuplicateEmail,
		Message: "email already registered",
		Field:   "email",
	}
}

// InvalidCredentials is the single answer for both an unknown email and a
// wrong password.
func InvalidCredentials() *AppError {
	return &AppError{
		Err:     ErrInvalidCredentials,
		Message: "invalid email or password",
	}
}

// Unauthorized wraps a token failure. The reason (expired, bad signature,
// malformed) stays in Cause.
func Unauthorized(cause error) *AppError {
	return &AppError{
		Err:     ErrUnauthorized,
		Message: "invalid authentication credentials",
		Cause:   cause,
	}
}

// StoreUnavailable marks a connection or timeout failure talking to the
// record store. It is the only retryable kind.
func StoreUnavailable(op string, cause error) *AppError {
	return &AppError{
		Err:     ErrStoreUnavailable,
		Message: "service temporarily unavailable",
		Cause:   fmt.Errorf("%s: %w", op, cause),
	}
}

func Configuration(message string, cause error) *AppError {
	return &AppError{
		Err:     ErrConfiguration,
		Message: message,
		Cause:   cause,
	}
}

// Retryable reports whether a caller may retry the failed operation with backoff.
func Retryable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable)
}
