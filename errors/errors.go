// Package errors defines the shared error taxonomy for the coordination
// layer. Sentinel errors classify failures, structured types carry detail,
// and Is* helpers let callers branch without unwrapping by hand.
package errors

import (
	"errors"
	"fmt"
)

// Standard sentinel errors for coordination failures.
var (
	// ErrValidation indicates malformed input caught before any network call.
	ErrValidation = errors.New("validation failed")

	// ErrUnauthorized indicates an action attempted by the wrong actor role.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrInvalidState indicates an illegal lifecycle transition.
	ErrInvalidState = errors.New("invalid state")

	// ErrCapacityExceeded indicates the co-host capacity limit was reached.
	ErrCapacityExceeded = errors.New("capacity exceeded")

	// ErrAlreadyRequested indicates a duplicate pending request.
	ErrAlreadyRequested = errors.New("already requested")

	// ErrNotFound indicates the referenced entity is not in the store.
	ErrNotFound = errors.New("not found")

	// ErrTransient indicates a retryable network or timeout failure.
	ErrTransient = errors.New("transient failure")

	// ErrRejected indicates an explicit non-retryable server rejection.
	ErrRejected = errors.New("rejected")

	// ErrRateLimited indicates the outbound limiter or the server throttled
	// the call. Retryable.
	ErrRateLimited = fmt.Errorf("rate limited: %w", ErrTransient)

	// ErrScopeClosed indicates the coordination scope was torn down.
	ErrScopeClosed = errors.New("scope closed")

	// ErrInsufficientBalance indicates the requester cannot cover the quote.
	ErrInsufficientBalance = fmt.Errorf("insufficient balance: %w", ErrRejected)
)

// Code is a machine-readable error code carried on server error envelopes.
type Code string

const (
	CodeUnknown             Code = "UNKNOWN"
	CodeValidation          Code = "VALIDATION_FAILED"
	CodeUnauthorized        Code = "UNAUTHORIZED"
	CodeInvalidState        Code = "INVALID_STATE"
	CodeCapacityExceeded    Code = "CAPACITY_EXCEEDED"
	CodeAlreadyRequested    Code = "ALREADY_REQUESTED"
	CodeNotFound            Code = "NOT_FOUND"
	CodeInsufficientBalance Code = "INSUFFICIENT_BALANCE"
	CodeRateLimited         Code = "RATE_LIMITED"
)

// sentinelByCode maps envelope codes back onto the taxonomy.
var sentinelByCode = map[Code]error{
	CodeValidation:          ErrValidation,
	CodeUnauthorized:        ErrUnauthorized,
	CodeInvalidState:        ErrInvalidState,
	CodeCapacityExceeded:    ErrCapacityExceeded,
	CodeAlreadyRequested:    ErrAlreadyRequested,
	CodeNotFound:            ErrNotFound,
	CodeInsufficientBalance: ErrInsufficientBalance,
	CodeRateLimited:         ErrRateLimited,
}

// SentinelFor returns the sentinel a server code maps onto, or nil if the
// code is unknown and the caller should fall back to the status class.
func SentinelFor(code Code) error {
	return sentinelByCode[code]
}

// CodeFor returns the machine-readable code for an error.
func CodeFor(err error) Code {
	switch {
	case IsValidation(err):
		return CodeValidation
	case errors.Is(err, ErrInsufficientBalance):
		return CodeInsufficientBalance
	case IsUnauthorized(err):
		return CodeUnauthorized
	case IsInvalidState(err):
		return CodeInvalidState
	case IsCapacityExceeded(err):
		return CodeCapacityExceeded
	case IsAlreadyRequested(err):
		return CodeAlreadyRequested
	case IsNotFound(err):
		return CodeNotFound
	case errors.Is(err, ErrRateLimited):
		return CodeRateLimited
	default:
		return CodeUnknown
	}
}

// ValidationError represents invalid input detected before any network call.
type ValidationError struct {
	Field   string
	Message string
}

// Error implements error.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Unwrap allows errors.Is(err, ErrValidation).
func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// NewValidationError creates a validation error for a field.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

// RequiredError creates a validation error for a missing required field.
func RequiredError(field string) *ValidationError {
	return &ValidationError{Field: field, Message: "is required"}
}

// NotFoundError indicates a referenced entity is absent from the store.
type NotFoundError struct {
	Kind string
	ID   string
}

// Error implements error.
func (e *NotFoundError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("%s not found", e.Kind)
	}
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

// Unwrap allows errors.Is(err, ErrNotFound).
func (e *NotFoundError) Unwrap() error {
	return ErrNotFound
}

// NewNotFoundError creates a not-found error for an entity kind and id.
func NewNotFoundError(kind, id string) *NotFoundError {
	return &NotFoundError{Kind: kind, ID: id}
}

// RequestError represents a failed REST call. Status and Code come from the
// server; the wrapped sentinel decides retryability.
type RequestError struct {
	Status  int
	Code    Code
	Message string
}

// Error implements error.
func (e *RequestError) Error() string {
	if e.Code != "" && e.Code != CodeUnknown {
		return fmt.Sprintf("request failed with status %d (%s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("request failed with status %d: %s", e.Status, e.Message)
}

// Unwrap classifies the failure along two axes: the specific sentinel when
// the envelope code is known, and the retry class. A coded capacity refusal
// matches both ErrCapacityExceeded and ErrRejected.
func (e *RequestError) Unwrap() []error {
	class := ErrRejected
	if e.Retryable() {
		class = ErrTransient
	}
	if s := SentinelFor(e.Code); s != nil {
		return []error{s, class}
	}
	return []error{class}
}

// Retryable reports whether the call may be retried. Server errors and
// timeouts are retryable; business rejections are not.
func (e *RequestError) Retryable() bool {
	if s := SentinelFor(e.Code); s != nil {
		return errors.Is(s, ErrTransient)
	}
	return e.Status >= 500 || e.Status == 408 || e.Status == 429
}

// NewRequestError creates a request error from an HTTP status and envelope.
func NewRequestError(status int, code Code, message string) *RequestError {
	return &RequestError{Status: status, Code: code, Message: message}
}

// Wrap annotates err with a component and operation prefix.
// Returns nil if err is nil.
func Wrap(component, op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s.%s: %w", component, op, err)
}

// IsValidation returns true if err is a validation failure.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}

// IsUnauthorized returns true if err is an actor-role authorization failure.
func IsUnauthorized(err error) bool {
	return errors.Is(err, ErrUnauthorized)
}

// IsInvalidState returns true if err is an illegal transition.
func IsInvalidState(err error) bool {
	return errors.Is(err, ErrInvalidState)
}

// IsCapacityExceeded returns true if err is a capacity rejection.
func IsCapacityExceeded(err error) bool {
	return errors.Is(err, ErrCapacityExceeded)
}

// IsAlreadyRequested returns true if err is a duplicate-request rejection.
func IsAlreadyRequested(err error) bool {
	return errors.Is(err, ErrAlreadyRequested)
}

// IsNotFound returns true if err is a missing-entity failure.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsTransient returns true if err is retryable.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// IsRejected returns true if err is a non-retryable rejection.
func IsRejected(err error) bool {
	return errors.Is(err, ErrRejected)
}

// IsScopeClosed returns true if err indicates a torn-down scope.
func IsScopeClosed(err error) bool {
	return errors.Is(err, ErrScopeClosed)
}

// Is re-exports errors.Is so callers aliasing this package keep one import.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As re-exports errors.As so callers aliasing this package keep one import.
func As(err error, target any) bool {
	return errors.As(err, target)
}

// New re-exports errors.New.
func New(text string) error {
	return errors.New(text)
}
