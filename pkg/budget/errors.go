package budget

import (
	"errors"
	"fmt"
)

// Error types for admission, ingestion and administrative operations.
var (
	// ErrAuthenticationFailed is returned when a webhook signature is missing
	// or does not match the request body.
	ErrAuthenticationFailed = errors.New("authentication failed")

	// ErrValidationFailed is returned for malformed payloads and invalid
	// configuration.
	ErrValidationFailed = errors.New("validation failed")

	// ErrStateUnavailable is returned when the repository cannot be read or
	// written within the hot-path deadline.
	ErrStateUnavailable = errors.New("spend state unavailable")

	// ErrNotificationFailed is returned by channels that could not deliver.
	// It is logged and never surfaced to callers of Dispatch.
	ErrNotificationFailed = errors.New("notification failed")

	// ErrOverrideConflict marks concurrent override writes. Resolved
	// last-write-wins and never surfaced.
	ErrOverrideConflict = errors.New("override conflict")

	// ErrVersionConflict is returned by compare-and-swap writes when the
	// stored version moved.
	ErrVersionConflict = errors.New("version conflict")

	// ErrTenantNotFound is returned when a tenant has no configuration.
	ErrTenantNotFound = errors.New("tenant not found")

	// ErrOverrideNotFound is returned for an unknown override id.
	ErrOverrideNotFound = errors.New("override not found")

	// ErrOverrideInactive is returned when revoking an override that has
	// already expired or been revoked.
	ErrOverrideInactive = errors.New("override is not active")

	// ErrForbidden is returned when the actor lacks administrative capability.
	ErrForbidden = errors.New("forbidden")
)

// ValidationError describes an invalid field.
type ValidationError struct {
	Field   string
	Message string
}

// NewValidationError creates a ValidationError.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation failed: %s", e.Message)
	}
	return fmt.Sprintf("validation failed: %s %s", e.Field, e.Message)
}

// Unwrap returns ErrValidationFailed so callers can use errors.Is.
func (e *ValidationError) Unwrap() error {
	return ErrValidationFailed
}

// StorageError wraps a backend failure with the operation that failed.
type StorageError struct {
	Backend   string
	Operation string
	Cause     error
}

// Error implements the error interface.
func (e *StorageError) Error() string {
	return fmt.Sprintf("storage error [%s] %s: %v", e.Backend, e.Operation, e.Cause)
}

// Unwrap returns the underlying cause.
func (e *StorageError) Unwrap() error {
	return e.Cause
}

// NewStorageError creates a StorageError.
func NewStorageError(backend, operation string, cause error) *StorageError {
	return &StorageError{Backend: backend, Operation: operation, Cause: cause}
}
