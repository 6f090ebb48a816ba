package ociauth

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorCategory categorizes errors for handling and reporting.
type ErrorCategory string

const (
	// ErrCategoryConfig indicates the credential file is missing or unparseable.
	ErrCategoryConfig ErrorCategory = "config"
	// ErrCategoryIncompleteProfile indicates a profile missing required fields.
	ErrCategoryIncompleteProfile ErrorCategory = "incomplete_profile"
	// ErrCategorySigning indicates a request could not be signed.
	ErrCategorySigning ErrorCategory = "signing"
	// ErrCategoryAuthRejected indicates the provider rejected the credential.
	ErrCategoryAuthRejected ErrorCategory = "auth_rejected"
	// ErrCategoryDispatch indicates both REST and CLI paths failed.
	ErrCategoryDispatch ErrorCategory = "dispatch"
	// ErrCategoryNoContext indicates the registry has no valid context.
	ErrCategoryNoContext ErrorCategory = "no_context"
	// ErrCategoryNetwork indicates a network-related failure.
	ErrCategoryNetwork ErrorCategory = "network"
	// ErrCategoryTimeout indicates an operation timed out.
	ErrCategoryTimeout ErrorCategory = "timeout"
	// ErrCategoryNotFound indicates a context or resource was not found.
	ErrCategoryNotFound ErrorCategory = "not_found"
	// ErrCategoryConflict indicates a context already exists.
	ErrCategoryConflict ErrorCategory = "conflict"
	// ErrCategoryInternal indicates an internal error.
	ErrCategoryInternal ErrorCategory = "internal"
)

// AuthError is a structured error with category and context.
type AuthError struct {
	// Category classifies the error type.
	Category ErrorCategory

	// Message is a human-readable error message.
	Message string

	// ContextID is the credential context involved, if any.
	ContextID string

	// Operation is the operation that failed.
	Operation string

	// Cause is the underlying error.
	Cause error

	// Retryable indicates whether the operation can be retried.
	Retryable bool

	// Details contains additional error context.
	Details map[string]any
}

// Error implements the error interface.
func (e *AuthError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Category, e.Message)
	if e.ContextID != "" {
		msg = fmt.Sprintf("[%s:%s] %s", e.ContextID, e.Category, e.Message)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *AuthError) Unwrap() error {
	return e.Cause
}

// Is checks if the target error matches this error's category.
func (e *AuthError) Is(target error) bool {
	var authErr *AuthError
	if errors.As(target, &authErr) {
		return e.Category == authErr.Category
	}
	return false
}

// NewError creates a new AuthError.
func NewError(category ErrorCategory, message string) *AuthError {
	return &AuthError{
		Category: category,
		Message:  message,
		Details:  make(map[string]any),
	}
}

// WithContextID sets the credential context identifier.
func (e *AuthError) WithContextID(id string) *AuthError {
	e.ContextID = id
	return e
}

// WithOperation sets the operation.
func (e *AuthError) WithOperation(op string) *AuthError {
	e.Operation = op
	return e
}

// WithCause sets the underlying error.
func (e *AuthError) WithCause(err error) *AuthError {
	e.Cause = err
	return e
}

// WithRetryable marks the error as retryable.
func (e *AuthError) WithRetryable(retryable bool) *AuthError {
	e.Retryable = retryable
	return e
}

// WithDetail adds a detail to the error.
func (e *AuthError) WithDetail(key string, value any) *AuthError {
	e.Details[key] = value
	return e
}

// Convenience constructors for the error taxonomy

// ErrConfigUnreadable creates a config error. Callers degrade to an empty
// registry rather than treating this as fatal.
func ErrConfigUnreadable(message string) *AuthError {
	return NewError(ErrCategoryConfig, message)
}

// ErrIncompleteProfile creates an error naming the missing profile fields.
func ErrIncompleteProfile(profile string, missing []string) *AuthError {
	return NewError(ErrCategoryIncompleteProfile,
		fmt.Sprintf("profile %s missing required fields: %s", profile, strings.Join(missing, ", "))).
		WithDetail("profile", profile).
		WithDetail("missing", missing)
}

// ErrSigning creates a signing error.
func ErrSigning(message string) *AuthError {
	return NewError(ErrCategorySigning, message)
}

// ErrAuthRejected creates an error for a provider-rejected credential.
func ErrAuthRejected(message string) *AuthError {
	return NewError(ErrCategoryAuthRejected, message)
}

// ErrDispatchExhausted creates an error listing both path failures.
func ErrDispatchExhausted(restReason, cliReason string) *AuthError {
	return NewError(ErrCategoryDispatch, "both REST and CLI paths failed").
		WithDetail("rest", restReason).
		WithDetail("cli", cliReason)
}

// ErrNoValidContext creates an error for an empty or all-invalid registry.
func ErrNoValidContext() *AuthError {
	return NewError(ErrCategoryNoContext,
		"no valid credential context; load a profile or run on an OCI instance, then re-test validity")
}

// ErrNetwork creates a network error.
func ErrNetwork(message string) *AuthError {
	return NewError(ErrCategoryNetwork, message).WithRetryable(true)
}

// ErrTimeout creates a timeout error.
func ErrTimeout(message string) *AuthError {
	return NewError(ErrCategoryTimeout, message).WithRetryable(true)
}

// ErrNotFound creates a not found error.
func ErrNotFound(resourceType, resourceID string) *AuthError {
	return NewError(ErrCategoryNotFound, fmt.Sprintf("%s not found: %s", resourceType, resourceID))
}

// ErrConflict creates a conflict error.
func ErrConflict(resourceType, resourceID string) *AuthError {
	return NewError(ErrCategoryConflict, fmt.Sprintf("%s already exists: %s", resourceType, resourceID))
}

// ErrInternal creates an internal error.
func ErrInternal(message string) *AuthError {
	return NewError(ErrCategoryInternal, message)
}

// IsCategory checks if an error is of a specific category.
func IsCategory(err error, category ErrorCategory) bool {
	var authErr *AuthError
	if errors.As(err, &authErr) {
		return authErr.Category == category
	}
	return false
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	var authErr *AuthError
	if errors.As(err, &authErr) {
		return authErr.Retryable
	}
	return false
}
