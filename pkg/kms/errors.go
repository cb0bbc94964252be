package kms

import (
	"errors"
	"fmt"
)

// ErrorCategory categorizes errors for handling and reporting.
type ErrorCategory string

const (
	// ErrCategoryAuth indicates an authentication or authorization failure.
	ErrCategoryAuth ErrorCategory = "auth"
	// ErrCategoryPermission indicates insufficient permissions.
	ErrCategoryPermission ErrorCategory = "permission"
	// ErrCategoryNetwork indicates a network-related failure.
	ErrCategoryNetwork ErrorCategory = "network"
	// ErrCategoryValidation indicates invalid input or configuration.
	ErrCategoryValidation ErrorCategory = "validation"
	// ErrCategoryNotFound indicates a resource was not found.
	ErrCategoryNotFound ErrorCategory = "not_found"
	// ErrCategoryConflict indicates a resource conflict (already exists).
	ErrCategoryConflict ErrorCategory = "conflict"
	// ErrCategoryInternal indicates an internal error.
	ErrCategoryInternal ErrorCategory = "internal"
	// ErrCategoryTimeout indicates an operation timed out.
	ErrCategoryTimeout ErrorCategory = "timeout"
)

// ProvisionError is a structured error with category and context.
type ProvisionError struct {
	// Category classifies the error type.
	Category ErrorCategory

	// Message is a human-readable error message.
	Message string

	// Provider is the cloud provider where the error occurred.
	Provider CloudProvider

	// Operation is the operation that failed.
	Operation string

	// ResourceType is the type of resource involved.
	ResourceType string

	// ResourceID is the ID of the resource involved.
	ResourceID string

	// Cause is the underlying error.
	Cause error

	// Retryable indicates whether the operation can be retried.
	Retryable bool

	// Details contains additional error context.
	Details map[string]interface{}
}

// Error implements the error interface.
func (e *ProvisionError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Category, e.Message)
	if e.Provider != "" {
		msg = fmt.Sprintf("[%s:%s] %s", e.Provider, e.Category, e.Message)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *ProvisionError) Unwrap() error {
	return e.Cause
}

// Is checks if the target error matches this error's category.
func (e *ProvisionError) Is(target error) bool {
	var pErr *ProvisionError
	if errors.As(target, &pErr) {
		return e.Category == pErr.Category
	}
	return false
}

// NewError creates a new ProvisionError.
func NewError(category ErrorCategory, message string) *ProvisionError {
	return &ProvisionError{
		Category: category,
		Message:  message,
		Details:  make(map[string]interface{}),
	}
}

// WithProvider sets the provider.
func (e *ProvisionError) WithProvider(p CloudProvider) *ProvisionError {
	e.Provider = p
	return e
}

// WithOperation sets the operation.
func (e *ProvisionError) WithOperation(op string) *ProvisionError {
	e.Operation = op
	return e
}

// WithResource sets the resource type and ID.
func (e *ProvisionError) WithResource(resourceType, resourceID string) *ProvisionError {
	e.ResourceType = resourceType
	e.ResourceID = resourceID
	return e
}

// WithCause sets the underlying error.
func (e *ProvisionError) WithCause(err error) *ProvisionError {
	e.Cause = err
	return e
}

// WithRetryable marks the error as retryable.
func (e *ProvisionError) WithRetryable(retryable bool) *ProvisionError {
	e.Retryable = retryable
	return e
}

// WithDetail adds a detail to the error.
func (e *ProvisionError) WithDetail(key string, value interface{}) *ProvisionError {
	e.Details[key] = value
	return e
}

// Convenience constructors for common error types

// ErrAuth creates an authentication error.
func ErrAuth(message string) *ProvisionError {
	return NewError(ErrCategoryAuth, message)
}

// ErrPermission creates a permission error.
func ErrPermission(message string) *ProvisionError {
	return NewError(ErrCategoryPermission, message)
}

// ErrNetwork creates a network error.
func ErrNetwork(message string) *ProvisionError {
	return NewError(ErrCategoryNetwork, message).WithRetryable(true)
}

// ErrValidation creates a validation error.
func ErrValidation(message string) *ProvisionError {
	return NewError(ErrCategoryValidation, message)
}

// ErrNotFound creates a not found error.
func ErrNotFound(resourceType, resourceID string) *ProvisionError {
	return NewError(ErrCategoryNotFound, fmt.Sprintf("%s not found: %s", resourceType, resourceID)).
		WithResource(resourceType, resourceID)
}

// ErrConflict creates a conflict error.
func ErrConflict(resourceType, resourceID string) *ProvisionError {
	return NewError(ErrCategoryConflict, fmt.Sprintf("%s already exists: %s", resourceType, resourceID)).
		WithResource(resourceType, resourceID)
}

// ErrInternal creates an internal error.
func ErrInternal(message string) *ProvisionError {
	return NewError(ErrCategoryInternal, message)
}

// ErrTimeout creates a timeout error.
func ErrTimeout(message string) *ProvisionError {
	return NewError(ErrCategoryTimeout, message).WithRetryable(true)
}

// IsCategory checks if an error is of a specific category.
func IsCategory(err error, category ErrorCategory) bool {
	var pErr *ProvisionError
	if errors.As(err, &pErr) {
		return pErr.Category == category
	}
	return false
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	var pErr *ProvisionError
	if errors.As(err, &pErr) {
		return pErr.Retryable
	}
	return false
}
