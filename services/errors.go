package services

import (
	"errors"
	"fmt"
)

// Code is the stable, caller-visible outcome code
type Code string

const (
	CodeValidation            Code = "VALIDATION_ERROR"
	CodeInvalidAPIKey         Code = "INVALID_API_KEY"
	CodeScopeDenied           Code = "SCOPE_DENIED"
	CodeApprovalRequired      Code = "APPROVAL_REQUIRED"
	CodeNotFound              Code = "NOT_FOUND"
	CodeRateLimited           Code = "RATE_LIMITED"
	CodeCeilingExceeded       Code = "CEILING_EXCEEDED"
	CodeUpgradeRequired       Code = "UPGRADE_REQUIRED"
	CodeIdempotentReplay      Code = "IDEMPOTENT_REPLAY"
	CodeIdempotencyInProgress Code = "IDEMPOTENCY_IN_PROGRESS"
	CodeGovernanceUnavailable Code = "GOVERNANCE_UNAVAILABLE"
	CodeInternal              Code = "INTERNAL_ERROR"
)

// IsDenial reports whether the code is an authorization or quota refusal
// rather than a malformed request or a fault
func (c Code) IsDenial() bool {
	switch c {
	case CodeInvalidAPIKey, CodeScopeDenied, CodeApprovalRequired, CodeRateLimited,
		CodeCeilingExceeded, CodeUpgradeRequired, CodeGovernanceUnavailable:
		return true
	}
	return false
}

// DomainError represents a structured error with additional context
type DomainError struct {
	Code    Code
	Message string
	Err     error
	Details map[string]interface{}
}

// Error implements the error interface
func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap implements errors.Unwrap
func (e *DomainError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// WithDetail returns a copy of the error with a detail added.
// Package-level error values are never mutated.
func (e *DomainError) WithDetail(key string, value interface{}) *DomainError {
	details := make(map[string]interface{}, len(e.Details)+1)
	for k, v := range e.Details {
		details[k] = v
	}
	details[key] = value
	return &DomainError{Code: e.Code, Message: e.Message, Err: e.Err, Details: details}
}

// Wrap returns a copy of the error carrying a cause
func (e *DomainError) Wrap(err error) *DomainError {
	return &DomainError{Code: e.Code, Message: e.Message, Err: err, Details: e.Details}
}

// NewDomainError creates a new domain error
func NewDomainError(code Code, message string, err error) *DomainError {
	return &DomainError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Domain error variables

var (
	ErrInvalidEnvelope     = NewDomainError(CodeValidation, "invalid request envelope", nil)
	ErrInvalidParams       = NewDomainError(CodeValidation, "params failed schema validation", nil)
	ErrDryRunNotSupported  = NewDomainError(CodeValidation, "action does not support dry run", nil)
	ErrIdempotencyMismatch = NewDomainError(CodeValidation, "idempotency key reused with different parameters", nil)

	ErrInvalidAPIKey = NewDomainError(CodeInvalidAPIKey, "invalid API key", nil)

	ErrScopeDenied      = NewDomainError(CodeScopeDenied, "credential lacks the required scope", nil)
	ErrPolicyDenied     = NewDomainError(CodeScopeDenied, "denied by policy", nil)
	ErrApprovalRequired = NewDomainError(CodeApprovalRequired, "action requires approval", nil)

	ErrActionNotFound   = NewDomainError(CodeNotFound, "action not found", nil)
	ErrResourceNotFound = NewDomainError(CodeNotFound, "resource not found", nil)

	ErrRateLimited     = NewDomainError(CodeRateLimited, "rate limit exceeded", nil)
	ErrCeilingExceeded = NewDomainError(CodeCeilingExceeded, "tenant ceiling exceeded", nil)
	ErrUpgradeRequired = NewDomainError(CodeUpgradeRequired, "usage limit reached for current plan", nil)

	ErrIdempotencyInProgress = NewDomainError(CodeIdempotencyInProgress, "a request with this idempotency key is in progress", nil)

	ErrGovernanceUnavailable = NewDomainError(CodeGovernanceUnavailable, "policy authority unavailable", nil)

	ErrInternal      = NewDomainError(CodeInternal, "internal error", nil)
	ErrDatabaseError = NewDomainError(CodeInternal, "database error", nil)
)

// Error code checking helper functions

// CodeOf returns the code of an error. Errors that are not domain errors
// are internal.
func CodeOf(err error) Code {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Code
	}
	return CodeInternal
}

// IsNotFoundError checks if an error is a not found error
func IsNotFoundError(err error) bool {
	var domainErr *DomainError
	return errors.As(err, &domainErr) && domainErr.Code == CodeNotFound
}

// IsValidationError checks if an error is a validation error
func IsValidationError(err error) bool {
	var domainErr *DomainError
	return errors.As(err, &domainErr) && domainErr.Code == CodeValidation
}

// GetErrorDetails returns the details map of a domain error, or nil if not a domain error
func GetErrorDetails(err error) map[string]interface{} {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Details
	}
	return nil
}

// PublicMessage returns the message safe to show a caller. Internal errors
// never expose their cause.
func PublicMessage(err error) string {
	var domainErr *DomainError
	if errors.As(err, &domainErr) && domainErr.Code != CodeInternal {
		return domainErr.Message
	}
	return ErrInternal.Message
}

// WrapInternal wraps an error as an internal error
func WrapInternal(message string, err error) error {
	return NewDomainError(CodeInternal, message, err)
}

// Validation returns a validation error with the given message
func Validation(message string) *DomainError {
	return NewDomainError(CodeValidation, message, nil)
}
