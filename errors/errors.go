// Package errors provides the error taxonomy for hypha-core: identifier
// and query validation failures, access violations, bounded-wait timeouts,
// and token verification failures, plus helpers for consistent wrapping
// and classification across components.
package errors

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of errors for handling purposes
type ErrorClass int

const (
	// ErrorValidation covers malformed identifiers and disallowed queries;
	// retrying the same input will always fail.
	ErrorValidation ErrorClass = iota
	// ErrorDenied covers security rule violations.
	ErrorDenied
	// ErrorTimeout covers bounded waits and remote fetches that exceeded
	// their deadline.
	ErrorTimeout
	// ErrorToken covers token format, signature, and expiry failures.
	ErrorToken
	// ErrorInternal covers store and transport faults.
	ErrorInternal
)

// String returns the string representation of ErrorClass
func (ec ErrorClass) String() string {
	switch ec {
	case ErrorValidation:
		return "validation"
	case ErrorDenied:
		return "denied"
	case ErrorTimeout:
		return "timeout"
	case ErrorToken:
		return "token"
	case ErrorInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// Standard error variables for common conditions
var (
	// Identifier and query validation
	ErrInvalidIdentifier = errors.New("invalid service identifier")
	ErrInvalidQuery      = errors.New("invalid query")

	// Access control
	ErrAccessDenied = errors.New("access denied")

	// Bounded waits and remote fetches
	ErrTimeout = errors.New("timeout")

	// Token verification
	ErrTokenFormat    = errors.New("malformed token")
	ErrTokenSignature = errors.New("token signature mismatch")
	ErrTokenExpired   = errors.New("token expired")

	// Store and transport
	ErrStoreUnavailable = errors.New("pattern store unavailable")
	ErrNoTransport      = errors.New("no rpc transport configured")
)

// ClassifiedError wraps an error with its classification and the component
// and operation that produced it.
type ClassifiedError struct {
	Class     ErrorClass
	Err       error
	Component string
	Operation string
}

// Error implements the error interface
func (ce *ClassifiedError) Error() string {
	return fmt.Sprintf("%s.%s: %v", ce.Component, ce.Operation, ce.Err)
}

// Unwrap returns the underlying error
func (ce *ClassifiedError) Unwrap() error {
	return ce.Err
}

// Classify returns the error class for an error.
func Classify(err error) ErrorClass {
	if err == nil {
		return ErrorInternal
	}
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class
	}
	switch {
	case errors.Is(err, ErrInvalidIdentifier), errors.Is(err, ErrInvalidQuery):
		return ErrorValidation
	case errors.Is(err, ErrAccessDenied):
		return ErrorDenied
	case errors.Is(err, ErrTimeout):
		return ErrorTimeout
	case errors.Is(err, ErrTokenFormat), errors.Is(err, ErrTokenSignature), errors.Is(err, ErrTokenExpired):
		return ErrorToken
	default:
		return ErrorInternal
	}
}

// InvalidIdentifier returns an ErrInvalidIdentifier with detail about the
// offending id.
func InvalidIdentifier(id, detail string) error {
	return fmt.Errorf("%w: %q: %s", ErrInvalidIdentifier, id, detail)
}

// InvalidQuery returns an ErrInvalidQuery with detail.
func InvalidQuery(detail string) error {
	return fmt.Errorf("%w: %s", ErrInvalidQuery, detail)
}

// AccessDenied returns an ErrAccessDenied naming the workspace and caller.
func AccessDenied(workspace, caller, detail string) error {
	return fmt.Errorf("%w: workspace %q, caller %q: %s", ErrAccessDenied, workspace, caller, detail)
}

// Wrap creates a standardized error with context following the pattern:
// "component.method: action failed: %w"
func Wrap(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s.%s: %s failed: %w", component, method, action, err)
}

// WrapClass wraps an error with an explicit classification and context.
func WrapClass(class ErrorClass, err error, component, operation string) error {
	if err == nil {
		return nil
	}
	return &ClassifiedError{
		Class:     class,
		Err:       err,
		Component: component,
		Operation: operation,
	}
}
