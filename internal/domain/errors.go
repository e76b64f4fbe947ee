package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrValidation         = errors.New("validation error")
	ErrOracleUnavailable  = errors.New("oracle unavailable")
	ErrRejectedIrrelevant = errors.New("rejected as irrelevant")
	ErrRejectedFraudulent = errors.New("rejected as fraudulent")
	ErrConflict           = errors.New("concurrency conflict")
	ErrNotFound           = errors.New("not found")
	ErrForbidden          = errors.New("forbidden")
)

// ValidationError reports an unmet precondition on a single field.
type ValidationError struct {
	Field   string
	Message string
}

func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// RejectionError is a negative oracle verdict. It is an outcome, not a system failure.
type RejectionError struct {
	Kind   error
	Reason string
}

func Irrelevant(reason string) *RejectionError {
	return &RejectionError{Kind: ErrRejectedIrrelevant, Reason: reason}
}

func Fraudulent(reason string) *RejectionError {
	return &RejectionError{Kind: ErrRejectedFraudulent, Reason: reason}
}

func (e *RejectionError) Error() string {
	if strings.TrimSpace(e.Reason) == "" {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *RejectionError) Unwrap() error { return e.Kind }
