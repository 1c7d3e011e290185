package domain

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies tool failures for the retry policy.
type ErrorKind string

const (
	KindValidation  ErrorKind = "validation"
	KindAuth        ErrorKind = "auth"
	KindTransient   ErrorKind = "transient"
	KindRateLimit   ErrorKind = "rate_limit"
	KindCircuitOpen ErrorKind = "circuit_open"
	KindTimeout     ErrorKind = "timeout"
)

// Retryable reports whether the retry policy may try again after this kind.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindTransient, KindRateLimit, KindTimeout:
		return true
	}
	return false
}

// ToolError is a classified tool failure.
type ToolError struct {
	Kind       ErrorKind
	Message    string
	RetryAfter time.Duration // rate_limit only; zero means use the configured default
	Err        error
}

func (e *ToolError) Error() string {
	if e.Err != nil && e.Message == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *ToolError) Unwrap() error { return e.Err }

func NewValidationError(msg string) *ToolError {
	return &ToolError{Kind: KindValidation, Message: msg}
}

func NewAuthError(msg string) *ToolError {
	return &ToolError{Kind: KindAuth, Message: msg}
}

func NewTransientError(msg string, err error) *ToolError {
	return &ToolError{Kind: KindTransient, Message: msg, Err: err}
}

func NewRateLimitError(msg string, retryAfter time.Duration) *ToolError {
	return &ToolError{Kind: KindRateLimit, Message: msg, RetryAfter: retryAfter}
}

func NewCircuitOpenError(tool string) *ToolError {
	return &ToolError{Kind: KindCircuitOpen, Message: fmt.Sprintf("circuit open for %s", tool)}
}

func NewTimeoutError(after time.Duration) *ToolError {
	return &ToolError{Kind: KindTimeout, Message: fmt.Sprintf("timed out after %s", after)}
}

// KindOf classifies err. Unclassified errors are treated as transient;
// deadline expiry maps to timeout.
func KindOf(err error) ErrorKind {
	var te *ToolError
	if errors.As(err, &te) {
		return te.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindTransient
}

// IsValidation reports whether err is a validation error.
func IsValidation(err error) bool {
	return err != nil && KindOf(err) == KindValidation
}

// CriticalError wraps an orchestration fault such as store corruption or
// unrecoverable I/O. Jobs failing with it are never retried.
type CriticalError struct {
	Op  string
	Err error
}

func (e *CriticalError) Error() string {
	return fmt.Sprintf("critical: %s: %v", e.Op, e.Err)
}

func (e *CriticalError) Unwrap() error { return e.Err }

// IsCritical reports whether err carries a CriticalError.
func IsCritical(err error) bool {
	var ce *CriticalError
	return errors.As(err, &ce)
}

var (
	ErrCheckpointNotFound = errors.New("checkpoint not found")
	ErrArtifactNotFound   = errors.New("artifact not found")
)
