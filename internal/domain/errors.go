// Package domain defines core types, interfaces, and errors for the ad-hoc
// query governance service.
package domain

import (
	"fmt"
	"time"
)

// NotFoundError indicates a resource was not found.
type NotFoundError struct {
	Message string
}

func (e *NotFoundError) Error() string { return e.Message }

// AccessDeniedError indicates insufficient permissions.
type AccessDeniedError struct {
	Message string
}

func (e *AccessDeniedError) Error() string { return e.Message }

// ValidationError indicates invalid input.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// ConflictError indicates a conflict (e.g., duplicate resource or a stale
// optimistic-concurrency version).
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string { return e.Message }

// InvalidStateError indicates an execution transition whose precondition
// does not hold.
type InvalidStateError struct {
	QueryID string
	From    ExecutionStatus
	Action  string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("cannot %s execution %q in state %s", e.Action, e.QueryID, e.From)
}

// QuotaWindow names the rolling window that rejected an admission.
type QuotaWindow string

// Quota windows.
const (
	QuotaWindowHourly QuotaWindow = "hourly"
	QuotaWindowDaily  QuotaWindow = "daily"
)

// QuotaExceededError is returned when a user's hourly or daily allowance is
// spent. Both reset instants are always populated so callers can derive a
// retry-after hint.
type QuotaExceededError struct {
	UserID        string
	Window        QuotaWindow
	Limit         int
	Used          int
	HourlyResetAt time.Time
	DailyResetAt  time.Time
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("%s query quota exceeded for user %q (%d/%d)", e.Window, e.UserID, e.Used, e.Limit)
}

// ResetAt returns the reset instant of the window that was exceeded.
func (e *QuotaExceededError) ResetAt() time.Time {
	if e.Window == QuotaWindowDaily {
		return e.DailyResetAt
	}
	return e.HourlyResetAt
}

// InvalidDownloadTokenError covers every token failure: malformed, mismatched
// ids, expired, bad signature. The reason is for logs only and never shown.
type InvalidDownloadTokenError struct {
	Reason string
}

func (e *InvalidDownloadTokenError) Error() string { return "invalid or expired download token" }

// ResultNotFoundError indicates a stored result is missing or has expired.
type ResultNotFoundError struct {
	QueryID string
}

func (e *ResultNotFoundError) Error() string {
	return fmt.Sprintf("result for query %q not found or expired", e.QueryID)
}

// UnsupportedFormatError indicates a result format that is not implemented.
type UnsupportedFormatError struct {
	Format string
}

func (e *UnsupportedFormatError) Error() string {
	return fmt.Sprintf("unsupported result format %q", e.Format)
}

// ExecutionTimeoutError indicates the engine exceeded the configured bound.
type ExecutionTimeoutError struct {
	QueryID        string
	TimeoutSeconds int
}

func (e *ExecutionTimeoutError) Error() string {
	return fmt.Sprintf("query %q exceeded maximum execution time of %d seconds", e.QueryID, e.TimeoutSeconds)
}

// EngineExecutionError wraps a failure reported by the external engine.
type EngineExecutionError struct {
	QueryID string
	Engine  string
	Err     error
}

func (e *EngineExecutionError) Error() string {
	return fmt.Sprintf("engine %s failed for query %q: %v", e.Engine, e.QueryID, e.Err)
}

func (e *EngineExecutionError) Unwrap() error { return e.Err }

// TransientError indicates a retryable failure, e.g. quota updates that kept
// losing optimistic-concurrency races.
type TransientError struct {
	Message string
	Err     error
}

func (e *TransientError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *TransientError) Unwrap() error { return e.Err }

// ErrNotFound creates a NotFoundError with a formatted message.
func ErrNotFound(format string, args ...interface{}) *NotFoundError {
	return &NotFoundError{Message: fmt.Sprintf(format, args...)}
}

// ErrAccessDenied creates an AccessDeniedError with a formatted message.
func ErrAccessDenied(format string, args ...interface{}) *AccessDeniedError {
	return &AccessDeniedError{Message: fmt.Sprintf(format, args...)}
}

// ErrValidation creates a ValidationError with a formatted message.
func ErrValidation(format string, args ...interface{}) *ValidationError {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// ErrConflict creates a ConflictError with a formatted message.
func ErrConflict(format string, args ...interface{}) *ConflictError {
	return &ConflictError{Message: fmt.Sprintf(format, args...)}
}
