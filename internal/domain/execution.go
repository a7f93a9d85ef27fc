package domain

import (
	"fmt"
	"time"
)

// ExecutionStatus represents the lifecycle state of an ad-hoc execution.
type ExecutionStatus string

// Execution lifecycle statuses.
const (
	ExecutionStatusPending   ExecutionStatus = "PENDING"
	ExecutionStatusRunning   ExecutionStatus = "RUNNING"
	ExecutionStatusCompleted ExecutionStatus = "COMPLETED"
	ExecutionStatusFailed    ExecutionStatus = "FAILED"
	ExecutionStatusTimeout   ExecutionStatus = "TIMEOUT"
	ExecutionStatusCancelled ExecutionStatus = "CANCELLED"
	ExecutionStatusValidated ExecutionStatus = "VALIDATED"
)

// IsTerminal reports whether no transition may leave the status.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case ExecutionStatusCompleted, ExecutionStatusFailed, ExecutionStatusTimeout,
		ExecutionStatusCancelled, ExecutionStatusValidated:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a known status.
func (s ExecutionStatus) Valid() bool {
	switch s {
	case ExecutionStatusPending, ExecutionStatusRunning:
		return true
	default:
		return s.IsTerminal()
	}
}

// Execution is the ledger record of one ad-hoc query execution. QueryID is
// caller supplied, globally unique and immutable. Result metrics are set only
// by Complete or Pass.
type Execution struct {
	QueryID              string
	UserID               string
	RawSQL               string
	RenderedSQL          string
	Engine               string
	Status               ExecutionStatus
	RowsReturned         *int64
	RowsFailed           *int64
	BytesScanned         *int64
	CostEstimate         *float64
	ExecutionTimeSeconds *float64
	ResultPath           *string
	ErrorMessage         *string
	ExpiresAt            *time.Time
	CreatedAt            time.Time
	StartedAt            *time.Time
	CompletedAt          *time.Time
}

// NewExecution creates a PENDING execution.
func NewExecution(queryID, userID, rawSQL, renderedSQL, engine string, now time.Time) *Execution {
	return &Execution{
		QueryID:     queryID,
		UserID:      userID,
		RawSQL:      rawSQL,
		RenderedSQL: renderedSQL,
		Engine:      engine,
		Status:      ExecutionStatusPending,
		CreatedAt:   now,
	}
}

// NewValidatedExecution creates a dry-run execution directly in VALIDATED.
// validationError is recorded when the engine rejected the SQL.
func NewValidatedExecution(queryID, userID, rawSQL, renderedSQL, engine string, validationError string, now time.Time) *Execution {
	e := NewExecution(queryID, userID, rawSQL, renderedSQL, engine, now)
	e.Status = ExecutionStatusValidated
	e.CompletedAt = &now
	if validationError != "" {
		e.ErrorMessage = &validationError
	}
	return e
}

func (e *Execution) require(action string, want ExecutionStatus) error {
	if e.Status != want {
		return &InvalidStateError{QueryID: e.QueryID, From: e.Status, Action: action}
	}
	return nil
}

// Start moves a PENDING execution to RUNNING.
func (e *Execution) Start(now time.Time) error {
	if err := e.require("start", ExecutionStatusPending); err != nil {
		return err
	}
	e.Status = ExecutionStatusRunning
	e.StartedAt = &now
	return nil
}

// ResultMetrics are the engine-reported figures of a successful execution.
type ResultMetrics struct {
	RowsReturned         int64
	BytesScanned         int64
	CostEstimate         float64
	ExecutionTimeSeconds float64
}

// Complete moves a RUNNING execution to COMPLETED and records its metrics.
// resultPath and expiresAt may be nil when no download was produced.
func (e *Execution) Complete(m ResultMetrics, resultPath *string, expiresAt *time.Time, now time.Time) error {
	if err := e.require("complete", ExecutionStatusRunning); err != nil {
		return err
	}
	var failed int64
	e.Status = ExecutionStatusCompleted
	e.RowsReturned = &m.RowsReturned
	e.RowsFailed = &failed
	e.BytesScanned = &m.BytesScanned
	e.CostEstimate = &m.CostEstimate
	e.ExecutionTimeSeconds = &m.ExecutionTimeSeconds
	e.ResultPath = resultPath
	e.ExpiresAt = expiresAt
	e.CompletedAt = &now
	return nil
}

// Pass completes a RUNNING execution that produced rows with no rejected rows
// and no stored result.
func (e *Execution) Pass(rows int64, durationSeconds float64, now time.Time) error {
	return e.Complete(ResultMetrics{RowsReturned: rows, ExecutionTimeSeconds: durationSeconds}, nil, nil, now)
}

// Fail moves a RUNNING execution to FAILED with a human-readable message.
func (e *Execution) Fail(message string, now time.Time) error {
	if err := e.require("fail", ExecutionStatusRunning); err != nil {
		return err
	}
	e.Status = ExecutionStatusFailed
	e.ErrorMessage = &message
	e.CompletedAt = &now
	return nil
}

// Timeout moves a RUNNING execution to TIMEOUT. The message states the bound.
func (e *Execution) Timeout(timeoutSeconds int, now time.Time) error {
	if err := e.require("time out", ExecutionStatusRunning); err != nil {
		return err
	}
	msg := fmt.Sprintf("Query exceeded maximum execution time of %d seconds", timeoutSeconds)
	e.Status = ExecutionStatusTimeout
	e.ErrorMessage = &msg
	e.CompletedAt = &now
	return nil
}

// Cancel moves a PENDING or RUNNING execution to CANCELLED.
func (e *Execution) Cancel(now time.Time) error {
	if e.Status != ExecutionStatusPending && e.Status != ExecutionStatusRunning {
		return &InvalidStateError{QueryID: e.QueryID, From: e.Status, Action: "cancel"}
	}
	msg := "query cancelled"
	e.Status = ExecutionStatusCancelled
	e.ErrorMessage = &msg
	e.CompletedAt = &now
	return nil
}

// IsExpired reports whether the result expiry has passed. Executions without
// an expiry never expire.
func (e *Execution) IsExpired(now time.Time) bool {
	return e.ExpiresAt != nil && now.After(*e.ExpiresAt)
}

// CanDownload reports whether a download link for the execution is usable.
func (e *Execution) CanDownload(now time.Time) bool {
	return e.Status == ExecutionStatusCompleted && !e.IsExpired(now) && e.ResultPath != nil && *e.ResultPath != ""
}
