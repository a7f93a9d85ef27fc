package repository

import (
	"context"
	"database/sql"
	"fmt"

	"duck-adhoc/internal/domain"
)

var _ domain.ExecutionRepository = (*ExecutionRepo)(nil)

const executionColumns = `query_id, user_id, raw_sql, rendered_sql, engine, status,
	rows_returned, rows_failed, bytes_scanned, cost_estimate, execution_time_seconds,
	result_path, error_message, expires_at, created_at, started_at, completed_at`

// ExecutionRepo stores the execution ledger in SQLite. Writes go through the
// single-connection write pool; lookups and listings use the read pool.
type ExecutionRepo struct {
	write *sql.DB
	read  *sql.DB
}

// NewExecutionRepo creates a new ExecutionRepo. read may equal write.
func NewExecutionRepo(write, read *sql.DB) *ExecutionRepo {
	if read == nil {
		read = write
	}
	return &ExecutionRepo{write: write, read: read}
}

// Create inserts a new execution. A duplicate query id is a ConflictError.
func (r *ExecutionRepo) Create(ctx context.Context, e *domain.Execution) error {
	if e == nil {
		return domain.ErrValidation("execution is required")
	}
	_, err := r.write.ExecContext(ctx, `
		INSERT INTO executions (`+executionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		e.QueryID, e.UserID, e.RawSQL, e.RenderedSQL, e.Engine, string(e.Status),
		nullInt64(e.RowsReturned), nullInt64(e.RowsFailed), nullInt64(e.BytesScanned),
		nullFloat64(e.CostEstimate), nullFloat64(e.ExecutionTimeSeconds),
		nullString(e.ResultPath), nullString(e.ErrorMessage), nullTime(e.ExpiresAt),
		e.CreatedAt.UTC(), nullTime(e.StartedAt), nullTime(e.CompletedAt),
	)
	return mapDBError(err, fmt.Sprintf("execution %q", e.QueryID))
}

// Update persists the mutable fields of an execution. Identity columns are
// never rewritten.
func (r *ExecutionRepo) Update(ctx context.Context, e *domain.Execution) error {
	res, err := r.write.ExecContext(ctx, `
		UPDATE executions
		SET status = ?, rows_returned = ?, rows_failed = ?, bytes_scanned = ?, cost_estimate = ?,
		    execution_time_seconds = ?, result_path = ?, error_message = ?, expires_at = ?,
		    started_at = ?, completed_at = ?
		WHERE query_id = ?
	`,
		string(e.Status), nullInt64(e.RowsReturned), nullInt64(e.RowsFailed), nullInt64(e.BytesScanned),
		nullFloat64(e.CostEstimate), nullFloat64(e.ExecutionTimeSeconds), nullString(e.ResultPath),
		nullString(e.ErrorMessage), nullTime(e.ExpiresAt), nullTime(e.StartedAt), nullTime(e.CompletedAt),
		e.QueryID,
	)
	if err != nil {
		return mapDBError(err, "execution")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return domain.ErrNotFound("execution %q not found", e.QueryID)
	}
	return nil
}

// GetByQueryID returns the execution with the given query id.
func (r *ExecutionRepo) GetByQueryID(ctx context.Context, queryID string) (*domain.Execution, error) {
	row := r.read.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM executions WHERE query_id = ?`, queryID)
	e, err := scanExecution(row)
	if err != nil {
		return nil, mapDBError(err, fmt.Sprintf("execution %q", queryID))
	}
	return e, nil
}

// ListByUser returns a user's executions, newest first, and the total count.
func (r *ExecutionRepo) ListByUser(ctx context.Context, userID string, page domain.PageRequest) ([]domain.Execution, int64, error) {
	var total int64
	if err := r.read.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM executions WHERE user_id = ?`, userID,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count executions: %w", err)
	}

	rows, err := r.read.QueryContext(ctx, `
		SELECT `+executionColumns+`
		FROM executions
		WHERE user_id = ?
		ORDER BY created_at DESC, query_id
		LIMIT ? OFFSET ?
	`, userID, page.Limit(), page.Offset())
	if err != nil {
		return nil, 0, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var out []domain.Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan execution: %w", err)
		}
		out = append(out, *e)
	}
	return out, total, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanExecution(s rowScanner) (*domain.Execution, error) {
	var (
		e                        domain.Execution
		status                   string
		rowsReturned, rowsFailed sql.NullInt64
		bytesScanned             sql.NullInt64
		cost, execSeconds        sql.NullFloat64
		resultPath, errorMessage sql.NullString
		expiresAt, startedAt     sql.NullTime
		completedAt              sql.NullTime
	)
	err := s.Scan(
		&e.QueryID, &e.UserID, &e.RawSQL, &e.RenderedSQL, &e.Engine, &status,
		&rowsReturned, &rowsFailed, &bytesScanned, &cost, &execSeconds,
		&resultPath, &errorMessage, &expiresAt, &e.CreatedAt, &startedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}
	e.Status = domain.ExecutionStatus(status)
	e.RowsReturned = int64Ptr(rowsReturned)
	e.RowsFailed = int64Ptr(rowsFailed)
	e.BytesScanned = int64Ptr(bytesScanned)
	e.CostEstimate = float64Ptr(cost)
	e.ExecutionTimeSeconds = float64Ptr(execSeconds)
	e.ResultPath = stringPtr(resultPath)
	e.ErrorMessage = stringPtr(errorMessage)
	e.ExpiresAt = timePtr(expiresAt)
	e.CreatedAt = e.CreatedAt.UTC()
	e.StartedAt = timePtr(startedAt)
	e.CompletedAt = timePtr(completedAt)
	return &e, nil
}
