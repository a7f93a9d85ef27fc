// Package engine provides the query backends the governor dispatches to.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "github.com/duckdb/duckdb-go/v2" // registers the "duckdb" driver

	"duck-adhoc/internal/domain"
)

var _ Backend = (*DuckDBEngine)(nil)

// DuckDBEngine runs queries on an embedded DuckDB database.
type DuckDBEngine struct {
	db     *sql.DB
	logger *slog.Logger
}

// OpenDuckDB opens a DuckDB database at path ("" for in-memory).
func OpenDuckDB(path string) (*sql.DB, error) {
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping duckdb: %w", err)
	}
	return db, nil
}

// NewDuckDBEngine creates an engine on db.
func NewDuckDBEngine(db *sql.DB, logger *slog.Logger) *DuckDBEngine {
	if logger == nil {
		logger = slog.Default()
	}
	return &DuckDBEngine{db: db, logger: logger.With("component", "duckdb-engine")}
}

// Execute runs query and returns at most maxRows rows. When more rows exist
// a truncation warning is added. A query running past timeoutSeconds fails
// with domain.ErrEngineTimeout.
func (e *DuckDBEngine) Execute(ctx context.Context, query string, timeoutSeconds, maxRows int) (*domain.EngineResult, error) {
	if timeoutSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(timeoutSeconds)*time.Second)
		defer cancel()
	}

	start := time.Now()
	rows, err := e.db.QueryContext(ctx, query)
	if err != nil {
		return nil, classify(ctx, err)
	}
	defer rows.Close() //nolint:errcheck

	cols, err := rows.Columns()
	if err != nil {
		return nil, classify(ctx, err)
	}

	res := &domain.EngineResult{Result: domain.QueryResult{Columns: cols, Rows: make([][]interface{}, 0)}}
	truncated := false
	for rows.Next() {
		if maxRows > 0 && len(res.Result.Rows) >= maxRows {
			truncated = true
			break
		}
		values := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, classify(ctx, err)
		}
		for i, v := range values {
			if b, ok := v.([]byte); ok {
				values[i] = string(b)
			}
		}
		res.BytesScanned += approxSize(values)
		res.Result.Rows = append(res.Result.Rows, values)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(ctx, err)
	}

	if truncated {
		res.Warnings = append(res.Warnings, fmt.Sprintf("result truncated to %d rows", maxRows))
	} else {
		total := int64(len(res.Result.Rows))
		res.TotalRows = &total
	}
	res.ExecutionTimeSeconds = time.Since(start).Seconds()
	e.logger.Debug("query executed", "rows", len(res.Result.Rows), "truncated", truncated,
		"seconds", res.ExecutionTimeSeconds)
	return res, nil
}

// ValidateSQL plans the statement with EXPLAIN without running it.
func (e *DuckDBEngine) ValidateSQL(ctx context.Context, query string) (*domain.SQLValidation, error) {
	rows, err := e.db.QueryContext(ctx, "EXPLAIN "+query)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return &domain.SQLValidation{Valid: false, ErrorMessage: err.Error()}, nil
	}
	_ = rows.Close()

	v := &domain.SQLValidation{Valid: true}
	if !isReadOnly(query) {
		v.Warnings = append(v.Warnings, "statement is not a read-only query")
	}
	return v, nil
}

func classify(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", domain.ErrEngineTimeout, err)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

var readOnlyPrefixes = []string{"select", "with", "from", "values", "show", "describe", "summarize", "explain", "table"}

func isReadOnly(query string) bool {
	q := strings.ToLower(strings.TrimLeft(query, " \t\r\n("))
	for _, p := range readOnlyPrefixes {
		if strings.HasPrefix(q, p) {
			return true
		}
	}
	return false
}

func approxSize(values []interface{}) int64 {
	var n int64
	for _, v := range values {
		switch x := v.(type) {
		case nil:
		case string:
			n += int64(len(x))
		case bool, int8, uint8:
			n++
		case int16, uint16:
			n += 2
		case int32, uint32, float32:
			n += 4
		default:
			n += 8
		}
	}
	return n
}
