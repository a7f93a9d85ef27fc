package domain

import (
	"context"
	"errors"
	"time"
)

// ErrEngineTimeout is returned (possibly wrapped) by an ExecutionEngine when
// the query ran past its time bound.
var ErrEngineTimeout = errors.New("engine execution timed out")

// EngineResult is the output of a successful engine call.
type EngineResult struct {
	Result               QueryResult
	BytesScanned         int64
	CostEstimate         float64
	ExecutionTimeSeconds float64
	TotalRows            *int64 // rows the query would have produced before maxRows truncation, when known
	Warnings             []string
}

// SQLValidation is the outcome of a dry-run validation.
type SQLValidation struct {
	Valid        bool
	ErrorMessage string
	Warnings     []string
}

// ExecutionEngine runs ad-hoc SQL on a named backend. The governor never
// reaches a database directly. Implemented by engine.Registry.
type ExecutionEngine interface {
	Execute(ctx context.Context, sql, engine string, timeoutSeconds, maxRows int) (*EngineResult, error)
	ValidateSQL(ctx context.Context, sql, engine string) (*SQLValidation, error)
}

// ExecutionRepository persists the execution ledger. Create fails with a
// ConflictError when the query id already exists.
type ExecutionRepository interface {
	Create(ctx context.Context, e *Execution) error
	Update(ctx context.Context, e *Execution) error
	GetByQueryID(ctx context.Context, queryID string) (*Execution, error)
	ListByUser(ctx context.Context, userID string, page PageRequest) ([]Execution, int64, error)
}

// QuotaRepository persists user quotas with optimistic concurrency.
//
// CompareAndSwap writes q only if the stored version equals q.Version; on
// success q.Version is advanced to the stored value. A lost race returns a
// ConflictError and leaves q untouched.
type QuotaRepository interface {
	Get(ctx context.Context, userID string) (*UserQuota, error)
	Create(ctx context.Context, q *UserQuota) error
	CompareAndSwap(ctx context.Context, q *UserQuota) error
}

// ResultStore is the keyed backend behind the result vault. Get returns a
// ResultNotFoundError for absent keys. Delete is idempotent.
//
// DeleteIfExpired removes the entry only if the one currently stored is
// expired at now, so a result re-stored under the same id survives. It
// reports whether an entry was removed.
type ResultStore interface {
	Put(ctx context.Context, r *StoredResult) error
	Get(ctx context.Context, queryID string) (*StoredResult, error)
	Delete(ctx context.Context, queryID string) error
	DeleteIfExpired(ctx context.Context, queryID string, now time.Time) (bool, error)
	SweepExpired(ctx context.Context, now time.Time) (int, error)
}
