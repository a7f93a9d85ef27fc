package repository

import (
	"context"
	"database/sql"
	"fmt"

	"duck-adhoc/internal/domain"
)

var _ domain.QuotaRepository = (*QuotaRepo)(nil)

// QuotaRepo stores user quotas in SQLite. Updates are conditional on the
// version column, giving compare-and-swap semantics without row locks.
type QuotaRepo struct {
	db *sql.DB
}

// NewQuotaRepo creates a new QuotaRepo on the write pool.
func NewQuotaRepo(db *sql.DB) *QuotaRepo {
	return &QuotaRepo{db: db}
}

// Get returns the quota for userID.
func (r *QuotaRepo) Get(ctx context.Context, userID string) (*domain.UserQuota, error) {
	var q domain.UserQuota
	err := r.db.QueryRowContext(ctx, `
		SELECT user_id, queries_today, queries_this_hour, last_query_date, last_query_hour,
		       version, created_at, updated_at
		FROM user_quotas WHERE user_id = ?
	`, userID).Scan(
		&q.UserID, &q.QueriesToday, &q.QueriesThisHour, &q.LastQueryDate, &q.LastQueryHour,
		&q.Version, &q.CreatedAt, &q.UpdatedAt,
	)
	if err != nil {
		return nil, mapDBError(err, fmt.Sprintf("quota for user %q", userID))
	}
	q.LastQueryDate = q.LastQueryDate.UTC()
	q.LastQueryHour = q.LastQueryHour.UTC()
	q.CreatedAt = q.CreatedAt.UTC()
	q.UpdatedAt = q.UpdatedAt.UTC()
	return &q, nil
}

// Create inserts a new quota row. A concurrent creator wins with a ConflictError
// for the loser, who should re-read.
func (r *QuotaRepo) Create(ctx context.Context, q *domain.UserQuota) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO user_quotas (user_id, queries_today, queries_this_hour, last_query_date,
		                         last_query_hour, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, q.UserID, q.QueriesToday, q.QueriesThisHour, q.LastQueryDate.UTC(), q.LastQueryHour.UTC(),
		q.Version, q.CreatedAt.UTC(), q.UpdatedAt.UTC())
	return mapDBError(err, fmt.Sprintf("quota for user %q", q.UserID))
}

// CompareAndSwap writes q if the stored version still equals q.Version.
func (r *QuotaRepo) CompareAndSwap(ctx context.Context, q *domain.UserQuota) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE user_quotas
		SET queries_today = ?, queries_this_hour = ?, last_query_date = ?, last_query_hour = ?,
		    updated_at = ?, version = version + 1
		WHERE user_id = ? AND version = ?
	`, q.QueriesToday, q.QueriesThisHour, q.LastQueryDate.UTC(), q.LastQueryHour.UTC(),
		q.UpdatedAt.UTC(), q.UserID, q.Version)
	if err != nil {
		return mapDBError(err, "quota")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return domain.ErrConflict("quota for user %q was modified concurrently (version %d)", q.UserID, q.Version)
	}
	q.Version++
	return nil
}
