// Package redisstore implements the quota repository on Redis so several
// governor replicas can share per-user counters.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"duck-adhoc/internal/domain"
)

var _ domain.QuotaRepository = (*QuotaRepo)(nil)

const defaultPrefix = "adhoc:quota:"

type quotaDoc struct {
	UserID          string    `json:"user_id"`
	QueriesToday    int       `json:"queries_today"`
	QueriesThisHour int       `json:"queries_this_hour"`
	LastQueryDate   time.Time `json:"last_query_date"`
	LastQueryHour   time.Time `json:"last_query_hour"`
	Version         int64     `json:"version"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

func toDoc(q *domain.UserQuota) quotaDoc {
	return quotaDoc{
		UserID:          q.UserID,
		QueriesToday:    q.QueriesToday,
		QueriesThisHour: q.QueriesThisHour,
		LastQueryDate:   q.LastQueryDate.UTC(),
		LastQueryHour:   q.LastQueryHour.UTC(),
		Version:         q.Version,
		CreatedAt:       q.CreatedAt.UTC(),
		UpdatedAt:       q.UpdatedAt.UTC(),
	}
}

func (d quotaDoc) toDomain() *domain.UserQuota {
	return &domain.UserQuota{
		UserID:          d.UserID,
		QueriesToday:    d.QueriesToday,
		QueriesThisHour: d.QueriesThisHour,
		LastQueryDate:   d.LastQueryDate,
		LastQueryHour:   d.LastQueryHour,
		Version:         d.Version,
		CreatedAt:       d.CreatedAt,
		UpdatedAt:       d.UpdatedAt,
	}
}

// QuotaRepo stores one JSON document per user. CompareAndSwap uses
// WATCH/MULTI so a concurrent writer aborts the transaction instead of
// overwriting it.
type QuotaRepo struct {
	client redis.UniversalClient
	prefix string
}

// NewQuotaRepo creates a QuotaRepo. An empty prefix uses "adhoc:quota:".
func NewQuotaRepo(client redis.UniversalClient, prefix string) *QuotaRepo {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &QuotaRepo{client: client, prefix: prefix}
}

func (r *QuotaRepo) key(userID string) string { return r.prefix + userID }

// Get returns the quota for userID.
func (r *QuotaRepo) Get(ctx context.Context, userID string) (*domain.UserQuota, error) {
	doc, err := r.load(ctx, r.client, userID)
	if err != nil {
		return nil, err
	}
	return doc.toDomain(), nil
}

func (r *QuotaRepo) load(ctx context.Context, c redis.Cmdable, userID string) (quotaDoc, error) {
	raw, err := c.Get(ctx, r.key(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return quotaDoc{}, domain.ErrNotFound("quota for user %q not found", userID)
	}
	if err != nil {
		return quotaDoc{}, fmt.Errorf("redis get quota: %w", err)
	}
	var doc quotaDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return quotaDoc{}, fmt.Errorf("decode quota for user %q: %w", userID, err)
	}
	return doc, nil
}

// Create stores a new quota document if none exists.
func (r *QuotaRepo) Create(ctx context.Context, q *domain.UserQuota) error {
	raw, err := json.Marshal(toDoc(q))
	if err != nil {
		return fmt.Errorf("encode quota: %w", err)
	}
	ok, err := r.client.SetNX(ctx, r.key(q.UserID), raw, 0).Result()
	if err != nil {
		return fmt.Errorf("redis create quota: %w", err)
	}
	if !ok {
		return domain.ErrConflict("quota for user %q already exists", q.UserID)
	}
	return nil
}

// CompareAndSwap writes q if the stored version still equals q.Version. A
// missing document is a conflict, as in the SQLite repository.
func (r *QuotaRepo) CompareAndSwap(ctx context.Context, q *domain.UserQuota) error {
	key := r.key(q.UserID)
	next := toDoc(q)
	next.Version = q.Version + 1
	raw, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("encode quota: %w", err)
	}

	err = r.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := r.load(ctx, tx, q.UserID)
		var notFound *domain.NotFoundError
		if errors.As(err, &notFound) {
			return domain.ErrConflict("quota for user %q no longer exists", q.UserID)
		}
		if err != nil {
			return err
		}
		if current.Version != q.Version {
			return domain.ErrConflict("quota for user %q was modified concurrently (version %d, stored %d)",
				q.UserID, q.Version, current.Version)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, raw, 0)
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return domain.ErrConflict("quota for user %q was modified concurrently", q.UserID)
	}
	if err != nil {
		return err
	}
	q.Version = next.Version
	return nil
}
