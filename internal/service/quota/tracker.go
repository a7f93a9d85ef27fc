// Package quota implements per-user admission control over ad-hoc queries.
package quota

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sethvargo/go-retry"

	"duck-adhoc/internal/domain"
)

const (
	defaultMaxRetries = 10
	retryBase         = 2 * time.Millisecond
	retryCap          = 50 * time.Millisecond
)

// Limits are the per-user allowances.
type Limits struct {
	PerHour int
	PerDay  int
}

// Status is a snapshot of a user's usage against the limits.
type Status struct {
	UserID          string    `json:"user_id"`
	QueriesThisHour int       `json:"queries_this_hour"`
	QueriesToday    int       `json:"queries_today"`
	HourlyLimit     int       `json:"hourly_limit"`
	DailyLimit      int       `json:"daily_limit"`
	HourlyResetAt   time.Time `json:"hourly_reset_at"`
	DailyResetAt    time.Time `json:"daily_reset_at"`
}

// Tracker loads, checks and increments user quotas. Writes are
// compare-and-swap on the quota version; a lost race re-reads and retries
// with jittered backoff up to MaxRetries before surfacing a TransientError.
type Tracker struct {
	repo       domain.QuotaRepository
	limits     Limits
	clock      clock.Clock
	maxRetries uint64
	logger     *slog.Logger
	onConflict func()
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock sets the time source.
func WithClock(c clock.Clock) Option { return func(t *Tracker) { t.clock = c } }

// WithMaxRetries bounds the number of CAS retries per increment.
func WithMaxRetries(n int) Option {
	return func(t *Tracker) {
		if n >= 0 {
			t.maxRetries = uint64(n)
		}
	}
}

// WithConflictHook registers a callback run on every lost CAS race.
func WithConflictHook(fn func()) Option { return func(t *Tracker) { t.onConflict = fn } }

// NewTracker creates a Tracker.
func NewTracker(repo domain.QuotaRepository, limits Limits, logger *slog.Logger, opts ...Option) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	t := &Tracker{
		repo:       repo,
		limits:     limits,
		clock:      clock.New(),
		maxRetries: defaultMaxRetries,
		logger:     logger.With("component", "quota-tracker"),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Limits returns the configured allowances.
func (t *Tracker) Limits() Limits { return t.limits }

// load returns the user's quota, creating it on first use. A concurrent
// creator wins and the loser re-reads.
func (t *Tracker) load(ctx context.Context, userID string) (*domain.UserQuota, error) {
	q, err := t.repo.Get(ctx, userID)
	if err == nil {
		return q, nil
	}
	var notFound *domain.NotFoundError
	if !errors.As(err, &notFound) {
		return nil, fmt.Errorf("load quota: %w", err)
	}

	q = domain.NewUserQuota(userID, t.clock.Now())
	err = t.repo.Create(ctx, q)
	if err == nil {
		return q, nil
	}
	var conflict *domain.ConflictError
	if !errors.As(err, &conflict) {
		return nil, fmt.Errorf("create quota: %w", err)
	}
	q, err = t.repo.Get(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("reload quota: %w", err)
	}
	return q, nil
}

// Check admits or rejects a submission. It never writes the counters.
func (t *Tracker) Check(ctx context.Context, userID string) error {
	q, err := t.load(ctx, userID)
	if err != nil {
		return err
	}
	now := t.clock.Now()

	var window domain.QuotaWindow
	var limit, used int
	switch {
	case q.IsHourlyLimitExceeded(t.limits.PerHour, now):
		window, limit, used = domain.QuotaWindowHourly, t.limits.PerHour, q.QueriesThisHour
	case q.IsDailyLimitExceeded(t.limits.PerDay, now):
		window, limit, used = domain.QuotaWindowDaily, t.limits.PerDay, q.QueriesToday
	default:
		return nil
	}

	t.logger.Info("quota exceeded", "user_id", userID, "window", window, "limit", limit, "used", used)
	return &domain.QuotaExceededError{
		UserID:        userID,
		Window:        window,
		Limit:         limit,
		Used:          used,
		HourlyResetAt: domain.NextHourlyReset(now),
		DailyResetAt:  domain.NextDailyReset(now),
	}
}

// Increment counts one query for userID and returns the stored quota.
func (t *Tracker) Increment(ctx context.Context, userID string) (*domain.UserQuota, error) {
	backoff := retry.WithMaxRetries(t.maxRetries,
		retry.WithCappedDuration(retryCap,
			retry.WithJitterPercent(50, retry.NewExponential(retryBase))))

	var result *domain.UserQuota
	attempts := 0
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempts++
		q, err := t.load(ctx, userID)
		if err != nil {
			return err
		}
		q.IncrementUsage(t.clock.Now())
		err = t.repo.CompareAndSwap(ctx, q)
		var conflict *domain.ConflictError
		if errors.As(err, &conflict) {
			if t.onConflict != nil {
				t.onConflict()
			}
			return retry.RetryableError(err)
		}
		if err != nil {
			return err
		}
		result = q
		return nil
	})
	if err == nil {
		return result, nil
	}

	var conflict *domain.ConflictError
	if errors.As(err, &conflict) {
		t.logger.Warn("quota update retries exhausted", "user_id", userID, "attempts", attempts)
		return nil, &domain.TransientError{
			Message: fmt.Sprintf("quota update for user %q kept conflicting after %d attempts", userID, attempts),
			Err:     err,
		}
	}
	return nil, err
}

// Status returns the user's current usage with reset instants. Windows are
// rolled in memory only.
func (t *Tracker) Status(ctx context.Context, userID string) (*Status, error) {
	q, err := t.load(ctx, userID)
	if err != nil {
		return nil, err
	}
	now := t.clock.Now()
	q.Refresh(now)
	return &Status{
		UserID:          userID,
		QueriesThisHour: q.QueriesThisHour,
		QueriesToday:    q.QueriesToday,
		HourlyLimit:     t.limits.PerHour,
		DailyLimit:      t.limits.PerDay,
		HourlyResetAt:   domain.NextHourlyReset(now),
		DailyResetAt:    domain.NextDailyReset(now),
	}, nil
}
