package domain

import "time"

// UserQuota holds a user's rolling hourly and daily query counters. Version
// is the optimistic-concurrency field: a write succeeds only when the stored
// version still equals the version that was read.
//
// Windows are keyed by absolute instants (UTC midnight for the day, UTC
// top-of-hour for the hour) so a quota dormant for any number of windows
// rolls straight to the current one.
type UserQuota struct {
	UserID          string
	QueriesToday    int
	QueriesThisHour int
	LastQueryDate   time.Time
	LastQueryHour   time.Time
	Version         int64
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// NewUserQuota returns a zeroed quota positioned on the windows of now.
func NewUserQuota(userID string, now time.Time) *UserQuota {
	return &UserQuota{
		UserID:        userID,
		LastQueryDate: DayStart(now),
		LastQueryHour: HourStart(now),
		CreatedAt:     now.UTC(),
		UpdatedAt:     now.UTC(),
	}
}

// DayStart returns UTC midnight of the day containing t.
func DayStart(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// HourStart returns the UTC top-of-hour containing t.
func HourStart(t time.Time) time.Time {
	return t.UTC().Truncate(time.Hour)
}

// NextHourlyReset returns the next top-of-hour after t.
func NextHourlyReset(t time.Time) time.Time {
	return HourStart(t).Add(time.Hour)
}

// NextDailyReset returns the next UTC midnight after t.
func NextDailyReset(t time.Time) time.Time {
	return DayStart(t).AddDate(0, 0, 1)
}

// Refresh rolls both windows to now. The day and hour checks are independent.
func (q *UserQuota) Refresh(now time.Time) {
	if day := DayStart(now); !day.Equal(q.LastQueryDate) {
		q.QueriesToday = 0
		q.LastQueryDate = day
	}
	if hour := HourStart(now); !hour.Equal(q.LastQueryHour) {
		q.QueriesThisHour = 0
		q.LastQueryHour = hour
	}
}

// IncrementUsage refreshes and counts one query in both windows. It mutates
// only the in-memory copy; persisting it is a versioned write.
func (q *UserQuota) IncrementUsage(now time.Time) {
	q.Refresh(now)
	q.QueriesToday++
	q.QueriesThisHour++
	q.UpdatedAt = now.UTC()
}

// IsHourlyLimitExceeded refreshes and reports whether the hourly allowance is spent.
func (q *UserQuota) IsHourlyLimitExceeded(limit int, now time.Time) bool {
	q.Refresh(now)
	return q.QueriesThisHour >= limit
}

// IsDailyLimitExceeded refreshes and reports whether the daily allowance is spent.
func (q *UserQuota) IsDailyLimitExceeded(limit int, now time.Time) bool {
	q.Refresh(now)
	return q.QueriesToday >= limit
}

// Clone returns an independent copy.
func (q *UserQuota) Clone() *UserQuota {
	c := *q
	return &c
}
