package vault

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"duck-adhoc/internal/domain"
	"duck-adhoc/internal/metrics"
)

var sample = domain.QueryResult{
	Columns: []string{"a", "b"},
	Rows:    [][]interface{}{{"x,y", "z"}, {int64(1), nil}},
}

func newTestVault(t *testing.T, cfg Config) (*Vault, *MemoryStore, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock()
	mock.Set(time.Date(2026, 3, 14, 9, 30, 15, 500, time.UTC))
	if cfg.Secret == "" {
		cfg.Secret = "test-secret"
	}
	if cfg.Expiration == 0 {
		cfg.Expiration = 24 * time.Hour
	}
	store := NewMemoryStore()
	return New(store, cfg, nil, WithClock(mock)), store, mock
}

func TestVault_StoreThenDownloadReturnsExactBytes(t *testing.T) {
	t.Parallel()

	v, _, mock := newTestVault(t, Config{BaseURL: "https://gov.example.com/"})
	ctx := context.Background()

	rcpt, err := v.Store(ctx, "q-1", sample, domain.ResultFormatCSV)
	require.NoError(t, err)
	require.NotNil(t, rcpt)
	assert.Equal(t, 2, rcpt.RowCount)
	assert.Equal(t, time.Date(2026, 3, 15, 9, 30, 15, 0, time.UTC), rcpt.ExpiresAt)

	u, err := url.Parse(rcpt.DownloadURL)
	require.NoError(t, err)
	assert.Equal(t, "/results/q-1/download", u.Path)
	assert.Equal(t, "gov.example.com", u.Host)
	assert.Equal(t, "csv", u.Query().Get("format"))
	assert.Equal(t, rcpt.Token, u.Query().Get("token"))

	data, err := v.GetResultForDownload(ctx, "q-1", "csv", rcpt.Token)
	require.NoError(t, err)
	assert.Equal(t, "a,b\n\"x,y\",z\n1,\n", string(data))

	mock.Add(24*time.Hour - time.Second)
	_, err = v.GetResultForDownload(ctx, "q-1", "csv", rcpt.Token)
	require.NoError(t, err)

	mock.Add(2 * time.Second)
	_, err = v.GetResultForDownload(ctx, "q-1", "csv", rcpt.Token)
	var invalid *domain.InvalidDownloadTokenError
	require.ErrorAs(t, err, &invalid)
}

func TestVault_ExpiredEntryIsEvicted(t *testing.T) {
	t.Parallel()

	v, store, _ := newTestVault(t, Config{})
	ctx := context.Background()

	rcpt, err := v.Store(ctx, "q-1", sample, domain.ResultFormatCSV)
	require.NoError(t, err)

	// Force the stored entry's expiry into the past while the token stays valid.
	r, err := store.Get(ctx, "q-1")
	require.NoError(t, err)
	r.ExpiresAt = r.CreatedAt.Add(-time.Minute)
	require.NoError(t, store.Put(ctx, r))

	_, err = v.GetResultForDownload(ctx, "q-1", "csv", rcpt.Token)
	var notFound *domain.ResultNotFoundError
	require.ErrorAs(t, err, &notFound)

	_, err = store.Get(ctx, "q-1")
	require.ErrorAs(t, err, &notFound, "entry evicted on access")

	has, err := v.Has(ctx, "q-1")
	require.NoError(t, err)
	assert.False(t, has)
	assert.Equal(t, Stats{}, store.Stats())
}

// restoringStore re-stores a fresh copy of an entry right after Get hands
// out the stale one.
type restoringStore struct {
	*MemoryStore
	fresh *domain.StoredResult
}

func (s *restoringStore) Get(ctx context.Context, queryID string) (*domain.StoredResult, error) {
	r, err := s.MemoryStore.Get(ctx, queryID)
	if err == nil && s.fresh != nil {
		fresh := s.fresh
		s.fresh = nil
		if err := s.MemoryStore.Put(ctx, fresh); err != nil {
			return nil, err
		}
	}
	return r, err
}

func TestVault_EvictionKeepsReplacedEntry(t *testing.T) {
	t.Parallel()

	mock := clock.NewMock()
	mock.Set(time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC))
	now := mock.Now()
	store := &restoringStore{MemoryStore: NewMemoryStore()}
	v := New(store, Config{Secret: "test-secret", Expiration: time.Hour}, nil, WithClock(mock))
	ctx := context.Background()

	require.NoError(t, store.MemoryStore.Put(ctx, &domain.StoredResult{
		QueryID: "q-1", Format: domain.ResultFormatCSV, Data: []byte("old"),
		ExpiresAt: now.Add(-time.Minute), CreatedAt: now.Add(-time.Hour),
	}))
	store.fresh = &domain.StoredResult{
		QueryID: "q-1", Format: domain.ResultFormatCSV, Data: []byte("new"),
		ExpiresAt: now.Add(time.Hour), CreatedAt: now,
	}

	has, err := v.Has(ctx, "q-1")
	require.NoError(t, err)
	assert.False(t, has, "the entry read was expired")

	got, err := store.MemoryStore.Get(ctx, "q-1")
	require.NoError(t, err, "the re-stored entry survives eviction")
	assert.Equal(t, []byte("new"), got.Data)
	assert.Equal(t, Stats{Entries: 1, Bytes: 3}, store.Stats())
}

func TestMemoryStore_DeleteIfExpired(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

	require.NoError(t, store.Put(ctx, &domain.StoredResult{QueryID: "live", Data: []byte("ab"), ExpiresAt: now.Add(time.Second)}))
	require.NoError(t, store.Put(ctx, &domain.StoredResult{QueryID: "dead", Data: []byte("c"), ExpiresAt: now.Add(-time.Second)}))

	deleted, err := store.DeleteIfExpired(ctx, "live", now)
	require.NoError(t, err)
	assert.False(t, deleted)

	deleted, err = store.DeleteIfExpired(ctx, "dead", now)
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = store.DeleteIfExpired(ctx, "absent", now)
	require.NoError(t, err)
	assert.False(t, deleted)
	assert.Equal(t, Stats{Entries: 1, Bytes: 2}, store.Stats())
}

func TestVault_HasEvictsStale(t *testing.T) {
	t.Parallel()

	v, store, mock := newTestVault(t, Config{Expiration: time.Hour})
	ctx := context.Background()

	_, err := v.Store(ctx, "q-1", sample, domain.ResultFormatCSV)
	require.NoError(t, err)

	has, err := v.Has(ctx, "q-1")
	require.NoError(t, err)
	assert.True(t, has)

	mock.Add(2 * time.Hour)
	has, err = v.Has(ctx, "q-1")
	require.NoError(t, err)
	assert.False(t, has)
	assert.Equal(t, 0, store.Stats().Entries)
}

func TestVault_RetrievalErrorOrder(t *testing.T) {
	t.Parallel()

	v, _, mock := newTestVault(t, Config{})
	ctx := context.Background()

	rcpt, err := v.Store(ctx, "q-1", sample, domain.ResultFormatCSV)
	require.NoError(t, err)

	t.Run("token for another query", func(t *testing.T) {
		_, err := v.GetResultForDownload(ctx, "q-2", "csv", rcpt.Token)
		var invalid *domain.InvalidDownloadTokenError
		require.ErrorAs(t, err, &invalid)
	})

	t.Run("valid token, nothing stored", func(t *testing.T) {
		token := v.Signer().Generate("q-missing", domain.ResultFormatCSV, mock.Now().Add(time.Hour))
		_, err := v.GetResultForDownload(ctx, "q-missing", "csv", token)
		var notFound *domain.ResultNotFoundError
		require.ErrorAs(t, err, &notFound)
	})

	t.Run("valid token, unsupported format", func(t *testing.T) {
		token := v.Signer().Generate("q-1", "parquet", mock.Now().Add(time.Hour))
		_, err := v.GetResultForDownload(ctx, "q-1", "parquet", token)
		var unsupported *domain.UnsupportedFormatError
		require.ErrorAs(t, err, &unsupported)
	})
}

func TestVault_StoreNoops(t *testing.T) {
	t.Parallel()

	v, store, _ := newTestVault(t, Config{})
	ctx := context.Background()

	rcpt, err := v.Store(ctx, "q-1", sample, "")
	require.NoError(t, err)
	assert.Nil(t, rcpt)

	rcpt, err = v.Store(ctx, "q-2", domain.QueryResult{Columns: []string{"a"}}, domain.ResultFormatCSV)
	require.NoError(t, err)
	assert.Nil(t, rcpt)

	assert.Equal(t, 0, store.Stats().Entries)
}

func TestVault_SizeBound(t *testing.T) {
	t.Parallel()

	v, store, _ := newTestVault(t, Config{MaxBytes: 8})

	rcpt, err := v.Store(context.Background(), "q-1", sample, domain.ResultFormatCSV)
	assert.Nil(t, rcpt)
	var tooLarge *ResultTooLargeError
	require.ErrorAs(t, err, &tooLarge)
	assert.Equal(t, int64(8), tooLarge.Limit)
	assert.Equal(t, 0, store.Stats().Entries)
}

func TestVault_SweepAndMetrics(t *testing.T) {
	t.Parallel()

	mock := clock.NewMock()
	m := metrics.New(prometheus.NewRegistry())
	store := NewMemoryStore()
	v := New(store, Config{Secret: "s", Expiration: time.Hour}, nil, WithClock(mock), WithMetrics(m))
	ctx := context.Background()

	_, err := v.Store(ctx, "old", sample, domain.ResultFormatCSV)
	require.NoError(t, err)
	mock.Add(30 * time.Minute)
	rcpt, err := v.Store(ctx, "new", sample, domain.ResultFormatCSV)
	require.NoError(t, err)
	assert.InDelta(t, 2, testutil.ToFloat64(m.VaultEntries), 0)

	mock.Add(45 * time.Minute)
	n, err := v.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.InDelta(t, 1, testutil.ToFloat64(m.VaultEntries), 0)

	n, err = v.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "nothing left to evict")

	_, err = v.GetResultForDownload(ctx, "new", "csv", rcpt.Token)
	require.NoError(t, err)
	_, _ = v.GetResultForDownload(ctx, "new", "csv", "garbage")
	assert.InDelta(t, 1, testutil.ToFloat64(m.Downloads.WithLabelValues(metrics.DownloadServed)), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.Downloads.WithLabelValues(metrics.DownloadBadToken)), 0)
}

func TestMemoryStore_ConcurrentAccess(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := string(rune('a' + i%26))
			_ = store.Put(ctx, &domain.StoredResult{
				QueryID: id, Data: []byte("x"), ExpiresAt: now.Add(time.Duration(i%3-1) * time.Hour),
			})
			_, _ = store.Get(ctx, id)
			if i%7 == 0 {
				_, _ = store.SweepExpired(ctx, now)
			}
			if i%5 == 0 {
				_ = store.Delete(ctx, id)
			}
		}(i)
	}
	wg.Wait()

	_, err := store.SweepExpired(ctx, now.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, Stats{}, store.Stats(), "counters return to zero")
}

func TestMemoryStore_SweepHonoursCancellation(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, store.Put(context.Background(), &domain.StoredResult{QueryID: "q"}))

	_, err := store.SweepExpired(ctx, time.Now())
	assert.True(t, errors.Is(err, context.Canceled))
}
