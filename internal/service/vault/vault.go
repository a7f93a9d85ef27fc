// Package vault stores completed query results for a limited time and hands
// out signed capability tokens for downloading them.
package vault

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/benbjohnson/clock"

	"duck-adhoc/internal/domain"
	"duck-adhoc/internal/metrics"
)

// Stats describes the footprint of a store that can report it.
type Stats struct {
	Entries int   `json:"entries"`
	Bytes   int64 `json:"bytes"`
}

type statser interface {
	Stats() Stats
}

// ResultTooLargeError is returned by Store when the serialized result is
// above the configured size bound. Nothing is stored.
type ResultTooLargeError struct {
	QueryID string
	Size    int
	Limit   int64
}

func (e *ResultTooLargeError) Error() string {
	return fmt.Sprintf("result for query %q is %d bytes, above the %d byte limit", e.QueryID, e.Size, e.Limit)
}

// Receipt describes a stored result.
type Receipt struct {
	DownloadURL string
	Token       string
	ExpiresAt   time.Time
	Bytes       int
	RowCount    int
}

// Config holds vault settings.
type Config struct {
	Secret     string
	Expiration time.Duration
	MaxBytes   int64 // 0 disables the size bound
	BaseURL    string
}

// Vault wraps a ResultStore with serialization, expiry and token checks.
type Vault struct {
	store   domain.ResultStore
	signer  *Signer
	cfg     Config
	clock   clock.Clock
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// Option configures a Vault.
type Option func(*Vault)

// WithClock sets the time source.
func WithClock(c clock.Clock) Option { return func(v *Vault) { v.clock = c } }

// WithMetrics records vault activity on m.
func WithMetrics(m *metrics.Metrics) Option { return func(v *Vault) { v.metrics = m } }

// New creates a Vault.
func New(store domain.ResultStore, cfg Config, logger *slog.Logger, opts ...Option) *Vault {
	if logger == nil {
		logger = slog.Default()
	}
	v := &Vault{
		store:  store,
		signer: NewSigner(cfg.Secret),
		cfg:    cfg,
		clock:  clock.New(),
		logger: logger.With("component", "result-vault"),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Signer returns the token signer.
func (v *Vault) Signer() *Signer { return v.signer }

// Store serializes result in format and stores it until now+Expiration. It
// returns nil without storing when format is empty or there are no rows.
func (v *Vault) Store(ctx context.Context, queryID string, result domain.QueryResult, format domain.ResultFormat) (*Receipt, error) {
	if format == "" || len(result.Rows) == 0 {
		return nil, nil
	}
	if format != domain.ResultFormatCSV {
		return nil, &domain.UnsupportedFormatError{Format: string(format)}
	}

	data := EncodeCSV(result)
	if v.cfg.MaxBytes > 0 && int64(len(data)) > v.cfg.MaxBytes {
		v.logger.Warn("result above size bound, not stored",
			"query_id", queryID, "bytes", len(data), "limit", v.cfg.MaxBytes)
		return nil, &ResultTooLargeError{QueryID: queryID, Size: len(data), Limit: v.cfg.MaxBytes}
	}

	now := v.clock.Now().UTC()
	// Token expiry has second precision; truncating keeps the entry and its
	// token expiring at the same instant.
	expiresAt := now.Add(v.cfg.Expiration).Truncate(time.Second)
	if err := v.store.Put(ctx, &domain.StoredResult{
		QueryID:   queryID,
		Format:    format,
		Data:      data,
		RowCount:  len(result.Rows),
		ExpiresAt: expiresAt,
		CreatedAt: now,
	}); err != nil {
		return nil, fmt.Errorf("store result: %w", err)
	}

	token := v.signer.Generate(queryID, format, expiresAt)
	v.metrics.ObserveStored(len(data))
	v.refreshGauges()
	v.logger.Debug("result stored", "query_id", queryID, "bytes", len(data), "expires_at", expiresAt)

	return &Receipt{
		DownloadURL: v.downloadURL(queryID, format, token),
		Token:       token,
		ExpiresAt:   expiresAt,
		Bytes:       len(data),
		RowCount:    len(result.Rows),
	}, nil
}

func (v *Vault) downloadURL(queryID string, format domain.ResultFormat, token string) string {
	q := url.Values{}
	q.Set("format", string(format))
	q.Set("token", token)
	return strings.TrimRight(v.cfg.BaseURL, "/") + "/results/" + url.PathEscape(queryID) + "/download?" + q.Encode()
}

// GetResultForDownload validates token, then returns the stored bytes. An
// expired entry is evicted and reported as not found.
func (v *Vault) GetResultForDownload(ctx context.Context, queryID, format, token string) ([]byte, error) {
	if err := v.signer.Validate(token, queryID, format, v.clock.Now()); err != nil {
		var invalid *domain.InvalidDownloadTokenError
		if errors.As(err, &invalid) {
			v.logger.Info("download token rejected", "query_id", queryID, "reason", invalid.Reason)
		}
		v.metrics.ObserveDownload(metrics.DownloadBadToken)
		return nil, err
	}

	r, err := v.lookup(ctx, queryID)
	if err != nil {
		var notFound *domain.ResultNotFoundError
		if errors.As(err, &notFound) {
			v.metrics.ObserveDownload(metrics.DownloadNotFound)
		}
		return nil, err
	}

	f, err := domain.ParseResultFormat(format)
	if err != nil || f != r.Format {
		v.metrics.ObserveDownload(metrics.DownloadUnsupported)
		return nil, &domain.UnsupportedFormatError{Format: format}
	}
	v.metrics.ObserveDownload(metrics.DownloadServed)
	return r.Data, nil
}

// Has reports whether an unexpired result exists, evicting a stale one. It
// does not check any token and is not exposed over HTTP.
func (v *Vault) Has(ctx context.Context, queryID string) (bool, error) {
	_, err := v.lookup(ctx, queryID)
	if err == nil {
		return true, nil
	}
	var notFound *domain.ResultNotFoundError
	if errors.As(err, &notFound) {
		return false, nil
	}
	return false, err
}

func (v *Vault) lookup(ctx context.Context, queryID string) (*domain.StoredResult, error) {
	r, err := v.store.Get(ctx, queryID)
	if err != nil {
		return nil, err
	}
	if now := v.clock.Now(); r.IsExpired(now) {
		if _, err := v.store.DeleteIfExpired(ctx, queryID, now); err != nil {
			v.logger.Warn("evict expired result failed", "query_id", queryID, "error", err)
		}
		v.refreshGauges()
		return nil, &domain.ResultNotFoundError{QueryID: queryID}
	}
	return r, nil
}

// Sweep evicts every entry expired at the current time.
func (v *Vault) Sweep(ctx context.Context) (int, error) {
	n, err := v.store.SweepExpired(ctx, v.clock.Now())
	v.refreshGauges()
	return n, err
}

// Stats reports the store footprint when the store can report it.
func (v *Vault) Stats() (Stats, bool) {
	s, ok := v.store.(statser)
	if !ok {
		return Stats{}, false
	}
	return s.Stats(), true
}

func (v *Vault) refreshGauges() {
	if st, ok := v.Stats(); ok {
		v.metrics.SetVaultSize(st.Entries, st.Bytes)
	}
}
