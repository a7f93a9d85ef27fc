package vault

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"duck-adhoc/internal/config"
	"duck-adhoc/internal/domain"
)

var _ domain.ResultStore = (*S3Store)(nil)

// Object metadata keys. S3 returns user metadata keys lower-cased.
const (
	metaExpiresAt = "expires-at"
	metaCreatedAt = "created-at"
	metaFormat    = "format"
	metaRowCount  = "row-count"
)

// s3API is the subset of *s3.Client used by S3Store.
type s3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, opts ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// S3Store keeps results as objects in an S3-compatible bucket, one object per
// query id. Expiry is carried in object metadata.
type S3Store struct {
	client s3API
	bucket string
	prefix string
	logger *slog.Logger
}

// NewS3Store creates an S3Store from config, using path-style addressing
// for S3-compatible providers.
func NewS3Store(cfg config.S3Config, logger *slog.Logger) *S3Store {
	endpoint := cfg.Endpoint
	if !strings.Contains(endpoint, "://") {
		endpoint = "https://" + endpoint
	}
	client := s3.New(s3.Options{
		Region:       cfg.Region,
		Credentials:  credentials.NewStaticCredentialsProvider(cfg.KeyID, cfg.Secret, ""),
		BaseEndpoint: aws.String(endpoint),
		UsePathStyle: true,
	})
	return newS3Store(client, cfg.Bucket, cfg.Prefix, logger)
}

func newS3Store(client s3API, bucket, prefix string, logger *slog.Logger) *S3Store {
	if logger == nil {
		logger = slog.Default()
	}
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &S3Store{
		client: client,
		bucket: bucket,
		prefix: prefix,
		logger: logger.With("component", "s3-result-store"),
	}
}

func (s *S3Store) key(queryID string) string { return s.prefix + queryID }

// Put uploads the result bytes with expiry metadata.
func (s *S3Store) Put(ctx context.Context, r *domain.StoredResult) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(s.key(r.QueryID)),
		Body:          bytes.NewReader(r.Data),
		ContentLength: aws.Int64(int64(len(r.Data))),
		ContentType:   aws.String(contentType(r.Format)),
		Metadata: map[string]string{
			metaExpiresAt: r.ExpiresAt.UTC().Format(time.RFC3339),
			metaCreatedAt: r.CreatedAt.UTC().Format(time.RFC3339),
			metaFormat:    string(r.Format),
			metaRowCount:  strconv.Itoa(r.RowCount),
		},
	})
	if err != nil {
		return fmt.Errorf("put result %q: %w", r.QueryID, err)
	}
	return nil
}

// Get downloads the result for queryID.
func (s *S3Store) Get(ctx context.Context, queryID string) (*domain.StoredResult, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(queryID)),
	})
	if err != nil {
		if isMissing(err) {
			return nil, &domain.ResultNotFoundError{QueryID: queryID}
		}
		return nil, fmt.Errorf("get result %q: %w", queryID, err)
	}
	defer out.Body.Close() //nolint:errcheck

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("read result %q: %w", queryID, err)
	}
	r, err := fromMetadata(queryID, out.Metadata)
	if err != nil {
		return nil, err
	}
	r.Data = data
	return r, nil
}

// Delete removes the object for queryID. S3 deletes are idempotent.
func (s *S3Store) Delete(ctx context.Context, queryID string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(queryID)),
	})
	if err != nil && !isMissing(err) {
		return fmt.Errorf("delete result %q: %w", queryID, err)
	}
	return nil
}

// DeleteIfExpired removes the object for queryID if its expiry metadata is
// before now. The delete is conditional on the ETag that was inspected, so an
// object replaced in between is kept.
func (s *S3Store) DeleteIfExpired(ctx context.Context, queryID string, now time.Time) (bool, error) {
	return s.deleteKeyIfExpired(ctx, s.key(queryID), now)
}

func (s *S3Store) deleteKeyIfExpired(ctx context.Context, key string, now time.Time) (bool, error) {
	head, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isMissing(err) {
			return false, nil
		}
		return false, fmt.Errorf("head result %q: %w", key, err)
	}
	r, err := fromMetadata(strings.TrimPrefix(key, s.prefix), head.Metadata)
	if err != nil || !r.IsExpired(now) {
		return false, nil
	}
	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket:  aws.String(s.bucket),
		Key:     aws.String(key),
		IfMatch: head.ETag,
	})
	switch {
	case err == nil:
		return true, nil
	case isMissing(err) || isPreconditionFailed(err):
		return false, nil
	default:
		return false, fmt.Errorf("delete result %q: %w", key, err)
	}
}

// SweepExpired lists the prefix and deletes objects whose expiry metadata is
// before now. Per-object failures are logged and joined; the sweep continues.
func (s *S3Store) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	pager := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.prefix),
	})

	evicted := 0
	var errs []error
	for pager.HasMorePages() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return evicted, errors.Join(append(errs, fmt.Errorf("list results: %w", err))...)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			deleted, err := s.deleteKeyIfExpired(ctx, key, now)
			if err != nil {
				s.logger.Warn("evict result failed", "key", key, "error", err)
				errs = append(errs, err)
				continue
			}
			if deleted {
				evicted++
			}
		}
	}
	return evicted, errors.Join(errs...)
}

func fromMetadata(queryID string, md map[string]string) (*domain.StoredResult, error) {
	expiresAt, err := time.Parse(time.RFC3339, md[metaExpiresAt])
	if err != nil {
		return nil, fmt.Errorf("result %q has invalid expiry metadata: %w", queryID, err)
	}
	createdAt, _ := time.Parse(time.RFC3339, md[metaCreatedAt])
	rows, _ := strconv.Atoi(md[metaRowCount])
	return &domain.StoredResult{
		QueryID:   queryID,
		Format:    domain.ResultFormat(md[metaFormat]),
		RowCount:  rows,
		ExpiresAt: expiresAt,
		CreatedAt: createdAt,
	}, nil
}

func isPreconditionFailed(err error) bool {
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == "PreconditionFailed"
}

func isMissing(err error) bool {
	var noKey *types.NoSuchKey
	var notFound *types.NotFound
	return errors.As(err, &noKey) || errors.As(err, &notFound)
}

func contentType(f domain.ResultFormat) string {
	if f == domain.ResultFormatCSV {
		return "text/csv"
	}
	return "application/octet-stream"
}
