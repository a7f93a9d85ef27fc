package domain

import (
	"strings"
	"time"
)

// ResultFormat identifies a serialization of stored results.
type ResultFormat string

// ResultFormatCSV is the only implemented result format.
const ResultFormatCSV ResultFormat = "csv"

// ParseResultFormat normalizes a format name. The empty string means no
// download was requested.
func ParseResultFormat(s string) (ResultFormat, error) {
	f := ResultFormat(strings.ToLower(strings.TrimSpace(s)))
	switch f {
	case "", ResultFormatCSV:
		return f, nil
	default:
		return "", &UnsupportedFormatError{Format: s}
	}
}

// QueryResult is the tabular output of an engine call. Columns fix the
// order of values in every row.
type QueryResult struct {
	Columns []string
	Rows    [][]interface{}
}

// StoredResult is one entry of the result vault.
type StoredResult struct {
	QueryID   string
	Format    ResultFormat
	Data      []byte
	RowCount  int
	ExpiresAt time.Time
	CreatedAt time.Time
}

// IsExpired reports whether the entry has passed its expiry.
func (r *StoredResult) IsExpired(now time.Time) bool {
	return now.After(r.ExpiresAt)
}
