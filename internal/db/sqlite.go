// Package db provides SQLite connectivity and migrations for the execution
// ledger and quota tables.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"time"
)

// SQLite DSN parameters.
const (
	defaultBusyTimeout = "5000" // 5 seconds
	defaultSynchronous = "NORMAL"
	defaultJournalMode = "WAL"
	defaultReadPool    = 4
)

// Pools is a write/read pair over one SQLite file. Write has a single
// connection so ledger updates and quota compare-and-swap statements are
// serialized by SQLite itself; Read serves list and lookup queries.
type Pools struct {
	Write *sql.DB
	Read  *sql.DB
}

// Close closes both pools.
func (p *Pools) Close() error {
	rerr := p.Read.Close()
	if err := p.Write.Close(); err != nil {
		return err
	}
	return rerr
}

// OpenSQLite opens a *sql.DB pool for the given SQLite file path.
//
// mode controls write-safety and pool sizing:
//   - "write": one connection, _txlock=immediate
//   - "read":  maxOpen connections (0 means 4), no _txlock
func OpenSQLite(path string, mode string, maxOpen int) (*sql.DB, error) {
	if mode != "read" && mode != "write" {
		return nil, fmt.Errorf("invalid SQLite mode %q: must be \"read\" or \"write\"", mode)
	}

	db, err := sql.Open("sqlite3", buildDSN(path, mode))
	if err != nil {
		return nil, fmt.Errorf("open sqlite (%s): %w", mode, err)
	}

	if mode == "write" {
		maxOpen = 1
	} else if maxOpen <= 0 {
		maxOpen = defaultReadPool
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxOpen)
	db.SetConnMaxLifetime(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite (%s): %w", mode, err)
	}

	return db, nil
}

// OpenPools opens the write pool first (so the file and WAL exist) and then
// the read pool.
func OpenPools(path string, readMaxOpen int) (*Pools, error) {
	w, err := OpenSQLite(path, "write", 0)
	if err != nil {
		return nil, err
	}
	r, err := OpenSQLite(path, "read", readMaxOpen)
	if err != nil {
		_ = w.Close()
		return nil, err
	}
	return &Pools{Write: w, Read: r}, nil
}

func buildDSN(path string, mode string) string {
	params := url.Values{}
	params.Set("_journal_mode", defaultJournalMode)
	params.Set("_busy_timeout", defaultBusyTimeout)
	params.Set("_synchronous", defaultSynchronous)
	params.Set("_foreign_keys", "on")
	if mode == "write" {
		params.Set("_txlock", "immediate")
	}
	return path + "?" + params.Encode()
}
