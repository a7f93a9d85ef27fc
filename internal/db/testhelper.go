package db

import (
	"path/filepath"
	"testing"
)

// OpenTestPools opens a write/read pool pair in t.TempDir(), runs all
// migrations on the write pool, and registers cleanup.
func OpenTestPools(t *testing.T) *Pools {
	t.Helper()

	pools, err := OpenPools(filepath.Join(t.TempDir(), "test.sqlite"), 4)
	if err != nil {
		t.Fatalf("open test sqlite: %v", err)
	}
	t.Cleanup(func() { _ = pools.Close() })

	if err := RunMigrations(pools.Write); err != nil {
		t.Fatalf("run migrations: %v", err)
	}
	return pools
}
