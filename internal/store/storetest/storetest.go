// Package storetest opens throwaway SQLite stores for package tests.
package storetest

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/flowqueue/internal/store"
)

// New opens a migrated store in a per-test temp directory and closes it on
// cleanup.
func New(t testing.TB, opts ...store.Option) *store.Store {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "flowqueue.db")
	s, err := store.Open(store.Config{Driver: store.DriverSQLite, DSN: dsn}, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}
