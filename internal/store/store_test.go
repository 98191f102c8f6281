package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var tables = []string{
	"records", "pools", "allocations", "transactions",
	"operations", "rollback_log", "conflicts", "replica_values",
}

func sqliteObject(t *testing.T, s *Store, kind, name string) bool {
	t.Helper()
	var found string
	err := s.db.QueryRow("SELECT name FROM sqlite_master WHERE type = ? AND name = ?", kind, name).Scan(&found)
	return err == nil
}

func TestOpen_CreatesSchema(t *testing.T) {
	s := createTestStore(t)

	for _, table := range tables {
		assert.True(t, sqliteObject(t, s, "table", table), "table %s", table)
	}
	for _, idx := range []string{
		"idx_allocations_pool_seq",
		"idx_allocations_pool_requester",
		"idx_conflicts_entity",
	} {
		assert.True(t, sqliteObject(t, s, "index", idx), "index %s", idx)
	}
}

func TestOpen_ReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	ctx := context.Background()

	s, err := Open(path)
	require.NoError(t, err)
	ok, _, err := s.CompareAndSet(ctx, "student-1", 0, []byte(`{"name":"Ana"}`))
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, s.Close())

	for range 3 {
		s, err = Open(path)
		require.NoError(t, err)
		require.NoError(t, s.Close())
	}

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()

	data, version, err := s.Get(ctx, "student-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), version)
	assert.JSONEq(t, `{"name":"Ana"}`, string(data))
}

func TestOpen_InvalidPath(t *testing.T) {
	_, err := Open("/nonexistent/dir/test.db")
	assert.ErrorContains(t, err, "open store")
}

func TestOpen_Pragmas(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	tests := []struct {
		name string
		want string
	}{
		{"journal_mode", "wal"},
		{"synchronous", "1"},
		{"busy_timeout", "5000"},
		{"foreign_keys", "1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.Pragma(ctx, tt.name)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMigrate_UpgradesOldDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	ctx := context.Background()

	s, err := Open(path)
	require.NoError(t, err)
	v, err := s.userVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, v)

	// Roll the database back to a pre-index layout.
	_, err = s.db.Exec("DROP INDEX idx_allocations_pool_requester")
	require.NoError(t, err)
	_, err = s.db.Exec("PRAGMA user_version = 0")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()

	assert.True(t, sqliteObject(t, s, "index", "idx_allocations_pool_requester"))
	v, err = s.userVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, v)
}

func TestClose_ZeroStoreAndRepeated(t *testing.T) {
	assert.NoError(t, (&Store{}).Close())

	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	assert.NoError(t, s.Close())
	assert.NotPanics(t, func() { _ = s.Close() })
}

func TestConstraints(t *testing.T) {
	s := createTestStore(t)

	tests := []struct {
		name string
		stmt string
	}{
		{"record version positive", `INSERT INTO records (id, version, payload, updated_at) VALUES ('r', 0, '{}', 0)`},
		{"pool allocated non-negative", `INSERT INTO pools (pool_id, kind, total_capacity, allocated) VALUES ('p', 'stock', 1, -1)`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.db.Exec(tt.stmt)
			assert.Error(t, err)
		})
	}
}
