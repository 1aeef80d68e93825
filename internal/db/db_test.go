package db

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSqliteDBMemoryIsSingleConnection(t *testing.T) {
	database, err := NewSqliteDB()
	require.NoError(t, err)
	defer database.Close()

	_, err = database.Exec("CREATE TABLE t (id INTEGER PRIMARY KEY, v TEXT)")
	require.NoError(t, err)
	_, err = database.Exec("INSERT INTO t (v) VALUES ('a')")
	require.NoError(t, err)

	var n int
	require.NoError(t, database.Get(&n, "SELECT COUNT(*) FROM t"))
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, database.Stats().MaxOpenConnections)
}

func TestNewSqliteDBFileCreatesParent(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "index.db")

	database, err := NewSqliteDB(WithPath(dbPath))
	require.NoError(t, err)
	defer database.Close()

	assert.DirExists(t, filepath.Dir(dbPath))
	assert.FileExists(t, dbPath)
}

func TestNewSqliteDBAppliesSchema(t *testing.T) {
	database, err := NewSqliteDB(
		WithPragmas("PRAGMA foreign_keys=ON;"),
		WithSchema(
			"CREATE TABLE IF NOT EXISTS kv (k TEXT PRIMARY KEY, v TEXT)",
			"CREATE INDEX IF NOT EXISTS idx_kv_v ON kv (v)",
		),
	)
	require.NoError(t, err)
	defer database.Close()

	_, err = database.Exec("INSERT INTO kv (k, v) VALUES ('a', 'b')")
	assert.NoError(t, err)
}

func TestNewSqliteDBBadSchema(t *testing.T) {
	_, err := NewSqliteDB(WithSchema("CREATE TABLE ("))
	assert.Error(t, err)
}
