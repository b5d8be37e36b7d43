package database

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/AzielCF/az-dispatch/core/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDatabase_SQLite(t *testing.T) {
	db, err := NewDatabase(config.DatabaseConfig{
		Driver: "sqlite",
		Name:   filepath.Join(t.TempDir(), "test.db"),
	}, false)
	require.NoError(t, err)
	t.Cleanup(func() { _ = Close(db) })

	assert.NoError(t, Ping(context.Background(), db))
}

func TestNewDatabase_UnsupportedDriver(t *testing.T) {
	_, err := NewDatabase(config.DatabaseConfig{Driver: "oracle"}, false)
	assert.Error(t, err)
}

func TestDropTables_SQLite(t *testing.T) {
	db, err := NewDatabase(config.DatabaseConfig{
		Driver: "sqlite",
		Name:   filepath.Join(t.TempDir(), "drop.db"),
	}, false)
	require.NoError(t, err)
	t.Cleanup(func() { _ = Close(db) })

	require.NoError(t, db.Exec("CREATE TABLE scratch (id TEXT PRIMARY KEY)").Error)
	require.True(t, db.Migrator().HasTable("scratch"))

	require.NoError(t, DropTables(db, "sqlite", "scratch", "missing"))
	assert.False(t, db.Migrator().HasTable("scratch"))
}
