package testhelper

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kalbasit/buildcache/pkg/database"
)

// SetupSQLite sets up a new temporary SQLite database for testing.
// It returns a database connection and a cleanup function.
// This function has the same signature as SetupPostgres; SetupMySQL also
// returns the database URL.
func SetupSQLite(t *testing.T) (database.Querier, func()) {
	t.Helper()

	dir, err := os.MkdirTemp("", "buildcache-sqlite-test-")
	require.NoError(t, err)

	dbFile := filepath.Join(dir, "db.sqlite")

	db, err := database.Open(context.Background(), "sqlite:"+dbFile, nil)
	require.NoError(t, err)

	cleanup := func() {
		_ = db.Close()
		_ = os.RemoveAll(dir)
	}

	return db, cleanup
}
