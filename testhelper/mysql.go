package testhelper

import (
	"context"
	"net/url"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kalbasit/buildcache/pkg/database"
)

// SetupMySQL sets up a new temporary MySQL database for testing.
// It requires the BUILDCACHE_TEST_ADMIN_MYSQL_URL environment variable to be set.
// It returns a database connection, the URL of the new database and a
// cleanup function.
func SetupMySQL(t *testing.T) (database.Querier, string, func()) {
	t.Helper()

	ctx := context.Background()

	adminDBURL := os.Getenv("BUILDCACHE_TEST_ADMIN_MYSQL_URL")
	if adminDBURL == "" {
		t.Skip("Skipping MySQL test: BUILDCACHE_TEST_ADMIN_MYSQL_URL not set")
	}

	adminDB, err := database.Open(ctx, adminDBURL, nil)
	require.NoError(t, err, "failed to connect to the mysql database")

	dbName := "test_" + MustRandString(32)
	require.NoError(t, database.CreateDatabase(ctx, adminDB, dbName))

	u, err := url.Parse(adminDBURL)
	require.NoError(t, err)

	u.Path = "/" + dbName
	dbURL := u.String()

	db, err := database.Open(ctx, dbURL, nil)
	require.NoError(t, err)

	cleanup := func() {
		_ = db.Close()
		_ = database.DropDatabase(ctx, adminDB, dbName)
		_ = adminDB.Close()
	}

	return db, dbURL, cleanup
}
