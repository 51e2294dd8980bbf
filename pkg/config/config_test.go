package config_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalbasit/buildcache/pkg/config"
	"github.com/kalbasit/buildcache/pkg/lock/local"
	"github.com/kalbasit/buildcache/testhelper"
)

func TestGetClusterUUID(t *testing.T) {
	t.Parallel()

	t.Run("config not existing", func(t *testing.T) {
		t.Parallel()

		db, cleanup := testhelper.SetupSQLite(t)
		t.Cleanup(cleanup)

		c := config.New(db, local.NewRWLocker())

		_, err := c.GetClusterUUID(context.Background())
		assert.ErrorIs(t, err, config.ErrConfigNotFound)
	})

	t.Run("key existing", func(t *testing.T) {
		t.Parallel()

		db, cleanup := testhelper.SetupSQLite(t)
		t.Cleanup(cleanup)

		c := config.New(db, local.NewRWLocker())

		require.NoError(t, db.SetConfig(context.Background(), config.KeyClusterUUID, "abc-123"))

		actualUUID, err := c.GetClusterUUID(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "abc-123", actualUUID)
	})
}

func TestSetClusterUUID(t *testing.T) {
	t.Parallel()

	t.Run("config not existing", func(t *testing.T) {
		t.Parallel()

		db, cleanup := testhelper.SetupSQLite(t)
		t.Cleanup(cleanup)

		c := config.New(db, local.NewRWLocker())

		require.NoError(t, c.SetClusterUUID(context.Background(), "abc-123"))

		value, ok, err := db.GetConfig(context.Background(), config.KeyClusterUUID)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "abc-123", value)
	})

	t.Run("key existing", func(t *testing.T) {
		t.Parallel()

		db, cleanup := testhelper.SetupSQLite(t)
		t.Cleanup(cleanup)

		c := config.New(db, local.NewRWLocker())

		require.NoError(t, c.SetClusterUUID(context.Background(), "abc-123"))
		require.NoError(t, c.SetClusterUUID(context.Background(), "def-456"))

		value, ok, err := db.GetConfig(context.Background(), config.KeyClusterUUID)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "def-456", value)
	})
}
