package kvindex_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalbasit/buildcache/pkg/kvindex"
	"github.com/kalbasit/buildcache/testhelper"
)

func TestGetSetDelete(t *testing.T) {
	t.Parallel()

	db, cleanup := testhelper.SetupSQLite(t)
	t.Cleanup(cleanup)

	idx := kvindex.New(db)
	ctx := context.Background()

	_, ok := idx.Get(ctx, "deadbeef")
	assert.False(t, ok, "unset key is a miss")

	require.NoError(t, idx.Set(ctx, "deadbeef", "cafef00d"))

	got, ok := idx.Get(ctx, "deadbeef")
	require.True(t, ok)
	assert.Equal(t, "cafef00d", got)

	require.NoError(t, idx.Set(ctx, "deadbeef", "newvalue"))

	got, ok = idx.Get(ctx, "deadbeef")
	require.True(t, ok)
	assert.Equal(t, "newvalue", got, "Set overwrites an existing mapping")

	require.NoError(t, idx.Delete(ctx, "deadbeef"))

	_, ok = idx.Get(ctx, "deadbeef")
	assert.False(t, ok)
}
