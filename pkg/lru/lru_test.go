package lru_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalbasit/buildcache/pkg/lru"
)

func TestInsertRejectsZeroSize(t *testing.T) {
	t.Parallel()

	idx := lru.New()
	require.ErrorIs(t, idx.Insert("h", time.Now(), 0), lru.ErrNonPositiveSize)
}

func TestLeastRecentOrdering(t *testing.T) {
	t.Parallel()

	idx := lru.New()

	base := time.Unix(1000, 0)
	require.NoError(t, idx.Insert("a", base, 14))
	require.NoError(t, idx.Insert("b", base.Add(time.Second), 15))
	require.NoError(t, idx.Insert("c", base.Add(2*time.Second), 16))

	assert.Equal(t, uint64(45), idx.TotalSize())

	got, ok := idx.LeastRecent()
	require.True(t, ok)
	assert.Equal(t, "a", got)

	size, err := idx.Remove("a")
	require.NoError(t, err)
	assert.Equal(t, uint64(14), size)

	got, ok = idx.LeastRecent()
	require.True(t, ok)
	assert.Equal(t, "b", got)
	assert.Equal(t, uint64(31), idx.TotalSize())
}

func TestLeastRecentTieBreaksOnSmallerSize(t *testing.T) {
	t.Parallel()

	idx := lru.New()

	same := time.Unix(2000, 0)
	require.NoError(t, idx.Insert("big", same, 100))
	require.NoError(t, idx.Insert("small", same, 10))

	got, ok := idx.LeastRecent()
	require.True(t, ok)
	assert.Equal(t, "small", got, "smaller size evicted first among equal mtimes")
}

func TestTouchRepositions(t *testing.T) {
	t.Parallel()

	idx := lru.New()

	base := time.Unix(3000, 0)
	require.NoError(t, idx.Insert("a", base, 1))
	require.NoError(t, idx.Insert("b", base.Add(time.Second), 1))

	require.NoError(t, idx.Touch("a", base.Add(2*time.Second)))

	got, ok := idx.LeastRecent()
	require.True(t, ok)
	assert.Equal(t, "b", got, "touching a moves it after b")
}

func TestRemoveUnknownIsError(t *testing.T) {
	t.Parallel()

	idx := lru.New()
	_, err := idx.Remove("missing")
	require.ErrorIs(t, err, lru.ErrNotFound)

	require.ErrorIs(t, idx.Touch("missing", time.Now()), lru.ErrNotFound)
}
