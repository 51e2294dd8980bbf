package helper_test

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalbasit/buildcache/pkg/helper"
)

func TestShardedPath(t *testing.T) {
	t.Parallel()

	for _, test := range []string{"", "a", "ab"} {
		t.Run(fmt.Sprintf("ShardedPath(%q) should return error", test), func(t *testing.T) {
			t.Parallel()

			_, err := helper.ShardedPath(test)
			assert.ErrorIs(t, err, helper.ErrFingerprintTooShort)
		})
	}

	path, err := helper.ShardedPath("abc123")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("a", "b", "c123"), path)
}

func TestEntryPath(t *testing.T) {
	t.Parallel()

	path, err := helper.EntryPath("abc123", helper.ExtManifest)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("a", "b", "c123.manifest"), path)

	_, err = helper.EntryPath("ab", helper.ExtObject)
	assert.ErrorIs(t, err, helper.ErrFingerprintTooShort)
}
