package fingerprint_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalbasit/buildcache/pkg/fingerprint"
)

func TestAssembleCommandLine(t *testing.T) {
	t.Parallel()

	f := fingerprint.Flags{
		Other:     []string{"-cc1", "-emit-obj"},
		Language:  "c++",
		CCOnly:    []string{"-mrelax-all"},
		NonCached: []string{"-I/usr/include"},
		InputDir:  "/tmp/src",
	}

	assert.Equal(t, "-cc1 -emit-obj -x c++ -mrelax-all", fingerprint.AssembleCommandLine(f, false))
	assert.Equal(t,
		"-cc1 -emit-obj -x c++ -mrelax-all -I/usr/include -I/tmp/src",
		fingerprint.AssembleCommandLine(f, true),
	)
}

func TestHandledHashDeterministic(t *testing.T) {
	t.Parallel()

	f := fingerprint.Flags{Other: []string{"-cc1", "-emit-obj"}}

	h1 := fingerprint.HandledHash([]byte("int main(){return 0;}"), f, "18.1.0")
	h2 := fingerprint.HandledHash([]byte("int main(){return 0;}"), f, "18.1.0")
	assert.Equal(t, h1, h2)

	h3 := fingerprint.HandledHash([]byte("int main(){return 1;}"), f, "18.1.0")
	assert.NotEqual(t, h1, h3)
}

func TestUnhandledHashVariesWithFullVersion(t *testing.T) {
	t.Parallel()

	f := fingerprint.Flags{Other: []string{"-cc1"}}

	h1 := fingerprint.UnhandledHash([]byte("src"), f, "18.1.0", "clang version 18.1.0 (abc)")
	h2 := fingerprint.UnhandledHash([]byte("src"), f, "18.1.0", "clang version 18.1.0 (def)")
	assert.NotEqual(t, h1, h2)
}

func TestHashHeaderSkipList(t *testing.T) {
	t.Parallel()

	_, err := fingerprint.HashHeader([]byte("#define BUILD_DATE __DATE__"), nil)
	require.ErrorIs(t, err, fingerprint.ErrSkipListed)

	h, err := fingerprint.HashHeader([]byte("#pragma once"), nil)
	require.NoError(t, err)
	assert.NotZero(t, h)
}

func TestDirectHashStableOrdering(t *testing.T) {
	t.Parallel()

	a, err := fingerprint.HashHeader([]byte("a.h"), []string{})
	require.NoError(t, err)

	b, err := fingerprint.HashHeader([]byte("b.h"), []string{})
	require.NoError(t, err)

	unhandled := "deadbeef-aaaa-bbbb"

	d1 := fingerprint.DirectHash(unhandled, [][16]byte{a, b})
	d2 := fingerprint.DirectHash(unhandled, [][16]byte{b, a})
	assert.NotEqual(t, d1, d2, "header order is part of the DirectHash pre-image")

	d3 := fingerprint.DirectHash(unhandled, [][16]byte{a, b})
	assert.Equal(t, d1, d3)
}
