package helper

import (
	"errors"
	"fmt"
	"path/filepath"
)

// ErrFingerprintTooShort is returned when a fingerprint is too short to be
// sharded into the two-level directory layout.
var ErrFingerprintTooShort = errors.New("fingerprint is less than 3 characters long")

// Extension names for the four files a manifest entry owns on disk.
const (
	ExtManifest = "manifest"
	ExtObject   = "o"
	ExtDeps     = "d"
	ExtStderr   = "stderr"
)

// ShardedPath splits a fingerprint into its two one-character shard
// directories and the remaining suffix: "<h0>/<h1>/<rest>", matching the
// on-disk layout `$ROOT/<h0>/<h1>/<rest>.manifest`.
func ShardedPath(fingerprint string) (string, error) {
	if len(fingerprint) < 3 {
		return "", fmt.Errorf("%w: %q", ErrFingerprintTooShort, fingerprint)
	}

	h0, h1, rest := fingerprint[0:1], fingerprint[1:2], fingerprint[2:]

	return filepath.Join(h0, h1, rest), nil
}

// EntryPath returns the on-disk path, relative to the cache root, of one of
// a fingerprint's four owned files (manifest, object, deps, stderr).
func EntryPath(fingerprint, ext string) (string, error) {
	sharded, err := ShardedPath(fingerprint)
	if err != nil {
		return "", err
	}

	return sharded + "." + ext, nil
}
