package artifactcache

import "errors"

// ErrCorruptManifest is returned internally when a manifest cannot be
// parsed; every caller-facing path turns this into a miss, never a fatal
// error (spec §4.4 "Failure semantics").
var ErrCorruptManifest = errors.New("artifactcache: corrupt manifest")

// ErrMiss is returned by Find* calls that exhaust every lookup path. It is
// an ordinary, expected outcome, not a fault.
var ErrMiss = errors.New("artifactcache: miss")

// ErrInvalidRoot is returned by Open when the cache root is not a usable
// absolute, existing, writable directory.
var ErrInvalidRoot = errors.New("artifactcache: invalid cache root")

// ErrClosed names the closed-cache condition. No Cache method returns it:
// Close only stops the background eviction sweep, and Find*/Store* keep
// working after it.
var ErrClosed = errors.New("artifactcache: cache is closed")
