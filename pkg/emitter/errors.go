package emitter

import "errors"

// ErrOnlyFailedNeedsRemote is returned by New when OnlyFailed is set but no
// remotes are configured. spec.md §9 leaves open whether this combination
// is intended configuration validation or a dead-end bug; this spec
// treats it as a validation error surfaced at construction time rather
// than a silent stall at runtime (SPEC_FULL.md §4.10).
var ErrOnlyFailedNeedsRemote = errors.New("emitter: only-failed mode requires at least one remote")
