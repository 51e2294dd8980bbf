// Package kvindex implements C2, the persistent key/value index from
// DirectHash to HandledHash. It is a thin, crash-safe wrapper over
// pkg/database's Querier: a successful Set commits before returning, and any
// error is non-fatal to the caller, which must treat it as a cache miss.
package kvindex

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/kalbasit/buildcache/pkg/database"
)

// Index is the C2 persistent key/value index.
type Index struct {
	db database.Querier
}

// New wraps an already-open database.Querier as a kvindex.Index.
func New(db database.Querier) *Index {
	return &Index{db: db}
}

// Get returns the HandledHash for a DirectHash. A missing key or any
// underlying error is reported as ok=false; callers must treat both the
// same way — as a direct-cache miss.
func (idx *Index) Get(ctx context.Context, directHash string) (handledHash string, ok bool) {
	v, found, err := idx.db.GetDirectEntry(ctx, directHash)
	if err != nil {
		zerolog.Ctx(ctx).Warn().
			Err(err).
			Str("direct_hash", directHash).
			Msg("kvindex: get failed, treating as miss")

		return "", false
	}

	return v, found
}

// Set records the DirectHash -> HandledHash mapping. The set is durable:
// once Set returns nil, the mapping survives a process crash.
func (idx *Index) Set(ctx context.Context, directHash, handledHash string) error {
	if err := idx.db.SetDirectEntry(ctx, directHash, handledHash); err != nil {
		return fmt.Errorf("kvindex: error setting %q: %w", directHash, err)
	}

	return nil
}

// Delete removes a DirectHash -> HandledHash mapping, if any.
func (idx *Index) Delete(ctx context.Context, directHash string) error {
	if err := idx.db.DeleteDirectEntry(ctx, directHash); err != nil {
		return fmt.Errorf("kvindex: error deleting %q: %w", directHash, err)
	}

	return nil
}
