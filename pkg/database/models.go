package database

import (
	"time"

	"github.com/uptrace/bun"
)

// Config is a single key/value row used by pkg/config for cluster-wide
// settings (cluster UUID, signing secret key).
type Config struct {
	bun.BaseModel `bun:"table:configs"`

	Key       string    `bun:"key,pk"`
	Value     string    `bun:"value,notnull"`
	UpdatedAt time.Time `bun:"updated_at,notnull"`
}

// DirectEntry is a single row of the C2 persistent key/value index: a
// DirectHash mapped to the HandledHash it last resolved to.
type DirectEntry struct {
	bun.BaseModel `bun:"table:direct_entries"`

	DirectHash  string    `bun:"direct_hash,pk"`
	HandledHash string    `bun:"handled_hash,notnull"`
	UpdatedAt   time.Time `bun:"updated_at,notnull"`
}
