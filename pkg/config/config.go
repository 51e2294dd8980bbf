// Package config stores small persistent, fleet-wide settings alongside the
// direct-cache index in the same database, guarded by the same RWLocker
// used for manifest access (spec.md §4.4).
package config

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/kalbasit/buildcache/pkg/database"
	"github.com/kalbasit/buildcache/pkg/lock"
)

// KeyClusterUUID is the key under which the fleet-wide cluster identity is
// stored; every emitter sharing a kvindex database agrees on one value,
// generated once by whichever emitter starts first.
const KeyClusterUUID = "cluster_uuid"

const (
	lockKeyPrefix = "config_"
	lockTTL       = 5 * time.Minute
)

// ErrConfigNotFound is returned if no config with this key was found.
var ErrConfigNotFound = errors.New("no config was found for this key")

// Config provides locked access to the persistent key/value configuration
// stored alongside the direct-cache index.
type Config struct {
	db       database.Querier
	rwLocker lock.RWLocker
}

// New returns a new Config instance.
func New(db database.Querier, rwLocker lock.RWLocker) *Config {
	return &Config{db: db, rwLocker: rwLocker}
}

// GetClusterUUID returns the cluster UUID, or ErrConfigNotFound if none has
// been set yet.
func (c *Config) GetClusterUUID(ctx context.Context) (string, error) {
	return c.get(ctx, KeyClusterUUID)
}

// SetClusterUUID stores the cluster UUID, overwriting any previous value.
func (c *Config) SetClusterUUID(ctx context.Context, value string) error {
	return c.set(ctx, KeyClusterUUID, value)
}

func (c *Config) get(ctx context.Context, key string) (string, error) {
	lockKey := lockKeyPrefix + key

	if err := c.rwLocker.RLock(ctx, lockKey, lockTTL); err != nil {
		return "", fmt.Errorf("config: error acquiring read lock for %q: %w", key, err)
	}

	defer func() {
		if err := c.rwLocker.RUnlock(ctx, lockKey); err != nil {
			zerolog.Ctx(ctx).Error().Err(err).Str("key", key).Msg("config: failed to release read lock")
		}
	}()

	value, ok, err := c.db.GetConfig(ctx, key)
	if err != nil {
		return "", err
	}

	if !ok {
		return "", fmt.Errorf("%w: %s", ErrConfigNotFound, key)
	}

	return value, nil
}

func (c *Config) set(ctx context.Context, key, value string) error {
	lockKey := lockKeyPrefix + key

	if err := c.rwLocker.Lock(ctx, lockKey, lockTTL); err != nil {
		return fmt.Errorf("config: error acquiring write lock for %q: %w", key, err)
	}

	defer func() {
		if err := c.rwLocker.Unlock(ctx, lockKey); err != nil {
			zerolog.Ctx(ctx).Error().Err(err).Str("key", key).Msg("config: failed to release write lock")
		}
	}()

	return c.db.SetConfig(ctx, key, value)
}
