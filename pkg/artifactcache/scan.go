package artifactcache

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/kalbasit/buildcache/pkg/helper"
)

// readAndMigrateManifest decodes raw, upgrading it to CurrentSchemaVersion
// if needed and rewriting it atomically when the version changed. A
// version-1 direct entry (errDirectEntryUnmigratable) is removed outright
// and reported as ErrMiss.
func (c *Cache) readAndMigrateManifest(
	ctx context.Context,
	fingerprintHash, path string,
	raw []byte,
) (*manifest, error) {
	kv, err := decodeManifest(raw)
	if err != nil {
		return nil, err
	}

	sizeFromFiles := func() (uint64, error) {
		return c.sizeOnDisk(fingerprintHash, kv)
	}

	m, err := upgradeManifest(kv, sizeFromFiles)
	if err != nil {
		if errors.Is(err, errDirectEntryUnmigratable) {
			c.removeEntryFiles(fingerprintHash)
		}

		return nil, err
	}

	if m.Version != mustAtoi(kv["version"]) {
		if werr := c.writeAtomic(path, encodeManifest(m)); werr != nil {
			logger(ctx).Warn().Err(werr).Str("path", path).Msg("artifactcache: failed to rewrite migrated manifest")
		}
	}

	return m, nil
}

func mustAtoi(s string) int {
	n := 0

	for _, r := range s {
		if r < '0' || r > '9' {
			return -1
		}

		n = n*10 + int(r-'0')
	}

	return n
}

func (c *Cache) sizeOnDisk(fingerprintHash string, kv map[string]string) (uint64, error) {
	var total uint64

	exts := []string{helper.ExtObject, helper.ExtDeps, helper.ExtStderr}

	for _, ext := range exts {
		flagKey := map[string]string{helper.ExtObject: "obj", helper.ExtDeps: "dep", helper.ExtStderr: "err"}[ext]
		if kv[flagKey] != "true" {
			continue
		}

		p, err := c.entryPath(fingerprintHash, ext)
		if err != nil {
			return 0, err
		}

		fi, err := os.Stat(p)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}

			return 0, err
		}

		total += uint64(fi.Size()) //nolint:gosec
	}

	return total, nil
}

// startupScan walks the cache root, reconstructing a fingerprint from each
// sharded manifest path, loading and migrating its manifest, verifying its
// declared files are present, and registering survivors in the LRU index.
// A manifest whose artifact files are missing ("broken") is removed rather
// than kept around to serve confusing future misses (spec §4.4).
func (c *Cache) startupScan(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "artifactcache.startupScan", trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()

	var scanned, broken int

	err := filepath.WalkDir(c.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil
			}

			return err
		}

		if d.IsDir() {
			return nil
		}

		if filepath.Ext(path) != "."+helper.ExtManifest {
			return nil
		}

		fingerprintHash, ok := c.fingerprintFromManifestPath(path)
		if !ok {
			return nil
		}

		scanned++

		if c.scanOneManifest(ctx, fingerprintHash, path) {
			return nil
		}

		broken++

		return nil
	})
	if err != nil {
		return fmt.Errorf("error walking cache root: %w", err)
	}

	span.SetAttributes(
		attribute.Int("scanned", scanned),
		attribute.Int("broken", broken),
	)

	logger(ctx).Info().
		Int("scanned", scanned).
		Int("broken", broken).
		Msg("artifactcache: startup scan complete")

	return nil
}

// scanOneManifest loads, migrates and registers a single manifest found
// during startupScan. It returns false if the entry was broken and removed.
func (c *Cache) scanOneManifest(ctx context.Context, fingerprintHash, path string) bool {
	raw, ok, err := readFileIfExists(path)
	if err != nil || !ok {
		return false
	}

	m, err := c.readAndMigrateManifest(ctx, fingerprintHash, path, raw)
	if err != nil {
		return false
	}

	if m.Kind == KindSimple {
		if _, err := c.loadSimpleFiles(fingerprintHash, m); err != nil {
			c.removeEntryFiles(fingerprintHash)

			return false
		}
	}

	fi, err := os.Stat(path)
	if err != nil {
		return false
	}

	c.seedIndex(fingerprintHash, fi.ModTime(), m.Size+uint64(fi.Size())) //nolint:gosec

	return true
}

// fingerprintFromManifestPath reverses ShardedPath: "<root>/<h0>/<h1>/<rest>.manifest" -> "<h0><h1><rest>".
func (c *Cache) fingerprintFromManifestPath(path string) (string, bool) {
	rel, err := filepath.Rel(c.root, path)
	if err != nil {
		return "", false
	}

	rel = strings.TrimSuffix(rel, "."+helper.ExtManifest)

	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) != 3 || len(parts[0]) != 1 || len(parts[1]) != 1 {
		return "", false
	}

	fingerprintHash := parts[0] + parts[1] + parts[2]
	if !fingerprintRegexp.MatchString(fingerprintHash) {
		return "", false
	}

	return fingerprintHash, true
}

// evict drives the cache size back under maxSize by removing least-recent
// entries, one non-blocking write-lock attempt at a time (spec §4.4
// "Eviction"). A lock held by a concurrent find/store is skipped rather
// than waited on and the next least-recent entry is tried; the sweep stops
// once the size is back under maxSize or every remaining candidate has
// already been skipped in this sweep.
func (c *Cache) evict(ctx context.Context) {
	ctx, span := tracer.Start(ctx, "artifactcache.evict", trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()

	if c.maxSize == 0 {
		return
	}

	var removed int

	skipped := make(map[string]bool)

	for {
		if c.currentSize() <= c.maxSize {
			break
		}

		hash, ok := c.leastRecent()
		if !ok || skipped[hash] {
			break
		}

		if !c.evictOne(ctx, hash) {
			// Could not lock this entry right now; drop it from consideration
			// for this sweep by touching it to the back and trying the next.
			skipped[hash] = true
			c.touch(hash)

			continue
		}

		removed++
	}

	span.SetAttributes(attribute.Int("removed", removed))

	if removed > 0 {
		logger(ctx).Info().Int("removed", removed).Msg("artifactcache: eviction sweep removed entries")
	}
}

func (c *Cache) currentSize() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.lruIdx.TotalSize()
}

func (c *Cache) leastRecent() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.lruIdx.LeastRecent()
}

// evictOne attempts to remove a single entry, archiving its object bytes
// first when an archive.Archiver is configured. Returns false if the
// manifest's write-lock could not be acquired immediately.
func (c *Cache) evictOne(ctx context.Context, fingerprintHash string) bool {
	path, err := c.manifestPath(fingerprintHash)
	if err != nil {
		return false
	}

	acquired, err := c.locker.TryLock(ctx, path, lockTTL)
	if err != nil || !acquired {
		return false
	}

	defer c.locker.Unlock(ctx, path) //nolint:errcheck

	if c.archive != nil {
		if objPath, err := c.entryPath(fingerprintHash, helper.ExtObject); err == nil {
			if raw, ok, _ := readFileIfExists(objPath); ok {
				if err := c.archive.Put(ctx, fingerprintHash, raw); err != nil {
					logger(ctx).Warn().Err(err).Str("hash", fingerprintHash).
						Msg("artifactcache: failed to archive evicted object, removing anyway")
				}
			}
		}
	}

	c.removeEntryFiles(fingerprintHash)

	c.mu.Lock()
	_, _ = c.lruIdx.Remove(fingerprintHash)
	c.mu.Unlock()

	return true
}
