package artifactcache

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/kalbasit/buildcache/pkg/fingerprint"
	"github.com/kalbasit/buildcache/pkg/helper"
)

// FindSimple computes the HandledHash for (handledSource, flags, version)
// and returns the entry stored under it, or ErrMiss.
func (c *Cache) FindSimple(
	ctx context.Context,
	handledSource []byte,
	flags fingerprint.Flags,
	version string,
) (Entry, error) {
	ctx, span := tracer.Start(ctx, "artifactcache.FindSimple", trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()

	handledHash := fingerprint.HandledHash(handledSource, flags, version)
	span.SetAttributes(attribute.String("handled_hash", handledHash))

	return c.findSimpleByHash(ctx, handledHash)
}

// findSimpleByHash materializes the Entry manifest-keyed by handledHash,
// decompressing the object if the manifest says snappy. Any failure — lock
// contention, missing manifest, corrupt manifest, missing artifact files —
// is reported as ErrMiss, never a fatal error (spec §4.4).
func (c *Cache) findSimpleByHash(ctx context.Context, handledHash string) (Entry, error) {
	path, err := c.manifestPath(handledHash)
	if err != nil {
		return Entry{}, fmt.Errorf("%w: %w", ErrMiss, err)
	}

	acquired, err := c.locker.TryRLock(ctx, path, lockTTL)
	if err != nil || !acquired {
		return Entry{}, ErrMiss
	}

	defer c.locker.RUnlock(ctx, path) //nolint:errcheck

	raw, ok, err := readFileIfExists(path)
	if err != nil || !ok {
		return Entry{}, ErrMiss
	}

	m, err := c.readAndMigrateManifest(ctx, handledHash, path, raw)
	if err != nil || m.Kind != KindSimple {
		return Entry{}, ErrMiss
	}

	entry, err := c.loadSimpleFiles(handledHash, m)
	if err != nil {
		return Entry{}, ErrMiss
	}

	c.touch(handledHash)

	return entry, nil
}

func (c *Cache) loadSimpleFiles(handledHash string, m *manifest) (Entry, error) {
	var e Entry

	if m.Obj {
		objPath, err := c.entryPath(handledHash, helper.ExtObject)
		if err != nil {
			return e, err
		}

		raw, ok, err := readFileIfExists(objPath)
		if err != nil || !ok {
			return e, fmt.Errorf("%w: missing object file", ErrMiss)
		}

		if m.Snappy {
			raw, err = decompressObject(raw)
			if err != nil {
				return e, err
			}
		}

		e.Object = raw
	}

	if m.Dep {
		depPath, err := c.entryPath(handledHash, helper.ExtDeps)
		if err != nil {
			return e, err
		}

		raw, ok, err := readFileIfExists(depPath)
		if err != nil || !ok {
			return e, fmt.Errorf("%w: missing deps file", ErrMiss)
		}

		e.Deps = raw
	}

	if m.Err {
		errPath, err := c.entryPath(handledHash, helper.ExtStderr)
		if err != nil {
			return e, err
		}

		raw, ok, err := readFileIfExists(errPath)
		if err != nil || !ok {
			return e, fmt.Errorf("%w: missing stderr file", ErrMiss)
		}

		e.Stderr = raw
	}

	return e, nil
}

// FindDirect reads inputPath, computes UnhandledHash, resolves DirectHash
// via the headers recorded in the UnhandledHash manifest, looks up
// HandledHash in the kvindex, then falls through to findSimpleByHash.
func (c *Cache) FindDirect(
	ctx context.Context,
	inputPath string,
	flags fingerprint.Flags,
	version, fullVersion string,
) (Entry, error) {
	ctx, span := tracer.Start(ctx, "artifactcache.FindDirect", trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()

	rawSource, err := os.ReadFile(inputPath)
	if err != nil {
		return Entry{}, ErrMiss
	}

	unhandledHash := fingerprint.UnhandledHash(rawSource, flags, version, fullVersion)
	span.SetAttributes(attribute.String("unhandled_hash", unhandledHash))

	path, err := c.manifestPath(unhandledHash)
	if err != nil {
		return Entry{}, ErrMiss
	}

	acquired, err := c.locker.TryRLock(ctx, path, lockTTL)
	if err != nil || !acquired {
		return Entry{}, ErrMiss
	}

	raw, ok, err := readFileIfExists(path)
	if err != nil || !ok {
		c.locker.RUnlock(ctx, path) //nolint:errcheck

		return Entry{}, ErrMiss
	}

	m, err := c.readAndMigrateManifest(ctx, unhandledHash, path, raw)

	c.locker.RUnlock(ctx, path) //nolint:errcheck

	if err != nil || m.Kind != KindDirect {
		return Entry{}, ErrMiss
	}

	headerHashes := make([][16]byte, 0, len(m.Headers))

	for _, h := range m.Headers {
		content, err := os.ReadFile(h)
		if err != nil {
			return Entry{}, ErrMiss
		}

		hh, err := fingerprint.HashHeader(content, c.skipList)
		if err != nil {
			return Entry{}, ErrMiss
		}

		headerHashes = append(headerHashes, hh)
	}

	directHash := fingerprint.DirectHash(unhandledHash, headerHashes)

	handledHash, ok := c.kv.Get(ctx, directHash)
	if !ok {
		return Entry{}, ErrMiss
	}

	c.touch(unhandledHash)

	return c.findSimpleByHash(ctx, handledHash)
}

// StoreSimple computes HandledHash for (handledSource, flags, version),
// acquires the manifest write-lock, writes the entry's files and manifest,
// updates the LRU index, then triggers eviction. Every failure is
// best-effort: on I/O error, partial files and the manifest are removed and
// no error is surfaced (spec §4.4 "Failure semantics").
func (c *Cache) StoreSimple(
	ctx context.Context,
	handledSource []byte,
	flags fingerprint.Flags,
	version string,
	entry Entry,
) {
	ctx, span := tracer.Start(ctx, "artifactcache.StoreSimple", trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()

	handledHash := fingerprint.HandledHash(handledSource, flags, version)
	span.SetAttributes(attribute.String("handled_hash", handledHash))

	path, err := c.manifestPath(handledHash)
	if err != nil {
		return
	}

	acquired, err := c.locker.TryLock(ctx, path, lockTTL)
	if err != nil || !acquired {
		return
	}

	defer c.locker.Unlock(ctx, path) //nolint:errcheck

	size, ok := c.writeSimpleFiles(handledHash, entry)
	if !ok {
		c.removeEntryFiles(handledHash)

		return
	}

	m := newSimpleManifest(len(entry.Object) > 0, len(entry.Deps) > 0, len(entry.Stderr) > 0, c.snappy, size)

	if err := c.writeAtomic(path, encodeManifest(m)); err != nil {
		c.removeEntryFiles(handledHash)

		return
	}

	c.insertOrTouch(handledHash, size)
	c.evict(ctx)
}

// writeSimpleFiles writes the object/deps/stderr files and returns the
// total size used for eviction accounting.
func (c *Cache) writeSimpleFiles(handledHash string, entry Entry) (uint64, bool) {
	var size uint64

	if len(entry.Object) > 0 {
		object := entry.Object

		if c.snappy {
			compressed, err := compressObject(object)
			if err != nil {
				return 0, false
			}

			object = compressed
		}

		objPath, err := c.entryPath(handledHash, helper.ExtObject)
		if err != nil || c.writeAtomic(objPath, object) != nil {
			return 0, false
		}

		size += uint64(len(object)) //nolint:gosec
	}

	if len(entry.Deps) > 0 {
		depPath, err := c.entryPath(handledHash, helper.ExtDeps)
		if err != nil || c.writeAtomic(depPath, entry.Deps) != nil {
			return 0, false
		}

		size += uint64(len(entry.Deps)) //nolint:gosec
	}

	if len(entry.Stderr) > 0 {
		errPath, err := c.entryPath(handledHash, helper.ExtStderr)
		if err != nil || c.writeAtomic(errPath, entry.Stderr) != nil {
			return 0, false
		}

		size += uint64(len(entry.Stderr)) //nolint:gosec
	}

	return size, true
}

// StoreDirect records headers[] under the UnhandledHash manifest and, if
// every header's content can be hashed (none skip-listed, all readable),
// records the DirectHash -> handledHash mapping in the kvindex. If header
// hashing fails, the manifest is still written (a future find_direct will
// simply fail the kvindex lookup and miss) — per spec §4.4/§8 scenario 4,
// the store always succeeds; only the direct-cache entry may be absent.
func (c *Cache) StoreDirect(
	ctx context.Context,
	rawSource []byte,
	flags fingerprint.Flags,
	version, fullVersion string,
	headers []string,
	handledHash string,
) {
	ctx, span := tracer.Start(ctx, "artifactcache.StoreDirect", trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()

	unhandledHash := fingerprint.UnhandledHash(rawSource, flags, version, fullVersion)
	span.SetAttributes(attribute.String("unhandled_hash", unhandledHash))

	path, err := c.manifestPath(unhandledHash)
	if err != nil {
		return
	}

	acquired, err := c.locker.TryLock(ctx, path, lockTTL)
	if err != nil || !acquired {
		return
	}

	defer c.locker.Unlock(ctx, path) //nolint:errcheck

	m := newDirectManifest(headers)

	if err := c.writeAtomic(path, encodeManifest(m)); err != nil {
		return
	}

	c.insertOrTouch(unhandledHash, uint64(len(encodeManifest(m)))) //nolint:gosec

	headerHashes := make([][16]byte, 0, len(headers))

	for _, h := range headers {
		content, err := os.ReadFile(h)
		if err != nil {
			return
		}

		hh, err := fingerprint.HashHeader(content, c.skipList)
		if err != nil {
			return
		}

		headerHashes = append(headerHashes, hh)
	}

	directHash := fingerprint.DirectHash(unhandledHash, headerHashes)

	if err := c.kv.Set(ctx, directHash, handledHash); err != nil {
		logger(ctx).Warn().Err(err).Msg("artifactcache: failed to record direct-cache entry")
	}
}

func (c *Cache) removeEntryFiles(hash string) {
	for _, ext := range []string{helper.ExtObject, helper.ExtDeps, helper.ExtStderr, helper.ExtManifest} {
		p, err := c.entryPath(hash, ext)
		if err != nil {
			continue
		}

		_ = os.Remove(p)
	}
}

// insertOrTouch records hash's recency at size in the in-memory index and
// stamps the manifest's mtime on disk to the same instant, so a restart's
// scan (scanOneManifest) recovers the same recency via os.Stat rather than
// falling back to scan order.
func (c *Cache) insertOrTouch(hash string, size uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()

	if _, ok := c.lruIdx.Get(hash); ok {
		_ = c.lruIdx.Touch(hash, now)
	} else {
		_ = c.lruIdx.Insert(hash, now, size)
	}

	c.chtimesManifest(hash, now)
}

// seedIndex registers hash in the in-memory index at a recency taken from
// the manifest's observed on-disk mtime, without touching the file itself —
// used by the startup scan to recover real recency instead of reinitializing
// every entry to "now" in scan order.
func (c *Cache) seedIndex(hash string, mtime time.Time, size uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.lruIdx.Get(hash); ok {
		_ = c.lruIdx.Touch(hash, mtime)

		return
	}

	_ = c.lruIdx.Insert(hash, mtime, size)
}

func (c *Cache) touch(hash string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()

	_ = c.lruIdx.Touch(hash, now)

	c.chtimesManifest(hash, now)
}

// chtimesManifest stamps the manifest file's atime/mtime so the on-disk
// recency survives a restart. Best-effort: a failure here only means the
// next scan will underestimate this entry's recency, never a correctness
// issue for find/store.
func (c *Cache) chtimesManifest(hash string, at time.Time) {
	path, err := c.manifestPath(hash)
	if err != nil {
		return
	}

	_ = os.Chtimes(path, at, at)
}
