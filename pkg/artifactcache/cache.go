// Package artifactcache implements C4, the on-disk file cache: the
// two-tier (direct + simple) content-addressable artifact store, its
// per-manifest locking, LRU-driven eviction and startup scan.
package artifactcache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/s2"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/kalbasit/buildcache/pkg/archive"
	"github.com/kalbasit/buildcache/pkg/fingerprint"
	"github.com/kalbasit/buildcache/pkg/helper"
	"github.com/kalbasit/buildcache/pkg/kvindex"
	"github.com/kalbasit/buildcache/pkg/lock"
	"github.com/kalbasit/buildcache/pkg/lru"
)

const (
	otelPackageName = "github.com/kalbasit/buildcache/pkg/artifactcache"

	lockTTL  = 30 * time.Second
	dirMode  = 0o700
	fileMode = 0o400
)

//nolint:gochecknoglobals
var (
	tracer trace.Tracer

	// fingerprintRegexp matches a reconstructed fingerprint (the sharded
	// manifest path "<h0>/<h1>/<rest>" joined back together) during the
	// startup scan; anything else found under the cache root is ignored.
	fingerprintRegexp = regexp.MustCompile(`^[0-9a-f]+-[0-9a-f]+-[0-9a-f]+$`)
)

//nolint:gochecknoinits
func init() {
	tracer = otel.Tracer(otelPackageName)
}

// Entry is the (object, deps, stderr) payload of one stored compilation
// result. Any field may be empty.
type Entry struct {
	Object []byte
	Deps   []byte
	Stderr []byte
}

// Config configures a Cache.
type Config struct {
	// Root is the cache root directory ($ROOT in spec §3). It must be an
	// absolute, existing, writable directory.
	Root string

	// MaxSize is the eviction threshold in bytes. Zero disables eviction.
	MaxSize uint64

	// Snappy, when true, makes StoreSimple compress object bytes with the
	// snappy-compatible s2 codec.
	Snappy bool

	// SkipList overrides fingerprint.DefaultSkipList for header hashing.
	// Nil uses the default.
	SkipList []string

	// KVIndex is the C2 persistent DirectHash -> HandledHash store.
	KVIndex *kvindex.Index

	// Locker provides the per-manifest advisory locks described in spec
	// §4.4. Pass a local, in-process RWLocker unless the cache root is a
	// shared/network filesystem across multiple emitter processes.
	Locker lock.RWLocker

	// Archive is an optional cold-storage tier: entries evicted by the LRU
	// sweep are uploaded there (xz-recompressed) instead of only being
	// deleted. Purely a durability feature for the deleted bytes; it is
	// never consulted by Find*.
	Archive *archive.Archiver

	// EvictionSchedule is the cron expression for the periodic background
	// LRU sweep (spec §4.4 "A background thread periodically processes a
	// batch of LRU-refresh events"). Empty disables the periodic sweep;
	// eviction after every store_* still runs regardless.
	EvictionSchedule string
}

// Cache is the C4 file cache.
type Cache struct {
	root     string
	maxSize  uint64
	snappy   bool
	skipList []string

	kv      *kvindex.Index
	locker  lock.RWLocker
	archive *archive.Archiver

	// mu guards lruIdx. Never held across filesystem or network I/O (spec
	// §5 "Locking discipline"): collect work under mu, perform I/O outside,
	// then reacquire to commit.
	mu     sync.Mutex
	lruIdx *lru.Index

	cron   *cron.Cron
	closed bool
}

// Open opens (and, if needed, creates) the cache rooted at cfg.Root,
// performing the startup scan described in spec §4.4.
func Open(ctx context.Context, cfg Config) (*Cache, error) {
	if err := validateRoot(cfg.Root); err != nil {
		return nil, err
	}

	c := &Cache{
		root:     cfg.Root,
		maxSize:  cfg.MaxSize,
		snappy:   cfg.Snappy,
		skipList: cfg.SkipList,
		kv:       cfg.KVIndex,
		locker:   cfg.Locker,
		archive:  cfg.Archive,
		lruIdx:   lru.New(),
	}

	if err := os.MkdirAll(c.tmpDir(), dirMode); err != nil {
		return nil, fmt.Errorf("artifactcache: error creating tmp dir: %w", err)
	}

	if err := c.startupScan(ctx); err != nil {
		return nil, fmt.Errorf("artifactcache: error during startup scan: %w", err)
	}

	if cfg.EvictionSchedule != "" {
		c.cron = cron.New()

		if _, err := c.cron.AddFunc(cfg.EvictionSchedule, func() {
			c.evict(context.Background())
		}); err != nil {
			return nil, fmt.Errorf("artifactcache: error scheduling eviction: %w", err)
		}

		c.cron.Start()
	}

	return c, nil
}

func validateRoot(root string) error {
	if !filepath.IsAbs(root) {
		return fmt.Errorf("%w: %q is not absolute", ErrInvalidRoot, root)
	}

	fi, err := os.Stat(root)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRoot, err)
	}

	if !fi.IsDir() {
		return fmt.Errorf("%w: %q is not a directory", ErrInvalidRoot, root)
	}

	probe := filepath.Join(root, ".buildcache-write-probe")
	if err := os.WriteFile(probe, []byte{}, 0o600); err != nil {
		return fmt.Errorf("%w: root is not writable: %w", ErrInvalidRoot, err)
	}

	_ = os.Remove(probe)

	return nil
}

// Close stops the background eviction sweep, if any.
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}

	c.closed = true

	if c.cron != nil {
		<-c.cron.Stop().Done()
	}

	return nil
}

func (c *Cache) tmpDir() string { return filepath.Join(c.root, "tmp") }

func (c *Cache) manifestPath(fingerprintHash string) (string, error) {
	rel, err := helper.EntryPath(fingerprintHash, helper.ExtManifest)
	if err != nil {
		return "", err
	}

	return filepath.Join(c.root, rel), nil
}

func (c *Cache) entryPath(fingerprintHash, ext string) (string, error) {
	rel, err := helper.EntryPath(fingerprintHash, ext)
	if err != nil {
		return "", err
	}

	return filepath.Join(c.root, rel), nil
}

// writeAtomic writes data to path via a temp file in the cache's tmp dir
// followed by an atomic rename, the convention spec §5 relies on to make
// find/store races observe either the pre- or post-state and never a
// partially-written file.
func (c *Cache) writeAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), dirMode); err != nil {
		return fmt.Errorf("error creating directory for %q: %w", path, err)
	}

	f, err := os.CreateTemp(c.tmpDir(), "entry-*")
	if err != nil {
		return fmt.Errorf("error creating temp file: %w", err)
	}

	defer os.Remove(f.Name()) //nolint:errcheck

	if _, err := f.Write(data); err != nil {
		f.Close() //nolint:errcheck

		return fmt.Errorf("error writing temp file: %w", err)
	}

	if err := f.Close(); err != nil {
		return fmt.Errorf("error closing temp file: %w", err)
	}

	if err := os.Chmod(f.Name(), fileMode); err != nil {
		return fmt.Errorf("error setting file mode: %w", err)
	}

	if err := os.Rename(f.Name(), path); err != nil {
		return fmt.Errorf("error renaming into place: %w", err)
	}

	return nil
}

func readFileIfExists(path string) ([]byte, bool, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, nil
		}

		return nil, false, err
	}

	return b, true, nil
}

// compressObject applies the snappy-compatible s2 codec when the manifest
// says to.
func compressObject(object []byte) ([]byte, error) {
	var buf strings.Builder

	w := s2.NewWriter(&buf, s2.WriterSnappyCompat())
	if _, err := w.Write(object); err != nil {
		return nil, fmt.Errorf("error compressing object: %w", err)
	}

	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("error closing compressor: %w", err)
	}

	return []byte(buf.String()), nil
}

func decompressObject(compressed []byte) ([]byte, error) {
	r := s2.NewReader(strings.NewReader(string(compressed)))

	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("error decompressing object: %w", err)
	}

	return out, nil
}

func logger(ctx context.Context) *zerolog.Logger { return zerolog.Ctx(ctx) }
