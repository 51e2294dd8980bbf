// Package lru implements C3, the in-memory LRU metadata index: a map of
// entry hash to (mtime, size), an ordered multimap from (mtime, size) to
// entry hash, and the running total of cached bytes.
//
// Index is not safe for concurrent use; every call from pkg/artifactcache
// (C4) is serialized under the file cache's public lock, per spec §4.3/§5.
package lru

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/btree"
)

// ErrNonPositiveSize is returned by Insert when size is not greater than
// zero.
var ErrNonPositiveSize = errors.New("size must be greater than zero")

// ErrNotFound is returned by Remove and Touch when the hash is unknown.
var ErrNotFound = errors.New("entry not found")

// Meta is the (mtime, size) pair tracked for one cache entry.
type Meta struct {
	MTime time.Time
	Size  uint64
}

// entryKey is the btree ordering key: by mtime, then by size ascending as a
// tie-break (smaller size evicted first among entries that share an mtime),
// then by hash to keep the key unique for entries with identical mtime+size.
type entryKey struct {
	mtime time.Time
	size  uint64
	hash  string
}

func (a entryKey) Less(b entryKey) bool {
	if !a.mtime.Equal(b.mtime) {
		return a.mtime.Before(b.mtime)
	}

	if a.size != b.size {
		return a.size < b.size
	}

	return a.hash < b.hash
}

// Index is the C3 LRU metadata index.
type Index struct {
	entries   map[string]Meta
	mtimes    *btree.BTreeG[entryKey]
	cacheSize uint64
}

// New returns an empty Index.
func New() *Index {
	return &Index{
		entries: make(map[string]Meta),
		mtimes:  btree.NewG(32, entryKey.Less),
	}
}

// Insert records a new entry. size must be > 0. If hash is already present,
// its prior record is replaced (as Remove followed by Insert would do).
func (idx *Index) Insert(hash string, mtime time.Time, size uint64) error {
	if size == 0 {
		return ErrNonPositiveSize
	}

	if old, ok := idx.entries[hash]; ok {
		idx.mtimes.Delete(entryKey{mtime: old.MTime, size: old.Size, hash: hash})
		idx.cacheSize -= old.Size
	}

	idx.entries[hash] = Meta{MTime: mtime, Size: size}
	idx.mtimes.ReplaceOrInsert(entryKey{mtime: mtime, size: size, hash: hash})
	idx.cacheSize += size

	return nil
}

// Remove deletes hash from the index and returns the size it occupied.
func (idx *Index) Remove(hash string) (uint64, error) {
	m, ok := idx.entries[hash]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrNotFound, hash)
	}

	delete(idx.entries, hash)
	idx.mtimes.Delete(entryKey{mtime: m.MTime, size: m.Size, hash: hash})
	idx.cacheSize -= m.Size

	return m.Size, nil
}

// Touch repositions hash in the ordered index under a new mtime, without
// changing its size.
func (idx *Index) Touch(hash string, newMTime time.Time) error {
	m, ok := idx.entries[hash]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, hash)
	}

	idx.mtimes.Delete(entryKey{mtime: m.MTime, size: m.Size, hash: hash})

	m.MTime = newMTime
	idx.entries[hash] = m
	idx.mtimes.ReplaceOrInsert(entryKey{mtime: newMTime, size: m.Size, hash: hash})

	return nil
}

// LeastRecent returns the entry hash with the smallest (mtime, size),
// breaking ties by smaller size first. The second return value is false
// when the index is empty.
func (idx *Index) LeastRecent() (string, bool) {
	var (
		found string
		ok    bool
	)

	idx.mtimes.Ascend(func(k entryKey) bool {
		found = k.hash
		ok = true

		return false
	})

	return found, ok
}

// TotalSize returns the authoritative running total of cached bytes.
func (idx *Index) TotalSize() uint64 { return idx.cacheSize }

// Len returns the number of entries currently tracked.
func (idx *Index) Len() int { return len(idx.entries) }

// Get returns the (mtime, size) recorded for hash.
func (idx *Index) Get(hash string) (Meta, bool) {
	m, ok := idx.entries[hash]

	return m, ok
}
