// Package registry bounds how many vector segments are open at once,
// since each open segment holds a fixed number of OS file handles
// (§5: 4 graph files + 1 metadata file per segment).
package registry

import (
	"fmt"
	"log/slog"
	"sync"
	"syscall"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/chroma-core/vectorsegment/internal/segment"
)

// handlesPerSegment is the fixed file-handle cost of one open segment
// (§5: header.bin, data_level0.bin, length.bin, link_lists.bin,
// metadata.snap).
const handlesPerSegment = 5

// DefaultCacheSize is used when the process fd limit can't be read.
const DefaultCacheSize = 64

// OpenFunc constructs a segment for a collection id that isn't
// currently cached, mirroring the teacher's pattern of injecting the
// expensive constructor rather than having the cache know how to build
// one.
type OpenFunc func(collectionId string) (*segment.Segment, error)

// Registry is an LRU cache of open segments, evicting (and closing)
// the least-recently-used segment once the process's file descriptor
// budget would otherwise be exceeded.
type Registry struct {
	mu    sync.Mutex
	cache *lru.Cache[string, *segment.Segment]
	open  OpenFunc
	log   *slog.Logger
}

// New creates a registry sized to the process's fd limit divided by
// handlesPerSegment, with open used to construct segments on a cache
// miss.
func New(open OpenFunc, log *slog.Logger) (*Registry, error) {
	if log == nil {
		log = slog.Default()
	}
	size := fdLimitCacheSize()
	r := &Registry{open: open, log: log}

	cache, err := lru.NewWithEvict[string, *segment.Segment](size, r.onEvict)
	if err != nil {
		return nil, fmt.Errorf("create segment registry: %w", err)
	}
	r.cache = cache
	return r, nil
}

func (r *Registry) onEvict(collectionId string, s *segment.Segment) {
	if err := s.Close(); err != nil {
		r.log.Warn("error closing evicted segment", "collection_id", collectionId, "error", err)
	}
}

// fdLimitCacheSize reads RLIMIT_NOFILE and divides by handlesPerSegment,
// matching the §5 sizing rule. Falls back to DefaultCacheSize if the
// limit can't be read (e.g. on platforms without syscall.Getrlimit).
func fdLimitCacheSize() int {
	var rlimit syscall.Rlimit
	if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &rlimit); err != nil {
		return DefaultCacheSize
	}
	size := int(rlimit.Cur) / handlesPerSegment
	if size < 1 {
		size = 1
	}
	return size
}

// Get returns the cached segment for collectionId, opening it via
// OpenFunc on a miss.
func (r *Registry) Get(collectionId string) (*segment.Segment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.cache.Get(collectionId); ok {
		return s, nil
	}

	s, err := r.open(collectionId)
	if err != nil {
		return nil, fmt.Errorf("open segment %s: %w", collectionId, err)
	}
	r.cache.Add(collectionId, s)
	return s, nil
}

// Evict closes and removes collectionId's segment from the cache, if
// present.
func (r *Registry) Evict(collectionId string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache.Remove(collectionId)
}

// Len returns the number of currently cached segments.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cache.Len()
}

// Close evicts (and closes) every cached segment.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache.Purge()
}
