// Copyright 2016 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package blobcache implements an in-process LRU cache of blob contents,
// keyed by objhash.Hash, with reference-counted interest handles that can
// pin an entry past its normal eviction point. It mirrors the shape of
// EdenFS's BlobCache: a byte budget and a minimum entry count both have to
// be satisfied before an entry is evicted, and an outstanding WantHandle
// keeps an entry alive regardless of LRU position.
package blobcache

import (
	"container/list"
	"sync"
	"weak"

	"github.com/jacobsa/syncutil"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/scmfs/scmfs/objectstore"
	"github.com/scmfs/scmfs/objhash"
)

// Interest describes how a caller expects to use a blob it just fetched or
// inserted, and therefore how hard the cache should try to keep it around.
type Interest int

const (
	// UnlikelyNeededAgain places the entry at the cache's eviction
	// candidate, as if it were already the least recently used item.
	UnlikelyNeededAgain Interest = iota
	// LikelyNeededAgain is the default: the entry participates in LRU
	// ordering like any other.
	LikelyNeededAgain
	// WantHandle additionally returns a Handle that keeps the entry pinned
	// in the cache, bypassing LRU eviction, until the handle is released.
	WantHandle
)

// cacheItem is the cache's internal record for one blob.
type cacheItem struct {
	hash     objhash.Hash
	blob     *objectstore.Blob
	elem     *list.Element
	refCount int64 // outstanding WantHandle handles
}

// Handle pins a cache entry alive past whatever its LRU position would
// otherwise dictate. It is created by Insert or Get with interest
// WantHandle, and must be released exactly once. The handle holds an
// ordinary (strong) pointer to the cache and only a weak reference to the
// blob, so the cache is always free to drop its own
// strong entry; a handle keeps the entry alive purely through the
// refCount bookkeeping below, not through Go's garbage collector. Because
// the weak reference targets the blob directly rather than the cache's
// wrapper record, Get can still return the blob after the cache has
// evicted its own copy, as long as some other owner (e.g. the inode that
// fetched it) is keeping the blob alive.
type Handle struct {
	cache *Cache
	hash  objhash.Hash
	blob  weak.Pointer[objectstore.Blob]
	once  sync.Once
}

// Get returns the blob if it is still reachable, whether via the cache's
// own entry or via some other owner keeping it alive after eviction.
func (h *Handle) Get() (*objectstore.Blob, bool) {
	blob := h.blob.Value()
	if blob == nil {
		return nil, false
	}
	return blob, true
}

// Release drops this handle's interest in the entry. Once every handle on
// an entry has been released, the entry is removed from the cache
// immediately, whatever its LRU position.
func (h *Handle) Release() {
	h.once.Do(func() {
		h.cache.release(h.hash)
	})
}

// Cache is an LRU cache of blob contents bounded by both a byte budget and
// a floor on the number of entries retained, so that a cache loaded with a
// few very large blobs doesn't evict down to zero useful entries.
type Cache struct {
	mu            syncutil.InvariantMutex
	maxSizeBytes  uint64
	minEntryCount int

	items     map[objhash.Hash]*cacheItem // GUARDED_BY(mu)
	lru       *list.List                  // GUARDED_BY(mu); front = least recently used
	totalSize uint64                      // GUARDED_BY(mu)

	sizeGauge prometheus.Gauge
}

// New returns an empty Cache that evicts down to maxSizeBytes, but never
// below minEntryCount entries regardless of size.
func New(maxSizeBytes uint64, minEntryCount int) *Cache {
	c := &Cache{
		maxSizeBytes:  maxSizeBytes,
		minEntryCount: minEntryCount,
		items:         make(map[objhash.Hash]*cacheItem),
		lru:           list.New(),
		sizeGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "scmfs",
			Subsystem: "blobcache",
			Name:      "total_size_bytes",
			Help:      "Total size in bytes of blobs currently held in the blob cache.",
		}),
	}
	c.mu = syncutil.NewInvariantMutex(c.checkInvariants)
	return c
}

func (c *Cache) checkInvariants() {
	if len(c.items) < c.lru.Len() {
		panic("blobcache: lru list longer than item table")
	}
}

// Collector exposes the cache's size gauge for registration with a
// Prometheus registry.
func (c *Cache) Collector() prometheus.Collector {
	return c.sizeGauge
}

// TotalSize returns the sum of the sizes of all blobs currently cached.
func (c *Cache) TotalSize() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.totalSize
}

// Get returns the cached blob for hash, if present, bumping its LRU
// position. If interest is WantHandle, a Handle is also returned; the
// caller must call Release on it exactly once.
func (c *Cache) Get(hash objhash.Hash, interest Interest) (*objectstore.Blob, *Handle, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	item, ok := c.items[hash]
	if !ok {
		return nil, nil, false
	}

	c.touch(item, interest)
	return item.blob, c.makeHandle(item, interest), true
}

// Insert adds blob to the cache, evicting older entries as needed to stay
// within budget. If interest is WantHandle, the returned Handle must be
// released exactly once.
func (c *Cache) Insert(blob *objectstore.Blob, interest Interest) *Handle {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.items[blob.Hash]; ok {
		c.touch(existing, interest)
		return c.makeHandle(existing, interest)
	}

	item := &cacheItem{hash: blob.Hash, blob: blob}
	c.items[blob.Hash] = item
	c.totalSize += uint64(len(blob.Data))

	switch interest {
	case UnlikelyNeededAgain:
		item.elem = c.lru.PushFront(item)
	default:
		item.elem = c.lru.PushBack(item)
	}

	handle := c.makeHandle(item, interest)
	c.evictLocked()
	c.sizeGauge.Set(float64(c.totalSize))
	return handle
}

func (c *Cache) touch(item *cacheItem, interest Interest) {
	if interest == UnlikelyNeededAgain {
		c.lru.MoveToFront(item.elem)
	} else {
		c.lru.MoveToBack(item.elem)
	}
}

func (c *Cache) makeHandle(item *cacheItem, interest Interest) *Handle {
	if interest != WantHandle {
		return nil
	}
	item.refCount++
	return &Handle{cache: c, hash: item.hash, blob: weak.Make(item.blob)}
}

// release processes a dropped WantHandle. Per the cache's interest-handle
// contract, once the last outstanding handle on an entry is released, the
// entry is removed immediately regardless of its LRU queue position or the
// minimum entry floor: evictLocked never evicts an entry with a positive
// refCount, so an entry reaching refCount zero here is always still
// present and otherwise wouldn't be evicted until something else disturbed
// the cache.
func (c *Cache) release(hash objhash.Hash) {
	c.mu.Lock()
	defer c.mu.Unlock()

	item, ok := c.items[hash]
	if !ok {
		return
	}
	item.refCount--
	if item.refCount > 0 {
		return
	}
	c.removeLocked(item)
}

// removeLocked unconditionally drops item from the cache's entry table,
// LRU list, and size accounting.
//
// LOCKS_REQUIRED(c.mu)
func (c *Cache) removeLocked(item *cacheItem) {
	if item.elem != nil {
		c.lru.Remove(item.elem)
	}
	delete(c.items, item.hash)
	c.totalSize -= uint64(len(item.blob.Data))
	c.sizeGauge.Set(float64(c.totalSize))
}

// evictLocked walks the LRU list from the front (least recently used),
// dropping entries that have no outstanding handles, until the cache is at
// or under its byte budget or has reached the minimum entry floor.
func (c *Cache) evictLocked() {
	for uint64(len(c.items)) > uint64(c.minEntryCount) && c.totalSize > c.maxSizeBytes {
		evicted := false
		for e := c.lru.Front(); e != nil; e = e.Next() {
			item := e.Value.(*cacheItem)
			if item.refCount > 0 {
				continue
			}
			c.removeLocked(item)
			evicted = true
			break
		}
		if !evicted {
			break
		}
	}
	c.sizeGauge.Set(float64(c.totalSize))
}
