// Package cache stores revocation responses (OCSP responses and CRLs) in
// memory and on disk. Entries carry an absolute expiry taken from the
// response itself (nextUpdate), so a cached answer is never served after
// its issuer stops vouching for it.
package cache

import (
	"container/list"
	"sync"
	"time"
)

// Entry represents a cached value with metadata.
type Entry struct {
	Value  []byte
	Expiry time.Time
	Size   int
}

// expiredAt reports whether the entry is past its expiry at now.
func (e *Entry) expiredAt(now time.Time) bool {
	return !now.Before(e.Expiry)
}

// MemoryCache is an LRU cache with absolute expiry per entry.
type MemoryCache struct {
	maxEntries int
	maxSize    int64 // Maximum total bytes
	now        func() time.Time

	mu        sync.Mutex
	entries   map[string]*list.Element // key -> list element
	lruList   *list.List               // front is most recently used
	totalSize int64
}

// lruEntry wraps cache key and entry for LRU list.
type lruEntry struct {
	key   string
	entry *Entry
}

// NewMemoryCache creates a new LRU memory cache.
func NewMemoryCache(maxEntries int, maxSize int64) *MemoryCache {
	return &MemoryCache{
		maxEntries: maxEntries,
		maxSize:    maxSize,
		now:        time.Now,
		entries:    make(map[string]*list.Element),
		lruList:    list.New(),
	}
}

// WithClock replaces the clock used for expiry checks and returns mc.
func (mc *MemoryCache) WithClock(now func() time.Time) *MemoryCache {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.now = now
	return mc
}

// Get retrieves a value from the cache.
// Returns (value, true) if found and not expired, (nil, false) otherwise.
func (mc *MemoryCache) Get(key string) ([]byte, bool) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	elem, ok := mc.entries[key]
	if !ok {
		return nil, false
	}

	lruEnt := elem.Value.(*lruEntry)
	if lruEnt.entry.expiredAt(mc.now()) {
		mc.removeElement(elem)
		return nil, false
	}

	mc.lruList.MoveToFront(elem)

	value := make([]byte, len(lruEnt.entry.Value))
	copy(value, lruEnt.entry.Value)
	return value, true
}

// Set adds or updates a value that stays valid until expiry. Values that are
// already expired are not stored.
func (mc *MemoryCache) Set(key string, value []byte, expiry time.Time) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	if !mc.now().Before(expiry) {
		if elem, ok := mc.entries[key]; ok {
			mc.removeElement(elem)
		}
		return
	}

	stored := make([]byte, len(value))
	copy(stored, value)

	if elem, ok := mc.entries[key]; ok {
		lruEnt := elem.Value.(*lruEntry)
		mc.totalSize += int64(len(stored)) - int64(lruEnt.entry.Size)
		lruEnt.entry.Value = stored
		lruEnt.entry.Expiry = expiry
		lruEnt.entry.Size = len(stored)
		mc.lruList.MoveToFront(elem)
	} else {
		lruEnt := &lruEntry{
			key:   key,
			entry: &Entry{Value: stored, Expiry: expiry, Size: len(stored)},
		}
		mc.entries[key] = mc.lruList.PushFront(lruEnt)
		mc.totalSize += int64(len(stored))
	}

	mc.evictIfNeeded()
}

// Delete removes a key from the cache.
func (mc *MemoryCache) Delete(key string) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	if elem, ok := mc.entries[key]; ok {
		mc.removeElement(elem)
	}
}

// Clear removes all entries from the cache.
func (mc *MemoryCache) Clear() {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.entries = make(map[string]*list.Element)
	mc.lruList = list.New()
	mc.totalSize = 0
}

// Stats returns cache statistics.
func (mc *MemoryCache) Stats() Stats {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	return Stats{
		Entries:   len(mc.entries),
		SizeBytes: mc.totalSize,
	}
}

// removeElement removes an element from the cache (must hold lock).
func (mc *MemoryCache) removeElement(elem *list.Element) {
	lruEnt := elem.Value.(*lruEntry)
	delete(mc.entries, lruEnt.key)
	mc.lruList.Remove(elem)
	mc.totalSize -= int64(lruEnt.entry.Size)
}

// evictIfNeeded evicts least recently used entries until within limits.
func (mc *MemoryCache) evictIfNeeded() {
	for mc.lruList.Len() > mc.maxEntries {
		mc.removeElement(mc.lruList.Back())
	}
	for mc.totalSize > mc.maxSize && mc.lruList.Len() > 0 {
		mc.removeElement(mc.lruList.Back())
	}
}

// Stats holds cache statistics.
type Stats struct {
	Entries   int
	SizeBytes int64
}
