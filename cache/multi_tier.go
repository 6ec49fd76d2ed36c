package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/willibrandon/nugettrust/observability"
)

// Store is the cache surface used by revocation checking.
type Store interface {
	Get(ctx context.Context, namespace, key string) ([]byte, bool, error)
	Set(ctx context.Context, namespace, key string, data []byte, expiry time.Time, validate func([]byte) error) error
}

// MultiTierCache combines memory (L1) and disk (L2) caching with automatic promotion.
// When data is found in L2, it's promoted to L1 for faster subsequent access.
// L2 is optional.
type MultiTierCache struct {
	l1 *MemoryCache
	l2 *DiskCache
}

var _ Store = (*MultiTierCache)(nil)

// NewMultiTierCache creates a new multi-tier cache combining memory and disk layers.
func NewMultiTierCache(l1 *MemoryCache, l2 *DiskCache) *MultiTierCache {
	return &MultiTierCache{
		l1: l1,
		l2: l2,
	}
}

func memoryKey(namespace, key string) string {
	return namespace + "\x00" + key
}

// Get retrieves from L1 first, then L2, promoting to L1 on L2 hit.
func (mtc *MultiTierCache) Get(ctx context.Context, namespace, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	if data, ok := mtc.l1.Get(memoryKey(namespace, key)); ok {
		observability.CacheHitsTotal.WithLabelValues("memory").Inc()
		return data, true, nil
	}
	observability.CacheMissesTotal.WithLabelValues("memory").Inc()

	if mtc.l2 == nil {
		return nil, false, nil
	}

	data, ok, err := mtc.l2.Get(namespace, key)
	if err != nil || !ok {
		observability.CacheMissesTotal.WithLabelValues("disk").Inc()
		return nil, false, err
	}
	observability.CacheHitsTotal.WithLabelValues("disk").Inc()

	if expiry, err := mtc.l2.Expiry(namespace, key); err == nil {
		mtc.l1.Set(memoryKey(namespace, key), data, expiry)
	}
	return data, true, nil
}

// Set validates data, then writes it to both tiers with the given expiry.
func (mtc *MultiTierCache) Set(ctx context.Context, namespace, key string, data []byte, expiry time.Time, validate func([]byte) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if validate != nil {
		if err := validate(data); err != nil {
			return fmt.Errorf("validation failed: %w", err)
		}
	}

	mtc.l1.Set(memoryKey(namespace, key), data, expiry)
	if mtc.l2 == nil {
		return nil
	}
	return mtc.l2.Set(namespace, key, data, expiry)
}

// Clear clears both caches.
func (mtc *MultiTierCache) Clear() error {
	mtc.l1.Clear()
	if mtc.l2 == nil {
		return nil
	}
	return mtc.l2.Clear()
}
