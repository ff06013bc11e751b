package storage

import (
	"encoding/binary"
	"sync/atomic"

	"github.com/apx-bio/secseg/secseg"
	"github.com/coocood/freecache"
)

// CachedArray wraps a read-only Array with an in-memory region cache so that
// overlapping ROI reads don't repeatedly hit the backing store.  Writes are
// not supported; executor inputs are immutable for a run.
type CachedArray struct {
	Array
	cache *freecache.Cache

	hits   uint64
	misses uint64
}

// NewCachedArray returns a caching wrapper with the given cache capacity in
// bytes.  Capacities below freecache's 512 KB minimum are raised to it.
func NewCachedArray(a Array, capacity int) *CachedArray {
	return &CachedArray{Array: a, cache: freecache.NewCache(capacity)}
}

func regionCacheKey(r Region) []byte {
	var k [48]byte
	for dim := 0; dim < 3; dim++ {
		binary.LittleEndian.PutUint64(k[dim*8:], uint64(r.Beg[dim]))
		binary.LittleEndian.PutUint64(k[24+dim*8:], uint64(r.End[dim]))
	}
	return k[:]
}

func (a *CachedArray) ReadRegion(r Region) ([]byte, error) {
	key := regionCacheKey(r)
	if data, err := a.cache.Get(key); err == nil {
		atomic.AddUint64(&a.hits, 1)
		return data, nil
	}
	data, err := a.Array.ReadRegion(r)
	if err != nil {
		return nil, err
	}
	atomic.AddUint64(&a.misses, 1)
	// Regions larger than 1/1024 of the cache are rejected by freecache;
	// those reads simply stay uncached.
	a.cache.Set(key, data, 0)
	return data, nil
}

func (a *CachedArray) WriteRegion(r Region, data []byte) error {
	return secseg.WrapStorageError(nil, "cached array is read-only")
}

// Stats returns cache hit and miss counts.
func (a *CachedArray) Stats() (hits, misses uint64) {
	return atomic.LoadUint64(&a.hits), atomic.LoadUint64(&a.misses)
}
