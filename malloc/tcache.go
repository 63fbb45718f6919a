package malloc

import "sync"

// threadCache one set of free block lists, owned exclusively by
// whoever checked it out of the registry. The mutex is held for the
// whole checkout and is uncontended in steady state, it only ever
// blocks a Trim or Release flushing caches it does not own.
type threadCache struct {
	mu      sync.Mutex
	lists   []freeBlockList // one per slab size
	ncached int64           // blocks parked in this cache
}

// cacheRegistry hands out threadCache objects with per-P affinity and
// remembers every cache ever created, so flush-all and leak
// accounting can reach caches their owners abandoned. The registry
// mutex guards registration only, never the hot path.
type cacheRegistry struct {
	mu     sync.Mutex
	caches []*threadCache
	pool   sync.Pool
}

func newcacheregistry(npools int) *cacheRegistry {
	cr := &cacheRegistry{}
	cr.pool.New = func() interface{} {
		tc := &threadCache{lists: make([]freeBlockList, npools)}
		cr.mu.Lock()
		cr.caches = append(cr.caches, tc)
		cr.mu.Unlock()
		return tc
	}
	return cr
}

// checkout a cache, holding its mutex. Pair with put.
func (cr *cacheRegistry) get() *threadCache {
	tc := cr.pool.Get().(*threadCache)
	tc.mu.Lock()
	return tc
}

func (cr *cacheRegistry) put(tc *threadCache) {
	tc.mu.Unlock()
	cr.pool.Put(tc)
}

// snapshot of every registered cache, for flush-all.
func (cr *cacheRegistry) all() []*threadCache {
	cr.mu.Lock()
	defer cr.mu.Unlock()
	return append([]*threadCache{}, cr.caches...)
}
