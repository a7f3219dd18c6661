package vhostuser

import "sync"

// iotlbCacheBound is the maximum number of cached translations per cache
// (§4.3: "bound ~2048 entries").
const iotlbCacheBound = 2048

type iotlbEntry struct {
	iova, uaddr, size uint64
	perm              uint8
}

func (e *iotlbEntry) overlaps(iova, size uint64) bool {
	return iova < e.iova+e.size && e.iova < iova+size
}

// IOTLBCache caches IOVA->HVA translations, populated by the frontend via
// IOTLB_MSG (C3). A Device holds a single IOTLBCache that all of its
// virtqueues share; there is no separate cache per queue. Reads (lookup) and writes (insert/remove)
// are split across a reader/writer lock so many concurrent datapath lookups
// do not contend with each other, only with the rarer control-plane update.
type IOTLBCache struct {
	mu      sync.RWMutex
	entries []iotlbEntry

	missFn func(iova uint64, perm uint8)
}

// NewIOTLBCache returns an empty cache. missFn is invoked (outside any lock)
// on a lookup miss, normally to emit a SLAVE_IOTLB_MSG MISS request.
func NewIOTLBCache(missFn func(iova uint64, perm uint8)) *IOTLBCache {
	return &IOTLBCache{missFn: missFn}
}

// Insert records a new translation from an IOTLB_UPDATE message (§4.3).
func (c *IOTLBCache) Insert(iova, uaddr, size uint64, perm uint8) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Remove any overlap first: entries must not overlap (P2).
	c.removeOverlap(iova, size)

	if len(c.entries) >= iotlbCacheBound {
		// FIFO eviction: drop the oldest entry to bound memory use.
		c.entries = c.entries[1:]
	}
	c.entries = append(c.entries, iotlbEntry{iova: iova, uaddr: uaddr, size: size, perm: perm})
}

// Remove evicts entries overlapping [iova, iova+size), from IOTLB_INVALIDATE.
func (c *IOTLBCache) Remove(iova, size uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeOverlap(iova, size)
}

func (c *IOTLBCache) removeOverlap(iova, size uint64) {
	kept := c.entries[:0]
	for _, e := range c.entries {
		if !e.overlaps(iova, size) {
			kept = append(kept, e)
		}
	}
	c.entries = kept
}

// Lookup translates iova for the given access perm. On miss, it invokes
// missFn (if set) and returns ok=false; the caller is expected to retry
// once the frontend answers with an UPDATE (§4.3, scenario 4).
func (c *IOTLBCache) Lookup(iova, size uint64, perm uint8) (uaddr uint64, ok bool) {
	c.mu.RLock()
	for _, e := range c.entries {
		if iova >= e.iova && iova+size <= e.iova+e.size && (e.perm&perm) == perm {
			uaddr = e.uaddr + (iova - e.iova)
			ok = true
			break
		}
	}
	c.mu.RUnlock()

	if !ok && c.missFn != nil {
		c.missFn(iova, perm)
	}
	return uaddr, ok
}

// FlushAll drops every cached entry (on SET_MEM_TABLE and vring invalidate).
func (c *IOTLBCache) FlushAll() {
	c.mu.Lock()
	c.entries = nil
	c.mu.Unlock()
}

// Len reports the number of cached entries (for tests/metrics).
func (c *IOTLBCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
