package cache

import (
	"math"

	"github.com/hashicorp/golang-lru/v2/simplelru"

	"github.com/fortiblox/wasmvm/internal/types"
)

// memoryTier is a least recently used set of compiled modules bounded by
// the sum of their sizes. It is not safe for concurrent use; the cache
// lock guards it.
type memoryTier struct {
	lru     *simplelru.LRU[types.Checksum, *entry]
	budget  uint64
	size    uint64
	evicted func(*entry)
}

func newMemoryTier(budget uint64, evicted func(*entry)) *memoryTier {
	t := &memoryTier{budget: budget, evicted: evicted}
	// Capacity is enforced in bytes below, the entry count is unbounded.
	lru, _ := simplelru.NewLRU[types.Checksum, *entry](math.MaxInt, func(_ types.Checksum, e *entry) {
		t.size -= e.size
		t.evicted(e)
	})
	t.lru = lru
	return t
}

// get returns the entry and marks it most recently used.
func (t *memoryTier) get(checksum types.Checksum) (*entry, bool) {
	return t.lru.Get(checksum)
}

// add inserts e and evicts least recently used entries until the tier
// fits its budget. An entry larger than the whole budget is not kept.
func (t *memoryTier) add(e *entry) {
	if e.size > t.budget {
		return
	}
	if t.lru.Contains(e.checksum) {
		t.lru.Get(e.checksum)
		return
	}
	e.refs++
	t.size += e.size
	t.lru.Add(e.checksum, e)
	for t.size > t.budget {
		if _, _, ok := t.lru.RemoveOldest(); !ok {
			break
		}
	}
}

// remove drops checksum from the tier.
func (t *memoryTier) remove(checksum types.Checksum) bool {
	return t.lru.Remove(checksum)
}

func (t *memoryTier) len() int {
	return t.lru.Len()
}

func (t *memoryTier) purge() {
	t.lru.Purge()
}
