package prefetch

import (
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
)

// pendingSet tracks keys that are queued or dispatched but not yet finished,
// so a key is never enqueued twice. The Bloom filter answers the common "never
// seen" case without touching the map; the map makes the answer exact.
type pendingSet struct {
	keys  map[string]struct{}
	bloom *bloom.BloomFilter
	mutex sync.RWMutex
}

func newPendingSet(expectedKeys uint, falsePositiveRate float64) *pendingSet {
	return &pendingSet{
		keys:  make(map[string]struct{}),
		bloom: bloom.NewWithEstimates(expectedKeys, falsePositiveRate),
	}
}

// Add inserts key and reports whether it was newly added.
func (ps *pendingSet) Add(key string) bool {
	ps.mutex.Lock()
	defer ps.mutex.Unlock()

	if _, exists := ps.keys[key]; exists {
		return false
	}

	ps.keys[key] = struct{}{}
	ps.bloom.AddString(key)
	return true
}

func (ps *pendingSet) Has(key string) bool {
	ps.mutex.RLock()
	defer ps.mutex.RUnlock()

	if !ps.bloom.TestString(key) {
		return false
	}

	_, exists := ps.keys[key]
	return exists
}

// Remove deletes key from the exact set. The Bloom filter cannot forget, which
// only costs a map lookup on the next Has for that key.
func (ps *pendingSet) Remove(key string) {
	ps.mutex.Lock()
	defer ps.mutex.Unlock()

	delete(ps.keys, key)
}

func (ps *pendingSet) Len() int {
	ps.mutex.RLock()
	defer ps.mutex.RUnlock()
	return len(ps.keys)
}
