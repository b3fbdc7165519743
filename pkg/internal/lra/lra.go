// Package lra implements a fixed-capacity cache with least-recently-added
// eviction.
//
// Unlike an LRU, reads never refresh an entry. Entries describe guesses
// about a live process and go stale as it runs, so the insertion order is
// the honest measure of freshness: once the cache is full the oldest
// insertion is replaced no matter how often it has been hit since.
package lra

// Cache is a fixed set of slots addressed by linear scan. The capacities
// used in practice are small enough that a scan beats maintaining any
// ordering structure.
type Cache[K comparable, V any] struct {
	slots []slot[K, V]
	seq   uint64
}

type slot[K comparable, V any] struct {
	key  K
	val  V
	seq  uint64
	live bool
}

// New returns a cache holding at most capacity entries. A zero capacity
// cache accepts adds and drops them.
func New[K comparable, V any](capacity int) *Cache[K, V] {
	return &Cache[K, V]{slots: make([]slot[K, V], capacity)}
}

// Add inserts or replaces the entry for key. Replacing an existing key
// refreshes its insertion stamp. When every slot is live the entry with the
// oldest stamp is evicted.
func (c *Cache[K, V]) Add(key K, val V) {
	if len(c.slots) == 0 {
		return
	}
	c.seq++
	if i := c.index(key); i >= 0 {
		c.slots[i].val = val
		c.slots[i].seq = c.seq
		return
	}
	victim := 0
	for i := range c.slots {
		if !c.slots[i].live {
			victim = i
			break
		}
		if c.slots[i].seq < c.slots[victim].seq {
			victim = i
		}
	}
	c.slots[victim] = slot[K, V]{key: key, val: val, seq: c.seq, live: true}
}

// Get returns the value stored for key, if any.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	if i := c.index(key); i >= 0 {
		return c.slots[i].val, true
	}
	var zero V
	return zero, false
}

// Delete removes the entry for key. Deleting an absent key is a no-op.
func (c *Cache[K, V]) Delete(key K) {
	if i := c.index(key); i >= 0 {
		c.slots[i] = slot[K, V]{}
	}
}

// Len reports the number of live entries.
func (c *Cache[K, V]) Len() int {
	n := 0
	for i := range c.slots {
		if c.slots[i].live {
			n++
		}
	}
	return n
}

func (c *Cache[K, V]) index(key K) int {
	for i := range c.slots {
		if c.slots[i].live && c.slots[i].key == key {
			return i
		}
	}
	return -1
}
