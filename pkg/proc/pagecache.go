package proc

import (
	lru "github.com/hashicorp/golang-lru"
)

const cachePageSize = 0x1000

// CachedMemory wraps a MemoryReader with a page granular LRU cache. The
// analysis rereads the same runs of the type and pcln sections constantly;
// going to the kernel once per page instead of once per field makes attach
// tolerable on large binaries. The target is stopped while we look at it, so
// pages only go stale across a detach or an explicit Flush.
type CachedMemory struct {
	mem   MemoryReader
	pages *lru.Cache
}

// NewCachedMemory returns a CachedMemory holding at most pages pages.
func NewCachedMemory(mem MemoryReader, pages int) (*CachedMemory, error) {
	c, err := lru.New(pages)
	if err != nil {
		return nil, err
	}
	return &CachedMemory{mem: mem, pages: c}, nil
}

// ReadMemory assembles buf from cached pages, faulting missing pages in from
// the underlying reader. A range whose page can not be read in full, for
// example because it ends just before an unmapped page, falls back to an
// uncached read of the exact range.
func (m *CachedMemory) ReadMemory(buf []byte, addr uint64) (int, error) {
	// Bulk reads like the whole type section would just churn the cache.
	if len(buf) >= cachePageSize*16 {
		return m.mem.ReadMemory(buf, addr)
	}
	read := 0
	for read < len(buf) {
		base := (addr + uint64(read)) &^ uint64(cachePageSize-1)
		off := int(addr + uint64(read) - base)
		page, err := m.page(base)
		if err != nil {
			if _, err1 := m.mem.ReadMemory(buf[read:], addr+uint64(read)); err1 != nil {
				return read, err1
			}
			return len(buf), nil
		}
		read += copy(buf[read:], page[off:])
	}
	return read, nil
}

func (m *CachedMemory) page(base uint64) ([]byte, error) {
	if v, ok := m.pages.Get(base); ok {
		return v.([]byte), nil
	}
	pg := make([]byte, cachePageSize)
	if _, err := m.mem.ReadMemory(pg, base); err != nil {
		return nil, err
	}
	m.pages.Add(base, pg)
	return pg, nil
}

// Flush drops every cached page. Reanalysis calls this so that a target that
// was resumed and stopped again is reread from scratch.
func (m *CachedMemory) Flush() {
	m.pages.Purge()
}
