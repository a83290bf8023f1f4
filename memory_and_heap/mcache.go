package heap

import "unsafe"

// MCache is a per-processor cache for small objects. Allocations made
// through one need no locking because an MCache is only ever used by
// the goroutine that currently owns its processor.
//
// MCaches live in Go memory but only point at off-heap spans.
type MCache struct {
	h *Heap

	// alloc holds the span each small size class allocates from,
	// indexed by spanClass.
	alloc [numSpanClasses]*mspan

	// pcache is the page cache spans of this cache are carved from.
	pcache pageCache

	// mspancache is a cache of mspan objects, to avoid taking the
	// heap lock for every span allocation.
	mspancache struct {
		len int
		buf [128]*mspan
	}

	// gcw holds the grey objects this cache's owner discovered
	// through the write barrier and its mark worker.
	gcw gcWork

	// gcWorkGen is the collection in which this cache's mark worker
	// finished draining. From then on barrier shades go to the
	// global list, which mark termination drains.
	gcWorkGen uint64
}

// dummy mspan that contains no free objects.
var emptymspan mspan

// NewCache returns a cache allocating from h. Every processor
// allocating from the heap needs its own.
func (h *Heap) NewCache() *MCache {
	c := &MCache{h: h}
	for i := range c.alloc {
		c.alloc[i] = &emptymspan
	}
	c.gcw.h = h

	lock(&h.lock)
	h.allcaches = append(h.allcaches, c)
	unlock(&h.lock)
	return c
}

// FreeCache returns everything c holds to h. c must not be used
// afterwards.
func (h *Heap) FreeCache(c *MCache) {
	c.releaseAll()

	// Any grey objects are handed over to the global list, so a
	// collection in progress still scans them.
	c.gcw.dispose()

	lock(&h.lock)
	c.pcache.flush(&h.pages)
	for i := 0; i < c.mspancache.len; i++ {
		h.freeMSpanLocked(c.mspancache.buf[i])
		c.mspancache.buf[i] = nil
	}
	c.mspancache.len = 0
	for i, cc := range h.allcaches {
		if cc == c {
			last := len(h.allcaches) - 1
			h.allcaches[i] = h.allcaches[last]
			h.allcaches[last] = nil
			h.allcaches = h.allcaches[:last]
			break
		}
	}
	unlock(&h.lock)
}

// refill acquires a new span of span class spc for c. This span will
// have at least one free object. The current span in c must be full.
func (c *MCache) refill(spc spanClass) {
	// Return the current cached span to the central lists.
	s := c.alloc[spc]

	if uintptr(s.allocCount) != s.nelems {
		throw("refill of span with free space remaining")
	}
	if s != &emptymspan {
		c.h.central[spc].mcentral.uncacheSpan(s)
	}

	// Get a new cached span from the central lists.
	s = c.h.central[spc].mcentral.cacheSpan(c)
	if s == nil {
		throw("out of memory")
	}

	if uintptr(s.allocCount) == s.nelems {
		throw("span has no free space")
	}

	c.alloc[spc] = s
}

// releaseAll hands every cached span back to its central.
func (c *MCache) releaseAll() {
	for i := range c.alloc {
		s := c.alloc[i]
		if s != &emptymspan {
			c.h.central[i].mcentral.uncacheSpan(s)
			c.alloc[i] = &emptymspan
		}
	}
}

// Heap returns the heap c allocates from.
func (c *MCache) Heap() *Heap {
	return c.h
}

func (c *MCache) String() string {
	return "mcache " + hex(uintptr(unsafe.Pointer(c)))
}
