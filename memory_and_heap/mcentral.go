// Central free lists.
//
// See malloc.go for an overview.
//
// The mcentral doesn't actually contain the list of free objects; the mspan does.
// Each mcentral is two lists of mspans: those with free objects (partial)
// and those that are completely allocated (full).
//
// A span is in exactly one place at a time: cached by one MCache, on
// one of these lists, or (for spans with nothing left alive) back in
// the page heap.

package heap

// Central list of free objects of a given size.
type mcentral struct {
	lock      mutex
	spanclass spanClass
	h         *Heap

	// partial holds spans with at least one free object, full
	// holds spans with none.
	partial mSpanList
	full    mSpanList
}

// Initialize a single central free list.
func (c *mcentral) init(spc spanClass, h *Heap) {
	c.spanclass = spc
	c.h = h
	c.partial.init()
	c.full.init()
}

// Allocate a span to use in an mcache.
func (c *mcentral) cacheSpan(mc *MCache) *mspan {
	lock(&c.lock)
	s := c.partial.first
	if s != nil {
		c.partial.remove(s)
	}
	unlock(&c.lock)

	if s == nil {
		// Get a new span from the heap.
		s = c.grow(mc)
		if s == nil {
			return nil
		}
	}

	if uintptr(s.allocCount) == s.nelems {
		throw("span has no free objects")
	}
	return s
}

// Return span from an mcache.
//
// s must have a span class corresponding to this
// mcentral. A span nothing was allocated from stays on partial until
// the next sweep returns its pages.
func (c *mcentral) uncacheSpan(s *mspan) {
	lock(&c.lock)
	if uintptr(s.allocCount) == s.nelems {
		c.full.insert(s)
	} else {
		c.partial.insert(s)
	}
	unlock(&c.lock)
}

// fullSpan files a span that was handed out whole, a large object.
func (c *mcentral) fullSpan(s *mspan) {
	lock(&c.lock)
	c.full.insert(s)
	unlock(&c.lock)
}

// grow allocates a new empty span from the heap and initializes it for c's size class.
func (c *mcentral) grow(mc *MCache) *mspan {
	npages := uintptr(class_to_allocnpages[c.spanclass.sizeclass()])
	return c.h.alloc(npages, c.spanclass, mc)
}
