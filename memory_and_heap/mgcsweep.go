// Garbage collector: sweeping
//
// Sweeping runs with the world stopped, right after mark termination.
// It visits every span of every central exactly once:
//
//   - spans cached by an MCache are first handed back to their central;
//   - the span's mark bits become its alloc bits and fresh mark bits
//     are allocated;
//   - a span with no survivors gives its pages back to the heap;
//   - the others go on their central's full or partial list.

package heap

// gcSweep sweeps every span in the heap. The world must be stopped.
func (h *Heap) gcSweep() {
	lock(&h.lock)
	caches := append([]*MCache(nil), h.allcaches...)
	unlock(&h.lock)
	for _, c := range caches {
		c.releaseAll()
	}

	for i := range h.central {
		c := &h.central[i].mcentral
		lock(&c.lock)
		spans := c.partial.takeAll()
		full := c.full.takeAll()
		unlock(&c.lock)

		for _, list := range [2]*mspan{spans, full} {
			for s := list; s != nil; {
				next := s.next
				s.next, s.prev = nil, nil
				h.sweepSpan(c, s)
				s = next
			}
		}
	}

	// All spans now point at bitmaps of this epoch or the previous one.
	h.nextMarkBitArenaEpoch()
}

// sweepSpan frees the unmarked objects of s and files it with c, or
// returns it to the heap if nothing in it survived.
func (h *Heap) sweepSpan(c *mcentral, s *mspan) {
	if state := s.state.get(); state != mSpanInUse {
		print("heap: sweeping span ", hex(s.base()), " in state ", mSpanStateNames[state], "\n")
		throw("sweep of a span that is not in use")
	}
	if n := s.allocBits.popcount(s.nelems); n != uintptr(s.allocCount) {
		print("heap: span ", hex(s.base()), " allocCount=", s.allocCount, " allocBits=", n, "\n")
		throw("sweep: alloc count does not match alloc bits")
	}

	nalloc := uint16(s.countAlloc())
	if nalloc > s.allocCount {
		// The zombie check: an object was marked that was never
		// allocated.
		print("heap: nelems=", s.nelems, " nalloc=", nalloc, " previous allocCount=", s.allocCount, "\n")
		throw("sweep increased allocation count")
	}
	nfreed := s.allocCount - nalloc
	s.allocCount = nalloc
	s.freeindex = 0 // reset allocation index to start of span.

	// gcmarkBits becomes the allocBits.
	// get a fresh cleared gcmarkBits in preparation for next GC
	s.allocBits = s.gcmarkBits
	s.gcmarkBits = h.newMarkBits(s.nelems)

	// Initialize alloc bits cache.
	s.refillAllocCache(0)

	if nfreed > 0 {
		s.needzero = 1
		freed := uint64(nfreed) * uint64(s.elemsize)
		h.allocated.Add(^(freed - 1))
		h.nfree.Add(uint64(nfreed))
	}

	if nalloc == 0 {
		if h.debug.gctrace > 1 {
			print("gc ", h.gcCount.Load(), ": free span ", hex(s.base()), " npages=", s.npages, " class=", s.spanclass.sizeclass(), "\n")
		}
		lock(&h.lock)
		h.freeSpanLocked(s)
		unlock(&h.lock)
		h.work.spansFreed++
		return
	}

	lock(&c.lock)
	if uintptr(nalloc) == s.nelems {
		c.full.insert(s)
	} else {
		c.partial.insert(s)
	}
	unlock(&c.lock)
}
