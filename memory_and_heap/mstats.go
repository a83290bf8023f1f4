package heap

import (
	"sync/atomic"
	"unsafe"
)

// mstats holds the OS-level memory accounting of a heap.
type mstats struct {
	heapSys      sysMemStat // bytes mapped for arenas
	heapInUse    sysMemStat // bytes in in-use spans
	heapReleased sysMemStat // bytes given back to the OS by sweeps, cumulative

	mspanSys  sysMemStat
	gcMiscSys sysMemStat // page allocator, heap arena and mark bit metadata
	otherSys  sysMemStat // persistentalloc chunks not charged elsewhere
}

// sysMemStat is a byte count updated atomically.
type sysMemStat uint64

func (s *sysMemStat) load() uint64 {
	return atomic.LoadUint64((*uint64)(s))
}

func (s *sysMemStat) add(n int64) {
	val := atomic.AddUint64((*uint64)(s), uint64(n))
	if (n > 0 && int64(val) < n) || (n < 0 && int64(val)+n < n) {
		print("heap: val=", val, " n=", n, "\n")
		throw("sysMemStat overflow")
	}
}

// A MemStats records statistics about the heap.
type MemStats struct {
	// HeapAlloc is bytes of allocated heap objects, the same as
	// AllocatedBytes.
	HeapAlloc uint64

	// TotalAlloc is cumulative bytes allocated for heap objects.
	TotalAlloc uint64

	// Mallocs is the cumulative count of heap objects allocated.
	// The number of live objects is Mallocs - Frees.
	Mallocs uint64

	// Frees is the cumulative count of heap objects freed.
	Frees uint64

	// HeapSys is bytes of arena memory mapped for the heap.
	HeapSys uint64

	// HeapInuse is bytes in in-use spans.
	HeapInuse uint64

	// HeapReleased is the cumulative bytes of span memory returned
	// to the OS.
	HeapReleased uint64

	// MSpanSys is bytes of memory obtained from the OS for mspan
	// structures.
	MSpanSys uint64

	// GCSys is bytes of memory in garbage collection metadata.
	GCSys uint64

	// OtherSys is bytes of memory in miscellaneous off-heap
	// allocations, globals included.
	OtherSys uint64

	// NextGC is the target heap size of the next GC cycle.
	NextGC uint64

	// NumGC is the number of GC cycles started.
	NumGC uint64

	// Spans is the number of in-use spans.
	Spans int

	// Arenas is the number of heap arenas mapped.
	Arenas int
}

// ReadMemStats populates m with memory allocator statistics.
//
// The span and arena counts are read under the heap lock; the
// counters are read atomically and may be slightly out of step with
// each other while tasks allocate.
func (h *Heap) ReadMemStats(m *MemStats) {
	*m = MemStats{
		HeapAlloc:    h.allocated.Load(),
		TotalAlloc:   h.totalAlloc.Load(),
		Mallocs:      h.nmalloc.Load(),
		Frees:        h.nfree.Load(),
		HeapSys:      h.memstats.heapSys.load(),
		HeapInuse:    h.memstats.heapInUse.load(),
		HeapReleased: h.memstats.heapReleased.load(),
		MSpanSys:     h.memstats.mspanSys.load(),
		GCSys:        h.memstats.gcMiscSys.load(),
		OtherSys:     h.memstats.otherSys.load(),
		NextGC:       h.nextGC.Load(),
		NumGC:        h.gcCount.Load(),
	}

	lock(&h.lock)
	for _, s := range h.allspans {
		if s.state.get() == mSpanInUse {
			m.Spans++
		}
	}
	m.Arenas = len(h.allArenas)
	unlock(&h.lock)
}

// CheckInvariants walks every span of the heap and throws if the
// bookkeeping is inconsistent:
//
//   - an in-use span's allocCount must equal the population of its
//     alloc bits and not exceed nelems;
//   - every page of an in-use span must map back to it;
//   - every span on a central list must be in use and of that
//     central's class.
//
// The world must be stopped, or no task may be allocating.
func (h *Heap) CheckInvariants() {
	lock(&h.lock)
	defer unlock(&h.lock)

	for _, s := range h.allspans {
		if s.state.get() != mSpanInUse {
			continue
		}
		if uintptr(s.allocCount) > s.nelems {
			print("heap: span ", hex(s.base()), " allocCount=", s.allocCount, " nelems=", s.nelems, "\n")
			throw("span has more objects than slots")
		}
		if n := s.allocBits.popcount(s.nelems); n != uintptr(s.allocCount) {
			print("heap: span ", hex(s.base()), " allocCount=", s.allocCount, " allocBits=", n, "\n")
			throw("alloc count does not match alloc bits")
		}
		for i := uintptr(0); i < s.npages; i++ {
			if ps := h.spanOf(s.base() + i*pageSize); ps != s {
				print("heap: page ", i, " of span ", hex(s.base()), " maps to ", hex(uintptr(unsafe.Pointer(ps))), "\n")
				throw("span not registered in its arena")
			}
		}
	}

	for i := range h.central {
		c := &h.central[i].mcentral
		lock(&c.lock)
		for _, list := range []*mSpanList{&c.partial, &c.full} {
			for s := list.first; s != nil; s = s.next {
				if s.state.get() != mSpanInUse || s.spanclass != c.spanclass || s.list != list {
					print("heap: span ", hex(s.base()), " on central ", c.spanclass, " has class ", s.spanclass, " state ", mSpanStateNames[s.state.get()], "\n")
					throw("bad span on central list")
				}
			}
		}
		unlock(&c.lock)
	}
}
