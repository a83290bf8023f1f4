// Export guts for testing.

package heap

import "unsafe"

const (
	MaxSmallSize     = _MaxSmallSize
	NumSizeClasses   = _NumSizeClasses
	PageSize         = pageSize
	PallocChunkPages = pallocChunkPages
	HeapArenaBytes   = heapArenaBytes
)

var (
	SizeToClass    = sizeToClass
	RoundUpSize    = roundupsize
	FindBitRange64 = findBitRange64
)

// DebugVars is the exported view of debugVars.
type DebugVars struct {
	GCTrace, MadvDontneed, HardDecommit, ForceGC int32
}

func exportDebugVars(d debugVars) DebugVars {
	return DebugVars{d.gctrace, d.madvdontneed, d.harddecommit, d.forcegc}
}

// ParseDebugVars parses s on top of zeroed settings.
func ParseDebugVars(s string) DebugVars {
	var d debugVars
	d.parse(s)
	return exportDebugVars(d)
}

func (h *Heap) DebugVars() DebugVars {
	return exportDebugVars(h.debug)
}

func ClassToSize(sizeclass uint8) uintptr {
	return uintptr(class_to_size[sizeclass])
}

type PallocBits pallocBits

func (b *PallocBits) AllocRange(i, n uint) { (*pallocBits)(b).allocRange(i, n) }
func (b *PallocBits) Free(i, n uint)       { (*pallocBits)(b).free(i, n) }
func (b *PallocBits) Find(npages uintptr, searchIdx uint) (uint, uint) {
	return (*pallocBits)(b).find(npages, searchIdx)
}
func (b *PallocBits) Summarize() (start, max, end uint) {
	return (*pallocBits)(b).summarize().unpack()
}

// SpanInfo describes the span holding p.
type SpanInfo struct {
	Base, Limit uintptr
	ElemSize    uintptr
	NElems      uintptr
	AllocCount  int
	SizeClass   int
	Noscan      bool
}

func (h *Heap) SpanOf(p unsafe.Pointer) (SpanInfo, bool) {
	s := h.spanOfHeap(uintptr(p))
	if s == nil {
		return SpanInfo{}, false
	}
	return SpanInfo{
		Base:       s.base(),
		Limit:      s.limit,
		ElemSize:   s.elemsize,
		NElems:     s.nelems,
		AllocCount: int(s.allocCount),
		SizeClass:  int(s.spanclass.sizeclass()),
		Noscan:     s.spanclass.noscan(),
	}, true
}

// IsAllocated reports whether p points at an object the heap considers
// allocated.
func (h *Heap) IsAllocated(p uintptr) bool {
	s := h.spanOfHeap(p)
	if s == nil {
		return false
	}
	return s.allocBits.isMarked(s.objIndex(p))
}

// CentralSpans counts the spans on the partial and full lists of a
// central.
func (h *Heap) CentralSpans(sizeclass uint8, noscan bool) (partial, full int) {
	c := &h.central[makeSpanClass(sizeclass, noscan)].mcentral
	lock(&c.lock)
	defer unlock(&c.lock)
	for s := c.partial.first; s != nil; s = s.next {
		partial++
	}
	for s := c.full.first; s != nil; s = s.next {
		full++
	}
	return
}

func (h *Heap) Grow(npages uintptr) {
	lock(&h.lock)
	h.grow(npages)
	unlock(&h.lock)
}

func (h *Heap) Arenas() []uintptr {
	lock(&h.lock)
	defer unlock(&h.lock)
	bases := make([]uintptr, 0, len(h.allArenas))
	for _, ai := range h.allArenas {
		bases = append(bases, arenaBase(ai))
	}
	return bases
}

func (h *Heap) AllocPages(npages uintptr) uintptr {
	lock(&h.lock)
	defer unlock(&h.lock)
	return h.pages.alloc(npages)
}

func (h *Heap) FreePages(base, npages uintptr) {
	lock(&h.lock)
	h.pages.free(base, npages)
	unlock(&h.lock)
}

// PageSummaries copies every summary covering the address ranges the
// page allocator manages.
func (h *Heap) PageSummaries() [][]uint64 {
	lock(&h.lock)
	defer unlock(&h.lock)
	var out [][]uint64
	for l := range h.pages.summary {
		var level []uint64
		for _, r := range h.pages.inUse.ranges {
			lo, hi := addrsToSummaryRange(l, r.base.addr(), r.limit.addr())
			for _, sum := range h.pages.summary[l][lo:hi] {
				level = append(level, uint64(sum))
			}
		}
		out = append(out, level)
	}
	return out
}

func (h *Heap) MarkBatch() int {
	return h.cfg.MarkBatch
}
