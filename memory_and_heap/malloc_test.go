package heap_test

import (
	"math/rand"
	"sort"
	"testing"
	"unsafe"

	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"

	heap "github.com/pianoyeg94/managed-heap/memory_and_heap"
)

func TestSmallNoscanAllocAndCollect(t *testing.T) {
	h := newTestHeap(t)
	c := h.NewCache()

	const n = 1000
	const size = 24
	sizeclass := heap.SizeToClass(size)
	elemsize := heap.ClassToSize(sizeclass)

	before := h.AllocatedBytes()
	for i := 0; i < n; i++ {
		p := c.MallocNoscan(size)
		assert.Assert(t, p != nil)
	}
	assert.Equal(t, h.AllocatedBytes()-before, uint64(n*elemsize))

	h.GC()
	assert.Equal(t, h.AllocatedBytes(), before)
	partial, full := h.CentralSpans(sizeclass, true)
	assert.Equal(t, partial, 0)
	assert.Equal(t, full, 0)
	h.CheckInvariants()
}

func TestLargeObjects(t *testing.T) {
	h := newTestHeap(t)
	c := h.NewCache()

	seen := make(map[uintptr]bool)
	for _, size := range []uintptr{heap.MaxSmallSize + 1, 40 << 10, 100 << 10, 1 << 20, 5 << 20} {
		p := c.MallocNoscan(size)
		info, ok := h.SpanOf(p)
		assert.Assert(t, ok)
		assert.Equal(t, info.NElems, uintptr(1))
		assert.Equal(t, info.Base, uintptr(p))
		assert.Equal(t, info.SizeClass, 0)
		assert.Assert(t, info.ElemSize >= size)
		assert.Equal(t, info.ElemSize%heap.PageSize, uintptr(0))
		assert.Assert(t, !seen[info.Base], "base %#x handed out twice", info.Base)
		seen[info.Base] = true
	}
	h.CheckInvariants()
}

func TestLargeObjectsLiveOnFullListUntilSwept(t *testing.T) {
	h := newTestHeap(t)
	c := h.NewCache()
	root := h.Symbols().Define("large", 8, true)

	kept := c.MallocNoscan(100 << 10)
	dropped := c.MallocNoscan(200 << 10)
	c.WritePointer(nil, root.Base, uintptr(kept))
	keptInfo, _ := h.SpanOf(kept)
	droppedInfo, _ := h.SpanOf(dropped)

	partial, full := h.CentralSpans(0, true)
	assert.Equal(t, partial, 0)
	assert.Equal(t, full, 2)
	h.CheckInvariants()

	var m heap.MemStats
	h.ReadMemStats(&m)
	assert.Equal(t, m.Spans, 2)
	assert.Equal(t, h.AllocatedBytes(), uint64(keptInfo.ElemSize+droppedInfo.ElemSize))

	h.GC()
	h.CheckInvariants()
	partial, full = h.CentralSpans(0, true)
	assert.Equal(t, partial, 0)
	assert.Equal(t, full, 1)
	assert.Assert(t, h.IsAllocated(uintptr(kept)))
	_, ok := h.SpanOf(dropped)
	assert.Assert(t, !ok, "unreachable large object's span survived the sweep")
	h.ReadMemStats(&m)
	assert.Equal(t, m.Spans, 1)
	assert.Equal(t, h.AllocatedBytes(), uint64(keptInfo.ElemSize))

	c.WritePointer(nil, root.Base, 0)
	h.GC()
	_, full = h.CentralSpans(0, true)
	assert.Equal(t, full, 0)
	assert.Equal(t, h.AllocatedBytes(), uint64(0))
}

func TestZeroSizeAlloc(t *testing.T) {
	h := newTestHeap(t)
	c := h.NewCache()

	p1 := c.MallocNoscan(0)
	p2 := c.Mallocgc(0, nodeType, true)
	assert.Equal(t, p1, p2)
	assert.Equal(t, h.AllocatedBytes(), uint64(0))
	_, ok := h.SpanOf(p1)
	assert.Assert(t, !ok)
}

func TestAllocationsDoNotOverlap(t *testing.T) {
	h := newTestHeap(t)
	c := h.NewCache()
	rnd := rand.New(rand.NewSource(1))

	type object struct {
		base, size uintptr
	}
	var objs []object
	for i := 0; i < 5000; i++ {
		var size uintptr
		if i%100 == 0 {
			size = uintptr(rnd.Intn(256<<10) + 1)
		} else {
			size = uintptr(rnd.Intn(2048) + 1)
		}
		p := uintptr(c.MallocNoscan(size))
		assert.Equal(t, p%8, uintptr(0))
		objs = append(objs, object{p, size})

		// Stamp the object so an overlap would be seen as clobbering.
		*(*byte)(unsafe.Pointer(p)) = byte(i)
		*(*byte)(unsafe.Pointer(p + size - 1)) = byte(i)
	}

	for i, o := range objs {
		assert.Equal(t, *(*byte)(unsafe.Pointer(o.base)), byte(i))
		assert.Equal(t, *(*byte)(unsafe.Pointer(o.base + o.size - 1)), byte(i))
	}

	sort.Slice(objs, func(i, j int) bool { return objs[i].base < objs[j].base })
	for i := 1; i < len(objs); i++ {
		prev, cur := objs[i-1], objs[i]
		assert.Assert(t, prev.base+prev.size <= cur.base, "[%#x,+%d) overlaps %#x", prev.base, prev.size, cur.base)
	}
	h.CheckInvariants()
}

func TestAllocZeroesReusedMemory(t *testing.T) {
	h := newTestHeap(t)
	c := h.NewCache()

	const size = 64
	var first []uintptr
	for i := 0; i < 64; i++ {
		p := uintptr(c.MallocNoscan(size))
		for off := uintptr(0); off < size; off++ {
			*(*byte)(unsafe.Pointer(p + off)) = 0xff
		}
		first = append(first, p)
	}
	h.GC()

	for i := 0; i < 64; i++ {
		p := uintptr(c.MallocNoscan(size))
		for off := uintptr(0); off < size; off++ {
			if b := *(*byte)(unsafe.Pointer(p + off)); b != 0 {
				t.Fatalf("byte %d of reused object %#x is %#x", off, p, b)
			}
		}
	}
}

func TestCacheRefillAcrossSpans(t *testing.T) {
	h := newTestHeap(t)
	c := h.NewCache()

	sizeclass := heap.SizeToClass(512)
	p := c.MallocNoscan(512)
	info, ok := h.SpanOf(p)
	assert.Assert(t, ok)

	// Fill the first span and spill into a second one.
	for i := uintptr(1); i < info.NElems+1; i++ {
		c.MallocNoscan(512)
	}
	h.FreeCache(c)

	partial, full := h.CentralSpans(sizeclass, true)
	assert.Equal(t, full, 1)
	assert.Equal(t, partial, 1)
	h.CheckInvariants()
}

func TestMemStats(t *testing.T) {
	h := newTestHeap(t)
	c := h.NewCache()

	const small = 100
	first := c.MallocNoscan(128)
	for i := 1; i < small; i++ {
		c.MallocNoscan(128)
	}
	c.MallocNoscan(1 << 20)
	info, ok := h.SpanOf(first)
	assert.Assert(t, ok)
	smallSpans := (small + int(info.NElems) - 1) / int(info.NElems)

	var m heap.MemStats
	h.ReadMemStats(&m)
	assert.Equal(t, m.Mallocs, uint64(small+1))
	assert.Equal(t, m.Frees, uint64(0))
	assert.Equal(t, m.HeapAlloc, h.AllocatedBytes())
	assert.Equal(t, m.TotalAlloc, m.HeapAlloc)
	assert.Equal(t, m.Spans, smallSpans+1) // plus the large object's
	assert.Equal(t, m.Arenas, 1)
	assert.Assert(t, m.HeapInuse >= m.HeapAlloc)
	assert.Assert(t, m.HeapSys >= m.HeapInuse)
	assert.Assert(t, m.MSpanSys > 0)
	assert.Assert(t, m.GCSys > 0)

	h.GC()
	h.ReadMemStats(&m)
	assert.Equal(t, m.Frees, uint64(small+1))
	assert.Equal(t, m.HeapAlloc, uint64(0))
	assert.Equal(t, m.Spans, 0)
	assert.Equal(t, m.NumGC, uint64(1))
	assert.Assert(t, m.HeapReleased > 0)
}

func TestGrowIsIdempotentWithinArena(t *testing.T) {
	h := newTestHeap(t)

	h.Grow(1)
	arenas := h.Arenas()
	assert.Assert(t, is.Len(arenas, 1))

	h.Grow(1)
	h.Grow(heap.PallocChunkPages)
	assert.DeepEqual(t, h.Arenas(), arenas)

	// Spill past the first arena.
	h.Grow(heap.HeapArenaBytes / heap.PageSize)
	grown := h.Arenas()
	assert.Assert(t, len(grown) > 1)
	seen := make(map[uintptr]bool)
	for _, a := range grown {
		assert.Assert(t, !seen[a], "arena %#x mapped twice", a)
		seen[a] = true
	}
}

func TestHeapsAreIndependent(t *testing.T) {
	h1 := newTestHeap(t)
	h2 := newTestHeap(t)
	c1, c2 := h1.NewCache(), h2.NewCache()

	p1 := c1.MallocNoscan(64)
	p2 := c2.MallocNoscan(64)
	_, ok := h1.SpanOf(p2)
	assert.Assert(t, !ok)
	_, ok = h2.SpanOf(p1)
	assert.Assert(t, !ok)

	h1.GC()
	assert.Equal(t, h1.AllocatedBytes(), uint64(0))
	assert.Equal(t, h2.AllocatedBytes(), uint64(heap.RoundUpSize(64)))
}
