// Allocator.
//
// Objects up to _MaxSmallSize bytes are rounded to a size class and
// carved out of spans, runs of pages holding objects of one class
// with a bitmap of the slots in use. Larger objects get a span each.
//
// A small allocation looks in the span its MCache holds for the class.
// A full span is traded at the class's mcentral for one with room;
// an mcentral out of spans takes fresh pages from the Heap's page
// allocator; and the page allocator grows into the next reserved
// arena, reserving another at an arena hint when the last one is used
// up. Only the last two steps take the heap lock.
//
// Freeing is sweeping. With the world stopped every MCache hands its
// spans back, each span's mark bits become its alloc bits, and a span
// with no survivors returns its pages to the page allocator and
// releases them to the OS.
//
// None of the metadata (spans, arenas, bitmaps) lives in Go memory:
// it comes from fixalloc, persistentAlloc or sysAlloc.

package heap

import (
	"math/bits"
	"sync/atomic"
	"unsafe"
)

const (
	_PageSize = 1 << _PageShift
	pageShift = _PageShift
	pageSize  = _PageSize
	pageMask  = pageSize - 1

	_64bit = 1 << (^uintptr(0) >> 63) / 2

	// _FixAllocChunk is the size of the chunks fixalloc carves out of
	// persistentalloc.
	_FixAllocChunk = 16 << 10

	// Addresses are sign-extended above bit 47.
	heapAddrBits = 48

	maxAlloc = (1 << heapAddrBits) - (1-_64bit)*1

	// Arenas are 64MB, aligned to their size.
	heapArenaBytes    = 1 << logHeapArenaBytes
	logHeapArenaBytes = (6 + 20) * _64bit

	heapArenaWords = heapArenaBytes / PtrSize

	// One pointer bit per word.
	heapArenaBitmapWords = heapArenaWords / (8 * PtrSize)

	pagesPerArena = heapArenaBytes / pageSize

	// The arena map is a single level of 4M entries covering the
	// 48-bit address space, demand paged.
	arenaL1Bits  = 0
	arenaL2Bits  = heapAddrBits - logHeapArenaBytes - arenaL1Bits
	arenaL1Shift = arenaL2Bits
	arenaBits    = arenaL1Bits + arenaL2Bits

	// arenaBaseOffset maps the lowest kernel address to arena 0, so
	// the sign-extended upper half sorts below the user half.
	arenaBaseOffset = 0xffff800000000000

	// arenaHintCount is the number of hint addresses sysAlloc walks
	// before giving up.
	arenaHintCount = 0x80

	persistentChunkSize = 256 << 10
)

type arenaHint struct {
	addr uintptr
	next *arenaHint
}

// initHints builds the list of addresses the heap tries to reserve
// arenas at.
//
// The hints start at cfg.ArenaHintBase and are laid out 1TB apart,
// giving 128 windows covering the user half of the 48-bit address
// space. The default base, 0x00a0<<32, stays clear of the hints the
// Go runtime itself uses (0x00c0<<32 and up), so managed arenas never
// collide with the Go heap.
func (h *Heap) initHints() {
	for i := arenaHintCount - 1; i >= 0; i-- {
		p := uintptr(i)<<40 | uintPtrMask&uintptr(h.cfg.ArenaHintBase)
		hint := (*arenaHint)(h.arenaHintAlloc.alloc())
		hint.addr = p
		hint.next, h.arenaHints = h.arenaHints, hint
	}
}

// sysAlloc reserves whole arenas for at least n bytes at the first
// hint that works and maps their metadata. The region is Reserved; the
// caller maps it. Running out of hints is fatal.
//
// h.lock must be held.
func (h *Heap) sysAlloc(n uintptr) (v unsafe.Pointer, size uintptr) {
	assertLockHeld(&h.lock)

	n = alignUp(n, heapArenaBytes)

	// Try to grow the heap at a hint address.
	for h.arenaHints != nil {
		hint := h.arenaHints
		p := hint.addr
		if p+n < p || arenaIndex(p+n-1) >= 1<<arenaBits {
			v = nil
		} else {
			v = sysReserve(unsafe.Pointer(p), n)
		}
		if p == uintptr(v) {
			hint.addr = p + n
			size = n
			break
		}
		if v != nil {
			sysFreeOS(v, n)
		}
		h.arenaHints = hint.next
		h.arenaHintAlloc.free(unsafe.Pointer(hint))
	}
	if size == 0 {
		print("heap: cannot reserve ", n, "-byte arena: all ", arenaHintCount, " arena hints exhausted\n")
		throw("out of memory: arena hints exhausted")
	}

	// Check for bad pointers or pointers we can't use.
	{
		var bad string
		p := uintptr(v)
		if p+size < p {
			bad = "region exceeds uintptr range"
		} else if arenaIndex(p) >= 1<<arenaBits {
			bad = "base outside usable address space"
		} else if arenaIndex(p+size-1) >= 1<<arenaBits {
			bad = "end outside usable address space"
		}
		if bad != "" {
			print("heap: memory allocated by OS [", hex(p), ", ", hex(p+size), ") not in usable address space: ", bad, "\n")
			throw("memory reservation exceeds address space limit")
		}
	}
	if uintptr(v)&(heapArenaBytes-1) != 0 {
		throw("misrounded allocation in sysAlloc")
	}
	h.reserved = append(h.reserved, makeAddrRange(uintptr(v), uintptr(v)+size))

	// Create arena metadata.
	for ri := arenaIndex(uintptr(v)); ri <= arenaIndex(uintptr(v)+size-1); ri++ {
		l2 := h.arenas[ri.l1()]
		if l2 == nil {
			// Allocate an L2 arena map. The mapping is demand-paged,
			// so only the touched entries cost memory.
			l2 = (*[1 << arenaL2Bits]*heapArena)(sysAllocOS(unsafe.Sizeof(*l2)))
			if l2 == nil {
				throw("out of memory allocating heap arena map")
			}
			atomic.StorePointer((*unsafe.Pointer)(unsafe.Pointer(&h.arenas[ri.l1()])), unsafe.Pointer(l2))
		}
		if l2[ri.l2()] != nil {
			throw("arena already initialized")
		}
		r := (*heapArena)(sysAlloc(unsafe.Sizeof(heapArena{}), &h.memstats.gcMiscSys))
		if r == nil {
			throw("out of memory allocating heap arena metadata")
		}
		h.allArenas = append(h.allArenas, ri)

		// Store atomically just in case an object from the
		// new heap arena becomes visible before the heap lock
		// is released (which shouldn't happen, but there's
		// little downside to this).
		atomic.StorePointer((*unsafe.Pointer)(unsafe.Pointer(&l2[ri.l2()])), unsafe.Pointer(r))
	}

	// Widen the window the collector accepts pointers from.
	if start := h.arenaStart.Load(); start == 0 || uintptr(v) < start {
		h.arenaStart.Store(uintptr(v))
	}
	if end := uintptr(v) + size; end > h.arenaEnd.Load() {
		h.arenaEnd.Store(end)
	}
	return
}

// persistentAlloc hands out small off-heap blocks that are never freed
// individually: heap metadata, fixalloc chunks, symbol data. Everything
// it ever obtained from the OS is released at once by destroy.
type persistentAlloc struct {
	lock   mutex
	base   *notInHeap
	off    uintptr
	chunks *notInHeap // chunk list, linked through each chunk's first word
	blocks []persistentBlock
	stat   *sysMemStat
}

// persistentBlock is an allocation too large to be carved from a chunk.
type persistentBlock struct {
	p unsafe.Pointer
	n uintptr
}

func (a *persistentAlloc) init(stat *sysMemStat) {
	a.stat = stat
}

// alloc returns size zeroed bytes aligned to align, 8 if 0, that live
// until destroy. Blocks of 64K or more are mapped on their own.
func (a *persistentAlloc) alloc(size, align uintptr, sysStat *sysMemStat) unsafe.Pointer {
	const maxBlock = 64 << 10

	if size == 0 {
		throw("persistentalloc: size == 0")
	}
	if align != 0 {
		if align&(align-1) != 0 {
			throw("persistentalloc: align is not a power of 2")
		}
		if align > _PageSize {
			throw("persistentalloc: align is too large")
		}
	} else {
		align = 8
	}

	lock(&a.lock)
	defer unlock(&a.lock)

	if size >= maxBlock {
		p := sysAlloc(size, sysStat)
		if p == nil {
			throw("cannot allocate memory")
		}
		a.blocks = append(a.blocks, persistentBlock{p, size})
		return p
	}

	a.off = alignUp(a.off, align)
	if a.off+size > persistentChunkSize || a.base == nil {
		a.base = (*notInHeap)(sysAlloc(persistentChunkSize, a.stat))
		if a.base == nil {
			throw("cannot allocate memory")
		}
		// The first word of a chunk links to the previous one.
		*(*uintptr)(unsafe.Pointer(a.base)) = uintptr(unsafe.Pointer(a.chunks))
		a.chunks = a.base
		a.off = alignUp(PtrSize, align)
	}
	p := a.base.add(a.off)
	a.off += size

	if sysStat != a.stat {
		sysStat.add(int64(size))
		a.stat.add(-int64(size))
	}
	return unsafe.Pointer(p)
}

// destroy returns every chunk and block to the OS. Memory handed out by
// alloc must not be touched afterwards.
func (a *persistentAlloc) destroy() {
	lock(&a.lock)
	defer unlock(&a.lock)

	for c := a.chunks; c != nil; {
		next := *(**notInHeap)(unsafe.Pointer(c))
		sysFreeOS(unsafe.Pointer(c), persistentChunkSize)
		c = next
	}
	for _, b := range a.blocks {
		sysFreeOS(b.p, b.n)
	}
	a.chunks, a.base, a.off, a.blocks = nil, nil, 0, nil
}

// nextFreeFast takes the next free slot of s from its allocCache, or
// returns 0 when the cache would need a refill.
func nextFreeFast(s *mspan) uintptr {
	theBit := uintptr(bits.TrailingZeros64(s.allocCache))
	if theBit < 64 {
		result := s.freeindex + theBit
		if result < s.nelems {
			freeidx := result + 1
			if freeidx%64 == 0 && freeidx != s.nelems {
				return 0
			}
			s.allocCache >>= uint(theBit + 1)
			s.freeindex = freeidx
			s.allocBits.set(result)
			s.allocCount++
			return result*s.elemsize + s.base()
		}
	}
	return 0
}

// nextFree takes a slot from c's span of class spc, trading the span at
// its mcentral first if it is full.
func (c *MCache) nextFree(spc spanClass) (v uintptr, s *mspan) {
	s = c.alloc[spc]
	freeIndex := s.nextFreeIndex()
	if freeIndex == s.nelems {
		if uintptr(s.allocCount) != s.nelems {
			println("heap: s.allocCount=", s.allocCount, "s.nelems=", s.nelems)
			throw("s.allocCount != s.nelems && freeIndex == s.nelems")
		}
		c.refill(spc)
		s = c.alloc[spc]
		freeIndex = s.nextFreeIndex()
	}
	if freeIndex >= s.nelems {
		throw("freeIndex is not valid")
	}

	v = freeIndex*s.elemsize + s.base()
	s.allocBits.set(freeIndex)
	s.allocCount++
	if uintptr(s.allocCount) > s.nelems {
		println("heap: s.allocCount=", s.allocCount, "s.nelems=", s.nelems)
		throw("s.allocCount > s.nelems")
	}
	return
}

// Mallocgc allocates size bytes. Objects above _MaxSmallSize get a span
// of their own.
//
// typ describes the pointer layout of the object; nil means the
// object holds no pointers and is never scanned. Objects that may hold
// pointers are always zeroed, whatever needzero says.
//
// c must only be used by the goroutine that currently owns it.
func (c *MCache) Mallocgc(size uintptr, typ *Type, needzero bool) unsafe.Pointer {
	h := c.h
	if size == 0 {
		return unsafe.Pointer(h.zerobase)
	}
	if size > maxAlloc {
		print("heap: size = ", size, "\n")
		fatal("heap: allocation size out of range")
	}

	noscan := typ == nil || typ.PtrBytes == 0
	if !noscan {
		if typ.Size == 0 || size%typ.Size != 0 {
			print("heap: size = ", size, ", typ.Size = ", typ.Size, "\n")
			fatal("heap: size is not a multiple of the type size")
		}
		if typ.PtrBytes > typ.Size || typ.PtrBytes%PtrSize != 0 {
			print("heap: typ.PtrBytes = ", typ.PtrBytes, ", typ.Size = ", typ.Size, "\n")
			fatal("heap: bad pointer prefix in type")
		}
		if words := typ.PtrBytes / PtrSize; uintptr(len(typ.GCData))*8 < words {
			print("heap: len(typ.GCData) = ", len(typ.GCData), ", pointer words = ", words, "\n")
			fatal("heap: type's GCData is shorter than its pointer prefix")
		}
		// Pointer words are scanned as soon as the object is
		// reachable, so they must not hold stale values.
		needzero = true
	}

	var x uintptr
	var span *mspan
	if size <= _MaxSmallSize {
		spc := makeSpanClass(sizeToClass(size), noscan)
		span = c.alloc[spc]
		v := nextFreeFast(span)
		if v == 0 {
			v, span = c.nextFree(spc)
		}
		x = v
		if needzero && span.needzero != 0 {
			memclrNoHeapPointers(unsafe.Pointer(x), span.elemsize)
		}
	} else {
		span = c.allocLarge(size, noscan)
		x = span.base()
		if needzero && span.needzero != 0 {
			memclrNoHeapPointers(unsafe.Pointer(x), span.elemsize)
		}
	}

	if !noscan {
		h.heapBitsSetType(x, span.elemsize, size, typ)
	}

	// Allocate black during GC.
	// All slots hold nil so no scanning is needed.
	if h.writeBarrier.Load() {
		h.gcmarknewobject(span, x)
	}

	h.allocated.Add(uint64(span.elemsize))
	h.totalAlloc.Add(uint64(span.elemsize))
	h.nmalloc.Add(1)
	return unsafe.Pointer(x)
}

// MallocNoscan allocates size zeroed bytes that the collector treats
// as opaque scalar data.
func (c *MCache) MallocNoscan(size uintptr) unsafe.Pointer {
	return c.Mallocgc(size, nil, true)
}

// allocLarge allocates a span for a large object.
func (c *MCache) allocLarge(size uintptr, noscan bool) *mspan {
	if size+_PageSize < size {
		fatal("out of memory")
	}
	npages := size >> _PageShift
	if size&pageMask != 0 {
		npages++
	}

	spc := makeSpanClass(0, noscan)
	s := c.h.alloc(npages, spc, c)
	if s == nil {
		throw("out of memory")
	}
	s.allocBits.set(0)
	s.allocCount = 1
	s.freeindex = 1
	s.allocCache = 0

	// Large spans are never cached: they go straight to the
	// central's full list.
	c.h.central[spc].mcentral.fullSpan(s)
	return s
}
