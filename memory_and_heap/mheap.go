package heap

import (
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/cpu"
)

// Heap is a managed heap: the arena address space, the page allocator
// and the per-size-class central span lists, together with the state
// of the collector that reclaims it.
//
// Heap itself lives in Go memory; everything it manages lives in
// memory obtained straight from the OS. A process may hold several
// Heaps at once, each with its own arenas.
//
// Heap must not be copied after first use.
type Heap struct {
	// lock protects the page allocator, the arena map and the span
	// structures. It is never held while a central or span lock is
	// acquired.
	lock mutex

	pages pageAlloc // page allocation data structure

	// allspans is every mspan ever created, once each. Readers
	// without h.lock need the world stopped.
	allspans []*mspan

	// arenas maps arenaIndex to arena metadata, nil where the heap
	// has nothing. Entries are set under h.lock and read without it;
	// they only ever go from nil to non-nil before Destroy.
	arenas [1 << arenaL1Bits]*[1 << arenaL2Bits]*heapArena

	allArenas []arenaIdx

	// reserved records every region sysAlloc obtained, so Destroy
	// can hand them back.
	reserved []addrRange

	// arenaStart and arenaEnd bound every arena ever reserved. A
	// word outside [arenaStart, arenaEnd) is never a heap pointer.
	arenaStart atomic.Uintptr
	arenaEnd   atomic.Uintptr

	// arenaHints are the addresses sysAlloc tries next.
	arenaHints *arenaHint

	// curArena is the reserved but not yet grown part of the last
	// reservation.
	curArena struct {
		base, end uintptr
	}

	// central is indexed by spanClass, one cache line per lock.
	central [numSpanClasses]struct {
		mcentral mcentral
		_        cpu.CacheLinePad
	}

	spanalloc      fixalloc
	arenaHintAlloc fixalloc

	// persistent backs fixalloc chunks, address range metadata and
	// global data.
	persistent persistentAlloc

	gcBitsArenas gcBitsArenas

	cfg   Config
	debug debugVars // cfg with HEAPDEBUG applied; fixed at New

	// zerobase is the address returned for all 0-byte allocations.
	zerobase uintptr

	// allcaches is every cache handed out by NewCache and not yet
	// freed. Protected by h.lock.
	allcaches []*MCache

	// Collector state, see mgc.go.
	gcphase      atomic.Uint32
	gcCount      atomic.Uint64 // completed and in-progress cycles
	writeBarrier atomic.Bool
	work         workState
	gcLock       sync.Mutex // serializes collections
	forceGC      atomic.Bool
	world        World
	startTime    int64

	// allocated is the number of bytes in objects allocated and not
	// yet swept, including their size class rounding.
	allocated  atomic.Uint64
	totalAlloc atomic.Uint64
	nmalloc    atomic.Uint64
	nfree      atomic.Uint64
	nextGC     atomic.Uint64

	symbols SymbolTable
	funcs   FuncTable

	memstats mstats
}

// heapArena is the metadata of one arena, mapped from the OS.
type heapArena struct {
	// spans maps each page to its in-use span, nil for free pages.
	// Lock-free reads only see a valid span for pages known in use.
	spans [pagesPerArena]*mspan

	// bitmap stores the pointer bits of the words in this arena,
	// one bit per word: set if the word holds a pointer.
	// Only the owner of a span writes the bits covering it.
	bitmap [heapArenaBitmapWords]uintptr

	// zeroedBase is the arena offset below which pages have been
	// handed out before. Pages above it are still zero from the OS;
	// first fit keeps that a single watermark. Updated by CAS.
	zeroedBase uintptr
}

// An mspan's state is one of:
//
//   - mSpanDead: the mspan struct is on a free list or in an
//     MCache's span cache and describes no memory.
//   - mSpanInUse: the span owns objects of its spanclass.
//
// Every mspan in allspans is in exactly one of those states. The
// collector loads the state atomically before trusting the span.
type mSpanState uint8

const (
	mSpanDead  mSpanState = iota
	mSpanInUse            // allocated for the managed heap
)

// mSpanStateNames are the names of the span states, indexed by
// mSpanState.
var mSpanStateNames = []string{
	"mSpanDead",
	"mSpanInUse",
}

// mSpanStateBox keeps mSpanState behind atomic accessors.
type mSpanStateBox struct {
	s atomic.Uint32
}

func (b *mSpanStateBox) set(s mSpanState) {
	b.s.Store(uint32(s))
}

func (b *mSpanStateBox) get() mSpanState {
	return mSpanState(b.s.Load())
}

// mSpanList heads a linked list of spans.
type mSpanList struct {
	first *mspan
	last  *mspan
}

// An mspan is a run of pages holding objects of one span class.
type mspan struct {
	next *mspan
	prev *mspan
	list *mSpanList // nil when on no list

	startAddr uintptr
	npages    uintptr

	// Objects below freeindex are all allocated. nelems == freeindex
	// means the span is full.
	freeindex uintptr
	nelems    uintptr

	// allocCache is the inverted allocBits from freeindex on, so the
	// next free object is its lowest set bit. Bits past nelems are
	// garbage.
	allocCache uint64

	// allocBits and gcmarkBits hold pointers to a span's allocation
	// and mark bits. The pointers are 8 byte aligned.
	//
	// allocBits has a bit set for every object handed out since the
	// last sweep and every object that survived it. Sweeping makes
	// gcmarkBits the new allocBits and takes fresh, zeroed gcmarkBits.
	//
	// gcmarkBits are only touched with gcmarkLock held or the world
	// stopped.
	allocBits  *gcBits
	gcmarkBits *gcBits
	gcmarkLock mutex

	divMul     uint32 // magic for dividing by elemsize
	allocCount uint16
	spanclass  spanClass
	state      mSpanStateBox
	needzero   uint8 // pages were used before
	elemsize   uintptr
	limit      uintptr // end of the last object
}

func (s *mspan) base() uintptr {
	return s.startAddr
}

// recordspan is the spanalloc hook: it adds every span structure to
// h.allspans the first time it is carved out.
//
// h.lock must be held.
func recordspan(vh unsafe.Pointer, p unsafe.Pointer) {
	h := (*Heap)(vh)
	s := (*mspan)(p)

	assertLockHeld(&h.lock)
	h.allspans = append(h.allspans, s)
}

// A spanClass is a size class and a noscan bit. Objects in a noscan
// span hold no pointers and are never scanned.
type spanClass uint8

const numSpanClasses = _NumSizeClasses << 1

func makeSpanClass(sizeclass uint8, noscan bool) spanClass {
	return spanClass(sizeclass<<1) | spanClass(bool2int(noscan))
}

func (sc spanClass) sizeclass() int8 {
	return int8(sc >> 1)
}

func (sc spanClass) noscan() bool {
	return sc&1 != 0
}

// arenaIndex returns the index of p's arena, used as
// h.arenas[ai.l1()][ai.l2()]. Out of range for non-heap addresses.
func arenaIndex(p uintptr) arenaIdx {
	return arenaIdx((p - arenaBaseOffset) / heapArenaBytes)
}

func arenaBase(i arenaIdx) uintptr {
	return uintptr(i)*heapArenaBytes + arenaBaseOffset
}

type arenaIdx uint

func (i arenaIdx) l1() uint {
	if arenaL1Bits == 0 {
		return 0
	} else {
		return uint(i) >> arenaL1Shift
	}
}

func (i arenaIdx) l2() uint {
	if arenaL1Bits == 0 {
		return uint(i)
	} else {
		return uint(i) & (1<<arenaL2Bits - 1)
	}
}

// arena returns the metadata of the arena containing p, or nil.
// Safe to call concurrently with sysAlloc.
func (h *Heap) arena(p uintptr) *heapArena {
	ri := arenaIndex(p)
	if arenaL1Bits == 0 {
		if ri.l2() >= uint(len(h.arenas[0])) {
			return nil
		}
	} else {
		if ri.l1() >= uint(len(h.arenas)) {
			return nil
		}
	}
	l2 := (*[1 << arenaL2Bits]*heapArena)(atomic.LoadPointer((*unsafe.Pointer)(unsafe.Pointer(&h.arenas[ri.l1()]))))
	if l2 == nil {
		return nil
	}
	return (*heapArena)(atomic.LoadPointer((*unsafe.Pointer)(unsafe.Pointer(&l2[ri.l2()]))))
}

// spanOf returns the span recorded for p's page, or nil. For a p that
// is not an allocated object the span may be stale; use spanOfHeap.
func (h *Heap) spanOf(p uintptr) *mspan {
	ha := h.arena(p)
	if ha == nil {
		return nil
	}
	return (*mspan)(atomic.LoadPointer((*unsafe.Pointer)(unsafe.Pointer(&ha.spans[(p/pageSize)%pagesPerArena]))))
}

// spanOfHeap returns the in-use span whose objects cover p, or nil.
func (h *Heap) spanOfHeap(p uintptr) *mspan {
	s := h.spanOf(p)
	// The state load orders with initSpan before the bounds are read.
	if s == nil || s.state.get() != mSpanInUse || p < s.base() || p >= s.limit {
		return nil
	}
	return s
}

// New creates a heap configured by cfg. No memory is reserved until
// the first allocation.
func New(cfg Config) *Heap {
	if err := cfg.Validate(); err != nil {
		fatal("heap: invalid config: " + err.Error())
	}
	h := &Heap{cfg: cfg, debug: cfg.debugVars()}
	h.persistent.init(&h.memstats.otherSys)

	h.spanalloc.init(unsafe.Sizeof(mspan{}), recordspan, unsafe.Pointer(h), &h.persistent, &h.memstats.mspanSys)
	h.arenaHintAlloc.init(unsafe.Sizeof(arenaHint{}), nil, nil, &h.persistent, &h.memstats.otherSys)

	for i := range h.central {
		h.central[i].mcentral.init(spanClass(i), h)
	}

	lock(&h.lock)
	h.pages.init(&h.lock, &h.persistent, &h.memstats.gcMiscSys)
	h.initHints()
	unlock(&h.lock)

	h.zerobase = uintptr(h.persistent.alloc(PtrSize, PtrSize, &h.memstats.otherSys))
	h.nextGC.Store(cfg.NextGCBytes)
	h.forceGC.Store(h.debug.forcegc != 0)
	h.symbols.h = h
	h.startTime = nanotime()
	return h
}

// Destroy releases every mapping the heap holds back to the OS. No
// cache, object or symbol of h may be used afterwards.
func (h *Heap) Destroy() {
	h.gcLock.Lock()
	defer h.gcLock.Unlock()

	lock(&h.lock)
	for _, ai := range h.allArenas {
		ha := h.arenas[ai.l1()][ai.l2()]
		sysFreeOS(unsafe.Pointer(ha), unsafe.Sizeof(*ha))
		h.arenas[ai.l1()][ai.l2()] = nil
	}
	for i, l2 := range h.arenas {
		if l2 != nil {
			sysFreeOS(unsafe.Pointer(l2), unsafe.Sizeof(*l2))
			h.arenas[i] = nil
		}
	}
	for _, r := range h.reserved {
		sysFreeOS(unsafe.Pointer(r.base.addr()), r.size())
	}
	h.allArenas, h.reserved, h.allspans, h.allcaches = nil, nil, nil, nil
	h.pages.destroy()
	h.freeGCBitsArenas()
	unlock(&h.lock)

	h.persistent.destroy()
}

// alloc allocates a new span of npage pages from the heap for
// objects of class spanclass.
func (h *Heap) alloc(npages uintptr, spanclass spanClass, c *MCache) *mspan {
	s := h.allocSpan(npages, spanclass, c)
	if s.needzero != 0 && h.debug.gctrace > 1 {
		print("heap: reusing ", npages, " dirty pages at ", hex(s.base()), "\n")
	}
	return s
}

// allocNeedsZero reports whether the just allocated pages
// [base, base+npage*pageSize) were used before, and raises the
// zeroedBase of every arena they touch past them. Every page
// allocation must go through it.
func (h *Heap) allocNeedsZero(base, npage uintptr) (needZero bool) {
	for npage > 0 {
		ha := h.arena(base)

		zeroedBase := atomic.LoadUintptr(&ha.zeroedBase)
		arenaBase := base % heapArenaBytes
		if arenaBase < zeroedBase {
			needZero = true
		}
		// arenaBase above zeroedBase is a concurrent allocation
		// below ours; our pages are still fresh.

		arenaLimit := arenaBase + npage*pageSize
		if arenaLimit > heapArenaBytes {
			arenaLimit = heapArenaBytes
		}
		for arenaLimit > zeroedBase {
			if atomic.CompareAndSwapUintptr(&ha.zeroedBase, zeroedBase, arenaLimit) {
				break
			}
			zeroedBase = atomic.LoadUintptr(&ha.zeroedBase)
			if zeroedBase <= arenaLimit && zeroedBase > arenaBase {
				// Someone else allocated our pages.
				throw("potentially overlapping in-use allocations detected")
			}
		}
		base += arenaLimit - arenaBase
		npage -= (arenaLimit - arenaBase) / pageSize
	}
	return
}

// tryAllocMSpan pops a span structure off c's cache without the heap
// lock, or returns nil.
func (c *MCache) tryAllocMSpan() *mspan {
	if c == nil || c.mspancache.len == 0 {
		return nil
	}
	s := c.mspancache.buf[c.mspancache.len-1]
	c.mspancache.len--
	return s
}

// allocMSpanLocked returns a span structure, refilling c's cache
// half way when it is empty.
//
// h.lock must be held.
func (h *Heap) allocMSpanLocked(c *MCache) *mspan {
	assertLockHeld(&h.lock)

	if c == nil {
		return (*mspan)(h.spanalloc.alloc())
	}
	if c.mspancache.len == 0 {
		const refillCount = len(c.mspancache.buf) / 2
		for i := 0; i < refillCount; i++ {
			c.mspancache.buf[i] = (*mspan)(h.spanalloc.alloc())
		}
		c.mspancache.len = refillCount
	}
	s := c.mspancache.buf[c.mspancache.len-1]
	c.mspancache.len--
	return s
}

// h.lock must be held.
func (h *Heap) freeMSpanLocked(s *mspan) {
	assertLockHeld(&h.lock)

	h.spanalloc.free(unsafe.Pointer(s))
}

// allocSpan allocates an mspan which owns npages worth of memory
// for objects of class spanclass.
//
// Small requests are served from c's page cache without the heap
// lock. On a miss the heap grows once; failing to find pages after
// growing is fatal.
//
// The returned span is fully initialized.
//
// h.lock must not be held.
func (h *Heap) allocSpan(npages uintptr, spanclass spanClass, c *MCache) (s *mspan) {
	base := uintptr(0)

	if c != nil && npages < pageCachePages/4 {
		pc := &c.pcache
		if pc.empty() {
			lock(&h.lock)
			*pc = h.pages.allocToCache()
			unlock(&h.lock)
		}
		base = pc.alloc(npages)
		if base != 0 {
			s = c.tryAllocMSpan()
			if s != nil {
				goto HaveSpan
			}
		}
	}

	lock(&h.lock)
	if base == 0 {
		base = h.pages.alloc(npages)
		if base == 0 {
			h.grow(npages)
			base = h.pages.alloc(npages)
			if base == 0 {
				throw("grew heap, but no adequate free space found")
			}
		}
	}
	if s == nil {
		s = h.allocMSpanLocked(c)
	}
	unlock(&h.lock)

HaveSpan:
	// Pages released by an earlier sweep may have lost their
	// protections.
	sysUsed(unsafe.Pointer(base), npages*pageSize, &h.debug)
	h.initSpan(s, spanclass, base, npages)
	return s
}

// initSpan sets s up over [base, base+npages*pageSize) and publishes
// it. h.lock is not held.
func (h *Heap) initSpan(s *mspan, spanclass spanClass, base, npages uintptr) {
	s.init(base, npages)
	if h.allocNeedsZero(base, npages) {
		s.needzero = 1
	}
	nbytes := npages * pageSize
	s.spanclass = spanclass
	if sizeclass := spanclass.sizeclass(); sizeclass == 0 {
		s.elemsize = nbytes
		s.nelems = 1
		s.divMul = 0
	} else {
		s.elemsize = uintptr(class_to_size[sizeclass])
		s.nelems = nbytes / s.elemsize
		s.divMul = class_to_divmagic[sizeclass]
	}
	if s.nelems == 0 || s.nelems > maxObjsPerSpan {
		print("heap: span ", hex(base), " nelems=", s.nelems, "\n")
		throw("bad span object count")
	}
	s.limit = s.base() + s.nelems*s.elemsize

	s.freeindex = 0
	s.allocCache = ^uint64(0)
	s.gcmarkBits = h.newMarkBits(s.nelems)
	s.allocBits = h.newMarkBits(s.nelems)

	// Nobody else looks at these pages until the state store below.
	h.setSpans(s.base(), npages, s)
	s.state.set(mSpanInUse)

	h.memstats.heapInUse.add(int64(nbytes))
}

// setSpans points the spans entries of every page of [base,
// base+npage*pageSize) at s.
func (h *Heap) setSpans(base, npage uintptr, s *mspan) {
	p := base / pageSize
	ha := h.arena(base)
	for n := uintptr(0); n < npage; n++ {
		i := (p + n) % pagesPerArena
		if i == 0 {
			ha = h.arena(base + n*pageSize)
		}
		atomic.StorePointer((*unsafe.Pointer)(unsafe.Pointer(&ha.spans[i])), unsafe.Pointer(s))
	}
}

// grow adds at least npage pages of memory to the heap. Running out
// of address space is fatal.
//
// h.lock must be held.
func (h *Heap) grow(npage uintptr) {
	assertLockHeld(&h.lock)

	// Whole chunks only.
	ask := alignUp(npage, pallocChunkPages) * pageSize

	end := h.curArena.base + ask // may overflow
	nBase := alignUp(end, physPageSize)
	if nBase > h.curArena.end || end < h.curArena.base {
		av, asize := h.sysAlloc(ask)
		if uintptr(av) == h.curArena.end {
			h.curArena.end = uintptr(av) + asize
		} else {
			// Hand the rest of the old reservation to the page
			// allocator before moving on.
			if size := h.curArena.end - h.curArena.base; size != 0 {
				sysMap(unsafe.Pointer(h.curArena.base), size, &h.memstats.heapSys)
				h.pages.grow(h.curArena.base, size)
			}
			h.curArena.base = uintptr(av)
			h.curArena.end = uintptr(av) + asize
		}
		nBase = alignUp(h.curArena.base+ask, physPageSize)
	}

	v := h.curArena.base
	h.curArena.base = nBase
	sysMap(unsafe.Pointer(v), nBase-v, &h.memstats.heapSys)
	h.pages.grow(v, nBase-v)
}

// freeSpanLocked returns the pages of an in-use span with no live objects
// to the page allocator and releases them to the OS.
//
// h.lock must be held.
func (h *Heap) freeSpanLocked(s *mspan) {
	assertLockHeld(&h.lock)

	switch s.state.get() {
	case mSpanInUse:
		if s.allocCount != 0 {
			print("heap: span ", hex(s.base()), " freed with ", s.allocCount, " objects\n")
			throw("freeSpanLocked - invalid free")
		}
	default:
		throw("freeSpanLocked - invalid span state")
	}

	nbytes := s.npages * pageSize
	s.state.set(mSpanDead)
	h.setSpans(s.base(), s.npages, nil)

	// Return the pages to the OS. The pages keep their place in
	// the page allocator and are handed out again zeroed on demand.
	sysUnused(unsafe.Pointer(s.base()), nbytes, &h.debug)
	h.memstats.heapInUse.add(-int64(nbytes))
	h.memstats.heapReleased.add(int64(nbytes))

	h.pages.free(s.base(), s.npages)
	h.freeMSpanLocked(s)
}

// init resets a recycled span structure to cover npages at base.
func (span *mspan) init(base uintptr, npages uintptr) {
	span.next = nil
	span.prev = nil
	span.list = nil
	span.startAddr = base
	span.npages = npages
	span.allocCount = 0
	span.spanclass = 0
	span.elemsize = 0
	span.needzero = 0
	span.freeindex = 0
	span.allocBits = nil
	span.gcmarkBits = nil
	span.state.set(mSpanDead)
}

func (list *mSpanList) init() {
	list.first = nil
	list.last = nil
}

func (list *mSpanList) remove(span *mspan) {
	if span.list != list {
		print("heap: failed mSpanList.remove span.npages=", span.npages,
			" span=", hex(uintptr(unsafe.Pointer(span))), " prev=", hex(uintptr(unsafe.Pointer(span.prev))), " span.list=", hex(uintptr(unsafe.Pointer(span.list))), " list=", hex(uintptr(unsafe.Pointer(list))), "\n")
		throw("mSpanList.remove")
	}
	if list.first == span {
		list.first = span.next
	} else {
		span.prev.next = span.next
	}
	if list.last == span {
		list.last = span.prev
	} else {
		span.next.prev = span.prev
	}
	span.next = nil
	span.prev = nil
	span.list = nil
}

func (list *mSpanList) insert(span *mspan) {
	if span.next != nil || span.prev != nil || span.list != nil {
		println("heap: failed mSpanList.insert", span, span.next, span.prev, span.list)
		throw("mSpanList.insert")
	}
	span.next = list.first
	if list.first != nil {
		list.first.prev = span
	} else {
		list.last = span
	}
	list.first = span
	span.list = list
}

// takeAll removes all spans from src and returns the first of them,
// still linked to each other. The spans no longer belong to any list.
func (list *mSpanList) takeAll() *mspan {
	first := list.first
	for s := first; s != nil; s = s.next {
		s.list = nil
	}
	list.first, list.last = nil, nil
	return first
}

const gcBitsChunkBytes = uintptr(64 << 10)
const gcBitsHeaderBytes = unsafe.Sizeof(gcBitsHeader{})

type gcBitsHeader struct {
	free uintptr
	next uintptr
}

// gcBits is the first byte of an alloc or mark bitmap.
type gcBits struct {
	x uint8
}

func (b *gcBits) bytep(n uintptr) *uint8 {
	return (*uint8)(add(unsafe.Pointer(&b.x), n))
}

// bitp returns the byte holding bit n and the bit's mask.
func (b *gcBits) bitp(n uintptr) (bytep *uint8, mask uint8) {
	return b.bytep(n / 8), 1 << (n % 8)
}

// gcBitsArena is a chunk of bitmaps handed out by bumping free.
type gcBitsArena struct {
	free uintptr // atomic
	next *gcBitsArena
	bits [gcBitsChunkBytes - gcBitsHeaderBytes]gcBits
}

// gcBitsArenas hands out span bitmaps. Bitmaps are never freed one
// by one: a collection moves the arenas through the lists and the
// ones no span can still point at are recycled.
type gcBitsArenas struct {
	lock     mutex
	free     *gcBitsArena
	next     *gcBitsArena // loaded atomically, stored atomically under lock
	current  *gcBitsArena
	previous *gcBitsArena
}

// tryAlloc carves bytes off b, or returns nil if b is full. Safe for
// concurrent use.
func (b *gcBitsArena) tryAlloc(bytes uintptr) *gcBits {
	if b == nil || atomic.LoadUintptr(&b.free)+bytes > uintptr(len(b.bits)) {
		return nil
	}
	end := atomic.AddUintptr(&b.free, bytes)
	if end > uintptr(len(b.bits)) {
		return nil
	}
	start := end - bytes
	return &b.bits[start]
}

// newMarkBits returns a zeroed, 8-byte aligned bitmap of nelems bits
// from the arenas of the next cycle. Fresh spans use it for their
// alloc bits too.
func (h *Heap) newMarkBits(nelems uintptr) *gcBits {
	bytesNeeded := (nelems + 63) / 64 * 8

	a := &h.gcBitsArenas
	head := (*gcBitsArena)(atomic.LoadPointer((*unsafe.Pointer)(unsafe.Pointer(&a.next))))
	if p := head.tryAlloc(bytesNeeded); p != nil {
		return p
	}

	lock(&a.lock)
	if p := a.next.tryAlloc(bytesNeeded); p != nil {
		unlock(&a.lock)
		return p
	}

	fresh := h.newArenaMayUnlock()
	// Someone may have pushed an arena while the lock was dropped.
	if p := a.next.tryAlloc(bytesNeeded); p != nil {
		fresh.next = a.free
		a.free = fresh
		unlock(&a.lock)
		return p
	}

	p := fresh.tryAlloc(bytesNeeded)
	if p == nil {
		throw("markBits overflow")
	}
	fresh.next = a.next
	atomic.StorePointer((*unsafe.Pointer)(unsafe.Pointer(&a.next)), unsafe.Pointer(fresh))

	unlock(&a.lock)
	return p
}

// nextMarkBitArenaEpoch rotates the bitmap arenas once every span has
// been swept: next, which holds the fresh mark bits, becomes current;
// current, which holds the alloc bits sweeping just replaced, becomes
// previous; and the old previous, which no span points into any more,
// is recycled.
func (h *Heap) nextMarkBitArenaEpoch() {
	a := &h.gcBitsArenas
	lock(&a.lock)
	if a.previous != nil {
		if a.free == nil {
			a.free = a.previous
		} else {
			last := a.previous
			for last = a.previous; last.next != nil; last = last.next {
			}
			last.next = a.free
			a.free = a.previous
		}
	}
	a.previous = a.current
	a.current = a.next
	atomic.StorePointer((*unsafe.Pointer)(unsafe.Pointer(&a.next)), nil)
	unlock(&a.lock)
}

// newArenaMayUnlock returns a zeroed bitmap arena. a.lock is held and
// may be dropped while mapping.
func (h *Heap) newArenaMayUnlock() *gcBitsArena {
	a := &h.gcBitsArenas
	var result *gcBitsArena
	if a.free == nil {
		unlock(&a.lock)
		result = (*gcBitsArena)(sysAlloc(gcBitsChunkBytes, &h.memstats.gcMiscSys))
		if result == nil {
			throw("cannot allocate memory")
		}
		lock(&a.lock)
	} else {
		result = a.free
		a.free = a.free.next
		memclrNoHeapPointers(unsafe.Pointer(result), gcBitsChunkBytes)
	}
	result.next = nil
	// Start bits on an 8-byte boundary.
	if uintptr(unsafe.Offsetof(gcBitsArena{}.bits))&7 == 0 {
		result.free = 0
	} else {
		result.free = 8 - (uintptr(unsafe.Pointer(&result.bits[0])) & 7)
	}
	return result
}

// freeGCBitsArenas unmaps every bitmap arena of the heap.
func (h *Heap) freeGCBitsArenas() {
	a := &h.gcBitsArenas
	lock(&a.lock)
	for _, list := range []*gcBitsArena{a.free, a.next, a.current, a.previous} {
		for b := list; b != nil; {
			next := b.next
			sysFreeOS(unsafe.Pointer(b), gcBitsChunkBytes)
			b = next
		}
	}
	a.free, a.next, a.current, a.previous = nil, nil, nil, nil
	unlock(&a.lock)
}
