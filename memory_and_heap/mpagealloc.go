// Page allocator.
//
// Free heap pages are tracked by a bitmap, one bit per page, 1 for
// in-use. The bitmap is cut into chunks of pallocChunkPages pages kept
// in a two-level sparse array, and indexed by a radix tree of
// summaries: every summary holds the free run at the start of its
// region, the longest free run anywhere in it and the free run at its
// end. Leaves summarize one chunk; each level above merges
// 1<<summaryLevelBits summaries of the level below.
//
// Every level is one flat array over the whole address space, reserved
// up front and committed as the heap grows. Allocation is
// address-ordered first fit: find walks the tree from the root,
// narrowing to the lowest region that can hold the request.

package heap

import "unsafe"

const (
	// Pages per bitmap chunk.
	pallocChunkPages    = 1 << logPallocChunkPages
	pallocChunkBytes    = pallocChunkPages * pageSize
	logPallocChunkPages = 9
	logPallocChunkBytes = logPallocChunkPages + pageShift

	// Radix bits per level below the root. One block of 8 summaries
	// is a cache line.
	//
	// summaryL0Bits + (summaryLevels-1)*summaryLevelBits + logPallocChunkBytes = heapAddrBits
	summaryLevelBits = 3
	summaryL0Bits    = heapAddrBits - logPallocChunkBytes - (summaryLevels-1)*summaryLevelBits

	// Bits of the chunk index resolved by the second level of chunks.
	pallocChunksL2Bits  = heapAddrBits - logPallocChunkBytes - pallocChunksL1Bits
	pallocChunksL1Shift = pallocChunksL2Bits
)

// maxSearchAddr is the searchAddr of a heap with no free page.
func maxSearchAddr() offAddr { return maxOffAddr }

// chunkIdx numbers the chunks of the address space; it is also the
// index into the leaf level of the summary tree.
type chunkIdx uint

// chunkIndex returns the index of the chunk holding p.
func chunkIndex(p uintptr) chunkIdx {
	return chunkIdx((p - arenaBaseOffset) / pallocChunkBytes)
}

// chunkBase returns the first address of chunk ci.
func chunkBase(ci chunkIdx) uintptr {
	return uintptr(ci)*pallocChunkBytes + arenaBaseOffset
}

// chunkPageIndex returns the page of p within its chunk.
func chunkPageIndex(p uintptr) uint {
	return uint(p % pallocChunkBytes / pageSize)
}

// l1 and l2 index the two levels of (*pageAlloc).chunks.
func (i chunkIdx) l1() uint {
	return uint(i) >> pallocChunksL1Shift
}

func (i chunkIdx) l2() uint {
	return uint(i) & (1<<pallocChunksL2Bits - 1)
}

// offAddrToLevelIndex returns the index of the summary[level] entry
// covering addr.
func offAddrToLevelIndex(level int, addr offAddr) int {
	return int((addr.a - arenaBaseOffset) >> levelShift[level])
}

// levelIndexToOffAddr returns the first address covered by
// summary[level][idx].
func levelIndexToOffAddr(level, idx int) offAddr {
	return offAddr{(uintptr(idx) << levelShift[level]) + arenaBaseOffset}
}

// addrsToSummaryRange returns the entries [lo, hi) of summary[level]
// that cover [base, limit).
func addrsToSummaryRange(level int, base, limit uintptr) (lo int, hi int) {
	// limit-1 is the last covered byte; its entry is the last one in.
	lo = int((base - arenaBaseOffset) >> levelShift[level])
	hi = int(((limit-1)-arenaBaseOffset)>>levelShift[level]) + 1
	return
}

// blockAlignSummaryRange widens [lo, hi) to whole blocks of the level.
func blockAlignSummaryRange(level int, lo, hi int) (int, int) {
	e := uintptr(1) << levelBits[level]
	return int(alignDown(uintptr(lo), e)), int(alignUp(uintptr(hi), e))
}

type pageAlloc struct {
	// summary holds the levels of the tree, root first. The cap of
	// each slice is its reservation, the len the highest address grown
	// into. Only the parts covering inUse are committed; touching the
	// rest faults.
	summary [summaryLevels][]pallocSum

	// chunks is the bitmap. Rows of the second level are mapped the
	// first time grow reaches them.
	chunks [1 << pallocChunksL1Bits]*[1 << pallocChunksL2Bits]pallocBits

	// searchAddr is where searches start: every page below it is
	// in use. It is inside inUse, or maxOffAddr once the heap is full.
	searchAddr offAddr

	// [start, end) are the chunks grown so far.
	start, end chunkIdx

	// inUse holds the address ranges passed to grow.
	inUse addrRanges

	mheapLock *mutex

	// sysStat is charged for the metadata the allocator commits.
	sysStat *sysMemStat

	// summaryMappedReady is the number of summary bytes committed.
	summaryMappedReady uintptr
}

func (p *pageAlloc) init(mheapLock *mutex, persistent *persistentAlloc, sysStat *sysMemStat) {
	if levelLogPages[0] > logMaxPackedValue {
		print("heap: root level max pages = ", 1<<levelLogPages[0], "\n")
		print("heap: summary max pages = ", maxPackedValue, "\n")
		throw("root level max pages doesn't fit in summary")
	}
	p.sysStat = sysStat
	p.inUse.init(persistent, sysStat)

	p.sysInit()

	// Nothing is free until the first grow.
	p.searchAddr = maxSearchAddr()
	p.mheapLock = mheapLock
}

// destroy unmaps every summary reservation and chunk row.
func (p *pageAlloc) destroy() {
	for i := range p.chunks {
		if p.chunks[i] != nil {
			sysFreeOS(unsafe.Pointer(p.chunks[i]), unsafe.Sizeof(*p.chunks[i]))
			p.chunks[i] = nil
		}
	}
	p.sysDestroy()
}

// chunkOf returns the bitmap of chunk ci, which must have been grown.
func (p *pageAlloc) chunkOf(ci chunkIdx) *pallocBits {
	return &p.chunks[ci.l1()][ci.l2()]
}

// grow adds the never used range [base, base+size), rounded out to
// whole chunks, to the allocator as free pages.
//
// p.mheapLock must be held.
func (p *pageAlloc) grow(base, size uintptr) {
	assertLockHeld(p.mheapLock)

	limit := alignUp(base+size, pallocChunkBytes)
	base = alignDown(base, pallocChunkBytes)

	p.sysGrow(base, limit)

	firstGrowth := p.start == 0
	start, end := chunkIndex(base), chunkIndex(limit)
	if firstGrowth || start < p.start {
		p.start = start
	}
	if end > p.end {
		p.end = end
	}
	p.inUse.add(makeAddrRange(base, limit))

	// As in free.
	if b := (offAddr{base}); b.lessThan(p.searchAddr) {
		p.searchAddr = b
	}

	// Fresh rows are zero: all free.
	for c := chunkIndex(base); c < chunkIndex(limit); c++ {
		if p.chunks[c.l1()] == nil {
			r := sysAlloc(unsafe.Sizeof(*p.chunks[0]), p.sysStat)
			if r == nil {
				throw("pageAlloc: out of memory")
			}
			p.chunks[c.l1()] = (*[1 << pallocChunksL2Bits]pallocBits)(r)
		}
	}

	p.update(base, size/pageSize, true, false)
}

// update recomputes the summaries over [base, base+npages*pageSize)
// after its bits changed, leaves first, stopping at the first level
// where nothing changed. contig says the whole range was allocated
// (alloc) or freed in one go, so chunks strictly inside it need no
// summarizing.
//
// p.mheapLock must be held.
func (p *pageAlloc) update(base, npages uintptr, contig, alloc bool) {
	assertLockHeld(p.mheapLock)

	limit := base + npages*pageSize - 1 // inclusive
	sc, ec := chunkIndex(base), chunkIndex(limit)

	if sc == ec {
		x := p.summary[len(p.summary)-1][sc]
		y := p.chunkOf(sc).summarize()
		if x == y {
			return
		}
		p.summary[len(p.summary)-1][sc] = y
	} else if contig {
		summary := p.summary[len(p.summary)-1]
		summary[sc] = p.chunkOf(sc).summarize()
		whole := p.summary[len(p.summary)-1][sc+1 : ec]
		if alloc {
			clear(whole)
		} else {
			for i := range whole {
				whole[i] = freeChunkSum
			}
		}
		summary[ec] = p.chunkOf(ec).summarize()
	} else {
		summary := p.summary[len(p.summary)-1]
		for c := sc; c <= ec; c++ {
			summary[c] = p.chunkOf(c).summarize()
		}
	}

	changed := true
	for l := len(p.summary) - 2; l >= 0 && changed; l-- {
		changed = false
		logEntriesPerBlock := levelBits[l+1]
		logMaxPages := levelLogPages[l+1]
		lo, hi := addrsToSummaryRange(l, base, limit+1)
		for i := lo; i < hi; i++ {
			children := p.summary[l+1][i<<logEntriesPerBlock : (i+1)<<logEntriesPerBlock]
			sum := mergeSummaries(children, logMaxPages)
			old := p.summary[l][i]
			if old != sum {
				changed = true
				p.summary[l][i] = sum
			}
		}
	}
}

// allocRange marks [base, base+npages*pageSize) in use.
//
// p.mheapLock must be held.
func (p *pageAlloc) allocRange(base, npages uintptr) {
	assertLockHeld(p.mheapLock)

	limit := base + npages*pageSize - 1
	sc, ec := chunkIndex(base), chunkIndex(limit)
	si, ei := chunkPageIndex(base), chunkPageIndex(limit)

	if sc == ec {
		p.chunkOf(sc).allocRange(si, ei+1-si)
	} else {
		p.chunkOf(sc).allocRange(si, pallocChunkPages-si)
		for c := sc + 1; c < ec; c++ {
			p.chunkOf(c).allocAll()
		}
		p.chunkOf(ec).allocRange(0, ei+1)
	}
	p.update(base, npages, true, true)
}

// findMappedAddr returns the lowest grown address not below addr, or
// maxOffAddr.
//
// p.mheapLock must be held.
func (p *pageAlloc) findMappedAddr(addr offAddr) offAddr {
	assertLockHeld(p.mheapLock)

	vAddr, ok := p.inUse.findAddrGreaterEqual(addr.addr())
	if !ok {
		return maxOffAddr
	}
	return offAddr{vAddr}
}

// find returns the lowest address of a free run of npages, or 0, by a
// full walk of the tree from p.searchAddr on. At each level it scans
// one block of entries and either descends into an entry whose max
// fits npages or finds a run straddling entries.
//
// The second result is a new searchAddr no lower than the current one,
// valid only when the address is not 0.
//
// p.mheapLock must be held.
func (p *pageAlloc) find(npages uintptr) (uintptr, offAddr) {
	assertLockHeld(p.mheapLock)

	// i is the first entry of the block scanned at the current level.
	i := 0

	// firstFree is the inclusive window known to hold the first free
	// page. It narrows as the walk descends; its base is the new
	// searchAddr.
	firstFree := struct {
		base, bound offAddr
	}{
		base:  minOffAddr,
		bound: maxOffAddr,
	}
	// foundFree narrows firstFree to [addr, addr+size) if that lies
	// inside it. A range outside it is ignored; a partial overlap is
	// corrupt summaries.
	foundFree := func(addr offAddr, size uintptr) {
		if firstFree.base.lessEqual(addr) && addr.add(size-1).lessEqual(firstFree.bound) {
			firstFree.base = addr
			firstFree.bound = addr.add(size - 1)
		} else if !(addr.add(size-1).lessThan(firstFree.base) || firstFree.bound.lessThan(addr)) {
			print("heap: addr = ", hex(addr.addr()), ", size = ", size, "\n")
			print("heap: base = ", hex(firstFree.base.addr()), ", bound = ", hex(firstFree.bound.addr()), "\n")
			throw("range partially overlaps")
		}
	}

	// lastSum is the entry we descended through, for the crash dump.
	lastSum := packPallocSum(0, 0, 0)
	lastSumIdx := -1

nextLevel:
	for l := 0; l < len(p.summary); l++ {
		entriesPerBlock := 1 << levelBits[l]
		logMaxPages := levelLogPages[l]
		i <<= levelBits[l]
		entries := p.summary[l][i : i+entriesPerBlock]

		// Skip the entries below searchAddr if it lies in this block.
		j0 := 0
		if searchIdx := offAddrToLevelIndex(l, p.searchAddr); searchIdx&^(entriesPerBlock-1) == i {
			j0 = searchIdx & (entriesPerBlock - 1)
		}

		// [base, base+size) is the current run, in pages from the
		// start of the block.
		var base, size uint
		for j := j0; j < len(entries); j++ {
			sum := entries[j]
			if sum == 0 {
				size = 0
				continue
			}
			foundFree(levelIndexToOffAddr(l, i+j), (uintptr(1)<<logMaxPages)*pageSize)

			s := sum.start()
			if size+s >= uint(npages) {
				if size == 0 {
					base = uint(j) << logMaxPages
				}
				size += s
				break
			}
			if sum.max() >= uint(npages) {
				i += j
				lastSumIdx = i
				lastSum = sum
				continue nextLevel
			}
			if size == 0 || s < 1<<logMaxPages {
				// The run is broken; start a new one at the entry's end.
				size = sum.end()
				base = uint(j+1)<<logMaxPages - size
				continue
			}
			size += 1 << logMaxPages
		}
		if size >= uint(npages) {
			addr := levelIndexToOffAddr(l, i).add(uintptr(base) * pageSize).addr()
			return addr, p.findMappedAddr(firstFree.base)
		}
		if l == 0 {
			return 0, maxSearchAddr()
		}

		// The level above promised a run this block does not have.
		print("heap: summary[", l-1, "][", lastSumIdx, "] = ", lastSum.start(), ", ", lastSum.max(), ", ", lastSum.end(), "\n")
		print("heap: level = ", l, ", npages = ", npages, ", j0 = ", j0, "\n")
		print("heap: p.searchAddr = ", hex(p.searchAddr.addr()), ", i = ", i, "\n")
		print("heap: levelShift[level] = ", levelShift[l], ", levelBits[level] = ", levelBits[l], "\n")
		for j := 0; j < len(entries); j++ {
			sum := entries[j]
			print("heap: summary[", l, "][", i+j, "] = (", sum.start(), ", ", sum.max(), ", ", sum.end(), ")\n")
		}
		throw("bad summary data")
	}

	// Descended to a leaf whose max fits: i is a chunk index.
	ci := chunkIdx(i)
	j, searchIdx := p.chunkOf(ci).find(npages, 0)
	if j == ^uint(0) {
		sum := p.summary[len(p.summary)-1][i]
		print("heap: summary[", len(p.summary)-1, "][", i, "] = (", sum.start(), ", ", sum.max(), ", ", sum.end(), ")\n")
		print("heap: npages = ", npages, "\n")
		throw("bad summary data")
	}

	addr := chunkBase(ci) + uintptr(j)*pageSize
	searchAddr := chunkBase(ci) + uintptr(searchIdx)*pageSize
	foundFree(offAddr{searchAddr}, chunkBase(ci+1)-searchAddr)
	return addr, p.findMappedAddr(firstFree.base)
}

// alloc takes the lowest free run of npages and returns its base, or 0
// if there is none.
//
// p.mheapLock must be held.
func (p *pageAlloc) alloc(npages uintptr) uintptr {
	assertLockHeld(p.mheapLock)

	if chunkIndex(p.searchAddr.addr()) >= p.end {
		return 0
	}

	// Fast path: the run fits in searchAddr's chunk.
	searchAddr := minOffAddr
	var addr uintptr
	if pallocChunkPages-chunkPageIndex(p.searchAddr.addr()) >= uint(npages) {
		i := chunkIndex(p.searchAddr.addr())
		if max := p.summary[len(p.summary)-1][i].max(); max >= uint(npages) {
			j, searchIdx := p.chunkOf(i).find(npages, chunkPageIndex(p.searchAddr.addr()))
			if j == ^uint(0) {
				print("heap: max = ", max, ", npages = ", npages, "\n")
				print("heap: searchIdx = ", chunkPageIndex(p.searchAddr.addr()), ", p.searchAddr = ", hex(p.searchAddr.addr()), "\n")
				throw("bad summary data")
			}
			addr = chunkBase(i) + uintptr(j)*pageSize
			searchAddr = offAddr{chunkBase(i) + uintptr(searchIdx)*pageSize}
			goto Found
		}
	}
	addr, searchAddr = p.find(npages)
	if addr == 0 {
		if npages == 1 {
			// Not a single free page: the heap is full.
			p.searchAddr = maxSearchAddr()
		}
		return 0
	}
Found:
	p.allocRange(addr, npages)
	if p.searchAddr.lessThan(searchAddr) {
		p.searchAddr = searchAddr
	}
	return addr
}

// free returns npages pages at base to the allocator.
//
// p.mheapLock must be held.
func (p *pageAlloc) free(base, npages uintptr) {
	assertLockHeld(p.mheapLock)

	if b := (offAddr{base}); b.lessThan(p.searchAddr) {
		p.searchAddr = b
	}
	limit := base + npages*pageSize - 1
	if npages == 1 {
		p.chunkOf(chunkIndex(base)).free1(chunkPageIndex(base))
	} else {
		sc, ec := chunkIndex(base), chunkIndex(limit)
		si, ei := chunkPageIndex(base), chunkPageIndex(limit)
		if sc == ec {
			p.chunkOf(sc).free(si, ei+1-si)
		} else {
			p.chunkOf(sc).free(si, pallocChunkPages-si)
			for c := sc + 1; c < ec; c++ {
				p.chunkOf(c).freeAll()
			}
			p.chunkOf(ec).free(0, ei+1)
		}
	}
	p.update(base, npages, true, false)
}

const (
	pallocSumBytes = unsafe.Sizeof(pallocSum(0))

	// maxPackedValue is the largest count a pallocSum field can hold.
	maxPackedValue    = 1 << logMaxPackedValue
	logMaxPackedValue = logPallocChunkPages + (summaryLevels-1)*summaryLevelBits

	freeChunkSum = pallocSum(uint64(pallocChunkPages) |
		uint64(pallocChunkPages<<logMaxPackedValue) |
		uint64(pallocChunkPages<<(2*logMaxPackedValue)))
)

// pallocSum packs the start, max and end free-run lengths of a region
// into 21 bits each. A region that is entirely free, all three equal to
// 2^21, is bit 63 alone.
type pallocSum uint64

func packPallocSum(start, max, end uint) pallocSum {
	if max == maxPackedValue {
		return pallocSum(uint64(1 << 63))
	}
	return pallocSum((uint64(start) & (maxPackedValue - 1)) |
		((uint64(max) & (maxPackedValue - 1)) << logMaxPackedValue) |
		((uint64(end) & (maxPackedValue - 1)) << (2 * logMaxPackedValue)))
}

func (p pallocSum) start() uint {
	if uint64(p)&uint64(1<<63) != 0 {
		return maxPackedValue
	}
	return uint(uint64(p) & (maxPackedValue - 1))
}

func (p pallocSum) max() uint {
	if uint64(p)&uint64(1<<63) != 0 {
		return maxPackedValue
	}
	return uint((uint64(p) >> logMaxPackedValue) & (maxPackedValue - 1))
}

func (p pallocSum) end() uint {
	if uint64(p)&uint64(1<<63) != 0 {
		return maxPackedValue
	}
	return uint((uint64(p) >> (2 * logMaxPackedValue)) & (maxPackedValue - 1))
}

func (p pallocSum) unpack() (uint, uint, uint) {
	if uint64(p)&uint64(1<<63) != 0 {
		return maxPackedValue, maxPackedValue, maxPackedValue
	}
	return uint(uint64(p) & (maxPackedValue - 1)),
		uint((uint64(p) >> logMaxPackedValue) & (maxPackedValue - 1)),
		uint((uint64(p) >> (2 * logMaxPackedValue)) & (maxPackedValue - 1))
}

// mergeSummaries folds adjacent summaries, each covering
// 1<<logMaxPagesPerSum pages, into the summary of their union.
func mergeSummaries(sums []pallocSum, logMaxPagesPerSum uint) pallocSum {
	start, max, end := sums[0].unpack()
	for i := 1; i < len(sums); i++ {
		si, mi, ei := sums[i].unpack()

		// start only extends across a fully free prefix.
		if start == uint(i)<<logMaxPagesPerSum {
			start += si
		}
		if end+si > max {
			max = end + si
		}
		if mi > max {
			max = mi
		}
		// Likewise end, across a fully free summary.
		if ei == 1<<logMaxPagesPerSum {
			end += 1 << logMaxPagesPerSum
		} else {
			end = ei
		}
	}
	return packPallocSum(start, max, end)
}
