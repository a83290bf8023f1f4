package heap

import "unsafe"

// addrRange is the address range [base, limit). It never spans the
// hole in the address space.
type addrRange struct {
	base, limit offAddr
}

func makeAddrRange(base, limit uintptr) addrRange {
	r := addrRange{offAddr{base}, offAddr{limit}}
	if (base-arenaBaseOffset >= base) != (limit-arenaBaseOffset >= limit) {
		throw("addr range base and limit are not in the same memory segment")
	}
	return r
}

func (a addrRange) size() uintptr {
	if !a.base.lessThan(a.limit) {
		return 0
	}
	return a.limit.diff(a.base)
}

func (a addrRange) contains(addr uintptr) bool {
	return a.base.lessEqual(offAddr{addr}) && (offAddr{addr}).lessThan(a.limit)
}

// subtract returns a without its overlap with b. b strictly inside a
// would split it and throws.
func (a addrRange) subtract(b addrRange) addrRange {
	if b.base.lessEqual(a.base) && a.limit.lessEqual(b.limit) {
		return addrRange{}
	} else if a.base.lessThan(b.base) && b.limit.lessThan(a.limit) {
		throw("bad prune")
	} else if b.limit.lessThan(a.limit) && a.base.lessThan(b.limit) {
		a.base = b.limit
	} else if a.base.lessThan(b.base) && b.base.lessThan(a.limit) {
		a.limit = b.base
	}
	return a
}

var (
	minOffAddr = offAddr{arenaBaseOffset}
	// maxOffAddr is the last address the chunk and arena maps cover.
	maxOffAddr = offAddr{(((1 << heapAddrBits) - 1) + arenaBaseOffset) & uintPtrMask}
)

// offAddr is a virtual address compared after subtracting
// arenaBaseOffset, which closes the hole in the middle of the x86-64
// address space so that all heap addresses order linearly.
type offAddr struct {
	a uintptr
}

func (l offAddr) add(bytes uintptr) offAddr {
	return offAddr{a: l.a + bytes}
}

func (l1 offAddr) diff(l2 offAddr) uintptr {
	return l1.a - l2.a
}

func (l1 offAddr) lessThan(l2 offAddr) bool {
	return (l1.a - arenaBaseOffset) < (l2.a - arenaBaseOffset)
}

func (l1 offAddr) lessEqual(l2 offAddr) bool {
	return (l1.a - arenaBaseOffset) <= (l2.a - arenaBaseOffset)
}

func (l1 offAddr) equal(l2 offAddr) bool {
	return l1.a == l2.a
}

func (l offAddr) addr() uintptr {
	return l.a
}

// addrRanges is a sorted set of disjoint ranges; touching ranges are
// merged on insert. The backing array comes from persistent memory and
// lives as long as the heap. The caller synchronizes.
type addrRanges struct {
	ranges     []addrRange
	totalBytes uintptr

	persistent *persistentAlloc
	sysStat    *sysMemStat
}

func (a *addrRanges) init(persistent *persistentAlloc, sysStat *sysMemStat) {
	const initialCap = 16
	p := persistent.alloc(unsafe.Sizeof(addrRange{})*initialCap, PtrSize, sysStat)
	a.ranges = unsafe.Slice((*addrRange)(p), initialCap)[:0]
	a.persistent = persistent
	a.sysStat = sysStat
	a.totalBytes = 0
}

// findSucc returns the index of the first range whose base is above
// addr.
func (a *addrRanges) findSucc(addr uintptr) int {
	base := offAddr{addr}

	// Bisect down to a few candidates, then scan.
	const iterMax = 8
	bot, top := 0, len(a.ranges)
	for top-bot > iterMax {
		i := ((top - bot) / 2) + bot
		if a.ranges[i].contains(base.addr()) {
			return i + 1
		}
		if base.lessThan(a.ranges[i].base) {
			top = i
		} else {
			bot = i + 1
		}
	}
	for i := bot; i < top; i++ {
		if base.lessThan(a.ranges[i].base) {
			return i
		}
	}
	return top
}

// findAddrGreaterEqual returns the lowest address in a not below addr,
// and false if there is none.
func (a *addrRanges) findAddrGreaterEqual(addr uintptr) (uintptr, bool) {
	i := a.findSucc(addr)
	if i == 0 {
		return a.ranges[0].base.addr(), true
	}
	if a.ranges[i-1].contains(addr) {
		return addr, true
	}
	if i < len(a.ranges) {
		return a.ranges[i].base.addr(), true
	}
	return 0, false
}

// add inserts r, which must be non-empty and disjoint from a.
func (a *addrRanges) add(r addrRange) {
	if r.size() == 0 {
		print("heap: range = {", hex(r.base.addr()), ", ", hex(r.limit.addr()), "}\n")
		throw("attempted to add zero-sized address range")
	}

	i := a.findSucc(r.base.addr())
	coalesceDown := i > 0 && a.ranges[i-1].limit.equal(r.base)
	coalesceUp := i < len(a.ranges) && r.limit.equal(a.ranges[i].base)
	if coalesceUp && coalesceDown {
		// r fills the gap between two ranges.
		a.ranges[i-1].limit = a.ranges[i].limit
		copy(a.ranges[i:], a.ranges[i+1:])
		a.ranges = a.ranges[:len(a.ranges)-1]
	} else if coalesceDown {
		a.ranges[i-1].limit = r.limit
	} else if coalesceUp {
		a.ranges[i].base = r.base
	} else {
		if len(a.ranges)+1 > cap(a.ranges) {
			// The old array is leaked.
			oldRanges := a.ranges
			newCap := cap(oldRanges) * 2
			p := a.persistent.alloc(unsafe.Sizeof(addrRange{})*uintptr(newCap), PtrSize, a.sysStat)
			a.ranges = unsafe.Slice((*addrRange)(p), newCap)[:len(oldRanges)+1]
			copy(a.ranges[:i], oldRanges[:i])
			copy(a.ranges[i+1:], oldRanges[i:])
		} else {
			a.ranges = a.ranges[:len(a.ranges)+1]
			copy(a.ranges[i+1:], a.ranges[i:])
		}
		a.ranges[i] = r
	}
	a.totalBytes += r.size()
}
