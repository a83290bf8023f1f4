// Garbage collector: type and heap bitmaps.
//
// Stack, data, and bss bitmaps
//
// Stack frames and global variables are described by bitmaps with 1
// bit per pointer-sized word. A "1" bit means the word is a live
// pointer to be visited by the GC (referred to as "pointer"). A "0" bit
// means the word should be ignored by GC (referred to as "scalar",
// though it could be a dead pointer value).
//
// Heap bitmaps
//
// The heap bitmap comprises 1 bit for each pointer-sized word in the
// heap, recording whether a pointer is stored in that word or not.
// This bitmap is stored at the end of a heapArena. Bits for noscan
// spans are never written or read.
//
// Allocation and mark bits
//
// Each span keeps one alloc bit and one mark bit per object slot, in
// memory handed out by the gcBits arenas (see mheap.go). The alloc
// bits say which slots hold objects, the mark bits which objects the
// current collection found reachable.

package heap

import (
	"math/bits"
	"sync/atomic"
	"unsafe"
)

// Type describes the layout of an allocated object for the collector.
type Type struct {
	// Size is the size of one element in bytes. Allocations of
	// several elements are arrays of Size-byte elements.
	Size uintptr

	// PtrBytes is the length of the prefix of an element that may
	// hold pointers. Zero means the type holds no pointers.
	PtrBytes uintptr

	// GCData holds one bit per word of the PtrBytes prefix, least
	// significant bit first: set for words that hold pointers.
	GCData []byte
}

// pointerAt reports whether the word at byte offset off of an
// element holds a pointer.
func (t *Type) pointerAt(off uintptr) bool {
	if off >= t.PtrBytes {
		return false
	}
	w := off / PtrSize
	return t.GCData[w/8]>>(w%8)&1 != 0
}

// isMarked reports whether mark bit n is set.
func (b *gcBits) isMarked(n uintptr) bool {
	bytep, mask := b.bitp(n)
	return *bytep&mask != 0
}

// setMarked sets bit n. The caller must own the bitmap: hold the span's
// gcmarkLock for mark bits, own the span for alloc bits, or run with
// the world stopped.
func (b *gcBits) setMarked(n uintptr) {
	bytep, mask := b.bitp(n)
	*bytep |= mask
}

// set is setMarked for alloc bits.
func (b *gcBits) set(n uintptr) {
	b.setMarked(n)
}

// popcount returns the number of bits set among the first n bits of b.
// Bits past n are always clear.
func (b *gcBits) popcount(n uintptr) uintptr {
	count := 0
	bytes := divRoundUp(n, 8)
	// Iterate over each 8-byte chunk and count allocations
	// with an intrinsic. Note that newMarkBits guarantees that
	// gcmarkBits will be 8-byte aligned, so we don't have to
	// worry about edge cases, irrelevant bits will simply be zero.
	for i := uintptr(0); i < bytes; i += 8 {
		// Extract 64 bits from the byte pointer and get a OnesCount.
		// Note that the unsafe cast here doesn't preserve endianness,
		// but that's OK. We only care about how many bits are 1, not
		// about the order we discover them in.
		bits64 := *(*uint64)(unsafe.Pointer(b.bytep(i)))
		count += bits.OnesCount64(bits64)
	}
	return uintptr(count)
}

// countAlloc returns the number of objects marked in the span.
func (s *mspan) countAlloc() int {
	return int(s.gcmarkBits.popcount(s.nelems))
}

// objIndex returns the index of the object slot p falls into.
func (s *mspan) objIndex(p uintptr) uintptr {
	return uintptr((uint64(p-s.base()) * uint64(s.divMul)) >> 32)
}

// refillAllocCache takes 8 bytes s.allocBits starting at whichByte
// and negates them so that ctz (count trailing zeros) instructions
// can be used. It then places these 8 bytes into the cached 64 bit
// s.allocCache.
func (s *mspan) refillAllocCache(whichByte uintptr) {
	bytes := (*[8]uint8)(unsafe.Pointer(s.allocBits.bytep(whichByte)))
	aCache := uint64(0)
	aCache |= uint64(bytes[0])
	aCache |= uint64(bytes[1]) << (1 * 8)
	aCache |= uint64(bytes[2]) << (2 * 8)
	aCache |= uint64(bytes[3]) << (3 * 8)
	aCache |= uint64(bytes[4]) << (4 * 8)
	aCache |= uint64(bytes[5]) << (5 * 8)
	aCache |= uint64(bytes[6]) << (6 * 8)
	aCache |= uint64(bytes[7]) << (7 * 8)
	s.allocCache = ^aCache
}

// nextFreeIndex returns the index of the next free object in s at
// or after s.freeindex.
// There are hardware instructions that can be used to make this
// faster if profiling warrants it.
func (s *mspan) nextFreeIndex() uintptr {
	sfreeindex := s.freeindex
	snelems := s.nelems
	if sfreeindex == snelems {
		return sfreeindex
	}
	if sfreeindex > snelems {
		throw("s.freeindex > s.nelems")
	}

	aCache := s.allocCache

	bitIndex := bits.TrailingZeros64(aCache)
	for bitIndex == 64 {
		// Move index to start of next cached bits.
		sfreeindex = (sfreeindex + 64) &^ (64 - 1)
		if sfreeindex >= snelems {
			s.freeindex = snelems
			return snelems
		}
		whichByte := sfreeindex / 8
		// Refill s.allocCache with the next 64 alloc bits.
		s.refillAllocCache(whichByte)
		aCache = s.allocCache
		bitIndex = bits.TrailingZeros64(aCache)
		// nothing available in cached bits
		// grab the next 8 bytes and try again.
	}
	result := sfreeindex + uintptr(bitIndex)
	if result >= snelems {
		s.freeindex = snelems
		return snelems
	}

	s.allocCache >>= uint(bitIndex + 1)
	sfreeindex = result + 1

	if sfreeindex%64 == 0 && sfreeindex != snelems {
		// We just incremented s.freeindex so it isn't 0.
		// As each 1 in s.allocCache was encountered and used for allocation
		// it was shifted away. At this point s.allocCache contains all 0s.
		// Refill s.allocCache so that it corresponds
		// to the bits at s.allocBits starting at s.freeindex.
		whichByte := sfreeindex / 8
		s.refillAllocCache(whichByte)
	}
	s.freeindex = sfreeindex
	return result
}

// heapBits provides access to the bitmap bits for a single heap word.
// The methods on heapBits take value receivers so that the compiler
// can more easily inline calls to those methods and registerize the
// struct fields independently.
type heapBits struct {
	h *Heap

	// heapBits will report on pointers in the range [addr,addr+size).
	// The low bit of mask contains the pointerness of the word at addr
	// (assuming valid>0).
	addr, size uintptr

	// The next few pointer bits representing words starting at addr.
	// Those bits already returned by next() are zeroed.
	mask uintptr
	// Number of bits in mask that are valid. mask is always less than 1<<valid.
	valid uintptr
}

const ptrBits = 8 * PtrSize

// heapBitsForAddr returns the heapBits for the address addr.
// The caller must ensure [addr,addr+size) is in an allocated span.
// In particular, be careful not to point past the end of an object.
func (h *Heap) heapBitsForAddr(addr, size uintptr) heapBits {
	// Find arena
	ha := h.arena(addr)

	// Word index in arena.
	word := addr / PtrSize % heapArenaWords

	// Word index and bit offset in bitmap array.
	idx := word / ptrBits
	off := word % ptrBits

	// Grab relevant bits of bitmap.
	mask := atomic.LoadUintptr(&ha.bitmap[idx]) >> off
	valid := ptrBits - off

	// Process depending on where the object ends.
	nptr := size / PtrSize
	if nptr < valid {
		// Bits for this object end before the end of this bitmap word.
		// Squash bits for the following objects.
		mask &= 1<<(nptr&(ptrBits-1)) - 1
		valid = nptr
	}
	return heapBits{h: h, addr: addr, size: size, mask: mask, valid: valid}
}

// Returns the (absolute) address of the next known pointer and
// a heapBits iterator representing any remaining pointers.
// If there are no more pointers, returns address 0.
// Note that next does not modify h. The caller must record the result.
func (h heapBits) next() (heapBits, uintptr) {
	for {
		if h.mask != 0 {
			i := bits.TrailingZeros64(uint64(h.mask))
			h.mask ^= uintptr(1) << (i & (ptrBits - 1))
			return h, h.addr + uintptr(i)*PtrSize
		}

		// Skip words that we've already processed.
		h.addr += h.valid * PtrSize
		h.size -= h.valid * PtrSize
		if h.size == 0 {
			return h, 0 // no more pointers
		}

		// Grab more bits and try again.
		h = h.h.heapBitsForAddr(h.addr, h.size)
	}
}

// heapBitsWriter batches pointer bit updates to one bitmap word.
type heapBitsWriter struct {
	h     *Heap
	ha    *heapArena
	idx   uintptr
	word  uintptr
	dirty bool
}

func (w *heapBitsWriter) write(addr uintptr, ptr bool) {
	ha := w.h.arena(addr)
	word := addr / PtrSize % heapArenaWords
	idx, off := word/ptrBits, word%ptrBits
	if !w.dirty || ha != w.ha || idx != w.idx {
		w.flush()
		w.ha, w.idx = ha, idx
		w.word = atomic.LoadUintptr(&ha.bitmap[idx])
		w.dirty = true
	}
	if ptr {
		w.word |= 1 << off
	} else {
		w.word &^= 1 << off
	}
}

// flush publishes the pending bitmap word. Scanners read the bitmap
// without locks, so the store is atomic.
func (w *heapBitsWriter) flush() {
	if w.dirty {
		atomic.StoreUintptr(&w.ha.bitmap[w.idx], w.word)
		w.dirty = false
	}
}

// heapBitsSetType records that the new allocation [x, x+size)
// holds in [x, x+dataSize) one or more values of type typ.
// (The number of values is given by dataSize / typ.Size.)
// If dataSize < size, the fragment [x+dataSize, x+size) is
// recorded as non-pointer data.
//
// Every word of the slot is written, so bits left over from an
// object previously allocated at x never survive.
func (h *Heap) heapBitsSetType(x, size, dataSize uintptr, typ *Type) {
	if x&(PtrSize-1) != 0 || size&(PtrSize-1) != 0 {
		throw("heapBitsSetType: unaligned object")
	}
	w := heapBitsWriter{h: h}
	for i := uintptr(0); i < size; i += PtrSize {
		w.write(x+i, i < dataSize && typ.pointerAt(i%typ.Size))
	}
	w.flush()
}

// isPointer reports whether the heap word at addr is recorded as
// holding a pointer.
func (h *Heap) isPointer(addr uintptr) bool {
	hb := h.heapBitsForAddr(addr, PtrSize)
	return hb.mask&1 != 0
}
