package heap

import "math/bits"

// pageBits is a bitmap with one bit per page of a palloc chunk.
// Bit i lives in word i/64 at position i%64, so the bitmap reads
// right to left within a word.
type pageBits [pallocChunkPages / 64]uint64

// block64 returns the word holding bit i.
func (b *pageBits) block64(i uint) uint64 {
	return b[i/64]
}

func (b *pageBits) set(i uint) {
	b[i/64] |= 1 << (i % 64)
}

// setRange sets bits [i, i+n).
func (b *pageBits) setRange(i, n uint) {
	_ = b[i/64]
	if n == 1 {
		b.set(i)
		return
	}
	j := i + n - 1
	if i/64 == j/64 {
		b[i/64] |= ((uint64(1) << n) - 1) << (i % 64)
		return
	}
	_ = b[j/64]
	b[i/64] |= ^uint64(0) << (i % 64)
	for k := i/64 + 1; k < j/64; k++ {
		b[k] = ^uint64(0)
	}
	b[j/64] |= (uint64(1) << (j%64 + 1)) - 1
}

func (b *pageBits) setAll() {
	for i := range b {
		b[i] = ^uint64(0)
	}
}

// setBlock64 ors v into the word holding bit i.
func (b *pageBits) setBlock64(i uint, v uint64) {
	b[i/64] |= v
}

func (b *pageBits) clear(i uint) {
	b[i/64] &^= 1 << (i % 64)
}

// clearRange clears bits [i, i+n).
func (b *pageBits) clearRange(i, n uint) {
	_ = b[i/64]
	if n == 1 {
		b.clear(i)
		return
	}
	j := i + n - 1
	if i/64 == j/64 {
		b[i/64] &^= ((uint64(1) << n) - 1) << (i % 64)
		return
	}
	_ = b[j/64]
	b[i/64] &^= ^uint64(0) << (i % 64)
	for k := i/64 + 1; k < j/64; k++ {
		b[k] = 0
	}
	b[j/64] &^= (uint64(1) << (j%64 + 1)) - 1
}

func (b *pageBits) clearAll() {
	for i := range b {
		b[i] = 0
	}
}

// pallocBits is the allocation bitmap of one chunk; 1 is in use.
type pallocBits pageBits

// summarize returns the start, max and end free runs of the chunk.
func (b *pallocBits) summarize() pallocSum {
	var start, max, cur uint
	const notSetYet = ^uint(0)
	start = notSetYet
	for i := 0; i < len(b); i++ {
		x := b[i]
		if x == 0 {
			cur += 64
			continue
		}
		t := uint(bits.TrailingZeros64(x))
		l := uint(bits.LeadingZeros64(x))

		// cur is the run that crossed into this word.
		cur += t
		if start == notSetYet {
			start = cur
		}
		if cur > max {
			max = cur
		}
		cur = l
	}
	if start == notSetYet {
		const n = uint(64 * len(b))
		return packPallocSum(n, n, n)
	}
	if cur > max {
		max = cur
	}
	if max >= 64-2 {
		// No run inside one word can be longer.
		return packPallocSum(start, max, cur)
	}

	// Look for longer runs inside the words, all of which are
	// non-zero by now. Shrinking every zero run of a word by max leaves
	// only the runs that beat it.
outer:
	for i := 0; i < len(b); i++ {
		x := b[i]
		x >>= bits.TrailingZeros64(x) & 63
		if x&(x+1) == 0 {
			continue
		}

		p := max     // zeros left to shrink by
		k := uint(1) // shortest run of ones in x
		for {
			for p > 0 {
				if p <= k {
					x |= x >> (p & 63)
					if x&(x+1) == 0 {
						continue outer
					}
					break
				}
				x |= x >> (k & 63)
				if x&(x+1) == 0 {
					continue outer
				}
				p -= k
				k *= 2
			}

			// What is left of the lowest zero run adds to max.
			j := uint(bits.TrailingZeros64(^x))
			x >>= j & 63
			j = uint(bits.TrailingZeros64(x))
			x >>= j & 63
			max += j
			if x&(x+1) == 0 {
				continue outer
			}
			p = j
		}
	}
	return packPallocSum(start, max, cur)
}

// find returns the first free run of npages at or above searchIdx, or
// ^uint(0), together with the first free page it passed, which is where
// the next search may start.
func (b *pallocBits) find(npages uintptr, searchIdx uint) (uint, uint) {
	if npages == 1 {
		addr := b.find1(searchIdx)
		return addr, addr
	} else if npages <= 64 {
		return b.findSmallN(npages, searchIdx)
	}
	return b.findLargeN(npages, searchIdx)
}

func (b *pallocBits) find1(searchIdx uint) uint {
	_ = b[0]
	for i := searchIdx / 64; i < uint(len(b)); i++ {
		x := b[i]
		if ^x == 0 {
			continue
		}
		return i*64 + uint(bits.TrailingZeros64(^x))
	}
	return ^uint(0)
}

// findSmallN finds runs of at most 64 pages, which cross at most one
// word boundary.
func (b *pallocBits) findSmallN(npages uintptr, searchIdx uint) (uint, uint) {
	// end is the free run at the top of the previous word.
	end, newSearchIdx := uint(0), ^uint(0)
	for i := searchIdx / 64; i < uint(len(b)); i++ {
		bi := b[i]
		if ^bi == 0 {
			end = 0
			continue
		}
		if newSearchIdx == ^uint(0) {
			newSearchIdx = i*64 + uint(bits.TrailingZeros64(^bi))
		}
		start := uint(bits.TrailingZeros64(bi))
		if end+start >= uint(npages) {
			return i*64 - end, newSearchIdx
		}
		j := findBitRange64(^bi, uint(npages))
		if j < 64 {
			return i*64 + j, newSearchIdx
		}
		end = uint(bits.LeadingZeros64(bi))
	}
	return ^uint(0), newSearchIdx
}

// findLargeN finds runs longer than 64 pages, which always cross a word
// boundary.
func (b *pallocBits) findLargeN(npages uintptr, searchIdx uint) (uint, uint) {
	start, size, newSearchIdx := ^uint(0), uint(0), ^uint(0)
	for i := searchIdx / 64; i < uint(len(b)); i++ {
		x := b[i]
		if x == ^uint64(0) {
			size = 0
			continue
		}
		if newSearchIdx == ^uint(0) {
			newSearchIdx = i*64 + uint(bits.TrailingZeros64(^x))
		}
		if size == 0 {
			size = uint(bits.LeadingZeros64(x))
			start = i*64 + 64 - size
			continue
		}
		s := uint(bits.TrailingZeros64(x))
		if s+size >= uint(npages) {
			return start, newSearchIdx
		}
		if s < 64 {
			size = uint(bits.LeadingZeros64(x))
			start = i*64 + 64 - size
			continue
		}
		size += 64
	}
	if size < uint(npages) {
		return ^uint(0), newSearchIdx
	}
	return start, newSearchIdx
}

func (b *pallocBits) allocRange(i, n uint) {
	(*pageBits)(b).setRange(i, n)
}

func (b *pallocBits) allocAll() {
	(*pageBits)(b).setAll()
}

func (b *pallocBits) free1(i uint) {
	(*pageBits)(b).clear(i)
}

func (b *pallocBits) free(i, n uint) {
	(*pageBits)(b).clearRange(i, n)
}

func (b *pallocBits) freeAll() {
	(*pageBits)(b).clearAll()
}

// pages64 returns the in-use bits of the 64 aligned pages around page i.
func (b *pallocBits) pages64(i uint) uint64 {
	return (*pageBits)(b).block64(i)
}

func (b *pallocBits) allocPages64(i uint, alloc uint64) {
	(*pageBits)(b).setBlock64(i, alloc)
}

// findBitRange64 returns the index of the first run of n ones in c,
// or 64 or more if there is none. n > 0.
//
// Every run of ones is cut by n-1 from the top; the lowest surviving
// bit starts the first run long enough.
func findBitRange64(c uint64, n uint) uint {
	p := n - 1   // ones left to cut
	k := uint(1) // shortest run of zeros in c
	for p > 0 {
		if p <= k {
			c &= c >> (p & 63)
			break
		}
		c &= c >> (k & 63)
		if c == 0 {
			return 64
		}
		p -= k
		k *= 2
	}
	return uint(bits.TrailingZeros64(c))
}
