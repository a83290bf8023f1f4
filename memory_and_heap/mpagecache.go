package heap

import (
	"math/bits"
	"unsafe"
)

const pageCachePages = 8 * unsafe.Sizeof(pageCache{}.cache)

// pageCache is a 64-page aligned block owned by one MCache, which
// allocates pages from it without the heap lock.
type pageCache struct {
	base  uintptr
	cache uint64 // 1 is free
}

func (c *pageCache) empty() bool {
	return c.cache == 0
}

// alloc returns the base of npages free pages in the cache, or 0.
func (c *pageCache) alloc(npages uintptr) uintptr {
	if c.cache == 0 {
		return 0
	}
	if npages == 1 {
		i := uintptr(bits.TrailingZeros64(c.cache))
		c.cache &^= 1 << i
		return c.base + i*pageSize
	}
	return c.allocN(npages)
}

func (c *pageCache) allocN(npages uintptr) uintptr {
	i := findBitRange64(c.cache, uint(npages))
	if i >= 64 {
		return 0
	}
	mask := ((uint64(1) << npages) - 1) << i
	c.cache &^= mask
	return c.base + uintptr(i*pageSize)
}

// flush gives the cache's free pages back to p and empties it.
//
// p.mheapLock must be held.
func (c *pageCache) flush(p *pageAlloc) {
	assertLockHeld(p.mheapLock)

	if c.empty() {
		return
	}
	ci := chunkIndex(c.base)
	pi := chunkPageIndex(c.base)

	for i := uint(0); i < 64; i++ {
		if c.cache&(1<<i) != 0 {
			p.chunkOf(ci).free1(pi + i)
		}
	}
	if b := (offAddr{c.base}); b.lessThan(p.searchAddr) {
		p.searchAddr = b
	}
	p.update(c.base, pageCachePages, false, false)
	*c = pageCache{}
}

// allocToCache takes every free page of the lowest 64-page block that
// has one.
//
// p.mheapLock must be held.
func (p *pageAlloc) allocToCache() pageCache {
	assertLockHeld(p.mheapLock)

	if chunkIndex(p.searchAddr.addr()) >= p.end {
		return pageCache{}
	}
	c := pageCache{}
	ci := chunkIndex(p.searchAddr.addr())
	var chunk *pallocBits
	if p.summary[len(p.summary)-1][ci] != 0 {
		// searchAddr's chunk has room.
		chunk = p.chunkOf(ci)
		j, _ := chunk.find(1, chunkPageIndex(p.searchAddr.addr()))
		if j == ^uint(0) {
			throw("bad summary data")
		}
		c = pageCache{
			base:  chunkBase(ci) + alignDown(uintptr(j), 64)*pageSize,
			cache: ^chunk.pages64(j),
		}
	} else {
		addr, _ := p.find(1)
		if addr == 0 {
			p.searchAddr = maxSearchAddr()
			return pageCache{}
		}
		ci = chunkIndex(addr)
		chunk = p.chunkOf(ci)
		c = pageCache{
			base:  alignDown(addr, 64*pageSize),
			cache: ^chunk.pages64(chunkPageIndex(addr)),
		}
	}

	chunk.allocPages64(chunkPageIndex(c.base), c.cache)
	p.update(c.base, pageCachePages, false, true)

	// Every page below the block's end is in use. The page after it
	// may not be grown, so stop at the block's last page.
	p.searchAddr = offAddr{c.base + pageSize*(pageCachePages-1)}
	return c
}
