package heap

import "unsafe"

// fixalloc hands out fixed-size off-heap objects, the heap's mspan and
// arenaHint structures, from _FixAllocChunk chunks of persistent
// memory. Freed objects go on a list and come back zeroed; their first
// word is overwritten while they sit there. The caller locks.
type fixalloc struct {
	size   uintptr
	first  func(arg, p unsafe.Pointer) // called first time p is returned
	arg    unsafe.Pointer
	list   *mlink
	chunk  uintptr
	nchunk uint32 // bytes left in chunk
	nalloc uint32 // chunk size, a multiple of size
	inuse  uintptr
	stat   *sysMemStat

	persistent *persistentAlloc
}

// mlink overlays the first word of a free object.
type mlink struct {
	next *mlink
}

// init sets f up for objects of size bytes. first, if not nil, sees
// every object the first time it is carved out.
func (f *fixalloc) init(size uintptr, first func(arg, p unsafe.Pointer), arg unsafe.Pointer, persistent *persistentAlloc, stat *sysMemStat) {
	if size > _FixAllocChunk {
		throw("fixalloc size too large")
	}
	if min := unsafe.Sizeof(mlink{}); size < min {
		size = min
	}
	f.size = size
	f.first = first
	f.arg = arg
	f.list = nil
	f.chunk = 0
	f.nchunk = 0
	f.nalloc = uint32(_FixAllocChunk / size * size)
	f.inuse = 0
	f.stat = stat
	f.persistent = persistent
}

func (f *fixalloc) alloc() unsafe.Pointer {
	if f.size == 0 {
		throw("fixalloc used before init")
	}

	if f.list != nil {
		v := unsafe.Pointer(f.list)
		f.list = f.list.next
		f.inuse += f.size
		memclrNoHeapPointers(v, f.size)
		return v
	}
	if uintptr(f.nchunk) < f.size {
		f.chunk = uintptr(f.persistent.alloc(uintptr(f.nalloc), 0, f.stat))
		f.nchunk = f.nalloc
	}

	v := unsafe.Pointer(f.chunk)
	if f.first != nil {
		f.first(f.arg, v)
	}
	f.chunk = f.chunk + f.size
	f.nchunk -= uint32(f.size)
	f.inuse += f.size
	return v
}

func (f *fixalloc) free(p unsafe.Pointer) {
	f.inuse -= f.size
	v := (*mlink)(p)
	v.next = f.list
	f.list = v
}
