// Garbage collector: write barriers.
//
// The collector uses a Yuasa-style deletion write barrier combined
// with a Dijkstra insertion write barrier for tasks that have not
// been scanned yet. The barrier performs
//
//	writePointer(slot, ptr):
//	    shade(*slot)
//	    if current task is white:
//	        shade(ptr)
//	    *slot = ptr
//
// shade(*slot) keeps every object that was reachable when its last
// reference was overwritten alive: a task can't hide an object from
// the collector by moving the sole pointer from a heap slot to its
// stack, because the overwritten copy is shaded first.
//
// shade(ptr) covers tasks whose stack has not been scanned yet: such
// a task may copy a pointer from its stack into a black object, and
// the stack scan that would have found it may already be past that
// frame by then. Once the task has been scanned it is black, every
// pointer on its stack was shaded, and only the deletion half is
// needed.
//
// The barrier is enabled from the start of a cycle until the residue
// has been drained. Outside that window a pointer write is a plain
// atomic store.

package heap

import (
	"sync/atomic"
	"unsafe"
)

// WritePointer stores src into the heap or global word at dst on
// behalf of task t, running the write barrier if a collection is
// marking. t is the task doing the write; nil is treated as a task
// that has not been scanned.
//
// c must be the cache of the processor t runs on.
func (c *MCache) WritePointer(t Task, dst, src uintptr) {
	if dst&(PtrSize-1) != 0 {
		print("heap: WritePointer to ", hex(dst), "\n")
		fatal("heap: unaligned pointer store")
	}
	slot := (*uintptr)(unsafe.Pointer(dst))
	h := c.h
	if h.writeBarrier.Load() {
		c.shade(atomic.LoadUintptr(slot))
		if t == nil || t.GCGen() != h.gcCount.Load() {
			c.shade(src)
		}
	}
	atomic.StoreUintptr(slot, src)
}

// ReadPointer loads the heap or global word at src.
func ReadPointer(src uintptr) uintptr {
	return atomic.LoadUintptr((*uintptr)(unsafe.Pointer(src)))
}

// shade greys the object b points into, queueing it on this
// processor's gcWork while its mark worker is still draining and on
// the global list after that.
func (c *MCache) shade(b uintptr) {
	obj, scan := c.h.greyobject(b)
	if !scan {
		return
	}
	if c.gcWorkGen == c.h.gcCount.Load() {
		c.h.putGlobal(obj)
		return
	}
	c.gcw.put(obj)
}
