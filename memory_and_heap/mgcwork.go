package heap

import "unsafe"

const (
	_WorkbufSize = 2048 // in bytes; larger values result in less contention
)

// Garbage collector work pool abstraction.
//
// This implements a producer/consumer model for pointers to grey
// objects. A grey object is one that is marked and on a work
// queue. A black object is marked and not on a work queue.
//
// Write barriers, root discovery, stack scanning, and object scanning
// produce pointers to grey objects. Scanning consumes pointers to
// grey objects, thus blackening them, and then scans them,
// potentially producing new pointers to grey objects.
//
// Every MCache owns a gcWork, used by its mark worker and by the
// write barrier of the tasks running on its processor. Full buffers
// move to the heap's global list, where any worker can steal them.
// Buffers are LIFO: the most recently greyed object is scanned first.

// A gcWork provides the interface to produce and consume work for the
// garbage collector.
//
// A gcWork can be used as follows:
//
//	gcw := &c.gcw
//	.. call gcw.put() to produce and gcw.tryGet() to consume ..
//
// Only the goroutine owning the cache's processor may touch its
// gcWork. Mark termination, with the world stopped, disposes of every
// cache's gcWork before draining the global list.
type gcWork struct {
	h *Heap

	// wbuf1 and wbuf2 are the primary and secondary work buffers.
	//
	// This can be thought of as a stack of both work buffers'
	// pointers concatenated. When we pop the last pointer, we
	// shift the stack up by one work buffer by bringing in a new
	// full buffer and discarding an empty one. When we fill both
	// buffers, we shift the stack down by one work buffer by
	// bringing in a new empty buffer and discarding a full one.
	// This way we have one buffer's worth of hysteresis, which
	// amortizes the cost of getting or putting a work buffer over
	// at least one buffer of work and reduces contention on the
	// global work lists.
	//
	// wbuf1 is always the buffer we're currently pushing to and
	// popping from and wbuf2 is the buffer that will be discarded
	// next.
	//
	// Invariant: Both wbuf1 and wbuf2 are nil or neither are.
	wbuf1, wbuf2 *workbuf

	// Bytes marked (blackened) on this gcWork.
	bytesMarked uint64

	// scanWork is the number of objects scanned by this gcWork.
	scanWork int64
}

func (w *gcWork) init() {
	w.wbuf1 = w.h.getempty()
	wbuf2 := w.h.trygetfull()
	if wbuf2 == nil {
		wbuf2 = w.h.getempty()
	}
	w.wbuf2 = wbuf2
}

// put enqueues a pointer for the garbage collector to trace.
// obj must point to the beginning of a heap object.
func (w *gcWork) put(obj uintptr) {
	wbuf := w.wbuf1
	if wbuf == nil {
		w.init()
		wbuf = w.wbuf1
		// wbuf is empty at this point.
	} else if wbuf.nobj == len(wbuf.obj) {
		w.wbuf1, w.wbuf2 = w.wbuf2, w.wbuf1
		wbuf = w.wbuf1
		if wbuf.nobj == len(wbuf.obj) {
			w.h.putfull(wbuf)
			wbuf = w.h.getempty()
			w.wbuf1 = wbuf
		}
	}

	wbuf.obj[wbuf.nobj] = obj
	wbuf.nobj++
}

// tryGet dequeues a pointer for the garbage collector to trace.
//
// If there are no pointers remaining in this gcWork or in the global
// queue, tryGet returns 0.  Note that there may still be pointers in
// other gcWork instances or other caches.
func (w *gcWork) tryGet() uintptr {
	wbuf := w.wbuf1
	if wbuf == nil {
		w.init()
		wbuf = w.wbuf1
		// wbuf is empty at this point.
	}
	if wbuf.nobj == 0 {
		w.wbuf1, w.wbuf2 = w.wbuf2, w.wbuf1
		wbuf = w.wbuf1
		if wbuf.nobj == 0 {
			owbuf := wbuf
			wbuf = w.h.trygetfull()
			if wbuf == nil {
				return 0
			}
			w.h.putempty(owbuf)
			w.wbuf1 = wbuf
		}
	}

	wbuf.nobj--
	return wbuf.obj[wbuf.nobj]
}

// dispose returns any cached pointers to the global queue.
// The buffers are being put on the full queue so that the
// write barriers will not simply reacquire them before the
// GC can inspect them. This helps reduce the mutator's
// ability to hide pointers during the concurrent mark phase.
func (w *gcWork) dispose() {
	if wbuf := w.wbuf1; wbuf != nil {
		if wbuf.nobj == 0 {
			w.h.putempty(wbuf)
		} else {
			w.h.putfull(wbuf)
		}
		w.wbuf1 = nil

		wbuf = w.wbuf2
		if wbuf.nobj == 0 {
			w.h.putempty(wbuf)
		} else {
			w.h.putfull(wbuf)
		}
		w.wbuf2 = nil
	}
	if w.bytesMarked != 0 {
		w.h.work.bytesMarked.Add(w.bytesMarked)
		w.bytesMarked = 0
	}
}

// empty reports whether w has no mark work available.
func (w *gcWork) empty() bool {
	return w.wbuf1 == nil || (w.wbuf1.nobj == 0 && w.wbuf2.nobj == 0)
}

// Internally, the GC work pool is kept in arrays in work buffers.
// The gcWork interface caches a work buffer until full (or empty) to
// avoid contending on the global work buffer lists.

type workbufhdr struct {
	next *workbuf // must be first
	nobj int
}

type workbuf struct {
	workbufhdr
	// account for the above fields
	obj [(_WorkbufSize - unsafe.Sizeof(workbufhdr{})) / PtrSize]uintptr
}

// getempty pops an empty work buffer off the work.empty list,
// allocating new buffers if none are available.
func (h *Heap) getempty() *workbuf {
	lock(&h.work.lock)
	b := h.work.empty
	if b != nil {
		h.work.empty = b.next
		b.next = nil
	}
	unlock(&h.work.lock)
	if b == nil {
		b = new(workbuf)
	}
	return b
}

// putempty puts a workbuf onto the work.empty list.
// Upon entry this goroutine owns b.
func (h *Heap) putempty(b *workbuf) {
	if b.nobj != 0 {
		throw("workbuf is not empty")
	}
	lock(&h.work.lock)
	b.next = h.work.empty
	h.work.empty = b
	unlock(&h.work.lock)
}

// putfull puts the workbuf on the work.full list for the GC.
// putfull accepts partially full buffers so the GC can avoid competing
// with the mutators for ownership of partially full buffers.
func (h *Heap) putfull(b *workbuf) {
	if b.nobj <= 0 {
		throw("workbuf is empty")
	}
	lock(&h.work.lock)
	b.next = h.work.full
	h.work.full = b
	h.work.nfull++
	unlock(&h.work.lock)
}

// trygetfull tries to get a full or partially empty workbuffer.
// If one is not immediately available return nil.
func (h *Heap) trygetfull() *workbuf {
	lock(&h.work.lock)
	b := h.work.full
	if b != nil {
		h.work.full = b.next
		h.work.nfull--
		b.next = nil
	}
	unlock(&h.work.lock)
	return b
}

// putGlobal greys obj straight onto the global list. Used by write
// barriers running after their processor's mark worker finished.
func (h *Heap) putGlobal(obj uintptr) {
	lock(&h.work.lock)
	b := h.work.full
	if b == nil || b.nobj == len(b.obj) {
		unlock(&h.work.lock)
		nb := h.getempty()
		lock(&h.work.lock)
		nb.next = h.work.full
		h.work.full = nb
		h.work.nfull++
		b = nb
	}
	b.obj[b.nobj] = obj
	b.nobj++
	unlock(&h.work.lock)
}

// fullEmpty reports whether the global list holds no work.
func (h *Heap) fullEmpty() bool {
	lock(&h.work.lock)
	empty := h.work.full == nil
	unlock(&h.work.lock)
	return empty
}
