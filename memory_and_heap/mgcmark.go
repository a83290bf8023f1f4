// Garbage collector: marking and scanning

package heap

import (
	"sync/atomic"
	"unsafe"
)

// markrootGlobals shades every word of the globals that may hold
// pointers.
func (h *Heap) markrootGlobals(gcw *gcWork) {
	h.symbols.forEach(func(s *Symbol) {
		if !s.NeedGC {
			return
		}
		for off := uintptr(0); off+PtrSize <= s.Size; off += PtrSize {
			p := atomic.LoadUintptr((*uintptr)(unsafe.Pointer(s.Base + off)))
			if obj, scan := h.greyobject(p); scan {
				gcw.put(obj)
			}
		}
	})
}

// scanstack scans the saved stack of t and blackens the buffer that
// holds it.
//
// A snapshot is a sequence of frames from the innermost outwards. Each
// frame is a return pc word followed by the frame's slots, as many as
// the function's FrameSize says. Slots whose bit is set in the
// function's PtrMask are shaded.
func (h *Heap) scanstack(t Task, gcw *gcWork) {
	buf, size := t.StackSnapshot()
	if buf == 0 {
		return
	}
	h.markBlack(buf)

	for sp := buf; sp < buf+size; {
		pc := *(*uintptr)(unsafe.Pointer(sp))
		f := h.funcs.FindFunc(pc)
		if f == nil {
			print("heap: unknown pc ", hex(pc), " at sp=", hex(sp), " in stack [", hex(buf), ",", hex(buf+size), ")\n")
			throw("scanstack: unknown pc")
		}
		frame := sp + PtrSize
		if frame+f.FrameSize > buf+size {
			print("heap: frame of ", f.Name, " at ", hex(frame), " overruns stack end ", hex(buf+size), "\n")
			throw("scanstack: misaligned frame")
		}
		h.scanframe(frame, f, gcw)
		sp = frame + f.FrameSize
	}
}

// scanframe shades the pointer slots of one frame.
func (h *Heap) scanframe(frame uintptr, f *FuncInfo, gcw *gcWork) {
	for i := uintptr(0); i < f.FrameSize/PtrSize; i++ {
		if !f.ptrbit(i) {
			continue
		}
		p := *(*uintptr)(unsafe.Pointer(frame + i*PtrSize))
		if obj, scan := h.greyobject(p); scan {
			gcw.put(obj)
		}
	}
}

// gcDrain scans grey objects until both gcw and the global list are
// empty. If mw is not nil the worker yields its processor every
// MarkBatch objects.
func (h *Heap) gcDrain(gcw *gcWork, mw MarkWorker) {
	batch := h.cfg.MarkBatch
	n := 0
	for {
		b := gcw.tryGet()
		if b == 0 {
			break
		}
		h.scanobject(b, gcw)
		n++
		if mw != nil && n >= batch {
			n = 0
			mw.Yield()
		}
	}
}

// scanobject scans the object starting at b, adding pointers to gcw.
// b must point to the beginning of a heap object; scanobject consults
// the arena bitmap for the pointer mask and the spans for the size of
// the object.
func (h *Heap) scanobject(b uintptr, gcw *gcWork) {
	s := h.spanOfHeap(b)
	if s == nil {
		print("heap: grey object ", hex(b), " not in an in-use span\n")
		throw("scanobject of a non-heap object")
	}
	if s.spanclass.noscan() {
		throw("scanobject of a noscan object")
	}
	n := s.elemsize

	hbits := h.heapBitsForAddr(b, n)
	var scanSize uintptr
	for {
		var addr uintptr
		if hbits, addr = hbits.next(); addr == 0 {
			break
		}

		// Keep track of farthest pointer we found.
		scanSize = addr - b + PtrSize

		obj := atomic.LoadUintptr((*uintptr)(unsafe.Pointer(addr)))

		// At this point we have extracted the next potential pointer.
		// Quickly filter out nil and pointers back to the current object.
		if obj != 0 && obj-b >= n {
			if obj, scan := h.greyobject(obj); scan {
				gcw.put(obj)
			}
		}
	}
	gcw.bytesMarked += uint64(n)
	gcw.scanWork += int64(scanSize)
}

// greyobject marks the object p points into. It returns the base of
// the object and true if the object was white and needs scanning; the
// caller must put it on a work queue.
//
// Words that do not point into an arena, and the zero-size base, are
// ignored. A word inside an arena that does not resolve to an object
// of an in-use span is heap corruption.
func (h *Heap) greyobject(p uintptr) (uintptr, bool) {
	if p < h.arenaStart.Load() || p >= h.arenaEnd.Load() || p == h.zerobase {
		return 0, false
	}
	if h.arena(p) == nil {
		// Between two reservations.
		return 0, false
	}
	s := h.spanOf(p)
	if s == nil {
		print("heap: pointer ", hex(p), " to unallocated span\n")
		throw("found bad pointer in managed heap")
	}
	if state := s.state.get(); state != mSpanInUse || p >= s.limit {
		print("heap: pointer ", hex(p), " to span ", hex(s.base()), " state=", mSpanStateNames[state], " limit=", hex(s.limit), "\n")
		throw("found bad pointer in managed heap")
	}

	objIndex := s.objIndex(p)
	obj := s.base() + objIndex*s.elemsize

	lock(&s.gcmarkLock)
	if s.gcmarkBits.isMarked(objIndex) {
		unlock(&s.gcmarkLock)
		return 0, false
	}
	s.gcmarkBits.setMarked(objIndex)
	unlock(&s.gcmarkLock)

	// If this is a noscan object, fast-track it to black
	// instead of greying it.
	if s.spanclass.noscan() {
		h.work.bytesMarked.Add(uint64(s.elemsize))
		return 0, false
	}
	return obj, true
}

// markBlack marks the object at p without queueing it: its contents
// are known to hold no pointers the collector needs to follow.
func (h *Heap) markBlack(p uintptr) {
	s := h.spanOfHeap(p)
	if s == nil {
		print("heap: markBlack of ", hex(p), "\n")
		throw("markBlack of a non-heap object")
	}
	h.gcmarknewobject(s, s.base()+s.objIndex(p)*s.elemsize)
}

// gcmarknewobject marks a newly allocated object black. obj must
// not contain any non-nil pointers.
func (h *Heap) gcmarknewobject(span *mspan, obj uintptr) {
	objIndex := span.objIndex(obj)
	lock(&span.gcmarkLock)
	span.gcmarkBits.setMarked(objIndex)
	unlock(&span.gcmarkLock)
}
