package scheduler

import (
	"testing"
	"unsafe"

	"gotest.tools/v3/assert"

	heap "github.com/pianoyeg94/managed-heap/memory_and_heap"
)

// descend calls f depth times, filling every frame with values derived
// from seed, runs inner in the innermost frame and reports whether each
// frame still held its values on the way out.
func descend(gp *G, f *heap.FuncInfo, depth int, seed uintptr, inner func()) bool {
	if depth == 0 {
		inner()
		return true
	}
	ok := true
	gp.Call(f, func(fr Frame) {
		n := int(f.FrameSize / ptrSize)
		for i := 0; i < n; i++ {
			fr.SetSlot(i, seed+uintptr(depth*100+i))
		}
		ok = descend(gp, f, depth-1, seed, inner)
		for i := 0; i < n; i++ {
			if fr.Slot(i) != seed+uintptr(depth*100+i) {
				ok = false
			}
		}
	})
	return ok
}

func TestFramesSurviveStackSwitches(t *testing.T) {
	s := newTestSched(t, 1)
	f := s.Heap().Funcs().Register("deep", 32, nil)

	var (
		aOK, bOK   bool
		aCap, bCap uintptr
	)
	s.Go(func(gp *G) {
		s.Go(func(gp *G) {
			aOK = descend(gp, f, 8, 1<<20, func() {
				gp.Yield()
				gp.Yield()
				aCap = gp.sched.cap
			})
		})
		s.Go(func(gp *G) {
			bOK = descend(gp, f, 3, 2<<20, func() {
				gp.Yield()
				bCap = gp.sched.cap
			})
		})
	})
	s.Wait()

	assert.Assert(t, aOK)
	assert.Assert(t, bOK)
	// 8 frames of 40 bytes and 3 frames of 40 bytes, doubled up
	// from the fixed snapshot size.
	assert.Equal(t, aCap, uintptr(512))
	assert.Equal(t, bCap, uintptr(128))
}

func TestCallFrameLayout(t *testing.T) {
	s := newTestSched(t, 1)
	outer := s.Heap().Funcs().Register("outer", 16, []byte{0x1})
	inner := s.Heap().Funcs().Register("inner", 8, nil)

	var hi, outerSP, innerSP, restored, pc, addr uintptr
	s.Go(func(gp *G) {
		hi = gp.p.stack.hi
		gp.Call(outer, func(fr Frame) {
			outerSP = gp.sched.sp
			pc = *(*uintptr)(unsafe.Pointer(fr.sp))
			addr = fr.Addr(1)
			gp.Call(inner, func(Frame) {
				innerSP = gp.sched.sp
			})
			restored = gp.sched.sp
		})
	})
	s.Wait()

	assert.Equal(t, outerSP, hi-ptrSize-16)
	assert.Equal(t, innerSP, outerSP-ptrSize-8)
	assert.Equal(t, restored, outerSP)
	assert.Equal(t, pc, outer.Entry)
	assert.Equal(t, addr, outerSP+2*ptrSize)
}

func TestSaveStackSkipsEmptyTasks(t *testing.T) {
	s := newTestSched(t, 1)
	f := s.Heap().Funcs().Register("f", 8, nil)

	var buf uintptr
	s.Go(func(gp *G) {
		gp.Call(f, func(Frame) {})
		// The task still owns the stack with nothing on it.
		gp.p.saveStack(gp)
		buf, _ = gp.StackSnapshot()
	})
	s.Wait()
	assert.Equal(t, buf, uintptr(0))
}
