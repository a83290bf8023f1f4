package heap_test

import (
	"testing"
	"unsafe"

	"gotest.tools/v3/assert"

	heap "github.com/pianoyeg94/managed-heap/memory_and_heap"
)

func TestGCKeepsReachableFromGlobals(t *testing.T) {
	h := newTestHeap(t)
	c := h.NewCache()
	root := h.Symbols().Define("root", 8, true)

	var live, garbage []uintptr
	var head uintptr
	for i := 0; i < 100; i++ {
		head = newNode(c, head, uintptr(i))
		live = append(live, head)
		garbage = append(garbage, newNode(c, 0, uintptr(i)))
	}
	c.WritePointer(nil, root.Base, head)
	assert.Equal(t, h.AllocatedBytes(), uint64(200*nodeType.Size))

	for cycle := 0; cycle < 2; cycle++ {
		h.GC()
		h.CheckInvariants()
		assert.Equal(t, h.AllocatedBytes(), uint64(100*nodeType.Size))
		for i, n := range live {
			assert.Assert(t, h.IsAllocated(n), "cycle %d: list node %d freed", cycle, i)
			assert.Equal(t, nodeVal(n), uintptr(i))
		}
		for i, n := range garbage {
			assert.Assert(t, !h.IsAllocated(n), "cycle %d: garbage node %d kept", cycle, i)
		}
	}

	// Dropping the root frees the whole list.
	c.WritePointer(nil, root.Base, 0)
	h.GC()
	assert.Equal(t, h.AllocatedBytes(), uint64(0))
}

func TestGCIgnoresScalarGlobals(t *testing.T) {
	h := newTestHeap(t)
	c := h.NewCache()
	scalar := h.Symbols().Define("scalar", 8, false)

	p := newNode(c, 0, 1)
	*(*uintptr)(unsafe.Pointer(scalar.Base)) = p
	h.GC()
	assert.Assert(t, !h.IsAllocated(p))
}

func TestGCFollowsInteriorPointers(t *testing.T) {
	h := newTestHeap(t)
	c := h.NewCache()
	root := h.Symbols().Define("root", 8, true)

	p := uintptr(c.MallocNoscan(256))
	c.WritePointer(nil, root.Base, p+100)
	h.GC()
	assert.Assert(t, h.IsAllocated(p))
}

func TestGCScansTaskStacks(t *testing.T) {
	h := newTestHeap(t)
	c := h.NewCache()

	outer := h.Funcs().Register("outer", 8, []byte{0x1})
	inner := h.Funcs().Register("inner", 16, []byte{0x1})

	x := newNode(c, 0, 1)
	y := newNode(c, 0, 2)
	z := newNode(c, 0, 3) // only held in a scalar slot
	xx := newNode(c, 0, 4)
	c.WritePointer(nil, x, xx)

	// inner's frame: pc, x, z; then outer's: pc, y.
	words := []uintptr{inner.Entry + 4, x, z, outer.Entry, y}
	size := uintptr(len(words)) * 8
	buf := uintptr(c.MallocNoscan(size))
	for i, w := range words {
		*(*uintptr)(unsafe.Pointer(buf + uintptr(i)*8)) = w
	}

	task := &fakeTask{buf: buf, size: size}
	w := &fakeWorld{c: c, tasks: []heap.Task{task}}
	h.SetWorld(w)
	h.GC()

	assert.Equal(t, task.GCGen(), h.NumGC())
	assert.Assert(t, h.IsAllocated(buf))
	assert.Assert(t, h.IsAllocated(x))
	assert.Assert(t, h.IsAllocated(xx))
	assert.Assert(t, h.IsAllocated(y))
	assert.Assert(t, !h.IsAllocated(z))
	assert.Equal(t, w.stops, 2)
	assert.Equal(t, w.starts, 2)
}

func TestGCSkipsAlreadyScannedTasks(t *testing.T) {
	h := newTestHeap(t)
	c := h.NewCache()
	f := h.Funcs().Register("f", 8, []byte{0x1})

	x := newNode(c, 0, 1)
	buf := uintptr(c.MallocNoscan(16))
	*(*uintptr)(unsafe.Pointer(buf)) = f.Entry
	*(*uintptr)(unsafe.Pointer(buf + 8)) = x

	// A task black for the coming cycle is not scanned again.
	task := &fakeTask{buf: buf, size: 16, gen: h.NumGC() + 1}
	h.SetWorld(&fakeWorld{c: c, tasks: []heap.Task{task}})
	h.GC()
	assert.Assert(t, !h.IsAllocated(x))
	assert.Assert(t, !h.IsAllocated(buf))
}

// A black task moves the only pointer to B from a grey object into a
// black one. The deletion half of the barrier must keep B alive.
func TestWriteBarrierShadesOverwrittenPointer(t *testing.T) {
	h := newTestHeap(t, markBatch(1))
	c := h.NewCache()
	g2 := h.Symbols().Define("g2", 8, true)
	g1 := h.Symbols().Define("g1", 8, true)

	b := newNode(c, 0, 'B')
	cc := newNode(c, b, 'C')
	a := newNode(c, 0, 'A')
	c.WritePointer(nil, g2.Base, cc)
	c.WritePointer(nil, g1.Base, a)

	w := &fakeWorld{c: c}
	w.onYield = func() {
		// A was scanned first and is black, C is grey.
		task := &fakeTask{gen: h.NumGC()}
		c.WritePointer(task, a, b)
		c.WritePointer(task, cc, 0)
	}
	h.SetWorld(w)
	h.GC()

	assert.Assert(t, w.yields > 0)
	assert.Assert(t, h.IsAllocated(a))
	assert.Assert(t, h.IsAllocated(b))
	assert.Assert(t, h.IsAllocated(cc))
	assert.Equal(t, heap.ReadPointer(a), b)
	assert.Equal(t, heap.ReadPointer(cc), uintptr(0))
	h.CheckInvariants()
}

// An unscanned task stores a pointer from its stack into a global
// after the mark worker has drained. The insertion half shades it onto
// the global list, which mark termination drains.
func TestWriteBarrierAfterDrainUsesGlobalList(t *testing.T) {
	h := newTestHeap(t)
	c := h.NewCache()
	g := h.Symbols().Define("g", 8, true)

	x := newNode(c, 0, 'X')
	y := newNode(c, 0, 'Y')
	c.WritePointer(nil, x, y)

	w := &fakeWorld{c: c}
	w.afterMark = func() {
		c.WritePointer(nil, g.Base, x)
	}
	h.SetWorld(w)
	h.GC()

	assert.Assert(t, h.IsAllocated(x))
	assert.Assert(t, h.IsAllocated(y))
}

func TestAllocateBlackDuringMark(t *testing.T) {
	h := newTestHeap(t, markBatch(1))
	c := h.NewCache()
	g := h.Symbols().Define("g", 8, true)
	c.WritePointer(nil, g.Base, newNode(c, newNode(c, 0, 1), 2))

	var fresh uintptr
	w := &fakeWorld{c: c}
	w.onYield = func() {
		fresh = newNode(c, 0, 3)
	}
	h.SetWorld(w)
	h.GC()
	assert.Assert(t, fresh != 0)
	assert.Assert(t, h.IsAllocated(fresh))

	// Nothing references it, so the next cycle frees it.
	h.GC()
	assert.Assert(t, !h.IsAllocated(fresh))
}

func TestBarrierOffOutsideCollection(t *testing.T) {
	h := newTestHeap(t)
	c := h.NewCache()
	g := h.Symbols().Define("g", 8, true)

	x := newNode(c, 0, 1)
	c.WritePointer(nil, g.Base, x)
	c.WritePointer(nil, g.Base, 0)
	h.GC()
	assert.Assert(t, !h.IsAllocated(x))
}

func TestEvalGC(t *testing.T) {
	h := newTestHeap(t, func(c *heap.Config) { c.NextGCBytes = 64 << 10 })
	c := h.NewCache()
	root := h.Symbols().Define("root", 8, true)

	assert.Assert(t, !h.EvalGC())
	assert.Equal(t, h.NumGC(), uint64(0))

	p := uintptr(c.MallocNoscan(100 << 10))
	c.WritePointer(nil, root.Base, p)
	assert.Assert(t, h.EvalGC())
	assert.Equal(t, h.NumGC(), uint64(1))

	live := h.AllocatedBytes()
	assert.Equal(t, h.NextGC(), 2*live)
	assert.Assert(t, !h.EvalGC())

	h.SetForceGC(true)
	assert.Assert(t, h.EvalGC())
	assert.Equal(t, h.NumGC(), uint64(2))
}

func TestEvalGCDisabled(t *testing.T) {
	h := newTestHeap(t, func(c *heap.Config) {
		c.NextGCBytes = 64 << 10
		c.GCPercent = -1
	})
	c := h.NewCache()
	for i := 0; i < 4; i++ {
		c.MallocNoscan(64 << 10)
	}
	assert.Assert(t, !h.EvalGC())

	h.GC()
	assert.Equal(t, h.NumGC(), uint64(1))
	assert.Equal(t, h.NextGC(), uint64(64<<10))
}

func TestFreeCacheHandsOverGreyObjects(t *testing.T) {
	h := newTestHeap(t, markBatch(1))
	c := h.NewCache()
	mutator := h.NewCache()
	g1 := h.Symbols().Define("g1", 8, true)
	g2 := h.Symbols().Define("g2", 8, true)
	c.WritePointer(nil, g1.Base, newNode(c, newNode(c, 0, 1), 2))

	y := newNode(mutator, 0, 'Y')
	x := newNode(mutator, y, 'X')
	w := &fakeWorld{c: c}
	w.onYield = func() {
		// x is greyed on the mutator's queue, then the cache goes away
		// before anyone scanned x.
		mutator.WritePointer(nil, g2.Base, x)
		h.FreeCache(mutator)
	}
	h.SetWorld(w)
	h.GC()

	assert.Assert(t, h.IsAllocated(x))
	assert.Assert(t, h.IsAllocated(y))
	h.CheckInvariants()
}
