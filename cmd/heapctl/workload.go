package main

import (
	"fmt"
	"sort"
	"sync/atomic"
	"unsafe"

	heap "github.com/pianoyeg94/managed-heap/memory_and_heap"
	"github.com/pianoyeg94/managed-heap/scheduler"
)

var (
	// nodeType is a list node: next pointer, value.
	nodeType = &heap.Type{Size: 16, PtrBytes: 8, GCData: []byte{0x1}}
	// treeType is a tree node: left, right, value.
	treeType = &heap.Type{Size: 24, PtrBytes: 16, GCData: []byte{0x3}}
	// slotType is a single pointer; arrays of it are pointer tables.
	slotType = &heap.Type{Size: 8, PtrBytes: 8, GCData: []byte{0x1}}
)

// A workload is the body of one task. It reports corrupted objects
// through env.fail.
type workload func(e *env, gp *scheduler.G)

var workloads = map[string]workload{
	"alloc": allocWorkload,
	"large": largeWorkload,
	"tree":  treeWorkload,
	"churn": churnWorkload,
}

func workloadNames() []string {
	names := make([]string, 0, len(workloads))
	for name := range workloads {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// env is what the tasks of a run share.
type env struct {
	h *heap.Heap

	// holder is a function whose single frame slot holds a pointer.
	holder *heap.FuncInfo

	iterations int
	// stop, if set, ends the workloads instead of iterations.
	stop *atomic.Bool

	failures atomic.Int64
}

func newEnv(s *scheduler.Sched, iterations int) *env {
	h := s.Heap()
	return &env{
		h:          h,
		holder:     h.Funcs().Register("holder", heap.PtrSize, []byte{0x1}),
		iterations: iterations,
	}
}

// more reports whether a workload should run iteration i.
func (e *env) more(i int) bool {
	if e.stop != nil {
		return !e.stop.Load()
	}
	return i < e.iterations
}

func (e *env) fail(format string, args ...any) {
	if e.failures.Add(1) == 1 {
		println("heapctl:", fmt.Sprintf(format, args...))
	}
}

func bytesAt(p, n uintptr) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(p)), n)
}

// allocWorkload allocates short-lived scalar objects of every small
// size class and drops them right away.
func allocWorkload(e *env, gp *scheduler.G) {
	for i := 0; e.more(i); i++ {
		size := uintptr(i%512+1) * 8
		b := bytesAt(gp.Malloc(size, nil), size)
		if b[0] != 0 || b[size-1] != 0 {
			e.fail("task %d: %d-byte object not zeroed", gp.ID(), size)
		}
		b[0], b[size-1] = 1, 1
		gp.CheckPreempt()
	}
}

// largeWorkload keeps one large object alive in a frame slot across a
// yield and checks its contents survived.
func largeWorkload(e *env, gp *scheduler.G) {
	gp.Call(e.holder, func(fr scheduler.Frame) {
		for i := 0; e.more(i); i++ {
			size := uintptr(32<<10 + (i%8)*(8<<10))
			fill := byte(i)
			p := gp.Malloc(size, nil)
			for j, b := 0, bytesAt(p, size); j < len(b); j++ {
				b[j] = fill
			}
			fr.SetSlot(0, p)
			gp.Yield()

			for j, v := range bytesAt(fr.Slot(0), size) {
				if v != fill {
					e.fail("task %d: large object byte %d is %d, want %d", gp.ID(), j, v, fill)
					break
				}
			}
		}
	})
}

const (
	longLivedDepth  = 8
	shortLivedDepth = 4
)

// treeWorkload keeps a long-lived binary tree in a frame slot while
// building and checking short-lived ones.
func treeWorkload(e *env, gp *scheduler.G) {
	gp.Call(e.holder, func(fr scheduler.Frame) {
		fr.SetSlot(0, bottomUpTree(gp, longLivedDepth))
		for i := 0; e.more(i); i++ {
			if n := itemCheck(bottomUpTree(gp, shortLivedDepth)); n != 1<<(shortLivedDepth+1)-1 {
				e.fail("task %d: short-lived tree has %d nodes", gp.ID(), n)
			}
			gp.CheckPreempt()
		}
		if n := itemCheck(fr.Slot(0)); n != 1<<(longLivedDepth+1)-1 {
			e.fail("task %d: long-lived tree has %d nodes", gp.ID(), n)
		}
	})
}

func bottomUpTree(gp *scheduler.G, depth int) uintptr {
	n := gp.Malloc(treeType.Size, treeType)
	if depth > 0 {
		gp.WritePointer(n, bottomUpTree(gp, depth-1))
		gp.WritePointer(n+heap.PtrSize, bottomUpTree(gp, depth-1))
	}
	return n
}

func itemCheck(n uintptr) int {
	left := heap.ReadPointer(n)
	if left == 0 {
		return 1
	}
	return 1 + itemCheck(left) + itemCheck(heap.ReadPointer(n+heap.PtrSize))
}

const churnSlots = 64

// churnWorkload keeps a table of list nodes reachable from a global and
// keeps replacing its entries, so that the collector runs against a
// mutating heap.
func churnWorkload(e *env, gp *scheduler.G) {
	sym := e.h.Symbols().Define(fmt.Sprintf("churn.%d", gp.ID()), heap.PtrSize, true)
	gp.WritePointer(sym.Base, gp.Malloc(churnSlots*slotType.Size, slotType))

	var want [churnSlots]uintptr
	for i := 0; e.more(i); i++ {
		table := heap.ReadPointer(sym.Base)
		slot := uintptr(i*7) % churnSlots
		val := uintptr(i + 1)

		n := gp.Malloc(nodeType.Size, nodeType)
		*(*uintptr)(unsafe.Pointer(n + heap.PtrSize)) = val
		gp.WritePointer(table+slot*heap.PtrSize, n)
		want[slot] = val
		gp.CheckPreempt()
	}

	table := heap.ReadPointer(sym.Base)
	for slot, val := range want {
		if val == 0 {
			continue
		}
		n := heap.ReadPointer(table + uintptr(slot)*heap.PtrSize)
		if n == 0 {
			e.fail("task %d: churn slot %d lost its node", gp.ID(), slot)
			continue
		}
		if got := *(*uintptr)(unsafe.Pointer(n + heap.PtrSize)); got != val {
			e.fail("task %d: churn slot %d holds %d, want %d", gp.ID(), slot, got, val)
		}
	}
	gp.WritePointer(sym.Base, 0)
}
