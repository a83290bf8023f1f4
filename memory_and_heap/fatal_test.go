package heap_test

import (
	"sync/atomic"
	"testing"
	"unsafe"

	"github.com/docker/docker/pkg/reexec"

	heap "github.com/pianoyeg94/managed-heap/memory_and_heap"
)

func init() {
	reexec.Register("heap-bad-type-size", func() {
		h := heap.New(heap.DefaultConfig())
		c := h.NewCache()
		c.Mallocgc(24, nodeType, true)
	})
	reexec.Register("heap-short-gcdata", func() {
		h := heap.New(heap.DefaultConfig())
		c := h.NewCache()
		typ := &heap.Type{Size: 160, PtrBytes: 160, GCData: []byte{0xff}}
		c.Mallocgc(160, typ, true)
	})
	reexec.Register("heap-bad-ptr-prefix", func() {
		h := heap.New(heap.DefaultConfig())
		c := h.NewCache()
		typ := &heap.Type{Size: 16, PtrBytes: 12, GCData: []byte{0x3}}
		c.Mallocgc(16, typ, true)
	})
	reexec.Register("heap-too-large", func() {
		h := heap.New(heap.DefaultConfig())
		c := h.NewCache()
		c.MallocNoscan(1 << 60)
	})
	reexec.Register("heap-unaligned-write", func() {
		h := heap.New(heap.DefaultConfig())
		c := h.NewCache()
		p := uintptr(c.Mallocgc(32, nodeType, true))
		c.WritePointer(nil, p+1, 0)
	})
	reexec.Register("heap-duplicate-symbol", func() {
		h := heap.New(heap.DefaultConfig())
		h.Symbols().Define("x", 8, true)
		h.Symbols().Define("x", 8, true)
	})
	reexec.Register("heap-bad-frame-size", func() {
		h := heap.New(heap.DefaultConfig())
		h.Funcs().Register("f", 12, nil)
	})
	reexec.Register("heap-unknown-pc", func() {
		h := heap.New(heap.DefaultConfig())
		c := h.NewCache()
		buf := uintptr(c.MallocNoscan(16))
		*(*uintptr)(unsafe.Pointer(buf)) = 0x10
		h.SetWorld(&fakeWorld{c: c, tasks: []heap.Task{&fakeTask{buf: buf, size: 16}}})
		h.GC()
	})
	reexec.Register("heap-frame-overrun", func() {
		h := heap.New(heap.DefaultConfig())
		c := h.NewCache()
		f := h.Funcs().Register("f", 32, []byte{0x1})
		buf := uintptr(c.MallocNoscan(16))
		*(*uintptr)(unsafe.Pointer(buf)) = f.Entry
		h.SetWorld(&fakeWorld{c: c, tasks: []heap.Task{&fakeTask{buf: buf, size: 16}}})
		h.GC()
	})
	reexec.Register("heap-dangling-pointer", func() {
		h := heap.New(heap.DefaultConfig())
		c := h.NewCache()
		p := uintptr(c.MallocNoscan(64 << 10))
		h.GC()
		g := h.Symbols().Define("dangling", 8, true)
		atomic.StoreUintptr((*uintptr)(unsafe.Pointer(g.Base)), p)
		h.GC()
	})
}

func TestFatalErrors(t *testing.T) {
	for _, tc := range []struct {
		name string
		msg  string
	}{
		{name: "heap-bad-type-size", msg: "heap: size is not a multiple of the type size"},
		{name: "heap-short-gcdata", msg: "heap: type's GCData is shorter than its pointer prefix"},
		{name: "heap-bad-ptr-prefix", msg: "heap: bad pointer prefix in type"},
		{name: "heap-too-large", msg: "heap: allocation size out of range"},
		{name: "heap-unaligned-write", msg: "heap: unaligned pointer store"},
		{name: "heap-duplicate-symbol", msg: "heap: duplicate symbol x"},
		{name: "heap-bad-frame-size", msg: "heap: frame size is not a multiple of the word size"},
		{name: "heap-unknown-pc", msg: "scanstack: unknown pc"},
		{name: "heap-frame-overrun", msg: "scanstack: misaligned frame"},
		{name: "heap-dangling-pointer", msg: "found bad pointer in managed heap"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			expectFatal(t, tc.name, tc.msg)
		})
	}
}
