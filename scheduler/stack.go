package scheduler

import (
	"unsafe"

	"golang.org/x/sys/unix"

	heap "github.com/pianoyeg94/managed-heap/memory_and_heap"
)

const ptrSize = heap.PtrSize

// _FixedSnapshot is the size of a task's first stack snapshot buffer.
// Buffers double from there until the live region fits.
const _FixedSnapshot = 64

// Stack describes a P's physical stack.
// The bounds of the stack are exactly [lo, hi),
// with no implicit data structures on either side.
// Below lo sits a PROT_NONE guard page.
type stack struct {
	lo  uintptr
	hi  uintptr
	mem []byte // the whole mapping, guard page included
}

// stackalloc maps a stack of size bytes below a guard page.
func stackalloc(size uintptr) stack {
	guard := uintptr(unix.Getpagesize())
	mem, err := unix.Mmap(-1, 0, int(size+guard), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		print("scheduler: cannot map ", size, "-byte stack: ", err.Error(), "\n")
		throw("out of memory allocating stack")
	}
	if err := unix.Mprotect(mem[:guard], unix.PROT_NONE); err != nil {
		print("scheduler: mprotect stack guard: ", err.Error(), "\n")
		throw("cannot protect stack guard")
	}
	base := uintptr(unsafe.Pointer(&mem[0]))
	return stack{lo: base + guard, hi: base + guard + size, mem: mem}
}

func stackfree(stk stack) {
	if err := unix.Munmap(stk.mem); err != nil {
		print("scheduler: munmap stack: ", err.Error(), "\n")
		throw("stackfree")
	}
}

// saveStack copies the live frames of gp, the owner of pp's stack,
// into gp's snapshot buffer and releases the stack.
//
// The buffer grows by doubling; the old one is left to the collector.
// Must be called by the goroutine holding pp.
func (pp *p) saveStack(gp *G) {
	if pp.owner != gp {
		throw("saveStack: not the stack owner")
	}
	size := pp.stack.hi - gp.sched.sp
	if size > gp.sched.cap {
		n := gp.sched.cap
		if n == 0 {
			n = _FixedSnapshot
		}
		for n < size {
			n *= 2
		}
		gp.sched.buf = uintptr(pp.mcache.MallocNoscan(n))
		gp.sched.cap = n
	}
	if size > 0 {
		memmove(gp.sched.buf, gp.sched.sp, size)
	}
	gp.sched.size = size
	pp.owner = nil
}

// acquireStack makes gp the owner of pp's stack, saving the frames
// of the previous owner and restoring gp's.
func (pp *p) acquireStack(gp *G) {
	if pp.owner == gp {
		return
	}
	if o := pp.owner; o != nil {
		pp.saveStack(o)
	}
	if sp := pp.stack.hi - gp.sched.size; sp != gp.sched.sp {
		print("scheduler: goid=", gp.goid, " sp=", hex(gp.sched.sp), " snapshot=", gp.sched.size, " hi=", hex(pp.stack.hi), "\n")
		throw("acquireStack: snapshot does not match stack pointer")
	}
	if gp.sched.size > 0 {
		memmove(gp.sched.sp, gp.sched.buf, gp.sched.size)
	}
	pp.owner = gp
}

// A Frame is the activation record of a function called by a task,
// living on its P's stack. Slot i is the i'th word of the frame; the
// function's PtrMask says which slots the collector scans.
type Frame struct {
	sp uintptr
	f  *heap.FuncInfo
}

// Call pushes a frame for f on the task's stack, zeroed, runs body
// with it and pops it. body may yield, park or call further
// functions; the frame stays at the same address throughout.
func (gp *G) Call(f *heap.FuncInfo, body func(fr Frame)) {
	pp := gp.p
	pp.acquireStack(gp)

	need := ptrSize + f.FrameSize
	sp := gp.sched.sp - need
	if sp < pp.stack.lo || sp > gp.sched.sp {
		print("scheduler: goid=", gp.goid, " frame of ", f.Name, " needs ", need, " bytes, ", gp.sched.sp-pp.stack.lo, " left\n")
		throw("stack overflow")
	}
	memclr(sp, need)
	*(*uintptr)(unsafe.Pointer(sp)) = f.Entry
	gp.sched.sp = sp

	body(Frame{sp: sp, f: f})

	if gp.sched.sp != sp || pp.owner != gp {
		throw("Call: unbalanced frames")
	}
	gp.sched.sp = sp + need
}

// Func returns the function the frame belongs to.
func (fr Frame) Func() *heap.FuncInfo {
	return fr.f
}

// Addr returns the address of slot i.
func (fr Frame) Addr(i int) uintptr {
	if i < 0 || uintptr(i) >= fr.f.FrameSize/ptrSize {
		print("scheduler: slot ", i, " of ", fr.f.Name, " with frame size ", fr.f.FrameSize, "\n")
		throw("frame slot out of range")
	}
	return fr.sp + ptrSize + uintptr(i)*ptrSize
}

// Slot returns the word in slot i.
func (fr Frame) Slot(i int) uintptr {
	return *(*uintptr)(unsafe.Pointer(fr.Addr(i)))
}

// SetSlot stores v in slot i. Stack slots have no write barrier.
func (fr Frame) SetSlot(i int, v uintptr) {
	*(*uintptr)(unsafe.Pointer(fr.Addr(i))) = v
}

func memmove(to, from, n uintptr) {
	copy(unsafe.Slice((*byte)(unsafe.Pointer(to)), n), unsafe.Slice((*byte)(unsafe.Pointer(from)), n))
}

func memclr(p, n uintptr) {
	clear(unsafe.Slice((*byte)(unsafe.Pointer(p)), n))
}
