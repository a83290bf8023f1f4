package heap

import (
	"strconv"
	"sync"
	"time"
	"unsafe"
)

const (
	// PtrSize is the size of a pointer in bytes, unsafe.Sizeof(uintptr(0)) but as an ideal constant.
	PtrSize = 4 << (^uintptr(0) >> 63)

	uintPtrMask = 1<<(8*PtrSize) - 1 // on 64-bit systems will be a full run of 64 ones, used to mask off overflowing values
)

// mutex is the lock protecting heap-global structures. It never contains
// Go pointers, so it may live in off-heap memory (mspan, mcentral).
type mutex struct {
	sync.Mutex
}

func lock(l *mutex) {
	l.Lock()
}

func unlock(l *mutex) {
	l.Unlock()
}

// assertLockHeld throws if l is not currently held by anyone.
// sync.Mutex has no owner, so this only catches the unlocked case.
func assertLockHeld(l *mutex) {
	if l.TryLock() {
		l.Unlock()
		throw("lock not held")
	}
}

// notInHeap marks memory from sysAlloc or persistentAlloc.
type notInHeap struct{}

func (p *notInHeap) add(bytes uintptr) *notInHeap {
	return (*notInHeap)(unsafe.Pointer(uintptr(unsafe.Pointer(p)) + bytes))
}

// add returns p+x without going through the type system.
func add(p unsafe.Pointer, x uintptr) unsafe.Pointer {
	return unsafe.Pointer(uintptr(p) + x)
}

// alignUp rounds n up to a multiple of a. a must be a power of 2.
func alignUp(n, a uintptr) uintptr {
	return (n + a - 1) &^ (a - 1)
}

// alignDown rounds n down to a multiple of a. a must be a power of 2.
func alignDown(n, a uintptr) uintptr {
	return n &^ (a - 1)
}

// divRoundUp returns ceil(n / a).
func divRoundUp(n, a uintptr) uintptr {
	// a is generally a power of two. This will get inlined and
	// the compiler will optimize the division.
	return (n + a - 1) / a
}

// memclrNoHeapPointers clears n bytes starting at ptr. ptr must point
// into memory that holds no Go pointers (heap objects, off-heap metadata).
func memclrNoHeapPointers(ptr unsafe.Pointer, n uintptr) {
	if n == 0 {
		return
	}
	clear(unsafe.Slice((*byte)(ptr), n))
}

// hex formats v the way the runtime prints addresses.
func hex(v uintptr) string {
	return "0x" + strconv.FormatUint(uint64(v), 16)
}

func bool2int(x bool) int {
	if x {
		return 1
	}
	return 0
}

// nanotime returns the current time in nanoseconds.
func nanotime() int64 {
	return time.Now().UnixNano()
}
