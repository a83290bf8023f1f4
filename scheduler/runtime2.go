package scheduler

import (
	"sync"
	"sync/atomic"

	heap "github.com/pianoyeg94/managed-heap/memory_and_heap"
)

// defined constants
const (
	// G status
	//
	// Beyond indicating the general state of a G, the G status
	// acts like a lock on the task's stack snapshot.

	// _Gidle means this task was just allocated and has not yet been
	// initialized.
	_Gidle = iota // 0

	// _Grunnable means this task is on a run queue. It is not
	// currently executing user code. Its frames are either in its
	// snapshot or still on its P's stack.
	_Grunnable // 1

	// _Grunning means this task may execute user code. It owns its
	// P, and nothing else may touch the P's stack or cache.
	_Grunning // 2

	// _Gwaiting means this task is blocked. It is not on a run
	// queue, but should be recorded somewhere (e.g., a wait list)
	// so it can be ready()d when necessary.
	_Gwaiting // 3

	// _Gdead means this task has exited. Its snapshot, if any, is
	// garbage for the next collection.
	_Gdead // 4
)

var gStatusStrings = [...]string{
	_Gidle:     "idle",
	_Grunnable: "runnable",
	_Grunning:  "running",
	_Gwaiting:  "waiting",
	_Gdead:     "dead",
}

// gobuf is the saved stack of a task.
//
// While a task owns its P's stack, its frames live in [sp, stack.hi)
// of that stack. When another task needs the stack the live region
// is copied into buf, a scalar object on the managed heap, and
// copied back when the task runs again. The stack is never moved, so
// frame addresses stay valid across switches.
type gobuf struct {
	sp   uintptr // stack pointer on the P's stack
	buf  uintptr // snapshot buffer
	size uintptr // bytes of buf in use
	cap  uintptr // capacity of buf
}

// A G is a task: a goroutine multiplexed onto a P with the other
// tasks of that P. Exactly one task of a P runs at a time.
//
// A task holds heap pointers in the slots of its frames (see Call);
// pointers kept in Go variables across a safepoint are invisible to
// the collector.
type G struct {
	goid  int64
	p     *p // the P the task is bound to; never changes
	fn    func(*G)
	sched gobuf

	atomicstatus atomic.Uint32

	// preempt is set by sysmon or StopTheWorld to ask the running
	// task to yield at its next CheckPreempt.
	preempt atomic.Bool

	// gcgen is the last collection whose mark worker scanned this
	// task. The task is black while it equals the heap's cycle count.
	gcgen atomic.Uint64

	// system marks mark workers. They are not user tasks: Wait does
	// not wait for them and the collector does not scan them.
	system bool

	// resume is signalled by the P to let the task run.
	resume chan struct{}

	// waitunlockf is called by the P after the task parked.
	waitunlockf func() bool
}

type p struct {
	id     int32
	sched  *Sched
	mcache *heap.MCache
	stack  stack

	// owner is the task whose frames are on stack, or nil. Only the
	// goroutine currently holding the P touches it.
	owner *G

	// curg is the task currently running on this P.
	curg atomic.Pointer[G]

	// g0 receives the function a task wants run on the scheduler's
	// side when it gives up the P, see mcall.
	g0 chan func(*G)

	// wake is signalled when work is queued or the world stops.
	wake chan struct{}

	schedtick  atomic.Uint32 // incremented on every scheduler call
	sysmontick sysmontick    // last tick observed by sysmon

	// Queue of runnable tasks, protected by runqlock. Once the ring
	// fills, tasks spill into runqoverflow; the ring only takes new
	// tasks again when the overflow is empty, so the queue stays FIFO.
	runqlock     sync.Mutex
	runqhead     uint32
	runqtail     uint32
	runq         [256]*G
	runqoverflow []*G
	// runnext, if non-nil, is a runnable G that was ready'd by
	// another task and should be run next instead of what's in
	// runq. Mark workers are queued here so that marking starts
	// as soon as the world does.
	runnext *G

	// allg holds every live task bound to this P, protected by
	// allglock.
	allglock sync.Mutex
	allg     []*G

	// inSTW is the safepoint this P last parked at. dead is set
	// once the P has exited. Both are protected by sched.lock.
	inSTW uint32
	dead  bool
}

// Sched multiplexes tasks onto a fixed set of processors and stops
// them for the collector of one heap. It implements heap.World.
type Sched struct {
	h    *heap.Heap
	cfg  heap.Config
	allp []*p

	goidgen atomic.Int64
	nextp   atomic.Uint32

	// lock protects the stop-the-world state below and the inSTW and
	// dead fields of every P.
	lock sync.Mutex
	cond sync.Cond
	// safepoint is incremented by every StopTheWorld. A P has
	// stopped once its inSTW equals it.
	safepoint uint32
	stopwait  int
	gcwaiting atomic.Bool

	// stwlock serializes StopTheWorld/StartTheWorld pairs.
	stwlock sync.Mutex

	// gcing is set while a collection started by sysmon runs.
	gcing atomic.Bool

	tasks sync.WaitGroup // user tasks not yet exited
	wg    sync.WaitGroup // P loops, sysmon and its collections
	done  chan struct{}
}
