// Garbage collector (GC).
//
// The GC runs concurrently with mutator tasks, is type accurate (aka
// precise), allows multiple GC workers to run in parallel. It is a
// concurrent mark and sweep that uses a write barrier. It is
// non-generational and non-compacting. Allocation is done using size
// segregated per-processor allocation areas to minimize fragmentation
// while eliminating locks in the common case.
//
// The algorithm decomposes into several steps.
//
//  1. GC performs the start phase. This involves stopping the world,
//     bumping the collection generation and enabling the write barrier.
//     Every task is white for the generation.
//
//  2. GC injects one mark worker per processor and starts the world.
//     From this point, GC work is done by the mark workers scheduled by
//     the scheduler. The write barrier shades both the overwritten
//     pointer and the new pointer value for any pointer writes, unless
//     the writing task is already black, in which case only the
//     overwritten pointer is shaded. Newly allocated objects are
//     immediately marked black.
//
//  3. The first worker to start scans the globals. Each worker scans
//     the snapshot of every task bound to its processor that is still
//     white, blackens it, and then drains its work queue, yielding the
//     processor every Config.MarkBatch objects. Draining scans each grey
//     object, marking every pointer it finds and pushing the ones that
//     need scanning.
//
//  4. When every worker has drained, GC stops the world again, drains
//     the global queue and the work left in each processor's queue by
//     write barriers, and disables the write barrier.
//
//  5. GC performs the sweep phase with the world still stopped: every
//     cache returns its spans, each span's mark bits become its alloc
//     bits, and spans with no survivors give their pages back to the
//     heap.
//
//  6. GC computes the next trigger and starts the world.
//
// GC rate.
// Next GC is after we've allocated an extra amount of memory proportional to
// the amount already in use. The proportion is controlled by
// Config.GCPercent. If GCPercent=100 and we're using 4M, we'll GC again when
// we get to 8M (this mark is computed by the gcPace function). This keeps the
// GC cost in linear proportion to the allocation cost. A negative GCPercent
// disables automatic collection; GC still collects when asked.

package heap

import (
	"sync"
	"sync/atomic"
)

const (
	_GCoff      = iota // GC not running; sweeping done, write barrier disabled
	_GCstart           // world stopped, write barrier being enabled
	_GCmark            // GC marking roots and workbufs: allocate black, write barrier ENABLED
	_GCmarkdone        // world stopped, draining the residue
	_GCsweep           // world stopped, sweeping spans
)

var gcPhaseNames = [...]string{
	_GCoff:      "off",
	_GCstart:    "start",
	_GCmark:     "mark",
	_GCmarkdone: "markdone",
	_GCsweep:    "sweep",
}

// World is the scheduler side of a collection.
type World interface {
	// StopTheWorld returns once no task is running.
	StopTheWorld()
	// StartTheWorld resumes the tasks stopped by StopTheWorld.
	StartTheWorld()
	// InjectMarkWorkers queues one mark worker per processor and
	// returns how many it queued. Workers run body on their processor
	// once the world is started again.
	InjectMarkWorkers(body func(w MarkWorker)) int
}

// MarkWorker is a mark worker's view of the processor it runs on.
type MarkWorker interface {
	// Cache returns the processor's cache.
	Cache() *MCache
	// Yield lets the processor run other tasks before the worker
	// continues.
	Yield()
	// Tasks calls fn for every task bound to the processor, except
	// the worker itself. No task runs during the call.
	Tasks(fn func(t Task))
}

// Task is a suspended scheduler task whose stack the collector scans.
type Task interface {
	// StackSnapshot returns the task's saved stack, a buffer allocated
	// from the heap, and the number of bytes in use. A task with no
	// saved stack returns 0, 0.
	StackSnapshot() (buf, size uintptr)
	// GCGen returns the last collection the task was scanned in.
	GCGen() uint64
	// SetGCGen marks the task as scanned by collection gen.
	SetGCGen(gen uint64)
}

// workState is the shared state of the mark phase.
type workState struct {
	lock  mutex
	full  *workbuf // buffers with work; partially filled ones included
	empty *workbuf
	nfull int

	// markrootClaimed is set by the worker that scans the globals.
	markrootClaimed atomic.Bool

	// driver is the gcWork used with the world stopped.
	driver gcWork

	bytesMarked atomic.Uint64

	// tstart, tmark and tmarkdone time the phases of the current
	// cycle for gctrace.
	tstart, tmark, tmarkdone, tend int64
	heap0                          uint64
	spansFreed                     int
	nproc                          int
}

// SetWorld attaches the scheduler the collector stops and starts.
// Without a world, GC marks on the calling goroutine and does not
// stop anything.
func (h *Heap) SetWorld(w World) {
	h.gcLock.Lock()
	h.world = w
	h.gcLock.Unlock()
}

// GC runs a full collection cycle, blocking the caller until it is
// complete. A call made while another cycle runs waits for it and
// then runs its own.
//
// GC must not be called from a task: the task would be stopped by the
// world it is waiting for.
func (h *Heap) GC() {
	h.gcLock.Lock()
	defer h.gcLock.Unlock()
	h.gc()
}

// EvalGC collects if the heap has reached its trigger or collections
// are forced. It reports whether it collected.
func (h *Heap) EvalGC() bool {
	if !h.gcTrigger() {
		return false
	}
	h.gcLock.Lock()
	defer h.gcLock.Unlock()
	// Someone else may have collected while we waited.
	if !h.gcTrigger() {
		return false
	}
	h.gc()
	return true
}

// NeedGC reports whether EvalGC would collect now.
func (h *Heap) NeedGC() bool {
	return h.gcTrigger()
}

// gcTrigger reports whether an automatic collection should run.
func (h *Heap) gcTrigger() bool {
	if h.forceGC.Load() {
		return true
	}
	if h.cfg.GCPercent < 0 {
		return false
	}
	return h.allocated.Load() >= h.nextGC.Load()
}

// SetForceGC makes every EvalGC collect, whatever the allocated bytes.
func (h *Heap) SetForceGC(force bool) {
	h.forceGC.Store(force)
}

// AllocatedBytes returns the bytes held by objects allocated and not
// yet found dead by a sweep.
func (h *Heap) AllocatedBytes() uint64 {
	return h.allocated.Load()
}

// NextGC returns the allocated bytes at which EvalGC collects next.
func (h *Heap) NextGC() uint64 {
	return h.nextGC.Load()
}

// Marking reports whether a collection has enabled the write barrier
// and not yet finished marking. Tasks created meanwhile start black.
func (h *Heap) Marking() bool {
	return h.writeBarrier.Load()
}

// NumGC returns the number of collections started so far.
func (h *Heap) NumGC() uint64 {
	return h.gcCount.Load()
}

func (h *Heap) setGCPhase(x uint32) {
	h.gcphase.Store(x)
	if h.debug.gctrace > 1 {
		print("gc ", h.gcCount.Load(), ": phase ", gcPhaseNames[x], "\n")
	}
}

// gc runs one collection. h.gcLock must be held.
func (h *Heap) gc() {
	w := h.world
	work := &h.work

	// START
	work.tstart = nanotime()
	work.heap0 = h.allocated.Load()
	work.spansFreed = 0
	work.nproc = 0
	work.markrootClaimed.Store(false)
	work.bytesMarked.Store(0)
	work.driver.h = h
	if w != nil {
		w.StopTheWorld()
	}
	h.setGCPhase(_GCstart)
	gen := h.gcCount.Add(1)
	h.writeBarrier.Store(true)

	// MARK
	work.tmark = nanotime()
	if w != nil {
		var wg sync.WaitGroup
		n := w.InjectMarkWorkers(func(mw MarkWorker) {
			defer wg.Done()
			h.gcBgMarkWorker(mw, gen)
		})
		wg.Add(n)
		work.nproc = n
		h.setGCPhase(_GCmark)
		w.StartTheWorld()
		wg.Wait()
		w.StopTheWorld()
	} else {
		h.setGCPhase(_GCmark)
		h.markroots(&work.driver)
		h.gcDrain(&work.driver, nil)
	}

	// MARK_DONE
	work.tmarkdone = nanotime()
	h.setGCPhase(_GCmarkdone)
	h.gcMarkTermination()
	h.writeBarrier.Store(false)

	// SWEEP
	h.setGCPhase(_GCsweep)
	h.gcSweep()
	h.gcPace()
	h.setGCPhase(_GCoff)
	work.tend = nanotime()
	if w != nil {
		w.StartTheWorld()
	}

	if h.debug.gctrace > 0 {
		h.gcTrace(gen)
	}
}

// gcBgMarkWorker is the body of a mark worker of collection gen.
func (h *Heap) gcBgMarkWorker(mw MarkWorker, gen uint64) {
	c := mw.Cache()
	gcw := &c.gcw

	h.markroots(gcw)

	mw.Tasks(func(t Task) {
		if t.GCGen() != gen {
			h.scanstack(t, gcw)
			t.SetGCGen(gen)
		}
	})

	h.gcDrain(gcw, mw)

	// From here on, shades from this processor's barrier go to the
	// global list.
	c.gcWorkGen = gen
}

// markroots scans the globals unless another worker already claimed
// them this cycle.
func (h *Heap) markroots(gcw *gcWork) {
	if h.work.markrootClaimed.CompareAndSwap(false, true) {
		h.markrootGlobals(gcw)
	}
}

// gcMarkTermination finishes marking with the world stopped: the
// global list and every cache's queue are drained on the driver.
func (h *Heap) gcMarkTermination() {
	gcw := &h.work.driver

	lock(&h.lock)
	caches := append([]*MCache(nil), h.allcaches...)
	unlock(&h.lock)
	for _, c := range caches {
		c.gcw.dispose()
	}

	// No worker ran if every processor had exited.
	h.markroots(gcw)
	h.gcDrain(gcw, nil)
	gcw.dispose()

	if !h.fullEmpty() {
		throw("gcMarkTermination: work remains after drain")
	}
}

// gcPace sets the next trigger from the heap that survived.
func (h *Heap) gcPace() {
	live := h.allocated.Load()
	next := live
	if h.cfg.GCPercent > 0 {
		next += live * uint64(h.cfg.GCPercent) / 100
	}
	if next < h.cfg.NextGCBytes {
		next = h.cfg.NextGCBytes
	}
	h.nextGC.Store(next)
}

func (h *Heap) gcTrace(gen uint64) {
	work := &h.work
	ms := func(d int64) int64 { return d / 1e6 }
	us := func(d int64) int64 { return d / 1e3 }
	print("gc ", gen, " @", ms(work.tstart-h.startTime), "ms: ",
		us(work.tmark-work.tstart), "+", us(work.tmarkdone-work.tmark), "+", us(work.tend-work.tmarkdone), " us, ",
		work.heap0>>20, "->", h.allocated.Load()>>20, " MB, ",
		work.spansFreed, " spans freed, ", work.nproc, " P\n")
}
