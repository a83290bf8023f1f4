// Task scheduler.
//
// The scheduler's job is to distribute ready-to-run tasks over
// processors. A processor (P) is a goroutine running the schedule loop;
// a task (G) is a goroutine that only runs while its P hands control
// to it, and hands control back when it yields, parks or exits. So
// although every task is a goroutine, at most one task per P executes
// at any time and tasks are never preempted: they give up the P only
// at Yield, CheckPreempt, Park and exit.
//
// Tasks are bound to the P they were created on. Each P owns an
// MCache of the heap, a run queue and a physical stack that its tasks
// share, see stack.go.
//
// For the collector the scheduler is the World: it stops every P at
// the head of its schedule loop, and runs one mark worker per P as a
// system task.

package scheduler

import (
	"time"

	heap "github.com/pianoyeg94/managed-heap/memory_and_heap"
)

// New starts a scheduler on h with the processor count, stack size
// and sysmon period of h's configuration, and attaches it as h's
// world.
func New(h *heap.Heap) *Sched {
	cfg := h.Config()
	s := &Sched{
		h:    h,
		cfg:  cfg,
		done: make(chan struct{}),
	}
	s.cond.L = &s.lock

	s.allp = make([]*p, cfg.Processors)
	for i := range s.allp {
		s.allp[i] = &p{
			id:     int32(i),
			sched:  s,
			mcache: h.NewCache(),
			stack:  stackalloc(uintptr(cfg.StackSize)),
			g0:     make(chan func(*G)),
			wake:   make(chan struct{}, 1),
		}
	}
	h.SetWorld(s)

	s.wg.Add(len(s.allp) + 1)
	for _, pp := range s.allp {
		go pp.schedule()
	}
	go s.sysmon()
	return s
}

// Go creates a task running fn and queues it on the next processor
// in turn. It may be called from tasks and from outside.
func (s *Sched) Go(fn func(gp *G)) *G {
	pp := s.allp[int(s.nextp.Add(1)-1)%len(s.allp)]
	return s.newproc(pp, fn, false)
}

// newproc creates a task bound to pp. A task created while the
// collector marks starts black: its stack is empty, so there is
// nothing to scan.
func (s *Sched) newproc(pp *p, fn func(*G), system bool) *G {
	gp := &G{
		goid:   s.goidgen.Add(1),
		p:      pp,
		fn:     fn,
		system: system,
		resume: make(chan struct{}),
	}
	gp.sched.sp = pp.stack.hi
	casgstatus(gp, _Gidle, _Grunnable)

	pp.allglock.Lock()
	pp.allg = append(pp.allg, gp)
	pp.allglock.Unlock()
	if s.h.Marking() {
		gp.gcgen.Store(s.h.NumGC())
	}
	if !system {
		s.tasks.Add(1)
	}

	go func() {
		<-gp.resume
		gp.fn(gp)
		goexit1(gp)
	}()

	// Mark workers go to runnext so that marking starts as soon as
	// the world does.
	pp.runqput(gp, system)
	pp.wakep()
	return gp
}

// ID returns the task's unique id.
func (gp *G) ID() int64 {
	return gp.goid
}

// Cache returns the cache of the P gp is bound to. Only gp may use it,
// and only while it runs.
func (gp *G) Cache() *heap.MCache {
	return gp.p.mcache
}

// Malloc allocates a zeroed object of size bytes laid out as typ, nil
// for scalar data.
func (gp *G) Malloc(size uintptr, typ *heap.Type) uintptr {
	return uintptr(gp.p.mcache.Mallocgc(size, typ, true))
}

// WritePointer stores src into the heap or global word at dst through
// the write barrier, on behalf of gp.
func (gp *G) WritePointer(dst, src uintptr) {
	gp.p.mcache.WritePointer(gp, dst, src)
}

// StackSnapshot returns gp's saved stack. Only meaningful while gp
// does not own its P's stack.
func (gp *G) StackSnapshot() (buf, size uintptr) {
	return gp.sched.buf, gp.sched.size
}

func (gp *G) GCGen() uint64 {
	return gp.gcgen.Load()
}

func (gp *G) SetGCGen(gen uint64) {
	gp.gcgen.Store(gen)
}

// Wait blocks until every task created with Go has exited.
func (s *Sched) Wait() {
	s.tasks.Wait()
}

// Stop shuts the processors and sysmon down and releases their caches
// and stacks. Every task must have exited.
func (s *Sched) Stop() {
	close(s.done)
	s.wg.Wait()
	s.h.SetWorld(nil)
	for _, pp := range s.allp {
		s.h.FreeCache(pp.mcache)
		stackfree(pp.stack)
	}
}

// Heap returns the heap the scheduler's tasks allocate from.
func (s *Sched) Heap() *heap.Heap {
	return s.h
}

// NumProcs returns the number of processors.
func (s *Sched) NumProcs() int {
	return len(s.allp)
}

// schedule is the loop of a P: find a runnable task, execute it, and
// repeat until the scheduler stops.
func (pp *p) schedule() {
	defer pp.sched.wg.Done()
	for {
		gp := pp.findRunnable()
		if gp == nil {
			return
		}
		pp.execute(gp)
	}
}

// findRunnable returns the next task to run, parking at the safepoint
// whenever the world is being stopped. It returns nil once the
// scheduler stops and the run queue is empty.
func (pp *p) findRunnable() *G {
	s := pp.sched
	for {
		pp.safepoint()
		if gp := pp.runqget(); gp != nil {
			return gp
		}
		select {
		case <-pp.wake:
		case <-s.done:
			if pp.pidleput() {
				return nil
			}
		}
	}
}

// pidleput retires pp if the scheduler is stopping, the world is not
// being stopped and pp has no work left. Deciding under sched.lock
// keeps StopTheWorld from waiting for, or handing mark workers to, a
// P that has gone.
func (pp *p) pidleput() bool {
	s := pp.sched
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.gcwaiting.Load() || !runqempty(pp) {
		return false
	}
	pp.dead = true
	return true
}

// safepoint parks pp while the world is stopped.
func (pp *p) safepoint() {
	s := pp.sched
	if !s.gcwaiting.Load() {
		return
	}
	s.lock.Lock()
	for s.gcwaiting.Load() {
		if pp.inSTW != s.safepoint {
			pp.inSTW = s.safepoint
			s.stopwait--
			if s.stopwait == 0 {
				s.cond.Broadcast()
			}
		}
		s.cond.Wait()
	}
	s.lock.Unlock()
}

// wakep nudges pp out of its idle wait.
func (pp *p) wakep() {
	select {
	case pp.wake <- struct{}{}:
	default:
	}
}

// Schedules gp to run on pp and waits until it gives the P back.
//
// If gp has frames saved away, they are brought back onto the stack
// first, evicting whichever task owned it.
func (pp *p) execute(gp *G) {
	pp.curg.Store(gp)
	casgstatus(gp, _Grunnable, _Grunning)
	gp.preempt.Store(false)
	pp.schedtick.Add(1)

	if gp.sched.size > 0 {
		pp.acquireStack(gp)
	}

	gp.resume <- struct{}{}
	fn := <-pp.g0

	dropg(pp)
	fn(gp)
}

// dropg removes the association between pp and its current task.
func dropg(pp *p) {
	pp.curg.Store(nil)
}

// mcall switches from gp to its P's scheduler loop and runs fn(gp)
// there. It returns when gp is scheduled again.
func mcall(gp *G, fn func(*G)) {
	gp.p.g0 <- fn
	<-gp.resume
}

// Yield gives up the processor, putting gp at the tail of its run
// queue.
func (gp *G) Yield() {
	mcall(gp, gosched_m)
}

// CheckPreempt yields if sysmon or a stop-the-world asked gp to.
// Tasks that run for long without yielding must call it regularly.
func (gp *G) CheckPreempt() {
	if gp.preempt.Load() || gp.p.sched.gcwaiting.Load() {
		gp.Yield()
	}
}

// Park puts gp into a waiting state until Ready is called on it.
//
// unlockf, if not nil, is called on the scheduler side once gp is
// off the processor. If it returns false, gp is resumed right away.
// Since gp is already waiting when unlockf runs, a lock held across
// Park and released by unlockf makes sure Ready can't miss gp.
func (gp *G) Park(unlockf func() bool) {
	gp.waitunlockf = unlockf
	mcall(gp, park_m)
}

// Ready makes the waiting task gp runnable, ahead of the other tasks
// queued on its P.
func Ready(gp *G) {
	goready(gp)
}

func goready(gp *G) {
	ready(gp, true)
}

// ready queues the waiting gp on its P, in runnext if next.
func ready(gp *G, next bool) {
	status := readgstatus(gp)
	if status != _Gwaiting {
		dumpgstatus(gp)
		throw("bad g->status in ready")
	}
	casgstatus(gp, _Gwaiting, _Grunnable)
	gp.p.runqput(gp, next)
	gp.p.wakep()
}

func gosched_m(gp *G) {
	casgstatus(gp, _Grunning, _Grunnable)
	gp.p.runqput(gp, false)
}

// park continuation on the scheduler loop.
func park_m(gp *G) {
	casgstatus(gp, _Grunning, _Gwaiting)
	if fn := gp.waitunlockf; fn != nil {
		gp.waitunlockf = nil
		if !fn() {
			casgstatus(gp, _Gwaiting, _Grunnable)
			gp.p.runqput(gp, true)
		}
	}
}

// goexit1 finishes the execution of gp. The goroutine running gp
// returns right after.
func goexit1(gp *G) {
	gp.p.g0 <- goexit0
}

// goexit continuation on the scheduler loop.
func goexit0(gp *G) {
	pp := gp.p
	casgstatus(gp, _Grunning, _Gdead)
	if pp.owner == gp {
		if gp.sched.sp != pp.stack.hi {
			throw("goexit0: task exited with frames on the stack")
		}
		pp.owner = nil
	}
	gp.sched = gobuf{}

	pp.allglock.Lock()
	for i, g := range pp.allg {
		if g == gp {
			last := len(pp.allg) - 1
			pp.allg[i] = pp.allg[last]
			pp.allg[last] = nil
			pp.allg = pp.allg[:last]
			break
		}
	}
	pp.allglock.Unlock()

	if !gp.system {
		pp.sched.tasks.Done()
	}
}

// runqempty reports whether pp has no Gs on its local run queue.
func runqempty(pp *p) bool {
	pp.runqlock.Lock()
	defer pp.runqlock.Unlock()
	return pp.runqhead == pp.runqtail && pp.runnext == nil && len(pp.runqoverflow) == 0
}

// runqput tries to put gp on the local runnable queue.
// If next is false, runqput adds gp to the tail of the runnable queue.
// If next is true, runqput puts gp in the pp.runnext slot, kicking the
// old runnext to the tail.
func (pp *p) runqput(gp *G, next bool) {
	pp.runqlock.Lock()
	defer pp.runqlock.Unlock()

	if next {
		oldnext := pp.runnext
		pp.runnext = gp
		if oldnext == nil {
			return
		}
		// The old runnext goes to the tail.
		gp = oldnext
	}

	if len(pp.runqoverflow) == 0 && pp.runqtail-pp.runqhead < uint32(len(pp.runq)) {
		pp.runq[pp.runqtail%uint32(len(pp.runq))] = gp
		pp.runqtail++
		return
	}
	pp.runqoverflow = append(pp.runqoverflow, gp)
}

// runqget gets a G from the local runnable queue. runnext is taken
// first.
func (pp *p) runqget() *G {
	pp.runqlock.Lock()
	defer pp.runqlock.Unlock()

	if gp := pp.runnext; gp != nil {
		pp.runnext = nil
		return gp
	}
	if pp.runqhead != pp.runqtail {
		i := pp.runqhead % uint32(len(pp.runq))
		gp := pp.runq[i]
		pp.runq[i] = nil
		pp.runqhead++
		return gp
	}
	if len(pp.runqoverflow) > 0 {
		gp := pp.runqoverflow[0]
		pp.runqoverflow[0] = nil
		pp.runqoverflow = pp.runqoverflow[1:]
		return gp
	}
	return nil
}

func readgstatus(gp *G) uint32 {
	return gp.atomicstatus.Load()
}

// casgstatus moves gp from oldval to newval, throwing if gp was not
// in oldval.
func casgstatus(gp *G, oldval, newval uint32) {
	if !gp.atomicstatus.CompareAndSwap(oldval, newval) {
		print("scheduler: casgstatus: oldval=", gStatusStrings[oldval], " newval=", gStatusStrings[newval], "\n")
		dumpgstatus(gp)
		throw("casgstatus: bad incoming values")
	}
}

func dumpgstatus(gp *G) {
	print("scheduler:   gp: goid=", gp.goid, ", p=", gp.p.id, ", status=", gStatusStrings[readgstatus(gp)], "\n")
}

// forcePreemptNS is how long a task may run before sysmon asks it to
// yield.
const forcePreemptNS = 10 * 1000 * 1000 // 10ms

type sysmontick struct {
	schedtick uint32
	schedwhen int64
}

// sysmon runs on its own goroutine, outside every P. It evaluates the
// collection trigger and asks long-running tasks to yield.
func (s *Sched) sysmon() {
	defer s.wg.Done()

	idle := 0 // how many cycles in succession we had not done anything
	delay := time.Duration(0)
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	for {
		if idle == 0 { // start with 20us sleep...
			delay = 20 * time.Microsecond
		} else if idle > 50 { // start doubling the sleep after 1ms...
			delay *= 2
		}
		if delay > s.cfg.SysmonPeriod { // up to the configured period
			delay = s.cfg.SysmonPeriod
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(delay)
		select {
		case <-s.done:
			return
		case <-timer.C:
		}

		n := s.retake(time.Now().UnixNano())
		if s.startGC() {
			n++
		}
		if n == 0 {
			idle++
		} else {
			idle = 0
		}
	}
}

// startGC starts a collection on its own goroutine when the heap's
// trigger has fired and no collection started here is still running.
// sysmon has to keep retaking while the cycle marks: mark workers only
// get a P once the tasks holding it yield.
func (s *Sched) startGC() bool {
	if !s.h.NeedGC() || !s.gcing.CompareAndSwap(false, true) {
		return false
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.gcing.Store(false)
		s.h.EvalGC()
	}()
	return true
}

// retake asks every task that has been running for longer than
// forcePreemptNS to yield. It returns how many it asked.
func (s *Sched) retake(now int64) uint32 {
	n := 0
	for _, pp := range s.allp {
		pd := &pp.sysmontick
		t := pp.schedtick.Load()
		if pd.schedtick != t {
			pd.schedtick = t
			pd.schedwhen = now
			continue
		}
		if pd.schedwhen+forcePreemptNS > now {
			continue
		}
		if gp := pp.curg.Load(); gp != nil && !gp.preempt.Load() {
			gp.preempt.Store(true)
			n++
		}
	}
	return uint32(n)
}
