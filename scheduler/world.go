package scheduler

import (
	heap "github.com/pianoyeg94/managed-heap/memory_and_heap"
)

var (
	_ heap.World      = (*Sched)(nil)
	_ heap.MarkWorker = (*markWorker)(nil)
	_ heap.Task       = (*G)(nil)
)

// StopTheWorld returns once every P has parked at its safepoint. The
// task running on each P is asked to yield; a task that never yields
// holds the world up.
func (s *Sched) StopTheWorld() {
	s.stwlock.Lock()

	s.lock.Lock()
	s.safepoint++
	s.stopwait = 0
	for _, pp := range s.allp {
		if !pp.dead {
			s.stopwait++
		}
	}
	s.gcwaiting.Store(true)
	s.lock.Unlock()

	for _, pp := range s.allp {
		if gp := pp.curg.Load(); gp != nil {
			gp.preempt.Store(true)
		}
		pp.wakep()
	}

	s.lock.Lock()
	for s.stopwait > 0 {
		s.cond.Wait()
	}
	s.lock.Unlock()
}

// StartTheWorld lets the Ps stopped by StopTheWorld run again.
func (s *Sched) StartTheWorld() {
	s.lock.Lock()
	if !s.gcwaiting.Load() {
		s.lock.Unlock()
		throw("StartTheWorld: world not stopped")
	}
	s.gcwaiting.Store(false)
	s.cond.Broadcast()
	s.lock.Unlock()

	s.stwlock.Unlock()
}

// InjectMarkWorkers queues a mark worker running body at the front of
// every live P. The world must be stopped.
func (s *Sched) InjectMarkWorkers(body func(w heap.MarkWorker)) int {
	s.lock.Lock()
	if !s.gcwaiting.Load() {
		s.lock.Unlock()
		throw("InjectMarkWorkers: world not stopped")
	}
	var live []*p
	for _, pp := range s.allp {
		if !pp.dead {
			live = append(live, pp)
		}
	}
	s.lock.Unlock()

	for _, pp := range live {
		pp := pp
		s.newproc(pp, func(gp *G) {
			body(&markWorker{pp: pp, gp: gp})
		}, true)
	}
	return len(live)
}

// markWorker is the collector's view of a mark worker task.
type markWorker struct {
	pp *p
	gp *G
}

func (w *markWorker) Cache() *heap.MCache {
	return w.pp.mcache
}

func (w *markWorker) Yield() {
	w.gp.Yield()
}

// Tasks evicts the owner of the P's stack, so that every task's frames
// are in its snapshot, and calls fn for each user task bound to the P.
func (w *markWorker) Tasks(fn func(t heap.Task)) {
	pp := w.pp
	if o := pp.owner; o != nil {
		pp.saveStack(o)
	}

	pp.allglock.Lock()
	gs := append([]*G(nil), pp.allg...)
	pp.allglock.Unlock()

	for _, gp := range gs {
		if gp.system || readgstatus(gp) == _Gdead {
			continue
		}
		fn(gp)
	}
}
