package scheduler

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"gotest.tools/v3/assert"

	heap "github.com/pianoyeg94/managed-heap/memory_and_heap"
)

func TestTasksRunInOrder(t *testing.T) {
	s := newTestSched(t, 1)

	var trace []string
	s.Go(func(gp *G) {
		for _, name := range []string{"a", "b"} {
			name := name
			s.Go(func(gp *G) {
				trace = append(trace, name+"1")
				gp.Yield()
				trace = append(trace, name+"2")
			})
		}
	})
	s.Wait()
	assert.DeepEqual(t, trace, []string{"a1", "b1", "a2", "b2"})
}

func TestGoDistributesRoundRobin(t *testing.T) {
	s := newTestSched(t, 3)

	var ids []int32
	for i := 0; i < 6; i++ {
		gp := s.Go(func(gp *G) {})
		ids = append(ids, gp.p.id)
	}
	s.Wait()
	assert.DeepEqual(t, ids, []int32{0, 1, 2, 0, 1, 2})
}

func TestParkReady(t *testing.T) {
	s := newTestSched(t, 2)

	var (
		mu     sync.Mutex
		waiter *G
		woken  atomic.Bool
	)
	s.Go(func(gp *G) {
		mu.Lock()
		waiter = gp
		gp.Park(func() bool {
			mu.Unlock()
			return true
		})
		woken.Store(true)
	})
	s.Go(func(gp *G) {
		for {
			mu.Lock()
			w := waiter
			mu.Unlock()
			if w != nil {
				Ready(w)
				return
			}
			gp.Yield()
		}
	})
	s.Wait()
	assert.Assert(t, woken.Load())
}

func TestParkResumesWhenUnlockfFails(t *testing.T) {
	s := newTestSched(t, 1)

	calls := 0
	s.Go(func(gp *G) {
		gp.Park(func() bool {
			calls++
			return false
		})
	})
	s.Wait()
	assert.Equal(t, calls, 1)
}

func TestReadyRunsAheadOfQueue(t *testing.T) {
	s := newTestSched(t, 1)

	var trace []string
	s.Go(func(gp *G) {
		sleeper := s.Go(func(gp *G) {
			gp.Park(nil)
			trace = append(trace, "sleeper")
		})
		gp.Yield() // let sleeper park
		s.Go(func(gp *G) { trace = append(trace, "queued") })
		Ready(sleeper)
		trace = append(trace, "readier")
	})
	s.Wait()
	assert.DeepEqual(t, trace, []string{"readier", "sleeper", "queued"})
}

func TestRunQueueOverflowKeepsOrder(t *testing.T) {
	pp := &p{}
	gs := make([]*G, 3*len(pp.runq))
	for i := range gs {
		gs[i] = &G{goid: int64(i)}
	}

	// Fill past the ring, drain part of it, then queue the rest.
	half := len(gs) / 2
	for _, gp := range gs[:half] {
		pp.runqput(gp, false)
	}
	assert.Equal(t, len(pp.runqoverflow), half-len(pp.runq))
	var got []int64
	for i := 0; i < 100; i++ {
		got = append(got, pp.runqget().goid)
	}
	for _, gp := range gs[half:] {
		pp.runqput(gp, false)
	}
	for gp := pp.runqget(); gp != nil; gp = pp.runqget() {
		got = append(got, gp.goid)
	}

	assert.Equal(t, len(got), len(gs))
	for i, id := range got {
		assert.Equal(t, id, int64(i))
	}
	assert.Assert(t, runqempty(pp))
}

func TestRunNext(t *testing.T) {
	pp := &p{}
	a, b, c := &G{goid: 1}, &G{goid: 2}, &G{goid: 3}

	pp.runqput(a, false)
	pp.runqput(b, true)
	pp.runqput(c, true) // kicks b to the tail

	assert.Equal(t, pp.runqget(), c)
	assert.Equal(t, pp.runqget(), a)
	assert.Equal(t, pp.runqget(), b)
	assert.Assert(t, pp.runqget() == nil)
}

func TestSysmonPreemptsLongRunningTask(t *testing.T) {
	s := newTestSched(t, 1, sysmonPeriod(time.Millisecond))

	var stop atomic.Bool
	s.Go(func(gp *G) {
		for !stop.Load() {
			gp.CheckPreempt()
		}
	})
	// Only runs once sysmon has made the spinner yield.
	s.Go(func(gp *G) {
		stop.Store(true)
	})
	s.Wait()
}

func TestRetake(t *testing.T) {
	pp := &p{}
	s := &Sched{allp: []*p{pp}}
	gp := &G{p: pp}

	pp.curg.Store(gp)
	pp.schedtick.Add(1)
	now := int64(1e9)
	assert.Equal(t, s.retake(now), uint32(0)) // first sight of this tick
	assert.Equal(t, s.retake(now+forcePreemptNS/2), uint32(0))
	assert.Equal(t, s.retake(now+forcePreemptNS), uint32(1))
	assert.Assert(t, gp.preempt.Load())
	assert.Equal(t, s.retake(now+2*forcePreemptNS), uint32(0)) // already asked
}

func TestStartGC(t *testing.T) {
	h := heap.New(testConfig(1))
	t.Cleanup(h.Destroy)
	s := &Sched{h: h}

	assert.Assert(t, !s.startGC()) // below the trigger

	h.SetForceGC(true)
	s.gcing.Store(true)
	assert.Assert(t, !s.startGC()) // one already running

	s.gcing.Store(false)
	assert.Assert(t, s.startGC())
	s.wg.Wait()
	assert.Equal(t, h.NumGC(), uint64(1))
	assert.Assert(t, !s.gcing.Load())
}

func TestStatusTransitions(t *testing.T) {
	s := newTestSched(t, 1)

	var during uint32
	gp := s.Go(func(gp *G) {
		during = readgstatus(gp)
	})
	s.Wait()
	assert.Equal(t, during, uint32(_Grunning))
	assert.Equal(t, readgstatus(gp), uint32(_Gdead))
	assert.Equal(t, len(s.allp[0].allg), 0)
}
