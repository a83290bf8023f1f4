package scheduler

import (
	"os"
	"testing"

	"github.com/docker/docker/pkg/reexec"

	heap "github.com/pianoyeg94/managed-heap/memory_and_heap"
)

// runTask runs fn as the only task of a one-processor scheduler on a
// heap configured by opts.
func runTask(fn func(s *Sched, gp *G), opts ...func(*heap.Config)) {
	s := New(heap.New(testConfig(1, opts...)))
	s.Go(func(gp *G) { fn(s, gp) })
	s.Wait()
}

func overflow(gp *G, f *heap.FuncInfo) {
	gp.Call(f, func(Frame) { overflow(gp, f) })
}

func init() {
	reexec.Register("sched-stack-overflow", func() {
		runTask(func(s *Sched, gp *G) {
			overflow(gp, s.Heap().Funcs().Register("big", 1024, nil))
		}, func(c *heap.Config) { c.StackSize = uint64(os.Getpagesize()) })
	})
	reexec.Register("sched-slot-out-of-range", func() {
		runTask(func(s *Sched, gp *G) {
			gp.Call(s.Heap().Funcs().Register("f", 16, nil), func(fr Frame) {
				fr.SetSlot(2, 0)
			})
		})
	})
	reexec.Register("sched-bad-ready", func() {
		runTask(func(s *Sched, gp *G) {
			Ready(gp)
		})
	})
	reexec.Register("sched-start-not-stopped", func() {
		New(heap.New(testConfig(1))).StartTheWorld()
	})
}

func TestFatalErrors(t *testing.T) {
	for _, tc := range []struct {
		name string
		msg  string
	}{
		{name: "sched-stack-overflow", msg: "stack overflow"},
		{name: "sched-slot-out-of-range", msg: "frame slot out of range"},
		{name: "sched-bad-ready", msg: "bad g->status in ready"},
		{name: "sched-start-not-stopped", msg: "StartTheWorld: world not stopped"},
	} {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			expectFatal(t, tc.name, tc.msg)
		})
	}
}
