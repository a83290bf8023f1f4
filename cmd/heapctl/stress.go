package main

import (
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"

	heap "github.com/pianoyeg94/managed-heap/memory_and_heap"
	"github.com/pianoyeg94/managed-heap/scheduler"
)

type stressOptions struct {
	cycles int
	tasks  int
}

func newStressCmd(g *globalOptions) *cobra.Command {
	opts := &stressOptions{}
	cmd := &cobra.Command{
		Use:   "stress",
		Short: "Collect repeatedly under a mutating workload and check the heap after every cycle",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			return runStress(cmd.OutOrStdout(), cfg, opts)
		},
	}
	flags := cmd.Flags()
	flags.IntVar(&opts.cycles, "cycles", 20, "number of collections")
	flags.IntVarP(&opts.tasks, "tasks", "t", 8, "number of tasks")
	return cmd
}

// runStress alternates churn and tree tasks while collecting cycles
// times. After every cycle the world is stopped and the heap's
// bookkeeping checked; an inconsistency kills the process.
func runStress(w io.Writer, cfg heap.Config, opts *stressOptions) error {
	if opts.cycles <= 0 || opts.tasks <= 0 {
		return fmt.Errorf("cycles and tasks must be positive, got %d and %d", opts.cycles, opts.tasks)
	}
	// Collections are driven from here only.
	cfg.GCPercent = -1
	cfg.ForceGC = false

	h := heap.New(cfg)
	defer h.Destroy()
	s := scheduler.New(h)
	e := newEnv(s, 0)
	e.stop = new(atomic.Bool)

	start := time.Now()
	for i := 0; i < opts.tasks; i++ {
		wl := churnWorkload
		if i%2 == 1 {
			wl = treeWorkload
		}
		s.Go(func(gp *scheduler.G) { wl(e, gp) })
	}
	for c := 0; c < opts.cycles; c++ {
		h.GC()
		s.StopTheWorld()
		h.CheckInvariants()
		s.StartTheWorld()
	}
	e.stop.Store(true)
	s.Wait()
	elapsed := time.Since(start)

	h.GC()
	s.Stop()
	h.CheckInvariants()

	if n := e.failures.Load(); n > 0 {
		return fmt.Errorf("stress: %d corrupted objects", n)
	}
	r := &report{title: fmt.Sprintf("stress %d cycles", opts.cycles), elapsed: elapsed}
	h.ReadMemStats(&r.stats)
	return r.print(w)
}
