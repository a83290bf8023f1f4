package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	heap "github.com/pianoyeg94/managed-heap/memory_and_heap"
	"github.com/pianoyeg94/managed-heap/scheduler"
)

type runOptions struct {
	workload   string
	tasks      int
	iterations int
}

func newRunCmd(g *globalOptions) *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a workload on a fresh heap and print its statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			return runWorkload(cmd.OutOrStdout(), cfg, opts)
		},
	}
	flags := cmd.Flags()
	flags.StringVarP(&opts.workload, "workload", "w", "alloc", "workload to run: "+strings.Join(workloadNames(), ", "))
	flags.IntVarP(&opts.tasks, "tasks", "t", 8, "number of tasks")
	flags.IntVarP(&opts.iterations, "iterations", "n", 10000, "iterations per task")
	return cmd
}

func runWorkload(w io.Writer, cfg heap.Config, opts *runOptions) error {
	wl, ok := workloads[opts.workload]
	if !ok {
		return fmt.Errorf("unknown workload %q, want one of %s", opts.workload, strings.Join(workloadNames(), ", "))
	}
	if opts.tasks <= 0 || opts.iterations < 0 {
		return fmt.Errorf("tasks must be positive and iterations not negative, got %d and %d", opts.tasks, opts.iterations)
	}

	h := heap.New(cfg)
	defer h.Destroy()
	s := scheduler.New(h)
	e := newEnv(s, opts.iterations)

	start := time.Now()
	for i := 0; i < opts.tasks; i++ {
		s.Go(func(gp *scheduler.G) { wl(e, gp) })
	}
	s.Wait()
	elapsed := time.Since(start)

	// Whatever the tasks left behind is garbage now.
	h.GC()
	s.Stop()
	h.CheckInvariants()

	if n := e.failures.Load(); n > 0 {
		return fmt.Errorf("workload %s: %d corrupted objects", opts.workload, n)
	}
	r := &report{title: "workload " + opts.workload, elapsed: elapsed}
	h.ReadMemStats(&r.stats)
	return r.print(w)
}
