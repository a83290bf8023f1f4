package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	heap "github.com/pianoyeg94/managed-heap/memory_and_heap"
)

const version = "0.1.0"

type globalOptions struct {
	configPath string
	procs      int
}

// loadConfig reads the configuration file, if any, and applies the
// flags that override it.
func (o *globalOptions) loadConfig() (heap.Config, error) {
	cfg, err := heap.LoadConfig(o.configPath)
	if err != nil {
		return heap.Config{}, err
	}
	if o.procs > 0 {
		cfg.Processors = o.procs
	}
	if err := cfg.Validate(); err != nil {
		return heap.Config{}, fmt.Errorf("invalid flags: %w", err)
	}
	return cfg, nil
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}
	root := &cobra.Command{
		Use:           "heapctl",
		Short:         "Run workloads on a managed heap",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "TOML configuration file")
	root.PersistentFlags().IntVarP(&opts.procs, "procs", "p", 0, "number of processors, overrides the configuration")

	root.AddCommand(newRunCmd(opts), newConfigCmd(opts), newStressCmd(opts))
	return root
}

func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "heapctl:", err)
		os.Exit(1)
	}
}
