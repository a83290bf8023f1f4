package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/BurntSushi/toml"
	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
	"gotest.tools/v3/fs"

	heap "github.com/pianoyeg94/managed-heap/memory_and_heap"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("LC_ALL", "")
	t.Setenv("LANG", "en_US.UTF-8")
	t.Setenv("HEAPDEBUG", "")

	var out bytes.Buffer
	root := newRootCmd()
	root.SetArgs(args)
	root.SetOut(&out)
	root.SetErr(&out)
	err := root.Execute()
	return out.String(), err
}

// stat returns the value printed for name, digit grouping removed.
func stat(t *testing.T, out, name string) string {
	t.Helper()
	for _, line := range strings.Split(out, "\n") {
		if v, ok := strings.CutPrefix(line, name+" "); ok {
			return strings.ReplaceAll(v, ",", "")
		}
	}
	t.Fatalf("no %s in output:\n%s", name, out)
	return ""
}

func TestConfigPrintsDefaults(t *testing.T) {
	out, err := execute(t, "config")
	assert.NilError(t, err)

	var cfg heap.Config
	_, err = toml.Decode(out, &cfg)
	assert.NilError(t, err)
	assert.DeepEqual(t, cfg, heap.DefaultConfig())
}

func TestConfigReadsFileAndFlags(t *testing.T) {
	dir := fs.NewDir(t, "heapctl", fs.WithFile("heap.toml", "gc_percent = 50\nmark_batch = 7\n"))
	out, err := execute(t, "config", "--config", dir.Join("heap.toml"), "--procs", "3")
	assert.NilError(t, err)
	assert.Check(t, is.Contains(out, "gc_percent = 50"))
	assert.Check(t, is.Contains(out, "mark_batch = 7"))
	assert.Check(t, is.Contains(out, "processors = 3"))
}

func TestConfigErrors(t *testing.T) {
	dir := fs.NewDir(t, "heapctl", fs.WithFile("bad.toml", "mark_batch = 0\n"))
	for _, tc := range []struct {
		name string
		args []string
		err  string
	}{
		{name: "missing file", args: []string{"config", "--config", dir.Join("nope.toml")}, err: "heap: load config"},
		{name: "invalid file", args: []string{"config", "--config", dir.Join("bad.toml")}, err: "mark_batch must be positive"},
		{name: "extra argument", args: []string{"config", "x"}, err: "unknown command"},
	} {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			_, err := execute(t, tc.args...)
			assert.ErrorContains(t, err, tc.err)
		})
	}
}

func TestRunWorkloads(t *testing.T) {
	for _, name := range workloadNames() {
		name := name
		t.Run(name, func(t *testing.T) {
			out, err := execute(t, "run", "--workload", name, "--tasks", "4", "--iterations", "200", "--procs", "2")
			assert.NilError(t, err)
			assert.Check(t, strings.HasPrefix(out, "workload "+name))
			assert.Check(t, stat(t, out, "num_gc") != "0")
			assert.Check(t, stat(t, out, "mallocs") != "0")
		})
	}
}

func TestRunRejectsBadOptions(t *testing.T) {
	_, err := execute(t, "run", "--workload", "nope")
	assert.ErrorContains(t, err, `unknown workload "nope"`)

	_, err = execute(t, "run", "--tasks", "0")
	assert.ErrorContains(t, err, "tasks must be positive")
}

func TestStress(t *testing.T) {
	out, err := execute(t, "stress", "--cycles", "3", "--tasks", "4", "--procs", "2")
	assert.NilError(t, err)
	assert.Check(t, strings.HasPrefix(out, "stress 3 cycles"))
	// The last collection runs after the tasks exit.
	assert.Equal(t, stat(t, out, "num_gc"), "4")
	assert.Equal(t, stat(t, out, "heap_alloc"), "0")
}

func TestReportGroupsDigits(t *testing.T) {
	t.Setenv("LC_ALL", "")
	t.Setenv("LANG", "en_US.UTF-8")

	var out bytes.Buffer
	r := &report{title: "t"}
	r.stats.TotalAlloc = 1234567
	assert.NilError(t, r.print(&out))
	assert.Check(t, is.Contains(out.String(), "total_alloc 1,234,567\n"))
}
