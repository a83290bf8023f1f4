package scheduler

import (
	"bytes"
	"errors"
	"os"
	"os/exec"
	"testing"
	"time"
	"unsafe"

	"github.com/docker/docker/pkg/reexec"
	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
	"gotest.tools/v3/poll"

	heap "github.com/pianoyeg94/managed-heap/memory_and_heap"
)

func TestMain(m *testing.M) {
	if reexec.Init() {
		return
	}
	os.Exit(m.Run())
}

// testConfig returns a configuration with procs processors and
// automatic collection off, modified by opts.
func testConfig(procs int, opts ...func(*heap.Config)) heap.Config {
	cfg := heap.DefaultConfig()
	cfg.Processors = procs
	cfg.GCPercent = -1
	for _, o := range opts {
		o(&cfg)
	}
	return cfg
}

// newTestSched starts a scheduler on a fresh heap. When the test ends
// it waits for the tasks, stops the scheduler and destroys the heap.
func newTestSched(t *testing.T, procs int, opts ...func(*heap.Config)) *Sched {
	t.Helper()
	h := heap.New(testConfig(procs, opts...))
	t.Cleanup(h.Destroy)
	s := New(h)
	t.Cleanup(func() {
		s.Wait()
		s.Stop()
	})
	return s
}

func markBatch(n int) func(*heap.Config) {
	return func(c *heap.Config) { c.MarkBatch = n }
}

func sysmonPeriod(d time.Duration) func(*heap.Config) {
	return func(c *heap.Config) { c.SysmonPeriod = d }
}

func waitUntil(t *testing.T, cond func() bool, what string) {
	t.Helper()
	poll.WaitOn(t, func(poll.LogT) poll.Result {
		if cond() {
			return poll.Success()
		}
		return poll.Continue("waiting for %s", what)
	}, poll.WithTimeout(10*time.Second), poll.WithDelay(time.Millisecond))
}

// expectFatal runs the function registered under name in a child
// process and checks that it dies through throw.
func expectFatal(t *testing.T, name, msg string) {
	t.Helper()
	var stderr bytes.Buffer
	cmd := reexec.Command(name)
	cmd.Stderr = &stderr
	err := cmd.Run()

	var exitErr *exec.ExitError
	assert.Assert(t, errors.As(err, &exitErr), "child exited with %v, stderr:\n%s", err, stderr.String())
	assert.Equal(t, exitErr.ExitCode(), 2)
	assert.Assert(t, is.Contains(stderr.String(), "fatal error: "+msg))
}

// nodeType is a list node: a next pointer followed by a value.
var nodeType = &heap.Type{Size: 16, PtrBytes: 8, GCData: []byte{0x1}}

func newNode(gp *G, next, val uintptr) uintptr {
	n := gp.Malloc(nodeType.Size, nodeType)
	gp.WritePointer(n, next)
	*(*uintptr)(unsafe.Pointer(n + 8)) = val
	return n
}

func nodeVal(n uintptr) uintptr {
	return *(*uintptr)(unsafe.Pointer(n + 8))
}

// listIntact reports whether head is a list of n nodes valued
// base+n-1 down to base.
func listIntact(head uintptr, base, n int) bool {
	for j := n - 1; j >= 0; j-- {
		if head == 0 || nodeVal(head) != uintptr(base+j) {
			return false
		}
		head = heap.ReadPointer(head)
	}
	return head == 0
}
