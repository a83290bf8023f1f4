package heap

import (
	"os"
	rtdebug "runtime/debug"
)

// exitStatus is the process exit status used by throw.
const exitStatus = 2

// throw reports an unrecoverable heap condition and terminates the process.
//
// Once an invariant is found broken the heap is no longer safe to execute
// against, so there is no unwinding: deferred functions don't run and
// recover can't intercept it.
func throw(s string) {
	print("fatal error: ", s, "\n")
	if d := envDebugVars(); d.gctrace > 1 {
		os.Stderr.Write(stack())
	}
	os.Exit(exitStatus)
}

// fatal is like throw but used for failures caused by the caller
// (bad sizes, unaligned addresses).
func fatal(s string) {
	print("fatal error: ", s, "\n")
	os.Exit(exitStatus)
}

func stack() []byte {
	return rtdebug.Stack()
}
