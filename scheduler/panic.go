package scheduler

import (
	"os"
	"strconv"
)

// throw reports a broken scheduler invariant and terminates the
// process with the same status the heap uses.
func throw(s string) {
	print("fatal error: ", s, "\n")
	os.Exit(2)
}

func hex(v uintptr) string {
	return "0x" + strconv.FormatUint(uint64(v), 16)
}
