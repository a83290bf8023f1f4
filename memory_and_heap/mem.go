package heap

import "unsafe"

// Memory the heap takes from the OS moves through four states:
//
//	None     not reserved; the default
//	Reserved address space is ours, touching it faults
//	Prepared may be dropped by the OS, contents undefined
//	Ready    safe to use
//
// The helpers below move regions between states and keep the sysMemStat
// counters in step. The *OS variants in mem_linux.go do the system calls.

// sysAlloc returns n bytes of zeroed Ready memory chosen by the OS, or nil.
func sysAlloc(n uintptr, sysStat *sysMemStat) unsafe.Pointer {
	p := sysAllocOS(n)
	if p != nil {
		sysStat.add(int64(n))
	}
	return p
}

// sysUnused moves Ready memory to Prepared. Its contents are lost.
// d selects the madvise flavor and hard decommit; nil means neither.
func sysUnused(v unsafe.Pointer, n uintptr, d *debugVars) {
	if d == nil {
		d = &debugVars{}
	}
	sysUnusedOS(v, n, d.madvdontneed != 0, d.harddecommit > 0)
}

// sysUsed moves Prepared memory back to Ready.
func sysUsed(v unsafe.Pointer, n uintptr, d *debugVars) {
	sysUsedOS(v, n, d != nil && d.harddecommit > 0)
}

// sysReserve reserves n bytes of address space, at v if possible. The
// result is only page aligned; callers needing more realign it.
func sysReserve(v unsafe.Pointer, n uintptr) unsafe.Pointer {
	return sysReserveOS(v, n)
}

// sysMap moves Reserved memory to Prepared.
func sysMap(v unsafe.Pointer, n uintptr, sysStat *sysMemStat) {
	sysStat.add(int64(n))
	sysMapOS(v, n)
}
