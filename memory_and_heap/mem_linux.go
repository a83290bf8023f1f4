package heap

import (
	"errors"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// physPageSize is the unit of every mmap and madvise.
var physPageSize = uintptr(unix.Getpagesize())

func sysAllocOS(n uintptr) unsafe.Pointer {
	p, err := unix.MmapPtr(-1, 0, nil, n, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		if errors.Is(err, unix.EACCES) {
			print("heap: mmap: access denied\n")
			fatal("mmap: access denied")
		}
		if errors.Is(err, unix.EAGAIN) {
			print("heap: mmap: too much locked memory (check 'ulimit -l').\n")
			fatal("mmap: too much locked memory")
		}
		return nil
	}
	return p
}

var adviseUnused = uint32(unix.MADV_FREE)

func sysUnusedOS(v unsafe.Pointer, n uintptr, dontneed, hard bool) {
	if uintptr(v)&(physPageSize-1) != 0 || n&(physPageSize-1) != 0 {
		// madvise rounds out to whole pages.
		throw("unaligned sysUnused")
	}

	var advise uint32
	if dontneed {
		advise = unix.MADV_DONTNEED
	} else {
		advise = atomic.LoadUint32(&adviseUnused)
	}
	if err := madvise(v, n, int(advise)); advise == unix.MADV_FREE && err != nil {
		// No MADV_FREE before Linux 4.5.
		atomic.StoreUint32(&adviseUnused, unix.MADV_DONTNEED)
		madvise(v, n, unix.MADV_DONTNEED)
	}

	if hard {
		p, err := unix.MmapPtr(-1, 0, v, n, unix.PROT_NONE, unix.MAP_ANON|unix.MAP_FIXED|unix.MAP_PRIVATE)
		if p != v || err != nil {
			throw("cannot disable permissions in address space")
		}
	}
}

func sysUsedOS(v unsafe.Pointer, n uintptr, hard bool) {
	if hard {
		p, err := unix.MmapPtr(-1, 0, v, n, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_FIXED|unix.MAP_PRIVATE)
		if errors.Is(err, unix.ENOMEM) {
			throw("out of memory")
		}
		if p != v || err != nil {
			throw("cannot remap pages in address space")
		}
	}
}

func sysFreeOS(v unsafe.Pointer, n uintptr) {
	unix.MunmapPtr(v, n)
}

func sysReserveOS(v unsafe.Pointer, n uintptr) unsafe.Pointer {
	p, err := unix.MmapPtr(-1, 0, v, n, unix.PROT_NONE, unix.MAP_ANON|unix.MAP_PRIVATE|unix.MAP_NORESERVE)
	if err != nil {
		return nil
	}
	return p
}

func sysMapOS(v unsafe.Pointer, n uintptr) {
	p, err := unix.MmapPtr(-1, 0, v, n, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_FIXED|unix.MAP_PRIVATE)
	if errors.Is(err, unix.ENOMEM) {
		throw("out of memory")
	}
	if p != v || err != nil {
		print("heap: mmap(", hex(uintptr(v)), ", ", n, ") returned ", hex(uintptr(p)), ", ", err, "\n")
		throw("cannot map pages in arena address space")
	}
}

func madvise(v unsafe.Pointer, n uintptr, advice int) error {
	return unix.Madvise(unsafe.Slice((*byte)(v), n), advice)
}
