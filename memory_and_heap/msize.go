// Malloc small size classes.
//
// See malloc.go for overview.

package heap

func init() {
	initSizes()
}

// initSizes fills the lookup tables that map a request size to its
// size class, and the division magic used to turn an offset into a
// span into an object index.
//
// All objects are 8-aligned, so size_to_class8 is indexed by the size
// divided by 8 (rounded up) for sizes up to 1024. Larger small objects
// are 128-aligned, so size_to_class128 is indexed by (size-1024)/128.
func initSizes() {
	nextsize := 0
	for sizeclass := 1; sizeclass < _NumSizeClasses; sizeclass++ {
		for ; nextsize < smallSizeMax && nextsize <= int(class_to_size[sizeclass]); nextsize += smallSizeDiv {
			size_to_class8[nextsize/smallSizeDiv] = uint8(sizeclass)
		}
		if nextsize >= smallSizeMax {
			for ; nextsize <= int(class_to_size[sizeclass]); nextsize += largeSizeDiv {
				size_to_class128[(nextsize-smallSizeMax)/largeSizeDiv] = uint8(sizeclass)
			}
		}
	}
	for i := 1; i < _NumSizeClasses; i++ {
		class_to_divmagic[i] = ^uint32(0)/uint32(class_to_size[i]) + 1
		if class_to_size[i]%8 != 0 {
			throw("initSizes: misaligned size class")
		}
	}
}

// sizeToClass returns the size class holding objects of size bytes.
// size must be in (0, _MaxSmallSize].
func sizeToClass(size uintptr) uint8 {
	if size == 0 || size > _MaxSmallSize {
		print("heap: size = ", size, "\n")
		fatal("sizeToClass: invalid size")
	}
	if size <= smallSizeMax-8 {
		return size_to_class8[divRoundUp(size, smallSizeDiv)]
	}
	return size_to_class128[divRoundUp(size-smallSizeMax, largeSizeDiv)]
}

// Returns size of the memory block that mallocgc will allocate if you ask for the size.
func roundupsize(size uintptr) uintptr {
	if size <= _MaxSmallSize {
		return uintptr(class_to_size[sizeToClass(size)])
	}
	if size+pageSize < size {
		return size
	}
	return alignUp(size, pageSize)
}
