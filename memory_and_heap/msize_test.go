package heap_test

import (
	"testing"

	"gotest.tools/v3/assert"

	heap "github.com/pianoyeg94/managed-heap/memory_and_heap"
)

func TestSizeToClassIsMinimal(t *testing.T) {
	for size := uintptr(1); size <= heap.MaxSmallSize; size++ {
		c := heap.SizeToClass(size)
		if c == 0 || int(c) >= heap.NumSizeClasses {
			t.Fatalf("size %d: class %d out of range", size, c)
		}
		if got := heap.ClassToSize(c); got < size {
			t.Fatalf("size %d: class %d holds only %d bytes", size, c, got)
		}
		if c > 1 && heap.ClassToSize(c-1) >= size {
			t.Fatalf("size %d: class %d chosen but class %d (%d bytes) fits", size, c, c-1, heap.ClassToSize(c-1))
		}
	}
}

func TestClassSizesAreAligned(t *testing.T) {
	prev := uintptr(0)
	for c := 1; c < heap.NumSizeClasses; c++ {
		size := heap.ClassToSize(uint8(c))
		assert.Equal(t, size%8, uintptr(0), "class %d", c)
		assert.Assert(t, size > prev, "class %d is not larger than class %d", c, c-1)
		prev = size
	}
	assert.Equal(t, prev, uintptr(heap.MaxSmallSize))
}

func TestRoundUpSize(t *testing.T) {
	for _, tc := range []struct {
		size, want uintptr
	}{
		{size: 1, want: 8},
		{size: 9, want: 16},
		{size: 24, want: 24},
		{size: 1025, want: 1152},
		{size: heap.MaxSmallSize, want: heap.MaxSmallSize},
		{size: heap.MaxSmallSize + 1, want: heap.MaxSmallSize + heap.PageSize},
		{size: 1 << 20, want: 1 << 20},
	} {
		assert.Equal(t, heap.RoundUpSize(tc.size), tc.want, "size %d", tc.size)
	}
}
