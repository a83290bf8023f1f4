package heap_test

import (
	"testing"

	"gotest.tools/v3/assert"

	heap "github.com/pianoyeg94/managed-heap/memory_and_heap"
)

func TestPallocBitsSummarize(t *testing.T) {
	type sum struct{ start, max, end uint }
	for _, tc := range []struct {
		name  string
		alloc [][2]uint
		want  sum
	}{
		{name: "Empty", want: sum{512, 512, 512}},
		{name: "Full", alloc: [][2]uint{{0, 512}}, want: sum{0, 0, 0}},
		{name: "Ends", alloc: [][2]uint{{0, 10}, {500, 12}}, want: sum{0, 490, 0}},
		{name: "Middle", alloc: [][2]uint{{100, 200}}, want: sum{100, 212, 212}},
		{name: "Holes", alloc: [][2]uint{{3, 1}, {64, 64}, {300, 1}}, want: sum{3, 211, 211}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			var b heap.PallocBits
			for _, r := range tc.alloc {
				b.AllocRange(r[0], r[1])
			}
			start, max, end := b.Summarize()
			assert.Equal(t, sum{start, max, end}, tc.want)
		})
	}
}

func TestPallocBitsFind(t *testing.T) {
	var b heap.PallocBits
	b.AllocRange(0, 10)
	b.AllocRange(20, 100)

	i, _ := b.Find(1, 0)
	assert.Equal(t, i, uint(10))
	i, _ = b.Find(10, 0)
	assert.Equal(t, i, uint(10))
	i, _ = b.Find(11, 0)
	assert.Equal(t, i, uint(120))
	i, _ = b.Find(392, 0)
	assert.Equal(t, i, uint(120))
	i, _ = b.Find(393, 0)
	assert.Equal(t, i, ^uint(0))

	b.Free(20, 100)
	i, _ = b.Find(300, 0)
	assert.Equal(t, i, uint(10))
}

func TestFindBitRange64(t *testing.T) {
	assert.Equal(t, heap.FindBitRange64(0xff00, 8), uint(8))
	assert.Equal(t, heap.FindBitRange64(0b1011_0111, 3), uint(0))
	assert.Equal(t, heap.FindBitRange64(0b1011_0110, 2), uint(1))
	assert.Assert(t, heap.FindBitRange64(0b0101_0101, 2) >= 64)
	assert.Equal(t, heap.FindBitRange64(^uint64(0), 64), uint(0))
}

// Allocating and freeing pages in any order must leave every level of
// the summary tree as it was after growth.
func TestPageAllocSummariesRoundTrip(t *testing.T) {
	h := newTestHeap(t)
	h.Grow(4 * heap.PallocChunkPages)
	before := h.PageSummaries()

	type run struct{ base, npages uintptr }
	var runs []run
	for _, n := range []uintptr{1, 7, 300, 512, 3, 600, 1} {
		base := h.AllocPages(n)
		assert.Assert(t, base != 0, "alloc of %d pages failed", n)
		assert.Equal(t, base%heap.PageSize, uintptr(0))
		runs = append(runs, run{base, n})
	}
	assert.Assert(t, !summariesEqual(before, h.PageSummaries()))

	for i := len(runs) - 1; i >= 0; i -= 2 {
		h.FreePages(runs[i].base, runs[i].npages)
	}
	for i := len(runs) - 2; i >= 0; i -= 2 {
		h.FreePages(runs[i].base, runs[i].npages)
	}
	assert.DeepEqual(t, h.PageSummaries(), before)
}

func TestPageAllocContiguousRuns(t *testing.T) {
	h := newTestHeap(t)
	h.Grow(2 * heap.PallocChunkPages)

	a := h.AllocPages(heap.PallocChunkPages + 10)
	b := h.AllocPages(5)
	assert.Assert(t, a != 0 && b != 0)
	assert.Assert(t, b >= a+(heap.PallocChunkPages+10)*heap.PageSize || b+5*heap.PageSize <= a)

	// What is left of the grown space is smaller than a chunk.
	assert.Equal(t, h.AllocPages(heap.PallocChunkPages), uintptr(0))
	h.FreePages(a, heap.PallocChunkPages+10)
	assert.Equal(t, h.AllocPages(heap.PallocChunkPages), a)
}

func summariesEqual(a, b [][]uint64) bool {
	if len(a) != len(b) {
		return false
	}
	for l := range a {
		if len(a[l]) != len(b[l]) {
			return false
		}
		for i := range a[l] {
			if a[l][i] != b[l][i] {
				return false
			}
		}
	}
	return true
}
