package heap

import (
	"sort"
	"sync"
)

// Symbol is a global variable living in the heap's data memory.
type Symbol struct {
	Name string
	Base uintptr
	Size uintptr

	// NeedGC marks globals that may hold heap pointers. Their every
	// word is a collection root.
	NeedGC bool
}

// SymbolTable holds the globals of a heap. Globals are allocated from
// off-heap memory that lives as long as the heap and is never moved.
type SymbolTable struct {
	h *Heap

	mu     sync.RWMutex
	syms   []*Symbol
	byName map[string]*Symbol
}

// Symbols returns the heap's global table.
func (h *Heap) Symbols() *SymbolTable {
	return &h.symbols
}

// Define allocates a zeroed global of size bytes, rounded up to whole
// words. Defining a name twice is fatal.
func (t *SymbolTable) Define(name string, size uintptr, needGC bool) *Symbol {
	if size == 0 {
		size = PtrSize
	}
	size = alignUp(size, PtrSize)

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.byName[name]; ok {
		fatal("heap: duplicate symbol " + name)
	}
	base := uintptr(t.h.persistent.alloc(size, PtrSize, &t.h.memstats.otherSys))
	s := &Symbol{Name: name, Base: base, Size: size, NeedGC: needGC}
	if t.byName == nil {
		t.byName = make(map[string]*Symbol)
	}
	t.syms = append(t.syms, s)
	t.byName[name] = s
	return s
}

// Lookup returns the global called name.
func (t *SymbolTable) Lookup(name string) (*Symbol, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.byName[name]
	return s, ok
}

// Len returns the number of globals defined.
func (t *SymbolTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.syms)
}

// forEach calls fn for every global in definition order.
func (t *SymbolTable) forEach(fn func(s *Symbol)) {
	t.mu.RLock()
	syms := t.syms
	t.mu.RUnlock()
	for _, s := range syms {
		fn(s)
	}
}

// FuncInfo describes the frames of one function.
type FuncInfo struct {
	Name string

	// Entry and End delimit the pc range of the function.
	Entry, End uintptr

	// FrameSize is the size of the function's frame in bytes, a
	// multiple of the word size, not counting the return pc.
	FrameSize uintptr

	// PtrMask holds one bit per frame word, least significant bit
	// first: set for slots that hold pointers.
	PtrMask []byte
}

func (f *FuncInfo) ptrbit(i uintptr) bool {
	if i/8 >= uintptr(len(f.PtrMask)) {
		return false
	}
	return f.PtrMask[i/8]>>(i%8)&1 != 0
}

// funcTextSize is the pc range handed to each registered function.
const funcTextSize = 0x1000

// funcTextBase is the first pc handed out. Low pcs are left unused so
// that a zero or small word is never a valid return address.
const funcTextBase = 0x400000

// FuncTable maps program counters to functions.
type FuncTable struct {
	mu     sync.RWMutex
	funcs  []*FuncInfo // sorted by Entry
	nextPC uintptr
}

// Funcs returns the heap's function table.
func (h *Heap) Funcs() *FuncTable {
	return &h.funcs
}

// Register adds a function with the given frame layout and returns
// its description. Each function gets its own pc range.
func (t *FuncTable) Register(name string, frameSize uintptr, ptrmask []byte) *FuncInfo {
	if frameSize%PtrSize != 0 {
		print("heap: frame size ", frameSize, " of ", name, "\n")
		fatal("heap: frame size is not a multiple of the word size")
	}
	if uintptr(len(ptrmask))*8 < frameSize/PtrSize {
		mask := make([]byte, divRoundUp(frameSize/PtrSize, 8))
		copy(mask, ptrmask)
		ptrmask = mask
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.nextPC == 0 {
		t.nextPC = funcTextBase
	}
	f := &FuncInfo{
		Name:      name,
		Entry:     t.nextPC,
		End:       t.nextPC + funcTextSize,
		FrameSize: frameSize,
		PtrMask:   ptrmask,
	}
	t.nextPC = f.End
	t.funcs = append(t.funcs, f)
	return f
}

// FindFunc returns the function whose pc range holds pc, or nil.
func (t *FuncTable) FindFunc(pc uintptr) *FuncInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()
	i := sort.Search(len(t.funcs), func(i int) bool {
		return t.funcs[i].End > pc
	})
	if i < len(t.funcs) && t.funcs[i].Entry <= pc {
		return t.funcs[i]
	}
	return nil
}
