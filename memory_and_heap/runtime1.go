package heap

import (
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// debugVars holds the diagnostic settings of one Heap: its Config's
// values, overridden by the HEAPDEBUG env var.
type debugVars struct {
	// gctrace=1 prints one summary line per collection cycle to stderr,
	// gctrace=2 additionally traces every phase transition and the sweep.
	gctrace int32

	// Setting madvdontneed=1 will use MADV_DONTNEED instead of MADV_FREE
	// when returning memory to the kernel. MADV_FREE is more efficient,
	// but means RSS numbers will drop only when the OS is under memory
	// pressure.
	madvdontneed int32

	// Setting harddecommit=1 causes memory that is returned to the OS to
	// also have protections removed on it. sysUnused remaps "released"
	// address ranges as PROT_NONE, sysUsed maps them back as
	// PROT_READ|PROT_WRITE. Helpful when hunting use-after-free bugs in
	// the sweeper: touching a freed span faults.
	harddecommit int32

	// forcegc=1 makes every EvalGC run a collection regardless of the
	// allocated bytes.
	forcegc int32
}

type dbgVar struct {
	name  string
	value *int32
}

func (d *debugVars) vars() []dbgVar {
	return []dbgVar{
		{name: "gctrace", value: &d.gctrace},
		{name: "madvdontneed", value: &d.madvdontneed},
		{name: "harddecommit", value: &d.harddecommit},
		{name: "forcegc", value: &d.forcegc},
	}
}

// parse applies the settings of a HEAPDEBUG-formatted string
// ("gctrace=1,madvdontneed=1") on top of the current values. Unknown
// keys and malformed values are ignored, like the runtime does for GODEBUG.
func (d *debugVars) parse(s string) {
	vars := d.vars()
	for p := s; p != ""; {
		var field string
		field, p, _ = strings.Cut(p, ",")
		key, value, ok := strings.Cut(field, "=")
		if !ok {
			continue
		}
		n, err := strconv.ParseInt(value, 10, 32)
		if err != nil {
			continue
		}
		for _, v := range vars {
			if v.name == key {
				*v.value = int32(n)
			}
		}
	}
}

// envDebugVars returns the settings of HEAPDEBUG alone.
func envDebugVars() debugVars {
	var d debugVars
	d.parse(os.Getenv("HEAPDEBUG"))
	return d
}

// Config holds the tunables of a Heap. The zero value is not usable;
// start from DefaultConfig or LoadConfig.
type Config struct {
	// ArenaHintBase is the address of the first arena hint. Hints are
	// laid out 1TB apart from it, 128 of them.
	ArenaHintBase uint64 `toml:"arena_hint_base"`

	// NextGCBytes is the initial collection threshold and the floor
	// the pacer never goes below.
	NextGCBytes uint64 `toml:"next_gc_bytes"`

	// GCPercent sets the heap growth allowed between cycles relative
	// to the live heap. A negative value turns automatic collection off.
	GCPercent int `toml:"gc_percent"`

	// MarkBatch is the number of objects a mark worker scans before
	// yielding its processor.
	MarkBatch int `toml:"mark_batch"`

	ForceGC      bool `toml:"force_gc"`
	GCTrace      int  `toml:"gctrace"`
	MadvDontneed bool `toml:"madvdontneed"`

	// Processors and StackSize are consumed by the scheduler: the number
	// of processors and the size of each processor's shared stack.
	Processors int    `toml:"processors"`
	StackSize  uint64 `toml:"stack_size"`

	// SysmonPeriod is how often the scheduler's monitor evaluates the
	// collection trigger.
	SysmonPeriod time.Duration `toml:"sysmon_period"`
}

const (
	defaultArenaHintBase = 0x00a0 << 32
	defaultNextGCBytes   = 4 << 20
	defaultGCPercent     = 100
	defaultMarkBatch     = 128
	defaultStackSize     = 256 << 10
	defaultSysmonPeriod  = 10 * time.Millisecond
)

// DefaultConfig returns the configuration used when nothing else is given.
func DefaultConfig() Config {
	return Config{
		ArenaHintBase: defaultArenaHintBase,
		NextGCBytes:   defaultNextGCBytes,
		GCPercent:     defaultGCPercent,
		MarkBatch:     defaultMarkBatch,
		Processors:    runtime.NumCPU(),
		StackSize:     defaultStackSize,
		SysmonPeriod:  defaultSysmonPeriod,
	}
}

// LoadConfig reads a TOML file on top of DefaultConfig. Keys missing from
// the file keep their default. An empty path yields the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("heap: load config %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("heap: load config %s: unknown key %q", path, undecoded[0].String())
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("heap: load config %s: %w", path, err)
	}
	return cfg, nil
}

var (
	errHintBase  = errors.New("arena_hint_base must be a multiple of 64MB below 128TB")
	errMarkBatch = errors.New("mark_batch must be positive")
	errStackSize = errors.New("stack_size must be a positive multiple of the page size")
	errNextGC    = errors.New("next_gc_bytes must be positive")
	errProcs     = errors.New("processors must be positive")
)

// Validate reports the first setting that a Heap cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.ArenaHintBase == 0 || c.ArenaHintBase%heapArenaBytes != 0 || c.ArenaHintBase >= 1<<47:
		return errHintBase
	case c.MarkBatch <= 0:
		return errMarkBatch
	case c.StackSize == 0 || c.StackSize%uint64(os.Getpagesize()) != 0:
		return errStackSize
	case c.NextGCBytes == 0:
		return errNextGC
	case c.Processors <= 0:
		return errProcs
	}
	return nil
}

// Config returns the configuration h was created with.
func (h *Heap) Config() Config {
	return h.cfg
}

// Encode writes c as TOML.
func (c Config) Encode(w io.Writer) error {
	return toml.NewEncoder(w).Encode(c)
}

// debugVars seeds the debug settings from c and lets HEAPDEBUG
// override them.
func (c *Config) debugVars() debugVars {
	d := debugVars{
		gctrace:      int32(c.GCTrace),
		madvdontneed: int32(bool2int(c.MadvDontneed)),
		forcegc:      int32(bool2int(c.ForceGC)),
	}
	d.parse(os.Getenv("HEAPDEBUG"))
	return d
}
