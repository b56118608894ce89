// Package jit compiles verified bytecode to native machine code.
//
// Compilation is split in two: a shared IR pass decodes program text
// into an instruction list with folded wide loads and resolved jump
// targets, and per-architecture backends lower the IR to machine
// bytes. Backends are pure functions; nothing here maps executable
// memory. Running compiled code needs a host-supplied Exec hook, and
// hosts without one execute through the interpreter instead.
package jit

import (
	"errors"
	"fmt"
	"sync"

	"github.com/zeebo/blake3"

	"github.com/pro-utkarshM/axiom-ebpf/pkg/ebpf"
)

var (
	ErrJITDisabled = errors.New("jit: disabled by profile")
	ErrUnsupported = errors.New("jit: unsupported instruction")
	ErrUnknownArch = errors.New("jit: no backend for architecture")
	ErrNoExecHook  = errors.New("jit: no executable-memory hook")
)

// CallSite marks a helper call in emitted code. The host patches the
// call displacement to its trampoline for the helper id before making
// the code executable.
type CallSite struct {
	// Offset of the 32-bit displacement (amd64) or the branch
	// instruction word (arm64) within Bytes.
	Offset int
	Helper uint32
}

// Code is one compiled program.
type Code struct {
	Arch  string
	Bytes []byte
	Entry int
	// Offsets[i] is the code offset where IR instruction i begins.
	Offsets []int
	// CallSites lists helper calls awaiting host trampolines.
	CallSites []CallSite
	// Fingerprint identifies the source program text.
	Fingerprint [32]byte
}

// Exec runs compiled code. The host supplies it where executable
// memory exists; arguments mirror the interpreter's entry contract.
type Exec func(code *Code, ctx []byte) (uint64, error)

// Run executes the compiled code through the host hook.
func (c *Code) Run(exec Exec, ctx []byte) (uint64, error) {
	if exec == nil {
		return 0, ErrNoExecHook
	}
	return exec(c, ctx)
}

// Backend lowers IR to machine code for one architecture.
type Backend func(p *Program) (*Code, error)

var (
	backendMu sync.RWMutex
	backends  = map[string]Backend{}
)

// Register installs a backend under an architecture name, replacing
// any previous one.
func Register(arch string, b Backend) {
	backendMu.Lock()
	defer backendMu.Unlock()
	backends[arch] = b
}

// Backends returns the registered architecture names.
func Backends() []string {
	backendMu.RLock()
	defer backendMu.RUnlock()
	names := make([]string, 0, len(backends))
	for name := range backends {
		names = append(names, name)
	}
	return names
}

func lookupBackend(arch string) (Backend, bool) {
	backendMu.RLock()
	defer backendMu.RUnlock()
	b, ok := backends[arch]
	return b, ok
}

// Fingerprint hashes program text for cache keying.
func Fingerprint(prog *ebpf.Program) [32]byte {
	h := blake3.New()
	var buf [8]byte
	for _, slot := range prog.Text {
		buf[0] = byte(slot)
		buf[1] = byte(slot >> 8)
		buf[2] = byte(slot >> 16)
		buf[3] = byte(slot >> 24)
		buf[4] = byte(slot >> 32)
		buf[5] = byte(slot >> 40)
		buf[6] = byte(slot >> 48)
		buf[7] = byte(slot >> 56)
		h.Write(buf[:])
	}
	var out [32]byte
	h.Sum(out[:0])
	return out
}

// Compiler compiles programs with a per-architecture cache.
type Compiler struct {
	enabled   bool
	stackSize int

	mu    sync.Mutex
	cache map[cacheKey]*Code
}

type cacheKey struct {
	arch string
	fp   [32]byte
}

// NewCompiler builds a compiler. When enabled is false every Compile
// fails with ErrJITDisabled; the profile's JITEnabled and StackSize
// fields feed both arguments. A zero stackSize keeps the default frame.
func NewCompiler(enabled bool, stackSize int) *Compiler {
	return &Compiler{enabled: enabled, stackSize: stackSize, cache: make(map[cacheKey]*Code)}
}

// Compile lowers prog for arch, reusing a cached result when the
// program text is unchanged.
func (c *Compiler) Compile(prog *ebpf.Program, arch string) (*Code, error) {
	if !c.enabled {
		return nil, ErrJITDisabled
	}
	backend, ok := lookupBackend(arch)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownArch, arch)
	}

	fp := Fingerprint(prog)
	key := cacheKey{arch: arch, fp: fp}
	c.mu.Lock()
	if code, ok := c.cache[key]; ok {
		c.mu.Unlock()
		return code, nil
	}
	c.mu.Unlock()

	irProg, err := Build(prog)
	if err != nil {
		return nil, err
	}
	if c.stackSize > 0 {
		irProg.StackSize = c.stackSize
	}
	code, err := backend(irProg)
	if err != nil {
		return nil, err
	}
	code.Arch = arch
	code.Fingerprint = fp

	c.mu.Lock()
	c.cache[key] = code
	c.mu.Unlock()
	return code, nil
}

// CacheLen reports the number of cached compilations.
func (c *Compiler) CacheLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.cache)
}
