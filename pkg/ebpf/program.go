package ebpf

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Execution errors. Runtime faults wrap one of these sentinels.
var (
	ErrBadInstruction  = errors.New("ebpf: bad instruction")
	ErrPCOutOfRange    = errors.New("ebpf: program counter out of range")
	ErrBadMemoryAccess = errors.New("ebpf: bad memory access")
	ErrDivisionByZero  = errors.New("ebpf: division by zero")
	ErrFuelExhausted   = errors.New("ebpf: fuel exhausted")
	ErrCallDepth       = errors.New("ebpf: call depth exceeded")
	ErrUnknownHelper   = errors.New("ebpf: unknown helper")
)

// ProgType identifies the attach family a program was written for.
type ProgType uint32

const (
	ProgTypeUnspec ProgType = iota
	ProgTypeTimer
	ProgTypeKprobe
	ProgTypeGPIO
	ProgTypeSensor
	ProgTypeNetRX
)

func (t ProgType) String() string {
	switch t {
	case ProgTypeTimer:
		return "timer"
	case ProgTypeKprobe:
		return "kprobe"
	case ProgTypeGPIO:
		return "gpio"
	case ProgTypeSensor:
		return "sensor"
	case ProgTypeNetRX:
		return "netrx"
	default:
		return "unspec"
	}
}

// MapRef names a map slot a program references through a relocated lddw.
type MapRef struct {
	Name      string
	Index     uint32 // index into the program's declared map table
	KeySize   uint32
	ValueSize uint32
}

// Program is a loaded, relocated bytecode unit ready for verification
// and execution. Text holds encoded instruction slots.
type Program struct {
	Name    string
	Type    ProgType
	License string

	Text  []uint64
	RO    []byte // read-only data section
	Entry uint64 // entry instruction index

	Maps []MapRef
}

// Len returns the instruction slot count.
func (p *Program) Len() int { return len(p.Text) }

// Fetch returns the instruction at pc.
func (p *Program) Fetch(pc uint64) (Instruction, error) {
	if pc >= uint64(len(p.Text)) {
		return 0, fmt.Errorf("%w: pc=%d len=%d", ErrPCOutOfRange, pc, len(p.Text))
	}
	return Instruction(p.Text[pc]), nil
}

// MarshalText serializes the instruction slots to little-endian bytes.
func (p *Program) MarshalBinary() []byte {
	out := make([]byte, 8*len(p.Text))
	for i, slot := range p.Text {
		binary.LittleEndian.PutUint64(out[i*8:], slot)
	}
	return out
}

// ParseText decodes little-endian instruction bytes into slots. The
// length must be a multiple of eight.
func ParseText(b []byte) ([]uint64, error) {
	if len(b)%8 != 0 {
		return nil, fmt.Errorf("%w: text length %d not slot-aligned", ErrBadInstruction, len(b))
	}
	text := make([]uint64, len(b)/8)
	for i := range text {
		text[i] = binary.LittleEndian.Uint64(b[i*8:])
	}
	return text, nil
}
