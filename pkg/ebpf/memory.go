package ebpf

import (
	"encoding/binary"
	"fmt"
)

// Virtual address regions. The high 32 bits of an address select the
// region; the low 32 bits index into it.
const (
	VaddrProgram = uint64(0x1_0000_0000) // read-only data
	VaddrStack   = uint64(0x2_0000_0000)
	VaddrHeap    = uint64(0x3_0000_0000)
	VaddrInput   = uint64(0x4_0000_0000) // attach context, read-only
)

// Memory maps the four virtual regions onto host slices and bounds-checks
// every access. It is rebuilt per execution; slices are not shared
// between runs.
type Memory struct {
	RO    []byte // VaddrProgram, read-only
	Stack []byte // VaddrStack
	Heap  []byte // VaddrHeap
	Input []byte // VaddrInput, read-only
}

// Translate resolves addr..addr+size to a host slice. write rejects the
// read-only regions.
func (m *Memory) Translate(addr uint64, size uint64, write bool) ([]byte, error) {
	if size == 0 {
		return nil, nil
	}
	var region []byte
	switch addr &^ 0xFFFF_FFFF {
	case VaddrProgram:
		if write {
			return nil, fmt.Errorf("%w: write to read-only data at %#x", ErrBadMemoryAccess, addr)
		}
		region = m.RO
	case VaddrStack:
		region = m.Stack
	case VaddrHeap:
		region = m.Heap
	case VaddrInput:
		if write {
			return nil, fmt.Errorf("%w: write to input at %#x", ErrBadMemoryAccess, addr)
		}
		region = m.Input
	default:
		return nil, fmt.Errorf("%w: unmapped address %#x", ErrBadMemoryAccess, addr)
	}
	lo := addr & 0xFFFF_FFFF
	hi := lo + size
	if hi < lo || hi > uint64(len(region)) {
		return nil, fmt.Errorf("%w: %#x+%d outside region of %d bytes",
			ErrBadMemoryAccess, addr, size, len(region))
	}
	return region[lo:hi], nil
}

// Load reads a size-byte little-endian value at addr.
func (m *Memory) Load(addr uint64, size int) (uint64, error) {
	buf, err := m.Translate(addr, uint64(size), false)
	if err != nil {
		return 0, err
	}
	switch size {
	case 1:
		return uint64(buf[0]), nil
	case 2:
		return uint64(binary.LittleEndian.Uint16(buf)), nil
	case 4:
		return uint64(binary.LittleEndian.Uint32(buf)), nil
	case 8:
		return binary.LittleEndian.Uint64(buf), nil
	}
	return 0, fmt.Errorf("%w: load size %d", ErrBadMemoryAccess, size)
}

// Store writes a size-byte little-endian value at addr.
func (m *Memory) Store(addr uint64, v uint64, size int) error {
	buf, err := m.Translate(addr, uint64(size), true)
	if err != nil {
		return err
	}
	switch size {
	case 1:
		buf[0] = uint8(v)
	case 2:
		binary.LittleEndian.PutUint16(buf, uint16(v))
	case 4:
		binary.LittleEndian.PutUint32(buf, uint32(v))
	case 8:
		binary.LittleEndian.PutUint64(buf, v)
	default:
		return fmt.Errorf("%w: store size %d", ErrBadMemoryAccess, size)
	}
	return nil
}
