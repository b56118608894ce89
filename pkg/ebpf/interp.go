package ebpf

import (
	"fmt"
	"math/bits"
)

// HelperFn is a host function invocable from bytecode via the call
// instruction. Arguments arrive in R1-R5, the result lands in R0.
type HelperFn func(vm *VM, r1, r2, r3, r4, r5 uint64) (uint64, error)

// Resolver maps numeric helper ids to implementations.
type Resolver interface {
	Resolve(id uint32) (HelperFn, bool)
}

// Config bounds one interpreter instance. The engine derives it from
// the active resource profile.
type Config struct {
	StackSize    int    // bytes per call frame
	MaxCallDepth int    // frames, entry frame included
	HeapSize     int    // scratch heap bytes
	Fuel         uint64 // fuel budget, 0 = unmetered
	Helpers      Resolver
}

// DefaultConfig returns conservative interpreter bounds.
func DefaultConfig() Config {
	return Config{
		StackSize:    512,
		MaxCallDepth: 8,
		HeapSize:     16 * 1024,
		Fuel:         1_000_000,
	}
}

// frame is one saved call frame.
type frame struct {
	fp     uint64 // caller's R10
	nvRegs [4]uint64
	ret    uint64 // caller's next pc
}

// VM interprets one program. A VM is single-use per Run and not safe
// for concurrent use.
type VM struct {
	prog *Program
	cfg  Config

	regs   [NumRegisters]uint64
	mem    Memory
	meter  *Meter
	frames []frame

	heapOff uint64
	stash   map[uint64]any
}

// NewVM prepares an interpreter for prog.
func NewVM(prog *Program, cfg Config) *VM {
	if cfg.StackSize <= 0 {
		cfg.StackSize = DefaultConfig().StackSize
	}
	if cfg.MaxCallDepth <= 0 {
		cfg.MaxCallDepth = DefaultConfig().MaxCallDepth
	}
	if cfg.HeapSize < 0 {
		cfg.HeapSize = 0
	}
	return &VM{prog: prog, cfg: cfg}
}

// Program returns the program under execution.
func (vm *VM) Program() *Program { return vm.prog }

// Mem exposes the active memory map to helpers.
func (vm *VM) Mem() *Memory { return &vm.mem }

// Reg returns the current value of register r.
func (vm *VM) Reg(r uint8) uint64 { return vm.regs[r] }

// AllocScratch reserves n bytes of heap scratch and returns its virtual
// address and backing slice. Scratch is reset at the start of each Run.
func (vm *VM) AllocScratch(n uint64) (uint64, []byte, error) {
	aligned := (n + 7) &^ 7
	if vm.heapOff+aligned > uint64(len(vm.mem.Heap)) {
		return 0, nil, fmt.Errorf("%w: heap scratch exhausted", ErrBadMemoryAccess)
	}
	addr := VaddrHeap + vm.heapOff
	buf := vm.mem.Heap[vm.heapOff : vm.heapOff+n]
	vm.heapOff += aligned
	return addr, buf, nil
}

// StashPut associates per-run helper state with a key, typically a
// virtual address handed back to the program. The stash is cleared at
// the start of each Run.
func (vm *VM) StashPut(key uint64, v any) {
	if vm.stash == nil {
		vm.stash = make(map[uint64]any)
	}
	vm.stash[key] = v
}

// StashTake removes and returns the state stored under key.
func (vm *VM) StashTake(key uint64) (any, bool) {
	v, ok := vm.stash[key]
	if ok {
		delete(vm.stash, key)
	}
	return v, ok
}

// Run executes the program with input mapped read-only at VaddrInput.
// It returns the value of R0 at exit.
func (vm *VM) Run(input []byte) (uint64, error) {
	stackTotal := vm.cfg.StackSize * vm.cfg.MaxCallDepth
	vm.mem = Memory{
		RO:    vm.prog.RO,
		Stack: make([]byte, stackTotal),
		Heap:  make([]byte, vm.cfg.HeapSize),
		Input: input,
	}
	vm.meter = NewMeter(vm.cfg.Fuel)
	vm.frames = vm.frames[:0]
	vm.heapOff = 0
	vm.stash = nil
	vm.regs = [NumRegisters]uint64{}
	if len(input) > 0 {
		vm.regs[1] = VaddrInput
	}
	vm.regs[FramePointer] = VaddrStack + uint64(vm.cfg.StackSize)
	return vm.run(vm.prog.Entry)
}

func (vm *VM) run(pc uint64) (uint64, error) {
	for {
		ins, err := vm.prog.Fetch(pc)
		if err != nil {
			return 0, err
		}
		op := ins.Op()
		if err := vm.meter.Consume(cost(op)); err != nil {
			return 0, fmt.Errorf("%w at pc=%d", ErrFuelExhausted, pc)
		}
		dst, src := ins.Dst(), ins.Src()
		off, imm := ins.Off(), ins.Imm()

		switch op {
		// 64-bit ALU
		case OpAdd64Imm:
			vm.regs[dst] += uint64(int64(imm))
		case OpAdd64Reg:
			vm.regs[dst] += vm.regs[src]
		case OpSub64Imm:
			vm.regs[dst] -= uint64(int64(imm))
		case OpSub64Reg:
			vm.regs[dst] -= vm.regs[src]
		case OpMul64Imm:
			vm.regs[dst] *= uint64(int64(imm))
		case OpMul64Reg:
			vm.regs[dst] *= vm.regs[src]
		case OpDiv64Imm, OpDiv64Reg, OpMod64Imm, OpMod64Reg:
			var d uint64
			if op&SrcX != 0 {
				d = vm.regs[src]
			} else {
				d = uint64(int64(imm))
			}
			if d == 0 {
				return 0, fmt.Errorf("%w at pc=%d", ErrDivisionByZero, pc)
			}
			if op&0xF0 == AluDiv {
				vm.regs[dst] /= d
			} else {
				vm.regs[dst] %= d
			}
		case OpOr64Imm:
			vm.regs[dst] |= uint64(int64(imm))
		case OpOr64Reg:
			vm.regs[dst] |= vm.regs[src]
		case OpAnd64Imm:
			vm.regs[dst] &= uint64(int64(imm))
		case OpAnd64Reg:
			vm.regs[dst] &= vm.regs[src]
		case OpLsh64Imm:
			vm.regs[dst] <<= uint64(imm) & 63
		case OpLsh64Reg:
			vm.regs[dst] <<= vm.regs[src] & 63
		case OpRsh64Imm:
			vm.regs[dst] >>= uint64(imm) & 63
		case OpRsh64Reg:
			vm.regs[dst] >>= vm.regs[src] & 63
		case OpNeg64:
			vm.regs[dst] = uint64(-int64(vm.regs[dst]))
		case OpXor64Imm:
			vm.regs[dst] ^= uint64(int64(imm))
		case OpXor64Reg:
			vm.regs[dst] ^= vm.regs[src]
		case OpMov64Imm:
			vm.regs[dst] = uint64(int64(imm))
		case OpMov64Reg:
			vm.regs[dst] = vm.regs[src]
		case OpArsh64Imm:
			vm.regs[dst] = uint64(int64(vm.regs[dst]) >> (uint64(imm) & 63))
		case OpArsh64Reg:
			vm.regs[dst] = uint64(int64(vm.regs[dst]) >> (vm.regs[src] & 63))

		// 32-bit ALU
		case OpAdd32Imm:
			vm.regs[dst] = uint64(uint32(vm.regs[dst]) + uint32(imm))
		case OpAdd32Reg:
			vm.regs[dst] = uint64(uint32(vm.regs[dst]) + uint32(vm.regs[src]))
		case OpSub32Imm:
			vm.regs[dst] = uint64(uint32(vm.regs[dst]) - uint32(imm))
		case OpSub32Reg:
			vm.regs[dst] = uint64(uint32(vm.regs[dst]) - uint32(vm.regs[src]))
		case OpMul32Imm:
			vm.regs[dst] = uint64(uint32(vm.regs[dst]) * uint32(imm))
		case OpMul32Reg:
			vm.regs[dst] = uint64(uint32(vm.regs[dst]) * uint32(vm.regs[src]))
		case OpDiv32Imm, OpDiv32Reg, OpMod32Imm, OpMod32Reg:
			var d uint32
			if op&SrcX != 0 {
				d = uint32(vm.regs[src])
			} else {
				d = uint32(imm)
			}
			if d == 0 {
				return 0, fmt.Errorf("%w at pc=%d", ErrDivisionByZero, pc)
			}
			if op&0xF0 == AluDiv {
				vm.regs[dst] = uint64(uint32(vm.regs[dst]) / d)
			} else {
				vm.regs[dst] = uint64(uint32(vm.regs[dst]) % d)
			}
		case OpOr32Imm:
			vm.regs[dst] = uint64(uint32(vm.regs[dst]) | uint32(imm))
		case OpOr32Reg:
			vm.regs[dst] = uint64(uint32(vm.regs[dst]) | uint32(vm.regs[src]))
		case OpAnd32Imm:
			vm.regs[dst] = uint64(uint32(vm.regs[dst]) & uint32(imm))
		case OpAnd32Reg:
			vm.regs[dst] = uint64(uint32(vm.regs[dst]) & uint32(vm.regs[src]))
		case OpLsh32Imm:
			vm.regs[dst] = uint64(uint32(vm.regs[dst]) << (uint32(imm) & 31))
		case OpLsh32Reg:
			vm.regs[dst] = uint64(uint32(vm.regs[dst]) << (uint32(vm.regs[src]) & 31))
		case OpRsh32Imm:
			vm.regs[dst] = uint64(uint32(vm.regs[dst]) >> (uint32(imm) & 31))
		case OpRsh32Reg:
			vm.regs[dst] = uint64(uint32(vm.regs[dst]) >> (uint32(vm.regs[src]) & 31))
		case OpNeg32:
			vm.regs[dst] = uint64(uint32(-int32(vm.regs[dst])))
		case OpXor32Imm:
			vm.regs[dst] = uint64(uint32(vm.regs[dst]) ^ uint32(imm))
		case OpXor32Reg:
			vm.regs[dst] = uint64(uint32(vm.regs[dst]) ^ uint32(vm.regs[src]))
		case OpMov32Imm:
			vm.regs[dst] = uint64(uint32(imm))
		case OpMov32Reg:
			vm.regs[dst] = uint64(uint32(vm.regs[src]))
		case OpArsh32Imm:
			vm.regs[dst] = uint64(uint32(int32(vm.regs[dst]) >> (uint32(imm) & 31)))
		case OpArsh32Reg:
			vm.regs[dst] = uint64(uint32(int32(vm.regs[dst]) >> (uint32(vm.regs[src]) & 31)))
		case OpLE:
			// values are kept little-endian in registers; truncate only
			switch imm {
			case 16:
				vm.regs[dst] = uint64(uint16(vm.regs[dst]))
			case 32:
				vm.regs[dst] = uint64(uint32(vm.regs[dst]))
			case 64:
			default:
				return 0, fmt.Errorf("%w: le width %d at pc=%d", ErrBadInstruction, imm, pc)
			}
		case OpBE:
			switch imm {
			case 16:
				vm.regs[dst] = uint64(bits.ReverseBytes16(uint16(vm.regs[dst])))
			case 32:
				vm.regs[dst] = uint64(bits.ReverseBytes32(uint32(vm.regs[dst])))
			case 64:
				vm.regs[dst] = bits.ReverseBytes64(vm.regs[dst])
			default:
				return 0, fmt.Errorf("%w: be width %d at pc=%d", ErrBadInstruction, imm, pc)
			}

		// wide immediate load
		case OpLddw:
			hi, err := vm.prog.Fetch(pc + 1)
			if err != nil {
				return 0, fmt.Errorf("%w: truncated lddw at pc=%d", ErrBadInstruction, pc)
			}
			vm.regs[dst] = uint64(ins.Uimm()) | uint64(hi.Uimm())<<32
			pc++

		// loads
		case OpLdxw, OpLdxh, OpLdxb, OpLdxdw:
			v, err := vm.mem.Load(vm.regs[src]+uint64(int64(off)), memSize(op))
			if err != nil {
				return 0, fmt.Errorf("%w (pc=%d)", err, pc)
			}
			vm.regs[dst] = v

		// stores
		case OpStw, OpSth, OpStb, OpStdw:
			if err := vm.mem.Store(vm.regs[dst]+uint64(int64(off)), uint64(int64(imm)), memSize(op)); err != nil {
				return 0, fmt.Errorf("%w (pc=%d)", err, pc)
			}
		case OpStxw, OpStxh, OpStxb, OpStxdw:
			if err := vm.mem.Store(vm.regs[dst]+uint64(int64(off)), vm.regs[src], memSize(op)); err != nil {
				return 0, fmt.Errorf("%w (pc=%d)", err, pc)
			}

		// jumps
		case OpJa:
			pc = jump(pc, off)
			continue
		case OpJeqImm, OpJeqReg, OpJgtImm, OpJgtReg, OpJgeImm, OpJgeReg,
			OpJsetImm, OpJsetReg, OpJneImm, OpJneReg,
			OpJsgtImm, OpJsgtReg, OpJsgeImm, OpJsgeReg,
			OpJltImm, OpJltReg, OpJleImm, OpJleReg,
			OpJsltImm, OpJsltReg, OpJsleImm, OpJsleReg:
			a := vm.regs[dst]
			var b uint64
			if op&SrcX != 0 {
				b = vm.regs[src]
			} else {
				b = uint64(int64(imm))
			}
			if branchTaken(op, a, b) {
				pc = jump(pc, off)
				continue
			}
		case OpJeq32Imm, OpJeq32Reg, OpJgt32Imm, OpJgt32Reg, OpJge32Imm, OpJge32Reg,
			OpJset32Imm, OpJset32Reg, OpJne32Imm, OpJne32Reg,
			OpJsgt32Imm, OpJsgt32Reg, OpJsge32Imm, OpJsge32Reg,
			OpJlt32Imm, OpJlt32Reg, OpJle32Imm, OpJle32Reg,
			OpJslt32Imm, OpJslt32Reg, OpJsle32Imm, OpJsle32Reg:
			a := uint64(uint32(vm.regs[dst]))
			var b uint64
			if op&SrcX != 0 {
				b = uint64(uint32(vm.regs[src]))
			} else {
				b = uint64(uint32(imm))
			}
			if branchTaken32(op, a, b) {
				pc = jump(pc, off)
				continue
			}

		case OpCall:
			if src == PseudoCall {
				// local call into the same text
				if err := vm.pushFrame(pc + 1); err != nil {
					return 0, err
				}
				pc = jump(pc, int16(imm))
				continue
			}
			if vm.cfg.Helpers == nil {
				return 0, fmt.Errorf("%w: id %d at pc=%d", ErrUnknownHelper, uint32(imm), pc)
			}
			fn, ok := vm.cfg.Helpers.Resolve(uint32(imm))
			if !ok {
				return 0, fmt.Errorf("%w: id %d at pc=%d", ErrUnknownHelper, uint32(imm), pc)
			}
			r0, err := fn(vm, vm.regs[1], vm.regs[2], vm.regs[3], vm.regs[4], vm.regs[5])
			if err != nil {
				return 0, fmt.Errorf("helper %d at pc=%d: %w", uint32(imm), pc, err)
			}
			vm.regs[0] = r0

		case OpExit:
			if len(vm.frames) == 0 {
				return vm.regs[0], nil
			}
			pc = vm.popFrame()
			continue

		default:
			return 0, fmt.Errorf("%w: opcode %#02x at pc=%d", ErrBadInstruction, op, pc)
		}
		pc++
	}
}

func (vm *VM) pushFrame(ret uint64) error {
	if len(vm.frames)+1 >= vm.cfg.MaxCallDepth {
		return fmt.Errorf("%w: max %d", ErrCallDepth, vm.cfg.MaxCallDepth)
	}
	f := frame{fp: vm.regs[FramePointer], ret: ret}
	copy(f.nvRegs[:], vm.regs[6:10])
	vm.frames = append(vm.frames, f)
	vm.regs[FramePointer] += uint64(vm.cfg.StackSize)
	return nil
}

func (vm *VM) popFrame() uint64 {
	f := vm.frames[len(vm.frames)-1]
	vm.frames = vm.frames[:len(vm.frames)-1]
	copy(vm.regs[6:10], f.nvRegs[:])
	vm.regs[FramePointer] = f.fp
	return f.ret
}

func jump(pc uint64, off int16) uint64 {
	return uint64(int64(pc) + int64(off) + 1)
}

func memSize(op uint8) int {
	switch op & 0x18 {
	case SizeB:
		return 1
	case SizeH:
		return 2
	case SizeW:
		return 4
	default:
		return 8
	}
}

func branchTaken(op uint8, a, b uint64) bool {
	switch op & 0xF0 {
	case JmpJeq:
		return a == b
	case JmpJgt:
		return a > b
	case JmpJge:
		return a >= b
	case JmpJset:
		return a&b != 0
	case JmpJne:
		return a != b
	case JmpJsgt:
		return int64(a) > int64(b)
	case JmpJsge:
		return int64(a) >= int64(b)
	case JmpJlt:
		return a < b
	case JmpJle:
		return a <= b
	case JmpJslt:
		return int64(a) < int64(b)
	case JmpJsle:
		return int64(a) <= int64(b)
	}
	return false
}

func branchTaken32(op uint8, a, b uint64) bool {
	switch op & 0xF0 {
	case JmpJsgt:
		return int32(a) > int32(b)
	case JmpJsge:
		return int32(a) >= int32(b)
	case JmpJslt:
		return int32(a) < int32(b)
	case JmpJsle:
		return int32(a) <= int32(b)
	default:
		return branchTaken(op, a, b)
	}
}
