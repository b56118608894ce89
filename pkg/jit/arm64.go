package jit

import (
	"encoding/binary"
	"fmt"

	"github.com/pro-utkarshM/axiom-ebpf/pkg/ebpf"
)

// A64 register numbers for the BPF register file. R1-R5 sit in the
// procedure argument registers so a helper trampoline sees them where
// the AAPCS64 expects; R6-R9 are callee-saved; R0 lives in X7 and is
// copied to X0 on exit.
var bpfToA64 = [11]uint8{
	7,  // R0
	0,  // R1: arg1 / context
	1,  // R2
	2,  // R3
	3,  // R4
	4,  // R5
	19, // R6
	20, // R7
	21, // R8
	22, // R9
	25, // R10: frame pointer
}

// Scratch registers, caller-saved, never holding BPF state.
const (
	a64Tmp  = 9
	a64Tmp2 = 10
	a64ZR   = 31
)

// A64 condition codes.
const (
	condEQ = 0x0
	condNE = 0x1
	condHS = 0x2
	condLO = 0x3
	condHI = 0x8
	condLS = 0x9
	condGE = 0xa
	condLT = 0xb
	condGT = 0xc
	condLE = 0xd
)

func init() {
	Register("arm64", compileArm64)
}

type a64Emitter struct {
	code      []byte
	stackSize int

	jumpPatches []struct {
		at     int
		target int
		cond   bool
	}
	insnOffsets []int
	callSites   []CallSite
}

func (e *a64Emitter) word(w uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], w)
	e.code = append(e.code, buf[:]...)
}

func (e *a64Emitter) markInsn() { e.insnOffsets = append(e.insnOffsets, len(e.code)) }

func (e *a64Emitter) recordBranch(target int, cond bool) {
	e.jumpPatches = append(e.jumpPatches, struct {
		at     int
		target int
		cond   bool
	}{len(e.code) - 4, target, cond})
}

func sf(w bool) uint32 {
	if w {
		return 1 << 31
	}
	return 0
}

// movImm synthesizes an arbitrary 64-bit immediate with MOVZ/MOVK.
func (e *a64Emitter) movImm(rd uint8, v uint64) {
	emitted := false
	for hw := uint32(0); hw < 4; hw++ {
		chunk := uint32(v>>(hw*16)) & 0xFFFF
		if chunk == 0 {
			continue
		}
		if !emitted {
			// MOVZ
			e.word(0xD2800000 | hw<<21 | chunk<<5 | uint32(rd))
			emitted = true
		} else {
			// MOVK
			e.word(0xF2800000 | hw<<21 | chunk<<5 | uint32(rd))
		}
	}
	if !emitted {
		e.word(0xD2800000 | uint32(rd)) // MOVZ rd, #0
	}
}

// movReg: ORR rd, zr, rm.
func (e *a64Emitter) movReg(rd, rm uint8, w bool) {
	base := uint32(0x2A0003E0)
	e.word(base | sf(w) | uint32(rm)<<16 | uint32(rd))
}

// aluReg3 emits a three-operand data-processing instruction whose
// 32-bit base opcode is given with Rd/Rn/Rm zero.
func (e *a64Emitter) aluReg3(base uint32, rd, rn, rm uint8, w bool) {
	e.word(base | sf(w) | uint32(rm)<<16 | uint32(rn)<<5 | uint32(rd))
}

func (e *a64Emitter) cmpReg(rn, rm uint8, w bool) {
	// SUBS zr, rn, rm
	e.word(0x6B00001F | sf(w) | uint32(rm)<<16 | uint32(rn)<<5)
}

func (e *a64Emitter) tstReg(rn, rm uint8, w bool) {
	// ANDS zr, rn, rm
	e.word(0x6A00001F | sf(w) | uint32(rm)<<16 | uint32(rn)<<5)
}

func (e *a64Emitter) ret() { e.word(0xD65F03C0) }

// compileArm64 lowers IR to A64 machine code.
func compileArm64(p *Program) (*Code, error) {
	e := &a64Emitter{
		code:        make([]byte, 0, len(p.Insns)*16),
		stackSize:   (p.StackSize + 15) &^ 15, // SP stays 16-aligned
		insnOffsets: make([]int, 0, len(p.Insns)),
	}

	entry := len(e.code)
	e.prologue()

	for _, ins := range p.Insns {
		e.markInsn()
		if ins.Wide {
			e.movImm(bpfToA64[ins.Dst], uint64(ins.Imm))
			continue
		}
		if err := e.insn(ins); err != nil {
			return nil, err
		}
	}

	for _, patch := range e.jumpPatches {
		targetOff := len(e.code)
		if patch.target < len(e.insnOffsets) {
			targetOff = e.insnOffsets[patch.target]
		}
		rel := int32(targetOff-patch.at) / 4
		word := binary.LittleEndian.Uint32(e.code[patch.at:])
		if patch.cond {
			word |= uint32(rel&0x7FFFF) << 5
		} else {
			word |= uint32(rel) & 0x03FFFFFF
		}
		binary.LittleEndian.PutUint32(e.code[patch.at:], word)
	}

	return &Code{
		Bytes:     e.code,
		Entry:     entry,
		Offsets:   e.insnOffsets,
		CallSites: e.callSites,
	}, nil
}

// adjustSP emits SUB or ADD sp, sp, #n, splitting across the plain and
// LSL #12 immediate forms for frames past 4095 bytes.
func (e *a64Emitter) adjustSP(base uint32, n int) {
	if hi := n >> 12; hi != 0 {
		e.word(base | 1<<22 | uint32(hi&0xFFF)<<10)
	}
	if lo := n & 0xFFF; lo != 0 || n == 0 {
		e.word(base | uint32(lo)<<10)
	}
}

func (e *a64Emitter) prologue() {
	e.word(0xA9BF53F3) // stp x19, x20, [sp, #-16]!
	e.word(0xA9BF5BF5) // stp x21, x22, [sp, #-16]!
	e.word(0xA9BF7BF9) // stp x25, x30, [sp, #-16]!
	e.adjustSP(0xD10003FF, e.stackSize) // sub sp, sp, #stack
	e.word(0x910003F9)                  // mov x25, sp
}

func (e *a64Emitter) epilogue() {
	e.word(0xAA0703E0)                  // mov x0, x7  (return value)
	e.adjustSP(0x910003FF, e.stackSize) // add sp, sp, #stack
	e.word(0xA8C17BF9) // ldp x25, x30, [sp], #16
	e.word(0xA8C15BF5) // ldp x21, x22, [sp], #16
	e.word(0xA8C153F3) // ldp x19, x20, [sp], #16
	e.ret()
}

func (e *a64Emitter) insn(ins Insn) error {
	switch ins.Op & 0x07 {
	case ebpf.ClassAlu64:
		return e.alu(ins, true)
	case ebpf.ClassAlu:
		return e.alu(ins, false)
	case ebpf.ClassJmp:
		return e.jump(ins, true)
	case ebpf.ClassJmp32:
		return e.jump(ins, false)
	case ebpf.ClassLdx:
		e.load(bpfToA64[ins.Dst], bpfToA64[ins.Src], ins.Off, ins.Op&0x18)
		return nil
	case ebpf.ClassSt:
		e.movImm(a64Tmp, uint64(int64(int32(ins.Imm))))
		e.store(bpfToA64[ins.Dst], ins.Off, a64Tmp, ins.Op&0x18)
		return nil
	case ebpf.ClassStx:
		e.store(bpfToA64[ins.Dst], ins.Off, bpfToA64[ins.Src], ins.Op&0x18)
		return nil
	default:
		return fmt.Errorf("%w: opcode %#02x", ErrUnsupported, ins.Op)
	}
}

// operand resolves the second ALU operand into a register, routing
// immediates through the scratch register.
func (e *a64Emitter) operand(ins Insn) uint8 {
	if ins.Op&0x08 != 0 {
		return bpfToA64[ins.Src]
	}
	e.movImm(a64Tmp, uint64(int64(int32(ins.Imm))))
	return a64Tmp
}

func (e *a64Emitter) alu(ins Insn, w bool) error {
	dst := bpfToA64[ins.Dst]

	switch ins.Op & 0xf0 {
	case ebpf.AluAdd:
		e.aluReg3(0x0B000000, dst, dst, e.operand(ins), w)
	case ebpf.AluSub:
		e.aluReg3(0x4B000000, dst, dst, e.operand(ins), w)
	case ebpf.AluMul:
		// MADD dst, dst, rm, zr
		rm := e.operand(ins)
		e.word(0x1B007C00 | sf(w) | uint32(rm)<<16 | uint32(dst)<<5 | uint32(dst))
	case ebpf.AluDiv:
		e.aluReg3(0x1AC00800, dst, dst, e.operand(ins), w) // UDIV
	case ebpf.AluMod:
		// UDIV tmp2, dst, rm; MSUB dst, tmp2, rm, dst
		rm := e.operand(ins)
		e.aluReg3(0x1AC00800, a64Tmp2, dst, rm, w)
		e.word(0x1B008000 | sf(w) | uint32(rm)<<16 | uint32(dst)<<10 |
			uint32(a64Tmp2)<<5 | uint32(dst))
	case ebpf.AluOr:
		e.aluReg3(0x2A000000, dst, dst, e.operand(ins), w)
	case ebpf.AluAnd:
		e.aluReg3(0x0A000000, dst, dst, e.operand(ins), w)
	case ebpf.AluXor:
		e.aluReg3(0x4A000000, dst, dst, e.operand(ins), w)
	case ebpf.AluLsh:
		e.aluReg3(0x1AC02000, dst, dst, e.operand(ins), w) // LSLV
	case ebpf.AluRsh:
		e.aluReg3(0x1AC02400, dst, dst, e.operand(ins), w) // LSRV
	case ebpf.AluArsh:
		e.aluReg3(0x1AC02800, dst, dst, e.operand(ins), w) // ASRV
	case ebpf.AluNeg:
		// SUB dst, zr, dst
		e.aluReg3(0x4B000000, dst, a64ZR, dst, w)
	case ebpf.AluMov:
		if ins.Op&0x08 != 0 {
			e.movReg(dst, bpfToA64[ins.Src], w)
		} else if w {
			e.movImm(dst, uint64(int64(int32(ins.Imm))))
		} else {
			e.movImm(dst, uint64(uint32(ins.Imm)))
		}
	case ebpf.AluEnd:
		return fmt.Errorf("%w: byte swap", ErrUnsupported)
	default:
		return fmt.Errorf("%w: alu opcode %#02x", ErrUnsupported, ins.Op)
	}
	return nil
}

func (e *a64Emitter) jump(ins Insn, w bool) error {
	op := ins.Op & 0xf0
	switch op {
	case ebpf.JmpJa:
		e.word(0x14000000) // B, displacement patched later
		e.recordBranch(ins.Target, false)
		return nil
	case ebpf.JmpExit:
		e.epilogue()
		return nil
	case ebpf.JmpCall:
		// BL to a host trampoline; result lands in x0 per the ABI
		// and is copied into R0's home register
		e.word(0x94000000)
		e.callSites = append(e.callSites, CallSite{
			Offset: len(e.code) - 4,
			Helper: uint32(ins.Imm),
		})
		e.word(0xAA0003E7) // mov x7, x0
		return nil
	}

	dst := bpfToA64[ins.Dst]
	var cond uint32
	switch op {
	case ebpf.JmpJeq:
		cond = condEQ
	case ebpf.JmpJne:
		cond = condNE
	case ebpf.JmpJgt:
		cond = condHI
	case ebpf.JmpJge:
		cond = condHS
	case ebpf.JmpJlt:
		cond = condLO
	case ebpf.JmpJle:
		cond = condLS
	case ebpf.JmpJsgt:
		cond = condGT
	case ebpf.JmpJsge:
		cond = condGE
	case ebpf.JmpJslt:
		cond = condLT
	case ebpf.JmpJsle:
		cond = condLE
	case ebpf.JmpJset:
		e.tstReg(dst, e.operand(ins), w)
		e.word(0x54000000 | condNE)
		e.recordBranch(ins.Target, true)
		return nil
	default:
		return fmt.Errorf("%w: jump opcode %#02x", ErrUnsupported, ins.Op)
	}

	e.cmpReg(dst, e.operand(ins), w)
	e.word(0x54000000 | cond)
	e.recordBranch(ins.Target, true)
	return nil
}

// load synthesizes base+off into the scratch register and loads with a
// zero unsigned offset. Sub-64 loads zero-extend.
func (e *a64Emitter) load(dst, base uint8, off int16, size uint8) {
	addr := e.address(base, off)
	switch size {
	case ebpf.SizeB:
		e.word(0x39400000 | uint32(addr)<<5 | uint32(dst)) // LDRB
	case ebpf.SizeH:
		e.word(0x79400000 | uint32(addr)<<5 | uint32(dst)) // LDRH
	case ebpf.SizeW:
		e.word(0xB9400000 | uint32(addr)<<5 | uint32(dst)) // LDR Wt
	default:
		e.word(0xF9400000 | uint32(addr)<<5 | uint32(dst)) // LDR Xt
	}
}

func (e *a64Emitter) store(base uint8, off int16, src uint8, size uint8) {
	addr := e.address(base, off)
	switch size {
	case ebpf.SizeB:
		e.word(0x39000000 | uint32(addr)<<5 | uint32(src)) // STRB
	case ebpf.SizeH:
		e.word(0x79000000 | uint32(addr)<<5 | uint32(src)) // STRH
	case ebpf.SizeW:
		e.word(0xB9000000 | uint32(addr)<<5 | uint32(src)) // STR Wt
	default:
		e.word(0xF9000000 | uint32(addr)<<5 | uint32(src)) // STR Xt
	}
}

// address materializes base+off in the second scratch register.
func (e *a64Emitter) address(base uint8, off int16) uint8 {
	if off == 0 {
		return base
	}
	e.movImm(a64Tmp2, uint64(int64(off)))
	e.aluReg3(0x0B000000, a64Tmp2, base, a64Tmp2, true) // ADD
	return a64Tmp2
}
