package jit

import (
	"encoding/binary"
	"fmt"

	"github.com/pro-utkarshM/axiom-ebpf/pkg/ebpf"
)

// x86-64 register encodings.
const (
	rax = 0
	rcx = 1
	rdx = 2
	rbx = 3
	rsp = 4
	rbp = 5
	rsi = 6
	rdi = 7
	r8  = 8
	r9  = 9
	r13 = 13
	r14 = 14
	r15 = 15
)

// Register mapping. R0-R4 follow the System V argument registers so a
// helper trampoline sees arguments where the ABI expects them; R6-R9
// live in callee-saved registers; R10 is the frame pointer.
var bpfToX64 = [11]uint8{
	rax, // R0: return value
	rdi, // R1: arg1 / context
	rsi, // R2: arg2
	rdx, // R3: arg3
	rcx, // R4: arg4
	r8,  // R5: arg5
	rbx, // R6
	r13, // R7
	r14, // R8
	r15, // R9
	rbp, // R10: frame pointer
}

// tmpReg holds intermediates; it is caller-saved and never carries a
// BPF register.
const tmpReg = r9

// x86-64 condition codes (Jcc second opcode byte is 0x80+cc).
const (
	ccB  = 0x2 // unsigned <
	ccAE = 0x3 // unsigned >=
	ccE  = 0x4
	ccNE = 0x5
	ccBE = 0x6 // unsigned <=
	ccA  = 0x7 // unsigned >
	ccL  = 0xC // signed <
	ccGE = 0xD // signed >=
	ccLE = 0xE // signed <=
	ccG  = 0xF // signed >
)

func init() {
	Register("amd64", compileAmd64)
}

type x64Emitter struct {
	code      []byte
	stackSize int

	// jumpPatches holds (displacement offset, IR target) pairs fixed
	// after all instructions are placed.
	jumpPatches []struct {
		at     int
		target int
	}
	insnOffsets []int
	callSites   []CallSite
}

func (e *x64Emitter) byte(b uint8)     { e.code = append(e.code, b) }
func (e *x64Emitter) bytes(bs ...byte) { e.code = append(e.code, bs...) }

func (e *x64Emitter) imm32(v int32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(v))
	e.code = append(e.code, buf[:]...)
}

func (e *x64Emitter) imm64(v int64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(v))
	e.code = append(e.code, buf[:]...)
}

func (e *x64Emitter) markInsn() { e.insnOffsets = append(e.insnOffsets, len(e.code)) }

func (e *x64Emitter) recordJump(target int) {
	e.jumpPatches = append(e.jumpPatches, struct {
		at     int
		target int
	}{len(e.code) - 4, target})
}

func rex(w bool, r, x, b uint8) uint8 {
	v := uint8(0x40)
	if w {
		v |= 0x08
	}
	if r >= 8 {
		v |= 0x04
	}
	if x >= 8 {
		v |= 0x02
	}
	if b >= 8 {
		v |= 0x01
	}
	return v
}

func modrm(md, reg, rm uint8) uint8 {
	return (md&0x3)<<6 | (reg&0x7)<<3 | rm&0x7
}

// rexIfNeeded emits a REX prefix for a 32-bit operation only when an
// extended register forces one.
func (e *x64Emitter) rexIfNeeded(r, b uint8) {
	if r >= 8 || b >= 8 {
		e.byte(rex(false, r, 0, b))
	}
}

// movReg: MOV dst, src. 64-bit uses REX.W+89; 32-bit form zero-extends.
func (e *x64Emitter) movReg(dst, src uint8, w bool) {
	if w {
		e.byte(rex(true, src, 0, dst))
	} else {
		e.rexIfNeeded(src, dst)
	}
	e.byte(0x89)
	e.byte(modrm(0b11, src, dst))
}

// movImm64: MOV dst, imm64 (B8+rd io).
func (e *x64Emitter) movImm64(dst uint8, imm int64) {
	e.byte(rex(true, 0, 0, dst))
	e.byte(0xB8 + dst&0x7)
	e.imm64(imm)
}

// movImm32: MOV dst, imm32, sign-extended in 64-bit mode (C7 /0).
func (e *x64Emitter) movImm32(dst uint8, imm int32, w bool) {
	if w {
		e.byte(rex(true, 0, 0, dst))
	} else {
		e.rexIfNeeded(0, dst)
	}
	e.byte(0xC7)
	e.byte(modrm(0b11, 0, dst))
	e.imm32(imm)
}

// aluReg emits the reg-reg form of add/sub/or/and/xor/cmp/test.
func (e *x64Emitter) aluReg(opcode uint8, dst, src uint8, w bool) {
	if w {
		e.byte(rex(true, src, 0, dst))
	} else {
		e.rexIfNeeded(src, dst)
	}
	e.byte(opcode)
	e.byte(modrm(0b11, src, dst))
}

// aluImm32 emits the 81 /ext imm32 group form.
func (e *x64Emitter) aluImm32(ext uint8, dst uint8, imm int32, w bool) {
	if w {
		e.byte(rex(true, 0, 0, dst))
	} else {
		e.rexIfNeeded(0, dst)
	}
	e.byte(0x81)
	e.byte(modrm(0b11, ext, dst))
	e.imm32(imm)
}

// imulReg: IMUL dst, src (0F AF /r; dst is the reg field).
func (e *x64Emitter) imulReg(dst, src uint8, w bool) {
	if w {
		e.byte(rex(true, dst, 0, src))
	} else {
		e.rexIfNeeded(dst, src)
	}
	e.bytes(0x0F, 0xAF)
	e.byte(modrm(0b11, dst, src))
}

// divReg: DIV src (F7 /6), unsigned RDX:RAX / src.
func (e *x64Emitter) divReg(src uint8, w bool) {
	if w {
		e.byte(rex(true, 0, 0, src))
	} else {
		e.rexIfNeeded(0, src)
	}
	e.byte(0xF7)
	e.byte(modrm(0b11, 6, src))
}

// shiftCL emits D3 /ext (shift dst by CL).
func (e *x64Emitter) shiftCL(ext uint8, dst uint8, w bool) {
	if w {
		e.byte(rex(true, 0, 0, dst))
	} else {
		e.rexIfNeeded(0, dst)
	}
	e.byte(0xD3)
	e.byte(modrm(0b11, ext, dst))
}

// shiftImm emits C1 /ext ib.
func (e *x64Emitter) shiftImm(ext uint8, dst uint8, imm uint8, w bool) {
	if w {
		e.byte(rex(true, 0, 0, dst))
	} else {
		e.rexIfNeeded(0, dst)
	}
	e.byte(0xC1)
	e.byte(modrm(0b11, ext, dst))
	if w {
		e.byte(imm & 0x3F)
	} else {
		e.byte(imm & 0x1F)
	}
}

// neg: NEG dst (F7 /3).
func (e *x64Emitter) neg(dst uint8, w bool) {
	if w {
		e.byte(rex(true, 0, 0, dst))
	} else {
		e.rexIfNeeded(0, dst)
	}
	e.byte(0xF7)
	e.byte(modrm(0b11, 3, dst))
}

func (e *x64Emitter) jmpRel32(disp int32) {
	e.byte(0xE9)
	e.imm32(disp)
}

func (e *x64Emitter) jccRel32(cc uint8, disp int32) {
	e.bytes(0x0F, 0x80+cc)
	e.imm32(disp)
}

func (e *x64Emitter) callRel32(disp int32) {
	e.byte(0xE8)
	e.imm32(disp)
}

func (e *x64Emitter) push(reg uint8) {
	if reg >= 8 {
		e.byte(0x41)
	}
	e.byte(0x50 + reg&0x7)
}

func (e *x64Emitter) pop(reg uint8) {
	if reg >= 8 {
		e.byte(0x41)
	}
	e.byte(0x58 + reg&0x7)
}

// load: MOV dst, [base+disp] with zero extension for sub-64 sizes.
func (e *x64Emitter) load(dst, base uint8, disp int32, size uint8) {
	switch size {
	case ebpf.SizeB:
		e.byte(rex(true, dst, 0, base))
		e.bytes(0x0F, 0xB6) // MOVZX r64, r/m8
	case ebpf.SizeH:
		e.byte(rex(true, dst, 0, base))
		e.bytes(0x0F, 0xB7) // MOVZX r64, r/m16
	case ebpf.SizeW:
		e.rexIfNeeded(dst, base)
		e.byte(0x8B) // 32-bit MOV zero-extends
	default:
		e.byte(rex(true, dst, 0, base))
		e.byte(0x8B)
	}
	e.modrmDisp(dst, base, disp)
}

// store: MOV [base+disp], src.
func (e *x64Emitter) store(base uint8, disp int32, src uint8, size uint8) {
	switch size {
	case ebpf.SizeB:
		e.byte(rex(false, src, 0, base))
		e.byte(0x88)
	case ebpf.SizeH:
		e.byte(0x66)
		e.byte(rex(false, src, 0, base))
		e.byte(0x89)
	case ebpf.SizeW:
		e.rexIfNeeded(src, base)
		e.byte(0x89)
	default:
		e.byte(rex(true, src, 0, base))
		e.byte(0x89)
	}
	e.modrmDisp(src, base, disp)
}

// modrmDisp emits ModRM (+SIB) + displacement for [base+disp].
func (e *x64Emitter) modrmDisp(reg, base uint8, disp int32) {
	baseEnc := base & 0x7
	regEnc := reg & 0x7

	if baseEnc == rsp {
		// RSP/R12 base needs a SIB byte
		switch {
		case disp == 0:
			e.byte(modrm(0b00, regEnc, 0b100))
			e.byte(0x24)
		case disp >= -128 && disp <= 127:
			e.byte(modrm(0b01, regEnc, 0b100))
			e.byte(0x24)
			e.byte(uint8(int8(disp)))
		default:
			e.byte(modrm(0b10, regEnc, 0b100))
			e.byte(0x24)
			e.imm32(disp)
		}
		return
	}
	switch {
	case disp == 0 && baseEnc != rbp:
		e.byte(modrm(0b00, regEnc, baseEnc))
	case disp >= -128 && disp <= 127:
		e.byte(modrm(0b01, regEnc, baseEnc))
		e.byte(uint8(int8(disp)))
	default:
		e.byte(modrm(0b10, regEnc, baseEnc))
		e.imm32(disp)
	}
}

// compileAmd64 lowers IR to x86-64 machine code.
func compileAmd64(p *Program) (*Code, error) {
	e := &x64Emitter{
		code:        make([]byte, 0, len(p.Insns)*16),
		stackSize:   p.StackSize,
		insnOffsets: make([]int, 0, len(p.Insns)),
	}

	entry := len(e.code)
	e.prologue()

	for _, ins := range p.Insns {
		e.markInsn()
		if ins.Wide {
			e.movImm64(bpfToX64[ins.Dst], ins.Imm)
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
		rel := int32(targetOff - patch.at - 4)
		binary.LittleEndian.PutUint32(e.code[patch.at:], uint32(rel))
	}

	return &Code{
		Bytes:     e.code,
		Entry:     entry,
		Offsets:   e.insnOffsets,
		CallSites: e.callSites,
	}, nil
}

func (e *x64Emitter) prologue() {
	e.push(rbp)
	e.push(rbx)
	e.push(r13)
	e.push(r14)
	e.push(r15)
	e.aluImm32(5, rsp, int32(e.stackSize), true) // SUB RSP, stack
	e.movReg(rbp, rsp, true)                     // R10 = frame pointer
}

func (e *x64Emitter) epilogue() {
	e.aluImm32(0, rsp, int32(e.stackSize), true) // ADD RSP, stack
	e.pop(r15)
	e.pop(r14)
	e.pop(r13)
	e.pop(rbx)
	e.pop(rbp)
	e.byte(0xC3) // RET
}

func (e *x64Emitter) insn(ins Insn) error {
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
		e.load(bpfToX64[ins.Dst], bpfToX64[ins.Src], int32(ins.Off), ins.Op&0x18)
		return nil
	case ebpf.ClassSt:
		e.movImm32(tmpReg, int32(ins.Imm), true)
		e.store(bpfToX64[ins.Dst], int32(ins.Off), tmpReg, ins.Op&0x18)
		return nil
	case ebpf.ClassStx:
		e.store(bpfToX64[ins.Dst], int32(ins.Off), bpfToX64[ins.Src], ins.Op&0x18)
		return nil
	default:
		return fmt.Errorf("%w: opcode %#02x", ErrUnsupported, ins.Op)
	}
}

func (e *x64Emitter) alu(ins Insn, w bool) error {
	dst := bpfToX64[ins.Dst]
	isReg := ins.Op&0x08 != 0
	src := bpfToX64[ins.Src]
	imm := int32(ins.Imm)

	switch ins.Op & 0xf0 {
	case ebpf.AluAdd:
		if isReg {
			e.aluReg(0x01, dst, src, w)
		} else {
			e.aluImm32(0, dst, imm, w)
		}
	case ebpf.AluSub:
		if isReg {
			e.aluReg(0x29, dst, src, w)
		} else {
			e.aluImm32(5, dst, imm, w)
		}
	case ebpf.AluMul:
		if isReg {
			e.imulReg(dst, src, w)
		} else {
			e.movImm32(tmpReg, imm, w)
			e.imulReg(dst, tmpReg, w)
		}
	case ebpf.AluDiv:
		e.divmod(dst, src, imm, isReg, w, false)
	case ebpf.AluMod:
		e.divmod(dst, src, imm, isReg, w, true)
	case ebpf.AluOr:
		if isReg {
			e.aluReg(0x09, dst, src, w)
		} else {
			e.aluImm32(1, dst, imm, w)
		}
	case ebpf.AluAnd:
		if isReg {
			e.aluReg(0x21, dst, src, w)
		} else {
			e.aluImm32(4, dst, imm, w)
		}
	case ebpf.AluXor:
		if isReg {
			e.aluReg(0x31, dst, src, w)
		} else {
			e.aluImm32(6, dst, imm, w)
		}
	case ebpf.AluLsh:
		e.shift(4, dst, src, imm, isReg, w)
	case ebpf.AluRsh:
		e.shift(5, dst, src, imm, isReg, w)
	case ebpf.AluArsh:
		e.shift(7, dst, src, imm, isReg, w)
	case ebpf.AluNeg:
		e.neg(dst, w)
	case ebpf.AluMov:
		switch {
		case isReg:
			e.movReg(dst, src, w)
		case imm == 0:
			e.aluReg(0x31, dst, dst, w) // XOR dst, dst
		default:
			e.movImm32(dst, imm, w)
		}
	case ebpf.AluEnd:
		// byte swaps run through the interpreter
		return fmt.Errorf("%w: byte swap", ErrUnsupported)
	default:
		return fmt.Errorf("%w: alu opcode %#02x", ErrUnsupported, ins.Op)
	}

	// 32-bit BPF ops zero the upper half; every 32-bit x86 write
	// already zero-extends, so nothing extra is emitted here.
	return nil
}

// divmod routes the dividend through RAX/RDX as DIV requires. RAX and
// RDX are saved around the operation so the divisor or dividend may
// live in either.
func (e *x64Emitter) divmod(dst, src uint8, imm int32, isReg, w, wantRem bool) {
	e.push(rax)
	e.push(rdx)

	if isReg {
		e.movReg(tmpReg, src, true)
	} else {
		e.movImm32(tmpReg, imm, w)
	}
	e.movReg(rax, dst, w)
	e.aluReg(0x31, rdx, rdx, true) // XOR RDX, RDX
	e.divReg(tmpReg, w)

	if wantRem {
		e.movReg(tmpReg, rdx, true)
	} else {
		e.movReg(tmpReg, rax, true)
	}
	e.pop(rdx)
	e.pop(rax)
	e.movReg(dst, tmpReg, true)
}

// shift emits a shift of dst. The variable count must sit in CL, so
// RCX is saved around the operation and a dst living in RCX shifts
// through the temporary.
func (e *x64Emitter) shift(ext uint8, dst, src uint8, imm int32, isReg, w bool) {
	if !isReg {
		e.shiftImm(ext, dst, uint8(imm), w)
		return
	}
	target := dst
	if dst == rcx {
		e.movReg(tmpReg, dst, true)
		target = tmpReg
	}
	e.push(rcx)
	if src != rcx {
		e.movReg(rcx, src, true)
	}
	e.shiftCL(ext, target, w)
	e.pop(rcx)
	if dst == rcx {
		e.movReg(dst, tmpReg, true)
	}
}

func (e *x64Emitter) jump(ins Insn, w bool) error {
	dst := bpfToX64[ins.Dst]
	isReg := ins.Op&0x08 != 0
	src := bpfToX64[ins.Src]
	imm := int32(ins.Imm)

	op := ins.Op & 0xf0
	switch op {
	case ebpf.JmpJa:
		e.jmpRel32(0)
		e.recordJump(ins.Target)
		return nil
	case ebpf.JmpExit:
		e.epilogue()
		return nil
	case ebpf.JmpCall:
		// the displacement is patched by the host to its trampoline
		// for this helper id
		e.callRel32(0)
		e.callSites = append(e.callSites, CallSite{
			Offset: len(e.code) - 4,
			Helper: uint32(ins.Imm),
		})
		return nil
	}

	var cc uint8
	switch op {
	case ebpf.JmpJeq:
		cc = ccE
	case ebpf.JmpJne:
		cc = ccNE
	case ebpf.JmpJgt:
		cc = ccA
	case ebpf.JmpJge:
		cc = ccAE
	case ebpf.JmpJlt:
		cc = ccB
	case ebpf.JmpJle:
		cc = ccBE
	case ebpf.JmpJsgt:
		cc = ccG
	case ebpf.JmpJsge:
		cc = ccGE
	case ebpf.JmpJslt:
		cc = ccL
	case ebpf.JmpJsle:
		cc = ccLE
	case ebpf.JmpJset:
		if isReg {
			e.aluReg(0x85, dst, src, w) // TEST dst, src
		} else {
			e.movImm32(tmpReg, imm, w)
			e.aluReg(0x85, dst, tmpReg, w)
		}
		e.jccRel32(ccNE, 0)
		e.recordJump(ins.Target)
		return nil
	default:
		return fmt.Errorf("%w: jump opcode %#02x", ErrUnsupported, ins.Op)
	}

	if isReg {
		e.aluReg(0x39, dst, src, w) // CMP dst, src
	} else {
		e.aluImm32(7, dst, imm, w)
	}
	e.jccRel32(cc, 0)
	e.recordJump(ins.Target)
	return nil
}
