// Package ebpf defines the instruction set, program model and reference
// interpreter for the axiom-ebpf engine.
//
// Instructions are fixed-width 64-bit little-endian slots:
//
//	bits 0-7   opcode
//	bits 8-11  destination register
//	bits 12-15 source register
//	bits 16-31 signed 16-bit offset
//	bits 32-63 signed 32-bit immediate
//
// The wide load (lddw, 0x18) consumes two slots; the second slot carries
// the high 32 bits of the immediate.
package ebpf

// Instruction class bits (bits 0-2).
const (
	ClassLd    = 0x00 // wide load
	ClassLdx   = 0x01 // load from memory
	ClassSt    = 0x02 // store immediate
	ClassStx   = 0x03 // store register
	ClassAlu   = 0x04 // 32-bit ALU
	ClassJmp   = 0x05 // 64-bit jump
	ClassJmp32 = 0x06 // 32-bit jump
	ClassAlu64 = 0x07 // 64-bit ALU
)

// Source bit (bit 3): operand is an immediate or a register.
const (
	SrcK = 0x00
	SrcX = 0x08
)

// ALU operation codes (bits 4-7).
const (
	AluAdd  = 0x00
	AluSub  = 0x10
	AluMul  = 0x20
	AluDiv  = 0x30
	AluOr   = 0x40
	AluAnd  = 0x50
	AluLsh  = 0x60
	AluRsh  = 0x70
	AluNeg  = 0x80
	AluMod  = 0x90
	AluXor  = 0xa0
	AluMov  = 0xb0
	AluArsh = 0xc0
	AluEnd  = 0xd0
)

// Memory access size (bits 3-4 of load/store opcodes).
const (
	SizeW  = 0x00 // 32-bit
	SizeH  = 0x08 // 16-bit
	SizeB  = 0x10 // 8-bit
	SizeDW = 0x18 // 64-bit
)

// Memory access mode (bits 5-7 of load/store opcodes).
const (
	ModeImm = 0x00
	ModeMem = 0x60
)

// Jump operation codes (bits 4-7).
const (
	JmpJa   = 0x00
	JmpJeq  = 0x10
	JmpJgt  = 0x20
	JmpJge  = 0x30
	JmpJset = 0x40
	JmpJne  = 0x50
	JmpJsgt = 0x60
	JmpJsge = 0x70
	JmpCall = 0x80
	JmpExit = 0x90
	JmpJlt  = 0xa0
	JmpJle  = 0xb0
	JmpJslt = 0xc0
	JmpJsle = 0xd0
)

// 64-bit ALU opcodes.
const (
	OpAdd64Imm  = ClassAlu64 | SrcK | AluAdd  // 0x07
	OpAdd64Reg  = ClassAlu64 | SrcX | AluAdd  // 0x0f
	OpSub64Imm  = ClassAlu64 | SrcK | AluSub  // 0x17
	OpSub64Reg  = ClassAlu64 | SrcX | AluSub  // 0x1f
	OpMul64Imm  = ClassAlu64 | SrcK | AluMul  // 0x27
	OpMul64Reg  = ClassAlu64 | SrcX | AluMul  // 0x2f
	OpDiv64Imm  = ClassAlu64 | SrcK | AluDiv  // 0x37
	OpDiv64Reg  = ClassAlu64 | SrcX | AluDiv  // 0x3f
	OpOr64Imm   = ClassAlu64 | SrcK | AluOr   // 0x47
	OpOr64Reg   = ClassAlu64 | SrcX | AluOr   // 0x4f
	OpAnd64Imm  = ClassAlu64 | SrcK | AluAnd  // 0x57
	OpAnd64Reg  = ClassAlu64 | SrcX | AluAnd  // 0x5f
	OpLsh64Imm  = ClassAlu64 | SrcK | AluLsh  // 0x67
	OpLsh64Reg  = ClassAlu64 | SrcX | AluLsh  // 0x6f
	OpRsh64Imm  = ClassAlu64 | SrcK | AluRsh  // 0x77
	OpRsh64Reg  = ClassAlu64 | SrcX | AluRsh  // 0x7f
	OpNeg64     = ClassAlu64 | AluNeg         // 0x87
	OpMod64Imm  = ClassAlu64 | SrcK | AluMod  // 0x97
	OpMod64Reg  = ClassAlu64 | SrcX | AluMod  // 0x9f
	OpXor64Imm  = ClassAlu64 | SrcK | AluXor  // 0xa7
	OpXor64Reg  = ClassAlu64 | SrcX | AluXor  // 0xaf
	OpMov64Imm  = ClassAlu64 | SrcK | AluMov  // 0xb7
	OpMov64Reg  = ClassAlu64 | SrcX | AluMov  // 0xbf
	OpArsh64Imm = ClassAlu64 | SrcK | AluArsh // 0xc7
	OpArsh64Reg = ClassAlu64 | SrcX | AluArsh // 0xcf
)

// 32-bit ALU opcodes. Results zero the upper 32 bits of the destination.
const (
	OpAdd32Imm  = ClassAlu | SrcK | AluAdd  // 0x04
	OpAdd32Reg  = ClassAlu | SrcX | AluAdd  // 0x0c
	OpSub32Imm  = ClassAlu | SrcK | AluSub  // 0x14
	OpSub32Reg  = ClassAlu | SrcX | AluSub  // 0x1c
	OpMul32Imm  = ClassAlu | SrcK | AluMul  // 0x24
	OpMul32Reg  = ClassAlu | SrcX | AluMul  // 0x2c
	OpDiv32Imm  = ClassAlu | SrcK | AluDiv  // 0x34
	OpDiv32Reg  = ClassAlu | SrcX | AluDiv  // 0x3c
	OpOr32Imm   = ClassAlu | SrcK | AluOr   // 0x44
	OpOr32Reg   = ClassAlu | SrcX | AluOr   // 0x4c
	OpAnd32Imm  = ClassAlu | SrcK | AluAnd  // 0x54
	OpAnd32Reg  = ClassAlu | SrcX | AluAnd  // 0x5c
	OpLsh32Imm  = ClassAlu | SrcK | AluLsh  // 0x64
	OpLsh32Reg  = ClassAlu | SrcX | AluLsh  // 0x6c
	OpRsh32Imm  = ClassAlu | SrcK | AluRsh  // 0x74
	OpRsh32Reg  = ClassAlu | SrcX | AluRsh  // 0x7c
	OpNeg32     = ClassAlu | AluNeg         // 0x84
	OpMod32Imm  = ClassAlu | SrcK | AluMod  // 0x94
	OpMod32Reg  = ClassAlu | SrcX | AluMod  // 0x9c
	OpXor32Imm  = ClassAlu | SrcK | AluXor  // 0xa4
	OpXor32Reg  = ClassAlu | SrcX | AluXor  // 0xac
	OpMov32Imm  = ClassAlu | SrcK | AluMov  // 0xb4
	OpMov32Reg  = ClassAlu | SrcX | AluMov  // 0xbc
	OpArsh32Imm = ClassAlu | SrcK | AluArsh // 0xc4
	OpArsh32Reg = ClassAlu | SrcX | AluArsh // 0xcc
	OpLE        = ClassAlu | SrcK | AluEnd  // 0xd4 - to little-endian
	OpBE        = ClassAlu | SrcX | AluEnd  // 0xdc - to big-endian
)

// Memory opcodes.
const (
	OpLddw = ClassLd | ModeImm | SizeDW // 0x18 - 64-bit immediate, two slots

	OpLdxw  = ClassLdx | ModeMem | SizeW  // 0x61
	OpLdxh  = ClassLdx | ModeMem | SizeH  // 0x69
	OpLdxb  = ClassLdx | ModeMem | SizeB  // 0x71
	OpLdxdw = ClassLdx | ModeMem | SizeDW // 0x79

	OpStw  = ClassSt | ModeMem | SizeW  // 0x62
	OpSth  = ClassSt | ModeMem | SizeH  // 0x6a
	OpStb  = ClassSt | ModeMem | SizeB  // 0x72
	OpStdw = ClassSt | ModeMem | SizeDW // 0x7a

	OpStxw  = ClassStx | ModeMem | SizeW  // 0x63
	OpStxh  = ClassStx | ModeMem | SizeH  // 0x6b
	OpStxb  = ClassStx | ModeMem | SizeB  // 0x73
	OpStxdw = ClassStx | ModeMem | SizeDW // 0x7b
)

// 64-bit jump opcodes.
const (
	OpJa      = ClassJmp | JmpJa          // 0x05
	OpJeqImm  = ClassJmp | SrcK | JmpJeq  // 0x15
	OpJeqReg  = ClassJmp | SrcX | JmpJeq  // 0x1d
	OpJgtImm  = ClassJmp | SrcK | JmpJgt  // 0x25
	OpJgtReg  = ClassJmp | SrcX | JmpJgt  // 0x2d
	OpJgeImm  = ClassJmp | SrcK | JmpJge  // 0x35
	OpJgeReg  = ClassJmp | SrcX | JmpJge  // 0x3d
	OpJsetImm = ClassJmp | SrcK | JmpJset // 0x45
	OpJsetReg = ClassJmp | SrcX | JmpJset // 0x4d
	OpJneImm  = ClassJmp | SrcK | JmpJne  // 0x55
	OpJneReg  = ClassJmp | SrcX | JmpJne  // 0x5d
	OpJsgtImm = ClassJmp | SrcK | JmpJsgt // 0x65
	OpJsgtReg = ClassJmp | SrcX | JmpJsgt // 0x6d
	OpJsgeImm = ClassJmp | SrcK | JmpJsge // 0x75
	OpJsgeReg = ClassJmp | SrcX | JmpJsge // 0x7d
	OpCall    = ClassJmp | JmpCall        // 0x85
	OpExit    = ClassJmp | JmpExit        // 0x95
	OpJltImm  = ClassJmp | SrcK | JmpJlt  // 0xa5
	OpJltReg  = ClassJmp | SrcX | JmpJlt  // 0xad
	OpJleImm  = ClassJmp | SrcK | JmpJle  // 0xb5
	OpJleReg  = ClassJmp | SrcX | JmpJle  // 0xbd
	OpJsltImm = ClassJmp | SrcK | JmpJslt // 0xc5
	OpJsltReg = ClassJmp | SrcX | JmpJslt // 0xcd
	OpJsleImm = ClassJmp | SrcK | JmpJsle // 0xd5
	OpJsleReg = ClassJmp | SrcX | JmpJsle // 0xdd
)

// 32-bit jump opcodes (compare the low 32 bits).
const (
	OpJeq32Imm  = ClassJmp32 | SrcK | JmpJeq  // 0x16
	OpJeq32Reg  = ClassJmp32 | SrcX | JmpJeq  // 0x1e
	OpJgt32Imm  = ClassJmp32 | SrcK | JmpJgt  // 0x26
	OpJgt32Reg  = ClassJmp32 | SrcX | JmpJgt  // 0x2e
	OpJge32Imm  = ClassJmp32 | SrcK | JmpJge  // 0x36
	OpJge32Reg  = ClassJmp32 | SrcX | JmpJge  // 0x3e
	OpJset32Imm = ClassJmp32 | SrcK | JmpJset // 0x46
	OpJset32Reg = ClassJmp32 | SrcX | JmpJset // 0x4e
	OpJne32Imm  = ClassJmp32 | SrcK | JmpJne  // 0x56
	OpJne32Reg  = ClassJmp32 | SrcX | JmpJne  // 0x5e
	OpJsgt32Imm = ClassJmp32 | SrcK | JmpJsgt // 0x66
	OpJsgt32Reg = ClassJmp32 | SrcX | JmpJsgt // 0x6e
	OpJsge32Imm = ClassJmp32 | SrcK | JmpJsge // 0x76
	OpJsge32Reg = ClassJmp32 | SrcX | JmpJsge // 0x7e
	OpJlt32Imm  = ClassJmp32 | SrcK | JmpJlt  // 0xa6
	OpJlt32Reg  = ClassJmp32 | SrcX | JmpJlt  // 0xae
	OpJle32Imm  = ClassJmp32 | SrcK | JmpJle  // 0xb6
	OpJle32Reg  = ClassJmp32 | SrcX | JmpJle  // 0xbe
	OpJslt32Imm = ClassJmp32 | SrcK | JmpJslt // 0xc6
	OpJslt32Reg = ClassJmp32 | SrcX | JmpJslt // 0xce
	OpJsle32Imm = ClassJmp32 | SrcK | JmpJsle // 0xd6
	OpJsle32Reg = ClassJmp32 | SrcX | JmpJsle // 0xde
)

// Pseudo source-register markers on lddw.
const (
	// PseudoMapRef in the src nibble of an lddw marks the immediate as a
	// map index rewritten by the loader's relocation pass.
	PseudoMapRef = 1

	// PseudoCall in the src nibble of a call makes the immediate a
	// relative instruction offset instead of a helper id.
	PseudoCall = 1
)

// NumRegisters is the size of the register file. R10 is the read-only
// frame pointer.
const NumRegisters = 11

// FramePointer is the index of the read-only frame pointer register.
const FramePointer = 10

// Instruction extracts fields from an encoded 64-bit instruction slot.
type Instruction uint64

// Op returns the opcode (bits 0-7).
func (i Instruction) Op() uint8 { return uint8(i & 0xFF) }

// Dst returns the destination register (bits 8-11).
func (i Instruction) Dst() uint8 { return uint8((i >> 8) & 0x0F) }

// Src returns the source register (bits 12-15).
func (i Instruction) Src() uint8 { return uint8((i >> 12) & 0x0F) }

// Off returns the signed branch/memory offset (bits 16-31).
func (i Instruction) Off() int16 { return int16(i >> 16) }

// Imm returns the signed immediate (bits 32-63).
func (i Instruction) Imm() int32 { return int32(i >> 32) }

// Uimm returns the immediate as unsigned.
func (i Instruction) Uimm() uint32 { return uint32(i >> 32) }

// Class returns the instruction class bits.
func (i Instruction) Class() uint8 { return uint8(i) & 0x07 }

// IsWide reports whether the instruction occupies two slots.
func (i Instruction) IsWide() bool { return i.Op() == OpLddw }

// Encode packs instruction fields into a 64-bit slot.
func Encode(op uint8, dst, src uint8, off int16, imm int32) uint64 {
	return uint64(op) |
		uint64(dst&0x0F)<<8 |
		uint64(src&0x0F)<<12 |
		uint64(uint16(off))<<16 |
		uint64(uint32(imm))<<32
}

// Assembly helpers used by tests and tooling.

// Mov64Imm moves an immediate into dst.
func Mov64Imm(dst uint8, imm int32) uint64 { return Encode(OpMov64Imm, dst, 0, 0, imm) }

// Mov64Reg copies src into dst.
func Mov64Reg(dst, src uint8) uint64 { return Encode(OpMov64Reg, dst, src, 0, 0) }

// Add64Imm adds an immediate to dst.
func Add64Imm(dst uint8, imm int32) uint64 { return Encode(OpAdd64Imm, dst, 0, 0, imm) }

// Add64Reg adds src to dst.
func Add64Reg(dst, src uint8) uint64 { return Encode(OpAdd64Reg, dst, src, 0, 0) }

// Ja jumps unconditionally by off instructions.
func Ja(off int16) uint64 { return Encode(OpJa, 0, 0, off, 0) }

// Exit returns from the current frame, or ends the program.
func Exit() uint64 { return Encode(OpExit, 0, 0, 0, 0) }

// Call invokes the helper with the given id.
func Call(id int32) uint64 { return Encode(OpCall, 0, 0, 0, id) }

// Lddw emits the two slots of a wide 64-bit immediate load.
func Lddw(dst uint8, imm uint64) [2]uint64 {
	return [2]uint64{
		Encode(OpLddw, dst, 0, 0, int32(uint32(imm))),
		Encode(0, 0, 0, 0, int32(uint32(imm>>32))),
	}
}

// LddwMap emits the two slots of a loader-rewritten map reference.
func LddwMap(dst uint8, mapIndex uint32) [2]uint64 {
	return [2]uint64{
		Encode(OpLddw, dst, PseudoMapRef, 0, int32(mapIndex)),
		Encode(0, 0, 0, 0, 0),
	}
}
