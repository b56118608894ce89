package ebpf

import (
	"fmt"
	"strings"
)

var aluNames = map[uint8]string{
	AluAdd:  "add",
	AluSub:  "sub",
	AluMul:  "mul",
	AluDiv:  "div",
	AluOr:   "or",
	AluAnd:  "and",
	AluLsh:  "lsh",
	AluRsh:  "rsh",
	AluNeg:  "neg",
	AluMod:  "mod",
	AluXor:  "xor",
	AluMov:  "mov",
	AluArsh: "arsh",
}

var jmpNames = map[uint8]string{
	JmpJeq:  "jeq",
	JmpJgt:  "jgt",
	JmpJge:  "jge",
	JmpJset: "jset",
	JmpJne:  "jne",
	JmpJsgt: "jsgt",
	JmpJsge: "jsge",
	JmpJlt:  "jlt",
	JmpJle:  "jle",
	JmpJslt: "jslt",
	JmpJsle: "jsle",
}

func sizeSuffix(op uint8) string {
	switch op & 0x18 {
	case SizeB:
		return "b"
	case SizeH:
		return "h"
	case SizeW:
		return "w"
	default:
		return "dw"
	}
}

// String renders the instruction in a compact assembly-like form. Wide
// loads render their first slot only; use Disassemble for paired slots.
func (i Instruction) String() string {
	op := i.Op()
	dst, src := i.Dst(), i.Src()
	off, imm := i.Off(), i.Imm()

	switch i.Class() {
	case ClassAlu, ClassAlu64:
		suffix := ""
		if i.Class() == ClassAlu {
			suffix = "32"
		}
		aop := op & 0xF0
		if aop == AluEnd {
			if op&SrcX != 0 {
				return fmt.Sprintf("be%d r%d", imm, dst)
			}
			return fmt.Sprintf("le%d r%d", imm, dst)
		}
		name, ok := aluNames[aop]
		if !ok {
			return fmt.Sprintf("invalid(%#02x)", op)
		}
		if aop == AluNeg {
			return fmt.Sprintf("%s%s r%d", name, suffix, dst)
		}
		if op&SrcX != 0 {
			return fmt.Sprintf("%s%s r%d, r%d", name, suffix, dst, src)
		}
		return fmt.Sprintf("%s%s r%d, %d", name, suffix, dst, imm)

	case ClassJmp, ClassJmp32:
		switch op {
		case OpJa:
			return fmt.Sprintf("ja %+d", off)
		case OpCall:
			if src == PseudoCall {
				return fmt.Sprintf("call %+d", imm)
			}
			return fmt.Sprintf("call %d", imm)
		case OpExit:
			return "exit"
		}
		suffix := ""
		if i.Class() == ClassJmp32 {
			suffix = "32"
		}
		name, ok := jmpNames[op&0xF0]
		if !ok {
			return fmt.Sprintf("invalid(%#02x)", op)
		}
		if op&SrcX != 0 {
			return fmt.Sprintf("%s%s r%d, r%d, %+d", name, suffix, dst, src, off)
		}
		return fmt.Sprintf("%s%s r%d, %d, %+d", name, suffix, dst, imm, off)

	case ClassLd:
		if op == OpLddw {
			if src == PseudoMapRef {
				return fmt.Sprintf("lddw r%d, map[%d]", dst, imm)
			}
			return fmt.Sprintf("lddw r%d, %d", dst, imm)
		}
		return fmt.Sprintf("invalid(%#02x)", op)

	case ClassLdx:
		return fmt.Sprintf("ldx%s r%d, [r%d%+d]", sizeSuffix(op), dst, src, off)

	case ClassSt:
		return fmt.Sprintf("st%s [r%d%+d], %d", sizeSuffix(op), dst, off, imm)

	case ClassStx:
		return fmt.Sprintf("stx%s [r%d%+d], r%d", sizeSuffix(op), dst, off, src)
	}
	return fmt.Sprintf("invalid(%#02x)", op)
}

// Disassemble renders every instruction in text, one line per slot
// pair, folding wide-load immediates. Meant for diagnostics; invalid
// slots render as invalid(..) rather than failing.
func Disassemble(text []uint64) string {
	var b strings.Builder
	for pc := 0; pc < len(text); pc++ {
		ins := Instruction(text[pc])
		if ins.IsWide() && pc+1 < len(text) {
			hi := Instruction(text[pc+1])
			full := int64(uint64(ins.Uimm()) | uint64(hi.Uimm())<<32)
			if ins.Src() == PseudoMapRef {
				fmt.Fprintf(&b, "%4d: lddw r%d, map[%d]\n", pc, ins.Dst(), ins.Imm())
			} else {
				fmt.Fprintf(&b, "%4d: lddw r%d, %d\n", pc, ins.Dst(), full)
			}
			pc++
			continue
		}
		fmt.Fprintf(&b, "%4d: %s\n", pc, ins)
	}
	return b.String()
}
