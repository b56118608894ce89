package jit

import (
	"fmt"

	"github.com/pro-utkarshM/axiom-ebpf/pkg/ebpf"
)

// Insn is one IR instruction. Wide loads are folded into a single
// entry carrying the full 64-bit immediate; jump offsets are resolved
// to IR indices so backends never re-count slots.
type Insn struct {
	Op  uint8
	Dst uint8
	Src uint8
	// Off is the raw memory displacement for loads and stores.
	Off int16
	// Target is the IR index a jump lands on, -1 for non-jumps.
	Target int
	// Imm is the folded 64-bit immediate for wide loads, otherwise
	// the sign-extended 32-bit immediate.
	Imm int64
	// Wide marks a folded 64-bit immediate load.
	Wide bool
}

// Program is the backend-independent form of a verified program.
type Program struct {
	Insns []Insn
	// StackSize is the frame the prologue must reserve.
	StackSize int
}

// Build decodes verified program text into IR. It assumes the program
// already passed verification and rejects only what no backend can
// represent.
func Build(prog *ebpf.Program) (*Program, error) {
	text := prog.Text
	// slot index -> IR index, for jump target resolution
	irIndex := make([]int, len(text))
	for i := range irIndex {
		irIndex[i] = -1
	}

	out := &Program{Insns: make([]Insn, 0, len(text)), StackSize: 512}
	type pendingJump struct {
		ir   int
		slot int
	}
	var jumps []pendingJump

	for i := 0; i < len(text); i++ {
		ins := ebpf.Instruction(text[i])
		irIndex[i] = len(out.Insns)

		if ins.IsWide() {
			if i+1 >= len(text) {
				return nil, fmt.Errorf("%w: truncated wide load", ErrUnsupported)
			}
			hi := ebpf.Instruction(text[i+1])
			imm := int64(uint64(ins.Uimm()) | uint64(hi.Uimm())<<32)
			out.Insns = append(out.Insns, Insn{
				Op: ins.Op(), Dst: ins.Dst(), Imm: imm, Target: -1, Wide: true,
			})
			i++
			continue
		}

		insn := Insn{
			Op:     ins.Op(),
			Dst:    ins.Dst(),
			Src:    ins.Src(),
			Off:    ins.Off(),
			Imm:    int64(ins.Imm()),
			Target: -1,
		}

		if ins.Op() == ebpf.OpCall && ins.Src() == ebpf.PseudoCall {
			// local calls never pass verification; no backend emits them
			return nil, fmt.Errorf("%w: local call", ErrUnsupported)
		}

		if isIRJump(ins.Op()) {
			target := i + int(ins.Off()) + 1
			if target < 0 || target >= len(text) {
				return nil, fmt.Errorf("%w: jump target %d", ErrUnsupported, target)
			}
			jumps = append(jumps, pendingJump{ir: len(out.Insns), slot: target})
		}
		out.Insns = append(out.Insns, insn)
	}

	for _, j := range jumps {
		target := irIndex[j.slot]
		if target < 0 {
			return nil, fmt.Errorf("%w: jump into wide load", ErrUnsupported)
		}
		out.Insns[j.ir].Target = target
	}
	return out, nil
}

func isIRJump(op uint8) bool {
	class := op & 0x07
	if class != ebpf.ClassJmp && class != ebpf.ClassJmp32 {
		return false
	}
	switch op & 0xf0 {
	case ebpf.JmpCall, ebpf.JmpExit:
		return false
	}
	return true
}
