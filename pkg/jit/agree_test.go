package jit

import (
	"testing"

	"github.com/pro-utkarshM/axiom-ebpf/pkg/ebpf"
)

func irMemSize(op uint8) int {
	switch op & 0x18 {
	case ebpf.SizeB:
		return 1
	case ebpf.SizeH:
		return 2
	case ebpf.SizeW:
		return 4
	default:
		return 8
	}
}

// runIR executes IR with the semantics each backend lowers it to,
// standing in for native execution where tests cannot map executable
// memory. It covers the subset the backends accept: ALU, wide loads,
// jumps, loads and stores, and exit.
func runIR(t *testing.T, p *Program) uint64 {
	t.Helper()
	var regs [11]uint64
	regs[10] = ebpf.VaddrStack + uint64(p.StackSize)
	mem := make(map[uint64]byte)

	steps := 0
	for pc := 0; pc < len(p.Insns); pc++ {
		if steps++; steps > 1<<16 {
			t.Fatal("evaluation did not terminate")
		}
		in := p.Insns[pc]
		if in.Wide {
			regs[in.Dst] = uint64(in.Imm)
			continue
		}
		cls := in.Op & 0x07
		switch cls {
		case ebpf.ClassAlu, ebpf.ClassAlu64:
			wide := cls == ebpf.ClassAlu64
			src := uint64(in.Imm)
			if in.Op&ebpf.SrcX != 0 {
				src = regs[in.Src]
			}
			d := regs[in.Dst]
			shift := uint64(63)
			if !wide {
				d, src = uint64(uint32(d)), uint64(uint32(src))
				shift = 31
			}
			var out uint64
			switch in.Op & 0xF0 {
			case ebpf.AluAdd:
				out = d + src
			case ebpf.AluSub:
				out = d - src
			case ebpf.AluMul:
				out = d * src
			case ebpf.AluDiv:
				out = d / src
			case ebpf.AluMod:
				out = d % src
			case ebpf.AluOr:
				out = d | src
			case ebpf.AluAnd:
				out = d & src
			case ebpf.AluXor:
				out = d ^ src
			case ebpf.AluLsh:
				out = d << (src & shift)
			case ebpf.AluRsh:
				out = d >> (src & shift)
			case ebpf.AluArsh:
				if wide {
					out = uint64(int64(d) >> (src & shift))
				} else {
					out = uint64(uint32(int32(uint32(d)) >> (src & shift)))
				}
			case ebpf.AluNeg:
				out = -d
			case ebpf.AluMov:
				out = src
			default:
				t.Fatalf("alu op %#02x not lowered", in.Op)
			}
			if !wide {
				out = uint64(uint32(out))
			}
			regs[in.Dst] = out

		case ebpf.ClassJmp, ebpf.ClassJmp32:
			jop := in.Op & 0xF0
			switch jop {
			case ebpf.JmpExit:
				return regs[0]
			case ebpf.JmpJa:
				pc = in.Target - 1
				continue
			case ebpf.JmpCall:
				t.Fatal("helper calls need a host trampoline")
			}
			a, b := regs[in.Dst], uint64(in.Imm)
			if in.Op&ebpf.SrcX != 0 {
				b = regs[in.Src]
			}
			if cls == ebpf.ClassJmp32 {
				a, b = uint64(uint32(a)), uint64(uint32(b))
			}
			sa, sb := int64(a), int64(b)
			if cls == ebpf.ClassJmp32 {
				sa, sb = int64(int32(uint32(a))), int64(int32(uint32(b)))
			}
			taken := false
			switch jop {
			case ebpf.JmpJeq:
				taken = a == b
			case ebpf.JmpJne:
				taken = a != b
			case ebpf.JmpJgt:
				taken = a > b
			case ebpf.JmpJge:
				taken = a >= b
			case ebpf.JmpJlt:
				taken = a < b
			case ebpf.JmpJle:
				taken = a <= b
			case ebpf.JmpJset:
				taken = a&b != 0
			case ebpf.JmpJsgt:
				taken = sa > sb
			case ebpf.JmpJsge:
				taken = sa >= sb
			case ebpf.JmpJslt:
				taken = sa < sb
			case ebpf.JmpJsle:
				taken = sa <= sb
			default:
				t.Fatalf("jump op %#02x not lowered", in.Op)
			}
			if taken {
				pc = in.Target - 1
			}

		case ebpf.ClassSt, ebpf.ClassStx:
			addr := regs[in.Dst] + uint64(int64(in.Off))
			v := uint64(in.Imm)
			if cls == ebpf.ClassStx {
				v = regs[in.Src]
			}
			for i := 0; i < irMemSize(in.Op); i++ {
				mem[addr+uint64(i)] = byte(v >> (8 * i))
			}

		case ebpf.ClassLdx:
			addr := regs[in.Src] + uint64(int64(in.Off))
			var v uint64
			for i := 0; i < irMemSize(in.Op); i++ {
				v |= uint64(mem[addr+uint64(i)]) << (8 * i)
			}
			regs[in.Dst] = v

		default:
			t.Fatalf("op %#02x not lowered", in.Op)
		}
	}
	t.Fatal("fell off the end of the program")
	return 0
}

// TestInterpreterAgreement runs each program through the interpreter
// and through Compile plus the exec-hook seam for every backend, and
// requires identical results.
func TestInterpreterAgreement(t *testing.T) {
	lddw := ebpf.Lddw(3, 0xfeed_face_dead_beef)
	tests := []struct {
		name string
		text []uint64
	}{
		{"alu64_imm_chain", []uint64{
			ebpf.Mov64Imm(0, 1000),
			ebpf.Add64Imm(0, -24),
			ebpf.Encode(ebpf.OpMul64Imm, 0, 0, 0, 3),
			ebpf.Encode(ebpf.OpDiv64Imm, 0, 0, 0, 7),
			ebpf.Encode(ebpf.OpMod64Imm, 0, 0, 0, 100),
			ebpf.Exit(),
		}},
		{"alu64_reg_bitops", []uint64{
			ebpf.Mov64Imm(0, 0x0ff0),
			ebpf.Mov64Imm(1, 0x00ff),
			ebpf.Encode(ebpf.OpAnd64Reg, 0, 1, 0, 0),
			ebpf.Encode(ebpf.OpOr64Imm, 0, 0, 0, 0x1000),
			ebpf.Encode(ebpf.OpXor64Reg, 0, 1, 0, 0),
			ebpf.Exit(),
		}},
		{"shifts", []uint64{
			ebpf.Mov64Imm(0, -16),
			ebpf.Encode(ebpf.OpArsh64Imm, 0, 0, 0, 2),
			ebpf.Encode(ebpf.OpLsh64Imm, 0, 0, 0, 1),
			ebpf.Encode(ebpf.OpRsh64Imm, 0, 0, 0, 3),
			ebpf.Exit(),
		}},
		{"shift_by_reg", []uint64{
			ebpf.Mov64Imm(0, 1),
			ebpf.Mov64Imm(2, 12),
			ebpf.Encode(ebpf.OpLsh64Reg, 0, 2, 0, 0),
			ebpf.Exit(),
		}},
		{"neg", []uint64{
			ebpf.Mov64Imm(0, 9),
			ebpf.Encode(ebpf.OpNeg64, 0, 0, 0, 0),
			ebpf.Exit(),
		}},
		{"alu32_truncation", []uint64{
			lddw[0], lddw[1],
			ebpf.Encode(ebpf.OpMov32Reg, 0, 3, 0, 0),
			ebpf.Encode(ebpf.OpAdd32Imm, 0, 0, 0, 1),
			ebpf.Encode(ebpf.OpArsh32Imm, 0, 0, 0, 4),
			ebpf.Exit(),
		}},
		{"div_mod_reg", []uint64{
			ebpf.Mov64Imm(0, 1234567),
			ebpf.Mov64Imm(1, 321),
			ebpf.Encode(ebpf.OpDiv64Reg, 0, 1, 0, 0),
			ebpf.Encode(ebpf.OpMod64Reg, 0, 1, 0, 0),
			ebpf.Exit(),
		}},
		{"wide_load", []uint64{
			lddw[0], lddw[1],
			ebpf.Mov64Reg(0, 3),
			ebpf.Exit(),
		}},
		{"signed_vs_unsigned_branch", []uint64{
			ebpf.Mov64Imm(0, 0),
			ebpf.Mov64Imm(1, -5),
			ebpf.Encode(ebpf.OpJsgtImm, 1, 0, 1, 0), // signed: not taken
			ebpf.Add64Imm(0, 1),
			ebpf.Encode(ebpf.OpJgtImm, 1, 0, 1, 0), // unsigned: taken
			ebpf.Add64Imm(0, 100),
			ebpf.Exit(),
		}},
		{"jset", []uint64{
			ebpf.Mov64Imm(0, 5),
			ebpf.Encode(ebpf.OpJsetImm, 0, 0, 1, 4), // bit set: taken
			ebpf.Mov64Imm(0, 0),
			ebpf.Exit(),
		}},
		{"jmp32_compare", []uint64{
			lddw[0], lddw[1],
			ebpf.Mov64Imm(0, 1),
			ebpf.Encode(ebpf.OpJeq32Imm, 3, 0, 1, -559038737), // 0xdeadbeef
			ebpf.Mov64Imm(0, 0),
			ebpf.Exit(),
		}},
		{"loop_sum", []uint64{
			ebpf.Mov64Imm(0, 0),
			ebpf.Mov64Imm(1, 1),
			ebpf.Encode(ebpf.OpJgtImm, 1, 0, 3, 10),
			ebpf.Add64Reg(0, 1),
			ebpf.Add64Imm(1, 1),
			ebpf.Ja(-4),
			ebpf.Exit(),
		}},
		{"stack_roundtrip", []uint64{
			ebpf.Mov64Imm(1, 0x11223344),
			ebpf.Encode(ebpf.OpStxdw, ebpf.FramePointer, 1, -8, 0),
			ebpf.Encode(ebpf.OpLdxw, 0, ebpf.FramePointer, -8, 0),
			ebpf.Exit(),
		}},
		{"store_imm", []uint64{
			ebpf.Encode(ebpf.OpStw, ebpf.FramePointer, 0, -4, 77),
			ebpf.Encode(ebpf.OpLdxw, 0, ebpf.FramePointer, -4, 0),
			ebpf.Exit(),
		}},
	}

	c := NewCompiler(true, 512)
	irByFP := map[[32]byte]*Program{}
	exec := func(code *Code, ctx []byte) (uint64, error) {
		p, ok := irByFP[code.Fingerprint]
		if !ok {
			t.Fatal("no recorded lowering for compiled code")
		}
		return runIR(t, p), nil
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			prog := &ebpf.Program{Name: tc.name, Text: tc.text}
			want, err := ebpf.NewVM(prog, ebpf.DefaultConfig()).Run(nil)
			if err != nil {
				t.Fatalf("interpreter: %v", err)
			}
			ir, err := Build(prog)
			if err != nil {
				t.Fatalf("Build: %v", err)
			}
			irByFP[Fingerprint(prog)] = ir
			for _, arch := range []string{"amd64", "arm64"} {
				code, err := c.Compile(prog, arch)
				if err != nil {
					t.Fatalf("%s compile: %v", arch, err)
				}
				got, err := code.Run(exec, nil)
				if err != nil {
					t.Fatalf("%s run: %v", arch, err)
				}
				if got != want {
					t.Errorf("%s: got %#x, interpreter returned %#x", arch, got, want)
				}
			}
		})
	}
}
