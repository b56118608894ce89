package ebpf

import (
	"errors"
	"testing"
)

func run(t *testing.T, text []uint64, input []byte) (uint64, error) {
	t.Helper()
	prog := &Program{Name: "test", Text: text}
	vm := NewVM(prog, DefaultConfig())
	return vm.Run(input)
}

func TestALU64(t *testing.T) {
	tests := []struct {
		name string
		text []uint64
		want uint64
	}{
		{"mov_exit", []uint64{Mov64Imm(0, 42), Exit()}, 42},
		{"add", []uint64{Mov64Imm(0, 40), Add64Imm(0, 2), Exit()}, 42},
		{"add_reg", []uint64{Mov64Imm(0, 40), Mov64Imm(1, 2), Add64Reg(0, 1), Exit()}, 42},
		{"sub_neg", []uint64{Mov64Imm(0, 1), Encode(OpSub64Imm, 0, 0, 0, 3), Exit()}, ^uint64(1)},
		{"mul", []uint64{Mov64Imm(0, 6), Encode(OpMul64Imm, 0, 0, 0, 7), Exit()}, 42},
		{"div", []uint64{Mov64Imm(0, 85), Encode(OpDiv64Imm, 0, 0, 0, 2), Exit()}, 42},
		{"mod", []uint64{Mov64Imm(0, 47), Encode(OpMod64Imm, 0, 0, 0, 5), Exit()}, 2},
		{"neg", []uint64{Mov64Imm(0, 1), Encode(OpNeg64, 0, 0, 0, 0), Exit()}, ^uint64(0)},
		{"and", []uint64{Mov64Imm(0, 0xff), Encode(OpAnd64Imm, 0, 0, 0, 0x0f), Exit()}, 0x0f},
		{"or", []uint64{Mov64Imm(0, 0xf0), Encode(OpOr64Imm, 0, 0, 0, 0x0f), Exit()}, 0xff},
		{"xor", []uint64{Mov64Imm(0, 0xff), Encode(OpXor64Imm, 0, 0, 0, 0x0f), Exit()}, 0xf0},
		{"lsh", []uint64{Mov64Imm(0, 1), Encode(OpLsh64Imm, 0, 0, 0, 4), Exit()}, 16},
		{"rsh", []uint64{Mov64Imm(0, 16), Encode(OpRsh64Imm, 0, 0, 0, 4), Exit()}, 1},
		{"arsh", []uint64{Mov64Imm(0, -16), Encode(OpArsh64Imm, 0, 0, 0, 2), Exit()}, ^uint64(3)},
		{"mov32_truncates", []uint64{
			Lddw(1, 0xdead_beef_cafe_f00d)[0], Lddw(1, 0xdead_beef_cafe_f00d)[1],
			Encode(OpMov32Reg, 0, 1, 0, 0), Exit()}, 0xcafe_f00d},
		{"add32_wraps", []uint64{
			Encode(OpMov32Imm, 0, 0, 0, -1),
			Encode(OpAdd32Imm, 0, 0, 0, 1), Exit()}, 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := run(t, tc.text, nil)
			if err != nil {
				t.Fatalf("run: %v", err)
			}
			if got != tc.want {
				t.Errorf("got %#x, want %#x", got, tc.want)
			}
		})
	}
}

func TestDivisionByZero(t *testing.T) {
	texts := [][]uint64{
		{Mov64Imm(0, 7), Mov64Imm(1, 0), Encode(OpDiv64Reg, 0, 1, 0, 0), Exit()},
		{Mov64Imm(0, 7), Encode(OpDiv64Imm, 0, 0, 0, 0), Exit()},
		{Mov64Imm(0, 7), Mov64Imm(1, 0), Encode(OpMod32Reg, 0, 1, 0, 0), Exit()},
	}
	for _, text := range texts {
		if _, err := run(t, text, nil); !errors.Is(err, ErrDivisionByZero) {
			t.Errorf("got %v, want ErrDivisionByZero", err)
		}
	}
}

func TestLddw(t *testing.T) {
	w := Lddw(0, 0x0102_0304_0506_0708)
	got, err := run(t, []uint64{w[0], w[1], Exit()}, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if got != 0x0102_0304_0506_0708 {
		t.Errorf("got %#x", got)
	}
}

func TestTruncatedLddw(t *testing.T) {
	w := Lddw(0, 1)
	_, err := run(t, []uint64{w[0]}, nil)
	if !errors.Is(err, ErrBadInstruction) {
		t.Errorf("got %v, want ErrBadInstruction", err)
	}
}

func TestByteSwap(t *testing.T) {
	tests := []struct {
		name string
		op   uint8
		bits int32
		in   uint64
		want uint64
	}{
		{"be16", OpBE, 16, 0x1234, 0x3412},
		{"be32", OpBE, 32, 0x12345678, 0x78563412},
		{"be64", OpBE, 64, 0x0102030405060708, 0x0807060504030201},
		{"le16_truncates", OpLE, 16, 0xabcd1234, 0x1234},
		{"le64_identity", OpLE, 64, 0x0102030405060708, 0x0102030405060708},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			w := Lddw(0, tc.in)
			text := []uint64{w[0], w[1], Encode(tc.op, 0, 0, 0, tc.bits), Exit()}
			got, err := run(t, text, nil)
			if err != nil {
				t.Fatalf("run: %v", err)
			}
			if got != tc.want {
				t.Errorf("got %#x, want %#x", got, tc.want)
			}
		})
	}
}

func TestStackLoadStore(t *testing.T) {
	text := []uint64{
		Mov64Imm(1, 0x1122),
		Encode(OpStxdw, FramePointer, 1, -8, 0),
		Encode(OpLdxdw, 0, FramePointer, -8, 0),
		Exit(),
	}
	got, err := run(t, text, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if got != 0x1122 {
		t.Errorf("got %#x", got)
	}
}

func TestInputReadOnly(t *testing.T) {
	text := []uint64{
		Encode(OpStxdw, 1, 1, 0, 0), // write to input region
		Exit(),
	}
	_, err := run(t, text, make([]byte, 16))
	if !errors.Is(err, ErrBadMemoryAccess) {
		t.Errorf("got %v, want ErrBadMemoryAccess", err)
	}
}

func TestInputLoad(t *testing.T) {
	input := []byte{0xef, 0xbe, 0xad, 0xde}
	text := []uint64{
		Encode(OpLdxw, 0, 1, 0, 0),
		Exit(),
	}
	got, err := run(t, text, input)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if got != 0xdeadbeef {
		t.Errorf("got %#x", got)
	}
}

func TestOutOfBoundsLoad(t *testing.T) {
	text := []uint64{
		Encode(OpLdxdw, 0, FramePointer, 0, 0), // past the frame top
		Exit(),
	}
	cfg := DefaultConfig()
	cfg.MaxCallDepth = 1
	vm := NewVM(&Program{Name: "oob", Text: text}, cfg)
	if _, err := vm.Run(nil); !errors.Is(err, ErrBadMemoryAccess) {
		t.Errorf("got %v, want ErrBadMemoryAccess", err)
	}
}

func TestBranchesAndLoop(t *testing.T) {
	// sum 1..10 with a counted loop
	text := []uint64{
		Mov64Imm(0, 0),                       // acc
		Mov64Imm(1, 1),                       // i
		Encode(OpJgtImm, 1, 0, 3, 10),        // if i > 10 goto exit
		Add64Reg(0, 1),                       // acc += i
		Add64Imm(1, 1),                       // i++
		Ja(-4),                               // loop
		Exit(),
	}
	got, err := run(t, text, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if got != 55 {
		t.Errorf("got %d, want 55", got)
	}
}

func TestFuelExhausted(t *testing.T) {
	text := []uint64{
		Ja(-1), // spin forever
	}
	cfg := DefaultConfig()
	cfg.Fuel = 100
	vm := NewVM(&Program{Name: "spin", Text: text}, cfg)
	if _, err := vm.Run(nil); !errors.Is(err, ErrFuelExhausted) {
		t.Errorf("got %v, want ErrFuelExhausted", err)
	}
}

func TestLocalCall(t *testing.T) {
	// main: call f; exit. f: mov r0, 7; exit
	text := []uint64{
		Encode(OpCall, 0, PseudoCall, 0, 1),
		Exit(),
		Mov64Imm(0, 7),
		Exit(),
	}
	got, err := run(t, text, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if got != 7 {
		t.Errorf("got %d, want 7", got)
	}
}

func TestLocalCallPreservesR6R9(t *testing.T) {
	text := []uint64{
		Mov64Imm(6, 11),
		Encode(OpCall, 0, PseudoCall, 0, 2), // call f
		Mov64Reg(0, 6),
		Exit(),
		// f: clobber r6 in callee scope
		Mov64Imm(6, 99),
		Exit(),
	}
	got, err := run(t, text, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if got != 11 {
		t.Errorf("r6 not restored: got %d", got)
	}
}

func TestCallDepthExceeded(t *testing.T) {
	// recurse forever
	text := []uint64{
		Encode(OpCall, 0, PseudoCall, 0, -1),
		Exit(),
	}
	cfg := DefaultConfig()
	cfg.Fuel = 0
	cfg.MaxCallDepth = 4
	vm := NewVM(&Program{Name: "recurse", Text: text}, cfg)
	if _, err := vm.Run(nil); !errors.Is(err, ErrCallDepth) {
		t.Errorf("got %v, want ErrCallDepth", err)
	}
}

func TestUnknownHelper(t *testing.T) {
	text := []uint64{Call(9999), Exit()}
	if _, err := run(t, text, nil); !errors.Is(err, ErrUnknownHelper) {
		t.Errorf("got %v, want ErrUnknownHelper", err)
	}
}

func TestPCOutOfRange(t *testing.T) {
	text := []uint64{Ja(5)}
	if _, err := run(t, text, nil); !errors.Is(err, ErrPCOutOfRange) {
		t.Errorf("got %v, want ErrPCOutOfRange", err)
	}
}

func TestReadOnlyData(t *testing.T) {
	prog := &Program{
		Name: "ro",
		RO:   []byte{0x2a, 0, 0, 0, 0, 0, 0, 0},
		Text: []uint64{
			Lddw(1, VaddrProgram)[0], Lddw(1, VaddrProgram)[1],
			Encode(OpLdxdw, 0, 1, 0, 0),
			Exit(),
		},
	}
	vm := NewVM(prog, DefaultConfig())
	got, err := vm.Run(nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if got != 0x2a {
		t.Errorf("got %#x", got)
	}
}

func TestInstructionFields(t *testing.T) {
	ins := Instruction(Encode(OpJeqImm, 3, 5, -2, -7))
	if ins.Op() != OpJeqImm || ins.Dst() != 3 || ins.Src() != 5 || ins.Off() != -2 || ins.Imm() != -7 {
		t.Errorf("field round-trip failed: %#x", uint64(ins))
	}
}
