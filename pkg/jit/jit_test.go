package jit

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/pro-utkarshM/axiom-ebpf/pkg/ebpf"
)

func testProg(text ...uint64) *ebpf.Program {
	return &ebpf.Program{Name: "t", Text: text}
}

func TestBuildFoldsWideLoads(t *testing.T) {
	lddw := ebpf.Lddw(1, 0x1122334455667788)
	p, err := Build(testProg(lddw[0], lddw[1], ebpf.Exit()))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(p.Insns) != 2 {
		t.Fatalf("insns = %d, want 2", len(p.Insns))
	}
	if !p.Insns[0].Wide || uint64(p.Insns[0].Imm) != 0x1122334455667788 {
		t.Errorf("folded wide load = %+v", p.Insns[0])
	}
}

func TestBuildResolvesJumpTargets(t *testing.T) {
	lddw := ebpf.Lddw(1, 7)
	// jump over the two-slot wide load: slot offsets count slots, IR
	// targets count IR entries
	p, err := Build(testProg(
		ebpf.Ja(2),
		lddw[0], lddw[1],
		ebpf.Exit(),
	))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if p.Insns[0].Target != 2 {
		t.Errorf("jump target = %d, want IR index 2", p.Insns[0].Target)
	}
}

func TestBuildRejectsLocalCall(t *testing.T) {
	_, err := Build(testProg(
		ebpf.Encode(ebpf.OpCall, 0, ebpf.PseudoCall, 0, 1),
		ebpf.Exit(),
	))
	if !errors.Is(err, ErrUnsupported) {
		t.Errorf("err = %v, want %v", err, ErrUnsupported)
	}
}

func TestBuildRejectsTruncatedWideLoad(t *testing.T) {
	lddw := ebpf.Lddw(1, 7)
	_, err := Build(testProg(lddw[0]))
	if !errors.Is(err, ErrUnsupported) {
		t.Errorf("err = %v, want %v", err, ErrUnsupported)
	}
}

// Emitter byte tests against known-good encodings.

func TestX64MovReg(t *testing.T) {
	e := &x64Emitter{}
	e.movReg(rax, rbx, true)
	// MOV RAX, RBX = REX.W 89 /r
	if !bytes.Equal(e.code, []byte{0x48, 0x89, 0xD8}) {
		t.Errorf("bytes = % x, want 48 89 d8", e.code)
	}
}

func TestX64AddReg(t *testing.T) {
	e := &x64Emitter{}
	e.aluReg(0x01, rax, rcx, true)
	// ADD RAX, RCX = REX.W 01 /r
	if !bytes.Equal(e.code, []byte{0x48, 0x01, 0xC8}) {
		t.Errorf("bytes = % x, want 48 01 c8", e.code)
	}
}

func TestX64MovImm64(t *testing.T) {
	e := &x64Emitter{}
	e.movImm64(rdi, 0x1122334455667788)
	want := []byte{0x48, 0xBF, 0x88, 0x77, 0x66, 0x55, 0x44, 0x33, 0x22, 0x11}
	if !bytes.Equal(e.code, want) {
		t.Errorf("bytes = % x, want % x", e.code, want)
	}
}

func TestX64ExtendedRegisters(t *testing.T) {
	e := &x64Emitter{}
	e.movReg(r13, r14, true)
	// MOV R13, R14 = REX.WRB 89 /r
	if !bytes.Equal(e.code, []byte{0x4D, 0x89, 0xF5}) {
		t.Errorf("bytes = % x, want 4d 89 f5", e.code)
	}
}

func TestX64PushPop(t *testing.T) {
	e := &x64Emitter{}
	e.push(rbp)
	e.push(r13)
	e.pop(r13)
	e.pop(rbp)
	want := []byte{0x55, 0x41, 0x55, 0x41, 0x5D, 0x5D}
	if !bytes.Equal(e.code, want) {
		t.Errorf("bytes = % x, want % x", e.code, want)
	}
}

func TestX64Load32ZeroExtends(t *testing.T) {
	e := &x64Emitter{}
	e.load(rax, rdi, 0, ebpf.SizeW)
	// MOV EAX, [RDI] - no REX, 8B /r
	if !bytes.Equal(e.code, []byte{0x8B, 0x07}) {
		t.Errorf("bytes = % x, want 8b 07", e.code)
	}
}

func TestX64StoreWithDisplacement(t *testing.T) {
	e := &x64Emitter{}
	e.store(rbp, -8, rax, ebpf.SizeDW)
	// MOV [RBP-8], RAX = REX.W 89 45 F8
	if !bytes.Equal(e.code, []byte{0x48, 0x89, 0x45, 0xF8}) {
		t.Errorf("bytes = % x, want 48 89 45 f8", e.code)
	}
}

func TestAmd64CompileReturnsCode(t *testing.T) {
	p, err := Build(testProg(
		ebpf.Mov64Imm(0, 42),
		ebpf.Exit(),
	))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	code, err := compileAmd64(p)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if len(code.Bytes) == 0 || len(code.Offsets) != 2 {
		t.Errorf("code = %d bytes, %d offsets", len(code.Bytes), len(code.Offsets))
	}
	// code must end in RET
	if code.Bytes[len(code.Bytes)-1] != 0xC3 {
		t.Errorf("last byte = %#x, want ret", code.Bytes[len(code.Bytes)-1])
	}
}

func TestAmd64JumpPatching(t *testing.T) {
	p, err := Build(testProg(
		ebpf.Mov64Imm(0, 1),
		ebpf.Ja(1),
		ebpf.Mov64Imm(0, 2),
		ebpf.Exit(),
	))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	code, err := compileAmd64(p)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	// the JMP rel32 sits at Offsets[1]; displacement must land the
	// instruction pointer on Offsets[3]
	jmpOff := code.Offsets[1]
	if code.Bytes[jmpOff] != 0xE9 {
		t.Fatalf("opcode at jump = %#x, want e9", code.Bytes[jmpOff])
	}
	rel := int32(binary.LittleEndian.Uint32(code.Bytes[jmpOff+1:]))
	if got := jmpOff + 5 + int(rel); got != code.Offsets[3] {
		t.Errorf("jump lands at %d, want %d", got, code.Offsets[3])
	}
}

func TestAmd64HelperCallSite(t *testing.T) {
	p, err := Build(testProg(
		ebpf.Call(5),
		ebpf.Exit(),
	))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	code, err := compileAmd64(p)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if len(code.CallSites) != 1 || code.CallSites[0].Helper != 5 {
		t.Fatalf("call sites = %+v", code.CallSites)
	}
	// the byte before the displacement is CALL rel32
	if op := code.Bytes[code.CallSites[0].Offset-1]; op != 0xE8 {
		t.Errorf("opcode = %#x, want e8", op)
	}
}

func TestAmd64ByteSwapUnsupported(t *testing.T) {
	p, err := Build(testProg(
		ebpf.Encode(ebpf.OpBE, 0, 0, 0, 64),
		ebpf.Exit(),
	))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if _, err := compileAmd64(p); !errors.Is(err, ErrUnsupported) {
		t.Errorf("err = %v, want %v", err, ErrUnsupported)
	}
}

func TestA64MovImm(t *testing.T) {
	e := &a64Emitter{}
	e.movImm(0, 42)
	// MOVZ X0, #42
	want := uint32(0xD2800540)
	if got := binary.LittleEndian.Uint32(e.code); got != want {
		t.Errorf("word = %#08x, want %#08x", got, want)
	}
}

func TestA64MovImmMultiChunk(t *testing.T) {
	e := &a64Emitter{}
	e.movImm(9, 0x0001_0000_0000_0002)
	// MOVZ X9, #2 ; MOVK X9, #1, LSL #48
	if len(e.code) != 8 {
		t.Fatalf("len = %d, want 8", len(e.code))
	}
	if got := binary.LittleEndian.Uint32(e.code); got != 0xD2800049 {
		t.Errorf("movz = %#08x", got)
	}
	if got := binary.LittleEndian.Uint32(e.code[4:]); got != 0xF2E00029 {
		t.Errorf("movk = %#08x", got)
	}
}

func TestA64MovRegAndRet(t *testing.T) {
	e := &a64Emitter{}
	e.movReg(0, 7, true)
	e.ret()
	if got := binary.LittleEndian.Uint32(e.code); got != 0xAA0703E0 {
		t.Errorf("mov = %#08x, want aa0703e0", got)
	}
	if got := binary.LittleEndian.Uint32(e.code[4:]); got != 0xD65F03C0 {
		t.Errorf("ret = %#08x, want d65f03c0", got)
	}
}

func TestA64Prologue(t *testing.T) {
	e := &a64Emitter{stackSize: 512}
	e.prologue()
	want := []uint32{
		0xA9BF53F3, // stp x19, x20, [sp, #-16]!
		0xA9BF5BF5, // stp x21, x22, [sp, #-16]!
		0xA9BF7BF9, // stp x25, x30, [sp, #-16]!
		0xD10803FF, // sub sp, sp, #0x200
		0x910003F9, // mov x25, sp
	}
	for i, w := range want {
		if got := binary.LittleEndian.Uint32(e.code[i*4:]); got != w {
			t.Errorf("word %d = %#08x, want %#08x", i, got, w)
		}
	}
}

func TestA64LargeFrame(t *testing.T) {
	e := &a64Emitter{stackSize: 4096}
	e.adjustSP(0xD10003FF, e.stackSize)
	// sub sp, sp, #1, lsl #12
	if got := binary.LittleEndian.Uint32(e.code); got != 0xD14007FF {
		t.Errorf("word = %#08x, want d14007ff", got)
	}
}

func TestA64BranchPatching(t *testing.T) {
	p, err := Build(testProg(
		ebpf.Ja(1),
		ebpf.Mov64Imm(0, 2),
		ebpf.Exit(),
	))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	code, err := compileArm64(p)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	bOff := code.Offsets[0]
	word := binary.LittleEndian.Uint32(code.Bytes[bOff:])
	if word>>26 != 0x05 {
		t.Fatalf("opcode = %#08x, want B", word)
	}
	rel := int32(word<<6) >> 6 // sign-extend imm26
	if got := bOff + int(rel)*4; got != code.Offsets[2] {
		t.Errorf("branch lands at %d, want %d", got, code.Offsets[2])
	}
}

func TestCompilerCache(t *testing.T) {
	c := NewCompiler(true, 512)
	prog := testProg(ebpf.Mov64Imm(0, 42), ebpf.Exit())

	first, err := c.Compile(prog, "amd64")
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	second, err := c.Compile(prog, "amd64")
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if first != second {
		t.Error("identical text not served from cache")
	}
	if c.CacheLen() != 1 {
		t.Errorf("cache len = %d, want 1", c.CacheLen())
	}

	if _, err := c.Compile(prog, "arm64"); err != nil {
		t.Fatalf("arm64 compile: %v", err)
	}
	if c.CacheLen() != 2 {
		t.Errorf("cache len = %d, want 2", c.CacheLen())
	}
}

func TestCompilerDisabled(t *testing.T) {
	c := NewCompiler(false, 512)
	_, err := c.Compile(testProg(ebpf.Exit()), "amd64")
	if !errors.Is(err, ErrJITDisabled) {
		t.Errorf("err = %v, want %v", err, ErrJITDisabled)
	}
}

func TestCompilerUnknownArch(t *testing.T) {
	c := NewCompiler(true, 512)
	_, err := c.Compile(testProg(ebpf.Exit()), "riscv64")
	if !errors.Is(err, ErrUnknownArch) {
		t.Errorf("err = %v, want %v", err, ErrUnknownArch)
	}
}

func TestCodeRunWithoutExecHook(t *testing.T) {
	code := &Code{}
	if _, err := code.Run(nil, nil); !errors.Is(err, ErrNoExecHook) {
		t.Errorf("err = %v, want %v", err, ErrNoExecHook)
	}
}

func TestFingerprintChangesWithText(t *testing.T) {
	a := Fingerprint(testProg(ebpf.Mov64Imm(0, 1), ebpf.Exit()))
	b := Fingerprint(testProg(ebpf.Mov64Imm(0, 2), ebpf.Exit()))
	if a == b {
		t.Error("distinct programs share a fingerprint")
	}
	if a != Fingerprint(testProg(ebpf.Mov64Imm(0, 1), ebpf.Exit())) {
		t.Error("fingerprint not deterministic")
	}
}
