// Package verifier proves bytecode safe before it is admitted for
// execution: every register read is preceded by a write, every memory
// access stays inside its referent, helper calls match their
// signatures, and every loop has a provable iteration bound.
//
// The analysis is a single forward pass over basic blocks in address
// order. States meeting at a join point are merged into the least
// permissive common shape. Backward edges are only admitted for
// counted loops whose trip count is statically bounded.
package verifier

import (
	"errors"
	"fmt"
	"math"

	"github.com/pro-utkarshM/axiom-ebpf/pkg/ebpf"
)

var (
	ErrTooLarge           = errors.New("verifier: program too large")
	ErrBadOpcode          = errors.New("verifier: bad opcode")
	ErrMalformedLddw      = errors.New("verifier: malformed wide load")
	ErrBadJumpTarget      = errors.New("verifier: bad jump target")
	ErrFallthrough        = errors.New("verifier: control falls off the program")
	ErrUninitRead         = errors.New("verifier: read of uninitialized register")
	ErrWriteFramePointer  = errors.New("verifier: write to frame pointer")
	ErrOutOfBounds        = errors.New("verifier: memory access out of bounds")
	ErrDivByZeroImm       = errors.New("verifier: division by constant zero")
	ErrInvalidHelper      = errors.New("verifier: invalid helper call")
	ErrLoopBound          = errors.New("verifier: cannot bound loop")
)

// Config bounds the verifier. The engine derives it from the active
// resource profile.
type Config struct {
	MaxInstructions   int // slot count ceiling, 0 = unlimited
	StackSize         int // bytes addressable below the frame pointer
	CtxSize           int // bytes readable through the context pointer
	MaxLoopIterations int // admitted trip count for counted loops
}

// DefaultConfig returns conservative verification bounds.
func DefaultConfig() Config {
	return Config{
		MaxInstructions:   4096,
		StackSize:         512,
		CtxSize:           256,
		MaxLoopIterations: 1024,
	}
}

type verifier struct {
	cfg  Config
	prog *ebpf.Program
	n    int

	pseudo  []bool // second slots of wide loads
	leaders map[int]bool

	entries map[int]*state

	inBody bool // re-scanning a proved loop body with widened counter
}

// Verify checks prog against cfg. A nil return admits the program for
// execution.
func Verify(prog *ebpf.Program, cfg Config) error {
	if cfg.StackSize <= 0 {
		cfg.StackSize = DefaultConfig().StackSize
	}
	if cfg.CtxSize <= 0 {
		cfg.CtxSize = DefaultConfig().CtxSize
	}
	if cfg.MaxLoopIterations <= 0 {
		cfg.MaxLoopIterations = DefaultConfig().MaxLoopIterations
	}
	v := &verifier{
		cfg:     cfg,
		prog:    prog,
		n:       len(prog.Text),
		pseudo:  make([]bool, len(prog.Text)),
		leaders: make(map[int]bool),
		entries: make(map[int]*state),
	}
	if v.n == 0 {
		return fmt.Errorf("%w: empty program", ErrFallthrough)
	}
	if cfg.MaxInstructions > 0 && v.n > cfg.MaxInstructions {
		return fmt.Errorf("%w: %d slots, limit %d", ErrTooLarge, v.n, cfg.MaxInstructions)
	}
	if err := v.structural(); err != nil {
		return err
	}
	return v.simulate()
}

func (v *verifier) ins(i int) ebpf.Instruction { return ebpf.Instruction(v.prog.Text[i]) }

// structural runs the flow-insensitive checks and records block
// leaders.
func (v *verifier) structural() error {
	v.leaders[0] = true
	// mark wide-load second slots first so jump targets can be checked
	// against them in one pass
	for i := 0; i < v.n; i++ {
		if v.pseudo[i] {
			continue
		}
		if v.ins(i).Op() == ebpf.OpLddw && i+1 < v.n {
			v.pseudo[i+1] = true
		}
	}
	for i := 0; i < v.n; i++ {
		if v.pseudo[i] {
			continue
		}
		ins := v.ins(i)
		op := ins.Op()
		if !validOpcode(op) {
			return fmt.Errorf("%w: %#02x at %d", ErrBadOpcode, op, i)
		}
		switch {
		case op == ebpf.OpLddw:
			if i+1 >= v.n {
				return fmt.Errorf("%w: truncated at %d", ErrMalformedLddw, i)
			}
			hi := v.ins(i + 1)
			if hi.Op() != 0 || hi.Dst() != 0 || hi.Src() != 0 || hi.Off() != 0 {
				return fmt.Errorf("%w: bad second slot at %d", ErrMalformedLddw, i+1)
			}
			switch ins.Src() {
			case 0:
			case ebpf.PseudoMapRef:
				if int(ins.Uimm()) >= len(v.prog.Maps) {
					return fmt.Errorf("%w: map index %d of %d at %d",
						ErrMalformedLddw, ins.Uimm(), len(v.prog.Maps), i)
				}
				if hi.Imm() != 0 {
					return fmt.Errorf("%w: map reference with high bits at %d", ErrMalformedLddw, i)
				}
			default:
				return fmt.Errorf("%w: pseudo src %d at %d", ErrMalformedLddw, ins.Src(), i)
			}

		case isDivMod(op) && op&ebpf.SrcX == 0 && ins.Imm() == 0:
			return fmt.Errorf("%w: at %d", ErrDivByZeroImm, i)

		case isJump(op):
			t := i + int(ins.Off()) + 1
			if t < 0 || t >= v.n || v.pseudo[t] {
				return fmt.Errorf("%w: %d -> %d", ErrBadJumpTarget, i, t)
			}
			v.leaders[t] = true
			if i+1 < v.n {
				v.leaders[i+1] = true
			}

		case op == ebpf.OpCall:
			if ins.Src() == ebpf.PseudoCall {
				return fmt.Errorf("%w: local calls are not admitted at %d", ErrInvalidHelper, i)
			}
			if i+1 < v.n {
				v.leaders[i+1] = true
			}

		case op == ebpf.OpExit:
			if i+1 < v.n {
				v.leaders[i+1] = true
			}
		}

		if writesDst(op) && ins.Dst() == ebpf.FramePointer {
			return fmt.Errorf("%w: at %d", ErrWriteFramePointer, i)
		}
	}
	return nil
}

// simulate walks the blocks in address order, tracking register state.
func (v *verifier) simulate() error {
	init := initialState()
	v.entries[0] = &init
	for start := 0; start < v.n; start++ {
		if !v.leaders[start] || v.pseudo[start] {
			continue
		}
		entry, ok := v.entries[start]
		if !ok {
			continue // unreachable block
		}
		if err := v.block(start, *entry); err != nil {
			return err
		}
	}
	return nil
}

// flow propagates st along the edge from..to.
func (v *verifier) flow(from, blockStart, to int, st state) error {
	if to <= from {
		if v.inBody {
			return nil // bound already proved by the enclosing pass
		}
		return v.loop(from, blockStart, to, st)
	}
	if prev, ok := v.entries[to]; ok {
		merged := mergeState(*prev, st)
		v.entries[to] = &merged
	} else {
		v.entries[to] = &st
	}
	return nil
}

func (v *verifier) block(start int, st state) error {
	for pc := start; ; pc++ {
		if pc >= v.n {
			return fmt.Errorf("%w: after %d", ErrFallthrough, v.n-1)
		}
		if pc > start && v.leaders[pc] {
			return v.flow(pc-1, start, pc, st)
		}
		ins := v.ins(pc)
		op := ins.Op()

		switch {
		case op == ebpf.OpExit:
			if st.regs[0].kind == kindUninit {
				return fmt.Errorf("%w: r0 at exit (pc=%d)", ErrUninitRead, pc)
			}
			return nil

		case op == ebpf.OpJa:
			return v.flow(pc, start, pc+int(ins.Off())+1, st)

		case isCondJump(op):
			if err := v.readReg(&st, ins.Dst(), pc); err != nil {
				return err
			}
			if op&ebpf.SrcX != 0 {
				if err := v.readReg(&st, ins.Src(), pc); err != nil {
					return err
				}
			}
			taken, fall := refineBranch(st, ins, op)
			if err := v.flow(pc, start, pc+int(ins.Off())+1, taken); err != nil {
				return err
			}
			st = fall

		case op == ebpf.OpCall:
			if err := v.call(&st, ins, pc); err != nil {
				return err
			}

		case op == ebpf.OpLddw:
			hi := v.ins(pc + 1)
			if ins.Src() == ebpf.PseudoMapRef {
				r := scalarConst(int64(ins.Uimm()))
				r.mapRef = int32(ins.Uimm())
				st.regs[ins.Dst()] = r
			} else {
				imm64 := uint64(ins.Uimm()) | uint64(hi.Uimm())<<32
				st.regs[ins.Dst()] = v.classifyImm64(imm64)
			}
			pc++

		case ins.Class() == ebpf.ClassLdx:
			if err := v.loadStore(&st, ins, pc, false); err != nil {
				return err
			}

		case ins.Class() == ebpf.ClassSt || ins.Class() == ebpf.ClassStx:
			if err := v.loadStore(&st, ins, pc, true); err != nil {
				return err
			}

		default: // ALU
			if err := v.alu(&st, ins, pc); err != nil {
				return err
			}
		}
	}
}

// classifyImm64 types a wide constant. Constants addressing the
// read-only data region become bounded pointers so programs can read
// their own .rodata.
func (v *verifier) classifyImm64(imm uint64) regState {
	if imm&^uint64(0xFFFF_FFFF) == ebpf.VaddrProgram && len(v.prog.RO) > 0 {
		off := int64(imm & 0xFFFF_FFFF)
		return regState{kind: kindPtrRO, omin: off, omax: off, size: int64(len(v.prog.RO)), mapRef: -1}
	}
	return scalarConst(int64(imm))
}

func (v *verifier) readReg(st *state, r uint8, pc int) error {
	if st.regs[r].kind == kindUninit {
		return fmt.Errorf("%w: r%d at pc=%d", ErrUninitRead, r, pc)
	}
	return nil
}

// regionSize returns the referent byte size of a pointer register.
func (v *verifier) regionSize(r regState) int64 {
	switch r.kind {
	case kindPtrStack:
		return int64(v.cfg.StackSize)
	case kindPtrCtx:
		return int64(v.cfg.CtxSize)
	default:
		return r.size
	}
}

// checkAccess proves [off, off+size) through base stays in bounds.
func (v *verifier) checkAccess(base regState, off int64, size int64, write bool, pc int) error {
	if !base.kind.isPointer() {
		return fmt.Errorf("%w: r is %s at pc=%d", ErrOutOfBounds, base.kind, pc)
	}
	if base.nullable {
		return fmt.Errorf("%w: possibly null pointer at pc=%d", ErrOutOfBounds, pc)
	}
	if write && (base.kind == kindPtrCtx || base.kind == kindPtrRO) {
		return fmt.Errorf("%w: write to read-only %s at pc=%d", ErrOutOfBounds, base.kind, pc)
	}
	region := v.regionSize(base)
	lo := base.omin + off
	hi := base.omax + off + size
	// the frame pointer addresses the top of the frame, so stack bytes
	// sit at negative offsets; every other referent starts at its base
	low, high := int64(0), region
	if base.kind == kindPtrStack {
		low, high = -region, 0
	}
	if lo < low || hi > high {
		return fmt.Errorf("%w: [%d,%d) outside %s window [%d,%d) at pc=%d",
			ErrOutOfBounds, lo, hi, base.kind, low, high, pc)
	}
	return nil
}

func (v *verifier) loadStore(st *state, ins ebpf.Instruction, pc int, store bool) error {
	size := int64(memBytes(ins.Op()))
	if store {
		base := st.regs[ins.Dst()]
		if base.kind == kindUninit {
			return fmt.Errorf("%w: r%d at pc=%d", ErrUninitRead, ins.Dst(), pc)
		}
		if ins.Class() == ebpf.ClassStx {
			if err := v.readReg(st, ins.Src(), pc); err != nil {
				return err
			}
		}
		return v.checkAccess(base, int64(ins.Off()), size, true, pc)
	}
	base := st.regs[ins.Src()]
	if base.kind == kindUninit {
		return fmt.Errorf("%w: r%d at pc=%d", ErrUninitRead, ins.Src(), pc)
	}
	if err := v.checkAccess(base, int64(ins.Off()), size, false, pc); err != nil {
		return err
	}
	st.regs[ins.Dst()] = scalarUnknown()
	return nil
}

func memBytes(op uint8) int {
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

func validOpcode(op uint8) bool {
	cls := op & 0x07
	switch cls {
	case ebpf.ClassAlu, ebpf.ClassAlu64:
		aop := op & 0xF0
		if aop > ebpf.AluEnd {
			return false
		}
		if aop == ebpf.AluEnd {
			return cls == ebpf.ClassAlu // byte swaps are 32-bit class only
		}
		if aop == ebpf.AluNeg {
			return op&ebpf.SrcX == 0
		}
		return true
	case ebpf.ClassLd:
		return op == ebpf.OpLddw
	case ebpf.ClassLdx, ebpf.ClassSt, ebpf.ClassStx:
		return op&0x60 == 0x60 // mem mode only
	case ebpf.ClassJmp:
		jop := op & 0xF0
		if jop == ebpf.JmpJa || jop == ebpf.JmpCall || jop == ebpf.JmpExit {
			return op&ebpf.SrcX == 0
		}
		return jop <= ebpf.JmpJsle
	case ebpf.ClassJmp32:
		jop := op & 0xF0
		return jop != ebpf.JmpJa && jop != ebpf.JmpCall && jop != ebpf.JmpExit && jop <= ebpf.JmpJsle
	}
	return false
}

func isDivMod(op uint8) bool {
	cls := op & 0x07
	if cls != ebpf.ClassAlu && cls != ebpf.ClassAlu64 {
		return false
	}
	aop := op & 0xF0
	return aop == ebpf.AluDiv || aop == ebpf.AluMod
}

func isJump(op uint8) bool {
	cls := op & 0x07
	if cls != ebpf.ClassJmp && cls != ebpf.ClassJmp32 {
		return false
	}
	jop := op & 0xF0
	return jop != ebpf.JmpCall && jop != ebpf.JmpExit
}

func isCondJump(op uint8) bool {
	return isJump(op) && op != ebpf.OpJa
}

// writesDst reports whether op writes its dst register.
func writesDst(op uint8) bool {
	switch op & 0x07 {
	case ebpf.ClassAlu, ebpf.ClassAlu64, ebpf.ClassLd, ebpf.ClassLdx:
		return true
	}
	return false
}

func addBounded(a, b int64) (int64, bool) {
	s := a + b
	if (b > 0 && s < a) || (b < 0 && s > a) {
		return 0, false
	}
	return s, true
}

func (v *verifier) alu(st *state, ins ebpf.Instruction, pc int) error {
	op := ins.Op()
	wide := ins.Class() == ebpf.ClassAlu64
	aop := op & 0xF0
	fromReg := op&ebpf.SrcX != 0
	dst := ins.Dst()

	// operand reads
	if aop != ebpf.AluMov {
		if err := v.readReg(st, dst, pc); err != nil {
			return err
		}
	}
	if fromReg && aop != ebpf.AluEnd {
		if err := v.readReg(st, ins.Src(), pc); err != nil {
			return err
		}
	}

	d := st.regs[dst]
	var s regState
	if fromReg {
		s = st.regs[ins.Src()]
	} else {
		s = scalarConst(int64(ins.Imm()))
	}

	switch {
	case aop == ebpf.AluMov:
		if !wide {
			if !fromReg {
				st.regs[dst] = scalarConst(int64(ins.Uimm()))
			} else if st.regs[ins.Src()].kind.isPointer() || st.regs[ins.Src()].kind == kindInvalid {
				st.regs[dst] = invalidReg()
			} else {
				st.regs[dst] = scalarUnknown()
			}
			return nil
		}
		st.regs[dst] = s
		return nil

	case !wide, aop == ebpf.AluEnd:
		// 32-bit results and byte swaps degrade to unknown scalars;
		// pointers do not survive truncation
		if d.kind.isPointer() || d.kind == kindInvalid {
			st.regs[dst] = invalidReg()
		} else {
			st.regs[dst] = scalarUnknown()
		}
		return nil

	case aop == ebpf.AluAdd || aop == ebpf.AluSub:
		st.regs[dst] = addSub(d, s, aop == ebpf.AluSub)
		return nil

	case aop == ebpf.AluAnd:
		if d.kind == kindScalar && !fromReg && ins.Imm() >= 0 {
			r := scalarUnknown()
			r.bounded = true
			r.smin, r.smax = 0, int64(ins.Imm())
			st.regs[dst] = r
			return nil
		}
		fallthrough

	default:
		if d.kind.isPointer() || d.kind == kindInvalid ||
			s.kind.isPointer() || s.kind == kindInvalid {
			st.regs[dst] = invalidReg()
		} else {
			st.regs[dst] = scalarUnknown()
		}
		return nil
	}
}

// addSub models 64-bit pointer and scalar addition.
func addSub(d, s regState, sub bool) regState {
	if d.kind == kindInvalid || s.kind == kindInvalid {
		return invalidReg()
	}
	if d.kind.isPointer() && s.kind.isPointer() {
		if sub {
			return scalarUnknown() // pointer difference
		}
		return invalidReg()
	}
	if d.kind.isPointer() {
		if !s.bounded {
			return invalidReg()
		}
		out := d
		if sub {
			out.omin, out.omax = d.omin-s.smax, d.omax-s.smin
		} else {
			out.omin, out.omax = d.omin+s.smin, d.omax+s.smax
		}
		return out
	}
	if s.kind.isPointer() {
		if sub || !d.bounded {
			return invalidReg()
		}
		out := s
		out.omin, out.omax = s.omin+d.smin, s.omax+d.smax
		return out
	}
	// scalar op scalar
	out := scalarUnknown()
	if d.bounded && s.bounded {
		var lo, hi int64
		var ok1, ok2 bool
		if sub {
			lo, ok1 = addBounded(d.smin, -s.smax)
			hi, ok2 = addBounded(d.smax, -s.smin)
		} else {
			lo, ok1 = addBounded(d.smin, s.smin)
			hi, ok2 = addBounded(d.smax, s.smax)
		}
		if ok1 && ok2 {
			out.bounded, out.smin, out.smax = true, lo, hi
		}
	}
	return out
}

// refineBranch narrows the tracked state along the taken and
// fall-through edges of a conditional jump.
func refineBranch(st state, ins ebpf.Instruction, op uint8) (taken, fall state) {
	taken, fall = st, st
	if op&ebpf.SrcX != 0 || ins.Class() == ebpf.ClassJmp32 {
		// register comparisons and 32-bit compares say nothing exact
		// about full-width values
		return
	}
	d := st.regs[ins.Dst()]
	imm := int64(ins.Imm())
	jop := op & 0xF0

	// null checks split null-or-pointer values
	if d.kind.isPointer() && d.nullable && imm == 0 {
		nonnull := d
		nonnull.nullable = false
		switch jop {
		case ebpf.JmpJeq:
			taken.regs[ins.Dst()] = scalarConst(0)
			fall.regs[ins.Dst()] = nonnull
		case ebpf.JmpJne:
			taken.regs[ins.Dst()] = nonnull
			fall.regs[ins.Dst()] = scalarConst(0)
		}
		return
	}

	if d.kind != kindScalar {
		return
	}
	lo, hi := int64(math.MinInt64), int64(math.MaxInt64)
	if d.bounded {
		lo, hi = d.smin, d.smax
	}
	clamp := func(s *state, nlo, nhi int64) {
		r := scalarUnknown()
		r.bounded, r.smin, r.smax = true, nlo, nhi
		if d.mapRef >= 0 && nlo == nhi && nlo == d.smin {
			r.mapRef = d.mapRef
		}
		s.regs[ins.Dst()] = r
	}
	unsignedOK := imm >= 0 // unsigned compare against a small constant

	switch jop {
	case ebpf.JmpJeq:
		clamp(&taken, imm, imm)
	case ebpf.JmpJne:
		clamp(&fall, imm, imm)
	case ebpf.JmpJsgt:
		clamp(&taken, max64(lo, imm+1), hi)
		clamp(&fall, lo, min64(hi, imm))
	case ebpf.JmpJsge:
		clamp(&taken, max64(lo, imm), hi)
		clamp(&fall, lo, min64(hi, imm-1))
	case ebpf.JmpJslt:
		clamp(&taken, lo, min64(hi, imm-1))
		clamp(&fall, max64(lo, imm), hi)
	case ebpf.JmpJsle:
		clamp(&taken, lo, min64(hi, imm))
		clamp(&fall, max64(lo, imm+1), hi)
	case ebpf.JmpJlt:
		if unsignedOK {
			clamp(&taken, max64(lo, 0), min64(hi, imm-1))
			if lo >= 0 {
				clamp(&fall, max64(lo, imm), hi)
			}
		}
	case ebpf.JmpJle:
		if unsignedOK {
			clamp(&taken, max64(lo, 0), min64(hi, imm))
			if lo >= 0 {
				clamp(&fall, max64(lo, imm+1), hi)
			}
		}
	case ebpf.JmpJgt:
		if unsignedOK {
			if lo >= 0 {
				clamp(&taken, max64(lo, imm+1), hi)
			}
			clamp(&fall, max64(lo, 0), min64(hi, imm))
		}
	case ebpf.JmpJge:
		if unsignedOK {
			if lo >= 0 {
				clamp(&taken, max64(lo, imm), hi)
			}
			clamp(&fall, max64(lo, 0), min64(hi, imm-1))
		}
	}
	return
}
