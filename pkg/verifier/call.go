package verifier

import (
	"fmt"

	"github.com/pro-utkarshM/axiom-ebpf/pkg/ebpf"
	"github.com/pro-utkarshM/axiom-ebpf/pkg/helpers"
)

// call validates a helper invocation against its declared signature
// and applies its effect on the register state.
func (v *verifier) call(st *state, ins ebpf.Instruction, pc int) error {
	id := uint32(ins.Imm())
	sig, ok := helpers.Lookup(id)
	if !ok {
		return fmt.Errorf("%w: id %d at pc=%d", ErrInvalidHelper, id, pc)
	}

	// resolve the map reference and the span of pointer arguments
	mapIdx := int32(-1)
	span := int64(-1)
	spanConst := false
	for i, cls := range sig.Args {
		r := st.regs[i+1]
		switch cls {
		case helpers.ArgMapID:
			if r.kind == kindUninit {
				return fmt.Errorf("%w: r%d at pc=%d", ErrUninitRead, i+1, pc)
			}
			if r.kind != kindScalar || r.mapRef < 0 || int(r.mapRef) >= len(v.prog.Maps) {
				return fmt.Errorf("%w: %s needs a map reference in r%d at pc=%d",
					ErrInvalidHelper, sig.Name, i+1, pc)
			}
			mapIdx = r.mapRef
		case helpers.ArgSize:
			if r.kind == kindUninit {
				return fmt.Errorf("%w: r%d at pc=%d", ErrUninitRead, i+1, pc)
			}
			if r.kind != kindScalar {
				return fmt.Errorf("%w: %s size in r%d is %s at pc=%d",
					ErrInvalidHelper, sig.Name, i+1, r.kind, pc)
			}
			switch {
			case r.bounded && r.smin >= 0:
				span = r.smax
				_, spanConst = r.constValue()
			default:
				return fmt.Errorf("%w: unbounded size in r%d at pc=%d", ErrOutOfBounds, i+1, pc)
			}
		}
	}

	for i, cls := range sig.Args {
		regno := uint8(i + 1)
		r := st.regs[regno]
		if cls != helpers.ArgNone && r.kind == kindUninit {
			return fmt.Errorf("%w: r%d at pc=%d", ErrUninitRead, regno, pc)
		}
		switch cls {
		case helpers.ArgScalar:
			if r.kind != kindScalar {
				return fmt.Errorf("%w: %s wants a scalar in r%d, got %s at pc=%d",
					ErrInvalidHelper, sig.Name, regno, r.kind, pc)
			}
		case helpers.ArgPtrMem:
			want := span
			if want < 0 {
				want = 0 // no size argument: pointer validity only
			}
			if err := v.checkAccess(r, 0, want, false, pc); err != nil {
				return err
			}
		case helpers.ArgPtrMapKey:
			if mapIdx < 0 {
				return fmt.Errorf("%w: %s key without map at pc=%d", ErrInvalidHelper, sig.Name, pc)
			}
			if err := v.checkAccess(r, 0, int64(v.prog.Maps[mapIdx].KeySize), false, pc); err != nil {
				return err
			}
		case helpers.ArgPtrMapValue:
			if mapIdx < 0 {
				return fmt.Errorf("%w: %s value without map at pc=%d", ErrInvalidHelper, sig.Name, pc)
			}
			if err := v.checkAccess(r, 0, int64(v.prog.Maps[mapIdx].ValueSize), false, pc); err != nil {
				return err
			}
		}
	}

	// helpers clobber the caller-saved registers
	for r := 1; r <= 5; r++ {
		st.regs[r] = uninitReg()
	}
	switch sig.Ret {
	case helpers.RetScalar:
		st.regs[0] = scalarUnknown()
	case helpers.RetNullOrMapValue:
		st.regs[0] = regState{
			kind:     kindPtrMapValue,
			size:     int64(v.prog.Maps[mapIdx].ValueSize),
			mapRef:   mapIdx,
			nullable: true,
		}
	case helpers.RetNullOrScratch:
		if sig.RetSizeArg < 1 || span < 0 || !spanConst {
			return fmt.Errorf("%w: %s needs a constant size at pc=%d", ErrInvalidHelper, sig.Name, pc)
		}
		st.regs[0] = regState{
			kind:     kindPtrScratch,
			size:     span,
			mapRef:   -1,
			nullable: true,
		}
	}
	return nil
}
