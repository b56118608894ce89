package verifier

// regKind is the tracked type of one register.
type regKind uint8

const (
	kindUninit regKind = iota
	kindInvalid // result of pointer arithmetic that lost its referent
	kindScalar
	kindPtrStack
	kindPtrCtx
	kindPtrMapValue
	kindPtrScratch
	kindPtrRO
)

func (k regKind) String() string {
	switch k {
	case kindUninit:
		return "uninit"
	case kindInvalid:
		return "invalid"
	case kindScalar:
		return "scalar"
	case kindPtrStack:
		return "ptr_stack"
	case kindPtrCtx:
		return "ptr_ctx"
	case kindPtrMapValue:
		return "ptr_map_value"
	case kindPtrScratch:
		return "ptr_scratch"
	case kindPtrRO:
		return "ptr_rodata"
	}
	return "?"
}

func (k regKind) isPointer() bool {
	switch k {
	case kindPtrStack, kindPtrCtx, kindPtrMapValue, kindPtrScratch, kindPtrRO:
		return true
	}
	return false
}

// regState tracks one register through simulation.
//
// Scalars carry optional signed bounds. Pointers carry an offset range
// relative to the referent start; stack and context referent sizes come
// from the config, map values and scratch carry their own size.
type regState struct {
	kind regKind

	bounded    bool
	smin, smax int64

	omin, omax int64
	size       int64 // referent size for map value / scratch

	mapRef   int32 // map index from a relocated lddw, -1 otherwise
	nullable bool  // pointer may be zero until null-checked
}

func uninitReg() regState  { return regState{kind: kindUninit, mapRef: -1} }
func invalidReg() regState { return regState{kind: kindInvalid, mapRef: -1} }

func scalarUnknown() regState { return regState{kind: kindScalar, mapRef: -1} }

func scalarConst(v int64) regState {
	return regState{kind: kindScalar, bounded: true, smin: v, smax: v, mapRef: -1}
}

// constValue reports the register's statically known value.
func (r regState) constValue() (int64, bool) {
	if r.kind == kindScalar && r.bounded && r.smin == r.smax {
		return r.smin, true
	}
	return 0, false
}

// state is the register file snapshot at one program point.
type state struct {
	regs [numRegs]reg
}

const numRegs = 11

type reg = regState

func initialState() state {
	var s state
	for i := range s.regs {
		s.regs[i] = uninitReg()
	}
	s.regs[1] = regState{kind: kindPtrCtx, mapRef: -1}
	s.regs[10] = regState{kind: kindPtrStack, mapRef: -1}
	return s
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

// mergeReg joins two register states at a control-flow merge point into
// the least permissive common shape: conflicting kinds degrade to
// invalid (or uninit when either side is uninit), scalar bounds widen,
// pointer offset ranges widen, nullability is sticky.
func mergeReg(a, b regState) regState {
	if a.kind == kindUninit || b.kind == kindUninit {
		return uninitReg()
	}
	if a.kind != b.kind {
		return invalidReg()
	}
	switch a.kind {
	case kindInvalid:
		return invalidReg()
	case kindScalar:
		out := scalarUnknown()
		if a.bounded && b.bounded {
			out.bounded = true
			out.smin = min64(a.smin, b.smin)
			out.smax = max64(a.smax, b.smax)
		}
		if a.mapRef == b.mapRef {
			out.mapRef = a.mapRef
		}
		return out
	default: // pointers
		if a.kind == kindPtrMapValue && a.mapRef != b.mapRef {
			return invalidReg()
		}
		if a.size != b.size {
			return invalidReg()
		}
		out := a
		out.omin = min64(a.omin, b.omin)
		out.omax = max64(a.omax, b.omax)
		out.nullable = a.nullable || b.nullable
		return out
	}
}

func mergeState(a, b state) state {
	var out state
	for i := range out.regs {
		out.regs[i] = mergeReg(a.regs[i], b.regs[i])
	}
	return out
}

// sameShape reports whether b fits inside a without changing any kind
// or widening any pointer range. Scalar bound widening passes for the
// register named by skip (the proved loop counter, -1 for none).
func sameShape(a, b state, skip int) bool {
	for i := range a.regs {
		ra, rb := a.regs[i], b.regs[i]
		if ra.kind != rb.kind {
			// a previously uninit register may be anything now; the
			// recorded state never read it
			if ra.kind == kindUninit {
				continue
			}
			return false
		}
		if ra.kind.isPointer() {
			if rb.omin < ra.omin || rb.omax > ra.omax {
				return false
			}
			if !ra.nullable && rb.nullable {
				return false
			}
			if ra.kind == kindPtrMapValue && ra.mapRef != rb.mapRef {
				return false
			}
		}
		if ra.kind == kindScalar && i != skip {
			if ra.bounded {
				if !rb.bounded || rb.smin < ra.smin || rb.smax > ra.smax {
					return false
				}
			}
		}
	}
	return true
}
