package verifier

import (
	"fmt"

	"github.com/pro-utkarshM/axiom-ebpf/pkg/ebpf"
)

// loop admits a backward edge only for the counted-loop shape: a
// conditional jump against a constant limit whose destination register
// is a counter that starts at a known constant and is stepped by a
// single constant add or sub inside the body. The proved trip count
// must fit the configured bound and the register file must return to
// the loop head in the same shape it entered with.
func (v *verifier) loop(from, blockStart, target int, st state) error {
	ins := v.ins(from)
	if !isCondJump(ins.Op()) {
		return fmt.Errorf("%w: unconditional backward jump %d -> %d", ErrLoopBound, from, target)
	}
	if ins.Op()&ebpf.SrcX != 0 {
		return fmt.Errorf("%w: loop limit must be a constant at %d", ErrLoopBound, from)
	}
	counter := ins.Dst()

	head, ok := v.entries[target]
	if !ok {
		return fmt.Errorf("%w: loop head %d unreachable", ErrLoopBound, target)
	}
	init, ok := head.regs[counter].constValue()
	if !ok {
		return fmt.Errorf("%w: counter r%d not constant at loop head %d", ErrLoopBound, counter, target)
	}

	// the body must step the counter exactly once by a constant
	step := int64(0)
	stepped := false
	for i := target; i <= from; i++ {
		if v.pseudo[i] {
			continue
		}
		bi := v.ins(i)
		op := bi.Op()
		if op == ebpf.OpCall && counter <= 5 {
			return fmt.Errorf("%w: counter r%d clobbered by call at %d", ErrLoopBound, counter, i)
		}
		if !writesDst(op) || bi.Dst() != counter {
			continue
		}
		switch op {
		case ebpf.OpAdd64Imm:
			if stepped {
				return fmt.Errorf("%w: counter r%d stepped twice at %d", ErrLoopBound, counter, i)
			}
			step, stepped = int64(bi.Imm()), true
		case ebpf.OpSub64Imm:
			if stepped {
				return fmt.Errorf("%w: counter r%d stepped twice at %d", ErrLoopBound, counter, i)
			}
			step, stepped = -int64(bi.Imm()), true
		default:
			return fmt.Errorf("%w: counter r%d rewritten at %d", ErrLoopBound, counter, i)
		}
	}
	if !stepped || step == 0 {
		return fmt.Errorf("%w: counter r%d never stepped", ErrLoopBound, counter)
	}

	limit := int64(ins.Imm())
	dist := limit - init
	if (dist > 0) != (step > 0) && dist != 0 {
		return fmt.Errorf("%w: counter r%d steps away from limit", ErrLoopBound, counter)
	}
	trips := dist / step
	if trips < 0 {
		trips = -trips
	}
	trips++
	if v.cfg.MaxLoopIterations > 0 && trips > int64(v.cfg.MaxLoopIterations) {
		return fmt.Errorf("%w: %d iterations, limit %d", ErrLoopBound, trips, v.cfg.MaxLoopIterations)
	}

	if !sameShape(*head, st, int(counter)) {
		return fmt.Errorf("%w: register state changes across iterations at %d", ErrLoopBound, from)
	}

	// The forward pass checked the body with the counter at its initial
	// value only. Re-check every access with the counter widened to the
	// values it takes at the loop head, so arithmetic derived from it is
	// proved over the whole range.
	wlo, whi := min64(init, limit), max64(init, limit)
	switch ins.Op() & 0xF0 {
	case ebpf.JmpJslt, ebpf.JmpJlt:
		whi = max64(wlo, whi-1)
	case ebpf.JmpJsgt, ebpf.JmpJgt:
		wlo = min64(whi, wlo+1)
	}
	wide := *head
	r := scalarUnknown()
	r.bounded, r.smin, r.smax = true, wlo, whi
	wide.regs[counter] = r
	return v.checkBody(target, from, wide)
}

// checkBody re-simulates the blocks of [head, tail] from a widened
// entry state. Backward edges are accepted as already proved; edges
// leaving the body carry states the main pass has covered.
func (v *verifier) checkBody(head, tail int, entry state) error {
	sub := &verifier{
		cfg:     v.cfg,
		prog:    v.prog,
		n:       v.n,
		pseudo:  v.pseudo,
		leaders: v.leaders,
		entries: map[int]*state{head: &entry},
		inBody:  true,
	}
	for start := head; start <= tail; start++ {
		if !sub.leaders[start] || sub.pseudo[start] {
			continue
		}
		st, ok := sub.entries[start]
		if !ok {
			continue
		}
		if err := sub.block(start, *st); err != nil {
			return err
		}
	}
	return nil
}
