package ebpf

import "fmt"

// Per-instruction fuel costs. Costs are charged before the instruction
// executes so a fault still accounts for the attempt.
const (
	CostAlu   = 1
	CostMul   = 4
	CostDiv   = 12
	CostMem   = 2
	CostLddw  = 2
	CostJump  = 1
	CostCall  = 5
	CostExit  = 1
)

// Meter tracks remaining fuel for one execution. A zero budget means
// unmetered execution.
type Meter struct {
	remaining uint64
	unlimited bool
}

// NewMeter returns a meter with the given fuel budget. budget==0
// disables metering.
func NewMeter(budget uint64) *Meter {
	return &Meter{remaining: budget, unlimited: budget == 0}
}

// Consume charges n fuel units.
func (m *Meter) Consume(n uint64) error {
	if m.unlimited {
		return nil
	}
	if n > m.remaining {
		m.remaining = 0
		return fmt.Errorf("%w: needed %d", ErrFuelExhausted, n)
	}
	m.remaining -= n
	return nil
}

// Remaining returns the unspent fuel.
func (m *Meter) Remaining() uint64 { return m.remaining }

// cost returns the fuel charge for an opcode.
func cost(op uint8) uint64 {
	switch op & 0x07 {
	case ClassAlu, ClassAlu64:
		switch op & 0xF0 {
		case AluMul:
			return CostMul
		case AluDiv, AluMod:
			return CostDiv
		}
		return CostAlu
	case ClassLd:
		return CostLddw
	case ClassLdx, ClassSt, ClassStx:
		return CostMem
	case ClassJmp, ClassJmp32:
		switch op & 0xF0 {
		case JmpCall:
			return CostCall
		case JmpExit:
			return CostExit
		}
		return CostJump
	}
	return CostAlu
}
