package attach

import "encoding/binary"

// Event is one occurrence delivered by an event source. Context
// renders the fixed little-endian struct a program reads from its
// input region; Matches reports whether a registered point should see
// this occurrence.
type Event interface {
	Kind() Type
	Time() uint64
	Context() []byte
	Matches(p Point) bool
}

// TimerEvent fires for every timer attachment.
type TimerEvent struct {
	Timestamp   uint64
	Expirations uint64
}

func (e TimerEvent) Kind() Type   { return TypeTimer }
func (e TimerEvent) Time() uint64 { return e.Timestamp }

func (e TimerEvent) Context() []byte {
	b := make([]byte, 16)
	binary.LittleEndian.PutUint64(b[0:], e.Timestamp)
	binary.LittleEndian.PutUint64(b[8:], e.Expirations)
	return b
}

func (e TimerEvent) Matches(p Point) bool { return p.Type == TypeTimer }

// SyscallEvent fires on syscall entry or exit.
type SyscallEvent struct {
	Timestamp uint64
	Nr        uint32
	Phase     Phase
	Args      [6]uint64
}

func (e SyscallEvent) Kind() Type   { return TypeSyscall }
func (e SyscallEvent) Time() uint64 { return e.Timestamp }

func (e SyscallEvent) Context() []byte {
	b := make([]byte, 64)
	binary.LittleEndian.PutUint64(b[0:], e.Timestamp)
	binary.LittleEndian.PutUint32(b[8:], e.Nr)
	binary.LittleEndian.PutUint32(b[12:], uint32(e.Phase))
	for i, a := range e.Args {
		binary.LittleEndian.PutUint64(b[16+i*8:], a)
	}
	return b
}

func (e SyscallEvent) Matches(p Point) bool {
	return p.Type == TypeSyscall && uint32(p.Nr) == e.Nr && p.Phase == e.Phase
}

// KprobeEvent fires on a probed kernel symbol.
type KprobeEvent struct {
	Timestamp uint64
	Symbol    string
	PC        uint64
	Phase     Phase
}

func (e KprobeEvent) Kind() Type   { return TypeKprobe }
func (e KprobeEvent) Time() uint64 { return e.Timestamp }

func (e KprobeEvent) Context() []byte {
	b := make([]byte, 24)
	binary.LittleEndian.PutUint64(b[0:], e.Timestamp)
	binary.LittleEndian.PutUint64(b[8:], e.PC)
	binary.LittleEndian.PutUint32(b[16:], uint32(e.Phase))
	return b
}

func (e KprobeEvent) Matches(p Point) bool {
	return p.Type == TypeKprobe && p.Symbol == e.Symbol
}

// TracepointEvent fires on a static tracepoint.
type TracepointEvent struct {
	Timestamp uint64
	Category  string
	Name      string
	ID        uint64
}

func (e TracepointEvent) Kind() Type   { return TypeTracepoint }
func (e TracepointEvent) Time() uint64 { return e.Timestamp }

func (e TracepointEvent) Context() []byte {
	b := make([]byte, 16)
	binary.LittleEndian.PutUint64(b[0:], e.Timestamp)
	binary.LittleEndian.PutUint64(b[8:], e.ID)
	return b
}

func (e TracepointEvent) Matches(p Point) bool {
	return p.Type == TypeTracepoint && p.Category == e.Category && p.Name == e.Name
}

// GPIOEvent fires on a line edge.
type GPIOEvent struct {
	Timestamp uint64
	Chip      uint32
	Line      uint32
	Edge      Edge
	Value     uint32
}

func (e GPIOEvent) Kind() Type   { return TypeGPIO }
func (e GPIOEvent) Time() uint64 { return e.Timestamp }

func (e GPIOEvent) Context() []byte {
	b := make([]byte, 24)
	binary.LittleEndian.PutUint64(b[0:], e.Timestamp)
	binary.LittleEndian.PutUint32(b[8:], e.Chip)
	binary.LittleEndian.PutUint32(b[12:], e.Line)
	binary.LittleEndian.PutUint32(b[16:], uint32(e.Edge))
	binary.LittleEndian.PutUint32(b[20:], e.Value)
	return b
}

func (e GPIOEvent) Matches(p Point) bool {
	if p.Type != TypeGPIO || p.Line != e.Line || !chipMatches(p.Chip, e.Chip) {
		return false
	}
	return p.Edge == EdgeBoth || p.Edge == e.Edge
}

// PWMEvent fires on channel reconfiguration.
type PWMEvent struct {
	Timestamp uint64
	Chip      uint32
	Channel   uint32
	PeriodNs  uint32
	DutyNs    uint32
	Polarity  uint32
	Enabled   uint32
}

func (e PWMEvent) Kind() Type   { return TypePWM }
func (e PWMEvent) Time() uint64 { return e.Timestamp }

func (e PWMEvent) Context() []byte {
	b := make([]byte, 32)
	binary.LittleEndian.PutUint64(b[0:], e.Timestamp)
	binary.LittleEndian.PutUint32(b[8:], e.Chip)
	binary.LittleEndian.PutUint32(b[12:], e.Channel)
	binary.LittleEndian.PutUint32(b[16:], e.PeriodNs)
	binary.LittleEndian.PutUint32(b[20:], e.DutyNs)
	binary.LittleEndian.PutUint32(b[24:], e.Polarity)
	binary.LittleEndian.PutUint32(b[28:], e.Enabled)
	return b
}

func (e PWMEvent) Matches(p Point) bool {
	return p.Type == TypePWM && p.Channel == e.Channel && chipMatches(p.Chip, e.Chip)
}

// IIOEvent fires on a new sample.
type IIOEvent struct {
	Timestamp  uint64
	Device     uint32
	Channel    uint32
	Value      int32
	ScaleMicro uint32
	Offset     int32
}

func (e IIOEvent) Kind() Type   { return TypeIIO }
func (e IIOEvent) Time() uint64 { return e.Timestamp }

func (e IIOEvent) Context() []byte {
	b := make([]byte, 32)
	binary.LittleEndian.PutUint64(b[0:], e.Timestamp)
	binary.LittleEndian.PutUint32(b[8:], e.Device)
	binary.LittleEndian.PutUint32(b[12:], e.Channel)
	binary.LittleEndian.PutUint32(b[16:], uint32(e.Value))
	binary.LittleEndian.PutUint32(b[20:], e.ScaleMicro)
	binary.LittleEndian.PutUint32(b[24:], uint32(e.Offset))
	return b
}

func (e IIOEvent) Matches(p Point) bool {
	return p.Type == TypeIIO && p.Channel == e.Channel && chipMatches(p.Device, e.Device)
}
