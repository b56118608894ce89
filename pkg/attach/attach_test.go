package attach

import (
	"encoding/binary"
	"errors"
	"testing"
	"time"
)

func TestPointValidate(t *testing.T) {
	tests := []struct {
		name  string
		point Point
		ok    bool
	}{
		{"timer", Timer(time.Second), true},
		{"timer zero period", Timer(0), false},
		{"timer negative period", Timer(-time.Second), false},
		{"syscall entry", Syscall(1, PhaseEntry), true},
		{"syscall exit", Syscall(60, PhaseExit), true},
		{"syscall negative nr", Syscall(-1, PhaseEntry), false},
		{"syscall bad phase", Point{Type: TypeSyscall, Nr: 1, Phase: 9}, false},
		{"kprobe", Kprobe("do_sys_open"), true},
		{"kprobe empty symbol", Kprobe(""), false},
		{"tracepoint", Tracepoint("sched", "sched_switch"), true},
		{"tracepoint no category", Tracepoint("", "sched_switch"), false},
		{"tracepoint no name", Tracepoint("sched", ""), false},
		{"gpio", GPIO("gpiochip0", 4, EdgeRising), true},
		{"gpio both edges", GPIO("gpiochip1", 17, EdgeBoth), true},
		{"gpio empty chip", GPIO("", 4, EdgeRising), false},
		{"gpio bad edge", GPIO("gpiochip0", 4, 0), false},
		{"pwm", PWM("pwmchip0", 1), true},
		{"pwm empty chip", PWM("", 1), false},
		{"iio", IIO("iio:device0", 2), true},
		{"iio empty device", IIO("", 2), false},
		{"unknown type", Point{Type: 99}, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.point.Validate()
			if tc.ok && err != nil {
				t.Errorf("Validate: %v", err)
			}
			if !tc.ok && !errors.Is(err, ErrInvalidTarget) && !errors.Is(err, ErrUnknownType) {
				t.Errorf("err = %v, want an attach error", err)
			}
		})
	}
}

func TestGPIOContextLayout(t *testing.T) {
	ev := GPIOEvent{Timestamp: 0x1122334455667788, Chip: 0, Line: 4, Edge: EdgeRising, Value: 1}
	ctx := ev.Context()
	if len(ctx) != 24 {
		t.Fatalf("len = %d, want 24", len(ctx))
	}
	if got := binary.LittleEndian.Uint64(ctx[0:]); got != ev.Timestamp {
		t.Errorf("timestamp = %#x", got)
	}
	if got := binary.LittleEndian.Uint32(ctx[12:]); got != 4 {
		t.Errorf("line = %d", got)
	}
	if got := binary.LittleEndian.Uint32(ctx[16:]); got != uint32(EdgeRising) {
		t.Errorf("edge = %d", got)
	}
	if got := binary.LittleEndian.Uint32(ctx[20:]); got != 1 {
		t.Errorf("value = %d", got)
	}
}

func TestSyscallContextLayout(t *testing.T) {
	ev := SyscallEvent{
		Timestamp: 99,
		Nr:        60,
		Phase:     PhaseExit,
		Args:      [6]uint64{1, 2, 3, 4, 5, 6},
	}
	ctx := ev.Context()
	if len(ctx) != 64 {
		t.Fatalf("len = %d, want 64", len(ctx))
	}
	if got := binary.LittleEndian.Uint32(ctx[8:]); got != 60 {
		t.Errorf("nr = %d", got)
	}
	if got := binary.LittleEndian.Uint32(ctx[12:]); got != 1 {
		t.Errorf("phase = %d", got)
	}
	for i := 0; i < 6; i++ {
		if got := binary.LittleEndian.Uint64(ctx[16+i*8:]); got != uint64(i+1) {
			t.Errorf("arg[%d] = %d", i, got)
		}
	}
}

func TestContextSizes(t *testing.T) {
	tests := []struct {
		name string
		ev   Event
		size int
	}{
		{"timer", TimerEvent{}, 16},
		{"syscall", SyscallEvent{}, 64},
		{"kprobe", KprobeEvent{}, 24},
		{"tracepoint", TracepointEvent{}, 16},
		{"gpio", GPIOEvent{}, 24},
		{"pwm", PWMEvent{}, 32},
		{"iio", IIOEvent{}, 32},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := len(tc.ev.Context()); got != tc.size {
				t.Errorf("context size = %d, want %d", got, tc.size)
			}
		})
	}
}

func TestEventMatching(t *testing.T) {
	tests := []struct {
		name  string
		ev    Event
		point Point
		want  bool
	}{
		{"timer any", TimerEvent{}, Timer(time.Second), true},
		{"timer wrong type", TimerEvent{}, Kprobe("x"), false},
		{"kprobe same symbol", KprobeEvent{Symbol: "do_exit"}, Kprobe("do_exit"), true},
		{"kprobe other symbol", KprobeEvent{Symbol: "do_exit"}, Kprobe("do_fork"), false},
		{"tracepoint", TracepointEvent{Category: "sched", Name: "sched_switch"},
			Tracepoint("sched", "sched_switch"), true},
		{"tracepoint other name", TracepointEvent{Category: "sched", Name: "sched_switch"},
			Tracepoint("sched", "sched_exit"), false},
		{"syscall", SyscallEvent{Nr: 1, Phase: PhaseEntry}, Syscall(1, PhaseEntry), true},
		{"syscall other phase", SyscallEvent{Nr: 1, Phase: PhaseExit}, Syscall(1, PhaseEntry), false},
		{"gpio exact edge", GPIOEvent{Chip: 0, Line: 4, Edge: EdgeRising},
			GPIO("gpiochip0", 4, EdgeRising), true},
		{"gpio both edges", GPIOEvent{Chip: 0, Line: 4, Edge: EdgeFalling},
			GPIO("gpiochip0", 4, EdgeBoth), true},
		{"gpio wrong edge", GPIOEvent{Chip: 0, Line: 4, Edge: EdgeFalling},
			GPIO("gpiochip0", 4, EdgeRising), false},
		{"gpio wrong line", GPIOEvent{Chip: 0, Line: 5, Edge: EdgeRising},
			GPIO("gpiochip0", 4, EdgeRising), false},
		{"gpio wrong chip", GPIOEvent{Chip: 1, Line: 4, Edge: EdgeRising},
			GPIO("gpiochip0", 4, EdgeRising), false},
		{"pwm", PWMEvent{Chip: 1, Channel: 2}, PWM("pwmchip1", 2), true},
		{"pwm wrong channel", PWMEvent{Chip: 1, Channel: 3}, PWM("pwmchip1", 2), false},
		{"iio", IIOEvent{Device: 0, Channel: 2}, IIO("iio:device0", 2), true},
		{"iio wrong device", IIOEvent{Device: 1, Channel: 2}, IIO("iio:device0", 2), false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.ev.Matches(tc.point); got != tc.want {
				t.Errorf("Matches = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestChipIndex(t *testing.T) {
	tests := []struct {
		name string
		n    uint32
		ok   bool
	}{
		{"gpiochip0", 0, true},
		{"gpiochip12", 12, true},
		{"iio:device3", 3, true},
		{"gpiochip", 0, false},
		{"42", 0, false},
		{"", 0, false},
	}
	for _, tc := range tests {
		n, ok := chipIndex(tc.name)
		if n != tc.n || ok != tc.ok {
			t.Errorf("chipIndex(%q) = %d, %v; want %d, %v", tc.name, n, ok, tc.n, tc.ok)
		}
	}
}
