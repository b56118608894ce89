// Package attach defines the closed set of attach points a program can
// bind to and the event contexts those points deliver.
//
// Attaching registers intent only. Event occurrences arrive from
// outside (timers, the feed, platform shims) and are matched against
// registered points; the package never touches hardware itself.
package attach

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidTarget = errors.New("attach: invalid target")
	ErrUnknownType   = errors.New("attach: unknown attach type")
)

// Type tags the attach point variants. The set is closed: the engine
// rejects anything it does not recognise.
type Type uint8

const (
	TypeUnspec Type = iota
	TypeTimer
	TypeSyscall
	TypeKprobe
	TypeTracepoint
	TypeGPIO
	TypePWM
	TypeIIO
)

func (t Type) String() string {
	switch t {
	case TypeTimer:
		return "timer"
	case TypeSyscall:
		return "syscall"
	case TypeKprobe:
		return "kprobe"
	case TypeTracepoint:
		return "tracepoint"
	case TypeGPIO:
		return "gpio"
	case TypePWM:
		return "pwm"
	case TypeIIO:
		return "iio"
	default:
		return "unspec"
	}
}

// Edge selects which GPIO transitions fire.
type Edge uint32

const (
	EdgeRising  Edge = 1
	EdgeFalling Edge = 2
	EdgeBoth    Edge = 3
)

// Phase distinguishes syscall / kprobe entry from exit.
type Phase uint32

const (
	PhaseEntry Phase = 0
	PhaseExit  Phase = 1
)

// Point describes one attach target: a type tag plus the descriptor
// fields that variant uses. Unused fields stay zero.
type Point struct {
	Type Type

	Period time.Duration // timer

	Nr    int32 // syscall
	Phase Phase // syscall

	Symbol string // kprobe

	Category string // tracepoint
	Name     string // tracepoint

	Chip string // gpio, pwm: e.g. "gpiochip0", "pwmchip1"
	Line uint32 // gpio
	Edge Edge   // gpio

	Channel uint32 // pwm, iio

	Device string // iio: e.g. "iio:device0"
}

// Timer fires every period.
func Timer(period time.Duration) Point {
	return Point{Type: TypeTimer, Period: period}
}

// Syscall fires on entry or exit of system call nr.
func Syscall(nr int32, phase Phase) Point {
	return Point{Type: TypeSyscall, Nr: nr, Phase: phase}
}

// Kprobe fires on the named kernel symbol.
func Kprobe(symbol string) Point {
	return Point{Type: TypeKprobe, Symbol: symbol}
}

// Tracepoint fires on the named static tracepoint.
func Tracepoint(category, name string) Point {
	return Point{Type: TypeTracepoint, Category: category, Name: name}
}

// GPIO fires on the selected edge of a GPIO line.
func GPIO(chip string, line uint32, edge Edge) Point {
	return Point{Type: TypeGPIO, Chip: chip, Line: line, Edge: edge}
}

// PWM fires on PWM channel reconfiguration.
func PWM(chip string, channel uint32) Point {
	return Point{Type: TypePWM, Chip: chip, Channel: channel}
}

// IIO fires on new samples from an IIO channel.
func IIO(device string, channel uint32) Point {
	return Point{Type: TypeIIO, Device: device, Channel: channel}
}

// Validate enforces the shape rules for the point's variant.
func (p Point) Validate() error {
	switch p.Type {
	case TypeTimer:
		if p.Period <= 0 {
			return fmt.Errorf("%w: timer period must be positive", ErrInvalidTarget)
		}
	case TypeSyscall:
		if p.Nr < 0 {
			return fmt.Errorf("%w: negative syscall number", ErrInvalidTarget)
		}
		if p.Phase != PhaseEntry && p.Phase != PhaseExit {
			return fmt.Errorf("%w: syscall phase %d", ErrInvalidTarget, p.Phase)
		}
	case TypeKprobe:
		if p.Symbol == "" {
			return fmt.Errorf("%w: kprobe needs a symbol", ErrInvalidTarget)
		}
	case TypeTracepoint:
		if p.Category == "" || p.Name == "" {
			return fmt.Errorf("%w: tracepoint needs category and name", ErrInvalidTarget)
		}
	case TypeGPIO:
		if p.Chip == "" {
			return fmt.Errorf("%w: gpio needs a chip", ErrInvalidTarget)
		}
		if p.Edge < EdgeRising || p.Edge > EdgeBoth {
			return fmt.Errorf("%w: gpio edge %d", ErrInvalidTarget, p.Edge)
		}
	case TypePWM:
		if p.Chip == "" {
			return fmt.Errorf("%w: pwm needs a chip", ErrInvalidTarget)
		}
	case TypeIIO:
		if p.Device == "" {
			return fmt.Errorf("%w: iio needs a device", ErrInvalidTarget)
		}
	default:
		return fmt.Errorf("%w: %d", ErrUnknownType, p.Type)
	}
	return nil
}

func (p Point) String() string {
	switch p.Type {
	case TypeTimer:
		return fmt.Sprintf("timer/%s", p.Period)
	case TypeSyscall:
		return fmt.Sprintf("syscall/%d:%d", p.Nr, p.Phase)
	case TypeKprobe:
		return "kprobe/" + p.Symbol
	case TypeTracepoint:
		return "tracepoint/" + p.Category + ":" + p.Name
	case TypeGPIO:
		return fmt.Sprintf("gpio/%s:%d", p.Chip, p.Line)
	case TypePWM:
		return fmt.Sprintf("pwm/%s:%d", p.Chip, p.Channel)
	case TypeIIO:
		return fmt.Sprintf("iio/%s:%d", p.Device, p.Channel)
	default:
		return "unspec"
	}
}

// chipIndex parses the trailing number of a chip or device name, such
// as "gpiochip0" or "iio:device3". Returns false when there is none.
func chipIndex(name string) (uint32, bool) {
	i := len(name)
	for i > 0 && name[i-1] >= '0' && name[i-1] <= '9' {
		i--
	}
	if i == len(name) || i == 0 {
		return 0, false
	}
	var n uint32
	for _, c := range name[i:] {
		n = n*10 + uint32(c-'0')
	}
	return n, true
}

func chipMatches(name string, index uint32) bool {
	n, ok := chipIndex(name)
	return ok && n == index
}
