// Package profile defines the capability configuration for an axiom-ebpf
// deployment.
//
// A Profile is a plain value fixing every resource ceiling the engine
// enforces: program size, stack depth, fuel, map memory, JIT availability
// and the scheduling policy. It is chosen once at configuration time and
// passed by reference into every component constructor; no component reads
// limits from anywhere else.
package profile

import (
	"errors"
	"fmt"
)

// Scheduling policy kinds.
const (
	// SchedThroughput batches pending invocations in FIFO order.
	SchedThroughput = "throughput"

	// SchedDeadline orders pending invocations earliest-deadline-first.
	SchedDeadline = "deadline"
)

// Profile errors.
var (
	ErrInvalidProfile = errors.New("invalid profile")
)

// Profile fixes all resource ceilings for a deployment.
type Profile struct {
	// MaxInstructions is the largest program the verifier accepts,
	// counted in 64-bit instruction slots.
	MaxInstructions int `toml:"max-instructions"`

	// StackSize is the per-frame stack size in bytes.
	StackSize int `toml:"stack-size"`

	// MaxCallDepth bounds nested sub-program calls.
	MaxCallDepth int `toml:"max-call-depth"`

	// HeapSize is the scratch heap available to a running program, in bytes.
	HeapSize int `toml:"heap-size"`

	// Fuel is the runtime instruction budget per invocation, independent
	// of static verification.
	Fuel uint64 `toml:"fuel"`

	// MaxLoopIterations is the largest statically proven loop trip count
	// the verifier accepts on a backward edge.
	MaxLoopIterations int `toml:"max-loop-iterations"`

	// JITEnabled permits native compilation. When false, execution
	// always uses the interpreter.
	JITEnabled bool `toml:"jit-enabled"`

	// MapMemoryLimit bounds the total memory of all live maps, in bytes.
	// Zero means unbounded.
	MapMemoryLimit int `toml:"map-memory-limit"`

	// MaxPrograms bounds the number of concurrently loaded programs.
	MaxPrograms int `toml:"max-programs"`

	// MaxMaps bounds the number of concurrently live maps.
	MaxMaps int `toml:"max-maps"`

	// Scheduler selects the invocation scheduling policy.
	Scheduler string `toml:"scheduler"`
}

// Embedded returns the constrained preset for small fixed-memory targets.
func Embedded() *Profile {
	return &Profile{
		MaxInstructions:   4096,
		StackSize:         512,
		MaxCallDepth:      4,
		HeapSize:          4 * 1024,
		Fuel:              100_000,
		MaxLoopIterations: 64,
		JITEnabled:        false,
		MapMemoryLimit:    256 * 1024,
		MaxPrograms:       16,
		MaxMaps:           32,
		Scheduler:         SchedDeadline,
	}
}

// Server returns the elastic preset for hosted targets.
func Server() *Profile {
	return &Profile{
		MaxInstructions:   65536,
		StackSize:         4096,
		MaxCallDepth:      8,
		HeapSize:          256 * 1024,
		Fuel:              10_000_000,
		MaxLoopIterations: 4096,
		JITEnabled:        true,
		MapMemoryLimit:    64 * 1024 * 1024,
		MaxPrograms:       256,
		MaxMaps:           1024,
		Scheduler:         SchedThroughput,
	}
}

// Validate rejects profiles with zero or nonsensical ceilings.
func (p *Profile) Validate() error {
	if p.MaxInstructions <= 0 {
		return fmt.Errorf("%w: max-instructions must be positive", ErrInvalidProfile)
	}
	if p.StackSize < 64 || p.StackSize%8 != 0 {
		return fmt.Errorf("%w: stack-size must be a multiple of 8, at least 64", ErrInvalidProfile)
	}
	if p.MaxCallDepth < 1 {
		return fmt.Errorf("%w: max-call-depth must be at least 1", ErrInvalidProfile)
	}
	if p.HeapSize < 0 {
		return fmt.Errorf("%w: heap-size must not be negative", ErrInvalidProfile)
	}
	if p.Fuel == 0 {
		return fmt.Errorf("%w: fuel must be positive", ErrInvalidProfile)
	}
	if p.MaxLoopIterations < 0 {
		return fmt.Errorf("%w: max-loop-iterations must not be negative", ErrInvalidProfile)
	}
	if p.MapMemoryLimit < 0 {
		return fmt.Errorf("%w: map-memory-limit must not be negative", ErrInvalidProfile)
	}
	if p.MaxPrograms <= 0 {
		return fmt.Errorf("%w: max-programs must be positive", ErrInvalidProfile)
	}
	if p.MaxMaps <= 0 {
		return fmt.Errorf("%w: max-maps must be positive", ErrInvalidProfile)
	}
	switch p.Scheduler {
	case SchedThroughput, SchedDeadline:
	default:
		return fmt.Errorf("%w: unknown scheduler %q", ErrInvalidProfile, p.Scheduler)
	}
	return nil
}
