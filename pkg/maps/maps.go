// Package maps implements the shared state primitives programs use to
// talk to each other and to the host: arrays, hashes, ring buffers,
// time-series rings and static pools.
package maps

import (
	"errors"
	"fmt"
)

var (
	ErrBadSpec        = errors.New("maps: bad map spec")
	ErrMapFull        = errors.New("maps: map full")
	ErrKeyNotFound    = errors.New("maps: key not found")
	ErrKeyExists      = errors.New("maps: key exists")
	ErrBadKeySize     = errors.New("maps: bad key size")
	ErrBadValueSize   = errors.New("maps: bad value size")
	ErrWrongKind      = errors.New("maps: operation not supported by map kind")
	ErrUnknownMap     = errors.New("maps: unknown map id")
	ErrMapBusy        = errors.New("maps: map in use")
	ErrTooManyMaps    = errors.New("maps: map count limit reached")
	ErrMemoryLimit    = errors.New("maps: map memory limit exceeded")
)

// Kind tags a map implementation. The numeric values travel in object
// files and pinned metadata and must not change.
type Kind uint32

const (
	KindHash       Kind = 1
	KindArray      Kind = 2
	KindRingbuf    Kind = 27
	KindTimeSeries Kind = 28
	KindStaticPool Kind = 29
)

func (k Kind) String() string {
	switch k {
	case KindHash:
		return "hash"
	case KindArray:
		return "array"
	case KindRingbuf:
		return "ringbuf"
	case KindTimeSeries:
		return "timeseries"
	case KindStaticPool:
		return "staticpool"
	default:
		return fmt.Sprintf("kind(%d)", uint32(k))
	}
}

// Update flags.
const (
	UpdateAny     = 0 // create or overwrite
	UpdateNoExist = 1 // create only
	UpdateExist   = 2 // overwrite only
)

// Spec describes a map before creation. For ring buffers and static
// pools MaxEntries is a byte size; key and value sizes are zero.
type Spec struct {
	Name       string
	Kind       Kind
	KeySize    uint32
	ValueSize  uint32
	MaxEntries uint32
	Flags      uint32
}

// Validate checks the spec invariants for its kind.
func (s Spec) Validate() error {
	switch s.Kind {
	case KindHash:
		if s.KeySize == 0 || s.ValueSize == 0 || s.MaxEntries == 0 {
			return fmt.Errorf("%w: hash requires key, value and entries", ErrBadSpec)
		}
	case KindArray:
		if s.KeySize != 4 {
			return fmt.Errorf("%w: array key size must be 4, got %d", ErrBadSpec, s.KeySize)
		}
		if s.ValueSize == 0 || s.MaxEntries == 0 {
			return fmt.Errorf("%w: array requires value and entries", ErrBadSpec)
		}
	case KindRingbuf:
		if s.KeySize != 0 || s.ValueSize != 0 {
			return fmt.Errorf("%w: ringbuf takes no key or value size", ErrBadSpec)
		}
		if s.MaxEntries < 16 || s.MaxEntries&(s.MaxEntries-1) != 0 {
			return fmt.Errorf("%w: ringbuf size %d not a power of two", ErrBadSpec, s.MaxEntries)
		}
	case KindTimeSeries:
		if s.KeySize != 0 || s.ValueSize != 8 {
			return fmt.Errorf("%w: timeseries requires value size 8", ErrBadSpec)
		}
		if s.MaxEntries == 0 {
			return fmt.Errorf("%w: timeseries requires entries", ErrBadSpec)
		}
	case KindStaticPool:
		if s.KeySize != 0 || s.ValueSize != 0 {
			return fmt.Errorf("%w: staticpool takes no key or value size", ErrBadSpec)
		}
		if s.MaxEntries == 0 {
			return fmt.Errorf("%w: staticpool requires a byte size", ErrBadSpec)
		}
	default:
		return fmt.Errorf("%w: unknown kind %d", ErrBadSpec, uint32(s.Kind))
	}
	return nil
}

// Footprint estimates the resident bytes the map will occupy, used to
// enforce the profile memory budget.
func (s Spec) Footprint() uint64 {
	switch s.Kind {
	case KindHash:
		return uint64(hashCapacity(s.MaxEntries)) * uint64(1+s.KeySize+s.ValueSize)
	case KindArray:
		return uint64(s.ValueSize) * uint64(s.MaxEntries)
	case KindRingbuf, KindStaticPool:
		return uint64(s.MaxEntries)
	case KindTimeSeries:
		return uint64(s.MaxEntries) * sampleBytes
	}
	return 0
}

// Map is the operation surface shared by all kinds. Kinds that have no
// keyed semantics return ErrWrongKind from the keyed operations and
// expose their own methods instead.
type Map interface {
	Spec() Spec

	// Lookup returns a copy of the value stored under key.
	Lookup(key []byte) ([]byte, error)
	// Update writes value under key subject to the update flags.
	Update(key, value []byte, flags uint32) error
	// Delete removes key.
	Delete(key []byte) error
}

// New creates a map from a validated spec.
func New(spec Spec) (Map, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	switch spec.Kind {
	case KindHash:
		return newHash(spec), nil
	case KindArray:
		return newArray(spec), nil
	case KindRingbuf:
		return newRingbuf(spec), nil
	case KindTimeSeries:
		return newTimeSeries(spec), nil
	case KindStaticPool:
		return newStaticPool(spec), nil
	}
	return nil, fmt.Errorf("%w: kind %d", ErrBadSpec, uint32(spec.Kind))
}
