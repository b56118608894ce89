package maps

import (
	"encoding/binary"
	"fmt"
	"sync"
)

// Array is a fixed-size table indexed by a 4-byte little-endian key.
// Slots exist for the lifetime of the map; Delete zeroes a slot.
type Array struct {
	spec Spec

	mu   sync.RWMutex
	data []byte
}

func newArray(spec Spec) *Array {
	return &Array{
		spec: spec,
		data: make([]byte, int(spec.ValueSize)*int(spec.MaxEntries)),
	}
}

func (a *Array) Spec() Spec { return a.spec }

func (a *Array) index(key []byte) (int, error) {
	if len(key) != 4 {
		return 0, fmt.Errorf("%w: got %d, want 4", ErrBadKeySize, len(key))
	}
	idx := binary.LittleEndian.Uint32(key)
	if idx >= a.spec.MaxEntries {
		return 0, fmt.Errorf("%w: index %d >= %d", ErrKeyNotFound, idx, a.spec.MaxEntries)
	}
	return int(idx) * int(a.spec.ValueSize), nil
}

func (a *Array) Lookup(key []byte) ([]byte, error) {
	off, err := a.index(key)
	if err != nil {
		return nil, err
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]byte, a.spec.ValueSize)
	copy(out, a.data[off:])
	return out, nil
}

func (a *Array) Update(key, value []byte, flags uint32) error {
	if len(value) != int(a.spec.ValueSize) {
		return fmt.Errorf("%w: got %d, want %d", ErrBadValueSize, len(value), a.spec.ValueSize)
	}
	if flags == UpdateNoExist {
		// array slots always exist
		return fmt.Errorf("%w: array slots pre-exist", ErrKeyExists)
	}
	off, err := a.index(key)
	if err != nil {
		return err
	}
	a.mu.Lock()
	copy(a.data[off:off+int(a.spec.ValueSize)], value)
	a.mu.Unlock()
	return nil
}

func (a *Array) Delete(key []byte) error {
	off, err := a.index(key)
	if err != nil {
		return err
	}
	a.mu.Lock()
	end := off + int(a.spec.ValueSize)
	for i := off; i < end; i++ {
		a.data[i] = 0
	}
	a.mu.Unlock()
	return nil
}
