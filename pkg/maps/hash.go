package maps

import (
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// slot states for open addressing
const (
	slotEmpty uint8 = iota
	slotUsed
	slotTombstone
)

// Hash is an open-addressing hash table with linear probing. Capacity
// is fixed at creation; inserts beyond MaxEntries fail with ErrMapFull.
type Hash struct {
	spec Spec

	mu    sync.RWMutex
	state []uint8
	keys  []byte
	vals  []byte
	count uint32
	mask  uint32
}

// hashCapacity returns the probe-table size for a target entry count:
// the next power of two at or above twice the entries, floor 8.
func hashCapacity(entries uint32) uint32 {
	cap := uint32(8)
	for cap < entries*2 {
		cap <<= 1
	}
	return cap
}

func newHash(spec Spec) *Hash {
	cap := hashCapacity(spec.MaxEntries)
	return &Hash{
		spec:  spec,
		state: make([]uint8, cap),
		keys:  make([]byte, int(cap)*int(spec.KeySize)),
		vals:  make([]byte, int(cap)*int(spec.ValueSize)),
		mask:  cap - 1,
	}
}

func (h *Hash) Spec() Spec { return h.spec }

// Len returns the live entry count.
func (h *Hash) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return int(h.count)
}

func (h *Hash) keyAt(i uint32) []byte {
	off := int(i) * int(h.spec.KeySize)
	return h.keys[off : off+int(h.spec.KeySize)]
}

func (h *Hash) valAt(i uint32) []byte {
	off := int(i) * int(h.spec.ValueSize)
	return h.vals[off : off+int(h.spec.ValueSize)]
}

func keysEqual(a, b []byte) bool {
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// find probes for key. It returns the slot holding the key, or if
// absent the first insertable slot (tombstone or empty).
func (h *Hash) find(key []byte) (slot uint32, found bool) {
	i := uint32(xxhash.Sum64(key)) & h.mask
	insert := uint32(0)
	haveInsert := false
	for probes := uint32(0); probes <= h.mask; probes++ {
		switch h.state[i] {
		case slotEmpty:
			if haveInsert {
				return insert, false
			}
			return i, false
		case slotTombstone:
			if !haveInsert {
				insert, haveInsert = i, true
			}
		case slotUsed:
			if keysEqual(h.keyAt(i), key) {
				return i, true
			}
		}
		i = (i + 1) & h.mask
	}
	return insert, false
}

func (h *Hash) checkKey(key []byte) error {
	if len(key) != int(h.spec.KeySize) {
		return fmt.Errorf("%w: got %d, want %d", ErrBadKeySize, len(key), h.spec.KeySize)
	}
	return nil
}

func (h *Hash) Lookup(key []byte) ([]byte, error) {
	if err := h.checkKey(key); err != nil {
		return nil, err
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	i, ok := h.find(key)
	if !ok {
		return nil, ErrKeyNotFound
	}
	out := make([]byte, h.spec.ValueSize)
	copy(out, h.valAt(i))
	return out, nil
}

func (h *Hash) Update(key, value []byte, flags uint32) error {
	if err := h.checkKey(key); err != nil {
		return err
	}
	if len(value) != int(h.spec.ValueSize) {
		return fmt.Errorf("%w: got %d, want %d", ErrBadValueSize, len(value), h.spec.ValueSize)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	i, ok := h.find(key)
	if ok {
		if flags == UpdateNoExist {
			return ErrKeyExists
		}
		copy(h.valAt(i), value)
		return nil
	}
	if flags == UpdateExist {
		return ErrKeyNotFound
	}
	if h.count >= h.spec.MaxEntries {
		return ErrMapFull
	}
	h.state[i] = slotUsed
	copy(h.keyAt(i), key)
	copy(h.valAt(i), value)
	h.count++
	return nil
}

func (h *Hash) Delete(key []byte) error {
	if err := h.checkKey(key); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	i, ok := h.find(key)
	if !ok {
		return ErrKeyNotFound
	}
	h.state[i] = slotTombstone
	h.count--
	return nil
}

// Iterate calls fn for every live entry with copies of its key and
// value. Iteration order is unspecified.
func (h *Hash) Iterate(fn func(key, value []byte) bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for i := uint32(0); i <= h.mask; i++ {
		if h.state[i] != slotUsed {
			continue
		}
		k := make([]byte, h.spec.KeySize)
		v := make([]byte, h.spec.ValueSize)
		copy(k, h.keyAt(i))
		copy(v, h.valAt(i))
		if !fn(k, v) {
			return
		}
	}
}
