package maps

import (
	"fmt"
	"sync"
)

// StaticPool is a bump-allocated byte arena used as backing storage by
// programs that need scratch larger than the stack. Allocations are
// only reclaimed wholesale via Reset.
type StaticPool struct {
	spec Spec

	mu  sync.Mutex
	buf []byte
	off uint32
}

func newStaticPool(spec Spec) *StaticPool {
	return &StaticPool{
		spec: spec,
		buf:  make([]byte, spec.MaxEntries),
	}
}

func (p *StaticPool) Spec() Spec { return p.spec }

func (p *StaticPool) Lookup([]byte) ([]byte, error)       { return nil, ErrWrongKind }
func (p *StaticPool) Update([]byte, []byte, uint32) error { return ErrWrongKind }
func (p *StaticPool) Delete([]byte) error                 { return ErrWrongKind }

// Alloc reserves n bytes and returns their offset into the pool.
// Allocations are 8-byte aligned.
func (p *StaticPool) Alloc(n uint32) (uint32, error) {
	if n == 0 {
		return 0, fmt.Errorf("%w: zero allocation", ErrBadValueSize)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	aligned := (p.off + 7) &^ 7
	if uint64(aligned)+uint64(n) > uint64(len(p.buf)) {
		return 0, ErrMapFull
	}
	p.off = aligned + n
	return aligned, nil
}

// At returns the n bytes at offset off.
func (p *StaticPool) At(off, n uint32) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if uint64(off)+uint64(n) > uint64(p.off) {
		return nil, fmt.Errorf("%w: %d+%d beyond allocated %d", ErrKeyNotFound, off, n, p.off)
	}
	return p.buf[off : off+n], nil
}

// Used returns the allocated byte count.
func (p *StaticPool) Used() uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.off
}

// Reset releases all allocations and zeroes the arena.
func (p *StaticPool) Reset() {
	p.mu.Lock()
	for i := range p.buf {
		p.buf[i] = 0
	}
	p.off = 0
	p.mu.Unlock()
}
