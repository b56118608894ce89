package maps

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// Record header flags. The header is a little-endian u32 length with
// the top bits carrying state, followed by a u32 reserved word.
const (
	recBusy    = uint32(1) << 31
	recDiscard = uint32(1) << 30
	recLenMask = recDiscard - 1

	recHdrSize = 8
)

// Ringbuf is a byte ring carrying variable-length records from
// programs to host consumers. Producers reserve, fill and submit;
// a single consumer drains in order. Positions only grow; the ring
// size is a power of two and indexing wraps through a mask.
type Ringbuf struct {
	spec Spec
	data []byte
	hdr  []atomic.Uint32 // one slot per 8-aligned header position
	mask uint64

	prodMu  sync.Mutex
	prodPos atomic.Uint64
	consPos atomic.Uint64

	dropped atomic.Uint64
}

func newRingbuf(spec Spec) *Ringbuf {
	return &Ringbuf{
		spec: spec,
		data: make([]byte, spec.MaxEntries),
		hdr:  make([]atomic.Uint32, uint64(spec.MaxEntries)/recHdrSize),
		mask: uint64(spec.MaxEntries) - 1,
	}
}

func (r *Ringbuf) Spec() Spec { return r.spec }

func (r *Ringbuf) Lookup([]byte) ([]byte, error)       { return nil, ErrWrongKind }
func (r *Ringbuf) Update([]byte, []byte, uint32) error { return ErrWrongKind }
func (r *Ringbuf) Delete([]byte) error                 { return ErrWrongKind }

// wrap-aware byte copy into the ring
func (r *Ringbuf) writeAt(pos uint64, b []byte) {
	for len(b) > 0 {
		off := pos & r.mask
		n := copy(r.data[off:], b)
		b = b[n:]
		pos += uint64(n)
	}
}

func (r *Ringbuf) readAt(pos uint64, n int) []byte {
	out := make([]byte, n)
	for i := 0; i < n; {
		off := pos & r.mask
		c := copy(out[i:], r.data[off:])
		i += c
		pos += uint64(c)
	}
	return out
}

// Header words live in a parallel slot array accessed atomically, so
// Submit's commit synchronizes with the consumer's poll: once the busy
// bit reads clear, the payload bytes written before the store are
// visible.
func (r *Ringbuf) storeHeader(pos uint64, word uint32) {
	r.hdr[(pos&r.mask)>>3].Store(word)
}

func (r *Ringbuf) loadHeader(pos uint64) uint32 {
	return r.hdr[(pos&r.mask)>>3].Load()
}

func align8(n uint64) uint64 { return (n + 7) &^ 7 }

// Record is a reserved, not yet committed ring entry.
type Record struct {
	rb   *Ringbuf
	pos  uint64
	buf  []byte
	done bool
}

// Bytes returns the writable payload of the reservation.
func (rec *Record) Bytes() []byte { return rec.buf }

// Submit commits the record, making it visible to the consumer.
func (rec *Record) Submit() {
	if rec.done {
		return
	}
	rec.done = true
	rec.rb.writeAt(rec.pos+recHdrSize, rec.buf)
	rec.rb.storeHeader(rec.pos, uint32(len(rec.buf)))
}

// Discard abandons the reservation. The consumer skips it.
func (rec *Record) Discard() {
	if rec.done {
		return
	}
	rec.done = true
	rec.rb.storeHeader(rec.pos, uint32(len(rec.buf))|recDiscard)
}

// Reserve claims space for an n-byte record. It fails with ErrMapFull
// when the unconsumed region cannot hold the record.
func (r *Ringbuf) Reserve(n uint32) (*Record, error) {
	if n == 0 || uint64(n) > uint64(len(r.data))-recHdrSize {
		return nil, fmt.Errorf("%w: record size %d", ErrBadValueSize, n)
	}
	total := recHdrSize + align8(uint64(n))
	r.prodMu.Lock()
	defer r.prodMu.Unlock()
	prod := r.prodPos.Load()
	cons := r.consPos.Load()
	if prod-cons+total > uint64(len(r.data)) {
		r.dropped.Add(1)
		return nil, ErrMapFull
	}
	r.storeHeader(prod, uint32(n)|recBusy)
	r.prodPos.Store(prod + total)
	return &Record{rb: r, pos: prod, buf: make([]byte, n)}, nil
}

// Output reserves, fills and submits a record in one step.
func (r *Ringbuf) Output(data []byte) error {
	rec, err := r.Reserve(uint32(len(data)))
	if err != nil {
		return err
	}
	copy(rec.buf, data)
	rec.Submit()
	return nil
}

// Query returns the number of unconsumed bytes, headers included.
func (r *Ringbuf) Query() uint64 {
	return r.prodPos.Load() - r.consPos.Load()
}

// Dropped returns the count of failed reservations.
func (r *Ringbuf) Dropped() uint64 { return r.dropped.Load() }

// Consume drains committed records in submission order, invoking fn
// with a copy of each payload. It stops at the first still-busy record
// and returns the number of records delivered.
func (r *Ringbuf) Consume(fn func(data []byte)) int {
	delivered := 0
	for {
		cons := r.consPos.Load()
		if cons == r.prodPos.Load() {
			return delivered
		}
		hdr := r.loadHeader(cons)
		if hdr&recBusy != 0 {
			return delivered
		}
		n := uint64(hdr & recLenMask)
		if hdr&recDiscard == 0 {
			fn(r.readAt(cons+recHdrSize, int(n)))
			delivered++
		}
		r.consPos.Store(cons + recHdrSize + align8(n))
	}
}
