package helpers

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/pro-utkarshM/axiom-ebpf/pkg/ebpf"
	"github.com/pro-utkarshM/axiom-ebpf/pkg/maps"
)

// Env binds helper ids to implementations over a map registry and a
// set of host hooks. One Env serves all executions of an engine; all
// per-run state lives in the VM stash.
type Env struct {
	Maps *maps.Registry

	// Now returns monotonic nanoseconds. Defaults to the runtime clock.
	Now func() uint64
	// Rand returns pseudo-random values for get_prandom_u32.
	Rand func() uint32
	// CPUID reports the executing CPU for get_smp_processor_id.
	CPUID func() uint32
	// Printk receives trace_printk output. Nil drops it.
	Printk func(msg string)
	// EmergencyStop receives motor_emergency_stop requests with the
	// program-supplied reason code.
	EmergencyStop func(code uint64)
}

// NewEnv returns an Env over reg with default host hooks.
func NewEnv(reg *maps.Registry) *Env {
	start := time.Now()
	rng := rand.New(rand.NewSource(start.UnixNano()))
	return &Env{
		Maps:  reg,
		Now:   func() uint64 { return uint64(time.Since(start).Nanoseconds()) },
		Rand:  rng.Uint32,
		CPUID: func() uint32 { return 0 },
	}
}

// errno-style failure result for helpers that do not abort execution
const failed = ^uint64(0)

// Resolve implements ebpf.Resolver.
func (e *Env) Resolve(id uint32) (ebpf.HelperFn, bool) {
	switch id {
	case IDMapLookupElem:
		return e.mapLookup, true
	case IDMapUpdateElem:
		return e.mapUpdate, true
	case IDMapDeleteElem:
		return e.mapDelete, true
	case IDProbeRead:
		return e.probeRead, true
	case IDKtimeGetNS:
		return func(*ebpf.VM, uint64, uint64, uint64, uint64, uint64) (uint64, error) {
			return e.Now(), nil
		}, true
	case IDTracePrintk:
		return e.tracePrintk, true
	case IDGetPrandomU32:
		return func(*ebpf.VM, uint64, uint64, uint64, uint64, uint64) (uint64, error) {
			return uint64(e.Rand()), nil
		}, true
	case IDGetSmpProcessorID:
		return func(*ebpf.VM, uint64, uint64, uint64, uint64, uint64) (uint64, error) {
			return uint64(e.CPUID()), nil
		}, true
	case IDRingbufOutput:
		return e.ringbufOutput, true
	case IDRingbufReserve:
		return e.ringbufReserve, true
	case IDRingbufSubmit:
		return e.ringbufSubmit, true
	case IDRingbufDiscard:
		return e.ringbufDiscard, true
	case IDRingbufQuery:
		return e.ringbufQuery, true
	case IDMotorEmergencyStop:
		return e.emergencyStop, true
	case IDTimeseriesPush:
		return e.timeseriesPush, true
	case IDSensorLastTimestamp:
		return e.sensorLastTimestamp, true
	}
	return nil, false
}

func (e *Env) mapByID(id uint64) (maps.Map, error) {
	m, err := e.Maps.Get(uint32(id))
	if err != nil {
		return nil, fmt.Errorf("%w: map %d", ErrBadArgument, id)
	}
	return m, nil
}

func (e *Env) ringbufByID(id uint64) (*maps.Ringbuf, error) {
	m, err := e.mapByID(id)
	if err != nil {
		return nil, err
	}
	rb, ok := m.(*maps.Ringbuf)
	if !ok {
		return nil, fmt.Errorf("%w: map %d is %s", ErrWrongMapKind, id, m.Spec().Kind)
	}
	return rb, nil
}

// mapLookup copies the value under the key at r2 into heap scratch and
// returns its address, or 0 when the key is absent.
func (e *Env) mapLookup(vm *ebpf.VM, r1, r2, _, _, _ uint64) (uint64, error) {
	m, err := e.mapByID(r1)
	if err != nil {
		return 0, err
	}
	spec := m.Spec()
	key, err := vm.Mem().Translate(r2, uint64(spec.KeySize), false)
	if err != nil {
		return 0, err
	}
	val, err := m.Lookup(key)
	if err != nil {
		return 0, nil // absent key reads as null
	}
	addr, buf, err := vm.AllocScratch(uint64(len(val)))
	if err != nil {
		return 0, err
	}
	copy(buf, val)
	return addr, nil
}

func (e *Env) mapUpdate(vm *ebpf.VM, r1, r2, r3, r4, _ uint64) (uint64, error) {
	m, err := e.mapByID(r1)
	if err != nil {
		return 0, err
	}
	spec := m.Spec()
	key, err := vm.Mem().Translate(r2, uint64(spec.KeySize), false)
	if err != nil {
		return 0, err
	}
	val, err := vm.Mem().Translate(r3, uint64(spec.ValueSize), false)
	if err != nil {
		return 0, err
	}
	if err := m.Update(key, val, uint32(r4)); err != nil {
		return failed, nil
	}
	return 0, nil
}

func (e *Env) mapDelete(vm *ebpf.VM, r1, r2, _, _, _ uint64) (uint64, error) {
	m, err := e.mapByID(r1)
	if err != nil {
		return 0, err
	}
	key, err := vm.Mem().Translate(r2, uint64(m.Spec().KeySize), false)
	if err != nil {
		return 0, err
	}
	if err := m.Delete(key); err != nil {
		return failed, nil
	}
	return 0, nil
}

// probeRead copies r2 bytes from r3 to r1 inside VM memory.
func (e *Env) probeRead(vm *ebpf.VM, r1, r2, r3, _, _ uint64) (uint64, error) {
	src, err := vm.Mem().Translate(r3, r2, false)
	if err != nil {
		return 0, err
	}
	dst, err := vm.Mem().Translate(r1, r2, true)
	if err != nil {
		return 0, err
	}
	copy(dst, src)
	return 0, nil
}

func (e *Env) tracePrintk(vm *ebpf.VM, r1, r2, _, _, _ uint64) (uint64, error) {
	msg, err := vm.Mem().Translate(r1, r2, false)
	if err != nil {
		return 0, err
	}
	if e.Printk != nil {
		e.Printk(string(msg))
	}
	return r2, nil
}

func (e *Env) ringbufOutput(vm *ebpf.VM, r1, r2, r3, _, _ uint64) (uint64, error) {
	rb, err := e.ringbufByID(r1)
	if err != nil {
		return 0, err
	}
	data, err := vm.Mem().Translate(r2, r3, false)
	if err != nil {
		return 0, err
	}
	if err := rb.Output(data); err != nil {
		return failed, nil
	}
	return 0, nil
}

// pendingRecord ties a reserved ring entry to its scratch staging area.
type pendingRecord struct {
	rec *maps.Record
	buf []byte
}

// ringbufReserve hands the program a scratch area staged for the ring.
// Returns 0 when the ring is full.
func (e *Env) ringbufReserve(vm *ebpf.VM, r1, r2, _, _, _ uint64) (uint64, error) {
	rb, err := e.ringbufByID(r1)
	if err != nil {
		return 0, err
	}
	rec, err := rb.Reserve(uint32(r2))
	if err != nil {
		return 0, nil
	}
	addr, buf, err := vm.AllocScratch(r2)
	if err != nil {
		rec.Discard()
		return 0, err
	}
	vm.StashPut(addr, &pendingRecord{rec: rec, buf: buf})
	return addr, nil
}

func (e *Env) ringbufSubmit(vm *ebpf.VM, r1, _, _, _, _ uint64) (uint64, error) {
	v, ok := vm.StashTake(r1)
	if !ok {
		return 0, fmt.Errorf("%w: no reservation at %#x", ErrBadArgument, r1)
	}
	p := v.(*pendingRecord)
	copy(p.rec.Bytes(), p.buf)
	p.rec.Submit()
	return 0, nil
}

func (e *Env) ringbufDiscard(vm *ebpf.VM, r1, _, _, _, _ uint64) (uint64, error) {
	v, ok := vm.StashTake(r1)
	if !ok {
		return 0, fmt.Errorf("%w: no reservation at %#x", ErrBadArgument, r1)
	}
	v.(*pendingRecord).rec.Discard()
	return 0, nil
}

func (e *Env) ringbufQuery(_ *ebpf.VM, r1, _, _, _, _ uint64) (uint64, error) {
	rb, err := e.ringbufByID(r1)
	if err != nil {
		return 0, err
	}
	return rb.Query(), nil
}

func (e *Env) emergencyStop(_ *ebpf.VM, r1, _, _, _, _ uint64) (uint64, error) {
	if e.EmergencyStop != nil {
		e.EmergencyStop(r1)
	}
	return 0, nil
}

func (e *Env) timeseriesPush(_ *ebpf.VM, r1, r2, _, _, _ uint64) (uint64, error) {
	m, err := e.mapByID(r1)
	if err != nil {
		return 0, err
	}
	ts, ok := m.(*maps.TimeSeries)
	if !ok {
		return 0, fmt.Errorf("%w: map %d is %s", ErrWrongMapKind, r1, m.Spec().Kind)
	}
	ts.Push(e.Now(), int64(r2))
	return 0, nil
}

func (e *Env) sensorLastTimestamp(_ *ebpf.VM, r1, _, _, _, _ uint64) (uint64, error) {
	m, err := e.mapByID(r1)
	if err != nil {
		return 0, err
	}
	ts, ok := m.(*maps.TimeSeries)
	if !ok {
		return 0, fmt.Errorf("%w: map %d is %s", ErrWrongMapKind, r1, m.Spec().Kind)
	}
	last, ok := ts.Last()
	if !ok {
		return 0, nil
	}
	return last.Timestamp, nil
}
