// Package helpers defines the host function ABI callable from
// bytecode: numeric ids, argument signatures consumed by the verifier,
// and the runtime dispatch environment.
package helpers

import "errors"

var (
	ErrUnknownHelper = errors.New("helpers: unknown helper id")
	ErrWrongMapKind  = errors.New("helpers: map kind mismatch")
	ErrBadArgument   = errors.New("helpers: bad argument")
)

// Helper ids. These travel in program text and must not change.
const (
	IDMapLookupElem     = 1
	IDMapUpdateElem     = 2
	IDMapDeleteElem     = 3
	IDProbeRead         = 4
	IDKtimeGetNS        = 5
	IDTracePrintk       = 6
	IDGetPrandomU32     = 7
	IDGetSmpProcessorID = 8

	IDRingbufOutput  = 130
	IDRingbufReserve = 131
	IDRingbufSubmit  = 132
	IDRingbufDiscard = 133
	IDRingbufQuery   = 134

	IDMotorEmergencyStop  = 200
	IDTimeseriesPush      = 201
	IDSensorLastTimestamp = 202
)

// ArgClass constrains one helper argument for the verifier.
type ArgClass uint8

const (
	// ArgNone marks an unused argument slot.
	ArgNone ArgClass = iota
	// ArgScalar requires an initialized non-pointer value.
	ArgScalar
	// ArgMapID requires a constant map reference loaded by a relocated
	// lddw.
	ArgMapID
	// ArgPtrMem requires a bounds-checked pointer into program-visible
	// memory spanning the value of the signature's ArgSize argument.
	ArgPtrMem
	// ArgSize is the byte length governing the ArgPtrMem arguments.
	ArgSize
	// ArgPtrMapKey requires a pointer spanning the key size of the map
	// named by the ArgMapID argument.
	ArgPtrMapKey
	// ArgPtrMapValue requires a pointer spanning the value size of the
	// map named by the ArgMapID argument.
	ArgPtrMapValue
)

// RetClass describes what lands in R0 after a helper returns.
type RetClass uint8

const (
	// RetScalar marks a plain value.
	RetScalar RetClass = iota
	// RetNullOrMapValue marks zero or a pointer to a map value. The
	// value size comes from the map named by the ArgMapID argument.
	RetNullOrMapValue
	// RetNullOrScratch marks zero or a pointer to freshly allocated
	// scratch whose size comes from the argument named by RetSizeArg.
	RetNullOrScratch
)

// Signature is the verifier-visible contract of one helper.
type Signature struct {
	ID   uint32
	Name string
	Args []ArgClass
	Ret  RetClass
	// RetSizeArg is the 1-based argument index carrying the scratch
	// size for RetNullOrScratch returns.
	RetSizeArg int
}

// NumArgs returns the declared argument count.
func (s Signature) NumArgs() int { return len(s.Args) }

var signatures = map[uint32]Signature{
	IDMapLookupElem: {
		ID: IDMapLookupElem, Name: "map_lookup_elem",
		Args: []ArgClass{ArgMapID, ArgPtrMapKey},
		Ret:  RetNullOrMapValue,
	},
	IDMapUpdateElem: {
		ID: IDMapUpdateElem, Name: "map_update_elem",
		Args: []ArgClass{ArgMapID, ArgPtrMapKey, ArgPtrMapValue, ArgScalar},
		Ret:  RetScalar,
	},
	IDMapDeleteElem: {
		ID: IDMapDeleteElem, Name: "map_delete_elem",
		Args: []ArgClass{ArgMapID, ArgPtrMapKey},
		Ret:  RetScalar,
	},
	IDProbeRead: {
		ID: IDProbeRead, Name: "probe_read",
		Args: []ArgClass{ArgPtrMem, ArgSize, ArgPtrMem},
		Ret:  RetScalar,
	},
	IDKtimeGetNS: {
		ID: IDKtimeGetNS, Name: "ktime_get_ns",
		Ret: RetScalar,
	},
	IDTracePrintk: {
		ID: IDTracePrintk, Name: "trace_printk",
		Args: []ArgClass{ArgPtrMem, ArgSize},
		Ret:  RetScalar,
	},
	IDGetPrandomU32: {
		ID: IDGetPrandomU32, Name: "get_prandom_u32",
		Ret: RetScalar,
	},
	IDGetSmpProcessorID: {
		ID: IDGetSmpProcessorID, Name: "get_smp_processor_id",
		Ret: RetScalar,
	},
	IDRingbufOutput: {
		ID: IDRingbufOutput, Name: "ringbuf_output",
		Args: []ArgClass{ArgMapID, ArgPtrMem, ArgSize, ArgScalar},
		Ret:  RetScalar,
	},
	IDRingbufReserve: {
		ID: IDRingbufReserve, Name: "ringbuf_reserve",
		Args: []ArgClass{ArgMapID, ArgSize, ArgScalar},
		Ret:  RetNullOrScratch, RetSizeArg: 2,
	},
	IDRingbufSubmit: {
		ID: IDRingbufSubmit, Name: "ringbuf_submit",
		Args: []ArgClass{ArgPtrMem, ArgScalar},
		Ret:  RetScalar,
	},
	IDRingbufDiscard: {
		ID: IDRingbufDiscard, Name: "ringbuf_discard",
		Args: []ArgClass{ArgPtrMem, ArgScalar},
		Ret:  RetScalar,
	},
	IDRingbufQuery: {
		ID: IDRingbufQuery, Name: "ringbuf_query",
		Args: []ArgClass{ArgMapID, ArgScalar},
		Ret:  RetScalar,
	},
	IDMotorEmergencyStop: {
		ID: IDMotorEmergencyStop, Name: "motor_emergency_stop",
		Args: []ArgClass{ArgScalar},
		Ret:  RetScalar,
	},
	IDTimeseriesPush: {
		ID: IDTimeseriesPush, Name: "timeseries_push",
		Args: []ArgClass{ArgMapID, ArgScalar},
		Ret:  RetScalar,
	},
	IDSensorLastTimestamp: {
		ID: IDSensorLastTimestamp, Name: "sensor_last_timestamp",
		Args: []ArgClass{ArgMapID},
		Ret:  RetScalar,
	},
}

var idByName = func() map[string]uint32 {
	m := make(map[string]uint32, len(signatures))
	for id, sig := range signatures {
		m[sig.Name] = id
	}
	return m
}()

// Lookup returns the signature registered under id.
func Lookup(id uint32) (Signature, bool) {
	sig, ok := signatures[id]
	return sig, ok
}

// IDByName resolves a helper symbol name to its id, used by the loader
// when applying call relocations.
func IDByName(name string) (uint32, bool) {
	id, ok := idByName[name]
	return id, ok
}
