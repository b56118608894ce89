// Package engine ties the pipeline together: it verifies signatures,
// links objects, creates maps, runs the verifier and executes accepted
// programs against attach events. An Engine is an explicit handle;
// nothing in the package is global.
package engine

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/pro-utkarshM/axiom-ebpf/internal/types"
	"github.com/pro-utkarshM/axiom-ebpf/pkg/attach"
	"github.com/pro-utkarshM/axiom-ebpf/pkg/ebpf"
	"github.com/pro-utkarshM/axiom-ebpf/pkg/helpers"
	"github.com/pro-utkarshM/axiom-ebpf/pkg/jit"
	"github.com/pro-utkarshM/axiom-ebpf/pkg/loader"
	"github.com/pro-utkarshM/axiom-ebpf/pkg/maps"
	"github.com/pro-utkarshM/axiom-ebpf/pkg/profile"
	"github.com/pro-utkarshM/axiom-ebpf/pkg/progstore"
	"github.com/pro-utkarshM/axiom-ebpf/pkg/sched"
	"github.com/pro-utkarshM/axiom-ebpf/pkg/signing"
	"github.com/pro-utkarshM/axiom-ebpf/pkg/verifier"
)

var (
	ErrTooManyPrograms = errors.New("engine: program limit reached")
	ErrProgramNotFound = errors.New("engine: program not found")
	ErrProgramBusy     = errors.New("engine: program has live attachments")
	ErrAttachNotFound  = errors.New("engine: attachment not found")
)

// maxCtxSize is the largest attach context any variant delivers; the
// verifier bounds context reads against it.
const maxCtxSize = 64

// defaultRelativeDeadline is applied to attachments that never had an
// explicit deadline configured.
const defaultRelativeDeadline = uint64(time.Millisecond)

// Options carries the collaborators an Engine needs beyond the profile.
// Zero values get working defaults.
type Options struct {
	// Keyring holds the trusted signer set. A fresh empty keyring is
	// used when nil, which rejects every envelope.
	Keyring *signing.Keyring

	// Store, when set, persists accepted envelopes and lets the engine
	// repopulate its table at startup.
	Store *progstore.Store

	// Now returns monotonic nanoseconds. Defaults to the runtime clock.
	Now func() uint64

	// Exec, when set, runs compiled code natively. Without it the
	// engine always executes through the interpreter, even when a
	// compiled body is cached.
	Exec jit.Exec

	// Printk receives trace_printk output from running programs.
	Printk func(msg string)

	// EmergencyStop receives motor_emergency_stop requests.
	EmergencyStop func(code uint64)
}

// AttachHandle names one live attachment.
type AttachHandle uint64

// Result reports the outcome of one dispatched invocation.
type Result struct {
	Program types.ProgramID
	Ret     uint64
	Err     error
}

type programEntry struct {
	prog     *ebpf.Program
	mapIDs   []uint32
	code     *jit.Code
	attached int
	typ      ebpf.ProgType
	name     string
}

type attachment struct {
	program types.ProgramID
	point   attach.Point
	enabled bool
	// deadline is the relative deadline in nanoseconds added to an
	// event timestamp under the deadline policy.
	deadline uint64
}

// Engine owns the program table, the map registry and the scheduler.
type Engine struct {
	prof    *profile.Profile
	keyring *signing.Keyring
	store   *progstore.Store
	reg     *maps.Registry
	env     *helpers.Env
	jit     *jit.Compiler
	policy  sched.Policy
	now     func() uint64
	exec    jit.Exec

	mu          sync.RWMutex
	programs    map[types.ProgramID]*programEntry
	attachments map[AttachHandle]*attachment
	nextHandle  uint64
}

// New builds an engine over the given profile. The profile fixes every
// resource ceiling; opts supplies collaborators.
func New(prof *profile.Profile, opts Options) (*Engine, error) {
	if prof == nil {
		prof = profile.Server()
	}
	if err := prof.Validate(); err != nil {
		return nil, err
	}
	policy, err := sched.New(prof.Scheduler, sched.DefaultConfig())
	if err != nil {
		return nil, err
	}
	reg := maps.NewRegistry(maps.Config{
		MaxMaps:     prof.MaxMaps,
		MemoryLimit: uint64(prof.MapMemoryLimit),
	})
	env := helpers.NewEnv(reg)
	if opts.Now != nil {
		env.Now = opts.Now
	}
	env.Printk = opts.Printk
	env.EmergencyStop = opts.EmergencyStop

	kr := opts.Keyring
	if kr == nil {
		kr = signing.NewKeyring()
	}
	e := &Engine{
		prof:        prof,
		keyring:     kr,
		store:       opts.Store,
		reg:         reg,
		env:         env,
		jit:         jit.NewCompiler(prof.JITEnabled, prof.StackSize),
		policy:      policy,
		now:         env.Now,
		exec:        opts.Exec,
		programs:    make(map[types.ProgramID]*programEntry),
		attachments: make(map[AttachHandle]*attachment),
	}
	return e, nil
}

// Maps exposes the engine's map registry.
func (e *Engine) Maps() *maps.Registry { return e.reg }

// Keyring exposes the trusted signer set.
func (e *Engine) Keyring() *signing.Keyring { return e.keyring }

// LoadProgram runs the full admission pipeline on a signed envelope:
// signature verification, linking, map creation, static verification
// and table insertion. Loading the same envelope twice is a no-op that
// returns the existing id. Any failure leaves no partial state behind.
func (e *Engine) LoadProgram(envelope []byte) (types.ProgramID, error) {
	return e.load(envelope, "", ebpf.ProgTypeUnspec)
}

// LoadProgramNamed is LoadProgram with an explicit program name and
// attach family recorded in the table.
func (e *Engine) LoadProgramNamed(envelope []byte, name string, typ ebpf.ProgType) (types.ProgramID, error) {
	return e.load(envelope, name, typ)
}

func (e *Engine) load(raw []byte, name string, typ ebpf.ProgType) (types.ProgramID, error) {
	env, err := e.keyring.Verify(raw, e.now())
	if err != nil {
		return types.ProgramID{}, err
	}
	id := env.ProgramID()

	e.mu.RLock()
	_, exists := e.programs[id]
	full := e.prof.MaxPrograms > 0 && len(e.programs) >= e.prof.MaxPrograms
	e.mu.RUnlock()
	if exists {
		return id, nil
	}
	if full {
		return types.ProgramID{}, fmt.Errorf("%w: limit %d", ErrTooManyPrograms, e.prof.MaxPrograms)
	}

	obj, err := loader.Load(env.Program)
	if err != nil {
		return types.ProgramID{}, err
	}
	if name == "" {
		name = id.String()[:8]
	}
	prog := obj.Program(name, typ)

	mapIDs, err := e.createMaps(obj.Maps)
	if err != nil {
		return types.ProgramID{}, err
	}
	rollback := func() {
		for _, mid := range mapIDs {
			e.reg.DecRef(mid)
			_ = e.reg.Remove(mid)
		}
	}

	if err := verifier.Verify(prog, verifier.Config{
		MaxInstructions:   e.prof.MaxInstructions,
		StackSize:         e.prof.StackSize,
		CtxSize:           maxCtxSize,
		MaxLoopIterations: e.prof.MaxLoopIterations,
	}); err != nil {
		rollback()
		return types.ProgramID{}, err
	}

	patchMapRefs(prog.Text, mapIDs)

	entry := &programEntry{prog: prog, mapIDs: mapIDs, typ: typ, name: name}
	if e.prof.JITEnabled {
		// best effort: unsupported programs run interpreted
		if code, err := e.jit.Compile(prog, runtime.GOARCH); err == nil {
			entry.code = code
		}
	}

	e.mu.Lock()
	if _, ok := e.programs[id]; ok {
		e.mu.Unlock()
		rollback()
		return id, nil
	}
	if e.prof.MaxPrograms > 0 && len(e.programs) >= e.prof.MaxPrograms {
		e.mu.Unlock()
		rollback()
		return types.ProgramID{}, fmt.Errorf("%w: limit %d", ErrTooManyPrograms, e.prof.MaxPrograms)
	}
	e.programs[id] = entry
	e.mu.Unlock()

	if e.store != nil {
		err := e.store.Put(id, raw, progstore.Meta{
			Name:     name,
			ProgType: uint32(typ),
			StoredAt: time.Now(),
		})
		if err != nil && !errors.Is(err, progstore.ErrExists) {
			e.mu.Lock()
			delete(e.programs, id)
			e.mu.Unlock()
			rollback()
			return types.ProgramID{}, err
		}
	}
	return id, nil
}

// createMaps instantiates the object's declared maps and takes a
// reference on each for the owning program. On failure every map
// created so far is released again.
func (e *Engine) createMaps(decls []loader.MapDecl) ([]uint32, error) {
	ids := make([]uint32, 0, len(decls))
	for _, d := range decls {
		id, _, err := e.reg.Create(maps.Spec{
			Name:       d.Name,
			Kind:       maps.Kind(d.Kind),
			KeySize:    d.KeySize,
			ValueSize:  d.ValueSize,
			MaxEntries: d.MaxEntries,
			Flags:      d.Flags,
		})
		if err == nil {
			err = e.reg.IncRef(id)
		}
		if err != nil {
			for _, prev := range ids {
				e.reg.DecRef(prev)
				_ = e.reg.Remove(prev)
			}
			return nil, fmt.Errorf("map %q: %w", d.Name, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// patchMapRefs rewrites relocated wide loads in place so their
// immediate becomes the live registry id instead of the declaration
// index. Runs after verification, which checks indices.
func patchMapRefs(text []uint64, mapIDs []uint32) {
	for i := 0; i < len(text); i++ {
		ins := ebpf.Instruction(text[i])
		if !ins.IsWide() {
			continue
		}
		if ins.Src() == ebpf.PseudoMapRef {
			idx := ins.Uimm()
			if int(idx) < len(mapIDs) {
				slots := ebpf.Lddw(ins.Dst(), uint64(mapIDs[idx]))
				text[i] = slots[0]
				text[i+1] = slots[1]
			}
		}
		i++ // skip the second slot
	}
}

// Unload removes a program from the table and releases its maps. It
// fails while attachments still reference the program.
func (e *Engine) Unload(id types.ProgramID) error {
	e.mu.Lock()
	entry, ok := e.programs[id]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrProgramNotFound, id)
	}
	if entry.attached > 0 {
		e.mu.Unlock()
		return fmt.Errorf("%w: %d attachments", ErrProgramBusy, entry.attached)
	}
	delete(e.programs, id)
	e.mu.Unlock()

	for _, mid := range entry.mapIDs {
		e.reg.DecRef(mid)
		// stays alive while other holders reference it
		_ = e.reg.Remove(mid)
	}
	return nil
}

// Attach binds a loaded program to an attach point. Only programs that
// passed the admission pipeline are in the table, so every attachment
// is verified by construction.
func (e *Engine) Attach(id types.ProgramID, point attach.Point) (AttachHandle, error) {
	if err := point.Validate(); err != nil {
		return 0, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	entry, ok := e.programs[id]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrProgramNotFound, id)
	}
	e.nextHandle++
	h := AttachHandle(e.nextHandle)
	e.attachments[h] = &attachment{
		program:  id,
		point:    point,
		enabled:  true,
		deadline: defaultRelativeDeadline,
	}
	entry.attached++
	return h, nil
}

// Detach removes an attachment.
func (e *Engine) Detach(h AttachHandle) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	att, ok := e.attachments[h]
	if !ok {
		return fmt.Errorf("%w: %d", ErrAttachNotFound, h)
	}
	delete(e.attachments, h)
	if entry, ok := e.programs[att.program]; ok {
		entry.attached--
	}
	return nil
}

// Enable lets an attachment receive events again.
func (e *Engine) Enable(h AttachHandle) error { return e.setEnabled(h, true) }

// Disable stops event delivery without removing the attachment.
func (e *Engine) Disable(h AttachHandle) error { return e.setEnabled(h, false) }

func (e *Engine) setEnabled(h AttachHandle, on bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	att, ok := e.attachments[h]
	if !ok {
		return fmt.Errorf("%w: %d", ErrAttachNotFound, h)
	}
	att.enabled = on
	return nil
}

// SetDeadline sets the relative deadline, in nanoseconds, used for
// invocations of this attachment under the deadline policy.
func (e *Engine) SetDeadline(h AttachHandle, relNanos uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	att, ok := e.attachments[h]
	if !ok {
		return fmt.Errorf("%w: %d", ErrAttachNotFound, h)
	}
	if relNanos == 0 {
		relNanos = defaultRelativeDeadline
	}
	att.deadline = relNanos
	return nil
}

// CreateMap creates a standalone map through the engine's registry.
func (e *Engine) CreateMap(spec maps.Spec) (uint32, error) {
	id, _, err := e.reg.Create(spec)
	return id, err
}

// MapLookup returns a copy of the value stored under key.
func (e *Engine) MapLookup(id uint32, key []byte) ([]byte, error) {
	m, err := e.reg.Get(id)
	if err != nil {
		return nil, err
	}
	return m.Lookup(key)
}

// MapUpdate writes value under key subject to the update flags.
func (e *Engine) MapUpdate(id uint32, key, value []byte, flags uint32) error {
	m, err := e.reg.Get(id)
	if err != nil {
		return err
	}
	return m.Update(key, value, flags)
}

// MapDelete removes key.
func (e *Engine) MapDelete(id uint32, key []byte) error {
	m, err := e.reg.Get(id)
	if err != nil {
		return err
	}
	return m.Delete(key)
}

// RemoveMap drops a map. It fails with maps.ErrMapBusy while any
// loaded program still references it.
func (e *Engine) RemoveMap(id uint32) error {
	return e.reg.Remove(id)
}

// Execute runs a loaded program synchronously against ctx and returns
// its R0. The table lock is only held while the entry is looked up,
// never across execution.
func (e *Engine) Execute(id types.ProgramID, ctx []byte) (uint64, error) {
	e.mu.RLock()
	entry, ok := e.programs[id]
	e.mu.RUnlock()
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrProgramNotFound, id)
	}
	return e.run(entry, ctx)
}

func (e *Engine) run(entry *programEntry, ctx []byte) (uint64, error) {
	if entry.code != nil && e.exec != nil {
		return entry.code.Run(e.exec, ctx)
	}
	vm := ebpf.NewVM(entry.prog, ebpf.Config{
		StackSize:    e.prof.StackSize,
		MaxCallDepth: e.prof.MaxCallDepth,
		HeapSize:     e.prof.HeapSize,
		Fuel:         e.prof.Fuel,
		Helpers:      e.env,
	})
	return vm.Run(ctx)
}

// Dispatch delivers one event occurrence: every enabled attachment
// whose point matches the event is turned into an invocation, the
// scheduler policy decides admission and order, and admitted
// invocations run to completion. Admission rejections surface as
// Results with the policy's error.
func (e *Engine) Dispatch(ev attach.Event) ([]Result, error) {
	ctx := ev.Context()
	ts := ev.Time()

	e.mu.RLock()
	var pending []sched.Invocation
	var rejected []Result
	for _, att := range e.attachments {
		if !att.enabled || att.point.Type != ev.Kind() || !ev.Matches(att.point) {
			continue
		}
		pending = append(pending, sched.Invocation{
			Program:   att.program,
			Context:   ctx,
			Timestamp: ts,
			Deadline:  ts + att.deadline,
		})
	}
	e.mu.RUnlock()

	for _, inv := range pending {
		if err := e.policy.Submit(inv); err != nil {
			rejected = append(rejected, Result{Program: inv.Program, Err: err})
		}
	}

	var results []Result
	for {
		inv, ok := e.policy.Next()
		if !ok {
			break
		}
		e.mu.RLock()
		entry, ok := e.programs[inv.Program]
		e.mu.RUnlock()
		if !ok {
			// unloaded between admission and run
			results = append(results, Result{Program: inv.Program, Err: ErrProgramNotFound})
			continue
		}
		ret, err := e.run(entry, inv.Context)
		results = append(results, Result{Program: inv.Program, Ret: ret, Err: err})
	}
	return append(results, rejected...), nil
}

// Programs returns the ids of all loaded programs.
func (e *Engine) Programs() []types.ProgramID {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]types.ProgramID, 0, len(e.programs))
	for id := range e.programs {
		out = append(out, id)
	}
	return out
}

// Attached reports how many live attachments a program has.
func (e *Engine) Attached(id types.ProgramID) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if entry, ok := e.programs[id]; ok {
		return entry.attached
	}
	return 0
}

// Reload repopulates the program table from the configured store.
// Returns how many programs loaded and the ids that failed admission.
func (e *Engine) Reload() (int, []types.ProgramID, error) {
	if e.store == nil {
		return 0, nil, nil
	}
	return e.store.ReloadInto(e)
}
