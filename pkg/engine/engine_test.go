package engine

import (
	"crypto/ed25519"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/pro-utkarshM/axiom-ebpf/internal/types"
	"github.com/pro-utkarshM/axiom-ebpf/pkg/attach"
	"github.com/pro-utkarshM/axiom-ebpf/pkg/ebpf"
	"github.com/pro-utkarshM/axiom-ebpf/pkg/maps"
	"github.com/pro-utkarshM/axiom-ebpf/pkg/profile"
	"github.com/pro-utkarshM/axiom-ebpf/pkg/progstore"
	"github.com/pro-utkarshM/axiom-ebpf/pkg/signing"
	"github.com/pro-utkarshM/axiom-ebpf/pkg/verifier"
)

// testObject assembles a minimal relocatable object: .text plus a GPL
// license, and optionally one hash map declaration referenced by a
// relocated wide load at text offset 0.
func testObject(t *testing.T, text []uint64, withMap bool) []byte {
	t.Helper()

	type section struct {
		nameOff uint32
		typ     uint32
		data    []byte
		link    uint32
	}
	names := []byte{0}
	var sections []section
	add := func(name string, typ uint32, data []byte, link uint32) int {
		nameOff := uint32(0)
		if name != "" {
			nameOff = uint32(len(names))
			names = append(names, name...)
			names = append(names, 0)
		}
		sections = append(sections, section{nameOff, typ, data, link})
		return len(sections) - 1
	}

	textBytes := make([]byte, 8*len(text))
	for i, s := range text {
		binary.LittleEndian.PutUint64(textBytes[i*8:], s)
	}

	add("", 0, nil, 0)
	add(".text", 1, textBytes, 0)
	add("license", 1, []byte("GPL\x00"), 0)
	if withMap {
		decl := make([]byte, 20)
		binary.LittleEndian.PutUint32(decl[0:], uint32(maps.KindHash))
		binary.LittleEndian.PutUint32(decl[4:], 4)  // key
		binary.LittleEndian.PutUint32(decl[8:], 8)  // value
		binary.LittleEndian.PutUint32(decl[12:], 16)
		mapsIdx := add("maps", 1, decl, 0)

		strtab := []byte("\x00counts\x00")
		strtabIdx := add(".strtab", 3, strtab, 0)

		sym := make([]byte, 48) // undef + map symbol
		binary.LittleEndian.PutUint32(sym[24:], 1) // name "counts"
		binary.LittleEndian.PutUint16(sym[30:], uint16(mapsIdx))
		symtabIdx := add(".symtab", 2, sym, uint32(strtabIdx))

		rel := make([]byte, 16)
		binary.LittleEndian.PutUint64(rel[0:], 0)                // text offset
		binary.LittleEndian.PutUint64(rel[8:], uint64(1)<<32|1)  // sym 1, R_BPF_64_64
		add(".rel.text", 9, rel, uint32(symtabIdx))
	}

	shstrndx := add(".shstrtab", 3, nil, 0)
	sections[shstrndx].data = names

	var body []byte
	offs := make([]uint64, len(sections))
	cursor := uint64(64)
	for i, s := range sections {
		offs[i] = cursor
		body = append(body, s.data...)
		cursor += uint64(len(s.data))
	}

	out := make([]byte, 64)
	out[0], out[1], out[2], out[3] = 0x7f, 'E', 'L', 'F'
	out[4], out[5], out[6] = 2, 1, 1
	binary.LittleEndian.PutUint16(out[16:], 1)
	binary.LittleEndian.PutUint16(out[18:], 247)
	binary.LittleEndian.PutUint64(out[40:], cursor)
	binary.LittleEndian.PutUint16(out[58:], 64)
	binary.LittleEndian.PutUint16(out[60:], uint16(len(sections)))
	binary.LittleEndian.PutUint16(out[62:], uint16(shstrndx))
	out = append(out, body...)
	for i, s := range sections {
		sh := make([]byte, 64)
		binary.LittleEndian.PutUint32(sh[0:], s.nameOff)
		binary.LittleEndian.PutUint32(sh[4:], s.typ)
		binary.LittleEndian.PutUint64(sh[24:], offs[i])
		binary.LittleEndian.PutUint64(sh[32:], uint64(len(s.data)))
		binary.LittleEndian.PutUint32(sh[40:], s.link)
		out = append(out, sh...)
	}
	return out
}

type testRig struct {
	eng  *Engine
	priv ed25519.PrivateKey
}

func newRig(t *testing.T, prof *profile.Profile, opts Options) *testRig {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}
	kr := signing.NewKeyring()
	if _, err := kr.Add(pub); err != nil {
		t.Fatal(err)
	}
	opts.Keyring = kr
	eng, err := New(prof, opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &testRig{eng: eng, priv: priv}
}

func (r *testRig) sign(t *testing.T, object []byte) []byte {
	t.Helper()
	env, err := signing.Sign(r.priv, object, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	return env
}

func (r *testRig) loadText(t *testing.T, text []uint64) types.ProgramID {
	t.Helper()
	id, err := r.eng.LoadProgram(r.sign(t, testObject(t, text, false)))
	if err != nil {
		t.Fatalf("LoadProgram: %v", err)
	}
	return id
}

func returns7() []uint64 {
	return []uint64{ebpf.Mov64Imm(0, 7), ebpf.Exit()}
}

func TestLoadAndExecute(t *testing.T) {
	r := newRig(t, profile.Embedded(), Options{})
	id := r.loadText(t, returns7())

	got, err := r.eng.Execute(id, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got != 7 {
		t.Errorf("ret = %d, want 7", got)
	}
}

func TestLoadTamperedEnvelope(t *testing.T) {
	r := newRig(t, profile.Embedded(), Options{})
	env := r.sign(t, testObject(t, returns7(), false))
	env[len(env)-1] ^= 0x01

	if _, err := r.eng.LoadProgram(env); err == nil {
		t.Fatal("tampered envelope accepted")
	}
}

func TestLoadIdempotent(t *testing.T) {
	r := newRig(t, profile.Embedded(), Options{})
	env := r.sign(t, testObject(t, returns7(), false))

	id1, err := r.eng.LoadProgram(env)
	if err != nil {
		t.Fatal(err)
	}
	id2, err := r.eng.LoadProgram(env)
	if err != nil {
		t.Fatal(err)
	}
	if id1 != id2 {
		t.Error("same envelope produced different ids")
	}
	if n := len(r.eng.Programs()); n != 1 {
		t.Errorf("program count = %d, want 1", n)
	}
}

func TestLoadRejectsUnboundedLoop(t *testing.T) {
	r := newRig(t, profile.Embedded(), Options{})
	env := r.sign(t, testObject(t, []uint64{ebpf.Ja(-1)}, false))

	_, err := r.eng.LoadProgram(env)
	if !errors.Is(err, verifier.ErrLoopBound) {
		t.Fatalf("err = %v, want ErrLoopBound", err)
	}
}

func TestExecuteReadsContext(t *testing.T) {
	r := newRig(t, profile.Embedded(), Options{})
	id := r.loadText(t, []uint64{
		ebpf.Encode(ebpf.OpLdxw, 0, 1, 0, 0),
		ebpf.Exit(),
	})

	ctx := make([]byte, 8)
	binary.LittleEndian.PutUint32(ctx, 0xdeadbeef)
	got, err := r.eng.Execute(id, ctx)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got != 0xdeadbeef {
		t.Errorf("ret = %#x, want 0xdeadbeef", got)
	}
}

func TestExecuteUnknownProgram(t *testing.T) {
	r := newRig(t, profile.Embedded(), Options{})
	if _, err := r.eng.Execute(types.ProgramID{1}, nil); !errors.Is(err, ErrProgramNotFound) {
		t.Fatalf("err = %v, want ErrProgramNotFound", err)
	}
}

func TestAttachLifecycle(t *testing.T) {
	r := newRig(t, profile.Embedded(), Options{})
	id := r.loadText(t, returns7())

	h, err := r.eng.Attach(id, attach.Timer(1_000_000))
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if n := r.eng.Attached(id); n != 1 {
		t.Errorf("attached = %d, want 1", n)
	}
	if err := r.eng.Unload(id); !errors.Is(err, ErrProgramBusy) {
		t.Fatalf("Unload with attachment: %v, want ErrProgramBusy", err)
	}
	if err := r.eng.Detach(h); err != nil {
		t.Fatalf("Detach: %v", err)
	}
	if err := r.eng.Unload(id); err != nil {
		t.Fatalf("Unload: %v", err)
	}
	if _, err := r.eng.Execute(id, nil); !errors.Is(err, ErrProgramNotFound) {
		t.Fatalf("Execute after unload: %v", err)
	}
	if err := r.eng.Detach(h); !errors.Is(err, ErrAttachNotFound) {
		t.Fatalf("double Detach: %v, want ErrAttachNotFound", err)
	}
}

func TestAttachInvalidTarget(t *testing.T) {
	r := newRig(t, profile.Embedded(), Options{})
	id := r.loadText(t, returns7())

	if _, err := r.eng.Attach(id, attach.GPIO("", 0, attach.EdgeRising)); !errors.Is(err, attach.ErrInvalidTarget) {
		t.Fatalf("err = %v, want ErrInvalidTarget", err)
	}
}

func TestDispatchTimer(t *testing.T) {
	r := newRig(t, profile.Embedded(), Options{})
	id := r.loadText(t, returns7())
	h, err := r.eng.Attach(id, attach.Timer(1_000_000))
	if err != nil {
		t.Fatal(err)
	}

	ev := attach.TimerEvent{Timestamp: 100, Expirations: 1}
	results, err := r.eng.Dispatch(ev)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("results = %d, want 1", len(results))
	}
	if results[0].Err != nil || results[0].Ret != 7 {
		t.Errorf("result = {%d %v}, want {7 nil}", results[0].Ret, results[0].Err)
	}

	if err := r.eng.Disable(h); err != nil {
		t.Fatal(err)
	}
	results, err = r.eng.Dispatch(ev)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 0 {
		t.Errorf("disabled attachment still ran: %d results", len(results))
	}

	if err := r.eng.Enable(h); err != nil {
		t.Fatal(err)
	}
	results, _ = r.eng.Dispatch(ev)
	if len(results) != 1 {
		t.Errorf("re-enabled attachment did not run")
	}
}

func TestDispatchMatchesTarget(t *testing.T) {
	r := newRig(t, profile.Embedded(), Options{})
	id := r.loadText(t, returns7())
	if _, err := r.eng.Attach(id, attach.GPIO("gpiochip0", 5, attach.EdgeRising)); err != nil {
		t.Fatal(err)
	}

	hit := attach.GPIOEvent{Timestamp: 1, Chip: 0, Line: 5, Edge: attach.EdgeRising, Value: 1}
	results, err := r.eng.Dispatch(hit)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 {
		t.Fatalf("matching event: %d results, want 1", len(results))
	}

	miss := attach.GPIOEvent{Timestamp: 2, Chip: 0, Line: 6, Edge: attach.EdgeRising}
	results, err = r.eng.Dispatch(miss)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 0 {
		t.Errorf("wrong line matched: %d results", len(results))
	}
}

func TestDeclaredMapLifecycle(t *testing.T) {
	r := newRig(t, profile.Embedded(), Options{})
	text := []uint64{0, 0, ebpf.Mov64Imm(0, 0), ebpf.Exit()}
	lddw := ebpf.LddwMap(1, 0)
	text[0], text[1] = lddw[0], lddw[1]

	id, err := r.eng.LoadProgram(r.sign(t, testObject(t, text, true)))
	if err != nil {
		t.Fatalf("LoadProgram: %v", err)
	}

	// the declared map is the registry's first allocation
	if err := r.eng.RemoveMap(1); !errors.Is(err, maps.ErrMapBusy) {
		t.Fatalf("RemoveMap while loaded: %v, want ErrMapBusy", err)
	}
	if err := r.eng.Unload(id); err != nil {
		t.Fatalf("Unload: %v", err)
	}
	if err := r.eng.RemoveMap(1); !errors.Is(err, maps.ErrUnknownMap) {
		t.Fatalf("RemoveMap after unload: %v, want ErrUnknownMap", err)
	}
}

func TestStandaloneMapOps(t *testing.T) {
	r := newRig(t, profile.Embedded(), Options{})
	id, err := r.eng.CreateMap(maps.Spec{Name: "m", Kind: maps.KindHash, KeySize: 4, ValueSize: 4, MaxEntries: 8})
	if err != nil {
		t.Fatalf("CreateMap: %v", err)
	}

	key := []byte{1, 0, 0, 0}
	val := []byte{9, 0, 0, 0}
	if err := r.eng.MapUpdate(id, key, val, maps.UpdateAny); err != nil {
		t.Fatalf("MapUpdate: %v", err)
	}
	got, err := r.eng.MapLookup(id, key)
	if err != nil {
		t.Fatalf("MapLookup: %v", err)
	}
	if got[0] != 9 {
		t.Errorf("lookup = %v, want %v", got, val)
	}
	if err := r.eng.MapDelete(id, key); err != nil {
		t.Fatalf("MapDelete: %v", err)
	}
	if _, err := r.eng.MapLookup(id, key); !errors.Is(err, maps.ErrKeyNotFound) {
		t.Fatalf("lookup after delete: %v, want ErrKeyNotFound", err)
	}
	if err := r.eng.RemoveMap(id); err != nil {
		t.Fatalf("RemoveMap: %v", err)
	}
}

func TestProgramCeiling(t *testing.T) {
	prof := profile.Embedded()
	prof.MaxPrograms = 1
	r := newRig(t, prof, Options{})

	r.loadText(t, returns7())
	env := r.sign(t, testObject(t, []uint64{ebpf.Mov64Imm(0, 8), ebpf.Exit()}, false))
	if _, err := r.eng.LoadProgram(env); !errors.Is(err, ErrTooManyPrograms) {
		t.Fatalf("err = %v, want ErrTooManyPrograms", err)
	}
}

func TestReloadFromStore(t *testing.T) {
	store, err := progstore.Open(progstore.Config{InMemory: true})
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	r := newRig(t, profile.Embedded(), Options{Store: store})
	id := r.loadText(t, returns7())

	second, err := New(profile.Embedded(), Options{Keyring: r.eng.Keyring(), Store: store})
	if err != nil {
		t.Fatal(err)
	}
	loaded, failed, err := second.Reload()
	if err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if loaded != 1 || len(failed) != 0 {
		t.Fatalf("Reload = %d loaded, %d failed", loaded, len(failed))
	}
	got, err := second.Execute(id, nil)
	if err != nil || got != 7 {
		t.Fatalf("Execute after reload = %d, %v", got, err)
	}
}
