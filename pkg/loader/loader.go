// Package loader parses relocatable ELF objects holding bytecode and
// rewrites map and helper references into loadable program text.
//
// Only the narrow subset emitted by bytecode toolchains is accepted:
// little-endian ELF64 relocatable files for the BPF machine with a
// .text section, a license section, and optionally maps, .rodata and
// .rel.text with their symbol tables.
package loader

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/pro-utkarshM/axiom-ebpf/pkg/ebpf"
	"github.com/pro-utkarshM/axiom-ebpf/pkg/helpers"
)

var (
	ErrNotELF        = errors.New("loader: not a little-endian ELF64 relocatable")
	ErrWrongMachine  = errors.New("loader: not a BPF object")
	ErrTruncated     = errors.New("loader: object truncated")
	ErrNoText        = errors.New("loader: missing .text section")
	ErrNoLicense     = errors.New("loader: missing license")
	ErrBadMapDecl    = errors.New("loader: bad map declaration")
	ErrBadRelocation = errors.New("loader: bad relocation")
	ErrUnknownSymbol = errors.New("loader: unknown symbol")
)

// ELF constants for the accepted subset.
const (
	etRel     = 1
	emBPF     = 247
	ehSize    = 64
	shentSize = 64
	symSize   = 24
	relSize   = 16

	// relocation types
	rBPF6464 = 1  // map reference on a wide load
	rBPF6432 = 10 // helper call by symbol name

	mapDeclSize = 20
)

// MapDecl is one entry of the maps section, in declaration order.
type MapDecl struct {
	Name       string
	Kind       uint32
	KeySize    uint32
	ValueSize  uint32
	MaxEntries uint32
	Flags      uint32
}

// Object is a parsed, relocated bytecode object ready for map creation
// and verification.
type Object struct {
	Text    []uint64
	RO      []byte
	License string
	Maps    []MapDecl
}

type section struct {
	name string
	typ  uint32
	off  uint64
	size uint64
	link uint32
}

type symbol struct {
	name  string
	shndx uint16
	value uint64
}

// Load parses raw and applies its relocations.
func Load(raw []byte) (*Object, error) {
	sections, err := parseSections(raw)
	if err != nil {
		return nil, err
	}
	byName := make(map[string]*section, len(sections))
	for i := range sections {
		byName[sections[i].name] = &sections[i]
	}

	textSec, ok := byName[".text"]
	if !ok || textSec.size == 0 {
		return nil, ErrNoText
	}
	textBytes, err := sectionData(raw, textSec)
	if err != nil {
		return nil, err
	}
	text, err := ebpf.ParseText(textBytes)
	if err != nil {
		return nil, fmt.Errorf("loader: %w", err)
	}

	license, err := readLicense(raw, byName)
	if err != nil {
		return nil, err
	}

	obj := &Object{Text: text, License: license}

	if ro, ok := byName[".rodata"]; ok {
		data, err := sectionData(raw, ro)
		if err != nil {
			return nil, err
		}
		obj.RO = data
	}

	var mapsIdx = -1
	if ms, ok := byName["maps"]; ok {
		for i := range sections {
			if &sections[i] == ms {
				mapsIdx = i
			}
		}
		decls, err := parseMapDecls(raw, ms)
		if err != nil {
			return nil, err
		}
		obj.Maps = decls
	}

	syms, err := parseSymbols(raw, sections, byName)
	if err != nil {
		return nil, err
	}

	// map names come from symbols addressing the maps section
	for _, sym := range syms {
		if mapsIdx >= 0 && int(sym.shndx) == mapsIdx && sym.name != "" {
			idx := int(sym.value / mapDeclSize)
			if idx < len(obj.Maps) {
				obj.Maps[idx].Name = sym.name
			}
		}
	}

	if rel, ok := byName[".rel.text"]; ok {
		if err := applyRelocations(raw, rel, obj, syms, mapsIdx); err != nil {
			return nil, err
		}
	}
	return obj, nil
}

func parseSections(raw []byte) ([]section, error) {
	if len(raw) < ehSize {
		return nil, ErrTruncated
	}
	if raw[0] != 0x7f || raw[1] != 'E' || raw[2] != 'L' || raw[3] != 'F' {
		return nil, ErrNotELF
	}
	if raw[4] != 2 || raw[5] != 1 { // ELFCLASS64, ELFDATA2LSB
		return nil, ErrNotELF
	}
	if binary.LittleEndian.Uint16(raw[16:]) != etRel {
		return nil, ErrNotELF
	}
	if binary.LittleEndian.Uint16(raw[18:]) != emBPF {
		return nil, fmt.Errorf("%w: machine %d", ErrWrongMachine, binary.LittleEndian.Uint16(raw[18:]))
	}
	shoff := binary.LittleEndian.Uint64(raw[40:])
	shnum := int(binary.LittleEndian.Uint16(raw[60:]))
	shstrndx := int(binary.LittleEndian.Uint16(raw[62:]))
	// each operand checked on its own so crafted offsets cannot wrap
	if shoff > uint64(len(raw)) ||
		uint64(shnum)*shentSize > uint64(len(raw))-shoff ||
		shstrndx >= shnum {
		return nil, ErrTruncated
	}

	sections := make([]section, shnum)
	for i := 0; i < shnum; i++ {
		sh := raw[shoff+uint64(i)*shentSize:]
		sections[i] = section{
			typ:  binary.LittleEndian.Uint32(sh[4:]),
			off:  binary.LittleEndian.Uint64(sh[24:]),
			size: binary.LittleEndian.Uint64(sh[32:]),
			link: binary.LittleEndian.Uint32(sh[40:]),
		}
	}

	// resolve names through the section string table
	strSec := sections[shstrndx]
	strs, err := sectionData(raw, &strSec)
	if err != nil {
		return nil, err
	}
	for i := 0; i < shnum; i++ {
		sh := raw[shoff+uint64(i)*shentSize:]
		nameOff := binary.LittleEndian.Uint32(sh[0:])
		sections[i].name = cstring(strs, nameOff)
	}
	return sections, nil
}

func sectionData(raw []byte, s *section) ([]byte, error) {
	if s.off > uint64(len(raw)) || s.size > uint64(len(raw))-s.off {
		return nil, fmt.Errorf("%w: section %q", ErrTruncated, s.name)
	}
	return raw[s.off : s.off+s.size], nil
}

func cstring(b []byte, off uint32) string {
	if off >= uint32(len(b)) {
		return ""
	}
	end := off
	for end < uint32(len(b)) && b[end] != 0 {
		end++
	}
	return string(b[off:end])
}

func readLicense(raw []byte, byName map[string]*section) (string, error) {
	sec, ok := byName["license"]
	if !ok {
		return "", ErrNoLicense
	}
	data, err := sectionData(raw, sec)
	if err != nil {
		return "", err
	}
	lic := strings.TrimRight(string(data), "\x00")
	if lic == "" {
		return "", fmt.Errorf("%w: empty", ErrNoLicense)
	}
	return lic, nil
}

func parseMapDecls(raw []byte, sec *section) ([]MapDecl, error) {
	data, err := sectionData(raw, sec)
	if err != nil {
		return nil, err
	}
	if len(data)%mapDeclSize != 0 {
		return nil, fmt.Errorf("%w: section size %d", ErrBadMapDecl, len(data))
	}
	decls := make([]MapDecl, len(data)/mapDeclSize)
	for i := range decls {
		d := data[i*mapDeclSize:]
		decls[i] = MapDecl{
			Kind:       binary.LittleEndian.Uint32(d[0:]),
			KeySize:    binary.LittleEndian.Uint32(d[4:]),
			ValueSize:  binary.LittleEndian.Uint32(d[8:]),
			MaxEntries: binary.LittleEndian.Uint32(d[12:]),
			Flags:      binary.LittleEndian.Uint32(d[16:]),
		}
	}
	return decls, nil
}

func parseSymbols(raw []byte, sections []section, byName map[string]*section) ([]symbol, error) {
	symSec, ok := byName[".symtab"]
	if !ok {
		return nil, nil
	}
	data, err := sectionData(raw, symSec)
	if err != nil {
		return nil, err
	}
	if len(data)%symSize != 0 {
		return nil, fmt.Errorf("%w: symtab size %d", ErrTruncated, len(data))
	}
	var strs []byte
	if int(symSec.link) < len(sections) {
		strs, err = sectionData(raw, &sections[symSec.link])
		if err != nil {
			return nil, err
		}
	}
	syms := make([]symbol, len(data)/symSize)
	for i := range syms {
		s := data[i*symSize:]
		syms[i] = symbol{
			name:  cstring(strs, binary.LittleEndian.Uint32(s[0:])),
			shndx: binary.LittleEndian.Uint16(s[6:]),
			value: binary.LittleEndian.Uint64(s[8:]),
		}
	}
	return syms, nil
}

func applyRelocations(raw []byte, sec *section, obj *Object, syms []symbol, mapsIdx int) error {
	data, err := sectionData(raw, sec)
	if err != nil {
		return err
	}
	if len(data)%relSize != 0 {
		return fmt.Errorf("%w: section size %d", ErrBadRelocation, len(data))
	}
	for i := 0; i < len(data); i += relSize {
		offset := binary.LittleEndian.Uint64(data[i:])
		info := binary.LittleEndian.Uint64(data[i+8:])
		relType := uint32(info)
		symIdx := int(info >> 32)
		if offset%8 != 0 || offset/8 >= uint64(len(obj.Text)) {
			return fmt.Errorf("%w: offset %d", ErrBadRelocation, offset)
		}
		if symIdx >= len(syms) {
			return fmt.Errorf("%w: symbol %d", ErrBadRelocation, symIdx)
		}
		insIdx := offset / 8
		ins := ebpf.Instruction(obj.Text[insIdx])
		sym := syms[symIdx]

		switch relType {
		case rBPF6464:
			if ins.Op() != ebpf.OpLddw || insIdx+1 >= uint64(len(obj.Text)) {
				return fmt.Errorf("%w: map reference at non-wide load %d", ErrBadRelocation, insIdx)
			}
			if mapsIdx < 0 || int(sym.shndx) != mapsIdx {
				return fmt.Errorf("%w: %q is not a map", ErrBadRelocation, sym.name)
			}
			mapIndex := uint32(sym.value / mapDeclSize)
			if int(mapIndex) >= len(obj.Maps) {
				return fmt.Errorf("%w: map index %d", ErrBadRelocation, mapIndex)
			}
			slots := ebpf.LddwMap(ins.Dst(), mapIndex)
			obj.Text[insIdx] = slots[0]
			obj.Text[insIdx+1] = slots[1]

		case rBPF6432:
			if ins.Op() != ebpf.OpCall {
				return fmt.Errorf("%w: helper reference at non-call %d", ErrBadRelocation, insIdx)
			}
			id, ok := helpers.IDByName(sym.name)
			if !ok {
				return fmt.Errorf("%w: helper %q", ErrUnknownSymbol, sym.name)
			}
			obj.Text[insIdx] = ebpf.Encode(ebpf.OpCall, 0, 0, 0, int32(id))

		default:
			return fmt.Errorf("%w: type %d", ErrBadRelocation, relType)
		}
	}
	return nil
}

// Program assembles a loadable program from the object.
func (o *Object) Program(name string, typ ebpf.ProgType) *ebpf.Program {
	refs := make([]ebpf.MapRef, len(o.Maps))
	for i, d := range o.Maps {
		refs[i] = ebpf.MapRef{
			Name:      d.Name,
			Index:     uint32(i),
			KeySize:   d.KeySize,
			ValueSize: d.ValueSize,
		}
	}
	return &ebpf.Program{
		Name:    name,
		Type:    typ,
		License: o.License,
		Text:    o.Text,
		RO:      o.RO,
		Maps:    refs,
	}
}
