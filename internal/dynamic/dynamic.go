// Package dynamic implements DynamicParser: it walks the PT_DYNAMIC tag
// table, using the platform-specific DT_SCE_* tags to locate the RELA
// table, the PLT-RELA (JMPREL) table, the string table, and the symbol
// table, all addressed relative to the PT_SCE_DYNLIBDATA segment bytes.
// It also collects the module and library descriptor lists and decodes
// each symbol's platform name encoding.
//
// Grounded on original_source/packages/plugin/source/elf.c
// (parse_dynamic_section, parse_symbol_name, INDEX_ENCODING_TABLE).
package dynamic

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/tripwire/traceagent/internal/traceerr"
)

// Platform dynamic tags . Values are exact.
const (
	dtNull = 0
	DTSceRela = 0x6100002F
	DTSceRelaSz = 0x61000031
	DTSceRelaEnt = 0x61000033
	DTSceJmpRel = 0x61000029
	DTScePltRel = 0x6100002B
	DTScePltRelSz = 0x6100002D
	DTSceStrtab = 0x61000035
	DTSceStrSz = 0x61000037
	DTSceSymtab = 0x61000039
	DTSceSymtabSz = 0x6100003F
	DTSceSyment = 0x6100003B
	DTSceImportLib = 0x61000015
	DTSceImportModule = 0x6100000F
)

const (
	nativeRelaEntSize = 24 // sizeof(Elf64_Rela): r_offset, r_info, r_addend
	nativeSymEntSize = 24 // sizeof(Elf64_Sym)
)

// symbolEncodingAlphabet is the base64-like alphabet used to decode the
// library-id/module-id suffix of a parsed symbol name.
const symbolEncodingAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789+-"

var decodeTable = func() [256]int8 {
	var t [256]int8
	for i := range t {
		t[i] = -1
	}
	for i := 0; i < len(symbolEncodingAlphabet); i++ {
		t[symbolEncodingAlphabet[i]] = int8(i)
	}
	return t
}()

// Module is an imported SCE module descriptor ( {name_off, major,
// minor, id}).
type Module struct {
	ID uint16
	Major uint8
	Minor uint8
	Name string
}

// Library is an imported SCE library descriptor ( {name_off,
// version, id}).
type Library struct {
	ID uint16
	Version uint16
	Name string
}

// Symbol is either Parsed (the platform name-encoding grammar matched) or
// Raw (it did not, and Name holds the unparsed original string).
type Symbol struct {
	Raw bool

	// Valid when !Raw.
	Prefix string // first 11 bytes of the name
	LibraryID uint32
	ModuleID uint8

	// Valid when Raw.
	Name string
}

// RelaEntry mirrors an Elf64_Rela: {r_offset, r_info, r_addend}.
type RelaEntry struct {
	Offset uint64
	Info uint64
	Addend int64
}

// Type returns the low 32 bits of r_info (the relocation type).
func (r RelaEntry) Type() uint32 { return uint32(r.Info) }

// SymbolIndex returns the high 32 bits of r_info (the symbol table index).
func (r RelaEntry) SymbolIndex() uint32 { return uint32(r.Info >> 32) }

// Info is the result of walking one image's PT_DYNAMIC table: its module
// and library lists, its decoded symbol table, and both relocation tables
// (RELA and PLT-RELA/JMPREL).
type Info struct {
	Modules []Module
	Libraries []Library
	Symbols []Symbol

	Relocations []RelaEntry
	PLTRelocations []RelaEntry
}

// Parse walks dynBytes (the raw PT_DYNAMIC segment content) as a table of
// 16-byte tag/value pairs until DT_NULL, then resolves the referenced
// tables out of dynlibData (the PT_SCE_DYNLIBDATA segment content, which
// backs strtab/symtab/rela by byte offset).
func Parse(dynBytes, dynlibData []byte) (*Info, error) {
	var (
		relaOff, relaSize, relaEnt uint64 = 0, 0, nativeRelaEntSize
		jmpRelOff, jmpRelSize uint64
		strtabOff, strtabSize uint64
		symtabOff, symtabSize, symEnt uint64 = 0, 0, nativeSymEntSize
		rawModules []uint64
		rawLibs []uint64
	)

	r := bytes.NewReader(dynBytes)
	for {
		var tag, value uint64
		if err := binary.Read(r, binary.LittleEndian, &tag); err != nil {
			return nil, traceerr.New(traceerr.Parse, "dynamic.Parse", fmt.Errorf("truncated PT_DYNAMIC: missing DT_NULL: %w", err))
		}
		if err := binary.Read(r, binary.LittleEndian, &value); err != nil {
			return nil, traceerr.New(traceerr.Parse, "dynamic.Parse", fmt.Errorf("truncated PT_DYNAMIC tag value: %w", err))
		}
		if tag == dtNull {
			break
		}

		switch tag {
		case DTSceRela:
			relaOff = value
		case DTSceRelaSz:
			relaSize = value
		case DTSceRelaEnt:
			relaEnt = value
		case DTSceJmpRel:
			jmpRelOff = value
		case DTScePltRelSz:
			jmpRelSize = value
		case DTSceStrtab:
			strtabOff = value
		case DTSceStrSz:
			strtabSize = value
		case DTSceSymtab:
			symtabOff = value
		case DTSceSymtabSz:
			symtabSize = value
		case DTSceSyment:
			symEnt = value
		case DTSceImportModule:
			rawModules = append(rawModules, value)
		case DTSceImportLib:
			rawLibs = append(rawLibs, value)
		}
	}

	if relaEnt != nativeRelaEntSize {
		return nil, traceerr.New(traceerr.Parse, "dynamic.Parse", fmt.Errorf("DT_SCE_RELAENT = %d, want %d", relaEnt, nativeRelaEntSize))
	}
	if symEnt != nativeSymEntSize {
		return nil, traceerr.New(traceerr.Parse, "dynamic.Parse", fmt.Errorf("DT_SCE_SYMENT = %d, want %d", symEnt, nativeSymEntSize))
	}

	strtab, err := sliceAt(dynlibData, strtabOff, strtabSize)
	if err != nil {
		return nil, traceerr.New(traceerr.Parse, "dynamic.Parse", fmt.Errorf("strtab: %w", err))
	}

	info := &Info{}

	for _, v := range rawModules {
		info.Modules = append(info.Modules, Module{
			ID: uint16(v >> 48),
			Major: uint8(v >> 32),
			Minor: uint8(v >> 40),
			Name: cString(strtab, uint32(v)),
		})
	}
	for _, v := range rawLibs {
		info.Libraries = append(info.Libraries, Library{
			ID: uint16(v >> 48),
			Version: uint16(v >> 32),
			Name: cString(strtab, uint32(v)),
		})
	}

	symtabBytes, err := sliceAt(dynlibData, symtabOff, symtabSize)
	if err != nil {
		return nil, traceerr.New(traceerr.Parse, "dynamic.Parse", fmt.Errorf("symtab: %w", err))
	}
	symCount := int(symtabSize / symEnt)
	for i := 0; i < symCount; i++ {
		nameOff, err := readSymNameOffset(symtabBytes, i)
		if err != nil {
			return nil, traceerr.New(traceerr.Parse, "dynamic.Parse", fmt.Errorf("symbol %d: %w", i, err))
		}
		info.Symbols = append(info.Symbols, parseSymbolName(cString(strtab, nameOff)))
	}

	relaBytes, err := sliceAt(dynlibData, relaOff, relaSize)
	if err != nil {
		return nil, traceerr.New(traceerr.Parse, "dynamic.Parse", fmt.Errorf("rela: %w", err))
	}
	info.Relocations, err = readRelas(relaBytes)
	if err != nil {
		return nil, traceerr.New(traceerr.Parse, "dynamic.Parse", fmt.Errorf("rela entries: %w", err))
	}

	jmpRelBytes, err := sliceAt(dynlibData, jmpRelOff, jmpRelSize)
	if err != nil {
		return nil, traceerr.New(traceerr.Parse, "dynamic.Parse", fmt.Errorf("jmprel: %w", err))
	}
	info.PLTRelocations, err = readRelas(jmpRelBytes)
	if err != nil {
		return nil, traceerr.New(traceerr.Parse, "dynamic.Parse", fmt.Errorf("jmprel entries: %w", err))
	}

	return info, nil
}

func sliceAt(data []byte, off, size uint64) ([]byte, error) {
	if size == 0 {
		return nil, nil
	}
	if off+size > uint64(len(data)) {
		return nil, fmt.Errorf("offset %d size %d exceeds dynlib data length %d", off, size, len(data))
	}
	return data[off : off+size], nil
}

// cString reads a NUL-terminated string from tab starting at off.
func cString(tab []byte, off uint32) string {
	if int(off) >= len(tab) {
		return ""
	}
	end := bytes.IndexByte(tab[off:], 0)
	if end < 0 {
		return string(tab[off:])
	}
	return string(tab[off : int(off)+end])
}

// readSymNameOffset reads the st_name field (first 4 bytes) of symtab
// entry i in the native Elf64_Sym layout.
func readSymNameOffset(symtab []byte, i int) (uint32, error) {
	start := i * nativeSymEntSize
	if start+4 > len(symtab) {
		return 0, fmt.Errorf("symbol table truncated at entry %d", i)
	}
	return binary.LittleEndian.Uint32(symtab[start : start+4]), nil
}

func readRelas(data []byte) ([]RelaEntry, error) {
	count := len(data) / nativeRelaEntSize
	out := make([]RelaEntry, 0, count)
	r := bytes.NewReader(data)
	for i := 0; i < count; i++ {
		var e struct {
			Offset uint64
			Info uint64
			Addend int64
		}
		if err := binary.Read(r, binary.LittleEndian, &e); err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
		out = append(out, RelaEntry{Offset: e.Offset, Info: e.Info, Addend: e.Addend})
	}
	return out, nil
}

// parseSymbolName applies the platform name-encoding grammar: an 11-byte
// prefix, then `#<lib-b64>#<mod-b64>`. A string shorter than 12 bytes, a
// missing leading '#', or an invalid alphabet character yields a raw
// symbol.
func parseSymbolName(name string) Symbol {
	if len(name) < 12 || name[11] != '#' {
		return Symbol{Raw: true, Name: name}
	}

	i := 12
	var libID uint32
	for i < len(name) && name[i] != '#' {
		d := decodeTable[name[i]]
		if d < 0 {
			return Symbol{Raw: true, Name: name}
		}
		libID = libID*64 + uint32(d)
		i++
	}

	var modID uint8
	if i < len(name) && name[i] == '#' {
		i++
		if i >= len(name) {
			return Symbol{Raw: true, Name: name}
		}
		d := decodeTable[name[i]]
		if d < 0 {
			return Symbol{Raw: true, Name: name}
		}
		modID = uint8(d)
	}

	return Symbol{
		Raw: false,
		Prefix: name[:11],
		LibraryID: libID,
		ModuleID: modID,
	}
}

// FindLibraryName returns the library name for id, or "Unknown Library".
func (info *Info) FindLibraryName(id uint32) string {
	for _, l := range info.Libraries {
		if uint32(l.ID) == id {
			return l.Name
		}
	}
	return "Unknown Library"
}

// FindModuleName returns the module name for id, or "Unknown Module".
func (info *Info) FindModuleName(id uint8) string {
	for _, m := range info.Modules {
		if uint8(m.ID) == id {
			return m.Name
		}
	}
	return "Unknown Module"
}
