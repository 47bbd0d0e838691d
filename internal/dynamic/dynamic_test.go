package dynamic_test

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/tripwire/traceagent/internal/dynamic"
)

// buildStrtab returns strtab bytes and the offset of each appended string,
// in order, NUL-terminated.
func buildStrtab(strs ...string) ([]byte, []uint32) {
	var buf bytes.Buffer
	buf.WriteByte(0) // offset 0 reserved, mirrors a typical strtab
	offs := make([]uint32, len(strs))
	for i, s := range strs {
		offs[i] = uint32(buf.Len())
		buf.WriteString(s)
		buf.WriteByte(0)
	}
	return buf.Bytes(), offs
}

func u64le(v uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, v)
	return b
}

func tagValue(tag, value uint64) []byte {
	return append(u64le(tag), u64le(value)...)
}

func TestParse_ModulesLibrariesSymbols(t *testing.T) {
	strtab, offs := buildStrtab("mylibfunc01#AB#C", "module_load", "raw_no_hash")
	symtabNameOffsets := []uint32{offs[0], offs[1], offs[2]}

	// dynlib data layout: [strtab][symtab][rela][jmprel]
	var dynlib bytes.Buffer
	strtabOff := uint64(dynlib.Len())
	dynlib.Write(strtab)

	symtabOff := uint64(dynlib.Len())
	for _, off := range symtabNameOffsets {
		var sym [24]byte
		binary.LittleEndian.PutUint32(sym[0:4], off)
		dynlib.Write(sym[:])
	}
	symtabSize := uint64(len(symtabNameOffsets) * 24)

	relaOff := uint64(dynlib.Len())
	var rela [24]byte
	binary.LittleEndian.PutUint64(rela[0:8], 0x1000)
	binary.LittleEndian.PutUint64(rela[8:16], (uint64(1)<<32)|7) // sym idx 1, type 7 (JUMP_SLOT)
	dynlib.Write(rela[:])
	relaSize := uint64(24)

	jmpRelOff := uint64(dynlib.Len())
	var jmprel [24]byte
	binary.LittleEndian.PutUint64(jmprel[0:8], 0x2000)
	binary.LittleEndian.PutUint64(jmprel[8:16], (uint64(0)<<32)|7)
	dynlib.Write(jmprel[:])
	jmpRelSize := uint64(24)

	moduleVal := uint64(1) | (uint64(2) << 32) | (uint64(3) << 40) | (uint64(9) << 48) // name_off=1,major=2,minor=3,id=9
	libVal := uint64(offs[0]) | (uint64(5) << 32) | (uint64(6) << 48) // name_off, version=5, id=6

	var dyn bytes.Buffer
	dyn.Write(tagValue(dynamic.DTSceStrtab, strtabOff))
	dyn.Write(tagValue(dynamic.DTSceStrSz, uint64(len(strtab))))
	dyn.Write(tagValue(dynamic.DTSceSymtab, symtabOff))
	dyn.Write(tagValue(dynamic.DTSceSymtabSz, symtabSize))
	dyn.Write(tagValue(dynamic.DTSceSyment, 24))
	dyn.Write(tagValue(dynamic.DTSceRela, relaOff))
	dyn.Write(tagValue(dynamic.DTSceRelaSz, relaSize))
	dyn.Write(tagValue(dynamic.DTSceRelaEnt, 24))
	dyn.Write(tagValue(dynamic.DTSceJmpRel, jmpRelOff))
	dyn.Write(tagValue(dynamic.DTScePltRelSz, jmpRelSize))
	dyn.Write(tagValue(dynamic.DTSceImportModule, moduleVal))
	dyn.Write(tagValue(dynamic.DTSceImportLib, libVal))
	dyn.Write(tagValue(0, 0)) // DT_NULL

	info, err := dynamic.Parse(dyn.Bytes(), dynlib.Bytes())
	if err != nil {
		t.Fatalf("Parse: unexpected error: %v", err)
	}

	if len(info.Modules) != 1 || info.Modules[0].ID != 9 {
		t.Fatalf("Modules = %+v, want one module with id 9", info.Modules)
	}
	if len(info.Libraries) != 1 || info.Libraries[0].ID != 6 {
		t.Fatalf("Libraries = %+v, want one library with id 6", info.Libraries)
	}

	if len(info.Symbols) != 3 {
		t.Fatalf("len(Symbols) = %d, want 3", len(info.Symbols))
	}
	if info.Symbols[0].Raw {
		t.Fatalf("Symbols[0] should parse (mylibfunc01#AB#C), got raw")
	}
	if info.Symbols[0].Prefix != "mylibfunc01#AB#C"[:11] {
		t.Errorf("Symbols[0].Prefix = %q", info.Symbols[0].Prefix)
	}
	if !info.Symbols[1].Raw {
		t.Errorf("Symbols[1] (module_load, no hash suffix) should be raw")
	}
	if !info.Symbols[2].Raw {
		t.Errorf("Symbols[2] (raw_no_hash) should be raw")
	}

	if len(info.Relocations) != 1 || info.Relocations[0].SymbolIndex() != 1 {
		t.Errorf("Relocations = %+v", info.Relocations)
	}
	if len(info.PLTRelocations) != 1 || info.PLTRelocations[0].SymbolIndex() != 0 {
		t.Errorf("PLTRelocations = %+v", info.PLTRelocations)
	}
}

func TestParse_BadRelaEnt(t *testing.T) {
	var dyn bytes.Buffer
	dyn.Write(tagValue(dynamic.DTSceRelaEnt, 99))
	dyn.Write(tagValue(0, 0))

	_, err := dynamic.Parse(dyn.Bytes(), nil)
	if err == nil {
		t.Fatal("expected error for invalid DT_SCE_RELAENT, got nil")
	}
}

func TestParse_TruncatedMissingDTNull(t *testing.T) {
	_, err := dynamic.Parse([]byte{1, 2, 3}, nil)
	if err == nil {
		t.Fatal("expected error for truncated PT_DYNAMIC, got nil")
	}
}

func TestParseSymbolName_RoundTrip(t *testing.T) {
	tests := []struct {
		name string
		wantRaw bool
		wantLibID uint32
		wantModID uint8
	}{
		{"helloworld1#A#B", false, 0, 1},
		{"helloworld1#Z#9", false, 25, 61},
		{"shortname", true, 0, 0},
		{"helloworld!notahash", true, 0, 0},
		{"helloworld1#@#A", true, 0, 0}, // '@' not in alphabet
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var dyn bytes.Buffer
			strtab, offs := buildStrtab(tc.name)
			var dynlib bytes.Buffer
			dynlib.Write(strtab)

			var sym [24]byte
			binary.LittleEndian.PutUint32(sym[0:4], offs[0])
			symtabOff := uint64(dynlib.Len())
			dynlib.Write(sym[:])

			dyn.Write(tagValue(dynamic.DTSceStrtab, 0))
			dyn.Write(tagValue(dynamic.DTSceStrSz, uint64(len(strtab))))
			dyn.Write(tagValue(dynamic.DTSceSymtab, symtabOff))
			dyn.Write(tagValue(dynamic.DTSceSymtabSz, 24))
			dyn.Write(tagValue(dynamic.DTSceSyment, 24))
			dyn.Write(tagValue(0, 0))

			info, err := dynamic.Parse(dyn.Bytes(), dynlib.Bytes())
			if err != nil {
				t.Fatalf("Parse: unexpected error: %v", err)
			}
			if len(info.Symbols) != 1 {
				t.Fatalf("len(Symbols) = %d, want 1", len(info.Symbols))
			}
			got := info.Symbols[0]
			if got.Raw != tc.wantRaw {
				t.Fatalf("Raw = %v, want %v", got.Raw, tc.wantRaw)
			}
			if !tc.wantRaw {
				if got.LibraryID != tc.wantLibID || got.ModuleID != tc.wantModID {
					t.Errorf("LibraryID/ModuleID = %d/%d, want %d/%d", got.LibraryID, got.ModuleID, tc.wantLibID, tc.wantModID)
				}
			}
		})
	}
}
