// Package reloc implements RelocationIndex: it filters both RELA tables
// down to safely-hookable JUMP_SLOT relocations and assigns each surviving
// entry a dense label id, in insertion order.
//
// Grounded on original_source/packages/extern_traces_plugin/source/elf.c
// (fill_specific_symbols_table for the well-known-symbol prefix table) and
// elf.c's print_relocations (the RELA-walk-and-filter shape), with the
// resolve/filter logic adapted to the Go-side dynamic.Info produced by
// internal/dynamic.
package reloc

import (
	"log/slog"
	"strings"

	"github.com/tripwire/traceagent/internal/dynamic"
)

// rJumpSlot is R_X86_64_JUMP_SLOT.
const rJumpSlot = 7

// Label is one surviving, safely-hookable JUMP_SLOT relocation: its image
// offset (the GOT-equivalent slot to patch) and its resolved symbol.
type Label struct {
	TargetOffset uint64
	Symbol dynamic.Symbol
	LibraryName string
	ModuleName string
}

// wellKnownPrefixes maps an 11-byte parsed-symbol prefix to the
// specific-symbols-table field it identifies . Names follow the
// original plugin's field names for traceability, even though this package
// never calls into GPU/codec/HTTP machinery directly — TraceEmitter is the
// consumer of these label ids.
var wellKnownPrefixes = map[string]string{
	"Ga6r7H6Y0RI": "sceGnmSubmitAndFlipCommandBuffersForWorkload",
	"xbxNatawohc": "sceGnmSubmitAndFlipCommandBuffers",
	"zwY0YV91TTI": "sceGnmSubmitCommandBuffers",
	"g8cM39EUZ6o": "sceSysmoduleLoadModule",
	"ElslOCpOIns": "sceAjmBatchJobRunBufferRa",
	"dmDybN--Fn8": "sceAjmBatchJobControlBufferRa",
	"1e2BNwI-XzE": "sceHttpSendRequest",
}

// SpecificSymbols holds the label id of each well-known symbol, or -1 if
// that symbol was not present among the surviving labels.
type SpecificSymbols struct {
	GnmSubmitAndFlipCommandBuffersForWorkload int
	GnmSubmitAndFlipCommandBuffers int
	GnmSubmitCommandBuffers int
	SysmoduleLoadModule int
	AjmBatchJobRunBufferRa int
	AjmBatchJobControlBufferRa int
	HttpSendRequest int
}

// Index is the built label space: surviving labels in insertion order, plus
// the specific-symbols lookup table TraceEmitter uses for argument capture.
type Index struct {
	Labels []Label
	Specific SpecificSymbols
}

// Build walks info.Relocations and info.PLTRelocations, keeping JUMP_SLOT
// entries with a zero addend, a parseable symbol, and a resolved library
// name that does not contain "libc". Surviving entries are appended, in
// the order the two tables are walked (RELA first, then PLT-RELA), to form
// the dense label space; the entry's position in Labels is its label_id.
func Build(info *dynamic.Info) *Index {
	idx := &Index{}
	idx.Specific = SpecificSymbols{
		GnmSubmitAndFlipCommandBuffersForWorkload: -1,
		GnmSubmitAndFlipCommandBuffers: -1,
		GnmSubmitCommandBuffers: -1,
		SysmoduleLoadModule: -1,
		AjmBatchJobRunBufferRa: -1,
		AjmBatchJobControlBufferRa: -1,
		HttpSendRequest: -1,
	}

	for _, table := range [][]dynamic.RelaEntry{info.Relocations, info.PLTRelocations} {
		for _, rela := range table {
			if rela.Type() != rJumpSlot {
				continue
			}
			if rela.Addend != 0 {
				// Non-zero addend JUMP_SLOTs are unsupported: report and skip.
				slog.Warn("reloc: skipping JUMP_SLOT with non-zero addend",
					slog.Uint64("offset", rela.Offset), slog.Int64("addend", rela.Addend))
				continue
			}

			symIdx := int(rela.SymbolIndex())
			if symIdx < 0 || symIdx >= len(info.Symbols) {
				continue
			}
			sym := info.Symbols[symIdx]
			if sym.Raw {
				continue
			}

			libName := info.FindLibraryName(sym.LibraryID)
			if strings.Contains(libName, "libc") {
				continue
			}

			labelID := len(idx.Labels)
			idx.Labels = append(idx.Labels, Label{
				TargetOffset: rela.Offset,
				Symbol: sym,
				LibraryName: libName,
				ModuleName: info.FindModuleName(sym.ModuleID),
			})

			if field, ok := wellKnownPrefixes[sym.Prefix]; ok {
				idx.setSpecific(field, labelID)
			}
		}
	}

	return idx
}

func (idx *Index) setSpecific(field string, labelID int) {
	switch field {
	case "sceGnmSubmitAndFlipCommandBuffersForWorkload":
		idx.Specific.GnmSubmitAndFlipCommandBuffersForWorkload = labelID
	case "sceGnmSubmitAndFlipCommandBuffers":
		idx.Specific.GnmSubmitAndFlipCommandBuffers = labelID
	case "sceGnmSubmitCommandBuffers":
		idx.Specific.GnmSubmitCommandBuffers = labelID
	case "sceSysmoduleLoadModule":
		idx.Specific.SysmoduleLoadModule = labelID
	case "sceAjmBatchJobRunBufferRa":
		idx.Specific.AjmBatchJobRunBufferRa = labelID
	case "sceAjmBatchJobControlBufferRa":
		idx.Specific.AjmBatchJobControlBufferRa = labelID
	case "sceHttpSendRequest":
		idx.Specific.HttpSendRequest = labelID
	}
}

// IsGPUSubmitLabel reports whether labelID is one of the three tracked GPU
// submit variants.
func (idx *Index) IsGPUSubmitLabel(labelID int) bool {
	s := idx.Specific
	return labelID >= 0 && (labelID == s.GnmSubmitAndFlipCommandBuffersForWorkload ||
		labelID == s.GnmSubmitAndFlipCommandBuffers ||
		labelID == s.GnmSubmitCommandBuffers)
}

// IsModuleLoadLabel reports whether labelID is the tracked module-load
// symbol.
func (idx *Index) IsModuleLoadLabel(labelID int) bool {
	return labelID >= 0 && labelID == idx.Specific.SysmoduleLoadModule
}
