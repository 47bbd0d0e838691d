package reloc_test

import (
	"testing"

	"github.com/tripwire/traceagent/internal/dynamic"
	"github.com/tripwire/traceagent/internal/reloc"
)

func mkInfo(symbols []dynamic.Symbol, relas, plt []dynamic.RelaEntry, libs []dynamic.Library) *dynamic.Info {
	return &dynamic.Info{
		Symbols: symbols,
		Relocations: relas,
		PLTRelocations: plt,
		Libraries: libs,
	}
}

func relaFor(symIdx int, typ uint32, addend int64, offset uint64) dynamic.RelaEntry {
	return dynamic.RelaEntry{
		Offset: offset,
		Info: (uint64(symIdx) << 32) | uint64(typ),
		Addend: addend,
	}
}

func TestBuild_FiltersNonJumpSlotAndAddend(t *testing.T) {
	symbols := []dynamic.Symbol{
		{Prefix: "helloworld1", LibraryID: 0, ModuleID: 0},
	}
	relas := []dynamic.RelaEntry{
		relaFor(0, 7, 0, 0x100), // kept: JUMP_SLOT, zero addend
		relaFor(0, 7, 5, 0x200), // dropped: non-zero addend
		relaFor(0, 8, 0, 0x300), // dropped: not JUMP_SLOT
	}
	info := mkInfo(symbols, relas, nil, []dynamic.Library{{ID: 0, Name: "libgame.sprx"}})

	idx := reloc.Build(info)
	if len(idx.Labels) != 1 {
		t.Fatalf("len(Labels) = %d, want 1", len(idx.Labels))
	}
	if idx.Labels[0].TargetOffset != 0x100 {
		t.Errorf("TargetOffset = %#x, want 0x100", idx.Labels[0].TargetOffset)
	}
}

func TestBuild_SkipsLibcAndRawSymbols(t *testing.T) {
	symbols := []dynamic.Symbol{
		{Prefix: "helloworld1", LibraryID: 0, ModuleID: 0},
		{Raw: true, Name: "unparseable"},
	}
	relas := []dynamic.RelaEntry{
		relaFor(0, 7, 0, 0x10),
		relaFor(1, 7, 0, 0x20),
	}
	info := mkInfo(symbols, relas, nil, []dynamic.Library{{ID: 0, Name: "libc.sprx"}})

	idx := reloc.Build(info)
	if len(idx.Labels) != 0 {
		t.Fatalf("len(Labels) = %d, want 0 (libc-origin and raw symbol both filtered)", len(idx.Labels))
	}
}

func TestBuild_SpecificSymbolsTable(t *testing.T) {
	symbols := []dynamic.Symbol{
		{Prefix: "Ga6r7H6Y0RI", LibraryID: 0, ModuleID: 0},
		{Prefix: "unrelatedfn", LibraryID: 0, ModuleID: 0},
		{Prefix: "1e2BNwI-XzE", LibraryID: 0, ModuleID: 0},
	}
	relas := []dynamic.RelaEntry{
		relaFor(0, 7, 0, 0x10),
		relaFor(1, 7, 0, 0x20),
		relaFor(2, 7, 0, 0x30),
	}
	info := mkInfo(symbols, relas, nil, []dynamic.Library{{ID: 0, Name: "libSceGnm.sprx"}})

	idx := reloc.Build(info)
	if idx.Specific.GnmSubmitAndFlipCommandBuffersForWorkload != 0 {
		t.Errorf("GnmSubmitAndFlipCommandBuffersForWorkload = %d, want 0", idx.Specific.GnmSubmitAndFlipCommandBuffersForWorkload)
	}
	if idx.Specific.HttpSendRequest != 2 {
		t.Errorf("HttpSendRequest = %d, want 2", idx.Specific.HttpSendRequest)
	}
	if idx.Specific.SysmoduleLoadModule != -1 {
		t.Errorf("SysmoduleLoadModule = %d, want -1 (absent)", idx.Specific.SysmoduleLoadModule)
	}

	if !idx.IsGPUSubmitLabel(0) {
		t.Error("IsGPUSubmitLabel(0) = false, want true")
	}
	if idx.IsGPUSubmitLabel(2) {
		t.Error("IsGPUSubmitLabel(2) = true, want false")
	}
	if idx.IsModuleLoadLabel(0) || idx.IsModuleLoadLabel(-1) {
		t.Error("IsModuleLoadLabel should be false for every label here")
	}
}

func TestBuild_InsertionOrderAcrossTables(t *testing.T) {
	symbols := []dynamic.Symbol{
		{Prefix: "symbolone11"},
		{Prefix: "symboltwo11"},
	}
	relas := []dynamic.RelaEntry{relaFor(0, 7, 0, 0x1)}
	plt := []dynamic.RelaEntry{relaFor(1, 7, 0, 0x2)}
	info := mkInfo(symbols, relas, plt, []dynamic.Library{{ID: 0, Name: "libfoo.sprx"}})

	idx := reloc.Build(info)
	if len(idx.Labels) != 2 {
		t.Fatalf("len(Labels) = %d, want 2", len(idx.Labels))
	}
	if idx.Labels[0].TargetOffset != 0x1 || idx.Labels[1].TargetOffset != 0x2 {
		t.Errorf("labels out of order: %+v", idx.Labels)
	}
}
