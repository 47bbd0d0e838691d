// Package trampoline builds and installs the two machine-code blobs that
// make up a hooked call site: a single shared hook body, and one 50-byte
// stub per surviving relocation. Installation patches each JUMP_SLOT target
// to point at its stub instead of the original function.
//
// Byte layout is grounded on
// original_source/packages/extern_traces_plugin/source/hook.c (the
// naked-asm hook() body, its build_hook_fn TLS-offset/call-displacement
// patch list, and the register_hooks_impl stub template and install
// sequence), adapted to Go idiom: mmap/mprotect calls go through
// golang.org/x/sys/unix instead of sceKernelMprotect, and stub/hook-body
// memory is built up with encoding/binary instead of raw pointer writes.
//
// The hook body itself (hookbody.go) is emitted by this package, not
// supplied by the caller: Install builds one copy parameterized on the
// instance's TLS offsets and patches it into the mapped region alongside
// the stubs. The two call targets baked into the hook body (spec calls
// these emit_span_start/emit_span_end) are supplied by the caller as
// resolved addresses — in a real deployment these are small native shims
// bundled alongside this core, the direct analogue of hook.c's
// start_logger/end_logger. Constructing or loading those shims is outside
// this package's scope; HostBridge resolves and passes the two addresses
// as a Shims value.
package trampoline

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/tripwire/traceagent/internal/reloc"
	"github.com/tripwire/traceagent/internal/tlsslots"
	"github.com/tripwire/traceagent/internal/traceerr"
)

// sentinelThreshold: a JUMP_SLOT value at or above this looks like a
// platform sentinel rather than a real function pointer.
const sentinelThreshold = 0xeffffffe00000000

// stubSize is the fixed size of one per-symbol stub, matching
// register_hooks()'s template_code.
const stubSize = 50

// Offsets within a stub where the immediate/absolute values are patched.
const (
	stubLabelImmOff = 8 // mov dword [fs:OFF_LABEL], <label_id>
	stubOrigAddrOff = 34 // absolute slot: original function address
	stubHookBodyAddrOff = 42 // absolute slot: hook body address
)

// stubTemplate is the 50-byte per-symbol stub (hook.c register_hooks'
// template_code), parameterized on OFF_LABEL and OFF_ORIG:
//
// 1. mov dword fs:OFF_LABEL, <label_id immediate>
// 2. mov r11, qword [rip+0xF] ; loads the absolute orig-addr slot
// 3. mov qword fs:OFF_ORIG, r11
// 4. jmp [rip+0x8] ; indirects through the hook-body slot
// 5. <8-byte original function address>
// 6. <8-byte hook body address>
func stubTemplate(offLabel, offOrig int64) []byte {
	b := make([]byte, stubSize)
	copy(b, []byte{
		0x64, 0xC7, 0x04, 0x25,
	})
	binary.LittleEndian.PutUint32(b[4:8], uint32(int32(offLabel)))
	// b[8:12] holds the label immediate, patched per-stub.
	copy(b[12:19], []byte{0x4C, 0x8B, 0x1D, 0x0F, 0x00, 0x00, 0x00})
	copy(b[19:21], []byte{0x64, 0x4C})
	copy(b[21:23], []byte{0x89, 0x1C})
	b[23] = 0x25
	binary.LittleEndian.PutUint32(b[24:28], uint32(int32(offOrig)))
	copy(b[28:34], []byte{0xFF, 0x25, 0x08, 0x00, 0x00, 0x00})
	// b[34:42] original function address, b[42:50] hook body address.
	return b
}

// Shims holds the resolved addresses of the two functions the shared hook
// body calls into (spec's emit_span_start/emit_span_end, §4.5): the
// span-start and span-end trace emitters. The hook body indirects through
// these via rip-relative call slots patched in by Install.
type Shims struct {
	EmitSpanStart uintptr
	EmitSpanEnd uintptr
}

// Stub is one installed per-symbol trampoline: it remembers the captured
// original target so re-registration can detect whether the loader has
// re-bound the slot since install.
type Stub struct {
	Label reloc.Label
	LabelID int
	CapturedOriginal uintptr
	codeOffset int
}

// Trampoline owns the mapped stub region and the offsets used to build
// each stub.
type Trampoline struct {
	offsets tlsslots.Offsets
	shims Shims

	region []byte // mmap'd RWX-then-RX region: [hook body][stub 0][stub 1]...
	hookAddr uintptr
	stubs []Stub
	imageBase uintptr
}

// New constructs a Trampoline for the given TLS offsets and shim
// addresses. imageBase is the base address each Label.TargetOffset is
// relative to (spec's relocation_offset + image base, mirroring hook.c's
// `reloc->relocation_offset + 0x0000000000400000`).
func New(offsets tlsslots.Offsets, shims Shims, imageBase uintptr) *Trampoline {
	return &Trampoline{offsets: offsets, shims: shims, imageBase: imageBase}
}

// Install maps one RWX region sized to hold the hook body plus one stub
// per label, builds the hook body parameterized on this instance's TLS
// offsets and shim addresses, writes it and all stubs, patches each
// label's JUMP_SLOT target to point at its stub (skipping sentinels and
// slots already pointing into this region), then flips the region to R+X.
func (t *Trampoline) Install(labels []reloc.Label) error {
	total := hookBodySize + len(labels)*stubSize
	region, err := unix.Mmap(-1, 0, total, unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return traceerr.New(traceerr.Resource, "trampoline.Install", fmt.Errorf("mmap %d bytes: %w", total, err))
	}
	t.region = region

	body := buildHookBody(t.offsets)
	copy(region, body)
	binary.LittleEndian.PutUint64(region[hookSpanStartSlotOff:hookSpanStartSlotOff+8], uint64(t.shims.EmitSpanStart))
	binary.LittleEndian.PutUint64(region[hookSpanEndSlotOff:hookSpanEndSlotOff+8], uint64(t.shims.EmitSpanEnd))
	t.hookAddr = regionAddr(region)

	t.stubs = make([]Stub, 0, len(labels))
	for i, label := range labels {
		off := hookBodySize + i*stubSize
		stubBytes := stubTemplate(t.offsets.OffLabel, t.offsets.OffOrig)
		binary.LittleEndian.PutUint32(stubBytes[stubLabelImmOff:stubLabelImmOff+4], uint32(i))
		binary.LittleEndian.PutUint64(stubBytes[stubHookBodyAddrOff:stubHookBodyAddrOff+8], uint64(t.hookAddr))
		copy(region[off:off+stubSize], stubBytes)

		stub := Stub{Label: label, LabelID: i, codeOffset: off}
		if err := t.patchOne(&stub); err != nil {
			return err
		}
		t.stubs = append(t.stubs, stub)
	}

	if err := unix.Mprotect(region, unix.PROT_READ|unix.PROT_EXEC); err != nil {
		return traceerr.New(traceerr.Resource, "trampoline.Install", fmt.Errorf("mprotect R+X: %w", err))
	}
	return nil
}

// patchOne makes the target JUMP_SLOT word writable, reads the current
// target, skips it if it is a sentinel or already points into our stub
// region, otherwise captures the original and overwrites the slot with
// this label's stub address.
func (t *Trampoline) patchOne(stub *Stub) error {
	slot := unsafe.Pointer(t.imageBase + uintptr(stub.Label.TargetOffset))
	page := pageAlign(uintptr(slot))
	pageBytes := unsafe.Slice((*byte)(unsafe.Pointer(page)), unix.Getpagesize())

	if err := unix.Mprotect(pageBytes, unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC); err != nil {
		return traceerr.New(traceerr.Resource, "trampoline.patchOne", fmt.Errorf("mprotect target page: %w", err))
	}

	current := *(*uintptr)(slot)
	if current >= sentinelThreshold || t.pointsIntoRegion(current) {
		return nil
	}

	stub.CapturedOriginal = current
	stubAddr := regionAddr(t.region) + uintptr(stub.codeOffset)
	binary.LittleEndian.PutUint64(t.region[stub.codeOffset+stubOrigAddrOff:stub.codeOffset+stubOrigAddrOff+8], uint64(current))
	*(*uintptr)(slot) = stubAddr
	return nil
}

func (t *Trampoline) pointsIntoRegion(addr uintptr) bool {
	base := regionAddr(t.region)
	return addr >= base && addr < base+uintptr(len(t.region))
}

// Reregister re-scans every installed label's JUMP_SLOT target and
// re-installs the stub for any that the dynamic loader has re-bound since
// the last install or reregistration (the design's reregister_hooks path,
// triggered by TraceEmitter after the module-load label fires).
func (t *Trampoline) Reregister() error {
	// Install left the region read+execute; patchOne writes each re-bound
	// original into its stub, so the region is writable for the pass.
	if err := unix.Mprotect(t.region, unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC); err != nil {
		return traceerr.New(traceerr.Resource, "trampoline.Reregister", fmt.Errorf("mprotect RWX: %w", err))
	}
	for i := range t.stubs {
		if err := t.patchOne(&t.stubs[i]); err != nil {
			return err
		}
	}
	if err := unix.Mprotect(t.region, unix.PROT_READ|unix.PROT_EXEC); err != nil {
		return traceerr.New(traceerr.Resource, "trampoline.Reregister", fmt.Errorf("mprotect R+X: %w", err))
	}
	return nil
}

// Verify checks that the installed hook body's instruction stream still
// matches the template this instance's TLS offsets produce, then checks
// that every installed stub's JUMP_SLOT word still points at that stub,
// returning a Corruption error naming the first mismatch. Slots holding a
// sentinel value, which Install skips, are not checked. Callers
// use this after Install as the patch-verification step the design
// requires before declaring start successful.
func (t *Trampoline) Verify() error {
	if err := t.verifyHookBody(); err != nil {
		return err
	}
	for _, stub := range t.stubs {
		slot := unsafe.Pointer(t.imageBase + uintptr(stub.Label.TargetOffset))
		got := *(*uintptr)(slot)
		if got >= sentinelThreshold {
			continue
		}
		want := regionAddr(t.region) + uintptr(stub.codeOffset)
		if got != want {
			return traceerr.New(traceerr.Corruption, "trampoline.Verify", fmt.Errorf("label %d: JUMP_SLOT = %#x, want %#x", stub.LabelID, got, want))
		}
	}
	return nil
}

// verifyHookBody compares the installed region's instruction stream
// against a freshly built template, ignoring the two trailing shim-address
// slots (which hold runtime addresses, not template bytes).
func (t *Trampoline) verifyHookBody() error {
	want := buildHookBody(t.offsets)
	if len(t.region) < hookBodyCodeSize || !bytes.Equal(t.region[:hookBodyCodeSize], want[:hookBodyCodeSize]) {
		return traceerr.New(traceerr.Corruption, "trampoline.Verify", fmt.Errorf("hook body instruction stream does not match the expected template"))
	}
	return nil
}

// Stubs returns a copy of the installed per-symbol stubs, in label-id
// order. HostBridge uses this to write patch-log entries after Install and
// after each Reregister pass.
func (t *Trampoline) Stubs() []Stub {
	out := make([]Stub, len(t.stubs))
	copy(out, t.stubs)
	return out
}

func regionAddr(region []byte) uintptr {
	if len(region) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&region[0]))
}

func pageAlign(addr uintptr) uintptr {
	pageSize := uintptr(unix.Getpagesize())
	return addr &^ (pageSize - 1)
}

// Unmap releases the mapped stub/hook-body region. HostBridge.Stop does
// not call this in the normal shutdown path ( the drain thread
// does not tear down trampolines on exit) — it exists for tests and for a
// future forced-unhook path.
func (t *Trampoline) Unmap() error {
	if t.region == nil {
		return nil
	}
	return unix.Munmap(t.region)
}
