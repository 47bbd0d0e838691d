// Package emitter implements TraceEmitter: it formats the four wire record
// kinds, reads the cycle counter via RDTSCP, special-cases the GPU submit
// and module-load well-known symbols for argument capture and
// re-registration, and writes finished records into a thread's ring.
//
// Grounded on original_source/packages/extern_traces_plugin/source/
// tracing.c (emit_span_start/emit_span_end, the should_capture_next_submit
// flag, and the additional-data record assembly for a GPU submit call).
package emitter

import (
	"encoding/binary"
	"unsafe"

	"github.com/tripwire/traceagent/internal/reloc"
	"github.com/tripwire/traceagent/internal/registry"
	"github.com/tripwire/traceagent/internal/ring"
	"github.com/tripwire/traceagent/internal/tsc"
)

// Wire record tags.
const (
	TagSpanStart = 0
	TagSpanEnd = 1
	TagCounters = 2
	TagSpanStartExtra = 3
)

// Args mirrors the original's struct Args: the raw argument-register
// values captured by the hook body, indexed the same way tracing.c
// indexes args->args[N].
type Args struct {
	Values [6]uint64
}

// Emitter is the TraceEmitter: it knows which label ids are well-known
// (for argument capture and the module-reload path) and how to trigger
// re-registration.
type Emitter struct {
	index *reloc.Index

	captureNextSubmit bool

	// Reregister is called after a module-load span-end record is
	// committed (the design/§4.8). Set by HostBridge to
	// (*trampoline.Trampoline).Reregister.
	Reregister func() error
}

// New constructs an Emitter bound to idx's well-known-symbol table.
func New(idx *reloc.Index) *Emitter {
	return &Emitter{index: idx}
}

// CaptureNextSubmit arms the one-shot GPU-submit capture flag. Exposed for
// the debug-wait-loop external collaborator (out of this core's scope) to
// call, per the design's extern_traces_plugin capture_next_submit().
func (e *Emitter) CaptureNextSubmit() {
	e.captureNextSubmit = true
}

// SpanStart implements emit_span_start: it updates state.LastLabelID,
// reads the cycle counter, and emits either a tag-3 (GPU submit capture),
// a tag-0 for every other label, recording whether this span is a
// module-load span so SpanEnd knows to re-register after committing.
func (e *Emitter) SpanStart(state *registry.PerThreadState, labelID int, args Args) {
	state.LastLabelID.Store(int64(labelID))
	now := tsc.Read()
	state.LastEmitTime.Store(now)

	if e.index.IsGPUSubmitLabel(labelID) && e.captureNextSubmit {
		e.captureNextSubmit = false
		e.emitGPUSubmitExtra(state, labelID, now, args)
		return
	}

	e.emitSpanStart(state, labelID, now)
}

func (e *Emitter) emitSpanStart(state *registry.PerThreadState, labelID int, now uint64) {
	var rec [32]byte
	binary.LittleEndian.PutUint64(rec[0:8], TagSpanStart)
	binary.LittleEndian.PutUint64(rec[8:16], uint64(state.ThreadID))
	binary.LittleEndian.PutUint64(rec[16:24], now)
	binary.LittleEndian.PutUint64(rec[24:32], uint64(labelID))
	e.write(state, rec[:])
}

// emitGPUSubmitExtra assembles a tag-3 record: the fixed header, the
// buffer count, the two per-buffer size arrays, then each draw buffer's
// raw bytes followed by each compute buffer's raw bytes — byte-for-byte,
// per the design (the core never interprets GPU command-buffer contents).
func (e *Emitter) emitGPUSubmitExtra(state *registry.PerThreadState, labelID int, now uint64, args Args) {
	count := uint32(args.Values[1])
	drawBuffers := derefPtrArray(args.Values[2], count)
	drawSizes := derefU32Array(args.Values[3], count)
	computeBuffers := derefPtrArray(args.Values[4], count)
	computeSizes := derefU32Array(args.Values[5], count)

	extraLen := uint64(4) + uint64(count)*8
	for i := uint32(0); i < count; i++ {
		extraLen += uint64(drawSizes[i]) + uint64(computeSizes[i])
	}

	total := uint64(40) + extraLen
	res, ok := state.Ring.Reserve(total)
	if !ok {
		state.DroppedDelta.Add(1)
		return
	}

	buf := make([]byte, 0, total)
	var hdr [40]byte
	binary.LittleEndian.PutUint64(hdr[0:8], TagSpanStartExtra)
	binary.LittleEndian.PutUint64(hdr[8:16], uint64(state.ThreadID))
	binary.LittleEndian.PutUint64(hdr[16:24], now)
	binary.LittleEndian.PutUint64(hdr[24:32], uint64(labelID))
	binary.LittleEndian.PutUint64(hdr[32:40], extraLen)
	buf = append(buf, hdr[:]...)

	var countBytes [4]byte
	binary.LittleEndian.PutUint32(countBytes[:], count)
	buf = append(buf, countBytes[:]...)

	for _, sz := range drawSizes {
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], sz)
		buf = append(buf, b[:]...)
	}
	for _, sz := range computeSizes {
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], sz)
		buf = append(buf, b[:]...)
	}
	for i, ptr := range drawBuffers {
		buf = append(buf, derefBytes(ptr, drawSizes[i])...)
	}
	for i, ptr := range computeBuffers {
		buf = append(buf, derefBytes(ptr, computeSizes[i])...)
	}

	ring.Write(res, buf)
	ring.Commit(state.Ring, res)
}

// SpanEnd implements emit_span_end: emits a tag-1 record, then — if the
// span that just ended was a module-load span — invokes Reregister after
// the record is committed.
func (e *Emitter) SpanEnd(state *registry.PerThreadState) {
	now := tsc.Read()

	var rec [24]byte
	binary.LittleEndian.PutUint64(rec[0:8], TagSpanEnd)
	binary.LittleEndian.PutUint64(rec[8:16], uint64(state.ThreadID))
	binary.LittleEndian.PutUint64(rec[16:24], now)
	e.write(state, rec[:])

	if e.index.IsModuleLoadLabel(int(state.LastLabelID.Load())) && e.Reregister != nil {
		e.Reregister()
	}
}

// Counters formats a tag-2 record carrying the dropped-packet delta since
// the last counters record.
func (e *Emitter) Counters(state *registry.PerThreadState, droppedDelta uint64, lastTime, now uint64) []byte {
	var rec [40]byte
	binary.LittleEndian.PutUint64(rec[0:8], TagCounters)
	binary.LittleEndian.PutUint64(rec[8:16], uint64(state.ThreadID))
	binary.LittleEndian.PutUint64(rec[16:24], droppedDelta)
	binary.LittleEndian.PutUint64(rec[24:32], lastTime)
	binary.LittleEndian.PutUint64(rec[32:40], now)
	return rec[:]
}

func (e *Emitter) write(state *registry.PerThreadState, rec []byte) {
	res, ok := state.Ring.Reserve(uint64(len(rec)))
	if !ok {
		state.DroppedDelta.Add(1)
		return
	}
	ring.Write(res, rec)
	ring.Commit(state.Ring, res)
}

func derefPtrArray(addr uint64, count uint32) []uint64 {
	if addr == 0 || count == 0 {
		return nil
	}
	ptrs := unsafe.Slice((*uint64)(unsafe.Pointer(uintptr(addr))), count)
	out := make([]uint64, count)
	copy(out, ptrs)
	return out
}

func derefU32Array(addr uint64, count uint32) []uint32 {
	if addr == 0 || count == 0 {
		return nil
	}
	vals := unsafe.Slice((*uint32)(unsafe.Pointer(uintptr(addr))), count)
	out := make([]uint32, count)
	copy(out, vals)
	return out
}

func derefBytes(addr uint64, length uint32) []byte {
	if addr == 0 || length == 0 {
		return nil
	}
	src := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(addr))), length)
	out := make([]byte, length)
	copy(out, src)
	return out
}
