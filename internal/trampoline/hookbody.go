package trampoline

import (
	"encoding/binary"

	"github.com/tripwire/traceagent/internal/tlsslots"
)

// hookBodyCodeSize is the length of the shared hook-body instruction
// stream, grounded on hook.c's naked-asm hook() routine: save the six
// integer argument registers and eight XMM argument registers, call the
// span-start shim with (label, state, &args), restore the saved
// registers, transfer to the original function via OFF_ORIG while
// stashing the return address in OFF_RET, then call the span-end shim
// with (state, return value) before returning through the stashed
// address.
const hookBodyCodeSize = 210

// hookBodySize is the full allocation size of one hook-body copy: the
// instruction stream above plus the two trailing 8-byte absolute address
// slots its two indirect calls reach through.
const hookBodySize = hookBodyCodeSize + 16

// Offsets, within hookBodyTemplate, of the six fs-relative 32-bit
// displacement fields that the four TLS slot offsets are patched into.
// OFF_STATE and OFF_RET each appear twice — once on the span-start side,
// once on the span-end side.
const (
	hookOffLabelPatchOff = 67 // mov edi, dword ptr fs:[OFF_LABEL]
	hookOffStatePatchOff1 = 76 // mov rsi, qword ptr fs:[OFF_STATE] (span start)
	hookOffRetPatchOff1 = 162 // mov qword ptr fs:[OFF_RET], r10 (save return address)
	hookOffOrigPatchOff = 171 // mov rax, qword ptr fs:[OFF_ORIG]
	hookOffRetPatchOff2 = 182 // mov r10, qword ptr fs:[OFF_RET] (restore return address)
	hookOffStatePatchOff2 = 194 // mov rdi, qword ptr fs:[OFF_STATE] (span end)
)

// hookSpanStartSlotOff and hookSpanEndSlotOff are the offsets, within one
// hook-body copy, of the two absolute addresses the body's two
// "call [rip+disp]" instructions indirect through. Install fills these in
// once the region is mapped.
const (
	hookSpanStartSlotOff = hookBodyCodeSize
	hookSpanEndSlotOff = hookBodyCodeSize + 8
)

// hookBodyTemplate is the shared hook-body machine code. The six
// fs-relative displacement fields named above are zeroed placeholders;
// buildHookBody patches them with the instance's TLS offsets. The two
// trailing 8-byte slots are also zeroed; Install patches those with the
// resolved span-start/span-end shim addresses after the body is copied
// into the executable region, the same two-stage patch pattern stubTemplate
// uses for its own original-address and hook-body-address slots.
var hookBodyTemplate = []byte{
	// Save the six integer argument registers.
	0x41, 0x51, // push r9
	0x41, 0x50, // push r8
	0x51, // push rcx
	0x52, // push rdx
	0x56, // push rsi
	0x57, // push rdi

	// Spill the eight XMM argument registers into the 128-byte red zone
	// below rsp.
	0xF3, 0x0F, 0x7F, 0x44, 0x24, 0x80, // movdqu [rsp-0x80], xmm0
	0xF3, 0x0F, 0x7F, 0x4C, 0x24, 0x90, // movdqu [rsp-0x70], xmm1
	0xF3, 0x0F, 0x7F, 0x54, 0x24, 0xA0, // movdqu [rsp-0x60], xmm2
	0xF3, 0x0F, 0x7F, 0x5C, 0x24, 0xB0, // movdqu [rsp-0x50], xmm3
	0xF3, 0x0F, 0x7F, 0x64, 0x24, 0xC0, // movdqu [rsp-0x40], xmm4
	0xF3, 0x0F, 0x7F, 0x6C, 0x24, 0xD0, // movdqu [rsp-0x30], xmm5
	0xF3, 0x0F, 0x7F, 0x74, 0x24, 0xE0, // movdqu [rsp-0x20], xmm6
	0xF3, 0x0F, 0x7F, 0x7C, 0x24, 0xF0, // movdqu [rsp-0x10], xmm7

	0x48, 0x81, 0xEC, 0x88, 0x00, 0x00, 0x00, // sub rsp, 0x88

	// offset 63: mov edi, dword ptr fs:[OFF_LABEL]; disp32 patched at 67
	0x64, 0x8B, 0x3C, 0x25, 0x00, 0x00, 0x00, 0x00,
	// offset 71: mov rsi, qword ptr fs:[OFF_STATE]; disp32 patched at 76
	0x64, 0x48, 0x8B, 0x34, 0x25, 0x00, 0x00, 0x00, 0x00,
	// offset 80: lea rdx, [rsp+0x8] (&args)
	0x48, 0x8D, 0x54, 0x24, 0x08,
	// offset 85: call [rip+0x77] -> span-start shim slot at hookSpanStartSlotOff
	0xFF, 0x15, 0x77, 0x00, 0x00, 0x00,
	0x90, // nop

	0x48, 0x81, 0xC4, 0x88, 0x00, 0x00, 0x00, // add rsp, 0x88

	// Restore the eight XMM argument registers.
	0xF3, 0x0F, 0x6F, 0x44, 0x24, 0x80, // movdqu xmm0, [rsp-0x80]
	0xF3, 0x0F, 0x6F, 0x4C, 0x24, 0x90, // movdqu xmm1, [rsp-0x70]
	0xF3, 0x0F, 0x6F, 0x54, 0x24, 0xA0, // movdqu xmm2, [rsp-0x60]
	0xF3, 0x0F, 0x6F, 0x5C, 0x24, 0xB0, // movdqu xmm3, [rsp-0x50]
	0xF3, 0x0F, 0x6F, 0x64, 0x24, 0xC0, // movdqu xmm4, [rsp-0x40]
	0xF3, 0x0F, 0x6F, 0x6C, 0x24, 0xD0, // movdqu xmm5, [rsp-0x30]
	0xF3, 0x0F, 0x6F, 0x74, 0x24, 0xE0, // movdqu xmm6, [rsp-0x20]
	0xF3, 0x0F, 0x6F, 0x7C, 0x24, 0xF0, // movdqu xmm7, [rsp-0x10]

	// Restore the six integer argument registers, then pop the caller's
	// return address into r10 as a scratch register.
	0x5F, // pop rdi
	0x5E, // pop rsi
	0x5A, // pop rdx
	0x59, // pop rcx
	0x41, 0x58, // pop r8
	0x41, 0x59, // pop r9

	0x41, 0x5A, // pop r10 (caller's return address)

	// offset 157: mov qword ptr fs:[OFF_RET], r10; disp32 patched at 162
	0x64, 0x4C, 0x89, 0x14, 0x25, 0x00, 0x00, 0x00, 0x00,

	// offset 166: mov rax, qword ptr fs:[OFF_ORIG]; disp32 patched at 171
	0x64, 0x48, 0x8B, 0x04, 0x25, 0x00, 0x00, 0x00, 0x00,

	0xFF, 0xD0, // call rax (the original function)

	// offset 177: mov r10, qword ptr fs:[OFF_RET]; disp32 patched at 182
	0x64, 0x4C, 0x8B, 0x14, 0x25, 0x00, 0x00, 0x00, 0x00,

	0x41, 0x52, // push r10 (the return address, restored onto the stack)
	0x50, // push rax (the original function's return value)

	// offset 189: mov rdi, qword ptr fs:[OFF_STATE]; disp32 patched at 194
	0x64, 0x48, 0x8B, 0x3C, 0x25, 0x00, 0x00, 0x00, 0x00,

	0x48, 0x89, 0xC6, // mov rsi, rax

	// offset 201: call [rip+0xB] -> span-end shim slot at hookSpanEndSlotOff
	0xFF, 0x15, 0x0B, 0x00, 0x00, 0x00,
	0x90, // nop

	0x58, // pop rax
	0xC3, // ret

	// hookSpanStartSlotOff (210): span-start shim absolute address
	0, 0, 0, 0, 0, 0, 0, 0,
	// hookSpanEndSlotOff (218): span-end shim absolute address
	0, 0, 0, 0, 0, 0, 0, 0,
}

// buildHookBody returns one copy of hookBodyTemplate with the four TLS
// slot offsets patched into the six fs-relative displacement fields. The
// two trailing absolute-address slots are left zeroed for Install to fill
// in once the body has a mapped address.
func buildHookBody(offsets tlsslots.Offsets) []byte {
	b := make([]byte, len(hookBodyTemplate))
	copy(b, hookBodyTemplate)

	patch := func(off int, v int64) {
		binary.LittleEndian.PutUint32(b[off:off+4], uint32(int32(v)))
	}
	patch(hookOffLabelPatchOff, offsets.OffLabel)
	patch(hookOffStatePatchOff1, offsets.OffState)
	patch(hookOffRetPatchOff1, offsets.OffRet)
	patch(hookOffOrigPatchOff, offsets.OffOrig)
	patch(hookOffRetPatchOff2, offsets.OffRet)
	patch(hookOffStatePatchOff2, offsets.OffState)
	return b
}
