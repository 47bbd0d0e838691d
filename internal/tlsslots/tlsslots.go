// Package tlsslots computes the TLS slot offsets TlsSlots uses: the four
// fixed negative offsets, relative to the thread-pointer segment base,
// where the trampoline reads/writes the current label, the original
// function pointer, the saved return address, and the PerThreadState
// pointer.
//
// The OS-thread identity this package keys its bookkeeping on (since Go's
// goroutines are not 1:1 with OS threads) is golang.org/x/sys/unix.Gettid().
package tlsslots

import (
	"runtime"

	"golang.org/x/sys/unix"
)

// Offsets holds the four computed TLS slot offsets for a given target
// image's static TLS size.
type Offsets struct {
	// OffState is where the PerThreadState pointer lives.
	OffState int64
	// OffOrig is where the original function's target address lives.
	OffOrig int64
	// OffRet is where the hook body stashes the caller's return address.
	OffRet int64
	// OffLabel is where the current call's label id lives.
	OffLabel int64
}

// Compute derives the four offsets from staticTLSBase, the target image's
// static TLS size:
//
//	OFF_STATE = -static_tls_base - 8
//	OFF_ORIG = -static_tls_base - 24
//	OFF_RET = -16
//	OFF_LABEL = -32
func Compute(staticTLSBase uint16) Offsets {
	base := int64(staticTLSBase)
	return Offsets{
		OffState: -base - 8,
		OffOrig: -base - 24,
		OffRet: -16,
		OffLabel: -32,
	}
}

// LockCurrentOSThread pins the calling goroutine to its current OS thread
// until the goroutine exits or calls runtime.UnlockOSThread. The trampoline's TLS slots are
// addressed relative to the OS thread pointer; a goroutine that migrated
// threads mid-call would read another thread's slots. Every goroutine that
// may execute hooked code — i.e. every target application thread — must
// call this once, before registering with ThreadRegistry.
func LockCurrentOSThread() {
	runtime.LockOSThread()
}

// CurrentThreadID returns the kernel thread id of the calling OS thread,
// used as the ThreadRegistry key and the wire protocol's thread_id field.
func CurrentThreadID() int32 {
	return int32(unix.Gettid())
}
