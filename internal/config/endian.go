package config

import "unsafe"

// isLittleEndian is evaluated once at package init. The wire protocol
// (internal/emitter, internal/drain) is little-endian only, so we refuse to
// run on a big-endian host rather than silently mis-encode the stream.
var isLittleEndian = func() bool {
	var x uint16 = 1
	return *(*byte)(unsafe.Pointer(&x)) == 1
}()

// init panics on a big-endian host. This is a build-time-equivalent
// assertion: every supported target for this core is amd64, which is always
// little-endian, so this should never fire outside of cross-compilation
// mistakes.
func init() {
	if !isLittleEndian {
		panic("traceagent: big-endian host is not supported; the wire protocol is little-endian only")
	}
}
