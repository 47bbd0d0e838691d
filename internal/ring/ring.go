// Package ring implements RingBuffer: a single-producer/single-consumer
// growable ring per thread, with overflow-triggered chaining instead of
// blocking or dropping on growth. The producer (the hooked thread) never
// synchronizes with the consumer (the drain goroutine) beyond the
// release/acquire ordering on the write/read indices.
//
// Grounded in spirit on other_examples' yonch-memory-collector perf ring
// (head/tail atomic indices, power-of-two sizing, wraparound split reads)
// and rishavpaul's disruptor ring_buffer.go (SPSC sequence bookkeeping),
// adapted to the growable-with-chaining design the design requires, which
// neither reference implements: on overflow this ring allocates a larger
// buffer and links the old one as `previous` rather than blocking.
package ring

import (
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/tripwire/traceagent/internal/traceerr"
)

// MaxRingSize caps ring growth at 64 MiB.
const MaxRingSize = 64 << 20

// InitialSize is the size of the first ring allocated for a thread.
const InitialSize = 64 << 10

// Ring is one growable SPSC ring buffer segment.
type Ring struct {
	buf []byte
	writeIdx uint64 // producer-owned, released on Commit
	readIdx uint64 // consumer-owned, acquired before read

	previous *Ring // set by producer at grow time, cleared by consumer after full drain
}

// New allocates a ring of the given size via mmap, matching the prior art's
// convention of obtaining growth memory from the OS rather than the Go
// heap, so that a ring segment can be mapped and unmapped independently of
// GC pressure exactly as in the original's malloc/realloc-free scheme.
func New(size int) (*Ring, error) {
	buf, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, traceerr.New(traceerr.Resource, "ring.New", err)
	}
	return &Ring{buf: buf}, nil
}

func (r *Ring) size() uint64 { return uint64(len(r.buf)) }

func (r *Ring) free() uint64 {
	w, rd := r.writeIdx, r.readIdx
	if w >= rd {
		return r.size() - (w - rd)
	}
	return rd - w
}

// Reservation describes a pending write: the ring it belongs to (which may
// be a freshly grown ring, distinct from the one Reserve was called on),
// the offset to write at, and whether this reservation triggered a grow.
type Reservation struct {
	Ring *Ring
	Offset uint64
	Len uint64
	IsNew bool
}

// State is the producer-visible handle for a thread's current ring: it
// tracks the current (possibly just-grown) ring and exposes Reserve/Write/
// Commit as the hot-path API the trampoline's emit calls use.
type State struct {
	current atomic.Pointer[Ring]
	dropped atomic.Uint64
}

// NewState wraps an initial ring as the starting current buffer.
func NewState(initial *Ring) *State {
	s := &State{}
	s.current.Store(initial)
	return s
}

// DroppedCount returns the number of reservations refused because ring
// growth failed. The Counters wire record is built from the registry's
// PerThreadState.DroppedDelta, not from this count.
func (s *State) DroppedCount() uint64 { return s.dropped.Load() }

// Current returns the ring currently receiving writes. The drainer calls
// this once per pass to get the ring chain to drain; a grow between two
// drain passes is observed as a different *Ring with `previous` set.
func (s *State) Current() *Ring { return s.current.Load() }

// Reserve computes free space in the current ring. If insufficient, it
// allocates a new ring sized to max(2*len, 2*currentSize) rounded up to a
// power of two, capped at MaxRingSize, links the old ring as
// previous, and swings State.current. If that allocation fails, it
// increments the dropped counter and returns a null reservation.
func (s *State) Reserve(length uint64) (Reservation, bool) {
	cur := s.current.Load()
	if cur.free() > length {
		return Reservation{Ring: cur, Offset: cur.writeIdx, Len: length}, true
	}

	grown, err := s.grow(cur, length)
	if err != nil {
		s.dropped.Add(1)
		return Reservation{}, false
	}
	return Reservation{Ring: grown, Offset: grown.writeIdx, Len: length, IsNew: true}, true
}

func (s *State) grow(cur *Ring, length uint64) (*Ring, error) {
	want := length * 2
	if alt := cur.size() * 2; alt > want {
		want = alt
	}
	newSize := nextPowerOfTwo(want)
	if newSize > MaxRingSize {
		newSize = MaxRingSize
	}
	if newSize < length {
		return nil, traceerr.New(traceerr.Resource, "ring.grow", errTooLarge(length))
	}

	next, err := New(int(newSize))
	if err != nil {
		return nil, err
	}
	next.previous = cur
	s.current.Store(next)
	return next, nil
}

type errTooLarge uint64

func (e errTooLarge) Error() string {
	return "record too large for maximum ring size"
}

func nextPowerOfTwo(v uint64) uint64 {
	if v == 0 {
		return 1
	}
	v--
	v |= v >> 1
	v |= v >> 2
	v |= v >> 4
	v |= v >> 8
	v |= v >> 16
	v |= v >> 32
	return v + 1
}

// Write copies data into the reservation, wrapping around the ring's
// backing array if the write would run past the end.
func Write(res Reservation, data []byte) {
	r := res.Ring
	size := r.size()
	start := res.Offset % size
	end := start + uint64(len(data))

	if end <= size {
		copy(r.buf[start:end], data)
		return
	}

	firstPart := size - start
	copy(r.buf[start:], data[:firstPart])
	copy(r.buf[0:], data[firstPart:])
}

// Commit publishes the reservation's end offset as the new write_idx,
// ordered after the payload store (release semantics via atomic store),
// and swings state.current to the new ring if this was a growing
// reservation (already done in Reserve for simplicity; Commit here only
// publishes the index so the consumer observes the fully-written bytes).
func Commit(s *State, res Reservation) {
	newWriteIdx := res.Offset + res.Len
	atomic.StoreUint64(&res.Ring.writeIdx, newWriteIdx)
}

// Sink receives drained bytes. Implementations (internal/drain) forward
// them onto the collector socket.
type Sink interface {
	Write(p []byte) (int, error)
}

// Unmap releases r's backing mapping. The drainer calls this for a thread's
// current ring only after observing IsFinished and fully draining it — a
// `previous` ring in a chain is unmapped by Drain itself as it walks the
// chain.
func Unmap(r *Ring) error {
	if r == nil || r.buf == nil {
		return nil
	}
	return unix.Munmap(r.buf)
}

// Drain recursively drains and unmaps `previous` first, then ships the
// contiguous or wrap-split content of r based on read/write ordering,
// advancing read_idx after each acknowledged send.
func Drain(r *Ring, sink Sink) error {
	if r.previous != nil {
		if err := Drain(r.previous, sink); err != nil {
			return err
		}
		if err := unix.Munmap(r.previous.buf); err != nil {
			return traceerr.New(traceerr.Resource, "ring.Drain", err)
		}
		r.previous = nil
	}

	writeIdx := atomic.LoadUint64(&r.writeIdx)
	readIdx := atomic.LoadUint64(&r.readIdx)
	if writeIdx == readIdx {
		return nil
	}

	size := r.size()
	readPos := readIdx % size
	writePos := writeIdx % size

	if writeIdx-readIdx > size {
		// Producer wrapped the whole ring before we could drain; this is a
		// protocol violation we cannot recover bytes from. Resync to the
		// current write position and keep going rather than blocking.
		atomic.StoreUint64(&r.readIdx, writeIdx)
		return nil
	}

	if writePos > readPos {
		if _, err := sink.Write(r.buf[readPos:writePos]); err != nil {
			return traceerr.New(traceerr.Transport, "ring.Drain", err)
		}
		atomic.StoreUint64(&r.readIdx, writeIdx)
		return nil
	}

	// Wrapped: ship [readPos:size) then [0:writePos).
	bytesToSendFirst := size - readPos
	if _, err := sink.Write(r.buf[readPos:size]); err != nil {
		return traceerr.New(traceerr.Transport, "ring.Drain", err)
	}
	atomic.AddUint64(&r.readIdx, bytesToSendFirst)

	if writePos > 0 {
		if _, err := sink.Write(r.buf[0:writePos]); err != nil {
			return traceerr.New(traceerr.Transport, "ring.Drain", err)
		}
		atomic.StoreUint64(&r.readIdx, writeIdx)
	}
	return nil
}
