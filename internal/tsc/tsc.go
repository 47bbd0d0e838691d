// Package tsc reads the x86-64 cycle counter (RDTSCP) and calibrates it
// against the host monotonic clock. Both internal/emitter (per-span
// timestamps) and internal/drain (the preamble's clock anchor) need the
// same counter read, so it lives in its own package rather than being
// duplicated.
//
// Grounded on original_source/packages/plugin/source/time.c
// (get_current_time_rdtscp) — the one place in this core that drops to
// hand-written assembly, since no ecosystem Go package exposes RDTSCP.
package tsc

import "time"

// Read returns the current processor cycle count via RDTSCP. Defined in
// tsc_amd64.s.
//
//go:noescape
func Read() uint64

// calibrationWindow is how long Frequency samples the counter against the
// monotonic clock to estimate cycles per second.
const calibrationWindow = 50 * time.Millisecond

// Frequency estimates the TSC frequency in Hz by sampling Read() at the
// start and end of a short sleep window. This is the tsc_frequency field
// the drain preamble sends so the collector can convert cycle deltas into
// wall-clock durations.
func Frequency() uint64 {
	start := Read()
	t0 := time.Now()
	time.Sleep(calibrationWindow)
	end := Read()
	elapsed := time.Since(t0).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return uint64(float64(end-start) / elapsed)
}

// Anchor is a simultaneously sampled (wall-clock, cycle-counter) pair, sent
// once in the drain preamble so the collector can reconstruct wall time
// from any later cycle timestamp ( §9 glossary).
type Anchor struct {
	Seconds int64
	Nanoseconds int64
	Timestamp uint64
}

// NewAnchor samples the wall clock and the cycle counter as close together
// as practical.
func NewAnchor() Anchor {
	now := time.Now()
	ts := Read()
	return Anchor{
		Seconds: now.Unix(),
		Nanoseconds: int64(now.Nanosecond()),
		Timestamp: ts,
	}
}
