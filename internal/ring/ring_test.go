package ring_test

import (
	"bytes"
	"testing"

	"github.com/tripwire/traceagent/internal/ring"
)

func mustNew(t *testing.T, size int) *ring.Ring {
	t.Helper()
	r, err := ring.New(size)
	if err != nil {
		t.Fatalf("New(%d): unexpected error: %v", size, err)
	}
	return r
}

func TestReserveWriteCommitDrain_Contiguous(t *testing.T) {
	r := mustNew(t, 4096)
	s := ring.NewState(r)

	payload := []byte("hello span record")
	res, ok := s.Reserve(uint64(len(payload)))
	if !ok {
		t.Fatal("Reserve: expected ok=true")
	}
	ring.Write(res, payload)
	ring.Commit(s, res)

	var sink bytes.Buffer
	if err := ring.Drain(res.Ring, &sink); err != nil {
		t.Fatalf("Drain: unexpected error: %v", err)
	}
	if sink.String() != string(payload) {
		t.Errorf("Drain sink = %q, want %q", sink.String(), payload)
	}
}

func TestReserveWriteCommitDrain_Wraparound(t *testing.T) {
	r := mustNew(t, 16)
	s := ring.NewState(r)

	first := []byte("0123456789") // 10 bytes, leaves 6 free
	res1, ok := s.Reserve(uint64(len(first)))
	if !ok {
		t.Fatal("Reserve first: expected ok")
	}
	ring.Write(res1, first)
	ring.Commit(s, res1)

	var sink bytes.Buffer
	if err := ring.Drain(res1.Ring, &sink); err != nil {
		t.Fatalf("Drain: unexpected error: %v", err)
	}
	sink.Reset()

	// Now write_idx=10, read_idx=10. Reserve 10 more bytes; this wraps
	// since size is 16: offset 10, end 20 > 16.
	second := []byte("abcdefghij")
	res2, ok := s.Reserve(uint64(len(second)))
	if !ok {
		t.Fatal("Reserve second: expected ok")
	}
	ring.Write(res2, second)
	ring.Commit(s, res2)

	if err := ring.Drain(res2.Ring, &sink); err != nil {
		t.Fatalf("Drain wrap: unexpected error: %v", err)
	}
	if sink.String() != string(second) {
		t.Errorf("Drain wrap sink = %q, want %q", sink.String(), second)
	}
}

func TestReserve_GrowsAndChains(t *testing.T) {
	r := mustNew(t, 64)
	s := ring.NewState(r)

	big := make([]byte, 100)
	for i := range big {
		big[i] = byte(i)
	}

	res, ok := s.Reserve(uint64(len(big)))
	if !ok {
		t.Fatal("Reserve: expected ok=true for growing reservation")
	}
	if !res.IsNew {
		t.Fatal("Reserve: expected IsNew=true when buffer must grow")
	}
	if res.Ring == r {
		t.Fatal("Reserve: expected a new ring distinct from the original")
	}

	ring.Write(res, big)
	ring.Commit(s, res)

	var sink bytes.Buffer
	if err := ring.Drain(res.Ring, &sink); err != nil {
		t.Fatalf("Drain: unexpected error: %v", err)
	}
	if !bytes.Equal(sink.Bytes(), big) {
		t.Errorf("Drain after grow = %v, want %v", sink.Bytes(), big)
	}
}

func TestDrain_EmptyRingIsNoop(t *testing.T) {
	r := mustNew(t, 4096)
	var sink bytes.Buffer
	if err := ring.Drain(r, &sink); err != nil {
		t.Fatalf("Drain empty: unexpected error: %v", err)
	}
	if sink.Len() != 0 {
		t.Errorf("Drain empty wrote %d bytes, want 0", sink.Len())
	}
}
