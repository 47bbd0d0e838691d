package drain_test

import (
	"context"
	"encoding/binary"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/tripwire/traceagent/internal/drain"
	"github.com/tripwire/traceagent/internal/dynamic"
	"github.com/tripwire/traceagent/internal/emitter"
	"github.com/tripwire/traceagent/internal/reloc"
	"github.com/tripwire/traceagent/internal/registry"
	"github.com/tripwire/traceagent/internal/ring"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func listenLocal(t *testing.T) (net.Listener, string, uint16) {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := l.Addr().(*net.TCPAddr)
	return l, addr.IP.String(), uint16(addr.Port)
}

func TestConnect_Succeeds(t *testing.T) {
	l, host, port := listenLocal(t)
	defer l.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := l.Accept()
		if err == nil {
			accepted <- c
		}
	}()

	idx := &reloc.Index{}
	em := emitter.New(idx)

	d, err := drain.Connect(context.Background(), drain.Config{
		Address: host, Port: port, DialTimeout: time.Second, MaxDialRetries: 1,
	}, em, discardLogger())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer d.Close()

	select {
	case <-accepted:
	case <-time.After(time.Second):
		t.Fatal("server never accepted the connection")
	}
}

func TestConnect_FailsAfterExhaustingRetries(t *testing.T) {
	// Nothing is listening on this port.
	l, host, port := listenLocal(t)
	l.Close()

	idx := &reloc.Index{}
	em := emitter.New(idx)

	_, err := drain.Connect(context.Background(), drain.Config{
		Address: host, Port: port, DialTimeout: 100 * time.Millisecond, MaxDialRetries: 2,
	}, em, discardLogger())
	if err == nil {
		t.Fatal("Connect: expected an error when nothing is listening")
	}
}

func TestSendPreamble_WireLayout(t *testing.T) {
	l, host, port := listenLocal(t)
	defer l.Close()

	serverConn := make(chan net.Conn, 1)
	go func() {
		c, err := l.Accept()
		if err == nil {
			serverConn <- c
		}
	}()

	idx := &reloc.Index{
		Labels: []reloc.Label{
			{Symbol: dynamic.Symbol{Raw: false, Prefix: "Ga6r7H6Y0RI", LibraryID: 2, ModuleID: 1}},
		},
	}
	em := emitter.New(idx)

	d, err := drain.Connect(context.Background(), drain.Config{
		Address: host, Port: port, DialTimeout: time.Second, MaxDialRetries: 1,
	}, em, discardLogger())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer d.Close()

	conn := <-serverConn
	defer conn.Close()

	info := &dynamic.Info{
		Modules: []dynamic.Module{{ID: 1, Major: 2, Minor: 3, Name: "libSceGnmDriver"}},
		Libraries: []dynamic.Library{{ID: 5, Version: 1, Name: "libSceGnmDriver"}},
	}

	if err := d.SendPreamble(info, idx); err != nil {
		t.Fatalf("SendPreamble: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var hdr [32]byte
	if _, err := io.ReadFull(conn, hdr[:]); err != nil {
		t.Fatalf("read header: %v", err)
	}

	var modCount [4]byte
	if _, err := io.ReadFull(conn, modCount[:]); err != nil {
		t.Fatalf("read module count: %v", err)
	}
	if binary.LittleEndian.Uint32(modCount[:]) != 1 {
		t.Fatalf("module_count = %d, want 1", binary.LittleEndian.Uint32(modCount[:]))
	}

	var modHdr [8]byte
	if _, err := io.ReadFull(conn, modHdr[:]); err != nil {
		t.Fatalf("read module header: %v", err)
	}
	nameLen := binary.LittleEndian.Uint32(modHdr[4:8])
	nameBuf := make([]byte, nameLen)
	if _, err := io.ReadFull(conn, nameBuf); err != nil {
		t.Fatalf("read module name: %v", err)
	}
	if string(nameBuf) != "libSceGnmDriver" {
		t.Fatalf("module name = %q, want libSceGnmDriver", nameBuf)
	}
}

func TestRun_DrainsRingAndReclaimsFinishedThread(t *testing.T) {
	l, host, port := listenLocal(t)
	defer l.Close()

	serverConn := make(chan net.Conn, 1)
	go func() {
		c, err := l.Accept()
		if err == nil {
			serverConn <- c
		}
	}()

	idx := &reloc.Index{}
	em := emitter.New(idx)

	d, err := drain.Connect(context.Background(), drain.Config{
		Address: host, Port: port, DialTimeout: time.Second, MaxDialRetries: 1,
	}, em, discardLogger())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	conn := <-serverConn
	defer conn.Close()

	reg := registry.New()
	r, err := ring.New(65536)
	if err != nil {
		t.Fatalf("ring.New: %v", err)
	}
	state := &registry.PerThreadState{ThreadID: 11, Ring: ring.NewState(r)}
	em.SpanStart(state, 0, emitter.Args{})
	em.SpanEnd(state)

	slot, ok := reg.Publish(state)
	if !ok {
		t.Fatal("Publish: expected a free slot")
	}
	state.IsFinished.Store(true)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- d.Run(ctx, reg) }()

	buf := make([]byte, 64)
	conn.SetReadDeadline(time.Now().Add(time.Second))
	n, err := io.ReadFull(conn, buf[:56])
	if err != nil {
		t.Fatalf("read span records: %v", err)
	}
	if n != 56 {
		t.Fatalf("read %d bytes, want 56 (span-start 32 + span-end 24)", n)
	}

	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
	if reg.Slot(slot) != nil {
		t.Fatal("Run: expected the finished thread's slot to be reclaimed")
	}
}
