// Package drain implements Drain: it owns the one TCP connection to the
// off-host collector, sends the metadata preamble once, then repeatedly
// round-robins every registered thread's ring buffer chain onto the
// socket, emitting counters deltas and reclaiming finished threads, until
// the connection fails.
//
// Grounded on internal/transport/grpctransport.go
// (connectLoop/connect backoff-reset shape, adapted here to a bounded
// initial-dial retry rather than indefinite reconnection — the
// steady-state loop exits rather than reconnects on a transport error) and
// internal/transport/metrics.go (atomic-counter snapshot pattern, reused
// for Drain's own Stats).
package drain

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/tripwire/traceagent/internal/dynamic"
	"github.com/tripwire/traceagent/internal/emitter"
	"github.com/tripwire/traceagent/internal/reloc"
	"github.com/tripwire/traceagent/internal/registry"
	"github.com/tripwire/traceagent/internal/ring"
	"github.com/tripwire/traceagent/internal/traceerr"
	"github.com/tripwire/traceagent/internal/tsc"
)

// PollInterval is the target sleep between round-robin drain passes (target
// latency: 10ms or less between passes).
const PollInterval = 10 * time.Millisecond

// Config bounds the initial dial to the collector. Start-up errors abort
// agent start, so unlike an indefinitely-retried gRPC connection, this
// retry is bounded by MaxDialRetries.
type Config struct {
	Address string
	Port uint16
	DialTimeout time.Duration
	MaxDialRetries uint64
}

func (c *Config) applyDefaults() {
	if c.DialTimeout == 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.MaxDialRetries == 0 {
		c.MaxDialRetries = 5
	}
}

// Stats are the atomic counters Drain keeps for the embedding host to read.
// The drain pass updates BytesSent, CountersEmitted and ThreadsReclaimed;
// RecordsSent is not updated by this package. No Prometheus text handler
// is provided.
type Stats struct {
	RecordsSent atomic.Uint64
	BytesSent atomic.Uint64
	CountersEmitted atomic.Uint64
	ThreadsReclaimed atomic.Uint64
}

// Drain is the Drain component: the connected socket, the emitter used to
// format Counters records, and the running totals.
type Drain struct {
	conn net.Conn
	logger *slog.Logger
	emitter *emitter.Emitter

	Stats Stats
}

// Connect dials the collector with a bounded exponential backoff, mirroring
// connectLoop shape for the initial attempt only.
func Connect(ctx context.Context, cfg Config, em *emitter.Emitter, logger *slog.Logger) (*Drain, error) {
	cfg.applyDefaults()
	addr := fmt.Sprintf("%s:%d", cfg.Address, cfg.Port)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = cfg.DialTimeout
	b.MaxElapsedTime = 0
	bo := backoff.WithContext(backoff.WithMaxRetries(b, cfg.MaxDialRetries), ctx)

	var conn net.Conn
	attempt := 0
	op := func() error {
		attempt++
		c, err := net.DialTimeout("tcp", addr, cfg.DialTimeout)
		if err != nil {
			logger.Warn("drain: dial attempt failed",
				slog.String("addr", addr), slog.Int("attempt", attempt), slog.Any("error", err))
			return err
		}
		conn = c
		return nil
	}

	if err := backoff.Retry(op, bo); err != nil {
		return nil, traceerr.New(traceerr.Transport, "drain.Connect", fmt.Errorf("dial %s after %d attempts: %w", addr, attempt, err))
	}

	logger.Info("drain: connected to collector", slog.String("addr", addr))
	return &Drain{conn: conn, logger: logger, emitter: em}, nil
}

// Close closes the underlying socket. Safe to call after Run has already
// returned (Run closes on error itself).
func (d *Drain) Close() error {
	return d.conn.Close()
}

func (d *Drain) write(p []byte) error {
	n, err := d.conn.Write(p)
	if err != nil {
		return traceerr.New(traceerr.Transport, "drain.write", err)
	}
	d.Stats.BytesSent.Add(uint64(n))
	return nil
}

// SendPreamble sends the one-time metadata preamble: the clock anchor, then
// modules, libraries, and symbols in label-id order.
func (d *Drain) SendPreamble(info *dynamic.Info, idx *reloc.Index) error {
	anchor := tsc.NewAnchor()
	freq := tsc.Frequency()

	var hdr [32]byte
	binary.LittleEndian.PutUint64(hdr[0:8], freq)
	binary.LittleEndian.PutUint64(hdr[8:16], uint64(anchor.Seconds))
	binary.LittleEndian.PutUint64(hdr[16:24], uint64(anchor.Nanoseconds))
	binary.LittleEndian.PutUint64(hdr[24:32], anchor.Timestamp)
	if err := d.write(hdr[:]); err != nil {
		return err
	}

	if err := d.writeModules(info.Modules); err != nil {
		return err
	}
	if err := d.writeLibraries(info.Libraries); err != nil {
		return err
	}
	return d.writeSymbols(idx.Labels)
}

func (d *Drain) writeModules(modules []dynamic.Module) error {
	var count [4]byte
	binary.LittleEndian.PutUint32(count[:], uint32(len(modules)))
	if err := d.write(count[:]); err != nil {
		return err
	}
	for _, m := range modules {
		var hdr [8]byte
		binary.LittleEndian.PutUint16(hdr[0:2], m.ID)
		hdr[2] = m.Major
		hdr[3] = m.Minor
		binary.LittleEndian.PutUint32(hdr[4:8], uint32(len(m.Name)))
		if err := d.write(hdr[:]); err != nil {
			return err
		}
		if err := d.write([]byte(m.Name)); err != nil {
			return err
		}
	}
	return nil
}

func (d *Drain) writeLibraries(libs []dynamic.Library) error {
	var count [4]byte
	binary.LittleEndian.PutUint32(count[:], uint32(len(libs)))
	if err := d.write(count[:]); err != nil {
		return err
	}
	for _, l := range libs {
		var hdr [8]byte
		binary.LittleEndian.PutUint16(hdr[0:2], l.ID)
		binary.LittleEndian.PutUint16(hdr[2:4], l.Version)
		binary.LittleEndian.PutUint32(hdr[4:8], uint32(len(l.Name)))
		if err := d.write(hdr[:]); err != nil {
			return err
		}
		if err := d.write([]byte(l.Name)); err != nil {
			return err
		}
	}
	return nil
}

// symbolWireName returns the bytes sent for a label's symbol: the 11-byte
// hash prefix for a parsed symbol (the part that carries meaning across a
// run, since library/module id are sent as separate fields), or the full
// original string for a raw symbol.
func symbolWireName(sym dynamic.Symbol) string {
	if sym.Raw {
		return sym.Name
	}
	return sym.Prefix
}

func (d *Drain) writeSymbols(labels []reloc.Label) error {
	var count [4]byte
	binary.LittleEndian.PutUint32(count[:], uint32(len(labels)))
	if err := d.write(count[:]); err != nil {
		return err
	}
	for _, l := range labels {
		name := symbolWireName(l.Symbol)
		var hdr [4]byte
		binary.LittleEndian.PutUint32(hdr[:], uint32(len(name)))
		if err := d.write(hdr[:]); err != nil {
			return err
		}
		if err := d.write([]byte(name)); err != nil {
			return err
		}
		var ids [2]byte
		ids[0] = uint8(l.Symbol.LibraryID)
		ids[1] = l.Symbol.ModuleID
		if err := d.write(ids[:]); err != nil {
			return err
		}
	}
	return nil
}

// sink adapts Drain to ring.Sink; every byte it writes is tallied in
// Stats.BytesSent.
type sink struct {
	d *Drain
}

func (s sink) Write(p []byte) (int, error) {
	if err := s.d.write(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Run loops: each pass drains every registered thread's ring chain, emits a
// Counters record for any thread whose dropped count advanced, and reclaims
// threads marked finished. It sleeps PollInterval between passes. It
// returns when ctx is cancelled (after one final pass, so the last batch of
// records still drains before shutdown) or when a socket write fails.
func (d *Drain) Run(ctx context.Context, reg *registry.Registry) error {
	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()

	for {
		if err := d.pass(reg); err != nil {
			d.conn.Close()
			return err
		}

		select {
		case <-ctx.Done():
			_ = d.pass(reg)
			return nil
		case <-ticker.C:
		}
	}
}

func (d *Drain) pass(reg *registry.Registry) error {
	var passErr error
	reg.Each(func(slot int, state *registry.PerThreadState) {
		if passErr != nil {
			return
		}
		if err := ring.Drain(state.Ring.Current(), sink{d}); err != nil {
			passErr = err
			return
		}

		total := state.DroppedDelta.Load()
		last := state.LastDroppedReported.Load()
		if total != last {
			now := tsc.Read()
			rec := d.emitter.Counters(state, total-last, state.LastEmitTime.Load(), now)
			if err := d.write(rec); err != nil {
				passErr = err
				return
			}
			state.LastDroppedReported.Store(total)
			d.Stats.CountersEmitted.Add(1)
		}

		if state.IsFinished.Load() {
			if err := ring.Unmap(state.Ring.Current()); err != nil {
				d.logger.Warn("drain: unmap finished thread's ring failed",
					slog.Int64("thread_id", int64(state.ThreadID)), slog.Any("error", err))
			}
			reg.Reclaim(slot)
			d.Stats.ThreadsReclaimed.Add(1)
		}
	})
	return passErr
}
