// Package hostbridge implements HostBridge: the Start/Stop entry points
// that wire every other component together — open the target image, parse
// its dynamic linking metadata, build the label space, connect to the
// collector and send the preamble, install trampolines, then launch the
// drain goroutine — and tear down in reverse on Stop.
//
// Grounded on internal/agent.Agent (functional options,
// mu+running guard, wg.Wait-based shutdown, structured slog lines) and
// cmd/agent/main.go's load-config -> build-logger -> wire-components ->
// signal-driven-shutdown shape, reused here for cmd/traceagentctl.
package hostbridge

import (
	"context"
	"debug/elf"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tripwire/traceagent/internal/config"
	"github.com/tripwire/traceagent/internal/drain"
	"github.com/tripwire/traceagent/internal/dynamic"
	"github.com/tripwire/traceagent/internal/emitter"
	"github.com/tripwire/traceagent/internal/patchlog"
	"github.com/tripwire/traceagent/internal/reloc"
	"github.com/tripwire/traceagent/internal/registry"
	"github.com/tripwire/traceagent/internal/selfimage"
	"github.com/tripwire/traceagent/internal/tlsslots"
	"github.com/tripwire/traceagent/internal/trampoline"
	"github.com/tripwire/traceagent/internal/traceerr"
)

// Options are the target-specific inputs HostBridge needs beyond cfg: the
// SELF image to instrument, the resolved addresses of the span-start/
// span-end shims the trampoline's hook body calls into (built and owned
// outside this core — see internal/trampoline's package doc), the image's
// runtime base address, and where to keep the patch-event log.
type Options struct {
	SelfPath string
	Shims trampoline.Shims
	ImageBase uintptr
	PatchLogPath string
}

// HostBridge is the start/stop orchestrator. Create one with New; call
// Start once, Stop at most once per Start.
type HostBridge struct {
	cfg *config.Config
	logger *slog.Logger

	mu sync.RWMutex
	running bool
	cancel context.CancelFunc
	wg sync.WaitGroup

	sessionID uuid.UUID

	handle *selfimage.Handle
	tramp *trampoline.Trampoline
	patchLog *patchlog.Logger
	drainer *drain.Drain

	// Registry is exposed so the host's hook-installation glue (the code
	// that actually executes inside the target's threads) can call
	// registry.InitCurrent against it.
	Registry *registry.Registry
	Emitter *emitter.Emitter
}

// New constructs a HostBridge from validated configuration.
func New(cfg *config.Config, logger *slog.Logger) *HostBridge {
	return &HostBridge{cfg: cfg, logger: logger}
}

// Start opens opts.SelfPath, parses its dynamic linking metadata, connects
// to the configured collector and sends the metadata preamble, installs
// trampolines over every surviving JUMP_SLOT relocation, and launches the
// drain goroutine. Per the design, any failure up through trampoline
// verification aborts start and leaves the target unmodified; Start never
// partially installs trampolines without tearing the attempt back down.
func (h *HostBridge) Start(ctx context.Context, opts Options) error {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return fmt.Errorf("hostbridge: already running")
	}
	h.mu.Unlock()

	h.sessionID = uuid.New()
	log := h.logger.With(slog.String("session_id", h.sessionID.String()))
	log.Info("hostbridge: starting", slog.String("self_path", opts.SelfPath))

	handle, info, idx, err := h.loadImage(opts.SelfPath, log)
	if err != nil {
		return err
	}

	dialTimeout := time.Duration(h.cfg.DialTimeoutSeconds) * time.Second
	em := emitter.New(idx)
	d, err := drain.Connect(ctx, drain.Config{
		Address: h.cfg.TargetAddress,
		Port: h.cfg.TargetPort,
		DialTimeout: dialTimeout,
	}, em, log)
	if err != nil {
		handle.Close()
		log.Error("hostbridge: collector connect failed, aborting start", slog.Any("error", err))
		return err
	}

	if err := d.SendPreamble(info, idx); err != nil {
		d.Close()
		handle.Close()
		log.Error("hostbridge: preamble send failed, aborting start", slog.Any("error", err))
		return err
	}

	patchLog, err := patchlog.Open(opts.PatchLogPath)
	if err != nil {
		d.Close()
		handle.Close()
		return traceerr.New(traceerr.Resource, "hostbridge.Start", fmt.Errorf("open patch log: %w", err))
	}

	offsets := tlsslots.Compute(h.cfg.OriginalTLSSize)
	tramp := trampoline.New(offsets, opts.Shims, opts.ImageBase)
	if err := tramp.Install(idx.Labels); err != nil {
		patchLog.Close()
		d.Close()
		handle.Close()
		log.Error("hostbridge: trampoline install failed, aborting start", slog.Any("error", err))
		return err
	}
	if err := tramp.Verify(); err != nil {
		patchLog.Close()
		d.Close()
		handle.Close()
		log.Error("hostbridge: trampoline verification failed, aborting start", slog.Any("error", err))
		return err
	}
	if err := h.logInstall(patchLog, tramp); err != nil {
		log.Warn("hostbridge: patch log write failed", slog.Any("error", err))
	}

	reg := registry.New()
	em.Reregister = func() error {
		if err := tramp.Reregister(); err != nil {
			return err
		}
		if err := h.logReregister(patchLog, tramp); err != nil {
			log.Warn("hostbridge: patch log write failed after reregister", slog.Any("error", err))
		}
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)

	h.mu.Lock()
	h.handle = handle
	h.tramp = tramp
	h.patchLog = patchLog
	h.drainer = d
	h.Registry = reg
	h.Emitter = em
	h.cancel = cancel
	h.running = true
	h.mu.Unlock()

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		if err := d.Run(runCtx, reg); err != nil {
			log.Warn("hostbridge: drain loop ended", slog.Any("error", err))
		}
	}()

	log.Info("hostbridge: started", slog.Int("label_count", len(idx.Labels)))
	return nil
}

func (h *HostBridge) loadImage(path string, log *slog.Logger) (*selfimage.Handle, *dynamic.Info, *reloc.Index, error) {
	handle, err := selfimage.Open(path)
	if err != nil {
		return nil, nil, nil, err
	}

	dynIdx := handle.PhdrIndexOf(elf.PT_DYNAMIC)
	dynlibIdx := handle.PhdrIndexOf(selfimage.PTSceDynlibData)
	if dynIdx < 0 || dynlibIdx < 0 {
		handle.Close()
		return nil, nil, nil, traceerr.New(traceerr.Image, "hostbridge.loadImage",
			fmt.Errorf("missing PT_DYNAMIC (%d) or PT_SCE_DYNLIBDATA (%d) program header", dynIdx, dynlibIdx))
	}

	dynBytes, err := handle.LoadSegment(dynIdx)
	if err != nil {
		handle.Close()
		return nil, nil, nil, err
	}
	dynlibBytes, err := handle.LoadSegment(dynlibIdx)
	if err != nil {
		handle.Close()
		return nil, nil, nil, err
	}

	info, err := dynamic.Parse(dynBytes, dynlibBytes)
	if err != nil {
		handle.Close()
		return nil, nil, nil, err
	}

	idx := reloc.Build(info)
	log.Info("hostbridge: image parsed",
		slog.Int("modules", len(info.Modules)),
		slog.Int("libraries", len(info.Libraries)),
		slog.Int("labels", len(idx.Labels)))

	return handle, info, idx, nil
}

func (h *HostBridge) logInstall(log *patchlog.Logger, tramp *trampoline.Trampoline) error {
	for _, stub := range tramp.Stubs() {
		ev := patchlog.Event{
			LabelID: stub.LabelID,
			Symbol: stub.Label.Symbol.Prefix,
			Action: "install",
			NewTarget: uint64(stub.CapturedOriginal),
		}
		if stub.Label.Symbol.Raw {
			ev.Symbol = stub.Label.Symbol.Name
		}
		if err := log.Append(ev); err != nil {
			return err
		}
	}
	return nil
}

func (h *HostBridge) logReregister(log *patchlog.Logger, tramp *trampoline.Trampoline) error {
	for _, stub := range tramp.Stubs() {
		ev := patchlog.Event{
			LabelID: stub.LabelID,
			Symbol: stub.Label.Symbol.Prefix,
			Action: "reregister",
			NewTarget: uint64(stub.CapturedOriginal),
		}
		if stub.Label.Symbol.Raw {
			ev.Symbol = stub.Label.Symbol.Name
		}
		if err := log.Append(ev); err != nil {
			return err
		}
	}
	return nil
}

// Stop signals the drain goroutine to end (it completes one more drain pass
// before returning, per the design) and waits for it, then closes the
// collector socket, the patch log, and the image handle. Per the design,
// trampolines are never unmapped here — the target keeps running with
// hooks installed even after Stop.
func (h *HostBridge) Stop() {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return
	}
	h.running = false
	cancel := h.cancel
	h.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	h.wg.Wait()

	if h.drainer != nil {
		h.drainer.Close()
	}
	if h.patchLog != nil {
		if err := h.patchLog.Close(); err != nil {
			h.logger.Warn("hostbridge: patch log close failed", slog.Any("error", err))
		}
	}
	if h.handle != nil {
		if err := h.handle.Close(); err != nil {
			h.logger.Warn("hostbridge: image handle close failed", slog.Any("error", err))
		}
	}

	h.logger.Info("hostbridge: stopped", slog.String("session_id", h.sessionID.String()))
}
