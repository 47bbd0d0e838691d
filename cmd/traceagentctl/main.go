// Command traceagentctl is the tracing core's control binary. Its "run"
// subcommand starts HostBridge against a target SELF image and blocks until
// SIGTERM/SIGINT; its "inspect" subcommand parses a SELF image's dynamic
// linking metadata and prints a summary, without touching any target memory
// or dialing a collector — the Go-side analogue of the original plugin's
// print_relocations debug dump.
package main

import (
	"context"
	"debug/elf"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/tripwire/traceagent/internal/config"
	"github.com/tripwire/traceagent/internal/dynamic"
	"github.com/tripwire/traceagent/internal/hostbridge"
	"github.com/tripwire/traceagent/internal/reloc"
	"github.com/tripwire/traceagent/internal/selfimage"
	"github.com/tripwire/traceagent/internal/trampoline"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "run":
		err = runCommand(os.Args[2:])
	case "inspect":
		err = inspectCommand(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "traceagentctl: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: traceagentctl run -config <path> -self <path> [...] | inspect <self-path>")
}

// runCommand loads configuration, starts HostBridge against the target SELF
// image, and blocks until SIGTERM or SIGINT.
func runCommand(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "/etc/traceagent/config.yaml", "path to the YAML configuration file")
	selfPath := fs.String("self", "", "path to the target SELF image")
	patchLogPath := fs.String("patch-log", "/var/lib/traceagent/patch.log", "path to the hash-chained patch event log")
	emitSpanStartHex := fs.String("emit-span-start", "", "resolved address of the span-start shim, in hex")
	emitSpanEndHex := fs.String("emit-span-end", "", "resolved address of the span-end shim, in hex")
	imageBaseHex := fs.String("image-base", "0x400000", "the target image's runtime base address, in hex")
	fs.Parse(args)

	if *selfPath == "" {
		return fmt.Errorf("-self is required")
	}
	if *emitSpanStartHex == "" || *emitSpanEndHex == "" {
		return fmt.Errorf("-emit-span-start and -emit-span-end are required")
	}

	imageBase, err := strconv.ParseUint(trimHexPrefix(*imageBaseHex), 16, 64)
	if err != nil {
		return fmt.Errorf("-image-base %q: %w", *imageBaseHex, err)
	}
	emitSpanStart, err := strconv.ParseUint(trimHexPrefix(*emitSpanStartHex), 16, 64)
	if err != nil {
		return fmt.Errorf("-emit-span-start %q: %w", *emitSpanStartHex, err)
	}
	emitSpanEnd, err := strconv.ParseUint(trimHexPrefix(*emitSpanEndHex), 16, 64)
	if err != nil {
		return fmt.Errorf("-emit-span-end %q: %w", *emitSpanEndHex, err)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		return err
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	hb := hostbridge.New(cfg, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := hb.Start(ctx, hostbridge.Options{
		SelfPath: *selfPath,
		Shims: trampoline.Shims{
			EmitSpanStart: uintptr(emitSpanStart),
			EmitSpanEnd: uintptr(emitSpanEnd),
		},
		ImageBase: uintptr(imageBase),
		PatchLogPath: *patchLogPath,
	}); err != nil {
		return fmt.Errorf("start: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	logger.Info("traceagentctl: received shutdown signal", slog.String("signal", sig.String()))

	hb.Stop()
	logger.Info("traceagentctl: exited cleanly")
	return nil
}

// inspectCommand parses a SELF image's dynamic linking metadata and prints
// its modules, libraries, and surviving JUMP_SLOT label count. It never
// writes to the image or opens a network connection.
func inspectCommand(args []string) error {
	fs := flag.NewFlagSet("inspect", flag.ExitOnError)
	fs.Parse(args)
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: traceagentctl inspect <self-path>")
	}
	selfPath := fs.Arg(0)

	handle, err := selfimage.Open(selfPath)
	if err != nil {
		return err
	}
	defer handle.Close()

	dynIdx := handle.PhdrIndexOf(elf.PT_DYNAMIC)
	dynlibIdx := handle.PhdrIndexOf(selfimage.PTSceDynlibData)
	if dynIdx < 0 || dynlibIdx < 0 {
		return fmt.Errorf("missing PT_DYNAMIC (%d) or PT_SCE_DYNLIBDATA (%d) program header", dynIdx, dynlibIdx)
	}

	dynBytes, err := handle.LoadSegment(dynIdx)
	if err != nil {
		return err
	}
	dynlibBytes, err := handle.LoadSegment(dynlibIdx)
	if err != nil {
		return err
	}

	info, err := dynamic.Parse(dynBytes, dynlibBytes)
	if err != nil {
		return err
	}
	idx := reloc.Build(info)

	fmt.Printf("%s: %d modules, %d libraries, %d symbols, %d hookable labels\n",
		selfPath, len(info.Modules), len(info.Libraries), len(info.Symbols), len(idx.Labels))

	for _, m := range info.Modules {
		fmt.Printf(" module %-24s id=%d v%d.%d\n", m.Name, m.ID, m.Major, m.Minor)
	}
	for _, l := range info.Libraries {
		fmt.Printf(" library %-24s id=%d v%d\n", l.Name, l.ID, l.Version)
	}
	for i, l := range idx.Labels {
		name := l.Symbol.Name
		if !l.Symbol.Raw {
			name = l.Symbol.Prefix
		}
		fmt.Printf(" label %4d %-16s lib=%s mod=%s offset=%#x\n", i, name, l.LibraryName, l.ModuleName, l.TargetOffset)
	}
	return nil
}

func trimHexPrefix(s string) string {
	if len(s) > 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}

// newLogger constructs a *slog.Logger that writes JSON-structured log
// records to stderr at the requested minimum level.
func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
