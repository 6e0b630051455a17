// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/peterbourgon/ff/v3/ffcli"

	"github.com/google/syzygy-sub005/events"
	"github.com/google/syzygy-sub005/libgrind"
	"github.com/google/syzygy-sub005/tracefile"
)

type dumpCmd struct {
	headerOnly bool
}

func newDumpCmd() *ffcli.Command {
	cmd := dumpCmd{}
	set := flag.NewFlagSet("dump", flag.ExitOnError)
	set.BoolVar(&cmd.headerOnly, "header-only", false,
		"Print only the trace file header")
	return &ffcli.Command{
		Name:       "dump",
		ShortUsage: "dump [flags] <trace file>...",
		ShortHelp:  "Print the contents of trace files",
		FlagSet:    set,
		Exec:       cmd.exec,
	}
}

func (cmd *dumpCmd) exec(_ context.Context, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("at least one trace file is required")
	}
	for _, path := range args {
		if err := cmd.dumpFile(os.Stdout, path); err != nil {
			return fmt.Errorf("failed to dump %q: %w", path, err)
		}
	}
	return nil
}

func (cmd *dumpCmd) dumpFile(w io.Writer, path string) error {
	r, err := tracefile.Open(path)
	if err != nil {
		return err
	}
	defer r.Close()

	hdr := r.Header()
	fmt.Fprintf(w, "Trace file %s\n", path)
	fmt.Fprintf(w, "  version:      %d.%d\n", hdr.Version.Hi, hdr.Version.Lo)
	fmt.Fprintf(w, "  process id:   %d\n", hdr.ProcessID)
	fmt.Fprintf(w, "  started:      %s\n", r.Clock().StartTime())
	fmt.Fprintf(w, "  module:       %s\n", hdr.ModulePath)
	fmt.Fprintf(w, "  command line: %s\n", hdr.CommandLine)
	if cmd.headerOnly {
		return nil
	}

	d := events.NewDispatcher(&printHandler{w: w}, false)
	return d.ProcessFile(r)
}

// printHandler writes one line per event. Events it has no formatter for
// fall through to the embedded no-op.
type printHandler struct {
	events.NoopHandler
	w io.Writer
}

func (h *printHandler) line(ctx *events.Context, format string, args ...any) error {
	prefix := fmt.Sprintf("[pid %5d tid %5d ticks %d] ", ctx.PID, ctx.TID, ctx.Ticks)
	_, err := fmt.Fprintf(h.w, prefix+format+"\n", args...)
	return err
}

func (h *printHandler) OnFunctionEnter(ctx *events.Context, fn libgrind.Address) error {
	return h.line(ctx, "enter 0x%X", fn)
}

func (h *printHandler) OnFunctionExit(ctx *events.Context, fn libgrind.Address) error {
	return h.line(ctx, "exit 0x%X", fn)
}

func (h *printHandler) OnProcessEnded(ctx *events.Context) error {
	return h.line(ctx, "process ended")
}

func (h *printHandler) OnProcessAttach(ctx *events.Context, mod *libgrind.ModuleInfo) error {
	return h.line(ctx, "process attach %s", mod)
}

func (h *printHandler) OnProcessDetach(ctx *events.Context, mod *libgrind.ModuleInfo) error {
	return h.line(ctx, "process detach %s", mod)
}

func (h *printHandler) OnThreadAttach(ctx *events.Context, mod *libgrind.ModuleInfo) error {
	return h.line(ctx, "thread attach %s", mod)
}

func (h *printHandler) OnThreadDetach(ctx *events.Context, mod *libgrind.ModuleInfo) error {
	return h.line(ctx, "thread detach %s", mod)
}

func (h *printHandler) OnInvocationBatch(ctx *events.Context,
	batch *events.InvocationBatchData) error {
	if err := h.line(ctx, "invocation batch, %d entries", batch.Len()); err != nil {
		return err
	}
	for i := 0; i < batch.Len(); i++ {
		info := batch.At(i)
		_, err := fmt.Fprintf(h.w, "    caller 0x%X function 0x%X calls %d cycles %d\n",
			info.Caller, info.Function, info.NumCalls, info.CyclesSum)
		if err != nil {
			return err
		}
	}
	return nil
}

func (h *printHandler) OnThreadName(ctx *events.Context, name string) error {
	return h.line(ctx, "thread name %q", name)
}

func (h *printHandler) OnDynamicSymbol(ctx *events.Context, symbolID uint32,
	name string) error {
	return h.line(ctx, "dynamic symbol %d = %q", symbolID, name)
}

func (h *printHandler) OnIndexedFrequency(ctx *events.Context,
	data *events.IndexedFrequencyData) error {
	return h.line(ctx, "indexed frequency for module at 0x%X: %d entries x %d "+
		"columns of %s, %d bytes each", data.ModuleBaseAddress, data.NumEntries,
		data.NumColumns, data.DataType, data.FrequencySize)
}

func (h *printHandler) OnSampleData(ctx *events.Context, data *events.SampleData) error {
	return h.line(ctx, "sample data for module at 0x%X: %d buckets of %d bytes",
		data.ModuleBaseAddress, data.BucketCount, data.BucketSize)
}
