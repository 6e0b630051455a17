// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package events // import "github.com/google/syzygy-sub005/events"

import (
	"errors"
	"fmt"
	"io"

	log "github.com/sirupsen/logrus"

	"github.com/google/syzygy-sub005/libgrind"
	npsr "github.com/google/syzygy-sub005/libgrind/nopanicslicereader"
	"github.com/google/syzygy-sub005/modulespace"
	"github.com/google/syzygy-sub005/tracefile"
)

// ErrMalformed is the classification for records whose payload is shorter
// than their self-described shape requires.
var ErrMalformed = errors.New("malformed event record")

// Dispatcher validates raw records, maintains the per-process module address
// spaces, and invokes the registered handler. It is single-threaded: one
// pull loop drives it and handlers run inline.
type Dispatcher struct {
	handler Handler
	modules *modulespace.Map

	// strictConflict selects whether conflicting module registrations fail
	// processing or only warn.
	strictConflict bool

	// errorOccurred latches once a malformed record was seen; remaining
	// records of the file are then skipped and the outcome is partial.
	errorOccurred bool
	dropped       uint64
}

// NewDispatcher returns a dispatcher feeding h.
func NewDispatcher(h Handler, strictConflict bool) *Dispatcher {
	return &Dispatcher{
		handler:        h,
		modules:        modulespace.NewMap(),
		strictConflict: strictConflict,
	}
}

// Modules exposes the dispatcher-owned address space map.
func (d *Dispatcher) Modules() *modulespace.Map {
	return d.modules
}

// Dropped returns the number of events dropped due to malformed payloads.
func (d *Dispatcher) Dropped() uint64 {
	return d.dropped
}

// SetErrorOccurred latches the error state, causing the remaining records of
// the current file to be skipped.
func (d *Dispatcher) SetErrorOccurred() {
	d.errorOccurred = true
}

// ErrorOccurred reports whether the error latch is set.
func (d *Dispatcher) ErrorOccurred() bool {
	return d.errorOccurred
}

// ProcessFile pulls every segment and record of r through the dispatcher in
// file order. It returns a non-nil error only for fatal conditions; dropped
// events are counted and latch the per-file error state instead.
func (d *Dispatcher) ProcessFile(r *tracefile.Reader) error {
	d.errorOccurred = false
	pid := libgrind.PID(r.Header().ProcessID)

	for {
		seg, err := r.NextSegment()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		ctx := Context{
			PID:     pid,
			TID:     seg.ThreadID,
			Modules: d.modules,
		}
		for {
			rec, err := seg.Next()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				return err
			}
			if d.errorOccurred {
				d.dropped++
				continue
			}
			ctx.Ticks = rec.Ticks
			ctx.Time = rec.Time
			if err := d.dispatch(&ctx, rec); err != nil {
				d.errorOccurred = true
				return err
			}
		}
	}
}

// malformed drops the record and latches the error state.
func (d *Dispatcher) malformed(ctx *Context, rec *tracefile.Record, reason string) {
	log.Errorf("process %d thread %d: %v: %s record of %d bytes: %s",
		ctx.PID, ctx.TID, ErrMalformed, rec.Type, len(rec.Data), reason)
	d.dropped++
	d.errorOccurred = true
}

func (d *Dispatcher) dispatch(ctx *Context, rec *tracefile.Record) error {
	b := rec.Data
	switch rec.Type {
	case tracefile.RecordFunctionEnter, tracefile.RecordFunctionExit:
		if len(b) < functionEventSize {
			d.malformed(ctx, rec, "function event needs 4 bytes")
			return nil
		}
		fn := npsr.Ptr(b, 0)
		if rec.Type == tracefile.RecordFunctionEnter {
			return d.handler.OnFunctionEnter(ctx, fn)
		}
		return d.handler.OnFunctionExit(ctx, fn)

	case tracefile.RecordBatchEnter:
		return d.dispatchBatchEnter(ctx, rec)

	case tracefile.RecordProcessEnded:
		// Late events addressed by RVA must still resolve, so the modules
		// only turn dirty rather than being removed.
		d.modules.Space(ctx.PID).MarkAllDirty()
		return d.handler.OnProcessEnded(ctx)

	case tracefile.RecordModuleAttachProcess, tracefile.RecordModuleAttachThread,
		tracefile.RecordModuleDetachProcess, tracefile.RecordModuleDetachThread:
		return d.dispatchModuleEvent(ctx, rec)

	case tracefile.RecordInvocationBatch:
		if len(b)%invocationInfoSize != 0 {
			d.malformed(ctx, rec, "payload is not a whole number of invocation records")
			return nil
		}
		return d.handler.OnInvocationBatch(ctx, &InvocationBatchData{raw: b})

	case tracefile.RecordThreadName:
		if len(b) < threadNameMinSize {
			d.malformed(ctx, rec, "empty thread name record")
			return nil
		}
		name, _ := npsr.String(b, 0)
		return d.handler.OnThreadName(ctx, name)

	case tracefile.RecordDynamicSymbol:
		if len(b) < dynamicSymbolMinSize {
			d.malformed(ctx, rec, "dynamic symbol needs id and name")
			return nil
		}
		name, _ := npsr.String(b, 4)
		return d.handler.OnDynamicSymbol(ctx, npsr.Uint32(b, 0), name)

	case tracefile.RecordIndexedFrequency:
		return d.dispatchIndexedFrequency(ctx, rec)

	case tracefile.RecordSampleData:
		return d.dispatchSampleData(ctx, rec)

	default:
		// Unknown tags from newer minor versions pass through silently so
		// old grinders keep working on new traces.
		log.Debugf("process %d thread %d: skipping unknown record type %d",
			ctx.PID, ctx.TID, uint16(rec.Type))
		return nil
	}
}

func (d *Dispatcher) dispatchModuleEvent(ctx *Context, rec *tracefile.Record) error {
	if len(rec.Data) < moduleEventSize {
		d.malformed(ctx, rec, fmt.Sprintf("module event needs %d bytes", moduleEventSize))
		return nil
	}
	mod := decodeModuleEvent(rec.Data)

	switch rec.Type {
	case tracefile.RecordModuleAttachProcess, tracefile.RecordModuleAttachThread:
		if err := d.modules.Space(ctx.PID).Insert(&mod, d.strictConflict); err != nil {
			return fmt.Errorf("process %d: %w", ctx.PID, err)
		}
		if rec.Type == tracefile.RecordModuleAttachProcess {
			return d.handler.OnProcessAttach(ctx, &mod)
		}
		return d.handler.OnThreadAttach(ctx, &mod)

	default:
		if !d.modules.Space(ctx.PID).MarkDirty(mod.BaseAddress) {
			log.Warnf("process %d: detach for unregistered module %s", ctx.PID, &mod)
			d.dropped++
			return nil
		}
		if rec.Type == tracefile.RecordModuleDetachProcess {
			return d.handler.OnProcessDetach(ctx, &mod)
		}
		return d.handler.OnThreadDetach(ctx, &mod)
	}
}

func (d *Dispatcher) dispatchBatchEnter(ctx *Context, rec *tracefile.Record) error {
	b := rec.Data
	if len(b) < batchEnterHeaderSize {
		d.malformed(ctx, rec, "batch enter needs an 8 byte header")
		return nil
	}
	numCalls := npsr.Uint32(b, 4)
	if uint64(len(b)) < batchEnterHeaderSize+uint64(numCalls)*batchCallSize {
		d.malformed(ctx, rec, fmt.Sprintf("batch enter claims %d calls", numCalls))
		return nil
	}

	// A writer interrupted mid-entry leaves a null function pointer in the
	// final slot; drop that entry and keep the rest.
	if numCalls > 0 && npsr.Uint32(b, batchEnterHeaderSize+uint(numCalls-1)*batchCallSize+4) == 0 {
		numCalls--
	}

	// The batch carries the producing thread's id; the segment it was
	// flushed into may belong to another thread.
	batchCtx := *ctx
	batchCtx.TID = npsr.Uint32(b, 0)
	for i := uint32(0); i < numCalls; i++ {
		offs := batchEnterHeaderSize + uint(i)*batchCallSize
		fn := npsr.Ptr(b, offs+4)
		if err := d.handler.OnFunctionEnter(&batchCtx, fn); err != nil {
			return err
		}
	}
	return nil
}

func (d *Dispatcher) dispatchIndexedFrequency(ctx *Context, rec *tracefile.Record) error {
	b := rec.Data
	if len(b) < indexedFreqHeaderLen {
		d.malformed(ctx, rec, fmt.Sprintf("indexed frequency needs a %d byte header",
			indexedFreqHeaderLen))
		return nil
	}
	data := IndexedFrequencyData{
		ModuleBaseAddress:   npsr.Ptr(b, 0),
		ModuleSize:          npsr.Uint32(b, 4),
		ModuleChecksum:      npsr.Uint32(b, 8),
		ModuleTimeDateStamp: npsr.Uint32(b, 12),
		NumEntries:          npsr.Uint32(b, 16),
		NumColumns:          npsr.Uint32(b, 20),
		DataType:            DataType(npsr.Uint8(b, 24)),
		FrequencySize:       npsr.Uint8(b, 25),
	}
	need := uint64(data.NumEntries) * uint64(data.NumColumns) * uint64(data.FrequencySize)
	if uint64(len(b)-indexedFreqHeaderLen) < need {
		d.malformed(ctx, rec, fmt.Sprintf("frequency data needs %d bytes, %d present",
			need, len(b)-indexedFreqHeaderLen))
		return nil
	}
	data.Frequencies = b[indexedFreqHeaderLen : uint64(indexedFreqHeaderLen)+need]
	return d.handler.OnIndexedFrequency(ctx, &data)
}

func (d *Dispatcher) dispatchSampleData(ctx *Context, rec *tracefile.Record) error {
	b := rec.Data
	if len(b) < sampleDataHeaderLen {
		d.malformed(ctx, rec, fmt.Sprintf("sample data needs a %d byte header",
			sampleDataHeaderLen))
		return nil
	}
	data := SampleData{
		ModuleBaseAddress:   npsr.Ptr(b, 0),
		ModuleSize:          npsr.Uint32(b, 4),
		ModuleChecksum:      npsr.Uint32(b, 8),
		ModuleTimeDateStamp: npsr.Uint32(b, 12),
		BucketSize:          npsr.Uint32(b, 16),
		BucketStart:         npsr.Ptr(b, 20),
		SamplingInterval:    npsr.Uint64(b, 24),
		BucketCount:         npsr.Uint32(b, 32),
	}
	need := uint64(data.BucketCount) * 4
	if uint64(len(b)-sampleDataHeaderLen) < need {
		d.malformed(ctx, rec, fmt.Sprintf("%d buckets need %d bytes, %d present",
			data.BucketCount, need, len(b)-sampleDataHeaderLen))
		return nil
	}
	data.raw = b[sampleDataHeaderLen : uint64(sampleDataHeaderLen)+need]
	return d.handler.OnSampleData(ctx, &data)
}
