// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package grinder turns raw indexed-frequency trace records into an
// aggregated per-module frequency map keyed by basic block RVAs.
package grinder // import "github.com/google/syzygy-sub005/grinder"

import (
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/google/syzygy-sub005/events"
	"github.com/google/syzygy-sub005/frequency"
	"github.com/google/syzygy-sub005/libgrind"
)

// Status summarizes how much of the input contributed to the output.
type Status int

const (
	// StatusOK means every frequency record was aggregated.
	StatusOK Status = iota
	// StatusPartial means some records were skipped but output exists.
	StatusPartial
	// StatusFailed means the output is unusable.
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusPartial:
		return "partial"
	case StatusFailed:
		return "failed"
	}
	return fmt.Sprintf("<status %d>", int(s))
}

// Grinder consumes indexed-frequency events and accumulates them into a
// frequency map. It ignores every other event kind.
type Grinder struct {
	events.NoopHandler

	cache *moduleCache
	data  frequency.Map

	// dataTypes restricts aggregation to the named counter kinds; empty
	// means accept all.
	dataTypes libgrind.Set[events.DataType]

	status   Status
	accepted uint64
	skipped  uint64
}

// NewGrinder returns a grinder accepting the given data types, or all of
// them when none are named.
func NewGrinder(dataTypes []events.DataType) (*Grinder, error) {
	cache, err := newModuleCache()
	if err != nil {
		return nil, err
	}
	return &Grinder{
		cache:     cache,
		data:      frequency.NewMap(),
		dataTypes: libgrind.SliceToSet(dataTypes),
	}, nil
}

// Data returns the accumulated frequency map.
func (g *Grinder) Data() frequency.Map {
	return g.data
}

// Status reports the aggregation outcome so far.
func (g *Grinder) Status() Status {
	switch {
	case g.status == StatusFailed, g.accepted == 0:
		return StatusFailed
	case g.skipped > 0:
		return StatusPartial
	}
	return StatusOK
}

// Accepted returns the number of aggregated frequency records.
func (g *Grinder) Accepted() uint64 {
	return g.accepted
}

// skip drops the current record and degrades the outcome to partial.
func (g *Grinder) skip(format string, args ...any) error {
	log.Warnf(format, args...)
	g.skipped++
	return nil
}

// OnIndexedFrequency aggregates one frequency record. Malformed records
// and records for modules without recoverable instrumentation data degrade
// the outcome to partial; a record that contradicts the shape previously
// installed for its module is fatal.
func (g *Grinder) OnIndexedFrequency(ctx *events.Context,
	data *events.IndexedFrequencyData) error {
	if data.NumEntries == 0 {
		// Legal sentinel emitted by agents that flushed empty buffers.
		log.Infof("Empty frequency record for module at 0x%X, pid %d",
			data.ModuleBaseAddress, ctx.PID)
		return nil
	}
	switch data.FrequencySize {
	case 1, 2, 4:
	default:
		return g.skip("Frequency record with invalid counter width %d for "+
			"module at 0x%X in pid %d", data.FrequencySize,
			data.ModuleBaseAddress, ctx.PID)
	}
	if !data.DataType.Valid() {
		return g.skip("Frequency record with invalid data type %d for "+
			"module at 0x%X in pid %d", data.DataType,
			data.ModuleBaseAddress, ctx.PID)
	}

	mod, ok := ctx.Modules.FindModule(ctx.PID, data.ModuleBaseAddress)
	if !ok {
		return g.skip("Frequency record for unknown module at 0x%X in pid %d",
			data.ModuleBaseAddress, ctx.PID)
	}
	recorded := libgrind.ModuleInfo{
		BaseAddress:   data.ModuleBaseAddress,
		Size:          data.ModuleSize,
		Checksum:      data.ModuleChecksum,
		TimeDateStamp: data.ModuleTimeDateStamp,
		Path:          mod.Path,
	}
	if !mod.ModuleInfo.Consistent(&recorded) {
		return g.skip("Frequency record signature does not match module %q "+
			"in pid %d", mod.Path, ctx.PID)
	}

	artifacts, err := g.cache.get(&mod.ModuleInfo)
	if err != nil {
		if errors.Is(err, errDeferred) {
			g.skipped++
			return nil
		}
		g.status = StatusFailed
		return err
	}
	if uint32(len(artifacts.ranges)) != data.NumEntries {
		return g.skip("Module %q: trace has %d frequency entries, debug "+
			"data has %d basic blocks", mod.Path, data.NumEntries,
			len(artifacts.ranges))
	}

	if len(g.dataTypes) > 0 {
		if _, want := g.dataTypes[data.DataType]; !want {
			log.Debugf("Skipping %s record for module %q", data.DataType,
				mod.Path)
			return nil
		}
	}

	desc := frequency.Description{
		NumEntries:    data.NumEntries,
		NumColumns:    data.NumColumns,
		DataType:      data.DataType,
		FrequencySize: data.FrequencySize,
	}
	entry, existed := g.data.Install(artifacts.meta, desc)
	if existed {
		// Counter width may vary between records for the same module; the
		// output keeps the first-seen width. Everything else must match.
		seen := entry.Description
		if seen.NumEntries != desc.NumEntries ||
			seen.NumColumns != desc.NumColumns ||
			seen.DataType != desc.DataType {
			return fmt.Errorf("module %q: frequency record shape %+v "+
				"contradicts previously seen shape %+v", mod.Path, desc, seen)
		}
	}

	for bin := uint32(0); bin < data.NumEntries; bin++ {
		rva := artifacts.ranges[bin].RVA
		for col := uint32(0); col < data.NumColumns; col++ {
			if value := data.CounterAt(bin, col); value != 0 {
				entry.Add(frequency.CountKey{RVA: rva, Column: col}, value)
			}
		}
	}
	g.accepted++
	return nil
}
