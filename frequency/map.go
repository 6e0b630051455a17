// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package frequency holds the module-keyed frequency map the grinder
// produces and its JSON serialization, the public consumer-facing format of
// the toolchain.
package frequency // import "github.com/google/syzygy-sub005/frequency"

import (
	"math"
	"sort"

	"github.com/google/syzygy-sub005/binmeta"
	"github.com/google/syzygy-sub005/events"
	"github.com/google/syzygy-sub005/libgrind"
)

// CountKey addresses one counter cell: the basic block's RVA in the
// original image and the counter column.
type CountKey struct {
	RVA    libgrind.RVA
	Column uint32
}

// Description fixes the shape of a module's frequency data. It is installed
// by the first record seen for the module; later records must match it.
type Description struct {
	NumEntries    uint32          `json:"num_entries"`
	NumColumns    uint32          `json:"num_columns"`
	DataType      events.DataType `json:"data_type"`
	FrequencySize uint8           `json:"frequency_size"`
}

// ModuleData aggregates the frequency data of one original module.
type ModuleData struct {
	// Metadata is the instrumenter record recovered from the instrumented
	// binary.
	Metadata binmeta.Metadata
	// Description is the shape shared by all records of this module.
	Description Description
	// Counts holds the accumulated counters. Cells that never saw a
	// non-zero value are absent.
	Counts map[CountKey]int32
}

// Add accumulates value into the cell for key. The output counter is a
// signed 32-bit quantity: additions clamp at math.MaxInt32 and a saturated
// cell stays saturated.
func (m *ModuleData) Add(key CountKey, value uint64) {
	if value == 0 {
		return
	}
	sum := int64(m.Counts[key]) + int64(min(value, math.MaxInt32))
	if sum > math.MaxInt32 {
		sum = math.MaxInt32
	}
	m.Counts[key] = int32(sum)
}

// Map is the aggregate output of a grind: frequency data per original
// module identity. The key deliberately excludes the runtime base address,
// so the same build artifact loaded anywhere aggregates into one entry.
type Map map[libgrind.ModuleKey]*ModuleData

// NewMap returns an empty frequency map.
func NewMap() Map {
	return make(Map)
}

// Install returns the entry for the module named by md's signature,
// creating it with the given description on first use. The second return
// reports whether the entry already existed.
func (m Map) Install(md *binmeta.Metadata, desc Description) (*ModuleData, bool) {
	sig := md.ModuleSignature.ModuleInfo()
	key := sig.Key()
	if entry, ok := m[key]; ok {
		return entry, true
	}
	entry := &ModuleData{
		Metadata:    *md,
		Description: desc,
		Counts:      make(map[CountKey]int32),
	}
	m[key] = entry
	return entry, false
}

// sorted returns the entries in the canonical module identity order, so the
// serialized form is stable and diffable.
func (m Map) sorted() []*ModuleData {
	entries := make([]*ModuleData, 0, len(m))
	for _, entry := range m {
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool {
		a := entries[i].Metadata.ModuleSignature.ModuleInfo()
		b := entries[j].Metadata.ModuleSignature.ModuleInfo()
		return a.Compare(&b) < 0
	})
	return entries
}

// rows flattens a module's counts into ascending-RVA rows of
// [rva, c0, .., cK-1]. Rows whose columns are all zero are omitted.
func (m *ModuleData) rows() [][]int64 {
	byRVA := make(map[libgrind.RVA][]int32)
	for key, count := range m.Counts {
		if count == 0 {
			continue
		}
		row, ok := byRVA[key.RVA]
		if !ok {
			row = make([]int32, m.Description.NumColumns)
			byRVA[key.RVA] = row
		}
		if key.Column < m.Description.NumColumns {
			row[key.Column] = count
		}
	}

	rvas := libgrind.MapKeysToSlice(byRVA)
	sort.Slice(rvas, func(i, j int) bool { return rvas[i] < rvas[j] })

	out := make([][]int64, 0, len(rvas))
	for _, rva := range rvas {
		row := make([]int64, 1+m.Description.NumColumns)
		row[0] = int64(rva)
		for col, count := range byRVA[rva] {
			row[1+col] = int64(count)
		}
		out = append(out, row)
	}
	return out
}
