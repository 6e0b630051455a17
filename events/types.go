// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package events decodes the typed payloads of trace records and drives
// registered handlers through the Dispatcher. Decoded variable-length
// payloads are views into the reader-owned segment buffer and are only valid
// until the dispatch callback returns.
package events // import "github.com/google/syzygy-sub005/events"

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/syzygy-sub005/libgrind"
	npsr "github.com/google/syzygy-sub005/libgrind/nopanicslicereader"
	"github.com/google/syzygy-sub005/modulespace"
)

// DataType describes what the bins of an indexed-frequency record count.
type DataType uint8

const (
	// BasicBlockEntry counts entries into each basic block; one column.
	BasicBlockEntry DataType = iota
	// Branch counts per-branch outcomes; typically three columns.
	Branch
	// Coverage records per-block coverage bits.
	Coverage
	// JumpTable counts jump table case selections.
	JumpTable

	numDataTypes
)

var dataTypeNames = [numDataTypes]string{
	BasicBlockEntry: "basic-block-entry",
	Branch:          "branch",
	Coverage:        "coverage",
	JumpTable:       "jump-table",
}

// Valid reports whether t is one of the defined data types.
func (t DataType) Valid() bool {
	return t < numDataTypes
}

func (t DataType) String() string {
	if t.Valid() {
		return dataTypeNames[t]
	}
	return fmt.Sprintf("DataType(%d)", uint8(t))
}

// ParseDataType maps a data type name back to its value.
func ParseDataType(s string) (DataType, error) {
	for t, name := range dataTypeNames {
		if s == name {
			return DataType(t), nil
		}
	}
	return 0, fmt.Errorf("unknown data type %q", s)
}

// MarshalJSON serializes the data type by name; the JSON output format
// carries names, not raw tags.
func (t DataType) MarshalJSON() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("cannot serialize %s", t)
	}
	return json.Marshal(t.String())
}

func (t *DataType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseDataType(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// ModuleFinder resolves absolute addresses to registered modules. It is
// implemented by the dispatcher-owned address space map.
type ModuleFinder interface {
	FindModule(pid libgrind.PID, addr libgrind.Address) (modulespace.Module, bool)
}

// Context carries the per-event surroundings into handler callbacks. The
// Modules view must not be retained beyond the callback's return.
type Context struct {
	// PID is the traced process the event belongs to.
	PID libgrind.PID
	// TID is the thread the event was recorded on.
	TID uint32
	// Ticks is the raw record timestamp.
	Ticks uint64
	// Time is Ticks converted to wall clock, zero if uncalibrated.
	Time time.Time
	// Modules resolves addresses against the dispatcher's address spaces.
	Modules ModuleFinder
}

// Event payload sizes. Records shorter than the minimum for their tag are
// malformed.
const (
	moduleEventPathChars = 256
	moduleEventSize      = 16 + 2*moduleEventPathChars
	functionEventSize    = 4
	batchEnterHeaderSize = 8
	batchCallSize        = 8
	invocationInfoSize   = 32
	dynamicSymbolMinSize = 5
	threadNameMinSize    = 1
	indexedFreqHeaderLen = 28
	sampleDataHeaderLen  = 36
)

// decodeModuleEvent parses the payload of the four module-lifecycle events.
func decodeModuleEvent(b []byte) libgrind.ModuleInfo {
	path, _ := npsr.UTF16String(b[16:moduleEventSize], 0)
	return libgrind.ModuleInfo{
		BaseAddress:   npsr.Ptr(b, 0),
		Size:          npsr.Uint32(b, 4),
		Checksum:      npsr.Uint32(b, 8),
		TimeDateStamp: npsr.Uint32(b, 12),
		Path:          path,
	}
}

// BatchCall is one buffered function entry within a batch-enter record.
type BatchCall struct {
	// Ticks is the low 32 bits of the entry timestamp.
	Ticks uint32
	// Function is the entered function's address.
	Function libgrind.Address
}

// IndexedFrequencyData is the decoded payload of an indexed-frequency
// record: a batch of counter values for one module from one producer thread.
type IndexedFrequencyData struct {
	// ModuleBaseAddress et al identify the module by its runtime load
	// signature; the path is resolved through the address space.
	ModuleBaseAddress   libgrind.Address
	ModuleSize          uint32
	ModuleChecksum      uint32
	ModuleTimeDateStamp uint32

	// NumEntries is the number of indexed bins.
	NumEntries uint32
	// NumColumns is the number of counters per bin.
	NumColumns uint32
	// DataType says what the counters count.
	DataType DataType
	// FrequencySize is the per-counter width in bytes: 1, 2 or 4.
	FrequencySize uint8

	// Frequencies is the raw counter matrix, borrowed from the segment
	// buffer.
	Frequencies []byte
}

// CounterAt reads the counter for the given bin and column.
func (d *IndexedFrequencyData) CounterAt(bin, col uint32) uint64 {
	offs := uint(bin*d.NumColumns+col) * uint(d.FrequencySize)
	return npsr.Uint(d.Frequencies, offs, uint(d.FrequencySize))
}

// InvocationInfo is one aggregated caller/function pair from an
// invocation-batch record.
type InvocationInfo struct {
	Caller    libgrind.Address
	Function  libgrind.Address
	NumCalls  uint32
	Flags     uint32
	CyclesMin uint32
	CyclesMax uint32
	CyclesSum uint64
}

// InvocationBatchData provides indexed access into an invocation-batch
// payload without copying it out of the segment buffer.
type InvocationBatchData struct {
	raw []byte
}

// Len returns the number of invocation records in the batch.
func (d *InvocationBatchData) Len() int {
	return len(d.raw) / invocationInfoSize
}

// At decodes the i-th invocation record.
func (d *InvocationBatchData) At(i int) InvocationInfo {
	offs := uint(i * invocationInfoSize)
	return InvocationInfo{
		Caller:    npsr.Ptr(d.raw, offs),
		Function:  npsr.Ptr(d.raw, offs+4),
		NumCalls:  npsr.Uint32(d.raw, offs+8),
		Flags:     npsr.Uint32(d.raw, offs+12),
		CyclesMin: npsr.Uint32(d.raw, offs+16),
		CyclesMax: npsr.Uint32(d.raw, offs+20),
		CyclesSum: npsr.Uint64(d.raw, offs+24),
	}
}

// SampleData is the decoded payload of a sample-data record: bucketed
// program-counter sampling counters for one module.
type SampleData struct {
	ModuleBaseAddress   libgrind.Address
	ModuleSize          uint32
	ModuleChecksum      uint32
	ModuleTimeDateStamp uint32

	// BucketSize is the byte span covered by each bucket.
	BucketSize uint32
	// BucketStart is the address of the first bucket.
	BucketStart libgrind.Address
	// SamplingInterval is the sampling period in TSC ticks.
	SamplingInterval uint64
	// BucketCount is the number of buckets.
	BucketCount uint32

	raw []byte
}

// Bucket returns the i-th bucket counter.
func (d *SampleData) Bucket(i uint32) uint32 {
	return npsr.Uint32(d.raw, uint(i)*4)
}
