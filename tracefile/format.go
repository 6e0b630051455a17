// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package tracefile implements the block-aligned, versioned binary format
// that the trace service persists capture buffers into, along with a Reader
// that replays it segment by segment and a Writer that produces it.
//
// # File layout
//
// >>> FileHeader (fixed prefix + variable blob, header_size bytes total)
// >>> for each flushed capture buffer:
// >>>   padding up to the next block_size boundary
// >>>   RecordPrefix{type=SegmentHeader}
// >>>   SegmentHeader{thread_id, segment_length}
// >>>   segment_length bytes of RecordPrefix-framed events
//
// All integers are little-endian. Addresses at this boundary are 32 bits.
package tracefile // import "github.com/google/syzygy-sub005/tracefile"

import "fmt"

// Signature opens every trace file; a mismatch rejects the file.
var Signature = [16]byte{'S', 'Z', 'G', 'Y', ' ', 't', 'r', 'a', 'c', 'e', ' ', 'f', 'i', 'l', 'e', 0}

const (
	// VersionHi is the major format version. Readers reject files with a
	// different major version.
	VersionHi = 1
	// VersionLo is the minor format version. Readers accept files with an
	// equal or lower minor version.
	VersionLo = 3

	// DefaultBlockSize is the segment alignment the service writes by
	// default. It matches the capture buffer granularity.
	DefaultBlockSize = 0x2000

	// headerFixedSize is the size of the fixed header prefix, up to but not
	// including the variable blob.
	headerFixedSize = 160

	// RecordPrefixSize is the on-disk size of RecordPrefix.
	RecordPrefixSize = 20

	// SegmentHeaderSize is the on-disk size of SegmentHeader.
	SegmentHeaderSize = 8
)

// RecordType tags each framed record in a segment. The values are stable
// across writer and reader versions.
type RecordType uint16

const (
	// RecordSegmentHeader prefixes every segment.
	RecordSegmentHeader RecordType = 1
	// RecordFunctionEnter records a single function entry.
	RecordFunctionEnter RecordType = 2
	// RecordFunctionExit records a single function exit.
	RecordFunctionExit RecordType = 3
	// RecordBatchEnter carries a batch of buffered function entries.
	RecordBatchEnter RecordType = 4
	// RecordProcessEnded marks the end of the traced process. It is always
	// the last event of its process within a trace file.
	RecordProcessEnded RecordType = 5
	// RecordModuleAttachProcess records a module load on process attach.
	RecordModuleAttachProcess RecordType = 6
	// RecordModuleDetachProcess records a module unload on process detach.
	RecordModuleDetachProcess RecordType = 7
	// RecordModuleAttachThread records a module load notification delivered
	// on thread attach.
	RecordModuleAttachThread RecordType = 8
	// RecordModuleDetachThread records a module unload notification
	// delivered on thread detach.
	RecordModuleDetachThread RecordType = 9
	// RecordInvocationBatch carries aggregated caller/function invocation
	// counters.
	RecordInvocationBatch RecordType = 10
	// RecordThreadName carries the writer thread's name.
	RecordThreadName RecordType = 11
	// RecordIndexedFrequency carries a batch of per-bin counter values for
	// one module.
	RecordIndexedFrequency RecordType = 12
	// RecordDynamicSymbol names a dynamically generated code region.
	RecordDynamicSymbol RecordType = 13
	// RecordSampleData carries bucketed sampling counters.
	RecordSampleData RecordType = 14
)

var recordTypeNames = map[RecordType]string{
	RecordSegmentHeader:       "SegmentHeader",
	RecordFunctionEnter:       "FunctionEnter",
	RecordFunctionExit:        "FunctionExit",
	RecordBatchEnter:          "BatchEnter",
	RecordProcessEnded:        "ProcessEnded",
	RecordModuleAttachProcess: "ModuleAttachProcess",
	RecordModuleDetachProcess: "ModuleDetachProcess",
	RecordModuleAttachThread:  "ModuleAttachThread",
	RecordModuleDetachThread:  "ModuleDetachThread",
	RecordInvocationBatch:     "InvocationBatch",
	RecordThreadName:          "ThreadName",
	RecordIndexedFrequency:    "IndexedFrequency",
	RecordDynamicSymbol:       "DynamicSymbol",
	RecordSampleData:          "SampleData",
}

func (t RecordType) String() string {
	if name, ok := recordTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("RecordType(%d)", uint16(t))
}

// RecordVersion is the per-record format version carried in each prefix.
type RecordVersion struct {
	Hi uint16
	Lo uint16
}

// RecordPrefix frames every record in a segment, including the segment
// header itself. Size counts the payload only, excluding the prefix.
type RecordPrefix struct {
	Size      uint32
	Type      RecordType
	_         uint16
	Timestamp uint64
	Version   RecordVersion
}

// SegmentHeader is the payload of the RecordSegmentHeader record that opens
// every segment.
type SegmentHeader struct {
	ThreadID      uint32
	SegmentLength uint32
}

// OSVersionInfo mirrors the operating system version block the service
// captures at trace start.
type OSVersionInfo struct {
	Major    uint32
	Minor    uint32
	Build    uint32
	Platform uint32
}

// SystemInfo mirrors the processor description block captured at trace start.
type SystemInfo struct {
	ProcessorArchitecture uint16
	ProcessorLevel        uint16
	ProcessorRevision     uint16
	Reserved              uint16
	NumberOfProcessors    uint32
	PageSize              uint32
}

// MemoryStatus mirrors the memory load block captured at trace start.
type MemoryStatus struct {
	MemoryLoad    uint32
	Reserved      uint32
	TotalPhys     uint64
	AvailPhys     uint64
	TotalPageFile uint64
	AvailPageFile uint64
}

// ClockInfo relates the TSC-like timestamps on records to wall-clock time.
// FileTime is the capture start in 100 ns units since 1601-01-01 (UTC),
// taken at the instant the TSC read TSCReference.
type ClockInfo struct {
	FileTime          uint64
	TicksReference    uint64
	TSCReference      uint64
	TicksPerSecond    uint64
	TSCTicksPerSecond uint64
}

// fileHeaderFixed is the on-disk fixed prefix of the file header. The
// variable blob (module path, command line, environment strings) follows it
// up to HeaderSize.
type fileHeaderFixed struct {
	Signature           [16]byte
	VersionHi           uint16
	VersionLo           uint16
	HeaderSize          uint32
	BlockSize           uint32
	ProcessID           uint32
	ModuleBaseAddress   uint32
	ModuleSize          uint32
	ModuleChecksum      uint32
	ModuleTimeDateStamp uint32
	OSVersion           OSVersionInfo
	System              SystemInfo
	Memory              MemoryStatus
	Clock               ClockInfo
}

// FileHeader is the parsed trace file header.
type FileHeader struct {
	Version             RecordVersion
	HeaderSize          uint32
	BlockSize           uint32
	ProcessID           uint32
	ModuleBaseAddress   uint32
	ModuleSize          uint32
	ModuleChecksum      uint32
	ModuleTimeDateStamp uint32
	OSVersion           OSVersionInfo
	System              SystemInfo
	Memory              MemoryStatus
	Clock               ClockInfo

	// ModulePath is the path of the traced executable image.
	ModulePath string
	// CommandLine is the command line the traced process was started with.
	CommandLine string
	// Environment holds the traced process environment strings.
	Environment []string
}

// alignUp rounds n up to the next multiple of align. align must be a power
// of two.
func alignUp(n uint64, align uint32) uint64 {
	mask := uint64(align) - 1
	return (n + mask) &^ mask
}
