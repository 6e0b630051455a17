// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package events // import "github.com/google/syzygy-sub005/events"

import (
	"bytes"
	"encoding/binary"

	"github.com/google/syzygy-sub005/libgrind"
)

// Payload encoders, the writer-side counterparts of the dispatcher's
// decoders. Trace producers and the test fixtures of every downstream
// package build their records through these.

// EncodeModuleEvent encodes the payload of the four module-lifecycle events.
func EncodeModuleEvent(mi *libgrind.ModuleInfo) []byte {
	b := make([]byte, moduleEventSize)
	binary.LittleEndian.PutUint32(b[0:], uint32(mi.BaseAddress))
	binary.LittleEndian.PutUint32(b[4:], mi.Size)
	binary.LittleEndian.PutUint32(b[8:], mi.Checksum)
	binary.LittleEndian.PutUint32(b[12:], mi.TimeDateStamp)
	path := libgrind.EncodeUTF16(mi.Path)
	if len(path) > 2*(moduleEventPathChars-1) {
		path = path[:2*(moduleEventPathChars-1)]
	}
	copy(b[16:], path)
	return b
}

// EncodeFunctionEvent encodes a function enter or exit payload.
func EncodeFunctionEvent(fn libgrind.Address) []byte {
	b := make([]byte, functionEventSize)
	binary.LittleEndian.PutUint32(b, uint32(fn))
	return b
}

// EncodeBatchEnter encodes a batch-enter payload for the given producer
// thread.
func EncodeBatchEnter(threadID uint32, calls []BatchCall) []byte {
	b := make([]byte, batchEnterHeaderSize+len(calls)*batchCallSize)
	binary.LittleEndian.PutUint32(b[0:], threadID)
	binary.LittleEndian.PutUint32(b[4:], uint32(len(calls)))
	for i, call := range calls {
		offs := batchEnterHeaderSize + i*batchCallSize
		binary.LittleEndian.PutUint32(b[offs:], call.Ticks)
		binary.LittleEndian.PutUint32(b[offs+4:], uint32(call.Function))
	}
	return b
}

// EncodeThreadName encodes a thread-name payload.
func EncodeThreadName(name string) []byte {
	return append([]byte(name), 0)
}

// EncodeDynamicSymbol encodes a dynamic-symbol payload.
func EncodeDynamicSymbol(symbolID uint32, name string) []byte {
	b := make([]byte, 4, 4+len(name)+1)
	binary.LittleEndian.PutUint32(b, symbolID)
	b = append(b, name...)
	return append(b, 0)
}

// EncodeIndexedFrequency encodes an indexed-frequency payload. The
// frequencies matrix must hold NumEntries*NumColumns counters of
// FrequencySize bytes each.
func EncodeIndexedFrequency(d *IndexedFrequencyData) []byte {
	var buf bytes.Buffer
	var hdr [indexedFreqHeaderLen]byte
	binary.LittleEndian.PutUint32(hdr[0:], uint32(d.ModuleBaseAddress))
	binary.LittleEndian.PutUint32(hdr[4:], d.ModuleSize)
	binary.LittleEndian.PutUint32(hdr[8:], d.ModuleChecksum)
	binary.LittleEndian.PutUint32(hdr[12:], d.ModuleTimeDateStamp)
	binary.LittleEndian.PutUint32(hdr[16:], d.NumEntries)
	binary.LittleEndian.PutUint32(hdr[20:], d.NumColumns)
	hdr[24] = uint8(d.DataType)
	hdr[25] = d.FrequencySize
	buf.Write(hdr[:])
	buf.Write(d.Frequencies)
	return buf.Bytes()
}

// EncodeSampleData encodes a sample-data payload.
func EncodeSampleData(d *SampleData, buckets []uint32) []byte {
	b := make([]byte, sampleDataHeaderLen+4*len(buckets))
	binary.LittleEndian.PutUint32(b[0:], uint32(d.ModuleBaseAddress))
	binary.LittleEndian.PutUint32(b[4:], d.ModuleSize)
	binary.LittleEndian.PutUint32(b[8:], d.ModuleChecksum)
	binary.LittleEndian.PutUint32(b[12:], d.ModuleTimeDateStamp)
	binary.LittleEndian.PutUint32(b[16:], d.BucketSize)
	binary.LittleEndian.PutUint32(b[20:], uint32(d.BucketStart))
	binary.LittleEndian.PutUint64(b[24:], d.SamplingInterval)
	binary.LittleEndian.PutUint32(b[32:], uint32(len(buckets)))
	for i, bucket := range buckets {
		binary.LittleEndian.PutUint32(b[sampleDataHeaderLen+4*i:], bucket)
	}
	return b
}
