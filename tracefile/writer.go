// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package tracefile // import "github.com/google/syzygy-sub005/tracefile"

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/google/syzygy-sub005/libgrind"
)

// RawEvent is one event to be framed into a segment by the Writer.
type RawEvent struct {
	Type RecordType
	// Ticks is the raw TSC-like timestamp to stamp the record with.
	Ticks uint64
	// Data is the record payload.
	Data []byte
}

// Writer persists capture buffers into the trace file format. It is the
// service-side counterpart of Reader and is used verbatim by the test
// fixtures of every downstream package.
type Writer struct {
	w      io.Writer
	header FileHeader
	offset uint64
}

// NewWriter writes the file header for hdr to w and returns a Writer for
// appending segments. Zero-valued HeaderSize and BlockSize are filled in
// with the computed and default values respectively.
func NewWriter(w io.Writer, hdr *FileHeader) (*Writer, error) {
	h := *hdr
	if h.Version == (RecordVersion{}) {
		h.Version = RecordVersion{VersionHi, VersionLo}
	}
	if h.BlockSize == 0 {
		h.BlockSize = DefaultBlockSize
	}
	if h.BlockSize&(h.BlockSize-1) != 0 {
		return nil, fmt.Errorf("%w: block size %d is not a power of two",
			ErrInvalidFile, h.BlockSize)
	}

	blob := encodeHeaderBlob(&h)
	h.HeaderSize = headerFixedSize + uint32(len(blob))

	fixed := fileHeaderFixed{
		Signature:           Signature,
		VersionHi:           h.Version.Hi,
		VersionLo:           h.Version.Lo,
		HeaderSize:          h.HeaderSize,
		BlockSize:           h.BlockSize,
		ProcessID:           h.ProcessID,
		ModuleBaseAddress:   h.ModuleBaseAddress,
		ModuleSize:          h.ModuleSize,
		ModuleChecksum:      h.ModuleChecksum,
		ModuleTimeDateStamp: h.ModuleTimeDateStamp,
		OSVersion:           h.OSVersion,
		System:              h.System,
		Memory:              h.Memory,
		Clock:               h.Clock,
	}

	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, &fixed); err != nil {
		return nil, err
	}
	buf.Write(blob)
	if _, err := w.Write(buf.Bytes()); err != nil {
		return nil, err
	}
	return &Writer{w: w, header: h, offset: uint64(buf.Len())}, nil
}

func encodeHeaderBlob(h *FileHeader) []byte {
	var blob bytes.Buffer
	writeUTF16 := func(s string) {
		blob.Write(libgrind.EncodeUTF16(s))
		blob.Write([]byte{0, 0})
	}
	writeUTF16(h.ModulePath)
	writeUTF16(h.CommandLine)
	for _, env := range h.Environment {
		writeUTF16(env)
	}
	// The environment block carries its own final terminator.
	blob.Write([]byte{0, 0})
	return blob.Bytes()
}

// Header returns the header as written, with HeaderSize and defaults
// filled in.
func (w *Writer) Header() *FileHeader {
	return &w.header
}

// pad writes zeros up to the next block boundary.
func (w *Writer) pad() error {
	want := alignUp(w.offset, w.header.BlockSize) - w.offset
	if want == 0 {
		return nil
	}
	if _, err := w.w.Write(make([]byte, want)); err != nil {
		return err
	}
	w.offset += want
	return nil
}

// WriteSegment flushes one capture buffer: padding up to the block boundary,
// the segment header, the framed events, and the tail padding that keeps the
// file a whole number of blocks.
func (w *Writer) WriteSegment(threadID uint32, events []RawEvent) error {
	return w.writeSegment(threadID, events, 0)
}

// WriteSegmentTruncated behaves like WriteSegment but drops the final
// dropTail payload bytes of the last event while leaving its prefix intact,
// reproducing what a client killed mid-write leaves behind.
func (w *Writer) WriteSegmentTruncated(threadID uint32, events []RawEvent, dropTail uint32) error {
	return w.writeSegment(threadID, events, dropTail)
}

func (w *Writer) writeSegment(threadID uint32, events []RawEvent, dropTail uint32) error {
	if err := w.pad(); err != nil {
		return err
	}

	var body bytes.Buffer
	for _, ev := range events {
		writeRecordPrefix(&body, ev.Type, uint32(len(ev.Data)), ev.Ticks)
		body.Write(ev.Data)
	}
	if dropTail > uint32(body.Len()) {
		dropTail = uint32(body.Len())
	}
	body.Truncate(body.Len() - int(dropTail))

	var seg bytes.Buffer
	writeRecordPrefix(&seg, RecordSegmentHeader, SegmentHeaderSize, 0)
	hdr := SegmentHeader{ThreadID: threadID, SegmentLength: uint32(body.Len())}
	if err := binary.Write(&seg, binary.LittleEndian, &hdr); err != nil {
		return err
	}
	seg.Write(body.Bytes())

	if _, err := w.w.Write(seg.Bytes()); err != nil {
		return err
	}
	w.offset += uint64(seg.Len())
	return w.pad()
}

func writeRecordPrefix(buf *bytes.Buffer, typ RecordType, size uint32, ticks uint64) {
	var raw [RecordPrefixSize]byte
	binary.LittleEndian.PutUint32(raw[0:], size)
	binary.LittleEndian.PutUint16(raw[4:], uint16(typ))
	binary.LittleEndian.PutUint64(raw[8:], ticks)
	binary.LittleEndian.PutUint16(raw[16:], VersionHi)
	binary.LittleEndian.PutUint16(raw[18:], VersionLo)
	buf.Write(raw[:])
}
