// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package tracefile // import "github.com/google/syzygy-sub005/tracefile"

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/klauspost/compress/zstd"
	log "github.com/sirupsen/logrus"

	"github.com/google/syzygy-sub005/libgrind"
	npsr "github.com/google/syzygy-sub005/libgrind/nopanicslicereader"
)

var (
	// ErrInvalidFile is returned when the file signature or structural
	// invariants of the header do not hold.
	ErrInvalidFile = errors.New("invalid trace file")
	// ErrUnsupported is returned when the file carries an incompatible
	// format version.
	ErrUnsupported = errors.New("unsupported trace file version")
	// ErrTruncated is returned when the file ends inside a structure that
	// promised more bytes.
	ErrTruncated = errors.New("truncated trace file")
)

// zstdMagic is the zstd frame magic; trace files may be stored compressed.
var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

// Record is one framed event from a segment. Data is a view into the
// reader-owned segment buffer and is only valid until the next call to
// Segment.Next.
type Record struct {
	Type    RecordType
	Version RecordVersion
	// Ticks is the raw TSC-like timestamp from the record prefix.
	Ticks uint64
	// Time is Ticks converted to wall clock, or the zero time if the file
	// carries no TSC calibration.
	Time time.Time
	// Data is the record payload, excluding the prefix.
	Data []byte
}

// Segment is one block-aligned region of the trace file holding the events
// produced by a single writer thread during one buffer's lifetime.
type Segment struct {
	// ThreadID identifies the writer thread that produced this segment.
	ThreadID uint32

	data  []byte
	pos   int
	clock *Clock
	rec   Record
	name  string
}

// Reader replays a trace file as a sequence of segments in file order.
type Reader struct {
	header FileHeader
	clock  *Clock

	src     *bufio.Reader
	closers []io.Closer
	zr      *zstd.Decoder

	offset uint64
	segBuf []byte
	name   string
}

// Open opens the named trace file. Files compressed with zstd are
// decompressed transparently.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	br := bufio.NewReaderSize(f, 1<<16)

	var zr *zstd.Decoder
	src := br
	if magic, err := br.Peek(len(zstdMagic)); err == nil && bytes.Equal(magic, zstdMagic) {
		zr, err = zstd.NewReader(br)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("opening zstd stream of %s: %w", path, err)
		}
		src = bufio.NewReaderSize(zr, 1<<16)
	}

	r, err := newReader(src, path)
	if err != nil {
		if zr != nil {
			zr.Close()
		}
		f.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	r.zr = zr
	r.closers = append(r.closers, f)
	return r, nil
}

// NewReader reads a trace file from an uncompressed byte stream.
func NewReader(r io.Reader) (*Reader, error) {
	return newReader(bufio.NewReader(r), "<stream>")
}

func newReader(src *bufio.Reader, name string) (*Reader, error) {
	r := &Reader{src: src, name: name}
	if err := r.readHeader(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Reader) readHeader() error {
	var raw [headerFixedSize]byte
	if _, err := io.ReadFull(r.src, raw[:]); err != nil {
		return fmt.Errorf("%w: reading file header: %v", ErrTruncated, err)
	}

	var fixed fileHeaderFixed
	if err := binary.Read(bytes.NewReader(raw[:]), binary.LittleEndian, &fixed); err != nil {
		return err
	}
	if fixed.Signature != Signature {
		return fmt.Errorf("%w: bad signature", ErrInvalidFile)
	}
	if fixed.VersionHi != VersionHi || fixed.VersionLo > VersionLo {
		return fmt.Errorf("%w: file version %d.%d, reader supports %d.%d",
			ErrUnsupported, fixed.VersionHi, fixed.VersionLo, VersionHi, VersionLo)
	}
	if fixed.HeaderSize < headerFixedSize {
		return fmt.Errorf("%w: header size %d below fixed prefix", ErrInvalidFile,
			fixed.HeaderSize)
	}
	bs := fixed.BlockSize
	if bs == 0 || bs&(bs-1) != 0 {
		return fmt.Errorf("%w: block size %d is not a power of two", ErrInvalidFile, bs)
	}
	if fixed.HeaderSize > fixed.BlockSize*16 {
		return fmt.Errorf("%w: implausible header size %d", ErrInvalidFile, fixed.HeaderSize)
	}

	blob := make([]byte, fixed.HeaderSize-headerFixedSize)
	if _, err := io.ReadFull(r.src, blob); err != nil {
		return fmt.Errorf("%w: reading header blob: %v", ErrTruncated, err)
	}

	r.header = FileHeader{
		Version:             RecordVersion{fixed.VersionHi, fixed.VersionLo},
		HeaderSize:          fixed.HeaderSize,
		BlockSize:           fixed.BlockSize,
		ProcessID:           fixed.ProcessID,
		ModuleBaseAddress:   fixed.ModuleBaseAddress,
		ModuleSize:          fixed.ModuleSize,
		ModuleChecksum:      fixed.ModuleChecksum,
		ModuleTimeDateStamp: fixed.ModuleTimeDateStamp,
		OSVersion:           fixed.OSVersion,
		System:              fixed.System,
		Memory:              fixed.Memory,
		Clock:               fixed.Clock,
	}
	r.parseHeaderBlob(blob)
	r.clock = NewClock(fixed.Clock)
	r.offset = uint64(fixed.HeaderSize)
	return nil
}

// parseHeaderBlob extracts the module path, the command line and the
// environment multi-string. The blob is best effort: a writer killed during
// startup may have flushed a header with an incomplete blob.
func (r *Reader) parseHeaderBlob(blob []byte) {
	offs := uint(0)
	r.header.ModulePath, offs = takeUTF16(blob, offs)
	r.header.CommandLine, offs = takeUTF16(blob, offs)
	for offs < uint(len(blob)) {
		s, next := takeUTF16(blob, offs)
		if s == "" {
			// Double NUL terminates the environment block.
			break
		}
		r.header.Environment = append(r.header.Environment, s)
		offs = next
	}
}

// takeUTF16 reads one NUL-terminated UTF-16 string and returns it together
// with the offset just past its terminator.
func takeUTF16(b []byte, offs uint) (string, uint) {
	end := offs
	for end+2 <= uint(len(b)) && binary.LittleEndian.Uint16(b[end:]) != 0 {
		end += 2
	}
	s := libgrind.DecodeUTF16(b[offs:end])
	if end+2 <= uint(len(b)) {
		end += 2
	}
	return s, end
}

// Header returns the parsed file header.
func (r *Reader) Header() *FileHeader {
	return &r.header
}

// Clock returns the timestamp converter for this file.
func (r *Reader) Clock() *Clock {
	return r.clock
}

// Close releases the underlying file, if any.
func (r *Reader) Close() error {
	if r.zr != nil {
		r.zr.Close()
		r.zr = nil
	}
	var firstErr error
	for _, c := range r.closers {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	r.closers = nil
	return firstErr
}

// discard consumes n bytes of padding. Running out of file inside padding is
// a clean end: the writer pads the tail of every flushed buffer.
func (r *Reader) discard(n uint64) error {
	for n > 0 {
		chunk := min(n, 1<<20)
		got, err := r.src.Discard(int(chunk))
		r.offset += uint64(got)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return io.EOF
			}
			return err
		}
		n -= uint64(got)
	}
	return nil
}

// NextSegment advances to the next block-aligned offset and reads one
// segment. It returns io.EOF at a clean end of file.
func (r *Reader) NextSegment() (*Segment, error) {
	if err := r.discard(alignUp(r.offset, r.header.BlockSize) - r.offset); err != nil {
		return nil, err
	}

	var rawPrefix [RecordPrefixSize]byte
	if _, err := io.ReadFull(r.src, rawPrefix[:]); err != nil {
		if errors.Is(err, io.EOF) {
			// End of file at a segment boundary.
			return nil, io.EOF
		}
		return nil, fmt.Errorf("%w: reading segment prefix: %v", ErrTruncated, err)
	}
	r.offset += RecordPrefixSize

	prefix := parseRecordPrefix(rawPrefix[:])
	if prefix.Type != RecordSegmentHeader {
		return nil, fmt.Errorf("%w: segment starts with %s, not a segment header",
			ErrInvalidFile, prefix.Type)
	}
	if prefix.Size != SegmentHeaderSize {
		return nil, fmt.Errorf("%w: segment header size %d", ErrInvalidFile, prefix.Size)
	}
	if prefix.Version.Hi != VersionHi || prefix.Version.Lo != VersionLo {
		return nil, fmt.Errorf("%w: segment version %d.%d", ErrUnsupported,
			prefix.Version.Hi, prefix.Version.Lo)
	}

	var rawHeader [SegmentHeaderSize]byte
	if _, err := io.ReadFull(r.src, rawHeader[:]); err != nil {
		return nil, fmt.Errorf("%w: reading segment header: %v", ErrTruncated, err)
	}
	r.offset += SegmentHeaderSize

	threadID := binary.LittleEndian.Uint32(rawHeader[0:])
	segLen := binary.LittleEndian.Uint32(rawHeader[4:])

	// The buffer is grown to the next block multiple and reused between
	// segments so steady-state parsing does not allocate.
	want := int(alignUp(uint64(segLen), r.header.BlockSize))
	if cap(r.segBuf) < want {
		r.segBuf = make([]byte, want)
	}
	buf := r.segBuf[:segLen]
	if _, err := io.ReadFull(r.src, buf); err != nil {
		return nil, fmt.Errorf("%w: reading %d byte segment: %v", ErrTruncated, segLen, err)
	}
	r.offset += uint64(segLen)

	return &Segment{
		ThreadID: threadID,
		data:     buf,
		clock:    r.clock,
		name:     r.name,
	}, nil
}

func parseRecordPrefix(b []byte) RecordPrefix {
	return RecordPrefix{
		Size:      npsr.Uint32(b, 0),
		Type:      RecordType(npsr.Uint16(b, 4)),
		Timestamp: npsr.Uint64(b, 8),
		Version:   RecordVersion{npsr.Uint16(b, 16), npsr.Uint16(b, 18)},
	}
}

// Next returns the next framed record of the segment, or io.EOF when the
// segment is exhausted. A trailing record whose prefix fits but whose body
// does not is skipped with a warning: it models a client killed mid-write.
// The returned record is only valid until the following call.
func (s *Segment) Next() (*Record, error) {
	remaining := len(s.data) - s.pos
	if remaining == 0 {
		return nil, io.EOF
	}
	if remaining < RecordPrefixSize {
		log.Warnf("%s: thread %d: dropping %d trailing bytes, too short for a record prefix",
			s.name, s.ThreadID, remaining)
		s.pos = len(s.data)
		return nil, io.EOF
	}

	prefix := parseRecordPrefix(s.data[s.pos:])
	body := s.pos + RecordPrefixSize
	end := body + int(prefix.Size)
	if int(prefix.Size) < 0 || end > len(s.data) {
		log.Warnf("%s: thread %d: dropping truncated trailing %s record (%d of %d payload bytes)",
			s.name, s.ThreadID, prefix.Type, len(s.data)-body, prefix.Size)
		s.pos = len(s.data)
		return nil, io.EOF
	}
	s.pos = end

	s.rec = Record{
		Type:    prefix.Type,
		Version: prefix.Version,
		Ticks:   prefix.Timestamp,
		Time:    s.clock.Time(prefix.Timestamp),
		Data:    s.data[body:end],
	}
	return &s.rec, nil
}
