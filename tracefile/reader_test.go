// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package tracefile

import (
	"bytes"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testClock is a calibration where one TSC tick is one nanosecond and the
// capture started at 2020-01-01 00:00:00 UTC, TSC reading 1000.
func testClock() ClockInfo {
	start := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	return ClockInfo{
		FileTime:          uint64(start.UnixNano()/100) + 116444736000000000,
		TSCReference:      1000,
		TicksPerSecond:    10_000_000,
		TSCTicksPerSecond: 1_000_000_000,
	}
}

func testHeader() *FileHeader {
	return &FileHeader{
		ProcessID:         1234,
		ModuleBaseAddress: 0x400000,
		ModuleSize:        0x1000,
		Clock:             testClock(),
		ModulePath:        `C:\Program Files\app\app.exe`,
		CommandLine:       `app.exe --flag "quoted arg"`,
		Environment:       []string{"PATH=C:\\Windows", "TEMP=C:\\Temp"},
	}
}

func writeTestFile(t *testing.T, hdr *FileHeader,
	write func(*Writer)) []byte {
	t.Helper()
	var buf bytes.Buffer
	w, err := NewWriter(&buf, hdr)
	require.NoError(t, err)
	write(w)
	return buf.Bytes()
}

func TestReaderRoundTrip(t *testing.T) {
	events := []RawEvent{
		{Type: RecordFunctionEnter, Ticks: 2000, Data: []byte{1, 0, 64, 0}},
		{Type: RecordFunctionExit, Ticks: 3000, Data: []byte{1, 0, 64, 0}},
	}
	raw := writeTestFile(t, testHeader(), func(w *Writer) {
		require.NoError(t, w.WriteSegment(7, events))
		require.NoError(t, w.WriteSegment(8, events[:1]))
	})

	r, err := NewReader(bytes.NewReader(raw))
	require.NoError(t, err)

	hdr := r.Header()
	assert.Equal(t, RecordVersion{VersionHi, VersionLo}, hdr.Version)
	assert.Equal(t, uint32(DefaultBlockSize), hdr.BlockSize)
	assert.Equal(t, uint32(1234), hdr.ProcessID)
	assert.Equal(t, `C:\Program Files\app\app.exe`, hdr.ModulePath)
	assert.Equal(t, `app.exe --flag "quoted arg"`, hdr.CommandLine)
	assert.Equal(t, []string{"PATH=C:\\Windows", "TEMP=C:\\Temp"}, hdr.Environment)

	seg, err := r.NextSegment()
	require.NoError(t, err)
	assert.Equal(t, uint32(7), seg.ThreadID)

	rec, err := seg.Next()
	require.NoError(t, err)
	assert.Equal(t, RecordFunctionEnter, rec.Type)
	assert.Equal(t, uint64(2000), rec.Ticks)
	assert.Equal(t, []byte{1, 0, 64, 0}, rec.Data)
	// 1000 ticks past the reference at 1 tick per nanosecond.
	assert.Equal(t, time.Date(2020, 1, 1, 0, 0, 0, 1000, time.UTC),
		rec.Time.UTC())

	rec, err = seg.Next()
	require.NoError(t, err)
	assert.Equal(t, RecordFunctionExit, rec.Type)
	_, err = seg.Next()
	require.ErrorIs(t, err, io.EOF)

	seg, err = r.NextSegment()
	require.NoError(t, err)
	assert.Equal(t, uint32(8), seg.ThreadID)

	_, err = r.NextSegment()
	require.ErrorIs(t, err, io.EOF)
}

func TestReaderEmptyFile(t *testing.T) {
	raw := writeTestFile(t, testHeader(), func(*Writer) {})
	r, err := NewReader(bytes.NewReader(raw))
	require.NoError(t, err)
	_, err = r.NextSegment()
	require.ErrorIs(t, err, io.EOF)
}

func TestReaderTruncatedTrailingRecord(t *testing.T) {
	events := []RawEvent{
		{Type: RecordFunctionEnter, Ticks: 2000, Data: []byte{1, 0, 64, 0}},
		{Type: RecordThreadName, Ticks: 2500, Data: []byte("RendererMain")},
	}
	raw := writeTestFile(t, testHeader(), func(w *Writer) {
		// Drop half of the final record's payload but keep its prefix.
		require.NoError(t, w.WriteSegmentTruncated(7, events, 6))
	})

	r, err := NewReader(bytes.NewReader(raw))
	require.NoError(t, err)
	seg, err := r.NextSegment()
	require.NoError(t, err)

	rec, err := seg.Next()
	require.NoError(t, err)
	assert.Equal(t, RecordFunctionEnter, rec.Type)

	// The truncated record is dropped, not surfaced.
	_, err = seg.Next()
	require.ErrorIs(t, err, io.EOF)
}

func TestReaderRejectsBadHeader(t *testing.T) {
	good := writeTestFile(t, testHeader(), func(*Writer) {})

	tests := map[string]struct {
		corrupt func([]byte)
		wantErr error
	}{
		"bad signature": {
			corrupt: func(b []byte) { b[0] = 'X' },
			wantErr: ErrInvalidFile,
		},
		"wrong major version": {
			corrupt: func(b []byte) {
				binary.LittleEndian.PutUint16(b[16:], VersionHi+1)
			},
			wantErr: ErrUnsupported,
		},
		"minor version from the future": {
			corrupt: func(b []byte) {
				binary.LittleEndian.PutUint16(b[18:], VersionLo+1)
			},
			wantErr: ErrUnsupported,
		},
		"block size not a power of two": {
			corrupt: func(b []byte) {
				binary.LittleEndian.PutUint32(b[24:], 0x1001)
			},
			wantErr: ErrInvalidFile,
		},
		"header size below fixed prefix": {
			corrupt: func(b []byte) {
				binary.LittleEndian.PutUint32(b[20:], headerFixedSize-1)
			},
			wantErr: ErrInvalidFile,
		},
	}
	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			raw := bytes.Clone(good)
			test.corrupt(raw)
			_, err := NewReader(bytes.NewReader(raw))
			require.ErrorIs(t, err, test.wantErr)
		})
	}
}

func TestReaderTruncatedHeader(t *testing.T) {
	raw := writeTestFile(t, testHeader(), func(*Writer) {})
	_, err := NewReader(bytes.NewReader(raw[:100]))
	require.ErrorIs(t, err, ErrTruncated)
}

func TestOpenZstdCompressed(t *testing.T) {
	events := []RawEvent{
		{Type: RecordFunctionEnter, Ticks: 2000, Data: []byte{1, 0, 64, 0}},
	}
	raw := writeTestFile(t, testHeader(), func(w *Writer) {
		require.NoError(t, w.WriteSegment(7, events))
	})

	path := filepath.Join(t.TempDir(), "trace.bin.zst")
	f, err := os.Create(path)
	require.NoError(t, err)
	zw, err := zstd.NewWriter(f)
	require.NoError(t, err)
	_, err = zw.Write(raw)
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())

	r, err := Open(path)
	require.NoError(t, err)
	defer r.Close()

	assert.Equal(t, uint32(1234), r.Header().ProcessID)
	seg, err := r.NextSegment()
	require.NoError(t, err)
	rec, err := seg.Next()
	require.NoError(t, err)
	assert.Equal(t, RecordFunctionEnter, rec.Type)
	_, err = seg.Next()
	require.ErrorIs(t, err, io.EOF)
}

func TestClockWithoutCalibration(t *testing.T) {
	c := NewClock(ClockInfo{})
	assert.True(t, c.Time(12345).IsZero())
	assert.True(t, c.StartTime().IsZero())
}

func TestClockBeforeReference(t *testing.T) {
	c := NewClock(testClock())
	// A tick before the reference lands before the start time.
	earlier := c.Time(999)
	require.False(t, earlier.IsZero())
	assert.True(t, earlier.Before(c.StartTime()))
}

func TestWriterRejectsBadBlockSize(t *testing.T) {
	hdr := testHeader()
	hdr.BlockSize = 0x1800
	_, err := NewWriter(io.Discard, hdr)
	require.ErrorIs(t, err, ErrInvalidFile)
}

// Corrupting errors in segment prefixes must surface, not masquerade as a
// clean end of file.
func TestReaderRejectsBadSegmentPrefix(t *testing.T) {
	events := []RawEvent{
		{Type: RecordFunctionEnter, Ticks: 2000, Data: []byte{1, 0, 64, 0}},
	}
	raw := writeTestFile(t, testHeader(), func(w *Writer) {
		require.NoError(t, w.WriteSegment(7, events))
	})

	r, err := NewReader(bytes.NewReader(raw))
	require.NoError(t, err)
	hdrSize := r.Header().HeaderSize

	// The first segment starts at the first block boundary past the header.
	segOffs := int(alignUp(uint64(hdrSize), r.Header().BlockSize))
	corrupted := bytes.Clone(raw)
	binary.LittleEndian.PutUint16(corrupted[segOffs+4:], uint16(RecordThreadName))

	r, err = NewReader(bytes.NewReader(corrupted))
	require.NoError(t, err)
	_, err = r.NextSegment()
	require.ErrorIs(t, err, ErrInvalidFile)
}
