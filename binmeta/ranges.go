// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package binmeta // import "github.com/google/syzygy-sub005/binmeta"

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/google/syzygy-sub005/libgrind"
	npsr "github.com/google/syzygy-sub005/libgrind/nopanicslicereader"
)

// BasicBlockRangesStream is the debug-info stream holding the ordinal → RVA
// table of an instrumented module.
const BasicBlockRangesStream = "BasicBlockRanges"

// debugFileMagic opens the named-stream debug information container.
var debugFileMagic = [8]byte{'S', 'Z', 'D', 'B', 'G', '0', '1', 0}

// BlockRange locates one basic block in the original image: bin i of a
// frequency record covers block_ranges[i].
type BlockRange struct {
	// RVA is the block's address relative to the original module's
	// preferred base.
	RVA libgrind.RVA
	// Size is the block's byte length.
	Size uint32
}

// ReadDebugStream extracts the named stream from the debug information file
// at path. A missing file or stream classifies as ErrMissingDebugInfo;
// undecodable content in a file that exists does not, so callers can treat
// it as the hard failure it is.
func ReadDebugStream(path, name string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMissingDebugInfo, err)
	}
	defer f.Close()

	var magic [8]byte
	if _, err := io.ReadFull(f, magic[:]); err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", ErrMissingDebugInfo, path, err)
	}
	if magic != debugFileMagic {
		return nil, fmt.Errorf("%w: %s is not a debug information file",
			ErrMissingDebugInfo, path)
	}

	var count uint32
	if err := binary.Read(f, binary.LittleEndian, &count); err != nil {
		return nil, fmt.Errorf("reading stream directory of %s: %w", path, err)
	}
	for i := uint32(0); i < count; i++ {
		var nameLen uint32
		if err := binary.Read(f, binary.LittleEndian, &nameLen); err != nil {
			return nil, fmt.Errorf("reading stream directory of %s: %w", path, err)
		}
		entry := make([]byte, nameLen+8)
		if _, err := io.ReadFull(f, entry); err != nil {
			return nil, fmt.Errorf("reading stream directory of %s: %w", path, err)
		}
		if string(entry[:nameLen]) != name {
			continue
		}
		offs := npsr.Uint32(entry, uint(nameLen))
		size := npsr.Uint32(entry, uint(nameLen)+4)
		data := make([]byte, size)
		if _, err := f.ReadAt(data, int64(offs)); err != nil {
			return nil, fmt.Errorf("reading stream %q of %s: %w", name, path, err)
		}
		return data, nil
	}
	return nil, fmt.Errorf("%w: %s has no %q stream", ErrMissingDebugInfo, path, name)
}

// LoadBasicBlockRanges reads the basic-block range table from the debug
// information file at path. The returned vector is indexed by bin ordinal.
func LoadBasicBlockRanges(path string) ([]BlockRange, error) {
	raw, err := ReadDebugStream(path, BasicBlockRangesStream)
	if err != nil {
		return nil, err
	}
	if len(raw) < 4 {
		return nil, fmt.Errorf("basic block ranges stream of %s is %d bytes", path, len(raw))
	}
	count := binary.LittleEndian.Uint32(raw)
	if uint64(len(raw)-4) < uint64(count)*8 {
		return nil, fmt.Errorf("basic block ranges stream of %s claims %d ranges", path, count)
	}
	ranges := make([]BlockRange, count)
	for i := range ranges {
		offs := uint(4 + i*8)
		ranges[i] = BlockRange{
			RVA:  libgrind.RVA(npsr.Uint32(raw, offs)),
			Size: npsr.Uint32(raw, offs+4),
		}
	}
	return ranges, nil
}

// WriteDebugFile writes a named-stream debug information container, the
// writer-side counterpart of ReadDebugStream. The instrumenter uses it to
// publish the streams its grinding counterparts consume.
func WriteDebugFile(w io.Writer, streams map[string][]byte) error {
	names := libgrind.MapKeysToSlice(streams)
	sort.Strings(names)

	// Directory size is needed up front to lay the streams out behind it.
	dirSize := 8 + 4
	for _, name := range names {
		dirSize += 4 + len(name) + 8
	}

	var buf bytes.Buffer
	buf.Write(debugFileMagic[:])
	binary.Write(&buf, binary.LittleEndian, uint32(len(names)))
	offs := uint32(dirSize)
	for _, name := range names {
		binary.Write(&buf, binary.LittleEndian, uint32(len(name)))
		buf.WriteString(name)
		binary.Write(&buf, binary.LittleEndian, offs)
		binary.Write(&buf, binary.LittleEndian, uint32(len(streams[name])))
		offs += uint32(len(streams[name]))
	}
	for _, name := range names {
		buf.Write(streams[name])
	}
	_, err := w.Write(buf.Bytes())
	return err
}

// EncodeBasicBlockRanges serializes a range table into stream form.
func EncodeBasicBlockRanges(ranges []BlockRange) []byte {
	out := binary.LittleEndian.AppendUint32(nil, uint32(len(ranges)))
	for _, r := range ranges {
		out = binary.LittleEndian.AppendUint32(out, uint32(r.RVA))
		out = binary.LittleEndian.AppendUint32(out, r.Size)
	}
	return out
}
