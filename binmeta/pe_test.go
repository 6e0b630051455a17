// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package binmeta

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeMinimalPE writes a PE image with the given named sections, just
// enough structure for debug/pe to parse it.
func writeMinimalPE(t *testing.T, path string, sections map[string][]byte) {
	t.Helper()

	names := make([]string, 0, len(sections))
	for name := range sections {
		names = append(names, name)
	}

	const (
		peOffset      = 0x40
		fileHeaderLen = 20
		sectionHdrLen = 40
	)
	dataStart := peOffset + 4 + fileHeaderLen + len(names)*sectionHdrLen

	var buf bytes.Buffer
	// DOS header: magic and the e_lfanew pointer at 0x3c.
	dos := make([]byte, peOffset)
	dos[0], dos[1] = 'M', 'Z'
	binary.LittleEndian.PutUint32(dos[0x3c:], peOffset)
	buf.Write(dos)

	buf.WriteString("PE\x00\x00")
	fileHdr := make([]byte, fileHeaderLen)
	binary.LittleEndian.PutUint16(fileHdr[0:], 0x14c) // i386
	binary.LittleEndian.PutUint16(fileHdr[2:], uint16(len(names)))
	// No optional header; sections follow the file header directly.
	buf.Write(fileHdr)

	offs := uint32(dataStart)
	rva := uint32(0x1000)
	for _, name := range names {
		hdr := make([]byte, sectionHdrLen)
		copy(hdr[0:8], name)
		data := sections[name]
		binary.LittleEndian.PutUint32(hdr[8:], uint32(len(data)))  // VirtualSize
		binary.LittleEndian.PutUint32(hdr[12:], rva)               // VirtualAddress
		binary.LittleEndian.PutUint32(hdr[16:], uint32(len(data))) // SizeOfRawData
		binary.LittleEndian.PutUint32(hdr[20:], offs)              // PointerToRawData
		buf.Write(hdr)
		offs += uint32(len(data))
		rva += 0x1000
	}
	for _, name := range names {
		buf.Write(sections[name])
	}

	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
}

func TestReadMetadataFromPE(t *testing.T) {
	md := testMetadata()
	path := filepath.Join(t.TempDir(), "app.exe")
	writeMinimalPE(t, path, map[string][]byte{
		MetadataSectionName: EncodeMetadata(md),
	})

	parsed, err := ReadMetadataFromPE(path)
	require.NoError(t, err)
	assert.Equal(t, md, parsed)
}

func TestReadMetadataFromPEFailures(t *testing.T) {
	dir := t.TempDir()

	t.Run("missing file", func(t *testing.T) {
		_, err := ReadMetadataFromPE(filepath.Join(dir, "nope.exe"))
		require.ErrorIs(t, err, ErrMissingMetadata)
	})

	t.Run("not a PE image", func(t *testing.T) {
		path := filepath.Join(dir, "garbage.exe")
		require.NoError(t, os.WriteFile(path, []byte("not an image"), 0o644))
		_, err := ReadMetadataFromPE(path)
		require.ErrorIs(t, err, ErrMissingMetadata)
	})

	t.Run("no metadata section", func(t *testing.T) {
		path := filepath.Join(dir, "plain.exe")
		writeMinimalPE(t, path, map[string][]byte{".text": {0x90}})
		_, err := ReadMetadataFromPE(path)
		require.ErrorIs(t, err, ErrMissingMetadata)
	})

	t.Run("corrupt metadata record", func(t *testing.T) {
		path := filepath.Join(dir, "corrupt.exe")
		writeMinimalPE(t, path, map[string][]byte{
			MetadataSectionName: {0xFF, 0xFF, 0xFF, 0xFF},
		})
		_, err := ReadMetadataFromPE(path)
		require.ErrorIs(t, err, ErrMissingMetadata)
	})
}

func TestFindDebugInfoPathFallback(t *testing.T) {
	// Without a CodeView debug directory the conventional sibling wins.
	dir := t.TempDir()
	path := filepath.Join(dir, "app.exe")
	writeMinimalPE(t, path, map[string][]byte{".text": {0x90}})
	assert.Equal(t, filepath.Join(dir, "app.dbg"), FindDebugInfoPath(path))

	// Same for files that do not exist or are not images at all.
	assert.Equal(t, `C:\x\missing.dbg`, FindDebugInfoPath(`C:\x\missing.dll`))
}
