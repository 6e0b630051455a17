// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package binmeta // import "github.com/google/syzygy-sub005/binmeta"

import (
	"debug/pe"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	npsr "github.com/google/syzygy-sub005/libgrind/nopanicslicereader"
)

const (
	// debugDirEntrySize is the on-disk size of one IMAGE_DEBUG_DIRECTORY
	// entry.
	debugDirEntrySize = 28
	// debugTypeCodeView identifies CodeView entries in the debug directory.
	debugTypeCodeView = 2
	// rsdsSignature opens a CodeView PDB 7.0 record.
	rsdsSignature = 0x53445352
)

// ReadMetadataFromPE opens the instrumented binary at path and parses the
// metadata record out of its well-known section. A missing file, missing
// section or undecodable record all classify as ErrMissingMetadata so the
// caller can cache the failure.
func ReadMetadataFromPE(path string) (*Metadata, error) {
	f, err := pe.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: opening %s: %v", ErrMissingMetadata, path, err)
	}
	defer f.Close()

	sec := f.Section(MetadataSectionName)
	if sec == nil {
		return nil, fmt.Errorf("%w: %s has no %q section", ErrMissingMetadata, path,
			MetadataSectionName)
	}
	blob, err := sec.Data()
	if err != nil {
		return nil, fmt.Errorf("%w: reading %q section of %s: %v", ErrMissingMetadata,
			MetadataSectionName, path, err)
	}
	if sec.VirtualSize != 0 && sec.VirtualSize < uint32(len(blob)) {
		blob = blob[:sec.VirtualSize]
	}
	return ParseMetadata(blob)
}

// FindDebugInfoPath resolves the debug information file associated with the
// instrumented binary at path. The CodeView entry of the PE debug directory
// records the path the toolchain wrote; when the binary carries none, the
// conventional sibling with a .dbg extension is assumed.
func FindDebugInfoPath(path string) string {
	if dbg := codeViewDebugPath(path); dbg != "" {
		return dbg
	}
	ext := filepath.Ext(path)
	return strings.TrimSuffix(path, ext) + ".dbg"
}

// codeViewDebugPath extracts the debug file path from the binary's CodeView
// debug directory entry, or returns "" if there is none.
func codeViewDebugPath(path string) string {
	raw, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer raw.Close()
	f, err := pe.NewFile(raw)
	if err != nil {
		return ""
	}
	defer f.Close()

	var debugDir pe.DataDirectory
	switch hdr := f.OptionalHeader.(type) {
	case *pe.OptionalHeader32:
		if hdr.NumberOfRvaAndSizes <= pe.IMAGE_DIRECTORY_ENTRY_DEBUG {
			return ""
		}
		debugDir = hdr.DataDirectory[pe.IMAGE_DIRECTORY_ENTRY_DEBUG]
	case *pe.OptionalHeader64:
		if hdr.NumberOfRvaAndSizes <= pe.IMAGE_DIRECTORY_ENTRY_DEBUG {
			return ""
		}
		debugDir = hdr.DataDirectory[pe.IMAGE_DIRECTORY_ENTRY_DEBUG]
	default:
		return ""
	}
	if debugDir.VirtualAddress == 0 || debugDir.Size < debugDirEntrySize {
		return ""
	}

	dir := readAtRVA(f, debugDir.VirtualAddress, debugDir.Size)
	if dir == nil {
		return ""
	}
	for offs := uint(0); offs+debugDirEntrySize <= uint(len(dir)); offs += debugDirEntrySize {
		if npsr.Uint32(dir, offs+12) != debugTypeCodeView {
			continue
		}
		size := npsr.Uint32(dir, offs+16)
		fileOffs := npsr.Uint32(dir, offs+24)
		if size < 24 {
			continue
		}
		cv := make([]byte, size)
		if _, err := raw.ReadAt(cv, int64(fileOffs)); err != nil {
			continue
		}
		if binary.LittleEndian.Uint32(cv) != rsdsSignature {
			continue
		}
		// RSDS layout: signature, 16 byte GUID, 4 byte age, NUL path.
		if dbg, ok := npsr.String(cv, 24); ok && dbg != "" {
			return dbg
		}
	}
	return ""
}

// readAtRVA reads size bytes at the given RVA out of the section that
// contains it.
func readAtRVA(f *pe.File, rva, size uint32) []byte {
	for _, sec := range f.Sections {
		if rva < sec.VirtualAddress || rva >= sec.VirtualAddress+sec.VirtualSize {
			continue
		}
		data, err := sec.Data()
		if err != nil {
			return nil
		}
		start := rva - sec.VirtualAddress
		if uint32(len(data)) < start+size {
			return nil
		}
		return data[start : start+size]
	}
	return nil
}
