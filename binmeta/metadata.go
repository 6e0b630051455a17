// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package binmeta extracts the instrumenter-embedded metadata from an
// instrumented binary and the basic-block range table from its debug
// information file. Together these bridge the runtime identity of an
// instrumented module back to the original, pre-instrumentation image.
package binmeta // import "github.com/google/syzygy-sub005/binmeta"

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/syzygy-sub005/libgrind"
)

// MetadataSectionName is the PE section the instrumenter writes its
// metadata record into.
const MetadataSectionName = "metadata"

// metadataFormatVersion is the serialization version of the metadata
// record. Readers reject anything else.
const metadataFormatVersion = 1

var (
	// ErrMissingMetadata is returned when the instrumented binary carries
	// no usable metadata section.
	ErrMissingMetadata = errors.New("missing instrumentation metadata")
	// ErrMissingDebugInfo is returned when the associated debug
	// information file cannot be resolved.
	ErrMissingDebugInfo = errors.New("missing debug information")
)

// HexUint32 serializes as a "0x"-prefixed hexadecimal JSON string, the form
// downstream consumers expect for checksums and timestamps.
type HexUint32 uint32

func (h HexUint32) MarshalJSON() ([]byte, error) {
	return json.Marshal(fmt.Sprintf("0x%08X", uint32(h)))
}

func (h *HexUint32) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return fmt.Errorf("invalid hex value %q: %w", s, err)
	}
	*h = HexUint32(v)
	return nil
}

// ToolchainVersion identifies the instrumenter build that produced a module.
type ToolchainVersion struct {
	Major      uint32 `json:"major"`
	Minor      uint32 `json:"minor"`
	Build      uint32 `json:"build"`
	Patch      uint32 `json:"patch"`
	LastChange string `json:"last_change"`
}

func (v *ToolchainVersion) String() string {
	return fmt.Sprintf("%d.%d.%d.%d (%s)", v.Major, v.Minor, v.Build, v.Patch, v.LastChange)
}

// ModuleSignature names the original, pre-instrumentation image.
type ModuleSignature struct {
	Path          string    `json:"path"`
	BaseAddress   uint32    `json:"base_address"`
	ModuleSize    uint32    `json:"module_size"`
	TimeDateStamp HexUint32 `json:"module_time_date_stamp"`
	Checksum      HexUint32 `json:"module_checksum"`
}

// ModuleInfo converts the signature to the common module identity form.
func (s *ModuleSignature) ModuleInfo() libgrind.ModuleInfo {
	return libgrind.ModuleInfo{
		BaseAddress:   libgrind.Address(s.BaseAddress),
		Size:          s.ModuleSize,
		Checksum:      uint32(s.Checksum),
		TimeDateStamp: uint32(s.TimeDateStamp),
		Path:          s.Path,
	}
}

// Metadata is the record the instrumenter embeds into every output binary.
type Metadata struct {
	CommandLine      string           `json:"command_line"`
	CreationTime     int64            `json:"creation_time"`
	ToolchainVersion ToolchainVersion `json:"toolchain_version"`
	ModuleSignature  ModuleSignature  `json:"module_signature"`
}

// blobCursor walks the serialized metadata record with bounds checking.
type blobCursor struct {
	b   []byte
	pos int
}

func (c *blobCursor) remaining() int {
	return len(c.b) - c.pos
}

func (c *blobCursor) uint32() (uint32, error) {
	if c.remaining() < 4 {
		return 0, errors.New("record ends inside a uint32")
	}
	v := binary.LittleEndian.Uint32(c.b[c.pos:])
	c.pos += 4
	return v, nil
}

func (c *blobCursor) int64() (int64, error) {
	if c.remaining() < 8 {
		return 0, errors.New("record ends inside an int64")
	}
	v := binary.LittleEndian.Uint64(c.b[c.pos:])
	c.pos += 8
	return int64(v), nil
}

func (c *blobCursor) utf8() (string, error) {
	n, err := c.uint32()
	if err != nil {
		return "", err
	}
	if uint32(c.remaining()) < n {
		return "", fmt.Errorf("record ends inside a %d byte string", n)
	}
	s := string(c.b[c.pos : c.pos+int(n)])
	c.pos += int(n)
	return s, nil
}

func (c *blobCursor) utf16() (string, error) {
	chars, err := c.uint32()
	if err != nil {
		return "", err
	}
	n := int(chars) * 2
	if c.remaining() < n {
		return "", fmt.Errorf("record ends inside a %d character path", chars)
	}
	s := libgrind.DecodeUTF16(c.b[c.pos : c.pos+n])
	c.pos += n
	return s, nil
}

// ParseMetadata decodes the metadata section blob: a length-prefixed
// serialized record followed by a human-readable duplicate that is only
// there for grepping and is ignored here.
func ParseMetadata(blob []byte) (*Metadata, error) {
	outer := blobCursor{b: blob}
	recordLen, err := outer.uint32()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMissingMetadata, err)
	}
	if uint32(outer.remaining()) < recordLen {
		return nil, fmt.Errorf("%w: record length %d exceeds section", ErrMissingMetadata,
			recordLen)
	}

	c := blobCursor{b: blob[outer.pos : outer.pos+int(recordLen)]}
	md, err := parseRecord(&c)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMissingMetadata, err)
	}
	return md, nil
}

func parseRecord(c *blobCursor) (*Metadata, error) {
	version, err := c.uint32()
	if err != nil {
		return nil, err
	}
	if version != metadataFormatVersion {
		return nil, fmt.Errorf("metadata format version %d, want %d", version,
			metadataFormatVersion)
	}

	var md Metadata
	if md.CommandLine, err = c.utf8(); err != nil {
		return nil, err
	}
	if md.CreationTime, err = c.int64(); err != nil {
		return nil, err
	}

	tv := &md.ToolchainVersion
	for _, field := range []*uint32{&tv.Major, &tv.Minor, &tv.Build, &tv.Patch} {
		if *field, err = c.uint32(); err != nil {
			return nil, err
		}
	}
	if tv.LastChange, err = c.utf8(); err != nil {
		return nil, err
	}

	sig := &md.ModuleSignature
	if sig.Path, err = c.utf16(); err != nil {
		return nil, err
	}
	var base, size, checksum, tds uint32
	for _, field := range []*uint32{&base, &size, &checksum, &tds} {
		if *field, err = c.uint32(); err != nil {
			return nil, err
		}
	}
	sig.BaseAddress = base
	sig.ModuleSize = size
	sig.Checksum = HexUint32(checksum)
	sig.TimeDateStamp = HexUint32(tds)
	return &md, nil
}

// EncodeMetadata serializes md the way the instrumenter does, including the
// human-readable duplicate.
func EncodeMetadata(md *Metadata) []byte {
	var rec []byte
	u32 := func(v uint32) { rec = binary.LittleEndian.AppendUint32(rec, v) }
	utf8 := func(s string) {
		u32(uint32(len(s)))
		rec = append(rec, s...)
	}

	u32(metadataFormatVersion)
	utf8(md.CommandLine)
	rec = binary.LittleEndian.AppendUint64(rec, uint64(md.CreationTime))
	u32(md.ToolchainVersion.Major)
	u32(md.ToolchainVersion.Minor)
	u32(md.ToolchainVersion.Build)
	u32(md.ToolchainVersion.Patch)
	utf8(md.ToolchainVersion.LastChange)

	path := libgrind.EncodeUTF16(md.ModuleSignature.Path)
	u32(uint32(len(path) / 2))
	rec = append(rec, path...)
	u32(md.ModuleSignature.BaseAddress)
	u32(md.ModuleSignature.ModuleSize)
	u32(uint32(md.ModuleSignature.Checksum))
	u32(uint32(md.ModuleSignature.TimeDateStamp))

	blob := binary.LittleEndian.AppendUint32(nil, uint32(len(rec)))
	blob = append(blob, rec...)
	human := fmt.Sprintf("command_line: %s\ncreation_time: %d\ntoolchain_version: %s\n"+
		"original_module: %s @0x%08X size=%d checksum=0x%08X timestamp=0x%08X\n",
		md.CommandLine, md.CreationTime, md.ToolchainVersion.String(),
		md.ModuleSignature.Path, md.ModuleSignature.BaseAddress,
		md.ModuleSignature.ModuleSize, uint32(md.ModuleSignature.Checksum),
		uint32(md.ModuleSignature.TimeDateStamp))
	return append(blob, human...)
}
