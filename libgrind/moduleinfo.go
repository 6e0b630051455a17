// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package libgrind // import "github.com/google/syzygy-sub005/libgrind"

import (
	"fmt"
	"strings"
)

// ModuleInfo identifies one loaded module as recorded in a trace file.
//
// The identity of the build artifact is the (size, timestamp, path) triple;
// BaseAddress is where the image happened to be loaded in one particular
// process and takes no part in ordering or keying, so the same binary loaded
// at two different addresses still compares equal.
type ModuleInfo struct {
	// BaseAddress is the virtual address the module was loaded at.
	BaseAddress Address
	// Size is the byte length of the loaded image.
	Size uint32
	// Checksum is the image checksum from the binary header.
	Checksum uint32
	// TimeDateStamp is the build timestamp from the binary header.
	TimeDateStamp uint32
	// Path is the module's filesystem path, decoded from the UTF-16 the
	// native runtime recorded.
	Path string
}

// ModuleKey is the canonical lookup key for aggregating data across process
// lifetimes. It deliberately excludes the runtime base address and the
// checksum.
type ModuleKey struct {
	Size          uint32
	TimeDateStamp uint32
	Path          string
}

// Key returns the identity key for this module.
func (m *ModuleInfo) Key() ModuleKey {
	return ModuleKey{
		Size:          m.Size,
		TimeDateStamp: m.TimeDateStamp,
		Path:          m.Path,
	}
}

// Compare imposes the total ordering over module identities, comparing
// (size, timestamp, path) lexicographically.
func (m *ModuleInfo) Compare(other *ModuleInfo) int {
	switch {
	case m.Size < other.Size:
		return -1
	case m.Size > other.Size:
		return 1
	}
	switch {
	case m.TimeDateStamp < other.TimeDateStamp:
		return -1
	case m.TimeDateStamp > other.TimeDateStamp:
		return 1
	}
	return strings.Compare(m.Path, other.Path)
}

// SameIdentity reports whether the two infos name the same build artifact.
func (m *ModuleInfo) SameIdentity(other *ModuleInfo) bool {
	return m.Compare(other) == 0
}

// baseName returns the final path element, accepting both Windows and POSIX
// separators. The loader normalizes directories, so consistency checks only
// look at the base name.
func baseName(path string) string {
	if idx := strings.LastIndexAny(path, `\/`); idx >= 0 {
		return path[idx+1:]
	}
	return path
}

// Consistent reports whether the two infos plausibly describe the same
// loaded binary: size, checksum and timestamp agree and the path base names
// match. Path directories may differ between processes.
func (m *ModuleInfo) Consistent(other *ModuleInfo) bool {
	return m.Checksum == other.Checksum && m.ConsistentModuloChecksum(other)
}

// ConsistentModuloChecksum is the checksum-insensitive variant of Consistent,
// tolerating binaries that differ only in their signing.
func (m *ModuleInfo) ConsistentModuloChecksum(other *ModuleInfo) bool {
	return m.Size == other.Size &&
		m.TimeDateStamp == other.TimeDateStamp &&
		strings.EqualFold(baseName(m.Path), baseName(other.Path))
}

// ContainsAddress reports whether addr falls in [base, base+size).
func (m *ModuleInfo) ContainsAddress(addr Address) bool {
	return addr >= m.BaseAddress && addr < m.BaseAddress+Address(m.Size)
}

func (m *ModuleInfo) String() string {
	return fmt.Sprintf("%s [base 0x%x, size 0x%x, checksum 0x%x, timestamp 0x%x]",
		m.Path, uint64(m.BaseAddress), m.Size, m.Checksum, m.TimeDateStamp)
}
