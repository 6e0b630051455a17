// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// nopanicslicereader provides little convenience utilities to read
// little-endian values from a slice at given offset. Zeroes are returned on
// out of bounds access instead of panic.
package nopanicslicereader // import "github.com/google/syzygy-sub005/libgrind/nopanicslicereader"

import (
	"bytes"
	"encoding/binary"

	"github.com/google/syzygy-sub005/libgrind"
)

// Uint8 reads one 8-bit unsigned integer from given byte slice offset
func Uint8(b []byte, offs uint) uint8 {
	if offs+1 > uint(len(b)) {
		return 0
	}
	return b[offs]
}

// Uint16 reads one 16-bit unsigned integer from given byte slice offset
func Uint16(b []byte, offs uint) uint16 {
	if offs+2 > uint(len(b)) {
		return 0
	}
	return binary.LittleEndian.Uint16(b[offs:])
}

// Uint32 reads one 32-bit unsigned integer from given byte slice offset
func Uint32(b []byte, offs uint) uint32 {
	if offs+4 > uint(len(b)) {
		return 0
	}
	return binary.LittleEndian.Uint32(b[offs:])
}

// Int32 reads one 32-bit signed integer from given byte slice offset
func Int32(b []byte, offs uint) int32 {
	if offs+4 > uint(len(b)) {
		return 0
	}
	return int32(binary.LittleEndian.Uint32(b[offs:]))
}

// Uint64 reads one 64-bit unsigned integer from given byte slice offset
func Uint64(b []byte, offs uint) uint64 {
	if offs+8 > uint(len(b)) {
		return 0
	}
	return binary.LittleEndian.Uint64(b[offs:])
}

// Uint reads one unsigned little-endian integer of the given byte width
// (1, 2, 4 or 8) from given byte slice offset. Unsupported widths read zero.
func Uint(b []byte, offs, width uint) uint64 {
	switch width {
	case 1:
		return uint64(Uint8(b, offs))
	case 2:
		return uint64(Uint16(b, offs))
	case 4:
		return uint64(Uint32(b, offs))
	case 8:
		return Uint64(b, offs)
	}
	return 0
}

// Ptr reads one 32-bit runtime address from given byte slice offset. The
// trace format records addresses as 32-bit values; they widen to 64 bits
// internally.
func Ptr(b []byte, offs uint) libgrind.Address {
	return libgrind.Address(Uint32(b, offs))
}

// String reads a NUL-terminated UTF-8 string starting at the given offset,
// bounded by the end of the slice. It returns the string and whether a
// terminator was found before the slice ended.
func String(b []byte, offs uint) (string, bool) {
	if offs >= uint(len(b)) {
		return "", false
	}
	rest := b[offs:]
	idx := bytes.IndexByte(rest, 0)
	if idx < 0 {
		return string(rest), false
	}
	return string(rest[:idx]), true
}

// UTF16String reads a NUL-terminated little-endian UTF-16 string starting at
// the given offset, bounded by the end of the slice. It returns the decoded
// string and whether a terminator was found.
func UTF16String(b []byte, offs uint) (string, bool) {
	end := offs
	for end+2 <= uint(len(b)) {
		if binary.LittleEndian.Uint16(b[end:]) == 0 {
			return libgrind.DecodeUTF16(b[offs:end]), true
		}
		end += 2
	}
	return libgrind.DecodeUTF16(b[offs:end]), false
}
