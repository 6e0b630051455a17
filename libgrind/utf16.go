// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package libgrind // import "github.com/google/syzygy-sub005/libgrind"

import (
	"encoding/binary"
	"unicode/utf16"
)

// DecodeUTF16 decodes little-endian UTF-16 bytes into a Go string. An odd
// trailing byte is ignored.
func DecodeUTF16(b []byte) string {
	units := make([]uint16, len(b)/2)
	for i := range units {
		units[i] = binary.LittleEndian.Uint16(b[i*2:])
	}
	return string(utf16.Decode(units))
}

// EncodeUTF16 encodes a Go string as little-endian UTF-16 bytes without a
// terminator.
func EncodeUTF16(s string) []byte {
	units := utf16.Encode([]rune(s))
	b := make([]byte, len(units)*2)
	for i, u := range units {
		binary.LittleEndian.PutUint16(b[i*2:], u)
	}
	return b
}
