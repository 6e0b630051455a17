// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package binmeta

import (
	"encoding/binary"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMetadata() *Metadata {
	return &Metadata{
		CommandLine:  `instrument.exe --mode=bbentry --input-image=app.exe`,
		CreationTime: 1597000000,
		ToolchainVersion: ToolchainVersion{
			Major: 0, Minor: 8, Build: 32, Patch: 0,
			LastChange: "a1b2c3d4",
		},
		ModuleSignature: ModuleSignature{
			Path:          `C:\src\out\Release\app.exe`,
			BaseAddress:   0x40_0000,
			ModuleSize:    0x1_2000,
			TimeDateStamp: 0x5F2A_0000,
			Checksum:      0x0001_C0DE,
		},
	}
}

func TestMetadataRoundTrip(t *testing.T) {
	md := testMetadata()
	parsed, err := ParseMetadata(EncodeMetadata(md))
	require.NoError(t, err)
	assert.Equal(t, md, parsed)
}

func TestParseMetadataIgnoresHumanReadableTail(t *testing.T) {
	md := testMetadata()
	blob := EncodeMetadata(md)
	// Whatever follows the length-prefixed record is free-form text.
	blob = append(blob, "\n\nsome future addendum"...)
	parsed, err := ParseMetadata(blob)
	require.NoError(t, err)
	assert.Equal(t, md, parsed)
}

func TestParseMetadataRejectsCorruptRecords(t *testing.T) {
	good := EncodeMetadata(testMetadata())

	tests := map[string]func([]byte) []byte{
		"empty section": func([]byte) []byte {
			return nil
		},
		"record length exceeds section": func(b []byte) []byte {
			binary.LittleEndian.PutUint32(b, uint32(len(b)))
			return b
		},
		"unknown format version": func(b []byte) []byte {
			binary.LittleEndian.PutUint32(b[4:], metadataFormatVersion+1)
			return b
		},
		"record cut short": func(b []byte) []byte {
			// Halve the record but keep the length prefix honest.
			n := binary.LittleEndian.Uint32(b) / 2
			binary.LittleEndian.PutUint32(b, n)
			return b[:4+n]
		},
	}
	for name, corrupt := range tests {
		t.Run(name, func(t *testing.T) {
			blob := corrupt(append([]byte{}, good...))
			_, err := ParseMetadata(blob)
			require.ErrorIs(t, err, ErrMissingMetadata)
		})
	}
}

func TestMetadataJSON(t *testing.T) {
	raw, err := json.Marshal(testMetadata())
	require.NoError(t, err)

	// Checksums and timestamps serialize as hex strings.
	assert.Contains(t, string(raw), `"module_checksum":"0x0001C0DE"`)
	assert.Contains(t, string(raw), `"module_time_date_stamp":"0x5F2A0000"`)

	var back Metadata
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.Equal(t, *testMetadata(), back)
}

func TestHexUint32RejectsGarbage(t *testing.T) {
	var h HexUint32
	assert.Error(t, json.Unmarshal([]byte(`"zzz"`), &h))
	assert.Error(t, json.Unmarshal([]byte(`17.5`), &h))

	// Plain decimal strings are accepted alongside 0x-prefixed hex.
	require.NoError(t, json.Unmarshal([]byte(`"255"`), &h))
	assert.Equal(t, HexUint32(255), h)
}
