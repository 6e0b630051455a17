// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package frequency

import (
	"bytes"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/google/syzygy-sub005/binmeta"
	"github.com/google/syzygy-sub005/events"
)

func testMetadata(path string) *binmeta.Metadata {
	return &binmeta.Metadata{
		CommandLine:  "instrument.exe --mode=bbentry",
		CreationTime: 1597000000,
		ToolchainVersion: binmeta.ToolchainVersion{
			Minor: 8, Build: 32, LastChange: "a1b2c3d4",
		},
		ModuleSignature: binmeta.ModuleSignature{
			Path:          path,
			BaseAddress:   0x40_0000,
			ModuleSize:    0x1000,
			TimeDateStamp: 0x5F2A_0000,
			Checksum:      0xC0DE,
		},
	}
}

func testDescription() Description {
	return Description{
		NumEntries:    4,
		NumColumns:    1,
		DataType:      events.BasicBlockEntry,
		FrequencySize: 4,
	}
}

func buildMap(t *testing.T) Map {
	t.Helper()
	m := NewMap()
	entry, existed := m.Install(testMetadata(`C:\app\b.exe`), testDescription())
	require.False(t, existed)
	entry.Add(CountKey{RVA: 0x1010, Column: 0}, 255)
	entry.Add(CountKey{RVA: 0x1000, Column: 0}, 3)

	meta := testMetadata(`C:\app\a.dll`)
	meta.ModuleSignature.ModuleSize = 0x800
	desc := testDescription()
	desc.NumColumns = 2
	entry, existed = m.Install(meta, desc)
	require.False(t, existed)
	entry.Add(CountKey{RVA: 0x2000, Column: 1}, 7)
	return m
}

func TestWriteJSONShape(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, buildMap(t).WriteJSON(&buf, false))
	out := buf.String()

	// Modules appear in identity order: the smaller a.dll first.
	assert.Less(t, strings.Index(out, `a.dll`), strings.Index(out, `b.exe`))
	// Rows are [rva, counters...] with zero rows omitted.
	assert.Contains(t, out, `[[8192,0,7]]`)
	assert.Contains(t, out, `[[4096,3],[4112,255]]`)
	assert.Contains(t, out, `"data_type":"basic-block-entry"`)
	assert.Contains(t, out, `"module_checksum":"0x0000C0DE"`)
}

func TestJSONRoundTrip(t *testing.T) {
	m := buildMap(t)
	for _, pretty := range []bool{false, true} {
		var buf bytes.Buffer
		require.NoError(t, m.WriteJSON(&buf, pretty))
		back, err := ReadJSON(&buf)
		require.NoError(t, err, "pretty=%v", pretty)
		assert.Equal(t, m, back, "pretty=%v", pretty)
	}
}

func TestWriteJSONPrettyComments(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, buildMap(t).WriteJSON(&buf, true))
	out := buf.String()
	assert.Contains(t, out, `// Frequency data for "C:\\app\\b.exe" (base 0x00400000).`)
	assert.Contains(t, out, "\n  {")
}

func TestReadJSONRejectsInvalidDocuments(t *testing.T) {
	const validDoc = `[{
		"metadata": {
			"command_line": "c",
			"creation_time": 1,
			"toolchain_version": {"major":0,"minor":8,"build":32,"patch":0,"last_change":"x"},
			"module_signature": {"path":"C:\\a.dll","base_address":4194304,
				"module_size":4096,"module_time_date_stamp":"0x5F2A0000",
				"module_checksum":"0xC0DE"}
		},
		"description": {"num_entries":4,"num_columns":1,
			"data_type":"basic-block-entry","frequency_size":4},
		"frequencies": [[4096,3],[4112,255]]
	}]`

	// The valid document parses.
	m, err := ReadJSON(strings.NewReader(validDoc))
	require.NoError(t, err)
	require.Len(t, m, 1)

	tests := map[string]struct {
		mutate func(string) string
	}{
		"not json at all": {
			mutate: func(string) string { return "{" },
		},
		"missing metadata": {
			mutate: func(s string) string {
				return strings.Replace(s, `"metadata"`, `"meta"`, 1)
			},
		},
		"missing description": {
			mutate: func(s string) string {
				return strings.Replace(s, `"description"`, `"desc"`, 1)
			},
		},
		"missing frequencies": {
			mutate: func(s string) string {
				return strings.Replace(s, `"frequencies"`, `"freqs"`, 1)
			},
		},
		"incomplete description": {
			mutate: func(s string) string {
				return strings.Replace(s, `"num_entries"`, `"entries"`, 1)
			},
		},
		"incomplete metadata": {
			mutate: func(s string) string {
				return strings.Replace(s, `"command_line"`, `"cmd"`, 1)
			},
		},
		"incomplete module signature": {
			mutate: func(s string) string {
				return strings.Replace(s, `"path"`, `"file"`, 1)
			},
		},
		"unknown data type": {
			mutate: func(s string) string {
				return strings.Replace(s, "basic-block-entry", "mystery", 1)
			},
		},
		"bad frequency size": {
			mutate: func(s string) string {
				return strings.Replace(s, `"frequency_size":4`, `"frequency_size":3`, 1)
			},
		},
		"row too short": {
			mutate: func(s string) string {
				return strings.Replace(s, "[4096,3]", "[4096]", 1)
			},
		},
		"row too long": {
			mutate: func(s string) string {
				return strings.Replace(s, "[4096,3]", "[4096,3,9]", 1)
			},
		},
		"negative counter": {
			mutate: func(s string) string {
				return strings.Replace(s, "[4096,3]", "[4096,-3]", 1)
			},
		},
		"non-integer counter": {
			mutate: func(s string) string {
				return strings.Replace(s, "[4096,3]", "[4096,3.5]", 1)
			},
		},
		"counter above int32 range": {
			mutate: func(s string) string {
				return strings.Replace(s, "[4096,3]", "[4096,2147483648]", 1)
			},
		},
		"duplicate rva": {
			mutate: func(s string) string {
				return strings.Replace(s, "[4112,255]", "[4096,255]", 1)
			},
		},
	}
	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ReadJSON(strings.NewReader(test.mutate(validDoc)))
			require.Error(t, err)
		})
	}

	// Row order is a write-side guarantee only; the reader accepts rows in
	// any order.
	t.Run("rva out of order is accepted", func(t *testing.T) {
		unsorted := strings.Replace(validDoc, "[[4096,3],[4112,255]]",
			"[[4112,255],[4096,3]]", 1)
		m, err := ReadJSON(strings.NewReader(unsorted))
		require.NoError(t, err)
		require.Len(t, m, 1)
		for _, entry := range m {
			assert.Equal(t, int32(3), entry.Counts[CountKey{RVA: 0x1000}])
			assert.Equal(t, int32(255), entry.Counts[CountKey{RVA: 0x1010}])
		}
	})
}

func TestReadJSONRejectsDuplicateModules(t *testing.T) {
	var buf bytes.Buffer
	m := NewMap()
	m.Install(testMetadata(`C:\a.dll`), testDescription())
	require.NoError(t, m.WriteJSON(&buf, false))

	doubled := "[" + strings.TrimSpace(strings.Trim(strings.TrimSpace(buf.String()), "[]")) + "," +
		strings.TrimSpace(strings.Trim(strings.TrimSpace(buf.String()), "[]")) + "]"
	_, err := ReadJSON(strings.NewReader(doubled))
	require.ErrorContains(t, err, "duplicate module")
}

func TestStripJSONComments(t *testing.T) {
	in := "{\n  // a comment\n  \"key\": \"va//lue\", // trailing\n  \"n\": 1\n}"
	out := string(stripJSONComments([]byte(in)))
	assert.NotContains(t, out, "a comment")
	assert.NotContains(t, out, "trailing")
	assert.Contains(t, out, `"va//lue"`)
}

func TestModuleDataAddSaturates(t *testing.T) {
	entry := &ModuleData{
		Description: testDescription(),
		Counts:      make(map[CountKey]int32),
	}
	key := CountKey{RVA: 0x1000}

	entry.Add(key, 0x9000_0000)
	entry.Add(key, 0x9000_0000)
	assert.Equal(t, int32(math.MaxInt32), entry.Counts[key])

	// A saturated counter stays pinned.
	entry.Add(key, 1)
	assert.Equal(t, int32(math.MaxInt32), entry.Counts[key])

	// Zero additions do not materialize cells.
	other := CountKey{RVA: 0x2000}
	entry.Add(other, 0)
	_, ok := entry.Counts[other]
	assert.False(t, ok)
}
