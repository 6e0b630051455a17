// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package binmeta

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRanges() []BlockRange {
	return []BlockRange{
		{RVA: 0x1000, Size: 16},
		{RVA: 0x1010, Size: 3},
		{RVA: 0x1013, Size: 42},
	}
}

func writeDebugFile(t *testing.T, streams map[string][]byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "app.dbg")
	var buf bytes.Buffer
	require.NoError(t, WriteDebugFile(&buf, streams))
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
	return path
}

func TestDebugFileRoundTrip(t *testing.T) {
	ranges := testRanges()
	path := writeDebugFile(t, map[string][]byte{
		"SomeOtherStream":       []byte("unrelated"),
		BasicBlockRangesStream:  EncodeBasicBlockRanges(ranges),
		"YetAnotherLaterStream": []byte("also unrelated"),
	})

	got, err := LoadBasicBlockRanges(path)
	require.NoError(t, err)
	assert.Equal(t, ranges, got)

	other, err := ReadDebugStream(path, "SomeOtherStream")
	require.NoError(t, err)
	assert.Equal(t, []byte("unrelated"), other)
}

func TestDebugFileMissingClassifiesSoft(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		_, err := LoadBasicBlockRanges(filepath.Join(t.TempDir(), "nope.dbg"))
		require.ErrorIs(t, err, ErrMissingDebugInfo)
	})

	t.Run("wrong magic", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "app.dbg")
		require.NoError(t, os.WriteFile(path, []byte("not a debug file"), 0o644))
		_, err := LoadBasicBlockRanges(path)
		require.ErrorIs(t, err, ErrMissingDebugInfo)
	})

	t.Run("missing stream", func(t *testing.T) {
		path := writeDebugFile(t, map[string][]byte{"Other": nil})
		_, err := LoadBasicBlockRanges(path)
		require.ErrorIs(t, err, ErrMissingDebugInfo)
	})
}

func TestDebugFileCorruptClassifiesHard(t *testing.T) {
	// A present but undecodable stream is a hard failure: the debug file
	// exists and claims to describe the module, so skipping it would
	// silently drop data.
	tests := map[string][]byte{
		"stream shorter than its count field": {1, 2},
		"count larger than the stream":        {0xFF, 0xFF, 0, 0},
	}
	for name, raw := range tests {
		t.Run(name, func(t *testing.T) {
			path := writeDebugFile(t, map[string][]byte{
				BasicBlockRangesStream: raw,
			})
			_, err := LoadBasicBlockRanges(path)
			require.Error(t, err)
			assert.False(t, errors.Is(err, ErrMissingDebugInfo))
		})
	}
}

func TestEncodeBasicBlockRangesEmpty(t *testing.T) {
	path := writeDebugFile(t, map[string][]byte{
		BasicBlockRangesStream: EncodeBasicBlockRanges(nil),
	})
	got, err := LoadBasicBlockRanges(path)
	require.NoError(t, err)
	assert.Empty(t, got)
}
