// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package tracefile // import "github.com/google/syzygy-sub005/tracefile"

import "time"

// filetimeEpochDelta is the number of 100 ns intervals between the FILETIME
// epoch (1601-01-01) and the Unix epoch (1970-01-01).
const filetimeEpochDelta = 116444736000000000

// Clock converts the TSC-like timestamps on trace records to wall-clock
// instants using the reference points the service captured at trace start.
type Clock struct {
	info ClockInfo
}

// NewClock returns a Clock over the given reference info.
func NewClock(info ClockInfo) *Clock {
	return &Clock{info: info}
}

// filetimeToUnixNano converts a FILETIME value to nanoseconds since the Unix
// epoch.
func filetimeToUnixNano(ft uint64) int64 {
	return (int64(ft) - filetimeEpochDelta) * 100
}

// Time converts a raw record timestamp to a wall-clock instant. If the file
// carries no usable TSC calibration the zero time is returned and callers
// fall back to the raw tick value.
func (c *Clock) Time(tsc uint64) time.Time {
	freq := c.info.TSCTicksPerSecond
	if freq == 0 || c.info.FileTime == 0 {
		return time.Time{}
	}
	// Records flushed from buffers enqueued before trace start can carry
	// timestamps below the reference; the delta is signed.
	delta := int64(tsc - c.info.TSCReference)
	secs := delta / int64(freq)
	rem := delta % int64(freq)
	ns := filetimeToUnixNano(c.info.FileTime) + secs*int64(time.Second) +
		rem*int64(time.Second)/int64(freq)
	return time.Unix(0, ns).UTC()
}

// StartTime returns the capture start as a wall-clock instant.
func (c *Clock) StartTime() time.Time {
	if c.info.FileTime == 0 {
		return time.Time{}
	}
	return time.Unix(0, filetimeToUnixNano(c.info.FileTime)).UTC()
}
