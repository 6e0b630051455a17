// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package grinder

import (
	"io"

	log "github.com/sirupsen/logrus"

	"github.com/google/syzygy-sub005/events"
	"github.com/google/syzygy-sub005/tracefile"
)

// Options configures a grind run.
type Options struct {
	// PrettyPrint emits indented, commented JSON instead of the compact
	// machine form.
	PrettyPrint bool
	// StrictModuleConflict makes conflicting module load events fatal
	// instead of first-seen-wins.
	StrictModuleConflict bool
	// DataTypes restricts aggregation to the named counter kinds; empty
	// accepts all.
	DataTypes []events.DataType
	// Output receives the serialized frequency map.
	Output io.Writer
}

// Exit codes reported by Run.
const (
	ExitOK      = 0
	ExitFailed  = 1
	ExitPartial = 2
)

// Run grinds the given trace files into one frequency map and writes it to
// opts.Output. All files share one module cache and one output map. The
// return value is the process exit code: 0 when everything aggregated,
// 1 when no usable output could be produced, 2 when records were dropped
// but output exists.
func Run(paths []string, opts *Options) int {
	g, err := NewGrinder(opts.DataTypes)
	if err != nil {
		log.Errorf("Failed to initialize grinder: %v", err)
		return ExitFailed
	}
	d := events.NewDispatcher(g, opts.StrictModuleConflict)

	partial := false
	for _, path := range paths {
		r, err := tracefile.Open(path)
		if err != nil {
			log.Errorf("Failed to open trace file %q: %v", path, err)
			return ExitFailed
		}
		err = d.ProcessFile(r)
		r.Close()
		if err != nil {
			log.Errorf("Failed to process trace file %q: %v", path, err)
			return ExitFailed
		}
		if d.ErrorOccurred() {
			log.Warnf("Trace file %q processed with dropped records", path)
			partial = true
		}
	}
	if d.Dropped() > 0 {
		partial = true
	}

	switch g.Status() {
	case StatusFailed:
		log.Errorf("No frequency data was aggregated")
		return ExitFailed
	case StatusPartial:
		partial = true
	}

	if err := g.Data().WriteJSON(opts.Output, opts.PrettyPrint); err != nil {
		log.Errorf("Failed to write frequency data: %v", err)
		return ExitFailed
	}
	if partial {
		return ExitPartial
	}
	return ExitOK
}
