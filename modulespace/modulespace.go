// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package modulespace tracks which module occupies which address range in
// each traced process. Entries are annotated with a dirty flag: an unload
// marks the module dirty but keeps it resolvable, so late events addressed
// into its range still attribute correctly; only a conflicting load may then
// evict it.
package modulespace // import "github.com/google/syzygy-sub005/modulespace"

import (
	"errors"
	"fmt"
	"sort"

	log "github.com/sirupsen/logrus"

	"github.com/google/syzygy-sub005/libgrind"
)

// ErrConflict is returned by Insert under the strict conflict policy when a
// module overlaps a clean existing entry.
var ErrConflict = errors.New("conflicting module registration")

// Module is one annotated address-space entry. It is handed out by value;
// callers must not retain views across mutations.
type Module struct {
	libgrind.ModuleInfo
	// Dirty is set once the module was unloaded. Dirty entries lose
	// conflicts against new registrations.
	Dirty bool
}

// AddressSpace is the interval map of one process, keyed by module base
// address with non-overlap enforced at insert.
type AddressSpace struct {
	// entries is kept sorted by BaseAddress.
	entries []Module
}

// search returns the index of the first entry whose base address is above
// addr.
func (as *AddressSpace) search(addr libgrind.Address) int {
	return sort.Search(len(as.entries), func(i int) bool {
		return as.entries[i].BaseAddress > addr
	})
}

// Find returns the module whose range contains addr.
func (as *AddressSpace) Find(addr libgrind.Address) (Module, bool) {
	idx := as.search(addr)
	if idx == 0 {
		return Module{}, false
	}
	if m := as.entries[idx-1]; m.ContainsAddress(addr) {
		return m, true
	}
	return Module{}, false
}

// overlapping returns the index range [lo, hi) of entries overlapping
// [base, base+size).
func (as *AddressSpace) overlapping(mi *libgrind.ModuleInfo) (int, int) {
	lo := as.search(mi.BaseAddress)
	if lo > 0 && as.entries[lo-1].ContainsAddress(mi.BaseAddress) {
		lo--
	}
	hi := lo
	end := mi.BaseAddress + libgrind.Address(mi.Size)
	for hi < len(as.entries) && as.entries[hi].BaseAddress < end {
		hi++
	}
	return lo, hi
}

// Insert registers a loaded module.
//
// Re-inserting an identical range with an identical identity is a no-op.
// A conflicting insertion evicts the existing entries iff all of them are
// dirty; otherwise the conflict is an error under the strict policy and a
// logged warning (first-seen wins) under the lenient one.
func (as *AddressSpace) Insert(mi *libgrind.ModuleInfo, strict bool) error {
	lo, hi := as.overlapping(mi)
	if lo == hi {
		as.insertAt(lo, mi)
		return nil
	}

	if hi-lo == 1 {
		existing := &as.entries[lo]
		if existing.BaseAddress == mi.BaseAddress && existing.SameIdentity(mi) {
			return nil
		}
	}
	for i := lo; i < hi; i++ {
		if !as.entries[i].Dirty {
			err := fmt.Errorf("%w: %s overlaps %s", ErrConflict, mi, &as.entries[i].ModuleInfo)
			if strict {
				return err
			}
			log.Warnf("ignoring %v", err)
			return nil
		}
	}
	// Every colliding entry was unloaded already: evict and insert.
	as.entries = append(as.entries[:lo], as.entries[hi:]...)
	as.insertAt(lo, mi)
	return nil
}

func (as *AddressSpace) insertAt(idx int, mi *libgrind.ModuleInfo) {
	as.entries = append(as.entries, Module{})
	copy(as.entries[idx+1:], as.entries[idx:])
	as.entries[idx] = Module{ModuleInfo: *mi}
}

// MarkDirty flags the module containing addr as unloaded. It reports whether
// a module was found.
func (as *AddressSpace) MarkDirty(addr libgrind.Address) bool {
	idx := as.search(addr)
	if idx == 0 || !as.entries[idx-1].ContainsAddress(addr) {
		return false
	}
	as.entries[idx-1].Dirty = true
	return true
}

// MarkAllDirty flags every module as unloaded. Used when the process ends.
func (as *AddressSpace) MarkAllDirty() {
	for i := range as.entries {
		as.entries[i].Dirty = true
	}
}

// Modules returns a copy of all entries in base address order.
func (as *AddressSpace) Modules() []Module {
	out := make([]Module, len(as.entries))
	copy(out, as.entries)
	return out
}

// Map holds the address space of every process seen in the processed trace
// files. It is owned by the event dispatcher and mutated only from the pull
// loop.
type Map struct {
	spaces map[libgrind.PID]*AddressSpace
}

// NewMap returns an empty per-process address space map.
func NewMap() *Map {
	return &Map{spaces: make(map[libgrind.PID]*AddressSpace)}
}

// Space returns the address space for pid, creating it if needed.
func (m *Map) Space(pid libgrind.PID) *AddressSpace {
	as, ok := m.spaces[pid]
	if !ok {
		as = &AddressSpace{}
		m.spaces[pid] = as
	}
	return as
}

// FindModule resolves an absolute address in the given process to the module
// containing it.
func (m *Map) FindModule(pid libgrind.PID, addr libgrind.Address) (Module, bool) {
	as, ok := m.spaces[pid]
	if !ok {
		return Module{}, false
	}
	return as.Find(addr)
}

// PIDs returns the ids of all tracked processes.
func (m *Map) PIDs() []libgrind.PID {
	return libgrind.MapKeysToSlice(m.spaces)
}
