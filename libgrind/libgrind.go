// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package libgrind holds the small value types shared between the trace file
// layer, the event dispatcher and the grinders.
package libgrind // import "github.com/google/syzygy-sub005/libgrind"

// Address represents a virtual address in the traced process. Addresses at
// the file-format boundary are 32 bits wide; intermediate arithmetic extends
// them to 64 bits so that offsets across images cannot wrap.
type Address uint64

// RVA is an address relative to the preferred base of a module image.
type RVA uint32

// PID represents a process identifier of the traced native runtime.
type PID uint32

// Void allows using maps as sets without memory allocation for the values.
type Void struct{}

// Set is a convenience alias for a map with a `Void` value.
type Set[T comparable] map[T]Void

// ToSlice converts the Set keys into a slice.
func (s Set[T]) ToSlice() []T {
	slice := make([]T, 0, len(s))
	for item := range s {
		slice = append(slice, item)
	}
	return slice
}

// SliceToSet creates a set from a slice, deduplicating it.
func SliceToSet[T comparable](s []T) Set[T] {
	set := make(map[T]Void, len(s))
	for _, item := range s {
		set[item] = Void{}
	}
	return set
}

// MapKeysToSlice creates a slice from a map's keys.
func MapKeysToSlice[K comparable, V any](m map[K]V) []K {
	slice := make([]K, 0, len(m))
	for key := range m {
		slice = append(slice, key)
	}
	return slice
}
