// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package grinder // import "github.com/google/syzygy-sub005/grinder"

import (
	"errors"
	"fmt"

	lru "github.com/elastic/go-freelru"
	log "github.com/sirupsen/logrus"
	"github.com/zeebo/xxh3"

	"github.com/google/syzygy-sub005/binmeta"
	"github.com/google/syzygy-sub005/libgrind"
	"github.com/google/syzygy-sub005/libgrind/hash"
)

const (
	// moduleCacheSize bounds the positive metadata cache. Traces rarely
	// touch more than a handful of instrumented modules.
	moduleCacheSize = 256

	// deferredModuleCacheSize bounds the negative cache of modules whose
	// metadata could not be recovered, so each one is attempted once.
	deferredModuleCacheSize = 1024
)

// moduleArtifacts is everything the grinder needs to know about one
// instrumented module, recovered from the module image and its debug file.
type moduleArtifacts struct {
	meta   *binmeta.Metadata
	ranges []binmeta.BlockRange
}

// moduleCache loads and caches per-module instrumentation artifacts. Lookup
// failures are remembered in a negative cache: a module that cannot be
// resolved is logged once and then skipped silently.
type moduleCache struct {
	artifacts *lru.LRU[libgrind.ModuleKey, *moduleArtifacts]
	deferred  *lru.LRU[libgrind.ModuleKey, libgrind.Void]
}

// errDeferred marks a module already known to be unresolvable.
var errDeferred = errors.New("module metadata lookup already failed")

func hashModuleKey(key libgrind.ModuleKey) uint32 {
	h := xxh3.HashString(key.Path)
	h ^= hash.Uint64(uint64(key.Size)<<32 | uint64(key.TimeDateStamp))
	return uint32(h)
}

func newModuleCache() (*moduleCache, error) {
	artifacts, err := lru.New[libgrind.ModuleKey, *moduleArtifacts](
		moduleCacheSize, hashModuleKey)
	if err != nil {
		return nil, err
	}
	deferred, err := lru.New[libgrind.ModuleKey, libgrind.Void](
		deferredModuleCacheSize, hashModuleKey)
	if err != nil {
		return nil, err
	}
	return &moduleCache{
		artifacts: artifacts,
		deferred:  deferred,
	}, nil
}

// get returns the artifacts for the module, loading them from disk on first
// use. A soft failure (missing image, metadata section or debug stream)
// returns errDeferred after the first attempt; hard I/O failures on files
// that do exist are returned as-is.
func (c *moduleCache) get(mi *libgrind.ModuleInfo) (*moduleArtifacts, error) {
	key := mi.Key()
	if entry, ok := c.artifacts.Get(key); ok {
		return entry, nil
	}
	if _, ok := c.deferred.Get(key); ok {
		return nil, errDeferred
	}

	entry, err := c.load(mi)
	if err != nil {
		if errors.Is(err, binmeta.ErrMissingMetadata) ||
			errors.Is(err, binmeta.ErrMissingDebugInfo) {
			log.Warnf("No instrumentation data for module %q: %v", mi.Path, err)
			c.deferred.Add(key, libgrind.Void{})
			return nil, errDeferred
		}
		return nil, err
	}
	c.artifacts.Add(key, entry)
	return entry, nil
}

func (c *moduleCache) load(mi *libgrind.ModuleInfo) (*moduleArtifacts, error) {
	meta, err := binmeta.ReadMetadataFromPE(mi.Path)
	if err != nil {
		return nil, err
	}

	recorded := meta.ModuleSignature.ModuleInfo()
	if !mi.ConsistentModuloChecksum(&recorded) {
		return nil, fmt.Errorf("module %q: %w: on-disk image does not match "+
			"the traced module", mi.Path, binmeta.ErrMissingMetadata)
	}

	debugPath := binmeta.FindDebugInfoPath(mi.Path)
	ranges, err := binmeta.LoadBasicBlockRanges(debugPath)
	if err != nil {
		return nil, err
	}

	log.Debugf("Loaded %d basic block ranges for %q from %q",
		len(ranges), mi.Path, debugPath)
	return &moduleArtifacts{meta: meta, ranges: ranges}, nil
}
