// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package events // import "github.com/google/syzygy-sub005/events"

import "github.com/google/syzygy-sub005/libgrind"

// Handler receives decoded events from the Dispatcher. Batches of buffered
// function entries are translated into individual OnFunctionEnter calls
// before they reach the handler.
//
// Returning a non-nil error latches the dispatcher's error state and aborts
// processing; recoverable conditions are for the handler to absorb itself.
type Handler interface {
	OnFunctionEnter(ctx *Context, fn libgrind.Address) error
	OnFunctionExit(ctx *Context, fn libgrind.Address) error
	OnProcessEnded(ctx *Context) error

	OnProcessAttach(ctx *Context, mod *libgrind.ModuleInfo) error
	OnProcessDetach(ctx *Context, mod *libgrind.ModuleInfo) error
	OnThreadAttach(ctx *Context, mod *libgrind.ModuleInfo) error
	OnThreadDetach(ctx *Context, mod *libgrind.ModuleInfo) error

	OnInvocationBatch(ctx *Context, batch *InvocationBatchData) error
	OnThreadName(ctx *Context, name string) error
	OnDynamicSymbol(ctx *Context, symbolID uint32, name string) error
	OnIndexedFrequency(ctx *Context, data *IndexedFrequencyData) error
	OnSampleData(ctx *Context, data *SampleData) error
}

// NoopHandler implements Handler with empty callbacks. Embed it to only
// handle the events of interest.
type NoopHandler struct{}

var _ Handler = (*NoopHandler)(nil)

func (NoopHandler) OnFunctionEnter(*Context, libgrind.Address) error { return nil }
func (NoopHandler) OnFunctionExit(*Context, libgrind.Address) error  { return nil }
func (NoopHandler) OnProcessEnded(*Context) error                    { return nil }

func (NoopHandler) OnProcessAttach(*Context, *libgrind.ModuleInfo) error { return nil }
func (NoopHandler) OnProcessDetach(*Context, *libgrind.ModuleInfo) error { return nil }
func (NoopHandler) OnThreadAttach(*Context, *libgrind.ModuleInfo) error  { return nil }
func (NoopHandler) OnThreadDetach(*Context, *libgrind.ModuleInfo) error  { return nil }

func (NoopHandler) OnInvocationBatch(*Context, *InvocationBatchData) error     { return nil }
func (NoopHandler) OnThreadName(*Context, string) error                        { return nil }
func (NoopHandler) OnDynamicSymbol(*Context, uint32, string) error             { return nil }
func (NoopHandler) OnIndexedFrequency(*Context, *IndexedFrequencyData) error   { return nil }
func (NoopHandler) OnSampleData(*Context, *SampleData) error                   { return nil }
