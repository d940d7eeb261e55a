// Copyright 2026 The Wadup Authors.  All rights reserved.
// Use of this source code is governed by an Apache2
// license that can be found in the LICENSE file.

package wasm

import (
	"fmt"

	"github.com/bytecodealliance/wasmtime-go/v3"
	"github.com/google/uuid"

	"github.com/tordynnar/wadup2/internal/buffer"
	"github.com/tordynnar/wadup2/internal/memfs"
	"github.com/tordynnar/wadup2/internal/wasi"
)

// instanceState is everything bound to one wasmtime store: the store itself,
// the instantiated module, and the WASI context over a private memory
// filesystem.
type instanceState struct {
	store     *wasmtime.Store
	instance  *wasmtime.Instance
	ctx       *wasi.Ctx
	fuelAdded uint64
}

// Instance runs one module for one worker. Reactor instances keep their state
// across calls; command instances rebuild it every call because the module's
// runtime initialization is consumed by the first _start.
type Instance struct {
	name    string
	style   Style
	module  *Module
	runtime *Runtime
	state   *instanceState
	retain  bool
}

// NewInstance builds an instance of m bound to a fresh store.
func NewInstance(r *Runtime, m *Module) (*Instance, error) {
	inst := &Instance{
		name:    m.Name,
		style:   m.Style,
		module:  m,
		runtime: r,
	}
	if m.Style == StyleReactor {
		state, err := inst.instantiate()
		if err != nil {
			return nil, err
		}
		if m.hasInitialize {
			if init := state.instance.GetFunc(state.store, "_initialize"); init != nil {
				if _, err := init.Call(state.store); err != nil {
					return nil, fmt.Errorf("_initialize failed: %w", err)
				}
			}
		}
		inst.state = state
	}
	return inst, nil
}

// Name returns the module name.
func (i *Instance) Name() string {
	return i.name
}

// Style returns the module style.
func (i *Instance) Style() Style {
	return i.style
}

// RetainPublications switches the instance into the test harness mode:
// tracked files survive fd_close and the end-of-call sweep so the caller can
// read them back per-file through Filesystem after a Run.
func (i *Instance) RetainPublications() {
	i.retain = true
	if i.state != nil {
		i.state.ctx.RetainPublications = true
	}
}

// Filesystem returns the memory filesystem of the instance's store. A
// command-style instance keeps its per-call store only after
// RetainPublications, so for it this is nil unless a retained call has run.
func (i *Instance) Filesystem() *memfs.FS {
	if i.state == nil {
		return nil
	}
	return i.state.ctx.FS
}

// instantiate builds a store with the resource limiter and fuel quantum, a
// fresh memory filesystem pre-populated with /tmp, /metadata, /subcontent
// and an empty /data.bin, links the WASI imports, and instantiates.
func (i *Instance) instantiate() (*instanceState, error) {
	fs := memfs.New()
	for _, dir := range []string{"/tmp", "/metadata", "/subcontent"} {
		if err := fs.MkdirAll(dir); err != nil {
			return nil, err
		}
	}
	fs.SetDataBin(buffer.FromBytes(nil))

	ctx := wasi.NewCtx(fs, i.runtime.log.WithFields(map[string]interface{}{"module": i.name}))
	ctx.RetainPublications = i.retain

	store := wasmtime.NewStore(i.runtime.engine)
	limits := i.runtime.limits
	if limits.MaxMemory > 0 {
		store.Limiter(limits.MaxMemory, -1, -1, -1, -1)
	}
	state := &instanceState{store: store, ctx: ctx}
	if limits.Fuel > 0 {
		if err := store.AddFuel(limits.Fuel); err != nil {
			return nil, err
		}
		state.fuelAdded = limits.Fuel
	}

	linker := wasmtime.NewLinker(i.runtime.engine)
	if err := wasi.Link(linker, ctx); err != nil {
		return nil, err
	}

	instance, err := linker.Instantiate(store, i.module.compiled)
	if err != nil {
		return nil, fmt.Errorf("instantiate: %w", err)
	}
	state.instance = instance
	return state, nil
}

// refillFuel restores the per-call quantum so each call gets the same CPU
// budget regardless of what earlier calls consumed.
func (s *instanceState) refillFuel(quantum uint64) error {
	if quantum == 0 {
		return nil
	}
	consumed, enabled := s.store.FuelConsumed()
	if !enabled {
		return nil
	}
	remaining := s.fuelAdded - consumed
	if remaining >= quantum {
		return nil
	}
	refill := quantum - remaining
	if err := s.store.AddFuel(refill); err != nil {
		return err
	}
	s.fuelAdded += refill
	return nil
}

// Run processes one content through the module and returns the harvested
// processing context. The context is non-nil even on error so captured
// stdout/stderr survive module failures; pending emissions and rows are only
// consumed by the caller on success.
func (i *Instance) Run(contentID uuid.UUID, data buffer.Buffer, filename string) (*wasi.Context, error) {
	proc := wasi.NewContext(contentID, data, filename)

	state := i.state
	if i.style == StyleCommand {
		// Fresh store per call.
		var err error
		state, err = i.instantiate()
		if err != nil {
			return proc, fmt.Errorf("module %q: %w", i.name, err)
		}
		if i.retain {
			// The harness reads the filesystem back after the call.
			i.state = state
		}
	}

	state.ctx.Reset(proc)
	state.ctx.FS.SetDataBin(data)
	if err := state.refillFuel(i.runtime.limits.Fuel); err != nil {
		return proc, fmt.Errorf("module %q: restore fuel: %w", i.name, err)
	}

	var callErr error
	switch i.style {
	case StyleReactor:
		callErr = i.callProcess(state)
	case StyleCommand:
		callErr = i.callStart(state)
	}

	// Pick up metadata the guest left unclosed, even after an error exit:
	// whatever was fully written is still a publication.
	state.ctx.Sweep()

	if callErr != nil {
		return proc, fmt.Errorf("module %q: %w", i.name, callErr)
	}
	return proc, nil
}

// callProcess invokes the reactor entry point. An i32 result (or proc_exit
// code) of zero is success; nonzero is a ModuleError.
func (i *Instance) callProcess(state *instanceState) error {
	fn := state.instance.GetFunc(state.store, "process")
	if fn == nil {
		return fmt.Errorf("%w: 'process'", ErrMissingExport)
	}
	result, err := fn.Call(state.store)
	if err != nil {
		if code, ok := exitCode(err); ok {
			if code == 0 {
				return nil
			}
			return &ModuleError{Code: code}
		}
		return classifyTrap(err)
	}
	switch v := result.(type) {
	case nil:
		return nil
	case int32:
		if v != 0 {
			return &ModuleError{Code: v}
		}
		return nil
	default:
		return &ModuleTrap{Detail: fmt.Sprintf("unexpected process result type %T", result)}
	}
}

// callStart invokes the command entry point. The usual outcome is a proc_exit
// trap; code zero is success.
func (i *Instance) callStart(state *instanceState) error {
	fn := state.instance.GetFunc(state.store, "_start")
	if fn == nil {
		return fmt.Errorf("%w: '_start'", ErrMissingExport)
	}
	_, err := fn.Call(state.store)
	if err == nil {
		return nil
	}
	if code, ok := exitCode(err); ok {
		if code == 0 {
			return nil
		}
		return &ModuleError{Code: code}
	}
	return classifyTrap(err)
}
