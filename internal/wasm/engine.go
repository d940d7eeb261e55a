// Copyright 2026 The Wadup Authors.  All rights reserved.
// Use of this source code is governed by an Apache2
// license that can be found in the LICENSE file.

// Package wasm owns the embedded WebAssembly engine: module discovery and
// classification, the precompile cache, and the per-worker instances that run
// guest code against one content at a time.
package wasm

import (
	"fmt"
	"runtime"
	"sort"

	"github.com/bytecodealliance/wasmtime-go/v3"
	"github.com/cespare/xxhash/v2"

	"github.com/tordynnar/wadup2/internal/logging"
	"github.com/tordynnar/wadup2/internal/version"
)

// Limits configures per-call resource bounds. Zero values mean unlimited.
type Limits struct {
	// Fuel is the CPU quantum restored before every per-content call.
	Fuel uint64
	// MaxMemory caps guest linear memory in bytes.
	MaxMemory int64
	// MaxStack caps the guest stack in bytes. The v3 engine binding does
	// not expose the underlying knob, so this only contributes to the
	// engine fingerprint; the engine default applies at runtime.
	MaxStack int64
}

// Runtime holds the engine, the compiled modules, and the resource limits
// shared by every instance.
type Runtime struct {
	engine      *wasmtime.Engine
	limits      Limits
	fingerprint uint64
	modules     []*Module
	log         logging.Logger
}

// NewRuntime configures an engine for the given limits.
func NewRuntime(limits Limits, log logging.Logger) (*Runtime, error) {
	if log == nil {
		log = logging.Get()
	}
	cfg := wasmtime.NewConfig()
	cfg.SetWasmMultiMemory(true)
	if limits.Fuel > 0 {
		cfg.SetConsumeFuel(true)
	}
	engine := wasmtime.NewEngineWithConfig(cfg)

	return &Runtime{
		engine:      engine,
		limits:      limits,
		fingerprint: fingerprint(limits),
		log:         log,
	}, nil
}

// fingerprint derives a stable hash of everything that affects generated
// code, so precompiled artifacts are invalidated when it changes.
func fingerprint(limits Limits) uint64 {
	h := xxhash.New()
	fmt.Fprintf(h, "wadup2 %s\n", version.Version)
	fmt.Fprintf(h, "engine wasmtime-go/v3\n")
	fmt.Fprintf(h, "target %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Fprintf(h, "multi_memory true\n")
	fmt.Fprintf(h, "consume_fuel %v\n", limits.Fuel > 0)
	fmt.Fprintf(h, "max_stack %d\n", limits.MaxStack)
	return h.Sum64()
}

// Engine returns the underlying engine.
func (r *Runtime) Engine() *wasmtime.Engine {
	return r.engine
}

// Limits returns the configured resource limits.
func (r *Runtime) Limits() Limits {
	return r.limits
}

// Fingerprint returns the engine code-generation fingerprint.
func (r *Runtime) Fingerprint() uint64 {
	return r.fingerprint
}

// Modules returns the loaded modules in their fixed iteration order.
func (r *Runtime) Modules() []*Module {
	return r.modules
}

// NewInstances builds one instance per loaded module for a single worker.
// Instances are not safe for sharing between workers.
func (r *Runtime) NewInstances() ([]*Instance, error) {
	instances := make([]*Instance, 0, len(r.modules))
	for _, m := range r.modules {
		inst, err := NewInstance(r, m)
		if err != nil {
			return nil, fmt.Errorf("instantiate module %q: %w", m.Name, err)
		}
		instances = append(instances, inst)
	}
	return instances, nil
}

// sortModules fixes the module iteration order by name so results are scoped
// deterministically regardless of directory listing order.
func sortModules(mods []*Module) {
	sort.Slice(mods, func(i, j int) bool { return mods[i].Name < mods[j].Name })
}
