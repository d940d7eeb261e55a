// Copyright 2026 The Wadup Authors.  All rights reserved.
// Use of this source code is governed by an Apache2
// license that can be found in the LICENSE file.

package wasm

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bytecodealliance/wasmtime-go/v3"
)

// Style discriminates how a module is entered and whether its instance can be
// reused.
type Style int

const (
	// StyleReactor modules export `process` and are invoked repeatedly on
	// the same instance. An optional `_initialize` runs once.
	StyleReactor Style = iota
	// StyleCommand modules export `_start` and must be re-instantiated per
	// call: their runtime initialization is consumed by the first start.
	StyleCommand
)

func (s Style) String() string {
	if s == StyleCommand {
		return "command"
	}
	return "reactor"
}

// Module is one compiled analyzer.
type Module struct {
	Name  string
	Style Style

	compiled      *wasmtime.Module
	hasInitialize bool
}

// classify inspects a compiled module's exports.
func classify(compiled *wasmtime.Module) (Style, bool, error) {
	var hasProcess, hasStart, hasInitialize bool
	for _, exp := range compiled.Exports() {
		switch exp.Name() {
		case "process":
			hasProcess = true
		case "_start":
			hasStart = true
		case "_initialize":
			hasInitialize = true
		}
	}
	switch {
	case hasProcess:
		return StyleReactor, hasInitialize, nil
	case hasStart:
		return StyleCommand, false, nil
	default:
		return 0, false, fmt.Errorf("%w: neither 'process' nor '_start'", ErrMissingExport)
	}
}

// LoadModule loads, classifies, and registers a single module file.
func (r *Runtime) LoadModule(path string) error {
	name := strings.TrimSuffix(filepath.Base(path), ".wasm")
	compiled, err := loadCached(r.engine, path, r.fingerprint, r.log)
	if err != nil {
		return fmt.Errorf("load module %q: %w", name, err)
	}
	style, hasInitialize, err := classify(compiled)
	if err != nil {
		return fmt.Errorf("module %q: %w", name, err)
	}
	r.modules = append(r.modules, &Module{
		Name:          name,
		Style:         style,
		compiled:      compiled,
		hasInitialize: hasInitialize,
	})
	sortModules(r.modules)
	return nil
}

// LoadModules discovers .wasm files directly under dir, loads each through
// the precompile cache, classifies it, and registers it on the runtime.
func (r *Runtime) LoadModules(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read module directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".wasm") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		name := strings.TrimSuffix(entry.Name(), ".wasm")

		compiled, err := loadCached(r.engine, path, r.fingerprint, r.log)
		if err != nil {
			return fmt.Errorf("load module %q: %w", name, err)
		}
		style, hasInitialize, err := classify(compiled)
		if err != nil {
			return fmt.Errorf("module %q: %w", name, err)
		}

		r.log.WithFields(map[string]interface{}{
			"module": name,
			"style":  style.String(),
		}).Info("Loaded WASM module")

		r.modules = append(r.modules, &Module{
			Name:          name,
			Style:         style,
			compiled:      compiled,
			hasInitialize: hasInitialize,
		})
	}

	if len(r.modules) == 0 {
		return fmt.Errorf("no WASM modules found in %s", dir)
	}
	sortModules(r.modules)
	return nil
}
