// Copyright 2026 The Wadup Authors.  All rights reserved.
// Use of this source code is governed by an Apache2
// license that can be found in the LICENSE file.

package wasm

import (
	"errors"
	"fmt"
	"strings"

	"github.com/tordynnar/wadup2/internal/wasi"
)

// Sentinel errors for traps classified from the engine's trap messages.
var (
	// ErrCPUExhausted marks a guest that ran out of its fuel quantum.
	ErrCPUExhausted = errors.New("cpu budget exhausted")
	// ErrMemoryLimit marks a guest that hit the linear-memory cap.
	ErrMemoryLimit = errors.New("memory limit exceeded")
	// ErrStackOverflow marks a guest that exhausted its stack.
	ErrStackOverflow = errors.New("stack overflow")
	// ErrMissingExport marks a module with neither entry point.
	ErrMissingExport = errors.New("missing required export")
)

// ModuleError is a nonzero exit from a module's entry point.
type ModuleError struct {
	Code int32
}

func (e *ModuleError) Error() string {
	return fmt.Sprintf("module returned error code %d", e.Code)
}

// ModuleTrap is a guest trap other than resource exhaustion.
type ModuleTrap struct {
	Detail string
}

func (e *ModuleTrap) Error() string {
	return "module trapped: " + e.Detail
}

// classifyTrap maps an engine trap onto the typed errors the scheduler
// records. Exit traps are handled by the caller before classification.
func classifyTrap(err error) error {
	msg := err.Error()
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "fuel"):
		return fmt.Errorf("%w: %s", ErrCPUExhausted, firstLine(msg))
	case strings.Contains(lower, "stack overflow"):
		return fmt.Errorf("%w: %s", ErrStackOverflow, firstLine(msg))
	case strings.Contains(lower, "memory"):
		return fmt.Errorf("%w: %s", ErrMemoryLimit, firstLine(msg))
	default:
		return &ModuleTrap{Detail: firstLine(msg)}
	}
}

// exitCode extracts a proc_exit code if err carries one.
func exitCode(err error) (int32, bool) {
	return wasi.ParseExitTrap(err.Error())
}

func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		return s[:idx]
	}
	return s
}
