// Copyright 2026 The Wadup Authors.  All rights reserved.
// Use of this source code is governed by an Apache2
// license that can be found in the LICENSE file.

package cmd

import (
	"github.com/spf13/pflag"
)

func addModulesFlag(fs *pflag.FlagSet, dir *string) {
	fs.StringVarP(dir, "modules", "m", "", "set directory containing .wasm modules")
}

func addInputFlag(fs *pflag.FlagSet, dir *string) {
	fs.StringVarP(dir, "input", "i", "", "set directory containing input files")
}

func addOutputFlag(fs *pflag.FlagSet, path *string) {
	fs.StringVarP(path, "output", "o", "wadup.db", "set metadata database path")
}

func addThreadsFlag(fs *pflag.FlagSet, threads *int) {
	fs.IntVarP(threads, "threads", "t", 4, "set number of worker threads")
}

func addFuelFlag(fs *pflag.FlagSet, fuel *uint64) {
	fs.Uint64Var(fuel, "fuel", 0, "set CPU fuel quantum per module per content (0 = unlimited)")
}

func addMaxMemoryFlag(fs *pflag.FlagSet, maxMemory *int64) {
	fs.Int64Var(maxMemory, "max-memory", 0, "set linear memory cap in bytes per instance (0 = engine default)")
}

func addMaxStackFlag(fs *pflag.FlagSet, maxStack *int64) {
	fs.Int64Var(maxStack, "max-stack", 0, "set guest stack cap in bytes (0 = engine default)")
}

func addMaxDepthFlag(fs *pflag.FlagSet, maxDepth *int) {
	fs.IntVar(maxDepth, "max-recursion-depth", 100, "set maximum recursion depth for sub-content")
}
