// Copyright 2026 The Wadup Authors.  All rights reserved.
// Use of this source code is governed by an Apache2
// license that can be found in the LICENSE file.

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tordynnar/wadup2/internal/logging"
	"github.com/tordynnar/wadup2/internal/wasm"
)

type compileParams struct {
	modules  string
	fuel     uint64
	maxStack int64
}

func init() {
	params := compileParams{}

	compileCommand := &cobra.Command{
		Use:   "compile",
		Short: "Precompile WASM modules for faster subsequent runs",
		Long:  "Compile every module in the directory and write precompiled sidecar caches. Pass the same limits you will run with: they are part of the engine fingerprint.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCompile(params)
		},
	}

	addModulesFlag(compileCommand.Flags(), &params.modules)
	addFuelFlag(compileCommand.Flags(), &params.fuel)
	addMaxStackFlag(compileCommand.Flags(), &params.maxStack)
	_ = compileCommand.MarkFlagRequired("modules")

	RootCommand.AddCommand(compileCommand)
}

func runCompile(params compileParams) error {
	log := logging.Get()

	if err := checkDir(params.modules); err != nil {
		return fmt.Errorf("modules directory: %w", err)
	}

	log.Info("Precompiling WASM modules in %s", params.modules)
	rt, err := wasm.NewRuntime(wasm.Limits{Fuel: params.fuel, MaxStack: params.maxStack}, log)
	if err != nil {
		return fmt.Errorf("configure engine: %w", err)
	}
	if err := rt.LoadModules(params.modules); err != nil {
		return err
	}
	log.Info("Precompiled %d modules", len(rt.Modules()))
	return nil
}
