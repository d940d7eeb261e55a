// Copyright 2026 The Wadup Authors.  All rights reserved.
// Use of this source code is governed by an Apache2
// license that can be found in the LICENSE file.

package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/tordynnar/wadup2/internal/logging"
	"github.com/tordynnar/wadup2/internal/runner"
	"github.com/tordynnar/wadup2/internal/wasm"
)

type testParams struct {
	module    string
	sample    string
	filename  string
	fuel      uint64
	maxMemory int64
	maxStack  int64
}

func init() {
	params := testParams{}

	testCommand := &cobra.Command{
		Use:   "test",
		Short: "Run a single module against a sample file",
		Long:  "Execute one module against one sample and print everything it produced as JSON. Intended for module authors.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTest(params)
		},
	}

	testCommand.Flags().StringVar(&params.module, "module", "", "set path of the .wasm module to test")
	testCommand.Flags().StringVar(&params.sample, "sample", "", "set path of the sample file to process")
	testCommand.Flags().StringVar(&params.filename, "filename", "", "set the filename exposed to the module (defaults to the sample's basename)")
	addFuelFlag(testCommand.Flags(), &params.fuel)
	addMaxMemoryFlag(testCommand.Flags(), &params.maxMemory)
	addMaxStackFlag(testCommand.Flags(), &params.maxStack)
	_ = testCommand.MarkFlagRequired("module")
	_ = testCommand.MarkFlagRequired("sample")

	RootCommand.AddCommand(testCommand)
}

func runTest(params testParams) error {
	filename := params.filename
	if filename == "" {
		filename = filepath.Base(params.sample)
	}
	limits := wasm.Limits{
		Fuel:      params.fuel,
		MaxMemory: params.maxMemory,
		MaxStack:  params.maxStack,
	}

	output := runner.Run(params.module, params.sample, filename, limits, logging.Get())

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(output); err != nil {
		return fmt.Errorf("encode test output: %w", err)
	}
	return nil
}
