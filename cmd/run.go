// Copyright 2026 The Wadup Authors.  All rights reserved.
// Use of this source code is governed by an Apache2
// license that can be found in the LICENSE file.

package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/tordynnar/wadup2/internal/buffer"
	"github.com/tordynnar/wadup2/internal/content"
	"github.com/tordynnar/wadup2/internal/logging"
	"github.com/tordynnar/wadup2/internal/metrics"
	"github.com/tordynnar/wadup2/internal/scheduler"
	"github.com/tordynnar/wadup2/internal/sink"
	"github.com/tordynnar/wadup2/internal/wasm"
)

type runParams struct {
	modules   string
	input     string
	output    string
	threads   int
	fuel      uint64
	maxMemory int64
	maxStack  int64
	maxDepth  int
	summary   bool
}

func init() {
	params := runParams{}

	runCommand := &cobra.Command{
		Use:   "run",
		Short: "Run WASM modules over input files",
		Long:  "Execute every module against every input file, recursively processing emitted sub-content, and persist all metadata.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun(params)
		},
	}

	addModulesFlag(runCommand.Flags(), &params.modules)
	addInputFlag(runCommand.Flags(), &params.input)
	addOutputFlag(runCommand.Flags(), &params.output)
	addThreadsFlag(runCommand.Flags(), &params.threads)
	addFuelFlag(runCommand.Flags(), &params.fuel)
	addMaxMemoryFlag(runCommand.Flags(), &params.maxMemory)
	addMaxStackFlag(runCommand.Flags(), &params.maxStack)
	addMaxDepthFlag(runCommand.Flags(), &params.maxDepth)
	runCommand.Flags().BoolVar(&params.summary, "summary", true, "print a metrics summary after the run")
	_ = runCommand.MarkFlagRequired("modules")
	_ = runCommand.MarkFlagRequired("input")

	RootCommand.AddCommand(runCommand)
}

func runRun(params runParams) error {
	log := logging.Get()

	if err := checkDir(params.modules); err != nil {
		return fmt.Errorf("modules directory: %w", err)
	}
	if err := checkDir(params.input); err != nil {
		return fmt.Errorf("input directory: %w", err)
	}
	if params.threads < 1 {
		return fmt.Errorf("number of threads must be at least 1")
	}

	limits := wasm.Limits{
		Fuel:      params.fuel,
		MaxMemory: params.maxMemory,
		MaxStack:  params.maxStack,
	}

	log.Info("WADUP - Web Assembly Data Unified Processing")
	log.WithFields(map[string]interface{}{
		"modules": params.modules,
		"input":   params.input,
		"output":  params.output,
		"threads": params.threads,
		"depth":   params.maxDepth,
	}).Info("Configuration")
	if limits.Fuel > 0 {
		log.Info("Fuel limit: %d per module per content", limits.Fuel)
	}
	if limits.MaxMemory > 0 {
		log.Info("Memory limit: %d bytes per instance", limits.MaxMemory)
	}

	rt, err := wasm.NewRuntime(limits, log)
	if err != nil {
		return fmt.Errorf("configure engine: %w", err)
	}
	if err := rt.LoadModules(params.modules); err != nil {
		return err
	}

	metadataSink, err := sink.NewSQLite(params.output, log)
	if err != nil {
		return err
	}
	defer metadataSink.Close()

	initial, err := loadInputs(params.input, log)
	if err != nil {
		return err
	}
	log.Info("Found %d input files", len(initial))

	m := metrics.New()
	sched, err := scheduler.New(scheduler.Config{
		Workers:  params.threads,
		MaxDepth: params.maxDepth,
		Store:    content.NewStore(),
		Sink:     metadataSink,
		Metrics:  m,
		Log:      log,
	})
	if err != nil {
		return err
	}

	err = sched.Run(initial, func() ([]scheduler.ModuleRunner, error) {
		instances, err := rt.NewInstances()
		if err != nil {
			return nil, err
		}
		runners := make([]scheduler.ModuleRunner, len(instances))
		for i, inst := range instances {
			runners[i] = inst
		}
		return runners, nil
	})
	if err != nil {
		return err
	}

	log.Info("Processing complete, results written to %s", params.output)
	if params.summary {
		printSummary(m)
	}
	return nil
}

func checkDir(dir string) error {
	if dir == "" {
		return fmt.Errorf("not set")
	}
	info, err := os.Stat(dir)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", dir)
	}
	return nil
}

// loadInputs ingests every regular file directly under dir as a root content.
func loadInputs(dir string, log logging.Logger) ([]*content.Content, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read input directory: %w", err)
	}
	var out []*content.Content
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		buf, err := buffer.FromFile(path)
		if err != nil {
			return nil, fmt.Errorf("read input %s: %w", path, err)
		}
		log.Debug("Loaded input file %s (%d bytes)", entry.Name(), buf.Len())
		out = append(out, content.NewRoot(buf, entry.Name()))
	}
	return out, nil
}

func printSummary(m metrics.Metrics) {
	all := m.All()
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Metric", "Value"})
	table.SetAutoWrapText(false)
	for _, key := range metrics.Keys(all) {
		table.Append([]string{key, fmt.Sprintf("%v", all[key])})
	}
	table.Render()
}
