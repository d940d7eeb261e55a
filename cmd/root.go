// Copyright 2026 The Wadup Authors.  All rights reserved.
// Use of this source code is governed by an Apache2
// license that can be found in the LICENSE file.

// Package cmd contains the CLI surface: compile, run, test, and version.
package cmd

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/tordynnar/wadup2/internal/logging"
)

var logLevel string
var logFormat string

// RootCommand is the base CLI command that all subcommands are added to.
var RootCommand = &cobra.Command{
	Use:           "wadup2",
	Short:         "Web Assembly Data Unified Processing",
	Long:          "Run sandboxed WebAssembly analyzers over a directory of files and collect their metadata.",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setupLogging(logLevel, logFormat)
	},
}

func init() {
	RootCommand.PersistentFlags().StringVar(&logLevel, "log-level", "info", "set log level {debug, info, warn, error}")
	RootCommand.PersistentFlags().StringVar(&logFormat, "log-format", "text", "set log format {text, json}")
}

func setupLogging(level, format string) error {
	logger := logging.Get()
	switch level {
	case "debug":
		logger.SetLevel(logging.Debug)
	case "info":
		logger.SetLevel(logging.Info)
	case "warn":
		logger.SetLevel(logging.Warn)
	case "error":
		logger.SetLevel(logging.Error)
	default:
		return fmt.Errorf("invalid log level %q", level)
	}
	switch format {
	case "text":
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		return fmt.Errorf("invalid log format %q", format)
	}
	return nil
}
