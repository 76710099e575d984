// Copyright (C) 2026 Parley Systems (eng@parley.chat)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/parleyhq/sentinel/pkg/logging"
)

var (
	logLevel string
	logDir   string
	logJSON  bool
)

var rootCmd = &cobra.Command{
	Use:   "sentinel",
	Short: "Self-healing remediation service for the Parley chat platform",
	Long: `sentinel watches the platform's telemetry event store, asks a
completion model for remediation proposals, validates them against a
policy guard, and executes the approved ones inside a safety envelope
(maintenance window, kill-switch, backoff, rate limiting, spend cap).`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		closer, err := logging.Setup(logging.Config{
			Level:   logLevel,
			Service: "sentinel",
			LogDir:  logDir,
			JSON:    logJSON,
		})
		if err != nil {
			return fmt.Errorf("configure logging: %w", err)
		}
		cobra.OnFinalize(func() { closer.Close() })
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logDir, "log-dir", "", "directory for JSON log files (empty disables)")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "emit JSON on stderr")
	rootCmd.AddCommand(serveCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
