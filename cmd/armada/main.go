// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// armada is the control plane for a fleet of local LLM inference servers:
// it discovers GGUF models, supervises inference subprocesses, and serves
// the query/orchestration REST and WebSocket API.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/spf13/cobra"
)

// Exit codes: 0 clean, 1 config/validation error, 2 inference binary missing.
const (
	exitOK            = 0
	exitConfigError   = 1
	exitBinaryMissing = 2
)

var (
	flagPort    int
	flagDataDir string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "armada",
		Short: "Local LLM fleet control plane",
		Long: `Armada discovers GGUF models on disk, assigns them capability tiers,
supervises one inference server subprocess per enabled model, and routes
queries across the fleet (simple, two-stage, council, and benchmark modes).`,
		SilenceUsage: true,
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the API server and inference fleet",
		Run:   runServeCommand,
	}
	serveCmd.Flags().IntVar(&flagPort, "port", 8080, "API listen port")
	serveCmd.Flags().StringVar(&flagDataDir, "data-dir", "", "State directory (overrides DATA_DIR)")

	scanCmd := &cobra.Command{
		Use:   "scan",
		Short: "Discover models once and print the registry table",
		Run:   runScanCommand,
	}
	scanCmd.Flags().StringVar(&flagDataDir, "data-dir", "", "State directory (overrides DATA_DIR)")

	rootCmd.AddCommand(serveCmd, scanCmd)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(exitConfigError)
	}
}

// setupLogging installs the process-wide slog handler. LOG_LEVEL accepts
// debug|info|warn|error.
func setupLogging() {
	level := slog.LevelInfo
	switch os.Getenv("LOG_LEVEL") {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(handler))
}

// envString returns the environment value or fallback.
func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// envInt returns the parsed environment value or fallback; a malformed value
// is a hard config error.
func envInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid %s=%q: %v\n", key, raw, err)
		os.Exit(exitConfigError)
	}
	return v
}

// envBool treats 1/true/yes as true, 0/false/no as false.
func envBool(key string, fallback bool) bool {
	switch os.Getenv(key) {
	case "1", "true", "yes":
		return true
	case "0", "false", "no":
		return false
	default:
		return fallback
	}
}
