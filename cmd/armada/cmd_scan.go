// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/Armada/services/registry"
	"github.com/AleutianAI/Armada/services/settings"
)

// runScanCommand discovers models once and prints the registry table. It
// persists the result so a following `serve` starts from the same view.
func runScanCommand(_ *cobra.Command, _ []string) {
	setupLogging()
	dataDir := resolveDataDir()
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		slog.Error("cannot create data directory", "path", dataDir, "error", err)
		os.Exit(exitConfigError)
	}

	settingsStore, err := settings.NewStore(filepath.Join(dataDir, "settings.json"), settingsFromEnv())
	if err != nil {
		slog.Error("settings load failed", "error", err)
		os.Exit(exitConfigError)
	}
	doc := settingsStore.Get()

	regStore, err := registry.NewStore(registry.Config{
		ScanPath: doc.ScanPath,
		PortRange: registry.PortRange{
			Start: doc.PortRangeStart,
			End:   doc.PortRangeEnd,
		},
		TierThresholds: registry.TierThresholds{
			PowerfulMin: doc.PowerfulMinBillions,
			FastMax:     doc.FastMaxBillions,
		},
		PersistPath: filepath.Join(dataDir, "model_registry.json"),
	})
	if err != nil {
		slog.Error("registry load failed", "error", err)
		os.Exit(exitConfigError)
	}
	reg, err := regStore.Rescan()
	if err != nil {
		slog.Error("scan failed", "scan_path", doc.ScanPath, "error", err)
		os.Exit(exitConfigError)
	}

	models := make([]*registry.Model, 0, len(reg.Models))
	for _, m := range reg.Models {
		models = append(models, m)
	}
	sort.Slice(models, func(i, j int) bool { return models[i].ID < models[j].ID })

	w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tSIZE\tQUANT\tTIER\tPORT\tENABLED")
	for _, m := range models {
		fmt.Fprintf(w, "%s\t%s\t%.1fB\t%s\t%s\t%d\t%v\n",
			m.ID, m.DisplayName(), m.SizeParams, m.Quantization,
			m.EffectiveTier(), m.Port, m.Enabled)
	}
	w.Flush()

	for _, warning := range reg.Warnings {
		fmt.Fprintf(os.Stderr, "warning: %s\n", warning)
	}
	fmt.Printf("\n%d models under %s\n", len(models), reg.ScanPath)
}
