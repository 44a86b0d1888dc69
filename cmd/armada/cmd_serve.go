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
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/Armada/services/allocation"
	"github.com/AleutianAI/Armada/services/api"
	"github.com/AleutianAI/Armada/services/cgrag"
	"github.com/AleutianAI/Armada/services/events"
	"github.com/AleutianAI/Armada/services/inference"
	"github.com/AleutianAI/Armada/services/metrics"
	"github.com/AleutianAI/Armada/services/observability"
	"github.com/AleutianAI/Armada/services/orchestrator"
	"github.com/AleutianAI/Armada/services/pipeline"
	"github.com/AleutianAI/Armada/services/registry"
	"github.com/AleutianAI/Armada/services/settings"
)

// resolveDataDir picks the state directory: --data-dir flag, DATA_DIR env,
// then ~/.armada.
func resolveDataDir() string {
	if flagDataDir != "" {
		return flagDataDir
	}
	if env := os.Getenv("DATA_DIR"); env != "" {
		return env
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".armada"
	}
	return filepath.Join(home, ".armada")
}

// settingsFromEnv layers the documented environment overrides onto the
// defaults. The persisted settings document, when present, wins over both.
func settingsFromEnv() settings.Settings {
	doc := settings.Defaults()
	doc.ScanPath = envString("SCAN_PATH", doc.ScanPath)
	doc.InferenceBinaryPath = envString("INFERENCE_BINARY_PATH", doc.InferenceBinaryPath)
	doc.BindHost = envString("BIND_HOST", doc.BindHost)
	doc.PortRangeStart = envInt("PORT_RANGE_START", doc.PortRangeStart)
	doc.PortRangeEnd = envInt("PORT_RANGE_END", doc.PortRangeEnd)
	doc.MaxStartupSeconds = envInt("MAX_STARTUP_SECONDS", doc.MaxStartupSeconds)
	doc.ConcurrentStarts = envBool("CONCURRENT_STARTS", doc.ConcurrentStarts)
	return doc
}

func runServeCommand(_ *cobra.Command, _ []string) {
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

	if _, err := os.Stat(doc.InferenceBinaryPath); err != nil {
		slog.Error("inference binary not found",
			"path", doc.InferenceBinaryPath, "error", err)
		os.Exit(exitBinaryMissing)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.Setup(ctx, "armada")
	if err != nil {
		slog.Error("tracing setup failed", "error", err)
		os.Exit(exitConfigError)
	}

	bus := events.NewBus(events.DefaultSubscriberBuffer)

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
	if _, err := regStore.Rescan(); err != nil {
		slog.Error("initial model scan failed", "scan_path", doc.ScanPath, "error", err)
		os.Exit(exitConfigError)
	}
	slog.Info("model discovery complete", "models", len(regStore.Snapshot().Models))

	manager, err := inference.NewManager(inference.Config{
		BinaryPath:       doc.InferenceBinaryPath,
		BindHost:         doc.BindHost,
		ContextSize:      doc.ContextSize,
		MaxStartup:       time.Duration(doc.MaxStartupSeconds) * time.Second,
		StopGrace:        time.Duration(doc.StopGraceSeconds) * time.Second,
		ConcurrentStarts: doc.ConcurrentStarts,
		CallTimeout:      time.Duration(doc.CallTimeoutSeconds) * time.Second,
	}, bus)
	if err != nil {
		slog.Error("inference manager init failed", "error", err)
		os.Exit(exitConfigError)
	}

	tracker := pipeline.NewTracker(bus)
	allocator := allocation.NewAllocator()
	aggregator := metrics.NewAggregator(func(id string) string {
		if m, ok := regStore.Get(id); ok {
			return m.DisplayName()
		}
		return id
	})

	var retriever cgrag.Retriever = cgrag.Disabled{}
	if ep := settingsStore.Get().CGRAGEndpoint; ep != "" {
		retriever = cgrag.NewHTTPRetriever(ep, 30*time.Second)
	}

	cache, err := orchestrator.NewResponseCache()
	if err != nil {
		slog.Error("response cache init failed", "error", err)
		os.Exit(exitConfigError)
	}
	defer cache.Close()

	orch := orchestrator.New(orchestrator.Deps{
		Selector:  orchestrator.NewSelector(regStore, manager),
		Caller:    manager,
		Retriever: retriever,
		Tracker:   tracker,
		Bus:       bus,
		Metrics:   aggregator,
		Allocator: allocator,
		Cache:     cache,
		Config: func() orchestrator.Config {
			d := settingsStore.Get()
			return orchestrator.Config{
				CGRAGBudget:        d.CGRAGTokenBudget,
				ContextWindow:      d.ContextSize,
				CallTimeout:        time.Duration(d.CallTimeoutSeconds) * time.Second,
				QueryTimeout:       time.Duration(d.QueryTimeoutSeconds) * time.Second,
				BenchmarkCap:       d.BenchmarkConcurrentCap,
				DefaultMaxTokens:   d.DefaultMaxTokens,
				DefaultTemperature: d.DefaultTemperature,
			}
		},
	})

	// Background maintenance loops; all exit with ctx.
	go tracker.RunCleanup(ctx, pipeline.DefaultCleanupInterval)
	go aggregator.RunCleanup(ctx, time.Hour)
	go allocator.RunCleanup(ctx, 10*time.Minute)
	go watchScanPath(ctx, regStore, bus, doc.ScanPath)

	// Bring up the enabled fleet before accepting queries.
	for _, outcome := range manager.StartAll(ctx, regStore.EnabledModels()) {
		if outcome.Error != "" {
			slog.Warn("server start failed at boot",
				"model_id", outcome.ModelID, "error", outcome.Error)
		}
	}

	handlers := api.NewHandlers(api.Handlers{
		Registry:    regStore,
		Manager:     manager,
		Orch:        orch,
		Tracker:     tracker,
		Allocator:   allocator,
		Aggregator:  aggregator,
		Settings:    settingsStore,
		Bus:         bus,
		ProfilesDir: filepath.Join(dataDir, "profiles"),
	})

	gin.SetMode(gin.ReleaseMode)
	router := api.NewRouter(handlers)
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", flagPort),
		Handler: router,
	}

	go func() {
		slog.Info("api server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("api server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown incomplete", "error", err)
	}
	manager.StopAll()
	if err := shutdownTracing(shutdownCtx); err != nil {
		slog.Warn("trace flush incomplete", "error", err)
	}
	slog.Info("shutdown complete")
}

// watchScanPath runs the fsnotify loop: every debounced change emits a
// model_directory_changed event and triggers a rescan so the registry
// converges without a manual POST /models/rescan.
func watchScanPath(ctx context.Context, regStore *registry.Store, bus *events.Bus, scanPath string) {
	err := registry.Watch(ctx, scanPath, func(path, op string) {
		bus.EmitSystem(events.TypeModelDirChanged, events.SeverityInfo,
			"model directory changed", map[string]any{"path": path, "op": op})
		if _, err := regStore.Rescan(); err != nil {
			slog.Warn("rescan after directory change failed", "error", err)
		}
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		slog.Warn("scan path watcher stopped", "error", err)
	}
}
