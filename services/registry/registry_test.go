// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package registry

import (
	"os"
	"path/filepath"
	"testing"
)

// =============================================================================
// Helpers
// =============================================================================

// newTestStore builds a Store over a temp scan dir populated with the given
// fake model files.
func newTestStore(t *testing.T, files ...string) (*Store, string) {
	t.Helper()
	scanDir := t.TempDir()
	for _, name := range files {
		writeFakeModel(t, scanDir, name, 1024)
	}
	store, err := NewStore(Config{
		ScanPath:       scanDir,
		PortRange:      PortRange{Start: 8100, End: 8110},
		TierThresholds: DefaultTierThresholds(),
		PersistPath:    filepath.Join(t.TempDir(), "model_registry.json"),
	})
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return store, scanDir
}

func writeFakeModel(t *testing.T, dir, name string, size int) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), make([]byte, size), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

// =============================================================================
// Discovery / Rescan Tests
// =============================================================================

func TestRescan_DiscoversModels(t *testing.T) {
	store, _ := newTestStore(t,
		"llama-13b-q5_k_m.gguf",
		"mistral-7b-q4_k_m.gguf",
	)
	reg, err := store.Rescan()
	if err != nil {
		t.Fatalf("Rescan: %v", err)
	}
	if len(reg.Models) != 2 {
		t.Fatalf("models = %d, want 2", len(reg.Models))
	}
	for id, m := range reg.Models {
		if m.Port < 8100 || m.Port > 8110 {
			t.Errorf("%s: port %d outside range", id, m.Port)
		}
		if m.Enabled {
			t.Errorf("%s: new models must start disabled", id)
		}
	}
}

func TestRescan_IgnoresNonGGUF(t *testing.T) {
	store, dir := newTestStore(t, "llama-13b-q5_k_m.gguf")
	writeFakeModel(t, dir, "readme.txt", 10)
	writeFakeModel(t, dir, "weights.bin", 10)
	reg, err := store.Rescan()
	if err != nil {
		t.Fatalf("Rescan: %v", err)
	}
	if len(reg.Models) != 1 {
		t.Errorf("models = %d, want 1", len(reg.Models))
	}
}

func TestRescan_PreservesOverridesAndPorts(t *testing.T) {
	store, dir := newTestStore(t, "llama-13b-q5_k_m.gguf")
	reg, err := store.Rescan()
	if err != nil {
		t.Fatalf("first rescan: %v", err)
	}
	var id string
	var port int
	for mid, m := range reg.Models {
		id, port = mid, m.Port
	}

	override := TierFast
	if err := store.UpdateTier(id, &override); err != nil {
		t.Fatalf("UpdateTier: %v", err)
	}
	if _, err := store.ToggleEnabled(id, true); err != nil {
		t.Fatalf("ToggleEnabled: %v", err)
	}
	writeFakeModel(t, dir, "qwen-32b-q6_k.gguf", 2048)

	reg, err = store.Rescan()
	if err != nil {
		t.Fatalf("second rescan: %v", err)
	}
	if len(reg.Models) != 2 {
		t.Fatalf("models = %d, want 2", len(reg.Models))
	}
	m := reg.Models[id]
	if m == nil {
		t.Fatalf("model %s vanished across rescan", id)
	}
	if m.TierOverride == nil || *m.TierOverride != TierFast {
		t.Error("tier override lost across rescan")
	}
	if !m.Enabled {
		t.Error("enabled flag lost across rescan")
	}
	if m.Port != port {
		t.Errorf("port changed across rescan: %d -> %d", port, m.Port)
	}
}

func TestRescan_VanishedEnabledModelRetained(t *testing.T) {
	store, dir := newTestStore(t, "llama-13b-q5_k_m.gguf", "mistral-7b-q4_k_m.gguf")
	reg, err := store.Rescan()
	if err != nil {
		t.Fatalf("Rescan: %v", err)
	}
	var enabledID string
	for id := range reg.Models {
		enabledID = id
		break
	}
	if _, err := store.ToggleEnabled(enabledID, true); err != nil {
		t.Fatalf("ToggleEnabled: %v", err)
	}

	// Remove every file: the enabled model must survive flagged Missing,
	// the disabled one must drop.
	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		os.Remove(filepath.Join(dir, e.Name()))
	}
	reg, err = store.Rescan()
	if err != nil {
		t.Fatalf("rescan after removal: %v", err)
	}
	if len(reg.Models) != 1 {
		t.Fatalf("models = %d, want 1 (enabled survivor)", len(reg.Models))
	}
	m := reg.Models[enabledID]
	if m == nil {
		t.Fatalf("enabled model %s dropped", enabledID)
	}
	if !m.Missing {
		t.Error("surviving model should be flagged missing")
	}
	if len(reg.Warnings) == 0 {
		t.Error("expected a warning about the vanished enabled model")
	}
}

func TestRescan_PortAllocationDeterministic(t *testing.T) {
	files := []string{
		"llama-13b-q5_k_m.gguf",
		"mistral-7b-q4_k_m.gguf",
		"qwen-32b-q6_k.gguf",
	}
	a, _ := newTestStore(t, files...)
	b, _ := newTestStore(t, files...)
	regA, err := a.Rescan()
	if err != nil {
		t.Fatalf("Rescan a: %v", err)
	}
	regB, err := b.Rescan()
	if err != nil {
		t.Fatalf("Rescan b: %v", err)
	}
	for id, m := range regA.Models {
		if regB.Models[id] == nil || regB.Models[id].Port != m.Port {
			t.Errorf("%s: port differs across identical stores", id)
		}
	}
}

func TestRescan_PortRangeExhausted(t *testing.T) {
	scanDir := t.TempDir()
	writeFakeModel(t, scanDir, "llama-13b-q5_k_m.gguf", 10)
	writeFakeModel(t, scanDir, "mistral-7b-q4_k_m.gguf", 10)
	store, err := NewStore(Config{
		ScanPath:       scanDir,
		PortRange:      PortRange{Start: 8100, End: 8100},
		TierThresholds: DefaultTierThresholds(),
	})
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if _, err := store.Rescan(); err == nil {
		t.Error("expected error with one port for two models")
	}
}

// =============================================================================
// Persistence Tests
// =============================================================================

func TestPersistence_RoundTrip(t *testing.T) {
	scanDir := t.TempDir()
	writeFakeModel(t, scanDir, "llama-13b-q5_k_m.gguf", 10)
	persist := filepath.Join(t.TempDir(), "model_registry.json")
	cfg := Config{
		ScanPath:       scanDir,
		PortRange:      PortRange{Start: 8100, End: 8110},
		TierThresholds: DefaultTierThresholds(),
		PersistPath:    persist,
	}

	store, err := NewStore(cfg)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	reg, err := store.Rescan()
	if err != nil {
		t.Fatalf("Rescan: %v", err)
	}
	var id string
	for mid := range reg.Models {
		id = mid
	}
	if _, err := store.ToggleEnabled(id, true); err != nil {
		t.Fatalf("ToggleEnabled: %v", err)
	}

	reopened, err := NewStore(cfg)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	m, ok := reopened.Get(id)
	if !ok {
		t.Fatalf("model %s not persisted", id)
	}
	if !m.Enabled {
		t.Error("enabled flag not persisted")
	}
}

func TestNewStore_CorruptDocumentErrors(t *testing.T) {
	persist := filepath.Join(t.TempDir(), "model_registry.json")
	if err := os.WriteFile(persist, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := NewStore(Config{ScanPath: t.TempDir(), PersistPath: persist})
	if err == nil {
		t.Error("expected error for corrupt registry document")
	}
}

// =============================================================================
// Mutation Tests
// =============================================================================

func TestToggleEnabled_Idempotent(t *testing.T) {
	store, _ := newTestStore(t, "llama-13b-q5_k_m.gguf")
	reg, _ := store.Rescan()
	var id string
	for mid := range reg.Models {
		id = mid
	}
	m1, err := store.ToggleEnabled(id, true)
	if err != nil {
		t.Fatalf("first toggle: %v", err)
	}
	m2, err := store.ToggleEnabled(id, true)
	if err != nil {
		t.Fatalf("second toggle: %v", err)
	}
	if m1.Enabled != m2.Enabled {
		t.Error("repeated toggle changed state")
	}
}

func TestMutations_UnknownID(t *testing.T) {
	store, _ := newTestStore(t)
	if err := store.UpdateTier("nope", nil); err == nil {
		t.Error("UpdateTier on unknown id should error")
	}
	if err := store.UpdateThinking("nope", true); err == nil {
		t.Error("UpdateThinking on unknown id should error")
	}
	if _, err := store.ToggleEnabled("nope", true); err == nil {
		t.Error("ToggleEnabled on unknown id should error")
	}
}

func TestUpdateThinking_ReassignsTier(t *testing.T) {
	store, _ := newTestStore(t, "mistral-7b-q4_k_m.gguf")
	reg, _ := store.Rescan()
	var id string
	for mid, m := range reg.Models {
		id = mid
		if m.AssignedTier != TierFast {
			t.Fatalf("precondition: tier = %q, want fast", m.AssignedTier)
		}
	}
	if err := store.UpdateThinking(id, true); err != nil {
		t.Fatalf("UpdateThinking: %v", err)
	}
	m, _ := store.Get(id)
	if m.EffectiveTier() != TierPowerful {
		t.Errorf("tier = %q, want powerful after thinking override", m.EffectiveTier())
	}
}

// =============================================================================
// VRAM Estimate Tests
// =============================================================================

func TestEstimateVRAM(t *testing.T) {
	store, _ := newTestStore(t, "llama-13b-q5_k_m.gguf")
	reg, err := store.Rescan()
	if err != nil {
		t.Fatalf("Rescan: %v", err)
	}
	for id := range reg.Models {
		if _, err := store.ToggleEnabled(id, true); err != nil {
			t.Fatalf("ToggleEnabled: %v", err)
		}
	}
	est := store.EstimateVRAM(16384)
	if len(est.Models) != 1 {
		t.Fatalf("models = %d, want 1", len(est.Models))
	}
	if est.Models[0].TotalGB <= 0 {
		t.Error("estimate must be positive")
	}
	if est.TotalGB != est.Models[0].TotalGB {
		t.Error("fleet total should equal the single model's estimate")
	}
}
