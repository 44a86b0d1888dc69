// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package orchestrator

import (
	"testing"

	"github.com/AleutianAI/Armada/services/registry"
)

// =============================================================================
// Fakes
// =============================================================================

type fakeSource struct{ models []registry.Model }

func (f *fakeSource) EnabledModels() []registry.Model { return f.models }

// fakeReady marks every model READY except those listed down.
type fakeReady struct{ down map[string]bool }

func (f *fakeReady) IsReady(id string) bool { return !f.down[id] }

func testModel(id string, tier registry.Tier) registry.Model {
	return registry.Model{
		ID:           id,
		Family:       id,
		SizeParams:   7,
		Quantization: registry.QuantQ4KM,
		AssignedTier: tier,
		Enabled:      true,
	}
}

func newTestSelector(models ...registry.Model) *Selector {
	return NewSelector(&fakeSource{models: models}, &fakeReady{})
}

// =============================================================================
// Select Tests
// =============================================================================

func TestSelect_RoundRobinWithinTier(t *testing.T) {
	s := newTestSelector(
		testModel("fast_a", registry.TierFast),
		testModel("fast_b", registry.TierFast),
	)
	var picks []string
	for i := 0; i < 4; i++ {
		m, fellBack, err := s.Select(registry.TierFast)
		if err != nil {
			t.Fatalf("Select: %v", err)
		}
		if fellBack {
			t.Error("in-tier pick reported as fallback")
		}
		picks = append(picks, m.ID)
	}
	want := []string{"fast_a", "fast_b", "fast_a", "fast_b"}
	for i := range want {
		if picks[i] != want[i] {
			t.Fatalf("picks = %v, want %v", picks, want)
		}
	}
}

func TestSelect_EmptyPoolErrors(t *testing.T) {
	s := newTestSelector()
	if _, _, err := s.Select(registry.TierFast); err == nil {
		t.Error("empty pool should error")
	}
}

func TestSelect_SkipsNotReadyModels(t *testing.T) {
	s := NewSelector(
		&fakeSource{models: []registry.Model{
			testModel("fast_a", registry.TierFast),
			testModel("fast_b", registry.TierFast),
		}},
		&fakeReady{down: map[string]bool{"fast_a": true}},
	)
	for i := 0; i < 3; i++ {
		m, _, err := s.Select(registry.TierFast)
		if err != nil {
			t.Fatalf("Select: %v", err)
		}
		if m.ID != "fast_b" {
			t.Errorf("selected %q with its server down", m.ID)
		}
	}
}

func TestSelect_PowerfulFallsDownward(t *testing.T) {
	s := newTestSelector(
		testModel("fast_a", registry.TierFast),
		testModel("bal_a", registry.TierBalanced),
	)
	m, fellBack, err := s.Select(registry.TierPowerful)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if !fellBack {
		t.Error("cross-tier pick must report fallback")
	}
	if m.ID != "bal_a" {
		t.Errorf("selected %q, want the nearest lower tier bal_a", m.ID)
	}
}

func TestSelect_FastFallsUpward(t *testing.T) {
	s := newTestSelector(
		testModel("bal_a", registry.TierBalanced),
		testModel("pow_a", registry.TierPowerful),
	)
	m, fellBack, err := s.Select(registry.TierFast)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if !fellBack || m.ID != "bal_a" {
		t.Errorf("selected %q (fallback=%v), want bal_a via the nearest higher tier", m.ID, fellBack)
	}
}

func TestSelect_BalancedPrefersPowerfulNeighbor(t *testing.T) {
	s := newTestSelector(
		testModel("fast_a", registry.TierFast),
		testModel("pow_a", registry.TierPowerful),
	)
	m, fellBack, err := s.Select(registry.TierBalanced)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if !fellBack || m.ID != "pow_a" {
		t.Errorf("selected %q (fallback=%v), want pow_a on the balanced tie-break", m.ID, fellBack)
	}
}

func TestSelect_TierOverrideRespected(t *testing.T) {
	override := registry.TierPowerful
	m := testModel("fast_a", registry.TierFast)
	m.TierOverride = &override
	s := newTestSelector(m, testModel("fast_b", registry.TierFast))

	got, fellBack, err := s.Select(registry.TierPowerful)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if fellBack || got.ID != "fast_a" {
		t.Errorf("selected %q (fallback=%v), want the overridden fast_a in tier", got.ID, fellBack)
	}
}

// =============================================================================
// SelectCoder Tests
// =============================================================================

func TestSelectCoder(t *testing.T) {
	coder := testModel("coder_a", registry.TierBalanced)
	coder.IsCoder = true
	s := newTestSelector(testModel("fast_a", registry.TierFast), coder)

	m, err := s.SelectCoder(registry.TierFast)
	if err != nil {
		t.Fatalf("SelectCoder: %v", err)
	}
	if m.ID != "coder_a" {
		t.Errorf("selected %q, want the only coder", m.ID)
	}
}

func TestSelectCoder_NoneAvailable(t *testing.T) {
	s := newTestSelector(testModel("fast_a", registry.TierFast))
	if _, err := s.SelectCoder(registry.TierFast); err == nil {
		t.Error("expected error with no coder in the pool")
	}
}

// =============================================================================
// SelectDistinct Tests
// =============================================================================

func TestSelectDistinct_OnePerTier(t *testing.T) {
	s := newTestSelector(
		testModel("fast_a", registry.TierFast),
		testModel("fast_b", registry.TierFast),
		testModel("bal_a", registry.TierBalanced),
		testModel("pow_a", registry.TierPowerful),
	)
	members := s.SelectDistinct(3)
	if len(members) != 3 {
		t.Fatalf("members = %d, want 3", len(members))
	}
	tiers := map[registry.Tier]bool{}
	for _, m := range members {
		tiers[m.EffectiveTier()] = true
	}
	if len(tiers) != 3 {
		t.Errorf("members span %d tiers, want one per tier: %+v", len(tiers), members)
	}
}

func TestSelectDistinct_TopsUpFromPool(t *testing.T) {
	s := newTestSelector(
		testModel("fast_a", registry.TierFast),
		testModel("fast_b", registry.TierFast),
		testModel("fast_c", registry.TierFast),
	)
	members := s.SelectDistinct(3)
	if len(members) != 3 {
		t.Fatalf("members = %d, want 3 from a single-tier pool", len(members))
	}
	seen := map[string]bool{}
	for _, m := range members {
		if seen[m.ID] {
			t.Errorf("duplicate member %q", m.ID)
		}
		seen[m.ID] = true
	}
}

func TestSelectDistinct_SmallPool(t *testing.T) {
	s := newTestSelector(testModel("fast_a", registry.TierFast))
	if got := len(s.SelectDistinct(3)); got != 1 {
		t.Errorf("members = %d, want 1 when the pool is smaller", got)
	}
}
