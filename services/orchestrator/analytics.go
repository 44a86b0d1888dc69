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
	"sort"
	"sync"
	"time"

	"github.com/AleutianAI/Armada/services/registry"
)

// =============================================================================
// Routing Analytics
// =============================================================================
//
// Backs GET /api/metrics/routing: how often each complexity bucket landed on
// each tier, how often selection fell back outside the requested tier, and
// how long decisions took.

// DecisionCell is one (complexity bucket, tier) cell of the decision matrix.
type DecisionCell struct {
	Complexity string  `json:"complexity"`
	Tier       string  `json:"tier"`
	Count      int     `json:"count"`
	AvgScore   float64 `json:"avgScore"`
}

// AccuracyMetrics aggregates decision quality counters.
type AccuracyMetrics struct {
	TotalDecisions    int     `json:"totalDecisions"`
	AvgDecisionTimeMS float64 `json:"avgDecisionTimeMs"`
	FallbackRate      float64 `json:"fallbackRate"`
}

// TierAvailability is the READY/enabled split for one tier.
type TierAvailability struct {
	Tier      string `json:"tier"`
	Available int    `json:"available"`
	Total     int    `json:"total"`
}

// RoutingReport is the full analytics payload.
type RoutingReport struct {
	DecisionMatrix    []DecisionCell     `json:"decisionMatrix"`
	AccuracyMetrics   AccuracyMetrics    `json:"accuracyMetrics"`
	ModelAvailability []TierAvailability `json:"modelAvailability"`
}

type cellKey struct {
	complexity string
	tier       string
}

type cellAcc struct {
	count    int
	scoreSum float64
}

// RoutingStats accumulates routing decisions.
//
// Thread Safety: safe for concurrent use.
type RoutingStats struct {
	mu            sync.Mutex
	cells         map[cellKey]*cellAcc
	decisions     int
	fallbacks     int
	decisionNanos int64
}

// NewRoutingStats creates an empty collector.
func NewRoutingStats() *RoutingStats {
	return &RoutingStats{cells: map[cellKey]*cellAcc{}}
}

// RecordDecision adds one routing outcome.
func (r *RoutingStats) RecordDecision(score float64, tier registry.Tier, fallback bool, took time.Duration) {
	key := cellKey{complexity: complexityBucket(score), tier: string(tier)}
	r.mu.Lock()
	defer r.mu.Unlock()
	acc, ok := r.cells[key]
	if !ok {
		acc = &cellAcc{}
		r.cells[key] = acc
	}
	acc.count++
	acc.scoreSum += score
	r.decisions++
	if fallback {
		r.fallbacks++
	}
	r.decisionNanos += took.Nanoseconds()
}

// Report renders the analytics payload, joining in current availability.
func (r *RoutingStats) Report(source ModelSource, ready ReadyChecker) RoutingReport {
	r.mu.Lock()
	cells := make([]DecisionCell, 0, len(r.cells))
	for k, acc := range r.cells {
		cells = append(cells, DecisionCell{
			Complexity: k.complexity,
			Tier:       k.tier,
			Count:      acc.count,
			AvgScore:   acc.scoreSum / float64(acc.count),
		})
	}
	acc := AccuracyMetrics{TotalDecisions: r.decisions}
	if r.decisions > 0 {
		acc.AvgDecisionTimeMS = float64(r.decisionNanos) / float64(r.decisions) / 1e6
		acc.FallbackRate = float64(r.fallbacks) / float64(r.decisions)
	}
	r.mu.Unlock()

	sort.Slice(cells, func(i, j int) bool {
		if cells[i].Complexity != cells[j].Complexity {
			return cells[i].Complexity < cells[j].Complexity
		}
		return cells[i].Tier < cells[j].Tier
	})

	availability := []TierAvailability{}
	for _, tier := range []registry.Tier{registry.TierFast, registry.TierBalanced, registry.TierPowerful} {
		ta := TierAvailability{Tier: string(tier)}
		for _, m := range source.EnabledModels() {
			if m.EffectiveTier() != tier {
				continue
			}
			ta.Total++
			if ready.IsReady(m.ID) {
				ta.Available++
			}
		}
		availability = append(availability, ta)
	}
	return RoutingReport{
		DecisionMatrix:    cells,
		AccuracyMetrics:   acc,
		ModelAvailability: availability,
	}
}
