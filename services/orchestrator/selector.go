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
	"fmt"
	"sort"
	"sync"

	"github.com/AleutianAI/Armada/services/registry"
)

// =============================================================================
// Model Selection
// =============================================================================

// ModelSource supplies the enabled model set (the registry store).
type ModelSource interface {
	EnabledModels() []registry.Model
}

// ReadyChecker answers whether a model currently has a READY server
// (the inference manager).
type ReadyChecker interface {
	IsReady(modelID string) bool
}

// Selector picks models from the READY enabled pool with per-tier
// round-robin and deterministic id ordering.
//
// Thread Safety: Selector is safe for concurrent use.
type Selector struct {
	mu       sync.Mutex
	counters map[registry.Tier]int
	source   ModelSource
	ready    ReadyChecker
}

// NewSelector creates a Selector over the given pool.
func NewSelector(source ModelSource, ready ReadyChecker) *Selector {
	return &Selector{
		counters: map[registry.Tier]int{},
		source:   source,
		ready:    ready,
	}
}

// readyPool returns READY enabled models sorted by id.
func (s *Selector) readyPool() []registry.Model {
	models := s.source.EnabledModels()
	pool := make([]registry.Model, 0, len(models))
	for _, m := range models {
		if s.ready.IsReady(m.ID) {
			pool = append(pool, m)
		}
	}
	sort.Slice(pool, func(i, j int) bool { return pool[i].ID < pool[j].ID })
	return pool
}

// ReadyModels exposes the current READY pool (benchmark mode iterates it).
func (s *Selector) ReadyModels() []registry.Model {
	return s.readyPool()
}

// Select picks one model at the requested tier.
//
// Description:
//
//	Within the tier, candidates are ordered by id and offset by a stateful
//	round-robin counter so repeated queries spread across equivalent
//	models while staying reproducible. When the tier is empty, falls back
//	to the nearest tier, preferring higher tiers for POWERFUL requests and
//	lower tiers for FAST.
//
// Outputs:
//   - registry.Model: the chosen model.
//   - bool: fallback — true when the model is not at the requested tier.
//   - error: NO_MODEL_AVAILABLE when the READY pool is empty.
func (s *Selector) Select(tier registry.Tier) (registry.Model, bool, error) {
	pool := s.readyPool()
	if len(pool) == 0 {
		return registry.Model{}, false, fmt.Errorf("no enabled model has a ready server")
	}
	inTier := filterTier(pool, tier)
	if len(inTier) > 0 {
		return s.roundRobin(tier, inTier), false, nil
	}
	// Fallback: order the rest by tier distance in the preferred direction.
	sort.SliceStable(pool, func(i, j int) bool {
		return tierPreference(tier, pool[i].EffectiveTier()) <
			tierPreference(tier, pool[j].EffectiveTier())
	})
	return pool[0], true, nil
}

// SelectCoder picks one coder model at any tier, preferring the assessed
// tier. Errors when no READY coder exists.
func (s *Selector) SelectCoder(tier registry.Tier) (registry.Model, error) {
	pool := s.readyPool()
	coders := pool[:0:0]
	for _, m := range pool {
		if m.IsCoder {
			coders = append(coders, m)
		}
	}
	if len(coders) == 0 {
		return registry.Model{}, fmt.Errorf("no enabled coder model has a ready server")
	}
	if inTier := filterTier(coders, tier); len(inTier) > 0 {
		return s.roundRobin(tier, inTier), nil
	}
	return coders[0], nil
}

// SelectDistinct picks up to n distinct models, one per tier where possible
// (FAST, BALANCED, POWERFUL preferred), topping up from the remaining pool.
// Returns fewer than n when the pool is smaller.
func (s *Selector) SelectDistinct(n int) []registry.Model {
	pool := s.readyPool()
	chosen := make([]registry.Model, 0, n)
	taken := map[string]bool{}
	for _, tier := range []registry.Tier{registry.TierFast, registry.TierBalanced, registry.TierPowerful} {
		if len(chosen) == n {
			break
		}
		for _, m := range filterTier(pool, tier) {
			if !taken[m.ID] {
				chosen = append(chosen, m)
				taken[m.ID] = true
				break
			}
		}
	}
	for _, m := range pool {
		if len(chosen) == n {
			break
		}
		if !taken[m.ID] {
			chosen = append(chosen, m)
			taken[m.ID] = true
		}
	}
	return chosen
}

// roundRobin returns candidates[counter % len] and advances the counter.
func (s *Selector) roundRobin(tier registry.Tier, candidates []registry.Model) registry.Model {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.counters[tier] % len(candidates)
	s.counters[tier]++
	return candidates[idx]
}

func filterTier(pool []registry.Model, tier registry.Tier) []registry.Model {
	out := []registry.Model{}
	for _, m := range pool {
		if m.EffectiveTier() == tier {
			out = append(out, m)
		}
	}
	return out
}

// tierPreference ranks a candidate tier's distance from the requested tier.
// POWERFUL requests prefer falling down (powerful→balanced→fast); FAST
// requests prefer falling up (fast→balanced→powerful); BALANCED prefers the
// nearer neighbor with POWERFUL winning ties.
func tierPreference(want, have registry.Tier) int {
	d := have.Rank() - want.Rank()
	switch want {
	case registry.TierPowerful:
		return -d // closer-to-powerful first
	case registry.TierFast:
		return d
	default:
		if d < 0 {
			return -d*2 + 1 // fast ranks after powerful for balanced requests
		}
		return d * 2
	}
}
