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
	"strings"

	"github.com/AleutianAI/Armada/services/registry"
)

// =============================================================================
// Complexity Assessment
// =============================================================================
//
// A pure heuristic over the query text. It only has to be good enough to
// route between tiers; the user can always force a mode. Features: length,
// reasoning keywords, coding keywords, analysis keywords, question depth.

// Assessment is the result of scoring one query.
type Assessment struct {
	Score     float64       `json:"score"` // 0..10
	Tier      registry.Tier `json:"tier"`
	Reasoning string        `json:"reasoning"`
}

var (
	reasoningKeywords = []string{
		"why", "explain", "reason", "prove", "derive", "step by step",
		"think through", "trade-off", "tradeoff", "implications", "compare",
	}
	codingKeywords = []string{
		"code", "function", "implement", "debug", "compile", "refactor",
		"algorithm", "api", "regex", "sql", "goroutine", "class", "bug",
	}
	analysisKeywords = []string{
		"analyze", "analyse", "evaluate", "assess", "summarize", "design",
		"architecture", "optimize", "strategy", "distributed", "scalab",
	}
)

// tier cut points on the 0-10 score.
const (
	fastMaxScore     = 3.0
	balancedMaxScore = 6.5
)

// Assess scores a query's complexity on [0,10] and maps it to a tier.
//
// Description:
//
//	Length contributes up to 3 points (saturating at ~120 words); each
//	keyword family contributes up to ~2.3 points with diminishing returns.
//	Deterministic: the same text always yields the same assessment.
func Assess(query string) Assessment {
	lower := strings.ToLower(query)
	words := len(strings.Fields(lower))

	lengthScore := float64(words) / 40.0
	if lengthScore > 3 {
		lengthScore = 3
	}
	reasonScore := keywordScore(lower, reasoningKeywords)
	codeScore := keywordScore(lower, codingKeywords)
	analysisScore := keywordScore(lower, analysisKeywords)

	score := lengthScore + reasonScore + codeScore + analysisScore
	if score > 10 {
		score = 10
	}

	tier := registry.TierBalanced
	switch {
	case score < fastMaxScore:
		tier = registry.TierFast
	case score > balancedMaxScore:
		tier = registry.TierPowerful
	}

	return Assessment{
		Score: score,
		Tier:  tier,
		Reasoning: fmt.Sprintf(
			"length=%.1f reasoning=%.1f coding=%.1f analysis=%.1f (%d words)",
			lengthScore, reasonScore, codeScore, analysisScore, words),
	}
}

// keywordScore awards 1.0 for the first hit, 0.8 for the second, 0.5 for
// the third; further hits add nothing.
func keywordScore(lower string, keywords []string) float64 {
	hits := 0
	for _, kw := range keywords {
		if strings.Contains(lower, kw) {
			hits++
		}
	}
	switch {
	case hits == 0:
		return 0
	case hits == 1:
		return 1.0
	case hits == 2:
		return 1.8
	default:
		return 2.3
	}
}

// complexityBucket coarsens a score for the routing decision matrix.
func complexityBucket(score float64) string {
	switch {
	case score < fastMaxScore:
		return "low"
	case score <= balancedMaxScore:
		return "medium"
	default:
		return "high"
	}
}
