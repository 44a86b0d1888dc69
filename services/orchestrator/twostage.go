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
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/AleutianAI/Armada/services/pipeline"
	"github.com/AleutianAI/Armada/services/registry"
)

// =============================================================================
// Two-Stage Mode
// =============================================================================
//
// Stage 1: a BALANCED model drafts quickly with a capped token budget.
// Stage 2: a POWERFUL model refines the draft at the full budget. If stage 2
// fails or no POWERFUL-or-better model is available, the draft is returned
// as-is with Degraded set. A stage-1 failure fails the query.

// stage1MaxTokens caps the draft so stage 1 stays fast.
const stage1MaxTokens = 500

const refineTemplate = `You previously drafted an answer to a question. Improve it: fix errors, add missing depth, and tighten the prose. Return only the improved answer.

Question:
%s

Draft answer:
%s`

func (o *Orchestrator) runTwoStage(ctx context.Context, q *query, logger *slog.Logger) (string, error) {
	o.startStage(q.id, pipeline.StageRouting)
	decisionStart := time.Now()
	draftModel, draftFB, err := o.selector.Select(registry.TierBalanced)
	if err != nil {
		serr := newQueryError(CodeNoModel, q.id, "%v", err)
		o.failStage(q.id, pipeline.StageRouting, serr)
		return "", serr
	}
	o.routing.RecordDecision(q.assessment.Score, draftModel.EffectiveTier(), draftFB, time.Since(decisionStart))

	refineModel, refineFB, refineErr := o.selector.Select(registry.TierPowerful)
	refineUsable := refineErr == nil && refineModel.ID != draftModel.ID
	q.meta.ModelID = draftModel.ID
	q.meta.Tier = string(draftModel.EffectiveTier())
	routingMD := map[string]any{
		"stage1ModelId": draftModel.ID,
	}
	if refineUsable {
		routingMD["stage2ModelId"] = refineModel.ID
		routingMD["stage2Fallback"] = refineFB
	}
	o.completeStage(q.id, pipeline.StageRouting, routingMD)

	o.startStage(q.id, pipeline.StageGeneration)

	draftStart := time.Now()
	draft, err := o.call(ctx, q, draftModel, q.prompt(), stage1MaxTokens, q.temperature)
	if err != nil {
		err = fmt.Errorf("stage 1 (%s): %w", draftModel.ID, err)
		o.failStage(q.id, pipeline.StageGeneration, err)
		return "", err
	}
	q.meta.Stage1 = &StageDetail{
		ModelID:    draftModel.ID,
		Tier:       string(draftModel.EffectiveTier()),
		DurationMS: time.Since(draftStart).Milliseconds(),
		Tokens:     draft.TokensGenerated,
	}

	if !refineUsable {
		q.meta.Degraded = true
		logger.Warn("two-stage degraded: no distinct refinement model", "stage1_model", draftModel.ID)
		o.completeStage(q.id, pipeline.StageGeneration, map[string]any{
			"degraded": true, "reason": "no refinement model",
		})
		return draft.Text, nil
	}

	refineStart := time.Now()
	prompt := fmt.Sprintf(refineTemplate, q.prompt(), draft.Text)
	refined, err := o.call(ctx, q, refineModel, prompt, q.maxTokens, q.temperature)
	if err != nil {
		// Draft still answers the question; degrade instead of failing.
		q.meta.Degraded = true
		logger.Warn("two-stage degraded: refinement failed",
			"stage2_model", refineModel.ID, "error", err)
		o.completeStage(q.id, pipeline.StageGeneration, map[string]any{
			"degraded": true, "reason": err.Error(),
		})
		return draft.Text, nil
	}
	q.meta.Stage2 = &StageDetail{
		ModelID:    refineModel.ID,
		Tier:       string(refineModel.EffectiveTier()),
		DurationMS: time.Since(refineStart).Milliseconds(),
		Tokens:     refined.TokensGenerated,
	}
	q.meta.ModelID = refineModel.ID
	q.meta.Tier = string(refineModel.EffectiveTier())
	o.completeStage(q.id, pipeline.StageGeneration, map[string]any{
		"stage1Tokens": draft.TokensGenerated,
		"stage2Tokens": refined.TokensGenerated,
	})
	return refined.Text, nil
}
