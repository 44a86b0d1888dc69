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
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/AleutianAI/Armada/services/pipeline"
	"github.com/AleutianAI/Armada/services/registry"
)

// =============================================================================
// Council Mode
// =============================================================================
//
// Consensus council: up to three models (one per tier where possible) answer
// independently, cross-review each other's answers, and the strongest
// participant synthesizes the final response. Two participants are enough to
// proceed; below two the query fails with NO_MODEL_AVAILABLE.
//
// Adversarial council: two models argue assigned PRO and CON positions
// through openings and rebuttals, then a moderator synthesizes a balanced
// verdict at a fixed low temperature.

const (
	councilSize        = 3
	councilMinQuorum   = 2
	councilRoundTokens = 500
	moderatorTemp      = 0.5
)

// synthesisTempFactor cools the synthesizer relative to the query
// temperature so the merge stays faithful to the inputs.
const synthesisTempFactor = 0.8

type councilAnswer struct {
	model  registry.Model
	text   string
	failed bool
}

func (o *Orchestrator) runCouncil(ctx context.Context, q *query, logger *slog.Logger) (string, error) {
	o.startStage(q.id, pipeline.StageRouting)
	decisionStart := time.Now()
	members := o.selector.SelectDistinct(councilSize)
	if len(members) < councilMinQuorum {
		serr := newQueryError(CodeNoModel, q.id,
			"council needs at least %d ready models, have %d", councilMinQuorum, len(members))
		o.failStage(q.id, pipeline.StageRouting, serr)
		return "", serr
	}
	strongestMember := strongest(members)
	o.routing.RecordDecision(q.assessment.Score, strongestMember.EffectiveTier(),
		false, time.Since(decisionStart))

	ids := make([]string, len(members))
	for i, m := range members {
		ids[i] = m.ID
	}
	q.meta.Participants = ids
	q.meta.Adversarial = q.req.CouncilAdversarial
	o.completeStage(q.id, pipeline.StageRouting, map[string]any{
		"participants": ids,
		"adversarial":  q.req.CouncilAdversarial,
	})

	o.startStage(q.id, pipeline.StageGeneration)
	var text string
	var err error
	if q.req.CouncilAdversarial {
		text, err = o.adversarialDebate(ctx, q, members, logger)
	} else {
		text, err = o.consensusDeliberation(ctx, q, members, logger)
	}
	if err != nil {
		o.failStage(q.id, pipeline.StageGeneration, err)
		return "", err
	}
	o.completeStage(q.id, pipeline.StageGeneration, map[string]any{
		"participants": len(members),
		"rounds":       len(q.meta.Rounds),
		"synthesizer":  q.meta.Synthesizer,
	})
	return text, nil
}

// =============================================================================
// Consensus
// =============================================================================

func (o *Orchestrator) consensusDeliberation(ctx context.Context, q *query,
	members []registry.Model, logger *slog.Logger) (string, error) {

	// Round 1: independent answers, concurrently.
	round1 := o.askAll(ctx, q, members, func(registry.Model) string {
		return q.prompt()
	}, councilRoundTokens, q.temperature, 1)

	alive := survivors(round1)
	if len(alive) < councilMinQuorum {
		return "", newQueryError(CodeUpstreamHTTP, q.id,
			"council round 1: only %d of %d participants answered", len(alive), len(members))
	}

	// Round 2: each survivor reviews the others' answers and revises its own.
	// A round-2 failure falls back to that participant's round-1 answer.
	round2 := o.askAll(ctx, q, models(alive), func(m registry.Model) string {
		return reviewPrompt(q.prompt(), m.ID, alive)
	}, councilRoundTokens, q.temperature, 2)
	for i := range round2 {
		if round2[i].failed {
			logger.Warn("council participant failed review round, keeping first answer",
				"model_id", round2[i].model.ID)
			round2[i].text = alive[i].text
			round2[i].failed = false
		}
	}

	// Synthesis: the strongest participant merges at a cooled temperature.
	synth := strongest(models(alive))
	q.meta.Synthesizer = synth.ID
	q.meta.ModelID = synth.ID
	q.meta.Tier = string(synth.EffectiveTier())
	res, err := o.call(ctx, q, synth, synthesisPrompt(q.prompt(), round2),
		q.maxTokens, q.temperature*synthesisTempFactor)
	if err != nil {
		// Fall back to the longest revised answer rather than failing.
		logger.Warn("council synthesis failed, returning longest revision",
			"model_id", synth.ID, "error", err)
		best := round2[0]
		for _, a := range round2 {
			if len(a.text) > len(best.text) {
				best = a
			}
		}
		q.meta.Synthesizer = ""
		q.meta.ModelID = best.model.ID
		q.meta.Tier = string(best.model.EffectiveTier())
		return best.text, nil
	}
	return res.Text, nil
}

// askAll fans one prompt-per-model out concurrently and appends every
// outcome to the metadata rounds.
func (o *Orchestrator) askAll(ctx context.Context, q *query, members []registry.Model,
	promptFor func(registry.Model) string, maxTokens int, temperature float64,
	round int) []councilAnswer {

	answers := make([]councilAnswer, len(members))
	rounds := make([]ParticipantRound, len(members))
	var wg sync.WaitGroup
	for i, m := range members {
		wg.Add(1)
		go func(i int, m registry.Model) {
			defer wg.Done()
			started := time.Now()
			res, err := o.call(ctx, q, m, promptFor(m), maxTokens, temperature)
			answers[i] = councilAnswer{model: m, text: res.Text, failed: err != nil}
			rounds[i] = ParticipantRound{
				ModelID:    m.ID,
				Round:      round,
				Response:   res.Text,
				DurationMS: time.Since(started).Milliseconds(),
				Failed:     err != nil,
			}
		}(i, m)
	}
	wg.Wait()
	q.meta.Rounds = append(q.meta.Rounds, rounds...)
	return answers
}

func reviewPrompt(base, selfID string, round1 []councilAnswer) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Question:\n%s\n\nYour previous answer and those of other models follow. ", base)
	b.WriteString("Critique them, then write your single best revised answer. Return only the revised answer.\n")
	for _, a := range round1 {
		label := "Another model"
		if a.model.ID == selfID {
			label = "You"
		}
		fmt.Fprintf(&b, "\n%s answered:\n%s\n", label, a.text)
	}
	return b.String()
}

func synthesisPrompt(base string, revised []councilAnswer) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Question:\n%s\n\nSeveral models produced these revised answers. ", base)
	b.WriteString("Synthesize them into one final answer that keeps every well-supported point and discards contradictions. Return only the final answer.\n")
	for i, a := range revised {
		fmt.Fprintf(&b, "\nAnswer %d:\n%s\n", i+1, a.text)
	}
	return b.String()
}

// =============================================================================
// Adversarial
// =============================================================================

const (
	proPrompt = `Argue FOR the strongest reasonable position on the following. Be concrete and cite your reasoning.

%s`
	conPrompt = `Argue AGAINST the position most people would take on the following. Steelman the opposition; be concrete.

%s`
	rebuttalPrompt = `You argued one side of a debate. Your opponent responded below. Rebut their strongest points while conceding anything they got right.

Topic:
%s

Opponent's argument:
%s`
	verdictPrompt = `You are moderating a debate. Weigh both sides' arguments and rebuttals below and write a balanced final answer to the topic, noting genuine points of disagreement.

Topic:
%s

PRO opening:
%s

CON opening:
%s

PRO rebuttal:
%s

CON rebuttal:
%s`
)

func (o *Orchestrator) adversarialDebate(ctx context.Context, q *query,
	members []registry.Model, logger *slog.Logger) (string, error) {

	pro, con := members[0], members[1]
	base := q.prompt()

	openings := o.debateRound(ctx, q, 1, [2]registry.Model{pro, con}, [2]string{
		fmt.Sprintf(proPrompt, base),
		fmt.Sprintf(conPrompt, base),
	})
	if openings[0].failed || openings[1].failed {
		return "", newQueryError(CodeUpstreamHTTP, q.id, "adversarial council: opening round failed")
	}

	rebuttals := o.debateRound(ctx, q, 2, [2]registry.Model{pro, con}, [2]string{
		fmt.Sprintf(rebuttalPrompt, base, openings[1].text),
		fmt.Sprintf(rebuttalPrompt, base, openings[0].text),
	})
	// A failed rebuttal forfeits the round; the opening still stands.
	for i := range rebuttals {
		if rebuttals[i].failed {
			logger.Warn("debate rebuttal failed", "model_id", rebuttals[i].model.ID)
			rebuttals[i].text = "(no rebuttal)"
		}
	}

	// The moderator is the third member when one exists, otherwise the
	// stronger debater. Fixed low temperature keeps the verdict even-handed.
	moderator := strongest(members[:2])
	if len(members) > 2 {
		moderator = members[2]
	}
	q.meta.Synthesizer = moderator.ID
	q.meta.ModelID = moderator.ID
	q.meta.Tier = string(moderator.EffectiveTier())
	verdict, err := o.call(ctx, q, moderator, fmt.Sprintf(verdictPrompt, base,
		openings[0].text, openings[1].text, rebuttals[0].text, rebuttals[1].text),
		q.maxTokens, moderatorTemp)
	if err != nil {
		return "", fmt.Errorf("debate verdict (%s): %w", moderator.ID, err)
	}
	return verdict.Text, nil
}

// debateRound runs the pro and con calls concurrently and records them with
// their sides in the metadata rounds.
func (o *Orchestrator) debateRound(ctx context.Context, q *query, round int,
	debaters [2]registry.Model, prompts [2]string) [2]councilAnswer {

	sides := [2]string{"pro", "con"}
	var answers [2]councilAnswer
	rounds := make([]ParticipantRound, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			started := time.Now()
			res, err := o.call(ctx, q, debaters[i], prompts[i], councilRoundTokens, q.temperature)
			answers[i] = councilAnswer{model: debaters[i], text: res.Text, failed: err != nil}
			rounds[i] = ParticipantRound{
				ModelID:    debaters[i].ID,
				Round:      round,
				Response:   res.Text,
				DurationMS: time.Since(started).Milliseconds(),
				Failed:     err != nil,
				Side:       sides[i],
			}
		}(i)
	}
	wg.Wait()
	q.meta.Rounds = append(q.meta.Rounds, rounds...)
	return answers
}

// =============================================================================
// Helpers
// =============================================================================

func survivors(answers []councilAnswer) []councilAnswer {
	out := []councilAnswer{}
	for _, a := range answers {
		if !a.failed && strings.TrimSpace(a.text) != "" {
			out = append(out, a)
		}
	}
	return out
}

func models(answers []councilAnswer) []registry.Model {
	out := make([]registry.Model, len(answers))
	for i, a := range answers {
		out[i] = a.model
	}
	return out
}

// strongest returns the highest-tier member, ties broken by id for
// determinism.
func strongest(members []registry.Model) registry.Model {
	sorted := append([]registry.Model(nil), members...)
	sort.Slice(sorted, func(i, j int) bool {
		ri, rj := sorted[i].EffectiveTier().Rank(), sorted[j].EffectiveTier().Rank()
		if ri != rj {
			return ri > rj
		}
		return sorted[i].ID < sorted[j].ID
	})
	return sorted[0]
}
