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
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/AleutianAI/Armada/services/pipeline"
	"github.com/AleutianAI/Armada/services/registry"
)

// =============================================================================
// Benchmark Mode
// =============================================================================
//
// Runs the same prompt against every READY enabled model and reports
// per-model latency and throughput side by side. Individual failures are
// recorded, never fatal; only an empty (<2) pool fails the query. Serial
// runs measure clean latency on shared hardware; concurrent runs are capped
// by a weighted semaphore sized from settings.

// benchmarkMinModels is the smallest pool worth comparing.
const benchmarkMinModels = 2

func (o *Orchestrator) runBenchmark(ctx context.Context, q *query, logger *slog.Logger) (string, error) {
	o.startStage(q.id, pipeline.StageRouting)
	pool := o.selector.ReadyModels()
	if len(pool) < benchmarkMinModels {
		serr := newQueryError(CodeNoModel, q.id,
			"benchmark needs at least %d ready models, have %d", benchmarkMinModels, len(pool))
		o.failStage(q.id, pipeline.StageRouting, serr)
		return "", serr
	}
	ids := make([]string, len(pool))
	for i, m := range pool {
		ids[i] = m.ID
	}
	q.meta.Participants = ids
	o.completeStage(q.id, pipeline.StageRouting, map[string]any{
		"models": ids, "serial": q.req.BenchmarkSerial,
	})

	o.startStage(q.id, pipeline.StageGeneration)
	results := make([]BenchmarkResult, len(pool))
	prompt := q.prompt()

	if q.req.BenchmarkSerial {
		for i, m := range pool {
			results[i] = o.benchmarkOne(ctx, q, m, prompt)
		}
	} else {
		limit := int64(q.cfg.BenchmarkCap)
		if limit < 1 {
			limit = 1
		}
		sem := semaphore.NewWeighted(limit)
		var wg sync.WaitGroup
		for i := range pool {
			if err := sem.Acquire(ctx, 1); err != nil {
				results[i] = BenchmarkResult{
					ModelID:     pool[i].ID,
					DisplayName: pool[i].DisplayName(),
					Error:       "cancelled",
				}
				continue
			}
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				defer sem.Release(1)
				results[i] = o.benchmarkOne(ctx, q, pool[i], prompt)
			}(i)
		}
		wg.Wait()
	}

	succeeded := 0
	for _, r := range results {
		if r.Success {
			succeeded++
		}
	}
	q.meta.BenchmarkResults = results
	logger.Info("benchmark complete", "models", len(pool), "succeeded", succeeded)
	o.completeStage(q.id, pipeline.StageGeneration, map[string]any{
		"models": len(pool), "succeeded": succeeded,
	})
	return benchmarkSummary(results), nil
}

// benchmarkOne runs one model and never returns an error; failures land in
// the result row.
func (o *Orchestrator) benchmarkOne(ctx context.Context, q *query, m registry.Model, prompt string) BenchmarkResult {
	out := BenchmarkResult{ModelID: m.ID, DisplayName: m.DisplayName()}
	started := time.Now()
	res, err := o.call(ctx, q, m, prompt, q.maxTokens, q.temperature)
	out.DurationMS = time.Since(started).Milliseconds()
	if err != nil {
		out.Error = err.Error()
		return out
	}
	out.Success = true
	out.Response = res.Text
	out.Tokens = res.TokensGenerated
	if secs := res.Duration.Seconds(); secs > 0 {
		out.TokensPerSec = float64(res.TokensGenerated) / secs
	}
	return out
}

// benchmarkSummary renders a readable leaderboard as the response text; the
// structured rows travel in metadata.
func benchmarkSummary(results []BenchmarkResult) string {
	var b strings.Builder
	b.WriteString("Benchmark results:\n")
	for _, r := range results {
		if r.Success {
			fmt.Fprintf(&b, "- %s: %d tokens in %dms (%.1f tok/s)\n",
				r.DisplayName, r.Tokens, r.DurationMS, r.TokensPerSec)
		} else {
			fmt.Fprintf(&b, "- %s: FAILED (%s)\n", r.DisplayName, r.Error)
		}
	}
	return b.String()
}
