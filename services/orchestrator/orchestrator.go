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
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/Armada/services/allocation"
	"github.com/AleutianAI/Armada/services/cgrag"
	"github.com/AleutianAI/Armada/services/events"
	"github.com/AleutianAI/Armada/services/inference"
	"github.com/AleutianAI/Armada/services/metrics"
	"github.com/AleutianAI/Armada/services/pipeline"
	"github.com/AleutianAI/Armada/services/registry"
)

// tracerName identifies orchestrator spans.
const tracerName = "armada.orchestrator"

// =============================================================================
// Wiring
// =============================================================================

// Caller is the inference call primitive (the manager).
type Caller interface {
	Call(ctx context.Context, modelID, prompt string, maxTokens int,
		temperature float64, timeout time.Duration) (inference.CallResult, error)
}

// Config is the per-query tunable snapshot. A ConfigFunc lets settings
// changes take effect immediately without re-wiring.
type Config struct {
	SystemPrompt       string
	CGRAGBudget        int
	ContextWindow      int
	CallTimeout        time.Duration
	QueryTimeout       time.Duration // 0 disables
	BenchmarkCap       int
	DefaultMaxTokens   int
	DefaultTemperature float64
}

// ConfigFunc supplies the current Config.
type ConfigFunc func() Config

// Orchestrator drives a query end to end.
//
// Thread Safety: safe for concurrent use; every query runs independently.
type Orchestrator struct {
	selector  *Selector
	caller    Caller
	retriever cgrag.Retriever
	tracker   *pipeline.Tracker
	bus       *events.Bus
	agg       *metrics.Aggregator
	alloc     *allocation.Allocator
	cache     *ResponseCache
	routing   *RoutingStats
	config    ConfigFunc
	tracer    oteltrace.Tracer
}

// Deps bundles the orchestrator's collaborators.
type Deps struct {
	Selector  *Selector
	Caller    Caller
	Retriever cgrag.Retriever
	Tracker   *pipeline.Tracker
	Bus       *events.Bus
	Metrics   *metrics.Aggregator
	Allocator *allocation.Allocator
	Cache     *ResponseCache
	Routing   *RoutingStats
	Config    ConfigFunc
}

// New creates an Orchestrator. Retriever defaults to cgrag.Disabled;
// Routing defaults to a fresh collector.
func New(d Deps) *Orchestrator {
	if d.Retriever == nil {
		d.Retriever = cgrag.Disabled{}
	}
	if d.Routing == nil {
		d.Routing = NewRoutingStats()
	}
	return &Orchestrator{
		selector:  d.Selector,
		caller:    d.Caller,
		retriever: d.Retriever,
		tracker:   d.Tracker,
		bus:       d.Bus,
		agg:       d.Metrics,
		alloc:     d.Allocator,
		cache:     d.Cache,
		routing:   d.Routing,
		config:    d.Config,
		tracer:    otel.Tracer(tracerName),
	}
}

// Routing exposes the analytics collector for the HTTP layer.
func (o *Orchestrator) Routing() *RoutingStats { return o.routing }

// =============================================================================
// Query State
// =============================================================================

// query carries one in-flight query's accumulated state between stages.
type query struct {
	id          string
	req         QueryRequest
	mode        Mode
	maxTokens   int
	temperature float64
	useContext  bool
	cfg         Config

	assessment  Assessment
	contextText string
	artifacts   []cgrag.Artifact

	meta QueryMetadata
}

// prompt joins retrieved context and the user query the way every mode
// builds its base prompt.
func (q *query) prompt() string {
	if q.contextText == "" {
		return q.req.Query
	}
	return q.contextText + "\n\n" + q.req.Query
}

// =============================================================================
// Process
// =============================================================================

// Process runs one query to completion.
//
// Description:
//
//	Creates the pipeline, walks the six stages in order, dispatches on
//	mode, and assembles the response. Side-effect failures (metrics,
//	events, allocations) never fail the query; CGRAG failures degrade to
//	empty context. Any error that prevents a non-empty response marks the
//	pipeline FAILED and is returned as a *QueryError carrying the query id.
//
// Inputs:
//   - ctx: cancelled on client disconnect; aborts in-flight inference calls.
//   - req: the validated wire request.
func (o *Orchestrator) Process(ctx context.Context, req QueryRequest) (QueryResponse, error) {
	queryID := uuid.NewString()
	started := time.Now()

	mode, err := ParseMode(req.Mode)
	if err != nil {
		return QueryResponse{}, newQueryError(CodeValidation, queryID, "%v", err)
	}
	if strings.TrimSpace(req.Query) == "" {
		return QueryResponse{}, newQueryError(CodeValidation, queryID, "query must not be empty")
	}

	cfg := o.config()
	q := &query{
		id:          queryID,
		req:         req,
		mode:        mode,
		maxTokens:   req.MaxTokens,
		useContext:  req.UseContextOrDefault(),
		cfg:         cfg,
	}
	if q.maxTokens == 0 {
		q.maxTokens = cfg.DefaultMaxTokens
	}
	if req.Temperature != nil {
		q.temperature = *req.Temperature
	} else {
		q.temperature = cfg.DefaultTemperature
	}
	q.meta = QueryMetadata{QueryID: queryID, QueryMode: mode}

	if cfg.QueryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.QueryTimeout)
		defer cancel()
	}

	ctx, span := o.tracer.Start(ctx, "query.process",
		oteltrace.WithAttributes(
			attribute.String("query.id", queryID),
			attribute.String("query.mode", string(mode)),
		))
	defer span.End()

	o.tracker.Create(queryID)
	logger := slog.With("query_id", queryID, "mode", mode)
	logger.Info("query accepted", "use_context", q.useContext, "max_tokens", q.maxTokens)

	text, err := o.run(ctx, q, logger)
	defer func() { observeQuery(mode, err, time.Since(started)) }()
	if err != nil {
		err = o.classify(ctx, queryID, err)
		_ = o.tracker.Fail(queryID, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return QueryResponse{}, err
	}

	q.meta.ProcessingTimeMS = time.Since(started).Milliseconds()
	_ = o.tracker.Complete(queryID, pipeline.Result{
		ModelSelected: q.meta.ModelID,
		Tier:          q.meta.Tier,
		CGRAGCount:    q.meta.CGRAGArtifacts,
	})
	span.SetAttributes(
		attribute.String("query.model", q.meta.ModelID),
		attribute.Float64("query.complexity", q.meta.ComplexityScore),
	)
	logger.Info("query complete",
		"model_id", q.meta.ModelID, "took_ms", q.meta.ProcessingTimeMS)
	return QueryResponse{ResponseText: text, Metadata: q.meta}, nil
}

// run walks the stages. Stage bookkeeping errors are programming errors and
// are logged, never propagated; work errors fail the owning stage.
func (o *Orchestrator) run(ctx context.Context, q *query, logger *slog.Logger) (string, error) {
	// Stage 1: input.
	o.startStage(q.id, pipeline.StageInput)
	o.completeStage(q.id, pipeline.StageInput, map[string]any{
		"queryLength": len(q.req.Query),
		"mode":        string(q.mode),
	})

	// Stage 2: complexity.
	o.startStage(q.id, pipeline.StageComplexity)
	q.assessment = Assess(q.req.Query)
	q.meta.ComplexityScore = q.assessment.Score
	o.record(metrics.MetricComplexityScore, q.assessment.Score, metrics.PointMetadata{
		QueryMode: string(q.mode),
	})
	o.completeStage(q.id, pipeline.StageComplexity, map[string]any{
		"score":     q.assessment.Score,
		"tier":      string(q.assessment.Tier),
		"reasoning": q.assessment.Reasoning,
	})

	// Stage 3: cgrag. Never fails the query; completed-with-empty-metadata
	// when context is disabled.
	o.startStage(q.id, pipeline.StageCGRAG)
	if q.useContext {
		retrievalStart := time.Now()
		result, err := o.retriever.Retrieve(ctx, q.req.Query, q.cfg.CGRAGBudget)
		took := time.Since(retrievalStart)
		if err != nil {
			logger.Warn("cgrag retrieval failed, proceeding without context", "error", err)
		} else {
			q.contextText = result.ContextText
			q.artifacts = result.Artifacts
		}
		q.meta.CGRAGArtifacts = len(q.artifacts)
		o.record(metrics.MetricCGRAGRetrievalTime, float64(took.Milliseconds()),
			metrics.PointMetadata{QueryMode: string(q.mode)})
		o.completeStage(q.id, pipeline.StageCGRAG, map[string]any{
			"artifactsRetrieved": len(q.artifacts),
			"tokensUsed":         artifactTokens(q.artifacts),
			"retrievalTimeMs":    took.Milliseconds(),
		})
	} else {
		o.completeStage(q.id, pipeline.StageCGRAG, map[string]any{})
	}

	// Stages 4-5: routing and generation are mode-specific.
	var text string
	var err error
	switch q.mode {
	case ModeSimple:
		text, err = o.runSimple(ctx, q, logger)
	case ModeTwoStage:
		text, err = o.runTwoStage(ctx, q, logger)
	case ModeCouncil:
		text, err = o.runCouncil(ctx, q, logger)
	case ModeBenchmark:
		text, err = o.runBenchmark(ctx, q, logger)
	}
	if err != nil {
		return "", err
	}

	// Stage 6: response.
	o.startStage(q.id, pipeline.StageResponse)
	o.storeAllocation(q)
	o.completeStage(q.id, pipeline.StageResponse, map[string]any{
		"responseLength": len(text),
	})
	return text, nil
}

// =============================================================================
// Simple Mode
// =============================================================================

// runSimple routes to one model at the assessed tier, consulting the
// response cache first.
func (o *Orchestrator) runSimple(ctx context.Context, q *query, logger *slog.Logger) (string, error) {
	o.startStage(q.id, pipeline.StageRouting)
	decisionStart := time.Now()
	model, fellBack, err := o.selector.Select(q.assessment.Tier)
	if err != nil {
		serr := newQueryError(CodeNoModel, q.id, "%v", err)
		o.failStage(q.id, pipeline.StageRouting, serr)
		return "", serr
	}
	o.routing.RecordDecision(q.assessment.Score, model.EffectiveTier(), fellBack, time.Since(decisionStart))
	q.meta.ModelID = model.ID
	q.meta.Tier = string(model.EffectiveTier())
	o.completeStage(q.id, pipeline.StageRouting, map[string]any{
		"modelId":  model.ID,
		"tier":     q.meta.Tier,
		"fallback": fellBack,
	})

	o.startStage(q.id, pipeline.StageGeneration)
	prompt := q.prompt()
	key := o.cache.Key(model.ID, prompt, q.maxTokens, q.temperature)
	if cached, hit := o.cache.Get(key); hit {
		observeCacheLookup(true)
		o.record(metrics.MetricCacheHitRate, 1, o.pointMeta(q, model))
		q.meta.CacheHit = true
		logger.Info("serving response from cache", "model_id", model.ID)
		o.completeStage(q.id, pipeline.StageGeneration, map[string]any{
			"modelId": model.ID, "cacheHit": true,
		})
		return cached, nil
	}
	observeCacheLookup(false)
	o.record(metrics.MetricCacheHitRate, 0, o.pointMeta(q, model))

	res, err := o.call(ctx, q, model, prompt, q.maxTokens, q.temperature)
	if err != nil {
		o.failStage(q.id, pipeline.StageGeneration, err)
		return "", err
	}
	o.cache.Put(key, res.Text, DefaultCacheTTL)
	o.completeStage(q.id, pipeline.StageGeneration, map[string]any{
		"modelId":    model.ID,
		"tokens":     res.TokensGenerated,
		"durationMs": res.Duration.Milliseconds(),
	})
	return res.Text, nil
}

// =============================================================================
// Shared Helpers
// =============================================================================

// call invokes one model and records the response-time and throughput
// samples that feed the time-series UI.
func (o *Orchestrator) call(ctx context.Context, q *query, model registry.Model,
	prompt string, maxTokens int, temperature float64) (inference.CallResult, error) {

	res, err := o.caller.Call(ctx, model.ID, prompt, maxTokens, temperature, q.cfg.CallTimeout)
	if err != nil {
		return res, err
	}
	md := o.pointMeta(q, model)
	o.record(metrics.MetricResponseTime, float64(res.Duration.Milliseconds()), md)
	if secs := res.Duration.Seconds(); secs > 0 && res.TokensGenerated > 0 {
		o.record(metrics.MetricTokensPerSecond, float64(res.TokensGenerated)/secs, md)
	}
	return res, nil
}

func (o *Orchestrator) pointMeta(q *query, model registry.Model) metrics.PointMetadata {
	return metrics.PointMetadata{
		ModelID:   model.ID,
		Tier:      string(model.EffectiveTier()),
		QueryMode: string(q.mode),
	}
}

// record is the non-fatal metrics append.
func (o *Orchestrator) record(t metrics.MetricType, v float64, md metrics.PointMetadata) {
	if o.agg != nil {
		o.agg.Record(t, v, md)
	}
}

// storeAllocation records the per-query token attribution; failures are the
// allocator's to log, never ours to propagate.
func (o *Orchestrator) storeAllocation(q *query) {
	if o.alloc == nil {
		return
	}
	artifacts := make([]allocation.Artifact, len(q.artifacts))
	for i, a := range q.artifacts {
		artifacts[i] = allocation.Artifact{
			Source: a.Source, Relevance: a.Relevance, Tokens: a.Tokens, Preview: a.Preview,
		}
	}
	o.alloc.Store(allocation.Request{
		QueryID:        q.id,
		ModelID:        q.meta.ModelID,
		SystemPrompt:   q.cfg.SystemPrompt,
		CGRAGContext:   q.contextText,
		UserQuery:      q.req.Query,
		ContextWindow:  q.cfg.ContextWindow,
		CGRAGArtifacts: artifacts,
	})
}

// Stage bookkeeping wrappers: transition violations indicate an orchestrator
// bug and are logged, not surfaced to the client.

func (o *Orchestrator) startStage(queryID string, name pipeline.StageName) {
	if err := o.tracker.StartStage(queryID, name); err != nil {
		slog.Error("stage bookkeeping", "error", err)
	}
}

func (o *Orchestrator) completeStage(queryID string, name pipeline.StageName, md map[string]any) {
	if err := o.tracker.CompleteStage(queryID, name, md); err != nil {
		slog.Error("stage bookkeeping", "error", err)
	}
}

func (o *Orchestrator) failStage(queryID string, name pipeline.StageName, failure error) {
	if err := o.tracker.FailStage(queryID, name, failure); err != nil {
		slog.Error("stage bookkeeping", "error", err)
	}
}

// classify maps low-level failures onto the error taxonomy.
func (o *Orchestrator) classify(ctx context.Context, queryID string, err error) error {
	var qe *QueryError
	if errors.As(err, &qe) {
		if qe.QueryID == "" {
			qe.QueryID = queryID
		}
		return qe
	}
	if errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled) {
		return &QueryError{Code: CodeCancelled, QueryID: queryID, Err: fmt.Errorf("cancelled")}
	}
	switch inference.KindOf(err) {
	case inference.ErrTimeout:
		return &QueryError{Code: CodeUpstreamTimeout, QueryID: queryID, Err: err}
	case inference.ErrHTTP, inference.ErrDecode, inference.ErrNotReady, inference.ErrNotRunning:
		return &QueryError{Code: CodeUpstreamHTTP, QueryID: queryID, Err: err}
	case inference.ErrStartup:
		return &QueryError{Code: CodeStartupTimeout, QueryID: queryID, Err: err}
	}
	return &QueryError{Code: CodeInternal, QueryID: queryID, Err: err}
}

func artifactTokens(artifacts []cgrag.Artifact) int {
	total := 0
	for _, a := range artifacts {
		total += a.Tokens
	}
	return total
}
