// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package pipeline tracks every in-flight query across the six canonical
// stages (input, complexity, cgrag, routing, generation, response) and
// broadcasts stage transitions on the event bus.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/AleutianAI/Armada/services/events"
)

// =============================================================================
// Types
// =============================================================================

// StageName is one of the six canonical stages, in fixed order.
type StageName string

const (
	StageInput      StageName = "input"
	StageComplexity StageName = "complexity"
	StageCGRAG      StageName = "cgrag"
	StageRouting    StageName = "routing"
	StageGeneration StageName = "generation"
	StageResponse   StageName = "response"
)

// StageOrder is the canonical stage sequence of every pipeline.
var StageOrder = []StageName{
	StageInput, StageComplexity, StageCGRAG,
	StageRouting, StageGeneration, StageResponse,
}

// StageStatus is the per-stage state.
type StageStatus string

const (
	StagePending   StageStatus = "pending"
	StageActive    StageStatus = "active"
	StageCompleted StageStatus = "completed"
	StageFailed    StageStatus = "failed"
)

// Stage is one step of a pipeline.
type Stage struct {
	Name       StageName      `json:"name"`
	Status     StageStatus    `json:"status"`
	StartedAt  *time.Time     `json:"startedAt,omitempty"`
	EndedAt    *time.Time     `json:"endedAt,omitempty"`
	DurationMS int64          `json:"durationMs"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Error      string         `json:"error,omitempty"`
}

// Status is the overall pipeline state.
type Status string

const (
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Result carries the fields set on successful completion.
type Result struct {
	ModelSelected string `json:"modelSelected,omitempty"`
	Tier          string `json:"tier,omitempty"`
	CGRAGCount    int    `json:"cgragArtifactCount"`
}

// Pipeline is the per-query state record.
type Pipeline struct {
	QueryID   string    `json:"queryId"`
	CreatedAt time.Time `json:"createdAt"`
	Status    Status    `json:"status"`
	Stages    []Stage   `json:"stages"`
	Result    *Result   `json:"result,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// Stats summarizes the tracker population.
type Stats struct {
	Total      int `json:"total"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
}

// =============================================================================
// Tracker
// =============================================================================

// DefaultTTL is how long finished pipelines remain queryable.
const DefaultTTL = time.Hour

// DefaultCleanupInterval is the sweep cadence for expired pipelines.
const DefaultCleanupInterval = 5 * time.Minute

// entry pairs a pipeline with its own lock so concurrent queries progress
// independently; one pipeline is only ever mutated by its owning worker,
// but readers (GET /pipeline/status) arrive from other goroutines.
type entry struct {
	mu sync.Mutex
	p  *Pipeline
}

// Tracker owns all pipelines.
//
// Thread Safety: safe for concurrent use. The outer map lock is held only
// for map operations; per-entry locks guard pipeline mutation.
type Tracker struct {
	mu      sync.Mutex
	entries map[string]*entry
	bus     *events.Bus
	ttl     time.Duration
}

// NewTracker creates a Tracker emitting transitions on bus. A nil bus
// disables emission (used by tests).
func NewTracker(bus *events.Bus) *Tracker {
	return &Tracker{entries: map[string]*entry{}, bus: bus, ttl: DefaultTTL}
}

// Create inserts a pipeline with all six stages PENDING. Emits no event.
func (t *Tracker) Create(queryID string) {
	stages := make([]Stage, len(StageOrder))
	for i, name := range StageOrder {
		stages[i] = Stage{Name: name, Status: StagePending}
	}
	e := &entry{p: &Pipeline{
		QueryID:   queryID,
		CreatedAt: time.Now().UTC(),
		Status:    StatusProcessing,
		Stages:    stages,
	}}
	t.mu.Lock()
	t.entries[queryID] = e
	t.mu.Unlock()
}

func (t *Tracker) entry(queryID string) *entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.entries[queryID]
}

// stageFor returns the index of the named stage, or -1.
func stageFor(p *Pipeline, name StageName) int {
	for i := range p.Stages {
		if p.Stages[i].Name == name {
			return i
		}
	}
	return -1
}

// StartStage transitions a PENDING stage to ACTIVE and emits
// pipeline_stage_start. Transitions are monotonic: starting a stage that is
// not PENDING, or while another stage is ACTIVE, is a programming error and
// is rejected.
func (t *Tracker) StartStage(queryID string, name StageName) error {
	e := t.entry(queryID)
	if e == nil {
		return fmt.Errorf("pipeline %s: unknown query", queryID)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	i := stageFor(e.p, name)
	if i < 0 {
		return fmt.Errorf("pipeline %s: unknown stage %s", queryID, name)
	}
	if e.p.Stages[i].Status != StagePending {
		return fmt.Errorf("pipeline %s: stage %s is %s, not pending",
			queryID, name, e.p.Stages[i].Status)
	}
	for j := range e.p.Stages {
		if e.p.Stages[j].Status == StageActive {
			return fmt.Errorf("pipeline %s: stage %s still active",
				queryID, e.p.Stages[j].Name)
		}
	}
	now := time.Now().UTC()
	e.p.Stages[i].Status = StageActive
	e.p.Stages[i].StartedAt = &now
	t.emit(events.TypePipelineStageStart, queryID, name, nil, "")
	return nil
}

// CompleteStage transitions ACTIVE → COMPLETED with metadata and emits
// pipeline_stage_complete.
func (t *Tracker) CompleteStage(queryID string, name StageName, metadata map[string]any) error {
	return t.finishStage(queryID, name, StageCompleted, metadata, "")
}

// FailStage transitions ACTIVE → FAILED and emits pipeline_stage_failed.
func (t *Tracker) FailStage(queryID string, name StageName, failure error) error {
	msg := ""
	if failure != nil {
		msg = failure.Error()
	}
	return t.finishStage(queryID, name, StageFailed, nil, msg)
}

func (t *Tracker) finishStage(queryID string, name StageName, to StageStatus, metadata map[string]any, errMsg string) error {
	e := t.entry(queryID)
	if e == nil {
		return fmt.Errorf("pipeline %s: unknown query", queryID)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	i := stageFor(e.p, name)
	if i < 0 {
		return fmt.Errorf("pipeline %s: unknown stage %s", queryID, name)
	}
	st := &e.p.Stages[i]
	if st.Status != StageActive {
		return fmt.Errorf("pipeline %s: stage %s is %s, not active", queryID, name, st.Status)
	}
	now := time.Now().UTC()
	st.Status = to
	st.EndedAt = &now
	if st.StartedAt != nil {
		st.DurationMS = now.Sub(*st.StartedAt).Milliseconds()
	}
	st.Metadata = metadata
	st.Error = errMsg
	evType := events.TypePipelineStageComplete
	if to == StageFailed {
		evType = events.TypePipelineStageFailed
	}
	t.emit(evType, queryID, name, metadata, errMsg)
	return nil
}

// Complete marks the pipeline COMPLETED with its result and emits
// pipeline_complete.
func (t *Tracker) Complete(queryID string, result Result) error {
	e := t.entry(queryID)
	if e == nil {
		return fmt.Errorf("pipeline %s: unknown query", queryID)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.p.Status != StatusProcessing {
		return fmt.Errorf("pipeline %s already %s", queryID, e.p.Status)
	}
	e.p.Status = StatusCompleted
	e.p.Result = &result
	t.emit(events.TypePipelineComplete, queryID, "", map[string]any{
		"modelSelected": result.ModelSelected,
		"tier":          result.Tier,
		"cgragCount":    result.CGRAGCount,
	}, "")
	return nil
}

// Fail marks the pipeline FAILED, failing any still-ACTIVE stage, and emits
// pipeline_failed.
func (t *Tracker) Fail(queryID string, failure error) error {
	e := t.entry(queryID)
	if e == nil {
		return fmt.Errorf("pipeline %s: unknown query", queryID)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.p.Status != StatusProcessing {
		return fmt.Errorf("pipeline %s already %s", queryID, e.p.Status)
	}
	msg := "unknown error"
	if failure != nil {
		msg = failure.Error()
	}
	now := time.Now().UTC()
	for i := range e.p.Stages {
		if e.p.Stages[i].Status == StageActive {
			st := &e.p.Stages[i]
			st.Status = StageFailed
			st.EndedAt = &now
			if st.StartedAt != nil {
				st.DurationMS = now.Sub(*st.StartedAt).Milliseconds()
			}
			st.Error = msg
		}
	}
	e.p.Status = StatusFailed
	e.p.Error = msg
	t.emit(events.TypePipelineFailed, queryID, "", nil, msg)
	return nil
}

// Get returns a deep copy of one pipeline.
func (t *Tracker) Get(queryID string) (Pipeline, bool) {
	e := t.entry(queryID)
	if e == nil {
		return Pipeline{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	cp := *e.p
	cp.Stages = append([]Stage(nil), e.p.Stages...)
	if e.p.Result != nil {
		r := *e.p.Result
		cp.Result = &r
	}
	return cp, true
}

// Stats counts pipelines by status.
func (t *Tracker) Stats() Stats {
	t.mu.Lock()
	list := make([]*entry, 0, len(t.entries))
	for _, e := range t.entries {
		list = append(list, e)
	}
	t.mu.Unlock()
	s := Stats{Total: len(list)}
	for _, e := range list {
		e.mu.Lock()
		switch e.p.Status {
		case StatusProcessing:
			s.Processing++
		case StatusCompleted:
			s.Completed++
		case StatusFailed:
			s.Failed++
		}
		e.mu.Unlock()
	}
	return s
}

// RunCleanup removes non-PROCESSING pipelines older than the TTL every
// interval until ctx is cancelled.
func (t *Tracker) RunCleanup(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultCleanupInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := t.sweep(); n > 0 {
				slog.Debug("pipeline cleanup", "removed", n)
			}
		}
	}
}

// sweep performs one cleanup pass and returns the number removed.
func (t *Tracker) sweep() int {
	cutoff := time.Now().UTC().Add(-t.ttl)
	t.mu.Lock()
	defer t.mu.Unlock()
	removed := 0
	for id, e := range t.entries {
		e.mu.Lock()
		expired := e.p.Status != StatusProcessing && e.p.CreatedAt.Before(cutoff)
		e.mu.Unlock()
		if expired {
			delete(t.entries, id)
			removed++
		}
	}
	return removed
}

// emit publishes a transition event; no-op with a nil bus.
func (t *Tracker) emit(evType events.Type, queryID string, stage StageName, metadata map[string]any, errMsg string) {
	if t.bus == nil {
		return
	}
	md := map[string]any{"queryId": queryID}
	if stage != "" {
		md["stage"] = string(stage)
	}
	for k, v := range metadata {
		md[k] = v
	}
	severity := events.SeverityInfo
	msg := fmt.Sprintf("%s %s", queryID, evType)
	if errMsg != "" {
		severity = events.SeverityError
		msg = fmt.Sprintf("%s %s: %s", queryID, evType, errMsg)
	}
	t.bus.Emit(events.Event{Type: evType, Message: msg, Severity: severity, Metadata: md})
}
