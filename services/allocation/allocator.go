// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package allocation attributes each query's context-window token budget
// across system prompt, retrieved context, user query, and response budget,
// and retains the per-query record for the UI.
package allocation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// =============================================================================
// Types
// =============================================================================

// ComponentKind identifies one slice of the context window.
type ComponentKind string

const (
	ComponentSystemPrompt   ComponentKind = "system_prompt"
	ComponentCGRAGContext   ComponentKind = "cgrag_context"
	ComponentUserQuery      ComponentKind = "user_query"
	ComponentResponseBudget ComponentKind = "response_budget"
)

// Component is one attributed slice.
type Component struct {
	Kind            ComponentKind `json:"kind"`
	TokensUsed      int           `json:"tokensUsed"`
	TokensAllocated int           `json:"tokensAllocated"`
	ContentPreview  string        `json:"contentPreview,omitempty"`
}

// Artifact mirrors a CGRAG provenance record for display.
type Artifact struct {
	Source    string  `json:"source"`
	Relevance float64 `json:"relevance"`
	Tokens    int     `json:"tokens"`
	Preview   string  `json:"preview,omitempty"`
}

// Allocation is the stored per-query attribution.
type Allocation struct {
	QueryID           string      `json:"queryId"`
	ModelID           string      `json:"modelId"`
	ContextWindowSize int         `json:"contextWindowSize"`
	Components        []Component `json:"components"`
	CGRAGArtifacts    []Artifact  `json:"cgragArtifacts,omitempty"`
	TotalUsed         int         `json:"totalUsed"`
	Remaining         int         `json:"remaining"`
	UtilizationPct    float64     `json:"utilizationPct"`
	Warning           string      `json:"warning,omitempty"`
	StoredAt          time.Time   `json:"storedAt"`
}

// Request is the input to Store.
type Request struct {
	QueryID        string
	ModelID        string
	SystemPrompt   string
	CGRAGContext   string
	UserQuery      string
	ContextWindow  int
	CGRAGArtifacts []Artifact
}

// Stats summarizes the allocator population.
type Stats struct {
	Total          int     `json:"total"`
	AvgUtilization float64 `json:"avgUtilization"`
}

// =============================================================================
// Allocator
// =============================================================================

// warnThreshold is the utilization percentage above which a warning is
// attached to the allocation.
const warnThreshold = 80.0

// previewLen bounds stored content previews.
const previewLen = 120

// allocationTTL is how long records remain queryable.
const allocationTTL = time.Hour

// Allocator stores per-query allocations in memory.
//
// Thread Safety: safe for concurrent use; one lock around the map, counting
// happens outside the lock.
type Allocator struct {
	mu      sync.Mutex
	records map[string]*Allocation
	counter *TokenCounter
}

// NewAllocator creates an Allocator with its own TokenCounter.
func NewAllocator() *Allocator {
	return &Allocator{records: map[string]*Allocation{}, counter: NewTokenCounter()}
}

// CountTokens exposes the underlying counter for prompt assembly.
func (a *Allocator) CountTokens(text string) int {
	return a.counter.Count(text)
}

// Store counts tokens per component, computes the response budget, and
// retains the record.
//
// Description:
//
//	response_budget = max(0, context_window − sum of used tokens), which
//	keeps the invariant sum(used) + response_budget ≤ context_window. A
//	warning is attached at ≥80% utilization, a stronger one above 100%.
//	Storage failures never fail the caller's query.
func (a *Allocator) Store(req Request) Allocation {
	components := []Component{
		a.component(ComponentSystemPrompt, req.SystemPrompt),
		a.component(ComponentCGRAGContext, req.CGRAGContext),
		a.component(ComponentUserQuery, req.UserQuery),
	}
	used := 0
	for _, c := range components {
		used += c.TokensUsed
	}
	budget := req.ContextWindow - used
	if budget < 0 {
		budget = 0
	}
	components = append(components, Component{
		Kind:            ComponentResponseBudget,
		TokensAllocated: budget,
	})

	alloc := Allocation{
		QueryID:           req.QueryID,
		ModelID:           req.ModelID,
		ContextWindowSize: req.ContextWindow,
		Components:        components,
		CGRAGArtifacts:    req.CGRAGArtifacts,
		TotalUsed:         used,
		Remaining:         budget,
		StoredAt:          time.Now().UTC(),
	}
	if req.ContextWindow > 0 {
		alloc.UtilizationPct = float64(used) / float64(req.ContextWindow) * 100
	}
	switch {
	case alloc.UtilizationPct > 100:
		alloc.Warning = fmt.Sprintf(
			"context overflow: %d tokens used against a %d window; response budget is zero",
			used, req.ContextWindow)
	case alloc.UtilizationPct >= warnThreshold:
		alloc.Warning = fmt.Sprintf(
			"high context utilization: %.1f%% of %d tokens", alloc.UtilizationPct, req.ContextWindow)
	}
	if alloc.Warning != "" {
		slog.Warn("context allocation warning", "query_id", req.QueryID, "warning", alloc.Warning)
	}

	a.mu.Lock()
	a.records[req.QueryID] = &alloc
	a.mu.Unlock()
	return alloc
}

// component counts one text slice and captures its preview.
func (a *Allocator) component(kind ComponentKind, text string) Component {
	c := Component{Kind: kind, TokensUsed: a.counter.Count(text)}
	c.TokensAllocated = c.TokensUsed
	if len(text) > previewLen {
		c.ContentPreview = text[:previewLen] + "…"
	} else {
		c.ContentPreview = text
	}
	return c
}

// Get returns a copy of one allocation.
func (a *Allocator) Get(queryID string) (Allocation, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	rec, ok := a.records[queryID]
	if !ok {
		return Allocation{}, false
	}
	return *rec, true
}

// Stats returns population statistics.
func (a *Allocator) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := Stats{Total: len(a.records)}
	if s.Total == 0 {
		return s
	}
	sum := 0.0
	for _, rec := range a.records {
		sum += rec.UtilizationPct
	}
	s.AvgUtilization = sum / float64(s.Total)
	return s
}

// RunCleanup removes records older than one hour every interval until ctx
// is cancelled.
func (a *Allocator) RunCleanup(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().UTC().Add(-allocationTTL)
			a.mu.Lock()
			for id, rec := range a.records {
				if rec.StoredAt.Before(cutoff) {
					delete(a.records, id)
				}
			}
			a.mu.Unlock()
		}
	}
}
