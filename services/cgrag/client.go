// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package cgrag consumes the external Context-Grounded RAG engine through
// its retrieval contract. Index construction and embedding are the engine's
// concern; the orchestrator only ever calls Retrieve.
package cgrag

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Artifact is one provenance record attached to retrieved context.
type Artifact struct {
	Source    string  `json:"source"`
	Relevance float64 `json:"relevance"`
	Tokens    int     `json:"tokens"`
	Preview   string  `json:"preview,omitempty"`
}

// Result is a retrieval outcome.
type Result struct {
	ContextText string     `json:"contextText"`
	Artifacts   []Artifact `json:"artifacts"`
}

// Retriever is the contract the orchestrator depends on. Implementations
// must respect the token budget: ContextText should not materially exceed it.
type Retriever interface {
	// Retrieve returns context relevant to query within tokenBudget tokens.
	Retrieve(ctx context.Context, query string, tokenBudget int) (Result, error)
}

// =============================================================================
// HTTP Implementation
// =============================================================================

// HTTPRetriever calls a CGRAG engine over its REST contract:
// POST <endpoint>/retrieve {"query": ..., "tokenBudget": ...}.
//
// Thread Safety: HTTPRetriever is safe for concurrent use.
type HTTPRetriever struct {
	endpoint   string
	httpClient *http.Client
}

// NewHTTPRetriever creates a retriever against the given base endpoint.
func NewHTTPRetriever(endpoint string, timeout time.Duration) *HTTPRetriever {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPRetriever{
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type retrieveRequest struct {
	Query       string `json:"query"`
	TokenBudget int    `json:"tokenBudget"`
}

// Retrieve implements Retriever.
func (r *HTTPRetriever) Retrieve(ctx context.Context, query string, tokenBudget int) (Result, error) {
	body, err := json.Marshal(retrieveRequest{Query: query, TokenBudget: tokenBudget})
	if err != nil {
		return Result{}, fmt.Errorf("marshal retrieve request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		r.endpoint+"/retrieve", bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("build retrieve request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("cgrag retrieve: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return Result{}, fmt.Errorf("cgrag retrieve: status %d: %s", resp.StatusCode, payload)
	}
	var out Result
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Result{}, fmt.Errorf("decode retrieve response: %w", err)
	}
	return out, nil
}

// =============================================================================
// Disabled Implementation
// =============================================================================

// Disabled is the Retriever used when no CGRAG endpoint is configured; it
// always returns empty context without error, so queries proceed uncontexted.
type Disabled struct{}

// Retrieve implements Retriever with an empty result.
func (Disabled) Retrieve(context.Context, string, int) (Result, error) {
	return Result{}, nil
}
