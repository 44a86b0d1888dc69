// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package orchestrator is the central query state machine: it assesses
// complexity, selects models, retrieves CGRAG context, runs one of the
// processing modes (simple, two-stage, council, benchmark), and assembles a
// structured response while driving the pipeline tracker, event bus,
// metrics aggregator, and context allocator.
package orchestrator

import (
	"errors"
	"fmt"
	"strings"

	"github.com/AleutianAI/Armada/services/cgrag"
)

// =============================================================================
// Modes
// =============================================================================

// Mode selects the processing strategy for a query.
type Mode string

const (
	ModeSimple    Mode = "simple"
	ModeTwoStage  Mode = "two-stage"
	ModeCouncil   Mode = "council"
	ModeBenchmark Mode = "benchmark"
)

// ParseMode validates a wire mode string.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeSimple, "":
		return ModeSimple, nil
	case ModeTwoStage:
		return ModeTwoStage, nil
	case ModeCouncil:
		return ModeCouncil, nil
	case ModeBenchmark:
		return ModeBenchmark, nil
	default:
		return "", fmt.Errorf("unknown mode %q (expected simple|two-stage|council|benchmark)", s)
	}
}

// =============================================================================
// Request / Response
// =============================================================================

// QueryRequest is the wire body of POST /api/query. Binding tags enforce the
// numeric bounds; mode strings are validated by ParseMode.
type QueryRequest struct {
	Query              string   `json:"query" binding:"required"`
	Mode               string   `json:"mode"`
	UseContext         *bool    `json:"useContext"`
	MaxTokens          int      `json:"maxTokens" binding:"omitempty,gte=1,lte=32000"`
	Temperature        *float64 `json:"temperature" binding:"omitempty,gte=0,lte=2"`
	CouncilAdversarial bool     `json:"councilAdversarial"`
	BenchmarkSerial    bool     `json:"benchmarkSerial"`
	// UseWebSearch is a pass-through toggle for an external search client;
	// ignored when none is wired.
	UseWebSearch bool `json:"useWebSearch"`
}

// UseContextOrDefault applies the default of true.
func (r *QueryRequest) UseContextOrDefault() bool {
	if r.UseContext == nil {
		return true
	}
	return *r.UseContext
}

// StageDetail records one generation stage of the two-stage mode.
type StageDetail struct {
	ModelID    string `json:"modelId"`
	Tier       string `json:"tier"`
	DurationMS int64  `json:"durationMs"`
	Tokens     int    `json:"tokens"`
}

// ParticipantRound is one council participant's output in one round.
type ParticipantRound struct {
	ModelID    string `json:"modelId"`
	Round      int    `json:"round"`
	Response   string `json:"response"`
	DurationMS int64  `json:"durationMs"`
	Failed     bool   `json:"failed,omitempty"`
	// Side is "pro" or "con" in adversarial council.
	Side string `json:"side,omitempty"`
}

// BenchmarkResult is one model's outcome in benchmark mode.
type BenchmarkResult struct {
	ModelID     string  `json:"modelId"`
	DisplayName string  `json:"displayName"`
	Response    string  `json:"response,omitempty"`
	DurationMS  int64   `json:"durationMs"`
	Tokens      int     `json:"tokens"`
	TokensPerSec float64 `json:"tokensPerSec"`
	Success     bool    `json:"success"`
	Error       string  `json:"error,omitempty"`
}

// QueryMetadata records how a response was produced.
type QueryMetadata struct {
	QueryID          string  `json:"queryId"`
	QueryMode        Mode    `json:"queryMode"`
	ModelID          string  `json:"modelId,omitempty"`
	Tier             string  `json:"tier,omitempty"`
	ProcessingTimeMS int64   `json:"processingTimeMs"`
	ComplexityScore  float64 `json:"complexityScore"`
	CGRAGArtifacts   int     `json:"cgragArtifacts"`
	CacheHit         bool    `json:"cacheHit,omitempty"`

	// Two-stage fields.
	Stage1   *StageDetail `json:"stage1,omitempty"`
	Stage2   *StageDetail `json:"stage2,omitempty"`
	Degraded bool         `json:"degraded,omitempty"`

	// Council fields.
	Participants []string           `json:"participants,omitempty"`
	Rounds       []ParticipantRound `json:"rounds,omitempty"`
	Synthesizer  string             `json:"synthesizer,omitempty"`
	Adversarial  bool               `json:"adversarial,omitempty"`

	// Benchmark fields.
	BenchmarkResults []BenchmarkResult `json:"benchmarkResults,omitempty"`
}

// QueryResponse is the wire result of POST /api/query.
type QueryResponse struct {
	ResponseText string        `json:"responseText"`
	Metadata     QueryMetadata `json:"metadata"`
}

// Artifacts aliases the CGRAG artifact type for metadata surfaces.
type Artifacts = []cgrag.Artifact

// =============================================================================
// Error Taxonomy
// =============================================================================

// ErrorCode classifies query failures for HTTP mapping and UI correlation.
type ErrorCode string

const (
	CodeValidation       ErrorCode = "VALIDATION_ERROR"
	CodeNotFound         ErrorCode = "NOT_FOUND"
	CodeConflict         ErrorCode = "CONFLICT"
	CodeNoModel          ErrorCode = "NO_MODEL_AVAILABLE"
	CodeUpstreamTimeout  ErrorCode = "UPSTREAM_TIMEOUT"
	CodeUpstreamHTTP     ErrorCode = "UPSTREAM_HTTP_ERROR"
	CodeStartupTimeout   ErrorCode = "STARTUP_TIMEOUT"
	CodeCancelled        ErrorCode = "CANCELLED"
	CodeInternal         ErrorCode = "INTERNAL_ERROR"
)

// QueryError is a classified failure carrying the query id for correlation.
type QueryError struct {
	Code    ErrorCode
	QueryID string
	Err     error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *QueryError) Unwrap() error { return e.Err }

// CodeOf extracts the ErrorCode from an error chain, defaulting to
// INTERNAL_ERROR.
func CodeOf(err error) ErrorCode {
	var qe *QueryError
	if errors.As(err, &qe) {
		return qe.Code
	}
	return CodeInternal
}

func newQueryError(code ErrorCode, queryID string, format string, args ...any) *QueryError {
	return &QueryError{Code: code, QueryID: queryID, Err: fmt.Errorf(format, args...)}
}
