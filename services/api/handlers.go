// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/Armada/services/allocation"
	"github.com/AleutianAI/Armada/services/events"
	"github.com/AleutianAI/Armada/services/inference"
	"github.com/AleutianAI/Armada/services/metrics"
	"github.com/AleutianAI/Armada/services/orchestrator"
	"github.com/AleutianAI/Armada/services/pipeline"
	"github.com/AleutianAI/Armada/services/registry"
	"github.com/AleutianAI/Armada/services/settings"
)

// Handlers carries the service references every endpoint needs.
//
// Thread Safety: all referenced services are safe for concurrent use, so
// Handlers is too.
type Handlers struct {
	Registry    *registry.Store
	Manager     *inference.Manager
	Orch        *orchestrator.Orchestrator
	Tracker     *pipeline.Tracker
	Allocator   *allocation.Allocator
	Aggregator  *metrics.Aggregator
	Settings    *settings.Store
	Bus         *events.Bus
	ProfilesDir string
}

// NewHandlers wires the handler set.
func NewHandlers(h Handlers) *Handlers { return &h }

// HandleQuery handles POST /api/query.
//
// Description:
//
//	Binds and validates the request, runs the orchestrator, and maps the
//	error taxonomy onto HTTP statuses. The query id travels in the error
//	body so failed pipelines remain inspectable.
//
// Response:
//
//	200 OK: orchestrator.QueryResponse
//	400 Bad Request: malformed body or invalid mode
//	502/503/504: upstream failures per the taxonomy
func (h *Handlers) HandleQuery(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleQuery")

	var req orchestrator.QueryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: err.Error(),
			Code:  string(orchestrator.CodeValidation),
		})
		return
	}

	resp, err := h.Orch.Process(c.Request.Context(), req)
	if err != nil {
		code := orchestrator.CodeOf(err)
		var qe *orchestrator.QueryError
		queryID := ""
		if errors.As(err, &qe) {
			queryID = qe.QueryID
		}
		logger.Warn("query failed", "code", code, "query_id", queryID, "error", err)
		c.JSON(statusFor(code), ErrorResponse{
			Error:   err.Error(),
			Code:    string(code),
			QueryID: queryID,
		})
		return
	}
	c.JSON(http.StatusOK, resp)
}

// HandleHealth handles GET /api/health.
func (h *Handlers) HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"subscribers": h.Bus.SubscriberCount(),
		"servers":     len(h.Manager.Servers()),
	})
}
