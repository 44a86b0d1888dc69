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
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/Armada/services/orchestrator"
)

// HandlePipelineStatus handles GET /api/pipeline/status/:query_id.
func (h *Handlers) HandlePipelineStatus(c *gin.Context) {
	id := c.Param("query_id")
	p, ok := h.Tracker.Get(id)
	if !ok {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error: "unknown query id " + id, Code: string(orchestrator.CodeNotFound),
		})
		return
	}
	c.JSON(http.StatusOK, p)
}

// HandlePipelineStats handles GET /api/pipeline/stats.
func (h *Handlers) HandlePipelineStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.Tracker.Stats())
}

// HandleContextAllocation handles GET /api/context/allocation/:query_id.
func (h *Handlers) HandleContextAllocation(c *gin.Context) {
	id := c.Param("query_id")
	alloc, ok := h.Allocator.Get(id)
	if !ok {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error: "no allocation for query id " + id, Code: string(orchestrator.CodeNotFound),
		})
		return
	}
	c.JSON(http.StatusOK, alloc)
}

// HandleContextStats handles GET /api/context/stats.
func (h *Handlers) HandleContextStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.Allocator.Stats())
}
