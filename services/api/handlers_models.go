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

	"github.com/AleutianAI/Armada/services/orchestrator"
	"github.com/AleutianAI/Armada/services/registry"
)

// HandleGetRegistry handles GET /api/models/registry.
func (h *Handlers) HandleGetRegistry(c *gin.Context) {
	c.JSON(http.StatusOK, h.Registry.Snapshot())
}

// HandleRescan handles POST /api/models/rescan.
//
// Overrides, enabled flags, and port assignments of surviving models are
// preserved across the rescan.
func (h *Handlers) HandleRescan(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	reg, err := h.Registry.Rescan()
	if err != nil {
		slog.Error("rescan failed", "request_id", requestID, "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: err.Error(),
			Code:  string(orchestrator.CodeInternal),
		})
		return
	}
	c.JSON(http.StatusOK, reg)
}

type tierBody struct {
	// Tier empty or null clears the override.
	Tier *string `json:"tier"`
}

// HandleUpdateTier handles PUT /api/models/:id/tier.
func (h *Handlers) HandleUpdateTier(c *gin.Context) {
	var body tierBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: err.Error(), Code: string(orchestrator.CodeValidation),
		})
		return
	}
	var override *registry.Tier
	if body.Tier != nil && *body.Tier != "" {
		tier, err := registry.ParseTier(*body.Tier)
		if err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error: err.Error(), Code: string(orchestrator.CodeValidation),
			})
			return
		}
		override = &tier
	}
	if err := h.Registry.UpdateTier(c.Param("id"), override); err != nil {
		h.registryError(c, err)
		return
	}
	h.respondModel(c, c.Param("id"))
}

type thinkingBody struct {
	Thinking *bool `json:"thinking" binding:"required"`
}

// HandleUpdateThinking handles PUT /api/models/:id/thinking. Setting true
// without a tier override promotes the model to POWERFUL.
func (h *Handlers) HandleUpdateThinking(c *gin.Context) {
	var body thinkingBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: err.Error(), Code: string(orchestrator.CodeValidation),
		})
		return
	}
	if err := h.Registry.UpdateThinking(c.Param("id"), *body.Thinking); err != nil {
		h.registryError(c, err)
		return
	}
	h.respondModel(c, c.Param("id"))
}

type enabledBody struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

// HandleUpdateEnabled handles PUT /api/models/:id/enabled.
//
// Side effect: enabling starts the model's server when none is running;
// disabling stops a running server. A start failure rolls nothing back —
// the model stays enabled and the error is surfaced so the operator can
// retry via the servers endpoints.
func (h *Handlers) HandleUpdateEnabled(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleUpdateEnabled")

	var body enabledBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: err.Error(), Code: string(orchestrator.CodeValidation),
		})
		return
	}
	id := c.Param("id")
	model, err := h.Registry.ToggleEnabled(id, *body.Enabled)
	if err != nil {
		h.registryError(c, err)
		return
	}

	if *body.Enabled {
		if !h.Manager.IsReady(id) {
			if _, err := h.Manager.Start(c.Request.Context(), model); err != nil {
				logger.Warn("server start after enable failed", "model_id", id, "error", err)
				c.JSON(http.StatusBadGateway, ErrorResponse{
					Error: err.Error(), Code: string(orchestrator.CodeStartupTimeout),
				})
				return
			}
		}
	} else {
		if _, running := h.Manager.Get(id); running {
			if err := h.Manager.Stop(id); err != nil {
				logger.Warn("server stop after disable failed", "model_id", id, "error", err)
			}
		}
	}
	c.JSON(http.StatusOK, model)
}

// HandleGetTier handles GET /api/models/tiers/:tier.
func (h *Handlers) HandleGetTier(c *gin.Context) {
	tier, err := registry.ParseTier(c.Param("tier"))
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: err.Error(), Code: string(orchestrator.CodeValidation),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"tier": tier, "models": h.Registry.ModelsByTier(tier)})
}

// =============================================================================
// Servers
// =============================================================================

// HandleListServers handles GET /api/models/servers.
func (h *Handlers) HandleListServers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"servers": h.Manager.Servers()})
}

// HandleStartServer handles POST /api/models/servers/:id/start. Idempotent:
// starting a running server returns its current handle.
func (h *Handlers) HandleStartServer(c *gin.Context) {
	id := c.Param("id")
	model, ok := h.Registry.Get(id)
	if !ok {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error: "unknown model id " + id, Code: string(orchestrator.CodeNotFound),
		})
		return
	}
	srv, err := h.Manager.Start(c.Request.Context(), model)
	if err != nil {
		c.JSON(http.StatusBadGateway, ErrorResponse{
			Error: err.Error(), Code: string(orchestrator.CodeStartupTimeout),
		})
		return
	}
	c.JSON(http.StatusOK, srv)
}

// HandleStopServer handles POST /api/models/servers/:id/stop. Idempotent:
// stopping a stopped server is a 200 no-op.
func (h *Handlers) HandleStopServer(c *gin.Context) {
	id := c.Param("id")
	if _, ok := h.Registry.Get(id); !ok {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error: "unknown model id " + id, Code: string(orchestrator.CodeNotFound),
		})
		return
	}
	if err := h.Manager.Stop(id); err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: err.Error(), Code: string(orchestrator.CodeInternal),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"stopped": id})
}

// HandleStartAll handles POST /api/models/servers/start-all over the enabled
// set. Per-model failures land in the outcome rows, never fail the call.
func (h *Handlers) HandleStartAll(c *gin.Context) {
	outcomes := h.Manager.StartAll(c.Request.Context(), h.Registry.EnabledModels())
	c.JSON(http.StatusOK, gin.H{"outcomes": outcomes})
}

// HandleStopAll handles POST /api/models/servers/stop-all.
func (h *Handlers) HandleStopAll(c *gin.Context) {
	h.Manager.StopAll()
	c.JSON(http.StatusOK, gin.H{"stopped": true})
}

// =============================================================================
// Helpers
// =============================================================================

func (h *Handlers) respondModel(c *gin.Context, id string) {
	model, ok := h.Registry.Get(id)
	if !ok {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error: "unknown model id " + id, Code: string(orchestrator.CodeNotFound),
		})
		return
	}
	c.JSON(http.StatusOK, model)
}

func (h *Handlers) registryError(c *gin.Context, err error) {
	if errors.Is(err, registry.ErrNotFound) {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error: err.Error(), Code: string(orchestrator.CodeNotFound),
		})
		return
	}
	c.JSON(http.StatusInternalServerError, ErrorResponse{
		Error: err.Error(), Code: string(orchestrator.CodeInternal),
	})
}
