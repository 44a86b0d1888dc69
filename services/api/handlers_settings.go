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
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/Armada/services/events"
	"github.com/AleutianAI/Armada/services/orchestrator"
	"github.com/AleutianAI/Armada/services/settings"
)

// HandleGetSettings handles GET /api/settings.
func (h *Handlers) HandleGetSettings(c *gin.Context) {
	c.JSON(http.StatusOK, h.Settings.Get())
}

// HandlePutSettings handles PUT /api/settings.
//
// Response carries the applied document plus restartRequired and the changed
// field list; a settings_updated event goes out on the bus.
func (h *Handlers) HandlePutSettings(c *gin.Context) {
	var next settings.Settings
	if err := c.ShouldBindJSON(&next); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: err.Error(), Code: string(orchestrator.CodeValidation),
		})
		return
	}
	result, err := h.Settings.Put(next)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: err.Error(), Code: string(orchestrator.CodeValidation),
		})
		return
	}
	h.emitSettingsUpdated(result)
	c.JSON(http.StatusOK, gin.H{
		"settings":        h.Settings.Get(),
		"restartRequired": result.RestartRequired,
		"changedFields":   result.ChangedFields,
	})
}

// HandleResetSettings handles POST /api/settings/reset.
func (h *Handlers) HandleResetSettings(c *gin.Context) {
	doc, err := h.Settings.Reset()
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: err.Error(), Code: string(orchestrator.CodeInternal),
		})
		return
	}
	h.emitSettingsUpdated(settings.PutResult{})
	c.JSON(http.StatusOK, doc)
}

// HandleValidateSettings handles POST /api/settings/validate: a dry run that
// never persists.
func (h *Handlers) HandleValidateSettings(c *gin.Context) {
	var candidate settings.Settings
	if err := c.ShouldBindJSON(&candidate); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: err.Error(), Code: string(orchestrator.CodeValidation),
		})
		return
	}
	if err := h.Settings.Validate(candidate); err != nil {
		c.JSON(http.StatusOK, gin.H{"valid": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"valid": true})
}

// HandleExportSettings handles GET /api/settings/export.
func (h *Handlers) HandleExportSettings(c *gin.Context) {
	data, err := h.Settings.Export()
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: err.Error(), Code: string(orchestrator.CodeInternal),
		})
		return
	}
	c.Header("Content-Disposition", `attachment; filename="armada_settings.json"`)
	c.Data(http.StatusOK, "application/json", data)
}

// HandleImportSettings handles POST /api/settings/import with a raw JSON
// body; the document is validated before it replaces the current one.
func (h *Handlers) HandleImportSettings(c *gin.Context) {
	data, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: err.Error(), Code: string(orchestrator.CodeValidation),
		})
		return
	}
	result, err := h.Settings.Import(data)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: err.Error(), Code: string(orchestrator.CodeValidation),
		})
		return
	}
	h.emitSettingsUpdated(result)
	c.JSON(http.StatusOK, gin.H{
		"settings":        h.Settings.Get(),
		"restartRequired": result.RestartRequired,
		"changedFields":   result.ChangedFields,
	})
}

// HandleVRAMEstimate handles GET /api/settings/vram-estimate. The optional
// contextSize parameter overrides the configured context size.
func (h *Handlers) HandleVRAMEstimate(c *gin.Context) {
	contextSize := h.Settings.Get().ContextSize
	if raw := c.Query("contextSize"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 512 {
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error: "contextSize must be an integer >= 512",
				Code:  string(orchestrator.CodeValidation),
			})
			return
		}
		contextSize = parsed
	}
	c.JSON(http.StatusOK, h.Registry.EstimateVRAM(contextSize))
}

// HandleSettingsSchema handles GET /api/settings/schema: field metadata the
// UI renders its form from.
func (h *Handlers) HandleSettingsSchema(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"fields": h.Settings.Schema()})
}

func (h *Handlers) emitSettingsUpdated(result settings.PutResult) {
	if h.Bus == nil {
		return
	}
	h.Bus.EmitSystem(events.TypeSettingsUpdated, events.SeverityInfo,
		"settings updated", map[string]any{
			"restartRequired": result.RestartRequired,
			"changedFields":   result.ChangedFields,
		})
	if result.RestartRequired {
		slog.Warn("settings change requires restart", "fields", result.ChangedFields)
	}
}
