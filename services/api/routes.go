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
	"github.com/gin-gonic/gin"
)

// RegisterRoutes registers all /api endpoints with the router.
//
// Description:
//
//	Registers the control-plane surface with the given Gin router group.
//	The group should already have any required middleware applied.
//
// Inputs:
//
//	rg - Gin router group (typically /api)
//	handlers - The handlers instance
//	queryMiddleware - Optional middleware applied to POST /query only
//	  (rate limiting). Can be nil.
//
// Endpoints:
//
//	POST /api/query - Run a query
//	GET  /api/health - Liveness
//
//	GET  /api/models/registry - Full registry snapshot
//	POST /api/models/rescan - Rescan the model directory
//	PUT  /api/models/:id/tier - Set or clear a tier override
//	PUT  /api/models/:id/thinking - Set the thinking override
//	PUT  /api/models/:id/enabled - Toggle enabled (starts/stops the server)
//	GET  /api/models/tiers/:tier - Models at one tier
//
//	GET  /api/models/servers - Running servers
//	POST /api/models/servers/:id/start - Start one server
//	POST /api/models/servers/:id/stop - Stop one server
//	POST /api/models/servers/start-all - Start every enabled model
//	POST /api/models/servers/stop-all - Stop everything
//
//	GET    /api/models/profiles - List profile names
//	GET    /api/models/profiles/:name - One profile
//	POST   /api/models/profiles - Save a profile
//	DELETE /api/models/profiles/:name - Delete a profile
//	POST   /api/models/profiles/:name/load - Apply a profile
//
//	GET /api/pipeline/status/:query_id - Pipeline detail
//	GET /api/pipeline/stats - Tracker population stats
//	GET /api/context/allocation/:query_id - Context allocation detail
//	GET /api/context/stats - Allocator population stats
//
//	GET /api/timeseries - Filtered series
//	GET /api/timeseries/summary - Descriptive statistics
//	GET /api/timeseries/comparison - Aligned multi-metric series
//	GET /api/timeseries/models - Per-model breakdown
//	GET /api/metrics/routing - Routing decision analytics
//
//	GET  /api/settings - Current document
//	PUT  /api/settings - Replace the document
//	POST /api/settings/reset - Back to defaults
//	POST /api/settings/validate - Dry-run validation
//	POST /api/settings/import - Replace from an exported document
//	GET  /api/settings/export - Download the document
//	GET  /api/settings/vram-estimate - Fleet VRAM estimate
//	GET  /api/settings/schema - Field metadata for the UI
func RegisterRoutes(rg *gin.RouterGroup, handlers *Handlers, queryMiddleware gin.HandlerFunc) {
	if queryMiddleware != nil {
		rg.POST("/query", queryMiddleware, handlers.HandleQuery)
	} else {
		rg.POST("/query", handlers.HandleQuery)
	}
	rg.GET("/health", handlers.HandleHealth)

	models := rg.Group("/models")
	{
		models.GET("/registry", handlers.HandleGetRegistry)
		models.POST("/rescan", handlers.HandleRescan)
		models.PUT("/:id/tier", handlers.HandleUpdateTier)
		models.PUT("/:id/thinking", handlers.HandleUpdateThinking)
		models.PUT("/:id/enabled", handlers.HandleUpdateEnabled)
		models.GET("/tiers/:tier", handlers.HandleGetTier)

		servers := models.Group("/servers")
		{
			servers.GET("", handlers.HandleListServers)
			// Literal routes must be registered before the :id wildcard.
			servers.POST("/start-all", handlers.HandleStartAll)
			servers.POST("/stop-all", handlers.HandleStopAll)
			servers.POST("/:id/start", handlers.HandleStartServer)
			servers.POST("/:id/stop", handlers.HandleStopServer)
		}

		profiles := models.Group("/profiles")
		{
			profiles.GET("", handlers.HandleListProfiles)
			profiles.GET("/:name", handlers.HandleGetProfile)
			profiles.POST("", handlers.HandleSaveProfile)
			profiles.DELETE("/:name", handlers.HandleDeleteProfile)
			profiles.POST("/:name/load", handlers.HandleLoadProfile)
		}
	}

	pipeline := rg.Group("/pipeline")
	{
		pipeline.GET("/status/:query_id", handlers.HandlePipelineStatus)
		pipeline.GET("/stats", handlers.HandlePipelineStats)
	}

	contextGroup := rg.Group("/context")
	{
		contextGroup.GET("/allocation/:query_id", handlers.HandleContextAllocation)
		contextGroup.GET("/stats", handlers.HandleContextStats)
	}

	timeseries := rg.Group("/timeseries")
	{
		timeseries.GET("", handlers.HandleTimeseries)
		timeseries.GET("/summary", handlers.HandleTimeseriesSummary)
		timeseries.GET("/comparison", handlers.HandleTimeseriesComparison)
		timeseries.GET("/models", handlers.HandleTimeseriesModels)
	}

	rg.GET("/metrics/routing", handlers.HandleRoutingMetrics)

	settings := rg.Group("/settings")
	{
		settings.GET("", handlers.HandleGetSettings)
		settings.PUT("", handlers.HandlePutSettings)
		settings.POST("/reset", handlers.HandleResetSettings)
		settings.POST("/validate", handlers.HandleValidateSettings)
		settings.POST("/import", handlers.HandleImportSettings)
		settings.GET("/export", handlers.HandleExportSettings)
		settings.GET("/vram-estimate", handlers.HandleVRAMEstimate)
		settings.GET("/schema", handlers.HandleSettingsSchema)
	}
}
