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
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/Armada/services/metrics"
	"github.com/AleutianAI/Armada/services/orchestrator"
)

// queryWindow parses the metric and range query parameters shared by the
// timeseries endpoints. Range defaults to 1h.
func queryWindow(c *gin.Context) (metrics.MetricType, metrics.Range, bool) {
	t, err := metrics.ParseMetricType(c.Query("metric"))
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: err.Error(), Code: string(orchestrator.CodeValidation),
		})
		return "", "", false
	}
	rngStr := c.Query("range")
	if rngStr == "" {
		rngStr = "1h"
	}
	rng, err := metrics.ParseRange(rngStr)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: err.Error(), Code: string(orchestrator.CodeValidation),
		})
		return "", "", false
	}
	return t, rng, true
}

// HandleTimeseries handles GET /api/timeseries?metric&range&model&tier&mode.
func (h *Handlers) HandleTimeseries(c *gin.Context) {
	t, rng, ok := queryWindow(c)
	if !ok {
		return
	}
	f := metrics.Filters{
		ModelID:   c.Query("model"),
		Tier:      c.Query("tier"),
		QueryMode: c.Query("mode"),
	}
	c.JSON(http.StatusOK, gin.H{
		"metric": t,
		"range":  rng,
		"points": h.Aggregator.Query(t, rng, f),
	})
}

// HandleTimeseriesSummary handles GET /api/timeseries/summary?metric&range.
func (h *Handlers) HandleTimeseriesSummary(c *gin.Context) {
	t, rng, ok := queryWindow(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"metric":  t,
		"range":   rng,
		"summary": h.Aggregator.Summarize(t, rng, metrics.Filters{}),
	})
}

// HandleTimeseriesComparison handles
// GET /api/timeseries/comparison?metrics=a,b,c&range. Buckets are aligned
// across all requested metrics so the UI can draw multi-line charts.
func (h *Handlers) HandleTimeseriesComparison(c *gin.Context) {
	raw := c.Query("metrics")
	if raw == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "metrics parameter is required", Code: string(orchestrator.CodeValidation),
		})
		return
	}
	var types []metrics.MetricType
	for _, part := range strings.Split(raw, ",") {
		t, err := metrics.ParseMetricType(part)
		if err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error: err.Error(), Code: string(orchestrator.CodeValidation),
			})
			return
		}
		types = append(types, t)
	}
	rngStr := c.Query("range")
	if rngStr == "" {
		rngStr = "1h"
	}
	rng, err := metrics.ParseRange(rngStr)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: err.Error(), Code: string(orchestrator.CodeValidation),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"range":  rng,
		"series": h.Aggregator.Compare(types, rng),
	})
}

// HandleTimeseriesModels handles GET /api/timeseries/models?metric&range:
// the per-model breakdown of one metric.
func (h *Handlers) HandleTimeseriesModels(c *gin.Context) {
	t, rng, ok := queryWindow(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"metric": t,
		"range":  rng,
		"models": h.Aggregator.Breakdown(t, rng),
	})
}

// HandleRoutingMetrics handles GET /api/metrics/routing.
func (h *Handlers) HandleRoutingMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, h.Orch.Routing().Report(h.Registry, h.Manager))
}
