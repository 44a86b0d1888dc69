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
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"golang.org/x/time/rate"
)

// serviceName tags otelgin spans.
const serviceName = "armada"

// NewRouter assembles the Gin engine: otelgin tracing, Prometheus
// exposition at /metrics, the REST surface under /api, and the event
// WebSocket at /ws/events.
func NewRouter(handlers *Handlers) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(serviceName))

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/ws/events", handlers.HandleEventsWS)

	apiGroup := router.Group("/api")
	RegisterRoutes(apiGroup, handlers, queryRateLimit(handlers))
	return router
}

// queryRateLimit returns a token-bucket middleware for POST /api/query.
//
// The limit follows the live settings document: 0 disables limiting, and a
// changed rate swaps the limiter on the next request. Burst equals the rate
// so a one-second stall never penalizes an interactive user.
func queryRateLimit(handlers *Handlers) gin.HandlerFunc {
	var mu sync.Mutex
	var limiter *rate.Limiter
	var configured int

	return func(c *gin.Context) {
		perSec := handlers.Settings.Get().QueryRateLimitPerSec
		if perSec <= 0 {
			c.Next()
			return
		}
		mu.Lock()
		if limiter == nil || configured != perSec {
			limiter = rate.NewLimiter(rate.Limit(perSec), perSec)
			configured = perSec
		}
		l := limiter
		mu.Unlock()

		if !l.Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, ErrorResponse{
				Error: "query rate limit exceeded",
				Code:  "RATE_LIMITED",
			})
			return
		}
		c.Next()
	}
}
