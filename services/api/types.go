// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package api is the REST and WebSocket surface: thin Gin handlers over the
// registry, inference manager, orchestrator, and the observability stores.
package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/AleutianAI/Armada/services/orchestrator"
)

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	QueryID string `json:"queryId,omitempty"`
}

// requestIDHeader correlates log lines with client retries.
const requestIDHeader = "X-Request-ID"

// getOrCreateRequestID returns the inbound request id, minting one when the
// client did not send any.
func getOrCreateRequestID(c *gin.Context) string {
	id := c.GetHeader(requestIDHeader)
	if id == "" {
		id = uuid.NewString()
	}
	c.Header(requestIDHeader, id)
	return id
}

// statusFor maps the query error taxonomy onto HTTP statuses.
func statusFor(code orchestrator.ErrorCode) int {
	switch code {
	case orchestrator.CodeValidation:
		return http.StatusBadRequest
	case orchestrator.CodeNotFound:
		return http.StatusNotFound
	case orchestrator.CodeConflict:
		return http.StatusConflict
	case orchestrator.CodeNoModel:
		return http.StatusServiceUnavailable
	case orchestrator.CodeUpstreamTimeout, orchestrator.CodeUpstreamHTTP:
		return http.StatusBadGateway
	case orchestrator.CodeStartupTimeout:
		return http.StatusGatewayTimeout
	case orchestrator.CodeCancelled:
		// Client went away; 499 in the nginx tradition.
		return 499
	default:
		return http.StatusInternalServerError
	}
}
