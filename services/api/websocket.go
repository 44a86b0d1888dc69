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
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// =============================================================================
// Event WebSocket
// =============================================================================
//
// GET /ws/events upgrades and streams every bus event as JSON. Each socket
// owns one bus subscription; slow consumers lose the oldest buffered events
// (the subscription's drop counter is reported in the close log line) and
// the HTTP path is never blocked.

const (
	wsWriteDeadline = 10 * time.Second
	wsPingInterval  = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Local single-user control plane; the UI may be served from another
	// port during development.
	CheckOrigin: func(*http.Request) bool { return true },
}

// HandleEventsWS handles GET /ws/events.
func (h *Handlers) HandleEventsWS(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleEventsWS")

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	sub := h.Bus.Subscribe()
	logger.Info("event subscriber connected", "remote", conn.RemoteAddr().String())

	// Reader goroutine: we ignore client frames but must consume them to
	// process close messages and detect disconnects.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPingInterval)
	defer func() {
		ticker.Stop()
		h.Bus.Unsubscribe(sub)
		conn.Close()
		logger.Info("event subscriber disconnected",
			"remote", conn.RemoteAddr().String(), "dropped", sub.Dropped())
	}()

	for {
		select {
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteDeadline))
			if err := conn.WriteJSON(ev); err != nil {
				logger.Warn("websocket write failed", "error", err)
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteDeadline))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		case <-c.Request.Context().Done():
			return
		}
	}
}
