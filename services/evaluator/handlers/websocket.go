// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/AleutianAI/glassscore/services/evaluator/engine"
	"github.com/AleutianAI/glassscore/services/evaluator/observability"
)

const wsWriteWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  4 * 1024,
	WriteBufferSize: 64 * 1024,
}

func sendJSON(ws *websocket.Conn, v interface{}) error {
	_ = ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
	err := ws.WriteJSON(v)
	if err != nil {
		slog.Warn("Failed to write WebSocket JSON", "error", err)
	}
	return err
}

// StreamWebSocket handles GET /api/evaluate/ws?session_id=.
//
// # Description
//
// Sends one JSON text message per channel item, the evidence object with
// its event_type. The optional from query parameter starts the reader at
// that offset. Inbound messages are ignored except for close frames.
// When the session is torn down the server closes with a normal closure.
func (h *EvaluateHandler) StreamWebSocket(c *gin.Context) {
	sessionID := strings.TrimSpace(c.Query("session_id"))
	if sessionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "session_id is required"})
		return
	}
	from := resumeOffset(c.Query("from"))

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	// Resolve the session before upgrading so unknown IDs get a plain 404.
	sub, err := h.engine.Stream(ctx, sessionID, from)
	if err != nil {
		writeError(c, err)
		return
	}
	defer sub.Close()

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slog.Error("failed to upgrade the websocket", "error", err)
		return
	}
	defer ws.Close()

	h.metrics.StreamStarted(observability.TransportWebSocket)
	defer h.metrics.StreamEnded(observability.TransportWebSocket)
	slog.Info("Websocket client connected", "session_id", sessionID, "from", from)

	go func() {
		defer cancel()
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()
	var ping sync.WaitGroup
	ping.Add(1)
	go func() {
		defer ping.Done()
		h.runPing(ctx, ws)
	}()
	defer func() {
		cancel()
		ping.Wait()
	}()

	for {
		entry, err := sub.Next(ctx)
		if err != nil {
			if errors.Is(err, engine.ErrStreamClosed) {
				_ = ws.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session closed"),
					time.Now().Add(wsWriteWait))
				slog.Info("Websocket stream ended by teardown", "session_id", sessionID)
				return
			}
			h.metrics.RecordClientDisconnect(observability.TransportWebSocket)
			slog.Info("Websocket client disconnected", "session_id", sub.SessionID(), "offset", sub.Offset())
			return
		}
		if err := sendJSON(ws, entry.Evidence); err != nil {
			h.metrics.RecordClientDisconnect(observability.TransportWebSocket)
			return
		}
	}
}

// runPing sends WebSocket pings at the keepalive interval until ctx ends.
func (h *EvaluateHandler) runPing(ctx context.Context, ws *websocket.Conn) {
	ticker := time.NewTicker(h.keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				slog.Debug("Failed to write websocket ping", "error", err)
				return
			}
			h.metrics.RecordKeepAlive(observability.TransportWebSocket)
		}
	}
}
