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
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/glassscore/services/evaluator/datatypes"
	"github.com/AleutianAI/glassscore/services/evaluator/engine"
	"github.com/AleutianAI/glassscore/services/evaluator/observability"
)

var tracer = otel.Tracer("glassscore.handlers")

// DefaultKeepAliveInterval is the interval between SSE keepalive comments
// and WebSocket pings.
const DefaultKeepAliveInterval = 15 * time.Second

// EvaluateHandler serves evaluation start and the evidence streams.
//
// # Description
//
// Start returns as soon as the round is dispatched. The stream endpoints
// attach a reader to the session's channel and forward every item until
// the client disconnects or the session is torn down. They do not end at
// evaluation_complete, so one connection sees later rounds and
// re-evaluations too.
type EvaluateHandler struct {
	engine    *engine.Engine
	metrics   *observability.Metrics
	keepAlive time.Duration
}

// NewEvaluateHandler creates an EvaluateHandler. A keepAlive of zero uses
// DefaultKeepAliveInterval. metrics may be nil.
func NewEvaluateHandler(eng *engine.Engine, metrics *observability.Metrics, keepAlive time.Duration) *EvaluateHandler {
	if keepAlive <= 0 {
		keepAlive = DefaultKeepAliveInterval
	}
	return &EvaluateHandler{engine: eng, metrics: metrics, keepAlive: keepAlive}
}

// StartEvaluation handles POST /api/evaluate/start.
//
// Responds 202 when the round was dispatched, 404 for unknown sessions and
// 409 while a round is already running.
func (h *EvaluateHandler) StartEvaluation(c *gin.Context) {
	ctx, span := tracer.Start(c.Request.Context(), "handlers.StartEvaluation")
	defer span.End()

	var req datatypes.SessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if err := req.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	span.SetAttributes(attribute.String("session.id", req.SessionID))

	if err := h.engine.Start(ctx, req.SessionID); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "started", "session_id": req.SessionID})
}

// StreamEvaluation handles GET and POST /api/evaluate/stream.
//
// # Description
//
// The session comes from the session_id query parameter or, for POST,
// a JSON body. A Last-Event-ID header resumes after that event; without
// it the reader starts at the beginning of the channel.
func (h *EvaluateHandler) StreamEvaluation(c *gin.Context) {
	ctx, span := tracer.Start(c.Request.Context(), "handlers.StreamEvaluation")
	defer span.End()

	sessionID, err := streamSessionID(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	from := resumeOffset(c.GetHeader("Last-Event-ID"))
	span.SetAttributes(
		attribute.String("session.id", sessionID),
		attribute.Int("stream.from", from),
	)

	sub, err := h.engine.Stream(ctx, sessionID, from)
	if err != nil {
		writeError(c, err)
		return
	}
	defer sub.Close()

	SetSSEHeaders(c.Writer)
	c.Status(http.StatusOK)
	writer, err := NewSSEWriter(c.Writer)
	if err != nil {
		slog.Error("SSE not supported by response writer", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
		return
	}
	c.Writer.Flush()

	h.metrics.StreamStarted(observability.TransportSSE)
	defer h.metrics.StreamEnded(observability.TransportSSE)
	slog.Info("SSE stream attached", "session_id", sessionID, "from", from)

	// The heartbeat must stop before the handler returns and gin reuses
	// the response writer.
	done := make(chan struct{})
	var heartbeat sync.WaitGroup
	heartbeat.Add(1)
	go func() {
		defer heartbeat.Done()
		h.runHeartbeat(ctx, writer, done)
	}()
	defer func() {
		close(done)
		heartbeat.Wait()
	}()

	for {
		entry, err := sub.Next(ctx)
		if err != nil {
			if errors.Is(err, engine.ErrStreamClosed) {
				slog.Info("SSE stream ended by teardown", "session_id", sessionID)
				_ = writer.WriteError("session closed")
				return
			}
			h.metrics.RecordClientDisconnect(observability.TransportSSE)
			slog.Info("SSE client disconnected", "session_id", sub.SessionID(), "offset", sub.Offset())
			return
		}
		if err := writer.WriteEntry(entry); err != nil {
			h.metrics.RecordClientDisconnect(observability.TransportSSE)
			slog.Debug("SSE write failed", "session_id", sessionID, "error", err)
			return
		}
	}
}

// runHeartbeat writes keepalive comments until done closes or ctx ends.
func (h *EvaluateHandler) runHeartbeat(ctx context.Context, writer SSEWriter, done <-chan struct{}) {
	ticker := time.NewTicker(h.keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := writer.WriteKeepAlive(); err != nil {
				slog.Debug("Failed to write keepalive", "error", err)
				return
			}
			h.metrics.RecordKeepAlive(observability.TransportSSE)
		}
	}
}

// streamSessionID reads the session from the query string, then from a
// JSON body.
func streamSessionID(c *gin.Context) (string, error) {
	if id := strings.TrimSpace(c.Query("session_id")); id != "" {
		return id, nil
	}
	if c.Request.Method == http.MethodPost && c.Request.ContentLength != 0 {
		var req datatypes.SessionRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			return "", errors.New("invalid request body")
		}
		if err := req.Validate(); err != nil {
			return "", err
		}
		return req.SessionID, nil
	}
	return "", errors.New("session_id is required")
}

// resumeOffset converts a Last-Event-ID into the offset of the next item.
// Event IDs are one-based offsets, so the next offset equals the ID.
func resumeOffset(lastEventID string) int {
	n, err := strconv.Atoi(strings.TrimSpace(lastEventID))
	if err != nil || n < 0 {
		return 0
	}
	return n
}
