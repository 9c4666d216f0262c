// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers implements the HTTP surface of the evaluator.
package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/glassscore/services/evaluator/datatypes"
	"github.com/AleutianAI/glassscore/services/evaluator/engine"
	"github.com/AleutianAI/glassscore/services/evaluator/session"
)

// writeError maps engine and store errors to status codes. Unexpected
// errors are logged and answered with a generic message.
func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
	case errors.Is(err, session.ErrEvidenceNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "evidence not found"})
	case errors.Is(err, session.ErrAlreadyInProgress):
		c.JSON(http.StatusConflict, gin.H{"error": "evaluation already in progress"})
	default:
		slog.Error("request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

// bindRequest decodes and validates a JSON body, answering 400 on failure.
func bindRequest(c *gin.Context, req interface{ Validate() error }) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return false
	}
	if err := req.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return false
	}
	return true
}

func CreateSession(eng *engine.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, eng.Create())
	}
}

func GetSession(eng *engine.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionID := strings.TrimSpace(c.Query("session_id"))
		if sessionID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "session_id is required"})
			return
		}
		s, err := eng.Get(sessionID)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, s)
	}
}

// UpdateProfile replaces the applicant profile and loan application.
// Omitted parts are left unchanged.
func UpdateProfile(eng *engine.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req datatypes.UpdateProfileRequest
		if !bindRequest(c, &req) {
			return
		}
		s, err := eng.UpdateProfile(req.SessionID, req.UserProfile, req.LoanApplication)
		if err != nil {
			writeError(c, err)
			return
		}
		slog.Info("profile updated", "session_id", req.SessionID)
		c.JSON(http.StatusOK, s)
	}
}

// AttachContent attaches a document. A duplicate key is stored under the
// first free key_N suffix.
func AttachContent(eng *engine.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req datatypes.AttachContentRequest
		if !bindRequest(c, &req) {
			return
		}
		s, err := eng.AttachContent(req.SessionID, req.TextContent)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, s)
	}
}

// UpdateEvidence toggles the validity of one evidence item. Invalidating
// dispatches a re-evaluation whose result arrives on the session's stream.
func UpdateEvidence(eng *engine.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := tracer.Start(c.Request.Context(), "handlers.UpdateEvidence")
		defer span.End()

		var req datatypes.UpdateEvidenceRequest
		if !bindRequest(c, &req) {
			return
		}
		s, err := eng.SetEvidenceValidity(ctx, req.SessionID, req.EvidenceID, *req.Valid, req.InvalidateReason)
		if err != nil {
			span.RecordError(err)
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, s)
	}
}

// DeleteSession tears a session down and ends its streams.
func DeleteSession(eng *engine.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionID := c.Param("session_id")
		slog.Info("Received a request to delete a session", "session_id", sessionID)
		if err := eng.Teardown(c.Request.Context(), sessionID); err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "success", "deleted_session_id": sessionID})
	}
}

// GetArchivedSession returns the last snapshot written to the archive,
// which outlives teardown.
func GetArchivedSession(eng *engine.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionID := strings.TrimSpace(c.Query("session_id"))
		if sessionID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "session_id is required"})
			return
		}
		s, err := eng.Archived(c.Request.Context(), sessionID)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, s)
	}
}
