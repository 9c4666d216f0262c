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
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/AleutianAI/glassscore/services/evaluator/broadcast"
)

// =============================================================================
// Interface Definition
// =============================================================================

// SSEWriter writes evidence channel items as Server-Sent Events.
//
// # Description
//
// Each item becomes one frame:
//
//	id: <offset+1>
//	event: <event_type>
//	data: <evidence json>
//
// The id is the one-based channel position, so a client reconnecting with
// Last-Event-ID: n resumes at offset n without gaps or repeats.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use. The heartbeat goroutine
// writes keepalives while the stream loop writes items.
type SSEWriter interface {
	// WriteEntry writes one channel item and flushes.
	WriteEntry(entry broadcast.Entry) error

	// WriteError writes an error event with a client-safe message.
	WriteError(message string) error

	// WriteKeepAlive writes an SSE comment that clients ignore.
	WriteKeepAlive() error
}

// =============================================================================
// Implementation
// =============================================================================

type sseWriter struct {
	mu      sync.Mutex
	writer  http.ResponseWriter
	flusher http.Flusher
}

// NewSSEWriter creates an SSEWriter over w.
//
// # Outputs
//
//   - SSEWriter: Ready to write.
//   - error: Non-nil if w does not implement http.Flusher.
func NewSSEWriter(w http.ResponseWriter) (SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("ResponseWriter does not support http.Flusher")
	}
	return &sseWriter{writer: w, flusher: flusher}, nil
}

// WriteEntry implements SSEWriter.
func (w *sseWriter) WriteEntry(entry broadcast.Entry) error {
	data, err := json.Marshal(entry.Evidence)
	if err != nil {
		return fmt.Errorf("marshal evidence: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := fmt.Fprintf(w.writer, "id: %d\nevent: %s\ndata: %s\n\n",
		entry.Offset+1, entry.Evidence.EventType, data); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	w.flusher.Flush()
	return nil
}

// WriteError implements SSEWriter.
func (w *sseWriter) WriteError(message string) error {
	data, err := json.Marshal(map[string]string{"error": message})
	if err != nil {
		return fmt.Errorf("marshal error: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := fmt.Fprintf(w.writer, "event: error\ndata: %s\n\n", data); err != nil {
		return fmt.Errorf("write error event: %w", err)
	}
	w.flusher.Flush()
	return nil
}

// WriteKeepAlive implements SSEWriter.
func (w *sseWriter) WriteKeepAlive() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := fmt.Fprint(w.writer, ": ping\n\n"); err != nil {
		return fmt.Errorf("write keepalive: %w", err)
	}
	w.flusher.Flush()
	return nil
}

// =============================================================================
// Helper Functions
// =============================================================================

// SetSSEHeaders sets the response headers for an event stream. Must be
// called before the first write.
func SetSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

var _ SSEWriter = (*sseWriter)(nil)
