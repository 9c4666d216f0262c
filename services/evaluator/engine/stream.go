// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engine

import (
	"context"
	"errors"
	"sync"

	"github.com/AleutianAI/glassscore/services/evaluator/broadcast"
	"github.com/AleutianAI/glassscore/services/evaluator/datatypes"
	"github.com/AleutianAI/glassscore/services/evaluator/session"
)

// ErrStreamClosed is returned by Subscription.Next after the session was
// torn down and every earlier item has been delivered.
var ErrStreamClosed = broadcast.ErrClosed

// Subscription is one reader over a session's evidence channel.
//
// A subscription does not end at evaluation_complete; it stays open for
// later rounds and re-evaluations until its context ends or the session
// is torn down. While open it keeps the session from expiring; callers
// must Close it.
type Subscription struct {
	engine    *Engine
	sessionID string
	reader    *broadcast.Reader
	closeOnce sync.Once
}

// Stream attaches a new reader to the session's channel starting at
// offset from. Offsets past the end are clamped. Evidence before from is
// recorded in the evidence list at attach time.
//
// # Outputs
//
//   - *Subscription: Ready to drain.
//   - error: session.ErrSessionNotFound for unknown or torn-down sessions.
func (e *Engine) Stream(_ context.Context, sessionID string, from int) (*Subscription, error) {
	reader, err := e.store.Attach(sessionID, from)
	if err != nil {
		return nil, err
	}
	sub := &Subscription{engine: e, sessionID: sessionID, reader: reader}
	if skipped := reader.Offset(); skipped > 0 {
		sub.recordBacklog(skipped)
	}
	return sub, nil
}

// recordBacklog records the evidence before a resume offset, which this
// subscription will never deliver.
func (s *Subscription) recordBacklog(n int) {
	items, err := s.engine.store.Backlog(s.sessionID, n)
	if err != nil {
		return
	}
	for _, item := range items {
		s.record(item)
	}
}

// Next blocks until the next item and records evidence items in the
// session's evidence list. Appends are idempotent, so concurrent
// subscriptions never duplicate an item.
//
// # Outputs
//
//   - broadcast.Entry: The item and its offset in the channel.
//   - error: ctx.Err() on disconnect, ErrStreamClosed after teardown.
func (s *Subscription) Next(ctx context.Context) (broadcast.Entry, error) {
	entry, err := s.reader.Next(ctx)
	if err != nil {
		return entry, err
	}
	s.record(entry.Evidence)
	return entry, nil
}

func (s *Subscription) record(item datatypes.Evidence) {
	if item.EventType != datatypes.EventEvidence {
		return
	}
	if _, err := s.engine.store.AppendEvidence(s.sessionID, item); err != nil &&
		!errors.Is(err, session.ErrSessionNotFound) {
		s.engine.logger.Warn("failed to record streamed evidence",
			"session_id", s.sessionID,
			"evidence_id", item.ID,
			"error", err)
	}
}

// Close detaches the subscription so the session can expire again. Safe
// to call more than once.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() { s.engine.store.Detach(s.sessionID) })
}

// SessionID returns the session the subscription reads.
func (s *Subscription) SessionID() string { return s.sessionID }

// Offset returns the offset of the next item to be delivered.
func (s *Subscription) Offset() int { return s.reader.Offset() }
