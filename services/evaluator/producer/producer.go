// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package producer contains the evidence producers run by an evaluation
// round and the collaborators they delegate to.
//
// # Description
//
// A Producer turns a session snapshot into zero or more evidence items.
// Producers never touch the session store or the broadcast log; the
// engine pushes what they return. Run wraps a producer with a deadline
// and panic recovery so that every failure surfaces as a *Failure.
package producer

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/glassscore/services/evaluator/datatypes"
)

var tracer = otel.Tracer("glassscore.producer")

// =============================================================================
// Kinds
// =============================================================================

// Kind names a producer variant.
type Kind string

const (
	KindModel        Kind = "model"
	KindText         Kind = "text"
	KindWeb          Kind = "web"
	KindReevaluation Kind = "reevaluation"
)

// FailureSource is the source of evidence reporting a producer failure.
const FailureSource = "System Error"

// =============================================================================
// Interfaces
// =============================================================================

// Input is the data a producer reads. Session is a deep copy; producers
// may keep it.
type Input struct {
	Session datatypes.Session

	// Reevaluation is set only for KindReevaluation.
	Reevaluation *ReevaluationRequest
}

// Producer emits evidence for one evaluation round.
type Producer interface {
	Kind() Kind
	Produce(ctx context.Context, in Input) ([]datatypes.Evidence, error)
}

// =============================================================================
// Failure
// =============================================================================

// ErrTimedOut is wrapped by a Failure when a producer overran its deadline.
var ErrTimedOut = errors.New("timed out")

// ErrPanicked is wrapped by a Failure when a producer panicked.
var ErrPanicked = errors.New("panicked")

// Failure is a contained producer error.
type Failure struct {
	Kind Kind
	Err  error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s producer failed: %v", f.Kind, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

// Evidence converts the failure into the score-0 item pushed in place of
// the producer's output.
func (f *Failure) Evidence() datatypes.Evidence {
	item := datatypes.NewEvidence(0, fmt.Sprintf("Error in %s evaluation: %v", f.Kind, f.Err), "", FailureSource)
	item.Producer = string(f.Kind)
	return item
}

// =============================================================================
// Run
// =============================================================================

// Run executes p with a deadline and panic recovery.
//
// # Description
//
// The producer runs in its own goroutine. Run returns when the producer
// finishes or when the deadline passes, whichever comes first; a producer
// that ignores its context is abandoned and its late result discarded.
// Returned items are normalized: ID cleared, event type evidence, valid
// set, Producer tagged with the kind.
//
// # Inputs
//
//   - ctx: Parent context. Should be detached from any HTTP request.
//   - p: Producer to run.
//   - in: Snapshot the producer reads.
//   - timeout: Deadline for the run. Zero or negative means no deadline.
//
// # Outputs
//
//   - []datatypes.Evidence: Items to push, in producer order.
//   - error: *Failure for any error, timeout or panic.
func Run(ctx context.Context, p Producer, in Input, timeout time.Duration) ([]datatypes.Evidence, error) {
	kind := p.Kind()
	ctx, span := tracer.Start(ctx, "producer.Run")
	span.SetAttributes(attribute.String("producer.kind", string(kind)))
	defer span.End()

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	type result struct {
		items []datatypes.Evidence
		err   error
	}
	done := make(chan result, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: fmt.Errorf("%w: %v\n%s", ErrPanicked, r, debug.Stack())}
			}
		}()
		items, err := p.Produce(ctx, in)
		done <- result{items: items, err: err}
	}()

	var res result
	select {
	case res = <-done:
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			res.err = ErrTimedOut
		} else {
			res.err = ctx.Err()
		}
	}

	if res.err != nil {
		if errors.Is(res.err, context.DeadlineExceeded) {
			res.err = fmt.Errorf("%w: %w", ErrTimedOut, res.err)
		}
		span.RecordError(res.err)
		span.SetStatus(codes.Error, res.err.Error())
		return nil, &Failure{Kind: kind, Err: res.err}
	}

	items := make([]datatypes.Evidence, 0, len(res.items))
	for _, item := range res.items {
		item.ID = 0
		item.EventType = datatypes.EventEvidence
		item.Valid = true
		item.InvalidateReason = ""
		item.Producer = string(kind)
		items = append(items, item)
	}
	span.SetAttributes(attribute.Int("producer.items", len(items)))
	return items, nil
}
