// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package engine orchestrates evaluation rounds, evidence streams and
// re-evaluation of invalidated evidence.
//
// # Description
//
// The Engine is the only component that combines the session store with
// producers. Start dispatches every producer of a round concurrently and
// returns at once; producers push their evidence onto the session's
// broadcast log as they finish. Streams drain that log and record each
// observed evidence item in the session's evidence list. Invalidating an
// item dispatches a single re-evaluation in the background.
//
// Background work runs on a context owned by the engine, never on the
// context of the request that triggered it. Shutdown cancels that context
// and waits for outstanding work.
//
// # Thread Safety
//
// All Engine methods are safe for concurrent use.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/glassscore/services/evaluator/datatypes"
	"github.com/AleutianAI/glassscore/services/evaluator/observability"
	"github.com/AleutianAI/glassscore/services/evaluator/producer"
	"github.com/AleutianAI/glassscore/services/evaluator/session"
)

var tracer = otel.Tracer("glassscore.engine")

// DefaultProducerTimeout bounds a single producer run.
const DefaultProducerTimeout = 2 * time.Minute

// Classifier labels attached text with its most sensitive data class.
type Classifier interface {
	ClassifyData(data []byte) string
}

// Engine runs evaluation rounds over a session store.
type Engine struct {
	store       *session.Store
	producers   []producer.Producer
	reevaluator producer.Producer
	classifier  Classifier
	metrics     *observability.Metrics
	logger      *slog.Logger
	timeout     time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures an Engine.
type Option func(*Engine)

// WithReevaluator sets the producer used for invalidated evidence.
func WithReevaluator(p producer.Producer) Option {
	return func(e *Engine) { e.reevaluator = p }
}

// WithClassifier classifies attached content.
func WithClassifier(c Classifier) Option {
	return func(e *Engine) { e.classifier = c }
}

// WithMetrics records engine metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithProducerTimeout bounds every producer run. Zero disables the bound.
func WithProducerTimeout(d time.Duration) Option {
	return func(e *Engine) { e.timeout = d }
}

// New creates an engine. producers run on every Start, in the given
// order of dispatch.
func New(store *session.Store, producers []producer.Producer, opts ...Option) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		store:     store,
		producers: producers,
		logger:    slog.Default(),
		timeout:   DefaultProducerTimeout,
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// =============================================================================
// Sessions
// =============================================================================

// Create registers a new session.
func (e *Engine) Create() datatypes.Session {
	s := e.store.Create()
	e.metrics.SetSessionsActive(e.store.Len())
	e.logger.Info("session created", "session_id", s.SessionID)
	return s
}

// Get returns a copy of the session.
func (e *Engine) Get(sessionID string) (datatypes.Session, error) {
	return e.store.Get(sessionID)
}

// UpdateProfile replaces the non-nil parts of the applicant data.
func (e *Engine) UpdateProfile(sessionID string, profile *datatypes.UserProfile,
	loan *datatypes.LoanApplication) (datatypes.Session, error) {
	return e.store.UpdateProfile(sessionID, profile, loan)
}

// AttachContent classifies and attaches a document.
func (e *Engine) AttachContent(sessionID string, content datatypes.TextContent) (datatypes.Session, error) {
	if e.classifier != nil {
		content.Classification = e.classifier.ClassifyData([]byte(content.Text))
	}
	s, err := e.store.AttachContent(sessionID, content)
	if err != nil {
		return s, err
	}
	e.logger.Info("content attached",
		"session_id", sessionID,
		"key", content.Key,
		"classification", content.Classification)
	return s, nil
}

// Teardown removes a session and ends its streams.
func (e *Engine) Teardown(ctx context.Context, sessionID string) error {
	if err := e.store.Teardown(ctx, sessionID); err != nil {
		return err
	}
	e.metrics.SetSessionsActive(e.store.Len())
	e.logger.Info("session torn down", "session_id", sessionID)
	return nil
}

// Archived returns the last archived snapshot of a session.
func (e *Engine) Archived(ctx context.Context, sessionID string) (datatypes.Session, error) {
	return e.store.Archived(ctx, sessionID)
}

// ExpireIdle tears down sessions idle for longer than ttl and returns how
// many were removed.
func (e *Engine) ExpireIdle(ctx context.Context, ttl time.Duration) (int, error) {
	expired := 0
	for _, id := range e.store.Idle(ttl) {
		if err := ctx.Err(); err != nil {
			return expired, err
		}
		if err := e.store.Teardown(ctx, id); err != nil {
			if errors.Is(err, session.ErrSessionNotFound) {
				continue
			}
			return expired, err
		}
		expired++
		e.metrics.RecordSessionExpired()
		e.logger.Info("session expired", "session_id", id, "ttl", ttl.String())
	}
	e.metrics.SetSessionsActive(e.store.Len())
	return expired, nil
}

// =============================================================================
// Evaluation
// =============================================================================

// Start begins an evaluation round and returns once it is dispatched.
//
// # Description
//
// The in-progress guard is set and evaluation_start pushed atomically.
// Every producer then runs concurrently on a snapshot of the session.
// When all have finished, evaluation_complete is pushed and the guard
// cleared atomically. ctx only carries the trace; cancelling it does not
// stop the round.
//
// # Outputs
//
//   - error: session.ErrSessionNotFound or session.ErrAlreadyInProgress.
func (e *Engine) Start(ctx context.Context, sessionID string) error {
	if err := e.store.BeginEvaluation(sessionID); err != nil {
		switch {
		case errors.Is(err, session.ErrAlreadyInProgress):
			e.metrics.RecordEvaluation(observability.OutcomeRejected)
		case errors.Is(err, session.ErrSessionNotFound):
			e.metrics.RecordEvaluation(observability.OutcomeNotFound)
		}
		return err
	}
	e.metrics.RecordEvaluation(observability.OutcomeStarted)
	e.metrics.RecordPush(string(datatypes.EventEvaluationStart))

	snapshot, err := e.store.Get(sessionID)
	if err != nil {
		// Torn down between begin and snapshot; nothing left to finish.
		return err
	}

	roundCtx := trace.ContextWithSpan(e.ctx, trace.SpanFromContext(ctx))
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.runRound(roundCtx, snapshot)
	}()

	e.logger.Info("evaluation started",
		"session_id", sessionID,
		"producers", len(e.producers),
		"text_contents", len(snapshot.TextContents))
	return nil
}

func (e *Engine) runRound(ctx context.Context, snapshot datatypes.Session) {
	sessionID := snapshot.SessionID
	ctx, span := tracer.Start(ctx, "engine.Round")
	span.SetAttributes(attribute.String("session.id", sessionID))
	defer span.End()

	in := producer.Input{Session: snapshot}
	var g errgroup.Group
	for _, p := range e.producers {
		g.Go(func() error {
			e.runProducer(ctx, sessionID, p, in)
			return nil
		})
	}
	_ = g.Wait()

	if err := e.store.FinishEvaluation(sessionID); err != nil {
		e.logger.Warn("could not finish evaluation", "session_id", sessionID, "error", err)
		return
	}
	e.metrics.RecordPush(string(datatypes.EventEvaluationComplete))
	e.logger.Info("evaluation complete", "session_id", sessionID)
}

// runProducer runs one producer and pushes its items, or one failure
// item in their place.
func (e *Engine) runProducer(ctx context.Context, sessionID string, p producer.Producer, in producer.Input) {
	kind := string(p.Kind())
	started := time.Now()
	items, err := producer.Run(ctx, p, in, e.timeout)

	if err != nil {
		reason := failureReason(err)
		e.metrics.RecordProducer(kind, time.Since(started), reason)
		e.logger.Warn("producer failed",
			"session_id", sessionID,
			"producer", kind,
			"reason", reason,
			"error", err)

		var failure *producer.Failure
		if !errors.As(err, &failure) {
			failure = &producer.Failure{Kind: p.Kind(), Err: err}
		}
		e.push(sessionID, failure.Evidence())
		return
	}

	e.metrics.RecordProducer(kind, time.Since(started), "")
	for _, item := range items {
		if !e.push(sessionID, item) {
			return
		}
	}
	e.logger.Debug("producer finished", "session_id", sessionID, "producer", kind, "items", len(items))
}

// push appends item to the session channel. It returns false once the
// session is gone.
func (e *Engine) push(sessionID string, item datatypes.Evidence) bool {
	if _, err := e.store.Push(sessionID, item); err != nil {
		if !errors.Is(err, session.ErrSessionNotFound) {
			e.logger.Error("push failed", "session_id", sessionID, "error", err)
		}
		return false
	}
	e.metrics.RecordPush(string(item.EventType))
	return true
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, producer.ErrTimedOut):
		return observability.ReasonTimeout
	case errors.Is(err, producer.ErrPanicked):
		return observability.ReasonPanic
	default:
		return observability.ReasonError
	}
}

// =============================================================================
// Evidence Validity
// =============================================================================

// SetEvidenceValidity flips the validity of one evidence item.
//
// # Description
//
// The item is never removed. When valid is false a single re-evaluation
// is dispatched in the background and exactly one new item with source
// "Re-evaluation of Evidence #<id>" is later pushed onto the session's
// channel. Setting valid to true clears the reason and dispatches nothing.
//
// # Outputs
//
//   - datatypes.Session: The updated session.
//   - error: session.ErrSessionNotFound or session.ErrEvidenceNotFound.
func (e *Engine) SetEvidenceValidity(ctx context.Context, sessionID string, evidenceID int64,
	valid bool, reason string) (datatypes.Session, error) {

	snapshot, err := e.store.SetEvidenceValidity(sessionID, evidenceID, valid, reason)
	if err != nil {
		return snapshot, err
	}
	if valid {
		return snapshot, nil
	}

	original, ok := snapshot.FindEvidence(evidenceID)
	if !ok {
		return snapshot, fmt.Errorf("evidence %d: %w", evidenceID, session.ErrEvidenceNotFound)
	}

	reCtx := trace.ContextWithSpan(e.ctx, trace.SpanFromContext(ctx))
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.reevaluate(reCtx, snapshot, original, reason)
	}()
	e.logger.Info("evidence invalidated",
		"session_id", sessionID,
		"evidence_id", evidenceID)
	return snapshot, nil
}

func (e *Engine) reevaluate(ctx context.Context, snapshot datatypes.Session, original datatypes.Evidence, reason string) {
	sessionID := snapshot.SessionID
	ctx, span := tracer.Start(ctx, "engine.Reevaluate")
	span.SetAttributes(attribute.String("session.id", sessionID), attribute.Int64("evidence.id", original.ID))
	defer span.End()

	item, err := e.reevaluationItem(ctx, snapshot, original, reason)
	if err != nil {
		e.logger.Warn("re-evaluation failed",
			"session_id", sessionID,
			"evidence_id", original.ID,
			"error", err)
		item = producer.ReevaluationFailure(original.ID, err)
	}
	e.metrics.RecordReevaluation(err == nil)
	e.push(sessionID, item)
}

// reevaluationItem returns the single corrective item for original.
func (e *Engine) reevaluationItem(ctx context.Context, snapshot datatypes.Session,
	original datatypes.Evidence, reason string) (datatypes.Evidence, error) {

	if e.reevaluator == nil {
		return datatypes.Evidence{}, errors.New("no re-evaluator configured")
	}

	started := time.Now()
	items, err := producer.Run(ctx, e.reevaluator, producer.Input{
		Session:      snapshot,
		Reevaluation: &producer.ReevaluationRequest{Original: original, Reason: reason},
	}, e.timeout)
	if err != nil {
		e.metrics.RecordProducer(string(producer.KindReevaluation), time.Since(started), failureReason(err))
		return datatypes.Evidence{}, err
	}
	e.metrics.RecordProducer(string(producer.KindReevaluation), time.Since(started), "")

	var item datatypes.Evidence
	if len(items) == 0 {
		item = datatypes.NewEvidence(0,
			fmt.Sprintf("Evidence #%d removed after re-evaluation", original.ID), "", "")
		item.Producer = string(producer.KindReevaluation)
	} else {
		item = items[0]
	}
	item.Source = datatypes.ReevaluationSource(original.ID)
	return item, nil
}

// =============================================================================
// Lifecycle
// =============================================================================

// Shutdown cancels background rounds and re-evaluations and waits for them
// to return, or for ctx to end.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.cancel()
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
