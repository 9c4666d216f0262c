// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package producer

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/glassscore/services/evaluator/datatypes"
	"github.com/AleutianAI/glassscore/services/llm"
)

// =============================================================================
// Fakes
// =============================================================================

// funcProducer adapts a function to Producer.
type funcProducer struct {
	kind Kind
	fn   func(ctx context.Context, in Input) ([]datatypes.Evidence, error)
}

func (p funcProducer) Kind() Kind { return p.kind }

func (p funcProducer) Produce(ctx context.Context, in Input) ([]datatypes.Evidence, error) {
	return p.fn(ctx, in)
}

// fakeLLM replies with queued responses and records every conversation.
type fakeLLM struct {
	mu      sync.Mutex
	replies []string
	err     error
	calls   [][]llm.Message
}

func (f *fakeLLM) Generate(ctx context.Context, prompt string, params llm.GenerationParams) (string, error) {
	return f.Chat(ctx, []llm.Message{{Role: llm.RoleUser, Content: prompt}}, params)
}

func (f *fakeLLM) Chat(_ context.Context, messages []llm.Message, _ llm.GenerationParams) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, messages)
	if f.err != nil {
		return "", f.err
	}
	if len(f.replies) == 0 {
		return `{"evidence":[]}`, nil
	}
	reply := f.replies[0]
	if len(f.replies) > 1 {
		f.replies = f.replies[1:]
	}
	return reply, nil
}

func (f *fakeLLM) conversations() [][]llm.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]llm.Message(nil), f.calls...)
}

// secretRedactor replaces one fixed string.
type secretRedactor struct{ secret string }

func (r secretRedactor) Redact(text string) string {
	return strings.ReplaceAll(text, r.secret, "[REDACTED:pii]")
}

// =============================================================================
// Run
// =============================================================================

func TestRun_NormalizesItems(t *testing.T) {
	p := funcProducer{kind: KindText, fn: func(context.Context, Input) ([]datatypes.Evidence, error) {
		e := datatypes.NewEvidence(2, "stable job", "five years", "resume")
		e.ID = 99
		e.Valid = false
		e.EventType = datatypes.EventEvaluationStart
		return []datatypes.Evidence{e}, nil
	}}

	items, err := Run(context.Background(), p, Input{}, time.Second)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Zero(t, items[0].ID)
	assert.True(t, items[0].Valid)
	assert.Equal(t, datatypes.EventEvidence, items[0].EventType)
	assert.Equal(t, "text", items[0].Producer)
}

func TestRun_ErrorBecomesFailure(t *testing.T) {
	boom := errors.New("boom")
	p := funcProducer{kind: KindWeb, fn: func(context.Context, Input) ([]datatypes.Evidence, error) {
		return nil, boom
	}}

	_, err := Run(context.Background(), p, Input{}, time.Second)
	var failure *Failure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, KindWeb, failure.Kind)
	assert.ErrorIs(t, err, boom)

	item := failure.Evidence()
	assert.Zero(t, item.Score)
	assert.True(t, item.Valid)
	assert.Equal(t, FailureSource, item.Source)
	assert.Contains(t, item.Description, "boom")
}

func TestRun_PanicIsContained(t *testing.T) {
	p := funcProducer{kind: KindModel, fn: func(context.Context, Input) ([]datatypes.Evidence, error) {
		panic("nil map")
	}}

	_, err := Run(context.Background(), p, Input{}, time.Second)
	assert.ErrorIs(t, err, ErrPanicked)
	var failure *Failure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, KindModel, failure.Kind)
}

func TestRun_TimeoutAbandonsHungProducer(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	p := funcProducer{kind: KindText, fn: func(context.Context, Input) ([]datatypes.Evidence, error) {
		<-release // ignores its context
		return nil, nil
	}}

	start := time.Now()
	_, err := Run(context.Background(), p, Input{}, 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimedOut)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestRun_ProducerSeesDeadline(t *testing.T) {
	p := funcProducer{kind: KindWeb, fn: func(ctx context.Context, _ Input) ([]datatypes.Evidence, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	_, err := Run(context.Background(), p, Input{}, 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimedOut)
}

// =============================================================================
// Model
// =============================================================================

func sampleLoan() *datatypes.LoanApplication {
	return &datatypes.LoanApplication{
		PersonAge:              30,
		PersonIncome:           50000,
		PersonHomeOwnership:    datatypes.HomeRent,
		PersonEmpLength:        5,
		LoanIntent:             datatypes.IntentEducation,
		LoanGrade:              "B",
		LoanAmnt:               10000,
		LoanIntRate:            10,
		CbPersonDefaultOnFile:  "N",
		CbPersonCredHistLength: 3,
	}
}

func TestLogisticScorer_Score(t *testing.T) {
	scorer := NewLogisticScorer(DefaultLogisticWeights())

	items, err := scorer.Score(context.Background(), nil, sampleLoan())
	require.NoError(t, err)
	require.Len(t, items, 1)
	item := items[0]
	assert.Equal(t, ModelSource, item.Source)
	assert.GreaterOrEqual(t, item.Score, -50)
	assert.LessOrEqual(t, item.Score, 50)
	assert.Greater(t, item.Score, 0, "a modest education loan should score positively")
	assert.Contains(t, item.Description, "probability of default")
	assert.Contains(t, item.Citation, "loan_grade=B")
}

func TestLogisticScorer_RiskFactorsLowerScore(t *testing.T) {
	scorer := NewLogisticScorer(DefaultLogisticWeights())
	base := scorer.Probability(*sampleLoan())

	risky := *sampleLoan()
	risky.CbPersonDefaultOnFile = "Y"
	assert.Greater(t, scorer.Probability(risky), base)

	heavy := *sampleLoan()
	heavy.LoanAmnt = 40000
	assert.Greater(t, scorer.Probability(heavy), base)

	worse := *sampleLoan()
	worse.LoanGrade = "G"
	assert.Greater(t, scorer.Probability(worse), base)

	owner := *sampleLoan()
	owner.PersonHomeOwnership = datatypes.HomeOwn
	assert.Less(t, scorer.Probability(owner), base)
}

func TestLogisticScorer_ClampsAndFallsBack(t *testing.T) {
	weights := DefaultLogisticWeights()
	weights.Intercept = 40
	items, err := NewLogisticScorer(weights).Score(context.Background(), nil, sampleLoan())
	require.NoError(t, err)
	assert.Equal(t, -50, items[0].Score)

	scorer := NewLogisticScorer(DefaultLogisticWeights())
	items, err = scorer.Score(context.Background(),
		&datatypes.UserProfile{Name: "Ada", Age: 30, Income: 100000, LoanAmount: 5000}, nil)
	require.NoError(t, err)
	require.Len(t, items, 1)

	_, err = scorer.Score(context.Background(), nil, nil)
	assert.Error(t, err)
}

func TestModelProducer_NoDataNoEvidence(t *testing.T) {
	p := NewModelProducer(NewLogisticScorer(DefaultLogisticWeights()))
	assert.Equal(t, KindModel, p.Kind())

	items, err := p.Produce(context.Background(), Input{})
	require.NoError(t, err)
	assert.Empty(t, items)

	items, err = p.Produce(context.Background(), Input{Session: datatypes.Session{LoanApplication: sampleLoan()}})
	require.NoError(t, err)
	assert.Len(t, items, 1)
}
