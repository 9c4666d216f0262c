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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/glassscore/services/evaluator/datatypes"
	"github.com/AleutianAI/glassscore/services/llm"
)

func invalidated() datatypes.Evidence {
	e := datatypes.NewEvidence(-5, "Gambling is a red flag", "I also gamble in my free time", "user_upload")
	e.ID = 2
	e.TextContentKey = "test.txt"
	e.Valid = false
	e.InvalidateReason = "misread context"
	return e
}

func reevaluationInput(reason string) Input {
	return Input{
		Session: datatypes.Session{
			TextContents: []datatypes.TextContent{{
				Key:  "test.txt",
				Text: "I work at a stable company for 5 years. I also gamble in my free time.",
			}},
		},
		Reevaluation: &ReevaluationRequest{Original: invalidated(), Reason: reason},
	}
}

func TestLLMReevaluator_Conversation(t *testing.T) {
	client := &fakeLLM{replies: []string{
		`{"reasoning":"Occasional card games with family","evidence":[{"score":0,"citation":"gamble in my free time","description":"Casual family card games"}]}`,
	}}
	p := NewReevaluationProducer(NewLLMReevaluator(client, nil))
	assert.Equal(t, KindReevaluation, p.Kind())

	items, err := p.Produce(context.Background(), reevaluationInput("misread context"))
	require.NoError(t, err)
	require.Len(t, items, 1)

	item := items[0]
	assert.Equal(t, "Re-evaluation of Evidence #2", item.Source)
	assert.Equal(t, 0, item.Score)
	assert.Equal(t, "Casual family card games", item.Description)
	assert.Equal(t, "test.txt", item.TextContentKey)

	calls := client.conversations()
	require.Len(t, calls, 1)
	conv := calls[0]
	require.Len(t, conv, 5)
	assert.Equal(t, llm.RoleSystem, conv[0].Role)
	assert.Contains(t, conv[1].Content, "I work at a stable company")
	assert.Equal(t, llm.RoleAssistant, conv[2].Role)
	assert.JSONEq(t, `{"score":-5,"citation":"I also gamble in my free time","description":"Gambling is a red flag"}`, conv[2].Content)
	assert.Equal(t, llm.RoleUser, conv[4].Role)
	assert.Equal(t, "misread context", conv[4].Content)
}

func TestLLMReevaluator_DropYieldsZeroScore(t *testing.T) {
	client := &fakeLLM{replies: []string{`{"reasoning":"insignificant","evidence":[]}`}}
	p := NewReevaluationProducer(NewLLMReevaluator(client, nil))

	items, err := p.Produce(context.Background(), reevaluationInput("this is insignificant"))
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Zero(t, items[0].Score)
	assert.Equal(t, "Re-evaluation of Evidence #2", items[0].Source)
	assert.Contains(t, items[0].Description, "removed")
}

func TestLLMReevaluator_KeepsOnlyFirstItem(t *testing.T) {
	client := &fakeLLM{replies: []string{
		`{"evidence":[{"score":2,"citation":"a","description":"first"},{"score":-10,"citation":"b","description":"second"}]}`,
	}}
	got, err := NewLLMReevaluator(client, nil).Reevaluate(context.Background(),
		ReevaluationRequest{Original: invalidated(), OriginalText: "text", Reason: "r"})
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "first", got.Description)
	assert.Equal(t, 2, got.Score)
}

func TestReevaluationProducer_FallsBackToDescription(t *testing.T) {
	client := &fakeLLM{replies: []string{`{"evidence":[]}`}}
	p := NewReevaluationProducer(NewLLMReevaluator(client, nil))

	in := reevaluationInput("wrong")
	in.Session.TextContents = nil
	_, err := p.Produce(context.Background(), in)
	require.NoError(t, err)
	assert.Contains(t, client.conversations()[0][1].Content, "Gambling is a red flag")
}

func TestReevaluationProducer_Errors(t *testing.T) {
	p := NewReevaluationProducer(NewLLMReevaluator(&fakeLLM{err: errors.New("quota")}, nil))
	_, err := p.Produce(context.Background(), reevaluationInput("r"))
	assert.ErrorContains(t, err, "quota")

	_, err = p.Produce(context.Background(), Input{})
	assert.Error(t, err)

	item := ReevaluationFailure(2, errors.New("quota"))
	assert.Zero(t, item.Score)
	assert.Equal(t, "Re-evaluation of Evidence #2", item.Source)
	assert.Contains(t, item.Description, "quota")
}

func TestLLMReevaluator_AsksAgainOnMalformedReply(t *testing.T) {
	client := &fakeLLM{replies: []string{
		"```json\n{\"evidence\": [\n```",
		`{"evidence":[{"score":-1,"citation":"a","description":"revised"}]}`,
	}}
	got, err := NewLLMReevaluator(client, nil).Reevaluate(context.Background(),
		ReevaluationRequest{Original: invalidated(), OriginalText: "text", Reason: "r"})
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "revised", got.Description)
	assert.Len(t, client.conversations(), 2)

	client = &fakeLLM{replies: []string{"nope"}}
	_, err = NewLLMReevaluator(client, nil).Reevaluate(context.Background(),
		ReevaluationRequest{Original: invalidated(), OriginalText: "text", Reason: "r"})
	assert.ErrorIs(t, err, llm.ErrNoJSON)
	assert.Len(t, client.conversations(), llm.JSONAttempts)
}
