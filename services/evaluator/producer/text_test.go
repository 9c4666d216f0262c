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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/glassscore/services/evaluator/datatypes"
	"github.com/AleutianAI/glassscore/services/llm"
)

func TestSnapToRubric(t *testing.T) {
	tests := []struct {
		in, want int
	}{
		{2, 2}, {0, 0}, {-5, -5}, {-10, -10},
		{50, 2}, {-3, -5}, {-8, -10}, {-100, -10}, {-1, 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SnapToRubric(tt.in), "score %d", tt.in)
	}
}

func TestLLMTextAnalyzer_Analyze(t *testing.T) {
	client := &fakeLLM{replies: []string{
		"```json\n{\"evidence\":[{\"score\":-7,\"citation\":\"I gamble on weekends\",\"description\":\"Regular gambling\"}]}\n```",
	}}
	analyzer := NewLLMTextAnalyzer(client, WithRedactor(secretRedactor{secret: "jdoe@example.com"}))

	content := datatypes.TextContent{
		Key:    "intro.txt",
		Text:   "Contact jdoe@example.com. I gamble on weekends.",
		Source: "user_upload",
	}
	items, err := analyzer.Analyze(context.Background(), content, &datatypes.UserProfile{Name: "Ada"})
	require.NoError(t, err)
	require.Len(t, items, 1)

	assert.Equal(t, -5, items[0].Score)
	assert.Equal(t, "I gamble on weekends", items[0].Citation)
	assert.Equal(t, "user_upload", items[0].Source)

	calls := client.conversations()
	require.Len(t, calls, 1)
	require.Len(t, calls[0], 2)
	assert.Equal(t, llm.RoleSystem, calls[0][0].Role)
	assert.Contains(t, calls[0][0].Content, "WARNING: -10")
	assert.NotContains(t, calls[0][1].Content, "jdoe@example.com")
	assert.Contains(t, calls[0][1].Content, "[REDACTED:pii]")
}

func TestLLMTextAnalyzer_ChunksLongText(t *testing.T) {
	client := &fakeLLM{}
	analyzer := NewLLMTextAnalyzer(client, WithChunking(60, 0))

	text := strings.Repeat("I have worked at the same hospital for years. ", 10)
	items, err := analyzer.Analyze(context.Background(), datatypes.TextContent{Key: "k", Text: text}, nil)
	require.NoError(t, err)
	assert.Empty(t, items)
	assert.Greater(t, len(client.conversations()), 1)
}

func TestLLMTextAnalyzer_Errors(t *testing.T) {
	content := datatypes.TextContent{Key: "k", Text: "hello"}

	_, err := NewLLMTextAnalyzer(&fakeLLM{err: errors.New("quota")}).Analyze(context.Background(), content, nil)
	assert.ErrorContains(t, err, "quota")

	_, err = NewLLMTextAnalyzer(&fakeLLM{replies: []string{"I cannot help"}}).Analyze(context.Background(), content, nil)
	assert.ErrorIs(t, err, llm.ErrNoJSON)
}

// mapAnalyzer returns canned results per document key.
type mapAnalyzer map[string]struct {
	items []datatypes.Evidence
	err   error
}

func (m mapAnalyzer) Analyze(_ context.Context, content datatypes.TextContent,
	_ *datatypes.UserProfile) ([]datatypes.Evidence, error) {
	r := m[content.Key]
	return r.items, r.err
}

func TestTextProducer_ContainsPerDocumentFailures(t *testing.T) {
	analyzer := mapAnalyzer{
		"a": {items: []datatypes.Evidence{datatypes.NewEvidence(2, "steady", "x", "")}},
		"b": {err: errors.New("model offline")},
		"c": {items: []datatypes.Evidence{datatypes.NewEvidence(-5, "odd", "y", "custom")}},
	}
	p := NewTextProducer(analyzer)
	assert.Equal(t, KindText, p.Kind())

	items, err := p.Produce(context.Background(), Input{Session: datatypes.Session{
		TextContents: []datatypes.TextContent{
			{Key: "a", Source: "resume"},
			{Key: "b", Source: "statement"},
			{Key: "c", Source: "letter"},
		},
	}})
	require.NoError(t, err)
	require.Len(t, items, 3)

	assert.Equal(t, "a", items[0].TextContentKey)
	assert.Equal(t, "resume", items[0].Source)

	assert.Equal(t, "b", items[1].TextContentKey)
	assert.Zero(t, items[1].Score)
	assert.Contains(t, items[1].Description, "model offline")

	assert.Equal(t, "c", items[2].TextContentKey)
	assert.Equal(t, "custom", items[2].Source)
}

func TestTextProducer_NoDocuments(t *testing.T) {
	items, err := NewTextProducer(mapAnalyzer{}).Produce(context.Background(), Input{})
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestLLMTextAnalyzer_AsksAgainOnMalformedReply(t *testing.T) {
	client := &fakeLLM{replies: []string{
		"Here is my assessment of the applicant.",
		`{"evidence":[{"score":2,"citation":"led a team","description":"leadership"}]}`,
	}}
	content := datatypes.TextContent{Key: "k", Text: "I led a team.", Source: "Cover Letter"}

	items, err := NewLLMTextAnalyzer(client).Analyze(context.Background(), content, nil)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "leadership", items[0].Description)
	assert.Len(t, client.conversations(), 2)
}

func TestLLMTextAnalyzer_MalformedRepliesAreBounded(t *testing.T) {
	client := &fakeLLM{replies: []string{"no json here"}}
	content := datatypes.TextContent{Key: "k", Text: "hello"}

	_, err := NewLLMTextAnalyzer(client).Analyze(context.Background(), content, nil)
	assert.ErrorIs(t, err, llm.ErrNoJSON)
	assert.Len(t, client.conversations(), llm.JSONAttempts)
}
