// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package producer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/AleutianAI/glassscore/services/evaluator/datatypes"
	"github.com/AleutianAI/glassscore/services/llm"
)

// ReevaluationRequest describes one invalidated evidence item.
type ReevaluationRequest struct {
	Original datatypes.Evidence
	Reason   string

	// OriginalText is the document the evidence was drawn from, or its
	// description when the document is unknown. Filled by the producer.
	OriginalText string
}

// Reevaluator reconsiders an invalidated item. A nil item with a nil
// error means the evidence should simply be dropped.
type Reevaluator interface {
	Reevaluate(ctx context.Context, req ReevaluationRequest) (*datatypes.Evidence, error)
}

// =============================================================================
// Re-evaluation Producer
// =============================================================================

// ReevaluationProducer emits exactly one corrective item per request.
type ReevaluationProducer struct {
	reevaluator Reevaluator
}

// NewReevaluationProducer creates the re-evaluation producer.
func NewReevaluationProducer(r Reevaluator) *ReevaluationProducer {
	return &ReevaluationProducer{reevaluator: r}
}

func (p *ReevaluationProducer) Kind() Kind { return KindReevaluation }

// Produce re-evaluates in.Reevaluation. The returned item always has the
// re-evaluation source of the original; a dropped item scores 0.
func (p *ReevaluationProducer) Produce(ctx context.Context, in Input) ([]datatypes.Evidence, error) {
	if in.Reevaluation == nil {
		return nil, errors.New("no evidence to re-evaluate")
	}
	req := *in.Reevaluation
	original := req.Original
	if content, ok := in.Session.FindTextContent(original.TextContentKey); ok {
		req.OriginalText = content.Text
	} else {
		req.OriginalText = original.Description
	}

	corrected, err := p.reevaluator.Reevaluate(ctx, req)
	if err != nil {
		return nil, err
	}

	var item datatypes.Evidence
	if corrected == nil {
		item = datatypes.NewEvidence(0,
			fmt.Sprintf("Evidence #%d removed after re-evaluation", original.ID),
			"", "")
	} else {
		item = datatypes.NewEvidence(corrected.Score, corrected.Description, corrected.Citation, "")
	}
	item.Source = datatypes.ReevaluationSource(original.ID)
	item.TextContentKey = original.TextContentKey
	return []datatypes.Evidence{item}, nil
}

// ReevaluationFailure is the item pushed when re-evaluating original
// failed.
func ReevaluationFailure(originalID int64, err error) datatypes.Evidence {
	item := datatypes.NewEvidence(0,
		fmt.Sprintf("Error during re-evaluation of Evidence #%d: %v", originalID, err),
		"", datatypes.ReevaluationSource(originalID))
	item.Producer = string(KindReevaluation)
	return item
}

// =============================================================================
// LLM Re-evaluator
// =============================================================================

const reevaluationRulesPrompt = `The user marked the evidence above as INVALID. Consider ONLY feedback that contradicts that specific evidence.

STRICT RULES:
1. Do not cite any part of the original text unless it directly relates to the feedback.
2. Do not introduce new concerns, risks or insights the user did not bring up.
3. Decide only whether the evidence should be removed (return an empty list) or corrected based solely on the user's reasoning.
4. Never produce evidence about any topic other than the invalidated one.

Return a JSON object with:
- "reasoning": at most 20 words explaining the decision
- "evidence": either an empty list or exactly one item with "score" (2, 0, -5 or -10), "citation" (at most 10 words from the text) and "description" (at most 15 words)

If the feedback says the evidence is irrelevant, insignificant, outdated, incorrect or should be removed, return an empty list.`

// LLMReevaluator re-evaluates evidence as a conversation: the rubric, the
// original text, the original finding as the assistant's turn, and the
// user's objection.
type LLMReevaluator struct {
	client   llm.LLMClient
	redactor Redactor
}

// NewLLMReevaluator creates a re-evaluator over client.
func NewLLMReevaluator(client llm.LLMClient, redactor Redactor) *LLMReevaluator {
	return &LLMReevaluator{client: client, redactor: redactor}
}

// Reevaluate implements Reevaluator. Only the first returned item is
// kept.
func (r *LLMReevaluator) Reevaluate(ctx context.Context, req ReevaluationRequest) (*datatypes.Evidence, error) {
	if req.OriginalText == "" {
		return nil, fmt.Errorf("original text of evidence #%d not found", req.Original.ID)
	}

	previous, err := json.Marshal(map[string]any{
		"score":       req.Original.Score,
		"citation":    req.Original.Citation,
		"description": req.Original.Description,
	})
	if err != nil {
		return nil, err
	}

	temp := float32(0.3)
	var parsed llmEvidenceReply
	err = llm.ChatJSON(ctx, r.client, []llm.Message{
		{Role: llm.RoleSystem, Content: textRubricPrompt},
		{Role: llm.RoleUser, Content: "Original text to evaluate: " + redact(r.redactor, req.OriginalText)},
		{Role: llm.RoleAssistant, Content: string(previous)},
		{Role: llm.RoleSystem, Content: reevaluationRulesPrompt},
		{Role: llm.RoleUser, Content: redact(r.redactor, req.Reason)},
	}, llm.GenerationParams{Temperature: &temp, JSONMode: true}, &parsed)
	if err != nil {
		return nil, fmt.Errorf("re-evaluate evidence #%d: %w", req.Original.ID, err)
	}
	if len(parsed.Evidence) == 0 {
		return nil, nil
	}

	first := parsed.Evidence[0]
	description := first.Description
	if description == "" {
		description = parsed.Reasoning
	}
	item := datatypes.NewEvidence(SnapToRubric(first.Score), description, first.Citation, "")
	return &item, nil
}
