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
	"fmt"
	"log/slog"
	"strings"

	"github.com/tmc/langchaingo/textsplitter"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/glassscore/services/evaluator/datatypes"
	"github.com/AleutianAI/glassscore/services/llm"
)

// TextAnalyzer scores one attached document.
type TextAnalyzer interface {
	Analyze(ctx context.Context, content datatypes.TextContent,
		profile *datatypes.UserProfile) ([]datatypes.Evidence, error)
}

// Redactor removes sensitive spans from text before it leaves the process.
type Redactor interface {
	Redact(text string) string
}

// =============================================================================
// Text Producer
// =============================================================================

// maxConcurrentDocuments bounds parallel analyzer calls per round.
const maxConcurrentDocuments = 4

// TextProducer analyzes every attached document.
type TextProducer struct {
	analyzer TextAnalyzer
}

// NewTextProducer creates the text producer.
func NewTextProducer(analyzer TextAnalyzer) *TextProducer {
	return &TextProducer{analyzer: analyzer}
}

func (p *TextProducer) Kind() Kind { return KindText }

// Produce analyzes documents concurrently and returns their evidence in
// attach order. A failing document yields one score-0 item naming it and
// does not affect the others.
func (p *TextProducer) Produce(ctx context.Context, in Input) ([]datatypes.Evidence, error) {
	contents := in.Session.TextContents
	results := make([][]datatypes.Evidence, len(contents))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentDocuments)
	for i, content := range contents {
		g.Go(func() error {
			items, err := p.analyzer.Analyze(gctx, content, in.Session.UserProfile)
			if err != nil {
				slog.Warn("text analysis failed",
					"session_id", in.Session.SessionID,
					"text_content_key", content.Key,
					"error", err)
				failed := datatypes.NewEvidence(0,
					fmt.Sprintf("Failed to evaluate %s: %v", content.Key, err), "", content.Source)
				failed.TextContentKey = content.Key
				results[i] = []datatypes.Evidence{failed}
				return nil
			}
			for j := range items {
				items[j].TextContentKey = content.Key
				if items[j].Source == "" {
					items[j].Source = content.Source
				}
			}
			results[i] = items
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []datatypes.Evidence
	for _, items := range results {
		out = append(out, items...)
	}
	return out, nil
}

// =============================================================================
// LLM Text Analyzer
// =============================================================================

// Rubric scores for behavioural evidence.
const (
	RubricGood    = 2
	RubricNormal  = 0
	RubricMinor   = -5
	RubricWarning = -10
)

const (
	defaultChunkSize    = 4000
	defaultChunkOverlap = 200
)

const textRubricPrompt = `You are a credit score evaluator for a bank. Your task is to analyze text from a loan applicant and evaluate their behavior.

Analyze the text for behavioral signals and assign a score based on the following criteria:
- GOOD: 2 (Verified with evidence, logical behavior, stable employment)
- NORMAL: 0 (Neutral, standard behavior)
- MINOR ISSUE: -5 (Slight concerns, illogical description, suspicious writings)
- WARNING: -10 (Red flags, gambling, instability, high risk, major inconsistencies)

Return a JSON object with the field "evidence": a list of items, each with
- "score": the integer score assigned (2, 0, -5, or -10)
- "citation": the exact excerpt from the text supporting the evaluation, at most 10 words
- "description": why the citation is noteworthy, at most 15 words

If there is no noteworthy behavior, return {"evidence": []}.`

// llmEvidenceReply is the JSON shape requested from the model.
type llmEvidenceReply struct {
	Reasoning string `json:"reasoning"`
	Evidence  []struct {
		Score       int    `json:"score"`
		Citation    string `json:"citation"`
		Description string `json:"description"`
	} `json:"evidence"`
}

// LLMTextAnalyzer scores documents with a language model.
//
// # Description
//
// Text is redacted, split into overlapping chunks, and each chunk is
// scored against the behavioural rubric. Scores outside the rubric are
// snapped to the nearest rubric value.
//
// # Thread Safety
//
// Safe for concurrent use if the client and redactor are.
type LLMTextAnalyzer struct {
	client      llm.LLMClient
	redactor    Redactor
	splitter    textsplitter.TextSplitter
	temperature float32
}

// TextAnalyzerOption configures an LLMTextAnalyzer.
type TextAnalyzerOption func(*LLMTextAnalyzer)

// WithRedactor redacts text before it is sent to the model.
func WithRedactor(r Redactor) TextAnalyzerOption {
	return func(a *LLMTextAnalyzer) { a.redactor = r }
}

// WithChunking overrides the chunk size and overlap, in characters.
func WithChunking(size, overlap int) TextAnalyzerOption {
	return func(a *LLMTextAnalyzer) {
		a.splitter = textsplitter.NewRecursiveCharacter(
			textsplitter.WithChunkSize(size),
			textsplitter.WithChunkOverlap(overlap),
		)
	}
}

// NewLLMTextAnalyzer creates an analyzer over client.
func NewLLMTextAnalyzer(client llm.LLMClient, opts ...TextAnalyzerOption) *LLMTextAnalyzer {
	a := &LLMTextAnalyzer{
		client: client,
		splitter: textsplitter.NewRecursiveCharacter(
			textsplitter.WithChunkSize(defaultChunkSize),
			textsplitter.WithChunkOverlap(defaultChunkOverlap),
		),
		temperature: 0.3,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Analyze implements TextAnalyzer.
func (a *LLMTextAnalyzer) Analyze(ctx context.Context, content datatypes.TextContent,
	profile *datatypes.UserProfile) ([]datatypes.Evidence, error) {

	text := redact(a.redactor, content.Text)
	chunks, err := a.splitter.SplitText(text)
	if err != nil {
		return nil, fmt.Errorf("split %s: %w", content.Key, err)
	}

	var out []datatypes.Evidence
	for _, chunk := range chunks {
		if strings.TrimSpace(chunk) == "" {
			continue
		}
		items, err := a.analyzeChunk(ctx, chunk, content, profile)
		if err != nil {
			return nil, err
		}
		out = append(out, items...)
	}
	return out, nil
}

func (a *LLMTextAnalyzer) analyzeChunk(ctx context.Context, chunk string, content datatypes.TextContent,
	profile *datatypes.UserProfile) ([]datatypes.Evidence, error) {

	var user strings.Builder
	if profile != nil && profile.Name != "" {
		fmt.Fprintf(&user, "Applicant: %s\n", redact(a.redactor, profile.Name))
	}
	fmt.Fprintf(&user, "Text to evaluate:\n%q", chunk)

	temp := a.temperature
	var parsed llmEvidenceReply
	err := llm.ChatJSON(ctx, a.client, []llm.Message{
		{Role: llm.RoleSystem, Content: textRubricPrompt},
		{Role: llm.RoleUser, Content: user.String()},
	}, llm.GenerationParams{Temperature: &temp, JSONMode: true}, &parsed)
	if err != nil {
		return nil, fmt.Errorf("analyze %s: %w", content.Key, err)
	}

	items := make([]datatypes.Evidence, 0, len(parsed.Evidence))
	for _, e := range parsed.Evidence {
		description := e.Description
		if description == "" {
			description = "No description provided."
		}
		items = append(items, datatypes.NewEvidence(SnapToRubric(e.Score), description, e.Citation, content.Source))
	}
	return items, nil
}

// SnapToRubric maps a model score onto the nearest rubric value.
func SnapToRubric(score int) int {
	best := RubricNormal
	bestDist := -1
	for _, v := range []int{RubricGood, RubricNormal, RubricMinor, RubricWarning} {
		d := score - v
		if d < 0 {
			d = -d
		}
		if bestDist < 0 || d < bestDist {
			best, bestDist = v, d
		}
	}
	return best
}

func redact(r Redactor, text string) string {
	if r == nil {
		return text
	}
	return r.Redact(text)
}
