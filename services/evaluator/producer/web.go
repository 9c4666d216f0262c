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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/tmc/langchaingo/textsplitter"

	"github.com/AleutianAI/glassscore/services/evaluator/datatypes"
	"github.com/AleutianAI/glassscore/services/llm"
)

// =============================================================================
// Claims
// =============================================================================

// Claim is a statement about the applicant that can be checked on the web.
type Claim struct {
	Query          string
	TextContentKey string
}

// Verifier checks claims against external sources.
type Verifier interface {
	Verify(ctx context.Context, claims []Claim) ([]datatypes.Evidence, error)
}

// professionalTerms mark sentences worth verifying.
var professionalTerms = []string{
	"work", "employ", "engineer", "manager", "director", "founder", "ceo", "cto",
	"company", "job", "position", "business", "career", "role", "owner",
}

// claimChunkSize keeps search queries to roughly a sentence or two.
const claimChunkSize = 120

// ClaimExtractor selects verifiable sentences from the applicant's
// documents and pairs them with the applicant's name.
type ClaimExtractor struct {
	maxClaims int
	splitter  textsplitter.TextSplitter
	redactor  Redactor
}

// NewClaimExtractor creates an extractor returning at most maxClaims.
func NewClaimExtractor(maxClaims int, redactor Redactor) *ClaimExtractor {
	if maxClaims <= 0 {
		maxClaims = 3
	}
	return &ClaimExtractor{
		maxClaims: maxClaims,
		splitter: textsplitter.NewRecursiveCharacter(
			textsplitter.WithChunkSize(claimChunkSize),
			textsplitter.WithChunkOverlap(0),
			textsplitter.WithSeparators([]string{"\n\n", "\n", ". ", "! ", "? "}),
		),
		redactor: redactor,
	}
}

// Extract returns claims for the session. Without an applicant name no
// claim can be tied to an identity, so none are returned.
func (x *ClaimExtractor) Extract(s datatypes.Session) []Claim {
	if s.UserProfile == nil || strings.TrimSpace(s.UserProfile.Name) == "" {
		return nil
	}
	name := strings.TrimSpace(s.UserProfile.Name)

	var claims []Claim
	seen := make(map[string]bool)
	for _, content := range s.TextContents {
		chunks, err := x.splitter.SplitText(redact(x.redactor, content.Text))
		if err != nil {
			continue
		}
		for _, chunk := range chunks {
			sentence := strings.TrimSpace(strings.Trim(strings.TrimSpace(chunk), ".!?"))
			if sentence == "" || !mentionsProfession(sentence) {
				continue
			}
			query := name + " " + sentence
			if seen[query] {
				continue
			}
			seen[query] = true
			claims = append(claims, Claim{Query: query, TextContentKey: content.Key})
			if len(claims) == x.maxClaims {
				return claims
			}
		}
	}
	return claims
}

func mentionsProfession(sentence string) bool {
	lower := strings.ToLower(sentence)
	for _, term := range professionalTerms {
		if strings.Contains(lower, term) {
			return true
		}
	}
	return false
}

// =============================================================================
// Web Producer
// =============================================================================

// WebProducer verifies applicant claims against web search results.
type WebProducer struct {
	extractor *ClaimExtractor
	verifier  Verifier
}

// NewWebProducer creates the web producer.
func NewWebProducer(extractor *ClaimExtractor, verifier Verifier) *WebProducer {
	return &WebProducer{extractor: extractor, verifier: verifier}
}

func (p *WebProducer) Kind() Kind { return KindWeb }

// Produce extracts claims and verifies them. No claims means no evidence.
func (p *WebProducer) Produce(ctx context.Context, in Input) ([]datatypes.Evidence, error) {
	claims := p.extractor.Extract(in.Session)
	if len(claims) == 0 {
		return nil, nil
	}
	return p.verifier.Verify(ctx, claims)
}

// =============================================================================
// Search
// =============================================================================

// SearchResult is one web search hit.
type SearchResult struct {
	Title   string  `json:"title"`
	URL     string  `json:"url"`
	Content string  `json:"content"`
	Score   float64 `json:"score"`
}

// SearchClient runs web searches.
type SearchClient interface {
	Search(ctx context.Context, query string) ([]SearchResult, error)
}

// HTTPClient allows injecting a custom transport for tests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// DefaultTavilyURL is the Tavily search endpoint.
const DefaultTavilyURL = "https://api.tavily.com/search"

// TavilyClient is a SearchClient for the Tavily search API.
type TavilyClient struct {
	url        string
	apiKey     string
	maxResults int
	httpClient HTTPClient
}

// NewTavilyClient creates a client. An empty url uses DefaultTavilyURL.
func NewTavilyClient(url, apiKey string, maxResults int) (*TavilyClient, error) {
	if apiKey == "" {
		return nil, errors.New("tavily API key is required")
	}
	if url == "" {
		url = DefaultTavilyURL
	}
	if maxResults <= 0 {
		maxResults = 5
	}
	return &TavilyClient{
		url:        url,
		apiKey:     apiKey,
		maxResults: maxResults,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// WithHTTPClient replaces the transport.
func (c *TavilyClient) WithHTTPClient(h HTTPClient) *TavilyClient {
	c.httpClient = h
	return c
}

type tavilyRequest struct {
	Query       string `json:"query"`
	MaxResults  int    `json:"max_results"`
	SearchDepth string `json:"search_depth"`
}

type tavilyResponse struct {
	Results []SearchResult `json:"results"`
}

// Search implements SearchClient.
func (c *TavilyClient) Search(ctx context.Context, query string) ([]SearchResult, error) {
	ctx, span := tracer.Start(ctx, "TavilyClient.Search")
	defer span.End()

	body, err := json.Marshal(tavilyRequest{Query: query, MaxResults: c.maxResults, SearchDepth: "basic"})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal search request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create search request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read search response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search returned status %d: %s", resp.StatusCode, truncate(string(raw), 200))
	}

	var parsed tavilyResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("failed to decode search response: %w", err)
	}
	return parsed.Results, nil
}

// =============================================================================
// Search Verifier
// =============================================================================

const webRubricPrompt = `You are a credit risk analyst. The web search results below were returned for a statement made by a loan applicant.

Be cautious:
- Only cite information that is clearly about the applicant and relevant to credit risk
- Verified professional information (employment, achievements) scores 2
- Absence of negative information is NOT evidence, do not score it
- Only assign -5 or -10 for actual concerning behavior (gambling, fraud, legal issues, financial instability)
- Neutral or purely biographical information is not evidence

Return a JSON object with the field "evidence": a list of items, each with
- "score": 2, -5, or -10
- "citation": the supporting excerpt from the results, at most 10 words
- "description": why it matters, at most 15 words
- "url": the URL of the result the citation comes from

If nothing qualifies, return {"evidence": []}.`

type webEvidenceReply struct {
	Evidence []struct {
		Score       int    `json:"score"`
		Citation    string `json:"citation"`
		Description string `json:"description"`
		URL         string `json:"url"`
	} `json:"evidence"`
}

// SearchVerifier searches each claim and asks the model to score the
// results.
type SearchVerifier struct {
	search   SearchClient
	client   llm.LLMClient
	redactor Redactor
}

// NewSearchVerifier creates a verifier. A nil search client disables
// verification.
func NewSearchVerifier(search SearchClient, client llm.LLMClient, redactor Redactor) *SearchVerifier {
	return &SearchVerifier{search: search, client: client, redactor: redactor}
}

// Verify implements Verifier. Claims are checked in order; a claim whose
// search or scoring fails is skipped. The error is returned only when
// every claim failed.
func (v *SearchVerifier) Verify(ctx context.Context, claims []Claim) ([]datatypes.Evidence, error) {
	if v.search == nil {
		return nil, nil
	}

	var (
		out      []datatypes.Evidence
		failures []error
	)
	for _, claim := range claims {
		items, err := v.verifyClaim(ctx, claim)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			slog.Warn("claim verification failed", "text_content_key", claim.TextContentKey, "error", err)
			failures = append(failures, err)
			continue
		}
		out = append(out, items...)
	}
	if len(claims) > 0 && len(failures) == len(claims) {
		return nil, errors.Join(failures...)
	}
	return out, nil
}

func (v *SearchVerifier) verifyClaim(ctx context.Context, claim Claim) ([]datatypes.Evidence, error) {
	results, err := v.search.Search(ctx, claim.Query)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Applicant statement: %q\n\nSearch results:\n", claim.Query)
	known := make(map[string]bool, len(results))
	for _, r := range results {
		known[r.URL] = true
		fmt.Fprintf(&b, "- title: %s\n  url: %s\n  content: %s\n",
			r.Title, r.URL, truncate(redact(v.redactor, r.Content), 1500))
	}

	temp := float32(0.3)
	var parsed webEvidenceReply
	err = llm.ChatJSON(ctx, v.client, []llm.Message{
		{Role: llm.RoleSystem, Content: webRubricPrompt},
		{Role: llm.RoleUser, Content: b.String()},
	}, llm.GenerationParams{Temperature: &temp, JSONMode: true}, &parsed)
	if err != nil {
		return nil, fmt.Errorf("score search results: %w", err)
	}

	items := make([]datatypes.Evidence, 0, len(parsed.Evidence))
	for _, e := range parsed.Evidence {
		source := e.URL
		if !known[source] {
			source = results[0].URL
		}
		item := datatypes.NewEvidence(SnapToRubric(e.Score), e.Description, e.Citation, source)
		item.TextContentKey = claim.TextContentKey
		items = append(items, item)
	}
	return items, nil
}

// truncate cuts s to at most n bytes on a rune boundary.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
