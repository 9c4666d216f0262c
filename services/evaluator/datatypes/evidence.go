// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes defines the data shared by the evaluator packages:
// evidence items, sessions, applicant data, and HTTP request bodies.
package datatypes

import (
	"fmt"
	"time"
)

// =============================================================================
// Event Types
// =============================================================================

// EventType tags every item carried on an evidence channel.
type EventType string

const (
	// EventEvaluationStart opens an evaluation round.
	EventEvaluationStart EventType = "evaluation_start"

	// EventEvidence is a scored observation.
	EventEvidence EventType = "evidence"

	// EventEvaluationComplete closes an evaluation round.
	EventEvaluationComplete EventType = "evaluation_complete"
)

// IsMarker reports whether t is a lifecycle marker rather than evidence.
func (t EventType) IsMarker() bool {
	return t == EventEvaluationStart || t == EventEvaluationComplete
}

// =============================================================================
// Evidence
// =============================================================================

// ReevaluationSourcePrefix prefixes the source of every re-evaluation item.
const ReevaluationSourcePrefix = "Re-evaluation of Evidence #"

// Evidence is a single scored, cited observation about an applicant.
//
// # Description
//
// Evidence is immutable once it has been assigned an ID, except for the
// Valid and InvalidateReason fields which the applicant may toggle. The
// same type carries lifecycle markers on the channel; markers have ID 0
// and an EventType other than EventEvidence.
//
// # Fields
//
//   - ID: Monotonic per session, assigned when the item is pushed.
//   - Score: Signed contribution to the running total.
//   - Description, Citation, Source: Provenance of the observation.
//   - TextContentKey: Key of the attached document it came from, if any.
//   - Producer: Kind of producer that emitted it.
//   - Valid: Whether the item counts towards the total. Defaults true.
//   - InvalidateReason: Set only while Valid is false.
//   - EventType: evaluation_start, evidence or evaluation_complete.
//   - CreatedAt: UTC push time.
type Evidence struct {
	ID               int64     `json:"id"`
	Score            int       `json:"score"`
	Description      string    `json:"description"`
	Citation         string    `json:"citation"`
	Source           string    `json:"source"`
	TextContentKey   string    `json:"text_content_key,omitempty"`
	Producer         string    `json:"producer,omitempty"`
	Valid            bool      `json:"valid"`
	InvalidateReason string    `json:"invalidate_reason,omitempty"`
	EventType        EventType `json:"event_type"`
	CreatedAt        time.Time `json:"created_at"`
}

// NewEvidence returns a valid evidence item with no ID assigned yet.
func NewEvidence(score int, description, citation, source string) Evidence {
	return Evidence{
		Score:       score,
		Description: description,
		Citation:    citation,
		Source:      source,
		Valid:       true,
		EventType:   EventEvidence,
	}
}

// NewMarker returns a lifecycle marker of the given type.
func NewMarker(t EventType) Evidence {
	return Evidence{
		Valid:     true,
		EventType: t,
	}
}

// ReevaluationSource returns the source string for a re-evaluation of id.
func ReevaluationSource(id int64) string {
	return fmt.Sprintf("%s%d", ReevaluationSourcePrefix, id)
}

// SumValidScores sums the scores of valid evidence items, ignoring markers.
func SumValidScores(items []Evidence) int {
	total := 0
	for _, e := range items {
		if e.EventType == EventEvidence && e.Valid {
			total += e.Score
		}
	}
	return total
}
