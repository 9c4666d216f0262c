// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package policy_engine classifies applicant text and redacts sensitive
// spans before it is sent to a model or a search provider.
package policy_engine

import (
	"fmt"
	"strings"

	"github.com/AleutianAI/glassscore/services/policy_engine/enforcement"
	"gopkg.in/yaml.v3"
)

// PolicyEngine holds compiled classification rules. It is immutable after
// construction and safe for concurrent use.
type PolicyEngine struct {
	Classifiers []Classification
}

// NewPolicyEngine loads the classification rules embedded in the binary.
//
// Returns an error if the embedded YAML is malformed or contains an
// invalid regex.
func NewPolicyEngine() (*PolicyEngine, error) {
	return NewPolicyEngineFromYAML(enforcement.DataClassificationPatterns)
}

// NewPolicyEngineFromYAML builds an engine from a classification file.
// Classifications are sorted by descending priority.
func NewPolicyEngineFromYAML(raw []byte) (*PolicyEngine, error) {
	var file ClassificationFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("failed to unmarshal the policy file: %w", err)
	}
	if err := file.compile(); err != nil {
		return nil, fmt.Errorf("failed to compile a regex: %w", err)
	}
	file.sortByPriority()
	return &PolicyEngine{Classifiers: file.Classifications}, nil
}

// ClassifyData returns the name of the highest priority classification
// with any matching pattern, or "public".
func (e *PolicyEngine) ClassifyData(data []byte) string {
	for _, classifier := range e.Classifiers {
		for _, p := range classifier.Patterns {
			if p.compiled.Match(data) {
				return classifier.Name
			}
		}
	}
	return ClassificationPublic
}

// ScanFileContent reports every pattern match per line. Matched text is
// not included in findings.
func (e *PolicyEngine) ScanFileContent(content string) []ScanFinding {
	var findings []ScanFinding
	for lineNum, line := range strings.Split(content, "\n") {
		for _, classifier := range e.Classifiers {
			for _, p := range classifier.Patterns {
				if !p.compiled.MatchString(line) {
					continue
				}
				findings = append(findings, ScanFinding{
					LineNumber:         lineNum + 1,
					ClassificationName: classifier.Name,
					PatternID:          p.ID,
					PatternDescription: p.Description,
					Confidence:         p.Confidence,
				})
			}
		}
	}
	return findings
}

// Redact replaces every match with "[REDACTED:<classification>]".
// Higher priority classifications are applied first, so a span is labelled
// with the most sensitive class that covers it.
func (e *PolicyEngine) Redact(text string) string {
	for _, classifier := range e.Classifiers {
		placeholder := "[REDACTED:" + classifier.Name + "]"
		for _, p := range classifier.Patterns {
			text = p.compiled.ReplaceAllLiteralString(text, placeholder)
		}
	}
	return text
}
