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
	"math"
	"strings"

	"github.com/AleutianAI/glassscore/services/evaluator/datatypes"
)

// ModelSource is the source of evidence from the statistical scorer.
const ModelSource = "Machine Learning Model"

// Scorer scores structured applicant data.
type Scorer interface {
	Score(ctx context.Context, profile *datatypes.UserProfile,
		loan *datatypes.LoanApplication) ([]datatypes.Evidence, error)
}

// ModelProducer runs a Scorer over the session's applicant data.
type ModelProducer struct {
	scorer Scorer
}

// NewModelProducer creates the model producer.
func NewModelProducer(scorer Scorer) *ModelProducer {
	return &ModelProducer{scorer: scorer}
}

func (p *ModelProducer) Kind() Kind { return KindModel }

// Produce scores the applicant. A session with neither profile nor loan
// application yields no evidence.
func (p *ModelProducer) Produce(ctx context.Context, in Input) ([]datatypes.Evidence, error) {
	if in.Session.UserProfile == nil && in.Session.LoanApplication == nil {
		return nil, nil
	}
	return p.scorer.Score(ctx, in.Session.UserProfile, in.Session.LoanApplication)
}

// =============================================================================
// Logistic Scorer
// =============================================================================

// LogisticWeights are the coefficients of the default-probability model.
//
// Categorical weights missing from a map contribute nothing, so unknown
// values are scored as neutral.
type LogisticWeights struct {
	Intercept         float64
	LogIncome         float64 // per unit of ln(income / ReferenceIncome)
	ReferenceIncome   float64
	LoanPercentIncome float64
	InterestRate      float64 // per point above ReferenceRate
	ReferenceRate     float64
	EmploymentYears   float64 // capped at 20 years
	CreditHistory     float64 // per year, capped at 30 years
	DefaultOnFile     float64
	HomeOwnership     map[datatypes.HomeOwnership]float64
	Grade             map[string]float64
	Intent            map[datatypes.LoanIntent]float64
}

// DefaultLogisticWeights returns the built-in coefficients.
func DefaultLogisticWeights() LogisticWeights {
	return LogisticWeights{
		Intercept:         -2.0,
		LogIncome:         -0.4,
		ReferenceIncome:   50000,
		LoanPercentIncome: 6.0,
		InterestRate:      0.12,
		ReferenceRate:     11,
		EmploymentYears:   -0.05,
		CreditHistory:     -0.02,
		DefaultOnFile:     0.6,
		HomeOwnership: map[datatypes.HomeOwnership]float64{
			datatypes.HomeRent:     0.4,
			datatypes.HomeMortgage: -0.2,
			datatypes.HomeOwn:      -0.6,
			datatypes.HomeOther:    0.3,
		},
		Grade: map[string]float64{
			"A": -0.8, "B": -0.3, "C": 0, "D": 0.9, "E": 1.2, "F": 1.5, "G": 1.8,
		},
		Intent: map[datatypes.LoanIntent]float64{
			datatypes.IntentDebtConsolidation: 0.3,
			datatypes.IntentMedical:           0.2,
			datatypes.IntentHomeImprovement:   0.1,
			datatypes.IntentVenture:           -0.1,
			datatypes.IntentEducation:         -0.1,
		},
	}
}

// LogisticScorer estimates the probability of default with a fixed
// logistic model and maps it onto the evidence score range.
type LogisticScorer struct {
	weights LogisticWeights
}

// NewLogisticScorer creates a scorer with the given weights.
func NewLogisticScorer(weights LogisticWeights) *LogisticScorer {
	return &LogisticScorer{weights: weights}
}

// Score returns one evidence item with score round(50 - 100p) clamped to
// [-50, 50]. When loan is nil the basic profile is scored with neutral
// values for the missing features.
func (s *LogisticScorer) Score(_ context.Context, profile *datatypes.UserProfile,
	loan *datatypes.LoanApplication) ([]datatypes.Evidence, error) {

	features := loan
	if features == nil {
		if profile == nil {
			return nil, fmt.Errorf("no applicant data to score")
		}
		features = &datatypes.LoanApplication{
			PersonAge:    profile.Age,
			PersonIncome: profile.Income,
			LoanAmnt:     profile.LoanAmount,
		}
	}

	p := s.Probability(*features)
	score := int(math.Round(50 - 100*p))
	score = max(-50, min(50, score))

	item := datatypes.NewEvidence(score,
		fmt.Sprintf("Estimated probability of default is %.1f%%", p*100),
		citeFeatures(*features),
		ModelSource,
	)
	return []datatypes.Evidence{item}, nil
}

// Probability returns the estimated probability of default in (0, 1).
func (s *LogisticScorer) Probability(l datatypes.LoanApplication) float64 {
	w := s.weights
	z := w.Intercept

	if l.PersonIncome > 0 && w.ReferenceIncome > 0 {
		z += w.LogIncome * math.Log(l.PersonIncome/w.ReferenceIncome)
	}
	z += w.LoanPercentIncome * l.LoanPercentIncome()
	if l.LoanIntRate > 0 {
		z += w.InterestRate * (l.LoanIntRate - w.ReferenceRate)
	}
	z += w.EmploymentYears * math.Min(l.PersonEmpLength, 20)
	z += w.CreditHistory * math.Min(float64(l.CbPersonCredHistLength), 30)
	if strings.EqualFold(l.CbPersonDefaultOnFile, "Y") {
		z += w.DefaultOnFile
	}
	z += w.HomeOwnership[l.PersonHomeOwnership]
	z += w.Grade[strings.ToUpper(l.LoanGrade)]
	z += w.Intent[l.LoanIntent]

	return 1 / (1 + math.Exp(-z))
}

func citeFeatures(l datatypes.LoanApplication) string {
	parts := []string{fmt.Sprintf("loan_percent_income=%.2f", l.LoanPercentIncome())}
	if l.LoanGrade != "" {
		parts = append(parts, "loan_grade="+l.LoanGrade)
	}
	if l.LoanIntRate > 0 {
		parts = append(parts, fmt.Sprintf("loan_int_rate=%.1f", l.LoanIntRate))
	}
	if l.CbPersonDefaultOnFile != "" {
		parts = append(parts, "default_on_file="+l.CbPersonDefaultOnFile)
	}
	return strings.Join(parts, ", ")
}
