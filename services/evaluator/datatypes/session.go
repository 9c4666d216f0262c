// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import "time"

// =============================================================================
// Applicant Data
// =============================================================================

// TextContent is a document attached to a session, such as a resume or a
// bank statement transcription.
type TextContent struct {
	// Key is unique within a session. Duplicate keys are suffixed on attach.
	Key    string `json:"key" validate:"required,max=256"`
	Text   string `json:"text" validate:"required,maxbytes"`
	Source string `json:"source" validate:"max=2048"`

	// Classification is the highest-priority data class found in Text.
	Classification string `json:"classification,omitempty"`
}

// UserProfile is the basic applicant profile entered by the user.
type UserProfile struct {
	Name       string  `json:"name" validate:"max=256"`
	Age        int     `json:"age" validate:"gte=0,lte=130"`
	Gender     string  `json:"gender" validate:"max=64"`
	Income     float64 `json:"income" validate:"gte=0"`
	LoanAmount float64 `json:"loan_amount" validate:"gte=0"`
	LoanTerm   int     `json:"loan_term" validate:"gte=0"`
}

// HomeOwnership is the applicant's housing situation.
type HomeOwnership string

const (
	HomeRent     HomeOwnership = "RENT"
	HomeOwn      HomeOwnership = "OWN"
	HomeMortgage HomeOwnership = "MORTGAGE"
	HomeOther    HomeOwnership = "OTHER"
)

// LoanIntent is the declared purpose of a loan.
type LoanIntent string

const (
	IntentEducation         LoanIntent = "EDUCATION"
	IntentMedical           LoanIntent = "MEDICAL"
	IntentVenture           LoanIntent = "VENTURE"
	IntentPersonal          LoanIntent = "PERSONAL"
	IntentDebtConsolidation LoanIntent = "DEBTCONSOLIDATION"
	IntentHomeImprovement   LoanIntent = "HOMEIMPROVEMENT"
)

// LoanApplication holds the structured features used by the model scorer.
type LoanApplication struct {
	PersonAge              int           `json:"person_age" validate:"gte=18,lte=130"`
	PersonIncome           float64       `json:"person_income" validate:"gt=0"`
	PersonHomeOwnership    HomeOwnership `json:"person_home_ownership" validate:"oneof=RENT OWN MORTGAGE OTHER"`
	PersonEmpLength        float64       `json:"person_emp_length" validate:"gte=0"`
	LoanIntent             LoanIntent    `json:"loan_intent" validate:"oneof=EDUCATION MEDICAL VENTURE PERSONAL DEBTCONSOLIDATION HOMEIMPROVEMENT"`
	LoanGrade              string        `json:"loan_grade" validate:"oneof=A B C D E F G"`
	LoanAmnt               float64       `json:"loan_amnt" validate:"gt=0"`
	LoanIntRate            float64       `json:"loan_int_rate" validate:"gte=0,lte=100"`
	CbPersonDefaultOnFile  string        `json:"cb_person_default_on_file" validate:"oneof=Y N"`
	CbPersonCredHistLength int           `json:"cb_person_cred_hist_length" validate:"gte=0"`
}

// LoanPercentIncome is the loan amount as a fraction of yearly income.
func (l LoanApplication) LoanPercentIncome() float64 {
	if l.PersonIncome <= 0 {
		return 0
	}
	return l.LoanAmnt / l.PersonIncome
}

// =============================================================================
// Session
// =============================================================================

// Session is a point-in-time copy of one applicant session.
//
// Values returned by the store are deep copies; mutating them has no effect
// on the store.
type Session struct {
	SessionID            string           `json:"session_id"`
	UserProfile          *UserProfile     `json:"user_profile,omitempty"`
	LoanApplication      *LoanApplication `json:"loan_application,omitempty"`
	TextContents         []TextContent    `json:"text_contents"`
	EvidenceList         []Evidence       `json:"evidence_list"`
	EvaluationInProgress bool             `json:"evaluation_in_progress"`
	TotalScore           int              `json:"total_score"`
	CreatedAt            time.Time        `json:"created_at"`
	UpdatedAt            time.Time        `json:"updated_at"`
}

// Clone returns a deep copy of s.
func (s Session) Clone() Session {
	out := s
	if s.UserProfile != nil {
		p := *s.UserProfile
		out.UserProfile = &p
	}
	if s.LoanApplication != nil {
		l := *s.LoanApplication
		out.LoanApplication = &l
	}
	out.TextContents = append([]TextContent(nil), s.TextContents...)
	out.EvidenceList = append([]Evidence(nil), s.EvidenceList...)
	if out.TextContents == nil {
		out.TextContents = []TextContent{}
	}
	if out.EvidenceList == nil {
		out.EvidenceList = []Evidence{}
	}
	return out
}

// FindEvidence returns the evidence item with the given id.
func (s Session) FindEvidence(id int64) (Evidence, bool) {
	for _, e := range s.EvidenceList {
		if e.ID == id {
			return e, true
		}
	}
	return Evidence{}, false
}

// FindTextContent returns the attached document with the given key.
func (s Session) FindTextContent(key string) (TextContent, bool) {
	for _, c := range s.TextContents {
		if c.Key == key {
			return c, true
		}
	}
	return TextContent{}, false
}
