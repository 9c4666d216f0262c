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

import (
	"github.com/go-playground/validator/v10"
)

// MaxTextContentBytes caps a single attached document.
const MaxTextContentBytes = 512 * 1024

// requestValidate is the validator instance for request bodies.
// Initialized in init() with custom validators.
var requestValidate *validator.Validate

func init() {
	requestValidate = validator.New()
	_ = requestValidate.RegisterValidation("maxbytes", validateMaxBytes)
}

// validateMaxBytes checks the byte length of a string against
// MaxTextContentBytes.
func validateMaxBytes(fl validator.FieldLevel) bool {
	return len(fl.Field().String()) <= MaxTextContentBytes
}

// =============================================================================
// Session Requests
// =============================================================================

// UpdateProfileRequest replaces the applicant data of a session.
//
// Either field may be omitted; omitted fields are left unchanged.
type UpdateProfileRequest struct {
	SessionID       string           `json:"session_id" validate:"required"`
	UserProfile     *UserProfile     `json:"user_profile"`
	LoanApplication *LoanApplication `json:"loan_application"`
}

// Validate checks the request against its validation tags.
func (r *UpdateProfileRequest) Validate() error {
	return requestValidate.Struct(r)
}

// AttachContentRequest attaches a document to a session.
type AttachContentRequest struct {
	SessionID   string      `json:"session_id" validate:"required"`
	TextContent TextContent `json:"text_content"`
}

// Validate checks the request against its validation tags.
func (r *AttachContentRequest) Validate() error {
	return requestValidate.Struct(r)
}

// UpdateEvidenceRequest sets the validity of one evidence item.
//
// Valid is a pointer so that an omitted field is rejected rather than
// read as false.
type UpdateEvidenceRequest struct {
	SessionID        string `json:"session_id" validate:"required"`
	EvidenceID       int64  `json:"evidence_id" validate:"gt=0"`
	Valid            *bool  `json:"valid" validate:"required"`
	InvalidateReason string `json:"invalidate_reason" validate:"max=4096"`
}

// Validate checks the request against its validation tags.
func (r *UpdateEvidenceRequest) Validate() error {
	return requestValidate.Struct(r)
}

// SessionRequest names a session in a request body.
type SessionRequest struct {
	SessionID string `json:"session_id" validate:"required"`
}

// Validate checks the request against its validation tags.
func (r *SessionRequest) Validate() error {
	return requestValidate.Struct(r)
}
