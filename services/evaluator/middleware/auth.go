// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package middleware provides HTTP middleware for the evaluator API.
package middleware

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// =============================================================================
// Auth Types
// =============================================================================

// ErrUnauthorized is returned when a token is missing or not accepted.
var ErrUnauthorized = errors.New("unauthorized")

// AuthInfo identifies the caller of an authenticated request.
type AuthInfo struct {
	// UserID is never empty. For API keys it is a short fingerprint of
	// the key, never the key itself.
	UserID string
}

// AuthProvider validates bearer tokens.
//
// Implementations must be safe for concurrent use.
type AuthProvider interface {
	Validate(ctx context.Context, token string) (*AuthInfo, error)
}

// NopAuthProvider accepts every request as the local user. It is used
// when no API keys are configured.
type NopAuthProvider struct{}

// Validate always succeeds.
func (p *NopAuthProvider) Validate(_ context.Context, _ string) (*AuthInfo, error) {
	return &AuthInfo{UserID: "local-user"}, nil
}

// APIKeyAuthProvider accepts a fixed set of API keys.
//
// Keys are stored as SHA-256 digests and compared in constant time.
type APIKeyAuthProvider struct {
	digests [][sha256.Size]byte
}

// NewAPIKeyAuthProvider creates a provider for keys. Blank keys are
// ignored.
//
// # Outputs
//
//   - *APIKeyAuthProvider: Ready to use.
//   - error: Non-nil if no non-blank key was given.
func NewAPIKeyAuthProvider(keys []string) (*APIKeyAuthProvider, error) {
	p := &APIKeyAuthProvider{}
	for _, k := range keys {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		p.digests = append(p.digests, sha256.Sum256([]byte(k)))
	}
	if len(p.digests) == 0 {
		return nil, errors.New("at least one API key is required")
	}
	return p, nil
}

// Validate implements AuthProvider.
func (p *APIKeyAuthProvider) Validate(_ context.Context, token string) (*AuthInfo, error) {
	if token == "" {
		return nil, fmt.Errorf("missing bearer token: %w", ErrUnauthorized)
	}
	digest := sha256.Sum256([]byte(token))
	matched := 0
	for i := range p.digests {
		matched |= subtle.ConstantTimeCompare(digest[:], p.digests[i][:])
	}
	if matched != 1 {
		return nil, fmt.Errorf("unknown API key: %w", ErrUnauthorized)
	}
	return &AuthInfo{UserID: fmt.Sprintf("key-%x", digest[:4])}, nil
}

var (
	_ AuthProvider = (*NopAuthProvider)(nil)
	_ AuthProvider = (*APIKeyAuthProvider)(nil)
)

// =============================================================================
// Context Helpers
// =============================================================================

const authInfoKey = "auth_info"

// SetAuthInfo stores the caller's identity on the request context.
func SetAuthInfo(c *gin.Context, info *AuthInfo) {
	c.Set(authInfoKey, info)
}

// GetAuthInfo returns the identity stored by AuthMiddleware, or nil.
func GetAuthInfo(c *gin.Context) *AuthInfo {
	if info, exists := c.Get(authInfoKey); exists {
		if authInfo, ok := info.(*AuthInfo); ok {
			return authInfo
		}
	}
	return nil
}

// =============================================================================
// Auth Middleware
// =============================================================================

// AuthMiddleware rejects requests whose bearer token provider does not
// accept, with 401 and a generic message.
//
// Browsers cannot set headers on EventSource or WebSocket requests, so a
// token may also be passed as the access_token query parameter.
func AuthMiddleware(provider AuthProvider) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := extractBearerToken(c)
		if token == "" {
			token = strings.TrimSpace(c.Query("access_token"))
		}

		authInfo, err := provider.Validate(c.Request.Context(), token)
		if err != nil {
			if errors.Is(err, ErrUnauthorized) {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
				return
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication failed"})
			return
		}

		SetAuthInfo(c, authInfo)
		c.Next()
	}
}

// extractBearerToken returns the token of an "Authorization: Bearer"
// header, or "". The scheme is case-insensitive.
func extractBearerToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		return ""
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}

	return strings.TrimSpace(parts[1])
}
