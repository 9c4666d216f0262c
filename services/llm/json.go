// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// ErrNoJSON is returned when a reply contains no JSON object.
var ErrNoJSON = errors.New("no JSON object in model reply")

// JSONAttempts bounds how often ChatJSON asks for a decodable reply.
const JSONAttempts = 3

// ExtractJSON returns the first complete JSON object in a model reply.
//
// Models often wrap JSON in markdown fences or surround it with prose.
// The scan tracks string literals so braces inside strings do not end
// the object early.
func ExtractJSON(reply string) ([]byte, error) {
	start := strings.IndexByte(reply, '{')
	for start >= 0 {
		if end := matchBrace(reply, start); end > start {
			candidate := reply[start : end+1]
			if json.Valid([]byte(candidate)) {
				return []byte(candidate), nil
			}
		}
		next := strings.IndexByte(reply[start+1:], '{')
		if next < 0 {
			break
		}
		start += next + 1
	}
	return nil, ErrNoJSON
}

// DecodeJSON extracts the first JSON object in reply and unmarshals it.
func DecodeJSON(reply string, v any) error {
	raw, err := ExtractJSON(reply)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode model reply: %w", err)
	}
	return nil
}

// matchBrace returns the index of the brace closing the one at start,
// or -1.
func matchBrace(s string, start int) int {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// ChatJSON sends messages and decodes the reply into v. A reply that does
// not decode is asked for again, up to JSONAttempts times in total. Chat
// errors are returned at once.
func ChatJSON(ctx context.Context, client LLMClient, messages []Message, params GenerationParams, v any) error {
	var lastErr error
	for attempt := 1; attempt <= JSONAttempts; attempt++ {
		reply, err := client.Chat(ctx, messages, params)
		if err != nil {
			return err
		}
		if lastErr = DecodeJSON(reply, v); lastErr == nil {
			return nil
		}
		slog.Warn("Model reply was not valid JSON",
			"attempt", attempt,
			"max_attempts", JSONAttempts,
			"error", lastErr)
	}
	return fmt.Errorf("after %d attempts: %w", JSONAttempts, lastErr)
}
