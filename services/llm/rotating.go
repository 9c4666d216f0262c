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
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/time/rate"
)

// =============================================================================
// Rotating Client
// =============================================================================

// ErrNoAvailableClient is returned when every member is cooling down.
var ErrNoAvailableClient = errors.New("no LLM client available")

// RotatingConfig configures a RotatingClient.
//
// # Fields
//
//   - Cooldown: How long a member is skipped after a failure. Default: 60s.
//   - MaxRetries: Extra attempts after the first failure. Default: 2.
//   - RequestsPerMinute: Per-member rate limit. 0 disables limiting.
//   - RetryBackoff: Wait before retrying a member that just failed because
//     no other member is available. Scaled by the attempt number.
//     Default: 500ms.
type RotatingConfig struct {
	Cooldown          time.Duration
	MaxRetries        int
	RequestsPerMinute float64
	RetryBackoff      time.Duration
}

// DefaultRotatingConfig returns the default rotation settings.
func DefaultRotatingConfig() RotatingConfig {
	return RotatingConfig{
		Cooldown:     60 * time.Second,
		MaxRetries:   2,
		RetryBackoff: 500 * time.Millisecond,
	}
}

// NamedClient pairs a client with a label used in logs. The label must
// not contain the API key.
type NamedClient struct {
	Name   string
	Client LLMClient
}

type rotatingMember struct {
	name      string
	client    LLMClient
	limiter   *rate.Limiter
	coolUntil time.Time
}

// RotatingClient spreads calls across several clients.
//
// # Description
//
// Typically each member is the same provider with a different API key.
// Calls go round-robin over members that are not cooling down. A failed
// call puts its member on cooldown and retries on the next member, up to
// MaxRetries times. The last available member is never cooled: it is
// retried after RetryBackoff, so a single-member client keeps retrying
// and stays usable after a transient error. Each member may carry its own rate limiter so that one
// key never exceeds its quota; waiting for the limiter respects ctx.
//
// # Thread Safety
//
// RotatingClient is safe for concurrent use.
type RotatingClient struct {
	mu      sync.Mutex
	members []*rotatingMember
	next    int
	config  RotatingConfig
	now     func() time.Time
}

// NewRotatingClient creates a rotating client over clients.
//
// # Outputs
//
//   - *RotatingClient: Ready to use.
//   - error: Non-nil if clients is empty.
func NewRotatingClient(clients []NamedClient, config RotatingConfig) (*RotatingClient, error) {
	if len(clients) == 0 {
		return nil, errors.New("rotating client needs at least one member")
	}
	if config.Cooldown <= 0 {
		config.Cooldown = DefaultRotatingConfig().Cooldown
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if config.RetryBackoff <= 0 {
		config.RetryBackoff = DefaultRotatingConfig().RetryBackoff
	}

	r := &RotatingClient{config: config, now: time.Now}
	for _, c := range clients {
		m := &rotatingMember{name: c.Name, client: c.Client}
		if config.RequestsPerMinute > 0 {
			m.limiter = rate.NewLimiter(rate.Limit(config.RequestsPerMinute/60), 1)
		}
		r.members = append(r.members, m)
	}
	slog.Info("Initialized rotating LLM client",
		"members", len(r.members),
		"cooldown", config.Cooldown.String(),
		"max_retries", config.MaxRetries,
	)
	return r, nil
}

// Generate implements the LLMClient interface
func (r *RotatingClient) Generate(ctx context.Context, prompt string, params GenerationParams) (string, error) {
	return r.do(ctx, "Generate", func(ctx context.Context, c LLMClient) (string, error) {
		return c.Generate(ctx, prompt, params)
	})
}

// Chat implements the LLMClient interface
func (r *RotatingClient) Chat(ctx context.Context, messages []Message, params GenerationParams) (string, error) {
	return r.do(ctx, "Chat", func(ctx context.Context, c LLMClient) (string, error) {
		return c.Chat(ctx, messages, params)
	})
}

func (r *RotatingClient) do(ctx context.Context, op string,
	call func(context.Context, LLMClient) (string, error)) (string, error) {

	ctx, span := tracer.Start(ctx, "RotatingClient."+op)
	defer span.End()

	attempts := r.config.MaxRetries + 1
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		m := r.pick()
		if m == nil {
			if lastErr == nil {
				lastErr = ErrNoAvailableClient
			} else {
				lastErr = fmt.Errorf("%w: %w", ErrNoAvailableClient, lastErr)
			}
			break
		}
		span.SetAttributes(attribute.String("llm.member", m.name), attribute.Int("llm.attempt", attempt))

		if m.limiter != nil {
			if err := m.limiter.Wait(ctx); err != nil {
				return "", fmt.Errorf("rate limit wait: %w", err)
			}
		}

		out, err := call(ctx, m.client)
		if err == nil {
			return out, nil
		}
		if ctx.Err() != nil {
			return "", err
		}
		lastErr = err
		if r.coolIfOthersAvailable(m) {
			slog.Warn("LLM call failed, rotating to next client",
				"member", m.name,
				"attempt", attempt,
				"max_attempts", attempts,
				"error", err,
			)
			continue
		}
		slog.Warn("LLM call failed, retrying same client",
			"member", m.name,
			"attempt", attempt,
			"max_attempts", attempts,
			"error", err,
		)
		if attempt < attempts {
			select {
			case <-ctx.Done():
				return "", fmt.Errorf("retry wait: %w", ctx.Err())
			case <-time.After(time.Duration(attempt) * r.config.RetryBackoff):
			}
		}
	}

	span.RecordError(lastErr)
	span.SetStatus(codes.Error, lastErr.Error())
	return "", fmt.Errorf("all LLM attempts failed: %w", lastErr)
}

// pick returns the next member not cooling down, or nil.
func (r *RotatingClient) pick() *rotatingMember {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	for i := 0; i < len(r.members); i++ {
		idx := (r.next + i) % len(r.members)
		m := r.members[idx]
		if !m.coolUntil.After(now) {
			r.next = (idx + 1) % len(r.members)
			return m
		}
	}
	return nil
}

// coolIfOthersAvailable puts m on cooldown when another member can take
// the retry. It reports whether m was cooled.
func (r *RotatingClient) coolIfOthersAvailable(m *rotatingMember) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	for _, other := range r.members {
		if other != m && !other.coolUntil.After(now) {
			m.coolUntil = now.Add(r.config.Cooldown)
			return true
		}
	}
	return false
}

var _ LLMClient = (*RotatingClient)(nil)
