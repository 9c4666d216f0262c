// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ttl expires idle sessions on a schedule.
package ttl

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Expirer tears down sessions idle for longer than ttl and reports how
// many it removed. engine.Engine implements it.
type Expirer interface {
	ExpireIdle(ctx context.Context, ttl time.Duration) (int, error)
}

// SchedulerConfig configures a Scheduler.
//
// # Fields
//
//   - Interval: Time between sweeps. Default: 1 minute.
//   - TTL: Idle time after which a session expires. 0 disables expiry.
type SchedulerConfig struct {
	Interval time.Duration
	TTL      time.Duration
}

// DefaultSchedulerConfig returns a one-minute sweep over a one-hour TTL.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		Interval: time.Minute,
		TTL:      time.Hour,
	}
}

// CleanupResult describes one sweep.
type CleanupResult struct {
	StartTime       time.Time
	EndTime         time.Time
	SessionsExpired int
}

// DurationMs returns the sweep duration in milliseconds.
func (r CleanupResult) DurationMs() int64 {
	return r.EndTime.Sub(r.StartTime).Milliseconds()
}

// Scheduler runs an Expirer at a fixed interval.
//
// # Thread Safety
//
// Start, Stop and RunNow are safe for concurrent use.
type Scheduler struct {
	expirer Expirer
	config  SchedulerConfig
	done    chan struct{}
	stopped chan struct{}
	mu      sync.Mutex
	running bool
}

// NewScheduler creates a stopped scheduler.
func NewScheduler(expirer Expirer, config SchedulerConfig) *Scheduler {
	if config.Interval <= 0 {
		config.Interval = DefaultSchedulerConfig().Interval
	}
	return &Scheduler{
		expirer: expirer,
		config:  config,
	}
}

// Start begins sweeping in the background until Stop is called or ctx
// ends. A zero TTL makes Start a no-op.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.config.TTL <= 0 {
		slog.Info("Session expiry disabled")
		return nil
	}

	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler is already running")
	}
	s.running = true
	s.done = make(chan struct{})
	s.stopped = make(chan struct{})
	s.mu.Unlock()

	slog.Info("Session expiry scheduler starting",
		"interval", s.config.Interval.String(),
		"ttl", s.config.TTL.String(),
	)

	go s.runLoop(ctx, s.done, s.stopped)
	return nil
}

// Stop ends the sweep loop and waits for an in-flight sweep to return.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	slog.Info("Session expiry scheduler stopping")
	close(s.done)
	stopped := s.stopped
	s.running = false
	s.mu.Unlock()

	<-stopped
	return nil
}

// RunNow runs one sweep synchronously.
func (s *Scheduler) RunNow(ctx context.Context) (CleanupResult, error) {
	return s.runCleanupCycle(ctx)
}

func (s *Scheduler) runLoop(ctx context.Context, done <-chan struct{}, stopped chan<- struct{}) {
	defer close(stopped)
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("Session expiry scheduler stopped (context cancelled)")
			return
		case <-done:
			slog.Info("Session expiry scheduler stopped (stop requested)")
			return
		case <-ticker.C:
			s.executeCleanup(ctx)
		}
	}
}

func (s *Scheduler) executeCleanup(ctx context.Context) {
	result, err := s.runCleanupCycle(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		slog.Error("Session expiry cycle failed", "error", err)
		return
	}

	if result.SessionsExpired > 0 {
		slog.Info("Session expiry cycle completed",
			"sessions_expired", result.SessionsExpired,
			"duration_ms", result.DurationMs(),
		)
	} else {
		slog.Debug("Session expiry cycle completed (no idle sessions)")
	}
}

func (s *Scheduler) runCleanupCycle(ctx context.Context) (CleanupResult, error) {
	result := CleanupResult{StartTime: time.Now()}
	if s.config.TTL <= 0 {
		result.EndTime = result.StartTime
		return result, nil
	}

	n, err := s.expirer.ExpireIdle(ctx, s.config.TTL)
	result.SessionsExpired = n
	result.EndTime = time.Now()
	if err != nil {
		return result, fmt.Errorf("expire idle sessions: %w", err)
	}
	return result, nil
}
