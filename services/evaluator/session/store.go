// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package session owns per-session evaluation state.
//
// # Description
//
// A Store maps session IDs to entries. Each entry holds the applicant
// data, the accumulated evidence list, the evaluation-in-progress guard,
// and the session's broadcast log. The map is guarded by an RWMutex that
// is held only for lookup, insert and removal. All mutation of a single
// session is serialized by that session's own mutex, so unrelated
// sessions never contend.
//
// # Thread Safety
//
// All Store methods are safe for concurrent use. Returned sessions are
// deep copies.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/glassscore/services/evaluator/broadcast"
	"github.com/AleutianAI/glassscore/services/evaluator/datatypes"
)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrSessionNotFound is returned for unknown or torn-down sessions.
	ErrSessionNotFound = errors.New("session not found")

	// ErrEvidenceNotFound is returned when no evidence has the given ID.
	ErrEvidenceNotFound = errors.New("evidence not found")

	// ErrAlreadyInProgress is returned when an evaluation round is
	// already running for the session.
	ErrAlreadyInProgress = errors.New("evaluation already in progress")
)

// =============================================================================
// Archive
// =============================================================================

// Archive persists session snapshots outside the process.
//
// The store writes a snapshot after every mutation and on teardown. An
// archive failure is logged and never fails the mutation.
type Archive interface {
	Save(ctx context.Context, snapshot datatypes.Session) error
	Load(ctx context.Context, sessionID string) (datatypes.Session, error)
	Delete(ctx context.Context, sessionID string) error
}

// =============================================================================
// Store
// =============================================================================

type entry struct {
	mu         sync.Mutex
	state      datatypes.Session
	evidence   map[int64]int
	log        *broadcast.Log
	lastActive time.Time
	readers    int
}

// Store is the in-memory session store.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*entry
	archive  Archive
	now      func() time.Time
	logger   *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithArchive writes snapshots through a.
func WithArchive(a Archive) Option {
	return func(s *Store) { s.archive = a }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithLogger sets the logger used for archive failures.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// NewStore creates an empty store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		sessions: make(map[string]*entry),
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create registers a new session with an empty evidence list and an
// open broadcast log.
func (s *Store) Create() datatypes.Session {
	now := s.now().UTC()
	e := &entry{
		state: datatypes.Session{
			SessionID:    uuid.NewString(),
			TextContents: []datatypes.TextContent{},
			EvidenceList: []datatypes.Evidence{},
			CreatedAt:    now,
			UpdatedAt:    now,
		},
		evidence:   make(map[int64]int),
		log:        broadcast.NewLog(),
		lastActive: now,
	}

	s.mu.Lock()
	s.sessions[e.state.SessionID] = e
	s.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	s.persistLocked(e)
	return e.snapshotLocked()
}

// Get returns a copy of the session.
func (s *Store) Get(sessionID string) (datatypes.Session, error) {
	e, err := s.lookup(sessionID)
	if err != nil {
		return datatypes.Session{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked(), nil
}

// UpdateProfile replaces the non-nil parts of the applicant data.
func (s *Store) UpdateProfile(sessionID string, profile *datatypes.UserProfile,
	loan *datatypes.LoanApplication) (datatypes.Session, error) {

	return s.mutate(sessionID, func(e *entry) error {
		if profile != nil {
			p := *profile
			e.state.UserProfile = &p
		}
		if loan != nil {
			l := *loan
			e.state.LoanApplication = &l
		}
		return nil
	})
}

// AttachContent appends a document. If its key is already used, the
// document is stored under the first free "<key>_<n>" key.
func (s *Store) AttachContent(sessionID string, content datatypes.TextContent) (datatypes.Session, error) {
	return s.mutate(sessionID, func(e *entry) error {
		content.Key = uniqueKey(e.state.TextContents, content.Key)
		e.state.TextContents = append(e.state.TextContents, content)
		return nil
	})
}

// AppendEvidence adds an observed evidence item to the evidence list.
//
// # Description
//
// Idempotent on ID: an item whose ID is already present is ignored.
// Markers and items without an ID are ignored.
//
// # Outputs
//
//   - bool: True if the item was appended.
//   - error: ErrSessionNotFound for unknown sessions.
func (s *Store) AppendEvidence(sessionID string, item datatypes.Evidence) (bool, error) {
	if item.EventType != datatypes.EventEvidence || item.ID <= 0 {
		if _, err := s.lookup(sessionID); err != nil {
			return false, err
		}
		return false, nil
	}

	appended := false
	_, err := s.mutate(sessionID, func(e *entry) error {
		if _, ok := e.evidence[item.ID]; ok {
			return errUnchanged
		}
		e.evidence[item.ID] = len(e.state.EvidenceList)
		e.state.EvidenceList = append(e.state.EvidenceList, item)
		appended = true
		return nil
	})
	if errors.Is(err, errUnchanged) {
		err = nil
	}
	return appended, err
}

// SetEvidenceValidity flips the validity of one evidence item.
//
// Setting valid to true clears the invalidation reason. The item is
// never removed.
func (s *Store) SetEvidenceValidity(sessionID string, evidenceID int64, valid bool,
	reason string) (datatypes.Session, error) {

	return s.mutate(sessionID, func(e *entry) error {
		idx, ok := e.evidence[evidenceID]
		if !ok {
			return fmt.Errorf("evidence %d: %w", evidenceID, ErrEvidenceNotFound)
		}
		item := &e.state.EvidenceList[idx]
		item.Valid = valid
		if valid {
			item.InvalidateReason = ""
		} else {
			item.InvalidateReason = reason
		}
		return nil
	})
}

// BeginEvaluation sets the in-progress guard and pushes the
// evaluation_start marker as one atomic step.
func (s *Store) BeginEvaluation(sessionID string) error {
	_, err := s.mutate(sessionID, func(e *entry) error {
		if e.state.EvaluationInProgress {
			return ErrAlreadyInProgress
		}
		if _, err := e.log.Push(datatypes.NewMarker(datatypes.EventEvaluationStart)); err != nil {
			return err
		}
		e.state.EvaluationInProgress = true
		return nil
	})
	return err
}

// FinishEvaluation pushes the evaluation_complete marker and clears the
// in-progress guard as one atomic step.
func (s *Store) FinishEvaluation(sessionID string) error {
	_, err := s.mutate(sessionID, func(e *entry) error {
		if _, err := e.log.Push(datatypes.NewMarker(datatypes.EventEvaluationComplete)); err != nil {
			return err
		}
		e.state.EvaluationInProgress = false
		return nil
	})
	return err
}

// Push appends an item to the session's broadcast log.
func (s *Store) Push(sessionID string, item datatypes.Evidence) (broadcast.Entry, error) {
	e, err := s.lookup(sessionID)
	if err != nil {
		return broadcast.Entry{}, err
	}
	entry, err := e.log.Push(item)
	if err != nil {
		if errors.Is(err, broadcast.ErrClosed) {
			return broadcast.Entry{}, ErrSessionNotFound
		}
		return broadcast.Entry{}, err
	}
	s.touch(e)
	return entry, nil
}

// Attach returns a reader over the session's broadcast log starting at
// offset. The session counts as active until Detach is called for the
// reader.
func (s *Store) Attach(sessionID string, offset int) (*broadcast.Reader, error) {
	e, err := s.lookup(sessionID)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.readers++
	e.lastActive = s.now().UTC()
	e.mu.Unlock()
	return e.log.AttachFrom(offset), nil
}

// Backlog returns the first n items pushed to the session's channel.
func (s *Store) Backlog(sessionID string, n int) ([]datatypes.Evidence, error) {
	e, err := s.lookup(sessionID)
	if err != nil {
		return nil, err
	}
	items := e.log.Items()
	if n < len(items) {
		items = items[:n]
	}
	return items, nil
}

// Detach releases a reader returned by Attach. Detaching from a torn-down
// session is a no-op.
func (s *Store) Detach(sessionID string) {
	e, err := s.lookup(sessionID)
	if err != nil {
		return
	}
	e.mu.Lock()
	if e.readers > 0 {
		e.readers--
	}
	e.lastActive = s.now().UTC()
	e.mu.Unlock()
}

// Readers returns the number of attached readers of a session.
func (s *Store) Readers(sessionID string) (int, error) {
	e, err := s.lookup(sessionID)
	if err != nil {
		return 0, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.readers, nil
}

// Teardown removes the session, closes its log and archives the final
// snapshot.
func (s *Store) Teardown(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	e, ok := s.sessions[sessionID]
	if ok {
		delete(s.sessions, sessionID)
	}
	s.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}

	e.log.Close()

	e.mu.Lock()
	snapshot := e.snapshotLocked()
	e.mu.Unlock()

	if s.archive != nil {
		if err := s.archive.Save(ctx, snapshot); err != nil {
			s.logger.Warn("failed to archive torn down session",
				"session_id", sessionID, "error", err)
		}
	}
	return nil
}

// Archived loads the last archived snapshot of a session.
func (s *Store) Archived(ctx context.Context, sessionID string) (datatypes.Session, error) {
	if s.archive == nil {
		return datatypes.Session{}, ErrSessionNotFound
	}
	return s.archive.Load(ctx, sessionID)
}

// Idle returns the IDs of sessions untouched for longer than ttl that
// have no evaluation in progress and no attached readers.
func (s *Store) Idle(ttl time.Duration) []string {
	cutoff := s.now().UTC().Add(-ttl)

	s.mu.RLock()
	entries := make(map[string]*entry, len(s.sessions))
	for id, e := range s.sessions {
		entries[id] = e
	}
	s.mu.RUnlock()

	var idle []string
	for id, e := range entries {
		e.mu.Lock()
		if !e.state.EvaluationInProgress && e.readers == 0 && e.lastActive.Before(cutoff) {
			idle = append(idle, id)
		}
		e.mu.Unlock()
	}
	return idle
}

// Len returns the number of live sessions.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// =============================================================================
// Internal Methods
// =============================================================================

// errUnchanged aborts a mutation without error and without persisting.
var errUnchanged = errors.New("unchanged")

func (s *Store) lookup(sessionID string) (*entry, error) {
	s.mu.RLock()
	e, ok := s.sessions[sessionID]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	return e, nil
}

// mutate runs fn under the session lock, then stamps, persists and
// snapshots the session. A non-nil error from fn leaves the session
// unpersisted.
func (s *Store) mutate(sessionID string, fn func(e *entry) error) (datatypes.Session, error) {
	e, err := s.lookup(sessionID)
	if err != nil {
		return datatypes.Session{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := fn(e); err != nil {
		if errors.Is(err, broadcast.ErrClosed) {
			return datatypes.Session{}, ErrSessionNotFound
		}
		return datatypes.Session{}, err
	}

	now := s.now().UTC()
	e.state.UpdatedAt = now
	e.lastActive = now
	s.persistLocked(e)
	return e.snapshotLocked(), nil
}

func (s *Store) touch(e *entry) {
	e.mu.Lock()
	e.lastActive = s.now().UTC()
	e.mu.Unlock()
}

func (s *Store) persistLocked(e *entry) {
	if s.archive == nil {
		return
	}
	if err := s.archive.Save(context.Background(), e.snapshotLocked()); err != nil {
		s.logger.Warn("failed to archive session snapshot",
			"session_id", e.state.SessionID, "error", err)
	}
}

func (e *entry) snapshotLocked() datatypes.Session {
	out := e.state.Clone()
	out.TotalScore = datatypes.SumValidScores(out.EvidenceList)
	return out
}

func uniqueKey(existing []datatypes.TextContent, key string) string {
	taken := make(map[string]struct{}, len(existing))
	for _, c := range existing {
		taken[c.Key] = struct{}{}
	}
	if _, ok := taken[key]; !ok {
		return key
	}
	for i := 1; ; i++ {
		candidate := fmt.Sprintf("%s_%d", key, i)
		if _, ok := taken[candidate]; !ok {
			return candidate
		}
	}
}
