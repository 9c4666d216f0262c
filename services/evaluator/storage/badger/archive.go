// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/glassscore/services/evaluator/datatypes"
	"github.com/AleutianAI/glassscore/services/evaluator/session"
)

const sessionKeyPrefix = "session/"

// SessionArchive implements session.Archive on top of a DB.
//
// Snapshots are JSON encoded under "session/<id>". Save overwrites the
// previous snapshot of the same session.
type SessionArchive struct {
	db *DB
}

// NewSessionArchive wraps an open DB.
func NewSessionArchive(db *DB) *SessionArchive {
	return &SessionArchive{db: db}
}

// Save writes the snapshot.
func (a *SessionArchive) Save(ctx context.Context, snapshot datatypes.Session) error {
	if snapshot.SessionID == "" {
		return errors.New("snapshot has no session id")
	}
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	return a.db.withTxn(ctx, func(txn *badger.Txn) error {
		return txn.Set(sessionKey(snapshot.SessionID), payload)
	})
}

// Load reads the latest snapshot of a session.
//
// Returns session.ErrSessionNotFound when nothing was archived.
func (a *SessionArchive) Load(ctx context.Context, sessionID string) (datatypes.Session, error) {
	var snapshot datatypes.Session
	err := a.db.withReadTxn(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get(sessionKey(sessionID))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &snapshot)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return datatypes.Session{}, fmt.Errorf("archive %s: %w", sessionID, session.ErrSessionNotFound)
	}
	if err != nil {
		return datatypes.Session{}, fmt.Errorf("load snapshot: %w", err)
	}
	return snapshot, nil
}

// Delete removes a session's snapshot. Deleting a missing key succeeds.
func (a *SessionArchive) Delete(ctx context.Context, sessionID string) error {
	return a.db.withTxn(ctx, func(txn *badger.Txn) error {
		return txn.Delete(sessionKey(sessionID))
	})
}

// List returns the IDs of every archived session.
func (a *SessionArchive) List(ctx context.Context) ([]string, error) {
	var ids []string
	err := a.db.withReadTxn(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(sessionKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			key := string(it.Item().Key())
			ids = append(ids, key[len(sessionKeyPrefix):])
		}
		return nil
	})
	return ids, err
}

func sessionKey(id string) []byte {
	return []byte(sessionKeyPrefix + id)
}

var _ session.Archive = (*SessionArchive)(nil)
